package export

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Format identifies an export representation.
type Format string

const (
	FormatText   Format = "txt"
	FormatCSV    Format = "csv"
	FormatJSON   Format = "json"
	FormatXML    Format = "xml"
	FormatBinary Format = "bin"
)

// Formats lists every supported format in presentation order.
var Formats = []Format{FormatText, FormatCSV, FormatJSON, FormatXML, FormatBinary}

// Extension returns the file extension, including the leading dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// MIMEType returns the media type used when the export is shared or served.
func (f Format) MIMEType() string {
	switch f {
	case FormatText:
		return "text/plain; charset=utf-8"
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatJSON:
		return "application/json"
	case FormatXML:
		return "application/xml"
	default:
		return "application/octet-stream"
	}
}

// ParseFormat accepts a format name or one of its common aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "txt", "text":
		return FormatText, nil
	case "csv":
		return FormatCSV, nil
	case "json":
		return FormatJSON, nil
	case "xml":
		return FormatXML, nil
	case "bin", "binary", "raw":
		return FormatBinary, nil
	default:
		return "", fmt.Errorf("%w: %q (must be txt, csv, json, xml or bin)", ErrUnsupportedFormat, s)
	}
}

// FormatFromPath infers the format from a file name extension.
func FormatFromPath(path string) (Format, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		return "", fmt.Errorf("%w: %s has no extension", ErrUnsupportedFormat, path)
	}
	return ParseFormat(ext)
}
