// Package export renders packet sequences into the text, CSV, JSON, XML and
// binary representations used for saving or sharing a UART session.
//
// Every function is pure: it reads the given packets and the formatter's
// immutable settings, and returns a Result or an error. A Formatter is safe
// for concurrent use.
package export

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/srg/bluart/packet"
)

var (
	// ErrEmpty is returned by Text and Binary when there is nothing to render.
	ErrEmpty = errors.New("nothing to export")
	// ErrDecode is returned by Text when the concatenated payload is not valid UTF-8.
	ErrDecode = errors.New("payload is not valid UTF-8")
	// ErrSerialization wraps an unexpected encoder failure.
	ErrSerialization = errors.New("export serialization failed")
	// ErrUnsupportedFormat is returned for unknown formats or formats disabled on the formatter.
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

// DisplayMode selects how payload bytes become text.
type DisplayMode uint8

const (
	DisplayText DisplayMode = iota // UTF-8 decode
	DisplayHex                     // two uppercase hex digits per byte
)

func (m DisplayMode) String() string {
	if m == DisplayHex {
		return "hex"
	}
	return "text"
}

// ParseDisplayMode accepts "text" and "hex".
func ParseDisplayMode(s string) (DisplayMode, error) {
	switch strings.ToLower(s) {
	case "", "text", "utf8", "utf-8":
		return DisplayText, nil
	case "hex":
		return DisplayHex, nil
	default:
		return 0, fmt.Errorf("invalid display mode: %s (must be text or hex)", s)
	}
}

// DefaultTimeLayout renders CSV timestamps as HH:mm:ss.SSS.
const DefaultTimeLayout = "15:04:05.000"

// Options configures a Formatter.
type Options struct {
	Display    DisplayMode
	Location   *time.Location // CSV time-of-day zone (nil = time.Local)
	TimeLayout string         // CSV time-of-day layout (empty = DefaultTimeLayout)
	DisableXML bool           // Report XML as unsupported
	Logger     *logrus.Logger
}

// Result is a rendered export.
type Result struct {
	Format  Format
	Data    []byte
	Items   int // packets rendered with data
	Skipped int // packets whose data could not be produced
}

func (r *Result) String() string {
	return string(r.Data)
}

// Formatter renders packet sequences. Build one with NewFormatter.
type Formatter struct {
	display    DisplayMode
	location   *time.Location
	timeLayout string
	xml        bool
	logger     *logrus.Logger
}

func NewFormatter(opts Options) *Formatter {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	layout := opts.TimeLayout
	if layout == "" {
		layout = DefaultTimeLayout
	}
	return &Formatter{
		display:    opts.Display,
		location:   loc,
		timeLayout: layout,
		xml:        !opts.DisableXML,
		logger:     logger,
	}
}

// Display returns the configured display mode.
func (f *Formatter) Display() DisplayMode { return f.display }

// Supports reports whether the formatter can produce format.
func (f *Formatter) Supports(format Format) bool {
	switch format {
	case FormatText, FormatCSV, FormatJSON, FormatBinary:
		return true
	case FormatXML:
		return f.xml
	default:
		return false
	}
}

// Export dispatches to the renderer for format.
func (f *Formatter) Export(format Format, packets []packet.Packet) (*Result, error) {
	switch format {
	case FormatText:
		return f.Text(packets)
	case FormatCSV:
		return f.CSV(packets)
	case FormatJSON:
		return f.JSON(packets)
	case FormatXML:
		return f.XML(packets)
	case FormatBinary:
		return f.Binary(packets)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// WriteTo renders packets and writes the result to w.
func (f *Formatter) WriteTo(w io.Writer, format Format, packets []packet.Packet) (*Result, error) {
	res, err := f.Export(format, packets)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(res.Data); err != nil {
		return nil, fmt.Errorf("failed to write %s export: %w", format, err)
	}
	return res, nil
}

// render converts one payload per the display mode. ok is false when text
// decoding fails; hex rendering cannot fail.
func (f *Formatter) render(data []byte) (s string, ok bool) {
	if f.display == DisplayHex {
		return strings.ToUpper(hex.EncodeToString(data)), true
	}
	if !utf8.Valid(data) {
		return "", false
	}
	return string(data), true
}

// Text concatenates every payload and renders the whole buffer once.
func (f *Formatter) Text(packets []packet.Packet) (*Result, error) {
	buf := concat(packets)
	if len(buf) == 0 {
		return nil, ErrEmpty
	}
	s, ok := f.render(buf)
	if !ok {
		return nil, ErrDecode
	}
	return &Result{Format: FormatText, Data: []byte(s), Items: len(packets)}, nil
}

// Binary returns the raw concatenation of every payload in order.
func (f *Formatter) Binary(packets []packet.Packet) (*Result, error) {
	if len(packets) == 0 {
		return nil, ErrEmpty
	}
	return &Result{Format: FormatBinary, Data: concat(packets), Items: len(packets)}, nil
}

func concat(packets []packet.Packet) []byte {
	n := 0
	for _, p := range packets {
		n += p.Len()
	}
	buf := make([]byte, 0, n)
	for _, p := range packets {
		buf = append(buf, p.Payload()...)
	}
	return buf
}

const (
	csvHeader     = "Timestamp,Mode,Data"
	csvTerminator = "\r\n"
)

// csvDataReplacer removes every line-breaking character so a row stays on one
// line, and doubles embedded quotes.
var csvDataReplacer = strings.NewReplacer(
	"\r", "", "\n", "", "\v", "", "\f", "",
	"\u0085", "", "\u2028", "", "\u2029", "",
	`"`, `""`,
)

// CSV renders a header row and one row per packet. A packet that cannot be
// decoded keeps its row with an empty data field.
//
// encoding/csv is not used: it quotes only when needed and cannot be told to
// always quote the data column.
func (f *Formatter) CSV(packets []packet.Packet) (*Result, error) {
	var b strings.Builder
	b.WriteString(csvHeader)
	b.WriteString(csvTerminator)

	res := &Result{Format: FormatCSV}
	for _, p := range packets {
		data, ok := f.render(p.Payload())
		if ok {
			res.Items++
		} else {
			res.Skipped++
		}

		b.WriteString(f.timeOfDay(p.Timestamp()))
		b.WriteByte(',')
		b.WriteString(p.Mode().String())
		b.WriteString(`,"`)
		b.WriteString(csvDataReplacer.Replace(data))
		b.WriteByte('"')
		b.WriteString(csvTerminator)
	}

	res.Data = []byte(b.String())
	f.logSkipped(res)
	return res, nil
}

func (f *Formatter) timeOfDay(ts time.Time) string {
	return strings.ReplaceAll(ts.In(f.location).Format(f.timeLayout), ",", ".")
}

type jsonDocument struct {
	Items []jsonItem `json:"items"`
}

type jsonItem struct {
	Timestamp float64 `json:"timestamp"`
	Mode      string  `json:"mode"`
	Data      string  `json:"data"`
}

// JSON renders {"items":[...]} pretty-printed. Undecodable packets are omitted.
func (f *Formatter) JSON(packets []packet.Packet) (*Result, error) {
	doc := jsonDocument{Items: make([]jsonItem, 0, len(packets))}
	res := &Result{Format: FormatJSON}

	for _, p := range packets {
		data, ok := f.render(p.Payload())
		if !ok {
			res.Skipped++
			continue
		}
		doc.Items = append(doc.Items, jsonItem{
			Timestamp: epochSeconds(p.Timestamp()),
			Mode:      p.Mode().String(),
			Data:      data,
		})
	}
	res.Items = len(doc.Items)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		f.logger.WithError(err).WithField("packets", len(packets)).Error("Failed to encode JSON export")
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}

	res.Data = bytes.TrimRight(buf.Bytes(), "\n")
	f.logSkipped(res)
	return res, nil
}

type xmlDocument struct {
	XMLName xml.Name  `xml:"uart"`
	Items   []xmlItem `xml:"item"`
}

type xmlItem struct {
	Timestamp string   `xml:"timestamp"`
	Mode      string   `xml:"mode"`
	Data      xmlCDATA `xml:"data"`
}

type xmlCDATA struct {
	Value string `xml:",cdata"`
}

// XML renders a <uart> document with one <item> per decodable packet.
func (f *Formatter) XML(packets []packet.Packet) (*Result, error) {
	if !f.xml {
		return nil, fmt.Errorf("%w: xml", ErrUnsupportedFormat)
	}

	doc := xmlDocument{Items: make([]xmlItem, 0, len(packets))}
	res := &Result{Format: FormatXML}

	for _, p := range packets {
		data, ok := f.render(p.Payload())
		if !ok {
			res.Skipped++
			continue
		}
		doc.Items = append(doc.Items, xmlItem{
			Timestamp: strconv.FormatFloat(epochSeconds(p.Timestamp()), 'f', -1, 64),
			Mode:      p.Mode().String(),
			Data:      xmlCDATA{Value: data},
		})
	}
	res.Items = len(doc.Items)

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		f.logger.WithError(err).WithField("packets", len(packets)).Error("Failed to encode XML export")
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}

	res.Data = append([]byte(xml.Header), out...)
	f.logSkipped(res)
	return res, nil
}

func (f *Formatter) logSkipped(res *Result) {
	if res.Skipped == 0 {
		return
	}
	f.logger.WithFields(logrus.Fields{
		"format":  res.Format,
		"items":   res.Items,
		"skipped": res.Skipped,
	}).Warn("Some packets could not be decoded as UTF-8")
}

// epochSeconds avoids UnixNano, which overflows outside 1678-2262.
func epochSeconds(ts time.Time) float64 {
	return float64(ts.Unix()) + float64(ts.Nanosecond())/1e9
}
