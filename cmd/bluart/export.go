package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bluart/export"
	"github.com/srg/bluart/internal/capture"
	"github.com/srg/bluart/packet"
)

// exportCmd represents the export command
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a recorded session",
	Long: `Renders a session recorded with --db as text, CSV, JSON, XML or raw binary.

Without --session the most recent session is exported. The format defaults to
the extension of --output, or txt when writing to stdout.

Example:
  bluart export --db capture.db
  bluart export --db capture.db --session 01J9Z3K4T5 --format csv
  bluart export --db capture.db --hex -o dump.json`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

var (
	exportDatabase  string
	exportSessionID string
	exportFormat    string
	exportHex       bool
	exportOutput    string
)

func init() {
	exportCmd.Flags().StringVar(&exportDatabase, "db", "", "SQLite capture file (default: capture.database from the config)")
	exportCmd.Flags().StringVarP(&exportSessionID, "session", "s", "", "Session ID (default: the most recent session)")
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "", "Export format: txt, csv, json, xml, bin")
	exportCmd.Flags().BoolVar(&exportHex, "hex", false, "Render payloads as hex instead of UTF-8 text")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to this file instead of stdout")
}

func runExport(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setupCommand(cmd)
	if err != nil {
		return err
	}

	format, err := resolveExportFormat(exportFormat, exportOutput)
	if err != nil {
		return err
	}

	display := export.DisplayText
	if exportHex || cfg.UART.Display == "hex" {
		display = export.DisplayHex
	}

	dbPath := exportDatabase
	if dbPath == "" {
		dbPath = cfg.Capture.Database
	}
	if dbPath == "" {
		return errors.New("no capture database: pass --db or set capture.database")
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	db, err := openExistingCapture(dbPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	id := exportSessionID
	if id == "" {
		sessions, err := db.Sessions(ctx)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			return fmt.Errorf("%w: %s has no sessions", capture.ErrSessionNotFound, dbPath)
		}
		id = sessions[0].ID
	}

	packets, err := db.Packets(ctx, id)
	if err != nil {
		return err
	}

	formatter := export.NewFormatter(export.Options{Display: display, Logger: logger})

	if exportOutput == "" {
		res, err := formatter.WriteTo(cmd.OutOrStdout(), format, packets)
		if err != nil {
			return err
		}
		reportExport(cmd, logger, id, res)
		return nil
	}

	res, err := writeExportFile(exportOutput, formatter, format, packets)
	if err != nil {
		return err
	}
	reportExport(cmd, logger, id, res)
	return nil
}

// createExportFile opens the --output file. Tests replace it to simulate I/O failures.
var createExportFile = func(path string) (io.WriteCloser, error) {
	return os.Create(path)
}

// writeExportFile renders packets into path. A partial file is removed on failure,
// including a failed Close, which is where a full disk shows up.
func writeExportFile(path string, formatter *export.Formatter, format export.Format, packets []packet.Packet) (*export.Result, error) {
	f, err := createExportFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}

	res, err := formatter.WriteTo(f, format, packets)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to write %s: %w", path, cerr)
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return res, nil
}

func reportExport(cmd *cobra.Command, logger *logrus.Logger, id string, res *export.Result) {
	logger.WithFields(logrus.Fields{
		"session": id,
		"format":  res.Format,
		"items":   res.Items,
		"skipped": res.Skipped,
	}).Info("Session exported")

	if note := skippedNote(res); note != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), note)
	}
}

// skippedNote describes what happened to packets that were not valid UTF-8.
func skippedNote(res *export.Result) string {
	if res.Skipped == 0 {
		return ""
	}
	switch res.Format {
	case export.FormatCSV:
		return fmt.Sprintf("%d packets could not be rendered as text; their rows have an empty Data field (use --hex to keep them)", res.Skipped)
	default:
		return fmt.Sprintf("%d packets could not be rendered as text and were left out (use --hex to keep them)", res.Skipped)
	}
}

// resolveExportFormat prefers an explicit format, then the output extension, then txt.
func resolveExportFormat(name, output string) (export.Format, error) {
	switch {
	case name != "":
		return export.ParseFormat(name)
	case output != "":
		return export.FormatFromPath(output)
	default:
		return export.FormatText, nil
	}
}

// openExistingCapture opens a capture file without creating an empty one on a typo.
func openExistingCapture(path string, logger *logrus.Logger) (*capture.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("capture database %s: %w", path, err)
	}
	return capture.Open(path, logger)
}
