package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/bluart/scanner"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for UART peripherals",
	Long: `Scans for Bluetooth Low Energy peripherals that advertise the Nordic UART
Service and lists them strongest signal first. Use --all to list every
peripheral in range.

Example:
  bluart scan
  bluart scan --name Bluefruit --duration 5s
  bluart scan --watch --all
  bluart scan --format json`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanAll       bool
	scanName      string
	scanAllowList []string
	scanBlockList []string
	scanWatch     bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default: scan_timeout from the config, 10s)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVarP(&scanAll, "all", "a", false, "Include peripherals without the UART service")
	scanCmd.Flags().StringVarP(&scanName, "name", "n", "", "Only show peripherals whose name starts with this prefix")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Print peripherals as they are discovered")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	cfg, logger, err := setupCommand(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := scanDuration
	if duration <= 0 {
		duration = cfg.ScanTimeout
	}
	opts := &scanner.Options{
		Duration:        duration,
		AllowDuplicates: true,
		All:             scanAll,
		NamePrefix:      scanName,
		AllowList:       scanAllowList,
		BlockList:       scanBlockList,
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	out := cmd.OutOrStdout()
	s := scanner.New(logger)

	var progressCallback scanner.ProgressCallback
	var watchDone chan struct{}
	if scanWatch {
		watchDone = make(chan struct{})
		go func() {
			defer close(watchDone)
			printDiscoveries(out, s.Events())
		}()
	} else {
		progress := NewCountdownProgressPrinter("Scanning for UART peripherals", "Scanning", duration, "Processing results", "Failed")
		progress.Start()
		defer progress.Stop()
		progressCallback = progress.Callback()
	}

	devices, err := s.Scan(ctx, opts, progressCallback)
	if watchDone != nil {
		// Events is closed when Scan returns
		<-watchDone
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	switch scanFormat {
	case "json":
		return writeDevicesJSON(out, devices)
	default:
		if scanWatch {
			fmt.Fprintln(out)
		}
		return writeDevicesTable(out, devices)
	}
}

// printDiscoveries prints one line per newly discovered peripheral until events is closed.
func printDiscoveries(w io.Writer, events <-chan scanner.Event) {
	highlight := color.New(color.FgGreen)
	for ev := range events {
		if ev.Type != scanner.EventNew {
			continue
		}
		d := ev.Device
		_, _ = highlight.Fprintf(w, "+ %s", d.Address)
		fmt.Fprintf(w, "  %s  %d dBm\n", d.DisplayName(), d.RSSI)
	}
}

func writeDevicesTable(w io.Writer, devices []scanner.Device) error {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No devices discovered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI\tUART\tCONNECTABLE\tVENDOR\tLAST SEEN")
	fmt.Fprintln(tw, strings.Repeat("-", 80))

	for _, d := range devices {
		name := d.DisplayName()
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		vendor := d.Vendor
		if vendor == "" {
			vendor = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s\t%s\t%s\t%s ago\n",
			name, d.Address, d.RSSI, yesNo(d.UART), yesNo(d.Connectable), vendor,
			time.Since(d.LastSeen).Truncate(time.Second))
	}

	return tw.Flush()
}

// writeDevicesJSON writes an object keyed by address, strongest signal first.
func writeDevicesJSON(w io.Writer, devices []scanner.Device) error {
	om := orderedmap.New[string, scanner.Device]()
	for _, d := range devices {
		om.Set(d.Address, d)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(om); err != nil {
		return fmt.Errorf("failed to encode devices: %w", err)
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
