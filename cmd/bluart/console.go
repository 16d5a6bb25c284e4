package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bluart/export"
	"github.com/srg/bluart/internal/groutine"
	"github.com/srg/bluart/session"
)

const exampleDeviceAddress = "F1:23:45:67:89:AB"

// consoleCmd represents the console command
var consoleCmd = &cobra.Command{
	Use:   "console <device-address>",
	Short: "Interactive UART console",
	Long: fmt.Sprintf(`Connects to a UART peripheral and shows what it sends. Every line typed on
stdin is sent to the peripheral followed by the configured line terminator.

The address is a BLE address, or a serial port such as /dev/ttyUSB0 or
serial:/dev/ttyACM0?baud=9600.

Lines starting with '/' are console commands:
  /clear           empty the packet log
  /stats           show packet and byte counters
  /export <file>   save the packet log; the format follows the extension
                   (.txt, .csv, .json, .xml, .bin)
  /quit            disconnect and exit
Start a line with '//' to send a literal '/'.

Example:
  bluart console %s
  bluart console --hex --timestamps --export session.csv %s
  bluart console --mqtt-host broker.local --db capture.db %s`,
		exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress),
	Args: cobra.ExactArgs(1),
	RunE: runConsole,
}

var (
	consoleSession    sessionFlags
	consoleTimestamps bool
	consoleNoEcho     bool
	consoleExportPath string

	// consoleInput is read for lines to send. Tests replace it.
	consoleInput io.Reader = os.Stdin
)

func init() {
	consoleSession.register(consoleCmd)
	consoleCmd.Flags().BoolVarP(&consoleTimestamps, "timestamps", "t", false, "Prefix every packet with its time of day")
	consoleCmd.Flags().BoolVar(&consoleNoEcho, "no-echo", false, "Do not show sent packets (overrides uart.echo)")
	consoleCmd.Flags().StringVarP(&consoleExportPath, "export", "e", "", "Export the packet log to this file on exit")
}

func runConsole(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setupCommand(cmd)
	if err != nil {
		return err
	}
	if err := consoleSession.apply(cfg); err != nil {
		return err
	}
	if consoleNoEcho {
		cfg.UART.Echo = false
	}
	if consoleExportPath != "" {
		if _, err := export.FormatFromPath(consoleExportPath); err != nil {
			return err
		}
	}

	opts, err := runOptions(args[0], cfg, logger)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(logger)
	defer cancel()

	out := cmd.OutOrStdout()

	progress := NewProgressPrinter(fmt.Sprintf("Connecting to %s", args[0]), "Connecting", "Running", "Failed")
	progress.Start()
	defer progress.Stop()

	_, err = session.Run(ctx, opts, progress.Callback(), func(sess *session.Session) (struct{}, error) {
		printer := newConsolePrinter(out, sess.Formatter(), cfg.UART.Echo, consoleTimestamps)
		if err := sess.Subscribe("console", printer.HandleEvent); err != nil {
			return struct{}{}, err
		}

		extras, err := attach(ctx, sess, cfg, logger)
		if err != nil {
			return struct{}{}, err
		}
		defer extras.Close(sess)

		if consoleExportPath != "" {
			defer func() {
				if err := exportSession(sess, consoleExportPath); err != nil {
					printer.Notice("Export failed: %s", FormatUserError(err))
					return
				}
				printer.Notice("Exported to %s", consoleExportPath)
			}()
		}

		name := sess.Name()
		if name == "" {
			name = sess.Address()
		}
		printer.Notice("Connected to %s (session %s). Type /quit to exit.", name, sess.ID())

		c := &console{sess: sess, printer: printer, logger: logger, quit: make(chan struct{})}
		inputDone := make(chan error, 1)
		groutine.Go(ctx, "console-input", func(ctx context.Context) {
			inputDone <- c.readLines(ctx, consoleInput)
		})

		waitCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			select {
			case <-c.quit:
				stop()
			case <-waitCtx.Done():
			}
		}()

		err = waitSession(waitCtx, sess)
		if c.quitting() {
			return struct{}{}, <-inputDone
		}
		return struct{}{}, err
	})

	return err
}

// console executes stdin lines against a session.
type console struct {
	sess    *session.Session
	printer *consolePrinter
	logger  *logrus.Logger
	quit    chan struct{}
	closed  bool
}

func (c *console) quitting() bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}

// readLines sends each line until EOF, /quit or ctx ends. Both EOF and /quit end the console.
func (c *console) readLines(ctx context.Context, r io.Reader) error {
	defer c.stop()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.execute(ctx, scanner.Text()) {
			return nil
		}
	}
	return scanner.Err()
}

func (c *console) stop() {
	if !c.closed {
		c.closed = true
		close(c.quit)
	}
}

// execute handles one input line and reports whether to keep reading.
func (c *console) execute(ctx context.Context, line string) bool {
	if strings.HasPrefix(line, "/") && !strings.HasPrefix(line, "//") {
		return c.command(strings.Fields(line[1:]))
	}
	line = strings.TrimPrefix(line, "/")

	if err := c.sess.SendLine(ctx, line, session.OriginLocal); err != nil {
		c.printer.Notice("Send failed: %s", FormatUserError(err))
		c.logger.WithError(err).Debug("Console send failed")
	}
	return true
}

func (c *console) command(fields []string) bool {
	if len(fields) == 0 {
		return true
	}

	switch fields[0] {
	case "quit", "exit", "q":
		return false
	case "clear":
		c.sess.Clear()
		c.printer.Notice("Packet log cleared")
	case "stats":
		st := c.sess.Stats()
		c.printer.Notice("packets=%d rx_bytes=%d tx_bytes=%d evicted=%d rejected=%d",
			st.Packets, st.RxBytes, st.TxBytes, st.Evicted, st.Rejected)
	case "export":
		if len(fields) != 2 {
			c.printer.Notice("usage: /export <file.txt|csv|json|xml|bin>")
			return true
		}
		if err := exportSession(c.sess, fields[1]); err != nil {
			c.printer.Notice("Export failed: %s", FormatUserError(err))
			return true
		}
		c.printer.Notice("Exported to %s", fields[1])
	default:
		c.printer.Notice("Unknown command /%s (try /clear, /stats, /export, /quit)", fields[0])
	}
	return true
}

// exportSession renders the session packet log into path, picking the format from its extension.
func exportSession(sess *session.Session, path string) error {
	format, err := export.FormatFromPath(path)
	if err != nil {
		return err
	}
	res, err := sess.Export(format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, res.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
