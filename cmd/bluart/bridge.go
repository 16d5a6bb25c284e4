package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/bluart"
	"github.com/srg/bluart/bridge"
	"github.com/srg/bluart/internal/script"
	"github.com/srg/bluart/session"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge <device-address>",
	Short: "Expose a UART peripheral as a virtual serial port",
	Long: fmt.Sprintf(`Creates a PTY (pseudoterminal) connected to a UART peripheral, so that
applications expecting a serial port can talk to it.

Data written to the PTY is sent to the peripheral and everything the peripheral
sends is written to the PTY. Both directions can be rewritten by a Lua script
defining rx_to_tty(data) and tty_to_tx(data); a function that returns nil drops
the chunk. Without --script a pass-through script is used.

The session can be recorded (--db) and mirrored to MQTT (--mqtt) at the same time.

Example:
  bluart bridge %s
  bluart bridge --symlink /tmp/bluefruit --script transform.lua %s`,
		exampleDeviceAddress, exampleDeviceAddress),
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

var (
	bridgeSession   sessionFlags
	bridgeLuaScript string
	bridgeSymlink   string
)

func init() {
	bridgeSession.register(bridgeCmd)
	bridgeCmd.Flags().StringVar(&bridgeLuaScript, "script", "", "Lua script file with rx_to_tty() and tty_to_tx() functions")
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/bluefruit)")
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setupCommand(cmd)
	if err != nil {
		return err
	}
	if err := bridgeSession.apply(cfg); err != nil {
		return err
	}

	opts, err := runOptions(args[0], cfg, logger)
	if err != nil {
		return err
	}

	// Load the script before connecting so a syntax error fails fast
	var engine *script.Engine
	if bridgeLuaScript != "" {
		logger.WithField("file", bridgeLuaScript).Info("Loading custom Lua script")
		engine, err = script.LoadFile(bridgeLuaScript, logger)
	} else {
		logger.Info("Using default bridge script")
		engine, err = script.Load(bluart.DefaultBridgeLuaScript, "bridge.lua", logger)
	}
	if err != nil {
		return err
	}
	defer engine.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(logger)
	defer cancel()

	out := cmd.OutOrStdout()

	progress := NewProgressPrinter(fmt.Sprintf("Starting bridge for %s", args[0]), "Connecting", "Running", "Failed")
	progress.Start()
	defer progress.Stop()

	_, err = session.Run(ctx, opts, progress.Callback(), func(sess *session.Session) (bridge.Stats, error) {
		extras, err := attach(ctx, sess, cfg, logger)
		if err != nil {
			return bridge.Stats{}, err
		}
		defer extras.Close(sess)

		b, err := bridge.Start(ctx, sess, bridge.Options{
			Symlink:          bridgeSymlink,
			Script:           engine,
			InputBufferSize:  cfg.PTY.InputBufferSize,
			OutputBufferSize: cfg.PTY.OutputBufferSize,
			Logger:           logger,
		})
		if err != nil {
			return bridge.Stats{}, err
		}
		defer func() {
			if err := b.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close PTY")
			}
		}()

		fmt.Fprintf(out, "PTY: %s\n", b.TTYName())
		if link := b.Symlink(); link != "" {
			fmt.Fprintf(out, "Symlink: %s\n", link)
		}
		fmt.Fprintln(out, "Press Ctrl+C to stop the bridge.")

		err = waitSession(ctx, sess)

		st := b.Stats()
		fmt.Fprintf(out, "\nBridge stopped: %d bytes to PTY, %d bytes from PTY, %d dropped\n", st.ToTTY, st.FromTTY, st.Dropped)
		return st, err
	})

	return err
}
