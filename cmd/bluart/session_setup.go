package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bluart/export"
	"github.com/srg/bluart/internal/capture"
	"github.com/srg/bluart/internal/device"
	"github.com/srg/bluart/internal/mqtt"
	"github.com/srg/bluart/packet"
	"github.com/srg/bluart/pkg/config"
	"github.com/srg/bluart/session"
)

// sessionFlags are shared by the commands that open a live session.
type sessionFlags struct {
	hex      bool
	eol      string
	database string
	mqtt     bool
	mqttHost string
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.hex, "hex", false, "Display and export payloads as hex (overrides uart.display)")
	cmd.Flags().StringVar(&f.eol, "eol", "", "Line terminator appended to sent lines: none, lf, cr, crlf (overrides uart.eol)")
	cmd.Flags().StringVar(&f.database, "db", "", "Record the session into this SQLite capture file (overrides capture.database)")
	cmd.Flags().BoolVar(&f.mqtt, "mqtt", false, "Mirror the session to the MQTT broker from the config (same as mqtt.enabled)")
	cmd.Flags().StringVar(&f.mqttHost, "mqtt-host", "", "MQTT broker host (overrides mqtt.host and enables MQTT)")
}

// apply folds the flag overrides into cfg.
func (f *sessionFlags) apply(cfg *config.Config) error {
	if f.hex {
		cfg.UART.Display = "hex"
	}
	if f.eol != "" {
		cfg.UART.EOL = f.eol
	}
	if f.database != "" {
		cfg.Capture.Database = f.database
	}
	if f.mqttHost != "" {
		cfg.MQTT.Host = f.mqttHost
		cfg.MQTT.Enabled = true
	}
	if f.mqtt {
		cfg.MQTT.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

// runOptions builds the session.Run options for address from cfg.
func runOptions(address string, cfg *config.Config, logger *logrus.Logger) (*session.RunOptions, error) {
	display, err := export.ParseDisplayMode(cfg.UART.Display)
	if err != nil {
		return nil, err
	}
	overflow, err := packet.ParseOverflowPolicy(cfg.UART.Overflow)
	if err != nil {
		return nil, err
	}

	return &session.RunOptions{
		Address: address,
		Connect: device.ConnectOptions{
			ConnectTimeout: cfg.ConnectTimeout,
			WriteChunkSize: cfg.UART.WriteChunkSize,
			WriteInterval:  cfg.UART.WriteInterval,
		},
		Session: session.Options{
			Store: packet.StoreOptions{
				Capacity:     cfg.UART.StoreCapacity,
				Overflow:     overflow,
				DisableCache: !cfg.UART.CacheEnabled,
			},
			Formatter:      export.Options{Display: display},
			TransmitRemote: cfg.MQTT.SubscribeBehaviour == "transmit",
			EOL:            cfg.UART.EOLBytes(),
		},
		Logger: logger,
	}, nil
}

// attachments holds the optional capture recorder and MQTT bridge of a session.
type attachments struct {
	db       *capture.DB
	recorder *capture.Recorder
	mqtt     *mqtt.Bridge
	logger   *logrus.Logger
}

// attach starts the capture recorder and MQTT bridge that cfg enables.
// The returned attachments must be closed before the session is.
func attach(ctx context.Context, sess *session.Session, cfg *config.Config, logger *logrus.Logger) (*attachments, error) {
	a := &attachments{logger: logger}

	if cfg.Capture.Database != "" {
		db, err := capture.Open(cfg.Capture.Database, logger)
		if err != nil {
			return nil, err
		}
		a.db = db
		rec, err := capture.Record(ctx, db, sess)
		if err != nil {
			a.Close(sess)
			return nil, err
		}
		a.recorder = rec
	}

	if cfg.MQTT.Enabled {
		b := mqtt.New(mqtt.SettingsFromConfig(cfg.MQTT), logger)
		if err := b.Connect(ctx); err != nil {
			a.Close(sess)
			return nil, err
		}
		a.mqtt = b
		if err := b.Attach(ctx, sess); err != nil {
			a.Close(sess)
			return nil, err
		}
	}
	return a, nil
}

// Close stops the recorder and disconnects the broker. Safe on a partially built value.
func (a *attachments) Close(sess *session.Session) {
	if a.mqtt != nil {
		a.mqtt.Close()
		a.mqtt = nil
	}
	if a.recorder != nil {
		if err := a.recorder.Stop(sess); err != nil {
			a.logger.WithError(err).Warn("Failed to finish capture session")
		}
		a.logger.WithFields(logrus.Fields{
			"session": sess.ID(),
			"packets": a.recorder.Recorded(),
		}).Info("Capture session recorded")
		a.recorder = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close capture database")
		}
		a.db = nil
	}
}

// signalContext returns a context cancelled by Ctrl+C or SIGTERM.
func signalContext(logger *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			logger.Info("Received interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// waitSession blocks until ctx ends or the link drops.
func waitSession(ctx context.Context, sess *session.Session) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sess.Done():
		if err := sess.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		return ErrConnectionLost
	}
}
