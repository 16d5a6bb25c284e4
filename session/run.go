package session

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bluart/internal/device"
	"github.com/srg/bluart/internal/devicefactory"
)

// ProgressCallback is called when the session phase changes
type ProgressCallback func(phase string)

// Callback is executed with the started session
type Callback[R any] func(*Session) (R, error)

// RunOptions contains everything needed to open a session for an address
type RunOptions struct {
	Address string
	Connect device.ConnectOptions
	Session Options
	Logger  *logrus.Logger
}

// Run opens a UART session to opts.Address, executes callback with it, and
// closes the session when the callback returns.
func Run[R any](
	ctx context.Context,
	opts *RunOptions,
	progressCallback ProgressCallback,
	callback Callback[R],
) (R, error) {
	var zero R

	if opts == nil {
		return zero, fmt.Errorf("failed to run session: options are required")
	}
	if opts.Address == "" {
		return zero, fmt.Errorf("failed to run session: device address is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}
	connectOpts := opts.Connect.Normalize()
	sessionOpts := opts.Session
	if sessionOpts.Logger == nil {
		sessionOpts.Logger = logger
	}

	progressCallback("Connecting")

	transport := devicefactory.NewUART(opts.Address, connectOpts, logger)
	sess := New(transport, sessionOpts)
	defer func() {
		if err := sess.Close(); err != nil {
			logger.WithError(err).Debug("Session close reported an error")
		}
	}()

	start := time.Now()
	if err := sess.Start(ctx); err != nil {
		progressCallback("Failed")
		return zero, fmt.Errorf("failed to connect to device %s: %w", opts.Address, device.NormalizeError(err))
	}

	logger.WithFields(logrus.Fields{
		"address": opts.Address,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Debug("UART connected")

	progressCallback("Connected")
	progressCallback("Running")

	return callback(sess)
}
