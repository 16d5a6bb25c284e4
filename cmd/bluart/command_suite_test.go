package main

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/bluart/internal/device"
	"github.com/srg/bluart/internal/devicefactory"
	"github.com/srg/bluart/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const testDeviceAddress = "AA:BB:CC:DD:EE:FF"

// syncBuffer is a bytes.Buffer safe to write from session listeners while a test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs commands against a fake UART and a fake scanner.
type CommandTestSuite struct {
	suite.Suite
	Logger  *logrus.Logger
	UART    *testutils.FakeUART
	Scanner *testutils.FakeScanningDevice

	origUARTFactory    func(string, device.ConnectOptions, *logrus.Logger) device.UART
	origScannerFactory func() (device.ScanningDevice, error)
	origInput          io.Reader
	origProgress       io.Writer
	origNoColor        bool
}

func (s *CommandTestSuite) SetupTest() {
	s.Logger = testutils.NewTestLogger()
	s.UART = testutils.NewFakeUART(testDeviceAddress)
	s.Scanner = &testutils.FakeScanningDevice{}

	s.origUARTFactory = devicefactory.UARTFactory
	s.origScannerFactory = devicefactory.ScannerFactory
	s.origInput = consoleInput
	s.origProgress = progressOutput
	s.origNoColor = color.NoColor

	devicefactory.UARTFactory = func(string, device.ConnectOptions, *logrus.Logger) device.UART { return s.UART }
	devicefactory.ScannerFactory = func() (device.ScanningDevice, error) { return s.Scanner, nil }
	progressOutput = io.Discard
	color.NoColor = true

	resetFlags(rootCmd)
}

func (s *CommandTestSuite) TearDownTest() {
	devicefactory.UARTFactory = s.origUARTFactory
	devicefactory.ScannerFactory = s.origScannerFactory
	consoleInput = s.origInput
	progressOutput = s.origProgress
	color.NoColor = s.origNoColor
}

// ExecuteCommand runs the root command with args and returns its output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	out := &syncBuffer{}
	err := s.ExecuteCommandTo(out, args...)
	return out.String(), err
}

// ExecuteCommandTo runs the root command writing stdout and stderr to out.
func (s *CommandTestSuite) ExecuteCommandTo(out io.Writer, args ...string) error {
	resetFlags(rootCmd)
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	}()
	return rootCmd.Execute()
}

// StartCommand runs the root command in the background and returns its error channel.
func (s *CommandTestSuite) StartCommand(out io.Writer, args ...string) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ExecuteCommandTo(out, args...)
	}()
	return errCh
}

// WaitCommand waits for a command started with StartCommand.
func (s *CommandTestSuite) WaitCommand(errCh <-chan error) error {
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		s.FailNow("command did not finish in time")
		return nil
	}
}

// resetFlags restores every flag of cmd and its subcommands to its default,
// since cobra keeps flag values in package variables between executions.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace([]string{})
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
