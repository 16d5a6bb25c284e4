package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/srg/bluart/export"
	"github.com/srg/bluart/internal/capture"
	"github.com/srg/bluart/internal/device"
	"github.com/srg/bluart/internal/testutils"
	"github.com/srg/bluart/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type CommandsTestSuite struct {
	CommandTestSuite
}

// pipeInput replaces the console stdin with a pipe the test writes to.
func (s *CommandsTestSuite) pipeInput() *io.PipeWriter {
	r, w := io.Pipe()
	consoleInput = r
	s.T().Cleanup(func() { _ = w.Close() })
	return w
}

func (s *CommandsTestSuite) waitWritten(n int) {
	s.Require().Eventually(func() bool { return len(s.UART.Written()) >= n }, 2*time.Second, 10*time.Millisecond,
		"the peripheral MUST receive %d writes", n)
}

func (s *CommandsTestSuite) TestConsoleSendsLinesAndExportsOnQuit() {
	// GOAL: Verify typed lines are sent with the line terminator, RX is printed, and the log is exported on exit
	//
	// TEST SCENARIO: type "hello", peripheral answers "world\n", type /quit → text export holds both in order

	exportPath := filepath.Join(s.T().TempDir(), "session.txt")
	in := s.pipeInput()
	out := &syncBuffer{}

	errCh := s.StartCommand(out, "console", "--export", exportPath, testDeviceAddress)

	_, err := io.WriteString(in, "hello\n")
	s.Require().NoError(err)
	s.waitWritten(1)
	s.Equal("hello\n", string(s.UART.Written()[0]), "sent lines MUST end with the configured EOL")

	s.UART.Receive([]byte("world\n"))
	s.Require().Eventually(func() bool { return strings.Contains(out.String(), "world") }, 2*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(in, "/quit\n")
	s.Require().NoError(err)
	s.Require().NoError(s.WaitCommand(errCh))

	data, err := os.ReadFile(exportPath)
	s.Require().NoError(err, "export on exit MUST create the file")
	s.Equal("hello\nworld\n", string(data))
	s.Contains(out.String(), "Exported to "+exportPath)
}

func (s *CommandsTestSuite) TestConsoleHexTimestamps() {
	// GOAL: Verify hex display prints one labelled line per packet
	in := s.pipeInput()
	out := &syncBuffer{}

	errCh := s.StartCommand(out, "console", "--hex", "--eol", "none", "--timestamps", testDeviceAddress)

	_, err := io.WriteString(in, "AT\n")
	s.Require().NoError(err)
	s.waitWritten(1)
	s.UART.Receive([]byte{0x4F, 0x4B, 0x0D})
	s.Require().Eventually(func() bool { return strings.Contains(out.String(), "RX 4F4B0D") }, 2*time.Second, 10*time.Millisecond)

	s.Require().NoError(in.Close(), "EOF on stdin MUST end the console")
	s.Require().NoError(s.WaitCommand(errCh))

	s.Contains(out.String(), "TX 4154\n", "with --eol none the line MUST be sent without terminator")
	s.Regexp(`\[\d{2}:\d{2}:\d{2}\.\d{3}\] RX 4F4B0D`, out.String())
}

func (s *CommandsTestSuite) TestConsoleCommands() {
	in := s.pipeInput()
	out := &syncBuffer{}
	exportPath := filepath.Join(s.T().TempDir(), "log.csv")

	errCh := s.StartCommand(out, "console", testDeviceAddress)

	_, err := io.WriteString(in, "//slash\n/stats\n/export "+exportPath+"\n/clear\n/stats\n/bogus\n/quit\n")
	s.Require().NoError(err)
	s.Require().NoError(s.WaitCommand(errCh))

	s.Require().Len(s.UART.Written(), 1)
	s.Equal("/slash\n", string(s.UART.Written()[0]), "a leading // MUST send a literal slash")

	output := out.String()
	s.Contains(output, "packets=1 rx_bytes=0 tx_bytes=7")
	s.Contains(output, "Packet log cleared")
	s.Contains(output, "packets=0 rx_bytes=0 tx_bytes=7", "clear MUST keep the byte counters")
	s.Contains(output, "Unknown command /bogus")

	data, err := os.ReadFile(exportPath)
	s.Require().NoError(err)
	s.True(strings.HasPrefix(string(data), "Timestamp,Mode,Data\r\n"))
	s.Contains(string(data), `,TX,"/slash"`)
}

func (s *CommandsTestSuite) TestConsoleLinkLost() {
	// GOAL: Verify a dropped link ends the console with ErrConnectionLost
	s.pipeInput()

	errCh := s.StartCommand(io.Discard, "console", testDeviceAddress)
	s.Require().Eventually(s.UART.IsConnected, 2*time.Second, 10*time.Millisecond)

	s.UART.Drop()

	err := s.WaitCommand(errCh)
	s.ErrorIs(err, ErrConnectionLost)
	s.Contains(FormatUserError(err), "connection to the device was lost")
}

func (s *CommandsTestSuite) TestConsoleConnectFailure() {
	s.UART.ConnectErr = fmt.Errorf("is Bluetooth turned on?")
	s.pipeInput()

	err := s.WaitCommand(s.StartCommand(io.Discard, "console", testDeviceAddress))

	s.ErrorIs(err, device.ErrBluetoothOff)
	s.Equal("Bluetooth is turned off. Turn it on and try again.", FormatUserError(err))
}

func (s *CommandsTestSuite) TestConsoleRejectsUnknownExportExtension() {
	_, err := s.ExecuteCommand("console", "--export", "session.doc", testDeviceAddress)

	s.ErrorIs(err, export.ErrUnsupportedFormat)
	s.Equal(0, s.UART.Connects, "invalid options MUST fail before connecting")
}

func (s *CommandsTestSuite) TestConsoleRecordsCapture() {
	// GOAL: Verify --db records the live session so it can be listed and exported later
	dbPath := filepath.Join(s.T().TempDir(), "capture.db")
	in := s.pipeInput()
	console := &syncBuffer{}

	errCh := s.StartCommand(console, "console", "--db", dbPath, testDeviceAddress)
	_, err := io.WriteString(in, "ping\n")
	s.Require().NoError(err)
	s.waitWritten(1)
	s.UART.Receive([]byte("pong\n"))
	s.Require().Eventually(func() bool { return strings.Contains(console.String(), "pong") }, 2*time.Second, 10*time.Millisecond)
	_, err = io.WriteString(in, "/quit\n")
	s.Require().NoError(err)
	s.Require().NoError(s.WaitCommand(errCh))

	out, err := s.ExecuteCommand("export", "--db", dbPath)
	s.Require().NoError(err)
	s.Equal("ping\npong\n", out)

	out, err = s.ExecuteCommand("sessions", "--db", dbPath, "--json")
	s.Require().NoError(err)
	var sessions []capture.SessionInfo
	s.Require().NoError(json.Unmarshal([]byte(out), &sessions))
	s.Require().Len(sessions, 1)
	s.Equal(testDeviceAddress, sessions[0].Address)
	s.Equal(2, sessions[0].Packets)
	s.False(sessions[0].EndedAt.IsZero(), "quitting MUST stamp the session end")
}

func (s *CommandsTestSuite) TestScanJSONOrderedBySignal() {
	s.Scanner.Advertisements = []device.Advertisement{
		testutils.NewAdvertisementBuilder().WithAddress("11:22:33:44:55:66").WithName("Far").WithRSSI(-80).WithUART().Build(),
		testutils.NewAdvertisementBuilder().WithAddress("AA:BB:CC:DD:EE:FF").WithName("Near").WithRSSI(-40).WithUART().Build(),
		testutils.NewAdvertisementBuilder().WithAddress("99:88:77:66:55:44").WithName("HRM").WithRSSI(-30).WithServices("180D").Build(),
	}

	out, err := s.ExecuteCommand("scan", "--duration", "30ms", "--format", "json")
	s.Require().NoError(err)

	var devices map[string]map[string]any
	s.Require().NoError(json.Unmarshal([]byte(out), &devices))
	s.Len(devices, 2, "peripherals without UART MUST be hidden by default")
	s.Less(strings.Index(out, "AA:BB:CC:DD:EE:FF"), strings.Index(out, "11:22:33:44:55:66"), "strongest signal MUST come first")
	s.Equal("Near", devices["AA:BB:CC:DD:EE:FF"]["name"])
}

func (s *CommandsTestSuite) TestScanTableAll() {
	s.Scanner.Advertisements = []device.Advertisement{
		testutils.NewAdvertisementBuilder().WithAddress("99:88:77:66:55:44").WithRSSI(-30).WithServices("180D").Build(),
	}

	out, err := s.ExecuteCommand("scan", "--duration", "20ms", "--all")
	s.Require().NoError(err)

	s.Contains(out, "NAME")
	s.Contains(out, "<unknown>")
	s.Contains(out, "99:88:77:66:55:44")
}

func (s *CommandsTestSuite) TestScanWatchPrintsDiscoveries() {
	s.Scanner.Advertisements = []device.Advertisement{
		testutils.NewAdvertisementBuilder().WithAddress("AA:BB:CC:DD:EE:FF").WithName("Bluefruit52").WithRSSI(-50).WithUART().Build(),
	}

	out, err := s.ExecuteCommand("scan", "--duration", "20ms", "--watch")
	s.Require().NoError(err)

	s.Contains(out, "+ AA:BB:CC:DD:EE:FF  Bluefruit52  -50 dBm")
}

func (s *CommandsTestSuite) TestScanInvalidFormat() {
	_, err := s.ExecuteCommand("scan", "--format", "yaml")

	s.ErrorContains(err, "invalid format 'yaml'")
}

func (s *CommandsTestSuite) seedCapture() (string, string) {
	dbPath := filepath.Join(s.T().TempDir(), "capture.db")
	db, err := capture.Open(dbPath, s.Logger)
	s.Require().NoError(err)
	defer db.Close()

	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC)
	id := "01HWX0000000000000000000AA"
	s.Require().NoError(db.BeginSession(ctx, id, testDeviceAddress, "Bluefruit52", ts))
	s.Require().NoError(db.InsertPacket(ctx, id, 1, packet.New(ts, packet.Transmit, []byte("AT\r\n"))))
	s.Require().NoError(db.InsertPacket(ctx, id, 2, packet.New(ts.Add(time.Second), packet.Receive, []byte{0xFF, 0x01})))
	s.Require().NoError(db.EndSession(ctx, id, ts.Add(time.Minute)))
	return dbPath, id
}

func (s *CommandsTestSuite) TestExportFormats() {
	dbPath, id := s.seedCapture()

	out, err := s.ExecuteCommand("export", "--db", dbPath, "--session", id, "--format", "bin")
	s.Require().NoError(err)
	s.Equal("AT\r\n\xFF\x01", out)

	out, err = s.ExecuteCommand("export", "--db", dbPath, "--hex")
	s.Require().NoError(err)
	s.Equal("41540D0AFF01", out)

	jsonPath := filepath.Join(s.T().TempDir(), "dump.json")
	out, err = s.ExecuteCommand("export", "--db", dbPath, "-o", jsonPath)
	s.Require().NoError(err)
	s.Contains(out, "1 packets could not be rendered as text", "undecodable packets MUST be reported")

	data, err := os.ReadFile(jsonPath)
	s.Require().NoError(err)
	var doc map[string][]map[string]any
	s.Require().NoError(json.Unmarshal(data, &doc))
	s.Len(doc["items"], 1, "the format MUST follow the output extension")
}

func (s *CommandsTestSuite) TestExportCSVReportsEmptyRows() {
	// GOAL: Verify the stderr note matches CSV behaviour, where undecodable rows stay with empty data

	dbPath, _ := s.seedCapture()

	out, err := s.ExecuteCommand("export", "--db", dbPath, "--format", "csv")
	s.Require().NoError(err)

	s.Contains(out, `,RX,""`+"\r\n", "undecodable packet MUST keep its row")
	s.Contains(out, "1 packets could not be rendered as text; their rows have an empty Data field")
	s.NotContains(out, "left out")
}

// failingFile accepts writes and fails on Close, like a flush to a full disk.
type failingFile struct {
	strings.Builder
}

func (f *failingFile) Close() error { return errors.New("no space left on device") }

func (s *CommandsTestSuite) TestExportReportsCloseFailure() {
	// GOAL: Verify an error from closing the output file fails the export and removes the file
	//
	// TEST SCENARIO: output Close fails → command error names the file → partial file is gone

	dbPath, _ := s.seedCapture()
	out := filepath.Join(s.T().TempDir(), "dump.bin")
	s.Require().NoError(os.WriteFile(out, []byte("partial"), 0o644))

	orig := createExportFile
	defer func() { createExportFile = orig }()
	createExportFile = func(string) (io.WriteCloser, error) { return &failingFile{}, nil }

	_, err := s.ExecuteCommand("export", "--db", dbPath, "-o", out)

	s.ErrorContains(err, "no space left on device")
	s.ErrorContains(err, out)
	_, statErr := os.Stat(out)
	s.ErrorIs(statErr, os.ErrNotExist, "a file that failed to close MUST be removed")
}

func (s *CommandsTestSuite) TestExportTextDecodeFailure() {
	dbPath, _ := s.seedCapture()

	_, err := s.ExecuteCommand("export", "--db", dbPath)

	s.ErrorIs(err, export.ErrDecode)
	s.Contains(FormatUserError(err), "--hex")
}

func (s *CommandsTestSuite) TestExportErrors() {
	dbPath, _ := s.seedCapture()

	_, err := s.ExecuteCommand("export", "--db", dbPath, "--session", "nope")
	s.ErrorIs(err, capture.ErrSessionNotFound)

	_, err = s.ExecuteCommand("export", "--db", filepath.Join(s.T().TempDir(), "missing.db"))
	s.ErrorIs(err, os.ErrNotExist, "a missing capture file MUST NOT be created")

	_, err = s.ExecuteCommand("export")
	s.ErrorContains(err, "no capture database")
}

func (s *CommandsTestSuite) TestSessionsTableAndDelete() {
	dbPath, id := s.seedCapture()

	out, err := s.ExecuteCommand("sessions", "--db", dbPath)
	s.Require().NoError(err)
	s.Contains(out, id)
	s.Contains(out, "Bluefruit52")
	s.Contains(out, "1m0s")

	out, err = s.ExecuteCommand("sessions", "--db", dbPath, "--delete", id)
	s.Require().NoError(err)
	s.Contains(out, "Deleted session "+id)

	out, err = s.ExecuteCommand("sessions", "--db", dbPath)
	s.Require().NoError(err)
	s.Contains(out, "No sessions recorded")
}

func (s *CommandsTestSuite) TestBridgeScriptErrorFailsBeforeConnect() {
	_, err := s.ExecuteCommand("bridge", "--script", filepath.Join(s.T().TempDir(), "missing.lua"), testDeviceAddress)

	s.ErrorContains(err, "failed to read script")
	s.Equal(0, s.UART.Connects)
}

func (s *CommandsTestSuite) TestConfigFileAndLogLevel() {
	cfgPath := filepath.Join(s.T().TempDir(), "bluart.yaml")
	s.Require().NoError(os.WriteFile(cfgPath, []byte("uart:\n  display: binary\n"), 0o644))

	_, err := s.ExecuteCommand("scan", "--config", cfgPath, "--duration", "10ms")
	s.ErrorContains(err, "uart.display must be text or hex")

	_, err = s.ExecuteCommand("scan", "--log-level", "chatty")
	s.ErrorContains(err, "invalid log level: chatty")
}

func TestCommandsTestSuite(t *testing.T) {
	suite.Run(t, new(CommandsTestSuite))
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"unknown", fmt.Errorf("boom"), "boom"},
		{"not found", &device.NotFoundError{Resource: "service", UUIDs: []string{"6e400001"}},
			"the device does not expose the UART service (service 6e400001 not found)"},
		{"export empty", fmt.Errorf("wrap: %w", export.ErrEmpty), "nothing to export: the session has no data"},
		{"timeout", device.NormalizeError(context.DeadlineExceeded), "timed out, check that the device is powered on and in range (timeout: context deadline exceeded)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserError(tt.err))
		})
	}
}
