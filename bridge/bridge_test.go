package bridge

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bluart/internal/script"
	"github.com/srg/bluart/internal/testutils"
	"github.com/srg/bluart/session"
	"github.com/stretchr/testify/suite"
)

type BridgeTestSuite struct {
	suite.Suite
	uart   *testutils.FakeUART
	sess   *session.Session
	logger *logrus.Logger
	ctx    context.Context
}

func (suite *BridgeTestSuite) SetupTest() {
	suite.logger = testutils.NewTestLogger()
	suite.ctx = context.Background()
	suite.uart = testutils.NewFakeUART("AA:BB:CC:DD:EE:FF")
	suite.sess = session.New(suite.uart, session.Options{Logger: suite.logger})
	suite.Require().NoError(suite.sess.Start(suite.ctx))
}

func (suite *BridgeTestSuite) TearDownTest() {
	_ = suite.sess.Close()
}

func (suite *BridgeTestSuite) start(opts Options) (*Bridge, *os.File) {
	opts.Logger = suite.logger
	b, err := Start(suite.ctx, suite.sess, opts)
	suite.Require().NoError(err)
	suite.T().Cleanup(func() { _ = b.Close() })

	slave, err := os.OpenFile(b.TTYName(), os.O_RDWR|syscall.O_NOCTTY, 0)
	suite.Require().NoError(err)
	suite.T().Cleanup(func() { _ = slave.Close() })
	return b, slave
}

// readFrom reads until want bytes arrived or the timeout expires.
func (suite *BridgeTestSuite) readFrom(f *os.File, want int) string {
	got := make(chan []byte, 1)
	go func() {
		var out []byte
		buf := make([]byte, 256)
		for len(out) < want {
			n, err := f.Read(buf)
			out = append(out, buf[:n]...)
			if err != nil {
				break
			}
		}
		got <- out
	}()
	select {
	case b := <-got:
		return string(b)
	case <-time.After(2 * time.Second):
		suite.Fail("timed out reading from PTY slave")
		return ""
	}
}

func (suite *BridgeTestSuite) TestReceivedBytesReachTheSlave() {
	// GOAL: Verify RX fragments are written to the PTY in order
	//
	// TEST SCENARIO: peripheral notifies "O" then "K\n" → application reads "OK\n"

	_, slave := suite.start(Options{})

	suite.uart.Receive([]byte("O"))
	suite.uart.Receive([]byte("K\n"))

	suite.Equal("OK\n", suite.readFrom(slave, 3))
}

func (suite *BridgeTestSuite) TestSlaveInputIsSentAsPTYOrigin() {
	// GOAL: Verify bytes written by an application are recorded as TX and sent to the peripheral
	b, slave := suite.start(Options{})

	_, err := slave.Write([]byte("AT"))
	suite.Require().NoError(err)

	suite.Eventually(func() bool { return len(suite.uart.Written()) > 0 }, 2*time.Second, 10*time.Millisecond)
	suite.Equal("AT", string(suite.uart.Written()[0]))
	suite.Equal(uint64(2), b.Stats().FromTTY)
}

func (suite *BridgeTestSuite) TestScriptTransformsBothDirections() {
	engine, err := script.Load(`
function rx_to_tty(d) return "<" .. d .. ">" end
function tty_to_tx(d) return string.upper(d) end
`, "t.lua", suite.logger)
	suite.Require().NoError(err)
	defer engine.Close()

	_, slave := suite.start(Options{Script: engine})

	suite.uart.Receive([]byte("ok"))
	suite.Equal("<ok>", suite.readFrom(slave, 4))

	_, err = slave.Write([]byte("at"))
	suite.Require().NoError(err)
	suite.Eventually(func() bool { return len(suite.uart.Written()) > 0 }, 2*time.Second, 10*time.Millisecond)
	suite.Equal("AT", string(suite.uart.Written()[0]))

	snap := suite.sess.Snapshot()
	suite.Equal("ok", string(snap[0].Payload()), "captured packets MUST hold the raw bytes")
}

func (suite *BridgeTestSuite) TestSymlinkLifecycle() {
	link := filepath.Join(suite.T().TempDir(), "bluefruit")
	b, err := Start(suite.ctx, suite.sess, Options{Symlink: link, Logger: suite.logger})
	suite.Require().NoError(err)

	target, err := os.Readlink(link)
	suite.Require().NoError(err)
	suite.Equal(b.TTYName(), target)

	suite.Require().NoError(b.Close())
	_, err = os.Lstat(link)
	suite.True(os.IsNotExist(err), "Close MUST remove the symlink")
}

func (suite *BridgeTestSuite) TestSecondBridgeOnSameSessionFails() {
	b, err := Start(suite.ctx, suite.sess, Options{Logger: suite.logger})
	suite.Require().NoError(err)
	defer b.Close()

	_, err = Start(suite.ctx, suite.sess, Options{Logger: suite.logger})

	suite.ErrorIs(err, session.ErrListenerExists)
}

func TestBridgeTestSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}
