package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bluart/packet"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{
		T:      t,
		Logger: NewTestLogger(),
	}
}

// NewTestLogger returns a debug-level logger so failing tests show the execution flow.
func NewTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

// PacketSeq builds packets relative to a base time.
//
//	testutils.NewPacketSeq(t0).TX(0, "AT").RX(100*time.Millisecond, "OK\r\n").Packets()
type PacketSeq struct {
	base    time.Time
	packets []packet.Packet
}

func NewPacketSeq(base time.Time) *PacketSeq {
	return &PacketSeq{base: base}
}

func (s *PacketSeq) TX(offset time.Duration, data string) *PacketSeq {
	return s.Bytes(offset, packet.Transmit, []byte(data))
}

func (s *PacketSeq) RX(offset time.Duration, data string) *PacketSeq {
	return s.Bytes(offset, packet.Receive, []byte(data))
}

func (s *PacketSeq) Bytes(offset time.Duration, mode packet.Mode, data []byte) *PacketSeq {
	s.packets = append(s.packets, packet.New(s.base.Add(offset), mode, data))
	return s
}

func (s *PacketSeq) Packets() []packet.Packet {
	return s.packets
}

// ProjectFile reads a file relative to the module root.
func ProjectFile(relPath string) ([]byte, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	root := wd
	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(root)
		if parent == root {
			return nil, fmt.Errorf("could not find project root (go.mod not found)")
		}
		root = parent
	}

	fullPath := filepath.Join(root, relPath)
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", fullPath, err)
	}
	return data, nil
}
