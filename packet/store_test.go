package packet_test

import (
	"sync"
	"testing"
	"time"

	"github.com/srg/bluart/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type StoreTestSuite struct {
	suite.Suite
	t0 time.Time
}

func (suite *StoreTestSuite) SetupTest() {
	suite.t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (suite *StoreTestSuite) TestAppendPreservesOrder() {
	// GOAL: Verify packets are retained in append order with their direction and bytes
	//
	// TEST SCENARIO: Append TX then RX → snapshot → same order, modes and payloads

	s := packet.NewStore(packet.StoreOptions{})

	suite.Require().NoError(s.Append(packet.Transmit, []byte("AT"), suite.t0))
	suite.Require().NoError(s.Append(packet.Receive, []byte("OK\r\n"), suite.t0.Add(100*time.Millisecond)))

	snap := s.Snapshot()
	suite.Require().Len(snap, 2)
	suite.Equal(packet.Transmit, snap[0].Mode())
	suite.Equal([]byte("AT"), snap[0].Payload())
	suite.Equal(suite.t0, snap[0].Timestamp())
	suite.Equal(packet.Receive, snap[1].Mode())
	suite.Equal([]byte("OK\r\n"), snap[1].Payload())
}

func (suite *StoreTestSuite) TestPayloadIsCopied() {
	// GOAL: Verify a stored packet does not observe later changes to the caller's buffer

	s := packet.NewStore(packet.StoreOptions{})
	buf := []byte("abc")
	suite.Require().NoError(s.Append(packet.Receive, buf, suite.t0))
	buf[0] = 'X'

	suite.Equal([]byte("abc"), s.Snapshot()[0].Payload(), "stored payload MUST be independent of the input slice")
}

func (suite *StoreTestSuite) TestZeroLengthAndZeroTimestamp() {
	s := packet.NewStore(packet.StoreOptions{})
	before := time.Now()

	suite.Require().NoError(s.Append(packet.Receive, nil, time.Time{}))

	snap := s.Snapshot()
	suite.Require().Len(snap, 1)
	suite.Empty(snap[0].Payload())
	suite.False(snap[0].Timestamp().Before(before), "zero timestamp MUST be replaced with the append time")
}

func (suite *StoreTestSuite) TestSnapshotIsStable() {
	// GOAL: Verify a snapshot is unaffected by appends and clears that happen after it was taken
	//
	// TEST SCENARIO: Snapshot of 1 → append + clear → snapshot still holds the original packet

	s := packet.NewStore(packet.StoreOptions{})
	suite.Require().NoError(s.Append(packet.Transmit, []byte("a"), suite.t0))

	snap := s.Snapshot()
	suite.Require().NoError(s.Append(packet.Transmit, []byte("b"), suite.t0))
	s.Clear()

	suite.Require().Len(snap, 1)
	suite.Equal([]byte("a"), snap[0].Payload())
	suite.Zero(s.Len())
}

func (suite *StoreTestSuite) TestClearKeepsCounters() {
	s := packet.NewStore(packet.StoreOptions{})
	suite.Require().NoError(s.Append(packet.Transmit, []byte("AT"), suite.t0))
	suite.Require().NoError(s.Append(packet.Receive, []byte("OK\r\n"), suite.t0))

	s.Clear()

	stats := s.Stats()
	suite.Equal(0, stats.Packets)
	suite.Equal(uint64(2), stats.TxBytes)
	suite.Equal(uint64(4), stats.RxBytes)

	s.ResetCounters()
	stats = s.Stats()
	suite.Zero(stats.TxBytes)
	suite.Zero(stats.RxBytes)
}

func (suite *StoreTestSuite) TestEvictOldest() {
	// GOAL: Verify a bounded store drops the oldest packets and keeps the newest in order
	//
	// TEST SCENARIO: Capacity 3, append 10 → last 3 remain → 7 evictions counted

	s := packet.NewStore(packet.StoreOptions{Capacity: 3})
	for i := 0; i < 10; i++ {
		suite.Require().NoError(s.Append(packet.Receive, []byte{byte(i)}, suite.t0))
	}

	snap := s.Snapshot()
	suite.Require().Len(snap, 3)
	suite.Equal([]byte{7}, snap[0].Payload())
	suite.Equal([]byte{8}, snap[1].Payload())
	suite.Equal([]byte{9}, snap[2].Payload())
	suite.Equal(uint64(7), s.Stats().Evicted)
}

func (suite *StoreTestSuite) TestReject() {
	s := packet.NewStore(packet.StoreOptions{Capacity: 2, Overflow: packet.Reject})
	suite.Require().NoError(s.Append(packet.Receive, []byte("1"), suite.t0))
	suite.Require().NoError(s.Append(packet.Receive, []byte("2"), suite.t0))

	err := s.Append(packet.Receive, []byte("3"), suite.t0)

	suite.ErrorIs(err, packet.ErrStoreFull)
	suite.Equal(2, s.Len())
	suite.Equal(uint64(1), s.Stats().Rejected)
	suite.Equal(uint64(3), s.Stats().RxBytes, "traffic counters MUST include rejected packets")
}

func (suite *StoreTestSuite) TestDisabledCacheCountsOnly() {
	s := packet.NewStore(packet.StoreOptions{DisableCache: true})
	suite.Require().NoError(s.Append(packet.Receive, []byte("hello"), suite.t0))

	suite.Zero(s.Len())
	suite.Equal(uint64(5), s.Stats().RxBytes)

	s.SetCacheEnabled(true)
	suite.Require().NoError(s.Append(packet.Receive, []byte("x"), suite.t0))
	suite.Equal(1, s.Len())
}

func (suite *StoreTestSuite) TestConcurrentSnapshotDuringAppend() {
	// GOAL: Verify snapshots taken while a producer appends are always a consistent prefix
	//
	// TEST SCENARIO: One writer appends sequential bytes → readers snapshot → each snapshot is 0..n-1

	s := packet.NewStore(packet.StoreOptions{})
	const total = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			_ = s.Append(packet.Receive, []byte{byte(i % 256)}, suite.t0)
		}
	}()

	for r := 0; r < 50; r++ {
		snap := s.Snapshot()
		for i, p := range snap {
			suite.Require().Equal([]byte{byte(i % 256)}, p.Payload(), "snapshot MUST be an ordered prefix")
		}
	}
	wg.Wait()
	suite.Equal(total, s.Len())
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "TX", packet.Transmit.String())
	assert.Equal(t, "RX", packet.Receive.String())

	m, err := packet.ParseMode("RX")
	require.NoError(t, err)
	assert.Equal(t, packet.Receive, m)

	_, err = packet.ParseMode("XX")
	assert.Error(t, err)
}
