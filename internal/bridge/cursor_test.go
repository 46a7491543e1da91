package bridge

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu        sync.Mutex
	positions [][2]float64
}

func (s *recordingSink) UpdatePosition(x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = append(s.positions, [2]float64{x, y})
}

func (s *recordingSink) snapshot() [][2]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][2]float64, len(s.positions))
	copy(out, s.positions)
	return out
}

func encodeCursorRecord(x, y uint32) []byte {
	record := make([]byte, cursorRecordSize)
	binary.LittleEndian.PutUint32(record[0:4], x)
	binary.LittleEndian.PutUint32(record[4:8], y)
	return record
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cursor bridge did not terminate")
	}
}

func TestCursorStreamDispatchesEveryRecordInOrder(t *testing.T) {
	host, guest := net.Pipe()
	sink := &recordingSink{}
	b := NewCursorBridge(host, sink, zap.NewNop())
	b.Start()

	want := [][2]uint32{{0, 0}, {10, 20}, {640, 480}, {1, 1}, {99, 7}}
	for _, p := range want {
		_, err := guest.Write(encodeCursorRecord(p[0], p[1]))
		require.NoError(t, err)
	}
	guest.Close()
	waitDone(t, b.Done())

	got := sink.snapshot()
	require.Len(t, got, len(want))
	for i, p := range want {
		assert.Equal(t, float64(p[0]), got[i][0])
		assert.Equal(t, float64(p[1]), got[i][1])
	}
}

func TestCursorStreamDecodesUnsignedCoordinates(t *testing.T) {
	host, guest := net.Pipe()
	sink := &recordingSink{}
	b := NewCursorBridge(host, sink, zap.NewNop())
	b.Start()

	// Values past 2^31 must come out as large positive floats, never
	// negative.
	_, err := guest.Write(encodeCursorRecord(0x80000000, 0xFFFFFFFF))
	require.NoError(t, err)
	guest.Close()
	waitDone(t, b.Done())

	got := sink.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, float64(2147483648), got[0][0])
	assert.Equal(t, float64(4294967295), got[0][1])
}

func TestCursorRecordReassembledAcrossPartialWrites(t *testing.T) {
	host, guest := net.Pipe()
	sink := &recordingSink{}
	b := NewCursorBridge(host, sink, zap.NewNop())
	b.Start()

	record := encodeCursorRecord(12345, 67890)
	go func() {
		guest.Write(record[:3])
		time.Sleep(10 * time.Millisecond)
		guest.Write(record[3:])
		guest.Close()
	}()
	waitDone(t, b.Done())

	got := sink.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, float64(12345), got[0][0])
	assert.Equal(t, float64(67890), got[0][1])
}

func TestCursorStreamStopsOnTruncatedRecord(t *testing.T) {
	host, guest := net.Pipe()
	sink := &recordingSink{}
	b := NewCursorBridge(host, sink, zap.NewNop())
	b.Start()

	_, err := guest.Write(encodeCursorRecord(5, 6))
	require.NoError(t, err)
	guest.Write([]byte{1, 2, 3})
	guest.Close()
	waitDone(t, b.Done())

	// The complete record was dispatched; the truncated one was not.
	got := sink.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, float64(5), got[0][0])
}

func TestCursorBridgeCloseUnblocksRead(t *testing.T) {
	host, _ := net.Pipe()
	sink := &recordingSink{}
	b := NewCursorBridge(host, sink, zap.NewNop())
	b.Start()

	require.NoError(t, b.Close())
	waitDone(t, b.Done())
	assert.Empty(t, sink.snapshot())
}
