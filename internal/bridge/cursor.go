package bridge

import (
	"encoding/binary"
	"io"
	"net"

	"go.uber.org/zap"
)

// DefaultCursorPort is the vsock port of the guest cursor position stream.
const DefaultCursorPort uint32 = 3581

// cursorRecordSize is two little-endian u32 coordinates, back to back with
// no delimiter.
const cursorRecordSize = 8

// PositionSink consumes decoded cursor positions. Update is invoked from the
// bridge goroutine, one call per record, in arrival order; implementations
// that touch UI state must hand off to their own loop.
type PositionSink interface {
	UpdatePosition(x, y float64)
}

// PositionFunc adapts a function to PositionSink.
type PositionFunc func(x, y float64)

func (f PositionFunc) UpdatePosition(x, y float64) { f(x, y) }

// CursorBridge decodes the cursor position stream from one dedicated
// connection for the lifetime of a display surface. It does not buffer,
// coalesce, or reconnect: every record is forwarded exactly once, and a new
// surface brings a new connection and a new bridge.
type CursorBridge struct {
	conn   net.Conn
	sink   PositionSink
	logger *zap.Logger
	done   chan struct{}
}

// NewCursorBridge creates a bridge over an established cursor connection.
func NewCursorBridge(conn net.Conn, sink PositionSink, logger *zap.Logger) *CursorBridge {
	return &CursorBridge{
		conn:   conn,
		sink:   sink,
		logger: logger.Named("cursor"),
		done:   make(chan struct{}),
	}
}

// Start launches the decode loop in the background.
func (b *CursorBridge) Start() {
	go func() {
		defer close(b.done)
		defer b.conn.Close()
		b.run()
	}()
}

func (b *CursorBridge) run() {
	record := make([]byte, cursorRecordSize)
	for {
		if _, err := io.ReadFull(b.conn, record); err != nil {
			if err != io.EOF {
				b.logger.Warn("cursor stream terminated", zap.Error(err))
			}
			return
		}
		// Coordinates are unsigned; values past 2^31 must stay positive.
		x := float64(binary.LittleEndian.Uint32(record[0:4]))
		y := float64(binary.LittleEndian.Uint32(record[4:8]))
		b.sink.UpdatePosition(x, y)
	}
}

// Done is closed when the decode loop has terminated.
func (b *CursorBridge) Done() <-chan struct{} { return b.done }

// Close terminates the bridge by closing its connection, unblocking any
// pending read.
func (b *CursorBridge) Close() error {
	return b.conn.Close()
}
