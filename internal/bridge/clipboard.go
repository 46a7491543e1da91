package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/atotto/clipboard"
	"go.uber.org/zap"
)

// DefaultClipboardPort is the vsock port of the guest clipboard sharing
// server.
const DefaultClipboardPort uint32 = 3580

// Clipboard frame types. The header is 8 bytes: the type in byte 0, bytes
// 1-3 reserved, and the little-endian payload length in bytes 4-7.
const (
	clipboardTypeReadRequest byte = 0
	clipboardTypeEmpty       byte = 1
	clipboardTypeTextPlain   byte = 2

	clipboardHeaderSize = 8
)

var (
	// ErrTransport reports a connection that closed or failed mid-protocol.
	ErrTransport = errors.New("transport error")

	// ErrProtocol reports a malformed or unrecognized frame.
	ErrProtocol = errors.New("protocol error")
)

// encodeClipboardHeader builds the 8-byte frame header.
func encodeClipboardHeader(frameType byte, payloadLen uint32) []byte {
	header := make([]byte, clipboardHeaderSize)
	header[0] = frameType
	binary.LittleEndian.PutUint32(header[4:], payloadLen)
	return header
}

// readClipboardHeader reads exactly one 8-byte header, reassembling partial
// reads. A stream that closes before delivering all 8 bytes is a transport
// error.
func readClipboardHeader(r io.Reader) (frameType byte, payloadLen uint32, err error) {
	header := make([]byte, clipboardHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, 0, fmt.Errorf("%w: reading clipboard header: %v", ErrTransport, err)
	}
	return header[0], binary.LittleEndian.Uint32(header[4:]), nil
}

// ChannelDialer opens virtual-socket connections to the guest. Each call
// yields an independent connection.
type ChannelDialer interface {
	ConnectChannel(port uint32) (net.Conn, error)
}

// HostClipboard is the host's clipboard authority. The production
// implementation is the system clipboard; tests substitute an in-memory one.
type HostClipboard interface {
	ReadAll() (string, error)
	WriteAll(text string) error
}

type systemClipboard struct{}

func (systemClipboard) ReadAll() (string, error)   { return clipboard.ReadAll() }
func (systemClipboard) WriteAll(text string) error { return clipboard.WriteAll(text) }

// ClipboardBridge exchanges clipboard text with the guest's clipboard
// sharing server. Every exchange opens a fresh connection; failures are
// logged and reported as a boolean so a bad exchange never takes the session
// down. The next focus change retries naturally.
type ClipboardBridge struct {
	dialer ChannelDialer
	port   uint32
	clip   HostClipboard
	logger *zap.Logger
}

// NewClipboardBridge creates a bridge using the system clipboard. A nil clip
// selects the system clipboard.
func NewClipboardBridge(dialer ChannelDialer, port uint32, clip HostClipboard, logger *zap.Logger) *ClipboardBridge {
	if port == 0 {
		port = DefaultClipboardPort
	}
	if clip == nil {
		clip = systemClipboard{}
	}
	return &ClipboardBridge{
		dialer: dialer,
		port:   port,
		clip:   clip,
		logger: logger.Named("clipboard"),
	}
}

// SyncOnFocusChange moves clipboard content in the direction of whoever is
// about to own input focus: gaining focus hands control to the host, so the
// host clipboard is pushed to the guest; losing focus hands control to the
// guest, so the guest clipboard is pulled back.
func (b *ClipboardBridge) SyncOnFocusChange(hostHasFocus bool) bool {
	if hostHasFocus {
		return b.WriteToGuest()
	}
	return b.ReadFromGuest()
}

// WriteToGuest pushes the host clipboard text to the guest. An empty host
// clipboard is a success with nothing to do.
func (b *ClipboardBridge) WriteToGuest() bool {
	text, err := b.clip.ReadAll()
	if err != nil {
		b.logger.Warn("failed to read host clipboard", zap.Error(err))
		return false
	}
	if text == "" {
		b.logger.Debug("host has no clipboard data")
		return true
	}

	conn, err := b.dialer.ConnectChannel(b.port)
	if err != nil {
		b.logger.Warn("cannot connect to the clipboard sharing server", zap.Error(err))
		return false
	}
	defer conn.Close()

	payload := []byte(text)
	// The declared length reserves one trailing byte beyond the text, a NUL
	// terminator convention on the guest side.
	header := encodeClipboardHeader(clipboardTypeTextPlain, uint32(len(payload)+1))
	if _, err := conn.Write(header); err != nil {
		b.logger.Warn("failed to write clipboard header", zap.Error(err))
		return false
	}
	if _, err := conn.Write(payload); err != nil {
		b.logger.Warn("failed to write clipboard payload", zap.Error(err))
		return false
	}

	b.logger.Debug("wrote clipboard data to the guest", zap.Int("bytes", len(payload)))
	return true
}

// ReadFromGuest requests the guest clipboard and, when text comes back, sets
// it as the host clipboard. An EMPTY response succeeds without touching the
// host clipboard.
func (b *ClipboardBridge) ReadFromGuest() bool {
	conn, err := b.dialer.ConnectChannel(b.port)
	if err != nil {
		b.logger.Warn("cannot connect to the clipboard sharing server", zap.Error(err))
		return false
	}
	defer conn.Close()

	if _, err := conn.Write(encodeClipboardHeader(clipboardTypeReadRequest, 0)); err != nil {
		b.logger.Warn("failed to send clipboard read request", zap.Error(err))
		return false
	}

	frameType, payloadLen, err := readClipboardHeader(conn)
	if err != nil {
		b.logger.Warn("failed to read clipboard response header", zap.Error(err))
		return false
	}

	switch frameType {
	case clipboardTypeEmpty:
		b.logger.Debug("guest clipboard is empty")
		return true
	case clipboardTypeTextPlain:
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(conn, payload); err != nil {
			b.logger.Warn("failed to read clipboard payload",
				zap.Uint32("expected", payloadLen), zap.Error(err))
			return false
		}
		if err := b.clip.WriteAll(string(payload)); err != nil {
			b.logger.Warn("failed to set host clipboard", zap.Error(err))
			return false
		}
		b.logger.Debug("received clipboard data from the guest", zap.Uint32("bytes", payloadLen))
		return true
	default:
		b.logger.Warn("unknown clipboard response type",
			zap.Uint8("type", frameType), zap.Error(ErrProtocol))
		return false
	}
}
