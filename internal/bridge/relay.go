// Package bridge implements the byte-level channels between host and guest:
// the clipboard request/response protocol, the cursor position stream, and
// the generic relays that drain diagnostic streams.
package bridge

import (
	"bufio"
	"bytes"
	"io"

	"go.uber.org/zap"
)

// Relay copies bytes from one stream to another until EOF or error. It is a
// one-shot background task: construct, Start, and forget. Closing the source
// is the only way to cancel a relay mid-read.
type Relay struct {
	name   string
	src    io.Reader
	dst    io.Writer
	logger *zap.Logger
	done   chan struct{}
}

// NewRelay creates a relay named for logging.
func NewRelay(name string, src io.Reader, dst io.Writer, logger *zap.Logger) *Relay {
	return &Relay{
		name:   name,
		src:    src,
		dst:    dst,
		logger: logger.Named("relay"),
		done:   make(chan struct{}),
	}
}

// Start launches the copy loop in the background.
func (r *Relay) Start() {
	go func() {
		defer close(r.done)
		if err := r.Run(); err != nil {
			r.logger.Warn("relay terminated", zap.String("name", r.name), zap.Error(err))
		}
	}()
}

// Run copies until the source is exhausted. EOF is a normal completion.
func (r *Relay) Run() error {
	buf := make([]byte, 2048)
	for {
		n, err := r.src.Read(buf)
		if n > 0 {
			if _, werr := r.dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// Done is closed once the relay has terminated.
func (r *Relay) Done() <-chan struct{} { return r.done }

// RelayLines reads a stream line by line and forwards each line to the
// logger, used for guest log output. Returns when the stream closes.
func RelayLines(name string, src io.Reader, logger *zap.Logger) error {
	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		logger.Info(scanner.Text(), zap.String("stream", name))
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("line relay terminated", zap.String("stream", name), zap.Error(err))
		return err
	}
	return nil
}

// LineBufferedWriter buffers writes and flushes whenever a write contains a
// newline, keeping console log files current without flushing per byte.
type LineBufferedWriter struct {
	w *bufio.Writer
}

// NewLineBufferedWriter wraps w with line-triggered flushing.
func NewLineBufferedWriter(w io.Writer) *LineBufferedWriter {
	return &LineBufferedWriter{w: bufio.NewWriter(w)}
}

func (l *LineBufferedWriter) Write(p []byte) (int, error) {
	n, err := l.w.Write(p)
	if err != nil {
		return n, err
	}
	if bytes.IndexByte(p, '\n') >= 0 {
		if err := l.w.Flush(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Flush drains any buffered bytes to the underlying writer.
func (l *LineBufferedWriter) Flush() error {
	return l.w.Flush()
}
