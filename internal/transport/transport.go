// Package transport moves newline-delimited protocol messages over byte
// streams. The plugin supervisor only sees the Transport interface, so
// the same invocation logic runs over subprocess pipes or Unix sockets.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/flytohub/flyto-core-sub001/internal/protocol"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport: closed")

// Transport carries one message per call in each direction.
// Send may be called concurrently; Receive must be called from a single
// reader goroutine.
type Transport interface {
	// Send writes msg followed by a newline if it lacks one.
	Send(ctx context.Context, msg []byte) error

	// Receive blocks for the next line, returned without its newline.
	// Lines over protocol.MaxMessageSize are skipped and reported as
	// protocol.ErrMessageTooLarge; the stream stays usable afterwards.
	Receive() ([]byte, error)

	Close() error
}

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Stream implements Transport over any reader/writer pair.
type Stream struct {
	reader  *bufio.Reader
	writer  io.Writer
	closer  io.Closer
	maxSize int

	writeMu sync.Mutex
	closed  bool
}

// NewStream wraps r and w. closer, if non-nil, is called by Close.
func NewStream(r io.Reader, w io.Writer, closer io.Closer) *Stream {
	return &Stream{
		reader:  bufio.NewReaderSize(r, 64*1024),
		writer:  w,
		closer:  closer,
		maxSize: protocol.MaxMessageSize,
	}
}

// Send writes one message.
func (s *Stream) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(bytes.TrimRight(msg, "\n")) > s.maxSize {
		return protocol.ErrMessageTooLarge
	}
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		msg = append(msg[:len(msg):len(msg)], '\n')
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if d, ok := s.writer.(deadliner); ok {
		deadline, _ := ctx.Deadline()
		_ = d.SetWriteDeadline(deadline)
	}
	if _, err := s.writer.Write(msg); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Receive reads the next line.
func (s *Stream) Receive() ([]byte, error) {
	var line []byte
	oversized := false
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if !oversized {
			if len(line)+len(chunk) > s.maxSize+1 {
				oversized = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case err == nil:
			if oversized {
				return nil, protocol.ErrMessageTooLarge
			}
			return bytes.TrimRight(line, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0 && !oversized:
			// Final line without a newline.
			return bytes.TrimRight(line, "\r"), nil
		default:
			return nil, err
		}
	}
}

// Close closes the underlying closer once.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return nil
	}
	s.closed = true
	s.writeMu.Unlock()

	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Pipe returns two connected in-memory transports.
func Pipe() (Transport, Transport) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a := NewStream(ar, aw, multiCloser{ar, aw})
	b := NewStream(br, bw, multiCloser{br, bw})
	return a, b
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
