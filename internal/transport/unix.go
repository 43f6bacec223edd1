package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// SocketPath returns the socket path for one plugin process.
// Format: /tmp/flyto-{plugin_id}-{execution_id}.sock
func SocketPath(pluginID, executionID string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("flyto-%s-%s.sock", pluginID, executionID))
}

// DialUnix connects to a listening socket.
func DialUnix(ctx context.Context, path string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", path, err)
	}
	return NewStream(conn, conn, conn), nil
}

// Listener accepts plugin connections on a Unix domain socket.
type Listener struct {
	path     string
	listener net.Listener
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

// ListenUnix removes any stale socket at path and starts listening.
func ListenUnix(path string, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}
	logger = logger.With("component", "transport")
	logger.Debug("socket listening", "socket", path)
	return &Listener{path: path, listener: l, logger: logger}, nil
}

// Path returns the socket path.
func (l *Listener) Path() string { return l.path }

// Accept waits for one connection or until ctx is done.
func (l *Listener) Accept(ctx context.Context) (Transport, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.listener.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, r.err
		}
		return NewStream(r.conn, r.conn, r.conn), nil
	case <-ctx.Done():
		// Unblock the pending Accept.
		_ = l.Close()
		return nil, ctx.Err()
	}
}

// Close stops listening and removes the socket file.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	err := l.listener.Close()
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
		l.logger.Error("error removing socket", "error", rmErr)
	}
	return err
}
