package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// DefaultBufferSize is the bounded read-buffer chunk size used when a frame
// is read in a loop, matching the source's 1 KiB default.
const DefaultBufferSize = 1024

// PrefixSize is the width, in bytes, of the little-endian length prefix.
const PrefixSize = 4

// Transport-level errors. These terminate only the offending connection;
// they never propagate as handler results.
var (
	// ErrConnectionClosed is raised when a zero-length prefix read signals
	// the peer closed the connection before sending another frame.
	ErrConnectionClosed = errors.New("protocol: connection closed by peer")

	// ErrShortRead is raised when the stream ends before the declared
	// payload length has been fully received.
	ErrShortRead = errors.New("protocol: short read, peer sent fewer bytes than declared")

	// ErrFrameError is raised when the length prefix itself can't be read
	// or parsed.
	ErrFrameError = errors.New("protocol: malformed frame prefix")
)

// Framer packs and unpacks length-prefixed frames over an io.Reader/Writer.
// It holds no connection state and is safe to share across connections.
type Framer struct {
	bufferSize int
}

// NewFramer builds a Framer whose Recv loop reads in chunks of at most
// bufferSize bytes. A bufferSize <= 0 uses DefaultBufferSize.
func NewFramer(bufferSize int) *Framer {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Framer{bufferSize: bufferSize}
}

// Pack prepends the little-endian length prefix to payload.
func (f *Framer) Pack(payload []byte) []byte {
	buf := make([]byte, PrefixSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[PrefixSize:], payload)
	return buf
}

// Send writes one complete frame to w.
func (f *Framer) Send(w io.Writer, payload []byte) error {
	_, err := w.Write(f.Pack(payload))
	return err
}

// Recv reads exactly one frame from r: the 4-byte prefix, then the declared
// number of payload bytes, read in chunks of at most bufferSize.
func (f *Framer) Recv(r io.Reader) ([]byte, error) {
	var prefix [PrefixSize]byte
	n, err := io.ReadFull(r, prefix[:])
	if n == 0 && errors.Is(err, io.EOF) {
		return nil, ErrConnectionClosed
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameError, err)
	}

	msgLen := binary.LittleEndian.Uint32(prefix[:])
	data := make([]byte, 0, msgLen)
	remaining := int(msgLen)

	for remaining > 0 {
		chunkSize := remaining
		if chunkSize > f.bufferSize {
			chunkSize = f.bufferSize
		}
		chunk := make([]byte, chunkSize)
		n, err := io.ReadFull(r, chunk)
		data = append(data, chunk[:n]...)
		remaining -= n
		if err != nil {
			return nil, fmt.Errorf("%w: expected %d bytes, got %d: %v", ErrShortRead, msgLen, len(data), err)
		}
	}

	return data, nil
}

// Conn is the synchronous, blocking-socket transport variant used by the
// client library (C9): one net.Conn, one request in flight at a time.
type Conn struct {
	conn   net.Conn
	framer *Framer
}

// NewConn wraps conn for synchronous framed send/recv.
func NewConn(conn net.Conn, bufferSize int) *Conn {
	return &Conn{conn: conn, framer: NewFramer(bufferSize)}
}

// Send writes one frame.
func (c *Conn) Send(payload []byte) error {
	return c.framer.Send(c.conn, payload)
}

// Recv reads one frame.
func (c *Conn) Recv() ([]byte, error) {
	return c.framer.Recv(c.conn)
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the connection's local address, used by change_role to
// identify the caller's channel at the peer.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the connection's remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// AsyncConn is the cooperative transport variant used by the dispatcher
// (C5): every Recv/Send takes a context so the per-connection goroutine can
// be cancelled without blocking the rest of the event loop, and so
// authentication reads can be bounded by a connect-time timeout.
type AsyncConn struct {
	conn   net.Conn
	framer *Framer
}

// NewAsyncConn wraps conn for context-aware framed send/recv.
func NewAsyncConn(conn net.Conn, bufferSize int) *AsyncConn {
	return &AsyncConn{conn: conn, framer: NewFramer(bufferSize)}
}

// Recv reads one frame, honoring ctx's deadline if any is set.
func (c *AsyncConn) Recv(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	return c.framer.Recv(c.conn)
}

// Send writes one frame, honoring ctx's deadline if any is set.
func (c *AsyncConn) Send(ctx context.Context, payload []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	return c.framer.Send(c.conn, payload)
}

// Close closes the underlying socket.
func (c *AsyncConn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the connection's remote address.
func (c *AsyncConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the connection's local address.
func (c *AsyncConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}
