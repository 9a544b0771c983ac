package util

import (
	"errors"
	"io"
	"net"
	"sync"
)

// DefaultBufSize is the standard buffer size for relay copies (32 KiB).
const DefaultBufSize = 32 * 1024

// Every forwarded connection copies in two directions; buffers are
// shared across connections.
var relayBufs = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DefaultBufSize)
		return &buf
	},
}

// CopyBuffered copies src to dst through a pooled buffer.
func CopyBuffered(dst io.Writer, src io.Reader) (int64, error) {
	buf := relayBufs.Get().(*[]byte)
	defer relayBufs.Put(buf)
	return io.CopyBuffer(dst, src, *buf)
}

// CloseWrite half-closes c if it supports it (TCP connections and SSH
// channels do), signalling EOF to the peer while leaving reads open.
func CloseWrite(c io.Closer) error {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// IsHarmless returns true for errors that are expected when a relay is
// torn down from the other side.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
