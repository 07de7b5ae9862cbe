package clientconn

import (
	"bytes"
	"context"

	engerrors "github.com/corehttp/engine/pkg/errors"
	"github.com/corehttp/engine/pkg/frame"
)

// asyncReader is an async-flavored analogue of bufio.Reader built directly
// on frame.Transport: ReadLine/ReadN pull Chunk frames and accumulate them
// in a local buffer. Bytes read past a logical unit (head, one chunk, one
// fixed-length body) stay in that buffer for the next read on the same
// reader; only Release pushes them back onto the transport via Unread. It
// exists because the teacher's bufio.Reader-based
// parsing (pkg/client/client.go's readHeaders/readChunkedBody) assumes a
// blocking net.Conn, which the transport adapter deliberately does not
// expose.
type asyncReader struct {
	t   *frame.Transport
	buf bytes.Buffer
}

func newAsyncReader(t *frame.Transport) *asyncReader {
	return &asyncReader{t: t}
}

// fill reads at least one more Chunk frame into buf, or returns the
// terminal frame kind/error that stopped it.
func (r *asyncReader) fill(ctx context.Context) (frame.Kind, error) {
	f := r.t.Read(ctx)
	switch f.Kind {
	case frame.Chunk:
		r.buf.Write(f.Data)
		return frame.Chunk, nil
	case frame.Stall:
		return frame.Stall, nil
	case frame.FIN, frame.TLSCloseNotify:
		return f.Kind, nil
	case frame.Err:
		return frame.Err, f.Err
	}
	return frame.Err, engerrors.NewIllegalStateError("unknown frame kind")
}

// ReadLine returns the next CRLF- or LF-terminated line, without the
// terminator, blocking on more reads as needed.
func (r *asyncReader) ReadLine(ctx context.Context) (string, error) {
	for {
		if idx := bytes.IndexByte(r.buf.Bytes(), '\n'); idx >= 0 {
			line := r.buf.Next(idx + 1)
			line = bytes.TrimRight(line, "\r\n")
			return string(line), nil
		}
		kind, err := r.fill(ctx)
		switch kind {
		case frame.Chunk:
			continue
		case frame.Stall:
			continue
		case frame.FIN, frame.TLSCloseNotify:
			return "", engerrors.NewTruncationError("a line", nil)
		case frame.Err:
			return "", err
		}
	}
}

// ReadN returns exactly n bytes, or as many as were available before FIN if
// allowShort is true (a short read then counts as a tolerated RFC violation
// rather than a fatal error). The chunked body decoder calls it with
// allowShort false.
func (r *asyncReader) ReadN(ctx context.Context, n int, allowShort bool) ([]byte, error) {
	for r.buf.Len() < n {
		kind, err := r.fill(ctx)
		switch kind {
		case frame.Chunk, frame.Stall:
			continue
		case frame.FIN, frame.TLSCloseNotify:
			if allowShort {
				return r.buf.Next(r.buf.Len()), nil
			}
			return nil, engerrors.NewTruncationError("body", nil)
		case frame.Err:
			return nil, err
		}
	}
	return r.buf.Next(n), nil
}

// ReadAllUntilClose drains until FIN/TLSCloseNotify and returns everything
// accumulated in one slice. The until-close body source does not use it; it
// streams through ReadSome instead.
func (r *asyncReader) ReadAllUntilClose(ctx context.Context) ([]byte, error) {
	for {
		kind, err := r.fill(ctx)
		switch kind {
		case frame.Chunk, frame.Stall:
			continue
		case frame.FIN, frame.TLSCloseNotify:
			return r.buf.Next(r.buf.Len()), nil
		case frame.Err:
			return nil, err
		}
	}
}

// ReadSome returns up to max already-or-newly-buffered bytes, blocking for
// at least one Transport frame if the buffer is currently empty. eof is
// true only when the buffer was empty and the transport reached FIN/
// TLSCloseNotify.
func (r *asyncReader) ReadSome(ctx context.Context, max int) (data []byte, eof bool, err error) {
	for r.buf.Len() == 0 {
		kind, ferr := r.fill(ctx)
		switch kind {
		case frame.Chunk, frame.Stall:
			continue
		case frame.FIN, frame.TLSCloseNotify:
			return nil, true, nil
		case frame.Err:
			return nil, false, ferr
		}
	}
	n := r.buf.Len()
	if n > max {
		n = max
	}
	return r.buf.Next(n), false, nil
}

// Peek returns up to n already-buffered bytes without consuming them. It
// never reads from the transport, even when the buffer is empty (a read
// here would race the caller's next intended framing decision, so this only
// peeks what's already arrived).
func (r *asyncReader) Peek(n int) []byte {
	b := r.buf.Bytes()
	if len(b) > n {
		b = b[:n]
	}
	return b
}

// Release pushes any buffered-but-unconsumed bytes back onto the transport,
// e.g. once a fixed-length body has been read and pipelined bytes for the
// next response remain.
func (r *asyncReader) Release() {
	if r.buf.Len() > 0 {
		r.t.Unread(r.buf.Bytes())
		r.buf.Reset()
	}
}
