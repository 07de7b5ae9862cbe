// Package frame implements the transport adapter: it wraps a TCP/TLS byte
// stream with a small async-flavored read/write protocol so the rest of
// the engine never touches net.Conn directly.
//
// The read side is modeled as a single-outstanding-request pipeline: a
// background goroutine owns the only blocking net.Conn.Read call, and the
// connection's owning goroutine pulls frames from it via Read. This keeps
// exactly one Read in flight at a time, matching the cooperative,
// single-threaded-per-connection scheduling model the rest of the engine
// assumes.
package frame

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	engerrors "github.com/corehttp/engine/pkg/errors"
)

// Kind identifies the variant carried by a Frame.
type Kind int

const (
	// Chunk carries a non-empty slice of bytes read from the peer.
	Chunk Kind = iota
	// Stall means no data is available right now; it is not EOF. Callers
	// should retry (typically after awaiting cancellation or a timer).
	Stall
	// FIN means the peer half-closed the connection (TCP FIN / EOF).
	FIN
	// TLSCloseNotify means the peer sent a TLS close_notify alert.
	TLSCloseNotify
	// Err carries a fatal transport-level error.
	Err
)

// Frame is the sum type produced by Transport.Read.
type Frame struct {
	Kind Kind
	Data []byte
	Err  error
}

// ErrCheckingOut is the distinguished cancellation cause the connection
// pool attaches to a held holder's read wait when it takes the connection
// back for reuse. The pool compares the cause returned by context.Cause by
// identity (==); nobody else should ever use this exact sentinel as a
// cancellation cause.
var ErrCheckingOut = errors.New("checking out of pool")

// ErrIdleTimeout is the cancellation cause used for the pool's keep-alive
// idle watchdog firing.
var ErrIdleTimeout = errors.New("idle keep-alive timeout")

type readResult struct {
	n   int
	buf []byte
	err error
}

// Transport wraps a net.Conn (TCP or TLS) with the transport adapter
// contract: Read returning frame sentinels, QueueWrite/Write with
// partial-drain semantics, and a grace-aware Close.
type Transport struct {
	conn net.Conn

	mu     sync.Mutex
	unread []byte // bytes pushed back via Unread, consumed before the next real read

	wmu      sync.Mutex
	writeBuf bytes.Buffer

	reqCh    chan struct{}
	resultCh chan readResult
	started  sync.Once
	bufSize  int
}

// New wraps conn with the Transport Adapter contract. bufSize controls the
// read chunk size (0 uses a sensible default).
func New(conn net.Conn, bufSize int) *Transport {
	if bufSize <= 0 {
		bufSize = 32 * 1024
	}
	return &Transport{
		conn:     conn,
		reqCh:    make(chan struct{}),
		resultCh: make(chan readResult),
		bufSize:  bufSize,
	}
}

// Conn returns the underlying connection, for callers that need to attach
// deadlines directly (e.g. the response writer's write timeout).
func (t *Transport) Conn() net.Conn { return t.conn }

func (t *Transport) ensureReadLoop() {
	t.started.Do(func() {
		go t.readLoop()
	})
}

// readLoop owns the only blocking Read call on conn. It waits for a
// request before each Read so Unread data is never raced against a
// speculative read.
func (t *Transport) readLoop() {
	for range t.reqCh {
		buf := make([]byte, t.bufSize)
		n, err := t.conn.Read(buf)
		t.resultCh <- readResult{n: n, buf: buf[:n], err: err}
	}
}

// Read returns the next Frame. It also serves as the idle readability
// watchdog: a pool can call Read on an idle connection and interpret
// whatever comes back (unsolicited bytes, FIN, or an error) as an eviction
// reason. ctx cancellation surfaces as a Frame{Kind: Err, Err:
// context.Cause(ctx)} so pool code can compare the cause by identity
// against ErrCheckingOut / ErrIdleTimeout.
func (t *Transport) Read(ctx context.Context) Frame {
	t.mu.Lock()
	if len(t.unread) > 0 {
		data := t.unread
		t.unread = nil
		t.mu.Unlock()
		return Frame{Kind: Chunk, Data: data}
	}
	t.mu.Unlock()

	t.ensureReadLoop()

	select {
	case t.reqCh <- struct{}{}:
	case res := <-t.resultCh:
		// A read requested by an earlier, cancelled call completed; its
		// bytes belong to this caller.
		return t.classify(res)
	case <-ctx.Done():
		return Frame{Kind: Err, Err: context.Cause(ctx)}
	}

	select {
	case res := <-t.resultCh:
		return t.classify(res)
	case <-ctx.Done():
		// The readLoop's Read is still in flight; its result is delivered
		// to the next call to Read on this Transport. We surface the
		// cancellation now rather than block.
		return Frame{Kind: Err, Err: context.Cause(ctx)}
	}
}

func (t *Transport) classify(res readResult) Frame {
	if res.n > 0 {
		return Frame{Kind: Chunk, Data: res.buf}
	}
	if res.err == nil {
		return Frame{Kind: Stall}
	}
	if res.err == io.EOF {
		if _, isTLS := t.conn.(*tls.Conn); isTLS {
			return Frame{Kind: TLSCloseNotify}
		}
		return Frame{Kind: FIN}
	}
	if ne, ok := res.err.(net.Error); ok && ne.Timeout() {
		return Frame{Kind: Stall}
	}
	return Frame{Kind: Err, Err: engerrors.NewIOError("read", res.err)}
}

// Unread pushes a suffix of bytes back so the next Read returns them first.
// Used when a parser peeked past a logical boundary (e.g. pipelined bytes
// read past the end of a fixed-length body).
func (t *Transport) Unread(b []byte) {
	if len(b) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unread = append(append([]byte{}, b...), t.unread...)
}

// QueueWrite appends bytes to the outbound send queue.
func (t *Transport) QueueWrite(b []byte) {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.writeBuf.Write(b)
}

// QueueLen reports how many bytes are currently queued for write.
func (t *Transport) QueueLen() int {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return t.writeBuf.Len()
}

// Write drains as much of the queued data as the OS accepts right now and
// returns the number of bytes still queued. It never blocks: a short
// deadline makes the underlying Write return as soon as the socket send
// buffer is full, which is the closest net.Conn gets to a non-blocking
// write.
func (t *Transport) Write() (remaining int, err error) {
	t.wmu.Lock()
	data := t.writeBuf.Bytes()
	if len(data) == 0 {
		t.wmu.Unlock()
		return 0, nil
	}
	t.wmu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(time.Millisecond))
	n, werr := t.conn.Write(data)
	t.conn.SetWriteDeadline(time.Time{})

	t.wmu.Lock()
	t.writeBuf.Next(n)
	remaining = t.writeBuf.Len()
	t.wmu.Unlock()

	if werr != nil {
		if ne, ok := werr.(net.Error); ok && ne.Timeout() {
			return remaining, nil
		}
		return remaining, engerrors.NewIOError("write", werr)
	}
	return remaining, nil
}

// AwaitWritable blocks until the transport is likely able to accept more
// write data, or ctx is done. net.Conn exposes no writable-readiness event,
// so this polls with a short backoff — the same tradeoff the teacher
// accepts elsewhere (transport.go's isConnectionAlive uses a similar
// short-deadline probe rather than true edge-triggered I/O).
func (t *Transport) AwaitWritable(ctx context.Context) error {
	select {
	case <-time.After(5 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Close tears the connection down. If grace is non-nil, it first attempts
// to drain the write queue within the grace window before closing;
// otherwise it closes immediately.
func (t *Transport) Close(grace *time.Duration) error {
	if grace != nil && *grace > 0 {
		// best-effort drain before the hard close
		deadline := time.Now().Add(*grace)
		for t.QueueLen() > 0 && time.Now().Before(deadline) {
			if _, err := t.Write(); err != nil {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
	return t.conn.Close()
}
