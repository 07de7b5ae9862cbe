package clientconn

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/corehttp/engine/pkg/entity"
	engerrors "github.com/corehttp/engine/pkg/errors"
	"github.com/corehttp/engine/pkg/frame"
	"github.com/corehttp/engine/pkg/message"
)

// closeVote values: graceful votes are worth 3, abortive votes are worth 4.
// Only the sums {6 (T+T), 7 (T+F), 8 (F+F)} are valid once both sides have
// voted; anything else means a vote was cast more than once.
const (
	voteGraceful = 3
	voteAbortive = 4
)

// Conn owns one outbound/inbound pair over a single transport and
// implements the two-vote close protocol: both the request issuer and the
// response consumer cast exactly one vote once they are done with the
// connection, and the connection is torn down (gracefully if both voted
// graceful, abortively otherwise) only once both votes are in.
type Conn struct {
	Transport *frame.Transport

	votes   int32
	votesIn int32
	closeCh chan struct{}

	// r is the one asyncReader for this connection's whole lifetime, not a
	// fresh one per Send: a response's over-read bytes (the next response's
	// head, arriving in the same Transport.Read chunk on a reused
	// connection) land in r.buf and must still be there for the next Send's
	// ReadHead rather than being silently dropped with a discarded reader.
	r *asyncReader

	expectCh chan struct{} // closed once 100-continue or a final status arrives
	// continueGranted is only valid for a reader that observed expectCh
	// close (the channel close happens-before any such read, so no
	// separate lock is needed). True means the first head read back was
	// a 100 Continue; false means a final status arrived instead, which
	// must prevent the body from being sent.
	continueGranted bool
}

// New wraps t as a client connection ready to send one request and read
// its response.
func New(t *frame.Transport) *Conn {
	return &Conn{Transport: t, r: newAsyncReader(t), closeCh: make(chan struct{})}
}

// Send writes req (and body, if present) and returns the parsed response
// with its body entity in resp.Entity (nil if the response carries no body).
// The head (and, absent Expect: 100-continue, the body) is written on the
// calling goroutine while the response head is read on a separate one, so
// a server that answers
// before the request is fully sent — a 100 Continue telling the client to
// proceed, or a final status like 417 telling it not to bother — can
// actually be observed while the write side is still waiting on it.
func (c *Conn) Send(ctx context.Context, req *message.Request, ent entity.HttpEntity) (*message.Response, error) {
	if !req.IsSealed() {
		if err := req.Seal(); err != nil {
			return nil, err
		}
	}

	c.expectCh = make(chan struct{})
	awaitContinue := func(waitCtx context.Context, maxWait time.Duration) (bool, error) {
		wctx, cancel := context.WithTimeout(waitCtx, maxWait)
		defer cancel()
		select {
		case <-c.expectCh:
			if c.continueGranted {
				return true, nil
			}
			return false, engerrors.NewProtocolError("100-continue", fmt.Errorf("server sent a final status instead of 100 Continue; body withheld"))
		case <-wctx.Done():
			// No response yet: tolerate a non-compliant peer and send the
			// body anyway rather than blocking forever.
			return true, nil
		}
	}

	type readOutcome struct {
		resp *message.Response
		err  error
	}
	readDone := make(chan readOutcome, 1)
	go func() {
		resp, err := c.readResponseWithContinue(ctx, c.r)
		readDone <- readOutcome{resp, err}
	}()

	writeErr := WriteRequest(ctx, c.Transport, req, ent, awaitContinue, time.Second)

	read := <-readDone
	if read.err != nil {
		return nil, read.err
	}
	resp := read.resp

	framing, err := ClassifyBody(resp, req.Method)
	if err != nil {
		return nil, err
	}
	body, err := BuildBody(resp, framing, c.r)
	if err != nil {
		return nil, err
	}
	resp.Entity = body

	// A withheld-body send failure (the server rejected Expect:
	// 100-continue with a final status) still hands back the parsed
	// response alongside the error: the request's send failed, but the
	// response that arrived is a legitimate one the caller should see.
	if writeErr != nil {
		return resp, writeErr
	}
	return resp, nil
}

// readResponseWithContinue reads response heads in a loop, transparently
// consuming any 100 Continue interim responses before returning the next
// head. The first head read, whatever its status, unblocks awaitContinue;
// a 1xx other than 100 is returned as-is.
func (c *Conn) readResponseWithContinue(ctx context.Context, r *asyncReader) (*message.Response, error) {
	for {
		resp, err := ReadHead(ctx, r)
		if err != nil {
			return nil, err
		}
		if c.expectCh != nil {
			select {
			case <-c.expectCh:
			default:
				c.continueGranted = resp.Status.Code == 100
				close(c.expectCh)
			}
		}
		if resp.Status.Code >= 100 && resp.Status.Code < 200 {
			if resp.Status.Code == 100 {
				continue // fully consumed the 100-continue head; read the real response next
			}
			// Other 1xx codes (e.g. 103 Early Hints) carry no body either;
			// surface them as-is rather than looping forever.
			return resp, nil
		}
		return resp, nil
	}
}

// Close casts this side's vote. graceful requests a clean shutdown once
// both sides have voted; it is downgraded to abortive if the other side
// already voted abortive.
func (c *Conn) Close(graceful bool) error {
	vote := voteAbortive
	if graceful {
		vote = voteGraceful
	}
	total := atomic.AddInt32(&c.votes, int32(vote))
	n := atomic.AddInt32(&c.votesIn, 1)

	if n < 2 {
		return nil
	}

	switch total {
	case voteGraceful + voteGraceful:
		grace := 1 * time.Second
		return c.Transport.Close(&grace)
	case voteGraceful + voteAbortive, voteAbortive + voteAbortive:
		return c.Transport.Close(nil)
	default:
		return engerrors.NewIllegalStateError("close voted more than once per side")
	}
}

// ConnectionWantsClose reports whether resp's Connection header asks for the
// transport to be closed rather than reused (HTTP/1.0 default-close, or an
// explicit "close" token on either version). It does not account for body
// framing; a FramingUntilClose body forces closure regardless of what this
// reports, since the peer has already committed to FIN-delimiting the body.
func ConnectionWantsClose(resp *message.Response) bool {
	conn := strings.ToLower(resp.Header.Get("Connection"))
	if strings.Contains(conn, "close") {
		return true
	}
	return resp.Version == "HTTP/1.0" && !strings.Contains(conn, "keep-alive")
}
