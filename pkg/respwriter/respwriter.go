// Package respwriter implements the server-side response writer: head
// serialization, a body-piping state machine with backpressure against the
// transport's write queue, and minimum-throughput enforcement. It reuses
// frame.Transport's QueueWrite/Write/AwaitWritable exactly as the client
// outbound side does, since both are pushing bytes at a peer through the
// same adapter.
package respwriter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/corehttp/engine/pkg/entity"
	engerrors "github.com/corehttp/engine/pkg/errors"
	"github.com/corehttp/engine/pkg/frame"
	"github.com/corehttp/engine/pkg/message"
)

// state is the body-piping state machine's current stage.
type state int

const (
	stateSendingHead state = iota
	statePipingBody
	stateFlushing
	stateEnd
)

// Limits bounds how the writer backpressures and enforces throughput.
type Limits struct {
	HighWaterMark   int           // queued-bytes backpressure threshold
	MinThroughput   int64         // bytes/sec required once the grace period elapses; 0 disables
	GracePeriod     time.Duration // time before MinThroughput is checked
}

// DefaultLimits mirrors the engine-wide defaults in pkg/constants.
func DefaultLimits() Limits {
	return Limits{HighWaterMark: 64 * 1024, MinThroughput: 1024, GracePeriod: 10 * time.Second}
}

// Writer drives one response out over a transport.
type Writer struct {
	t      *frame.Transport
	limits Limits

	state       state
	start       time.Time
	writtenTotal int64

	// Dump, if non-nil, receives the traffic-dump diagnostic lines
	// ("== response #<conn>-<req> ==" / "<ERROR> <msg>") the teacher's
	// debug tooling expects.
	Dump       func(line string)
	ConnID     uint64
	RequestID  uint64
}

// New returns a writer for one response over t.
func New(t *frame.Transport, limits Limits) *Writer {
	return &Writer{t: t, limits: limits, state: stateSendingHead, start: time.Now()}
}

// WriteHead serializes and queues the status line, headers (in the order
// given), and any Set-Cookie lines, then flushes it before moving to the
// body stage.
func (w *Writer) WriteHead(ctx context.Context, resp *message.Response, ent entity.HttpEntity) error {
	if w.state != stateSendingHead {
		return engerrors.NewIllegalStateError("WriteHead called out of order")
	}
	w.dumpf("== response #%d-%d ==", w.ConnID, w.RequestID)

	var b []byte
	b = append(b, []byte(fmt.Sprintf("%s %d %s\r\n", resp.Version, resp.Status.Code, resp.Status.Phrase))...)
	for _, k := range resp.Header.Keys() {
		for _, v := range resp.Header.Values(k) {
			b = append(b, []byte(fmt.Sprintf("%s: %s\r\n", k, v))...)
		}
	}
	for _, c := range resp.Cookies {
		b = append(b, []byte("Set-Cookie: "+c.Raw+"\r\n")...)
	}
	if ent != nil {
		if cl := ent.ContentLength(); cl != nil {
			b = append(b, []byte("Content-Length: "+strconv.FormatInt(*cl, 10)+"\r\n")...)
		} else {
			b = append(b, []byte("Transfer-Encoding: chunked\r\n")...)
		}
	}
	b = append(b, []byte("\r\n")...)

	w.t.QueueWrite(b)
	if err := w.drain(ctx); err != nil {
		w.fail(err)
		return err
	}
	w.state = statePipingBody
	return nil
}

// PipeBody drains ent's ByteSource to the peer, honoring backpressure
// against the transport's write queue and the minimum-throughput floor.
// A body-source error (entity.BodyError) is benign in the sense that it
// does not corrupt the wire protocol — the connection is simply torn down
// — whereas a throughput violation or a write error is reported the same
// way since both end the response the same way: abruptly.
func (w *Writer) PipeBody(ctx context.Context, ent entity.HttpEntity) error {
	if ent == nil {
		w.state = stateEnd
		return nil
	}
	if w.state != statePipingBody {
		return engerrors.NewIllegalStateError("PipeBody called out of order")
	}

	chunked := ent.ContentLength() == nil
	src := ent.Body()
	defer src.Close()

	for {
		f := src.Read(ctx)
		switch f.Kind {
		case entity.BodyChunk:
			if !chunked {
				if cl := ent.ContentLength(); cl != nil && w.writtenTotal+int64(len(f.Data)) > *cl {
					err := engerrors.NewBodyOverflowError(*cl, w.writtenTotal+int64(len(f.Data)))
					w.fail(err)
					return err
				}
			}
			if chunked {
				w.t.QueueWrite([]byte(strconv.FormatInt(int64(len(f.Data)), 16) + "\r\n"))
				w.t.QueueWrite(f.Data)
				w.t.QueueWrite([]byte("\r\n"))
			} else {
				w.t.QueueWrite(f.Data)
			}
			if err := w.backpressuredDrain(ctx); err != nil {
				w.fail(err)
				return err
			}
			w.writtenTotal += int64(len(f.Data))
			if err := w.checkThroughput(); err != nil {
				w.fail(err)
				return err
			}
		case entity.BodyStall:
			continue
		case entity.BodyEOS:
			if !chunked {
				if cl := ent.ContentLength(); cl != nil && w.writtenTotal < *cl {
					err := engerrors.NewBodyUnderflowError(*cl, w.writtenTotal)
					w.fail(err)
					return err
				}
			}
			w.state = stateFlushing
			if chunked {
				w.t.QueueWrite([]byte("0\r\n\r\n"))
			}
			if err := w.drain(ctx); err != nil {
				w.fail(err)
				return err
			}
			w.state = stateEnd
			return nil
		case entity.BodyError:
			w.fail(f.Err)
			return f.Err
		}
	}
}

// backpressuredDrain only blocks once the queue has grown past the
// high-water mark, letting small bodies accumulate a few writes before
// paying the AwaitWritable round trip.
func (w *Writer) backpressuredDrain(ctx context.Context) error {
	if w.t.QueueLen() < w.limits.HighWaterMark {
		_, err := w.t.Write()
		return err
	}
	return w.drain(ctx)
}

func (w *Writer) drain(ctx context.Context) error {
	for {
		remaining, err := w.t.Write()
		if err != nil {
			return err
		}
		if remaining == 0 {
			return nil
		}
		if err := w.t.AwaitWritable(ctx); err != nil {
			return err
		}
	}
}

func (w *Writer) checkThroughput() error {
	if w.limits.MinThroughput <= 0 {
		return nil
	}
	elapsed := time.Since(w.start)
	if elapsed < w.limits.GracePeriod {
		return nil
	}
	required := int64(elapsed.Seconds() * float64(w.limits.MinThroughput))
	if w.writtenTotal < required {
		return engerrors.NewTimeoutError("response body write", elapsed)
	}
	return nil
}

func (w *Writer) fail(err error) {
	w.state = stateEnd
	w.dumpf("<ERROR> %v", err)
}

func (w *Writer) dumpf(format string, args ...interface{}) {
	if w.Dump == nil {
		return
	}
	w.Dump(fmt.Sprintf(format, args...) + "\r\n")
}
