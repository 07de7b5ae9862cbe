package clientconn

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/corehttp/engine/pkg/entity"
	engerrors "github.com/corehttp/engine/pkg/errors"
	"github.com/corehttp/engine/pkg/frame"
	"github.com/corehttp/engine/pkg/message"
)

// serializeHead renders the request line and headers (without the body) as
// wire bytes, deriving Content-Length/Transfer-Encoding from the entity
// rather than trusting caller-set headers (message.Request.Seal already
// rejects those being set directly).
func serializeHead(req *message.Request, ent entity.HttpEntity) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\r\n", req.Method, req.Target, req.Version)

	for _, k := range req.Header.Keys() {
		for _, v := range req.Header.Values(k) {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}

	if ent != nil {
		if cl := ent.ContentLength(); cl != nil {
			fmt.Fprintf(&b, "Content-Length: %d\r\n", *cl)
		} else {
			b.WriteString("Transfer-Encoding: chunked\r\n")
		}
	}

	b.WriteString("\r\n")
	return []byte(b.String())
}

// expectsContinue reports whether req carries "Expect: 100-continue".
func expectsContinue(req *message.Request) bool {
	for _, v := range req.Header.Values("Expect") {
		if strings.EqualFold(strings.TrimSpace(v), "100-continue") {
			return true
		}
	}
	return false
}

// WriteRequest serializes and sends req (and its body, if any) over t. If
// the request carries Expect: 100-continue, it waits up to maxWait for
// awaitContinue to report whether the body should be sent: granted (a 100
// Continue arrived, or no response arrived within maxWait — tolerating a
// non-compliant peer rather than blocking forever) sends the body; a
// rejection (a final status arrived instead of 100) withholds the body
// entirely and fails the send with the error awaitContinue returns.
func WriteRequest(ctx context.Context, t *frame.Transport, req *message.Request, ent entity.HttpEntity, awaitContinue func(context.Context, time.Duration) (bool, error), maxWait time.Duration) error {
	t.QueueWrite(serializeHead(req, ent))
	if err := drainWrite(ctx, t); err != nil {
		return err
	}

	if ent == nil {
		return nil
	}

	if expectsContinue(req) && awaitContinue != nil {
		proceed, err := awaitContinue(ctx, maxWait)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
	}

	return writeBody(ctx, t, ent)
}

func writeBody(ctx context.Context, t *frame.Transport, ent entity.HttpEntity) error {
	chunked := ent.ContentLength() == nil
	src := ent.Body()
	defer src.Close()

	var written int64
	for {
		f := src.Read(ctx)
		switch f.Kind {
		case entity.BodyChunk:
			if chunked {
				t.QueueWrite([]byte(strconv.FormatInt(int64(len(f.Data)), 16) + "\r\n"))
				t.QueueWrite(f.Data)
				t.QueueWrite([]byte("\r\n"))
			} else {
				t.QueueWrite(f.Data)
			}
			written += int64(len(f.Data))
			if err := drainWrite(ctx, t); err != nil {
				return err
			}
		case entity.BodyStall:
			continue
		case entity.BodyEOS:
			if chunked {
				t.QueueWrite([]byte("0\r\n\r\n"))
				return drainWrite(ctx, t)
			}
			if cl := ent.ContentLength(); cl != nil && written != *cl {
				return engerrors.NewBodyUnderflowError(*cl, written)
			}
			return nil
		case entity.BodyError:
			return f.Err
		}
	}
}

// drainWrite repeatedly calls Transport.Write until the queue empties,
// waiting on AwaitWritable between partial drains.
func drainWrite(ctx context.Context, t *frame.Transport) error {
	for {
		remaining, err := t.Write()
		if err != nil {
			return err
		}
		if remaining == 0 {
			return nil
		}
		if err := t.AwaitWritable(ctx); err != nil {
			return err
		}
	}
}
