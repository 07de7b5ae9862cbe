// Package engine is the async HTTP/1.x client+server engine core: it wires
// the connection chain builder, connection pool, client connection, and
// server response writer packages into the same high-level Do()/WriteResponse()
// surface the teacher library exposed as Sender.Do.
package engine

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/corehttp/engine/pkg/auth"
	"github.com/corehttp/engine/pkg/buffer"
	"github.com/corehttp/engine/pkg/chain"
	"github.com/corehttp/engine/pkg/clientconn"
	"github.com/corehttp/engine/pkg/entity"
	"github.com/corehttp/engine/pkg/frame"
	"github.com/corehttp/engine/pkg/message"
	"github.com/corehttp/engine/pkg/pool"
	"github.com/corehttp/engine/pkg/respwriter"
	"github.com/corehttp/engine/pkg/timing"
)

// Version identifies this engine build.
const Version = "1.0.0"

// Re-export the commonly used types so callers mostly only import this
// package, mirroring the teacher's re-export block in its own root file.
type (
	Request            = message.Request
	Response           = message.Response
	Header             = message.Header
	TcpAddress         = message.TcpAddress
	HttpEntity         = entity.HttpEntity
	Credentials        = auth.Credentials
	Hop                = chain.Hop
	TLSOptions         = chain.TLSOptions
	ConnectionMetadata = chain.ConnectionMetadata
	Metrics            = timing.Metrics
	PoolStats          = pool.GlobalStats
)

// Options controls how Client.Do establishes a connection and reads the
// response, mirroring the teacher's client.Options shape.
type Options struct {
	Target      TcpAddress
	Hops        []Hop // forward proxies to traverse before Target, in order
	TLS         TLSOptions
	DialTimeout time.Duration
	ReadTimeout time.Duration

	// ReuseConnection enables pooled checkout/check-in for this request's
	// destination key; false always dials fresh and closes after.
	ReuseConnection bool
}

// DefaultOptions returns sane defaults for a direct connection to target.
func DefaultOptions(target TcpAddress) Options {
	return Options{
		Target:          target,
		DialTimeout:     10 * time.Second,
		ReadTimeout:     30 * time.Second,
		ReuseConnection: true,
	}
}

// Client is the engine's request-sending half: a connection pool plus the
// plumbing to build fresh connections on a pool miss.
type Client struct {
	pool      *pool.Pool
	authCache *auth.Cache
}

// NewClient returns a Client with the given pool limits.
func NewClient(limits pool.Limits) *Client {
	return &Client{pool: pool.New(limits), authCache: auth.NewCache()}
}

// PoolStats reports current pool occupancy and lifetime counters.
func (c *Client) PoolStats() PoolStats {
	return c.pool.Stats()
}

// Do sends req (with optional body ent) per opts and returns the parsed
// response. On success, the underlying connection is either returned to
// the pool (if opts.ReuseConnection and the response didn't ask to close)
// or closed.
func (c *Client) Do(ctx context.Context, req *Request, ent HttpEntity, opts Options) (*Response, *Metrics, error) {
	key := poolKey(opts)

	var holder *pool.Holder
	var timer *timing.Timer
	var wasReused bool

	if opts.ReuseConnection {
		h, reused, err := c.pool.Acquire(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		if reused {
			holder = h
			wasReused = true
		}
	}

	if holder == nil {
		conn, err := c.dial(ctx, opts)
		if err != nil {
			return nil, nil, err
		}
		timer = conn.Timer
		t := frame.New(conn.Conn, 0)
		holder = pool.NewHolderWithMetadata(t, conn.Metadata)
		c.pool.NoteCreated()
	}

	sendCtx := ctx
	if opts.ReadTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, opts.ReadTimeout)
		defer cancel()
	}

	if timer != nil {
		timer.StartTTFB()
	}
	cc := clientconn.New(holder.Transport)
	resp, err := cc.Send(sendCtx, req, ent)
	if timer != nil {
		timer.EndTTFB()
	}

	var metrics *Metrics
	if timer != nil {
		m := timer.GetMetrics()
		metrics = &m
	}

	if resp == nil {
		holder.Transport.Close(nil)
		return nil, metrics, err
	}
	resp.ConnectionMetadata = holder.Metadata
	if wasReused {
		if meta, ok := holder.Metadata.(*chain.ConnectionMetadata); ok && meta != nil {
			reusedMeta := *meta
			reusedMeta.ConnectionReused = true
			resp.ConnectionMetadata = &reusedMeta
		}
	}
	if err != nil {
		// Send partially failed (e.g. a withheld Expect: 100-continue
		// body) but the response head still parsed: the connection's wire
		// state no longer matches what the peer expects, so it is never
		// reused, but the caller still gets the response that arrived.
		holder.Transport.Close(nil)
		return resp, metrics, err
	}

	if opts.ReuseConnection {
		keepAlive := !connectionAsksClose(resp, req.Method)
		// The body must be fully drained off the wire before the
		// connection goes back to the pool, since the next Acquire's
		// ReadHead would otherwise race it for the same bytes. Rather than
		// discarding those bytes, they are spooled into a BufferEntity (the
		// same disk-spilling cache the response writer would use server
		// side) so the caller still gets a readable body even though the
		// connection beneath it has already been checked back in.
		if keepAlive && resp.Entity != nil {
			if respEnt, ok := resp.Entity.(HttpEntity); ok {
				cached, err := bufferEntity(ctx, respEnt)
				if err != nil {
					keepAlive = false
				} else {
					resp.Entity = cached
				}
			}
		}
		c.pool.Release(key, holder, keepAlive)
	} else {
		holder.Transport.Close(nil)
	}

	return resp, metrics, nil
}

// connectionAsksClose reports whether resp means this connection cannot be
// pooled for reuse: either the Connection header/version says so, or the
// body is FIN-delimited (FramingUntilClose), which forces closure regardless
// of headers since the peer has already committed to closing to terminate
// the body.
func connectionAsksClose(resp *Response, requestMethod string) bool {
	if clientconn.ConnectionWantsClose(resp) {
		return true
	}
	framing, err := clientconn.ClassifyBody(resp, requestMethod)
	if err != nil {
		return true
	}
	return framing == clientconn.FramingUntilClose
}

// bufferEntity drains ent's body into a disk-spilling buffer.Buffer and
// returns it wrapped as a sharable entity.BufferEntity, so the caller can
// still read the body after the underlying connection has moved on.
func bufferEntity(ctx context.Context, ent HttpEntity) (HttpEntity, error) {
	buf := buffer.New(buffer.DefaultMemoryLimit)
	src := ent.Body()
	defer src.Close()
	for {
		f := src.Read(ctx)
		switch f.Kind {
		case entity.BodyChunk:
			if _, err := buf.Write(f.Data); err != nil {
				return nil, err
			}
		case entity.BodyStall:
			continue
		case entity.BodyEOS:
			return entity.NewBufferEntity(buf, ent.ContentType()), nil
		case entity.BodyError:
			return nil, f.Err
		}
	}
}

// WriteResponse is the server-side counterpart to Do: it serializes resp
// (with body ent, if any) onto conn through the response writer's
// backpressure and minimum-throughput state machine, rather than writing
// raw bytes directly on the socket.
func WriteResponse(ctx context.Context, conn net.Conn, resp *Response, ent HttpEntity, limits respwriter.Limits) error {
	w := respwriter.New(frame.New(conn, 0), limits)
	if err := w.WriteHead(ctx, resp, ent); err != nil {
		return err
	}
	return w.PipeBody(ctx, ent)
}

func (c *Client) dial(ctx context.Context, opts Options) (*chain.Result, error) {
	plan := chain.Plan{
		Hops:        opts.Hops,
		TargetHost:  opts.Target.Host,
		TargetPort:  int(opts.Target.Port),
		DialTimeout: opts.DialTimeout,
		TLS:         opts.TLS,
		AuthCache:   c.authCache,
	}
	if opts.Target.SSL {
		plan.TLS.Enabled = true
	}
	return chain.Build(ctx, plan)
}

// poolKey derives the connection-pool key for opts: the final target
// address, prefixed with the proxy chain's addresses so distinct chains to
// the same target never share pooled connections.
func poolKey(opts Options) string {
	key := opts.Target.Key()
	for i := len(opts.Hops) - 1; i >= 0; i-- {
		h := opts.Hops[i]
		key = fmt.Sprintf("%d:%s:%d->%s", h.Kind, h.Host, h.Port, key)
	}
	return key
}
