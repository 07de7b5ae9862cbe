// Package pool implements the connection pool: a per-destination LIFO idle
// stack plus an idle watchdog that reuses frame.Transport.Read as its own
// readability check, grounded on the teacher's hostPool/PoolStats design in
// pkg/transport/transport.go but reworked around the async transport
// adapter instead of a periodic cleanupIdleConnections sweep.
package pool

import (
	"context"
	"sync"
	"time"

	engerrors "github.com/corehttp/engine/pkg/errors"
	"github.com/corehttp/engine/pkg/frame"
)

// Limits bounds how many connections the pool keeps per destination key.
type Limits struct {
	MaxIdlePerHost int
	MaxPerHost     int // 0 means unlimited
	IdleTimeout    time.Duration
}

// DefaultLimits mirrors the teacher's DefaultPoolConfig values.
func DefaultLimits() Limits {
	return Limits{MaxIdlePerHost: 2, MaxPerHost: 0, IdleTimeout: 90 * time.Second}
}

// Holder owns one pooled connection: its transport plus the watchdog
// goroutine that evicts it if the peer closes or goes idle-timeout while
// parked.
type Holder struct {
	Transport *frame.Transport
	CreatedAt time.Time

	// Metadata carries whatever connection provenance the caller attached
	// at NewHolderWithMetadata time (socket endpoints, TLS session, proxy hop); it
	// survives across Acquire/Release so a reused connection keeps
	// reporting the metadata captured when it was first dialed.
	Metadata any

	cancel context.CancelCauseFunc
	dead   chan struct{}
	evictErr error
}

// hostPool is a LIFO idle stack plus an active-connection counter for one
// destination key, matching the teacher's hostPool shape.
type hostPool struct {
	mu        sync.Mutex
	idle      []*Holder
	numActive int
	cond      *sync.Cond
}

func newHostPool() *hostPool {
	hp := &hostPool{idle: make([]*Holder, 0, 4)}
	hp.cond = sync.NewCond(&hp.mu)
	return hp
}

// Stats reports point-in-time pool occupancy for one destination key.
type Stats struct {
	ActiveConns int
	IdleConns   int
}

// GlobalStats aggregates Stats plus lifetime counters across all keys.
type GlobalStats struct {
	TotalReused  uint64
	TotalCreated uint64
	WaitTimeouts uint64
	HostStats    map[string]Stats
}

// Pool is the connection pool keyed by destination (see message.TcpAddress.Key).
type Pool struct {
	limits Limits

	mu    sync.Mutex
	hosts map[string]*hostPool

	reused, created, waitTimeouts uint64
}

// New returns an empty pool.
func New(limits Limits) *Pool {
	if limits.MaxIdlePerHost <= 0 {
		limits.MaxIdlePerHost = 2
	}
	if limits.IdleTimeout <= 0 {
		limits.IdleTimeout = 90 * time.Second
	}
	return &Pool{limits: limits, hosts: make(map[string]*hostPool)}
}

func (p *Pool) hostPoolFor(key string) *hostPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	hp, ok := p.hosts[key]
	if !ok {
		hp = newHostPool()
		p.hosts[key] = hp
	}
	return hp
}

// Acquire returns an idle, still-live Holder for key if one is available,
// or (nil, false) if the caller should dial a fresh connection. If
// MaxPerHost is set and already saturated with no idle connections, it
// blocks on hp.cond until a slot frees up or ctx is done.
func (p *Pool) Acquire(ctx context.Context, key string) (*Holder, bool, error) {
	hp := p.hostPoolFor(key)

	hp.mu.Lock()
	for {
		for len(hp.idle) > 0 {
			h := hp.idle[len(hp.idle)-1]
			hp.idle = hp.idle[:len(hp.idle)-1]
			if !h.evict(frame.ErrCheckingOut) {
				// died while parked; skip it and keep looking
				continue
			}
			hp.numActive++
			hp.mu.Unlock()
			p.mu.Lock()
			p.reused++
			p.mu.Unlock()
			return h, true, nil
		}

		if p.limits.MaxPerHost <= 0 || hp.numActive < p.limits.MaxPerHost {
			hp.numActive++
			hp.mu.Unlock()
			return nil, false, nil
		}

		stop := context.AfterFunc(ctx, func() {
			hp.mu.Lock()
			hp.cond.Broadcast()
			hp.mu.Unlock()
		})
		hp.cond.Wait()
		stop()
		if ctx.Err() != nil {
			hp.cond.Signal() // pass on a Release wake-up this waiter may have taken
			hp.mu.Unlock()
			p.mu.Lock()
			p.waitTimeouts++
			p.mu.Unlock()
			return nil, false, engerrors.NewCancelledError("pool acquire")
		}
	}
}

// NewHolder wraps conn's transport as a just-created, active holder — it is
// the caller's responsibility to Release it into the pool once the request
// finishes.
func NewHolder(t *frame.Transport) *Holder {
	return &Holder{Transport: t, CreatedAt: time.Now(), dead: make(chan struct{})}
}

// NewHolderWithMetadata is NewHolder plus an opaque metadata value to carry
// alongside the transport for the connection's whole pooled lifetime.
func NewHolderWithMetadata(t *frame.Transport, metadata any) *Holder {
	h := NewHolder(t)
	h.Metadata = metadata
	return h
}

// Release either parks h as idle (starting its watchdog) or, if the pool is
// already at MaxIdlePerHost for key, closes it outright.
func (p *Pool) Release(key string, h *Holder, keepAlive bool) {
	hp := p.hostPoolFor(key)

	hp.mu.Lock()
	hp.numActive--
	if !keepAlive || len(hp.idle) >= p.limits.MaxIdlePerHost {
		hp.cond.Signal()
		hp.mu.Unlock()
		h.Transport.Close(nil)
		return
	}
	hp.idle = append(hp.idle, h)
	hp.cond.Signal()
	hp.mu.Unlock()

	h.watch(p.limits.IdleTimeout)
}

// watch starts the idle watchdog: it calls Transport.Read on a
// cancellable context and interprets whatever Read returns — unsolicited
// bytes, FIN, TLS close_notify, or the idle timer firing — as "this
// connection is no longer fit to hand out." Acquire races this goroutine
// via evict(frame.ErrCheckingOut): whichever reaches the holder first wins.
func (h *Holder) watch(idleTimeout time.Duration) {
	ctx, cancel := context.WithCancelCause(context.Background())
	h.cancel = cancel

	go func() {
		var timer *time.Timer
		if idleTimeout > 0 {
			timer = time.AfterFunc(idleTimeout, func() { cancel(frame.ErrIdleTimeout) })
			defer timer.Stop()
		}

		f := h.Transport.Read(ctx)
		h.finishWatch(f)
	}()
}

func (h *Holder) finishWatch(f frame.Frame) {
	select {
	case <-h.dead:
		return // already evicted by Acquire
	default:
	}

	switch f.Kind {
	case frame.Err:
		if f.Err == frame.ErrCheckingOut {
			// Acquire won the race; nothing further to do here.
			return
		}
		h.evictErr = f.Err
	case frame.FIN, frame.TLSCloseNotify:
		h.evictErr = engerrors.NewIllegalStateError("peer closed idle pooled connection")
	case frame.Chunk:
		// The peer sent unsolicited bytes on an idle connection — almost
		// certainly a protocol violation. Treat it the same as FIN: the
		// connection can no longer be trusted for reuse.
		h.evictErr = engerrors.NewIllegalStateError("peer sent unsolicited bytes on idle connection")
	case frame.Stall:
		// A read timeout masquerading as Stall without a deadline set
		// should not happen on an idle watchdog; treat defensively as a
		// transient condition and drop the holder rather than loop.
		h.evictErr = engerrors.NewIllegalStateError("idle watchdog read stalled unexpectedly")
	}

	h.closeDead()
}

func (h *Holder) closeDead() {
	select {
	case <-h.dead:
	default:
		close(h.dead)
		h.Transport.Close(nil)
	}
}

// evict tries to win the race against the idle watchdog for h, cancelling
// its Read with cause. It returns false if the watchdog already declared
// the holder dead.
func (h *Holder) evict(cause error) bool {
	select {
	case <-h.dead:
		return false
	default:
	}
	if h.cancel != nil {
		h.cancel(cause)
	}
	select {
	case <-h.dead:
		return false
	default:
		return true
	}
}

// Stats returns a point-in-time snapshot of pool occupancy.
func (p *Pool) Stats() GlobalStats {
	p.mu.Lock()
	g := GlobalStats{TotalReused: p.reused, TotalCreated: p.created, WaitTimeouts: p.waitTimeouts, HostStats: make(map[string]Stats)}
	hosts := make(map[string]*hostPool, len(p.hosts))
	for k, v := range p.hosts {
		hosts[k] = v
	}
	p.mu.Unlock()

	for k, hp := range hosts {
		hp.mu.Lock()
		g.HostStats[k] = Stats{ActiveConns: hp.numActive, IdleConns: len(hp.idle)}
		hp.mu.Unlock()
	}
	return g
}

// NoteCreated records a freshly dialed connection for lifetime stats.
func (p *Pool) NoteCreated() {
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
}

// CloseAll closes every idle connection across all hosts, e.g. on shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	hosts := make([]*hostPool, 0, len(p.hosts))
	for _, hp := range p.hosts {
		hosts = append(hosts, hp)
	}
	p.mu.Unlock()

	for _, hp := range hosts {
		hp.mu.Lock()
		idle := hp.idle
		hp.idle = nil
		hp.mu.Unlock()
		for _, h := range idle {
			h.evict(frame.ErrCheckingOut)
			h.closeDead()
		}
	}
}
