package pool

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/corehttp/engine/pkg/frame"
)

func pipeHolder(t *testing.T) (h *Holder, peer net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return NewHolder(frame.New(client, 0)), server
}

func TestAcquireReusesReleasedHolder(t *testing.T) {
	p := New(DefaultLimits())
	h, _ := pipeHolder(t)

	p.Release("host:443", h, true)

	got, reused, err := p.Acquire(context.Background(), "host:443")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reused || got != h {
		t.Fatalf("expected the released holder to be reused")
	}
	if p.Stats().TotalReused != 1 {
		t.Fatalf("expected TotalReused=1, got %d", p.Stats().TotalReused)
	}
}

func TestAcquireOnEmptyPoolSignalsFreshDial(t *testing.T) {
	p := New(DefaultLimits())
	_, reused, err := p.Acquire(context.Background(), "host:443")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reused {
		t.Fatalf("expected a cold pool to signal a fresh dial")
	}
}

func TestReleasedHolderEvictedOnPeerClose(t *testing.T) {
	p := New(Limits{MaxIdlePerHost: 2, MaxPerHost: 0, IdleTimeout: time.Second})
	h, peer := pipeHolder(t)

	p.Release("host:443", h, true)
	peer.Close()

	select {
	case <-h.dead:
	case <-time.After(time.Second):
		t.Fatalf("expected the watchdog to mark the holder dead after peer close")
	}

	_, reused, err := p.Acquire(context.Background(), "host:443")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reused {
		t.Fatalf("expected the dead holder to be skipped, forcing a fresh dial")
	}
}

func TestAcquireBlocksUntilContextDoneWhenSaturated(t *testing.T) {
	p := New(Limits{MaxIdlePerHost: 2, MaxPerHost: 1, IdleTimeout: time.Second})

	// First Acquire takes the only permitted active slot.
	_, reused, err := p.Acquire(context.Background(), "host:443")
	if err != nil || reused {
		t.Fatalf("expected first acquire to signal a fresh dial, reused=%v err=%v", reused, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err = p.Acquire(ctx, "host:443")
	if err == nil {
		t.Fatalf("expected Acquire to fail once the context expires while saturated")
	}
	if p.Stats().WaitTimeouts != 1 {
		t.Fatalf("expected WaitTimeouts=1, got %d", p.Stats().WaitTimeouts)
	}
}

func TestReleaseClosesBeyondMaxIdle(t *testing.T) {
	p := New(Limits{MaxIdlePerHost: 1, MaxPerHost: 0, IdleTimeout: time.Second})
	parked, _ := pipeHolder(t)
	h, peer := pipeHolder(t)

	p.Release("host:443", parked, true)
	p.Release("host:443", h, true)

	buf := make([]byte, 1)
	peer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := peer.Read(buf); err != io.EOF {
		t.Fatalf("expected the peer side to observe the connection closing")
	}
}
