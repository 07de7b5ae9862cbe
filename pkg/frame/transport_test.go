package frame

import (
	"context"
	"net"
	"testing"
	"time"
)

func pipe(t *testing.T) (client, server net.Conn) {
	t.Helper()
	c, s := net.Pipe()
	t.Cleanup(func() {
		c.Close()
		s.Close()
	})
	return c, s
}

func TestTransportReadChunk(t *testing.T) {
	client, server := pipe(t)
	tr := New(client, 0)

	go server.Write([]byte("hello"))

	f := tr.Read(context.Background())
	if f.Kind != Chunk {
		t.Fatalf("expected Chunk, got %v (err=%v)", f.Kind, f.Err)
	}
	if string(f.Data) != "hello" {
		t.Fatalf("unexpected data: %q", f.Data)
	}
}

func TestTransportReadFIN(t *testing.T) {
	client, server := pipe(t)
	tr := New(client, 0)
	server.Close()

	f := tr.Read(context.Background())
	if f.Kind != FIN {
		t.Fatalf("expected FIN, got %v (err=%v)", f.Kind, f.Err)
	}
}

func TestTransportReadCancelled(t *testing.T) {
	client, _ := pipe(t)
	tr := New(client, 0)

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrCheckingOut)

	f := tr.Read(ctx)
	if f.Kind != Err {
		t.Fatalf("expected Err, got %v", f.Kind)
	}
	if f.Err != ErrCheckingOut {
		t.Fatalf("expected ErrCheckingOut by identity, got %v", f.Err)
	}
}

func TestTransportUnreadIsConsumedFirst(t *testing.T) {
	client, _ := pipe(t)
	tr := New(client, 0)
	tr.Unread([]byte("pushed-back"))

	f := tr.Read(context.Background())
	if f.Kind != Chunk || string(f.Data) != "pushed-back" {
		t.Fatalf("expected pushed-back data, got %v %q", f.Kind, f.Data)
	}
}

func TestTransportWriteDrainsQueue(t *testing.T) {
	client, server := pipe(t)
	tr := New(client, 0)
	tr.QueueWrite([]byte("payload"))

	done := make(chan struct{})
	var got []byte
	go func() {
		buf := make([]byte, 32)
		n, _ := server.Read(buf)
		got = buf[:n]
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for tr.QueueLen() > 0 && time.Now().Before(deadline) {
		if _, err := tr.Write(); err != nil {
			t.Fatalf("write error: %v", err)
		}
	}
	<-done
	if string(got) != "payload" {
		t.Fatalf("unexpected bytes written: %q", got)
	}
}
