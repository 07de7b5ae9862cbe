package clientconn

import (
	"context"
	"net"
	"testing"

	"github.com/corehttp/engine/pkg/frame"
)

func pipeReader(t *testing.T) (r *asyncReader, server net.Conn) {
	t.Helper()
	client, srv := net.Pipe()
	t.Cleanup(func() { client.Close(); srv.Close() })
	return newAsyncReader(frame.New(client, 0)), srv
}

func TestAsyncReaderReadLine(t *testing.T) {
	r, server := pipeReader(t)
	go server.Write([]byte("GET / HTTP/1.1\r\n"))

	line, err := r.ReadLine(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if line != "GET / HTTP/1.1" {
		t.Fatalf("unexpected line: %q", line)
	}
}

func TestAsyncReaderReadLineAcrossFrames(t *testing.T) {
	r, server := pipeReader(t)
	go func() {
		server.Write([]byte("part-one"))
		server.Write([]byte("-part-two\r\n"))
	}()

	line, err := r.ReadLine(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if line != "part-one-part-two" {
		t.Fatalf("unexpected line: %q", line)
	}
}

func TestAsyncReaderReadNExact(t *testing.T) {
	r, server := pipeReader(t)
	go server.Write([]byte("0123456789"))

	b, err := r.ReadN(context.Background(), 5, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(b) != "01234" {
		t.Fatalf("unexpected bytes: %q", b)
	}
	if string(r.Peek(5)) != "56789" {
		t.Fatalf("expected remaining bytes buffered, got %q", r.Peek(5))
	}
}

func TestAsyncReaderReadNShortOnFINToleratesWithAllowShort(t *testing.T) {
	r, server := pipeReader(t)
	go func() {
		server.Write([]byte("abc"))
		server.Close()
	}()

	b, err := r.ReadN(context.Background(), 10, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(b) != "abc" {
		t.Fatalf("expected the short body tolerated, got %q", b)
	}
}

func TestAsyncReaderReadNShortOnFINFailsWithoutAllowShort(t *testing.T) {
	r, server := pipeReader(t)
	go func() {
		server.Write([]byte("abc"))
		server.Close()
	}()

	_, err := r.ReadN(context.Background(), 10, false)
	if err == nil {
		t.Fatalf("expected a truncation error")
	}
}

func TestAsyncReaderReleasePushesBackUnreadBytes(t *testing.T) {
	r, server := pipeReader(t)
	go server.Write([]byte("headtail"))

	b, err := r.ReadN(context.Background(), 4, false)
	if err != nil || string(b) != "head" {
		t.Fatalf("unexpected read: %q, err=%v", b, err)
	}
	r.Release()

	f := r.t.Read(context.Background())
	if f.Kind != frame.Chunk || string(f.Data) != "tail" {
		t.Fatalf("expected the unconsumed suffix to be pushed back, got %v %q", f.Kind, f.Data)
	}
}
