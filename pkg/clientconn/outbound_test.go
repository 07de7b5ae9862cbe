package clientconn

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/corehttp/engine/pkg/entity"
	"github.com/corehttp/engine/pkg/frame"
	"github.com/corehttp/engine/pkg/message"
)

func pipeTransport(t *testing.T) (tr *frame.Transport, server net.Conn) {
	t.Helper()
	client, srv := net.Pipe()
	t.Cleanup(func() { client.Close(); srv.Close() })
	return frame.New(client, 0), srv
}

func readAll(t *testing.T, server net.Conn, timeout time.Duration) []byte {
	t.Helper()
	server.SetReadDeadline(time.Now().Add(timeout))
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := server.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			return out
		}
	}
}

func TestWriteRequestFixedLengthBody(t *testing.T) {
	tr, server := pipeTransport(t)
	req := message.NewRequest("POST", "/upload", "HTTP/1.1", "example.com")
	ent := entity.NewBytesEntity([]byte("payload"), "text/plain")

	done := make(chan error, 1)
	go func() {
		done <- WriteRequest(context.Background(), tr, req, ent, nil, 0)
	}()

	got := readAll(t, server, time.Second)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "POST /upload HTTP/1.1\r\nHost: example.com\r\nContent-Length: 7\r\n\r\npayload"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWriteRequestChunkedBody(t *testing.T) {
	tr, server := pipeTransport(t)
	req := message.NewRequest("POST", "/stream", "HTTP/1.1", "example.com")
	ent := entity.NewReaderEntity(strings.NewReader("hello"), nil, "text/plain")

	done := make(chan error, 1)
	go func() {
		done <- WriteRequest(context.Background(), tr, req, ent, nil, 0)
	}()

	got := readAll(t, server, time.Second)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "POST /stream HTTP/1.1\r\nHost: example.com\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWriteRequestNoBody(t *testing.T) {
	tr, server := pipeTransport(t)
	req := message.NewRequest("GET", "/", "HTTP/1.1", "example.com")

	done := make(chan error, 1)
	go func() {
		done <- WriteRequest(context.Background(), tr, req, nil, nil, 0)
	}()

	got := readAll(t, server, time.Second)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
