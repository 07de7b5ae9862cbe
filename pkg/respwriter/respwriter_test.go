package respwriter

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

func pipeWriter(t *testing.T, limits Limits) (w *Writer, server net.Conn) {
	t.Helper()
	client, srv := net.Pipe()
	t.Cleanup(func() { client.Close(); srv.Close() })
	return New(frame.New(client, 0), limits), srv
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

func TestWriteHeadAndPipeBodyFixedLength(t *testing.T) {
	w, server := pipeWriter(t, DefaultLimits())
	resp := &message.Response{Version: "HTTP/1.1", Status: message.Status{Code: 200, Phrase: "OK"}, Header: message.NewHeader()}
	ent := entity.NewBytesEntity([]byte("hello"), "text/plain")

	done := make(chan error, 1)
	go func() {
		if err := w.WriteHead(context.Background(), resp, ent); err != nil {
			done <- err
			return
		}
		done <- w.PipeBody(context.Background(), ent)
	}()

	got := readAll(t, server, time.Second)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWriteHeadAndPipeBodyChunked(t *testing.T) {
	w, server := pipeWriter(t, DefaultLimits())
	resp := &message.Response{Version: "HTTP/1.1", Status: message.Status{Code: 200, Phrase: "OK"}, Header: message.NewHeader()}
	ent := entity.NewReaderEntity(strings.NewReader("hi"), nil, "text/plain")

	done := make(chan error, 1)
	go func() {
		if err := w.WriteHead(context.Background(), resp, ent); err != nil {
			done <- err
			return
		}
		done <- w.PipeBody(context.Background(), ent)
	}()

	got := readAll(t, server, time.Second)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n2\r\nhi\r\n0\r\n\r\n"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestPipeBodyFailsOnOverflow(t *testing.T) {
	w, server := pipeWriter(t, DefaultLimits())
	resp := &message.Response{Version: "HTTP/1.1", Status: message.Status{Code: 200, Phrase: "OK"}, Header: message.NewHeader()}
	declared := int64(3)
	ent := entity.NewReaderEntity(strings.NewReader("hello"), &declared, "text/plain")

	done := make(chan error, 1)
	go func() {
		if err := w.WriteHead(context.Background(), resp, ent); err != nil {
			done <- err
			return
		}
		done <- w.PipeBody(context.Background(), ent)
	}()

	readAll(t, server, time.Second)
	err := <-done
	if err == nil {
		t.Fatalf("expected a body-overflow error when the entity writes past its declared Content-Length")
	}
}

func TestPipeBodyFailsOnUnderflow(t *testing.T) {
	w, server := pipeWriter(t, DefaultLimits())
	resp := &message.Response{Version: "HTTP/1.1", Status: message.Status{Code: 200, Phrase: "OK"}, Header: message.NewHeader()}
	declared := int64(10)
	ent := entity.NewReaderEntity(strings.NewReader("hello"), &declared, "text/plain")

	done := make(chan error, 1)
	go func() {
		if err := w.WriteHead(context.Background(), resp, ent); err != nil {
			done <- err
			return
		}
		done <- w.PipeBody(context.Background(), ent)
	}()

	readAll(t, server, time.Second)
	err := <-done
	if err == nil {
		t.Fatalf("expected a body-underflow error when the entity's source runs dry short of its declared Content-Length")
	}
}

func TestCheckThroughputFailsBelowMinimum(t *testing.T) {
	w, _ := pipeWriter(t, Limits{HighWaterMark: 64 * 1024, MinThroughput: 1_000_000_000, GracePeriod: 0})
	w.start = time.Now().Add(-time.Second)
	w.writtenTotal = 1

	if err := w.checkThroughput(); err == nil {
		t.Fatalf("expected a throughput violation")
	}
}

func TestCheckThroughputDisabledWhenZero(t *testing.T) {
	w, _ := pipeWriter(t, Limits{HighWaterMark: 64 * 1024, MinThroughput: 0, GracePeriod: 0})
	w.start = time.Now().Add(-time.Hour)

	if err := w.checkThroughput(); err != nil {
		t.Fatalf("expected no error when MinThroughput is disabled: %v", err)
	}
}
