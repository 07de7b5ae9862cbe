package entity

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/corehttp/engine/pkg/buffer"
)

func drain(t *testing.T, src ByteSource) []byte {
	t.Helper()
	var out []byte
	ctx := context.Background()
	for {
		f := src.Read(ctx)
		switch f.Kind {
		case BodyChunk:
			out = append(out, f.Data...)
		case BodyEOS:
			return out
		case BodyError:
			t.Fatalf("unexpected body error: %v", f.Err)
		}
	}
}

func TestParseETagRoundTrip(t *testing.T) {
	cases := []ETag{
		{Value: "abc123", Weak: false},
		{Value: "abc123", Weak: true},
		{Value: `with "quote" and \backslash`, Weak: false},
		{Value: "", Weak: false},
	}
	for _, want := range cases {
		got, err := ParseETag(FormatETag(want))
		if err != nil {
			t.Fatalf("ParseETag(FormatETag(%+v)) failed: %v", want, err)
		}
		if got != want {
			t.Fatalf("round-trip mismatch: want %+v, got %+v", want, got)
		}
	}
}

func TestParseETagRejectsUnquoted(t *testing.T) {
	if _, err := ParseETag("abc123"); err == nil {
		t.Fatalf("expected an error for an unquoted ETag")
	}
}

func TestBytesEntitySharable(t *testing.T) {
	e := NewBytesEntity([]byte("payload"), "text/plain")

	first := drain(t, e.Body())
	second := drain(t, e.Body())

	if !bytes.Equal(first, []byte("payload")) || !bytes.Equal(second, []byte("payload")) {
		t.Fatalf("expected two independent reads of the same bytes, got %q and %q", first, second)
	}
	if e.ContentLength() == nil || *e.ContentLength() != 7 {
		t.Fatalf("expected content length 7, got %v", e.ContentLength())
	}
}

func TestReaderEntitySingleShot(t *testing.T) {
	e := NewReaderEntity(io.NopCloser(bytes.NewReader([]byte("abc"))), nil, "")

	first := drain(t, e.Body())
	if string(first) != "abc" {
		t.Fatalf("unexpected first read: %q", first)
	}
	second := drain(t, e.Body())
	if len(second) != 0 {
		t.Fatalf("expected exhausted source on second Body() call, got %q", second)
	}
}

func TestBufferEntitySharable(t *testing.T) {
	buf := buffer.New(1024)
	buf.Write([]byte("cached"))

	e := NewBufferEntity(buf, "application/octet-stream")
	first := drain(t, e.Body())
	second := drain(t, e.Body())

	if string(first) != "cached" || string(second) != "cached" {
		t.Fatalf("expected both reads to return cached bytes, got %q and %q", first, second)
	}
}

func TestThrottleCapsEarlyReads(t *testing.T) {
	data := make([]byte, 100)
	e := NewBytesEntity(data, "")
	src := Throttle(e.Body(), 1_000_000_000) // effectively unthrottled at this size

	out := drain(t, src)
	if len(out) != 100 {
		t.Fatalf("expected all 100 bytes through an unconstraining throttle, got %d", len(out))
	}
}
