// Package entity defines the HttpEntity / ByteSource contracts and the
// handful of concrete body implementations the engine needs: a fixed,
// in-memory sharable entity; a buffer-backed (possibly disk-spilled) cached
// entity; and a throttled wrapper. The inbound-specific implementations
// that decode directly off the wire (chunked / fixed-length / FIN-
// terminated) live in package clientconn, since they need the transport.
package entity

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/corehttp/engine/pkg/buffer"
	"github.com/corehttp/engine/pkg/errors"
)

// BodyKind is the sum-type tag for BodyFrame.
type BodyKind int

const (
	// BodyChunk carries a non-empty slice of body bytes.
	BodyChunk BodyKind = iota
	// BodyStall means no data is available right now; retry later. It is
	// distinct from end-of-stream.
	BodyStall
	// BodyEOS means the body is fully drained.
	BodyEOS
	// BodyError carries a fatal body-read error.
	BodyError
)

// BodyFrame is what ByteSource.Read produces.
type BodyFrame struct {
	Kind BodyKind
	Data []byte
	Err  error
}

// ByteSource is the pull interface a body exposes.
type ByteSource interface {
	// Read returns the next BodyFrame, or blocks until ctx is done.
	Read(ctx context.Context) BodyFrame
	// Close releases any resources backing the source.
	Close() error
	// AwaitEOF blocks until the source has reached BodyEOS or BodyError.
	AwaitEOF(ctx context.Context) error
}

// HttpEntity is the dynamic-dispatch interface for a request/response body
// Implementations: fixed in-memory, chunked-inbound (package
// clientconn), and cached-in-memory (buffer-backed); throttling wraps a
// ByteSource (ThrottledSource) rather than an HttpEntity.
type HttpEntity interface {
	Body() ByteSource
	ContentType() string
	ContentLength() *int64
	ContentEncoding() string
	LastModified() time.Time
	Expires() time.Time
	ETag() string
}

// Meta holds the descriptive (non-body) fields shared by every HttpEntity
// implementation here, to avoid repeating the same six getters on each
// concrete type.
type Meta struct {
	CType     string
	CLength   *int64
	CEncoding string
	LastMod   time.Time
	Exp       time.Time
	Tag       string
}

func (m Meta) ContentType() string       { return m.CType }
func (m Meta) ContentLength() *int64      { return m.CLength }
func (m Meta) ContentEncoding() string    { return m.CEncoding }
func (m Meta) LastModified() time.Time    { return m.LastMod }
func (m Meta) Expires() time.Time         { return m.Exp }
func (m Meta) ETag() string               { return m.Tag }

// ETag is a parsed entity-tag per RFC 9110 §8.8.3: Value is the unescaped
// opaque tag text and Weak reports whether the tag carried a W/ prefix,
// marking it a weak validator rather than a strong one.
type ETag struct {
	Value string
	Weak  bool
}

// ParseETag parses a wire-format entity-tag (e.g. `"abc"` or `W/"a\"b"`)
// into its weak flag and unescaped value, honoring \-escapes inside the
// quoted-string per RFC 9110 §5.6.4.
func ParseETag(raw string) (ETag, error) {
	s := strings.TrimSpace(raw)
	weak := false
	if len(s) >= 2 && (s[:2] == "W/" || s[:2] == "w/") {
		weak = true
		s = s[2:]
	}
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return ETag{}, errors.NewProtocolError("malformed ETag (expected a quoted-string): "+raw, nil)
	}
	inner := s[1 : len(s)-1]
	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) {
			i++
		}
		b.WriteByte(inner[i])
	}
	return ETag{Value: b.String(), Weak: weak}, nil
}

// FormatETag renders e back to its wire form, escaping `"` and `\` inside
// the quoted-string so ParseETag(FormatETag(e)) == e for any e.
func FormatETag(e ETag) string {
	var b strings.Builder
	if e.Weak {
		b.WriteString("W/")
	}
	b.WriteByte('"')
	for i := 0; i < len(e.Value); i++ {
		c := e.Value[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}

// readerSource adapts an io.Reader to ByteSource. It is single-shot: Close
// releases the underlying reader if it is an io.Closer.
type readerSource struct {
	r      io.Reader
	closer io.Closer

	mu   sync.Mutex
	done bool
	err  error
	eofC chan struct{}
}

func newReaderSource(r io.Reader) *readerSource {
	s := &readerSource{r: r, eofC: make(chan struct{})}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *readerSource) Read(ctx context.Context) BodyFrame {
	buf := make([]byte, 32*1024)
	n, err := s.r.Read(buf)
	if n > 0 {
		return BodyFrame{Kind: BodyChunk, Data: buf[:n]}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		if err != nil && err != io.EOF {
			s.err = errors.NewIOError("reading body", err)
		}
		close(s.eofC)
	}
	if s.err != nil {
		return BodyFrame{Kind: BodyError, Err: s.err}
	}
	return BodyFrame{Kind: BodyEOS}
}

func (s *readerSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *readerSource) AwaitEOF(ctx context.Context) error {
	select {
	case <-s.eofC:
		return s.err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// FixedEntity is a single-shot HttpEntity over an io.Reader with a known
// (or unknown, when length is nil) content length.
type FixedEntity struct {
	Meta
	source func() ByteSource
}

// NewReaderEntity builds a single-shot entity from an io.Reader. Every
// Body() call returns the same source, so whatever an earlier caller has
// read is gone for a later one (a fully drained source yields only
// BodyEOS), matching the "body is single-shot unless sharable" invariant.
func NewReaderEntity(r io.Reader, contentLength *int64, contentType string) *FixedEntity {
	var once sync.Once
	var src *readerSource
	return &FixedEntity{
		Meta:   Meta{CType: contentType, CLength: contentLength},
		source: func() ByteSource {
			once.Do(func() { src = newReaderSource(r) })
			return src
		},
	}
}

func (f *FixedEntity) Body() ByteSource { return f.source() }

// BytesEntity is a sharable, in-memory entity: every Body() call returns an
// independent reader over the same backing bytes, so two independent reads
// yield identical sequences.
type BytesEntity struct {
	Meta
	data []byte
}

// NewBytesEntity builds a sharable in-memory entity.
func NewBytesEntity(data []byte, contentType string) *BytesEntity {
	n := int64(len(data))
	return &BytesEntity{Meta: Meta{CType: contentType, CLength: &n}, data: data}
}

func (b *BytesEntity) Body() ByteSource {
	return newReaderSource(newByteReader(b.data))
}

func newByteReader(b []byte) io.Reader {
	cp := make([]byte, len(b))
	copy(cp, b)
	return &sliceReader{data: cp}
}

type sliceReader struct {
	data []byte
	pos  int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// BufferEntity wraps the teacher's disk-spilling buffer.Buffer as a
// sharable cached-in-memory (or spilled-to-disk) entity: Buffer.Reader()
// already hands back a fresh reader backed by the same stored bytes/file on
// every call, which is exactly what a sharable entity needs.
type BufferEntity struct {
	Meta
	buf *buffer.Buffer
}

// NewBufferEntity adapts buf (already fully written and not yet closed)
// into a sharable HttpEntity.
func NewBufferEntity(buf *buffer.Buffer, contentType string) *BufferEntity {
	size := buf.Size()
	return &BufferEntity{Meta: Meta{CType: contentType, CLength: &size}, buf: buf}
}

func (b *BufferEntity) Body() ByteSource {
	r, err := b.buf.Reader()
	if err != nil {
		return &errorSource{err: err}
	}
	return newReaderSource(r)
}

type errorSource struct{ err error }

func (e *errorSource) Read(ctx context.Context) BodyFrame { return BodyFrame{Kind: BodyError, Err: e.err} }
func (e *errorSource) Close() error                       { return nil }
func (e *errorSource) AwaitEOF(ctx context.Context) error { return e.err }

// ThrottledSource wraps a ByteSource and enforces a maximum sustained read
// rate, used by the server writer's throttled-body peripheral.
type ThrottledSource struct {
	inner       ByteSource
	bytesPerSec int64
	start       time.Time
	delivered   int64
	mu          sync.Mutex
}

// Throttle wraps src so cumulative delivered bytes never outrun
// bytesPerSec on average, by delaying reads that would exceed the budget.
func Throttle(src ByteSource, bytesPerSec int64) ByteSource {
	if bytesPerSec <= 0 {
		return src
	}
	return &ThrottledSource{inner: src, bytesPerSec: bytesPerSec, start: time.Now()}
}

func (t *ThrottledSource) Read(ctx context.Context) BodyFrame {
	t.mu.Lock()
	elapsed := time.Since(t.start).Seconds()
	budget := int64(elapsed * float64(t.bytesPerSec))
	over := t.delivered - budget
	t.mu.Unlock()

	if over > 0 {
		wait := time.Duration(float64(over)/float64(t.bytesPerSec)*float64(time.Second))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return BodyFrame{Kind: BodyError, Err: context.Cause(ctx)}
		}
	}

	f := t.inner.Read(ctx)
	if f.Kind == BodyChunk {
		t.mu.Lock()
		t.delivered += int64(len(f.Data))
		t.mu.Unlock()
	}
	return f
}

func (t *ThrottledSource) Close() error                       { return t.inner.Close() }
func (t *ThrottledSource) AwaitEOF(ctx context.Context) error { return t.inner.AwaitEOF(ctx) }
