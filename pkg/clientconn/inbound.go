package clientconn

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/corehttp/engine/pkg/constants"
	"github.com/corehttp/engine/pkg/entity"
	engerrors "github.com/corehttp/engine/pkg/errors"
	"github.com/corehttp/engine/pkg/message"
)

// readWindow bounds how many body bytes a single fixed-length BodyFrame
// carries, so large responses stream rather than materializing in one
// BodyFrame.
const readWindow = 64 * 1024

// ReadHead parses a response status line and headers off t, grounded on
// the teacher's parseStatusLine/readHeaders (pkg/client/client.go). It
// enforces DefaultMaxHeadFieldLength/DefaultMaxHeadTotalLength the way the
// teacher's fixed-size raw buffer implicitly did.
func ReadHead(ctx context.Context, r *asyncReader) (*message.Response, error) {
	statusLine, err := r.ReadLine(ctx)
	if err != nil {
		return nil, err
	}
	status, version, err := parseStatusLine(statusLine)
	if err != nil {
		return nil, err
	}

	h := message.NewHeader()
	total := len(statusLine)
	for {
		line, err := r.ReadLine(ctx)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		total += len(line)
		if total > constants.DefaultMaxHeadTotalLength {
			return nil, engerrors.NewProtocolError("response head exceeds maximum size", nil)
		}
		if len(line) > constants.DefaultMaxHeadFieldLength {
			return nil, engerrors.NewProtocolError("response header field exceeds maximum size", nil)
		}
		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		if strings.EqualFold(key, "Set-Cookie") {
			// preserved separately below, but still indexed for Has/Get
		}
		h.Add(key, val)
	}

	resp := &message.Response{Version: version, Status: status, Header: h}
	for _, raw := range h.Values("Set-Cookie") {
		resp.Cookies = append(resp.Cookies, message.Cookie{Raw: raw})
	}
	return resp, nil
}

func parseStatusLine(line string) (message.Status, string, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return message.Status{}, "", engerrors.NewProtocolError(fmt.Sprintf("malformed status line %q", line), nil)
	}
	version := parts[0]
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return message.Status{}, "", engerrors.NewProtocolError(fmt.Sprintf("invalid status code in %q", line), err)
	}
	phrase := ""
	if len(parts) == 3 {
		phrase = parts[2]
	}
	return message.Status{Code: code, Phrase: phrase}, version, nil
}

// BodyFraming classifies how a response body (if any) is delimited, per
// RFC 9110 §6.4.1 as implemented in the teacher's readBody.
type BodyFraming int

const (
	// NoBody means the response must not carry a body (1xx, 204, 304, or a
	// response to HEAD).
	NoBody BodyFraming = iota
	FramingChunked
	FramingFixedLength
	FramingUntilClose
)

// ClassifyBody determines the framing for a response to a request with the
// given method.
func ClassifyBody(resp *message.Response, requestMethod string) (BodyFraming, error) {
	code := resp.Status.Code
	if requestMethod == "HEAD" || (code >= 100 && code < 200) || code == 204 || code == 304 {
		return NoBody, nil
	}
	if te := strings.TrimSpace(resp.Header.Get("Transfer-Encoding")); te != "" {
		if !strings.EqualFold(te, "chunked") {
			return NoBody, engerrors.NewProtocolError(fmt.Sprintf("unsupported Transfer-Encoding %q", te), nil)
		}
		return FramingChunked, nil
	}
	if resp.Header.Has("Content-Length") {
		return FramingFixedLength, nil
	}
	return FramingUntilClose, nil
}

// BuildBody constructs the entity.HttpEntity for resp's body given its
// framing, pulling bytes from r as the body is consumed.
func BuildBody(resp *message.Response, framing BodyFraming, r *asyncReader) (entity.HttpEntity, error) {
	contentType := resp.Header.Get("Content-Type")
	switch framing {
	case NoBody:
		return nil, nil
	case FramingChunked:
		return newChunkedEntity(r, contentType), nil
	case FramingFixedLength:
		length, err := strconv.ParseInt(strings.TrimSpace(resp.Header.Get("Content-Length")), 10, 64)
		if err != nil {
			return nil, engerrors.NewProtocolError("invalid content-length", err)
		}
		if length < 0 {
			return nil, engerrors.NewProtocolError("negative content-length not allowed", nil)
		}
		if length > constants.MaxContentLength {
			return nil, engerrors.NewProtocolError("content-length too large", nil)
		}
		return newFixedEntity(r, length, contentType), nil
	default:
		return newUntilCloseEntity(r, contentType), nil
	}
}

// --- fixed-length inbound source ---

type fixedSource struct {
	r         *asyncReader
	remaining int64
}

func newFixedEntity(r *asyncReader, length int64, contentType string) entity.HttpEntity {
	n := length
	return &inboundEntity{
		meta: entity.Meta{CType: contentType, CLength: &n},
		src:  &fixedSource{r: r, remaining: length},
	}
}

func (s *fixedSource) Read(ctx context.Context) entity.BodyFrame {
	if s.remaining <= 0 {
		return entity.BodyFrame{Kind: entity.BodyEOS}
	}
	want := readWindow
	if int64(want) > s.remaining {
		want = int(s.remaining)
	}
	data, eof, err := s.r.ReadSome(ctx, want)
	if err != nil {
		return entity.BodyFrame{Kind: entity.BodyError, Err: err}
	}
	if eof {
		// Teacher's readFixedBody tolerates a short body as a RFC
		// violation rather than a fatal error.
		s.remaining = 0
		return entity.BodyFrame{Kind: entity.BodyEOS}
	}
	s.remaining -= int64(len(data))
	return entity.BodyFrame{Kind: entity.BodyChunk, Data: data}
}

func (s *fixedSource) Close() error { return nil }
func (s *fixedSource) AwaitEOF(ctx context.Context) error {
	for s.remaining > 0 {
		f := s.Read(ctx)
		if f.Kind == entity.BodyError {
			return f.Err
		}
	}
	return nil
}

// --- chunked inbound source ---

type chunkedSource struct {
	r    *asyncReader
	done bool
}

func newChunkedEntity(r *asyncReader, contentType string) entity.HttpEntity {
	return &inboundEntity{
		meta: entity.Meta{CType: contentType},
		src:  &chunkedSource{r: r},
	}
}

func (s *chunkedSource) Read(ctx context.Context) entity.BodyFrame {
	if s.done {
		return entity.BodyFrame{Kind: entity.BodyEOS}
	}
	line, err := s.r.ReadLine(ctx)
	if err != nil {
		return entity.BodyFrame{Kind: entity.BodyError, Err: err}
	}
	sizeField := strings.SplitN(line, ";", 2)[0]
	size, err := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
	if err != nil {
		return entity.BodyFrame{Kind: entity.BodyError, Err: engerrors.NewProtocolError("invalid chunk size", err)}
	}
	if size == 0 {
		if err := s.drainTrailers(ctx); err != nil {
			return entity.BodyFrame{Kind: entity.BodyError, Err: err}
		}
		s.done = true
		return entity.BodyFrame{Kind: entity.BodyEOS}
	}

	data, err := s.r.ReadN(ctx, int(size), false)
	if err != nil {
		return entity.BodyFrame{Kind: entity.BodyError, Err: err}
	}
	if _, err := s.r.ReadN(ctx, 2, false); err != nil { // trailing CRLF
		return entity.BodyFrame{Kind: entity.BodyError, Err: err}
	}
	return entity.BodyFrame{Kind: entity.BodyChunk, Data: data}
}

func (s *chunkedSource) drainTrailers(ctx context.Context) error {
	for {
		line, err := s.r.ReadLine(ctx)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

func (s *chunkedSource) Close() error { s.done = true; return nil }
func (s *chunkedSource) AwaitEOF(ctx context.Context) error {
	for !s.done {
		if f := s.Read(ctx); f.Kind == entity.BodyError {
			return f.Err
		}
	}
	return nil
}

// --- until-close inbound source ---

type untilCloseSource struct {
	r    *asyncReader
	done bool
}

func newUntilCloseEntity(r *asyncReader, contentType string) entity.HttpEntity {
	return &inboundEntity{
		meta: entity.Meta{CType: contentType},
		src:  &untilCloseSource{r: r},
	}
}

func (s *untilCloseSource) Read(ctx context.Context) entity.BodyFrame {
	if s.done {
		return entity.BodyFrame{Kind: entity.BodyEOS}
	}
	data, eof, err := s.r.ReadSome(ctx, readWindow)
	if err != nil {
		return entity.BodyFrame{Kind: entity.BodyError, Err: err}
	}
	if eof {
		s.done = true
		return entity.BodyFrame{Kind: entity.BodyEOS}
	}
	return entity.BodyFrame{Kind: entity.BodyChunk, Data: data}
}

func (s *untilCloseSource) Close() error { s.done = true; return nil }
func (s *untilCloseSource) AwaitEOF(ctx context.Context) error {
	for !s.done {
		if f := s.Read(ctx); f.Kind == entity.BodyError {
			return f.Err
		}
	}
	return nil
}

// inboundEntity adapts any of the three source kinds above to
// entity.HttpEntity; inbound bodies are always single-shot (never
// sharable), matching the teacher's one-pass streaming reader.
type inboundEntity struct {
	meta entity.Meta
	src  entity.ByteSource
}

func (e *inboundEntity) Body() entity.ByteSource { return e.src }
func (e *inboundEntity) ContentType() string      { return e.meta.ContentType() }
func (e *inboundEntity) ContentLength() *int64     { return e.meta.ContentLength() }
func (e *inboundEntity) ContentEncoding() string   { return e.meta.ContentEncoding() }
func (e *inboundEntity) LastModified() time.Time   { return e.meta.LastModified() }
func (e *inboundEntity) Expires() time.Time        { return e.meta.Expires() }
func (e *inboundEntity) ETag() string              { return e.meta.ETag() }
