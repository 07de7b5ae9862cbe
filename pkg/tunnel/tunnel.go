// Package tunnel implements the HTTP CONNECT handshake used to bore through
// one or more forward proxies on the way to the final target, including the
// single allowed Basic/Digest authentication retry. It is grounded on the
// teacher's connectViaHTTPProxy, generalized from a one-shot dial helper
// into a step the connection chain builder can repeat per hop.
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/corehttp/engine/pkg/auth"
	engerrors "github.com/corehttp/engine/pkg/errors"
)

// Target is the host:port the tunnel should open a path to.
type Target struct {
	Host string
	Port int
}

func (t Target) addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Credentials optionally authenticates against the proxy.
type Credentials = auth.Credentials

// Establish performs the CONNECT handshake over conn (already dialed to the
// proxy) to reach target. proxyAddr identifies the proxy for error messages
// and the digest nonce cache key. creds may be zero-value for no
// authentication. cache may be nil if creds is zero-value.
//
// On a 407 Proxy Authentication Required challenge (Proxy-Authenticate), or
// a 401 origin challenge (WWW-Authenticate) from a proxy that itself
// front-ends authentication for the tunnel, Establish retries exactly once
// with credentials computed from the challenge; a second challenge of either
// kind after that retry is a hard authentication failure. It never loops on
// repeated challenges.
func Establish(ctx context.Context, conn net.Conn, proxyAddr string, target Target, creds Credentials, cache *auth.Cache) error {
	resp, err := roundTrip(conn, target, proxyAddr, "", "")
	if err != nil {
		return err
	}
	if resp.code == 200 {
		return nil
	}
	challenge, ok := challengeFor(resp.code)
	if !ok {
		return engerrors.NewTunnelError(proxyAddr, resp.code, fmt.Errorf("unexpected CONNECT response: %s", resp.line))
	}
	if creds.Username == "" {
		return engerrors.NewAuthError(proxyAddr, "authentication required but no credentials were supplied", nil)
	}

	challengeHeader := resp.headers.Get(challenge.challengeHeader)
	authValue, err := authorizationFor(challengeHeader, proxyAddr, target, creds, cache)
	if err != nil {
		return engerrors.NewAuthError(proxyAddr, "failed to compute authentication", err)
	}

	resp2, err := roundTrip(conn, target, proxyAddr, challenge.authHeader, authValue)
	if err != nil {
		return err
	}
	if resp2.code == 200 {
		return nil
	}
	if _, again := challengeFor(resp2.code); again {
		return engerrors.NewAuthError(proxyAddr, "credentials rejected after one retry", nil)
	}
	return engerrors.NewTunnelError(proxyAddr, resp2.code, fmt.Errorf("unexpected CONNECT response: %s", resp2.line))
}

// challengeKind pairs a challenge status code with the request/response
// header names used to carry it, so the 401 (origin) and 407 (proxy) paths
// share the same retry logic instead of duplicating it.
type challengeKind struct {
	challengeHeader string
	authHeader      string
}

func challengeFor(code int) (challengeKind, bool) {
	switch code {
	case 407:
		return challengeKind{challengeHeader: "Proxy-Authenticate", authHeader: "Proxy-Authorization"}, true
	case 401:
		return challengeKind{challengeHeader: "WWW-Authenticate", authHeader: "Authorization"}, true
	default:
		return challengeKind{}, false
	}
}

func authorizationFor(challengeHeader, proxyAddr string, target Target, creds Credentials, cache *auth.Cache) (string, error) {
	if challengeHeader == "" {
		return auth.Basic(creds), nil
	}
	if ch, ok := auth.ParseDigestChallenge(challengeHeader); ok {
		if cache == nil {
			cache = auth.NewCache()
		}
		return cache.Digest(proxyAddr, ch, creds, "CONNECT", target.addr())
	}
	if strings.HasPrefix(strings.ToLower(challengeHeader), "basic") {
		return auth.Basic(creds), nil
	}
	return "", fmt.Errorf("unsupported proxy authentication scheme: %s", challengeHeader)
}

type connectResponse struct {
	code    int
	line    string
	headers header
}

// header is a minimal write-once multimap sufficient for reading
// Proxy-Authenticate off a CONNECT response without importing pkg/message.
type header map[string][]string

func (h header) Get(key string) string {
	vs := h[strings.ToLower(key)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

func roundTrip(conn net.Conn, target Target, proxyAddr, authHeader, authValue string) (connectResponse, error) {
	addr := target.addr()
	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\n", addr)
	fmt.Fprintf(&b, "Host: %s\r\n", addr)
	b.WriteString("Proxy-Connection: keep-alive\r\n")
	if authHeader != "" && authValue != "" {
		fmt.Fprintf(&b, "%s: %s\r\n", authHeader, authValue)
	}
	b.WriteString("\r\n")

	if _, err := conn.Write([]byte(b.String())); err != nil {
		return connectResponse{}, engerrors.NewProxyError("http-connect", proxyAddr, "write", err)
	}

	r := bufio.NewReader(conn)
	statusLine, err := r.ReadString('\n')
	if err != nil {
		return connectResponse{}, engerrors.NewProxyError("http-connect", proxyAddr, "read-status", err)
	}
	code, err := parseStatusCode(statusLine)
	if err != nil {
		return connectResponse{}, engerrors.NewProxyError("http-connect", proxyAddr, "parse-status", err)
	}

	h := make(header)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return connectResponse{}, engerrors.NewProxyError("http-connect", proxyAddr, "read-headers", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		kv := strings.SplitN(trimmed, ":", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		h[key] = append(h[key], strings.TrimSpace(kv[1]))
	}

	if r.Buffered() > 0 {
		// The peer is not supposed to send tunnel bytes before our next
		// write, but if it raced ahead, unread bytes would be silently
		// lost without this check failing loudly.
		return connectResponse{}, engerrors.NewProxyError("http-connect", proxyAddr, "unexpected-data",
			fmt.Errorf("%d bytes buffered past CONNECT response headers", r.Buffered()))
	}

	return connectResponse{code: code, line: strings.TrimSpace(statusLine), headers: h}, nil
}

func parseStatusCode(line string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 2 {
		return 0, fmt.Errorf("malformed status line: %q", line)
	}
	return strconv.Atoi(parts[1])
}
