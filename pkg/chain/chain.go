// Package chain builds the connection chain a client outbound request
// needs: DNS resolution, a TCP dial, zero or more CONNECT tunnel hops, and
// an optional TLS layer over the result. It is grounded on the teacher's
// Transport.connect family (connectDirect / connectViaHTTPProxy /
// connectViaSOCKS5Proxy / upgradeTLS), generalized into a hop-by-hop
// builder instead of one monolithic method per proxy type.
package chain

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/corehttp/engine/pkg/auth"
	engerrors "github.com/corehttp/engine/pkg/errors"
	"github.com/corehttp/engine/pkg/timing"
	"github.com/corehttp/engine/pkg/tlsconfig"
	"github.com/corehttp/engine/pkg/tunnel"

	netproxy "golang.org/x/net/proxy"
)

// HopKind selects how a Hop reaches its address.
type HopKind int

const (
	// DirectTCP dials addr directly.
	DirectTCP HopKind = iota
	// HTTPConnect tunnels through an HTTP(S) forward proxy at addr via
	// CONNECT, then continues the chain to the next hop's address.
	HTTPConnect
	// SOCKS5 dials through a SOCKS5 proxy at addr using
	// golang.org/x/net/proxy, which also supports proxy-side DNS
	// resolution.
	SOCKS5
)

// Hop describes one link in the chain: either the final direct dial, or a
// forward proxy to bore through on the way to the next hop.
type Hop struct {
	Kind     HopKind
	Host     string
	Port     int
	Creds    auth.Credentials // optional
	ProxyTLS bool             // dial this hop itself over TLS (HTTPS proxy)
}

func (h Hop) addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// TLSOptions configures the final TLS layer applied after every hop has
// been traversed, mirroring the teacher's upgradeTLS precedence rules.
type TLSOptions struct {
	Enabled    bool
	ServerName string // empty uses TargetHost unless DisableSNI
	DisableSNI bool
	Config     *tls.Config // optional passthrough, cloned before use
	CACerts    [][]byte
	Insecure   bool
	MinVersion uint16
	MaxVersion uint16

	// Profile, if set, wins over MinVersion/MaxVersion: one of
	// tlsconfig.ProfileModern/Secure/Compatible/Legacy. It also drives the
	// cipher suite selection applied to the handshake config.
	Profile *tlsconfig.VersionProfile
}

// Plan is everything Build needs: the ordered proxy hops (possibly empty)
// followed by the final target, and the TLS options to apply last.
type Plan struct {
	Hops       []Hop
	TargetHost string
	TargetPort int
	DialTimeout time.Duration
	TLS        TLSOptions
	AuthCache  *auth.Cache
}

// Result carries the established connection plus the timing metrics
// accumulated while building it.
type Result struct {
	Conn     net.Conn
	Timer    *timing.Timer
	SNI      string
	Metadata *ConnectionMetadata
}

// ConnectionMetadata records debugging-grade provenance about a connection
// the chain builder established: its socket endpoints, the TLS session it
// negotiated (if any), and which proxy hop carried it. It mirrors the
// teacher's transport.ConnectionMetadata, trimmed to the fields the chain
// builder can actually observe from a net.Conn.
type ConnectionMetadata struct {
	LocalAddr    string
	RemoteAddr   string
	ConnectionID uint64

	TLSVersion     string
	TLSCipherSuite string
	TLSServerName  string
	TLSSessionID   string
	TLSResumed     bool
	// TLSDeprecated flags a negotiated version below TLS 1.2, per
	// tlsconfig.IsVersionDeprecated — worth surfacing to a caller deciding
	// whether to warn or refuse the connection outright.
	TLSDeprecated bool

	ProxyUsed bool
	ProxyType string
	ProxyAddr string

	// ConnectionReused is always false on the Result chain.Build returns;
	// engine.Client.Do stamps a copy with this set to true when the pool
	// hands the same holder back to a later request instead of dialing fresh.
	ConnectionReused bool
}

var connIDCounter uint64

func nextConnectionID() uint64 {
	return atomic.AddUint64(&connIDCounter, 1)
}


// Build dials every hop in order and layers TLS at the end if requested.
func Build(ctx context.Context, p Plan) (*Result, error) {
	timer := timing.NewTimer()

	if len(p.Hops) == 0 {
		conn, err := dialDirect(ctx, p.TargetHost, p.TargetPort, p.DialTimeout, timer)
		if err != nil {
			return nil, err
		}
		return finish(conn, p, timer)
	}

	first := p.Hops[0]
	if first.Kind == SOCKS5 {
		// golang.org/x/net/proxy's SOCKS5 dialer owns both the dial to the
		// proxy and the relay to the final target (and, by default,
		// resolves the target host via the proxy itself), so it replaces
		// the direct-dial step entirely rather than composing with it.
		conn, err := dialSOCKS5(ctx, first, p.TargetHost, p.TargetPort, p.DialTimeout)
		if err != nil {
			return nil, err
		}
		return finish(conn, p, timer)
	}

	conn, err := dialDirect(ctx, first.Host, first.Port, p.DialTimeout, timer)
	if err != nil {
		return nil, err
	}

	for i, hop := range p.Hops {
		if hop.Kind != HTTPConnect {
			conn.Close()
			return nil, engerrors.NewProxyError("chain", hop.addr(), "build", fmt.Errorf("hop %d: SOCKS5 may only appear as the first hop", i))
		}
		if hop.ProxyTLS {
			tconn, err := tlsHandshake(ctx, conn, hop.Host, nil, p.DialTimeout, timer)
			if err != nil {
				conn.Close()
				return nil, err
			}
			conn = tconn
		}

		nextHost, nextPort := p.TargetHost, p.TargetPort
		if i+1 < len(p.Hops) {
			nextHost, nextPort = p.Hops[i+1].Host, p.Hops[i+1].Port
		}

		if err := tunnel.Establish(ctx, conn, hop.addr(), tunnel.Target{Host: nextHost, Port: nextPort}, hop.Creds, p.AuthCache); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return finish(conn, p, timer)
}

func dialDirect(ctx context.Context, host string, port int, timeout time.Duration, timer *timing.Timer) (net.Conn, error) {
	timer.StartDNS()
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	timer.EndDNS()
	if err != nil {
		return nil, engerrors.NewDNSError(host, err)
	}
	if len(addrs) == 0 {
		return nil, engerrors.NewDNSError(host, fmt.Errorf("no addresses found"))
	}

	dialer := &net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(addrs[0], strconv.Itoa(port))

	timer.StartTCP()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	timer.EndTCP()
	if err != nil {
		return nil, engerrors.NewConnectionError(host, port, err)
	}
	return conn, nil
}

func dialSOCKS5(ctx context.Context, hop Hop, targetHost string, targetPort int, timeout time.Duration) (net.Conn, error) {
	var a *netproxy.Auth
	if hop.Creds.Username != "" {
		a = &netproxy.Auth{User: hop.Creds.Username, Password: hop.Creds.Password}
	}
	dialer, err := netproxy.SOCKS5("tcp", hop.addr(), a, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, engerrors.NewProxyError("socks5", hop.addr(), "dial-setup", err)
	}
	targetAddr := net.JoinHostPort(targetHost, strconv.Itoa(targetPort))
	if ctxDialer, ok := dialer.(netproxy.ContextDialer); ok {
		conn, err := ctxDialer.DialContext(ctx, "tcp", targetAddr)
		if err != nil {
			return nil, engerrors.NewProxyError("socks5", hop.addr(), "dial", err)
		}
		return conn, nil
	}
	conn, err := dialer.Dial("tcp", targetAddr)
	if err != nil {
		return nil, engerrors.NewProxyError("socks5", hop.addr(), "dial", err)
	}
	return conn, nil
}

func finish(conn net.Conn, p Plan, timer *timing.Timer) (*Result, error) {
	meta := baseMetadata(conn, p)

	if !p.TLS.Enabled {
		return &Result{Conn: conn, Timer: timer, Metadata: meta}, nil
	}
	sni := p.TLS.ServerName
	if sni == "" && !p.TLS.DisableSNI {
		sni = p.TargetHost
	}
	tlsConn, err := tlsHandshake(context.Background(), conn, sni, &p.TLS, p.DialTimeout, timer)
	if err != nil {
		conn.Close()
		return nil, engerrors.NewTLSError(p.TargetHost, p.TargetPort, err)
	}
	meta = baseMetadata(tlsConn, p)
	meta.TLSServerName = sni
	if state, ok := tlsConn.(*tls.Conn); ok {
		cs := state.ConnectionState()
		meta.TLSVersion = tlsconfig.GetVersionName(cs.Version)
		meta.TLSCipherSuite = tls.CipherSuiteName(cs.CipherSuite)
		meta.TLSDeprecated = tlsconfig.IsVersionDeprecated(cs.Version)
		meta.TLSResumed = cs.DidResume
		if len(cs.TLSUnique) > 0 {
			meta.TLSSessionID = hex.EncodeToString(cs.TLSUnique)
		}
	}
	return &Result{Conn: tlsConn, Timer: timer, SNI: sni, Metadata: meta}, nil
}

// baseMetadata captures the socket- and proxy-level facts available as soon
// as conn is established, before any TLS layering on top of it.
func baseMetadata(conn net.Conn, p Plan) *ConnectionMetadata {
	meta := &ConnectionMetadata{
		LocalAddr:    conn.LocalAddr().String(),
		RemoteAddr:   conn.RemoteAddr().String(),
		ConnectionID: nextConnectionID(),
	}
	if len(p.Hops) > 0 {
		meta.ProxyUsed = true
		meta.ProxyType = proxyTypeName(p.Hops[0])
		meta.ProxyAddr = p.Hops[0].addr()
	}
	return meta
}

func proxyTypeName(h Hop) string {
	switch h.Kind {
	case SOCKS5:
		return "socks5"
	case HTTPConnect:
		if h.ProxyTLS {
			return "https"
		}
		return "http"
	default:
		return "direct"
	}
}

func tlsHandshake(ctx context.Context, conn net.Conn, serverName string, opts *TLSOptions, timeout time.Duration, timer *timing.Timer) (net.Conn, error) {
	timer.StartTLS()
	defer timer.EndTLS()

	var cfg *tls.Config
	if opts != nil && opts.Config != nil {
		cfg = opts.Config.Clone()
		cfg.NextProtos = []string{"http/1.1"}
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12, NextProtos: []string{"http/1.1"}}
	}
	if serverName != "" {
		cfg.ServerName = serverName
	}
	if opts != nil {
		if opts.Insecure {
			cfg.InsecureSkipVerify = true
		}
		if opts.MinVersion > 0 {
			cfg.MinVersion = opts.MinVersion
		}
		if opts.MaxVersion > 0 {
			cfg.MaxVersion = opts.MaxVersion
		}
		if opts.Profile != nil {
			tlsconfig.ApplyVersionProfile(cfg, *opts.Profile)
		}
		tlsconfig.ApplyCipherSuites(cfg, cfg.MinVersion)
		if len(opts.CACerts) > 0 {
			pool := x509.NewCertPool()
			for _, pem := range opts.CACerts {
				pool.AppendCertsFromPEM(pem)
			}
			cfg.RootCAs = pool
		}
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}
