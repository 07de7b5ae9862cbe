package chain

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

func echoListener(t *testing.T) (addr string, accepted chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	accepted = make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), accepted
}

func TestBuildDirectTCP(t *testing.T) {
	addr, accepted := echoListener(t)
	host, port := splitHostPort(t, addr)

	result, err := Build(context.Background(), Plan{
		TargetHost:  host,
		TargetPort:  port,
		DialTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer result.Conn.Close()

	select {
	case srv := <-accepted:
		srv.Close()
	case <-time.After(time.Second):
		t.Fatalf("listener never accepted a connection")
	}

	if result.Metadata == nil {
		t.Fatalf("expected connection metadata to be populated")
	}
	if result.Metadata.ProxyUsed {
		t.Fatalf("direct dial should not report ProxyUsed")
	}
	if result.Metadata.RemoteAddr == "" || result.Metadata.LocalAddr == "" {
		t.Fatalf("expected socket addresses on metadata, got %+v", result.Metadata)
	}
}

// fakeConnectProxy accepts one connection and answers every CONNECT request
// on it with 200, so a test can observe that Build traversed the hop.
func fakeConnectProxy(t *testing.T) (addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if strings.TrimRight(line, "\r\n") == "" {
					break
				}
			}
			if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestBuildSingleHTTPConnectHop(t *testing.T) {
	proxyHost, proxyPort := splitHostPort(t, fakeConnectProxy(t))

	result, err := Build(context.Background(), Plan{
		Hops: []Hop{
			{Kind: HTTPConnect, Host: proxyHost, Port: proxyPort},
		},
		TargetHost:  "example.com",
		TargetPort:  443,
		DialTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer result.Conn.Close()

	if !result.Metadata.ProxyUsed || result.Metadata.ProxyType != "http" {
		t.Fatalf("expected an http proxy hop recorded, got %+v", result.Metadata)
	}
	if result.Metadata.ProxyAddr != net.JoinHostPort(proxyHost, strconv.Itoa(proxyPort)) {
		t.Fatalf("unexpected proxy addr: %q", result.Metadata.ProxyAddr)
	}
}

func TestBuildRejectsSOCKS5AfterFirstHop(t *testing.T) {
	proxyHost, proxyPort := splitHostPort(t, fakeConnectProxy(t))

	_, err := Build(context.Background(), Plan{
		Hops: []Hop{
			{Kind: HTTPConnect, Host: proxyHost, Port: proxyPort},
			{Kind: SOCKS5, Host: "127.0.0.1", Port: 2},
		},
		TargetHost:  "example.com",
		TargetPort:  443,
		DialTimeout: time.Second,
	})
	if err == nil {
		t.Fatalf("expected an error for a SOCKS5 hop past index 0")
	}
}
