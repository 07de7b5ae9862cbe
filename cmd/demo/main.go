package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	engine "github.com/corehttp/engine"
	"github.com/corehttp/engine/pkg/entity"
	"github.com/corehttp/engine/pkg/message"
	"github.com/corehttp/engine/pkg/pool"
	"github.com/corehttp/engine/pkg/respwriter"
)

func main() {
	fmt.Println("=== Connection Pooling Demo (loopback target) ===")

	addr, stop := startLoopbackServer()
	defer stop()

	host, port := addr.IP.String(), uint16(addr.Port)
	client := engine.NewClient(pool.DefaultLimits())
	ctx := context.Background()

	opts := engine.DefaultOptions(message.TcpAddress{Host: host, Port: port})
	opts.ReuseConnection = true

	fmt.Println("Making request 1...")
	resp1, metrics1, err := client.Do(ctx, message.NewRequest("GET", "/", "HTTP/1.1", host), nil, opts)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("  Status: %d %s\n", resp1.Status.Code, resp1.Status.Phrase)
	if metrics1 != nil {
		fmt.Printf("  TCP connect: %v\n", metrics1.TCPConnect)
	}
	if meta, ok := resp1.ConnectionMetadata.(*engine.ConnectionMetadata); ok {
		fmt.Printf("  Connection #%d: %s -> %s (reused=%v)\n", meta.ConnectionID, meta.LocalAddr, meta.RemoteAddr, meta.ConnectionReused)
	}

	time.Sleep(50 * time.Millisecond)

	fmt.Println("Making request 2...")
	resp2, metrics2, err := client.Do(ctx, message.NewRequest("GET", "/", "HTTP/1.1", host), nil, opts)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("  Status: %d %s\n", resp2.Status.Code, resp2.Status.Phrase)
	if meta, ok := resp2.ConnectionMetadata.(*engine.ConnectionMetadata); ok {
		fmt.Printf("  Connection #%d: %s -> %s (reused=%v)\n", meta.ConnectionID, meta.LocalAddr, meta.RemoteAddr, meta.ConnectionReused)
	}

	stats := client.PoolStats()
	fmt.Printf("\nPool stats: created=%d reused=%d\n", stats.TotalCreated, stats.TotalReused)
	if metrics2 == nil && stats.TotalReused > 0 {
		fmt.Println("SUCCESS: second request reused the pooled connection.")
	} else {
		fmt.Println("FAILURE: second request dialed fresh instead of reusing the pool.")
	}
}

// startLoopbackServer answers every request on a loopback listener with a
// fixed 2-byte body, keeping each connection open across requests so the
// pool has something to reuse.
func startLoopbackServer() (*net.TCPAddr, func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveLoopbackConn(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr), func() { ln.Close() }
}

func serveLoopbackConn(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)
	ctx := context.Background()
	for {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\r\n" {
				break
			}
		}
		resp := &message.Response{Version: "HTTP/1.1", Status: message.Status{Code: 200, Phrase: "OK"}, Header: message.NewHeader()}
		ent := entity.NewBytesEntity([]byte("ok"), "text/plain")
		if err := engine.WriteResponse(ctx, c, resp, ent, respwriter.DefaultLimits()); err != nil {
			return
		}
	}
}
