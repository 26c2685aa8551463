package client

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"citybridge.ai/internal/protocol"
)

// fakeBridge answers each connection with reply(n, request), where n counts
// connections from 1. An empty reply closes the connection without writing.
func fakeBridge(t *testing.T, reply func(n int64, req string) string) (string, *atomic.Int64) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	var count atomic.Int64
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			n := count.Add(1)
			go func() {
				defer conn.Close()
				_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
				b, _ := io.ReadAll(conn)
				if out := reply(n, string(b)); out != "" {
					_, _ = io.WriteString(conn, out)
				}
			}()
		}
	}()
	return ln.Addr().String(), &count
}

func fastClient(addr string) *Client {
	c := New(addr)
	c.Timeout = 2 * time.Second
	c.RetryDelay = 5 * time.Millisecond
	return c
}

func TestClient_DoSendsRequestAndDecodes(t *testing.T) {
	var got atomic.Value
	addr, _ := fakeBridge(t, func(_ int64, req string) string {
		got.Store(req)
		return `{"status":"success","message":"ok","money":1000}` + "\n"
	})

	resp, err := fastClient(addr).Do(context.Background(), protocol.Request{Action: "get-stats", LLMReasoning: "check"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !resp.OK() || resp.Int("money") != 1000 {
		t.Fatalf("resp=%+v", resp)
	}
	req, _ := got.Load().(string)
	if !strings.Contains(req, `"action":"get-stats"`) || !strings.Contains(req, `"LLMReasoning":"check"`) {
		t.Fatalf("request=%q", req)
	}
}

func TestClient_RetriesTransportFailures(t *testing.T) {
	addr, count := fakeBridge(t, func(n int64, _ string) string {
		if n < 3 {
			return ""
		}
		return `{"status":"success","message":"ok"}`
	})

	resp, err := fastClient(addr).Do(context.Background(), protocol.Request{Action: "get-stats"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !resp.OK() || count.Load() != 3 {
		t.Fatalf("resp=%+v attempts=%d", resp, count.Load())
	}
}

func TestClient_GivesUpAfterRetries(t *testing.T) {
	addr, count := fakeBridge(t, func(int64, string) string { return "" })

	_, err := fastClient(addr).Do(context.Background(), protocol.Request{Action: "get-stats"})
	var te *TransportError
	if !errors.As(err, &te) || te.Attempts != 3 {
		t.Fatalf("err=%v", err)
	}
	if count.Load() != 3 {
		t.Fatalf("attempts=%d want=3", count.Load())
	}
}

func TestClient_RetriesRateLimitButNotTimeout(t *testing.T) {
	addr, count := fakeBridge(t, func(n int64, _ string) string {
		if n == 1 {
			return `{"status":"error","code":"E_RATE_LIMIT","message":"rate limited"}`
		}
		return `{"status":"error","code":"E_TIMEOUT","message":"Timed out waiting for game response"}`
	})

	resp, err := fastClient(addr).Do(context.Background(), protocol.Request{Action: "place-entity", X: 1, Y: 1, BuildingType: "Road"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Code != protocol.ErrTimeout || count.Load() != 2 {
		t.Fatalf("resp=%+v attempts=%d", resp, count.Load())
	}
}

func TestClient_ContextCancelStopsRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	c := fastClient(addr)
	c.RetryDelay = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Do(ctx, protocol.Request{Action: "get-stats"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
}
