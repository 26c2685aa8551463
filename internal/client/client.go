// Package client is a TCP client for the command bridge. Each request uses
// its own connection: write one JSON object, half-close, read the reply.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"citybridge.ai/internal/protocol"
)

type Client struct {
	Addr string
	// Timeout bounds one attempt (dial, write and read). It should exceed
	// the server's bridge timeout.
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	Logger     *log.Logger
}

func New(addr string) *Client {
	return &Client{
		Addr:       addr,
		Timeout:    10 * time.Second,
		Retries:    3,
		RetryDelay: 200 * time.Millisecond,
	}
}

// TransportError reports that no response was obtained.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bridge unreachable after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Do sends req and decodes the reply. Transport failures and E_RATE_LIMIT
// are retried since neither reached the tick side; every other result,
// including E_TIMEOUT, is returned as is.
func (c *Client) Do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return protocol.Response{}, err
	}
	attempts := c.Retries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return protocol.Response{}, ctx.Err()
			case <-time.After(c.RetryDelay):
			}
		}
		b, err := c.DoRaw(ctx, raw)
		if err != nil {
			lastErr = err
			c.printf("attempt %d/%d action=%s: %v", attempt, attempts, req.Action, err)
			continue
		}
		resp, err := protocol.DecodeResponse(b)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Code == protocol.ErrRateLimit && attempt < attempts {
			lastErr = errors.New(resp.Message)
			continue
		}
		return resp, nil
	}
	if ctx.Err() != nil {
		return protocol.Response{}, ctx.Err()
	}
	return protocol.Response{}, &TransportError{Attempts: attempts, Err: lastErr}
}

// DoRaw performs one exchange without retries or decoding.
func (c *Client) DoRaw(ctx context.Context, raw []byte) ([]byte, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(raw); err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	b, err := io.ReadAll(io.LimitReader(conn, 4<<20))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return b, nil
}

func (c *Client) printf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}
