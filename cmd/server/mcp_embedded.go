package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"citybridge.ai/internal/client"
	"citybridge.ai/internal/mcp"
)

type embeddedMCPCfg struct {
	// Listen is the HTTP listen address for the embedded MCP server.
	// Set to empty to disable.
	Listen string

	// BridgeAddr is the bridge TCP listen address; tool calls dial it like any
	// other client so they are logged and rate limited the same way.
	BridgeAddr string

	// HMACSecret overrides CB_MCP_HMAC_SECRET.
	HMACSecret string
}

type embeddedMCP struct {
	httpSrv *http.Server
	ln      net.Listener

	closeOnce sync.Once
}

func (e *embeddedMCP) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if e.httpSrv != nil {
			_ = e.httpSrv.Shutdown(ctx)
		}
		if e.ln != nil {
			_ = e.ln.Close()
		}
	})
}

func startEmbeddedMCP(ctx context.Context, cfg embeddedMCPCfg, logger *log.Logger) (*embeddedMCP, error) {
	listen := strings.TrimSpace(cfg.Listen)
	if listen == "" {
		if logger != nil {
			logger.Printf("embedded MCP disabled (mcp_listen empty)")
		}
		return nil, nil
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[mcp] ", log.LstdFlags|log.Lmicroseconds)
	}

	dial, err := bridgeDialAddr(cfg.BridgeAddr)
	if err != nil {
		return nil, err
	}

	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		secret = strings.TrimSpace(os.Getenv("CB_MCP_HMAC_SECRET"))
	}
	requireHMAC := envBool("CB_MCP_REQUIRE_HMAC", defaultRequireMCPHMAC())
	if requireHMAC && secret == "" {
		return nil, fmt.Errorf("hmac secret required (set -mcp_hmac_secret or CB_MCP_HMAC_SECRET)")
	}
	if secret == "" && !isLoopbackListenAddress(listen) {
		return nil, fmt.Errorf("refusing insecure MCP listen on non-loopback address %q without hmac secret", listen)
	}

	authMode := "none(loopback-only)"
	if secret != "" {
		authMode = "hmac"
	}
	logger.Printf("embedded_mcp auth_mode=%s require_hmac=%t", authMode, requireHMAC)

	cl := client.New(dial)
	cl.Logger = logger
	mcpSrv, err := mcp.NewServer(mcp.Config{Bridge: cl, HMACSecret: secret, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("mcp server: %w", err)
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("mcp listen: %w", err)
	}
	logger.Printf("embedded_mcp listening on http://%s (bridge=%s)", ln.Addr(), dial)

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           mcpSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	em := &embeddedMCP{httpSrv: httpSrv, ln: ln}

	go func() {
		<-ctx.Done()
		em.Close()
	}()
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Printf("embedded_mcp serve error: %v", err)
		}
	}()
	return em, nil
}

func defaultRequireMCPHMAC() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return true
	default:
		return false
	}
}

func isLoopbackListenAddress(addr string) bool {
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = strings.TrimSpace(h)
	}
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if host == "" {
		return false
	}
	hostLower := strings.ToLower(host)
	if hostLower == "localhost" {
		return true
	}
	ip := net.ParseIP(hostLower)
	return ip != nil && ip.IsLoopback()
}

// bridgeDialAddr turns a listen address into one a local client can dial.
// Wildcard hosts become 127.0.0.1.
func bridgeDialAddr(listenAddr string) (string, error) {
	addr := strings.TrimSpace(listenAddr)
	if addr == "" {
		return "", fmt.Errorf("empty bridge addr")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("bad bridge addr %q: %w", listenAddr, err)
	}
	if strings.TrimSpace(port) == "" {
		return "", fmt.Errorf("missing port in bridge addr %q", listenAddr)
	}
	h := strings.Trim(strings.TrimSpace(host), "[]")
	if h == "" || h == "0.0.0.0" || h == "::" || strings.EqualFold(h, "localhost") {
		h = "127.0.0.1"
	}
	return net.JoinHostPort(h, port), nil
}
