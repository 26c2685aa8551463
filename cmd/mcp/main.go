package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"citybridge.ai/internal/client"
	"citybridge.ai/internal/mcp"
)

func main() {
	var (
		listen     = flag.String("listen", "127.0.0.1:8090", "http listen address")
		bridgeAddr = flag.String("bridge", "127.0.0.1:5050", "citybridge tcp address")
		hmacSecret = flag.String("hmac-secret", "", "hmac secret (or set CB_MCP_HMAC_SECRET)")
		timeout    = flag.Duration("timeout", 10*time.Second, "per-attempt bridge timeout")
		retries    = flag.Int("retries", 3, "bridge attempts per tool call")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[mcp] ", log.LstdFlags|log.Lmicroseconds)

	secret := strings.TrimSpace(*hmacSecret)
	if secret == "" {
		secret = strings.TrimSpace(os.Getenv("CB_MCP_HMAC_SECRET"))
	}
	requireHMAC := envBoolWithDefault("CB_MCP_REQUIRE_HMAC", deployedEnv())
	if requireHMAC && secret == "" {
		logger.Fatalf("hmac secret required (set -hmac-secret or CB_MCP_HMAC_SECRET)")
	}
	if secret == "" && !loopbackHost(*listen) {
		logger.Fatalf("refusing insecure MCP bind on non-loopback address %q without hmac secret", *listen)
	}
	authMode := "none(loopback-only)"
	if secret != "" {
		authMode = "hmac"
	}
	logger.Printf("auth_mode=%s require_hmac=%t", authMode, requireHMAC)

	cl := client.New(*bridgeAddr)
	cl.Timeout = *timeout
	cl.Retries = *retries
	cl.Logger = logger

	srv, err := mcp.NewServer(mcp.Config{Bridge: cl, HMACSecret: secret, Logger: logger})
	if err != nil {
		logger.Fatalf("mcp: %v", err)
	}

	httpSrv := &http.Server{
		Addr:              *listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Printf("listening on http://%s (bridge=%s)", *listen, *bridgeAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("listen: %v", err)
	}
}

func deployedEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return true
	}
	return false
}

func envBoolWithDefault(key string, def bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return b
}

func loopbackHost(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		host = strings.TrimSpace(addr)
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}
