package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"citybridge.ai/internal/client"
)

func main() {
	var (
		addr    = flag.String("addr", "127.0.0.1:5050", "citybridge tcp address")
		demo    = flag.String("demo", "basic", "demo to run: basic|plan|random|llm|interactive")
		count   = flag.Int("n", 20, "buildings to place (random demo)")
		seed    = flag.Int64("seed", time.Now().UnixNano(), "random seed (random demo)")
		pause   = flag.Duration("pause", 500*time.Millisecond, "pause between placements")
		timeout = flag.Duration("timeout", 10*time.Second, "per-attempt bridge timeout")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cl := client.New(*addr)
	cl.Timeout = *timeout
	cl.Logger = logger
	p := newPlanner(cl, logger, *pause, *seed)

	var err error
	switch *demo {
	case "basic":
		err = p.runBasic(ctx)
	case "plan":
		err = p.runPlan(ctx)
	case "random":
		err = p.runRandom(ctx, *count)
	case "llm":
		err = p.runLLM(ctx)
	case "interactive":
		err = p.runInteractive(ctx, os.Stdin, os.Stdout)
	default:
		logger.Fatalf("unknown demo %q", *demo)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("%s: %v", *demo, err)
	}
	logger.Printf("%s done: placed=%d failed=%d", *demo, p.placed, p.failed)
}
