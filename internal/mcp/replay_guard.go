package mcp

import (
	"errors"
	"sync"
	"time"
)

// nonceWindow is how long a nonce stays claimed. x-ts may sit up to
// maxClockSkew on either side of now, so a captured request stays
// verifiable for twice the skew.
const nonceWindow = 2 * maxClockSkew

const (
	pruneAbove       = 4096
	maxTrackedNonces = 65536
)

var (
	errNonceReused = errors.New("nonce already used")
	errNonceFlood  = errors.New("too many outstanding nonces")
)

type nonceKey struct {
	agent string
	nonce string
}

// nonceGuard remembers agent+nonce pairs for the signature window so that a
// signed request is served at most once.
type nonceGuard struct {
	mu        sync.Mutex
	expires   map[nonceKey]time.Time
	window    time.Duration
	lastPrune time.Time
}

func newNonceGuard(window time.Duration) *nonceGuard {
	if window <= 0 {
		window = nonceWindow
	}
	return &nonceGuard{expires: map[nonceKey]time.Time{}, window: window}
}

// claim marks nonce as used by agent. Once the table is full it fails
// closed rather than forgetting live nonces.
func (g *nonceGuard) claim(agent, nonce string, now time.Time) error {
	k := nonceKey{agent: agent, nonce: nonce}

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.expires) > pruneAbove || now.Sub(g.lastPrune) > g.window/2 {
		g.pruneLocked(now)
	}
	if exp, ok := g.expires[k]; ok && now.Before(exp) {
		return errNonceReused
	}
	if len(g.expires) >= maxTrackedNonces {
		return errNonceFlood
	}
	g.expires[k] = now.Add(g.window)
	return nil
}

func (g *nonceGuard) pruneLocked(now time.Time) {
	for k, exp := range g.expires {
		if !now.Before(exp) {
			delete(g.expires, k)
		}
	}
	g.lastPrune = now
}

func (g *nonceGuard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.expires)
}
