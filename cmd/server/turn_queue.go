package main

import (
	"log"
	"sync"
	"sync/atomic"

	"citybridge.ai/internal/sim/city"
)

// turnQueue moves turn log writes off the tick goroutine. Entries are
// dropped when the queue is full; Close drains what is queued.
type turnQueue struct {
	next city.TurnLogger
	log  *log.Logger

	ch   chan city.TurnLogEntry
	done chan struct{}
	once sync.Once

	dropped atomic.Uint64
	failed  atomic.Uint64
}

func newTurnQueue(next city.TurnLogger, size int, logger *log.Logger) *turnQueue {
	if size <= 0 {
		size = 64
	}
	q := &turnQueue{
		next: next,
		log:  logger,
		ch:   make(chan city.TurnLogEntry, size),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *turnQueue) run() {
	defer close(q.done)
	for e := range q.ch {
		if err := q.next.WriteTurn(e); err != nil {
			q.failed.Add(1)
			if q.log != nil {
				q.log.Printf("turn log tick=%d turn=%d: %v", e.Tick, e.Turn, err)
			}
		}
	}
}

// WriteTurn must not be called after Close; the city loop has stopped by then.
func (q *turnQueue) WriteTurn(e city.TurnLogEntry) error {
	select {
	case q.ch <- e:
	default:
		q.dropped.Add(1)
	}
	return nil
}

func (q *turnQueue) Close() {
	q.once.Do(func() {
		close(q.ch)
		<-q.done
	})
}
