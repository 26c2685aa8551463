package bridge

import (
	"fmt"
	"log"
	"runtime/debug"
	"sync/atomic"

	"citybridge.ai/internal/protocol"
)

// Executor runs on the simulation's tick goroutine and applies at most one
// pending command per Tick.
type Executor struct {
	mailbox *Mailbox
	handler Handler
	log     *log.Logger

	processed atomic.Uint64
	failed    atomic.Uint64
	panics    atomic.Uint64
	unknown   atomic.Uint64
	mutations atomic.Uint64
}

type ExecutorStats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Panics    uint64 `json:"panics"`
	Unknown   uint64 `json:"unknown_actions"`
	Mutations uint64 `json:"mutations"`
}

func NewExecutor(mb *Mailbox, h Handler, logger *log.Logger) *Executor {
	return &Executor{mailbox: mb, handler: h, log: orDiscard(logger)}
}

// Tick drains one pending command, if any, and deposits its result.
// It reports whether a command was processed.
func (e *Executor) Tick() bool {
	cmd, ok := e.mailbox.TryDrainCommand()
	if !ok {
		return false
	}
	res := e.dispatch(cmd)
	e.processed.Add(1)
	switch {
	case !res.OK():
		e.failed.Add(1)
	case cmd.Action.Mutates():
		e.mutations.Add(1)
	}
	e.mailbox.DepositResult(res)
	return true
}

func (e *Executor) dispatch(cmd protocol.Command) protocol.Result {
	if cmd.Action == protocol.ActionUnknown {
		e.unknown.Add(1)
		tag := cmd.Tag
		if tag == "" {
			tag = "<empty>"
		}
		return protocol.Failf(protocol.ErrUnknownAction, "unknown action: %s", tag)
	}
	return e.invoke(cmd)
}

func (e *Executor) invoke(cmd protocol.Command) (res protocol.Result) {
	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			e.log.Printf("handler panic action=%s: %v\n%s", cmd.Action, r, debug.Stack())
			res = protocol.Failf(protocol.ErrInternal, "handler panic: %v", r)
		}
	}()
	res, err := e.handler.HandleCommand(cmd)
	if err != nil {
		e.log.Printf("handler error action=%s: %v", cmd.Action, err)
		return protocol.Fail(protocol.ErrInternal, err.Error())
	}
	if res.Status == "" {
		return protocol.Fail(protocol.ErrInternal, fmt.Sprintf("handler returned no status for %s", cmd.Action))
	}
	if !protocol.IsKnownCode(res.Code) {
		e.log.Printf("handler returned unregistered code %q for %s", res.Code, cmd.Action)
	}
	return res
}

func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		Processed: e.processed.Load(),
		Failed:    e.failed.Load(),
		Panics:    e.panics.Load(),
		Unknown:   e.unknown.Load(),
		Mutations: e.mutations.Load(),
	}
}
