package bridge

import (
	"io"
	"log"

	"citybridge.ai/internal/protocol"
)

// Handler executes a Command against simulation state. It is only ever
// called from the tick goroutine, one command at a time.
type Handler interface {
	HandleCommand(cmd protocol.Command) (protocol.Result, error)
}

type HandlerFunc func(cmd protocol.Command) (protocol.Result, error)

func (f HandlerFunc) HandleCommand(cmd protocol.Command) (protocol.Result, error) { return f(cmd) }

func orDiscard(l *log.Logger) *log.Logger {
	if l != nil {
		return l
	}
	return log.New(io.Discard, "", 0)
}
