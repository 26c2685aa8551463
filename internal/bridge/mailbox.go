package bridge

import (
	"log"
	"sync"

	"citybridge.ai/internal/protocol"
)

type MailboxState int

const (
	StateEmpty MailboxState = iota
	StateCommandPending
	StateResultReady
)

func (s MailboxState) String() string {
	switch s {
	case StateCommandPending:
		return "command_pending"
	case StateResultReady:
		return "result_ready"
	default:
		return "empty"
	}
}

// Mailbox hands one Command from the network side to the tick side and one
// Result back. Every method takes the lock briefly and never blocks.
type Mailbox struct {
	mu  sync.Mutex
	log *log.Logger

	cmd          protocol.Command
	cmdSeq       uint64
	commandReady bool

	res         protocol.Result
	resultReady bool

	seq       uint64 // last ticket issued by Submit
	executing uint64 // ticket drained by the tick side and not yet deposited
	stale     uint64 // results for tickets <= stale are dropped
}

func NewMailbox(logger *log.Logger) *Mailbox {
	return &Mailbox{log: orDiscard(logger)}
}

// Submit stores cmd as pending and returns its ticket. The caller must only
// submit into an empty mailbox; a violation overwrites the slot and is logged.
func (m *Mailbox) Submit(cmd protocol.Command) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.commandReady {
		m.log.Printf("mailbox: submit overwrote pending command ticket=%d action=%s", m.cmdSeq, m.cmd.Action)
	}
	if m.resultReady {
		m.log.Printf("mailbox: submit discarded untaken result status=%s", m.res.Status)
		m.res = protocol.Result{}
		m.resultReady = false
	}
	m.seq++
	m.cmd = cmd
	m.cmdSeq = m.seq
	m.commandReady = true
	return m.seq
}

// TryDrainCommand is called from the tick side.
func (m *Mailbox) TryDrainCommand() (protocol.Command, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.commandReady {
		return protocol.Command{}, false
	}
	cmd := m.cmd
	m.executing = m.cmdSeq
	m.cmd = protocol.Command{}
	m.commandReady = false
	return cmd, true
}

// DepositResult stores the result of the most recently drained command.
// Results for abandoned tickets are dropped.
func (m *Mailbox) DepositResult(res protocol.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ticket := m.executing
	m.executing = 0
	if ticket == 0 {
		m.log.Printf("mailbox: result deposited with no command in flight; dropped")
		return
	}
	if ticket <= m.stale {
		m.log.Printf("mailbox: late result for abandoned ticket=%d dropped status=%s", ticket, res.Status)
		return
	}
	if m.resultReady {
		m.log.Printf("mailbox: deposit overwrote untaken result")
	}
	m.res = res
	m.resultReady = true
}

// TryTakeResult is called from the network side.
func (m *Mailbox) TryTakeResult() (protocol.Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.resultReady {
		return protocol.Result{}, false
	}
	res := m.res
	m.res = protocol.Result{}
	m.resultReady = false
	return res, true
}

// Abandon gives up on ticket: a still-pending command is withdrawn, a ready
// result is discarded and a later deposit for the ticket is dropped. It
// returns true if the command had not reached the tick side yet.
func (m *Mailbox) Abandon(ticket uint64) (withdrawn bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.commandReady && m.cmdSeq == ticket {
		m.cmd = protocol.Command{}
		m.commandReady = false
		withdrawn = true
	}
	if m.resultReady {
		m.res = protocol.Result{}
		m.resultReady = false
	}
	if ticket > m.stale {
		m.stale = ticket
	}
	return withdrawn
}

func (m *Mailbox) State() MailboxState {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.commandReady:
		return StateCommandPending
	case m.resultReady:
		return StateResultReady
	default:
		return StateEmpty
	}
}

// InFlight reports whether the tick side holds a drained command.
func (m *Mailbox) InFlight() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executing != 0
}
