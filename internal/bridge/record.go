package bridge

import (
	"encoding/json"
	"time"

	"citybridge.ai/internal/protocol"
)

// CommandRecord describes one serviced request. Records are produced on the
// network side, never from the tick goroutine.
type CommandRecord struct {
	Seq       uint64           `json:"seq"`
	Time      time.Time        `json:"time"`
	Transport string           `json:"transport"`
	Remote    string           `json:"remote,omitempty"`
	Request   protocol.Request `json:"request"`
	Raw       string           `json:"raw,omitempty"` // set when the request did not decode
	Status    protocol.Status  `json:"status"`
	Code      string           `json:"code,omitempty"`
	Response  json.RawMessage  `json:"response"`
	LatencyMS float64          `json:"latency_ms"`
}

type Recorder interface {
	RecordCommand(rec CommandRecord) error
}

// MultiRecorder fans a record out to every non-nil recorder.
type MultiRecorder []Recorder

func (m MultiRecorder) RecordCommand(rec CommandRecord) error {
	var first error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.RecordCommand(rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}
