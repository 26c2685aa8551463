package log

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"citybridge.ai/internal/bridge"
	"citybridge.ai/internal/protocol"
	"citybridge.ai/internal/sim/city"
)

func TestCommandLogger_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewCommandLogger(dir)

	recs := []bridge.CommandRecord{
		{
			Seq:       1,
			Time:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			Transport: bridge.TransportTCP,
			Remote:    "127.0.0.1:5000",
			Request:   protocol.Request{Action: "place_building", BuildingType: "House", X: 3, Y: 4, LLMReasoning: "homes first"},
			Status:    protocol.StatusSuccess,
			Response:  json.RawMessage(`{"status":"success","money":900}`),
			LatencyMS: 1.5,
		},
		{
			Seq:       2,
			Transport: bridge.TransportWS,
			Raw:       "{oops",
			Status:    protocol.StatusError,
			Code:      protocol.ErrProtoBadRequest,
			Response:  json.RawMessage(`{"status":"error","code":"E_PROTO_BAD_REQUEST","message":"bad request: malformed json"}`),
		},
	}
	for _, r := range recs {
		if err := l.RecordCommand(r); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := CommandLogFiles(filepath.Join(dir, "commands"))
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("files=%v", files)
	}
	got, err := ReadCommandLog(files[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("records=%d", len(got))
	}
	if got[0].Request.BuildingType != "House" || got[0].Request.LLMReasoning != "homes first" || got[0].Seq != 1 {
		t.Fatalf("first=%+v", got[0])
	}
	if got[1].Code != protocol.ErrProtoBadRequest || got[1].Raw != "{oops" {
		t.Fatalf("second=%+v", got[1])
	}
}

func TestJSONLZstdWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "commands")
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	if err := w.Write(map[string]int{"n": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := w.Write(map[string]int{"n": 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := CommandLogFiles(dir)
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) != 2 ||
		filepath.Base(files[0]) != "commands-2026-03-01-10.jsonl.zst" ||
		filepath.Base(files[1]) != "commands-2026-03-01-11.jsonl.zst" {
		t.Fatalf("files=%v", files)
	}
}

func TestJSONLZstdWriter_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	fixed := func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	for i := 0; i < 2; i++ {
		w := NewJSONLZstdWriter(dir, "commands")
		w.now = fixed
		if err := w.Write(bridge.CommandRecord{Seq: uint64(i + 1)}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	files, _ := CommandLogFiles(dir)
	if len(files) != 1 {
		t.Fatalf("files=%v", files)
	}
	got, err := ReadCommandLog(files[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 1 || got[1].Seq != 2 {
		t.Fatalf("records=%+v", got)
	}
}

func TestTurnLogger(t *testing.T) {
	dir := t.TempDir()
	l := NewTurnLogger(dir)
	if err := l.WriteTurn(city.TurnLogEntry{Tick: 99, Turn: 1, Income: 25, Money: 725}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	files, err := TurnLogFiles(filepath.Join(dir, "turns"))
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	got, err := ReadTurnLog(files[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 || got[0].Money != 725 || got[0].Turn != 1 {
		t.Fatalf("entries=%+v", got)
	}
}

var (
	_ bridge.Recorder = (*CommandLogger)(nil)
	_ city.TurnLogger = (*TurnLogger)(nil)
)

func TestCommandLogger_WriteAfterCloseFails(t *testing.T) {
	dir := t.TempDir()
	l := NewCommandLogger(dir)
	if err := l.RecordCommand(bridge.CommandRecord{Seq: 1}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.RecordCommand(bridge.CommandRecord{Seq: 2}); !errors.Is(err, ErrClosed) {
		t.Fatalf("record after close: %v", err)
	}
	files, _ := CommandLogFiles(filepath.Join(dir, "commands"))
	if len(files) != 1 {
		t.Fatalf("files=%v", files)
	}
	got, err := ReadCommandLog(files[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 || got[0].Seq != 1 {
		t.Fatalf("records=%+v", got)
	}
}
