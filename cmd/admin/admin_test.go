package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"citybridge.ai/internal/bridge"
	"citybridge.ai/internal/persistence/indexdb"
	persistlog "citybridge.ai/internal/persistence/log"
	"citybridge.ai/internal/persistence/snapshot"
	"citybridge.ai/internal/protocol"
	"citybridge.ai/internal/sim/city"
)

func testSnapshot() snapshot.SnapshotV1 {
	return snapshot.SnapshotV1{
		Header:    snapshot.Header{Version: snapshot.Version, CityID: "city_1", Tick: 300},
		TickRate:  20,
		TurnTicks: 100,
		Map:       snapshot.MapV1{Width: 50, Height: 50, CenterX: 25, CenterY: 25},
		Turn:      3,
		Money:     640,
		Buildings: []snapshot.BuildingV1{
			{Type: "House", X: 1, Y: 1, Level: 1},
			{Type: "House", X: 2, Y: 1, Level: 2},
			{Type: "Road", X: 3, Y: 1, Level: 1},
		},
	}
}

func TestInspectSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), snapshot.FileName(300))
	if err := snapshot.WriteSnapshot(path, testSnapshot()); err != nil {
		t.Fatalf("write: %v", err)
	}

	var buf bytes.Buffer
	if err := inspectSnapshot(&buf, path, false); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	var sum snapshotSummary
	if err := json.Unmarshal(buf.Bytes(), &sum); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if sum.Header.Tick != 300 || sum.Money != 640 || sum.Buildings["House"] != 2 || sum.Buildings["Road"] != 1 {
		t.Fatalf("summary=%+v", sum)
	}
	if sum.Map == nil || sum.Map.Width != 50 {
		t.Fatalf("map=%+v", sum.Map)
	}

	buf.Reset()
	if err := inspectSnapshot(&buf, path, true); err != nil {
		t.Fatalf("header: %v", err)
	}
	if strings.Contains(buf.String(), `"buildings"`) || !strings.Contains(buf.String(), `"city_id":"city_1"`) {
		t.Fatalf("header output=%s", buf.String())
	}
}

func TestSummarizeLogs(t *testing.T) {
	cityDir := t.TempDir()
	cmdLog := persistlog.NewCommandLogger(cityDir)
	for i, code := range []string{"", protocol.ErrConflict, protocol.ErrConflict} {
		status := protocol.StatusSuccess
		if code != "" {
			status = protocol.StatusError
		}
		_ = cmdLog.RecordCommand(bridge.CommandRecord{
			Seq:     uint64(i + 1),
			Time:    time.Now(),
			Request: protocol.Request{Action: "place-entity", X: 1, Y: 1, BuildingType: "House"},
			Status:  status,
			Code:    code,
		})
	}
	if err := cmdLog.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	turnLog := persistlog.NewTurnLogger(cityDir)
	_ = turnLog.WriteTurn(city.TurnLogEntry{Tick: 99, Turn: 1})
	if err := turnLog.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var buf bytes.Buffer
	if err := summarizeLogs(&buf, cityDir); err != nil {
		t.Fatalf("summarize: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines=%q", lines)
	}
	var cmds logFileSummary
	if err := json.Unmarshal([]byte(lines[0]), &cmds); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmds.Records != 3 || cmds.Codes["success"] != 1 || cmds.Codes[protocol.ErrConflict] != 2 || cmds.Actions["place-entity"] != 3 {
		t.Fatalf("commands summary=%+v", cmds)
	}
	var turns logFileSummary
	if err := json.Unmarshal([]byte(lines[1]), &turns); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if turns.Records != 1 || !strings.Contains(turns.File, "turns-") {
		t.Fatalf("turns summary=%+v", turns)
	}

	if err := summarizeLogs(&buf, t.TempDir()); err == nil {
		t.Fatalf("empty city dir: expected error")
	}
}

func TestRunQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "city.sqlite")
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = idx.RecordCommand(bridge.CommandRecord{
		Seq:     7,
		Time:    time.Now(),
		Request: protocol.Request{Action: "remove-entity", X: 4, Y: 4},
		Status:  protocol.StatusError,
		Code:    protocol.ErrNotFound,
	})
	_ = idx.WriteTurn(city.TurnLogEntry{Tick: 199, Turn: 2, Money: 10})
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	idx, err = indexdb.OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	ctx := context.Background()

	var buf bytes.Buffer
	if err := runQuery(ctx, &buf, idx, "commands", protocol.ErrNotFound, 5); err != nil {
		t.Fatalf("commands: %v", err)
	}
	var row indexdb.CommandRow
	if err := json.Unmarshal(buf.Bytes(), &row); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if row.Seq != 7 || row.Action != "remove-entity" {
		t.Fatalf("row=%+v", row)
	}

	buf.Reset()
	if err := runQuery(ctx, &buf, idx, "turns", "", 5); err != nil {
		t.Fatalf("turns: %v", err)
	}
	if !strings.Contains(buf.String(), `"turn":2`) {
		t.Fatalf("turns=%s", buf.String())
	}

	buf.Reset()
	if err := runQuery(ctx, &buf, idx, "catalogs", "", 0); err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	if n := strings.Count(buf.String(), "\n"); n != 3 {
		t.Fatalf("catalog lines=%d", n)
	}

	if err := runQuery(ctx, &buf, idx, "agents", "", 0); err == nil {
		t.Fatalf("unknown query: expected error")
	}
}
