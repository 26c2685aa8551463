package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"citybridge.ai/internal/bridge"
	"citybridge.ai/internal/sim/city"
)

// ReadJSONL decodes every line of a zstd JSONL file, calling fn for each.
// Files are read in full; a writer still holding the file open may leave a
// trailing partial frame, which is reported as an error.
func ReadJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return fmt.Errorf("%s:%d: %w", filepath.Base(path), n, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}

func ReadCommandLog(path string) ([]bridge.CommandRecord, error) {
	var out []bridge.CommandRecord
	err := ReadJSONL(path, func(line []byte) error {
		var rec bridge.CommandRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func ReadTurnLog(path string) ([]city.TurnLogEntry, error) {
	var out []city.TurnLogEntry
	err := ReadJSONL(path, func(line []byte) error {
		var e city.TurnLogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// CommandLogFiles lists command log files under dir in chronological order.
// The hour-stamped names sort lexically.
func CommandLogFiles(dir string) ([]string, error) {
	return logFiles(dir, "commands-")
}

func TurnLogFiles(dir string) ([]string, error) {
	return logFiles(dir, "turns-")
}

func logFiles(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".jsonl.zst") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}
