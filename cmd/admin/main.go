package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	persistlog "citybridge.ai/internal/persistence/log"
	"citybridge.ai/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "logs":
			logsCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "request-snapshot":
			requestSnapshotCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(filepath.Join(*dataDir, "cities"))
	if err != nil {
		exitf(1, "read: %v", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Println(e.Name())
		}
	}
}

// snapshotCmd prints the header and a summary of one snapshot: the path
// argument, or the latest one for -city.
func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	cityID := fs.String("city", "city_1", "city id (used when no path is given)")
	headerOnly := fs.Bool("header", false, "decode only the header line")
	_ = fs.Parse(args)

	path := strings.TrimSpace(fs.Arg(0))
	if path == "" {
		p, _, err := snapshot.Latest(filepath.Join(*dataDir, "cities", *cityID, "snapshots"))
		if err != nil {
			exitf(2, "no snapshot found for %s: %v", *cityID, err)
		}
		path = p
	}
	if err := inspectSnapshot(os.Stdout, path, *headerOnly); err != nil {
		exitf(1, "%v", err)
	}
}

type snapshotSummary struct {
	Path          string          `json:"path"`
	Header        snapshot.Header `json:"header"`
	TickRate      int             `json:"tick_rate_hz,omitempty"`
	TurnTicks     int             `json:"turn_ticks,omitempty"`
	Map           *snapshot.MapV1 `json:"map,omitempty"`
	CatalogDigest string          `json:"catalog_digest,omitempty"`
	Turn          uint64          `json:"turn"`
	Money         int             `json:"money"`
	Population    int             `json:"population"`
	Power         int             `json:"power"`
	Income        int             `json:"income"`
	Buildings     map[string]int  `json:"buildings,omitempty"`
}

func inspectSnapshot(w io.Writer, path string, headerOnly bool) error {
	if headerOnly {
		h, err := snapshot.ReadHeader(path)
		if err != nil {
			return err
		}
		return writeJSON(w, snapshotSummary{Path: path, Header: h})
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return err
	}
	sum := snapshotSummary{
		Path:          path,
		Header:        snap.Header,
		TickRate:      snap.TickRate,
		TurnTicks:     snap.TurnTicks,
		Map:           &snap.Map,
		CatalogDigest: snap.CatalogDigest,
		Turn:          snap.Turn,
		Money:         snap.Money,
		Population:    snap.Population,
		Power:         snap.Power,
		Income:        snap.Income,
		Buildings:     map[string]int{},
	}
	for _, b := range snap.Buildings {
		sum.Buildings[b.Type]++
	}
	return writeJSON(w, sum)
}

func logsCmd(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	cityID := fs.String("city", "city_1", "city id")
	_ = fs.Parse(args)

	if err := summarizeLogs(os.Stdout, filepath.Join(*dataDir, "cities", *cityID)); err != nil {
		exitf(1, "%v", err)
	}
}

type logFileSummary struct {
	File    string         `json:"file"`
	Records int            `json:"records"`
	Codes   map[string]int `json:"codes,omitempty"`
	Actions map[string]int `json:"actions,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// summarizeLogs prints one line per command and turn log file. A file that
// fails to read (usually the one the server still has open) is reported,
// not fatal.
func summarizeLogs(w io.Writer, cityDir string) error {
	cmdFiles, err := persistlog.CommandLogFiles(filepath.Join(cityDir, "commands"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, f := range cmdFiles {
		s := logFileSummary{File: f, Codes: map[string]int{}, Actions: map[string]int{}}
		recs, err := persistlog.ReadCommandLog(f)
		if err != nil {
			s.Error = err.Error()
		}
		for _, r := range recs {
			s.Records++
			code := r.Code
			if code == "" {
				code = string(r.Status)
			}
			s.Codes[code]++
			if r.Request.Action != "" {
				s.Actions[r.Request.Action]++
			}
		}
		if err := writeJSON(w, s); err != nil {
			return err
		}
	}

	turnFiles, err := persistlog.TurnLogFiles(filepath.Join(cityDir, "turns"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, f := range turnFiles {
		s := logFileSummary{File: f}
		entries, err := persistlog.ReadTurnLog(f)
		if err != nil {
			s.Error = err.Error()
		}
		s.Records = len(entries)
		if err := writeJSON(w, s); err != nil {
			return err
		}
	}
	if len(cmdFiles)+len(turnFiles) == 0 {
		return fmt.Errorf("no logs under %s", cityDir)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func exitf(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}
