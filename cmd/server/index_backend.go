package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"citybridge.ai/internal/bridge"
	"citybridge.ai/internal/persistence/indexdb"
	"citybridge.ai/internal/persistence/snapshot"
	"citybridge.ai/internal/sim/catalogs"
	"citybridge.ai/internal/sim/city"
	"citybridge.ai/internal/sim/tuning"
)

type runtimeIndex interface {
	bridge.Recorder
	city.TurnLogger
	Close() error
	UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error
	RecordSnapshot(path string, snap snapshot.SnapshotV1)
}

func openRuntimeIndex(cityDir, cityID string, disableDB bool, logger *log.Logger) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("CB_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(sqliteIndexPath(cityDir))
	case "d1":
		endpoint := strings.TrimSpace(os.Getenv("CB_INDEX_D1_INGEST_URL"))
		if endpoint == "" {
			return nil, fmt.Errorf("CB_INDEX_BACKEND=d1 but CB_INDEX_D1_INGEST_URL is empty")
		}
		return indexdb.OpenD1(indexdb.D1Config{
			Endpoint:      endpoint,
			Token:         strings.TrimSpace(os.Getenv("CB_INDEX_D1_TOKEN")),
			CityID:        cityID,
			BatchSize:     envInt("CB_INDEX_D1_BATCH_SIZE", 128),
			FlushInterval: time.Duration(envInt("CB_INDEX_D1_FLUSH_MS", 500)) * time.Millisecond,
			Logger:        logger,
		})
	default:
		return nil, fmt.Errorf("unsupported CB_INDEX_BACKEND: %s", backend)
	}
}

func sqliteIndexPath(cityDir string) string {
	return filepath.Join(cityDir, "index", "city.sqlite")
}

// turnLoggers fans turn entries out like bridge.MultiRecorder does for commands.
type turnLoggers []city.TurnLogger

func (m turnLoggers) WriteTurn(e city.TurnLogEntry) error {
	var first error
	for _, l := range m {
		if l == nil {
			continue
		}
		if err := l.WriteTurn(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
