package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"citybridge.ai/internal/bridge"
	"citybridge.ai/internal/persistence/snapshot"
	"citybridge.ai/internal/sim/catalogs"
	"citybridge.ai/internal/sim/city"
	"citybridge.ai/internal/sim/tuning"
)

// SQLiteIndex is a secondary read model. Writes are queued and applied by a
// single writer goroutine in batched transactions; when the queue is full
// they are dropped, since the JSONL logs remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// sendMu orders queue sends against close(ch).
	sendMu sync.RWMutex
	closed bool

	dropCommand  atomic.Uint64
	dropTurn     atomic.Uint64
	dropSnapshot atomic.Uint64
}

type QueueStats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	DropCommandTotal  uint64 `json:"drop_command_total"`
	DropTurnTotal     uint64 `json:"drop_turn_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
}

type reqKind int

const (
	reqCommand reqKind = iota + 1
	reqTurn
	reqSnapshot
)

type req struct {
	kind reqKind

	command  bridge.CommandRecord
	turn     city.TurnLogEntry
	snapshot snapshotRow
}

type snapshotRow struct {
	Tick       uint64
	Path       string
	Turn       uint64
	Money      int
	Population int
	Power      int
	Income     int
	Buildings  int
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-only workload; NORMAL sync is enough for a
	// secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS commands (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			seq INTEGER NOT NULL,
			time TEXT NOT NULL,
			transport TEXT NOT NULL,
			remote TEXT NOT NULL,
			action TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			building_type TEXT NOT NULL,
			status TEXT NOT NULL,
			code TEXT NOT NULL,
			latency_ms REAL NOT NULL,
			request_json TEXT NOT NULL,
			response_json TEXT NOT NULL,
			raw TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_action ON commands(action, id);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_code ON commands(code, id);`,
		`CREATE TABLE IF NOT EXISTS turns (
			tick INTEGER PRIMARY KEY,
			turn INTEGER NOT NULL,
			income INTEGER NOT NULL,
			money INTEGER NOT NULL,
			population INTEGER NOT NULL,
			power INTEGER NOT NULL,
			buildings INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			turn INTEGER NOT NULL,
			money INTEGER NOT NULL,
			population INTEGER NOT NULL,
			power INTEGER NOT NULL,
			income INTEGER NOT NULL,
			buildings INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.sendMu.Lock()
		s.closed = true
		close(s.ch)
		s.sendMu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() QueueStats {
	return QueueStats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropCommandTotal:  s.dropCommand.Load(),
		DropTurnTotal:     s.dropTurn.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

// offer queues r unless the queue is full. Writes after Close are ignored.
func (s *SQLiteIndex) offer(r req) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- r:
		return true
	default:
		return false
	}
}

func (s *SQLiteIndex) RecordCommand(rec bridge.CommandRecord) error {
	if s == nil {
		return nil
	}
	if !s.offer(req{kind: reqCommand, command: rec}) {
		s.dropCommand.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) WriteTurn(entry city.TurnLogEntry) error {
	if s == nil {
		return nil
	}
	if !s.offer(req{kind: reqTurn, turn: entry}) {
		s.dropTurn.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil {
		return
	}
	r := snapshotRow{
		Tick:       snap.Header.Tick,
		Path:       path,
		Turn:       snap.Turn,
		Money:      snap.Money,
		Population: snap.Population,
		Power:      snap.Power,
		Income:     snap.Income,
		Buildings:  len(snap.Buildings),
	}
	if !s.offer(req{kind: reqSnapshot, snapshot: r}) {
		s.dropSnapshot.Add(1)
	}
}

type catalogRow struct {
	name   string
	digest string
	json   []byte
}

// catalogRows returns the raw building catalog plus the canonical tuning
// actually applied.
func catalogRows(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) []catalogRow {
	var rows []catalogRow
	if configDir != "" {
		if b, err := os.ReadFile(filepath.Join(configDir, "buildings.json")); err == nil && len(b) > 0 {
			rows = append(rows, catalogRow{name: "buildings", digest: cats.Buildings.Digest, json: b})
		}
	}
	if b, err := json.Marshal(cats.Buildings.IDs); err == nil {
		sum := sha256.Sum256(b)
		rows = append(rows, catalogRow{name: "building_ids", digest: hex.EncodeToString(sum[:]), json: b})
	}
	if b, err := json.Marshal(tune); err == nil {
		sum := sha256.Sum256(b)
		rows = append(rows, catalogRow{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}
	return rows
}

func (s *SQLiteIndex) UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil || cats == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range catalogRows(configDir, cats, tune) {
		if r.name == "" || r.digest == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertCommand, _ := s.db.Prepare(`INSERT INTO commands(seq,time,transport,remote,action,x,y,building_type,status,code,latency_ms,request_json,response_json,raw) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertTurn, _ := s.db.Prepare(`INSERT OR REPLACE INTO turns(tick,turn,income,money,population,power,buildings) VALUES(?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,path,turn,money,population,power,income,buildings) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertCommand, insertTurn, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqCommand:
			c := r.command
			reqJSON, _ := json.Marshal(c.Request)
			resp := string(c.Response)
			if resp == "" {
				resp = "null"
			}
			exec(insertCommand,
				int64(c.Seq),
				c.Time.UTC().Format(time.RFC3339Nano),
				c.Transport,
				c.Remote,
				c.Request.Action,
				c.Request.X,
				c.Request.Y,
				c.Request.BuildingType,
				string(c.Status),
				c.Code,
				c.LatencyMS,
				string(reqJSON),
				resp,
				c.Raw,
			)
		case reqTurn:
			t := r.turn
			exec(insertTurn, int64(t.Tick), int64(t.Turn), t.Income, t.Money, t.Population, t.Power, t.Buildings)
		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, int64(sn.Tick), sn.Path, int64(sn.Turn), sn.Money, sn.Population, sn.Power, sn.Income, sn.Buildings)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0) {
			commit()
		}
	}

	commit()
}
