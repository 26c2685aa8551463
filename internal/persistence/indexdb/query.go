package indexdb

import (
	"context"
	"database/sql"
)

type CommandRow struct {
	ID           int64   `json:"id"`
	Seq          uint64  `json:"seq"`
	Time         string  `json:"time"`
	Transport    string  `json:"transport"`
	Remote       string  `json:"remote,omitempty"`
	Action       string  `json:"action"`
	X            int     `json:"x"`
	Y            int     `json:"y"`
	BuildingType string  `json:"building_type,omitempty"`
	Status       string  `json:"status"`
	Code         string  `json:"code,omitempty"`
	LatencyMS    float64 `json:"latency_ms"`
	ResponseJSON string  `json:"response_json"`
}

type SnapshotRow struct {
	Tick       uint64 `json:"tick"`
	Path       string `json:"path"`
	Turn       uint64 `json:"turn"`
	Money      int    `json:"money"`
	Population int    `json:"population"`
	Power      int    `json:"power"`
	Income     int    `json:"income"`
	Buildings  int    `json:"buildings"`
}

type TurnRow struct {
	Tick       uint64 `json:"tick"`
	Turn       uint64 `json:"turn"`
	Income     int    `json:"income"`
	Money      int    `json:"money"`
	Population int    `json:"population"`
	Power      int    `json:"power"`
	Buildings  int    `json:"buildings"`
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// RecentCommands returns the newest commands first. A non-empty code filters
// on the response code.
func (s *SQLiteIndex) RecentCommands(ctx context.Context, code string, limit int) ([]CommandRow, error) {
	var (
		rows *sql.Rows
		err  error
	)
	const cols = `id,seq,time,transport,remote,action,x,y,building_type,status,code,latency_ms,response_json`
	if code != "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+cols+` FROM commands WHERE code=? ORDER BY id DESC LIMIT ?`, code, clampLimit(limit))
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+cols+` FROM commands ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommandRow
	for rows.Next() {
		var r CommandRow
		var seq int64
		if err := rows.Scan(&r.ID, &seq, &r.Time, &r.Transport, &r.Remote, &r.Action, &r.X, &r.Y, &r.BuildingType, &r.Status, &r.Code, &r.LatencyMS, &r.ResponseJSON); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Snapshots(ctx context.Context, limit int) ([]SnapshotRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tick,path,turn,money,population,power,income,buildings FROM snapshots ORDER BY tick DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		var tick, turn int64
		if err := rows.Scan(&tick, &r.Path, &turn, &r.Money, &r.Population, &r.Power, &r.Income, &r.Buildings); err != nil {
			return nil, err
		}
		r.Tick, r.Turn = uint64(tick), uint64(turn)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Turns(ctx context.Context, limit int) ([]TurnRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tick,turn,income,money,population,power,buildings FROM turns ORDER BY tick DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TurnRow
	for rows.Next() {
		var r TurnRow
		var tick, turn int64
		if err := rows.Scan(&tick, &turn, &r.Income, &r.Money, &r.Population, &r.Power, &r.Buildings); err != nil {
			return nil, err
		}
		r.Tick, r.Turn = uint64(tick), uint64(turn)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CatalogDigest returns the stored digest for a catalog row, or "" when the
// row is absent.
func (s *SQLiteIndex) CatalogDigest(ctx context.Context, name string) (string, error) {
	var digest string
	err := s.db.QueryRowContext(ctx, `SELECT digest FROM catalogs WHERE name=?`, name).Scan(&digest)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return digest, err
}
