package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"citybridge.ai/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	cityID := fs.String("city", "city_1", "city id (ignored with -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	code := fs.String("code", "", "result code filter (commands)")
	_ = fs.Parse(args)

	q := "commands"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "cities", *cityID, "index", "city.sqlite")
	}
	// OpenSQLite creates missing files; an admin query never should.
	if _, err := os.Stat(path); err != nil {
		exitf(2, "open index: %v", err)
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		exitf(1, "open index: %v", err)
	}
	defer idx.Close()

	if err := runQuery(context.Background(), os.Stdout, idx, q, *code, *limit); err != nil {
		idx.Close()
		exitf(1, "%s: %v", q, err)
	}
}

func runQuery(ctx context.Context, w io.Writer, idx *indexdb.SQLiteIndex, q, code string, limit int) error {
	switch q {
	case "commands":
		rows, err := idx.RecentCommands(ctx, code, limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := writeJSON(w, r); err != nil {
				return err
			}
		}
	case "snapshots":
		rows, err := idx.Snapshots(ctx, limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := writeJSON(w, r); err != nil {
				return err
			}
		}
	case "turns":
		rows, err := idx.Turns(ctx, limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := writeJSON(w, r); err != nil {
				return err
			}
		}
	case "catalogs":
		for _, name := range []string{"buildings", "building_ids", "tuning"} {
			d, err := idx.CatalogDigest(ctx, name)
			if err != nil {
				return err
			}
			if err := writeJSON(w, map[string]string{"name": name, "digest": d}); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown query %q (commands|snapshots|turns|catalogs)", q)
	}
	return nil
}
