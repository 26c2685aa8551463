package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Catalogs struct {
	Buildings BuildingCatalog
}

type BuildingCatalog struct {
	// IDs is sorted; it fixes iteration order for metrics and snapshots.
	IDs    []string
	Defs   map[string]BuildingDef
	Digest string

	fold map[string]string // lower(id) -> id
}

// BuildingDef holds a building's price and the deltas it applies to city
// stats per level while it stands.
type BuildingDef struct {
	ID         string `json:"id"`
	Cost       int    `json:"cost"`
	Population int    `json:"population"`
	Power      int    `json:"power"`
	Money      int    `json:"money"`
	Income     int    `json:"income"`
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs
	if err := loadBuildings(filepath.Join(configDir, "buildings.json"), &c.Buildings); err != nil {
		return nil, err
	}
	return &c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadBuildings(path string, out *BuildingCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var defs []BuildingDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("buildings.json: %w", err)
	}
	if err := out.set(defs); err != nil {
		return fmt.Errorf("buildings.json: %w", err)
	}
	out.Digest = sha256Hex(raw)
	return nil
}

// NewBuildingCatalog builds a catalog from in-memory definitions. The
// digest covers the canonical JSON of defs sorted by id.
func NewBuildingCatalog(defs []BuildingDef) (BuildingCatalog, error) {
	var c BuildingCatalog
	if err := c.set(defs); err != nil {
		return c, err
	}
	sorted := make([]BuildingDef, 0, len(c.IDs))
	for _, id := range c.IDs {
		sorted = append(sorted, c.Defs[id])
	}
	b, _ := json.Marshal(sorted)
	c.Digest = sha256Hex(b)
	return c, nil
}

func (c *BuildingCatalog) set(defs []BuildingDef) error {
	c.Defs = make(map[string]BuildingDef, len(defs))
	c.fold = make(map[string]string, len(defs))
	for _, d := range defs {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			return fmt.Errorf("empty id")
		}
		if d.Cost < 0 {
			return fmt.Errorf("%s: negative cost", d.ID)
		}
		key := strings.ToLower(d.ID)
		if prev, dup := c.fold[key]; dup {
			return fmt.Errorf("duplicate id %q (already have %q)", d.ID, prev)
		}
		c.fold[key] = d.ID
		c.Defs[d.ID] = d
	}
	if len(c.Defs) == 0 {
		return fmt.Errorf("no buildings defined")
	}
	c.IDs = make([]string, 0, len(c.Defs))
	for id := range c.Defs {
		c.IDs = append(c.IDs, id)
	}
	sort.Strings(c.IDs)
	return nil
}

// Lookup resolves a building type case-insensitively ("road" finds "Road").
func (c BuildingCatalog) Lookup(name string) (BuildingDef, bool) {
	id, ok := c.fold[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return BuildingDef{}, false
	}
	return c.Defs[id], true
}
