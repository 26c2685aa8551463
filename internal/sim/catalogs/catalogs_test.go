package catalogs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_RepoConfig(t *testing.T) {
	cats, err := Load("../../../configs")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := cats.Buildings
	want := []string{"Economic", "House", "PowerPlant", "Road"}
	if len(b.IDs) != len(want) {
		t.Fatalf("ids=%v", b.IDs)
	}
	for i, id := range want {
		if b.IDs[i] != id {
			t.Fatalf("ids=%v want %v", b.IDs, want)
		}
	}
	if len(b.Digest) != 64 {
		t.Fatalf("digest=%q", b.Digest)
	}
}

func TestLookup_CaseInsensitive(t *testing.T) {
	c, err := NewBuildingCatalog([]BuildingDef{{ID: "Road", Cost: 10}, {ID: "PowerPlant", Cost: 500, Power: 20}})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	for _, name := range []string{"Road", "road", " ROAD "} {
		d, ok := c.Lookup(name)
		if !ok || d.ID != "Road" || d.Cost != 10 {
			t.Fatalf("lookup %q: ok=%v def=%+v", name, ok, d)
		}
	}
	if _, ok := c.Lookup("Castle"); ok {
		t.Fatalf("unknown building resolved")
	}
}

func TestNewBuildingCatalog_DigestIsOrderIndependent(t *testing.T) {
	a, err := NewBuildingCatalog([]BuildingDef{{ID: "A", Cost: 1}, {ID: "B", Cost: 2}})
	if err != nil {
		t.Fatalf("a: %v", err)
	}
	b, err := NewBuildingCatalog([]BuildingDef{{ID: "B", Cost: 2}, {ID: "A", Cost: 1}})
	if err != nil {
		t.Fatalf("b: %v", err)
	}
	if a.Digest != b.Digest {
		t.Fatalf("digest differs: %s vs %s", a.Digest, b.Digest)
	}
}

func TestLoad_RejectsBadCatalogs(t *testing.T) {
	cases := map[string]string{
		"empty_id":  `[{"id":"","cost":1}]`,
		"duplicate": `[{"id":"House","cost":1},{"id":"house","cost":2}]`,
		"negative":  `[{"id":"House","cost":-1}]`,
		"none":      `[]`,
		"garbage":   `{`,
	}
	for name, body := range cases {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "buildings.json"), []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Load(dir); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
