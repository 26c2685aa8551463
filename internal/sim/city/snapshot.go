package city

import (
	"fmt"

	"citybridge.ai/internal/persistence/snapshot"
	"citybridge.ai/internal/protocol"
)

// ExportSnapshot captures the full city state as of tick.
func (c *City) ExportSnapshot(tick uint64) snapshot.SnapshotV1 {
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version: snapshot.Version,
			CityID:  c.cfg.ID,
			Tick:    tick,
		},
		TickRate:           c.cfg.TickRateHz,
		TurnTicks:          c.cfg.TurnTicks,
		SnapshotEveryTicks: c.cfg.SnapshotEveryTicks,
		Map: snapshot.MapV1{
			Width:   c.cfg.Width,
			Height:  c.cfg.Height,
			CenterX: c.cfg.CenterX,
			CenterY: c.cfg.CenterY,
		},
		CatalogDigest: c.catalogs.Buildings.Digest,
		Turn:          c.turn,
		Money:         c.stats.Money,
		Population:    c.stats.Population,
		Power:         c.stats.Power,
		Income:        c.stats.Income,
		Camera:        snapshot.CameraV1{X: c.camera.X, Y: c.camera.Y, Zoom: c.camera.Zoom},
	}
	for _, b := range c.sortedBuildings() {
		snap.Buildings = append(snap.Buildings, snapshot.BuildingV1{
			Type:       b.Type,
			X:          b.Pos.X,
			Y:          b.Pos.Y,
			Level:      b.Level,
			PlacedTick: b.PlacedTick,
		})
	}
	return snap
}

// ImportSnapshot replaces city state with snap and resumes at the tick after
// it. It must be called before Run starts.
func (c *City) ImportSnapshot(snap snapshot.SnapshotV1) error {
	if snap.Header.Version != snapshot.Version {
		return fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	m := snap.Map
	if m.Width != c.cfg.Width || m.Height != c.cfg.Height || m.CenterX != c.cfg.CenterX || m.CenterY != c.cfg.CenterY {
		return fmt.Errorf("snapshot map %dx%d@(%d,%d) does not match config %dx%d@(%d,%d)",
			m.Width, m.Height, m.CenterX, m.CenterY, c.cfg.Width, c.cfg.Height, c.cfg.CenterX, c.cfg.CenterY)
	}
	if snap.CatalogDigest != "" && snap.CatalogDigest != c.catalogs.Buildings.Digest {
		c.log.Printf("snapshot catalog digest %s differs from loaded catalog %s", snap.CatalogDigest, c.catalogs.Buildings.Digest)
	}

	buildings := make(map[protocol.Position]*Building, len(snap.Buildings))
	for _, b := range snap.Buildings {
		def, ok := c.catalogs.Buildings.Lookup(b.Type)
		if !ok {
			return fmt.Errorf("snapshot building %q not in catalog", b.Type)
		}
		pos := protocol.Position{X: b.X, Y: b.Y}
		if !c.bounds.Contains(pos) {
			return fmt.Errorf("snapshot building %s at %s is off the map", b.Type, pos)
		}
		if _, dup := buildings[pos]; dup {
			return fmt.Errorf("snapshot has two buildings at %s", pos)
		}
		if b.Level < 1 {
			return fmt.Errorf("snapshot building at %s has level %d", pos, b.Level)
		}
		buildings[pos] = &Building{Type: def.ID, Pos: pos, Level: b.Level, PlacedTick: b.PlacedTick}
	}

	c.buildings = buildings
	c.stats = Stats{Money: snap.Money, Population: snap.Population, Power: snap.Power, Income: snap.Income}
	c.camera = Camera{X: snap.Camera.X, Y: snap.Camera.Y, Zoom: snap.Camera.Zoom}
	c.turn = snap.Turn
	c.tick.Store(snap.Header.Tick + 1)
	c.events = c.events[:0]
	c.refreshView()
	c.dirty = true
	return nil
}
