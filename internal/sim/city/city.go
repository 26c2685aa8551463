package city

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync/atomic"

	"citybridge.ai/internal/observerproto"
	"citybridge.ai/internal/persistence/snapshot"
	"citybridge.ai/internal/protocol"
	"citybridge.ai/internal/sim/catalogs"
	"citybridge.ai/internal/sim/tuning"
)

type Config struct {
	ID                 string
	TickRateHz         int
	TurnTicks          int
	SnapshotEveryTicks int

	StartingMoney  int
	RefundPermille int
	MaxLevel       int

	Width, Height    int
	CenterX, CenterY int

	MinZoom, MaxZoom, DefaultZoom int
	PanLimit                      int
}

func ConfigFromTuning(id string, t tuning.Tuning) Config {
	return Config{
		ID:                 id,
		TickRateHz:         t.TickRateHz,
		TurnTicks:          t.TurnTicks,
		SnapshotEveryTicks: t.SnapshotEveryTicks,
		StartingMoney:      t.City.StartingMoney,
		RefundPermille:     t.City.RefundPermille,
		MaxLevel:           t.City.MaxLevel,
		Width:              t.City.Map.Width,
		Height:             t.City.Map.Height,
		CenterX:            t.City.Map.CenterX,
		CenterY:            t.City.Map.CenterY,
		MinZoom:            t.City.Camera.MinZoom,
		MaxZoom:            t.City.Camera.MaxZoom,
		DefaultZoom:        t.City.Camera.DefaultZoom,
		PanLimit:           t.City.Camera.PanLimit,
	}
}

// Bounds is the inclusive ground rectangle.
type Bounds struct {
	MinX, MaxX, MinY, MaxY int
}

func (c Config) Bounds() Bounds {
	minX := c.CenterX - c.Width/2
	minY := c.CenterY - c.Height/2
	return Bounds{MinX: minX, MaxX: minX + c.Width - 1, MinY: minY, MaxY: minY + c.Height - 1}
}

func (b Bounds) Contains(p protocol.Position) bool {
	return p.X >= b.MinX && p.X <= b.MaxX && p.Y >= b.MinY && p.Y <= b.MaxY
}

type Stats struct {
	Money      int
	Population int
	Power      int
	Income     int
}

type Building struct {
	Type       string
	Pos        protocol.Position
	Level      int
	PlacedTick uint64
}

type Camera struct {
	X, Y, Zoom int
}

// TurnLogger receives one entry per processed turn.
type TurnLogger interface {
	WriteTurn(entry TurnLogEntry) error
}

type TurnLogEntry struct {
	Tick       uint64 `json:"tick"`
	Turn       uint64 `json:"turn"`
	Income     int    `json:"income"`
	Money      int    `json:"money"`
	Population int    `json:"population"`
	Power      int    `json:"power"`
	Buildings  int    `json:"buildings"`
}

// Publisher fans tick messages out to observers. Publish must not block.
type Publisher interface {
	Publish(msg observerproto.TickMsg)
}

// City is the command handler for the city simulation.
// All state must be accessed only from the goroutine that runs Run (or the
// single caller of HandleCommand/StepOnce when Run is not used).
type City struct {
	cfg      Config
	bounds   Bounds
	catalogs *catalogs.Catalogs
	log      *log.Logger

	tick atomic.Uint64
	turn uint64

	stats     Stats
	buildings map[protocol.Position]*Building
	camera    Camera

	events []observerproto.Event
	dirty  bool

	view atomic.Pointer[View]

	admin chan adminSnapshotReq

	turnLogger   TurnLogger
	publisher    Publisher
	snapshotSink chan<- snapshot.SnapshotV1
}

func New(cfg Config, cats *catalogs.Catalogs, logger *log.Logger) (*City, error) {
	if cats == nil || len(cats.Buildings.Defs) == 0 {
		return nil, errors.New("city: building catalog is empty")
	}
	if cfg.TickRateHz <= 0 {
		return nil, fmt.Errorf("city: tick rate must be > 0 (got %d)", cfg.TickRateHz)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("city: map size must be positive (got %dx%d)", cfg.Width, cfg.Height)
	}
	if cfg.MaxLevel < 1 {
		cfg.MaxLevel = 1
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	c := &City{
		cfg:       cfg,
		bounds:    cfg.Bounds(),
		catalogs:  cats,
		log:       logger,
		stats:     Stats{Money: cfg.StartingMoney},
		buildings: map[protocol.Position]*Building{},
		camera:    Camera{X: cfg.CenterX, Y: cfg.CenterY, Zoom: cfg.DefaultZoom},
		admin:     make(chan adminSnapshotReq, 16),
	}
	c.refreshView()
	// The first tick publishes the full building list.
	c.dirty = true
	return c, nil
}

func (c *City) SetTurnLogger(l TurnLogger)                    { c.turnLogger = l }
func (c *City) SetPublisher(p Publisher)                      { c.publisher = p }
func (c *City) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { c.snapshotSink = ch }

func (c *City) Config() Config      { return c.cfg }
func (c *City) Bounds() Bounds      { return c.bounds }
func (c *City) CurrentTick() uint64 { return c.tick.Load() }

func (c *City) Catalogs() *catalogs.Catalogs { return c.catalogs }

// sortedBuildings returns buildings ordered by x then y.
func (c *City) sortedBuildings() []*Building {
	out := make([]*Building, 0, len(c.buildings))
	for _, b := range c.buildings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pos.X != out[j].Pos.X {
			return out[i].Pos.X < out[j].Pos.X
		}
		return out[i].Pos.Y < out[j].Pos.Y
	})
	return out
}

func (c *City) applyEffects(def catalogs.BuildingDef, levels int) {
	c.stats.Population += def.Population * levels
	c.stats.Power += def.Power * levels
	c.stats.Money += def.Money * levels
	c.stats.Income += def.Income * levels
}

func (c *City) emit(ev observerproto.Event) {
	c.events = append(c.events, ev)
	c.dirty = true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
