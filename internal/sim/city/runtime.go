package city

import (
	"context"
	"errors"
	"time"

	"citybridge.ai/internal/observerproto"
)

// Frame is work run once per tick before the simulation advances; the
// bridge executor is the production Frame.
type Frame interface {
	Tick() bool
}

type FrameFunc func() bool

func (f FrameFunc) Tick() bool { return f() }

// View is an immutable copy of city state published after every tick for
// readers on other goroutines.
type View struct {
	CityID    string                   `json:"city_id"`
	Tick      uint64                   `json:"tick"`
	Turn      uint64                   `json:"turn"`
	Stats     observerproto.Stats      `json:"stats"`
	Camera    observerproto.Camera     `json:"camera"`
	Buildings []observerproto.Building `json:"buildings"`
	UpdatedAt time.Time                `json:"updated_at"`
}

func (c *City) View() *View { return c.view.Load() }

func (c *City) Run(ctx context.Context, frame Frame) error {
	ticker := time.NewTicker(time.Second / time.Duration(c.cfg.TickRateHz))
	defer ticker.Stop()

	var pendingAdmin []adminSnapshotReq
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-c.admin:
			pendingAdmin = append(pendingAdmin, req)
		case <-ticker.C:
			c.step(frame)
			c.handleAdminSnapshotRequests(pendingAdmin)
			pendingAdmin = pendingAdmin[:0]
		}
	}
}

// StepOnce advances the city by a single tick using the same ordering as
// Run. It is intended for replays and tests.
func (c *City) StepOnce(frame Frame) uint64 {
	t := c.tick.Load()
	c.step(frame)
	return t
}

func (c *City) step(frame Frame) {
	t := c.tick.Load()

	if frame != nil {
		frame.Tick()
	}
	if c.cfg.TurnTicks > 0 && (t+1)%uint64(c.cfg.TurnTicks) == 0 {
		c.processTurn(t)
	}

	c.publish(t)
	if every := c.cfg.SnapshotEveryTicks; every > 0 && t > 0 && t%uint64(every) == 0 {
		c.exportToSink(t)
	}

	c.tick.Store(t + 1)
	if c.dirty || t%uint64(c.cfg.TickRateHz) == 0 {
		c.refreshView()
	} else {
		c.touchView(t + 1)
	}
	c.events = c.events[:0]
	c.dirty = false
}

func (c *City) processTurn(t uint64) {
	c.turn++
	c.stats.Money += c.stats.Income
	c.emit(observerproto.Event{Kind: "TURN", Amount: c.stats.Income})
	if c.turnLogger == nil {
		return
	}
	err := c.turnLogger.WriteTurn(TurnLogEntry{
		Tick:       t,
		Turn:       c.turn,
		Income:     c.stats.Income,
		Money:      c.stats.Money,
		Population: c.stats.Population,
		Power:      c.stats.Power,
		Buildings:  len(c.buildings),
	})
	if err != nil {
		c.log.Printf("turn %d log: %v", c.turn, err)
	}
}

func (c *City) statsMsg() observerproto.Stats {
	return observerproto.Stats{
		Money:        c.stats.Money,
		Population:   c.stats.Population,
		Power:        c.stats.Power,
		Income:       c.stats.Income,
		PowerDeficit: c.stats.Power < 0,
		Buildings:    len(c.buildings),
	}
}

func (c *City) cameraMsg() observerproto.Camera {
	return observerproto.Camera{X: c.camera.X, Y: c.camera.Y, Zoom: c.camera.Zoom}
}

func (c *City) buildingMsgs() []observerproto.Building {
	sorted := c.sortedBuildings()
	out := make([]observerproto.Building, 0, len(sorted))
	for _, b := range sorted {
		out = append(out, observerproto.Building{Type: b.Type, X: b.Pos.X, Y: b.Pos.Y, Level: b.Level})
	}
	return out
}

func (c *City) publish(t uint64) {
	if c.publisher == nil {
		return
	}
	msg := observerproto.TickMsg{
		Type:            observerproto.TypeTick,
		ProtocolVersion: observerproto.Version,
		CityID:          c.cfg.ID,
		Tick:            t,
		Turn:            c.turn,
		Stats:           c.statsMsg(),
		Camera:          c.cameraMsg(),
	}
	if len(c.events) > 0 {
		msg.Events = append([]observerproto.Event(nil), c.events...)
	}
	if c.dirty {
		msg.Buildings = c.buildingMsgs()
	}
	c.publisher.Publish(msg)
}

func (c *City) refreshView() {
	c.view.Store(&View{
		CityID:    c.cfg.ID,
		Tick:      c.tick.Load(),
		Turn:      c.turn,
		Stats:     c.statsMsg(),
		Camera:    c.cameraMsg(),
		Buildings: c.buildingMsgs(),
		UpdatedAt: time.Now().UTC(),
	})
}

// touchView republishes the previous view with a new tick, reusing its
// building list.
func (c *City) touchView(tick uint64) {
	prev := c.view.Load()
	if prev == nil {
		c.refreshView()
		return
	}
	v := *prev
	v.Tick = tick
	v.UpdatedAt = time.Now().UTC()
	c.view.Store(&v)
}

func (c *City) exportToSink(t uint64) bool {
	if c.snapshotSink == nil {
		return false
	}
	snap := c.ExportSnapshot(t)
	select {
	case c.snapshotSink <- snap:
		return true
	default:
		c.log.Printf("snapshot sink backpressure; skipped tick %d", t)
		return false
	}
}

type adminSnapshotReq struct {
	Resp chan adminSnapshotResp
}

type adminSnapshotResp struct {
	Tick uint64
	Err  string
}

// RequestSnapshot asks the tick goroutine to export a snapshot to the sink.
// It is safe to call from other goroutines (e.g. HTTP handlers).
func (c *City) RequestSnapshot(ctx context.Context) (tick uint64, err error) {
	resp := make(chan adminSnapshotResp, 1)
	select {
	case c.admin <- adminSnapshotReq{Resp: resp}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-resp:
		if r.Err != "" {
			return r.Tick, errors.New(r.Err)
		}
		return r.Tick, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *City) handleAdminSnapshotRequests(reqs []adminSnapshotReq) {
	if len(reqs) == 0 {
		return
	}
	cur := c.tick.Load()
	snapTick := uint64(0)
	if cur > 0 {
		snapTick = cur - 1
	}

	errStr := ""
	if c.snapshotSink == nil {
		errStr = "snapshot sink not configured"
	} else if !c.exportToSink(snapTick) {
		errStr = "snapshot sink backpressure"
	}

	resp := adminSnapshotResp{Tick: snapTick, Err: errStr}
	for _, r := range reqs {
		select {
		case r.Resp <- resp:
		default:
			// Caller gave up; never block the tick.
		}
	}
}
