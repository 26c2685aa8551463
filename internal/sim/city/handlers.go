package city

import (
	"fmt"

	"citybridge.ai/internal/observerproto"
	"citybridge.ai/internal/protocol"
)

// HandleCommand applies one command. It runs on the tick goroutine.
func (c *City) HandleCommand(cmd protocol.Command) (protocol.Result, error) {
	switch cmd.Action {
	case protocol.ActionPlaceEntity:
		return c.placeEntity(cmd), nil
	case protocol.ActionRemoveEntity:
		return c.removeEntity(cmd), nil
	case protocol.ActionModifyEntity:
		return c.modifyEntity(cmd), nil
	case protocol.ActionGetStats:
		return c.getStats(), nil
	case protocol.ActionGetMapInfo:
		return c.getMapInfo(), nil
	case protocol.ActionGetEntities:
		return c.getEntities(), nil
	case protocol.ActionFocusView:
		return c.focusView(cmd), nil
	default:
		return protocol.Result{}, fmt.Errorf("city: unhandled action %s", cmd.Action)
	}
}

func notEnoughMoney(need, have int) protocol.Result {
	return protocol.Failf(protocol.ErrNoResource, "Not enough money! Need $%d, have $%d", need, have)
}

func (c *City) placeEntity(cmd protocol.Command) protocol.Result {
	if cmd.SubjectType == "" {
		return protocol.Fail(protocol.ErrBadRequest, "buildingType is required")
	}
	def, ok := c.catalogs.Buildings.Lookup(cmd.SubjectType)
	if !ok {
		return protocol.Failf(protocol.ErrBadRequest, "Unknown building type: %s", cmd.SubjectType)
	}
	pos := cmd.Position
	if !c.bounds.Contains(pos) {
		return protocol.Failf(protocol.ErrInvalidTarget, "No ground at %s", pos)
	}
	if _, taken := c.buildings[pos]; taken {
		return protocol.Failf(protocol.ErrConflict, "Building already exists at %s", pos)
	}
	if c.stats.Money < def.Cost {
		return notEnoughMoney(def.Cost, c.stats.Money)
	}

	c.buildings[pos] = &Building{Type: def.ID, Pos: pos, Level: 1, PlacedTick: c.tick.Load()}
	c.applyEffects(def, 1)
	c.stats.Money -= def.Cost
	c.emit(observerproto.Event{Kind: "PLACE", Type: def.ID, X: pos.X, Y: pos.Y, Level: 1, Amount: def.Cost})
	c.log.Printf("placed %s at %s for $%d (money=%d)", def.ID, pos, def.Cost, c.stats.Money)

	return protocol.OK(fmt.Sprintf("Placed %s at %s", def.ID, pos), map[string]any{
		"buildingType": def.ID,
		"x":            pos.X,
		"y":            pos.Y,
		"cost":         def.Cost,
		"money":        c.stats.Money,
	})
}

func (c *City) removeEntity(cmd protocol.Command) protocol.Result {
	pos := cmd.Position
	if !c.bounds.Contains(pos) {
		return protocol.Failf(protocol.ErrInvalidTarget, "No ground at %s", pos)
	}
	b, ok := c.buildings[pos]
	if !ok {
		return protocol.Failf(protocol.ErrNotFound, "No building at %s", pos)
	}
	def, ok := c.catalogs.Buildings.Lookup(b.Type)
	if !ok {
		return protocol.Failf(protocol.ErrInternal, "building %s at %s missing from catalog", b.Type, pos)
	}

	delete(c.buildings, pos)
	c.applyEffects(def, -b.Level)
	refund := def.Cost * b.Level * c.cfg.RefundPermille / 1000
	c.stats.Money += refund
	c.emit(observerproto.Event{Kind: "REMOVE", Type: def.ID, X: pos.X, Y: pos.Y, Level: b.Level, Amount: refund})
	c.log.Printf("removed %s at %s, refunded $%d (money=%d)", def.ID, pos, refund, c.stats.Money)

	return protocol.OK(fmt.Sprintf("Removed %s at %s, refunded $%d", def.ID, pos, refund), map[string]any{
		"buildingType": def.ID,
		"x":            pos.X,
		"y":            pos.Y,
		"refund":       refund,
		"money":        c.stats.Money,
	})
}

// modifyEntity upgrades a building to the level given in Intensity, or one
// level up when Intensity is zero.
func (c *City) modifyEntity(cmd protocol.Command) protocol.Result {
	pos := cmd.Position
	if !c.bounds.Contains(pos) {
		return protocol.Failf(protocol.ErrInvalidTarget, "No ground at %s", pos)
	}
	b, ok := c.buildings[pos]
	if !ok {
		return protocol.Failf(protocol.ErrNotFound, "No building at %s", pos)
	}
	def, ok := c.catalogs.Buildings.Lookup(b.Type)
	if !ok {
		return protocol.Failf(protocol.ErrInternal, "building %s at %s missing from catalog", b.Type, pos)
	}

	target := cmd.Intensity
	if target == 0 {
		target = b.Level + 1
	}
	if target <= b.Level {
		return protocol.Failf(protocol.ErrBadRequest, "%s at %s is already level %d", b.Type, pos, b.Level)
	}
	if target > c.cfg.MaxLevel {
		return protocol.Failf(protocol.ErrBadRequest, "Level %d exceeds max level %d", target, c.cfg.MaxLevel)
	}
	delta := target - b.Level
	cost := def.Cost * delta
	if c.stats.Money < cost {
		return notEnoughMoney(cost, c.stats.Money)
	}

	b.Level = target
	c.applyEffects(def, delta)
	c.stats.Money -= cost
	c.emit(observerproto.Event{Kind: "UPGRADE", Type: def.ID, X: pos.X, Y: pos.Y, Level: target, Amount: cost})
	c.log.Printf("upgraded %s at %s to level %d for $%d (money=%d)", def.ID, pos, target, cost, c.stats.Money)

	return protocol.OK(fmt.Sprintf("Upgraded %s at %s to level %d", def.ID, pos, target), map[string]any{
		"buildingType": def.ID,
		"x":            pos.X,
		"y":            pos.Y,
		"cost":         cost,
		"level":        target,
		"money":        c.stats.Money,
	})
}

func (c *City) getStats() protocol.Result {
	return protocol.OK("", map[string]any{
		"money":        c.stats.Money,
		"population":   c.stats.Population,
		"power":        c.stats.Power,
		"income":       c.stats.Income,
		"turn":         c.turn,
		"powerDeficit": c.stats.Power < 0,
	})
}

func (c *City) getMapInfo() protocol.Result {
	return protocol.OK("", map[string]any{
		"width":   c.cfg.Width,
		"height":  c.cfg.Height,
		"minX":    c.bounds.MinX,
		"maxX":    c.bounds.MaxX,
		"minY":    c.bounds.MinY,
		"maxY":    c.bounds.MaxY,
		"centerX": c.cfg.CenterX,
		"centerY": c.cfg.CenterY,
	})
}

type entityJSON struct {
	BuildingType string `json:"buildingType"`
	X            int    `json:"x"`
	Y            int    `json:"y"`
	Level        int    `json:"level"`
}

func (c *City) getEntities() protocol.Result {
	sorted := c.sortedBuildings()
	out := make([]entityJSON, 0, len(sorted))
	for _, b := range sorted {
		out = append(out, entityJSON{BuildingType: b.Type, X: b.Pos.X, Y: b.Pos.Y, Level: b.Level})
	}
	return protocol.OK("", map[string]any{"buildings": out})
}

// focusView moves the camera. Intensity carries the zoom; zero means the
// default zoom.
func (c *City) focusView(cmd protocol.Command) protocol.Result {
	zoom := cmd.Intensity
	if zoom == 0 {
		zoom = c.cfg.DefaultZoom
	}
	lim := c.cfg.PanLimit
	cam := Camera{
		X:    clamp(cmd.Position.X, -lim, lim),
		Y:    clamp(cmd.Position.Y, -lim, lim),
		Zoom: clamp(zoom, c.cfg.MinZoom, c.cfg.MaxZoom),
	}
	if cam != c.camera {
		c.camera = cam
		c.emit(observerproto.Event{Kind: "FOCUS", X: cam.X, Y: cam.Y, Level: cam.Zoom})
	}
	return protocol.OK(fmt.Sprintf("Camera focused on (%d,%d)", cam.X, cam.Y), map[string]any{
		"x":    cam.X,
		"y":    cam.Y,
		"zoom": cam.Zoom,
	})
}
