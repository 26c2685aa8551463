package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"citybridge.ai/internal/protocol"
)

// commander is the part of client.Client the planner needs.
type commander interface {
	Do(ctx context.Context, req protocol.Request) (protocol.Response, error)
}

type mapInfo struct {
	Width, Height          int
	MinX, MaxX, MinY, MaxY int
	CenterX, CenterY       int
}

type entity struct {
	BuildingType string `json:"buildingType"`
	X            int    `json:"x"`
	Y            int    `json:"y"`
	Level        int    `json:"level"`
}

// planner drives one city through the bridge the way the demo scripts do.
type planner struct {
	cl    commander
	log   *log.Logger
	pause time.Duration
	rng   *rand.Rand

	info *mapInfo

	placed, failed int
}

func newPlanner(cl commander, logger *log.Logger, pause time.Duration, seed int64) *planner {
	return &planner{cl: cl, log: logger, pause: pause, rng: rand.New(rand.NewSource(seed))}
}

func (p *planner) do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	resp, err := p.cl.Do(ctx, req)
	if err != nil {
		return resp, err
	}
	if !resp.OK() {
		p.log.Printf("%s failed: %s %s", req.Action, resp.Code, resp.Message)
	}
	return resp, nil
}

func (p *planner) wait(ctx context.Context, scale int) {
	if p.pause <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(scale) * p.pause):
	}
}

func (p *planner) mapInfo(ctx context.Context) (*mapInfo, error) {
	if p.info != nil {
		return p.info, nil
	}
	resp, err := p.do(ctx, protocol.Request{Action: protocol.ActionGetMapInfo.String()})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("get-map-info: %s", resp.Message)
	}
	m := &mapInfo{
		Width: resp.Int("width"), Height: resp.Int("height"),
		MinX: resp.Int("minX"), MaxX: resp.Int("maxX"),
		MinY: resp.Int("minY"), MaxY: resp.Int("maxY"),
		CenterX: resp.Int("centerX"), CenterY: resp.Int("centerY"),
	}
	p.log.Printf("map %dx%d x=[%d,%d] y=[%d,%d] center=(%d,%d)", m.Width, m.Height, m.MinX, m.MaxX, m.MinY, m.MaxY, m.CenterX, m.CenterY)
	p.info = m
	return m, nil
}

func (p *planner) place(ctx context.Context, typ string, x, y int, reasoning string) (bool, error) {
	resp, err := p.do(ctx, protocol.Request{
		Action:       protocol.ActionPlaceEntity.String(),
		X:            x,
		Y:            y,
		BuildingType: typ,
		LLMReasoning: reasoning,
	})
	if err != nil {
		return false, err
	}
	if resp.OK() {
		p.placed++
		p.log.Printf("%s", resp.Message)
	} else {
		p.failed++
	}
	return resp.OK(), nil
}

// placeSafe checks bounds locally before spending a round trip.
func (p *planner) placeSafe(ctx context.Context, typ string, x, y int, reasoning string) (bool, error) {
	m, err := p.mapInfo(ctx)
	if err != nil {
		return false, err
	}
	if x < m.MinX || x > m.MaxX || y < m.MinY || y > m.MaxY {
		p.log.Printf("skip %s at (%d,%d): outside x=[%d,%d] y=[%d,%d]", typ, x, y, m.MinX, m.MaxX, m.MinY, m.MaxY)
		p.failed++
		return false, nil
	}
	return p.place(ctx, typ, x, y, reasoning)
}

func (p *planner) demolish(ctx context.Context, x, y int) error {
	resp, err := p.do(ctx, protocol.Request{Action: protocol.ActionRemoveEntity.String(), X: x, Y: y})
	if err == nil && resp.OK() {
		p.log.Printf("demolished (%d,%d), refunded $%d", x, y, resp.Int("refund"))
	}
	return err
}

func (p *planner) upgrade(ctx context.Context, x, y, level int) error {
	resp, err := p.do(ctx, protocol.Request{Action: protocol.ActionModifyEntity.String(), X: x, Y: y, Upgrade: level})
	if err == nil && resp.OK() {
		p.log.Printf("upgraded (%d,%d) to level %d, cost $%d", x, y, level, resp.Int("cost"))
	}
	return err
}

func (p *planner) focus(ctx context.Context, x, y, zoom int) error {
	_, err := p.do(ctx, protocol.Request{Action: protocol.ActionFocusView.String(), X: x, Y: y, Upgrade: zoom})
	return err
}

func (p *planner) stats(ctx context.Context) (protocol.Response, error) {
	resp, err := p.do(ctx, protocol.Request{Action: protocol.ActionGetStats.String()})
	if err == nil && resp.OK() {
		p.log.Printf("population=%d power=%d money=$%d income=$%d/turn",
			resp.Int("population"), resp.Int("power"), resp.Int("money"), resp.Int("income"))
	}
	return resp, err
}

func (p *planner) buildings(ctx context.Context) ([]entity, error) {
	resp, err := p.do(ctx, protocol.Request{Action: protocol.ActionGetEntities.String()})
	if err != nil || !resp.OK() {
		return nil, err
	}
	var out []entity
	if err := resp.Field("buildings", &out); err != nil {
		return nil, err
	}
	p.log.Printf("buildings on map: %d", len(out))
	for _, b := range out {
		p.log.Printf("  %s L%d at (%d,%d)", b.BuildingType, b.Level, b.X, b.Y)
	}
	return out, nil
}

// runBasic exercises every action once around the map center.
func (p *planner) runBasic(ctx context.Context) error {
	m, err := p.mapInfo(ctx)
	if err != nil {
		return err
	}
	cx, cy := m.CenterX, m.CenterY
	if _, err := p.stats(ctx); err != nil {
		return err
	}
	steps := []struct {
		typ, why string
		dx       int
	}{
		{"PowerPlant", "Central power hub", 0},
		{"House", "Residential area", 1},
		{"Road", "Connect buildings", 2},
		{"Economic", "Generate income", 3},
	}
	for _, s := range steps {
		if _, err := p.place(ctx, s.typ, cx+s.dx, cy, s.why); err != nil {
			return err
		}
		p.wait(ctx, 1)
	}
	if _, err := p.stats(ctx); err != nil {
		return err
	}
	if _, err := p.buildings(ctx); err != nil {
		return err
	}
	if err := p.upgrade(ctx, cx, cy, 2); err != nil {
		return err
	}
	if err := p.demolish(ctx, cx+2, cy); err != nil {
		return err
	}
	return p.focus(ctx, cx, cy, 3)
}

// runPlan lays out power, a road cross, housing and commerce in phases.
func (p *planner) runPlan(ctx context.Context) error {
	m, err := p.mapInfo(ctx)
	if err != nil {
		return err
	}
	cx, cy := m.CenterX, m.CenterY
	if err := p.focus(ctx, cx, cy, 8); err != nil {
		return err
	}

	type spot struct {
		typ  string
		x, y int
		why  string
	}
	var phases [][]spot
	phases = append(phases, []spot{
		{"PowerPlant", cx, cy, "Main power plant"},
		{"PowerPlant", cx + 10, cy, "Backup power"},
	})
	var roads []spot
	for i := 0; i < 5; i++ {
		roads = append(roads, spot{"road", cx + i, cy + 3, fmt.Sprintf("Road segment %d", i+1)})
	}
	for i := 0; i < 5; i++ {
		roads = append(roads, spot{"road", cx + 2, cy + i, fmt.Sprintf("Road segment %d", i+6)})
	}
	phases = append(phases, roads)
	phases = append(phases, []spot{
		{"House", cx + 1, cy + 1, "Residential building 1"},
		{"House", cx + 3, cy + 1, "Residential building 2"},
		{"House", cx + 1, cy + 5, "Residential building 3"},
		{"House", cx + 3, cy + 5, "Residential building 4"},
	})
	phases = append(phases, []spot{
		{"economic", cx + 5, cy + 1, "Economic building 1"},
		{"economic", cx + 5, cy + 2, "Economic building 2"},
	})

	for i, phase := range phases {
		p.log.Printf("phase %d/%d", i+1, len(phases))
		for _, s := range phase {
			if _, err := p.placeSafe(ctx, s.typ, s.x, s.y, s.why); err != nil {
				return err
			}
			p.wait(ctx, 1)
		}
		if _, err := p.stats(ctx); err != nil {
			return err
		}
	}
	_, err = p.buildings(ctx)
	return err
}

// runRandom places up to n buildings at random spots, weighted toward
// housing, giving up after 3n attempts.
func (p *planner) runRandom(ctx context.Context, n int) error {
	m, err := p.mapInfo(ctx)
	if err != nil {
		return err
	}
	types := []string{"House", "road", "PowerPlant", "economic"}
	weights := []int{40, 30, 15, 15}
	total := 0
	for _, w := range weights {
		total += w
	}

	placed, attempts := 0, 0
	for placed < n && attempts < n*3 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempts++
		x := m.MinX + p.rng.Intn(m.MaxX-m.MinX+1)
		y := m.MinY + p.rng.Intn(m.MaxY-m.MinY+1)
		pick := p.rng.Intn(total)
		typ := types[len(types)-1]
		for i, w := range weights {
			if pick < w {
				typ = types[i]
				break
			}
			pick -= w
		}
		ok, err := p.place(ctx, typ, x, y, fmt.Sprintf("Random placement #%d", placed+1))
		if err != nil {
			return err
		}
		if ok {
			placed++
		}
		p.wait(ctx, 1)
	}
	p.log.Printf("placed %d buildings in %d attempts", placed, attempts)
	if _, err := p.stats(ctx); err != nil {
		return err
	}
	_, err = p.buildings(ctx)
	return err
}

type reasonedPlacement struct {
	Type      string
	X, Y      int
	Reasoning string
}

var llmPlacements = []reasonedPlacement{
	{"PowerPlant", 25, 25, "Establishing central power infrastructure as foundation for city growth."},
	{"road", 26, 25, "Creating main arterial road east from power plant to enable future development zones."},
	{"road", 25, 26, "Extending road network north to create grid pattern for efficient city layout."},
	{"House", 26, 26, "Placing residential unit near power and roads to maximize infrastructure efficiency."},
	{"economic", 27, 26, "Building economic center adjacent to residential area to generate income."},
	{"House", 26, 27, "Expanding residential capacity to increase population and city growth potential."},
	{"PowerPlant", 30, 30, "Adding secondary power plant to support future expansion."},
}

// runLLM replays a fixed plan whose every placement carries reasoning text.
func (p *planner) runLLM(ctx context.Context) error {
	if _, err := p.mapInfo(ctx); err != nil {
		return err
	}
	for i, a := range llmPlacements {
		p.log.Printf("decision %d/%d: %s at (%d,%d): %s", i+1, len(llmPlacements), a.Type, a.X, a.Y, a.Reasoning)
		if _, err := p.placeSafe(ctx, a.Type, a.X, a.Y, a.Reasoning); err != nil {
			return err
		}
		p.wait(ctx, 1)
		if (i+1)%3 == 0 {
			if _, err := p.stats(ctx); err != nil {
				return err
			}
		}
	}
	if _, err := p.stats(ctx); err != nil {
		return err
	}
	_, err := p.buildings(ctx)
	return err
}

const interactiveHelp = `commands:
  place <type> <x> <y>   place building (House/Road/PowerPlant/Economic)
  demolish <x> <y>       demolish building
  upgrade <x> <y> <lvl>  upgrade building
  stats                  show city stats
  map                    show map info
  buildings              list all buildings
  focus <x> <y> [zoom]   focus camera
  quit                   exit`

// runInteractive reads one command per line from in until quit or EOF.
func (p *planner) runInteractive(ctx context.Context, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, interactiveHelp)
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			return sc.Err()
		}
		f := strings.Fields(sc.Text())
		if len(f) == 0 {
			continue
		}
		if err := p.interactiveLine(ctx, f); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintln(out, err)
		}
	}
}

var errQuit = errors.New("quit")

func (p *planner) interactiveLine(ctx context.Context, f []string) error {
	ints := func(args []string, n int) ([]int, error) {
		if len(args) < n {
			return nil, fmt.Errorf("need %d numbers", n)
		}
		out := make([]int, len(args))
		for i, a := range args {
			v, err := strconv.Atoi(a)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", a)
			}
			out[i] = v
		}
		return out, nil
	}
	switch strings.ToLower(f[0]) {
	case "quit", "exit":
		return errQuit
	case "place":
		if len(f) < 4 {
			return fmt.Errorf("usage: place <type> <x> <y>")
		}
		xy, err := ints(f[2:4], 2)
		if err != nil {
			return err
		}
		_, err = p.placeSafe(ctx, f[1], xy[0], xy[1], "")
		return err
	case "demolish":
		xy, err := ints(f[1:], 2)
		if err != nil {
			return err
		}
		return p.demolish(ctx, xy[0], xy[1])
	case "upgrade":
		v, err := ints(f[1:], 3)
		if err != nil {
			return err
		}
		return p.upgrade(ctx, v[0], v[1], v[2])
	case "stats":
		_, err := p.stats(ctx)
		return err
	case "map":
		p.info = nil
		_, err := p.mapInfo(ctx)
		return err
	case "buildings":
		_, err := p.buildings(ctx)
		return err
	case "focus":
		v, err := ints(f[1:], 2)
		if err != nil {
			return err
		}
		zoom := 5
		if len(v) > 2 {
			zoom = v[2]
		}
		return p.focus(ctx, v[0], v[1], zoom)
	default:
		return fmt.Errorf("unknown command %q", f[0])
	}
}
