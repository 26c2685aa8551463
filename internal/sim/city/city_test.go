package city

import (
	"testing"

	"citybridge.ai/internal/protocol"
	"citybridge.ai/internal/sim/catalogs"
	"citybridge.ai/internal/sim/tuning"
)

func newTestCity(t *testing.T, mutate func(*Config)) *City {
	t.Helper()
	cats, err := catalogs.Load("../../../configs")
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	cfg := ConfigFromTuning("test", tuning.Defaults())
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, cats, nil)
	if err != nil {
		t.Fatalf("new city: %v", err)
	}
	return c
}

func do(t *testing.T, c *City, req protocol.Request) protocol.Response {
	t.Helper()
	res, err := c.HandleCommand(req.Command())
	if err != nil {
		t.Fatalf("%s: handle: %v", req.Action, err)
	}
	resp, err := protocol.DecodeResponse(protocol.Encode(res))
	if err != nil {
		t.Fatalf("%s: decode: %v", req.Action, err)
	}
	return resp
}

func place(t *testing.T, c *City, typ string, x, y int) protocol.Response {
	t.Helper()
	return do(t, c, protocol.Request{Action: "place_building", BuildingType: typ, X: x, Y: y})
}

func TestNewCity_InitialStats(t *testing.T) {
	c := newTestCity(t, nil)
	resp := do(t, c, protocol.Request{Action: "get-stats"})
	if !resp.OK() {
		t.Fatalf("resp=%+v", resp)
	}
	if resp.Int("money") != 1000 || resp.Int("population") != 0 || resp.Int("power") != 0 || resp.Int("income") != 0 {
		t.Fatalf("fields=%v", resp.Fields)
	}
	var deficit bool
	if err := resp.Field("powerDeficit", &deficit); err != nil || deficit {
		t.Fatalf("powerDeficit=%v err=%v", deficit, err)
	}
}

func TestMapInfo(t *testing.T) {
	c := newTestCity(t, nil)
	resp := do(t, c, protocol.Request{Action: "get_map"})
	want := map[string]int{"width": 50, "height": 50, "minX": 0, "maxX": 49, "minY": 0, "maxY": 49, "centerX": 25, "centerY": 25}
	for k, v := range want {
		if got := resp.Int(k); got != v {
			t.Fatalf("%s=%d want %d", k, got, v)
		}
	}
}

func TestPlaceEntity(t *testing.T) {
	c := newTestCity(t, nil)
	resp := place(t, c, "House", 25, 25)
	if !resp.OK() || resp.Message != "Placed House at (25,25)" {
		t.Fatalf("resp=%+v", resp)
	}
	if resp.Int("cost") != 100 || resp.Int("money") != 900 {
		t.Fatalf("fields=%v", resp.Fields)
	}
	stats := do(t, c, protocol.Request{Action: "get-stats"})
	if stats.Int("population") != 5 || stats.Int("power") != -1 || stats.Int("income") != 2 {
		t.Fatalf("stats=%v", stats.Fields)
	}
	var deficit bool
	_ = stats.Field("powerDeficit", &deficit)
	if !deficit {
		t.Fatalf("expected power deficit")
	}

	// Lookup ignores case; the canonical id is stored.
	if resp := place(t, c, "road", 26, 25); !resp.OK() {
		t.Fatalf("road: %+v", resp)
	}
	var typ string
	_ = place(t, c, "ROAD", 27, 25).Field("buildingType", &typ)
	if typ != "Road" {
		t.Fatalf("buildingType=%q", typ)
	}
}

func TestPlaceEntity_Failures(t *testing.T) {
	c := newTestCity(t, nil)
	if resp := place(t, c, "PowerPlant", 10, 10); !resp.OK() {
		t.Fatalf("setup: %+v", resp)
	}
	if resp := place(t, c, "PowerPlant", 11, 10); !resp.OK() {
		t.Fatalf("setup: %+v", resp)
	}

	cases := []struct {
		name string
		req  protocol.Request
		code string
		msg  string
	}{
		{"unknown type", protocol.Request{Action: "place-entity", BuildingType: "Castle", X: 1, Y: 1}, protocol.ErrBadRequest, "Unknown building type: Castle"},
		{"missing type", protocol.Request{Action: "place-entity", X: 1, Y: 1}, protocol.ErrBadRequest, "buildingType is required"},
		{"off map", protocol.Request{Action: "place-entity", BuildingType: "Road", X: 50, Y: 0}, protocol.ErrInvalidTarget, "No ground at (50,0)"},
		{"negative", protocol.Request{Action: "place-entity", BuildingType: "Road", X: -1, Y: 3}, protocol.ErrInvalidTarget, "No ground at (-1,3)"},
		{"occupied", protocol.Request{Action: "place-entity", BuildingType: "Road", X: 10, Y: 10}, protocol.ErrConflict, "Building already exists at (10,10)"},
		{"no money", protocol.Request{Action: "place-entity", BuildingType: "House", X: 1, Y: 1}, protocol.ErrNoResource, "Not enough money! Need $100, have $0"},
	}
	for _, tc := range cases {
		resp := do(t, c, tc.req)
		if resp.Status != protocol.StatusError || resp.Code != tc.code || resp.Message != tc.msg {
			t.Fatalf("%s: resp=%+v", tc.name, resp)
		}
	}
	if stats := do(t, c, protocol.Request{Action: "get-stats"}); stats.Int("money") != 0 || stats.Int("power") != 40 {
		t.Fatalf("failed commands changed state: %v", stats.Fields)
	}
}

func TestRemoveEntity(t *testing.T) {
	c := newTestCity(t, nil)
	place(t, c, "House", 5, 5)
	resp := do(t, c, protocol.Request{Action: "demolish", X: 5, Y: 5})
	if !resp.OK() || resp.Int("refund") != 50 || resp.Int("money") != 950 {
		t.Fatalf("resp=%+v", resp)
	}
	stats := do(t, c, protocol.Request{Action: "get-stats"})
	if stats.Int("population") != 0 || stats.Int("power") != 0 || stats.Int("income") != 0 {
		t.Fatalf("effects not reversed: %v", stats.Fields)
	}

	resp = do(t, c, protocol.Request{Action: "remove-entity", X: 5, Y: 5})
	if resp.Code != protocol.ErrNotFound || resp.Message != "No building at (5,5)" {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestModifyEntity(t *testing.T) {
	c := newTestCity(t, nil)
	place(t, c, "PowerPlant", 25, 25)

	resp := do(t, c, protocol.Request{Action: "upgrade", X: 25, Y: 25, Upgrade: 2})
	if !resp.OK() || resp.Int("cost") != 500 || resp.Int("level") != 2 || resp.Int("money") != 0 {
		t.Fatalf("resp=%+v", resp)
	}
	if stats := do(t, c, protocol.Request{Action: "get-stats"}); stats.Int("power") != 40 || stats.Int("income") != -10 {
		t.Fatalf("stats=%v", stats.Fields)
	}

	cases := []struct {
		req  protocol.Request
		code string
	}{
		{protocol.Request{Action: "upgrade", X: 25, Y: 25, Upgrade: 2}, protocol.ErrBadRequest},
		{protocol.Request{Action: "upgrade", X: 25, Y: 25, Upgrade: 9}, protocol.ErrBadRequest},
		{protocol.Request{Action: "upgrade", X: 25, Y: 25}, protocol.ErrNoResource},
		{protocol.Request{Action: "upgrade", X: 1, Y: 1, Upgrade: 2}, protocol.ErrNotFound},
		{protocol.Request{Action: "upgrade", X: 99, Y: 1, Upgrade: 2}, protocol.ErrInvalidTarget},
	}
	for i, tc := range cases {
		if resp := do(t, c, tc.req); resp.Code != tc.code {
			t.Fatalf("case %d: resp=%+v want %s", i, resp, tc.code)
		}
	}

	// Removing a level 2 building refunds half of everything invested.
	resp = do(t, c, protocol.Request{Action: "demolish", X: 25, Y: 25})
	if resp.Int("refund") != 500 {
		t.Fatalf("refund=%d", resp.Int("refund"))
	}
	if stats := do(t, c, protocol.Request{Action: "get-stats"}); stats.Int("power") != 0 || stats.Int("income") != 0 {
		t.Fatalf("stats=%v", stats.Fields)
	}
}

func TestGetEntities_SortedByXThenY(t *testing.T) {
	c := newTestCity(t, nil)
	for _, p := range [][2]int{{3, 9}, {1, 4}, {3, 2}, {2, 7}} {
		if resp := place(t, c, "Road", p[0], p[1]); !resp.OK() {
			t.Fatalf("place %v: %+v", p, resp)
		}
	}
	var got []entityJSON
	if err := do(t, c, protocol.Request{Action: "get_buildings_data"}).Field("buildings", &got); err != nil {
		t.Fatalf("buildings: %v", err)
	}
	want := [][2]int{{1, 4}, {2, 7}, {3, 2}, {3, 9}}
	if len(got) != len(want) {
		t.Fatalf("got=%+v", got)
	}
	for i, w := range want {
		if got[i].X != w[0] || got[i].Y != w[1] || got[i].BuildingType != "Road" || got[i].Level != 1 {
			t.Fatalf("entry %d=%+v want %v", i, got[i], w)
		}
	}
}

func TestGetEntities_EmptyIsArray(t *testing.T) {
	c := newTestCity(t, nil)
	res, _ := c.HandleCommand(protocol.Command{Action: protocol.ActionGetEntities})
	if string(res.Payload) != `{"buildings":[]}` {
		t.Fatalf("payload=%s", res.Payload)
	}
}

func TestFocusView(t *testing.T) {
	c := newTestCity(t, nil)
	cases := []struct {
		req        protocol.Request
		x, y, zoom int
	}{
		{protocol.Request{Action: "focus_position", X: 30, Y: 20, Upgrade: 3}, 30, 20, 3},
		{protocol.Request{Action: "focus-view", X: 10, Y: 10}, 10, 10, 5},
		{protocol.Request{Action: "focus-view", X: 500, Y: -500, Upgrade: 100}, 50, -50, 20},
		{protocol.Request{Action: "focus-view", X: 0, Y: 0, Upgrade: 1}, 0, 0, 2},
	}
	for i, tc := range cases {
		resp := do(t, c, tc.req)
		if !resp.OK() || resp.Int("x") != tc.x || resp.Int("y") != tc.y || resp.Int("zoom") != tc.zoom {
			t.Fatalf("case %d: resp=%+v", i, resp)
		}
	}
}

func TestHandleCommand_UnknownActionIsError(t *testing.T) {
	c := newTestCity(t, nil)
	if _, err := c.HandleCommand(protocol.Command{Action: protocol.ActionUnknown, Tag: "x"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestResponsesMatchSchema(t *testing.T) {
	c := newTestCity(t, nil)
	place(t, c, "House", 3, 3)
	for _, req := range []protocol.Request{
		{Action: "get-stats"},
		{Action: "get-map-info"},
		{Action: "get-entities"},
		{Action: "focus-view", X: 1, Y: 1},
		{Action: "place-entity", BuildingType: "Nope", X: 1, Y: 1},
		{Action: "upgrade", X: 3, Y: 3, Upgrade: 2},
		{Action: "demolish", X: 3, Y: 3},
	} {
		res, err := c.HandleCommand(req.Command())
		if err != nil {
			t.Fatalf("%s: %v", req.Action, err)
		}
		if err := protocol.ValidateResponse(protocol.Encode(res)); err != nil {
			t.Fatalf("%s: %v", req.Action, err)
		}
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cats, err := catalogs.Load("../../../configs")
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	cfg := ConfigFromTuning("x", tuning.Defaults())
	cfg.TickRateHz = 0
	if _, err := New(cfg, cats, nil); err == nil {
		t.Fatalf("expected tick rate error")
	}
	if _, err := New(ConfigFromTuning("x", tuning.Defaults()), &catalogs.Catalogs{}, nil); err == nil {
		t.Fatalf("expected empty catalog error")
	}
}
