package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecode_PlaceRequest(t *testing.T) {
	cmd, err := Decode([]byte(`{"action":"place-entity","x":5,"y":-3,"buildingType":"House","LLMReasoning":"near the road"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.Action != ActionPlaceEntity {
		t.Fatalf("action=%v", cmd.Action)
	}
	if cmd.Position != (Position{X: 5, Y: -3}) {
		t.Fatalf("position=%v", cmd.Position)
	}
	if cmd.SubjectType != "House" || cmd.Annotation != "near the road" || cmd.Intensity != 0 {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestDecode_LegacyFields(t *testing.T) {
	cmd, err := Decode([]byte(`{"action":"place_building","x":1,"y":2,"buildingId":"Road"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.Action != ActionPlaceEntity || cmd.SubjectType != "Road" || cmd.Tag != "place_building" {
		t.Fatalf("unexpected command: %+v", cmd)
	}

	cmd, err = Decode([]byte(`{"action":"focus_position","x":3,"y":4,"Upgrade":8}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.Action != ActionFocusView || cmd.Intensity != 8 {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestDecode_UnknownActionIsNotAnError(t *testing.T) {
	cmd, err := Decode([]byte(`{"action":"launch_rockets"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.Action != ActionUnknown || cmd.Tag != "launch_rockets" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]string{
		"empty":          ``,
		"whitespace":     "  \n",
		"truncated":      `{"action":"get-st`,
		"not object":     `["get-stats"]`,
		"missing action": `{"x":1,"y":2}`,
		"empty action":   `{"action":""}`,
		"action type":    `{"action":7}`,
		"x type":         `{"action":"place-entity","x":"five"}`,
		"fractional y":   `{"action":"place-entity","y":1.5}`,
	}
	for name, raw := range cases {
		_, err := Decode([]byte(raw))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("%s: expected DecodeError, got %v", name, err)
		}
		res := de.Result()
		if res.Status != StatusError || res.Code != ErrProtoBadRequest {
			t.Fatalf("%s: unexpected result %+v", name, res)
		}
	}
}

func TestDecodeError_TooLarge(t *testing.T) {
	de := &DecodeError{Reason: "request too large", Err: ErrRequestTooLarge}
	if !errors.Is(de, ErrRequestTooLarge) {
		t.Fatalf("expected errors.Is ErrRequestTooLarge")
	}
	if got := de.Result().Message; got != "request too large" {
		t.Fatalf("message=%q", got)
	}
}

func TestParseAction(t *testing.T) {
	cases := map[string]Action{
		"place-entity":       ActionPlaceEntity,
		"PLACE_ENTITY":       ActionPlaceEntity,
		"demolish":           ActionRemoveEntity,
		"remove-entity":      ActionRemoveEntity,
		"upgrade":            ActionModifyEntity,
		"get_stats":          ActionGetStats,
		"get-map-info":       ActionGetMapInfo,
		"get_map":            ActionGetMapInfo,
		"get_buildings_data": ActionGetEntities,
		"focus-view":         ActionFocusView,
		" get-entities ":     ActionGetEntities,
		"unknown":            ActionUnknown,
		"":                   ActionUnknown,
	}
	for tag, want := range cases {
		if got := ParseAction(tag); got != want {
			t.Fatalf("ParseAction(%q)=%v want %v", tag, got, want)
		}
	}
	for _, tag := range KnownActions() {
		if ParseAction(tag).String() != tag {
			t.Fatalf("round trip failed for %q", tag)
		}
	}
}

func TestEncode_FlattensPayload(t *testing.T) {
	res := OK("", map[string]int{"money": 1000, "population": 0, "power": 0, "income": 0})
	b := Encode(res)
	if !strings.HasSuffix(string(b), "}\n") {
		t.Fatalf("expected newline-terminated object: %q", b)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, b)
	}
	want := map[string]any{"status": "success", "money": 1000.0, "population": 0.0, "power": 0.0, "income": 0.0}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s: got %v want %v", k, got[k], v)
		}
	}
}

func TestEncode_ErrorAndOddPayloads(t *testing.T) {
	b := Encode(Fail(ErrNoResource, `Not enough money! Need $100, have "$5"`))
	resp, err := DecodeResponse(b)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OK() || resp.Code != ErrNoResource || resp.Message != `Not enough money! Need $100, have "$5"` {
		t.Fatalf("unexpected response: %+v", resp)
	}

	b = Encode(Result{Status: StatusSuccess, Payload: json.RawMessage(`{ }`)})
	if string(b) != "{\"status\":\"success\"}\n" {
		t.Fatalf("unexpected encoding: %q", b)
	}

	b = Encode(Result{Status: StatusSuccess, Payload: json.RawMessage(`[1,2]`)})
	resp, err = DecodeResponse(b)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	var data []int
	if err := resp.Field("data", &data); err != nil || len(data) != 2 {
		t.Fatalf("data=%v err=%v", data, err)
	}

	// A zero Result still encodes as an error object.
	if string(Encode(Result{})) != "{\"status\":\"error\"}\n" {
		t.Fatalf("unexpected zero encoding: %q", Encode(Result{}))
	}
}

func TestEncode_PayloadCannotOverrideEnvelope(t *testing.T) {
	b := Encode(OK("hi", map[string]any{"status": "weird", "message": "x", "code": "E_FAKE", "money": 5}))
	if n := strings.Count(string(b), `"status"`); n != 1 {
		t.Fatalf("status written %d times: %s", n, b)
	}
	resp, err := DecodeResponse(b)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != StatusSuccess || resp.Message != "hi" || resp.Code != "" {
		t.Fatalf("envelope overridden: %+v", resp)
	}
	if len(resp.Fields) != 1 || resp.Int("money") != 5 {
		t.Fatalf("fields=%v", resp.Fields)
	}

	// Indented payloads still encode on one line.
	b = Encode(Result{Status: StatusSuccess, Payload: json.RawMessage("{\n  \"buildings\": [\n    1\n  ]\n}")})
	if string(b) != "{\"status\":\"success\",\"buildings\":[1]}\n" {
		t.Fatalf("unexpected encoding: %q", b)
	}
}

func TestCommandRequestRoundTrip(t *testing.T) {
	in := Command{
		Action:      ActionModifyEntity,
		Tag:         "upgrade",
		Position:    Position{X: 4, Y: 9},
		SubjectType: "PowerPlant",
		Intensity:   2,
		Annotation:  "more power",
	}
	out := in.Request().Command()
	if out != in {
		t.Fatalf("got %+v want %+v", out, in)
	}
}

func TestResponse_Int(t *testing.T) {
	resp, err := DecodeResponse([]byte(`{"status":"success","money":250,"name":"x"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Int("money") != 250 || resp.Int("name") != 0 || resp.Int("missing") != 0 {
		t.Fatalf("unexpected ints: %+v", resp)
	}
	if _, err := DecodeResponse([]byte(`{"message":"no status"}`)); err == nil {
		t.Fatalf("expected missing status error")
	}
}
