package mcp

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"citybridge.ai/internal/protocol"
)

// tool maps an MCP tool onto one bridge action. Arguments are validated
// against inputSchema before build turns them into a request.
type tool struct {
	name        string
	description string
	inputSchema string
	build       func(args toolArgs) protocol.Request

	schema *jsonschema.Schema
}

type toolArgs struct {
	X            int    `json:"x"`
	Y            int    `json:"y"`
	BuildingType string `json:"building_type"`
	Level        int    `json:"level"`
	Zoom         int    `json:"zoom"`
	Reasoning    string `json:"reasoning"`
}

const noArgsSchema = `{"type":"object","properties":{"reasoning":{"type":"string"}},"additionalProperties":false}`

var tools = mustTools([]tool{
	{
		name:        "city.get_stats",
		description: "Get money, population, power, income, turn and whether power is in deficit.",
		inputSchema: noArgsSchema,
		build: func(a toolArgs) protocol.Request {
			return protocol.Request{Action: protocol.ActionGetStats.String(), LLMReasoning: a.Reasoning}
		},
	},
	{
		name:        "city.get_map_info",
		description: "Get map size and the inclusive coordinate bounds of buildable ground.",
		inputSchema: noArgsSchema,
		build: func(a toolArgs) protocol.Request {
			return protocol.Request{Action: protocol.ActionGetMapInfo.String(), LLMReasoning: a.Reasoning}
		},
	},
	{
		name:        "city.get_entities",
		description: "List all buildings with type, position and level, sorted by x then y.",
		inputSchema: noArgsSchema,
		build: func(a toolArgs) protocol.Request {
			return protocol.Request{Action: protocol.ActionGetEntities.String(), LLMReasoning: a.Reasoning}
		},
	},
	{
		name:        "city.place_entity",
		description: "Place a building (House, Road, PowerPlant, Economic) at x,y. Costs money.",
		inputSchema: `{
			"type":"object",
			"properties":{
				"x":{"type":"integer"},
				"y":{"type":"integer"},
				"building_type":{"type":"string","minLength":1},
				"reasoning":{"type":"string"}
			},
			"required":["x","y","building_type"],
			"additionalProperties":false
		}`,
		build: func(a toolArgs) protocol.Request {
			return protocol.Request{Action: protocol.ActionPlaceEntity.String(), X: a.X, Y: a.Y, BuildingType: a.BuildingType, LLMReasoning: a.Reasoning}
		},
	},
	{
		name:        "city.remove_entity",
		description: "Demolish the building at x,y for a partial refund.",
		inputSchema: `{
			"type":"object",
			"properties":{
				"x":{"type":"integer"},
				"y":{"type":"integer"},
				"reasoning":{"type":"string"}
			},
			"required":["x","y"],
			"additionalProperties":false
		}`,
		build: func(a toolArgs) protocol.Request {
			return protocol.Request{Action: protocol.ActionRemoveEntity.String(), X: a.X, Y: a.Y, LLMReasoning: a.Reasoning}
		},
	},
	{
		name:        "city.upgrade_entity",
		description: "Upgrade the building at x,y to level (default: next level).",
		inputSchema: `{
			"type":"object",
			"properties":{
				"x":{"type":"integer"},
				"y":{"type":"integer"},
				"level":{"type":"integer","minimum":0},
				"reasoning":{"type":"string"}
			},
			"required":["x","y"],
			"additionalProperties":false
		}`,
		build: func(a toolArgs) protocol.Request {
			return protocol.Request{Action: protocol.ActionModifyEntity.String(), X: a.X, Y: a.Y, Upgrade: a.Level, LLMReasoning: a.Reasoning}
		},
	},
	{
		name:        "city.focus_view",
		description: "Move the camera to x,y with an optional zoom.",
		inputSchema: `{
			"type":"object",
			"properties":{
				"x":{"type":"integer"},
				"y":{"type":"integer"},
				"zoom":{"type":"integer","minimum":0},
				"reasoning":{"type":"string"}
			},
			"required":["x","y"],
			"additionalProperties":false
		}`,
		build: func(a toolArgs) protocol.Request {
			return protocol.Request{Action: protocol.ActionFocusView.String(), X: a.X, Y: a.Y, Upgrade: a.Zoom, LLMReasoning: a.Reasoning}
		},
	},
})

func mustTools(list []tool) map[string]*tool {
	out := make(map[string]*tool, len(list))
	for i := range list {
		t := &list[i]
		t.schema = jsonschema.MustCompileString(t.name+".schema.json", t.inputSchema)
		out[t.name] = t
	}
	return out
}

func toolsList() []map[string]any {
	names := make([]string, 0, len(tools))
	for n := range tools {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]map[string]any, 0, len(names))
	for _, n := range names {
		t := tools[n]
		out = append(out, map[string]any{
			"name":        t.name,
			"description": t.description,
			"inputSchema": json.RawMessage(t.inputSchema),
		})
	}
	return out
}

// request validates raw arguments and builds the bridge request.
func (t *tool) request(raw json.RawMessage) (protocol.Request, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return protocol.Request{}, fmt.Errorf("bad arguments: %w", err)
	}
	if err := t.schema.Validate(v); err != nil {
		return protocol.Request{}, fmt.Errorf("bad arguments: %w", err)
	}
	var a toolArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return protocol.Request{}, fmt.Errorf("bad arguments: %w", err)
	}
	return t.build(a), nil
}
