package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const Version = "1.0"

// Action is the closed set of operations a client may request.
// Unknown tags decode to ActionUnknown and are rejected at dispatch.
type Action int

const (
	ActionUnknown Action = iota
	ActionPlaceEntity
	ActionRemoveEntity
	ActionModifyEntity
	ActionGetStats
	ActionGetMapInfo
	ActionGetEntities
	ActionFocusView
)

var actionTags = [...]string{
	ActionUnknown:      "unknown",
	ActionPlaceEntity:  "place-entity",
	ActionRemoveEntity: "remove-entity",
	ActionModifyEntity: "modify-entity",
	ActionGetStats:     "get-stats",
	ActionGetMapInfo:   "get-map-info",
	ActionGetEntities:  "get-entities",
	ActionFocusView:    "focus-view",
}

// Tags used by the original city builder clients.
var actionAliases = map[string]Action{
	"place_building":     ActionPlaceEntity,
	"demolish":           ActionRemoveEntity,
	"upgrade":            ActionModifyEntity,
	"get_map":            ActionGetMapInfo,
	"get_buildings_data": ActionGetEntities,
	"focus_position":     ActionFocusView,
}

func (a Action) String() string {
	if a < 0 || int(a) >= len(actionTags) {
		return actionTags[ActionUnknown]
	}
	return actionTags[a]
}

// Mutates reports whether the action changes simulation state.
func (a Action) Mutates() bool {
	switch a {
	case ActionPlaceEntity, ActionRemoveEntity, ActionModifyEntity, ActionFocusView:
		return true
	default:
		return false
	}
}

func ParseAction(tag string) Action {
	t := strings.ToLower(strings.TrimSpace(tag))
	if t == "" {
		return ActionUnknown
	}
	if a, ok := actionAliases[t]; ok {
		return a
	}
	t = strings.ReplaceAll(t, "_", "-")
	for i := ActionPlaceEntity; int(i) < len(actionTags); i++ {
		if actionTags[i] == t {
			return i
		}
	}
	return ActionUnknown
}

// KnownActions returns the canonical tags in declaration order.
func KnownActions() []string {
	out := make([]string, 0, len(actionTags)-1)
	for _, t := range actionTags[1:] {
		out = append(out, t)
	}
	return out
}

type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Position) String() string { return fmt.Sprintf("(%d,%d)", p.X, p.Y) }

// Command is one decoded client request. It is never augmented after decode.
type Command struct {
	Action      Action
	Tag         string // action string as sent by the client
	Position    Position
	SubjectType string
	Intensity   int
	Annotation  string
}

// Request is the wire form of a Command.
type Request struct {
	Action       string `json:"action"`
	X            int    `json:"x,omitempty"`
	Y            int    `json:"y,omitempty"`
	BuildingType string `json:"buildingType,omitempty"`
	BuildingID   string `json:"buildingId,omitempty"` // legacy alias of buildingType
	Upgrade      int    `json:"Upgrade,omitempty"`
	LLMReasoning string `json:"LLMReasoning,omitempty"`
}

func (r Request) Command() Command {
	subject := r.BuildingType
	if subject == "" {
		subject = r.BuildingID
	}
	return Command{
		Action:      ParseAction(r.Action),
		Tag:         strings.TrimSpace(r.Action),
		Position:    Position{X: r.X, Y: r.Y},
		SubjectType: strings.TrimSpace(subject),
		Intensity:   r.Upgrade,
		Annotation:  r.LLMReasoning,
	}
}

func (c Command) Request() Request {
	tag := c.Tag
	if tag == "" {
		tag = c.Action.String()
	}
	return Request{
		Action:       tag,
		X:            c.Position.X,
		Y:            c.Position.Y,
		BuildingType: c.SubjectType,
		Upgrade:      c.Intensity,
		LLMReasoning: c.Annotation,
	}
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is the outcome of one Command. Payload is an already-serialized
// JSON value owned by the command handler; object members are flattened
// into the response.
type Result struct {
	Status  Status
	Code    string
	Message string
	Payload json.RawMessage
}

func (r Result) OK() bool { return r.Status == StatusSuccess }

// OK builds a success result. payload must be JSON-marshalable; a value that
// is not is a programming error and panics.
func OK(message string, payload any) Result {
	r := Result{Status: StatusSuccess, Message: message}
	if payload == nil {
		return r
	}
	b, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("protocol: unmarshalable payload %T: %v", payload, err))
	}
	r.Payload = b
	return r
}

func Fail(code, message string) Result {
	return Result{Status: StatusError, Code: code, Message: message}
}

func Failf(code, format string, args ...any) Result {
	return Fail(code, fmt.Sprintf(format, args...))
}

// Response is the client-side view of an encoded Result.
type Response struct {
	Status  Status
	Code    string
	Message string
	Fields  map[string]json.RawMessage
}

func (r Response) OK() bool { return r.Status == StatusSuccess }

// Int returns an integer field, or 0 if absent or not a number.
func (r Response) Int(name string) int {
	raw, ok := r.Fields[name]
	if !ok {
		return 0
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	return v
}

// Field decodes a named field into v.
func (r Response) Field(name string, v any) error {
	raw, ok := r.Fields[name]
	if !ok {
		return fmt.Errorf("missing field %q", name)
	}
	return json.Unmarshal(raw, v)
}
