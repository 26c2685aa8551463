package observerproto

// Version is the observer protocol version (separate from the command protocol).
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeTick      = "TICK"
)

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Buildings requests the full building list on ticks where it changed.
	Buildings bool `json:"buildings,omitempty"`
	// EveryTicks throttles quiet ticks; ticks carrying events are always sent.
	EveryTicks int `json:"every_ticks,omitempty"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string        `json:"protocol_version"`
	CityID          string        `json:"city_id"`
	Tick            uint64        `json:"tick"`
	CityParams      CityParams    `json:"city_params"`
	Stats           Stats         `json:"stats"`
	Camera          Camera        `json:"camera"`
	Buildings       []Building    `json:"buildings"`
	Catalog         []BuildingDef `json:"catalog"`
	CatalogDigest   string        `json:"catalog_digest"`
}

type CityParams struct {
	TickRateHz int `json:"tick_rate_hz"`
	TurnTicks  int `json:"turn_ticks"`
	Width      int `json:"width"`
	Height     int `json:"height"`
	MinX       int `json:"min_x"`
	MaxX       int `json:"max_x"`
	MinY       int `json:"min_y"`
	MaxY       int `json:"max_y"`
}

// Server -> Client. Sent on ticks where something happened, and otherwise
// at the subscriber's cadence.
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	CityID          string `json:"city_id"`
	Tick            uint64 `json:"tick"`
	Turn            uint64 `json:"turn"`

	Stats     Stats      `json:"stats"`
	Camera    Camera     `json:"camera"`
	Events    []Event    `json:"events,omitempty"`
	Buildings []Building `json:"buildings,omitempty"`
}

type Stats struct {
	Money        int  `json:"money"`
	Population   int  `json:"population"`
	Power        int  `json:"power"`
	Income       int  `json:"income"`
	PowerDeficit bool `json:"power_deficit"`
	Buildings    int  `json:"buildings"`
}

type Camera struct {
	X    int `json:"x"`
	Y    int `json:"y"`
	Zoom int `json:"zoom"`
}

type Building struct {
	Type  string `json:"type"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Level int    `json:"level"`
}

type BuildingDef struct {
	ID         string `json:"id"`
	Cost       int    `json:"cost"`
	Population int    `json:"population"`
	Power      int    `json:"power"`
	Money      int    `json:"money"`
	Income     int    `json:"income"`
}

// Event describes one state change applied during a tick.
type Event struct {
	Kind   string `json:"kind"` // PLACE, REMOVE, UPGRADE, FOCUS, TURN
	Type   string `json:"type,omitempty"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Level  int    `json:"level,omitempty"`
	Amount int    `json:"amount,omitempty"`
}
