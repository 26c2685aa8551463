package tuning

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"citybridge.ai/internal/bridge"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz         int `yaml:"tick_rate_hz"`
	TurnTicks          int `yaml:"turn_ticks"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`

	Bridge Bridge `yaml:"bridge"`
	City   City   `yaml:"city"`
}

type Bridge struct {
	Addr              string  `yaml:"addr"`
	TimeoutMs         int     `yaml:"timeout_ms"`
	PollIntervalMs    int     `yaml:"poll_interval_ms"`
	MaxRequestBytes   int     `yaml:"max_request_bytes"`
	ReadTimeoutMs     int     `yaml:"read_timeout_ms"`
	WriteTimeoutMs    int     `yaml:"write_timeout_ms"`
	CommandsPerSecond float64 `yaml:"commands_per_second"`
	Burst             int     `yaml:"burst"`
}

type City struct {
	StartingMoney  int    `yaml:"starting_money"`
	RefundPermille int    `yaml:"refund_permille"`
	MaxLevel       int    `yaml:"max_level"`
	Map            Map    `yaml:"map"`
	Camera         Camera `yaml:"camera"`
}

type Map struct {
	Width   int `yaml:"width"`
	Height  int `yaml:"height"`
	CenterX int `yaml:"center_x"`
	CenterY int `yaml:"center_y"`
}

type Camera struct {
	MinZoom     int `yaml:"min_zoom"`
	MaxZoom     int `yaml:"max_zoom"`
	DefaultZoom int `yaml:"default_zoom"`
	PanLimit    int `yaml:"pan_limit"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:    "1.0",
		TickRateHz:         20,
		TurnTicks:          100,
		SnapshotEveryTicks: 3000,
		Bridge: Bridge{
			Addr:            ":5050",
			TimeoutMs:       5000,
			PollIntervalMs:  10,
			MaxRequestBytes: 4096,
			ReadTimeoutMs:   2000,
			WriteTimeoutMs:  2000,
			Burst:           1,
		},
		City: City{
			StartingMoney:  1000,
			RefundPermille: 500,
			MaxLevel:       5,
			Map:            Map{Width: 50, Height: 50, CenterX: 25, CenterY: 25},
			Camera:         Camera{MinZoom: 2, MaxZoom: 20, DefaultZoom: 5, PanLimit: 50},
		},
	}
}

// Load reads path over Defaults; keys missing from the file keep their
// default values.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	if t.TickRateHz <= 0 || t.TickRateHz > 1000 {
		errs = append(errs, fmt.Errorf("tick_rate_hz out of range: %d", t.TickRateHz))
	}
	if t.TurnTicks <= 0 {
		errs = append(errs, fmt.Errorf("turn_ticks must be > 0"))
	}
	if t.SnapshotEveryTicks < 0 {
		errs = append(errs, fmt.Errorf("snapshot_every_ticks must be >= 0"))
	}
	b := t.Bridge
	if b.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("bridge.timeout_ms must be > 0"))
	}
	if b.PollIntervalMs <= 0 || b.PollIntervalMs > b.TimeoutMs {
		errs = append(errs, fmt.Errorf("bridge.poll_interval_ms must be in (0, timeout_ms]"))
	}
	if b.MaxRequestBytes < 64 {
		errs = append(errs, fmt.Errorf("bridge.max_request_bytes too small: %d", b.MaxRequestBytes))
	}
	if b.CommandsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("bridge.commands_per_second must be >= 0"))
	}
	c := t.City
	if c.StartingMoney < 0 {
		errs = append(errs, fmt.Errorf("city.starting_money must be >= 0"))
	}
	if c.RefundPermille < 0 || c.RefundPermille > 1000 {
		errs = append(errs, fmt.Errorf("city.refund_permille out of range: %d", c.RefundPermille))
	}
	if c.MaxLevel < 1 {
		errs = append(errs, fmt.Errorf("city.max_level must be >= 1"))
	}
	if c.Map.Width <= 0 || c.Map.Height <= 0 {
		errs = append(errs, fmt.Errorf("city.map size must be positive"))
	}
	if c.Camera.MinZoom <= 0 || c.Camera.MinZoom > c.Camera.MaxZoom {
		errs = append(errs, fmt.Errorf("city.camera zoom range invalid: [%d,%d]", c.Camera.MinZoom, c.Camera.MaxZoom))
	}
	if c.Camera.DefaultZoom < c.Camera.MinZoom || c.Camera.DefaultZoom > c.Camera.MaxZoom {
		errs = append(errs, fmt.Errorf("city.camera.default_zoom outside zoom range"))
	}
	if c.Camera.PanLimit < 0 {
		errs = append(errs, fmt.Errorf("city.camera.pan_limit must be >= 0"))
	}
	return errors.Join(errs...)
}

func (t Tuning) TickInterval() time.Duration {
	return time.Second / time.Duration(t.TickRateHz)
}

// BridgeConfig maps the bridge section onto bridge.Config.
func (t Tuning) BridgeConfig() bridge.Config {
	b := t.Bridge
	return bridge.Config{
		Addr:              b.Addr,
		Timeout:           time.Duration(b.TimeoutMs) * time.Millisecond,
		PollInterval:      time.Duration(b.PollIntervalMs) * time.Millisecond,
		MaxRequestBytes:   b.MaxRequestBytes,
		ReadTimeout:       time.Duration(b.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(b.WriteTimeoutMs) * time.Millisecond,
		CommandsPerSecond: b.CommandsPerSecond,
		Burst:             b.Burst,
	}.Normalize()
}
