package tuning

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_RepoConfig(t *testing.T) {
	tu, err := Load("../../../configs/tuning.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.City.StartingMoney != 1000 || tu.City.Map.Width != 50 || tu.City.Map.CenterX != 25 {
		t.Fatalf("city=%+v", tu.City)
	}
	bc := tu.BridgeConfig()
	if bc.Addr != ":5050" || bc.Timeout != 5*time.Second || bc.PollInterval != 10*time.Millisecond {
		t.Fatalf("bridge config=%+v", bc)
	}
	if tu.TickInterval() != 50*time.Millisecond {
		t.Fatalf("tick interval=%s", tu.TickInterval())
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("tick_rate_hz: 50\nbridge:\n  timeout_ms: 250\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tu, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.TickRateHz != 50 || tu.Bridge.TimeoutMs != 250 {
		t.Fatalf("overrides not applied: %+v", tu)
	}
	if tu.Bridge.PollIntervalMs != 10 || tu.City.Camera.DefaultZoom != 5 {
		t.Fatalf("defaults lost: %+v", tu)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"tick":    "tick_rate_hz: 0\n",
		"poll":    "bridge:\n  timeout_ms: 10\n  poll_interval_ms: 20\n",
		"refund":  "city:\n  refund_permille: 2000\n",
		"zoom":    "city:\n  camera:\n    min_zoom: 10\n    max_zoom: 5\n",
		"garbage": "tick_rate_hz: [",
	}
	dir := t.TempDir()
	for name, body := range cases {
		path := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		_, err := Load(path)
		if err == nil || !strings.HasPrefix(err.Error(), "tuning.yaml:") {
			t.Fatalf("%s: expected tuning error, got %v", name, err)
		}
	}
}

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}
