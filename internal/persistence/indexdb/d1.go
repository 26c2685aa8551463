package indexdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"citybridge.ai/internal/bridge"
	"citybridge.ai/internal/persistence/snapshot"
	"citybridge.ai/internal/sim/catalogs"
	"citybridge.ai/internal/sim/city"
	"citybridge.ai/internal/sim/tuning"
)

// D1Config configures the remote ingest backend. Events are POSTed in
// batches as {"events":[...]} to Endpoint.
type D1Config struct {
	Endpoint      string
	Token         string
	CityID        string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	Logger        *log.Logger
}

type D1Index struct {
	cfg        D1Config
	httpClient *http.Client

	ch   chan d1Event
	wg   sync.WaitGroup
	once sync.Once

	// sendMu orders enqueue against close(ch).
	sendMu sync.RWMutex
	closed atomic.Bool

	dropped   atomic.Uint64
	flushFail atomic.Uint64
	evicted   atomic.Uint64
	pending   atomic.Int64
}

type D1Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	PendingEvents     int64  `json:"pending_events"`
	QueueDroppedTotal uint64 `json:"queue_dropped_total"`
	FlushFailTotal    uint64 `json:"flush_fail_total"`
	EvictedTotal      uint64 `json:"evicted_total"`
}

type d1Event struct {
	Kind    string `json:"kind"`
	CityID  string `json:"city_id"`
	Payload any    `json:"payload"`
}

type d1CommandPayload struct {
	Seq       uint64          `json:"seq"`
	Time      string          `json:"time"`
	Transport string          `json:"transport"`
	Remote    string          `json:"remote,omitempty"`
	Request   any             `json:"request"`
	Raw       string          `json:"raw,omitempty"`
	Status    string          `json:"status"`
	Code      string          `json:"code,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	LatencyMS float64         `json:"latency_ms"`
}

type d1SnapshotPayload struct {
	Tick       uint64 `json:"tick"`
	Path       string `json:"path"`
	Turn       uint64 `json:"turn"`
	Money      int    `json:"money"`
	Population int    `json:"population"`
	Power      int    `json:"power"`
	Income     int    `json:"income"`
	Buildings  int    `json:"buildings"`
}

type d1CatalogPayload struct {
	Name      string `json:"name"`
	Digest    string `json:"digest"`
	JSON      string `json:"json"`
	UpdatedAt string `json:"updated_at"`
}

func OpenD1(cfg D1Config) (*D1Index, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.CityID = strings.TrimSpace(cfg.CityID)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty d1 ingest endpoint")
	}
	if cfg.CityID == "" {
		return nil, fmt.Errorf("empty city id")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	d := &D1Index{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		ch: make(chan d1Event, 32768),
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()

	return d, nil
}

func (d *D1Index) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.sendMu.Lock()
		d.closed.Store(true)
		close(d.ch)
		d.sendMu.Unlock()
		d.wg.Wait()
	})
	return nil
}

func (d *D1Index) Stats() D1Stats {
	if d == nil {
		return D1Stats{}
	}
	return D1Stats{
		QueueDepth:        len(d.ch),
		QueueCapacity:     cap(d.ch),
		PendingEvents:     d.pending.Load(),
		QueueDroppedTotal: d.dropped.Load(),
		FlushFailTotal:    d.flushFail.Load(),
		EvictedTotal:      d.evicted.Load(),
	}
}

func (d *D1Index) RecordCommand(rec bridge.CommandRecord) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	p := d1CommandPayload{
		Seq:       rec.Seq,
		Time:      rec.Time.UTC().Format(time.RFC3339Nano),
		Transport: rec.Transport,
		Remote:    rec.Remote,
		Request:   rec.Request,
		Raw:       rec.Raw,
		Status:    string(rec.Status),
		Code:      rec.Code,
		Response:  rec.Response,
		LatencyMS: rec.LatencyMS,
	}
	d.enqueue(d1Event{Kind: "command", CityID: d.cfg.CityID, Payload: p})
	return nil
}

func (d *D1Index) WriteTurn(entry city.TurnLogEntry) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	d.enqueue(d1Event{Kind: "turn", CityID: d.cfg.CityID, Payload: entry})
	return nil
}

func (d *D1Index) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if d == nil || d.closed.Load() {
		return
	}
	p := d1SnapshotPayload{
		Tick:       snap.Header.Tick,
		Path:       path,
		Turn:       snap.Turn,
		Money:      snap.Money,
		Population: snap.Population,
		Power:      snap.Power,
		Income:     snap.Income,
		Buildings:  len(snap.Buildings),
	}
	d.enqueue(d1Event{Kind: "snapshot", CityID: d.cfg.CityID, Payload: p})
}

func (d *D1Index) UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if d == nil || d.closed.Load() || cats == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, r := range catalogRows(configDir, cats, tune) {
		if r.name == "" || r.digest == "" || len(r.json) == 0 {
			continue
		}
		d.enqueue(d1Event{Kind: "catalog", CityID: d.cfg.CityID, Payload: d1CatalogPayload{
			Name:      r.name,
			Digest:    r.digest,
			JSON:      string(r.json),
			UpdatedAt: now,
		}})
	}
	return nil
}

func (d *D1Index) enqueue(ev d1Event) {
	if d == nil {
		return
	}
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.closed.Load() {
		return
	}
	select {
	case d.ch <- ev:
	default:
		d.dropped.Add(1)
		d.printf("d1 index queue full; drop kind=%s city=%s", ev.Kind, ev.CityID)
	}
}

// loop batches events. A batch whose send fails is kept and retried on the
// next flush; once it grows past maxPending the oldest events are evicted.
func (d *D1Index) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	maxPending := d.cfg.BatchSize * 64
	batch := make([]d1Event, 0, d.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		n := len(batch)
		if n > d.cfg.BatchSize {
			n = d.cfg.BatchSize
		}
		if err := d.sendBatch(batch[:n]); err != nil {
			d.flushFail.Add(1)
			d.printf("d1 index flush failed batch=%d pending=%d err=%v", n, len(batch), err)
			if over := len(batch) - maxPending; over > 0 {
				d.evicted.Add(uint64(over))
				batch = append(batch[:0], batch[over:]...)
			}
			d.pending.Store(int64(len(batch)))
			return
		}
		batch = append(batch[:0], batch[n:]...)
		d.pending.Store(int64(len(batch)))
	}

	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				for len(batch) > 0 {
					before := len(batch)
					flush()
					if len(batch) >= before {
						d.printf("d1 index closing with %d undelivered events", len(batch))
						return
					}
				}
				return
			}
			batch = append(batch, ev)
			d.pending.Store(int64(len(batch)))
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *D1Index) sendBatch(events []d1Event) error {
	if len(events) == 0 {
		return nil
	}

	body := struct {
		Events []d1Event `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if d.cfg.Token != "" {
			req.Header.Set("x-cb-index-token", d.cfg.Token)
		}

		resp, err := d.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
	return lastErr
}

func (d *D1Index) printf(format string, args ...any) {
	if d != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
