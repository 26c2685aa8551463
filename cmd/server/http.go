package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"citybridge.ai/internal/bridge"
	"citybridge.ai/internal/persistence/indexdb"
	"citybridge.ai/internal/protocol"
	"citybridge.ai/internal/sim/city"
	"citybridge.ai/internal/transport/observer"
	"citybridge.ai/internal/transport/ws"
)

type cityRuntime struct {
	cityID  string
	city    *city.City
	mailbox *bridge.Mailbox
	exec    *bridge.Executor
	bridge  *bridge.Server
	hub     *observer.Hub
	idx     runtimeIndex
	logger  *log.Logger
}

func (rt *cityRuntime) routes(enableAdmin, enablePprof bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		rt.writeMetrics(rw)
	})

	if enableAdmin {
		// Local-only admin endpoints. None of them touch city state directly.
		mux.HandleFunc("/admin/v1/state", loopbackOnly(rt.handleState))
		mux.HandleFunc("/admin/v1/snapshot", loopbackOnly(rt.handleSnapshot))
		mux.HandleFunc("/admin/v1/commands", loopbackOnly(rt.handleCommands))

		obsSrv := observer.NewServer(rt.city, rt.hub, rt.logger)
		mux.HandleFunc("/admin/v1/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
	} else {
		rt.printf("admin endpoints disabled (CB_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		rt.printf("pprof endpoints disabled (CB_ENABLE_PPROF_HTTP=false)")
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(rt.bridge, rt.bridge.Config().MaxRequestBytes, rt.logger).Handler())
	return mux
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !observer.IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

type stateResponse struct {
	CityID          string               `json:"city_id"`
	ProtocolVersion string               `json:"protocol_version"`
	Tick            uint64               `json:"tick"`
	View            *city.View           `json:"view,omitempty"`
	Mailbox         string               `json:"mailbox"`
	InFlight        bool                 `json:"in_flight"`
	Bridge          bridge.ServerStats   `json:"bridge"`
	Executor        bridge.ExecutorStats `json:"executor"`
	Observer        observer.HubStats    `json:"observer"`
}

func (rt *cityRuntime) state() stateResponse {
	return stateResponse{
		CityID:          rt.cityID,
		ProtocolVersion: protocol.Version,
		Tick:            rt.city.CurrentTick(),
		View:            rt.city.View(),
		Mailbox:         rt.mailbox.State().String(),
		InFlight:        rt.mailbox.InFlight(),
		Bridge:          rt.bridge.Stats(),
		Executor:        rt.exec.Stats(),
		Observer:        rt.hub.Stats(),
	}
}

func (rt *cityRuntime) handleState(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, rt.state())
}

func (rt *cityRuntime) handleSnapshot(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	tick, err := rt.city.RequestSnapshot(ctx)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "tick": tick, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "tick": tick})
}

func (rt *cityRuntime) handleCommands(rw http.ResponseWriter, r *http.Request) {
	db, ok := rt.idx.(*indexdb.SQLiteIndex)
	if !ok || db == nil {
		http.Error(rw, "command index requires CB_INDEX_BACKEND=sqlite", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := db.RecentCommands(r.Context(), r.URL.Query().Get("code"), limit)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []indexdb.CommandRow{}
	}
	writeJSON(rw, http.StatusOK, rows)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

// writeMetrics renders the Prometheus text exposition format.
func (rt *cityRuntime) writeMetrics(w io.Writer) {
	id := rt.cityID
	gauge := func(name, help string, v any) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		fmt.Fprintf(w, "%s{city=%q} %v\n", name, id, v)
	}

	tick := rt.city.CurrentTick()
	gauge("citybridge_city_tick", "Current city tick.", tick)
	if v := rt.city.View(); v != nil {
		gauge("citybridge_city_turn", "Current economic turn.", v.Turn)
		gauge("citybridge_city_money", "City treasury.", v.Stats.Money)
		gauge("citybridge_city_population", "City population.", v.Stats.Population)
		gauge("citybridge_city_power", "Net power balance.", v.Stats.Power)
		gauge("citybridge_city_income", "Income per turn.", v.Stats.Income)
		gauge("citybridge_city_buildings", "Placed buildings.", v.Stats.Buildings)
	}

	inFlight := 0
	if rt.mailbox.InFlight() {
		inFlight = 1
	}
	gauge("citybridge_mailbox_in_flight", "1 while the tick side holds a drained command.", inFlight)
	fmt.Fprintf(w, "# HELP citybridge_mailbox_state Mailbox slot state (1 for the current state).\n")
	fmt.Fprintf(w, "# TYPE citybridge_mailbox_state gauge\n")
	cur := rt.mailbox.State()
	for _, st := range []bridge.MailboxState{bridge.StateEmpty, bridge.StateCommandPending, bridge.StateResultReady} {
		v := 0
		if st == cur {
			v = 1
		}
		fmt.Fprintf(w, "citybridge_mailbox_state{city=%q,state=%q} %d\n", id, st.String(), v)
	}

	bs := rt.bridge.Stats()
	fmt.Fprintf(w, "# HELP citybridge_bridge_total Bridge connection and request counters.\n")
	fmt.Fprintf(w, "# TYPE citybridge_bridge_total counter\n")
	for _, kv := range []struct {
		k string
		v uint64
	}{
		{"accepted", bs.Accepted},
		{"served", bs.Served},
		{"decode_errors", bs.DecodeErrors},
		{"timeouts", bs.Timeouts},
		{"cancelled", bs.Cancelled},
		{"withdrawn", bs.Withdrawn},
		{"transport_errors", bs.TransportErrors},
		{"rate_limited", bs.RateLimited},
	} {
		fmt.Fprintf(w, "citybridge_bridge_total{city=%q,counter=%q} %d\n", id, kv.k, kv.v)
	}

	es := rt.exec.Stats()
	fmt.Fprintf(w, "# HELP citybridge_executor_total Executor dispatch counters.\n")
	fmt.Fprintf(w, "# TYPE citybridge_executor_total counter\n")
	fmt.Fprintf(w, "citybridge_executor_total{city=%q,counter=%q} %d\n", id, "processed", es.Processed)
	fmt.Fprintf(w, "citybridge_executor_total{city=%q,counter=%q} %d\n", id, "failed", es.Failed)
	fmt.Fprintf(w, "citybridge_executor_total{city=%q,counter=%q} %d\n", id, "panics", es.Panics)
	fmt.Fprintf(w, "citybridge_executor_total{city=%q,counter=%q} %d\n", id, "unknown_actions", es.Unknown)
	fmt.Fprintf(w, "citybridge_executor_total{city=%q,counter=%q} %d\n", id, "mutations", es.Mutations)

	hs := rt.hub.Stats()
	gauge("citybridge_observer_sessions", "Connected observer sessions.", hs.Sessions)
	fmt.Fprintf(w, "# HELP citybridge_observer_messages_total Observer messages published and dropped.\n")
	fmt.Fprintf(w, "# TYPE citybridge_observer_messages_total counter\n")
	fmt.Fprintf(w, "citybridge_observer_messages_total{city=%q,result=%q} %d\n", id, "published", hs.Published)
	fmt.Fprintf(w, "citybridge_observer_messages_total{city=%q,result=%q} %d\n", id, "dropped", hs.Dropped)

	writeIndexMetrics(w, id, rt.idx)
}

func writeIndexMetrics(w io.Writer, id string, idx runtimeIndex) {
	switch x := idx.(type) {
	case *indexdb.SQLiteIndex:
		s := x.Stats()
		fmt.Fprintf(w, "# HELP citybridge_index_queue_depth Index writer queue depth.\n")
		fmt.Fprintf(w, "# TYPE citybridge_index_queue_depth gauge\n")
		fmt.Fprintf(w, "citybridge_index_queue_depth{city=%q,backend=%q} %d\n", id, "sqlite", s.QueueDepth)
		fmt.Fprintf(w, "# HELP citybridge_index_dropped_total Index rows dropped on a full queue.\n")
		fmt.Fprintf(w, "# TYPE citybridge_index_dropped_total counter\n")
		fmt.Fprintf(w, "citybridge_index_dropped_total{city=%q,kind=%q} %d\n", id, "command", s.DropCommandTotal)
		fmt.Fprintf(w, "citybridge_index_dropped_total{city=%q,kind=%q} %d\n", id, "turn", s.DropTurnTotal)
		fmt.Fprintf(w, "citybridge_index_dropped_total{city=%q,kind=%q} %d\n", id, "snapshot", s.DropSnapshotTotal)
	case *indexdb.D1Index:
		s := x.Stats()
		fmt.Fprintf(w, "# HELP citybridge_index_queue_depth Index writer queue depth.\n")
		fmt.Fprintf(w, "# TYPE citybridge_index_queue_depth gauge\n")
		fmt.Fprintf(w, "citybridge_index_queue_depth{city=%q,backend=%q} %d\n", id, "d1", s.QueueDepth)
		fmt.Fprintf(w, "# HELP citybridge_index_d1_pending Events held for retry.\n")
		fmt.Fprintf(w, "# TYPE citybridge_index_d1_pending gauge\n")
		fmt.Fprintf(w, "citybridge_index_d1_pending{city=%q} %d\n", id, s.PendingEvents)
		fmt.Fprintf(w, "# HELP citybridge_index_d1_total D1 ingest failure counters.\n")
		fmt.Fprintf(w, "# TYPE citybridge_index_d1_total counter\n")
		fmt.Fprintf(w, "citybridge_index_d1_total{city=%q,counter=%q} %d\n", id, "queue_dropped", s.QueueDroppedTotal)
		fmt.Fprintf(w, "citybridge_index_d1_total{city=%q,counter=%q} %d\n", id, "flush_fail", s.FlushFailTotal)
		fmt.Fprintf(w, "citybridge_index_d1_total{city=%q,counter=%q} %d\n", id, "evicted", s.EvictedTotal)
	}
}

func (rt *cityRuntime) printf(format string, args ...any) {
	if rt.logger != nil {
		rt.logger.Printf(format, args...)
	}
}
