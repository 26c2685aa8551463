package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"citybridge.ai/internal/observerproto"
	"citybridge.ai/internal/sim/city"
)

type Server struct {
	city *city.City
	hub  *Hub
	log  *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

func NewServer(c *city.City, hub *Hub, logger *log.Logger) *Server {
	return &Server{
		city: c,
		hub:  hub,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Bootstrap() observerproto.BootstrapResponse {
	cfg := s.city.Config()
	b := s.city.Bounds()
	cats := s.city.Catalogs()
	v := s.city.View()

	resp := observerproto.BootstrapResponse{
		ProtocolVersion: observerproto.Version,
		CityID:          cfg.ID,
		Tick:            v.Tick,
		CityParams: observerproto.CityParams{
			TickRateHz: cfg.TickRateHz,
			TurnTicks:  cfg.TurnTicks,
			Width:      cfg.Width,
			Height:     cfg.Height,
			MinX:       b.MinX,
			MaxX:       b.MaxX,
			MinY:       b.MinY,
			MaxY:       b.MaxY,
		},
		Stats:         v.Stats,
		Camera:        v.Camera,
		Buildings:     v.Buildings,
		CatalogDigest: cats.Buildings.Digest,
	}
	if resp.Buildings == nil {
		resp.Buildings = []observerproto.Building{}
	}
	for _, id := range cats.Buildings.IDs {
		d := cats.Buildings.Defs[id]
		resp.Catalog = append(resp.Catalog, observerproto.BuildingDef{
			ID:         d.ID,
			Cost:       d.Cost,
			Population: d.Population,
			Power:      d.Power,
			Money:      d.Money,
			Income:     d.Income,
		})
	}
	return resp
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.Bootstrap())
	}
}

func readSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	return sub, true
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := readSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		sess := s.hub.join(sid, sub)
		defer s.hub.leave(sid)
		if s.log != nil {
			s.log.Printf("observer join session=%s remote=%s buildings=%v every=%d", sid, r.RemoteAddr, sub.Buildings, sub.EveryTicks)
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if sub, ok := readSubscribe(msg); ok {
				sess.apply(sub)
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		if s.log != nil {
			s.log.Printf("observer leave session=%s", sid)
		}
	}
}

// IsLoopbackRemote reports whether remoteAddr (host:port) is a loopback
// address. Admin and observer endpoints are only served to loopback peers.
func IsLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
