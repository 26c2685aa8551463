package ws

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"citybridge.ai/internal/bridge"
)

// Handler services one raw request and returns the encoded response.
// *bridge.Server implements it.
type Handler interface {
	Handle(ctx context.Context, transport, remote string, raw []byte) []byte
}

// Server exposes the command bridge over WebSocket. Each text message is
// one request and gets exactly one response message, in order; unlike TCP,
// a connection carries any number of requests.
type Server struct {
	h         Handler
	log       *log.Logger
	readLimit int64

	upgrader websocket.Upgrader
}

// Messages up to oversizeFactor times the request limit are still read and
// passed on, so the Handler answers them with "request too large" as on TCP.
// Larger frames close the connection.
const oversizeFactor = 4

func NewServer(h Handler, maxRequestBytes int, logger *log.Logger) *Server {
	if maxRequestBytes <= 0 {
		maxRequestBytes = 64 * 1024
	}
	return &Server{
		h:         h,
		log:       logger,
		readLimit: int64(maxRequestBytes) * oversizeFactor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(s.readLimit)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		remote := r.RemoteAddr
		if s.log != nil {
			s.log.Printf("ws connect remote=%s", remote)
		}

		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			typ, msg, err := conn.ReadMessage()
			if err != nil {
				if s.log != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.log.Printf("ws read remote=%s: %v", remote, err)
				}
				break
			}
			if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
				continue
			}
			resp := s.h.Handle(ctx, bridge.TransportWS, remote, msg)
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
				break
			}
		}

		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	}
}
