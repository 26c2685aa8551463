package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"citybridge.ai/internal/protocol"
)

var ErrServerClosed = errors.New("bridge: server closed")

const (
	TransportTCP = "tcp"
	TransportWS  = "ws"
)

// Server accepts one TCP connection at a time, runs its request through the
// Mailbox and writes the result back before accepting the next connection.
type Server struct {
	cfg     Config
	mailbox *Mailbox
	log     *log.Logger
	limiter *rate.Limiter

	recorder Recorder

	// gate serializes exchanges across transports so the Mailbox never
	// holds more than one request.
	gate sync.Mutex

	mu   sync.Mutex
	addr net.Addr

	// Handle holds life.RLock; Shutdown takes the write lock to wait for
	// exchanges in progress.
	life    sync.RWMutex
	closing bool

	seq             atomic.Uint64
	accepted        atomic.Uint64
	served          atomic.Uint64
	decodeErrors    atomic.Uint64
	timeouts        atomic.Uint64
	cancelled       atomic.Uint64
	withdrawn       atomic.Uint64
	transportErrors atomic.Uint64
	rateLimited     atomic.Uint64
}

type ServerStats struct {
	Accepted        uint64 `json:"accepted"`
	Served          uint64 `json:"served"`
	DecodeErrors    uint64 `json:"decode_errors"`
	Timeouts        uint64 `json:"timeouts"`
	Cancelled       uint64 `json:"cancelled"`
	Withdrawn       uint64 `json:"withdrawn"`
	TransportErrors uint64 `json:"transport_errors"`
	RateLimited     uint64 `json:"rate_limited"`
}

func NewServer(cfg Config, mb *Mailbox, logger *log.Logger) *Server {
	cfg = cfg.Normalize()
	s := &Server{
		cfg:     cfg,
		mailbox: mb,
		log:     orDiscard(logger),
	}
	if cfg.CommandsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.CommandsPerSecond), cfg.Burst)
	}
	return s
}

// SetRecorder must be called before Serve.
func (s *Server) SetRecorder(r Recorder) { s.recorder = r }

func (s *Server) Config() Config { return s.cfg }

// Addr returns the bound listener address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop until ctx is cancelled, which closes ln.
// A cancelled context returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	s.log.Printf("bridge listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			s.transportErrors.Add(1)
			s.log.Printf("accept: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		s.accepted.Add(1)
		s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	start := time.Now()
	remote := conn.RemoteAddr().String()

	raw, err := s.readRequest(conn)
	var resp []byte
	if err != nil {
		var de *protocol.DecodeError
		if !errors.As(err, &de) {
			s.transportErrors.Add(1)
			s.log.Printf("read %s: %v", remote, err)
			return
		}
		if errors.Is(err, protocol.ErrRequestTooLarge) {
			defer discardInput(conn)
		}
		s.decodeErrors.Add(1)
		res := de.Result()
		resp = protocol.Encode(res)
		s.record(TransportTCP, remote, start, protocol.Request{}, raw, res, resp)
	} else {
		resp = s.Handle(ctx, TransportTCP, remote, raw)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if _, err := conn.Write(resp); err != nil {
		s.transportErrors.Add(1)
		s.log.Printf("write %s: %v", remote, err)
		return
	}
	s.served.Add(1)
}

// readRequest reads until the buffered bytes form one JSON value, the peer
// stops sending, or the buffer is full.
func (s *Server) readRequest(conn net.Conn) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	buf := make([]byte, s.cfg.MaxRequestBytes)
	n := 0
	for {
		if n == len(buf) {
			return buf[:n], &protocol.DecodeError{Reason: "request too large", Err: protocol.ErrRequestTooLarge}
		}
		m, err := conn.Read(buf[n:])
		n += m
		if m > 0 && complete(buf[:n]) {
			return buf[:n], nil
		}
		if err != nil {
			if n == 0 {
				return nil, err
			}
			var ne net.Error
			if errors.Is(err, io.EOF) || (errors.As(err, &ne) && ne.Timeout()) {
				// Partial payload; Decode reports it.
				return buf[:n], nil
			}
			return nil, err
		}
	}
}

// discardInput half-closes conn and drains unread input so the peer sees
// the response instead of a reset.
func discardInput(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _ = io.Copy(io.Discard, io.LimitReader(conn, 1<<20))
}

func complete(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && json.Valid(b)
}

// Shutdown makes Handle refuse new requests and waits for the ones in
// progress to be recorded. Call it before closing the Recorder.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.life.Lock()
		s.closing = true
		s.life.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle decodes raw, runs it through the Mailbox and returns the encoded
// response. Decode failures never reach the tick side.
func (s *Server) Handle(ctx context.Context, transport, remote string, raw []byte) []byte {
	s.life.RLock()
	defer s.life.RUnlock()
	if s.closing {
		return protocol.Encode(protocol.Fail(protocol.ErrTimeout, "server shutting down"))
	}

	start := time.Now()
	var cmd protocol.Command
	var err error
	if len(raw) > s.cfg.MaxRequestBytes {
		err = &protocol.DecodeError{Reason: "request too large", Err: protocol.ErrRequestTooLarge}
	} else {
		cmd, err = protocol.Decode(raw)
	}
	var res protocol.Result
	switch {
	case err != nil:
		s.decodeErrors.Add(1)
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			res = de.Result()
		} else {
			res = protocol.Fail(protocol.ErrProtoBadRequest, err.Error())
		}
		s.log.Printf("decode %s: %v", remote, err)
	case s.limiter != nil && !s.limiter.Allow():
		s.rateLimited.Add(1)
		res = protocol.Fail(protocol.ErrRateLimit, "rate limited")
	default:
		if cmd.Annotation != "" {
			s.log.Printf("%s %s action=%s reasoning=%q", transport, remote, cmd.Action, cmd.Annotation)
		}
		res = s.Exchange(ctx, cmd)
	}
	resp := protocol.Encode(res)
	var req protocol.Request
	if err == nil {
		req = cmd.Request()
		raw = nil
	}
	s.record(transport, remote, start, req, raw, res, resp)
	return resp
}

// Exchange submits cmd and waits for its result under the configured
// timeout. On timeout the ticket is abandoned so the Mailbox is empty when
// Exchange returns.
func (s *Server) Exchange(ctx context.Context, cmd protocol.Command) protocol.Result {
	s.gate.Lock()
	defer s.gate.Unlock()

	if st := s.mailbox.State(); st != StateEmpty {
		s.log.Printf("mailbox not empty before submit (state=%s)", st)
	}
	ticket := s.mailbox.Submit(cmd)

	if res, ok := s.mailbox.TryTakeResult(); ok {
		return res
	}
	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-poll.C:
			if res, ok := s.mailbox.TryTakeResult(); ok {
				return res
			}
		case <-timer.C:
			if res, ok := s.mailbox.TryTakeResult(); ok {
				return res
			}
			s.timeouts.Add(1)
			s.abandon(ticket, cmd, "timeout")
			return protocol.Fail(protocol.ErrTimeout, "timeout")
		case <-ctx.Done():
			// Server shutdown or the client went away.
			s.cancelled.Add(1)
			s.abandon(ticket, cmd, "cancelled ("+context.Cause(ctx).Error()+")")
			return protocol.Fail(protocol.ErrTimeout, "request cancelled")
		}
	}
}

func (s *Server) abandon(ticket uint64, cmd protocol.Command, why string) {
	withdrawn := s.mailbox.Abandon(ticket)
	if withdrawn {
		s.withdrawn.Add(1)
	}
	s.log.Printf("%s ticket=%d action=%s withdrawn=%t", why, ticket, cmd.Action, withdrawn)
}

func (s *Server) record(transport, remote string, start time.Time, req protocol.Request, raw []byte, res protocol.Result, resp []byte) {
	if s.recorder == nil {
		return
	}
	rec := CommandRecord{
		Seq:       s.seq.Add(1),
		Time:      start.UTC(),
		Transport: transport,
		Remote:    remote,
		Request:   req,
		Status:    res.Status,
		Code:      res.Code,
		Response:  json.RawMessage(bytes.TrimSpace(resp)),
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000.0,
	}
	if len(raw) > 0 {
		rec.Raw = truncate(string(raw), 512)
	}
	if err := s.recorder.RecordCommand(rec); err != nil {
		s.log.Printf("record command: %v", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (s *Server) Stats() ServerStats {
	return ServerStats{
		Accepted:        s.accepted.Load(),
		Served:          s.served.Load(),
		DecodeErrors:    s.decodeErrors.Load(),
		Timeouts:        s.timeouts.Load(),
		Cancelled:       s.cancelled.Load(),
		Withdrawn:       s.withdrawn.Load(),
		TransportErrors: s.transportErrors.Load(),
		RateLimited:     s.rateLimited.Load(),
	}
}
