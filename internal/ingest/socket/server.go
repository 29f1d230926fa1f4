package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"construct/internal/domain"
	"construct/internal/ingest"
	"construct/internal/storage"
)

// requestLanes fixes how many requests execute at once. Requests keyed by
// the same room land on the same lane, so evaluations for one room never
// race each other here.
const requestLanes = 16

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit               int
	TLSConfig                                   *tls.Config
}

// Server accepts length-framed JSON requests on a local socket. It is the
// operator-facing sibling of the broker adapters: pushes go through the
// same evaluator, reads go straight to the event log.
type Server struct {
	cfg       Config
	evaluator ingest.Evaluator
	store     storage.Engine
	log       zerolog.Logger

	ln     net.Listener
	addr   atomic.Value
	pool   *ingest.Pool
	closed atomic.Bool

	mu    sync.Mutex
	open  map[net.Conn]struct{}
	conns sync.WaitGroup
}

// session is one accepted connection. Responses write directly under wmu,
// so lane workers and the read goroutine never interleave frames.
type session struct {
	wmu sync.Mutex
	w   *bufio.Writer

	inflight atomic.Int32
}

func (s *session) reply(res *Response) {
	payload, err := EncodeResponse(res)
	if err != nil {
		return
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if WriteFrame(s.w, payload) == nil {
		_ = s.w.Flush()
	}
}

func NewServer(cfg Config, evaluator ingest.Evaluator, store storage.Engine, log zerolog.Logger) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	return &Server{
		cfg:       cfg,
		evaluator: evaluator,
		store:     store,
		log:       log.With().Str("component", "socket").Logger(),
		pool:      ingest.NewPool(requestLanes, cfg.GlobalQueueLimit/requestLanes),
		open:      make(map[net.Conn]struct{}),
	}
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Server) Start(ctx context.Context) error {
	target := s.cfg.Address
	if s.cfg.Network == "unix" {
		target = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, target)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.log.Info().Str("addr", ln.Addr().String()).Msg("socket listening")
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.mu.Lock()
		s.open[conn] = struct{}{}
		s.mu.Unlock()
		s.conns.Add(1)
		go s.serveConn(ctx, conn)
	}
}

// Close stops the listener, hangs up open connections, then drains queued
// requests.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Lock()
	for conn := range s.open {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.conns.Wait()
	s.pool.Shutdown()
	return nil
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.conns.Done()
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.open, conn)
		s.mu.Unlock()
	}()

	sess := &session{w: bufio.NewWriter(conn)}
	r := bufio.NewReader(conn)
	for {
		frame, err := ReadFrame(r)
		if err != nil {
			return
		}
		req, err := DecodeRequest(frame)
		if err != nil {
			sess.reply(&Response{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if res := s.admit(req, sess); res != nil {
			sess.reply(res)
			continue
		}
		accepted := s.pool.Offer(requestKey(req), func() {
			defer sess.inflight.Add(-1)
			sess.reply(s.handleRequest(ctx, req))
		})
		if !accepted {
			sess.inflight.Add(-1)
			sess.reply(&Response{RequestID: req.RequestID, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "request queue saturated"})
		}
	}
}

// admit returns a rejection response, or nil after charging the request
// against the connection's inflight allowance.
func (s *Server) admit(req *Request, sess *session) *Response {
	if err := ValidateRequest(req); err != nil {
		return &Response{RequestID: req.RequestID, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()}
	}
	if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
		return &Response{RequestID: req.RequestID, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"}
	}
	if int(sess.inflight.Add(1)) > s.cfg.MaxInflight {
		sess.inflight.Add(-1)
		return &Response{RequestID: req.RequestID, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "connection inflight limit exceeded"}
	}
	return nil
}

// requestKey keys pushes and room reads by room, event lookups by event
// id. Admin ops share the empty key.
func requestKey(req *Request) string {
	switch {
	case req.Push != nil && len(req.Push.PDUs) > 0:
		var head struct {
			RoomID string `json:"room_id"`
		}
		_ = json.Unmarshal(req.Push.PDUs[0], &head)
		return head.RoomID
	case req.Room != nil:
		return req.Room.RoomID
	case req.GetEvent != nil:
		return req.GetEvent.EventID
	}
	return ""
}

func (s *Server) handleRequest(ctx context.Context, req *Request) *Response {
	res := &Response{RequestID: req.RequestID, ErrorCode: int32(ErrorCodeOK)}
	switch req.Op {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		maxSeq, err := s.store.MaxSeq(ctx)
		if err != nil {
			res.Health = &HealthResponse{Ok: false, Message: err.Error()}
			return res
		}
		res.Health = &HealthResponse{Ok: true, MaxSeq: maxSeq}
	case OperationPush:
		return s.handlePush(ctx, req, res)
	case OperationGetEvent:
		rec, ok, err := s.store.GetEvent(ctx, domain.EventID(req.GetEvent.EventID))
		if err != nil {
			return s.fail(res, err)
		}
		if !ok {
			res.ErrorCode, res.ErrorMessage = int32(ErrorCodeNotFound), "event not found"
			return res
		}
		res.Event = &EventResponse{Found: true, PDU: json.RawMessage(rec.RawJSON)}
	case OperationRoom:
		limit := req.Room.Limit
		if limit <= 0 {
			limit = 64
		}
		recs, err := s.store.RoomEvents(ctx, domain.RoomID(req.Room.RoomID), storage.SortDepthOrder, limit)
		if err != nil {
			return s.fail(res, err)
		}
		if len(recs) == 0 {
			res.ErrorCode, res.ErrorMessage = int32(ErrorCodeNotFound), "room not found"
			return res
		}
		out := &RoomResponse{Found: true}
		for _, rec := range recs {
			out.Events = append(out.Events, RoomEntry{EventID: string(rec.EventID), Type: rec.Type, Depth: rec.Depth, Seq: rec.Seq})
		}
		res.Room = out
	default:
		res.ErrorCode, res.ErrorMessage = int32(ErrorCodeBadRequest), "unknown operation"
	}
	return res
}

func (s *Server) handlePush(ctx context.Context, req *Request, res *Response) *Response {
	if err := s.evaluator.Evaluate(ctx, req.Push.PDUs); err != nil {
		return s.fail(res, err)
	}
	res.Push = &PushResponse{Accepted: len(req.Push.PDUs)}
	return res
}

// fail maps evaluation and storage errors onto the wire taxonomy. Transient
// conditions report overloaded so callers know a retry can succeed.
func (s *Server) fail(res *Response, err error) *Response {
	switch {
	case errors.Is(err, domain.ErrUnavailable) || errors.Is(err, domain.ErrTimeout):
		res.ErrorCode = int32(ErrorCodeOverloaded)
	case errors.Is(err, domain.ErrNotFound):
		res.ErrorCode = int32(ErrorCodeNotFound)
	case errors.Is(err, domain.ErrInvalidEvent):
		res.ErrorCode = int32(ErrorCodeBadRequest)
	default:
		res.ErrorCode = int32(ErrorCodeInternal)
	}
	res.ErrorMessage = err.Error()
	return res
}

// Call performs one request/response exchange over a fresh connection.
// Suited to command line tooling, not bulk traffic.
func Call(ctx context.Context, network, address string, req *Request) (*Response, error) {
	payload, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return DecodeResponse(frame)
}
