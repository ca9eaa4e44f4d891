// Package ws relays lock messages between actors over websockets. The server
// applies every LOCK/UNLOCK to its own registry and forwards the ones that
// changed state to every other session.
package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"voxelstash.ai/internal/protocol"
	"voxelstash.ai/internal/stash/locks"
	"voxelstash.ai/internal/stash/model"
)

type ServerConfig struct {
	// MessagesPerSecond caps LOCK/UNLOCK per session. <= 0 disables the cap.
	MessagesPerSecond float64
	Burst             int
	// QueueSize is the per-session outbound buffer. A session whose buffer
	// is full misses relayed messages and must rely on lock expiry.
	QueueSize int
}

type session struct {
	id    string
	actor string
	out   chan []byte
	lim   *rate.Limiter
}

type Server struct {
	reg *locks.Registry
	log *slog.Logger
	cfg ServerConfig

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
	conns    map[*websocket.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(reg *locks.Registry, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 32
	}
	return &Server{
		reg: reg,
		log: logger,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		sessions: map[string]*session{},
		conns:    map[*websocket.Conn]struct{}{},
	}
}

// Close disconnects every connection and waits for their handlers to
// return. No registry change is applied through the server afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// Sessions is the number of connected sessions.
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if !s.track(conn) {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			return
		}
		defer s.untrack(conn)

		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		s.mu.Lock()
		s.sessions[sess.id] = sess
		s.mu.Unlock()
		log := s.log.With("session", sess.id, "actor", sess.actor)
		log.Info("lock relay session joined")
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess.id)
			s.mu.Unlock()
			log.Info("lock relay session left")
		}()

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
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handle(sess, msg, log)
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	m, err := protocol.Decode(msg)
	hello, ok := m.(*protocol.HelloMsg)
	if err != nil || !ok {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, "expected HELLO"))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoVersion, "unsupported protocol_version"))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}

	sess := &session{
		id:    uuid.NewString(),
		actor: hello.ActorID,
		out:   make(chan []byte, s.cfg.QueueSize),
		lim:   rate.NewLimiter(rate.Inf, 0),
	}
	if s.cfg.MessagesPerSecond > 0 {
		sess.lim = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.id,
		LockExpiryMs:    s.reg.Expiry().Milliseconds(),
	}
	if hello.Snapshot {
		now := time.Now()
		for _, l := range s.reg.Snapshot() {
			welcome.Locks = append(welcome.Locks, protocol.LockRef{
				Pos:      l.Pos.ToArray(),
				OriginTS: l.OriginTS,
				AgeMs:    max(now.Sub(l.LocalAt).Milliseconds(), 0),
			})
		}
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}
	return sess
}

func (s *Server) handle(sess *session, msg []byte, log *slog.Logger) {
	m, err := protocol.Decode(msg)
	if err != nil {
		s.reply(sess, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
		return
	}
	lock, ok := m.(*protocol.LockMsg)
	if !ok {
		s.reply(sess, protocol.NewError(protocol.ErrBadRequest, "only LOCK and UNLOCK are accepted after HELLO"))
		return
	}
	if lock.ProtocolVersion != protocol.Version {
		s.reply(sess, protocol.NewError(protocol.ErrProtoVersion, "unsupported protocol_version"))
		return
	}
	if lock.ActorID != "" && lock.ActorID != sess.actor {
		s.ack(sess, lock, false, protocol.ErrNoPermission, "actor_id does not match session")
		return
	}
	if !sess.lim.Allow() {
		s.ack(sess, lock, false, protocol.ErrRateLimit, "too many lock messages")
		return
	}

	pos := model.Vec3i{X: lock.Pos[0], Y: lock.Pos[1], Z: lock.Pos[2]}
	var applied bool
	if lock.Type == protocol.TypeLock {
		applied = s.reg.Add(pos, lock.OriginTS)
	} else {
		applied = s.reg.Remove(pos, lock.OriginTS)
	}
	if !applied {
		s.ack(sess, lock, false, protocol.ErrStale, "older than the applied state")
		return
	}
	lock.ActorID = sess.actor
	b, err := json.Marshal(lock)
	if err != nil {
		log.Error("marshal relayed lock", "error", err)
		return
	}
	s.broadcast(sess.id, b)
	s.ack(sess, lock, true, "", "")
}

func (s *Server) broadcast(from string, b []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, other := range s.sessions {
		if id == from {
			continue
		}
		select {
		case other.out <- b:
		default:
			s.log.Warn("lock relay queue full; message dropped", "session", id)
		}
	}
}

func (s *Server) ack(sess *session, lock *protocol.LockMsg, accepted bool, code, msg string) {
	if lock.MsgID == "" {
		if !accepted && code != protocol.ErrStale {
			s.reply(sess, protocol.NewError(code, msg))
		}
		return
	}
	s.reply(sess, protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          lock.MsgID,
		Accepted:        accepted,
		Code:            code,
		Message:         msg,
	})
}

func (s *Server) reply(sess *session, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case sess.out <- b:
	default:
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
