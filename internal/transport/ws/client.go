package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voxelstash.ai/internal/protocol"
	"voxelstash.ai/internal/stash/locks"
	"voxelstash.ai/internal/stash/model"
)

// Client feeds relayed lock messages into a local registry and publishes
// the actor's own locks.
type Client struct {
	conn    *websocket.Conn
	reg     *locks.Registry
	log     *slog.Logger
	actorID string
	session string

	wmu sync.Mutex
}

// Dial connects, performs the HELLO/WELCOME handshake and applies the lock
// snapshot carried by WELCOME. Snapshot locks keep the age the relay reports,
// so joining late does not extend their expiry.
func Dial(ctx context.Context, url, actorID string, reg *locks.Registry, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{conn: conn, reg: reg, log: logger, actorID: actorID}
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ActorID:         actorID,
		Snapshot:        true,
	}
	if err := c.send(hello); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read WELCOME: %w", err)
	}
	m, err := protocol.Decode(msg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	switch w := m.(type) {
	case *protocol.WelcomeMsg:
		c.session = w.SessionID
		now := time.Now()
		entries := make([]model.LockEntry, 0, len(w.Locks))
		for _, l := range w.Locks {
			entries = append(entries, model.LockEntry{
				Pos:      model.Vec3i{X: l.Pos[0], Y: l.Pos[1], Z: l.Pos[2]},
				OriginTS: l.OriginTS,
				LocalAt:  now.Add(-time.Duration(l.AgeMs) * time.Millisecond),
			})
		}
		reg.Restore(entries)
	case *protocol.ErrorMsg:
		conn.Close()
		return nil, fmt.Errorf("handshake rejected: %s: %s", w.Code, w.Message)
	default:
		conn.Close()
		return nil, fmt.Errorf("%w: expected WELCOME", protocol.ErrBadMessage)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return c, nil
}

func (c *Client) SessionID() string { return c.session }

// Run applies relayed messages until ctx ends or the connection drops.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		m, err := protocol.Decode(msg)
		if err != nil {
			c.log.Warn("lock relay message rejected", "error", err)
			continue
		}
		switch v := m.(type) {
		case *protocol.LockMsg:
			pos := model.Vec3i{X: v.Pos[0], Y: v.Pos[1], Z: v.Pos[2]}
			if v.Type == protocol.TypeLock {
				c.reg.Add(pos, v.OriginTS)
			} else {
				c.reg.Remove(pos, v.OriginTS)
			}
		case *protocol.ErrorMsg:
			c.log.Warn("lock relay error", "code", v.Code, "message", v.Message)
		case *protocol.AckMsg:
			if !v.Accepted {
				c.log.Debug("lock message not accepted", "msg_id", v.AckFor, "code", v.Code)
			}
		}
	}
}

// Lock announces that the actor holds pos.
func (c *Client) Lock(pos model.Vec3i, originTS int64) error {
	return c.send(protocol.NewLock(pos.ToArray(), originTS, c.actorID))
}

func (c *Client) Unlock(pos model.Vec3i, originTS int64) error {
	return c.send(protocol.NewUnlock(pos.ToArray(), originTS, c.actorID))
}

func (c *Client) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return io.ErrClosedPipe
		}
		return err
	}
	return nil
}

func (c *Client) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.conn.Close()
}
