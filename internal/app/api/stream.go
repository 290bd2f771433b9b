package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/todo-1m/taskchat/internal/app/session"
	"github.com/todo-1m/taskchat/internal/platform/metrics"
	"github.com/todo-1m/taskchat/internal/viewcache"
	"go.uber.org/zap"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
)

// Client frame ops.
const (
	OpOpen  = "open"
	OpClose = "close"
)

// Server frame types.
const (
	FrameOpened   = "opened"
	FrameSnapshot = "snapshot"
	FrameClosed   = "closed"
	FrameError    = "error"
)

var ErrUnknownOp = errors.New("unknown op")

// ClientFrame opens a view (op "open", Ref echoed back) or closes one (op "close", ID
// of the handle).
type ClientFrame struct {
	Op  string `json:"op"`
	Ref string `json:"ref,omitempty"`
	ID  string `json:"id,omitempty"`
	session.Query
}

type ServerFrame struct {
	Type      string `json:"type"`
	Ref       string `json:"ref,omitempty"`
	ID        string `json:"id,omitempty"`
	View      string `json:"view,omitempty"`
	Version   uint64 `json:"version,omitempty"`
	Stale     bool   `json:"stale,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Status    int    `json:"status,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (h *Handler) acceptOptions() *websocket.AcceptOptions {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	patterns := []string{allowed}
	if u, err := url.Parse(allowed); err == nil && u.Host != "" {
		patterns = []string{u.Host}
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		h.Log.Warn("websocket accept failed", zap.Error(err))
		return
	}
	metrics.StreamConnections.Inc()
	defer metrics.StreamConnections.Dec()

	// The request context is cancelled once the handler returns; the session lives
	// exactly as long as the read loop.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := session.New(ctx, actorFrom(r), h.Sessions)
	c := &streamConn{
		conn:    conn,
		cancel:  cancel,
		session: sess,
		send:    make(chan ServerFrame, sendBufferSize),
		log:     h.Log.With(zap.String("user_id", sess.UserID())),
	}
	go c.writePump(ctx)
	c.readPump(ctx)

	cancel()
	sess.Close()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

type streamConn struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	session *session.Session
	send    chan ServerFrame
	log     *zap.Logger
}

func (c *streamConn) readPump(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError(ctx, "", "", ErrInvalidPayload)
			continue
		}
		switch strings.TrimSpace(frame.Op) {
		case OpOpen:
			c.open(ctx, frame)
		case OpClose:
			if err := c.session.CloseHandle(frame.ID); err != nil {
				c.sendError(ctx, frame.Ref, frame.ID, err)
				continue
			}
			c.push(ctx, ServerFrame{Type: FrameClosed, Ref: frame.Ref, ID: frame.ID})
		default:
			c.sendError(ctx, frame.Ref, frame.ID, ErrUnknownOp)
		}
	}
}

func (c *streamConn) open(ctx context.Context, frame ClientFrame) {
	handle, err := c.session.Open(ctx, frame.Query)
	if err != nil {
		c.sendError(ctx, frame.Ref, "", err)
		return
	}
	c.push(ctx, ServerFrame{Type: FrameOpened, Ref: frame.Ref, ID: handle.ID, View: handle.Query.View})
	go c.forward(ctx, handle)
}

// forward pushes the first clean snapshot and then one per refetch until the handle
// is closed.
func (c *streamConn) forward(ctx context.Context, handle *session.Handle) {
	var sent uint64
	deliver := func(snap viewcache.Snapshot) {
		if snap.Version <= sent {
			return
		}
		sent = snap.Version
		c.push(ctx, ServerFrame{
			Type:    FrameSnapshot,
			ID:      handle.ID,
			View:    handle.Query.View,
			Version: snap.Version,
			Stale:   snap.Stale,
			Data:    snap.Value,
		})
	}

	snap, err := handle.Get(ctx)
	if err != nil {
		if errors.Is(err, viewcache.ErrViewClosed) || ctx.Err() != nil {
			return
		}
		c.sendError(ctx, "", handle.ID, err)
	} else {
		deliver(snap)
	}
	for snap := range handle.Updates() {
		deliver(snap)
	}
}

func (c *streamConn) sendError(ctx context.Context, ref, id string, err error) {
	status, resp := describeError(err)
	c.push(ctx, ServerFrame{Type: FrameError, Ref: ref, ID: id, Error: resp.Error, Status: status, Retryable: resp.Retryable})
}

func (c *streamConn) push(ctx context.Context, frame ServerFrame) {
	select {
	case c.send <- frame:
	case <-ctx.Done():
	}
}

// writePump owns all writes. A failed write ends the connection.
func (c *streamConn) writePump(ctx context.Context) {
	defer c.cancel()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			if err := wsjson.Write(ctx, c.conn, frame); err != nil {
				c.log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
