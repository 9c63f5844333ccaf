package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Brahma-fi/brahma-connect/internal/logger"
	"github.com/Brahma-fi/brahma-connect/internal/metrics"
	"github.com/Brahma-fi/brahma-connect/internal/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20
)

// NewUpgrader accepts browser origins from allowed; an empty list or "*" accepts any origin.
func NewUpgrader(allowed []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 || slices.Contains(allowed, "*") {
				return true
			}
			return slices.Contains(allowed, origin)
		},
	}
}

// Conn is the remote end of a websocket carrying wire messages. It is a
// Source for the local side and feeds everything it reads into an inbox.
type Conn struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func NewConn(ws *websocket.Conn) *Conn {
	id := uuid.NewString()
	ws.SetReadLimit(maxMessageSize)
	return &Conn{
		id:     id,
		ws:     ws,
		logger: logger.Named("bridge_conn").With("conn_id", id),
	}
}

func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bridge %s: %w", url, err)
	}
	return NewConn(ws), nil
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Post(msg wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write %s message: %w", msg.Kind(), err)
	}
	return nil
}

// Run reads messages until the connection closes or ctx is done and
// delivers them to inbox with c as their source. Undecodable frames are
// dropped.
func (c *Conn) Run(ctx context.Context, inbox *Window) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return fmt.Errorf("failed to read bridge message: %w", err)
		}

		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			metrics.ProtocolViolations.WithLabelValues("malformed").Inc()
			c.logger.Warn("dropping malformed message", "err", err)
			continue
		}
		inbox.Deliver(Delivery{Source: c, Message: msg})
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
