package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Brahma-fi/brahma-connect/internal/eip1193"
	"github.com/Brahma-fi/brahma-connect/internal/logger"
	"github.com/Brahma-fi/brahma-connect/internal/metrics"
	"github.com/Brahma-fi/brahma-connect/internal/notify"
	"github.com/Brahma-fi/brahma-connect/internal/wire"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotInitialized = eip1193.NewError(eip1193.CodeDisconnected, "bridge not initialized")
	ErrNoProvider     = eip1193.NewError(eip1193.CodeDisconnected, "no provider configured")
)

// Connection is the account and chain the host presents to the page.
type Connection struct {
	Account common.Address
	ChainID uint64
}

// Host is the coordinator end of the bridge. The first context to send init
// becomes the only one whose requests are executed, until Reset.
type Host struct {
	logger *slog.Logger

	mu       sync.Mutex
	provider eip1193.Provider
	conn     Connection
	peer     Source

	nextProbe uint64
	probes    map[uint64]chan wire.Message
}

func NewHost(provider eip1193.Provider, conn Connection) *Host {
	return &Host{
		logger:   logger.Named("bridge_host"),
		provider: provider,
		conn:     conn,
		probes:   make(map[uint64]chan wire.Message),
	}
}

// Attach starts serving deliveries from inbox. Requests run with ctx.
func (h *Host) Attach(ctx context.Context, inbox Inbox) (detach func()) {
	return inbox.Subscribe(func(d Delivery) {
		h.handle(ctx, d)
	})
}

func (h *Host) SetProvider(provider eip1193.Provider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.provider = provider
}

// SetConnection replaces the presented connection and emits accountsChanged
// and chainChanged to the peer for whatever changed.
func (h *Host) SetConnection(conn Connection) error {
	h.mu.Lock()
	previous := h.conn
	h.conn = conn
	peer := h.peer
	h.mu.Unlock()

	if peer == nil {
		return nil
	}

	var errs []error
	if previous.Account != conn.Account {
		errs = append(errs, h.emit(peer, EventAccountsChanged, []string{conn.Account.Hex()}))
	}
	if previous.ChainID != conn.ChainID {
		errs = append(errs, h.emit(peer, EventChainChanged, eip1193.EncodeQuantity(conn.ChainID)))
	}
	return errors.Join(errs...)
}

func (h *Host) Connection() Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

func (h *Host) emit(peer Source, event string, args ...any) error {
	msg, err := wire.NewEvent(event, args...)
	if err != nil {
		return err
	}
	if err := peer.Post(msg); err != nil {
		return fmt.Errorf("failed to post %s event: %w", event, err)
	}
	return nil
}

// Reset forgets the authenticated peer; the next init claims the bridge.
func (h *Host) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peer != nil {
		h.logger.Info("bridge peer reset", "peer", h.peer.ID())
	}
	h.peer = nil
}

func (h *Host) Peer() Source {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peer
}

func (h *Host) handle(ctx context.Context, d Delivery) {
	msg := d.Message
	switch msg.Kind() {
	case wire.KindInit:
		h.handleInit(d)
	case wire.KindRequest:
		h.handleRequest(ctx, d)
	case wire.KindHost:
		if msg.IsChainIDResult() {
			h.settleProbe(msg)
		}
	}
}

func (h *Host) handleInit(d Delivery) {
	if d.Source == nil {
		h.violation("anonymous_init", "dropping init without source")
		return
	}

	h.mu.Lock()
	switch {
	case h.peer == nil:
		h.peer = d.Source
		h.logger.Info("bridge peer authenticated", "peer", d.Source.ID())
	case h.peer.ID() != d.Source.ID():
		h.mu.Unlock()
		h.violation("foreign_init", "dropping init from foreign source", "source", d.Source.ID())
		return
	}
	account := h.conn.Account
	h.mu.Unlock()

	if err := d.Source.Post(wire.Text(notify.AccountsChanged(account.Hex()))); err != nil {
		h.logger.Warn("failed to acknowledge init", "err", err)
	}
}

func (h *Host) handleRequest(ctx context.Context, d Delivery) {
	id, ok := d.Message.ID()
	if !ok || d.Message.Request == nil {
		h.violation("malformed", "dropping request without id or payload")
		return
	}
	if d.Source == nil {
		h.violation("anonymous_request", "dropping request without source", "message_id", id)
		return
	}

	h.mu.Lock()
	peer, provider := h.peer, h.provider
	h.mu.Unlock()

	if peer == nil {
		h.violation("not_initialized", "rejecting request before init", "message_id", id, "method", d.Message.Request.Method)
		if err := d.Source.Post(wire.NewResponse(id, nil, ErrNotInitialized)); err != nil {
			h.logger.Warn("failed to post rejection", "message_id", id, "err", err)
		}
		return
	}
	if peer.ID() != d.Source.ID() {
		h.violation("foreign_source", "dropping request from foreign source", "message_id", id, "source", d.Source.ID())
		return
	}

	req := *d.Message.Request
	go func() {
		var (
			result json.RawMessage
			err    error
		)
		if provider == nil {
			err = ErrNoProvider
		} else {
			result, err = provider.Request(ctx, req)
		}

		if err != nil {
			metrics.BridgeRequests.WithLabelValues("error").Inc()
			h.logger.Debug("bridged request failed", "message_id", id, "method", req.Method, "err", err)
		} else {
			metrics.BridgeRequests.WithLabelValues("ok").Inc()
		}

		if err := peer.Post(wire.NewResponse(id, result, err)); err != nil {
			h.logger.Warn("failed to post response", "message_id", id, "method", req.Method, "err", err)
		}
	}()
}

func (h *Host) violation(reason, msg string, args ...any) {
	metrics.ProtocolViolations.WithLabelValues(reason).Inc()
	h.logger.Warn(msg, args...)
}

// ProbeChainID asks the peer to fetch endpoint's chain id with its own origin.
func (h *Host) ProbeChainID(ctx context.Context, endpoint string) (uint64, error) {
	h.mu.Lock()
	peer := h.peer
	if peer == nil {
		h.mu.Unlock()
		return 0, ErrNotInitialized
	}
	id := h.nextProbe
	h.nextProbe++
	ch := make(chan wire.Message, 1)
	h.probes[id] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.probes, id)
		h.mu.Unlock()
	}()

	if err := peer.Post(wire.RequestChainID(id, endpoint)); err != nil {
		return 0, fmt.Errorf("failed to request chain id probe: %w", err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return 0, msg.Error
		}
		return msg.NetworkID, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (h *Host) settleProbe(msg wire.Message) {
	id, ok := msg.ID()
	if !ok {
		return
	}

	h.mu.Lock()
	ch, waiting := h.probes[id]
	delete(h.probes, id)
	h.mu.Unlock()

	if waiting {
		ch <- msg
	}
}
