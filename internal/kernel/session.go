package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Brahma-fi/brahma-connect/internal/bridge"
	"github.com/Brahma-fi/brahma-connect/internal/fork"
	"github.com/Brahma-fi/brahma-connect/internal/logger"
	"github.com/Brahma-fi/brahma-connect/internal/notify"
	"github.com/Brahma-fi/brahma-connect/internal/simulate"
	"github.com/Brahma-fi/brahma-connect/internal/tracker"
	"github.com/Brahma-fi/brahma-connect/internal/wire"
	"github.com/ethereum/go-ethereum/common"
)

const prefetchTimeout = 10 * time.Second

// Session is the coordinator state of one browsing context: its bridge
// host, fork manager, simulation adapter and notification channel.
type Session struct {
	contextID int
	window    *bridge.Window
	host      *bridge.Host
	forks     *fork.Manager
	adapter   *simulate.Adapter
	hub       *notify.Hub
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	detach []func()

	mu    sync.Mutex
	conns map[string]*bridge.Conn
}

// trackerNotifier hands the fork manager's coordination messages to the tracker.
type trackerNotifier struct {
	tracker   *tracker.Tracker
	contextID int
}

func (n trackerNotifier) Notify(ctx context.Context, msg wire.Message) error {
	return n.tracker.HandleMessage(ctx, n.contextID, msg)
}

func newSession(k *Kernel, contextID int) *Session {
	cfg := k.cfg
	console := common.HexToAddress(cfg.Console.Address)

	s := &Session{
		contextID: contextID,
		window:    bridge.NewWindow(fmt.Sprintf("context-%d", contextID)),
		hub:       notify.NewHub(),
		logger:    logger.Named("session").With("context_id", contextID),
		conns:     make(map[string]*bridge.Conn),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.forks = fork.NewManager(fork.Config{
		Account:  console,
		ChainID:  cfg.Chain.ID,
		Live:     k.live,
		Assigner: k.assigner,
		Notifier: trackerNotifier{tracker: k.tracker, contextID: contextID},
		Dial:     k.dial,
	})

	var hooks simulate.Hooks
	if k.journal != nil {
		hooks = k.journal.Hooks(contextID, console)
	}
	s.adapter = simulate.NewAdapter(s.forks, simulate.Options{
		Console:      console,
		Owner:        common.HexToAddress(cfg.Console.OwnerAddress),
		Hooks:        hooks,
		Notifier:     s.hub,
		PollInterval: cfg.Signature.PollInterval,
		MaxAttempts:  cfg.Signature.MaxAttempts,
	})

	s.host = bridge.NewHost(s.adapter, bridge.Connection{Account: console, ChainID: cfg.Chain.ID})
	s.detach = append(s.detach,
		s.host.Attach(s.ctx, s.window),
		s.window.Subscribe(func(d bridge.Delivery) {
			if d.Message.Kind() != wire.KindHost || d.Message.IsChainIDResult() {
				return
			}
			if peer := s.host.Peer(); peer == nil || d.Source == nil || peer.ID() != d.Source.ID() {
				s.logger.Warn("dropping page message from unauthenticated source", "type", d.Message.Type)
				return
			}
			if err := k.tracker.HandleMessage(s.ctx, contextID, d.Message); err != nil {
				s.logger.Warn("failed to apply page message", "type", d.Message.Type, "err", err)
			}
		}),
	)

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, prefetchTimeout)
		defer cancel()
		s.adapter.Prefetch(ctx)
	}()

	return s
}

func (s *Session) ContextID() int {
	return s.contextID
}

func (s *Session) Host() *bridge.Host {
	return s.host
}

func (s *Session) Forks() *fork.Manager {
	return s.forks
}

func (s *Session) Notifications() *notify.Hub {
	return s.hub
}

// Serve runs a page connection until it closes.
func (s *Session) Serve(ctx context.Context, conn *bridge.Conn) error {
	s.mu.Lock()
	s.conns[conn.ID()] = conn
	s.mu.Unlock()
	s.logger.Info("page connected", "conn_id", conn.ID())

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn.ID())
		s.mu.Unlock()
		s.logger.Info("page disconnected", "conn_id", conn.ID())
	}()

	return conn.Run(ctx, s.window)
}

func (s *Session) broadcast(msg wire.Message) error {
	s.mu.Lock()
	conns := make([]*bridge.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Post(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeleteFork tears the context's simulation fork down.
func (s *Session) DeleteFork(ctx context.Context) {
	s.forks.DeleteFork(ctx)
}

func (s *Session) close(ctx context.Context) {
	s.forks.DeleteFork(ctx)
	for _, detach := range s.detach {
		detach()
	}
	s.cancel()
	s.window.Close()

	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*bridge.Conn)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
