// Package kernel wires one coordinator process together: the tracker and its
// rule store, one bridge session per browsing context, and the HTTP surface
// the page side, the notification UI and operators talk to.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Brahma-fi/brahma-connect/configs"
	"github.com/Brahma-fi/brahma-connect/internal/bridge"
	"github.com/Brahma-fi/brahma-connect/internal/eip1193"
	"github.com/Brahma-fi/brahma-connect/internal/fork"
	"github.com/Brahma-fi/brahma-connect/internal/journal"
	"github.com/Brahma-fi/brahma-connect/internal/logger"
	"github.com/Brahma-fi/brahma-connect/internal/rules"
	"github.com/Brahma-fi/brahma-connect/internal/tracker"
	"github.com/Brahma-fi/brahma-connect/internal/wire"
	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no session for context")

type Options struct {
	Config   configs.Config
	Live     eip1193.Provider
	Assigner fork.Assigner
	Dial     fork.DialFunc
	// Journal is optional.
	Journal *journal.Store
}

type Kernel struct {
	cfg      configs.Config
	live     eip1193.Provider
	assigner fork.Assigner
	dial     fork.DialFunc
	journal  *journal.Store

	rules    *rules.Store
	tracker  *tracker.Tracker
	upgrader *websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[int]*Session
}

func New(opts Options) *Kernel {
	if opts.Dial == nil {
		opts.Dial = fork.DialRPC
	}

	k := &Kernel{
		cfg:      opts.Config,
		live:     opts.Live,
		assigner: opts.Assigner,
		dial:     opts.Dial,
		journal:  opts.Journal,
		rules:    rules.NewStore(),
		upgrader: bridge.NewUpgrader(opts.Config.Kernel.AllowedOrigins),
		logger:   logger.Named("kernel"),
		sessions: make(map[int]*Session),
	}
	k.tracker = tracker.New(rules.NewAdapter(k.rules), k, k, opts.Config.Kernel.KernelURL)
	return k
}

func (k *Kernel) Rules() *rules.Store {
	return k.rules
}

func (k *Kernel) Tracker() *tracker.Tracker {
	return k.tracker
}

// Session returns the session of contextID, creating it on first use.
func (k *Kernel) Session(contextID int) *Session {
	k.mu.Lock()
	defer k.mu.Unlock()

	if s, ok := k.sessions[contextID]; ok {
		return s
	}
	s := newSession(k, contextID)
	k.sessions[contextID] = s
	k.logger.Info("session created", "context_id", contextID)
	return s
}

func (k *Kernel) lookup(contextID int) (*Session, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	s, ok := k.sessions[contextID]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrNoSession, contextID)
	}
	return s, nil
}

// CloseSession untracks contextID and releases its session.
func (k *Kernel) CloseSession(ctx context.Context, contextID int) {
	k.tracker.StopTracking(ctx, contextID)

	k.mu.Lock()
	s, ok := k.sessions[contextID]
	delete(k.sessions, contextID)
	k.mu.Unlock()

	if ok {
		s.close(ctx)
	}
}

// Untrack stops tracking contextID and tears down its fork. The session and
// its page connections stay, so a later track starts from a fresh fork.
func (k *Kernel) Untrack(ctx context.Context, contextID int) {
	k.tracker.StopTracking(ctx, contextID)
	k.releaseFork(ctx, contextID)
}

func (k *Kernel) releaseFork(ctx context.Context, contextID int) {
	s, err := k.lookup(contextID)
	if err != nil || s.forks.State() == fork.StateUnprovisioned {
		return
	}
	s.DeleteFork(context.WithoutCancel(ctx))
}

// HandleContextEvent applies a host platform lifecycle event. Contexts the
// tracker starts following get a session, contexts it drops lose their fork
// and removed contexts are closed.
func (k *Kernel) HandleContextEvent(ctx context.Context, ev tracker.ContextEvent) {
	if ev.Kind == tracker.ContextRemoved {
		k.CloseSession(ctx, ev.ContextID)
		return
	}

	if ev.URL != "" && k.tracker.IsKernelPage(ev.URL) {
		k.Session(ev.ContextID)
	}

	wasActive := k.tracker.IsActive(ev.ContextID)
	k.tracker.HandleContextEvent(ctx, ev)
	if wasActive && !k.tracker.IsActive(ev.ContextID) {
		k.releaseFork(ctx, ev.ContextID)
	}
}

// SendToContext posts msg to every page connection of the context. A
// navigation resets the bridge and the replayed results so the reloaded
// page can claim it again.
func (k *Kernel) SendToContext(_ context.Context, contextID int, msg wire.Message) error {
	s, err := k.lookup(contextID)
	if err != nil {
		return err
	}
	if msg.Type == wire.TypeNavigationDetected {
		s.host.Reset()
		s.adapter.ResetFixtures()
	}
	return s.broadcast(msg)
}

// ProbeChainID asks the page side of the context to resolve endpoint.
func (k *Kernel) ProbeChainID(ctx context.Context, contextID int, endpoint string) (uint64, error) {
	s, err := k.lookup(contextID)
	if err != nil {
		return 0, err
	}
	return s.host.ProbeChainID(ctx, endpoint)
}

func (k *Kernel) contextIDs() []int {
	k.mu.Lock()
	defer k.mu.Unlock()

	ids := make([]int, 0, len(k.sessions))
	for id := range k.sessions {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (k *Kernel) Close(ctx context.Context) {
	for _, id := range k.contextIDs() {
		k.CloseSession(ctx, id)
	}
}
