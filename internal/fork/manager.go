package fork

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Brahma-fi/brahma-connect/internal/eip1193"
	"github.com/Brahma-fi/brahma-connect/internal/logger"
	"github.com/Brahma-fi/brahma-connect/internal/metrics"
	"github.com/Brahma-fi/brahma-connect/internal/wire"
	"github.com/ethereum/go-ethereum/common"
)

// ResetBlockNumber is reported as the block height right after a teardown.
const ResetBlockNumber uint64 = 19027441

type (
	Assigner interface {
		Assign(ctx context.Context, account common.Address) error
		RPCURL(account common.Address) string
	}

	// Notifier forwards host coordination messages to the session tracker.
	Notifier interface {
		Notify(ctx context.Context, msg wire.Message) error
	}

	Client interface {
		eip1193.Provider
		Close()
	}

	DialFunc func(ctx context.Context, url string) (Client, error)

	Config struct {
		Account  common.Address
		ChainID  uint64
		Live     eip1193.Provider
		Assigner Assigner
		Notifier Notifier
		Dial     DialFunc
	}
)

type State string

const (
	StateUnprovisioned State = "unprovisioned"
	StateProvisioning  State = "provisioning"
	StateProvisioned   State = "provisioned"
)

type provision struct {
	done   chan struct{}
	client Client
	err    error
}

func DialRPC(ctx context.Context, url string) (Client, error) {
	client, err := eip1193.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Manager routes provider calls of one session. Pure reads go to the live
// network until the first write provisions a fork; from then on everything
// is answered by the fork.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	pending     *provision
	blockNumber *uint64
}

func NewManager(cfg Config) *Manager {
	if cfg.Dial == nil {
		cfg.Dial = DialRPC
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.Named("fork_manager").With("account", cfg.Account.Hex()),
	}
}

func (m *Manager) Request(ctx context.Context, req eip1193.Request) (json.RawMessage, error) {
	switch req.Method {
	case "eth_chainId":
		if m.cfg.ChainID != 0 {
			metrics.ForkRoutes.WithLabelValues("static").Inc()
			return eip1193.Marshal(eip1193.EncodeQuantity(m.cfg.ChainID))
		}
		return m.live(ctx, req)

	case "evm_snapshot", "evm_revert":
		metrics.ForkRoutes.WithLabelValues("noop").Inc()
		return eip1193.Null, nil

	case "eth_blockNumber":
		m.mu.Lock()
		synthetic := m.blockNumber
		m.mu.Unlock()
		if synthetic != nil {
			metrics.ForkRoutes.WithLabelValues("synthetic").Inc()
			return eip1193.Marshal(eip1193.EncodeQuantity(*synthetic))
		}
		return m.fork(ctx, req)

	case "eth_sendTransaction":
		return m.fork(ctx, req)

	default:
		m.mu.Lock()
		p := m.pending
		m.mu.Unlock()
		if p == nil {
			return m.live(ctx, req)
		}
		return m.fork(ctx, req)
	}
}

func (m *Manager) live(ctx context.Context, req eip1193.Request) (json.RawMessage, error) {
	metrics.ForkRoutes.WithLabelValues("live").Inc()
	return m.cfg.Live.Request(ctx, req)
}

func (m *Manager) fork(ctx context.Context, req eip1193.Request) (json.RawMessage, error) {
	client, err := m.ensure(ctx)
	if err != nil {
		return nil, err
	}
	metrics.ForkRoutes.WithLabelValues("fork").Inc()
	return client.Request(ctx, req)
}

// ensure returns the session's fork client, provisioning it on first use.
// Concurrent callers share one provisioning attempt.
func (m *Manager) ensure(ctx context.Context) (Client, error) {
	m.mu.Lock()
	p := m.pending
	if p == nil {
		p = &provision{done: make(chan struct{})}
		m.pending = p
		go m.provision(context.WithoutCancel(ctx), p)
	}
	m.mu.Unlock()

	select {
	case <-p.done:
		return p.client, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) provision(ctx context.Context, p *provision) {
	defer close(p.done)

	client, err := m.create(ctx, p)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		metrics.ForkProvisions.WithLabelValues("error").Inc()
		m.logger.Error("fork provisioning failed", "err", err)
		p.err = err
		if m.pending == p {
			m.pending = nil
		}
		return
	}

	metrics.ForkProvisions.WithLabelValues("ok").Inc()
	p.client = client
	if m.pending == p {
		m.blockNumber = nil
	}
}

// create assigns and dials the fork. Simulation is only announced while p is
// still the session's provisioning; a fork deleted mid-assignment is dialed
// so DeleteFork can reset it, but never gets redirects.
func (m *Manager) create(ctx context.Context, p *provision) (Client, error) {
	if err := m.cfg.Assigner.Assign(ctx, m.cfg.Account); err != nil {
		return nil, err
	}

	url := m.cfg.Assigner.RPCURL(m.cfg.Account)
	if m.current(p) {
		m.notify(ctx, wire.StartSimulating(m.cfg.ChainID, url))
	}

	client, err := m.cfg.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial fork %s: %w", url, err)
	}

	m.logger.Info("fork provisioned", "rpc_url", url)
	return client, nil
}

// DeleteFork tears the session's fork down. It never fails; problems are logged.
func (m *Manager) DeleteFork(ctx context.Context) {
	m.mu.Lock()
	p := m.pending
	m.pending = nil
	reset := ResetBlockNumber
	m.blockNumber = &reset
	m.mu.Unlock()

	// The stop must follow any start the in-flight provisioning announces.
	if p != nil {
		select {
		case <-p.done:
		case <-ctx.Done():
			m.logger.Warn("fork teardown abandoned while provisioning", "err", ctx.Err())
			m.notify(context.WithoutCancel(ctx), wire.StopSimulating())
			return
		}
	}

	m.notify(ctx, wire.StopSimulating())

	if p == nil || p.client == nil {
		return
	}
	defer p.client.Close()

	if _, err := p.client.Request(ctx, eip1193.Request{Method: "console_reset", Params: []any{m.cfg.Account.Hex()}}); err != nil {
		m.logger.Warn("fork reset failed", "err", err)
		return
	}
	m.logger.Info("fork deleted")
}

func (m *Manager) current(p *provision) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending == p
}

func (m *Manager) notify(ctx context.Context, msg wire.Message) {
	if m.cfg.Notifier == nil {
		return
	}
	if err := m.cfg.Notifier.Notify(ctx, msg); err != nil {
		m.logger.Warn("failed to notify tracker", "type", msg.Type, "err", err)
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	p := m.pending
	m.mu.Unlock()

	if p == nil {
		return StateUnprovisioned
	}
	select {
	case <-p.done:
		return StateProvisioned
	default:
		return StateProvisioning
	}
}

// BlockNumber returns the synthetic block number, if one is set.
func (m *Manager) BlockNumber() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blockNumber == nil {
		return 0, false
	}
	return *m.blockNumber, true
}

func (m *Manager) RPCURL() string {
	return m.cfg.Assigner.RPCURL(m.cfg.Account)
}
