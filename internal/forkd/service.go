// Package forkd is a local stand-in for the fork conductor: it assigns one
// anvil fork of the upstream chain per controlling account and proxies the
// fork's JSON-RPC traffic.
package forkd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Brahma-fi/brahma-connect/configs"
	"github.com/Brahma-fi/brahma-connect/internal/logger"
	"github.com/Brahma-fi/brahma-connect/internal/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

var (
	ErrInvalidAccount = errors.New("invalid account address")
	ErrNoFork         = errors.New("no fork assigned to account")
	ErrRateLimited    = errors.New("fork provisioning rate exceeded")
	ErrNoPort         = errors.New("no free port for fork node")
)

const (
	readyPollInterval = 250 * time.Millisecond
	readyTimeout      = 30 * time.Second
)

type Service struct {
	cfg     configs.Forkd
	runtime Runtime
	limiter *rate.Limiter
	logger  *slog.Logger

	readyPoll    time.Duration
	readyTimeout time.Duration

	clientOnce sync.Once
	client     *resty.Client

	mu    sync.Mutex
	forks *registry
}

func NewService(cfg configs.Forkd, runtime Runtime) (*Service, error) {
	reg, err := loadRegistry(cfg.StateFile)
	if err != nil {
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.ProvisionsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.ProvisionsPerMinute)), cfg.ProvisionsPerMinute)
	}

	return &Service{
		cfg:          cfg,
		runtime:      runtime,
		limiter:      limiter,
		logger:       logger.Named("forkd"),
		readyPoll:    readyPollInterval,
		readyTimeout: readyTimeout,
		forks:        reg,
	}, nil
}

// Reconcile drops registry entries whose container is gone.
func (s *Service) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.forks.list() {
		running, err := s.runtime.Running(ctx, f.ContainerID)
		if err != nil {
			return fmt.Errorf("failed to inspect fork of %s: %w", f.Account, err)
		}
		if running {
			continue
		}
		s.logger.Info("dropping stale fork", "account", f.Account, "container", f.ContainerID)
		_ = s.runtime.Remove(ctx, f.ContainerID)
		if err := s.forks.delete(f.Account); err != nil {
			return err
		}
	}
	return nil
}

// Assign returns the account's fork, starting one when none runs yet.
func (s *Service) Assign(ctx context.Context, account string) (Fork, error) {
	key, err := normalizeAccount(account)
	if err != nil {
		return Fork{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.forks.get(key); ok {
		return f, nil
	}

	if !s.limiter.Allow() {
		metrics.ForkProvisions.WithLabelValues("rate_limited").Inc()
		return Fork{}, ErrRateLimited
	}

	port, err := s.freePort()
	if err != nil {
		return Fork{}, err
	}

	node, err := s.runtime.Start(ctx, NodeSpec{
		Account:        key,
		Image:          s.cfg.Image,
		UpstreamRPCURL: s.cfg.UpstreamRPCURL,
		ChainID:        s.cfg.ChainID,
		Host:           s.cfg.Host,
		Port:           port,
	})
	if err != nil {
		metrics.ForkProvisions.WithLabelValues("error").Inc()
		return Fork{}, fmt.Errorf("failed to start fork node: %w", err)
	}

	if err := s.waitReady(ctx, node.URL); err != nil {
		logs := s.runtime.Logs(context.WithoutCancel(ctx), node.ContainerID)
		_ = s.runtime.Remove(context.WithoutCancel(ctx), node.ContainerID)
		metrics.ForkProvisions.WithLabelValues("error").Inc()
		if logs != "" {
			return Fork{}, fmt.Errorf("fork node never became ready: %w: %s", err, logs)
		}
		return Fork{}, fmt.Errorf("fork node never became ready: %w", err)
	}

	f := Fork{
		Account:     key,
		ContainerID: node.ContainerID,
		URL:         node.URL,
		Port:        port,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.forks.put(f); err != nil {
		return Fork{}, err
	}

	metrics.ForkProvisions.WithLabelValues("ok").Inc()
	s.logger.Info("fork assigned", "account", key, "url", node.URL)
	return f, nil
}

// Release stops the account's fork.
func (s *Service) Release(ctx context.Context, account string) error {
	key, err := normalizeAccount(account)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.forks.get(key)
	if !ok {
		return ErrNoFork
	}
	if err := s.runtime.Remove(ctx, f.ContainerID); err != nil {
		return err
	}
	s.logger.Info("fork released", "account", key)
	return s.forks.delete(key)
}

func (s *Service) Lookup(account string) (Fork, error) {
	key, err := normalizeAccount(account)
	if err != nil {
		return Fork{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.forks.get(key)
	if !ok {
		return Fork{}, ErrNoFork
	}
	return f, nil
}

func (s *Service) Forks() []Fork {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forks.list()
}

func (s *Service) freePort() (int, error) {
	used := s.forks.usedPorts()
	for port := s.cfg.PortRangeStart; port <= 65535; port++ {
		if _, taken := used[port]; !taken {
			return port, nil
		}
	}
	return 0, ErrNoPort
}

// waitReady polls the node until it answers eth_chainId.
func (s *Service) waitReady(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, s.readyTimeout)
	defer cancel()

	ticker := time.NewTicker(s.readyPoll)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = probeChainID(ctx, url); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

func probeChainID(ctx context.Context, url string) error {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return err
	}
	defer client.Close()

	var id hexutil.Big
	return client.CallContext(ctx, &id, "eth_chainId")
}

func normalizeAccount(account string) (string, error) {
	if !common.IsHexAddress(account) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAccount, account)
	}
	return common.HexToAddress(account).Hex(), nil
}
