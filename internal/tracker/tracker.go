// Package tracker keeps the host platform's network rules in sync with the
// browsing contexts being instrumented: which contexts are active, which RPC
// endpoints their dapps talk to, and which of them have a simulation fork.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Brahma-fi/brahma-connect/internal/logger"
	"github.com/Brahma-fi/brahma-connect/internal/metrics"
	"github.com/Brahma-fi/brahma-connect/internal/rules"
	"github.com/Brahma-fi/brahma-connect/internal/wire"
	"golang.org/x/sync/singleflight"
)

var ErrNotTracked = errors.New("context is not tracked")

type (
	// Prober asks the page side of a context to fetch the chain id of endpoint
	// with the dapp's own origin.
	Prober interface {
		ProbeChainID(ctx context.Context, contextID int, endpoint string) (uint64, error)
	}

	RuleReplacer interface {
		Replace(ctx context.Context, removeIDs []rules.ID, add []rules.Rule) error
	}

	// Messenger delivers host messages to the page bootstrap of a context.
	Messenger interface {
		SendToContext(ctx context.Context, contextID int, msg wire.Message) error
	}

	Fork struct {
		NetworkID uint64 `json:"networkId"`
		RPCURL    string `json:"rpcUrl"`
	}

	endpoint struct {
		networkID uint64
		resolved  bool
		settled   bool
		err       error
	}
)

type Tracker struct {
	rules     RuleReplacer
	prober    Prober
	messenger Messenger
	kernelURL string
	logger    *slog.Logger

	// mu also serializes rule installation so installs never interleave.
	mu        sync.Mutex
	active    map[int]struct{}
	endpoints map[int]map[string]*endpoint
	forks     map[int]Fork
	installed map[int][]rules.ID

	probes singleflight.Group
}

func New(replacer RuleReplacer, prober Prober, messenger Messenger, kernelURL string) *Tracker {
	return &Tracker{
		rules:     replacer,
		prober:    prober,
		messenger: messenger,
		kernelURL: kernelURL,
		logger:    logger.Named("tracker"),
		active:    make(map[int]struct{}),
		endpoints: make(map[int]map[string]*endpoint),
		forks:     make(map[int]Fork),
		installed: make(map[int][]rules.ID),
	}
}

// StartTracking marks a context active and reinstalls the header stripping rule.
func (t *Tracker) StartTracking(ctx context.Context, contextID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[contextID] = struct{}{}
	if t.endpoints[contextID] == nil {
		t.endpoints[contextID] = make(map[string]*endpoint)
	}
	metrics.TrackedContexts.Set(float64(len(t.active)))

	t.logger.Info("tracking context", "context_id", contextID)
	t.installHeaderRuleLocked(ctx)
}

// StopTracking forgets everything known about a context and removes its rules.
func (t *Tracker) StopTracking(ctx context.Context, contextID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked(ctx, contextID)
}

func (t *Tracker) stopLocked(ctx context.Context, contextID int) {
	delete(t.active, contextID)
	delete(t.endpoints, contextID)
	delete(t.forks, contextID)
	metrics.TrackedContexts.Set(float64(len(t.active)))

	if previous := t.installed[contextID]; len(previous) > 0 {
		if err := t.rules.Replace(ctx, previous, nil); err != nil {
			t.logger.Warn("failed to remove redirect rules", "context_id", contextID, "err", err)
		} else {
			delete(t.installed, contextID)
		}
	}

	t.logger.Info("stopped tracking context", "context_id", contextID)
	t.installHeaderRuleLocked(ctx)
}

// Toggle flips tracking for a context and reports whether it is now active.
func (t *Tracker) Toggle(ctx context.Context, contextID int) bool {
	if t.IsActive(contextID) {
		t.StopTracking(ctx, contextID)
		return false
	}
	t.StartTracking(ctx, contextID)
	return true
}

func (t *Tracker) IsActive(contextID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.active[contextID]
	return ok
}

// StartSimulating records the context's fork and redirects its endpoints to it.
func (t *Tracker) StartSimulating(ctx context.Context, contextID int, fork Fork) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.forks[contextID] = fork
	t.logger.Info("simulation started", "context_id", contextID, "network_id", fork.NetworkID, "rpc_url", fork.RPCURL)
	return t.installRedirectRulesLocked(ctx, contextID)
}

// StopSimulating drops the context's fork and its redirect rules.
func (t *Tracker) StopSimulating(ctx context.Context, contextID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.forks, contextID)
	t.logger.Info("simulation stopped", "context_id", contextID)
	return t.installRedirectRulesLocked(ctx, contextID)
}

// InstallRedirectRules replaces the context's redirect rules with the set
// derived from its observed endpoints and fork.
func (t *Tracker) InstallRedirectRules(ctx context.Context, contextID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.installRedirectRulesLocked(ctx, contextID)
}

func (t *Tracker) installRedirectRulesLocked(ctx context.Context, contextID int) error {
	var add []rules.Rule
	if fork, ok := t.forks[contextID]; ok {
		seen := make(map[rules.ID]string)
		for _, url := range sortedEndpoints(t.endpoints[contextID]) {
			if url == fork.RPCURL {
				continue
			}
			rule := redirectRule(contextID, url, fork.RPCURL)
			if other, ok := seen[rule.ID]; ok {
				t.logger.Warn("redirect rule id collision", "context_id", contextID, "endpoint", url, "kept", other, "rule_id", rule.ID)
				continue
			}
			seen[rule.ID] = url
			add = append(add, rule)
		}
	}

	previous := t.installed[contextID]
	if len(previous) == 0 && len(add) == 0 {
		return nil
	}

	next := make([]rules.ID, 0, len(add))
	for _, rule := range add {
		next = append(next, rule.ID)
	}

	if err := t.rules.Replace(ctx, unionIDs(previous, next), add); err != nil {
		t.logger.Warn("failed to install redirect rules", "context_id", contextID, "err", err)
		return err
	}

	if len(next) == 0 {
		delete(t.installed, contextID)
	} else {
		t.installed[contextID] = next
	}
	t.logger.Debug("redirect rules installed", "context_id", contextID, "rules", len(next))
	return nil
}

func (t *Tracker) installHeaderRuleLocked(ctx context.Context) {
	contextIDs := make([]int, 0, len(t.active))
	for id := range t.active {
		contextIDs = append(contextIDs, id)
	}
	sort.Ints(contextIDs)

	var add []rules.Rule
	if len(contextIDs) > 0 {
		add = []rules.Rule{headerRule(contextIDs)}
	}

	if err := t.rules.Replace(ctx, []rules.ID{rules.HeadersRuleID}, add); err != nil {
		t.logger.Warn("failed to install header rule", "contexts", contextIDs, "err", err)
	}
}

// UpdateRPCConfig installs the request header rule authenticating calls to the controller's RPC.
func (t *Tracker) UpdateRPCConfig(ctx context.Context, url, chainID, jwtToken string) error {
	if url == "" {
		return fmt.Errorf("rpc config without url")
	}

	if err := t.rules.Replace(ctx, []rules.ID{rules.RPCConfigRuleID}, []rules.Rule{rpcConfigRule(url, chainID, jwtToken)}); err != nil {
		t.logger.Warn("failed to install rpc config rule", "url", url, "err", err)
		return err
	}
	return nil
}

// HandleMessage applies a coordination message sent from the context.
func (t *Tracker) HandleMessage(ctx context.Context, contextID int, msg wire.Message) error {
	switch msg.Type {
	case wire.TypeStartSimulating:
		return t.StartSimulating(ctx, contextID, Fork{NetworkID: msg.NetworkID, RPCURL: msg.RPCURL})
	case wire.TypeStopSimulating:
		return t.StopSimulating(ctx, contextID)
	case wire.TypeUpdateRPCConfig:
		return t.UpdateRPCConfig(ctx, msg.URL, msg.ChainID, msg.JWTToken)
	default:
		t.logger.Debug("ignoring message", "context_id", contextID, "type", msg.Type)
		return nil
	}
}

// ContextState is a read-only view of one tracked context.
type ContextState struct {
	ContextID int             `json:"contextId"`
	Active    bool            `json:"active"`
	Fork      *Fork           `json:"fork,omitempty"`
	Endpoints []EndpointState `json:"endpoints"`
	RuleIDs   []rules.ID      `json:"ruleIds,omitempty"`
}

type EndpointState struct {
	URL       string `json:"url"`
	NetworkID uint64 `json:"networkId,omitempty"`
	Resolved  bool   `json:"resolved"`
}

func (t *Tracker) Snapshot() []ContextState {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make(map[int]struct{})
	for id := range t.active {
		ids[id] = struct{}{}
	}
	for id := range t.forks {
		ids[id] = struct{}{}
	}

	out := make([]ContextState, 0, len(ids))
	for id := range ids {
		_, active := t.active[id]
		state := ContextState{ContextID: id, Active: active, RuleIDs: append([]rules.ID(nil), t.installed[id]...)}
		if fork, ok := t.forks[id]; ok {
			fork := fork
			state.Fork = &fork
		}
		for _, url := range sortedEndpoints(t.endpoints[id]) {
			e := t.endpoints[id][url]
			state.Endpoints = append(state.Endpoints, EndpointState{URL: url, NetworkID: e.networkID, Resolved: e.resolved})
		}
		out = append(out, state)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ContextID < out[j].ContextID })
	return out
}

func sortedEndpoints(m map[string]*endpoint) []string {
	out := make([]string, 0, len(m))
	for url := range m {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}

func unionIDs(a, b []rules.ID) []rules.ID {
	seen := make(map[rules.ID]struct{}, len(a)+len(b))
	out := make([]rules.ID, 0, len(a)+len(b))
	for _, ids := range [][]rules.ID{a, b} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
