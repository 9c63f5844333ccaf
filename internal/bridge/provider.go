package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Brahma-fi/brahma-connect/internal/eip1193"
	"github.com/Brahma-fi/brahma-connect/internal/logger"
	"github.com/Brahma-fi/brahma-connect/internal/notify"
	"github.com/Brahma-fi/brahma-connect/internal/wire"
)

var (
	ErrNotInFrame = errors.New("injected provider must run inside an embedded frame")
	ErrClosed     = errors.New("provider closed")
)

const (
	EventConnect         = "connect"
	EventAccountsChanged = "accountsChanged"
	EventChainChanged    = "chainChanged"
)

type (
	// Capabilities is the identity surface dapps probe for to recognize a wallet.
	Capabilities struct {
		IsMetaMask      bool `json:"isMetaMask"`
		IsConsoleKernel bool `json:"isConsoleKernel"`
	}

	Options struct {
		// InitRetryDelay is the delay before the first init re-send; it doubles
		// after every attempt until InitRetries re-sends were made. When one
		// more doubled delay passes without an answer the handshake is given
		// up. Zero disables re-sends and the provider waits indefinitely.
		InitRetryDelay time.Duration
		InitRetries    int
		Capabilities   Capabilities
	}

	// LegacyResponse is the envelope handed to callback-style senders.
	LegacyResponse struct {
		ID      uint64          `json:"id"`
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
	}

	EventListener func(args ...json.RawMessage)
)

var DefaultCapabilities = Capabilities{IsMetaMask: true, IsConsoleKernel: true}

func DefaultOptions() Options {
	return Options{
		InitRetryDelay: 100 * time.Millisecond,
		InitRetries:    5,
		Capabilities:   DefaultCapabilities,
	}
}

// InjectedProvider is the page-context end of the bridge. Every call is
// forwarded to the coordinator and matched back to its response by id.
type InjectedProvider struct {
	top    Source
	opts   Options
	logger *slog.Logger

	unsubscribe func()
	ready       chan struct{}
	readyOnce   sync.Once
	gaveUp      chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once

	mu              sync.Mutex
	nextID          uint64
	waiters         map[uint64]chan wire.Message
	fixtures        map[uint64]wire.Message
	listeners       map[string]map[uint64]EventListener
	nextListener    uint64
	selectedAddress string
	chainID         string
}

// NewInjectedProvider posts init to top right away and listens on inbox for
// the coordinator's traffic. top is the embedding context; a provider
// without one cannot exist.
func NewInjectedProvider(top Source, inbox Inbox, opts Options) (*InjectedProvider, error) {
	if top == nil || inbox == nil {
		return nil, ErrNotInFrame
	}

	p := &InjectedProvider{
		top:       top,
		opts:      opts,
		logger:    logger.Named("injected_provider"),
		ready:     make(chan struct{}),
		gaveUp:    make(chan struct{}),
		closed:    make(chan struct{}),
		waiters:   make(map[uint64]chan wire.Message),
		fixtures:  make(map[uint64]wire.Message),
		listeners: make(map[string]map[uint64]EventListener),
	}
	p.unsubscribe = inbox.Subscribe(p.handle)

	if err := top.Post(wire.Init()); err != nil {
		p.logger.Warn("failed to post bridge init", "err", err)
	}
	go p.handshake()

	return p, nil
}

func (p *InjectedProvider) Capabilities() Capabilities {
	return p.opts.Capabilities
}

// handshake re-sends init with a doubling delay until the coordinator answers
// or the retries run out.
func (p *InjectedProvider) handshake() {
	delay := p.opts.InitRetryDelay
	if delay <= 0 {
		return
	}
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-p.ready:
			timer.Stop()
			return
		case <-p.closed:
			timer.Stop()
			return
		case <-timer.C:
		}

		if attempt > p.opts.InitRetries {
			p.logger.Warn("bridge handshake unanswered, giving up", "retries", p.opts.InitRetries)
			close(p.gaveUp)
			return
		}

		p.logger.Debug("re-sending bridge init", "attempt", attempt)
		if err := p.top.Post(wire.Init()); err != nil {
			p.logger.Warn("failed to post bridge init", "attempt", attempt, "err", err)
		}
		delay *= 2
	}
}

func (p *InjectedProvider) markReady() {
	p.readyOnce.Do(func() {
		close(p.ready)
		p.logger.Info("bridge connected")

		p.mu.Lock()
		chainID := p.chainID
		p.mu.Unlock()
		info, _ := json.Marshal(map[string]string{"chainId": chainID})
		p.emit(EventConnect, info)
	})
}

func (p *InjectedProvider) IsConnected() bool {
	select {
	case <-p.ready:
		return true
	default:
		return false
	}
}

func (p *InjectedProvider) handle(d Delivery) {
	msg := d.Message
	switch msg.Kind() {
	case wire.KindResponse:
		p.markReady()
		p.resolve(msg)
	case wire.KindEvent:
		p.markReady()
		p.applyEvent(msg)
		p.emit(msg.Event, msg.Args...)
	case wire.KindText:
		if notify.KindOf(msg.Text) != notify.KindAccountsChanged {
			return
		}
		p.markReady()
		p.mu.Lock()
		p.selectedAddress = notify.Payload(msg.Text)
		p.mu.Unlock()
	}
}

// resolve hands a response to the waiter of its id. Later responses with the
// same id are ignored.
func (p *InjectedProvider) resolve(msg wire.Message) {
	id, ok := msg.ID()
	if !ok {
		p.logger.Warn("dropping response without id")
		return
	}

	p.mu.Lock()
	ch, waiting := p.waiters[id]
	if !waiting {
		_, seen := p.fixtures[id]
		p.mu.Unlock()
		if seen {
			p.logger.Debug("ignoring duplicate response", "message_id", id)
		} else {
			p.logger.Debug("ignoring response nobody waits for", "message_id", id)
		}
		return
	}
	delete(p.waiters, id)
	p.fixtures[id] = msg
	p.mu.Unlock()

	ch <- msg
}

func (p *InjectedProvider) applyEvent(msg wire.Message) {
	if len(msg.Args) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch msg.Event {
	case EventAccountsChanged:
		var accounts []string
		if err := json.Unmarshal(msg.Args[0], &accounts); err == nil {
			p.selectedAddress = ""
			if len(accounts) > 0 {
				p.selectedAddress = accounts[0]
			}
		}
	case EventChainChanged:
		var chainID string
		if err := json.Unmarshal(msg.Args[0], &chainID); err == nil {
			p.chainID = chainID
		}
	}
}

// Request forwards req to the coordinator and waits for its response. Calls
// made before the coordinator answered the handshake wait for it, and fail
// with ErrNotInitialized once the handshake is given up. A late answer still
// connects the provider. A cached chain id answers eth_chainId without
// crossing the bridge.
func (p *InjectedProvider) Request(ctx context.Context, req eip1193.Request) (json.RawMessage, error) {
	if req.Method == "eth_chainId" {
		p.mu.Lock()
		chainID := p.chainID
		p.mu.Unlock()
		if chainID != "" {
			return eip1193.Marshal(chainID)
		}
	}

	select {
	case <-p.ready:
	case <-p.gaveUp:
		if !p.IsConnected() {
			return nil, ErrNotInitialized
		}
	case <-p.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	ch := make(chan wire.Message, 1)
	p.waiters[id] = ch
	p.mu.Unlock()

	if err := p.top.Post(wire.NewRequest(id, req)); err != nil {
		p.forget(id)
		return nil, fmt.Errorf("failed to post %s request: %w", req.Method, err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, msg.Error
		}
		if req.Method == "eth_chainId" {
			var chainID string
			if err := json.Unmarshal(msg.Response, &chainID); err == nil {
				p.mu.Lock()
				p.chainID = chainID
				p.mu.Unlock()
			}
		}
		return msg.Response, nil
	case <-p.closed:
		p.forget(id)
		return nil, ErrClosed
	case <-ctx.Done():
		p.forget(id)
		return nil, ctx.Err()
	}
}

func (p *InjectedProvider) forget(id uint64) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// Fixture returns the response first delivered for id.
func (p *InjectedProvider) Fixture(id uint64) (wire.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, ok := p.fixtures[id]
	return msg, ok
}

// Send is the positional method-and-params call shape.
func (p *InjectedProvider) Send(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return p.Request(ctx, eip1193.Request{Method: method, Params: params})
}

// SendAsync is the callback call shape. The callback runs on its own goroutine.
func (p *InjectedProvider) SendAsync(ctx context.Context, req eip1193.Request, callback func(error, *LegacyResponse)) {
	go func() {
		result, err := p.Request(ctx, req)
		if err != nil {
			callback(err, nil)
			return
		}
		callback(nil, &LegacyResponse{ID: req.ID, JSONRPC: "2.0", Result: result})
	}()
}

// Enable requests the accounts exposed to the dapp.
func (p *InjectedProvider) Enable(ctx context.Context) ([]string, error) {
	raw, err := p.Request(ctx, eip1193.Request{Method: "eth_requestAccounts"})
	if err != nil {
		return nil, err
	}

	var accounts []string
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("failed to decode accounts: %w", err)
	}
	return accounts, nil
}

// On registers fn for every emission of event.
func (p *InjectedProvider) On(event string, fn EventListener) (off func()) {
	p.mu.Lock()
	id := p.nextListener
	p.nextListener++
	if p.listeners[event] == nil {
		p.listeners[event] = make(map[uint64]EventListener)
	}
	p.listeners[event][id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners[event], id)
		p.mu.Unlock()
	}
}

func (p *InjectedProvider) emit(event string, args ...json.RawMessage) {
	p.mu.Lock()
	listeners := make([]EventListener, 0, len(p.listeners[event]))
	for _, fn := range p.listeners[event] {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(args...)
	}
}

func (p *InjectedProvider) SelectedAddress() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selectedAddress
}

func (p *InjectedProvider) IsUnlocked() bool {
	return p.SelectedAddress() != ""
}

// ChainID returns the last chain id seen from the coordinator.
func (p *InjectedProvider) ChainID() (uint64, bool) {
	p.mu.Lock()
	chainID := p.chainID
	p.mu.Unlock()

	if chainID == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(chainID, 0, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (p *InjectedProvider) Close() {
	p.closeOnce.Do(func() {
		p.unsubscribe()
		close(p.closed)
	})
}
