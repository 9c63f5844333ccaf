package fork

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Brahma-fi/brahma-connect/internal/eip1193"
	"github.com/Brahma-fi/brahma-connect/internal/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var account = common.HexToAddress("0x3333333333333333333333333333333333333333")

type fakeClient struct {
	name     string
	resetErr error

	mu     sync.Mutex
	calls  []eip1193.Request
	closed bool
}

func (c *fakeClient) Request(_ context.Context, req eip1193.Request) (json.RawMessage, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.mu.Unlock()

	if req.Method == "console_reset" && c.resetErr != nil {
		return nil, c.resetErr
	}
	return eip1193.Marshal(c.name)
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeClient) methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.calls))
	for _, req := range c.calls {
		out = append(out, req.Method)
	}
	return out
}

type fakeAssigner struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
}

func (a *fakeAssigner) Assign(context.Context, common.Address) error {
	a.calls.Add(1)
	if a.gate != nil {
		<-a.gate
	}
	return a.err
}

func (a *fakeAssigner) RPCURL(acc common.Address) string {
	return "https://fork.example/sandbox/connect/" + acc.Hex()
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []wire.Message
}

func (n *recordingNotifier) Notify(_ context.Context, msg wire.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.msgs))
	for _, m := range n.msgs {
		out = append(out, m.Type)
	}
	return out
}

type harness struct {
	manager  *Manager
	live     *fakeClient
	assigner *fakeAssigner
	notifier *recordingNotifier

	mu    sync.Mutex
	forks []*fakeClient
}

func newHarness(assigner *fakeAssigner) *harness {
	h := &harness{
		live:     &fakeClient{name: "live"},
		assigner: assigner,
		notifier: &recordingNotifier{},
	}
	h.manager = NewManager(Config{
		Account:  account,
		ChainID:  1,
		Live:     h.live,
		Assigner: assigner,
		Notifier: h.notifier,
		Dial: func(context.Context, string) (Client, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			c := &fakeClient{name: "fork"}
			h.forks = append(h.forks, c)
			return c, nil
		},
	})
	return h
}

func (h *harness) dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.forks)
}

func request(t *testing.T, m *Manager, method string) string {
	t.Helper()
	res, err := m.Request(context.Background(), eip1193.Request{Method: method})
	require.NoError(t, err)
	var out string
	require.NoError(t, json.Unmarshal(res, &out))
	return out
}

func TestReadsStayLiveUntilFirstWrite(t *testing.T) {
	h := newHarness(&fakeAssigner{})

	assert.Equal(t, "live", request(t, h.manager, "eth_getBalance"))
	assert.Equal(t, StateUnprovisioned, h.manager.State())
	assert.Zero(t, h.assigner.calls.Load())

	assert.Equal(t, "fork", request(t, h.manager, "eth_sendTransaction"))
	assert.Equal(t, StateProvisioned, h.manager.State())
	assert.Equal(t, "fork", request(t, h.manager, "eth_getBalance"))

	require.Len(t, h.notifier.msgs, 1)
	start := h.notifier.msgs[0]
	assert.Equal(t, wire.TypeStartSimulating, start.Type)
	assert.Equal(t, uint64(1), start.NetworkID)
	assert.Equal(t, "https://fork.example/sandbox/connect/"+account.Hex(), start.RPCURL)
	assert.Equal(t, int32(1), h.assigner.calls.Load())
}

func TestStaticAnswersNeverProvision(t *testing.T) {
	h := newHarness(&fakeAssigner{})

	assert.Equal(t, "0x1", request(t, h.manager, "eth_chainId"))

	for _, method := range []string{"evm_snapshot", "evm_revert"} {
		res, err := h.manager.Request(context.Background(), eip1193.Request{Method: method})
		require.NoError(t, err)
		assert.Equal(t, eip1193.Null, res)
	}

	assert.Zero(t, h.assigner.calls.Load())
	assert.Empty(t, h.live.calls)
}

func TestBlockNumberProvisions(t *testing.T) {
	h := newHarness(&fakeAssigner{})

	assert.Equal(t, "fork", request(t, h.manager, "eth_blockNumber"))
	assert.Equal(t, []string{"eth_blockNumber"}, h.forks[0].methods())
}

func TestConcurrentCallersShareProvisioning(t *testing.T) {
	assigner := &fakeAssigner{gate: make(chan struct{})}
	h := newHarness(assigner)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.manager.Request(context.Background(), eip1193.Request{Method: "eth_sendTransaction"})
			assert.NoError(t, err)
			assert.JSONEq(t, `"fork"`, string(res))
		}()
	}

	require.Eventually(t, func() bool { return assigner.calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateProvisioning, h.manager.State())
	close(assigner.gate)
	wg.Wait()

	assert.Equal(t, int32(1), assigner.calls.Load())
	assert.Equal(t, 1, h.dials())
	assert.Len(t, h.forks[0].methods(), 8)
}

func TestProvisioningFailurePropagates(t *testing.T) {
	assigner := &fakeAssigner{err: ErrForkCreation}
	h := newHarness(assigner)

	_, err := h.manager.Request(context.Background(), eip1193.Request{Method: "eth_sendTransaction"})
	require.ErrorIs(t, err, ErrForkCreation)
	assert.Equal(t, StateUnprovisioned, h.manager.State())
	assert.Zero(t, h.dials())
	assert.Empty(t, h.notifier.msgs, "no redirect before the fork exists")

	assert.Equal(t, "live", request(t, h.manager, "eth_getBalance"))

	assigner.err = nil
	assert.Equal(t, "fork", request(t, h.manager, "eth_sendTransaction"))
	assert.Equal(t, int32(2), assigner.calls.Load())
}

func TestDeleteFork(t *testing.T) {
	h := newHarness(&fakeAssigner{})
	ctx := context.Background()

	request(t, h.manager, "eth_sendTransaction")
	fork := h.forks[0]

	h.manager.DeleteFork(ctx)

	assert.Equal(t, []string{wire.TypeStartSimulating, wire.TypeStopSimulating}, h.notifier.types())
	require.Equal(t, []string{"eth_sendTransaction", "console_reset"}, fork.methods())
	assert.Equal(t, []any{account.Hex()}, fork.calls[1].Params)
	assert.True(t, fork.closed)

	assert.Equal(t, "0x12255f1", request(t, h.manager, "eth_blockNumber"))
	blockNumber, ok := h.manager.BlockNumber()
	require.True(t, ok)
	assert.Equal(t, ResetBlockNumber, blockNumber)

	assert.Equal(t, "live", request(t, h.manager, "eth_getBalance"))
	assert.Equal(t, StateUnprovisioned, h.manager.State())
	assert.Equal(t, 1, h.dials())

	assert.Equal(t, "fork", request(t, h.manager, "eth_sendTransaction"))
	assert.Equal(t, 2, h.dials())
	_, ok = h.manager.BlockNumber()
	assert.False(t, ok, "a new fork reports its own height")
}

func TestDeleteForkNeverFails(t *testing.T) {
	h := newHarness(&fakeAssigner{})
	h.manager.cfg.Dial = func(context.Context, string) (Client, error) {
		c := &fakeClient{name: "fork", resetErr: errors.New("fork gone")}
		h.mu.Lock()
		h.forks = append(h.forks, c)
		h.mu.Unlock()
		return c, nil
	}

	h.manager.DeleteFork(context.Background())
	assert.Equal(t, []string{wire.TypeStopSimulating}, h.notifier.types())

	request(t, h.manager, "eth_sendTransaction")
	h.manager.DeleteFork(context.Background())
	assert.True(t, h.forks[0].closed)
}

func TestDeleteForkDuringProvisioning(t *testing.T) {
	assigner := &fakeAssigner{gate: make(chan struct{})}
	h := newHarness(assigner)
	ctx := context.Background()

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		_, _ = h.manager.Request(ctx, eip1193.Request{Method: "eth_sendTransaction"})
	}()
	require.Eventually(t, func() bool { return assigner.calls.Load() == 1 }, time.Second, time.Millisecond)

	deleted := make(chan struct{})
	go func() {
		defer close(deleted)
		h.manager.DeleteFork(ctx)
	}()
	require.Eventually(t, func() bool { return h.manager.State() == StateUnprovisioned }, time.Second, time.Millisecond)

	close(assigner.gate)
	<-deleted
	<-sent

	assert.Equal(t, []string{wire.TypeStopSimulating}, h.notifier.types(), "a deleted fork never gets redirects")
	require.Equal(t, 1, h.dials())
	assert.Contains(t, h.forks[0].methods(), "console_reset")
	assert.True(t, h.forks[0].closed)
}
