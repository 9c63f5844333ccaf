package simulate

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Brahma-fi/brahma-connect/internal/eip1193"
	"github.com/Brahma-fi/brahma-connect/internal/notify"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	console = common.HexToAddress("0x5555555555555555555555555555555555555555")
	owner   = common.HexToAddress("0x6666666666666666666666666666666666666666")
	target  = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
)

type fakeNext struct {
	mu        sync.Mutex
	calls     []eip1193.Request
	snapshot  string
	threshold uint64
	blockErr  error
	callErr   error
	chainID   string
}

func (n *fakeNext) Request(_ context.Context, req eip1193.Request) (json.RawMessage, error) {
	n.mu.Lock()
	n.calls = append(n.calls, req)
	n.mu.Unlock()

	switch req.Method {
	case "evm_snapshot":
		if n.snapshot == "" {
			return eip1193.Null, nil
		}
		return eip1193.Marshal(n.snapshot)
	case "eth_getBlockByNumber":
		if n.blockErr != nil {
			return nil, n.blockErr
		}
		return json.RawMessage(`{"number":"0x10","gasLimit":"0x1c9c380"}`), nil
	case "eth_call":
		if n.callErr != nil {
			return nil, n.callErr
		}
		return eip1193.Marshal(hexutil.Encode(common.LeftPadBytes(new(big.Int).SetUint64(n.threshold).Bytes(), 32)))
	case "eth_sendTransaction":
		return eip1193.Marshal("0xfeed")
	case "eth_chainId":
		return json.RawMessage(n.chainID), nil
	default:
		return eip1193.Marshal("next")
	}
}

func (n *fakeNext) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, req := range n.calls {
		if req.Method == method {
			c++
		}
	}
	return c
}

func (n *fakeNext) last(method string) eip1193.Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.calls) - 1; i >= 0; i-- {
		if n.calls[i].Method == method {
			return n.calls[i]
		}
	}
	return eip1193.Request{}
}

type hookRecorder struct {
	mu     sync.Mutex
	events []string
	before []string
	sent   []string
	txs    []MetaTransaction
	abort  error
}

func (h *hookRecorder) hooks() Hooks {
	return Hooks{
		OnBeforeTransactionSend: func(id string, tx MetaTransaction) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, "before")
			h.before = append(h.before, id)
			h.txs = append(h.txs, tx)
			return h.abort
		},
		OnTransactionSent: func(id, hash string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, "sent:"+hash)
			h.sent = append(h.sent, id)
		},
	}
}

func newAdapter(next *fakeNext, hooks Hooks, hub *notify.Hub) *Adapter {
	return NewAdapter(next, Options{
		Console:      console,
		Owner:        owner,
		Hooks:        hooks,
		Notifier:     hub,
		PollInterval: time.Millisecond,
		MaxAttempts:  200,
	})
}

func send(t *testing.T, a *Adapter, tx map[string]any) (json.RawMessage, error) {
	t.Helper()
	return a.Request(context.Background(), eip1193.Request{Method: "eth_sendTransaction", Params: []any{tx}})
}

func TestSendTransactionWrapsThroughSafe(t *testing.T) {
	next := &fakeNext{}
	rec := &hookRecorder{}
	a := newAdapter(next, rec.hooks(), notify.NewHub())

	res, err := send(t, a, map[string]any{"to": target.Hex(), "value": "0x1", "data": "0x"})
	require.NoError(t, err)
	assert.JSONEq(t, `"0xfeed"`, string(res))

	assert.Equal(t, []string{"before", "sent:0xfeed"}, rec.events)
	require.Len(t, rec.before, 1)
	assert.Equal(t, rec.before[0], rec.sent[0])
	_, err = uuid.Parse(rec.before[0])
	assert.NoError(t, err, "a null snapshot id is replaced by a minted one")
	assert.Equal(t, MetaTransaction{To: target, Value: big.NewInt(1), Operation: OperationCall}, rec.txs[0])

	wrapped := next.last("eth_sendTransaction")
	require.Len(t, wrapped.Params, 1)
	outer := wrapped.Params[0].(map[string]any)
	assert.Equal(t, console.Hex(), outer["to"])
	assert.Equal(t, owner.Hex(), outer["from"])
	assert.Equal(t, "0x0", outer["value"])
	assert.Equal(t, "0x0", outer["gasPrice"])
	assert.Equal(t, "0x1c9c380", outer["gas"])
	assert.Equal(t, map[string]any{"to": target.Hex(), "value": "0x1", "data": "0x"}, outer["metadata"])

	calldata, err := hexutil.Decode(outer["data"].(string))
	require.NoError(t, err)
	method := safeABI.Methods["execTransaction"]
	assert.Equal(t, method.ID, calldata[:4])

	args, err := method.Inputs.Unpack(calldata[4:])
	require.NoError(t, err)
	assert.Equal(t, target, args[0])
	assert.Zero(t, args[1].(*big.Int).Cmp(big.NewInt(1)))
	assert.Empty(t, args[2])
	assert.Equal(t, uint8(0), args[3])
	for _, i := range []int{4, 5, 6} {
		assert.Zero(t, args[i].(*big.Int).Sign(), "gas fields are zero")
	}
	assert.Equal(t, common.Address{}, args[7])
	assert.Equal(t, common.Address{}, args[8])
	assert.Equal(t, PreValidatedSignature(owner), args[9])
}

func TestSendTransactionUsesSnapshotID(t *testing.T) {
	next := &fakeNext{snapshot: "0x5"}
	rec := &hookRecorder{}
	a := newAdapter(next, rec.hooks(), notify.NewHub())

	_, err := send(t, a, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, []string{"0x5"}, rec.before)
	assert.Equal(t, MetaTransaction{Value: new(big.Int), Operation: OperationCall}, rec.txs[0], "missing fields default to the zero call")
}

func TestBeforeHookAbortsTransaction(t *testing.T) {
	next := &fakeNext{}
	rec := &hookRecorder{abort: errors.New("chain id missing")}
	a := newAdapter(next, rec.hooks(), notify.NewHub())

	_, err := send(t, a, map[string]any{"to": target.Hex()})
	require.EqualError(t, err, "chain id missing")
	assert.Zero(t, next.count("eth_sendTransaction"))
	assert.Equal(t, []string{"before"}, rec.events)
}

func TestBlockGasLimitMemoizedOnSuccess(t *testing.T) {
	next := &fakeNext{blockErr: errors.New("upstream down")}
	a := newAdapter(next, Hooks{}, notify.NewHub())

	_, err := send(t, a, map[string]any{"to": target.Hex()})
	require.Error(t, err)
	assert.Zero(t, next.count("eth_sendTransaction"))

	next.mu.Lock()
	next.blockErr = nil
	next.mu.Unlock()

	for i := 0; i < 3; i++ {
		_, err = send(t, a, map[string]any{"to": target.Hex()})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, next.count("eth_getBlockByNumber"))
}

func TestShortCircuitMethods(t *testing.T) {
	next := &fakeNext{chainID: `137`}
	a := newAdapter(next, Hooks{}, notify.NewHub())
	ctx := context.Background()

	res, err := a.Request(ctx, eip1193.Request{Method: "eth_accounts"})
	require.NoError(t, err)
	assert.JSONEq(t, `["`+console.Hex()+`"]`, string(res))

	res, err = a.Request(ctx, eip1193.Request{Method: "eth_requestAccounts"})
	require.NoError(t, err)
	assert.JSONEq(t, `["`+console.Hex()+`"]`, string(res))

	res, err = a.Request(ctx, eip1193.Request{Method: "wallet_switchEthereumChain", Params: []any{map[string]any{"chainId": "0x1"}}})
	require.NoError(t, err)
	assert.Equal(t, eip1193.Null, res)

	res, err = a.Request(ctx, eip1193.Request{Method: "wallet_requestPermissions"})
	require.NoError(t, err)
	var perms []permission
	require.NoError(t, json.Unmarshal(res, &perms))
	require.Len(t, perms, 1)
	assert.Equal(t, []caveat{{Type: "restrictReturnedAccounts", Value: []string{console.Hex()}}}, perms[0].Caveats)
	assert.InDelta(t, time.Now().Unix(), perms[0].Date, 5)

	res, err = a.Request(ctx, eip1193.Request{Method: "eth_chainId"})
	require.NoError(t, err)
	assert.JSONEq(t, `"0x89"`, string(res))

	assert.Equal(t, 1, len(next.calls), "only eth_chainId reached the next provider")
}

func TestResultsReplayedByID(t *testing.T) {
	next := &fakeNext{}
	a := newAdapter(next, Hooks{}, notify.NewHub())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := a.Request(ctx, eip1193.Request{ID: 7, Method: "eth_getBalance"})
		require.NoError(t, err)
		assert.JSONEq(t, `"next"`, string(res))
	}
	_, err := a.Request(ctx, eip1193.Request{Method: "eth_getBalance"})
	require.NoError(t, err)

	assert.Equal(t, 2, next.count("eth_getBalance"))
}

func TestReplayKeyedByMethodAndReset(t *testing.T) {
	next := &fakeNext{}
	a := newAdapter(next, Hooks{}, notify.NewHub())
	ctx := context.Background()

	_, err := a.Request(ctx, eip1193.Request{ID: 3, Method: "eth_getBalance"})
	require.NoError(t, err)
	_, err = a.Request(ctx, eip1193.Request{ID: 3, Method: "eth_blockNumber"})
	require.NoError(t, err)
	assert.Equal(t, 1, next.count("eth_blockNumber"))

	_, err = a.Request(ctx, eip1193.Request{ID: 3, Method: "eth_getBalance"})
	require.NoError(t, err)
	assert.Equal(t, 1, next.count("eth_getBalance"))

	a.ResetFixtures()
	_, err = a.Request(ctx, eip1193.Request{ID: 3, Method: "eth_getBalance"})
	require.NoError(t, err)
	assert.Equal(t, 2, next.count("eth_getBalance"))
}

type approver struct {
	mu       sync.Mutex
	requests []notify.SignatureRequest
	errors   []string
}

func (ap *approver) attach(hub *notify.Hub, answer func(req notify.SignatureRequest) string) func() {
	return hub.Subscribe(func(message string) {
		switch notify.KindOf(message) {
		case notify.KindSignatureRequest:
			req, err := notify.ParseSignatureRequest(message, true)
			if err != nil {
				return
			}
			ap.mu.Lock()
			ap.requests = append(ap.requests, req)
			ap.mu.Unlock()
			if answer != nil {
				if reply := answer(req); reply != "" {
					go hub.Post(reply)
				}
			}
		case notify.KindError:
			ap.mu.Lock()
			ap.errors = append(ap.errors, notify.Payload(message))
			ap.mu.Unlock()
		}
	})
}

func (ap *approver) snapshot() ([]notify.SignatureRequest, []string) {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return append([]notify.SignatureRequest(nil), ap.requests...), append([]string(nil), ap.errors...)
}

func TestPersonalSignRoundTrip(t *testing.T) {
	hub := notify.NewHub()
	a := newAdapter(&fakeNext{threshold: 1}, Hooks{}, hub)
	ap := &approver{}
	defer ap.attach(hub, func(req notify.SignatureRequest) string {
		return notify.SignatureResponse{Signature: "0xsig", ID: req.ID}.Encode()
	})()

	res, err := a.Request(context.Background(), eip1193.Request{Method: "personal_sign", Params: []any{"0x68656c6c6f", console.Hex()}})
	require.NoError(t, err)
	assert.JSONEq(t, `"0xsig"`, string(res))

	requests, errs := ap.snapshot()
	require.Len(t, requests, 1)
	assert.Equal(t, "personal_sign", requests[0].Method)
	assert.Equal(t, console.Hex(), requests[0].Address)
	assert.Equal(t, "0x68656c6c6f", requests[0].Challenge)
	assert.Empty(t, errs)
}

func TestTypedDataChallengeIsCompacted(t *testing.T) {
	hub := notify.NewHub()
	a := newAdapter(&fakeNext{threshold: 1}, Hooks{}, hub)
	ap := &approver{}
	defer ap.attach(hub, func(notify.SignatureRequest) string {
		return notify.SignatureResponse{Signature: "0xtyped"}.Encode()
	})()

	typed := "{\n  \"primaryType\": \"Permit\",\n  \"message\": {\"value\": 1}\n}"
	res, err := a.Request(context.Background(), eip1193.Request{Method: "eth_signTypedData_v4", Params: []any{console.Hex(), typed}})
	require.NoError(t, err)
	assert.JSONEq(t, `"0xtyped"`, string(res))

	requests, _ := ap.snapshot()
	require.Len(t, requests, 1)
	assert.Equal(t, console.Hex(), requests[0].Address)
	assert.Equal(t, `{"primaryType":"Permit","message":{"value":1}}`, requests[0].Challenge)
}

func TestSigningRequiresSingleThreshold(t *testing.T) {
	hub := notify.NewHub()
	a := newAdapter(&fakeNext{threshold: 2}, Hooks{}, hub)
	ap := &approver{}
	defer ap.attach(hub, nil)()

	_, err := a.Request(context.Background(), eip1193.Request{Method: "personal_sign", Params: []any{"0x00", console.Hex()}})
	var rpcErr *eip1193.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, eip1193.CodeUnsupportedMethod, rpcErr.Code)

	requests, errs := ap.snapshot()
	assert.Empty(t, requests)
	assert.Equal(t, []string{"personal_sign is only supported on single threshold consoles"}, errs)
}

func TestThresholdFailure(t *testing.T) {
	hub := notify.NewHub()
	a := newAdapter(&fakeNext{callErr: errors.New("execution reverted")}, Hooks{}, hub)
	ap := &approver{}
	defer ap.attach(hub, nil)()

	_, err := a.Request(context.Background(), eip1193.Request{Method: "eth_signTypedData", Params: []any{console.Hex(), "{}"}})
	require.ErrorIs(t, err, ErrThresholdUnavailable)

	_, errs := ap.snapshot()
	assert.Equal(t, []string{notify.MessageGenericError}, errs)
}

func TestSignatureTimeout(t *testing.T) {
	hub := notify.NewHub()
	a := NewAdapter(&fakeNext{threshold: 1}, Options{Console: console, Owner: owner, Notifier: hub, PollInterval: time.Millisecond, MaxAttempts: 3})
	ap := &approver{}
	defer ap.attach(hub, nil)()

	_, err := a.Request(context.Background(), eip1193.Request{Method: "personal_sign", Params: []any{"0x00", console.Hex()}})
	require.ErrorIs(t, err, ErrSignatureTimeout)

	requests, errs := ap.snapshot()
	assert.Len(t, requests, 1)
	assert.Equal(t, []string{notify.MessageSignatureTimeout}, errs)
}

func TestConcurrentSignatureRejected(t *testing.T) {
	hub := notify.NewHub()
	a := newAdapter(&fakeNext{threshold: 1}, Hooks{}, hub)
	ap := &approver{}
	defer ap.attach(hub, nil)()

	first := make(chan error, 1)
	go func() {
		_, err := a.Request(context.Background(), eip1193.Request{Method: "personal_sign", Params: []any{"0x01", console.Hex()}})
		first <- err
	}()
	require.Eventually(t, func() bool {
		requests, _ := ap.snapshot()
		return len(requests) == 1
	}, time.Second, time.Millisecond)

	_, err := a.Request(context.Background(), eip1193.Request{Method: "personal_sign", Params: []any{"0x02", console.Hex()}})
	var rpcErr *eip1193.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, eip1193.CodeResourceUnavailable, rpcErr.Code)

	requests, _ := ap.snapshot()
	hub.Post(notify.SignatureResponse{Signature: "0xwrong", ID: "someone-else"}.Encode())
	hub.Post(notify.SignatureResponse{Signature: "0xright", ID: requests[0].ID}.Encode())
	require.NoError(t, <-first)
}

func TestPreValidatedSignature(t *testing.T) {
	sig := hexutil.Encode(PreValidatedSignature(owner))
	want := "0x" + strings.Repeat("0", 24) + strings.ToLower(owner.Hex()[2:]) + strings.Repeat("0", 64) + "01"
	assert.Equal(t, want, sig)
}
