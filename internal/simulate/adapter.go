// Package simulate makes transaction and signing calls behave as if the
// controlling Safe account's owner performed them.
package simulate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/Brahma-fi/brahma-connect/internal/eip1193"
	"github.com/Brahma-fi/brahma-connect/internal/logger"
	"github.com/Brahma-fi/brahma-connect/internal/metrics"
	"github.com/Brahma-fi/brahma-connect/internal/notify"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var (
	ErrThresholdUnavailable = errors.New(notify.MessageThresholdFailure)
	ErrSignatureTimeout     = errors.New(notify.MessageSignatureTimeout)
	ErrSignaturePending     = eip1193.NewError(eip1193.CodeResourceUnavailable, "signature request already pending")
)

type (
	// Hooks observe wrapped transactions. OnBeforeTransactionSend may abort
	// the call by returning an error.
	Hooks struct {
		OnBeforeTransactionSend func(checkpointID string, tx MetaTransaction) error
		OnTransactionSent       func(checkpointID, hash string)
	}

	Options struct {
		Console      common.Address
		Owner        common.Address
		Hooks        Hooks
		Notifier     notify.Channel
		PollInterval time.Duration
		MaxAttempts  int
	}

	pendingSignature struct {
		id        string
		signature chan string
	}

	fixtureKey struct {
		id     uint64
		method string
	}
)

type Adapter struct {
	next   eip1193.Provider
	opts   Options
	logger *slog.Logger

	gasLimit   singleflight.Group
	gasLimitMu sync.Mutex
	blockGas   uint64

	mu       sync.Mutex
	fixtures map[fixtureKey]json.RawMessage
	pending  *pendingSignature
}

func NewAdapter(next eip1193.Provider, opts Options) *Adapter {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 120
	}
	return &Adapter{
		next:     next,
		opts:     opts,
		logger:   logger.Named("simulate").With("console", opts.Console.Hex()),
		fixtures: make(map[fixtureKey]json.RawMessage),
	}
}

// Prefetch reads the block gas limit ahead of the first transaction.
func (a *Adapter) Prefetch(ctx context.Context) {
	if _, err := a.blockGasLimit(ctx); err != nil {
		a.logger.Warn("failed to prefetch block gas limit", "err", err)
	}
}

// ResetFixtures forgets replayed results. A reloaded page numbers its
// requests from scratch.
func (a *Adapter) ResetFixtures() {
	a.mu.Lock()
	clear(a.fixtures)
	a.mu.Unlock()
}

func (a *Adapter) Request(ctx context.Context, req eip1193.Request) (json.RawMessage, error) {
	key := fixtureKey{id: req.ID, method: req.Method}
	if req.ID != 0 {
		a.mu.Lock()
		cached, ok := a.fixtures[key]
		a.mu.Unlock()
		if ok {
			return cached, nil
		}
	}

	switch req.Method {
	case "wallet_switchEthereumChain":
		return eip1193.Null, nil
	case "wallet_requestPermissions":
		return eip1193.Marshal(a.permissions())
	case "eth_requestAccounts", "eth_accounts":
		return eip1193.Marshal([]string{a.opts.Console.Hex()})
	case "eth_chainId":
		return a.chainID(ctx, req)
	case "personal_sign", "eth_signTypedData", "eth_signTypedData_v4":
		return a.sign(ctx, req)
	case "eth_sendTransaction":
		return a.sendTransaction(ctx, req)
	}

	result, err := a.next.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.ID != 0 {
		a.mu.Lock()
		a.fixtures[key] = result
		a.mu.Unlock()
	}
	return result, nil
}

type (
	caveat struct {
		Type  string   `json:"type"`
		Value []string `json:"value"`
	}

	permission struct {
		Caveats []caveat `json:"caveats"`
		Date    int64    `json:"date"`
	}
)

func (a *Adapter) permissions() []permission {
	return []permission{{
		Caveats: []caveat{{Type: "restrictReturnedAccounts", Value: []string{a.opts.Console.Hex()}}},
		Date:    time.Now().Unix(),
	}}
}

// chainID normalizes numeric answers to hex quantities.
func (a *Adapter) chainID(ctx context.Context, req eip1193.Request) (json.RawMessage, error) {
	result, err := a.next.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 || trimmed[0] == '"' {
		return result, nil
	}
	n, err := eip1193.ParseQuantity(trimmed)
	if err != nil {
		return result, nil
	}
	return eip1193.Marshal(eip1193.EncodeQuantity(n))
}

func (a *Adapter) sendTransaction(ctx context.Context, req eip1193.Request) (json.RawMessage, error) {
	checkpointID, err := a.checkpoint(ctx)
	if err != nil {
		return nil, err
	}

	var params map[string]any
	if len(req.Params) > 0 {
		if err := req.Param(0, &params); err != nil {
			return nil, eip1193.NewError(eip1193.CodeInternal, "invalid transaction: %v", err)
		}
	}

	tx, err := metaTransaction(params)
	if err != nil {
		return nil, eip1193.NewError(eip1193.CodeInternal, "invalid transaction: %v", err)
	}

	if hook := a.opts.Hooks.OnBeforeTransactionSend; hook != nil {
		if err := hook(checkpointID, tx); err != nil {
			return nil, err
		}
	}

	gasLimit, err := a.blockGasLimit(ctx)
	if err != nil {
		return nil, err
	}

	calldata, err := EncodeExecTransaction(tx, a.opts.Owner)
	if err != nil {
		return nil, err
	}

	metadata := make(map[string]any, len(params))
	for k, v := range params {
		metadata[k] = v
	}

	wrapped := eip1193.Request{
		Method: "eth_sendTransaction",
		Params: []any{map[string]any{
			"to":       a.opts.Console.Hex(),
			"from":     a.opts.Owner.Hex(),
			"data":     hexutil.Encode(calldata),
			"value":    "0x0",
			"gas":      hexutil.EncodeUint64(gasLimit),
			"gasPrice": "0x0",
			"metadata": metadata,
		}},
	}

	result, err := a.next.Request(ctx, wrapped)
	if err != nil {
		metrics.SimulatedTransactions.WithLabelValues("error").Inc()
		a.logger.Error("wrapped transaction failed", "checkpoint_id", checkpointID, "err", err)
		return nil, err
	}
	metrics.SimulatedTransactions.WithLabelValues("ok").Inc()

	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		hash = string(result)
	}
	a.logger.Info("wrapped transaction sent", "checkpoint_id", checkpointID, "hash", hash)

	if hook := a.opts.Hooks.OnTransactionSent; hook != nil {
		hook(checkpointID, hash)
	}
	return result, nil
}

// checkpoint takes an evm_snapshot and uses its id when the fork layer
// returns one, minting a fresh id otherwise.
func (a *Adapter) checkpoint(ctx context.Context) (string, error) {
	result, err := a.next.Request(ctx, eip1193.Request{Method: "evm_snapshot"})
	if err != nil {
		return "", fmt.Errorf("failed to take checkpoint: %w", err)
	}

	var id string
	if err := json.Unmarshal(result, &id); err == nil && id != "" {
		return id, nil
	}
	return uuid.NewString(), nil
}

func metaTransaction(params map[string]any) (MetaTransaction, error) {
	tx := MetaTransaction{Value: new(big.Int), Operation: OperationCall}

	if to, ok := params["to"].(string); ok && to != "" {
		if !common.IsHexAddress(to) {
			return tx, fmt.Errorf("invalid to address %q", to)
		}
		tx.To = common.HexToAddress(to)
	}

	switch v := params["value"].(type) {
	case string:
		if v != "" {
			value, err := eip1193.ParseBigString(v)
			if err != nil {
				return tx, err
			}
			tx.Value = value
		}
	case json.Number:
		value, err := eip1193.ParseBigString(v.String())
		if err != nil {
			return tx, err
		}
		tx.Value = value
	}

	if data, ok := params["data"].(string); ok && data != "" && data != "0x" {
		decoded, err := hexutil.Decode(data)
		if err != nil {
			return tx, fmt.Errorf("invalid data: %w", err)
		}
		tx.Data = decoded
	}

	return tx, nil
}

// blockGasLimit returns the gas limit of the latest block, read once per
// adapter. Failed reads are not remembered.
func (a *Adapter) blockGasLimit(ctx context.Context) (uint64, error) {
	a.gasLimitMu.Lock()
	cached := a.blockGas
	a.gasLimitMu.Unlock()
	if cached != 0 {
		return cached, nil
	}

	v, err, _ := a.gasLimit.Do("latest", func() (any, error) {
		result, err := a.next.Request(context.WithoutCancel(ctx), eip1193.Request{Method: "eth_getBlockByNumber", Params: []any{"latest", false}})
		if err != nil {
			return uint64(0), fmt.Errorf("failed to read latest block: %w", err)
		}

		var block struct {
			GasLimit json.RawMessage `json:"gasLimit"`
		}
		if err := json.Unmarshal(result, &block); err != nil {
			return uint64(0), fmt.Errorf("failed to decode latest block: %w", err)
		}
		gasLimit, err := eip1193.ParseQuantity(block.GasLimit)
		if err != nil {
			return uint64(0), fmt.Errorf("failed to decode block gas limit: %w", err)
		}

		a.gasLimitMu.Lock()
		a.blockGas = gasLimit
		a.gasLimitMu.Unlock()
		return gasLimit, nil
	})
	if err != nil {
		a.logger.Error("block gas limit probe failed", "err", err)
		return 0, err
	}
	return v.(uint64), nil
}

func (a *Adapter) threshold(ctx context.Context) (uint64, error) {
	result, err := a.next.Request(ctx, eip1193.Request{
		Method: "eth_call",
		Params: []any{
			map[string]any{"to": a.opts.Console.Hex(), "data": hexutil.Encode(encodeGetThreshold())},
			"latest",
		},
	})
	if err != nil {
		return 0, err
	}
	return eip1193.ParseQuantity(result)
}
