package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Brahma-fi/brahma-connect/internal/eip1193"
	"github.com/Brahma-fi/brahma-connect/internal/logger"
	"github.com/Brahma-fi/brahma-connect/internal/wire"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultNetworkID is reported for endpoints whose chain id is not a number.
const DefaultNetworkID = 1

// ChainIDResponder answers the coordinator's chain id probes from the page
// side, so upstream endpoints see the dapp's origin.
type ChainIDResponder struct {
	top    Source
	origin string
	client *retryablehttp.Client
	logger *slog.Logger
}

func NewChainIDResponder(top Source, origin string) *ChainIDResponder {
	l := logger.Named("chain_id_responder")

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = l

	return &ChainIDResponder{
		top:    top,
		origin: origin,
		client: client,
		logger: l,
	}
}

// Attach answers every probe request arriving on inbox.
func (r *ChainIDResponder) Attach(ctx context.Context, inbox Inbox) (detach func()) {
	return inbox.Subscribe(func(d Delivery) {
		msg := d.Message
		if msg.Type != wire.TypeRequestChainID || msg.IsChainIDResult() {
			return
		}
		id, ok := msg.ID()
		if !ok {
			return
		}

		go func() {
			networkID, err := r.Probe(ctx, msg.URL)
			if err := r.top.Post(wire.ChainIDResult(id, msg.URL, networkID, err)); err != nil {
				r.logger.Warn("failed to post chain id result", "endpoint", msg.URL, "err", err)
			}
		}()
	})
}

// Probe calls eth_chainId on endpoint.
func (r *ChainIDResponder) Probe(ctx context.Context, endpoint string) (uint64, error) {
	opts := []rpc.ClientOption{rpc.WithHTTPClient(r.client.StandardClient())}
	if r.origin != "" {
		opts = append(opts, rpc.WithHeader("Origin", r.origin))
	}

	client, err := rpc.DialOptions(ctx, endpoint, opts...)
	if err != nil {
		return 0, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	defer client.Close()

	var raw json.RawMessage
	if err := client.CallContext(ctx, &raw, "eth_chainId"); err != nil {
		return 0, fmt.Errorf("failed to fetch chain id from %s: %w", endpoint, err)
	}

	networkID, err := eip1193.ParseQuantity(raw)
	if err != nil {
		r.logger.Debug("non-numeric chain id, using default", "endpoint", endpoint, "result", string(raw))
		return DefaultNetworkID, nil
	}
	return networkID, nil
}
