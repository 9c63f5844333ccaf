package eip1193

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
)

// RPCProvider serves provider requests from a JSON-RPC node.
type RPCProvider struct {
	client *rpc.Client
}

func NewRPCProvider(client *rpc.Client) *RPCProvider {
	return &RPCProvider{client: client}
}

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, url string, opts ...rpc.ClientOption) (*RPCProvider, error) {
	client, err := rpc.DialOptions(ctx, url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewRPCProvider(client), nil
}

func (p *RPCProvider) Request(ctx context.Context, req Request) (json.RawMessage, error) {
	var result json.RawMessage
	if err := p.client.CallContext(ctx, &result, req.Method, req.Params...); err != nil {
		return nil, err
	}
	if result == nil {
		return Null, nil
	}
	return result, nil
}

func (p *RPCProvider) Close() {
	p.client.Close()
}
