package dapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Brahma-fi/brahma-connect/configs"
	"github.com/Brahma-fi/brahma-connect/internal/bridge"
	"github.com/Brahma-fi/brahma-connect/internal/eip1193"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var console = common.HexToAddress("0x3333333333333333333333333333333333333333")

// kernelStub serves a bridge host on /bridge/:id backed by provider.
func kernelStub(t *testing.T, provider eip1193.Provider) (wsURL string, paths chan string) {
	t.Helper()
	paths = make(chan string, 4)
	upgrader := bridge.NewUpgrader(nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		paths <- r.URL.Path

		conn := bridge.NewConn(ws)
		inbox := bridge.NewWindow("top")
		defer inbox.Close()

		host := bridge.NewHost(provider, bridge.Connection{Account: console, ChainID: 137})
		defer host.Attach(r.Context(), inbox)()
		_ = conn.Run(r.Context(), inbox)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/bridge", paths
}

func TestClientCallsThroughBridge(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider := eip1193.ProviderFunc(func(_ context.Context, req eip1193.Request) (json.RawMessage, error) {
		switch req.Method {
		case "eth_blockNumber":
			return eip1193.Marshal("0x10")
		case "eth_getBalance":
			return eip1193.Marshal(req.Params[0])
		}
		return nil, eip1193.NewError(eip1193.CodeUnsupportedMethod, "%s is not supported", req.Method)
	})
	wsURL, paths := kernelStub(t, provider)

	client, err := Connect(ctx, configs.Dapp{KernelWSURL: wsURL + "/", Origin: "https://app.example.org", ContextID: 7}, bridge.Options{
		InitRetryDelay: 10 * time.Millisecond,
		InitRetries:    5,
		Capabilities:   bridge.DefaultCapabilities,
	})
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, "/bridge/7", <-paths)

	block, err := client.Call(ctx, "eth_blockNumber", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"0x10"`, string(block))

	params, err := ParseParams(`["0xabc", "latest"]`)
	require.NoError(t, err)
	echoed, err := client.Call(ctx, "eth_getBalance", params)
	require.NoError(t, err)
	assert.JSONEq(t, `"0xabc"`, string(echoed))

	_, err = client.Call(ctx, "eth_unsupported", nil)
	require.Error(t, err)
}

func TestConnectFailsWithoutKernel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Connect(ctx, configs.Dapp{KernelWSURL: "ws://127.0.0.1:1/bridge"}, bridge.DefaultOptions())
	require.Error(t, err)
}

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []any
		wantErr bool
	}{
		{name: "empty", raw: "  ", want: nil},
		{name: "array", raw: `["0x1", true]`, want: []any{"0x1", true}},
		{name: "bare value", raw: `{"to":"0x2"}`, want: []any{map[string]any{"to": "0x2"}}},
		{name: "number keeps text", raw: `[12345678901234567890]`, want: []any{json.Number("12345678901234567890")}},
		{name: "malformed", raw: `[1,`, wantErr: true},
		{name: "trailing data", raw: `[1] [2]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseParams(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOptionsFallsBackToDefaults(t *testing.T) {
	opts := Options(configs.Bridge{})
	assert.Equal(t, bridge.DefaultOptions(), opts)

	opts = Options(configs.Bridge{InitRetryDelay: time.Second, InitRetries: 9})
	assert.Equal(t, time.Second, opts.InitRetryDelay)
	assert.Equal(t, 9, opts.InitRetries)
	assert.Equal(t, bridge.DefaultCapabilities, opts.Capabilities)
}
