// Package dapp drives the page side of the bridge from a terminal: it dials a
// running kernel as an embedded dapp would and issues provider calls.
package dapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/Brahma-fi/brahma-connect/configs"
	"github.com/Brahma-fi/brahma-connect/internal/bridge"
	"github.com/Brahma-fi/brahma-connect/internal/eip1193"
	"github.com/Brahma-fi/brahma-connect/internal/logger"
)

type Client struct {
	*bridge.InjectedProvider

	conn   *bridge.Conn
	inbox  *bridge.Window
	detach func()
	cancel context.CancelFunc
	logger *slog.Logger
}

// Connect dials the bridge of context cfg.ContextID and answers the kernel's
// chain id probes with cfg.Origin as the page origin.
func Connect(ctx context.Context, cfg configs.Dapp, opts bridge.Options) (*Client, error) {
	url := strings.TrimSuffix(cfg.KernelWSURL, "/") + "/" + strconv.Itoa(cfg.ContextID)

	header := http.Header{}
	if cfg.Origin != "" {
		header.Set("Origin", cfg.Origin)
	}

	conn, err := bridge.Dial(ctx, url, header)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Client{
		conn:   conn,
		inbox:  bridge.NewWindow("dapp"),
		cancel: cancel,
		logger: logger.Named("dapp").With("context_id", cfg.ContextID),
	}

	go func() {
		if err := conn.Run(runCtx, c.inbox); err != nil {
			c.logger.Warn("bridge connection failed", "err", err)
		}
	}()
	c.detach = bridge.NewChainIDResponder(conn, cfg.Origin).Attach(runCtx, c.inbox)

	provider, err := bridge.NewInjectedProvider(conn, c.inbox, opts)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.InjectedProvider = provider

	c.logger.Debug("connected to kernel bridge", "url", url)
	return c, nil
}

// Call issues method with params and returns the raw result.
func (c *Client) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	return c.Request(ctx, eip1193.Request{Method: method, Params: params})
}

func (c *Client) Close() {
	if c.InjectedProvider != nil {
		c.InjectedProvider.Close()
	}
	if c.detach != nil {
		c.detach()
	}
	c.cancel()
	_ = c.conn.Close()
	c.inbox.Close()
}

// ParseParams decodes a JSON params argument. A bare value becomes a single
// param; an empty string means no params. Numbers keep their exact text.
func ParseParams(raw string) ([]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode params: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("failed to decode params: trailing data after %q", raw)
	}

	if params, ok := v.([]any); ok {
		return params, nil
	}
	return []any{v}, nil
}

// Options builds provider options from the bridge config.
func Options(cfg configs.Bridge) bridge.Options {
	opts := bridge.DefaultOptions()
	if cfg.InitRetryDelay > 0 {
		opts.InitRetryDelay = cfg.InitRetryDelay
	}
	if cfg.InitRetries > 0 {
		opts.InitRetries = cfg.InitRetries
	}
	return opts
}
