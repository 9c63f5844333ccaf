package tracker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Brahma-fi/brahma-connect/internal/metrics"
	"github.com/tidwall/gjson"
)

// OutboundRequest is a network call reported by the host platform.
type OutboundRequest struct {
	ContextID int
	URL       string
	Method    string
	Body      []byte
}

// ObserveOutboundRequest records req's URL as an RPC endpoint of its context
// when req is wallet JSON-RPC traffic, and starts resolving the endpoint's
// network in the background. It reports whether req was recognized.
func (t *Tracker) ObserveOutboundRequest(ctx context.Context, req OutboundRequest) bool {
	if !strings.EqualFold(req.Method, http.MethodPost) {
		return false
	}

	t.mu.Lock()
	_, active := t.active[req.ContextID]
	fork, simulating := t.forks[req.ContextID]
	t.mu.Unlock()

	if !active || (simulating && req.URL == fork.RPCURL) {
		return false
	}
	if !isJSONRPC(req.Body) {
		return false
	}

	t.registerEndpoint(ctx, req.ContextID, req.URL)

	go func() {
		if _, err := t.ResolveEndpointNetwork(context.WithoutCancel(ctx), req.ContextID, req.URL); err != nil {
			t.logger.Debug("endpoint left unresolved", "context_id", req.ContextID, "endpoint", req.URL, "err", err)
		}
	}()
	return true
}

// registerEndpoint adds url to the context's endpoints as unresolved. A new
// endpoint under a simulating context is redirected right away.
func (t *Tracker) registerEndpoint(ctx context.Context, contextID int, url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	endpoints, ok := t.endpoints[contextID]
	if !ok {
		return false
	}
	if _, seen := endpoints[url]; seen {
		return true
	}

	endpoints[url] = &endpoint{}
	t.logger.Info("rpc endpoint observed", "context_id", contextID, "endpoint", url)

	if _, simulating := t.forks[contextID]; simulating {
		_ = t.installRedirectRulesLocked(ctx, contextID)
	}
	return true
}

// ResolveEndpointNetwork returns the network id served by url, probing it at
// most once per context. Concurrent callers share the in-flight probe; a
// caller giving up does not cancel it.
func (t *Tracker) ResolveEndpointNetwork(ctx context.Context, contextID int, url string) (uint64, error) {
	if !t.registerEndpoint(ctx, contextID, url) {
		return 0, ErrNotTracked
	}

	t.mu.Lock()
	if e := t.lookupLocked(contextID, url); e != nil && e.settled {
		t.mu.Unlock()
		return e.networkID, e.err
	}
	t.mu.Unlock()

	probeCtx := context.WithoutCancel(ctx)
	key := strconv.Itoa(contextID) + "|" + url
	ch := t.probes.DoChan(key, func() (any, error) {
		return t.probe(probeCtx, contextID, url)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(uint64), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (t *Tracker) probe(ctx context.Context, contextID int, url string) (uint64, error) {
	t.mu.Lock()
	if e := t.lookupLocked(contextID, url); e != nil && e.settled {
		t.mu.Unlock()
		return e.networkID, e.err
	}
	t.mu.Unlock()

	networkID, err := t.prober.ProbeChainID(ctx, contextID, url)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		metrics.EndpointProbes.WithLabelValues("error").Inc()
		err = fmt.Errorf("failed to resolve network of %s: %w", url, err)
		t.logger.Warn("endpoint probe failed", "context_id", contextID, "endpoint", url, "err", err)
	} else {
		metrics.EndpointProbes.WithLabelValues("ok").Inc()
		t.logger.Info("endpoint resolved", "context_id", contextID, "endpoint", url, "network_id", networkID)
	}

	e := t.lookupLocked(contextID, url)
	if e == nil {
		return networkID, err
	}
	e.settled = true
	if err != nil {
		e.err = err
		return 0, err
	}
	e.networkID, e.resolved = networkID, true
	return networkID, nil
}

func (t *Tracker) lookupLocked(contextID int, url string) *endpoint {
	endpoints, ok := t.endpoints[contextID]
	if !ok {
		return nil
	}
	return endpoints[url]
}

// isJSONRPC accepts a JSON-RPC 2.0 envelope or a non-empty batch of them.
func isJSONRPC(body []byte) bool {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return false
	}

	parsed := gjson.ParseBytes(body)
	if parsed.IsArray() {
		items := parsed.Array()
		if len(items) == 0 {
			return false
		}
		for _, item := range items {
			if !isEnvelope(item) {
				return false
			}
		}
		return true
	}
	return isEnvelope(parsed)
}

func isEnvelope(v gjson.Result) bool {
	return v.IsObject() && v.Get("jsonrpc").String() == "2.0"
}
