// Package cdphost drives one Chrome tab over the DevTools protocol: requests
// are paused with the Fetch domain, matched against the session rules and
// resumed with the rule outcome, and page lifecycle events feed the tracker.
package cdphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync/atomic"

	"github.com/Brahma-fi/brahma-connect/internal/logger"
	"github.com/Brahma-fi/brahma-connect/internal/metrics"
	"github.com/Brahma-fi/brahma-connect/internal/rules"
	"github.com/Brahma-fi/brahma-connect/internal/tracker"
	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/rpcc"
	"golang.org/x/sync/errgroup"
)

var ErrNoTarget = errors.New("no matching devtools target")

type (
	Resolver interface {
		Resolve(req rules.Request) rules.Resolution
	}

	Observer interface {
		ObserveOutboundRequest(ctx context.Context, req tracker.OutboundRequest) bool
	}

	Lifecycle interface {
		HandleContextEvent(ctx context.Context, ev tracker.ContextEvent)
	}

	Options struct {
		DevToolsURL string
		// TargetID selects the tab; empty picks the first page target.
		TargetID  string
		ContextID int
	}
)

type Host struct {
	opts      Options
	resolver  Resolver
	observer  Observer
	lifecycle Lifecycle
	logger    *slog.Logger

	mainFrame page.FrameID
	url       atomic.Pointer[string]
}

func New(opts Options, resolver Resolver, observer Observer, lifecycle Lifecycle) *Host {
	return &Host{
		opts:      opts,
		resolver:  resolver,
		observer:  observer,
		lifecycle: lifecycle,
		logger:    logger.Named("cdp_host").With("context_id", opts.ContextID),
	}
}

// Run attaches to the tab and serves it until ctx is done or the tab goes
// away. The context is reported removed on return.
func (h *Host) Run(ctx context.Context) error {
	target, err := h.selectTarget(ctx)
	if err != nil {
		return err
	}
	h.mainFrame = page.FrameID(target.ID)
	h.url.Store(&target.URL)

	conn, err := rpcc.DialContext(ctx, target.WebSocketDebuggerURL)
	if err != nil {
		return fmt.Errorf("failed to dial devtools target %s: %w", target.ID, err)
	}
	defer conn.Close()

	client := cdp.NewClient(conn)
	if err := h.enable(ctx, client); err != nil {
		return err
	}
	h.logger.Info("attached to devtools target", "target", target.ID, "url", target.URL)

	paused, err := client.Fetch.RequestPaused(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to paused requests: %w", err)
	}
	defer paused.Close()

	navigated, err := client.Page.FrameNavigated(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to frame navigations: %w", err)
	}
	defer navigated.Close()

	loaded, err := client.Page.LoadEventFired(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to load events: %w", err)
	}
	defer loaded.Close()

	defer h.lifecycle.HandleContextEvent(context.WithoutCancel(ctx), tracker.ContextEvent{
		ContextID: h.opts.ContextID,
		Kind:      tracker.ContextRemoved,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		for {
			ev, err := paused.Recv()
			if err != nil {
				return err
			}
			h.handlePaused(gctx, client, ev)
		}
	})
	g.Go(func() error {
		for {
			ev, err := navigated.Recv()
			if err != nil {
				return err
			}
			if ev.Frame.ParentID != nil {
				continue
			}
			url := ev.Frame.URL
			h.url.Store(&url)
			h.lifecycle.HandleContextEvent(gctx, tracker.ContextEvent{
				ContextID: h.opts.ContextID,
				Kind:      tracker.ContextUpdated,
				URL:       ev.Frame.URL,
				Status:    tracker.StatusLoading,
			})
		}
	})
	g.Go(func() error {
		for {
			if _, err := loaded.Recv(); err != nil {
				return err
			}
			h.lifecycle.HandleContextEvent(gctx, tracker.ContextEvent{
				ContextID: h.opts.ContextID,
				Kind:      tracker.ContextUpdated,
				URL:       *h.url.Load(),
				Status:    tracker.StatusComplete,
			})
		}
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("devtools connection lost: %w", err)
}

func (h *Host) selectTarget(ctx context.Context) (*devtool.Target, error) {
	targets, err := devtool.New(h.opts.DevToolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devtools targets: %w", err)
	}

	for _, t := range targets {
		if h.opts.TargetID != "" {
			if t.ID == h.opts.TargetID {
				return t, nil
			}
			continue
		}
		if t.Type == devtool.Page {
			return t, nil
		}
	}
	return nil, ErrNoTarget
}

func (h *Host) enable(ctx context.Context, client *cdp.Client) error {
	if err := client.Network.Enable(ctx, nil); err != nil {
		return fmt.Errorf("failed to enable network domain: %w", err)
	}
	if err := client.Page.Enable(ctx); err != nil {
		return fmt.Errorf("failed to enable page domain: %w", err)
	}

	all := "*"
	patterns := []fetch.RequestPattern{
		{URLPattern: &all, RequestStage: fetch.RequestStageRequest},
		{URLPattern: &all, RequestStage: fetch.RequestStageResponse},
	}
	if err := client.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: patterns}); err != nil {
		return fmt.Errorf("failed to enable fetch interception: %w", err)
	}
	return nil
}

func (h *Host) handlePaused(ctx context.Context, client *cdp.Client, ev *fetch.RequestPausedReply) {
	if ev.ResponseStatusCode != nil {
		args := h.continueResponse(ev)
		if err := client.Fetch.ContinueResponse(ctx, args); err != nil {
			h.logger.Warn("failed to continue response", "url", ev.Request.URL, "err", err)
		}
		return
	}

	h.observe(ctx, ev)
	args := h.continueRequest(ev)
	if err := client.Fetch.ContinueRequest(ctx, args); err != nil {
		h.logger.Warn("failed to continue request", "url", ev.Request.URL, "err", err)
	}
}

func (h *Host) observe(ctx context.Context, ev *fetch.RequestPausedReply) {
	if h.observer == nil || ev.Request.Method != http.MethodPost || ev.Request.PostData == nil {
		return
	}
	h.observer.ObserveOutboundRequest(ctx, tracker.OutboundRequest{
		ContextID: h.opts.ContextID,
		URL:       ev.Request.URL,
		Method:    ev.Request.Method,
		Body:      []byte(*ev.Request.PostData),
	})
}

func (h *Host) resolve(ev *fetch.RequestPausedReply) rules.Resolution {
	return h.resolver.Resolve(rules.Request{
		URL:          ev.Request.URL,
		ResourceType: h.resourceType(ev),
		TabID:        h.opts.ContextID,
	})
}

func (h *Host) continueRequest(ev *fetch.RequestPausedReply) *fetch.ContinueRequestArgs {
	args := &fetch.ContinueRequestArgs{RequestID: ev.RequestID}

	res := h.resolve(ev)
	if res.RedirectURL != "" {
		redirect := res.RedirectURL
		args.URL = &redirect
		metrics.ProxiedRequests.WithLabelValues("redirect").Inc()
		h.logger.Debug("redirecting request", "from", ev.Request.URL, "to", redirect)
	}
	if len(res.RequestHeaders) > 0 {
		headers := http.Header{}
		var raw map[string]string
		if err := json.Unmarshal(ev.Request.Headers, &raw); err != nil {
			h.logger.Warn("failed to decode request headers", "url", ev.Request.URL, "err", err)
		}
		for k, v := range raw {
			headers.Add(k, v)
		}
		rules.ApplyHeaders(headers, res.RequestHeaders)
		args.Headers = headerEntries(headers)
		if res.RedirectURL == "" {
			metrics.ProxiedRequests.WithLabelValues("headers").Inc()
		}
	}
	if args.URL == nil && args.Headers == nil {
		metrics.ProxiedRequests.WithLabelValues("pass").Inc()
	}
	return args
}

func (h *Host) continueResponse(ev *fetch.RequestPausedReply) *fetch.ContinueResponseArgs {
	args := &fetch.ContinueResponseArgs{RequestID: ev.RequestID}

	res := h.resolve(ev)
	if len(res.ResponseHeaders) == 0 {
		return args
	}

	headers := http.Header{}
	for _, entry := range ev.ResponseHeaders {
		headers.Add(entry.Name, entry.Value)
	}
	rules.ApplyHeaders(headers, res.ResponseHeaders)
	args.ResponseHeaders = headerEntries(headers)
	metrics.ProxiedRequests.WithLabelValues("headers").Inc()
	return args
}

// resourceType maps the DevTools resource type onto the rule engine's,
// telling frames apart by whether the document loads in the tab's main frame.
func (h *Host) resourceType(ev *fetch.RequestPausedReply) rules.ResourceType {
	switch string(ev.ResourceType) {
	case "Document":
		if ev.FrameID == h.mainFrame {
			return rules.ResourceMainFrame
		}
		return rules.ResourceSubFrame
	case "XHR", "Fetch":
		return rules.ResourceXMLHTTPRequest
	default:
		return rules.ResourceOther
	}
}

func headerEntries(h http.Header) []fetch.HeaderEntry {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]fetch.HeaderEntry, 0, len(h))
	for _, name := range names {
		for _, value := range h[name] {
			entries = append(entries, fetch.HeaderEntry{Name: name, Value: value})
		}
	}
	return entries
}
