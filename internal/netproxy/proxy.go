// Package netproxy is a forward HTTP proxy that enforces the session rules
// on real browser traffic and reports wallet RPC calls to the tracker.
package netproxy

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/Brahma-fi/brahma-connect/internal/logger"
	"github.com/Brahma-fi/brahma-connect/internal/metrics"
	"github.com/Brahma-fi/brahma-connect/internal/rules"
	"github.com/Brahma-fi/brahma-connect/internal/tracker"
)

// ContextHeader carries the browsing context id of a proxied request.
const ContextHeader = "X-Kernel-Context"

const maxObservedBody = 1 << 20

type (
	Resolver interface {
		Resolve(req rules.Request) rules.Resolution
	}

	Observer interface {
		ObserveOutboundRequest(ctx context.Context, req tracker.OutboundRequest) bool
	}

	resolutionKey struct{}
)

type Proxy struct {
	resolver Resolver
	observer Observer
	proxy    *httputil.ReverseProxy
	logger   *slog.Logger
}

// New returns a proxy applying resolver's rules. observer may be nil.
func New(resolver Resolver, observer Observer, transport http.RoundTripper) *Proxy {
	p := &Proxy{
		resolver: resolver,
		observer: observer,
		logger:   logger.Named("netproxy"),
	}
	p.proxy = &httputil.ReverseProxy{
		Rewrite:        p.rewrite,
		ModifyResponse: p.modifyResponse,
		Transport:      transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.logger.Warn("upstream request failed", "url", r.URL.String(), "err", err)
			http.Error(w, "upstream request failed", http.StatusBadGateway)
		},
	}
	return p
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		http.Error(w, "tunneling is not supported", http.StatusMethodNotAllowed)
		return
	}
	if !r.URL.IsAbs() {
		http.Error(w, "absolute request uri required", http.StatusBadRequest)
		return
	}

	contextID := -1
	if raw := r.Header.Get(ContextHeader); raw != "" {
		if id, err := strconv.Atoi(raw); err == nil {
			contextID = id
		}
	}

	target := r.URL.String()
	if contextID >= 0 && p.observer != nil && r.Method == http.MethodPost && r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxObservedBody+1))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
		if len(body) <= maxObservedBody {
			p.observer.ObserveOutboundRequest(r.Context(), tracker.OutboundRequest{
				ContextID: contextID,
				URL:       target,
				Method:    r.Method,
				Body:      body,
			})
		}
	}

	res := p.resolver.Resolve(rules.Request{URL: target, ResourceType: resourceType(r), TabID: contextID})
	switch {
	case res.RedirectURL != "":
		metrics.ProxiedRequests.WithLabelValues("redirect").Inc()
		p.logger.Debug("redirecting request", "context_id", contextID, "from", target, "to", res.RedirectURL)
	case len(res.RequestHeaders)+len(res.ResponseHeaders) > 0:
		metrics.ProxiedRequests.WithLabelValues("headers").Inc()
	default:
		metrics.ProxiedRequests.WithLabelValues("pass").Inc()
	}

	p.proxy.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), resolutionKey{}, res)))
}

func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	res, _ := pr.In.Context().Value(resolutionKey{}).(rules.Resolution)

	target := *pr.In.URL
	if res.RedirectURL != "" {
		if u, err := url.Parse(res.RedirectURL); err == nil {
			target = *u
		} else {
			p.logger.Warn("ignoring invalid redirect target", "target", res.RedirectURL, "err", err)
		}
	}

	pr.Out.URL = &target
	pr.Out.Host = target.Host
	pr.Out.Header.Del(ContextHeader)
	rules.ApplyHeaders(pr.Out.Header, res.RequestHeaders)
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	res, _ := resp.Request.Context().Value(resolutionKey{}).(rules.Resolution)
	rules.ApplyHeaders(resp.Header, res.ResponseHeaders)
	return nil
}

// resourceType classifies a request the way the browser's rule engine does,
// from its fetch metadata.
func resourceType(r *http.Request) rules.ResourceType {
	switch strings.ToLower(r.Header.Get("Sec-Fetch-Dest")) {
	case "iframe", "frame":
		return rules.ResourceSubFrame
	case "document":
		return rules.ResourceMainFrame
	case "empty":
		return rules.ResourceXMLHTTPRequest
	case "":
		if r.Method == http.MethodPost {
			return rules.ResourceXMLHTTPRequest
		}
		return rules.ResourceMainFrame
	default:
		return rules.ResourceOther
	}
}
