package tracker

import (
	"context"
	"net/url"
	"strings"

	"github.com/Brahma-fi/brahma-connect/internal/wire"
)

type EventKind string

const (
	ContextCreated EventKind = "created"
	ContextUpdated EventKind = "updated"
	ContextRemoved EventKind = "removed"

	StatusLoading  = "loading"
	StatusComplete = "complete"
)

// ContextEvent is a lifecycle notification from the host platform.
type ContextEvent struct {
	ContextID int       `json:"contextId"`
	Kind      EventKind `json:"kind"`
	URL       string    `json:"url,omitempty"`
	Status    string    `json:"status,omitempty"`
}

// HandleContextEvent keeps tracking in step with what a context shows. A
// context landing on the kernel page starts being tracked, one showing
// anything else stops, and a closed one is untracked. A completed
// navigation on the kernel page is announced to the page, reinstalls the
// redirect rules and asks for the dapp frame to be injected.
func (t *Tracker) HandleContextEvent(ctx context.Context, ev ContextEvent) {
	active := t.IsActive(ev.ContextID)

	if ev.Kind == ContextRemoved {
		if active {
			t.StopTracking(ctx, ev.ContextID)
		}
		return
	}

	if ev.URL != "" {
		onKernel := t.IsKernelPage(ev.URL)
		switch {
		case onKernel && !active:
			t.StartTracking(ctx, ev.ContextID)
			active = true
		case !onKernel && active:
			t.logger.Info("context left kernel page", "context_id", ev.ContextID, "url", ev.URL)
			t.StopTracking(ctx, ev.ContextID)
			return
		}
	}

	if !active || ev.Status != StatusComplete {
		return
	}

	t.send(ctx, ev.ContextID, wire.NavigationDetected())
	_ = t.InstallRedirectRules(ctx, ev.ContextID)

	if strings.HasSuffix(strings.TrimSuffix(ev.URL, "/"), "kernel") {
		t.send(ctx, ev.ContextID, wire.InjectIFrame())
	}
}

// IsKernelPage reports whether raw is the kernel page: under the configured
// kernel URL with a path ending in "kernel". Query and fragment are ignored.
func (t *Tracker) IsKernelPage(raw string) bool {
	if t.kernelURL != "" && !strings.HasPrefix(raw, t.kernelURL) {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.TrimSuffix(u.Path, "/"), "kernel")
}

func (t *Tracker) send(ctx context.Context, contextID int, msg wire.Message) {
	if t.messenger == nil {
		return
	}
	if err := t.messenger.SendToContext(ctx, contextID, msg); err != nil {
		t.logger.Warn("failed to message context", "context_id", contextID, "type", msg.Type, "err", err)
	}
}
