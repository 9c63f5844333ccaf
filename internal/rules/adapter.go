package rules

import (
	"context"
	"fmt"

	"github.com/Brahma-fi/brahma-connect/internal/metrics"
)

// Adapter exposes the engine as an atomic replace of the rules stored under a set of ids.
type Adapter struct {
	engine Engine
}

func NewAdapter(engine Engine) *Adapter {
	return &Adapter{engine: engine}
}

// Replace removes removeIDs and installs add in one engine update.
func (a *Adapter) Replace(ctx context.Context, removeIDs []ID, add []Rule) error {
	err := a.engine.UpdateSessionRules(ctx, Update{RemoveRuleIDs: removeIDs, AddRules: add})
	if err != nil {
		metrics.RuleUpdates.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to update session rules: %w", err)
	}

	metrics.RuleUpdates.WithLabelValues("ok").Inc()
	return nil
}
