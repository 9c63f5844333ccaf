package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/Brahma-fi/brahma-connect/internal/logger"
)

var (
	ErrInvalidRuleID = errors.New("invalid rule id")
	ErrInvalidAction = errors.New("invalid rule action")
	ErrDuplicateRule = errors.New("duplicate rule id")
)

// Store is an in-memory session rule engine. It is the rule subsystem behind
// the forward proxy and the DevTools host.
type Store struct {
	logger *slog.Logger

	mu    sync.RWMutex
	rules map[ID]Rule
}

func NewStore() *Store {
	return &Store{
		logger: logger.Named("rule_store"),
		rules:  make(map[ID]Rule),
	}
}

// UpdateSessionRules validates the whole update before touching state, then
// applies removals followed by additions. Removing an unknown id is a no-op.
// Adding an id twice, or adding an installed id the update does not remove,
// fails with ErrDuplicateRule.
func (s *Store) UpdateSessionRules(_ context.Context, update Update) error {
	for _, rule := range update.AddRules {
		if err := validate(rule); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make(map[ID]struct{}, len(update.RemoveRuleIDs))
	for _, id := range update.RemoveRuleIDs {
		removed[id] = struct{}{}
	}
	added := make(map[ID]struct{}, len(update.AddRules))
	for _, rule := range update.AddRules {
		if _, ok := added[rule.ID]; ok {
			return fmt.Errorf("%w: %d", ErrDuplicateRule, rule.ID)
		}
		added[rule.ID] = struct{}{}
		if _, installed := s.rules[rule.ID]; installed {
			if _, ok := removed[rule.ID]; !ok {
				return fmt.Errorf("%w: %d is already installed", ErrDuplicateRule, rule.ID)
			}
		}
	}

	for _, id := range update.RemoveRuleIDs {
		delete(s.rules, id)
	}
	for _, rule := range update.AddRules {
		s.rules[rule.ID] = rule
	}

	s.logger.Debug("session rules updated", "removed", len(update.RemoveRuleIDs), "added", len(update.AddRules), "total", len(s.rules))
	return nil
}

func validate(rule Rule) error {
	if rule.ID < MinID || rule.ID > MaxID {
		return fmt.Errorf("%w: %d", ErrInvalidRuleID, rule.ID)
	}

	switch rule.Action.Type {
	case ActionRedirect:
		if rule.Action.Redirect == nil || rule.Action.Redirect.URL == "" {
			return fmt.Errorf("%w: rule %d redirect without url", ErrInvalidAction, rule.ID)
		}
	case ActionModifyHeaders:
		if len(rule.Action.RequestHeaders) == 0 && len(rule.Action.ResponseHeaders) == 0 {
			return fmt.Errorf("%w: rule %d modifies no headers", ErrInvalidAction, rule.ID)
		}
	default:
		return fmt.Errorf("%w: rule %d has type %q", ErrInvalidAction, rule.ID, rule.Action.Type)
	}

	return nil
}

// Rules returns the installed rules ordered by id.
func (s *Store) Rules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Rule, 0, len(s.rules))
	for _, rule := range s.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Rule(id ID) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[id]
	return rule, ok
}

// Match returns the rules applying to req, highest priority first, ties broken by id.
func (s *Store) Match(req Request) []Rule {
	s.mu.RLock()
	var matched []Rule
	for _, rule := range s.rules {
		if rule.matches(req) {
			matched = append(matched, rule)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].ID < matched[j].ID
	})
	return matched
}

// Resolution is the combined effect of the matching rules on one request.
type Resolution struct {
	RedirectURL     string
	RequestHeaders  []HeaderInfo
	ResponseHeaders []HeaderInfo
}

// Resolve folds Match into a single outcome: the first redirect wins and every
// header modification applies.
func (s *Store) Resolve(req Request) Resolution {
	var res Resolution
	for _, rule := range s.Match(req) {
		switch rule.Action.Type {
		case ActionRedirect:
			if res.RedirectURL == "" {
				res.RedirectURL = rule.Action.Redirect.URL
			}
		case ActionModifyHeaders:
			res.RequestHeaders = append(res.RequestHeaders, rule.Action.RequestHeaders...)
			res.ResponseHeaders = append(res.ResponseHeaders, rule.Action.ResponseHeaders...)
		}
	}
	return res
}

// ApplyHeaders applies header operations to h in order.
func ApplyHeaders(h http.Header, ops []HeaderInfo) {
	for _, op := range ops {
		switch op.Operation {
		case HeaderRemove:
			h.Del(op.Header)
		case HeaderSet:
			h.Set(op.Header, op.Value)
		case HeaderAppend:
			h.Add(op.Header, op.Value)
		}
	}
}
