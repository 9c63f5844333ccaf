package forkd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Fork is one provisioned fork node, keyed by its controlling account.
type Fork struct {
	Account     string    `json:"account"`
	ContainerID string    `json:"containerId"`
	URL         string    `json:"url"`
	Port        int       `json:"port"`
	CreatedAt   time.Time `json:"createdAt"`
}

// registry is the fork table, persisted as JSON after every change so a
// restarted service picks its containers back up.
type registry struct {
	path  string
	forks map[string]Fork
}

func loadRegistry(path string) (*registry, error) {
	r := &registry{path: path, forks: make(map[string]Fork)}
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var forks []Fork
	if err := json.Unmarshal(data, &forks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state file: %w", err)
	}
	for _, f := range forks {
		r.forks[f.Account] = f
	}
	return r, nil
}

func (r *registry) get(account string) (Fork, bool) {
	f, ok := r.forks[account]
	return f, ok
}

func (r *registry) put(f Fork) error {
	r.forks[f.Account] = f
	return r.save()
}

func (r *registry) delete(account string) error {
	delete(r.forks, account)
	return r.save()
}

func (r *registry) list() []Fork {
	forks := make([]Fork, 0, len(r.forks))
	for _, f := range r.forks {
		forks = append(forks, f)
	}
	sort.Slice(forks, func(i, j int) bool { return forks[i].Account < forks[j].Account })
	return forks
}

func (r *registry) usedPorts() map[int]struct{} {
	ports := make(map[int]struct{}, len(r.forks))
	for _, f := range r.forks {
		ports[f.Port] = struct{}{}
	}
	return ports
}

func (r *registry) save() error {
	if r.path == "" {
		return nil
	}

	content, err := json.MarshalIndent(r.list(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, append(content, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
