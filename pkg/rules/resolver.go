package rules

import (
	"fmt"
	"sync/atomic"
	"time"
)

// snapshot is one immutable generation of the rule set.
type snapshot struct {
	rules    map[string]Rule
	ordered  []Rule
	loadedAt time.Time
}

// Resolver serves approval rules from an atomically swapped snapshot.
// Reads never block and always observe a complete generation; Reload
// replaces the whole set or nothing.
type Resolver struct {
	path string
	snap atomic.Pointer[snapshot]
}

// NewResolver builds a resolver from an in-memory configuration. Used by
// tests and by the server when no rule file is supplied.
func NewResolver(f File) (*Resolver, error) {
	rules, err := build(f)
	if err != nil {
		return nil, err
	}
	r := &Resolver{}
	r.swap(rules)
	return r, nil
}

// Load reads, validates, and serves the rule file at path. The path is
// remembered for Reload.
func Load(path string) (*Resolver, error) {
	f, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	r, err := NewResolver(f)
	if err != nil {
		return nil, fmt.Errorf("invalid rule file %s: %w", path, err)
	}
	r.path = path
	return r, nil
}

// Reload re-reads the rule file and swaps in the new snapshot. On any
// read, parse, or validation error the current snapshot stays in place
// and the error is returned.
func (r *Resolver) Reload() error {
	if r.path == "" {
		return fmt.Errorf("resolver was not loaded from a file")
	}
	f, err := ReadFile(r.path)
	if err != nil {
		return err
	}
	rules, err := build(f)
	if err != nil {
		return fmt.Errorf("invalid rule file %s: %w", r.path, err)
	}
	r.swap(rules)
	return nil
}

// Resolve returns the rule for a change type, or ErrUnknownChangeType.
func (r *Resolver) Resolve(changeType string) (Rule, error) {
	s := r.snap.Load()
	rule, ok := s.rules[changeType]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %q", ErrUnknownChangeType, changeType)
	}
	return rule, nil
}

// All returns every configured rule ordered by change type.
func (r *Resolver) All() []Rule {
	return r.snap.Load().ordered
}

// LoadedAt reports when the current snapshot was installed.
func (r *Resolver) LoadedAt() time.Time {
	return r.snap.Load().loadedAt
}

func (r *Resolver) swap(rules map[string]Rule) {
	r.snap.Store(&snapshot{
		rules:    rules,
		ordered:  sortRules(rules),
		loadedAt: time.Now(),
	})
}
