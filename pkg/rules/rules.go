// Package rules maps change types to their approval requirements: tier,
// required voter role, approver count, timeout, and cascade behavior.
// Rules are loaded from a YAML file, validated at load time, and served
// from an immutable snapshot so a reload can never expose a half-updated
// rule.
package rules

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier is the approval strictness class of a change type.
type Tier string

const (
	TierStandard Tier = "STANDARD"
	TierElevated Tier = "ELEVATED"
	TierCritical Tier = "CRITICAL"
)

// Rank orders tiers by authority: a voter may act at or below its own
// tier. Unknown tiers rank below everything.
func (t Tier) Rank() int {
	switch t {
	case TierStandard:
		return 1
	case TierElevated:
		return 2
	case TierCritical:
		return 3
	}
	return 0
}

// Role is the voter role a tier demands.
type Role string

const (
	RoleValidator Role = "VALIDATOR"
	RoleAdmin     Role = "ADMIN"
)

// ErrUnknownChangeType is returned by Resolve for change types with no
// configured rule. Submission must fail before any record is created.
var ErrUnknownChangeType = errors.New("unknown change type")

// DefaultTimeoutHours is the voting window applied when neither the rule
// nor the file defaults override it (7 days).
const DefaultTimeoutHours = 168

// Rule is a fully resolved approval rule for one change type. Values are
// denormalized from the tier table at load time so callers never consult
// two sources.
type Rule struct {
	ChangeType              string        `json:"changeType"`
	Tier                    Tier          `json:"tier"`
	RequiredRole            Role          `json:"requiredRole"`
	Approvers               int           `json:"approvers"`
	Timeout                 time.Duration `json:"timeout"`
	CascadeOnRejection      bool          `json:"cascadeOnRejection"`
	BlockOnActiveDependents bool          `json:"blockOnActiveDependents"`
}

// File is the on-disk rule configuration.
type File struct {
	Defaults Defaults            `yaml:"defaults"`
	Tiers    map[string]TierSpec `yaml:"tiers"`
	Rules    []RuleSpec          `yaml:"rules"`
}

// Defaults holds file-wide fallbacks.
type Defaults struct {
	TimeoutHours int `yaml:"timeoutHours"`
}

// TierSpec configures one approval tier: how many approvers it needs and
// which role they must hold.
type TierSpec struct {
	Approvers int    `yaml:"approvers"`
	Role      string `yaml:"role"`
}

// RuleSpec is one rule entry as written in the file.
type RuleSpec struct {
	ChangeType              string `yaml:"changeType"`
	Tier                    string `yaml:"tier"`
	TimeoutHours            int    `yaml:"timeoutHours,omitempty"`
	CascadeOnRejection      bool   `yaml:"cascadeOnRejection,omitempty"`
	BlockOnActiveDependents bool   `yaml:"blockOnActiveDependents,omitempty"`
}

// Default returns the built-in configuration used when no rule file is
// supplied: token.create at STANDARD, token.suspend at ELEVATED with
// cascade, token.retire at CRITICAL with cascade and the active-dependents
// block.
func Default() File {
	return File{
		Defaults: Defaults{TimeoutHours: DefaultTimeoutHours},
		Tiers: map[string]TierSpec{
			string(TierStandard): {Approvers: 1, Role: string(RoleValidator)},
			string(TierElevated): {Approvers: 2, Role: string(RoleValidator)},
			string(TierCritical): {Approvers: 3, Role: string(RoleAdmin)},
		},
		Rules: []RuleSpec{
			{ChangeType: "token.create", Tier: string(TierStandard)},
			{ChangeType: "token.suspend", Tier: string(TierElevated), CascadeOnRejection: true},
			{ChangeType: "token.retire", Tier: string(TierCritical), CascadeOnRejection: true, BlockOnActiveDependents: true},
		},
	}
}

// ReadFile parses a rule file from disk. Validation happens when the file
// is turned into a snapshot, not here.
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read rule file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse rule file: %w", err)
	}
	return f, nil
}

// build validates the configuration and produces the resolved rule set.
// Any inconsistency rejects the whole file; the caller keeps serving its
// previous snapshot.
func build(f File) (map[string]Rule, error) {
	defaultTimeout := f.Defaults.TimeoutHours
	if defaultTimeout == 0 {
		defaultTimeout = DefaultTimeoutHours
	}
	if defaultTimeout < 0 {
		return nil, fmt.Errorf("defaults.timeoutHours must be positive, got %d", defaultTimeout)
	}

	tiers := make(map[Tier]TierSpec, len(f.Tiers))
	for name, spec := range f.Tiers {
		tier := Tier(name)
		if tier.Rank() == 0 {
			return nil, fmt.Errorf("unknown tier %q (expected STANDARD, ELEVATED, or CRITICAL)", name)
		}
		if spec.Approvers < 1 {
			return nil, fmt.Errorf("tier %s: approvers must be at least 1, got %d", name, spec.Approvers)
		}
		role := Role(spec.Role)
		if role != RoleValidator && role != RoleAdmin {
			return nil, fmt.Errorf("tier %s: unknown role %q (expected VALIDATOR or ADMIN)", name, spec.Role)
		}
		// CRITICAL changes must be signed off by administrators.
		if tier == TierCritical && role != RoleAdmin {
			return nil, fmt.Errorf("tier %s requires role ADMIN, got %q", name, spec.Role)
		}
		tiers[tier] = spec
	}

	rules := make(map[string]Rule, len(f.Rules))
	for _, spec := range f.Rules {
		if spec.ChangeType == "" {
			return nil, errors.New("rule with empty changeType")
		}
		if _, dup := rules[spec.ChangeType]; dup {
			return nil, fmt.Errorf("duplicate rule for change type %q", spec.ChangeType)
		}
		tierSpec, ok := tiers[Tier(spec.Tier)]
		if !ok {
			return nil, fmt.Errorf("rule %s references unconfigured tier %q", spec.ChangeType, spec.Tier)
		}
		timeoutHours := spec.TimeoutHours
		if timeoutHours == 0 {
			timeoutHours = defaultTimeout
		}
		if timeoutHours < 0 {
			return nil, fmt.Errorf("rule %s: timeoutHours must be positive, got %d", spec.ChangeType, timeoutHours)
		}
		rules[spec.ChangeType] = Rule{
			ChangeType:              spec.ChangeType,
			Tier:                    Tier(spec.Tier),
			RequiredRole:            Role(tierSpec.Role),
			Approvers:               tierSpec.Approvers,
			Timeout:                 time.Duration(timeoutHours) * time.Hour,
			CascadeOnRejection:      spec.CascadeOnRejection,
			BlockOnActiveDependents: spec.BlockOnActiveDependents,
		}
	}
	return rules, nil
}

// sortRules returns rules ordered by change type for stable listings.
func sortRules(m map[string]Rule) []Rule {
	out := make([]Rule, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChangeType < out[j].ChangeType })
	return out
}
