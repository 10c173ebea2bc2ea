package rules

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigResolves(t *testing.T) {
	r, err := NewResolver(Default())
	if err != nil {
		t.Fatalf("NewResolver(Default()) failed: %v", err)
	}

	create, err := r.Resolve("token.create")
	if err != nil {
		t.Fatalf("Resolve(token.create) failed: %v", err)
	}
	if create.Tier != TierStandard || create.RequiredRole != RoleValidator || create.Approvers != 1 {
		t.Errorf("token.create rule = %+v, want STANDARD/VALIDATOR/1", create)
	}
	if create.Timeout != DefaultTimeoutHours*time.Hour {
		t.Errorf("token.create timeout = %s, want %dh", create.Timeout, DefaultTimeoutHours)
	}
	if create.CascadeOnRejection {
		t.Error("token.create should not cascade")
	}

	retire, err := r.Resolve("token.retire")
	if err != nil {
		t.Fatalf("Resolve(token.retire) failed: %v", err)
	}
	if retire.Tier != TierCritical || retire.RequiredRole != RoleAdmin || retire.Approvers != 3 {
		t.Errorf("token.retire rule = %+v, want CRITICAL/ADMIN/3", retire)
	}
	if !retire.CascadeOnRejection || !retire.BlockOnActiveDependents {
		t.Errorf("token.retire should cascade and block on active dependents, got %+v", retire)
	}
}

func TestResolveUnknownChangeType(t *testing.T) {
	r, err := NewResolver(Default())
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	_, err = r.Resolve("token.mint")
	if !errors.Is(err, ErrUnknownChangeType) {
		t.Errorf("Resolve(token.mint) error = %v, want ErrUnknownChangeType", err)
	}
}

func TestBuildValidation(t *testing.T) {
	base := func() File { return Default() }

	tests := []struct {
		name    string
		mutate  func(*File)
		wantErr string
	}{
		{
			name:    "unknown tier name",
			mutate:  func(f *File) { f.Tiers["URGENT"] = TierSpec{Approvers: 1, Role: "VALIDATOR"} },
			wantErr: "unknown tier",
		},
		{
			name:    "zero approvers",
			mutate:  func(f *File) { f.Tiers[string(TierStandard)] = TierSpec{Approvers: 0, Role: "VALIDATOR"} },
			wantErr: "approvers must be at least 1",
		},
		{
			name:    "unknown role",
			mutate:  func(f *File) { f.Tiers[string(TierStandard)] = TierSpec{Approvers: 1, Role: "AUDITOR"} },
			wantErr: "unknown role",
		},
		{
			name:    "critical tier with non-admin role",
			mutate:  func(f *File) { f.Tiers[string(TierCritical)] = TierSpec{Approvers: 3, Role: "VALIDATOR"} },
			wantErr: "requires role ADMIN",
		},
		{
			name:    "empty change type",
			mutate:  func(f *File) { f.Rules = append(f.Rules, RuleSpec{Tier: string(TierStandard)}) },
			wantErr: "empty changeType",
		},
		{
			name: "duplicate change type",
			mutate: func(f *File) {
				f.Rules = append(f.Rules, RuleSpec{ChangeType: "token.create", Tier: string(TierStandard)})
			},
			wantErr: "duplicate rule",
		},
		{
			name:    "rule references unconfigured tier",
			mutate:  func(f *File) { f.Rules = append(f.Rules, RuleSpec{ChangeType: "token.freeze", Tier: "EXTREME"}) },
			wantErr: "unconfigured tier",
		},
		{
			name:    "negative timeout",
			mutate:  func(f *File) { f.Rules[0].TimeoutHours = -4 },
			wantErr: "timeoutHours must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base()
			tt.mutate(&f)
			_, err := NewResolver(f)
			if err == nil {
				t.Fatal("NewResolver succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestRuleTimeoutOverride(t *testing.T) {
	f := Default()
	f.Defaults.TimeoutHours = 48
	f.Rules[0].TimeoutHours = 6

	r, err := NewResolver(f)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	overridden, _ := r.Resolve(f.Rules[0].ChangeType)
	if overridden.Timeout != 6*time.Hour {
		t.Errorf("overridden timeout = %s, want 6h", overridden.Timeout)
	}
	inherited, _ := r.Resolve(f.Rules[1].ChangeType)
	if inherited.Timeout != 48*time.Hour {
		t.Errorf("inherited timeout = %s, want 48h", inherited.Timeout)
	}
}

const reloadFixture = `
defaults:
  timeoutHours: 24
tiers:
  STANDARD: {approvers: 1, role: VALIDATOR}
rules:
  - changeType: token.create
    tier: STANDARD
`

const reloadFixtureV2 = `
defaults:
  timeoutHours: 24
tiers:
  STANDARD: {approvers: 1, role: VALIDATOR}
rules:
  - changeType: token.rename
    tier: STANDARD
`

func TestReloadSwapsWholeSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(reloadFixture), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := r.Resolve("token.create"); err != nil {
		t.Fatalf("Resolve before reload failed: %v", err)
	}

	if err := os.WriteFile(path, []byte(reloadFixtureV2), 0o600); err != nil {
		t.Fatalf("rewrite fixture: %v", err)
	}
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if _, err := r.Resolve("token.rename"); err != nil {
		t.Errorf("Resolve(token.rename) after reload failed: %v", err)
	}
	if _, err := r.Resolve("token.create"); !errors.Is(err, ErrUnknownChangeType) {
		t.Errorf("Resolve(token.create) after reload = %v, want ErrUnknownChangeType", err)
	}
}

func TestReloadKeepsSnapshotOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(reloadFixture), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("tiers:\n  BOGUS: {approvers: 1, role: VALIDATOR}\n"), 0o600); err != nil {
		t.Fatalf("rewrite fixture: %v", err)
	}
	if err := r.Reload(); err == nil {
		t.Fatal("Reload succeeded on invalid file, want error")
	}

	// Previous generation still serves.
	if _, err := r.Resolve("token.create"); err != nil {
		t.Errorf("Resolve after failed reload = %v, want success", err)
	}
}

func TestTierRank(t *testing.T) {
	if !(TierStandard.Rank() < TierElevated.Rank() && TierElevated.Rank() < TierCritical.Rank()) {
		t.Error("tier ranks are not strictly increasing")
	}
	if Tier("NOPE").Rank() != 0 {
		t.Error("unknown tier should rank 0")
	}
}
