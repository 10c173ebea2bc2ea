package registry

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tokenreg/quorum/pkg/rules"
)

// SeedFile is the YAML shape of a validator seed file.
type SeedFile struct {
	Validators []SeedEntry `yaml:"validators"`
}

// SeedEntry is one validator in the seed file.
type SeedEntry struct {
	ID            string `yaml:"id"`
	DisplayName   string `yaml:"displayName,omitempty"`
	Role          string `yaml:"role"`
	AuthorityTier string `yaml:"authorityTier"`
}

// LoadSeedFile parses a validator seed file. A missing file is not an
// error; it returns an empty list so a bare server still starts.
func LoadSeedFile(path string) ([]Validator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read validator seed: %w", err)
	}

	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse validator seed: %w", err)
	}

	out := make([]Validator, 0, len(f.Validators))
	for _, e := range f.Validators {
		if e.ID == "" {
			return nil, fmt.Errorf("validator seed entry with empty id")
		}
		role := rules.Role(e.Role)
		if role != rules.RoleValidator && role != rules.RoleAdmin {
			return nil, fmt.Errorf("validator %s: unknown role %q", e.ID, e.Role)
		}
		tier := rules.Tier(e.AuthorityTier)
		if tier.Rank() == 0 {
			return nil, fmt.Errorf("validator %s: unknown authority tier %q", e.ID, e.AuthorityTier)
		}
		out = append(out, Validator{
			ID:            e.ID,
			DisplayName:   e.DisplayName,
			Role:          role,
			AuthorityTier: tier,
			Active:        true,
		})
	}
	return out, nil
}

// Seed upserts the given validators. Seeding never deactivates anyone;
// rows absent from the file are left untouched.
func (s *Store) Seed(ctx context.Context, validators []Validator) error {
	for i := range validators {
		if err := s.Upsert(ctx, &validators[i]); err != nil {
			return err
		}
	}
	return nil
}
