// Package registry holds the validator roster: the identities authorized
// to vote on change requests, each with a role and an authority tier.
// Reads go through a TTL cache that is invalidated on every write, so an
// authorization check never trusts a stale "active" longer than the TTL
// and never survives an explicit deactivation.
package registry

import (
	"time"

	"github.com/tokenreg/quorum/pkg/rules"
)

// Validator is one authorized voter. Deactivation does not retract votes
// already in the ledger.
type Validator struct {
	ID            string     `gorm:"primaryKey;column:id;type:varchar(64)" json:"id"`
	DisplayName   string     `gorm:"column:display_name" json:"displayName,omitempty"`
	Role          rules.Role `gorm:"column:role;index:idx_validator_role" json:"role"`
	AuthorityTier rules.Tier `gorm:"column:authority_tier" json:"authorityTier"`
	Active        bool       `gorm:"column:active;index:idx_validator_active" json:"active"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName sets the table name for Validator.
func (Validator) TableName() string { return "validators" }

// Eligible reports whether v may vote on a request demanding the given
// role and tier: the validator must be active, hold the demanded role,
// and sit at or above the demanded tier.
func Eligible(v Validator, role rules.Role, tier rules.Tier) bool {
	return v.Active && v.Role == role && v.AuthorityTier.Rank() >= tier.Rank()
}
