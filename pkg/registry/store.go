package registry

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tokenreg/quorum/pkg/rules"
)

// Store persists validators.
type Store struct {
	db *gorm.DB
}

// NewStore creates a validator store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the validators table.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Validator{})
}

// Upsert creates or fully replaces a validator row.
func (s *Store) Upsert(ctx context.Context, v *Validator) error {
	if v.ID == "" {
		return errors.New("validator id is required")
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(v)
	if result.Error != nil {
		return fmt.Errorf("upsert validator %s: %w", v.ID, result.Error)
	}
	return nil
}

// Get returns a validator by id, or (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, id string) (*Validator, error) {
	var v Validator
	result := s.db.WithContext(ctx).First(&v, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get validator %s: %w", id, result.Error)
	}
	return &v, nil
}

// List returns all validators ordered by id.
func (s *Store) List(ctx context.Context) ([]Validator, error) {
	var out []Validator
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list validators: %w", err)
	}
	return out, nil
}

// ListActive returns active validators holding the given role, ordered by
// id so board selection is deterministic.
func (s *Store) ListActive(ctx context.Context, role rules.Role) ([]Validator, error) {
	var out []Validator
	err := s.db.WithContext(ctx).
		Where("active = ? AND role = ?", true, string(role)).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list active validators: %w", err)
	}
	return out, nil
}

// Deactivate clears the active flag. Returns gorm.ErrRecordNotFound when
// the validator does not exist.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&Validator{}).
		Where("id = ?", id).
		Update("active", false)
	if result.Error != nil {
		return fmt.Errorf("deactivate validator %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
