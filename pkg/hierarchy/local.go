package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Token states as the local registry tracks them.
const (
	TokenActive    = "ACTIVE"
	TokenSuspended = "SUSPENDED"
	TokenRetired   = "RETIRED"
)

// Token is one registry entity in the local hierarchy table. ParentID
// links a secondary token to the primary it depends on.
type Token struct {
	ID        string    `gorm:"primaryKey;column:id;type:varchar(64)" json:"id"`
	ParentID  string    `gorm:"column:parent_id;index:idx_token_parent" json:"parentId,omitempty"`
	State     string    `gorm:"column:state;index:idx_token_state" json:"state"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName sets the table name for Token.
func (Token) TableName() string { return "tokens" }

// LocalStore is a gorm-backed hierarchy used in development mode and in
// tests. It satisfies Client.
type LocalStore struct {
	db *gorm.DB
}

// NewLocalStore creates a local hierarchy store.
func NewLocalStore(db *gorm.DB) *LocalStore {
	return &LocalStore{db: db}
}

// Migrate creates or updates the tokens table.
func (s *LocalStore) Migrate() error {
	return s.db.AutoMigrate(&Token{})
}

// Put creates or replaces a token row. New tokens default to ACTIVE.
func (s *LocalStore) Put(ctx context.Context, t *Token) error {
	if t.ID == "" {
		return errors.New("token id is required")
	}
	if t.State == "" {
		t.State = TokenActive
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(t)
	if result.Error != nil {
		return fmt.Errorf("put token %s: %w", t.ID, result.Error)
	}
	return nil
}

// SetState updates a token's lifecycle state.
func (s *LocalStore) SetState(ctx context.Context, id, state string) error {
	result := s.db.WithContext(ctx).Model(&Token{}).
		Where("id = ?", id).
		Update("state", state)
	if result.Error != nil {
		return fmt.Errorf("set token %s state: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Get returns a token by id, or (nil, nil) when absent.
func (s *LocalStore) Get(ctx context.Context, id string) (*Token, error) {
	var t Token
	result := s.db.WithContext(ctx).First(&t, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get token %s: %w", id, result.Error)
	}
	return &t, nil
}

// ListDependents returns the ids of active children of entityID, ordered
// by id.
func (s *LocalStore) ListDependents(ctx context.Context, entityID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Token{}).
		Where("parent_id = ? AND state = ?", entityID, TokenActive).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list dependents of %s: %w", entityID, err)
	}
	return ids, nil
}

// HasActiveDependents reports whether entityID has any active children.
func (s *LocalStore) HasActiveDependents(ctx context.Context, entityID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Token{}).
		Where("parent_id = ? AND state = ?", entityID, TokenActive).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count dependents of %s: %w", entityID, err)
	}
	return count > 0, nil
}
