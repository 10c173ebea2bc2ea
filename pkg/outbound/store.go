// Package outbound publishes terminal decisions to external consumers
// (registry activation, notification). Events are written to an outbox
// table in the same transaction as the status transition and relayed
// asynchronously, so a decision is never announced unless it committed
// and never lost if the process dies between commit and delivery.
package outbound

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tokenreg/quorum/pkg/store"
)

// Event types emitted on terminal decisions.
const (
	EventRequestApproved = "RequestApproved"
	EventRequestRejected = "RequestRejected"
	EventRequestTimedOut = "RequestTimedOut"
)

// Event is one outbox row. PublishedAt is nil until every subscriber has
// accepted the event.
type Event struct {
	ID          string        `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	RequestID   string        `gorm:"column:request_id;index:idx_outbound_request" json:"requestId"`
	EventType   string        `gorm:"column:event_type;index:idx_outbound_type" json:"eventType"`
	Payload     store.JSONAny `gorm:"column:payload;type:text" json:"payload,omitempty"`
	CreatedAt   time.Time     `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	PublishedAt *time.Time    `gorm:"column:published_at;index:idx_outbound_published" json:"publishedAt,omitempty"`
}

// TableName sets the table name for Event.
func (Event) TableName() string { return "outbound_events" }

// Store persists outbox events.
type Store struct {
	db *gorm.DB
}

// NewStore creates an outbox store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the outbound_events table.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Event{})
}

// WithTx returns a store bound to the given transaction, so the event is
// committed atomically with the decision it announces.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Append writes one unpublished event. An empty ID is filled in.
func (s *Store) Append(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("append outbound event: %w", err)
	}
	return nil
}

// ListUnpublished returns up to limit undelivered events, oldest first.
func (s *Store) ListUnpublished(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Event
	err := s.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list unpublished events: %w", err)
	}
	return out, nil
}

// MarkPublished stamps the event as delivered. The condition on
// published_at keeps a concurrent relay from stamping twice; a no-op is
// not an error.
func (s *Store) MarkPublished(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&Event{}).
		Where("id = ? AND published_at IS NULL", id).
		Update("published_at", time.Now())
	if result.Error != nil {
		return fmt.Errorf("mark event %s published: %w", id, result.Error)
	}
	return nil
}

// CountUnpublished reports the current outbox backlog.
func (s *Store) CountUnpublished(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Event{}).
		Where("published_at IS NULL").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count unpublished events: %w", err)
	}
	return count, nil
}
