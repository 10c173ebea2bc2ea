// Package timeline keeps the append-only audit record of every change
// request: one row per submission, vote, and state transition. Rows are
// never updated or deleted except by the retention sweep.
package timeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tokenreg/quorum/pkg/store"
)

// Event types recorded on a request's timeline.
const (
	EventSubmitted    = "SUBMITTED"
	EventVoteCast     = "VOTE_CAST"
	EventApproved     = "APPROVED"
	EventRejected     = "REJECTED"
	EventTimedOut     = "TIMED_OUT"
	EventExecuted     = "EXECUTED"
	EventCancelled    = "CANCELLED"
	EventCascadeCycle = "CASCADE_CYCLE"
)

// Event is one immutable timeline row.
type Event struct {
	ID        string        `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	RequestID string        `gorm:"column:request_id;index:idx_timeline_request,priority:1" json:"requestId"`
	EventType string        `gorm:"column:event_type;index:idx_timeline_type" json:"eventType"`
	Actor     string        `gorm:"column:actor" json:"actor"`
	Details   store.JSONAny `gorm:"column:details;type:text" json:"details,omitempty"`
	CreatedAt time.Time     `gorm:"column:created_at;autoCreateTime;index:idx_timeline_request,priority:2" json:"createdAt"`
}

// TableName sets the table name for Event.
func (Event) TableName() string { return "timeline_events" }

// Store provides append-only access to timeline events.
type Store struct {
	db *gorm.DB
}

// NewStore creates a timeline store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the timeline_events table.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Event{})
}

// WithTx returns a store bound to the given transaction, so an event can
// be appended atomically with a status transition.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Append writes one immutable event. An empty ID is filled in.
func (s *Store) Append(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("append timeline event: %w", err)
	}
	return nil
}

// ListByRequest returns a request's events oldest first. pageToken is an
// RFC3339Nano timestamp; events created after it are returned.
func (s *Store) ListByRequest(ctx context.Context, requestID string, pageSize int, pageToken string) ([]Event, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	var totalSize int64
	if err := s.db.WithContext(ctx).Model(&Event{}).Where("request_id = ?", requestID).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count timeline events: %w", err)
	}

	query := s.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC").
		Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("created_at > ?", t)
	}

	var events []Event
	if err := query.Find(&events).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list timeline events: %w", err)
	}

	var nextToken string
	if len(events) > pageSize {
		nextToken = events[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		events = events[:pageSize]
	}

	return events, nextToken, int(totalSize), nil
}

// DeleteOlderThan removes events created before cutoff and reports how
// many were deleted. Used by the retention worker only.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Event{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old timeline events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
