package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// RequestStore persists change requests. Status changes go through
// CompareAndSwap exclusively; there is no unconditional status update.
type RequestStore struct {
	db *gorm.DB
}

// NewRequestStore creates a request store.
func NewRequestStore(db *gorm.DB) *RequestStore {
	return &RequestStore{db: db}
}

// Migrate creates or updates the change_requests table.
func (s *RequestStore) Migrate() error {
	return s.db.AutoMigrate(&ChangeRequest{})
}

// WithTx returns a store bound to the given transaction.
func (s *RequestStore) WithTx(tx *gorm.DB) *RequestStore {
	return &RequestStore{db: tx}
}

// CreatePending inserts a new request in PENDING unless the entity
// already has an open one. The duplicate check and the insert share a
// transaction; the engine additionally serializes submissions per entity.
func (s *RequestStore) CreatePending(ctx context.Context, req *ChangeRequest) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ChangeRequest
		err := tx.Where("entity_id = ? AND status = ?", req.EntityID, StatusPending).
			First(&existing).Error
		if err == nil {
			return fmt.Errorf("entity %s has pending request %s: %w",
				req.EntityID, existing.ID, ErrDuplicatePending)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check pending request for %s: %w", req.EntityID, err)
		}

		req.Status = StatusPending
		if err := tx.Create(req).Error; err != nil {
			return fmt.Errorf("create change request: %w", err)
		}
		return nil
	})
}

// Get returns a request by id, or (nil, nil) when absent.
func (s *RequestStore) Get(ctx context.Context, id string) (*ChangeRequest, error) {
	var req ChangeRequest
	result := s.db.WithContext(ctx).First(&req, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get change request %s: %w", id, result.Error)
	}
	return &req, nil
}

// PendingForEntity returns the entity's open request, or (nil, nil).
func (s *RequestStore) PendingForEntity(ctx context.Context, entityID string) (*ChangeRequest, error) {
	var req ChangeRequest
	result := s.db.WithContext(ctx).
		Where("entity_id = ? AND status = ?", entityID, StatusPending).
		First(&req)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pending request for %s: %w", entityID, result.Error)
	}
	return &req, nil
}

// Filter narrows List. Zero values mean "any".
type Filter struct {
	Status     Status
	ChangeType string
	EntityID   string
	Submitter  string
	Tier       string
}

// List returns requests newest first. pageToken is an RFC3339Nano
// timestamp; requests created before it are returned. An empty
// Filter.Status defaults to PENDING, which is what operators watch.
func (s *RequestStore) List(ctx context.Context, f Filter, pageSize int, pageToken string) ([]ChangeRequest, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	if f.Status == "" {
		f.Status = StatusPending
	}

	apply := func(q *gorm.DB) *gorm.DB {
		q = q.Where("status = ?", f.Status)
		if f.ChangeType != "" {
			q = q.Where("change_type = ?", f.ChangeType)
		}
		if f.EntityID != "" {
			q = q.Where("entity_id = ?", f.EntityID)
		}
		if f.Submitter != "" {
			q = q.Where("submitter = ?", f.Submitter)
		}
		if f.Tier != "" {
			q = q.Where("approval_tier = ?", f.Tier)
		}
		return q
	}

	var totalSize int64
	if err := apply(s.db.WithContext(ctx).Model(&ChangeRequest{})).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count change requests: %w", err)
	}

	query := apply(s.db.WithContext(ctx)).Order("created_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("created_at < ?", t)
	}

	var requests []ChangeRequest
	if err := query.Find(&requests).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list change requests: %w", err)
	}

	var nextToken string
	if len(requests) > pageSize {
		nextToken = requests[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		requests = requests[:pageSize]
	}

	return requests, nextToken, int(totalSize), nil
}

// ListExpiredPending returns up to limit PENDING requests whose deadline
// is already behind now, oldest deadline first.
func (s *RequestStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]ChangeRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []ChangeRequest
	err := s.db.WithContext(ctx).
		Where("status = ? AND deadline < ?", StatusPending, now).
		Order("deadline ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list expired requests: %w", err)
	}
	return out, nil
}

// CompareAndSwap transitions id from exactly `from` to `to`, applying the
// extra column updates in the same statement. It returns false when the
// guard missed, i.e. someone else transitioned the request first. The
// transition table is enforced here as a last line of defense.
func (s *RequestStore) CompareAndSwap(ctx context.Context, id string, from, to Status, updates map[string]any) (bool, error) {
	if !CanTransition(from, to) {
		return false, fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}

	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = to

	result := s.db.WithContext(ctx).Model(&ChangeRequest{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("transition request %s to %s: %w", id, to, result.Error)
	}
	return result.RowsAffected == 1, nil
}
