package store

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"gorm.io/gorm"
)

// MigrationLocker serializes schema migration across replicas so that
// concurrent AutoMigrate calls from multiple server instances cannot
// interleave.
type MigrationLocker interface {
	// WithLock runs fn while holding the migration lock. It blocks until
	// the lock is acquired and releases it after fn returns.
	WithLock(ctx context.Context, fn func() error) error
}

// NewMigrationLocker picks a locking strategy for the database dialect.
// PostgreSQL uses an advisory lock; other dialects fall back to a lock
// table with INSERT-or-fail semantics. The lock table is created eagerly
// so concurrent first callers never race on "no such table".
func NewMigrationLocker(db *gorm.DB) MigrationLocker {
	if db == nil {
		return noopLock{}
	}
	if db.Dialector.Name() == "postgres" {
		return &advisoryLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte("quorum-engine-migration"))),
		}
	}
	_ = db.AutoMigrate(&lockRecord{})
	return &tableLock{db: db}
}

type noopLock struct{}

func (noopLock) WithLock(_ context.Context, fn func() error) error { return fn() }

// advisoryLock serializes via pg_advisory_lock. The lock is session-scoped
// and released explicitly, so a crashed holder frees it on disconnect.
type advisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *advisoryLock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.db.WithContext(ctx).Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		_ = l.db.Exec("SELECT pg_advisory_unlock(?)", l.lockID).Error
	}()
	return fn()
}

// lockRecord is the single-row lock table used on non-PostgreSQL dialects.
type lockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (lockRecord) TableName() string { return "migration_lock" }

// tableLock acquires the lock by inserting the singleton row; a duplicate
// insert means another replica holds it. Stale rows older than staleAfter
// are reaped first so a crashed holder does not wedge migration forever.
type tableLock struct {
	db *gorm.DB
}

func (l *tableLock) WithLock(ctx context.Context, fn func() error) error {
	const (
		maxAttempts = 30
		retryEvery  = time.Second
		staleAfter  = 5 * time.Minute
	)

	holder, _ := os.Hostname()
	if holder == "" {
		holder = "unknown"
	}

	row := lockRecord{ID: "migration", LockedBy: holder}
	acquired := false
	for i := 0; i < maxAttempts; i++ {
		l.db.WithContext(ctx).
			Where("id = ? AND locked_at < ?", "migration", time.Now().Add(-staleAfter)).
			Delete(&lockRecord{})

		row.LockedAt = time.Now()
		if err := l.db.WithContext(ctx).Create(&row).Error; err == nil {
			acquired = true
			break
		} else if i == maxAttempts-1 {
			return fmt.Errorf("acquire migration lock after %d attempts: %w", maxAttempts, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryEvery):
		}
	}
	if !acquired {
		return fmt.Errorf("acquire migration lock: exhausted retries")
	}

	defer func() {
		l.db.Where("id = ?", "migration").Delete(&lockRecord{})
	}()
	return fn()
}
