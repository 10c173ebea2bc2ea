package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupLockDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	return db
}

func TestOpenRejectsUnknownDialect(t *testing.T) {
	_, err := Open("oracle", "dsn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
}

func TestMigrationLockerNilDB(t *testing.T) {
	ran := false
	err := NewMigrationLocker(nil).WithLock(context.Background(), func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestTableLockAcquireAndRelease(t *testing.T) {
	db := setupLockDB(t)
	locker := NewMigrationLocker(db)
	ctx := context.Background()

	require.NoError(t, locker.WithLock(ctx, func() error {
		var count int64
		require.NoError(t, db.Model(&lockRecord{}).Count(&count).Error)
		assert.Equal(t, int64(1), count)
		return nil
	}))

	// Released on return, even when fn fails.
	wantErr := errors.New("migrate failed")
	err := locker.WithLock(ctx, func() error { return wantErr })
	assert.ErrorIs(t, err, wantErr)

	var count int64
	require.NoError(t, db.Model(&lockRecord{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestTableLockReapsStaleHolder(t *testing.T) {
	db := setupLockDB(t)
	locker := NewMigrationLocker(db)

	stale := lockRecord{
		ID:       "migration",
		LockedAt: time.Now().Add(-10 * time.Minute),
		LockedBy: "crashed-replica",
	}
	require.NoError(t, db.Create(&stale).Error)

	ran := false
	require.NoError(t, locker.WithLock(context.Background(), func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}
