// Package storetest opens throwaway SQLite-backed stores for tests.
package storetest

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/ZeusTips/internal/pkg/store"
)

// OpenDB returns a migrated in-memory database private to the test.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(store.Models()...))
	return db
}

// New returns a Store over a fresh database.
func New(t testing.TB, opts ...store.Option) store.Store {
	t.Helper()
	return store.NewGormStore(OpenDB(t), opts...)
}
