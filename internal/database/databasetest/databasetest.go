// Package databasetest opens migrated in-memory databases for tests.
package databasetest

import (
	"fmt"
	"strings"
	"testing"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open returns a Store over a fresh in-memory sqlite database private to t.
func Open(t *testing.T) *database.Store {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return database.NewStore(db)
}

// Seed creates a team channel and returns it.
func Seed(t *testing.T, store *database.Store, protocol models.Protocol) *models.Channel {
	t.Helper()

	ch := &models.Channel{
		TeamID:   "team-1",
		Name:     "main",
		Protocol: protocol,
		APIKey:   "gw-key",
	}
	if protocol == models.ProtocolManagedAPI {
		ch.PhoneNumberID = "100200300"
		ch.AccessToken = "graph-token"
	}
	require.NoError(t, store.DB().Create(ch).Error)
	return ch
}
