package testutil

import (
	"testing"

	"gorm.io/gorm"

	"realty-mail-engine/internal/config"
	"realty-mail-engine/internal/db"
)

// NewTestDB opens an in-memory sqlite database with all migrations applied.
// It automatically closes the connection when the test completes.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	conn, err := db.Init(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("creating test database: %v", err)
	}

	t.Cleanup(func() {
		sqlDB, err := conn.DB()
		if err != nil {
			return
		}
		if err := sqlDB.Close(); err != nil {
			t.Errorf("closing test database: %v", err)
		}
	})

	return conn
}
