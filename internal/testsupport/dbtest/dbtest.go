// Package dbtest opens throwaway in-memory databases carrying the
// compliance_events schema for package tests.
package dbtest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seq atomic.Int64

const schema = `
CREATE TABLE compliance_events (
	id INTEGER PRIMARY KEY,
	event_type TEXT NOT NULL,
	company_id TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	reference_date DATETIME NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	xml_content TEXT,
	payload_digest TEXT,
	protocol_id TEXT,
	receipt_id TEXT,
	error_message TEXT,
	error_kind TEXT,
	retryable BOOLEAN NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	poll_attempts INTEGER NOT NULL DEFAULT 0,
	awaiting_since DATETIME,
	next_poll_at DATETIME,
	next_retry_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
)`

// Open returns an isolated sqlite database with the compliance schema.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:esocialgw_%d?mode=memory&cache=shared", seq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	// SQLite support hack: remove FOR UPDATE clauses
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripForUpdate)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripForUpdate)

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.Exec(schema).Error; err != nil {
		t.Fatalf("create compliance_events table: %v", err)
	}
	return db
}

func stripForUpdate(d *gorm.DB) {
	sql := d.Statement.SQL.String()
	if !strings.Contains(sql, "FOR UPDATE") {
		return
	}
	newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
	newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
	d.Statement.SQL.Reset()
	d.Statement.SQL.WriteString(newSQL)
}
