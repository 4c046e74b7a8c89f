// Package testkit provides the shared test fixtures: in-memory sqlite
// databases, a scriptable mock broker, and canned symphony trees. Only
// _test.go files import it.
package testkit

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// NewDB opens an isolated in-memory sqlite database for one test and
// closes it when the test ends. Each call returns a fresh database;
// repositories sharing state must share the handle.
func NewDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// A single connection keeps every repository on the same in-memory
	// database instead of getting a fresh empty one per pool slot.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
