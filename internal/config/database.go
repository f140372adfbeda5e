package config

import (
	"database/sql"
	"strings"
	"time"
)

// connectionPragmas are per connection in SQLite, so they travel in the DSN
// and the driver applies them to every connection the pool opens. Lease and
// tunnel writes from concurrent requests wait on busy_timeout instead of
// failing with SQLITE_BUSY.
var connectionPragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
}

// databasePragmas change the database file itself and only need one connection
var databasePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA optimize",
}

// DatabaseDSN builds the modernc sqlite DSN for a database file
func DatabaseDSN(path string) string {
	params := make([]string, len(connectionPragmas))
	for i, p := range connectionPragmas {
		params[i] = "_pragma=" + p
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}

// OptimizeDatabaseConnection sizes the connection pool. SQLite has one writer;
// the rest of the pool serves readers under WAL.
func OptimizeDatabaseConnection(db *sql.DB) {
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)
}

// ApplyPragmaOptimizations switches the database to WAL and refreshes planner statistics
func ApplyPragmaOptimizations(db *sql.DB) error {
	for _, pragma := range databasePragmas {
		if _, err := db.Exec(pragma); err != nil {
			return err
		}
	}
	return nil
}
