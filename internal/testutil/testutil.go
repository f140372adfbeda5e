package testutil

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"testing"

	"github.com/jbweber/homelab/vpcd/internal/migrations"
	_ "modernc.org/sqlite"
)

// NewTestDSN generates a DSN for an in-memory SQLite database for testing purposes.
// Foreign keys are enabled on every pooled connection so cascades behave as
// they do against a file database.
func NewTestDSN(testName string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", testName)
}

// CleanupTestDB removes the test database file, if one was ever written
func CleanupTestDB(dsn string) error {
	if !strings.HasPrefix(dsn, "file:") {
		return fmt.Errorf("invalid DSN format")
	}

	path := dsn[5:]
	if idx := strings.Index(path, "?"); idx != -1 {
		path = path[:idx]
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// SetupTestDB creates and returns a test database connection
func SetupTestDB(t *testing.T, testName string) (*sql.DB, func()) {
	t.Helper()
	dsn := NewTestDSN(testName)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		CleanupTestDB(dsn)
	}

	return db, cleanup
}

// SetupTestDBWithMigrations creates a test database with the full schema applied
func SetupTestDBWithMigrations(t *testing.T, testName string) (*sql.DB, func()) {
	t.Helper()
	db, cleanup := SetupTestDB(t, testName)

	if err := migrations.NewDefaultMigrator(db).RunMigrations(); err != nil {
		cleanup()
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return db, cleanup
}

// CreateTestVPC inserts a VPC row and returns its ID
func CreateTestVPC(t *testing.T, db *sql.DB, name, cidr string, redundant bool) int64 {
	t.Helper()
	res, err := db.Exec("INSERT INTO vpcs (name, cidr, redundant) VALUES (?, ?, ?)", name, cidr, redundant)
	if err != nil {
		t.Fatalf("Failed to create test VPC: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

// CreateTestNetwork inserts a network row and returns its ID
func CreateTestNetwork(t *testing.T, db *sql.DB, vpcID int64, name, cidr, gateway, exclusions string) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO networks (vpc_id, name, cidr, gateway, ip_exclusion_list)
		VALUES (?, ?, ?, ?, ?)`, vpcID, name, cidr, gateway, exclusions)
	if err != nil {
		t.Fatalf("Failed to create test network: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

// CreateTestPublicIP inserts a public IP row and returns its ID
func CreateTestPublicIP(t *testing.T, db *sql.DB, vpcID int64, address string, sourceNAT bool) int64 {
	t.Helper()
	res, err := db.Exec("INSERT INTO public_ips (vpc_id, address, source_nat) VALUES (?, ?, ?)", vpcID, address, sourceNAT)
	if err != nil {
		t.Fatalf("Failed to create test public IP: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}
