package repository

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// statements prepares the hot queries of a repository once and reuses them.
// Lease writes and router status updates run on every allocation and every
// health check.
type statements struct {
	db *sql.DB

	mu       sync.Mutex
	prepared map[string]*sql.Stmt
}

func newStatements(db *sql.DB) *statements {
	return &statements{db: db, prepared: make(map[string]*sql.Stmt)}
}

// exec runs query through its prepared statement. A statement whose
// execution fails is dropped and prepared again on next use.
func (s *statements) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	stmt, err := s.get(ctx, query)
	if err != nil {
		return nil, err
	}
	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		s.evict(query, stmt)
		return nil, err
	}
	return res, nil
}

func (s *statements) evict(query string, stmt *sql.Stmt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.prepared[query] == stmt {
		delete(s.prepared, query)
	}
	_ = stmt.Close()
}

func (s *statements) get(ctx context.Context, query string) (*sql.Stmt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stmt, ok := s.prepared[query]; ok {
		return stmt, nil
	}
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	s.prepared[query] = stmt
	return stmt, nil
}

// close releases every prepared statement; the cache stays usable and
// prepares again on demand.
func (s *statements) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for q, stmt := range s.prepared {
		errs = append(errs, stmt.Close())
		delete(s.prepared, q)
	}
	return errors.Join(errs...)
}

func (s *statements) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prepared)
}
