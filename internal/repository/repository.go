package repository

import "context"

// Repository defines the basic CRUD operations shared by every entity repository.
type Repository[T any, ID comparable] interface {
	// Save creates the entity when its ID is zero, otherwise updates it
	Save(ctx context.Context, entity T) (T, error)

	// FindByID returns ErrNotFound if the entity doesn't exist
	FindByID(ctx context.Context, id ID) (T, error)

	FindAll(ctx context.Context) ([]T, error)

	// DeleteByID returns ErrNotFound if the entity doesn't exist
	DeleteByID(ctx context.Context, id ID) error

	ExistsByID(ctx context.Context, id ID) (bool, error)
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}
