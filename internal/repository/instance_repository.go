package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jbweber/homelab/vpcd/internal/domain"
)

// InstanceRepository defines domain-specific operations for guest instances
type InstanceRepository interface {
	Repository[domain.Instance, int64]
	FindByName(ctx context.Context, name string) (domain.Instance, error)
	FindByNetworkID(ctx context.Context, networkID int64) ([]domain.Instance, error)
	FindByIPAddress(ctx context.Context, ip string) ([]domain.Instance, error)
}

type instanceRepositoryImpl struct {
	db *sql.DB
}

// NewInstanceRepository creates a new instance repository
func NewInstanceRepository(db *sql.DB) InstanceRepository {
	return &instanceRepositoryImpl{db: db}
}

const instanceColumns = "id, name, network_id, ip_address, state, user_data"

func scanInstance(s scanner) (domain.Instance, error) {
	var i domain.Instance
	err := s.Scan(&i.ID, &i.Name, &i.NetworkID, &i.IPAddress, &i.State, &i.UserData)
	return i, err
}

// Save creates or updates an instance
func (r *instanceRepositoryImpl) Save(ctx context.Context, i domain.Instance) (domain.Instance, error) {
	if i.Name == "" {
		return domain.Instance{}, invalid("instance name is required")
	}
	if i.NetworkID == 0 {
		return domain.Instance{}, invalid("instance network is required")
	}
	if len(i.UserData) > domain.MaxUserDataSize {
		return domain.Instance{}, invalid("user data is %d bytes, the limit is %d", len(i.UserData), domain.MaxUserDataSize)
	}
	if i.State == "" {
		i.State = "Running"
	}

	if i.ID == 0 {
		res, err := r.db.ExecContext(ctx,
			"INSERT INTO instances (name, network_id, ip_address, state, user_data) VALUES (?, ?, ?, ?, ?)",
			i.Name, i.NetworkID, i.IPAddress, i.State, i.UserData)
		if err != nil {
			return domain.Instance{}, translate(err, fmt.Sprintf("failed to create instance %q", i.Name))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return domain.Instance{}, fmt.Errorf("failed to get instance ID: %w", err)
		}
		i.ID = id
		return i, nil
	}

	res, err := r.db.ExecContext(ctx,
		"UPDATE instances SET name = ?, network_id = ?, ip_address = ?, state = ?, user_data = ? WHERE id = ?",
		i.Name, i.NetworkID, i.IPAddress, i.State, i.UserData, i.ID)
	if err != nil {
		return domain.Instance{}, translate(err, fmt.Sprintf("failed to update instance %d", i.ID))
	}
	if err := checkAffected(res, fmt.Sprintf("instance %d", i.ID)); err != nil {
		return domain.Instance{}, err
	}
	return i, nil
}

// FindByID retrieves an instance by its ID
func (r *instanceRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.Instance, error) {
	i, err := scanInstance(r.db.QueryRowContext(ctx, "SELECT "+instanceColumns+" FROM instances WHERE id = ?", id))
	if err != nil {
		return domain.Instance{}, translate(err, fmt.Sprintf("instance %d", id))
	}
	return i, nil
}

// FindByName retrieves an instance by its name
func (r *instanceRepositoryImpl) FindByName(ctx context.Context, name string) (domain.Instance, error) {
	i, err := scanInstance(r.db.QueryRowContext(ctx, "SELECT "+instanceColumns+" FROM instances WHERE name = ?", name))
	if err != nil {
		return domain.Instance{}, translate(err, fmt.Sprintf("instance %q", name))
	}
	return i, nil
}

// FindAll retrieves all instances
func (r *instanceRepositoryImpl) FindAll(ctx context.Context) ([]domain.Instance, error) {
	return r.query(ctx, "SELECT "+instanceColumns+" FROM instances ORDER BY id")
}

// FindByNetworkID retrieves the instances attached to a network
func (r *instanceRepositoryImpl) FindByNetworkID(ctx context.Context, networkID int64) ([]domain.Instance, error) {
	return r.query(ctx, "SELECT "+instanceColumns+" FROM instances WHERE network_id = ? ORDER BY id", networkID)
}

// FindByIPAddress retrieves the instances holding an address. Tiers of
// different VPCs may overlap, so more than one can match.
func (r *instanceRepositoryImpl) FindByIPAddress(ctx context.Context, ip string) ([]domain.Instance, error) {
	return r.query(ctx, "SELECT "+instanceColumns+" FROM instances WHERE ip_address = ? ORDER BY id", ip)
}

func (r *instanceRepositoryImpl) query(ctx context.Context, q string, args ...any) ([]domain.Instance, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []domain.Instance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, i)
	}
	return instances, rows.Err()
}

// DeleteByID removes an instance by its ID
func (r *instanceRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM instances WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	return checkAffected(res, fmt.Sprintf("instance %d", id))
}

// ExistsByID checks if an instance exists by its ID
func (r *instanceRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM instances WHERE id = ?", id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check instance existence: %w", err)
	}
	return count > 0, nil
}
