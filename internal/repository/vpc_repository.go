package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jbweber/homelab/vpcd/internal/domain"
)

// VPCRepository defines domain-specific operations for VPCs
type VPCRepository interface {
	Repository[domain.VPC, int64]
	FindByName(ctx context.Context, name string) (domain.VPC, error)
}

type vpcRepositoryImpl struct {
	db *sql.DB
}

// NewVPCRepository creates a new VPC repository
func NewVPCRepository(db *sql.DB) VPCRepository {
	return &vpcRepositoryImpl{db: db}
}

const vpcColumns = "id, name, cidr, redundant, network_domain"

func scanVPC(s scanner) (domain.VPC, error) {
	var v domain.VPC
	err := s.Scan(&v.ID, &v.Name, &v.CIDR, &v.Redundant, &v.NetworkDomain)
	return v, err
}

// Save creates or updates a VPC
func (r *vpcRepositoryImpl) Save(ctx context.Context, v domain.VPC) (domain.VPC, error) {
	if v.Name == "" {
		return domain.VPC{}, invalid("vpc name is required")
	}
	if v.CIDR == "" {
		return domain.VPC{}, invalid("vpc cidr is required")
	}

	if v.ID == 0 {
		res, err := r.db.ExecContext(ctx,
			"INSERT INTO vpcs (name, cidr, redundant, network_domain) VALUES (?, ?, ?, ?)",
			v.Name, v.CIDR, v.Redundant, v.NetworkDomain)
		if err != nil {
			return domain.VPC{}, translate(err, "failed to create vpc")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return domain.VPC{}, fmt.Errorf("failed to get vpc ID: %w", err)
		}
		v.ID = id
		return v, nil
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE vpcs SET name = ?, cidr = ?, redundant = ?, network_domain = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, v.Name, v.CIDR, v.Redundant, v.NetworkDomain, v.ID)
	if err != nil {
		return domain.VPC{}, translate(err, "failed to update vpc")
	}
	if err := checkAffected(res, fmt.Sprintf("vpc %d", v.ID)); err != nil {
		return domain.VPC{}, err
	}
	return v, nil
}

// FindByID finds a VPC by ID
func (r *vpcRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.VPC, error) {
	v, err := scanVPC(r.db.QueryRowContext(ctx, "SELECT "+vpcColumns+" FROM vpcs WHERE id = ?", id))
	if err != nil {
		return domain.VPC{}, translate(err, fmt.Sprintf("vpc %d", id))
	}
	return v, nil
}

// FindByName finds a VPC by name
func (r *vpcRepositoryImpl) FindByName(ctx context.Context, name string) (domain.VPC, error) {
	v, err := scanVPC(r.db.QueryRowContext(ctx, "SELECT "+vpcColumns+" FROM vpcs WHERE name = ?", name))
	if err != nil {
		return domain.VPC{}, translate(err, fmt.Sprintf("vpc %q", name))
	}
	return v, nil
}

// FindAll finds all VPCs
func (r *vpcRepositoryImpl) FindAll(ctx context.Context) ([]domain.VPC, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+vpcColumns+" FROM vpcs ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to find vpcs: %w", err)
	}
	defer rows.Close()

	var vpcs []domain.VPC
	for rows.Next() {
		v, err := scanVPC(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vpc: %w", err)
		}
		vpcs = append(vpcs, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating vpcs: %w", err)
	}
	return vpcs, nil
}

// DeleteByID deletes a VPC and, through cascades, everything it owns
func (r *vpcRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM vpcs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete vpc: %w", err)
	}
	return checkAffected(res, fmt.Sprintf("vpc %d", id))
}

// ExistsByID checks if a VPC exists by ID
func (r *vpcRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vpcs WHERE id = ?", id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check vpc existence: %w", err)
	}
	return count > 0, nil
}
