package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jbweber/homelab/vpcd/internal/domain"
)

// NetworkRepository defines domain-specific operations for tier networks
type NetworkRepository interface {
	Repository[domain.Network, int64]
	FindByVPCID(ctx context.Context, vpcID int64) ([]domain.Network, error)
	UpdateExclusionList(ctx context.Context, networkID int64, exclusions string) error
	SetACL(ctx context.Context, networkID int64, aclID *int64) error
	FindVPCID(ctx context.Context, id int64) (int64, error)
}

// networkRepositoryImpl implements NetworkRepository
type networkRepositoryImpl struct {
	db *sql.DB
}

// NewNetworkRepository creates a new network repository
func NewNetworkRepository(db *sql.DB) NetworkRepository {
	return &networkRepositoryImpl{
		db: db,
	}
}

const networkColumns = "id, vpc_id, name, cidr, gateway, ip_exclusion_list, acl_id"

func scanNetwork(s scanner) (domain.Network, error) {
	var n domain.Network
	var aclID sql.NullInt64
	if err := s.Scan(&n.ID, &n.VPCID, &n.Name, &n.CIDR, &n.Gateway, &n.IPExclusionList, &aclID); err != nil {
		return domain.Network{}, err
	}
	n.ACLID = int64Ptr(aclID)
	return n, nil
}

func validateNetwork(n domain.Network) error {
	if n.VPCID == 0 {
		return invalid("network vpc is required")
	}
	if n.Name == "" {
		return invalid("network name is required")
	}
	if n.CIDR == "" {
		return invalid("network cidr is required")
	}
	if n.Gateway == "" {
		return invalid("network gateway is required")
	}
	return nil
}

// Save creates or updates a network
func (r *networkRepositoryImpl) Save(ctx context.Context, n domain.Network) (domain.Network, error) {
	if err := validateNetwork(n); err != nil {
		return domain.Network{}, err
	}
	if n.ID == 0 {
		return r.createNetwork(ctx, n)
	}
	return r.updateNetwork(ctx, n)
}

func (r *networkRepositoryImpl) createNetwork(ctx context.Context, n domain.Network) (domain.Network, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO networks (vpc_id, name, cidr, gateway, ip_exclusion_list, acl_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.VPCID, n.Name, n.CIDR, n.Gateway, n.IPExclusionList, nullInt64(n.ACLID))
	if err != nil {
		return domain.Network{}, translate(err, fmt.Sprintf("failed to create network %q", n.Name))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return domain.Network{}, fmt.Errorf("failed to get network ID: %w", err)
	}

	n.ID = id
	return n, nil
}

func (r *networkRepositoryImpl) updateNetwork(ctx context.Context, n domain.Network) (domain.Network, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE networks
		SET vpc_id = ?, name = ?, cidr = ?, gateway = ?, ip_exclusion_list = ?, acl_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		n.VPCID, n.Name, n.CIDR, n.Gateway, n.IPExclusionList, nullInt64(n.ACLID), n.ID)
	if err != nil {
		return domain.Network{}, translate(err, fmt.Sprintf("failed to update network %d", n.ID))
	}
	if err := checkAffected(result, fmt.Sprintf("network %d", n.ID)); err != nil {
		return domain.Network{}, err
	}
	return n, nil
}

// FindByID finds a network by ID
func (r *networkRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.Network, error) {
	n, err := scanNetwork(r.db.QueryRowContext(ctx, "SELECT "+networkColumns+" FROM networks WHERE id = ?", id))
	if err != nil {
		return domain.Network{}, translate(err, fmt.Sprintf("network %d", id))
	}
	return n, nil
}

// FindAll finds all networks
func (r *networkRepositoryImpl) FindAll(ctx context.Context) ([]domain.Network, error) {
	return r.query(ctx, "SELECT "+networkColumns+" FROM networks ORDER BY id")
}

// FindByVPCID lists the tiers of a VPC
func (r *networkRepositoryImpl) FindByVPCID(ctx context.Context, vpcID int64) ([]domain.Network, error) {
	return r.query(ctx, "SELECT "+networkColumns+" FROM networks WHERE vpc_id = ? ORDER BY id", vpcID)
}

func (r *networkRepositoryImpl) query(ctx context.Context, q string, args ...any) ([]domain.Network, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find networks: %w", err)
	}
	defer rows.Close()

	var networks []domain.Network
	for rows.Next() {
		n, err := scanNetwork(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan network: %w", err)
		}
		networks = append(networks, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating networks: %w", err)
	}

	return networks, nil
}

// UpdateExclusionList replaces the exclusion list of a network
func (r *networkRepositoryImpl) UpdateExclusionList(ctx context.Context, networkID int64, exclusions string) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE networks SET ip_exclusion_list = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		exclusions, networkID)
	if err != nil {
		return fmt.Errorf("failed to update exclusion list: %w", err)
	}
	return checkAffected(result, fmt.Sprintf("network %d", networkID))
}

// SetACL binds an ACL list to a network, or unbinds it when aclID is nil
func (r *networkRepositoryImpl) SetACL(ctx context.Context, networkID int64, aclID *int64) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE networks SET acl_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		nullInt64(aclID), networkID)
	if err != nil {
		return fmt.Errorf("failed to bind acl: %w", err)
	}
	return checkAffected(result, fmt.Sprintf("network %d", networkID))
}

// DeleteByID deletes a network by ID
func (r *networkRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM networks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete network: %w", err)
	}
	return checkAffected(result, fmt.Sprintf("network %d", id))
}

// ExistsByID checks if a network exists by ID
func (r *networkRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM networks WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check network existence: %w", err)
	}
	return count > 0, nil
}

// FindVPCID returns the VPC owning the network
func (r *networkRepositoryImpl) FindVPCID(ctx context.Context, id int64) (int64, error) {
	var vpcID int64
	err := r.db.QueryRowContext(ctx, "SELECT vpc_id FROM networks WHERE id = ?", id).Scan(&vpcID)
	return vpcID, translate(err, fmt.Sprintf("network %d", id))
}
