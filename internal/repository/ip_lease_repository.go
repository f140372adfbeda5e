package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"

	"github.com/jbweber/homelab/vpcd/internal/domain"
)

// IPLeaseRepository persists the leases handed out by the address allocator.
// Uniqueness of (network, address) is enforced by the schema.
type IPLeaseRepository interface {
	Repository[domain.IPAddressLease, int64]
	FindByNetworkID(ctx context.Context, networkID int64) ([]domain.IPAddressLease, error)
	FindByInstanceID(ctx context.Context, instanceID int64) ([]domain.IPAddressLease, error)
	FindByAddress(ctx context.Context, networkID int64, ipAddress string) (domain.IPAddressLease, error)
	DeleteByAddress(ctx context.Context, networkID int64, ipAddress string) error
	AssignInstance(ctx context.Context, leaseID int64, instanceID *int64) error
	Close() error
}

type ipLeaseRepositoryImpl struct {
	db    *sql.DB
	stmts *statements
}

// NewIPLeaseRepository creates a new IP lease repository
func NewIPLeaseRepository(db *sql.DB) IPLeaseRepository {
	return &ipLeaseRepositoryImpl{
		db:    db,
		stmts: newStatements(db),
	}
}

const (
	leaseColumns      = "id, network_id, instance_id, ip_address, created_at"
	insertLeaseSQL    = "INSERT INTO ip_address_leases (network_id, instance_id, ip_address) VALUES (?, ?, ?)"
	deleteLeaseByAddr = "DELETE FROM ip_address_leases WHERE network_id = ? AND ip_address = ?"
)

func scanLease(s scanner) (domain.IPAddressLease, error) {
	var l domain.IPAddressLease
	var instanceID sql.NullInt64
	if err := s.Scan(&l.ID, &l.NetworkID, &instanceID, &l.IPAddress, &l.CreatedAt); err != nil {
		return domain.IPAddressLease{}, err
	}
	l.InstanceID = int64Ptr(instanceID)
	return l, nil
}

// Save creates a lease. Existing leases can only change owner.
func (r *ipLeaseRepositoryImpl) Save(ctx context.Context, lease domain.IPAddressLease) (domain.IPAddressLease, error) {
	if lease.ID != 0 {
		if err := r.AssignInstance(ctx, lease.ID, lease.InstanceID); err != nil {
			return domain.IPAddressLease{}, err
		}
		return lease, nil
	}

	if lease.NetworkID == 0 {
		return domain.IPAddressLease{}, invalid("network ID is required")
	}
	addr, err := netip.ParseAddr(lease.IPAddress)
	if err != nil {
		return domain.IPAddressLease{}, invalid("invalid IP address format: %s", lease.IPAddress)
	}
	lease.IPAddress = addr.String()

	result, err := r.stmts.exec(ctx, insertLeaseSQL, lease.NetworkID, nullInt64(lease.InstanceID), lease.IPAddress)
	if err != nil {
		return domain.IPAddressLease{}, translate(err, fmt.Sprintf("failed to lease %s", lease.IPAddress))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return domain.IPAddressLease{}, fmt.Errorf("failed to get lease ID: %w", err)
	}
	lease.ID = id
	return lease, nil
}

// AssignInstance changes the owning instance of a lease
func (r *ipLeaseRepositoryImpl) AssignInstance(ctx context.Context, leaseID int64, instanceID *int64) error {
	result, err := r.db.ExecContext(ctx, "UPDATE ip_address_leases SET instance_id = ? WHERE id = ?", nullInt64(instanceID), leaseID)
	if err != nil {
		return fmt.Errorf("failed to update IP lease: %w", err)
	}
	return checkAffected(result, fmt.Sprintf("lease %d", leaseID))
}

// FindByID finds an IP address lease by ID
func (r *ipLeaseRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.IPAddressLease, error) {
	l, err := scanLease(r.db.QueryRowContext(ctx, "SELECT "+leaseColumns+" FROM ip_address_leases WHERE id = ?", id))
	if err != nil {
		return domain.IPAddressLease{}, translate(err, fmt.Sprintf("lease %d", id))
	}
	return l, nil
}

// FindByAddress finds the lease of an address inside a network
func (r *ipLeaseRepositoryImpl) FindByAddress(ctx context.Context, networkID int64, ipAddress string) (domain.IPAddressLease, error) {
	l, err := scanLease(r.db.QueryRowContext(ctx,
		"SELECT "+leaseColumns+" FROM ip_address_leases WHERE network_id = ? AND ip_address = ?", networkID, ipAddress))
	if err != nil {
		return domain.IPAddressLease{}, translate(err, fmt.Sprintf("lease %s", ipAddress))
	}
	return l, nil
}

// FindAll finds all IP address leases
func (r *ipLeaseRepositoryImpl) FindAll(ctx context.Context) ([]domain.IPAddressLease, error) {
	return r.query(ctx, "SELECT "+leaseColumns+" FROM ip_address_leases ORDER BY id")
}

// FindByNetworkID finds all IP leases of a network
func (r *ipLeaseRepositoryImpl) FindByNetworkID(ctx context.Context, networkID int64) ([]domain.IPAddressLease, error) {
	return r.query(ctx, "SELECT "+leaseColumns+" FROM ip_address_leases WHERE network_id = ? ORDER BY id", networkID)
}

// FindByInstanceID finds all IP leases owned by an instance
func (r *ipLeaseRepositoryImpl) FindByInstanceID(ctx context.Context, instanceID int64) ([]domain.IPAddressLease, error) {
	return r.query(ctx, "SELECT "+leaseColumns+" FROM ip_address_leases WHERE instance_id = ? ORDER BY id", instanceID)
}

func (r *ipLeaseRepositoryImpl) query(ctx context.Context, q string, args ...any) ([]domain.IPAddressLease, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find IP leases: %w", err)
	}
	defer rows.Close()

	var leases []domain.IPAddressLease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan IP lease: %w", err)
		}
		leases = append(leases, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating IP leases: %w", err)
	}
	return leases, nil
}

// DeleteByID deletes an IP address lease by ID
func (r *ipLeaseRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM ip_address_leases WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete IP lease: %w", err)
	}
	return checkAffected(result, fmt.Sprintf("lease %d", id))
}

// DeleteByAddress releases an address of a network
func (r *ipLeaseRepositoryImpl) DeleteByAddress(ctx context.Context, networkID int64, ipAddress string) error {
	result, err := r.stmts.exec(ctx, deleteLeaseByAddr, networkID, ipAddress)
	if err != nil {
		return fmt.Errorf("failed to release IP: %w", err)
	}
	return checkAffected(result, fmt.Sprintf("lease %s", ipAddress))
}

// ExistsByID checks if an IP lease exists by ID
func (r *ipLeaseRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ip_address_leases WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check IP lease existence: %w", err)
	}
	return count > 0, nil
}

// Close releases the prepared statements
func (r *ipLeaseRepositoryImpl) Close() error {
	return r.stmts.close()
}
