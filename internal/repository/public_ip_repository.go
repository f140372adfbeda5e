package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jbweber/homelab/vpcd/internal/domain"
)

// PublicIPRepository defines domain-specific operations for public IPs
type PublicIPRepository interface {
	Repository[domain.PublicIP, int64]
	FindByVPCID(ctx context.Context, vpcID int64) ([]domain.PublicIP, error)
	FindSourceNAT(ctx context.Context, vpcID int64) (domain.PublicIP, error)
	FindByAddress(ctx context.Context, address string) (domain.PublicIP, error)
	SetACL(ctx context.Context, publicIPID int64, aclID *int64) error
	FindVPCID(ctx context.Context, id int64) (int64, error)
}

type publicIPRepositoryImpl struct {
	db *sql.DB
}

// NewPublicIPRepository creates a new public IP repository
func NewPublicIPRepository(db *sql.DB) PublicIPRepository {
	return &publicIPRepositoryImpl{db: db}
}

const publicIPColumns = "id, vpc_id, address, source_nat, acl_id"

func scanPublicIP(s scanner) (domain.PublicIP, error) {
	var p domain.PublicIP
	var aclID sql.NullInt64
	if err := s.Scan(&p.ID, &p.VPCID, &p.Address, &p.SourceNAT, &aclID); err != nil {
		return domain.PublicIP{}, err
	}
	p.ACLID = int64Ptr(aclID)
	return p, nil
}

// Save creates or updates a public IP
func (r *publicIPRepositoryImpl) Save(ctx context.Context, p domain.PublicIP) (domain.PublicIP, error) {
	if p.VPCID == 0 {
		return domain.PublicIP{}, invalid("public ip vpc is required")
	}
	if p.Address == "" {
		return domain.PublicIP{}, invalid("public ip address is required")
	}

	if p.ID == 0 {
		res, err := r.db.ExecContext(ctx,
			"INSERT INTO public_ips (vpc_id, address, source_nat, acl_id) VALUES (?, ?, ?, ?)",
			p.VPCID, p.Address, p.SourceNAT, nullInt64(p.ACLID))
		if err != nil {
			return domain.PublicIP{}, translate(err, fmt.Sprintf("failed to create public ip %s", p.Address))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return domain.PublicIP{}, fmt.Errorf("failed to get public ip ID: %w", err)
		}
		p.ID = id
		return p, nil
	}

	res, err := r.db.ExecContext(ctx,
		"UPDATE public_ips SET vpc_id = ?, address = ?, source_nat = ?, acl_id = ? WHERE id = ?",
		p.VPCID, p.Address, p.SourceNAT, nullInt64(p.ACLID), p.ID)
	if err != nil {
		return domain.PublicIP{}, translate(err, fmt.Sprintf("failed to update public ip %d", p.ID))
	}
	if err := checkAffected(res, fmt.Sprintf("public ip %d", p.ID)); err != nil {
		return domain.PublicIP{}, err
	}
	return p, nil
}

// FindByID finds a public IP by ID
func (r *publicIPRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.PublicIP, error) {
	p, err := scanPublicIP(r.db.QueryRowContext(ctx, "SELECT "+publicIPColumns+" FROM public_ips WHERE id = ?", id))
	if err != nil {
		return domain.PublicIP{}, translate(err, fmt.Sprintf("public ip %d", id))
	}
	return p, nil
}

// FindByAddress finds a public IP by its address
func (r *publicIPRepositoryImpl) FindByAddress(ctx context.Context, address string) (domain.PublicIP, error) {
	p, err := scanPublicIP(r.db.QueryRowContext(ctx, "SELECT "+publicIPColumns+" FROM public_ips WHERE address = ?", address))
	if err != nil {
		return domain.PublicIP{}, translate(err, fmt.Sprintf("public ip %s", address))
	}
	return p, nil
}

// FindSourceNAT returns the source NAT address of a VPC
func (r *publicIPRepositoryImpl) FindSourceNAT(ctx context.Context, vpcID int64) (domain.PublicIP, error) {
	p, err := scanPublicIP(r.db.QueryRowContext(ctx,
		"SELECT "+publicIPColumns+" FROM public_ips WHERE vpc_id = ? AND source_nat = 1 ORDER BY id LIMIT 1", vpcID))
	if err != nil {
		return domain.PublicIP{}, translate(err, fmt.Sprintf("source nat ip of vpc %d", vpcID))
	}
	return p, nil
}

// FindAll finds all public IPs
func (r *publicIPRepositoryImpl) FindAll(ctx context.Context) ([]domain.PublicIP, error) {
	return r.query(ctx, "SELECT "+publicIPColumns+" FROM public_ips ORDER BY id")
}

// FindByVPCID finds the public IPs of a VPC
func (r *publicIPRepositoryImpl) FindByVPCID(ctx context.Context, vpcID int64) ([]domain.PublicIP, error) {
	return r.query(ctx, "SELECT "+publicIPColumns+" FROM public_ips WHERE vpc_id = ? ORDER BY id", vpcID)
}

func (r *publicIPRepositoryImpl) query(ctx context.Context, q string, args ...any) ([]domain.PublicIP, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find public ips: %w", err)
	}
	defer rows.Close()

	var ips []domain.PublicIP
	for rows.Next() {
		p, err := scanPublicIP(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan public ip: %w", err)
		}
		ips = append(ips, p)
	}
	return ips, rows.Err()
}

// SetACL binds an ACL list to a public IP, or unbinds it when aclID is nil
func (r *publicIPRepositoryImpl) SetACL(ctx context.Context, publicIPID int64, aclID *int64) error {
	res, err := r.db.ExecContext(ctx, "UPDATE public_ips SET acl_id = ? WHERE id = ?", nullInt64(aclID), publicIPID)
	if err != nil {
		return fmt.Errorf("failed to bind acl: %w", err)
	}
	return checkAffected(res, fmt.Sprintf("public ip %d", publicIPID))
}

// DeleteByID deletes a public IP by ID
func (r *publicIPRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM public_ips WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete public ip: %w", err)
	}
	return checkAffected(res, fmt.Sprintf("public ip %d", id))
}

// ExistsByID checks if a public IP exists by ID
func (r *publicIPRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM public_ips WHERE id = ?", id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check public ip existence: %w", err)
	}
	return count > 0, nil
}

// FindVPCID returns the VPC owning the public ip
func (r *publicIPRepositoryImpl) FindVPCID(ctx context.Context, id int64) (int64, error) {
	var vpcID int64
	err := r.db.QueryRowContext(ctx, "SELECT vpc_id FROM public_ips WHERE id = ?", id).Scan(&vpcID)
	return vpcID, translate(err, fmt.Sprintf("public ip %d", id))
}
