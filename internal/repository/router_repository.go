package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jbweber/homelab/vpcd/internal/domain"
)

// RouterRepository defines domain-specific operations for virtual routers
type RouterRepository interface {
	Repository[domain.Router, int64]
	FindByVPCID(ctx context.Context, vpcID int64) ([]domain.Router, error)
	UpdateStatus(ctx context.Context, id int64, state, role string) error
}

type routerRepositoryImpl struct {
	db    *sql.DB
	stmts *statements
}

// NewRouterRepository creates a new router repository
func NewRouterRepository(db *sql.DB) RouterRepository {
	return &routerRepositoryImpl{db: db, stmts: newStatements(db)}
}

const (
	routerColumns         = "id, vpc_id, name, instance_id, link_local_ip, host_address, host_port, redundant, state, role"
	updateRouterStatusSQL = "UPDATE routers SET state = ?, role = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?"
)

func scanRouter(s scanner) (domain.Router, error) {
	var r domain.Router
	err := s.Scan(&r.ID, &r.VPCID, &r.Name, &r.InstanceID, &r.LinkLocalIP, &r.HostAddress, &r.HostPort, &r.Redundant, &r.State, &r.Role)
	return r, err
}

// Save creates or updates a router
func (r *routerRepositoryImpl) Save(ctx context.Context, rt domain.Router) (domain.Router, error) {
	if rt.VPCID == 0 {
		return domain.Router{}, invalid("router vpc is required")
	}
	if rt.Name == "" {
		return domain.Router{}, invalid("router name is required")
	}
	if rt.HostPort == 0 {
		rt.HostPort = 22
	}
	if rt.State == "" {
		rt.State = "Running"
	}
	if rt.Role == "" {
		rt.Role = "UNKNOWN"
	}

	if rt.ID == 0 {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO routers (vpc_id, name, instance_id, link_local_ip, host_address, host_port, redundant, state, role)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rt.VPCID, rt.Name, rt.InstanceID, rt.LinkLocalIP, rt.HostAddress, rt.HostPort, rt.Redundant, rt.State, rt.Role)
		if err != nil {
			return domain.Router{}, translate(err, fmt.Sprintf("failed to create router %q", rt.Name))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return domain.Router{}, fmt.Errorf("failed to get router ID: %w", err)
		}
		rt.ID = id
		return rt, nil
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE routers SET vpc_id = ?, name = ?, instance_id = ?, link_local_ip = ?, host_address = ?, host_port = ?,
			redundant = ?, state = ?, role = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		rt.VPCID, rt.Name, rt.InstanceID, rt.LinkLocalIP, rt.HostAddress, rt.HostPort, rt.Redundant, rt.State, rt.Role, rt.ID)
	if err != nil {
		return domain.Router{}, translate(err, fmt.Sprintf("failed to update router %d", rt.ID))
	}
	if err := checkAffected(res, fmt.Sprintf("router %d", rt.ID)); err != nil {
		return domain.Router{}, err
	}
	return rt, nil
}

// UpdateStatus records the last observed liveness and role
func (r *routerRepositoryImpl) UpdateStatus(ctx context.Context, id int64, state, role string) error {
	res, err := r.stmts.exec(ctx, updateRouterStatusSQL, state, role, id)
	if err != nil {
		return fmt.Errorf("failed to update router status: %w", err)
	}
	return checkAffected(res, fmt.Sprintf("router %d", id))
}

// FindByID finds a router by ID
func (r *routerRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.Router, error) {
	rt, err := scanRouter(r.db.QueryRowContext(ctx, "SELECT "+routerColumns+" FROM routers WHERE id = ?", id))
	if err != nil {
		return domain.Router{}, translate(err, fmt.Sprintf("router %d", id))
	}
	return rt, nil
}

// FindAll finds all routers
func (r *routerRepositoryImpl) FindAll(ctx context.Context) ([]domain.Router, error) {
	return r.query(ctx, "SELECT "+routerColumns+" FROM routers ORDER BY id")
}

// FindByVPCID finds the routers serving a VPC
func (r *routerRepositoryImpl) FindByVPCID(ctx context.Context, vpcID int64) ([]domain.Router, error) {
	return r.query(ctx, "SELECT "+routerColumns+" FROM routers WHERE vpc_id = ? ORDER BY id", vpcID)
}

func (r *routerRepositoryImpl) query(ctx context.Context, q string, args ...any) ([]domain.Router, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find routers: %w", err)
	}
	defer rows.Close()

	var routers []domain.Router
	for rows.Next() {
		rt, err := scanRouter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan router: %w", err)
		}
		routers = append(routers, rt)
	}
	return routers, rows.Err()
}

// DeleteByID deletes a router by ID
func (r *routerRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM routers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete router: %w", err)
	}
	return checkAffected(res, fmt.Sprintf("router %d", id))
}

// ExistsByID checks if a router exists by ID
func (r *routerRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM routers WHERE id = ?", id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check router existence: %w", err)
	}
	return count > 0, nil
}
