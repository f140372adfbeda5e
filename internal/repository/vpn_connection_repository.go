package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jbweber/homelab/vpcd/internal/domain"
)

// VPNConnectionRepository persists site-to-site tunnels
type VPNConnectionRepository interface {
	Repository[domain.VPNConnection, int64]
	FindByGatewayID(ctx context.Context, gatewayID int64) ([]domain.VPNConnection, error)
	UpdateState(ctx context.Context, id int64, state, reason string) error
}

type vpnConnectionRepositoryImpl struct {
	db *sql.DB
}

// NewVPNConnectionRepository creates a new VPN connection repository
func NewVPNConnectionRepository(db *sql.DB) VPNConnectionRepository {
	return &vpnConnectionRepositoryImpl{db: db}
}

const vpnConnectionColumns = "id, gateway_id, customer_gateway_id, passive, state, failure_reason"

func scanVPNConnection(s scanner) (domain.VPNConnection, error) {
	var c domain.VPNConnection
	err := s.Scan(&c.ID, &c.GatewayID, &c.CustomerGatewayID, &c.Passive, &c.State, &c.FailureReason)
	return c, err
}

// Save creates or updates a connection
func (r *vpnConnectionRepositoryImpl) Save(ctx context.Context, c domain.VPNConnection) (domain.VPNConnection, error) {
	if c.GatewayID == 0 || c.CustomerGatewayID == 0 {
		return domain.VPNConnection{}, invalid("vpn connection needs both gateways")
	}
	if c.State == "" {
		c.State = "Pending"
	}

	if c.ID == 0 {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO vpn_connections (gateway_id, customer_gateway_id, passive, state, failure_reason)
			VALUES (?, ?, ?, ?, ?)`,
			c.GatewayID, c.CustomerGatewayID, c.Passive, c.State, c.FailureReason)
		if err != nil {
			return domain.VPNConnection{}, translate(err, "failed to create vpn connection")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return domain.VPNConnection{}, fmt.Errorf("failed to get vpn connection ID: %w", err)
		}
		c.ID = id
		return c, nil
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE vpn_connections SET gateway_id = ?, customer_gateway_id = ?, passive = ?, state = ?, failure_reason = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		c.GatewayID, c.CustomerGatewayID, c.Passive, c.State, c.FailureReason, c.ID)
	if err != nil {
		return domain.VPNConnection{}, translate(err, fmt.Sprintf("failed to update vpn connection %d", c.ID))
	}
	if err := checkAffected(res, fmt.Sprintf("vpn connection %d", c.ID)); err != nil {
		return domain.VPNConnection{}, err
	}
	return c, nil
}

// UpdateState records a tunnel state transition
func (r *vpnConnectionRepositoryImpl) UpdateState(ctx context.Context, id int64, state, reason string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE vpn_connections SET state = ?, failure_reason = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		state, reason, id)
	if err != nil {
		return fmt.Errorf("failed to update vpn connection state: %w", err)
	}
	return checkAffected(res, fmt.Sprintf("vpn connection %d", id))
}

// FindByID finds a connection by ID
func (r *vpnConnectionRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.VPNConnection, error) {
	c, err := scanVPNConnection(r.db.QueryRowContext(ctx, "SELECT "+vpnConnectionColumns+" FROM vpn_connections WHERE id = ?", id))
	if err != nil {
		return domain.VPNConnection{}, translate(err, fmt.Sprintf("vpn connection %d", id))
	}
	return c, nil
}

// FindAll finds all connections
func (r *vpnConnectionRepositoryImpl) FindAll(ctx context.Context) ([]domain.VPNConnection, error) {
	return r.query(ctx, "SELECT "+vpnConnectionColumns+" FROM vpn_connections ORDER BY id")
}

// FindByGatewayID finds the connections of a VPN gateway
func (r *vpnConnectionRepositoryImpl) FindByGatewayID(ctx context.Context, gatewayID int64) ([]domain.VPNConnection, error) {
	return r.query(ctx, "SELECT "+vpnConnectionColumns+" FROM vpn_connections WHERE gateway_id = ? ORDER BY id", gatewayID)
}

func (r *vpnConnectionRepositoryImpl) query(ctx context.Context, q string, args ...any) ([]domain.VPNConnection, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find vpn connections: %w", err)
	}
	defer rows.Close()

	var conns []domain.VPNConnection
	for rows.Next() {
		c, err := scanVPNConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vpn connection: %w", err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// DeleteByID deletes a connection by ID
func (r *vpnConnectionRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM vpn_connections WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete vpn connection: %w", err)
	}
	return checkAffected(res, fmt.Sprintf("vpn connection %d", id))
}

// ExistsByID checks if a connection exists by ID
func (r *vpnConnectionRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vpn_connections WHERE id = ?", id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check vpn connection existence: %w", err)
	}
	return count > 0, nil
}
