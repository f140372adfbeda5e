package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jbweber/homelab/vpcd/internal/domain"
)

// VPNGatewayRepository persists the site-to-site endpoint of each VPC
type VPNGatewayRepository interface {
	Repository[domain.VPNGateway, int64]
	FindByVPCID(ctx context.Context, vpcID int64) (domain.VPNGateway, error)
}

// CustomerGatewayRepository persists remote VPN peers
type CustomerGatewayRepository interface {
	Repository[domain.VPNCustomerGateway, int64]
	FindByName(ctx context.Context, name string) (domain.VPNCustomerGateway, error)
}

type vpnGatewayRepositoryImpl struct {
	db *sql.DB
}

// NewVPNGatewayRepository creates a new VPN gateway repository
func NewVPNGatewayRepository(db *sql.DB) VPNGatewayRepository {
	return &vpnGatewayRepositoryImpl{db: db}
}

func scanVPNGateway(s scanner) (domain.VPNGateway, error) {
	var g domain.VPNGateway
	err := s.Scan(&g.ID, &g.VPCID, &g.PublicIP)
	return g, err
}

// Save creates a gateway; gateways are immutable apart from their endpoint
func (r *vpnGatewayRepositoryImpl) Save(ctx context.Context, g domain.VPNGateway) (domain.VPNGateway, error) {
	if g.VPCID == 0 {
		return domain.VPNGateway{}, invalid("vpn gateway vpc is required")
	}
	if g.PublicIP == "" {
		return domain.VPNGateway{}, invalid("vpn gateway public ip is required")
	}

	if g.ID != 0 {
		res, err := r.db.ExecContext(ctx, "UPDATE vpn_gateways SET public_ip = ? WHERE id = ?", g.PublicIP, g.ID)
		if err != nil {
			return domain.VPNGateway{}, fmt.Errorf("failed to update vpn gateway: %w", err)
		}
		return g, checkAffected(res, fmt.Sprintf("vpn gateway %d", g.ID))
	}

	res, err := r.db.ExecContext(ctx, "INSERT INTO vpn_gateways (vpc_id, public_ip) VALUES (?, ?)", g.VPCID, g.PublicIP)
	if err != nil {
		return domain.VPNGateway{}, translate(err, fmt.Sprintf("failed to create vpn gateway for vpc %d", g.VPCID))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.VPNGateway{}, fmt.Errorf("failed to get vpn gateway ID: %w", err)
	}
	g.ID = id
	return g, nil
}

// FindByID finds a gateway by ID
func (r *vpnGatewayRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.VPNGateway, error) {
	g, err := scanVPNGateway(r.db.QueryRowContext(ctx, "SELECT id, vpc_id, public_ip FROM vpn_gateways WHERE id = ?", id))
	if err != nil {
		return domain.VPNGateway{}, translate(err, fmt.Sprintf("vpn gateway %d", id))
	}
	return g, nil
}

// FindByVPCID finds the gateway of a VPC
func (r *vpnGatewayRepositoryImpl) FindByVPCID(ctx context.Context, vpcID int64) (domain.VPNGateway, error) {
	g, err := scanVPNGateway(r.db.QueryRowContext(ctx, "SELECT id, vpc_id, public_ip FROM vpn_gateways WHERE vpc_id = ?", vpcID))
	if err != nil {
		return domain.VPNGateway{}, translate(err, fmt.Sprintf("vpn gateway of vpc %d", vpcID))
	}
	return g, nil
}

// FindAll finds all gateways
func (r *vpnGatewayRepositoryImpl) FindAll(ctx context.Context) ([]domain.VPNGateway, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, vpc_id, public_ip FROM vpn_gateways ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to find vpn gateways: %w", err)
	}
	defer rows.Close()

	var gateways []domain.VPNGateway
	for rows.Next() {
		g, err := scanVPNGateway(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vpn gateway: %w", err)
		}
		gateways = append(gateways, g)
	}
	return gateways, rows.Err()
}

// DeleteByID deletes a gateway and its connections
func (r *vpnGatewayRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM vpn_gateways WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete vpn gateway: %w", err)
	}
	return checkAffected(res, fmt.Sprintf("vpn gateway %d", id))
}

// ExistsByID checks if a gateway exists by ID
func (r *vpnGatewayRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vpn_gateways WHERE id = ?", id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check vpn gateway existence: %w", err)
	}
	return count > 0, nil
}

type customerGatewayRepositoryImpl struct {
	db *sql.DB
}

// NewCustomerGatewayRepository creates a new customer gateway repository
func NewCustomerGatewayRepository(db *sql.DB) CustomerGatewayRepository {
	return &customerGatewayRepositoryImpl{db: db}
}

const customerGatewayColumns = "id, name, gateway_ip, cidr_list, ike_policy, esp_policy, psk, ike_lifetime, esp_lifetime, dpd"

func scanCustomerGateway(s scanner) (domain.VPNCustomerGateway, error) {
	var c domain.VPNCustomerGateway
	err := s.Scan(&c.ID, &c.Name, &c.GatewayIP, &c.CIDRList, &c.IKEPolicy, &c.ESPPolicy, &c.PSK, &c.IKELifetime, &c.ESPLifetime, &c.DPD)
	return c, err
}

// Save creates or updates a customer gateway
func (r *customerGatewayRepositoryImpl) Save(ctx context.Context, c domain.VPNCustomerGateway) (domain.VPNCustomerGateway, error) {
	if c.Name == "" {
		return domain.VPNCustomerGateway{}, invalid("customer gateway name is required")
	}
	if c.GatewayIP == "" {
		return domain.VPNCustomerGateway{}, invalid("customer gateway ip is required")
	}

	if c.ID == 0 {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO vpn_customer_gateways (name, gateway_ip, cidr_list, ike_policy, esp_policy, psk, ike_lifetime, esp_lifetime, dpd)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.Name, c.GatewayIP, c.CIDRList, c.IKEPolicy, c.ESPPolicy, c.PSK, c.IKELifetime, c.ESPLifetime, c.DPD)
		if err != nil {
			return domain.VPNCustomerGateway{}, translate(err, fmt.Sprintf("failed to create customer gateway %q", c.Name))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return domain.VPNCustomerGateway{}, fmt.Errorf("failed to get customer gateway ID: %w", err)
		}
		c.ID = id
		return c, nil
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE vpn_customer_gateways SET name = ?, gateway_ip = ?, cidr_list = ?, ike_policy = ?, esp_policy = ?, psk = ?,
			ike_lifetime = ?, esp_lifetime = ?, dpd = ?
		WHERE id = ?`,
		c.Name, c.GatewayIP, c.CIDRList, c.IKEPolicy, c.ESPPolicy, c.PSK, c.IKELifetime, c.ESPLifetime, c.DPD, c.ID)
	if err != nil {
		return domain.VPNCustomerGateway{}, translate(err, fmt.Sprintf("failed to update customer gateway %d", c.ID))
	}
	if err := checkAffected(res, fmt.Sprintf("customer gateway %d", c.ID)); err != nil {
		return domain.VPNCustomerGateway{}, err
	}
	return c, nil
}

// FindByID finds a customer gateway by ID
func (r *customerGatewayRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.VPNCustomerGateway, error) {
	c, err := scanCustomerGateway(r.db.QueryRowContext(ctx, "SELECT "+customerGatewayColumns+" FROM vpn_customer_gateways WHERE id = ?", id))
	if err != nil {
		return domain.VPNCustomerGateway{}, translate(err, fmt.Sprintf("customer gateway %d", id))
	}
	return c, nil
}

// FindByName finds a customer gateway by name
func (r *customerGatewayRepositoryImpl) FindByName(ctx context.Context, name string) (domain.VPNCustomerGateway, error) {
	c, err := scanCustomerGateway(r.db.QueryRowContext(ctx, "SELECT "+customerGatewayColumns+" FROM vpn_customer_gateways WHERE name = ?", name))
	if err != nil {
		return domain.VPNCustomerGateway{}, translate(err, fmt.Sprintf("customer gateway %q", name))
	}
	return c, nil
}

// FindAll finds all customer gateways
func (r *customerGatewayRepositoryImpl) FindAll(ctx context.Context) ([]domain.VPNCustomerGateway, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+customerGatewayColumns+" FROM vpn_customer_gateways ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to find customer gateways: %w", err)
	}
	defer rows.Close()

	var gateways []domain.VPNCustomerGateway
	for rows.Next() {
		c, err := scanCustomerGateway(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan customer gateway: %w", err)
		}
		gateways = append(gateways, c)
	}
	return gateways, rows.Err()
}

// DeleteByID deletes a customer gateway. It fails while connections reference it.
func (r *customerGatewayRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM vpn_customer_gateways WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete customer gateway: %w", err)
	}
	return checkAffected(res, fmt.Sprintf("customer gateway %d", id))
}

// ExistsByID checks if a customer gateway exists by ID
func (r *customerGatewayRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vpn_customer_gateways WHERE id = ?", id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check customer gateway existence: %w", err)
	}
	return count > 0, nil
}
