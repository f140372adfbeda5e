package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jbweber/homelab/vpcd/internal/domain"
)

// RemoteAccessVPNRepository persists remote access VPN endpoints
type RemoteAccessVPNRepository interface {
	Repository[domain.RemoteAccessVPN, int64]
	FindByPublicIPID(ctx context.Context, publicIPID int64) (domain.RemoteAccessVPN, error)
}

// VPNUserRepository persists remote access VPN users
type VPNUserRepository interface {
	Repository[domain.VPNUser, int64]
	FindByUsername(ctx context.Context, username string) (domain.VPNUser, error)
}

type remoteAccessVPNRepositoryImpl struct {
	db *sql.DB
}

// NewRemoteAccessVPNRepository creates a new remote access VPN repository
func NewRemoteAccessVPNRepository(db *sql.DB) RemoteAccessVPNRepository {
	return &remoteAccessVPNRepositoryImpl{db: db}
}

const remoteAccessColumns = "id, public_ip_id, ip_range, psk, state"

func scanRemoteAccess(s scanner) (domain.RemoteAccessVPN, error) {
	var v domain.RemoteAccessVPN
	err := s.Scan(&v.ID, &v.PublicIPID, &v.IPRange, &v.PSK, &v.State)
	return v, err
}

// Save creates or updates a remote access VPN
func (r *remoteAccessVPNRepositoryImpl) Save(ctx context.Context, v domain.RemoteAccessVPN) (domain.RemoteAccessVPN, error) {
	if v.PublicIPID == 0 {
		return domain.RemoteAccessVPN{}, invalid("remote access vpn public ip is required")
	}
	if v.State == "" {
		v.State = "Running"
	}

	if v.ID == 0 {
		res, err := r.db.ExecContext(ctx,
			"INSERT INTO remote_access_vpns (public_ip_id, ip_range, psk, state) VALUES (?, ?, ?, ?)",
			v.PublicIPID, v.IPRange, v.PSK, v.State)
		if err != nil {
			return domain.RemoteAccessVPN{}, translate(err, fmt.Sprintf("failed to enable remote access on public ip %d", v.PublicIPID))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return domain.RemoteAccessVPN{}, fmt.Errorf("failed to get remote access vpn ID: %w", err)
		}
		v.ID = id
		return v, nil
	}

	res, err := r.db.ExecContext(ctx,
		"UPDATE remote_access_vpns SET public_ip_id = ?, ip_range = ?, psk = ?, state = ? WHERE id = ?",
		v.PublicIPID, v.IPRange, v.PSK, v.State, v.ID)
	if err != nil {
		return domain.RemoteAccessVPN{}, translate(err, fmt.Sprintf("failed to update remote access vpn %d", v.ID))
	}
	if err := checkAffected(res, fmt.Sprintf("remote access vpn %d", v.ID)); err != nil {
		return domain.RemoteAccessVPN{}, err
	}
	return v, nil
}

// FindByID finds a remote access VPN by ID
func (r *remoteAccessVPNRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.RemoteAccessVPN, error) {
	v, err := scanRemoteAccess(r.db.QueryRowContext(ctx, "SELECT "+remoteAccessColumns+" FROM remote_access_vpns WHERE id = ?", id))
	if err != nil {
		return domain.RemoteAccessVPN{}, translate(err, fmt.Sprintf("remote access vpn %d", id))
	}
	return v, nil
}

// FindByPublicIPID finds the remote access VPN of a public IP
func (r *remoteAccessVPNRepositoryImpl) FindByPublicIPID(ctx context.Context, publicIPID int64) (domain.RemoteAccessVPN, error) {
	v, err := scanRemoteAccess(r.db.QueryRowContext(ctx, "SELECT "+remoteAccessColumns+" FROM remote_access_vpns WHERE public_ip_id = ?", publicIPID))
	if err != nil {
		return domain.RemoteAccessVPN{}, translate(err, fmt.Sprintf("remote access vpn on public ip %d", publicIPID))
	}
	return v, nil
}

// FindAll finds all remote access VPNs
func (r *remoteAccessVPNRepositoryImpl) FindAll(ctx context.Context) ([]domain.RemoteAccessVPN, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+remoteAccessColumns+" FROM remote_access_vpns ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to find remote access vpns: %w", err)
	}
	defer rows.Close()

	var vpns []domain.RemoteAccessVPN
	for rows.Next() {
		v, err := scanRemoteAccess(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan remote access vpn: %w", err)
		}
		vpns = append(vpns, v)
	}
	return vpns, rows.Err()
}

// DeleteByID deletes a remote access VPN by ID
func (r *remoteAccessVPNRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM remote_access_vpns WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete remote access vpn: %w", err)
	}
	return checkAffected(res, fmt.Sprintf("remote access vpn %d", id))
}

// ExistsByID checks if a remote access VPN exists by ID
func (r *remoteAccessVPNRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM remote_access_vpns WHERE id = ?", id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check remote access vpn existence: %w", err)
	}
	return count > 0, nil
}

type vpnUserRepositoryImpl struct {
	db *sql.DB
}

// NewVPNUserRepository creates a new VPN user repository
func NewVPNUserRepository(db *sql.DB) VPNUserRepository {
	return &vpnUserRepositoryImpl{db: db}
}

// Save creates or updates a VPN user
func (r *vpnUserRepositoryImpl) Save(ctx context.Context, u domain.VPNUser) (domain.VPNUser, error) {
	if u.Username == "" {
		return domain.VPNUser{}, invalid("vpn username is required")
	}

	if u.ID == 0 {
		res, err := r.db.ExecContext(ctx, "INSERT INTO vpn_users (username, password) VALUES (?, ?)", u.Username, u.Password)
		if err != nil {
			return domain.VPNUser{}, translate(err, fmt.Sprintf("failed to create vpn user %q", u.Username))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return domain.VPNUser{}, fmt.Errorf("failed to get vpn user ID: %w", err)
		}
		u.ID = id
		return u, nil
	}

	res, err := r.db.ExecContext(ctx, "UPDATE vpn_users SET username = ?, password = ? WHERE id = ?", u.Username, u.Password, u.ID)
	if err != nil {
		return domain.VPNUser{}, translate(err, fmt.Sprintf("failed to update vpn user %d", u.ID))
	}
	if err := checkAffected(res, fmt.Sprintf("vpn user %d", u.ID)); err != nil {
		return domain.VPNUser{}, err
	}
	return u, nil
}

// FindByID finds a VPN user by ID
func (r *vpnUserRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.VPNUser, error) {
	var u domain.VPNUser
	err := r.db.QueryRowContext(ctx, "SELECT id, username, password FROM vpn_users WHERE id = ?", id).Scan(&u.ID, &u.Username, &u.Password)
	if err != nil {
		return domain.VPNUser{}, translate(err, fmt.Sprintf("vpn user %d", id))
	}
	return u, nil
}

// FindByUsername finds a VPN user by name
func (r *vpnUserRepositoryImpl) FindByUsername(ctx context.Context, username string) (domain.VPNUser, error) {
	var u domain.VPNUser
	err := r.db.QueryRowContext(ctx, "SELECT id, username, password FROM vpn_users WHERE username = ?", username).Scan(&u.ID, &u.Username, &u.Password)
	if err != nil {
		return domain.VPNUser{}, translate(err, fmt.Sprintf("vpn user %q", username))
	}
	return u, nil
}

// FindAll finds all VPN users
func (r *vpnUserRepositoryImpl) FindAll(ctx context.Context) ([]domain.VPNUser, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, username, password FROM vpn_users ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("failed to find vpn users: %w", err)
	}
	defer rows.Close()

	var users []domain.VPNUser
	for rows.Next() {
		var u domain.VPNUser
		if err := rows.Scan(&u.ID, &u.Username, &u.Password); err != nil {
			return nil, fmt.Errorf("failed to scan vpn user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteByID deletes a VPN user by ID
func (r *vpnUserRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM vpn_users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete vpn user: %w", err)
	}
	return checkAffected(res, fmt.Sprintf("vpn user %d", id))
}

// ExistsByID checks if a VPN user exists by ID
func (r *vpnUserRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vpn_users WHERE id = ?", id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check vpn user existence: %w", err)
	}
	return count > 0, nil
}
