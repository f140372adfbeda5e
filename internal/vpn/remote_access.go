package vpn

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/netip"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/vpcd/internal/domain"
	"github.com/jbweber/homelab/vpcd/internal/ipam"
)

const (
	remoteAccessRunning = "Running"
	minPasswordLength   = 8
	pskBytes            = 18
)

func generatePSK() (string, error) {
	b := make([]byte, pskBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate psk: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// EnableRemoteAccess starts a remote access VPN on a public IP. Clients get
// addresses from ipRange, which must lie outside the VPC.
func (m *Manager) EnableRemoteAccess(ctx context.Context, publicIPID int64, ipRange string) (domain.RemoteAccessVPN, error) {
	ip, err := m.stores.PublicIPs.FindByID(ctx, publicIPID)
	if err != nil {
		return domain.RemoteAccessVPN{}, err
	}
	vpc, err := m.stores.VPCs.FindByID(ctx, ip.VPCID)
	if err != nil {
		return domain.RemoteAccessVPN{}, err
	}

	r, err := ipam.ParseRange(ipRange)
	if err != nil {
		return domain.RemoteAccessVPN{}, err
	}
	if !strings.Contains(ipRange, "-") {
		return domain.RemoteAccessVPN{}, fmt.Errorf("%w: client range %q must be a-b", domain.ErrInvalidArgument, ipRange)
	}
	prefix, err := netip.ParsePrefix(vpc.CIDR)
	if err != nil {
		return domain.RemoteAccessVPN{}, fmt.Errorf("vpc %s has a bad cidr: %w", vpc.Name, err)
	}
	if r.Overlaps(prefix) {
		return domain.RemoteAccessVPN{}, fmt.Errorf("%w: client range %s overlaps vpc cidr %s", domain.ErrInvalidArgument, r, vpc.CIDR)
	}

	unlock, err := m.locks.Lock(ctx, vpc.ID)
	if err != nil {
		return domain.RemoteAccessVPN{}, err
	}
	defer unlock()

	psk, err := generatePSK()
	if err != nil {
		return domain.RemoteAccessVPN{}, err
	}
	vpn, err := m.stores.RemoteAccess.Save(ctx, domain.RemoteAccessVPN{
		PublicIPID: publicIPID,
		IPRange:    r.String(),
		PSK:        psk,
		State:      remoteAccessRunning,
	})
	if err != nil {
		return domain.RemoteAccessVPN{}, err
	}

	log.WithFields(log.Fields{"address": ip.Address, "range": vpn.IPRange}).Info("Enabled remote access VPN")
	return vpn, nil
}

// DisableRemoteAccess removes the remote access VPN of a public IP
func (m *Manager) DisableRemoteAccess(ctx context.Context, publicIPID int64) error {
	ip, err := m.stores.PublicIPs.FindByID(ctx, publicIPID)
	if err != nil {
		return err
	}
	unlock, err := m.locks.Lock(ctx, ip.VPCID)
	if err != nil {
		return err
	}
	defer unlock()

	return m.disableRemoteAccess(ctx, publicIPID)
}

func (m *Manager) disableRemoteAccess(ctx context.Context, publicIPID int64) error {
	vpn, err := m.stores.RemoteAccess.FindByPublicIPID(ctx, publicIPID)
	if err != nil {
		return err
	}
	if err := m.stores.RemoteAccess.DeleteByID(ctx, vpn.ID); err != nil {
		return err
	}
	log.WithField("public_ip", publicIPID).Info("Disabled remote access VPN")
	return nil
}

// RemoteAccess returns the remote access VPN of a public IP
func (m *Manager) RemoteAccess(ctx context.Context, publicIPID int64) (domain.RemoteAccessVPN, error) {
	return m.stores.RemoteAccess.FindByPublicIPID(ctx, publicIPID)
}

func validateUser(username, password string) error {
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("%w: username is required", domain.ErrInvalidArgument)
	}
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must have at least %d characters", domain.ErrInvalidArgument, minPasswordLength)
	}
	if strings.ContainsAny(password, "\"'\\") {
		return fmt.Errorf("%w: password must not contain quotes or backslashes", domain.ErrInvalidArgument)
	}
	return nil
}

// AddUser adds a remote access VPN user
func (m *Manager) AddUser(ctx context.Context, username, password string) (domain.VPNUser, error) {
	if err := validateUser(username, password); err != nil {
		return domain.VPNUser{}, err
	}
	return m.stores.Users.Save(ctx, domain.VPNUser{Username: username, Password: password})
}

// RemoveUser deletes a remote access VPN user
func (m *Manager) RemoveUser(ctx context.Context, username string) error {
	u, err := m.stores.Users.FindByUsername(ctx, username)
	if err != nil {
		return err
	}
	return m.stores.Users.DeleteByID(ctx, u.ID)
}

// Users lists the remote access VPN users
func (m *Manager) Users(ctx context.Context) ([]domain.VPNUser, error) {
	return m.stores.Users.FindAll(ctx)
}
