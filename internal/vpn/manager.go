// Package vpn manages site-to-site tunnels between VPC gateways and customer
// gateways, and remote access VPNs on public IPs.
package vpn

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/vpcd/internal/acl"
	"github.com/jbweber/homelab/vpcd/internal/domain"
	"github.com/jbweber/homelab/vpcd/internal/metrics"
	"github.com/jbweber/homelab/vpcd/internal/repository"
	"github.com/jbweber/homelab/vpcd/internal/vpclock"
)

// Tunnel states
const (
	StatePending      = "Pending"
	StateConnecting   = "Connecting"
	StateConnected    = "Connected"
	StateDisconnected = "Disconnected"
	StateFailed       = "Failed"
)

const (
	ikePort  = 500
	nattPort = 4500

	defaultIKELifetime = 86400
	defaultESPLifetime = 3600
)

// DefaultNegotiationTimeout bounds an active negotiation
const DefaultNegotiationTimeout = 30 * time.Second

// MasterFinder locates the router that terminates tunnels for a VPC
type MasterFinder interface {
	Master(ctx context.Context, vpcID int64) (domain.Router, error)
}

// ACLChecker evaluates traffic against the list bound to a target
type ACLChecker interface {
	Evaluate(t acl.Target, p acl.Packet) (acl.Action, bool)
}

// Stores groups the repositories the manager writes through to
type Stores struct {
	VPCs             repository.VPCRepository
	PublicIPs        repository.PublicIPRepository
	Gateways         repository.VPNGatewayRepository
	CustomerGateways repository.CustomerGatewayRepository
	Connections      repository.VPNConnectionRepository
	RemoteAccess     repository.RemoteAccessVPNRepository
	Users            repository.VPNUserRepository
}

// Manager creates and drives VPN tunnels. Tunnel changes of one VPC are
// serialized with the other state changes of that VPC.
type Manager struct {
	stores     Stores
	routers    MasterFinder
	acls       ACLChecker
	negotiator Negotiator
	locks      *vpclock.Table
	timeout    time.Duration
}

// NewManager creates a manager. A zero timeout means DefaultNegotiationTimeout.
func NewManager(stores Stores, routers MasterFinder, acls ACLChecker, negotiator Negotiator, locks *vpclock.Table, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultNegotiationTimeout
	}
	return &Manager{
		stores:     stores,
		routers:    routers,
		acls:       acls,
		negotiator: negotiator,
		locks:      locks,
		timeout:    timeout,
	}
}

func tunnelName(connID int64) string { return fmt.Sprintf("vpn-%d", connID) }

// CreateGateway enables site-to-site VPN on a VPC. The gateway listens on the
// source NAT address; creating it twice returns the existing gateway.
func (m *Manager) CreateGateway(ctx context.Context, vpcID int64) (domain.VPNGateway, error) {
	unlock, err := m.locks.Lock(ctx, vpcID)
	if err != nil {
		return domain.VPNGateway{}, err
	}
	defer unlock()

	gw, err := m.stores.Gateways.FindByVPCID(ctx, vpcID)
	if err == nil {
		return gw, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return domain.VPNGateway{}, err
	}

	snat, err := m.stores.PublicIPs.FindSourceNAT(ctx, vpcID)
	if err != nil {
		return domain.VPNGateway{}, fmt.Errorf("vpc %d has no source nat address: %w", vpcID, err)
	}

	gw, err = m.stores.Gateways.Save(ctx, domain.VPNGateway{VPCID: vpcID, PublicIP: snat.Address})
	if err != nil {
		return domain.VPNGateway{}, err
	}
	log.WithFields(log.Fields{"vpc": vpcID, "address": gw.PublicIP}).Info("Created VPN gateway")
	return gw, nil
}

// CreateCustomerGateway validates and stores a remote peer
func (m *Manager) CreateCustomerGateway(ctx context.Context, cg domain.VPNCustomerGateway) (domain.VPNCustomerGateway, error) {
	if err := validateCustomerGateway(&cg); err != nil {
		return domain.VPNCustomerGateway{}, err
	}
	return m.stores.CustomerGateways.Save(ctx, cg)
}

func validateCustomerGateway(cg *domain.VPNCustomerGateway) error {
	if strings.TrimSpace(cg.Name) == "" {
		return fmt.Errorf("%w: customer gateway name is required", domain.ErrInvalidArgument)
	}
	if _, err := netip.ParseAddr(cg.GatewayIP); err != nil {
		return fmt.Errorf("%w: gateway ip %q", domain.ErrInvalidArgument, cg.GatewayIP)
	}
	nets, err := splitCIDRs(cg.CIDRList)
	if err != nil {
		return err
	}
	if len(nets) == 0 {
		return fmt.Errorf("%w: customer gateway needs at least one cidr", domain.ErrInvalidArgument)
	}
	cg.CIDRList = strings.Join(nets, ",")

	if _, err := ParsePolicy(cg.IKEPolicy); err != nil {
		return fmt.Errorf("ike policy: %w", err)
	}
	if _, err := ParsePolicy(cg.ESPPolicy); err != nil {
		return fmt.Errorf("esp policy: %w", err)
	}
	if cg.PSK == "" || strings.ContainsAny(cg.PSK, "\"'\\") {
		return fmt.Errorf("%w: psk must be set and must not contain quotes or backslashes", domain.ErrInvalidArgument)
	}

	if cg.IKELifetime == 0 {
		cg.IKELifetime = defaultIKELifetime
	}
	if cg.ESPLifetime == 0 {
		cg.ESPLifetime = defaultESPLifetime
	}
	if cg.IKELifetime < 0 || cg.ESPLifetime < 0 {
		return fmt.Errorf("%w: lifetimes must be positive", domain.ErrInvalidArgument)
	}
	return nil
}

func splitCIDRs(list string) ([]string, error) {
	var out []string
	for _, c := range strings.Split(list, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("%w: cidr %q", domain.ErrInvalidArgument, c)
		}
		out = append(out, p.Masked().String())
	}
	return out, nil
}

// DeleteCustomerGateway removes a peer that no tunnel uses
func (m *Manager) DeleteCustomerGateway(ctx context.Context, id int64) error {
	conns, err := m.stores.Connections.FindAll(ctx)
	if err != nil {
		return err
	}
	for _, c := range conns {
		if c.CustomerGatewayID == id {
			return domain.NewOpError("delete customer gateway", fmt.Sprintf("%d", id),
				fmt.Errorf("%w: used by vpn connection %d", domain.ErrConfigConflict, c.ID))
		}
	}
	return m.stores.CustomerGateways.DeleteByID(ctx, id)
}

// tunnel bundles everything known about one connection
type tunnel struct {
	conn domain.VPNConnection
	gw   domain.VPNGateway
	cg   domain.VPNCustomerGateway
	vpc  domain.VPC
}

func (m *Manager) resolve(ctx context.Context, gatewayID, customerGatewayID int64) (tunnel, error) {
	var t tunnel
	var err error
	if t.gw, err = m.stores.Gateways.FindByID(ctx, gatewayID); err != nil {
		return t, err
	}
	if t.cg, err = m.stores.CustomerGateways.FindByID(ctx, customerGatewayID); err != nil {
		return t, err
	}
	if t.vpc, err = m.stores.VPCs.FindByID(ctx, t.gw.VPCID); err != nil {
		return t, err
	}
	return t, nil
}

func (m *Manager) load(ctx context.Context, connID int64) (tunnel, error) {
	conn, err := m.stores.Connections.FindByID(ctx, connID)
	if err != nil {
		return tunnel{}, err
	}
	t, err := m.resolve(ctx, conn.GatewayID, conn.CustomerGatewayID)
	t.conn = conn
	return t, err
}

func (t tunnel) config() (TunnelConfig, error) {
	ike, err := ParsePolicy(t.cg.IKEPolicy)
	if err != nil {
		return TunnelConfig{}, err
	}
	esp, err := ParsePolicy(t.cg.ESPPolicy)
	if err != nil {
		return TunnelConfig{}, err
	}
	remote, err := splitCIDRs(t.cg.CIDRList)
	if err != nil {
		return TunnelConfig{}, err
	}
	return TunnelConfig{
		Name:        tunnelName(t.conn.ID),
		LocalAddr:   t.gw.PublicIP,
		RemoteAddr:  t.cg.GatewayIP,
		LocalNets:   []string{t.vpc.CIDR},
		RemoteNets:  remote,
		IKEPolicy:   ike,
		ESPPolicy:   esp,
		IKELifetime: time.Duration(t.cg.IKELifetime) * time.Second,
		ESPLifetime: time.Duration(t.cg.ESPLifetime) * time.Second,
		DPD:         t.cg.DPD,
		PSK:         t.cg.PSK,
	}, nil
}

// Connect creates a tunnel from a VPC gateway to a customer gateway. A passive
// tunnel is installed and left Pending until the peer initiates; an active one
// is negotiated right away. A failed tunnel is stored as Failed and returned
// together with the error; it is not retried.
func (m *Manager) Connect(ctx context.Context, gatewayID, customerGatewayID int64, passive bool) (domain.VPNConnection, error) {
	t, err := m.resolve(ctx, gatewayID, customerGatewayID)
	if err != nil {
		return domain.VPNConnection{}, err
	}

	unlock, err := m.locks.Lock(ctx, t.vpc.ID)
	if err != nil {
		return domain.VPNConnection{}, err
	}
	defer unlock()

	if _, err := m.routers.Master(ctx, t.vpc.ID); err != nil {
		return domain.VPNConnection{}, err
	}

	t.conn, err = m.stores.Connections.Save(ctx, domain.VPNConnection{
		GatewayID:         gatewayID,
		CustomerGatewayID: customerGatewayID,
		Passive:           passive,
		State:             StatePending,
	})
	if err != nil {
		return domain.VPNConnection{}, err
	}

	return m.establish(ctx, t)
}

// Reset tears a tunnel down and negotiates it again with the same
// configuration.
func (m *Manager) Reset(ctx context.Context, connID int64) (domain.VPNConnection, error) {
	t, err := m.load(ctx, connID)
	if err != nil {
		return domain.VPNConnection{}, err
	}

	unlock, err := m.locks.Lock(ctx, t.vpc.ID)
	if err != nil {
		return domain.VPNConnection{}, err
	}
	defer unlock()

	if _, err := m.routers.Master(ctx, t.vpc.ID); err != nil {
		return domain.VPNConnection{}, err
	}
	if err := m.negotiator.Teardown(ctx, tunnelName(connID)); err != nil {
		return domain.VPNConnection{}, fmt.Errorf("failed to tear down %s: %w", tunnelName(connID), err)
	}

	log.WithField("tunnel", tunnelName(connID)).Info("Resetting VPN connection")
	return m.establish(ctx, t)
}

// aclAllows checks IKE and NAT-T from the peer against the list bound to
// the gateway address. Without a bound list nothing is checked.
func (m *Manager) aclAllows(ctx context.Context, t tunnel) error {
	if m.acls == nil {
		return nil
	}
	ip, err := m.stores.PublicIPs.FindByAddress(ctx, t.gw.PublicIP)
	if err != nil {
		return err
	}
	peer, err := netip.ParseAddr(t.cg.GatewayIP)
	if err != nil {
		return fmt.Errorf("%w: gateway ip %q", domain.ErrInvalidArgument, t.cg.GatewayIP)
	}

	target := acl.Target{Kind: acl.PublicIPTarget, ID: ip.ID}
	for _, port := range []int{ikePort, nattPort} {
		verdict, bound := m.acls.Evaluate(target, acl.Packet{
			Protocol:  acl.ProtoUDP,
			Direction: acl.Ingress,
			Port:      port,
			Remote:    peer,
		})
		if !bound {
			return nil
		}
		if verdict != acl.Allow {
			return fmt.Errorf("%w: udp/%d from %s to %s", domain.ErrACLDenied, port, peer, t.gw.PublicIP)
		}
	}
	return nil
}

func (m *Manager) establish(ctx context.Context, t tunnel) (domain.VPNConnection, error) {
	name := tunnelName(t.conn.ID)
	logger := log.WithFields(log.Fields{"tunnel": name, "peer": t.cg.GatewayIP, "passive": t.conn.Passive})

	fail := func(err error) (domain.VPNConnection, error) {
		metrics.TunnelNegotiations.WithLabelValues(result(err)).Inc()
		if tdErr := m.negotiator.Teardown(context.WithoutCancel(ctx), name); tdErr != nil {
			logger.WithError(tdErr).Warn("Failed to clean up tunnel")
		}
		t.conn.State, t.conn.FailureReason = StateFailed, err.Error()
		if uerr := m.stores.Connections.UpdateState(context.WithoutCancel(ctx), t.conn.ID, StateFailed, err.Error()); uerr != nil {
			logger.WithError(uerr).Warn("Failed to persist tunnel state")
		}
		logger.WithError(err).Warn("VPN connection failed")
		return t.conn, domain.NewOpError("connect", name, err)
	}

	if err := m.aclAllows(ctx, t); err != nil {
		return fail(err)
	}
	cfg, err := t.config()
	if err != nil {
		return fail(err)
	}

	if t.conn.Passive {
		if err := m.negotiator.Listen(ctx, cfg); err != nil {
			return fail(err)
		}
		return m.setState(ctx, t.conn, StatePending)
	}

	if _, err := m.setState(ctx, t.conn, StateConnecting); err != nil {
		return t.conn, err
	}

	nctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.negotiator.Negotiate(nctx, cfg); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s", domain.ErrNegotiationTimeout, m.timeout)
		}
		return fail(err)
	}

	metrics.TunnelNegotiations.WithLabelValues("connected").Inc()
	logger.Info("VPN connection established")
	return m.setState(ctx, t.conn, StateConnected)
}

func result(err error) string {
	switch {
	case errors.Is(err, domain.ErrPolicyMismatch):
		return "policy_mismatch"
	case errors.Is(err, domain.ErrNegotiationTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrACLDenied):
		return "acl_denied"
	}
	return "error"
}

func (m *Manager) setState(ctx context.Context, conn domain.VPNConnection, state string) (domain.VPNConnection, error) {
	if err := m.stores.Connections.UpdateState(ctx, conn.ID, state, ""); err != nil {
		return conn, err
	}
	conn.State, conn.FailureReason = state, ""
	return conn, nil
}

// Refresh polls the IKE daemon and records the observed tunnel state. A
// passive tunnel becomes Connected once the peer has initiated.
func (m *Manager) Refresh(ctx context.Context, connID int64) (domain.VPNConnection, error) {
	conn, err := m.stores.Connections.FindByID(ctx, connID)
	if err != nil {
		return domain.VPNConnection{}, err
	}
	gw, err := m.stores.Gateways.FindByID(ctx, conn.GatewayID)
	if err != nil {
		return conn, err
	}

	unlock, err := m.locks.Lock(ctx, gw.VPCID)
	if err != nil {
		return conn, err
	}
	defer unlock()

	// a reset or connect may have finished while we waited
	if conn, err = m.stores.Connections.FindByID(ctx, connID); err != nil {
		return domain.VPNConnection{}, err
	}
	sa, err := m.negotiator.Status(ctx, tunnelName(connID))
	if err != nil {
		return conn, fmt.Errorf("failed to read tunnel status: %w", err)
	}

	next := conn.State
	switch sa {
	case SAEstablished:
		next = StateConnected
	case SAConnecting:
		if conn.State != StateFailed {
			next = StateConnecting
		}
	case SADown:
		if conn.State == StateConnected || conn.State == StateConnecting {
			next = StateDisconnected
			if conn.Passive {
				next = StatePending
			}
		}
	}
	if next == conn.State {
		return conn, nil
	}

	log.WithFields(log.Fields{"tunnel": tunnelName(connID), "from": conn.State, "to": next}).Info("VPN connection state changed")
	return m.setState(ctx, conn, next)
}

// Gateway returns the VPN gateway of a VPC
func (m *Manager) Gateway(ctx context.Context, vpcID int64) (domain.VPNGateway, error) {
	return m.stores.Gateways.FindByVPCID(ctx, vpcID)
}

// CustomerGateways lists the configured peers
func (m *Manager) CustomerGateways(ctx context.Context) ([]domain.VPNCustomerGateway, error) {
	return m.stores.CustomerGateways.FindAll(ctx)
}

// Connections lists the tunnels of a gateway
func (m *Manager) Connections(ctx context.Context, gatewayID int64) ([]domain.VPNConnection, error) {
	return m.stores.Connections.FindByGatewayID(ctx, gatewayID)
}

// Delete tears down and removes a tunnel
func (m *Manager) Delete(ctx context.Context, connID int64) error {
	t, err := m.load(ctx, connID)
	if err != nil {
		return err
	}

	unlock, err := m.locks.Lock(ctx, t.vpc.ID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.negotiator.Teardown(ctx, tunnelName(connID)); err != nil {
		return fmt.Errorf("failed to tear down %s: %w", tunnelName(connID), err)
	}
	return m.stores.Connections.DeleteByID(ctx, connID)
}

// DeleteVPC tears down every tunnel and remote access VPN of a VPC and
// removes its gateway.
func (m *Manager) DeleteVPC(ctx context.Context, vpcID int64) error {
	unlock, err := m.locks.Lock(ctx, vpcID)
	if err != nil {
		return err
	}
	defer unlock()

	ips, err := m.stores.PublicIPs.FindByVPCID(ctx, vpcID)
	if err != nil {
		return err
	}
	for _, ip := range ips {
		if err := m.disableRemoteAccess(ctx, ip.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
	}

	gw, err := m.stores.Gateways.FindByVPCID(ctx, vpcID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	conns, err := m.stores.Connections.FindByGatewayID(ctx, gw.ID)
	if err != nil {
		return err
	}
	for _, c := range conns {
		if err := m.negotiator.Teardown(ctx, tunnelName(c.ID)); err != nil {
			return fmt.Errorf("failed to tear down %s: %w", tunnelName(c.ID), err)
		}
	}

	// connections go with the gateway
	if err := m.stores.Gateways.DeleteByID(ctx, gw.ID); err != nil {
		return err
	}
	log.WithFields(log.Fields{"vpc": vpcID, "tunnels": len(conns)}).Info("Removed VPN gateway")
	return nil
}
