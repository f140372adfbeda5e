package vpn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/vpcd/internal/acl"
	"github.com/jbweber/homelab/vpcd/internal/domain"
	"github.com/jbweber/homelab/vpcd/internal/repository"
	"github.com/jbweber/homelab/vpcd/internal/testutil"
	"github.com/jbweber/homelab/vpcd/internal/vpclock"
)

type fakeNegotiator struct {
	mu         sync.Mutex
	negotiate  func(ctx context.Context) error
	negotiated []TunnelConfig
	listened   []TunnelConfig
	torn       []string
	status     map[string]SAState
}

func newFakeNegotiator() *fakeNegotiator {
	return &fakeNegotiator{status: map[string]SAState{}}
}

func (f *fakeNegotiator) Negotiate(ctx context.Context, cfg TunnelConfig) error {
	f.mu.Lock()
	f.negotiated = append(f.negotiated, cfg)
	negotiate := f.negotiate
	f.mu.Unlock()
	if negotiate != nil {
		return negotiate(ctx)
	}
	return nil
}

func (f *fakeNegotiator) Listen(_ context.Context, cfg TunnelConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listened = append(f.listened, cfg)
	return nil
}

func (f *fakeNegotiator) Status(_ context.Context, name string) (SAState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[name], nil
}

func (f *fakeNegotiator) Teardown(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.torn = append(f.torn, name)
	return nil
}

type fakeMasters struct {
	err error
}

func (f *fakeMasters) Master(_ context.Context, vpcID int64) (domain.Router, error) {
	if f.err != nil {
		return domain.Router{}, f.err
	}
	return domain.Router{ID: 1, VPCID: vpcID, Name: "r-1", Role: "MASTER"}, nil
}

type vpnFixture struct {
	manager    *Manager
	negotiator *fakeNegotiator
	masters    *fakeMasters
	engine     *acl.Engine
	stores     Stores
	vpcID      int64
	snatID     int64
	gw         domain.VPNGateway
	peer       domain.VPNCustomerGateway
}

func newVPNFixture(t *testing.T, name string) (*vpnFixture, func()) {
	t.Helper()
	db, cleanup := testutil.SetupTestDBWithMigrations(t, name)
	ctx := context.Background()

	f := &vpnFixture{
		negotiator: newFakeNegotiator(),
		masters:    &fakeMasters{},
		stores: Stores{
			VPCs:             repository.NewVPCRepository(db),
			PublicIPs:        repository.NewPublicIPRepository(db),
			Gateways:         repository.NewVPNGatewayRepository(db),
			CustomerGateways: repository.NewCustomerGatewayRepository(db),
			Connections:      repository.NewVPNConnectionRepository(db),
			RemoteAccess:     repository.NewRemoteAccessVPNRepository(db),
			Users:            repository.NewVPNUserRepository(db),
		},
	}
	f.vpcID = testutil.CreateTestVPC(t, db, "vpc0", "10.1.0.0/16", true)
	f.snatID = testutil.CreateTestPublicIP(t, db, f.vpcID, "203.0.113.10", true)

	f.engine = acl.NewEngine(repository.NewACLRepository(db), repository.NewNetworkRepository(db), f.stores.PublicIPs)
	require.NoError(t, f.engine.Load(ctx, nil))

	f.manager = NewManager(f.stores, f.masters, f.engine, f.negotiator, vpclock.New(), 50*time.Millisecond)

	var err error
	f.gw, err = f.manager.CreateGateway(ctx, f.vpcID)
	require.NoError(t, err)
	f.peer, err = f.manager.CreateCustomerGateway(ctx, domain.VPNCustomerGateway{
		Name:      "Peer VPC1",
		GatewayIP: "203.0.113.20",
		CIDRList:  "10.2.0.0/16",
		IKEPolicy: "3des-md5;modp1536",
		ESPPolicy: "3des-md5;modp1536",
		PSK:       "ipsecpsk",
	})
	require.NoError(t, err)
	return f, cleanup
}

func TestManager_CreateGateway(t *testing.T) {
	f, cleanup := newVPNFixture(t, "TestManager_CreateGateway")
	defer cleanup()
	ctx := context.Background()

	assert.Equal(t, "203.0.113.10", f.gw.PublicIP)
	again, err := f.manager.CreateGateway(ctx, f.vpcID)
	require.NoError(t, err)
	assert.Equal(t, f.gw.ID, again.ID)

	_, err = f.manager.CreateGateway(ctx, 999)
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func TestManager_CreateCustomerGatewayValidation(t *testing.T) {
	f, cleanup := newVPNFixture(t, "TestManager_CreateCustomerGatewayValidation")
	defer cleanup()

	assert.Equal(t, 86400, f.peer.IKELifetime)
	assert.Equal(t, 3600, f.peer.ESPLifetime)

	valid := func() domain.VPNCustomerGateway {
		return domain.VPNCustomerGateway{Name: "p", GatewayIP: "198.51.100.1", CIDRList: "10.9.0.0/16", IKEPolicy: "aes128-sha1", ESPPolicy: "aes128-sha1", PSK: "secret"}
	}
	tests := []struct {
		name   string
		modify func(*domain.VPNCustomerGateway)
	}{
		{"no name", func(c *domain.VPNCustomerGateway) { c.Name = "" }},
		{"bad ip", func(c *domain.VPNCustomerGateway) { c.GatewayIP = "peer" }},
		{"no cidr", func(c *domain.VPNCustomerGateway) { c.CIDRList = "" }},
		{"bad cidr", func(c *domain.VPNCustomerGateway) { c.CIDRList = "10.9.0.0/40" }},
		{"bad ike", func(c *domain.VPNCustomerGateway) { c.IKEPolicy = "rot13-md5" }},
		{"bad esp", func(c *domain.VPNCustomerGateway) { c.ESPPolicy = "aes128-sha1;modp1" }},
		{"no psk", func(c *domain.VPNCustomerGateway) { c.PSK = "" }},
		{"quoted psk", func(c *domain.VPNCustomerGateway) { c.PSK = `a"b` }},
		{"negative lifetime", func(c *domain.VPNCustomerGateway) { c.ESPLifetime = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cg := valid()
			tt.modify(&cg)
			_, err := f.manager.CreateCustomerGateway(context.Background(), cg)
			assert.True(t, errors.Is(err, domain.ErrInvalidArgument), "got %v", err)
		})
	}
}

func TestManager_ConnectActive(t *testing.T) {
	f, cleanup := newVPNFixture(t, "TestManager_ConnectActive")
	defer cleanup()
	ctx := context.Background()

	conn, err := f.manager.Connect(ctx, f.gw.ID, f.peer.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, conn.State)

	require.Len(t, f.negotiator.negotiated, 1)
	cfg := f.negotiator.negotiated[0]
	assert.Equal(t, tunnelName(conn.ID), cfg.Name)
	assert.Equal(t, "203.0.113.10", cfg.LocalAddr)
	assert.Equal(t, "203.0.113.20", cfg.RemoteAddr)
	assert.Equal(t, []string{"10.1.0.0/16"}, cfg.LocalNets)
	assert.Equal(t, []string{"10.2.0.0/16"}, cfg.RemoteNets)
	assert.Equal(t, "3des-md5-modp1536", cfg.IKEPolicy.Proposal())
	assert.Equal(t, time.Hour, cfg.ESPLifetime)

	stored, err := f.stores.Connections.FindByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, stored.State)

	_, err = f.manager.Connect(ctx, f.gw.ID, f.peer.ID, false)
	assert.True(t, errors.Is(err, repository.ErrDuplicate))
}

func TestManager_ConnectPassive(t *testing.T) {
	f, cleanup := newVPNFixture(t, "TestManager_ConnectPassive")
	defer cleanup()
	ctx := context.Background()

	conn, err := f.manager.Connect(ctx, f.gw.ID, f.peer.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatePending, conn.State)
	assert.Len(t, f.negotiator.listened, 1)
	assert.Empty(t, f.negotiator.negotiated)

	// the peer initiates
	f.negotiator.status[tunnelName(conn.ID)] = SAEstablished
	conn, err = f.manager.Refresh(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, conn.State)

	f.negotiator.status[tunnelName(conn.ID)] = SADown
	conn, err = f.manager.Refresh(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, conn.State)
}

func TestManager_ConnectPolicyMismatch(t *testing.T) {
	f, cleanup := newVPNFixture(t, "TestManager_ConnectPolicyMismatch")
	defer cleanup()
	ctx := context.Background()

	f.negotiator.negotiate = func(context.Context) error {
		return errors.Join(domain.ErrPolicyMismatch, errors.New("NO_PROPOSAL_CHOSEN"))
	}
	conn, err := f.manager.Connect(ctx, f.gw.ID, f.peer.ID, false)
	assert.True(t, errors.Is(err, domain.ErrPolicyMismatch), "got %v", err)
	assert.Equal(t, StateFailed, conn.State)
	assert.Len(t, f.negotiator.negotiated, 1, "failures are not retried")
	assert.Contains(t, f.negotiator.torn, tunnelName(conn.ID))

	stored, err := f.stores.Connections.FindByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stored.State)
	assert.Contains(t, stored.FailureReason, "NO_PROPOSAL_CHOSEN")
}

func TestManager_ConnectTimeout(t *testing.T) {
	f, cleanup := newVPNFixture(t, "TestManager_ConnectTimeout")
	defer cleanup()

	f.negotiator.negotiate = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	conn, err := f.manager.Connect(context.Background(), f.gw.ID, f.peer.ID, false)
	assert.True(t, errors.Is(err, domain.ErrNegotiationTimeout), "got %v", err)
	assert.Equal(t, StateFailed, conn.State)
}

func TestManager_ConnectWithoutMaster(t *testing.T) {
	f, cleanup := newVPNFixture(t, "TestManager_ConnectWithoutMaster")
	defer cleanup()
	ctx := context.Background()

	f.masters.err = domain.NewOpError("find master", "vpc 1", domain.ErrNoMaster)
	_, err := f.manager.Connect(ctx, f.gw.ID, f.peer.ID, false)
	assert.True(t, errors.Is(err, domain.ErrNoMaster))

	conns, err := f.manager.Connections(ctx, f.gw.ID)
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestManager_ConnectACL(t *testing.T) {
	f, cleanup := newVPNFixture(t, "TestManager_ConnectACL")
	defer cleanup()
	ctx := context.Background()

	list, err := f.engine.CreateList(ctx, &f.vpcID, "edge", "")
	require.NoError(t, err)
	_, err = f.engine.AddRule(ctx, list.ID, domain.ACLRule{Number: 10, Protocol: "udp", Action: "Allow", TrafficType: "Ingress", StartPort: 500, EndPort: 500})
	require.NoError(t, err)
	require.NoError(t, f.engine.Replace(ctx, acl.Target{Kind: acl.PublicIPTarget, ID: f.snatID}, list.ID))

	// NAT-T is not allowed
	conn, err := f.manager.Connect(ctx, f.gw.ID, f.peer.ID, false)
	assert.True(t, errors.Is(err, domain.ErrACLDenied), "got %v", err)
	assert.Equal(t, StateFailed, conn.State)
	assert.Empty(t, f.negotiator.negotiated)

	_, err = f.engine.AddRule(ctx, list.ID, domain.ACLRule{Number: 20, Protocol: "udp", Action: "Allow", TrafficType: "Ingress", StartPort: 4500, EndPort: 4500, CIDRList: "203.0.113.0/24"})
	require.NoError(t, err)
	conn, err = f.manager.Reset(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, conn.State)
}

func TestManager_Reset(t *testing.T) {
	f, cleanup := newVPNFixture(t, "TestManager_Reset")
	defer cleanup()
	ctx := context.Background()

	conn, err := f.manager.Connect(ctx, f.gw.ID, f.peer.ID, false)
	require.NoError(t, err)

	conn, err = f.manager.Reset(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, conn.State)
	assert.Len(t, f.negotiator.negotiated, 2)
	assert.Equal(t, []string{tunnelName(conn.ID)}, f.negotiator.torn)
	assert.Equal(t, f.negotiator.negotiated[0], f.negotiator.negotiated[1], "configuration is kept")
}

func TestManager_RefreshWaitsForReset(t *testing.T) {
	f, cleanup := newVPNFixture(t, "TestManager_RefreshWaitsForReset")
	defer cleanup()
	ctx := context.Background()

	conn, err := f.manager.Connect(ctx, f.gw.ID, f.peer.ID, false)
	require.NoError(t, err)
	name := tunnelName(conn.ID)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.negotiator.mu.Lock()
	f.negotiator.negotiate = func(context.Context) error {
		close(entered)
		<-release
		return nil
	}
	f.negotiator.mu.Unlock()

	resetDone := make(chan error, 1)
	go func() {
		_, err := f.manager.Reset(ctx, conn.ID)
		resetDone <- err
	}()
	<-entered

	type refreshResult struct {
		conn domain.VPNConnection
		err  error
	}
	refreshDone := make(chan refreshResult, 1)
	go func() {
		c, err := f.manager.Refresh(ctx, conn.ID)
		refreshDone <- refreshResult{c, err}
	}()

	select {
	case <-refreshDone:
		t.Fatal("Refresh changed the tunnel while Reset held the VPC")
	case <-time.After(100 * time.Millisecond):
	}

	stored, err := f.stores.Connections.FindByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, stored.State, "the negotiation in flight owns the state")

	f.negotiator.mu.Lock()
	f.negotiator.status[name] = SAEstablished
	f.negotiator.mu.Unlock()
	close(release)

	require.NoError(t, <-resetDone)
	res := <-refreshDone
	require.NoError(t, res.err)
	assert.Equal(t, StateConnected, res.conn.State)
}

func TestManager_Delete(t *testing.T) {
	f, cleanup := newVPNFixture(t, "TestManager_Delete")
	defer cleanup()
	ctx := context.Background()

	conn, err := f.manager.Connect(ctx, f.gw.ID, f.peer.ID, false)
	require.NoError(t, err)

	err = f.manager.DeleteCustomerGateway(ctx, f.peer.ID)
	assert.True(t, errors.Is(err, domain.ErrConfigConflict))

	require.NoError(t, f.manager.Delete(ctx, conn.ID))
	assert.Contains(t, f.negotiator.torn, tunnelName(conn.ID))
	_, err = f.stores.Connections.FindByID(ctx, conn.ID)
	assert.True(t, errors.Is(err, repository.ErrNotFound))

	require.NoError(t, f.manager.DeleteCustomerGateway(ctx, f.peer.ID))
}

func TestManager_DeleteVPC(t *testing.T) {
	f, cleanup := newVPNFixture(t, "TestManager_DeleteVPC")
	defer cleanup()
	ctx := context.Background()

	conn, err := f.manager.Connect(ctx, f.gw.ID, f.peer.ID, true)
	require.NoError(t, err)
	_, err = f.manager.EnableRemoteAccess(ctx, f.snatID, "10.200.0.1-10.200.0.10")
	require.NoError(t, err)

	require.NoError(t, f.manager.DeleteVPC(ctx, f.vpcID))
	assert.Contains(t, f.negotiator.torn, tunnelName(conn.ID))

	_, err = f.stores.Gateways.FindByVPCID(ctx, f.vpcID)
	assert.True(t, errors.Is(err, repository.ErrNotFound))
	_, err = f.stores.Connections.FindByID(ctx, conn.ID)
	assert.True(t, errors.Is(err, repository.ErrNotFound))
	_, err = f.manager.RemoteAccess(ctx, f.snatID)
	assert.True(t, errors.Is(err, repository.ErrNotFound))

	// nothing left to remove
	require.NoError(t, f.manager.DeleteVPC(ctx, f.vpcID))
}

func TestManager_RemoteAccess(t *testing.T) {
	f, cleanup := newVPNFixture(t, "TestManager_RemoteAccess")
	defer cleanup()
	ctx := context.Background()

	_, err := f.manager.EnableRemoteAccess(ctx, f.snatID, "10.1.250.1-10.1.250.10")
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument), "range inside the vpc must be rejected")
	_, err = f.manager.EnableRemoteAccess(ctx, f.snatID, "10.200.0.1")
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	vpn, err := f.manager.EnableRemoteAccess(ctx, f.snatID, "10.200.0.1-10.200.0.10")
	require.NoError(t, err)
	assert.NotEmpty(t, vpn.PSK)
	assert.Equal(t, "Running", vpn.State)

	_, err = f.manager.EnableRemoteAccess(ctx, f.snatID, "10.200.0.1-10.200.0.10")
	assert.True(t, errors.Is(err, repository.ErrDuplicate))

	require.NoError(t, f.manager.DisableRemoteAccess(ctx, f.snatID))
	assert.True(t, errors.Is(f.manager.DisableRemoteAccess(ctx, f.snatID), repository.ErrNotFound))
}

func TestManager_Users(t *testing.T) {
	f, cleanup := newVPNFixture(t, "TestManager_Users")
	defer cleanup()
	ctx := context.Background()

	for _, pw := range []string{"abc!123", `Md1s#dc"x`, `back\slash`} {
		_, err := f.manager.AddUser(ctx, "root", pw)
		assert.True(t, errors.Is(err, domain.ErrInvalidArgument), pw)
	}

	_, err := f.manager.AddUser(ctx, "root", "Md1s#dcX")
	require.NoError(t, err)
	_, err = f.manager.AddUser(ctx, "root", "Md1s#dcX")
	assert.True(t, errors.Is(err, repository.ErrDuplicate))

	users, err := f.manager.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)

	require.NoError(t, f.manager.RemoveUser(ctx, "root"))
	assert.True(t, errors.Is(f.manager.RemoveUser(ctx, "root"), repository.ErrNotFound))
}
