package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/jbweber/homelab/vpcd/internal/domain"
	"github.com/jbweber/homelab/vpcd/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVPNRepositories(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestVPNRepositories")
	defer cleanup()

	ctx := context.Background()
	vpcID := testutil.CreateTestVPC(t, db, "vpc1", "10.1.0.0/16", false)

	gateways := NewVPNGatewayRepository(db)
	gw, err := gateways.Save(ctx, domain.VPNGateway{VPCID: vpcID, PublicIP: "192.0.2.10"})
	require.NoError(t, err)

	_, err = gateways.Save(ctx, domain.VPNGateway{VPCID: vpcID, PublicIP: "192.0.2.10"})
	assert.True(t, errors.Is(err, ErrDuplicate), "one gateway per vpc, got %v", err)

	customers := NewCustomerGatewayRepository(db)
	cgw, err := customers.Save(ctx, domain.VPNCustomerGateway{
		Name: "cgw1", GatewayIP: "198.51.100.1", CIDRList: "10.2.0.0/16",
		IKEPolicy: "3des-md5;modp1536", ESPPolicy: "3des-md5;modp1536", PSK: "ipsecpsk",
		IKELifetime: 86400, ESPLifetime: 3600,
	})
	require.NoError(t, err)

	conns := NewVPNConnectionRepository(db)
	conn, err := conns.Save(ctx, domain.VPNConnection{GatewayID: gw.ID, CustomerGatewayID: cgw.ID, Passive: true})
	require.NoError(t, err)
	assert.Equal(t, "Pending", conn.State)

	require.NoError(t, conns.UpdateState(ctx, conn.ID, "Failed", "policy mismatch"))
	found, err := conns.FindByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "Failed", found.State)
	assert.Equal(t, "policy mismatch", found.FailureReason)

	// customer gateways in use cannot be removed
	assert.Error(t, customers.DeleteByID(ctx, cgw.ID))

	require.NoError(t, gateways.DeleteByID(ctx, gw.ID))
	byGateway, err := conns.FindByGatewayID(ctx, gw.ID)
	require.NoError(t, err)
	assert.Empty(t, byGateway)
	require.NoError(t, customers.DeleteByID(ctx, cgw.ID))
}

func TestRemoteAccessRepositories(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestRemoteAccessRepositories")
	defer cleanup()

	ctx := context.Background()
	vpcID := testutil.CreateTestVPC(t, db, "vpc1", "10.1.0.0/16", false)
	ipID := testutil.CreateTestPublicIP(t, db, vpcID, "192.0.2.10", true)

	vpns := NewRemoteAccessVPNRepository(db)
	v, err := vpns.Save(ctx, domain.RemoteAccessVPN{PublicIPID: ipID, IPRange: "10.2.2.1-10.2.2.10", PSK: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "Running", v.State)

	found, err := vpns.FindByPublicIPID(ctx, ipID)
	require.NoError(t, err)
	assert.Equal(t, v.ID, found.ID)

	users := NewVPNUserRepository(db)
	_, err = users.Save(ctx, domain.VPNUser{Username: "alice", Password: "password1"})
	require.NoError(t, err)
	_, err = users.Save(ctx, domain.VPNUser{Username: "alice", Password: "password2"})
	assert.True(t, errors.Is(err, ErrDuplicate))

	u, err := users.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "password1", u.Password)
}
