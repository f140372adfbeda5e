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

func TestVPCRepository_SaveAndFind(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestVPCRepository_SaveAndFind")
	defer cleanup()

	repo := NewVPCRepository(db)
	ctx := context.Background()

	saved, err := repo.Save(ctx, domain.VPC{Name: "vpc1", CIDR: "10.1.0.0/16", Redundant: true})
	require.NoError(t, err)
	assert.NotZero(t, saved.ID)

	found, err := repo.FindByName(ctx, "vpc1")
	require.NoError(t, err)
	assert.Equal(t, saved, found)

	_, err = repo.Save(ctx, domain.VPC{Name: "vpc1", CIDR: "10.2.0.0/16"})
	assert.True(t, errors.Is(err, ErrDuplicate), "expected ErrDuplicate, got %v", err)

	_, err = repo.Save(ctx, domain.VPC{Name: "no-cidr"})
	assert.True(t, errors.Is(err, ErrInvalidEntity))

	require.NoError(t, repo.DeleteByID(ctx, saved.ID))
	_, err = repo.FindByID(ctx, saved.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(repo.DeleteByID(ctx, saved.ID), ErrNotFound))
}

func TestNetworkRepository_Save(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestNetworkRepository_Save")
	defer cleanup()

	vpcID := testutil.CreateTestVPC(t, db, "vpc1", "10.1.0.0/16", false)
	repo := NewNetworkRepository(db)

	network := domain.Network{
		VPCID:   vpcID,
		Name:    "tier1",
		CIDR:    "10.1.2.0/24",
		Gateway: "10.1.2.1",
	}

	saved, err := repo.Save(context.Background(), network)
	if err != nil {
		t.Fatalf("Failed to save network: %v", err)
	}
	if saved.ID == 0 {
		t.Error("Expected network ID to be set")
	}

	saved.IPExclusionList = "10.1.2.2-10.1.2.5"
	updated, err := repo.Save(context.Background(), saved)
	if err != nil {
		t.Fatalf("Failed to update network: %v", err)
	}

	found, err := repo.FindByID(context.Background(), updated.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.2-10.1.2.5", found.IPExclusionList)
	assert.Nil(t, found.ACLID)
}

func TestNetworkRepository_Validation(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestNetworkRepository_Validation")
	defer cleanup()

	repo := NewNetworkRepository(db)
	_, err := repo.Save(context.Background(), domain.Network{Name: "orphan", CIDR: "10.0.0.0/24", Gateway: "10.0.0.1"})
	assert.True(t, errors.Is(err, ErrInvalidEntity))
}

func TestNetworkRepository_ExclusionAndACL(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestNetworkRepository_ExclusionAndACL")
	defer cleanup()

	ctx := context.Background()
	vpcID := testutil.CreateTestVPC(t, db, "vpc1", "10.1.0.0/16", false)
	networkID := testutil.CreateTestNetwork(t, db, vpcID, "tier1", "10.1.2.0/29", "10.1.2.1", "10.1.2.2-10.1.2.5")
	repo := NewNetworkRepository(db)

	require.NoError(t, repo.UpdateExclusionList(ctx, networkID, "10.1.2.2-10.1.2.4"))

	aclID := int64(2)
	require.NoError(t, repo.SetACL(ctx, networkID, &aclID))

	found, err := repo.FindByID(ctx, networkID)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.2-10.1.2.4", found.IPExclusionList)
	require.NotNil(t, found.ACLID)
	assert.Equal(t, int64(2), *found.ACLID)

	networks, err := repo.FindByVPCID(ctx, vpcID)
	require.NoError(t, err)
	assert.Len(t, networks, 1)

	assert.True(t, errors.Is(repo.UpdateExclusionList(ctx, 999, ""), ErrNotFound))
}

func TestNetworkRepository_CascadeOnVPCDelete(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestNetworkRepository_CascadeOnVPCDelete")
	defer cleanup()

	ctx := context.Background()
	vpcID := testutil.CreateTestVPC(t, db, "vpc1", "10.1.0.0/16", false)
	networkID := testutil.CreateTestNetwork(t, db, vpcID, "tier1", "10.1.2.0/24", "10.1.2.1", "")

	require.NoError(t, NewVPCRepository(db).DeleteByID(ctx, vpcID))

	exists, err := NewNetworkRepository(db).ExistsByID(ctx, networkID)
	require.NoError(t, err)
	assert.False(t, exists)
}
