package ipam

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/vpcd/internal/domain"
	"github.com/jbweber/homelab/vpcd/internal/repository"
	"github.com/jbweber/homelab/vpcd/internal/testutil"
)

// memStore is an in-memory LeaseStore and ExclusionStore
type memStore struct {
	mu         sync.Mutex
	nextID     int64
	leases     map[string]domain.IPAddressLease
	exclusions map[int64]string
	failSave   error
}

func newMemStore() *memStore {
	return &memStore{leases: map[string]domain.IPAddressLease{}, exclusions: map[int64]string{}}
}

func leaseKey(networkID int64, ip string) string { return fmt.Sprintf("%d/%s", networkID, ip) }

func (m *memStore) Save(_ context.Context, l domain.IPAddressLease) (domain.IPAddressLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return domain.IPAddressLease{}, m.failSave
	}
	if _, ok := m.leases[leaseKey(l.NetworkID, l.IPAddress)]; ok {
		return domain.IPAddressLease{}, repository.ErrDuplicate
	}
	m.nextID++
	l.ID = m.nextID
	m.leases[leaseKey(l.NetworkID, l.IPAddress)] = l
	return l, nil
}

func (m *memStore) DeleteByAddress(_ context.Context, networkID int64, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.leases[leaseKey(networkID, ip)]; !ok {
		return repository.ErrNotFound
	}
	delete(m.leases, leaseKey(networkID, ip))
	return nil
}

func (m *memStore) FindByNetworkID(_ context.Context, networkID int64) ([]domain.IPAddressLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.IPAddressLease
	for _, l := range m.leases {
		if l.NetworkID == networkID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memStore) UpdateExclusionList(_ context.Context, networkID int64, list string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exclusions[networkID] = list
	return nil
}

func newTestAllocator(t *testing.T, n domain.Network) (*Allocator, *memStore) {
	t.Helper()
	store := newMemStore()
	a := NewAllocator(store, store)
	_, err := a.AddPool(context.Background(), n)
	require.NoError(t, err)
	return a, store
}

func TestAllocator_LowestFreeFirst(t *testing.T) {
	a, _ := newTestAllocator(t, domain.Network{ID: 1, CIDR: "10.1.2.0/29", Gateway: "10.1.2.1"})
	ctx := context.Background()

	var got []string
	for i := 0; i < 5; i++ {
		l, err := a.Lease(ctx, 1)
		require.NoError(t, err)
		got = append(got, l.IPAddress)
	}
	assert.Equal(t, []string{"10.1.2.2", "10.1.2.3", "10.1.2.4", "10.1.2.5", "10.1.2.6"}, got)

	_, err := a.Lease(ctx, 1)
	assert.True(t, errors.Is(err, domain.ErrNoAddressAvailable))
}

func TestAllocator_ExclusionScenario(t *testing.T) {
	a, store := newTestAllocator(t, domain.Network{ID: 1, CIDR: "10.1.2.0/29", Gateway: "10.1.2.1", IPExclusionList: "10.1.2.2-10.1.2.5"})
	ctx := context.Background()

	vm2, err := a.Lease(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.6", vm2.IPAddress)

	_, err = a.Lease(ctx, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNoAddressAvailable))

	_, err = a.UpdateExclusion(ctx, 1, "10.1.2.2-10.1.2.4")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.2-10.1.2.4", store.exclusions[1])

	vm3, err := a.Lease(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.5", vm3.IPAddress)
}

func TestAllocator_WideningExclusionKeepsLeases(t *testing.T) {
	a, _ := newTestAllocator(t, domain.Network{ID: 1, CIDR: "10.1.2.0/29", Gateway: "10.1.2.1"})
	ctx := context.Background()

	l, err := a.Lease(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "10.1.2.2", l.IPAddress)

	_, err = a.UpdateExclusion(ctx, 1, "10.1.2.2-10.1.2.5")
	require.NoError(t, err)

	pool, err := a.Pool(1)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.1.2.2")}, pool.Leased())

	next, err := a.Lease(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.6", next.IPAddress)

	// a release inside an exclusion range does not make the address leasable
	require.NoError(t, a.Release(ctx, 1, netip.MustParseAddr("10.1.2.2")))
	_, err = a.Lease(ctx, 1)
	assert.True(t, errors.Is(err, domain.ErrNoAddressAvailable))
}

func TestAllocator_Preferred(t *testing.T) {
	a, _ := newTestAllocator(t, domain.Network{ID: 1, CIDR: "10.1.2.0/24", Gateway: "10.1.2.1", IPExclusionList: "10.1.2.10-10.1.2.20"})
	ctx := context.Background()

	l, err := a.Lease(ctx, 1, WithPreferred(netip.MustParseAddr("10.1.2.100")), WithOwner(7))
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.100", l.IPAddress)
	require.NotNil(t, l.InstanceID)
	assert.Equal(t, int64(7), *l.InstanceID)

	for _, addr := range []string{"10.1.2.100", "10.1.2.15", "10.1.2.1", "10.1.2.0", "10.1.2.255", "10.1.3.4"} {
		_, err := a.Lease(ctx, 1, WithPreferred(netip.MustParseAddr(addr)))
		assert.True(t, errors.Is(err, domain.ErrAddressUnavailable), "%s should be unavailable, got %v", addr, err)
	}
}

func TestAllocator_ReleaseIdempotent(t *testing.T) {
	a, store := newTestAllocator(t, domain.Network{ID: 1, CIDR: "10.1.2.0/29", Gateway: "10.1.2.1"})
	ctx := context.Background()

	l, err := a.Lease(ctx, 1)
	require.NoError(t, err)
	addr := netip.MustParseAddr(l.IPAddress)

	require.NoError(t, a.Release(ctx, 1, addr))
	require.NoError(t, a.Release(ctx, 1, addr))
	assert.Empty(t, store.leases)

	again, err := a.Lease(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, l.IPAddress, again.IPAddress)
}

func TestAllocator_PersistFailureLeavesPoolUntouched(t *testing.T) {
	a, store := newTestAllocator(t, domain.Network{ID: 1, CIDR: "10.1.2.0/29", Gateway: "10.1.2.1"})
	store.failSave = errors.New("disk full")

	_, err := a.Lease(context.Background(), 1)
	require.Error(t, err)

	stats, err := a.Stats(1)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Leased)
	assert.Equal(t, 5, stats.Free)
}

func TestAllocator_UnknownNetwork(t *testing.T) {
	a := NewAllocator(newMemStore(), newMemStore())
	_, err := a.Lease(context.Background(), 42)
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func TestAllocator_InvalidPool(t *testing.T) {
	a := NewAllocator(newMemStore(), newMemStore())
	_, err := a.AddPool(context.Background(), domain.Network{ID: 1, CIDR: "10.1.2.0/24", Gateway: "10.9.9.1"})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	_, err = a.AddPool(context.Background(), domain.Network{ID: 1, CIDR: "fd00::/64", Gateway: "fd00::1"})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestAllocator_Stats(t *testing.T) {
	a, _ := newTestAllocator(t, domain.Network{ID: 1, CIDR: "10.1.2.0/29", Gateway: "10.1.2.1", IPExclusionList: "10.1.2.2-10.1.2.3"})
	_, err := a.Lease(context.Background(), 1)
	require.NoError(t, err)

	stats, err := a.Stats(1)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 8, Reserved: 3, Excluded: 2, Leased: 1, Free: 2}, stats)
}

func TestAllocator_ConcurrentLeasesAreUnique(t *testing.T) {
	a, _ := newTestAllocator(t, domain.Network{ID: 1, CIDR: "10.1.2.0/26", Gateway: "10.1.2.1"})
	ctx := context.Background()

	const workers = 80
	var wg sync.WaitGroup
	results := make(chan string, workers)
	failures := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := a.Lease(ctx, 1)
			if err != nil {
				failures <- err
				return
			}
			results <- l.IPAddress
		}()
	}
	wg.Wait()
	close(results)
	close(failures)

	seen := map[string]bool{}
	for ip := range results {
		assert.False(t, seen[ip], "address %s leased twice", ip)
		seen[ip] = true
	}
	// 64 addresses minus network, broadcast and gateway
	assert.Len(t, seen, 61)
	for err := range failures {
		assert.True(t, errors.Is(err, domain.ErrNoAddressAvailable))
	}
}

func TestAllocator_SQLiteRestart(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestAllocator_SQLiteRestart")
	defer cleanup()

	ctx := context.Background()
	vpcID := testutil.CreateTestVPC(t, db, "vpc1", "10.1.0.0/16", false)
	networkID := testutil.CreateTestNetwork(t, db, vpcID, "tier1", "10.1.2.0/29", "10.1.2.1", "10.1.2.2-10.1.2.5")

	networks := repository.NewNetworkRepository(db)
	leases := repository.NewIPLeaseRepository(db)
	defer leases.Close()

	network, err := networks.FindByID(ctx, networkID)
	require.NoError(t, err)

	first := NewAllocator(leases, networks)
	_, err = first.AddPool(ctx, network)
	require.NoError(t, err)
	l, err := first.Lease(ctx, networkID)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.6", l.IPAddress)

	_, err = first.UpdateExclusion(ctx, networkID, "10.1.2.2-10.1.2.4")
	require.NoError(t, err)

	// a fresh allocator sees both the lease and the new exclusion list
	network, err = networks.FindByID(ctx, networkID)
	require.NoError(t, err)
	second := NewAllocator(leases, networks)
	_, err = second.AddPool(ctx, network)
	require.NoError(t, err)

	next, err := second.Lease(ctx, networkID)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.5", next.IPAddress)

	_, err = second.Lease(ctx, networkID)
	assert.True(t, errors.Is(err, domain.ErrNoAddressAvailable))
}
