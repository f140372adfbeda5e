// Package ipam hands out guest addresses from per-network pools, honouring
// the network's IP exclusion list.
package ipam

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/vpcd/internal/domain"
	"github.com/jbweber/homelab/vpcd/internal/metrics"
	"github.com/jbweber/homelab/vpcd/internal/repository"
)

// LeaseStore persists leases. repository.IPLeaseRepository satisfies it.
type LeaseStore interface {
	Save(ctx context.Context, lease domain.IPAddressLease) (domain.IPAddressLease, error)
	DeleteByAddress(ctx context.Context, networkID int64, ipAddress string) error
	FindByNetworkID(ctx context.Context, networkID int64) ([]domain.IPAddressLease, error)
}

// ExclusionStore persists exclusion lists. repository.NetworkRepository satisfies it.
type ExclusionStore interface {
	UpdateExclusionList(ctx context.Context, networkID int64, exclusions string) error
}

// Allocator owns the pools of every known network. Operations on different
// pools never contend with each other.
type Allocator struct {
	leases   LeaseStore
	networks ExclusionStore

	mu    sync.RWMutex
	pools map[int64]*Pool
}

// NewAllocator creates an allocator writing through to the given stores
func NewAllocator(leases LeaseStore, networks ExclusionStore) *Allocator {
	return &Allocator{
		leases:   leases,
		networks: networks,
		pools:    make(map[int64]*Pool),
	}
}

// LeaseOption customizes a Lease call
type LeaseOption func(*leaseOptions)

type leaseOptions struct {
	preferred  netip.Addr
	instanceID *int64
}

// WithPreferred requests a specific address
func WithPreferred(addr netip.Addr) LeaseOption {
	return func(o *leaseOptions) { o.preferred = addr }
}

// WithOwner records the instance the lease belongs to
func WithOwner(instanceID int64) LeaseOption {
	return func(o *leaseOptions) { o.instanceID = &instanceID }
}

// AddPool registers a network and loads its existing leases from the store
func (a *Allocator) AddPool(ctx context.Context, n domain.Network) (*Pool, error) {
	pool, err := NewPool(n.ID, n.CIDR, n.Gateway, n.IPExclusionList)
	if err != nil {
		return nil, domain.NewOpError("add pool", networkTarget(n.ID), err)
	}

	existing, err := a.leases.FindByNetworkID(ctx, n.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load leases of network %d: %w", n.ID, err)
	}
	for _, l := range existing {
		addr, err := netip.ParseAddr(l.IPAddress)
		if err != nil {
			log.WithField("lease", l.ID).WithError(err).Warn("Skipping unparsable lease")
			continue
		}
		pool.leased[addr] = l.ID
	}

	a.mu.Lock()
	a.pools[n.ID] = pool
	a.mu.Unlock()

	a.observe(pool)
	log.WithFields(log.Fields{
		"network": n.ID,
		"cidr":    pool.prefix.String(),
		"leases":  len(existing),
	}).Debug("Registered address pool")
	return pool, nil
}

// RemovePool forgets a network; its leases are removed with the network row
func (a *Allocator) RemovePool(networkID int64) {
	a.mu.Lock()
	delete(a.pools, networkID)
	a.mu.Unlock()

	label := strconv.FormatInt(networkID, 10)
	metrics.AddressesLeased.DeleteLabelValues(label)
	metrics.AddressesFree.DeleteLabelValues(label)
}

// Pool returns the pool of a network
func (a *Allocator) Pool(networkID int64) (*Pool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	pool, ok := a.pools[networkID]
	if !ok {
		return nil, fmt.Errorf("address pool of network %d: %w", networkID, repository.ErrNotFound)
	}
	return pool, nil
}

// Lease hands out the lowest free address of the network, or the preferred
// address when one is requested. The lease is persisted before it is visible.
func (a *Allocator) Lease(ctx context.Context, networkID int64, opts ...LeaseOption) (domain.IPAddressLease, error) {
	var o leaseOptions
	for _, opt := range opts {
		opt(&o)
	}

	pool, err := a.Pool(networkID)
	if err != nil {
		return domain.IPAddressLease{}, err
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()

	var addr netip.Addr
	if o.preferred.IsValid() {
		if !pool.available(o.preferred) {
			return domain.IPAddressLease{}, domain.NewOpError("lease", networkTarget(networkID),
				fmt.Errorf("%w: %s", domain.ErrAddressUnavailable, o.preferred))
		}
		addr = o.preferred
	} else {
		var ok bool
		if addr, ok = pool.next(); !ok {
			return domain.IPAddressLease{}, domain.NewOpError("lease", networkTarget(networkID), domain.ErrNoAddressAvailable)
		}
	}

	lease, err := a.leases.Save(ctx, domain.IPAddressLease{
		NetworkID:  networkID,
		InstanceID: o.instanceID,
		IPAddress:  addr.String(),
	})
	if err != nil {
		return domain.IPAddressLease{}, fmt.Errorf("failed to persist lease of %s: %w", addr, err)
	}
	pool.leased[addr] = lease.ID
	a.observeLocked(pool)

	log.WithFields(log.Fields{"network": networkID, "address": lease.IPAddress}).Info("Leased address")
	return lease, nil
}

// Release returns an address to the pool. Releasing an address that is not
// leased is a no-op.
func (a *Allocator) Release(ctx context.Context, networkID int64, addr netip.Addr) error {
	pool, err := a.Pool(networkID)
	if err != nil {
		return err
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()

	if _, ok := pool.leased[addr]; !ok {
		return nil
	}
	if err := a.leases.DeleteByAddress(ctx, networkID, addr.String()); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to release %s: %w", addr, err)
	}
	delete(pool.leased, addr)
	a.observeLocked(pool)

	log.WithFields(log.Fields{"network": networkID, "address": addr.String()}).Info("Released address")
	return nil
}

// UpdateExclusion replaces the exclusion ranges of a network. Existing leases
// are kept even when the new ranges cover them; shrinking the ranges makes the
// freed addresses leasable immediately.
func (a *Allocator) UpdateExclusion(ctx context.Context, networkID int64, list string) ([]Range, error) {
	pool, err := a.Pool(networkID)
	if err != nil {
		return nil, err
	}

	ranges, err := ParseExclusionList(list, pool.prefix)
	if err != nil {
		return nil, domain.NewOpError("update exclusion", networkTarget(networkID), err)
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()

	if err := a.networks.UpdateExclusionList(ctx, networkID, FormatExclusionList(ranges)); err != nil {
		return nil, fmt.Errorf("failed to persist exclusion list: %w", err)
	}
	pool.exclusions = ranges
	a.observeLocked(pool)

	var covered int
	for addr := range pool.leased {
		if pool.excluded(addr) {
			covered++
		}
	}
	log.WithFields(log.Fields{
		"network":          networkID,
		"exclusions":       FormatExclusionList(ranges),
		"leased_in_ranges": covered,
	}).Info("Updated exclusion list")
	return ranges, nil
}

// Stats summarizes the pool of a network
func (a *Allocator) Stats(networkID int64) (Stats, error) {
	pool, err := a.Pool(networkID)
	if err != nil {
		return Stats{}, err
	}
	return pool.Stats(), nil
}

func (a *Allocator) observe(pool *Pool) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	a.observeLocked(pool)
}

func (a *Allocator) observeLocked(pool *Pool) {
	s := pool.stats()
	label := strconv.FormatInt(pool.networkID, 10)
	metrics.AddressesLeased.WithLabelValues(label).Set(float64(s.Leased))
	metrics.AddressesFree.WithLabelValues(label).Set(float64(s.Free))
}

func networkTarget(id int64) string {
	return "network " + strconv.FormatInt(id, 10)
}
