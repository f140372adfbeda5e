package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/homelab/vpcd/internal/domain"
	"github.com/jbweber/homelab/vpcd/internal/metrics"
	"github.com/jbweber/homelab/vpcd/internal/vpclock"
)

const (
	StateRunning = "Running"
	StateStopped = "Stopped"
)

// RouterStore is the persistence the coordinator needs.
// repository.RouterRepository satisfies it.
type RouterStore interface {
	FindByID(ctx context.Context, id int64) (domain.Router, error)
	FindAll(ctx context.Context) ([]domain.Router, error)
	FindByVPCID(ctx context.Context, vpcID int64) ([]domain.Router, error)
	UpdateStatus(ctx context.Context, id int64, state, role string) error
}

// VPCStore looks up VPCs
type VPCStore interface {
	FindByID(ctx context.Context, id int64) (domain.VPC, error)
}

// Options tune probing
type Options struct {
	// ProbeRetries is the number of attempts before a router is unreachable
	ProbeRetries uint
	ProbeDelay   time.Duration
	// HealthTTL is how long an observed role stays valid
	HealthTTL time.Duration
}

// DefaultOptions match a two second check with a short retry budget
var DefaultOptions = Options{ProbeRetries: 3, ProbeDelay: time.Second, HealthTTL: 30 * time.Second}

// Coordinator observes router roles and forces failover. Only one
// failover runs per VPC at a time.
type Coordinator struct {
	routers    RouterStore
	vpcs       VPCStore
	prober     Prober
	controller InstanceController
	locks      *vpclock.Table
	roles      *cache.Cache
	opts       Options
}

// NewCoordinator creates a coordinator
func NewCoordinator(routers RouterStore, vpcs VPCStore, prober Prober, controller InstanceController, locks *vpclock.Table, opts Options) *Coordinator {
	if opts.ProbeRetries == 0 {
		opts.ProbeRetries = DefaultOptions.ProbeRetries
	}
	if opts.HealthTTL == 0 {
		opts.HealthTTL = DefaultOptions.HealthTTL
	}
	return &Coordinator{
		routers:    routers,
		vpcs:       vpcs,
		prober:     prober,
		controller: controller,
		locks:      locks,
		roles:      cache.New(opts.HealthTTL, 2*opts.HealthTTL),
		opts:       opts,
	}
}

func roleKey(routerID int64) string { return strconv.FormatInt(routerID, 10) }

// Role returns the last observed role, UNKNOWN once the observation expired
func (c *Coordinator) Role(routerID int64) Role {
	if v, ok := c.roles.Get(roleKey(routerID)); ok {
		return v.(Role)
	}
	return RoleUnknown
}

func (c *Coordinator) record(ctx context.Context, r domain.Router, state string, role Role) {
	previous := c.Role(r.ID)
	c.roles.Set(roleKey(r.ID), role, cache.DefaultExpiration)
	metrics.SetRouterRole(strconv.FormatInt(r.VPCID, 10), r.Name, string(role), roleNames)

	if err := c.routers.UpdateStatus(ctx, r.ID, state, string(role)); err != nil {
		log.WithError(err).WithField("router", r.Name).Warn("Failed to persist router status")
	}
	if previous != role {
		log.WithFields(log.Fields{
			"router": r.Name,
			"vpc":    r.VPCID,
			"from":   previous,
			"to":     role,
		}).Info("Router role changed")
	}
}

// Probe observes the role of a router, retrying transient failures. When the
// retry budget is exhausted the router is recorded UNKNOWN and ErrUnreachable
// is returned.
func (c *Coordinator) Probe(ctx context.Context, r domain.Router) (Role, error) {
	if !r.Redundant {
		c.record(ctx, r, StateRunning, RoleStandalone)
		return RoleStandalone, nil
	}

	var role Role
	err := retry.Do(
		func() error {
			var err error
			role, err = c.prober.Probe(ctx, r)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.opts.ProbeRetries),
		retry.Delay(c.opts.ProbeDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).WithFields(log.Fields{
				"n":      n,
				"router": r.Name,
			}).Debug("Retrying probe")
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return RoleUnknown, ctxErr
		}
		metrics.RouterProbeFailures.WithLabelValues(r.Name).Inc()
		c.record(ctx, r, r.State, RoleUnknown)
		return RoleUnknown, domain.NewOpError("probe", r.Name, fmt.Errorf("%w: %v", domain.ErrUnreachable, err))
	}

	c.record(ctx, r, StateRunning, role)
	return role, nil
}

// probeAll probes routers concurrently. Unreachable routers read as UNKNOWN;
// only cancellation is returned as an error.
func (c *Coordinator) probeAll(ctx context.Context, routers []domain.Router) ([]Role, error) {
	roles := make([]Role, len(routers))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range routers {
		i, r := i, r
		g.Go(func() error {
			role, err := c.Probe(gctx, r)
			if err != nil && !errors.Is(err, domain.ErrUnreachable) {
				return err
			}
			roles[i] = role
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return roles, nil
}

// WaitForSettledPair probes the routers of a VPC up to maxAttempts rounds and
// reports whether one round saw exactly one MASTER and one BACKUP. A VPC
// without redundancy is settled as soon as its router is known.
func (c *Coordinator) WaitForSettledPair(ctx context.Context, vpcID int64, maxAttempts int, interval time.Duration) (bool, error) {
	vpc, err := c.vpcs.FindByID(ctx, vpcID)
	if err != nil {
		return false, err
	}
	routers, err := c.routers.FindByVPCID(ctx, vpcID)
	if err != nil {
		return false, err
	}
	if len(routers) == 0 {
		return false, nil
	}

	if !vpc.Redundant {
		for _, r := range routers {
			c.record(ctx, r, StateRunning, RoleStandalone)
		}
		return true, nil
	}

	logger := log.WithFields(log.Fields{"vpc": vpc.Name, "routers": len(routers)})
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		roles, err := c.probeAll(ctx, routers)
		if err != nil {
			return false, err
		}

		var masters, backups int
		for _, role := range roles {
			switch role {
			case RoleMaster:
				masters++
			case RoleBackup:
				backups++
			}
		}
		if masters == 1 && backups == 1 {
			logger.WithField("attempt", attempt).Info("Router pair settled")
			return true, nil
		}
		logger.WithFields(log.Fields{
			"attempt": attempt,
			"masters": masters,
			"backups": backups,
		}).Debug("Router pair not settled")

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}

	logger.WithField("attempts", maxAttempts).Warn("Router pair did not settle")
	return false, nil
}

// Master returns the router acting as MASTER, or the single router of a VPC
// without redundancy.
func (c *Coordinator) Master(ctx context.Context, vpcID int64) (domain.Router, error) {
	routers, err := c.routers.FindByVPCID(ctx, vpcID)
	if err != nil {
		return domain.Router{}, err
	}

	var pair []domain.Router
	for _, r := range routers {
		if !r.Redundant {
			if r.State == StateRunning {
				return r, nil
			}
			continue
		}
		if c.Role(r.ID) == RoleMaster {
			return r, nil
		}
		pair = append(pair, r)
	}

	// no fresh observation of a master, ask the routers
	if len(pair) > 0 {
		roles, err := c.probeAll(ctx, pair)
		if err != nil {
			return domain.Router{}, err
		}
		for i, role := range roles {
			if role == RoleMaster {
				return pair[i], nil
			}
		}
	}
	return domain.Router{}, domain.NewOpError("find master", fmt.Sprintf("vpc %d", vpcID), domain.ErrNoMaster)
}

// ForceFailover stops the MASTER router so the BACKUP takes over. It does
// not wait for the pair to settle.
func (c *Coordinator) ForceFailover(ctx context.Context, vpcID int64) (domain.Router, error) {
	unlock, err := c.locks.Lock(ctx, vpcID)
	if err != nil {
		return domain.Router{}, err
	}
	defer unlock()

	vpc, err := c.vpcs.FindByID(ctx, vpcID)
	if err != nil {
		return domain.Router{}, err
	}
	if !vpc.Redundant {
		return domain.Router{}, domain.NewOpError("failover", vpc.Name,
			fmt.Errorf("%w: vpc has no redundant routers", domain.ErrInvalidArgument))
	}

	master, err := c.Master(ctx, vpcID)
	if err != nil {
		return domain.Router{}, err
	}

	if err := c.controller.StopInstance(ctx, master.InstanceID, true); err != nil {
		return domain.Router{}, domain.NewOpError("failover", master.Name, err)
	}
	c.record(ctx, master, StateStopped, RoleUnknown)
	master.State, master.Role = StateStopped, string(RoleUnknown)

	log.WithFields(log.Fields{"vpc": vpc.Name, "router": master.Name}).Info("Stopped master router")
	return master, nil
}

// Run probes every router each interval until ctx is done
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c.probeEverything(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// probeEverything probes the routers of each VPC whose lock is free. A VPC
// that is failing over or negotiating a tunnel is skipped until the next
// round.
func (c *Coordinator) probeEverything(ctx context.Context) {
	routers, err := c.routers.FindAll(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to list routers")
		return
	}

	byVPC := make(map[int64][]domain.Router)
	var order []int64
	for _, r := range routers {
		if r.State == StateStopped {
			continue
		}
		if _, ok := byVPC[r.VPCID]; !ok {
			order = append(order, r.VPCID)
		}
		byVPC[r.VPCID] = append(byVPC[r.VPCID], r)
	}

	var g errgroup.Group
	g.SetLimit(8)
	for _, vpcID := range order {
		vpcID := vpcID
		unlock, ok := c.locks.TryLock(vpcID)
		if !ok {
			log.WithField("vpc", vpcID).Debug("VPC busy, skipping health check")
			continue
		}
		g.Go(func() error {
			defer unlock()
			for _, r := range byVPC[vpcID] {
				if _, err := c.Probe(ctx, r); err != nil && ctx.Err() == nil {
					log.WithError(err).WithField("router", r.Name).Warn("Router health check failed")
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}
