package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/homelab/vpcd/internal/acl"
	"github.com/jbweber/homelab/vpcd/internal/api"
	"github.com/jbweber/homelab/vpcd/internal/config"
	"github.com/jbweber/homelab/vpcd/internal/ipam"
	"github.com/jbweber/homelab/vpcd/internal/repository"
	"github.com/jbweber/homelab/vpcd/internal/router"
	"github.com/jbweber/homelab/vpcd/internal/vpclock"
	"github.com/jbweber/homelab/vpcd/internal/vpn"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane API and the router health checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "HTTP listen address (overrides config)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := cfg.InitializeDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	negotiator := vpn.NewViciNegotiator(cfg.ViciSocket)
	defer negotiator.Close()

	deps, coordinator, err := wire(ctx, cfg, db, negotiator)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewAPI(deps).NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		coordinator.Run(gctx, cfg.HealthInterval)
		return nil
	})
	g.Go(func() error {
		log.WithField("listen", cfg.Listen).Info("Starting vpcd")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down vpcd")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// wire builds the allocator, ACL engine, router coordinator and VPN manager
// from the stored state.
func wire(ctx context.Context, cfg *config.Config, db *sql.DB, negotiator vpn.Negotiator) (api.Deps, *router.Coordinator, error) {
	vpcs := repository.NewVPCRepository(db)
	networks := repository.NewNetworkRepository(db)
	leases := repository.NewIPLeaseRepository(db)
	publicIPs := repository.NewPublicIPRepository(db)
	routers := repository.NewRouterRepository(db)

	allocator := ipam.NewAllocator(leases, networks)
	tiers, err := networks.FindAll(ctx)
	if err != nil {
		return api.Deps{}, nil, err
	}
	var bound []acl.Binding
	for _, n := range tiers {
		if _, err := allocator.AddPool(ctx, n); err != nil {
			return api.Deps{}, nil, fmt.Errorf("network %s: %w", n.Name, err)
		}
		if n.ACLID != nil {
			bound = append(bound, acl.Binding{Target: acl.Target{Kind: acl.NetworkTarget, ID: n.ID}, ListID: *n.ACLID})
		}
	}

	ips, err := publicIPs.FindAll(ctx)
	if err != nil {
		return api.Deps{}, nil, err
	}
	for _, ip := range ips {
		if ip.ACLID != nil {
			bound = append(bound, acl.Binding{Target: acl.Target{Kind: acl.PublicIPTarget, ID: ip.ID}, ListID: *ip.ACLID})
		}
	}

	engine := acl.NewEngine(repository.NewACLRepository(db), networks, publicIPs)
	if err := engine.Load(ctx, bound); err != nil {
		return api.Deps{}, nil, err
	}

	runner, err := router.NewSSHRunner(cfg.SSHKnownHosts, cfg.RouterKey, cfg.SSHDialTimeout)
	if err != nil {
		return api.Deps{}, nil, err
	}
	var controller router.InstanceController = router.NoopController{}
	if cfg.InstanceController == "ec2" {
		if controller, err = router.LoadEC2Controller(ctx, cfg.AWSRegion); err != nil {
			return api.Deps{}, nil, err
		}
	}

	locks := vpclock.New()
	coordinator := router.NewCoordinator(routers, vpcs, router.NewScriptProber(runner, cfg.SSHUser, cfg.SSHPassword), controller, locks, router.Options{
		ProbeRetries: cfg.ProbeRetries,
		ProbeDelay:   cfg.ProbeDelay,
		HealthTTL:    2 * cfg.HealthInterval,
	})

	manager := vpn.NewManager(vpn.Stores{
		VPCs:             vpcs,
		PublicIPs:        publicIPs,
		Gateways:         repository.NewVPNGatewayRepository(db),
		CustomerGateways: repository.NewCustomerGatewayRepository(db),
		Connections:      repository.NewVPNConnectionRepository(db),
		RemoteAccess:     repository.NewRemoteAccessVPNRepository(db),
		Users:            repository.NewVPNUserRepository(db),
	}, coordinator, engine, negotiator, locks, cfg.TunnelTimeout)

	return api.Deps{
		VPCs:           vpcs,
		Networks:       networks,
		Leases:         leases,
		Instances:      repository.NewInstanceRepository(db),
		PublicIPs:      publicIPs,
		Routers:        routers,
		Allocator:      allocator,
		ACLs:           engine,
		Coordinator:    coordinator,
		VPN:            manager,
		SettleAttempts: cfg.SettleAttempts,
		SettleInterval: cfg.SettleInterval,
	}, coordinator, nil
}
