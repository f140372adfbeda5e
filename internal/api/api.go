package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jbweber/homelab/vpcd/internal/acl"
	"github.com/jbweber/homelab/vpcd/internal/ipam"
	"github.com/jbweber/homelab/vpcd/internal/metrics"
	"github.com/jbweber/homelab/vpcd/internal/repository"
	"github.com/jbweber/homelab/vpcd/internal/router"
	"github.com/jbweber/homelab/vpcd/internal/vpn"
)

// Deps are the repositories and engines the handlers drive
type Deps struct {
	VPCs      repository.VPCRepository
	Networks  repository.NetworkRepository
	Leases    repository.IPLeaseRepository
	Instances repository.InstanceRepository
	PublicIPs repository.PublicIPRepository
	Routers   repository.RouterRepository

	Allocator   *ipam.Allocator
	ACLs        *acl.Engine
	Coordinator *router.Coordinator
	VPN         *vpn.Manager

	// Defaults for POST /routers/settle when the request leaves them out
	SettleAttempts int
	SettleInterval time.Duration
}

// API holds the handler dependencies
type API struct {
	Deps
}

// NewAPI creates a new API over the given dependencies
func NewAPI(d Deps) *API {
	if d.SettleAttempts <= 0 {
		d.SettleAttempts = 30
	}
	if d.SettleInterval <= 0 {
		d.SettleInterval = 2 * time.Second
	}
	return &API{Deps: d}
}

// NewRouter builds the complete HTTP handler: access logging, panic recovery,
// the API routes, /metrics and /healthz.
func (a *API) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	a.RegisterRoutes(r)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

// RegisterRoutes registers all API endpoints to the given chi router.
func (a *API) RegisterRoutes(r chi.Router) {
	a.registerMetaData(r)

	r.Route("/api/v0", func(r chi.Router) {
		r.Route("/vpcs", func(r chi.Router) {
			r.Get("/", a.listVPCsHandler)
			r.Post("/", a.createVPCHandler)
			r.Get("/{id}", a.getVPCHandler)
			r.Delete("/{id}", a.deleteVPCHandler)

			r.Post("/{id}/settle", a.settleHandler)
			r.Post("/{id}/failover", a.failoverHandler)
			r.Get("/{id}/master", a.masterHandler)

			r.Get("/{id}/vpn-gateway", a.getGatewayHandler)
			r.Post("/{id}/vpn-gateway", a.createGatewayHandler)
		})

		r.Route("/networks", func(r chi.Router) {
			r.Get("/", a.listNetworksHandler)
			r.Post("/", a.createNetworkHandler)
			r.Get("/{id}", a.getNetworkHandler)
			r.Delete("/{id}", a.deleteNetworkHandler)
			r.Patch("/{id}/exclusions", a.updateExclusionsHandler)
			r.Get("/{id}/stats", a.networkStatsHandler)
			r.Get("/{id}/leases", a.listLeasesHandler)
			r.Post("/{id}/leases", a.createLeaseHandler)
			r.Delete("/{id}/leases/{address}", a.releaseLeaseHandler)
			r.Put("/{id}/acl", a.bindNetworkACLHandler)
			r.Delete("/{id}/acl", a.unbindNetworkACLHandler)
			r.Post("/{id}/acl/evaluate", a.evaluateNetworkHandler)
		})

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", a.listInstancesHandler)
			r.Post("/", a.createInstanceHandler)
			r.Get("/{id}", a.getInstanceHandler)
			r.Delete("/{id}", a.deleteInstanceHandler)
		})

		r.Route("/acls", func(r chi.Router) {
			r.Get("/", a.listACLsHandler)
			r.Post("/", a.createACLHandler)
			r.Get("/{id}", a.getACLHandler)
			r.Delete("/{id}", a.deleteACLHandler)
			r.Post("/{id}/rules", a.addRuleHandler)
			r.Delete("/{id}/rules/{ruleID}", a.removeRuleHandler)
		})

		r.Route("/public-ips", func(r chi.Router) {
			r.Get("/", a.listPublicIPsHandler)
			r.Post("/", a.createPublicIPHandler)
			r.Delete("/{id}", a.deletePublicIPHandler)
			r.Put("/{id}/acl", a.bindPublicIPACLHandler)
			r.Delete("/{id}/acl", a.unbindPublicIPACLHandler)
			r.Post("/{id}/acl/evaluate", a.evaluatePublicIPHandler)
			r.Get("/{id}/remote-access", a.getRemoteAccessHandler)
			r.Post("/{id}/remote-access", a.enableRemoteAccessHandler)
			r.Delete("/{id}/remote-access", a.disableRemoteAccessHandler)
		})

		r.Route("/routers", func(r chi.Router) {
			r.Get("/", a.listRoutersHandler)
			r.Post("/", a.createRouterHandler)
			r.Get("/{id}", a.getRouterHandler)
			r.Post("/{id}/probe", a.probeHandler)
		})

		r.Route("/vpn", func(r chi.Router) {
			r.Get("/customer-gateways", a.listCustomerGatewaysHandler)
			r.Post("/customer-gateways", a.createCustomerGatewayHandler)
			r.Delete("/customer-gateways/{id}", a.deleteCustomerGatewayHandler)

			r.Get("/gateways/{id}/connections", a.listConnectionsHandler)
			r.Post("/connections", a.connectHandler)
			r.Post("/connections/{id}/reset", a.resetHandler)
			r.Post("/connections/{id}/refresh", a.refreshHandler)
			r.Delete("/connections/{id}", a.deleteConnectionHandler)

			r.Get("/users", a.listUsersHandler)
			r.Post("/users", a.addUserHandler)
			r.Delete("/users/{username}", a.removeUserHandler)
		})
	})
}
