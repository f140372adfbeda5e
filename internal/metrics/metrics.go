// Package metrics holds the Prometheus collectors exported by vpcd.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	labelNetwork    = "network"
	labelTargetKind = "target_kind"
	labelVerdict    = "verdict"
	labelVPC        = "vpc"
	labelRouter     = "router"
	labelRole       = "role"
	labelResult     = "result"
)

var (
	// AddressesLeased tracks leased addresses per network pool
	AddressesLeased = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpcd_ipam_addresses_leased",
			Help: "Number of addresses currently leased from a network pool.",
		},
		[]string{labelNetwork},
	)

	// AddressesFree tracks leasable addresses per network pool
	AddressesFree = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpcd_ipam_addresses_free",
			Help: "Number of addresses still available in a network pool.",
		},
		[]string{labelNetwork},
	)

	// ACLEvaluations counts ACL verdicts by kind of bound target
	ACLEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpcd_acl_evaluations_total",
			Help: "Number of packet tuples evaluated against ACL lists.",
		},
		[]string{labelTargetKind, labelVerdict},
	)

	// RouterRole is 1 for the role a router was last observed in, 0 otherwise
	RouterRole = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpcd_router_role",
			Help: "Last observed redundant state of a virtual router.",
		},
		[]string{labelVPC, labelRouter, labelRole},
	)

	// RouterProbeFailures counts probes that exhausted their retry budget
	RouterProbeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpcd_router_probe_failures_total",
			Help: "Number of router health probes that failed after all retries.",
		},
		[]string{labelRouter},
	)

	// TunnelNegotiations counts tunnel negotiation outcomes
	TunnelNegotiations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpcd_vpn_negotiations_total",
			Help: "Number of site-to-site tunnel negotiations by result.",
		},
		[]string{labelResult},
	)

	// Registry is the registry served on /metrics
	Registry = prometheus.NewRegistry()
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		AddressesLeased,
		AddressesFree,
		ACLEvaluations,
		RouterRole,
		RouterProbeFailures,
		TunnelNegotiations,
	)
}

// Handler serves the vpcd registry
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetRouterRole marks role as the current role of a router and clears the others
func SetRouterRole(vpc, router, role string, roles []string) {
	for _, r := range roles {
		v := 0.0
		if r == role {
			v = 1
		}
		RouterRole.WithLabelValues(vpc, router, r).Set(v)
	}
}
