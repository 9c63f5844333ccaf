// Package metrics holds the prometheus collectors shared by the kernel components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "connect"

var (
	RuleUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_updates_total",
		Help:      "Session rule replace operations by result",
	}, []string{"result"})

	TrackedContexts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_contexts",
		Help:      "Browsing contexts currently tracked",
	})

	EndpointProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "endpoint_probes_total",
		Help:      "Chain id probes issued for observed RPC endpoints by result",
	}, []string{"result"})

	BridgeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bridge_requests_total",
		Help:      "Bridged provider requests handled by the host by outcome",
	}, []string{"outcome"})

	ProtocolViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bridge_protocol_violations_total",
		Help:      "Bridge messages dropped or rejected at the boundary",
	}, []string{"reason"})

	ForkProvisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fork_provisions_total",
		Help:      "Fork provisioning attempts by result",
	}, []string{"result"})

	ForkRoutes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fork_routes_total",
		Help:      "Provider calls by routing decision",
	}, []string{"route"})

	SignatureRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signature_requests_total",
		Help:      "Signature approval flows by outcome",
	}, []string{"outcome"})

	SimulatedTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "simulated_transactions_total",
		Help:      "Wrapped transactions forwarded to the fork by result",
	}, []string{"result"})

	ProxiedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proxied_requests_total",
		Help:      "Requests passing through the host platform by applied action",
	}, []string{"action"})
)
