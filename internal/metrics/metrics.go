// Package metrics holds the prometheus collectors exported through the debug
// listener.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// SocketRequests counts line-protocol requests by method and status code.
	SocketRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "accountsd",
		Subsystem: "socket",
		Name:      "requests_total",
		Help:      "Line-protocol requests by method and response status.",
	}, []string{"method", "status"})

	// UpstreamRequests counts Accounts API calls by view and outcome.
	UpstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "accountsd",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Accounts API requests by view and outcome.",
	}, []string{"view", "outcome"})

	// Refreshes counts cache refreshes by outcome.
	Refreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "accountsd",
		Subsystem: "cache",
		Name:      "refreshes_total",
		Help:      "Account snapshot refreshes by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(SocketRequests, UpstreamRequests, Refreshes)
}
