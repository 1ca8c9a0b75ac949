package sbnc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downstreamConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sbncng_downstream_connections_total",
		Help: "Number of accepted downstream client connections.",
	})
	downstreamRegistrationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sbncng_downstream_registrations_total",
		Help: "Number of downstream clients that completed registration.",
	})
	authenticationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sbncng_authentication_failures_total",
		Help: "Number of failed downstream authentication attempts.",
	})
	upstreamConnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sbncng_upstream_connects_total",
		Help: "Number of upstream connection attempts.",
	})
	upstreamDisconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sbncng_upstream_disconnects_total",
		Help: "Number of lost upstream connections.",
	})
	eventsDispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sbncng_events_dispatched_total",
		Help: "Number of event dispatches.",
	})
)
