package client

import (
	"github.com/dermesser/rdmarpc/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "client"

var (
	requests = metrics.NewCounter(
		"requests",
		subsystem,
		"finished invocations",
		[]string{"status"},
	)
	latency = metrics.NewHistogramWithBuckets(
		"latency_seconds",
		subsystem,
		"latency since sending a request",
		[]string{"status"},
		prometheus.ExponentialBuckets(0.00001, 4, 10),
	)
	pendingGauge = metrics.NewGauge(
		"pending",
		subsystem,
		"invocations waiting for a reply",
		[]string{},
	)
	backpressureWaits = metrics.NewCounter(
		"backpressure_waits",
		subsystem,
		"requests that had to wait for a free slot",
		[]string{},
	)
	unknownReplies = metrics.NewCounter(
		"unknown_replies",
		subsystem,
		"replies without a pending invocation",
		[]string{},
	)
)
