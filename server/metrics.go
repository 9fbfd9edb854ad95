package server

import (
	"github.com/dermesser/rdmarpc/layout"
	"github.com/dermesser/rdmarpc/metrics"
)

const subsystem = "server"

var (
	dispatched = metrics.NewCounter(
		"dispatched_messages",
		subsystem,
		"messages handed to handlers",
		[]string{"type"},
	)
	handlerFailures = metrics.NewCounter(
		"failed_requests",
		subsystem,
		"requests answered with a status other than OK",
		[]string{"status"},
	)
	queueLength = metrics.NewGauge(
		"queue",
		subsystem,
		"messages waiting for dispatch",
		[]string{},
	)
)

var typeNames = [layout.NumTypes]string{"p2p_request", "p2p_reply", "rpc_reply"}
