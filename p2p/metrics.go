package p2p

import (
	"github.com/dermesser/rdmarpc/layout"
	"github.com/dermesser/rdmarpc/metrics"
)

const (
	subsystem = "p2p"
	typeLabel = "type"
)

var (
	sentMessages = metrics.NewCounter(
		"sent_messages",
		subsystem,
		"messages written to peers",
		[]string{typeLabel},
	)
	receivedMessages = metrics.NewCounter(
		"received_messages",
		subsystem,
		"messages consumed from peers",
		[]string{typeLabel},
	)
	windowFull = metrics.NewCounter(
		"window_full",
		subsystem,
		"reservations refused because the request window was full",
		[]string{},
	)
	protocolViolations = metrics.NewCounter(
		"protocol_violations",
		subsystem,
		"connections dropped because of a protocol violation",
		[]string{},
	)
	connectedPeers = metrics.NewGauge(
		"connected_peers",
		subsystem,
		"peers with an open connection",
		[]string{},
	)
)

var typeNames = [layout.NumTypes]string{"p2p_request", "p2p_reply", "rpc_reply"}
