/*
Rdmarpc is the peer-to-peer messaging layer of a group of replicated processes. Every pair of
nodes shares a set of ring buffers in registered memory; a node sends a message by writing it
directly into a slot of the receiver's ring, and the receiver notices it by polling the slot's
commit marker. There is no receiver-side completion event.

Three message types travel between nodes, each with its own ring and sequence numbers:

	P2PRequest   requests from the client of one node to the handlers of another
	P2PReply     the reply to exactly one P2PRequest
	RPCReply     replies from external RPC processing

A node is assembled from these packages:

	layout   the slot layout shared by all nodes (checked at connect time)
	fabric   registered memory and one-sided writes (in-process or over ZeroMQ)
	p2p      the connections to peers and the thread polling them
	server   the dispatcher that hands received messages to handlers, one at a time
	client   invocation of peers' handlers with flow control and timeouts

New() wires them together:

	cfg, _ := config.Load("node.toml")
	provider, _ := rdmarpc.NewZMQProvider(cfg)
	node, _ := rdmarpc.New(cfg, provider)

	node.Server().RegisterHandler(OpcodeEcho, func(ctx *server.Context) {
		ctx.Success(ctx.GetInput())
	})
	node.Start(context.Background())
	node.AddPeers(2, 3)

	rsp, err := node.Client().Invoke(ctx, 2, OpcodeEcho, []byte("hello"))

Handlers run on the dispatcher goroutine, which also delivers replies. A handler must not
synchronously invoke another node; use InvokeAsync() from a handler instead.
*/
package rdmarpc
