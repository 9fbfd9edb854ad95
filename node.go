package rdmarpc

import (
	"context"
	"fmt"

	"github.com/dermesser/rdmarpc/client"
	"github.com/dermesser/rdmarpc/config"
	"github.com/dermesser/rdmarpc/fabric"
	"github.com/dermesser/rdmarpc/layout"
	"github.com/dermesser/rdmarpc/log"
	"github.com/dermesser/rdmarpc/p2p"
	smgr "github.com/dermesser/rdmarpc/securitymanager"
	"github.com/dermesser/rdmarpc/server"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

/*
A Node is one member of the group: it owns the connections to its peers, answers their
requests and invokes their handlers.
*/
type Node struct {
	id       fabric.NodeID
	layout   *layout.Layout
	provider fabric.Provider

	mgr    *p2p.Manager
	srv    *server.Server
	client *client.Client

	rpclogger *zap.Logger
}

// New wires a node on top of provider. The node owns provider and closes it in Stop().
func New(cfg config.Config, provider fabric.Provider) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ll, err := log.ParseLoglevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log.SetLoglevel(ll)

	l, err := layout.New(cfg.Layout.Params(p2p.HeaderSize))
	if err != nil {
		return nil, err
	}

	n := &Node{id: fabric.NodeID(cfg.NodeID), layout: l, provider: provider}

	n.srv = server.NewServer(nil)
	n.mgr = p2p.NewManager(n.id, l, provider, n.srv,
		p2p.WithIdleSleep(cfg.Poll.IdleSpins, cfg.Poll.IdleSleep),
		p2p.OnPeerFailure(n.peerFailed))
	n.srv.SetSender(n.mgr)

	n.client = client.NewClient(fmt.Sprintf("node%d", n.id), n.mgr)
	n.client.SetDefaultParams(client.NewParams().Timeout(cfg.RequestTimeout))
	n.srv.SetReplyHandler(layout.P2PReply, n.client.HandleReply)

	if cfg.RPCLog != "" {
		zcfg := zap.NewProductionConfig()
		zcfg.OutputPaths = []string{cfg.RPCLog}
		n.rpclogger, err = zcfg.Build()
		if err != nil {
			return nil, errors.Wrap(err, "could not open rpc log")
		}
		n.rpclogger = n.rpclogger.With(zap.Uint32("node", cfg.NodeID))
		n.srv.SetRPCLogger(n.rpclogger.Named("server"))
		n.client.SetRPCLogger(n.rpclogger.Named("client"))
	}
	return n, nil
}

/*
NewZMQProvider creates the zmq fabric described by cfg: it listens on cfg.Listen and
reaches the nodes in cfg.Peers. If a key pair is configured, all pipes use CURVE and only
the configured peer keys are admitted.
*/
func NewZMQProvider(cfg config.Config) (*fabric.ZMQProvider, error) {
	listen, err := fabric.ParseAddress(cfg.Listen)
	if err != nil {
		return nil, err
	}
	peers, err := cfg.PeerAddresses()
	if err != nil {
		return nil, err
	}

	var opts []fabric.ZMQOpt
	if cfg.Security.PublicKey != "" {
		opt, err := securityFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	}
	return fabric.NewZMQProvider(fabric.NodeID(cfg.NodeID), listen, peers, opts...)
}

func securityFromConfig(cfg config.Config) (fabric.ZMQOpt, error) {
	var kp smgr.KeyPair
	if err := kp.LoadKeys(cfg.Security.PublicKey, cfg.Security.PrivateKey); err != nil {
		return nil, err
	}
	receiver := &smgr.Receiver{KeyPair: kp}

	files, err := cfg.PeerKeyFiles()
	if err != nil {
		return nil, err
	}
	peerKeys := make(map[fabric.NodeID]string, len(files))
	for id, file := range files {
		key, err := smgr.ReadKey(file)
		if err != nil {
			return nil, errors.Wrapf(err, "key of node %d", id)
		}
		peerKeys[id] = key
		receiver.AllowPeers(key)
	}
	if len(cfg.Security.AllowAddresses) > 0 {
		receiver.AllowAddresses(cfg.Security.AllowAddresses...)
	} else if len(cfg.Security.DenyAddresses) > 0 {
		receiver.DenyAddresses(cfg.Security.DenyAddresses...)
	}
	return fabric.WithSecurity(receiver, smgr.SenderFor(kp), peerKeys), nil
}

func (n *Node) ID() fabric.NodeID         { return n.id }
func (n *Node) Layout() *layout.Layout    { return n.layout }
func (n *Node) Client() *client.Client    { return n.client }
func (n *Node) Server() *server.Server    { return n.srv }
func (n *Node) Manager() *p2p.Manager     { return n.mgr }
func (n *Node) Provider() fabric.Provider { return n.provider }

// Start runs the dispatcher and the receive thread. Register handlers before.
func (n *Node) Start(ctx context.Context) error {
	if err := n.srv.Start(); err != nil {
		return err
	}
	if err := n.mgr.Start(ctx); err != nil {
		n.srv.Stop()
		return err
	}
	log.Log(log.LOGLEVEL_INFO, "Node", n.id, "is up")
	return nil
}

/*
Stop tears the node down: first the dispatcher, which refuses the requests still queued, then
the receive thread (connections are closed once it has exited), and finally the fabric.
Pending invocations are failed.
*/
func (n *Node) Stop() error {
	n.srv.Stop()
	err := n.mgr.Stop()

	n.client.FailAll(p2p.ErrClosed)
	if perr := n.provider.Close(); perr != nil && err == nil {
		err = perr
	}
	if n.rpclogger != nil {
		n.rpclogger.Sync()
	}
	return err
}

// AddPeer connects to a new member. Adding a connected peer does nothing. Adding the node's
// own id sets up a loopback connection, through which it can invoke its own handlers.
func (n *Node) AddPeer(id fabric.NodeID) error {
	return n.mgr.AddPeer(id)
}

// AddPeers connects to all of ids, stopping at the first error.
func (n *Node) AddPeers(ids ...fabric.NodeID) error {
	for _, id := range ids {
		if err := n.AddPeer(id); err != nil {
			return errors.Wrapf(err, "connecting to node %d", id)
		}
	}
	return nil
}

// RemovePeer disconnects a member that left the group; its pending invocations fail.
func (n *Node) RemovePeer(id fabric.NodeID) error {
	err := n.mgr.RemovePeer(id)
	n.client.FailPeer(id, errors.Errorf("node %d was removed", id))
	return err
}

func (n *Node) peerFailed(id fabric.NodeID, cause error) {
	if failed := n.client.FailPeer(id, cause); failed > 0 {
		log.Log(log.LOGLEVEL_WARNINGS, "Failed", failed, "invocations of node", id)
	}
}
