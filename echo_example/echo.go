/*
Use either as

	$ echo serve --config node1.toml

or

	$ echo call --config node2.toml 1 helloworld

Both nodes need each other in the peers table of their config, since replies travel over
the callee's connection to the caller.
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dermesser/rdmarpc"
	"github.com/dermesser/rdmarpc/config"
	"github.com/dermesser/rdmarpc/fabric"
	"github.com/dermesser/rdmarpc/metrics"
	"github.com/dermesser/rdmarpc/server"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	opEcho server.Opcode = iota + 1
	opError
)

var (
	configFile string
	v          = viper.New()
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "load configuration from file")
	flags.Uint32("node-id", 0, "id of this node")
	flags.String("listen", "", "fabric address to listen on, e.g. tcp://*:9000")
	flags.String("log-level", "", "none, errors, warnings, info or debug")
	flags.String("rpc-log", "", "log every request and reply to this file")

	for _, name := range []string{"node-id", "listen", "log-level", "rpc-log"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(serveCmd, callCmd)
}

var rootCmd = &cobra.Command{
	Use:   "echo",
	Short: "echo server and client on top of rdmarpc",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "answer echo requests until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		node, cfg, err := startNode()
		if err != nil {
			return err
		}
		defer node.Stop()

		if cfg.Metrics.Enabled {
			srv := metrics.StartCollectingMetrics(cfg.Metrics.Listen)
			defer srv.Close()
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Println("Node", node.ID(), "serving on", cfg.Listen)
		<-ctx.Done()
		return nil
	},
}

var callCmd = &cobra.Command{
	Use:   "call <node> <text>",
	Short: "send text to the echo handler of node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("bad node id %q: %w", args[0], err)
		}
		node, _, err := startNode()
		if err != nil {
			return err
		}
		defer node.Stop()

		rsp, err := node.Client().Invoke(cmd.Context(), fabric.NodeID(peer), opEcho, []byte(args[1]))
		if err != nil {
			return err
		}
		fmt.Println("Received response:", string(rsp), len(rsp))

		_, err = node.Client().Invoke(cmd.Context(), fabric.NodeID(peer), opError, []byte(args[1]))
		fmt.Println("Error endpoint returned:", err)
		return nil
	},
}

func echoHandler(ctx *server.Context) {
	fmt.Println("Called echoHandler from node", ctx.Sender(), ":", string(ctx.GetInput()), len(ctx.GetInput()))
	ctx.Success(ctx.GetInput())
}

func errorReturningHandler(ctx *server.Context) {
	ctx.Fail("Some error occurred in handler, abort")
}

func startNode() (*rdmarpc.Node, config.Config, error) {
	cfg, err := config.LoadViper(v, configFile)
	if err != nil {
		return nil, cfg, err
	}

	provider, err := rdmarpc.NewZMQProvider(cfg)
	if err != nil {
		return nil, cfg, err
	}
	node, err := rdmarpc.New(cfg, provider)
	if err != nil {
		provider.Close()
		return nil, cfg, err
	}

	node.Server().RegisterHandler(opEcho, echoHandler)
	node.Server().RegisterHandler(opError, errorReturningHandler)

	if err = node.Start(context.Background()); err != nil {
		node.Stop()
		return nil, cfg, err
	}

	peers, err := cfg.PeerAddresses()
	if err != nil {
		node.Stop()
		return nil, cfg, err
	}
	for id := range peers {
		if err = node.AddPeer(id); err != nil {
			node.Stop()
			return nil, cfg, err
		}
	}
	return node, cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
