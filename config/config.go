// Package config holds the settings of an rdmarpc node and loads them with viper.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/dermesser/rdmarpc/fabric"
	"github.com/dermesser/rdmarpc/layout"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment variables overriding config keys,
// e.g. RDMARPC_NODE_ID or RDMARPC_LAYOUT_REQUEST_WINDOW.
const EnvPrefix = "RDMARPC"

// Config is the complete configuration of a node.
type Config struct {
	NodeID uint32 `mapstructure:"node-id"`
	// Address the zmq fabric listens on, e.g. tcp://*:9000.
	Listen string `mapstructure:"listen"`
	// Node id -> fabric address of every peer.
	Peers map[string]string `mapstructure:"peers"`

	Layout   LayoutConfig   `mapstructure:"layout"`
	Poll     PollConfig     `mapstructure:"poll"`
	Security SecurityConfig `mapstructure:"security"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`

	// Default timeout of invocations made through the node's client.
	RequestTimeout time.Duration `mapstructure:"request-timeout"`
	// none, errors, warnings, info or debug.
	LogLevel string `mapstructure:"log-level"`
	// If set, every request and reply is logged to this file.
	RPCLog string `mapstructure:"rpc-log"`
}

// LayoutConfig determines the connection layout. It has to be identical on all nodes.
type LayoutConfig struct {
	RequestPayload  uint64 `mapstructure:"request-payload"`
	ReplyPayload    uint64 `mapstructure:"reply-payload"`
	RPCReplyPayload uint64 `mapstructure:"rpc-reply-payload"`
	RequestWindow   uint64 `mapstructure:"request-window"`
	ReplyWindow     uint64 `mapstructure:"reply-window"`
	RPCReplyWindow  uint64 `mapstructure:"rpc-reply-window"`
}

// PollConfig controls how the receive thread idles.
type PollConfig struct {
	// Empty poll passes before the receive thread starts sleeping.
	IdleSpins int `mapstructure:"idle-spins"`
	// Sleep between empty passes once idle; 0 spins forever.
	IdleSleep time.Duration `mapstructure:"idle-sleep"`
}

// SecurityConfig enables CURVE encryption of the zmq fabric if PublicKey is set.
type SecurityConfig struct {
	PublicKey  string `mapstructure:"public-key"`
	PrivateKey string `mapstructure:"private-key"`
	// Node id -> file containing that node's public key.
	PeerKeys map[string]string `mapstructure:"peer-keys"`
	// IP addresses or ranges allowed to push to this node. Exclusive with DenyAddresses.
	AllowAddresses []string `mapstructure:"allow-addresses"`
	DenyAddresses  []string `mapstructure:"deny-addresses"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// DefaultConfig returns a config for a single node with a modest layout.
func DefaultConfig() Config {
	return Config{
		NodeID: 1,
		Listen: "tcp://*:9000",
		Peers:  map[string]string{},
		Layout: LayoutConfig{
			RequestPayload:  4096,
			ReplyPayload:    4096,
			RPCReplyPayload: 4096,
			RequestWindow:   16,
			ReplyWindow:     16,
			RPCReplyWindow:  16,
		},
		Poll: PollConfig{
			IdleSpins: 1000,
			IdleSleep: 100 * time.Microsecond,
		},
		Security: SecurityConfig{PeerKeys: map[string]string{}},
		Metrics: MetricsConfig{
			Listen: ":9090",
		},
		RequestTimeout: 10 * time.Second,
		LogLevel:       "errors",
	}
}

// Load reads the config file at path (if not empty), applies environment overrides and
// fills everything else from DefaultConfig().
func Load(path string) (Config, error) {
	return LoadViper(viper.New(), path)
}

// LoadViper is Load on a caller-provided viper instance, e.g. one with bound flags.
func LoadViper(v *viper.Viper, path string) (Config, error) {
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, errors.Wrap(err, "failed to read config file")
		}
	}

	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return cfg, errors.Wrap(err, "unmarshal config")
	}
	return cfg, cfg.Validate()
}

// Registers every key so environment variables and bound flags are seen by Unmarshal.
func setDefaults(v *viper.Viper, cfg Config) {
	var flat map[string]interface{}
	if err := mapstructure.Decode(cfg, &flat); err != nil {
		return
	}
	setNested(v, "", flat)
}

func setNested(v *viper.Viper, prefix string, m map[string]interface{}) {
	for k, val := range m {
		key := prefix + k
		if sub, ok := val.(map[string]interface{}); ok && len(sub) > 0 {
			setNested(v, key+".", sub)
			continue
		}
		switch val.(type) {
		case LayoutConfig, PollConfig, SecurityConfig, MetricsConfig:
			var sub map[string]interface{}
			if err := mapstructure.Decode(val, &sub); err == nil {
				setNested(v, key+".", sub)
			}
		case map[string]string, map[string]interface{}, []string:
			// Tables only come from the config file.
		default:
			v.SetDefault(key, val)
		}
	}
}

// Params returns the layout parameters for slots that start with headerSpace bytes of header.
func (c LayoutConfig) Params(headerSpace uint64) layout.Params {
	return layout.Params{
		HeaderSpace:     headerSpace,
		MaxPayloadSizes: [layout.NumTypes]uint64{c.RequestPayload, c.ReplyPayload, c.RPCReplyPayload},
		WindowSizes:     [layout.NumTypes]uint64{c.RequestWindow, c.ReplyWindow, c.RPCReplyWindow},
	}
}

func (c Config) Validate() error {
	if c.NodeID == 0 {
		return errors.New("node-id must not be 0")
	}
	if c.Layout.ReplyWindow < c.Layout.RequestWindow {
		return errors.Errorf("reply-window %d smaller than request-window %d",
			c.Layout.ReplyWindow, c.Layout.RequestWindow)
	}
	if c.RequestTimeout <= 0 {
		return errors.Errorf("request-timeout must be positive, is %s", c.RequestTimeout)
	}
	if len(c.Security.AllowAddresses) > 0 && len(c.Security.DenyAddresses) > 0 {
		return errors.New("security: set either allow-addresses or deny-addresses")
	}
	if _, err := c.PeerAddresses(); err != nil {
		return err
	}
	return nil
}

func parseNodeID(s string) (fabric.NodeID, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "bad node id %q", s)
	}
	return fabric.NodeID(id), nil
}

// PeerAddresses parses the peer table. The node itself may be listed; it is skipped.
func (c Config) PeerAddresses() (map[fabric.NodeID]fabric.Address, error) {
	peers := make(map[fabric.NodeID]fabric.Address, len(c.Peers))
	for k, addr := range c.Peers {
		id, err := parseNodeID(k)
		if err != nil {
			return nil, err
		}
		if id == fabric.NodeID(c.NodeID) {
			continue
		}
		a, err := fabric.ParseAddress(addr)
		if err != nil {
			return nil, errors.Wrapf(err, "peer %d", id)
		}
		peers[id] = a
	}
	return peers, nil
}

// PeerKeyFiles parses the node ids of Security.PeerKeys.
func (c Config) PeerKeyFiles() (map[fabric.NodeID]string, error) {
	files := make(map[fabric.NodeID]string, len(c.Security.PeerKeys))
	for k, file := range c.Security.PeerKeys {
		id, err := parseNodeID(k)
		if err != nil {
			return nil, err
		}
		files[id] = file
	}
	return files, nil
}
