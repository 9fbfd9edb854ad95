package fabric

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// A ZeroMQ endpoint: TCP/IP, IPC path or in-process name
type Address struct {
	host string
	port uint

	path   string
	inproc string
}

// Construct a new TCP address.
func TCPAddress(host string, port uint) Address {
	return Address{host: host, port: port}
}

func IPCAddress(path string) Address {
	return Address{path: path}
}

// In-process endpoint; only reachable from the same process.
func InprocAddress(name string) Address {
	return Address{inproc: name}
}

// ParseAddress accepts tcp://host:port, ipc://path and inproc://name.
func ParseAddress(s string) (Address, error) {
	switch {
	case strings.HasPrefix(s, "tcp://"):
		hostport := strings.TrimPrefix(s, "tcp://")
		i := strings.LastIndex(hostport, ":")
		if i < 0 {
			return Address{}, errors.Errorf("missing port in %q", s)
		}
		port, err := strconv.ParseUint(hostport[i+1:], 10, 16)
		if err != nil {
			return Address{}, errors.Wrapf(err, "bad port in %q", s)
		}
		return TCPAddress(strings.Trim(hostport[:i], "[]"), uint(port)), nil
	case strings.HasPrefix(s, "ipc://"):
		return IPCAddress(strings.TrimPrefix(s, "ipc://")), nil
	case strings.HasPrefix(s, "inproc://"):
		return InprocAddress(strings.TrimPrefix(s, "inproc://")), nil
	}
	return Address{}, errors.Errorf("unsupported address %q", s)
}

func (a Address) URL() string {
	if a.host != "" {
		if strings.Contains(a.host, ":") {
			return fmt.Sprintf("tcp://[%s]:%d", a.host, a.port)
		}
		return fmt.Sprintf("tcp://%s:%d", a.host, a.port)
	} else if a.path != "" {
		return fmt.Sprintf("ipc://%s", a.path)
	} else if a.inproc != "" {
		return fmt.Sprintf("inproc://%s", a.inproc)
	}
	return ""
}

func (a Address) String() string {
	if a.host != "" {
		return fmt.Sprintf("%s:%d", a.host, a.port)
	} else if a.path != "" {
		return a.path
	}
	return a.inproc
}

func (a Address) IsZero() bool {
	return a == Address{}
}
