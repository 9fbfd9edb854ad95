package securitymanager

import (
	"github.com/pebbe/zmq4"
	"github.com/pkg/errors"
)

// ZAP domain of the fabric's PULL socket; a node binds only one.
const ZAPDomain = "rdmarpc.fabric"

// Receiver guards the socket that peers write into. Without peer keys any key pair may
// connect, but traffic is encrypted either way. Addresses are filtered additionally, by an
// allow list or a deny list.
type Receiver struct {
	KeyPair

	peerKeys []string
	allow    []string
	deny     []string
}

// NewReceiver returns a Receiver with a fresh key pair.
func NewReceiver() (*Receiver, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Receiver{KeyPair: kp}, nil
}

// AllowPeers restricts writers to these public keys.
func (r *Receiver) AllowPeers(keys ...string) {
	r.peerKeys = append(r.peerKeys, keys...)
}

// AllowAnyPeer drops the key restriction again.
func (r *Receiver) AllowAnyPeer() {
	r.peerKeys = nil
}

// AllowAddresses only admits writers from these addresses or ranges. It clears a deny list.
func (r *Receiver) AllowAddresses(addrs ...string) {
	r.deny = nil
	r.allow = append(r.allow, addrs...)
}

// DenyAddresses rejects writers from these addresses or ranges. It clears an allow list.
func (r *Receiver) DenyAddresses(addrs ...string) {
	r.allow = nil
	r.deny = append(r.deny, addrs...)
}

// Apply starts the ZAP handler and configures sock as CURVE server. It must be called before
// Bind. A nil Receiver leaves the socket in plain text.
func (r *Receiver) Apply(sock *zmq4.Socket) error {
	if r == nil {
		return nil
	}
	if !r.complete() {
		return ErrNoKeys
	}

	t, err := sock.GetType()
	if err != nil {
		return err
	}
	if t != zmq4.PULL {
		return errors.Errorf("receiving socket must be PULL, not %s", t)
	}

	// Fails if the handler is already running, which is fine.
	zmq4.AuthStart()

	switch {
	case r.allow != nil:
		zmq4.AuthAllow(ZAPDomain, r.allow...)
	case r.deny != nil:
		zmq4.AuthDeny(ZAPDomain, r.deny...)
	}

	if r.peerKeys != nil {
		zmq4.AuthCurveAdd(ZAPDomain, r.peerKeys...)
	} else {
		zmq4.AuthCurveAdd(ZAPDomain, zmq4.CURVE_ALLOW_ANY)
	}

	return sock.ServerAuthCurve(ZAPDomain, r.Private)
}

// Stop stops the ZAP handler. Nothing happens on a nil Receiver.
func (r *Receiver) Stop() {
	if r == nil {
		return
	}
	zmq4.AuthStop()
}
