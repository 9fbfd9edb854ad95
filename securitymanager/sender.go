package securitymanager

import (
	"github.com/pebbe/zmq4"
	"github.com/pkg/errors"
)

// Sender encrypts the sockets a node pushes its writes through.
type Sender struct {
	KeyPair
}

// NewSender returns a Sender with a fresh key pair. Nodes usually share one pair between
// their Receiver and their Sender; use SenderFor in that case.
func NewSender() (*Sender, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Sender{KeyPair: kp}, nil
}

func SenderFor(kp KeyPair) *Sender {
	return &Sender{KeyPair: kp}
}

// Apply configures sock as CURVE client of the peer with public key peerKey. It must be
// called before Connect. A nil Sender leaves the socket in plain text.
func (s *Sender) Apply(sock *zmq4.Socket, peerKey string) error {
	if s == nil {
		return nil
	}
	if !s.complete() {
		return ErrNoKeys
	}
	if peerKey == "" {
		return errors.New("public key of the peer is unknown")
	}

	t, err := sock.GetType()
	if err != nil {
		return err
	}
	if t != zmq4.PUSH {
		return errors.Errorf("sending socket must be PUSH, not %s", t)
	}

	return sock.ClientAuthCurve(peerKey, s.Public, s.Private)
}
