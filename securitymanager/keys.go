/*
Package securitymanager holds the CURVE material of the zmq fabric.

Every node owns one key pair. Its Receiver applies the pair to the PULL socket into which
peers push their remote writes; its Sender applies the same pair to every PUSH socket,
together with the public key of the peer the socket connects to. Keys are Z85 strings of
40 characters, stored one per file.
*/
package securitymanager

import (
	"os"
	"strings"

	"github.com/pebbe/zmq4"
	"github.com/pkg/errors"
)

// Length of a Z85-encoded CURVE key.
const z85KeyLength = 40

var ErrNoKeys = errors.New("key pair is incomplete")

type KeyPair struct {
	Public, Private string
}

// GenerateKeyPair returns a fresh CURVE key pair.
func GenerateKeyPair() (KeyPair, error) {
	public, private, err := zmq4.NewCurveKeypair()
	if err != nil {
		return KeyPair{}, errors.Wrap(err, "could not generate key pair")
	}
	return KeyPair{Public: public, Private: private}, nil
}

func (kp KeyPair) complete() bool {
	return kp.Public != "" && kp.Private != ""
}

// LoadKeys replaces the keys with the contents of publicFile and privateFile. An empty
// file name leaves that key as it is.
func (kp *KeyPair) LoadKeys(publicFile, privateFile string) error {
	var err error
	if publicFile != "" {
		if kp.Public, err = ReadKey(publicFile); err != nil {
			return err
		}
	}
	if privateFile != "" {
		if kp.Private, err = ReadKey(privateFile); err != nil {
			return err
		}
	}
	return nil
}

// WriteKeys stores the pair; an empty file name skips that key.
func (kp KeyPair) WriteKeys(publicFile, privateFile string) error {
	if publicFile != "" {
		if err := writeKey(publicFile, kp.Public, 0644); err != nil {
			return err
		}
	}
	if privateFile != "" {
		if err := writeKey(privateFile, kp.Private, 0600); err != nil {
			return err
		}
	}
	return nil
}

// ReadKey reads one Z85 key, e.g. the public key of a peer.
func ReadKey(filename string) (string, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return "", errors.Wrap(err, "could not read key")
	}

	key := strings.TrimSpace(string(content))
	if len(key) != z85KeyLength {
		return "", errors.Errorf("%s: key has %d characters, expected %d", filename, len(key), z85KeyLength)
	}
	return key, nil
}

func writeKey(filename, key string, mode os.FileMode) error {
	if len(key) != z85KeyLength {
		return errors.Errorf("refusing to write key of length %d", len(key))
	}
	return errors.Wrap(os.WriteFile(filename, []byte(key), mode), "could not write key")
}
