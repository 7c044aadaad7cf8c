// Package dh wraps X25519 key agreement.
package dh

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const KeySize = 32

type KeyPair struct {
	Priv [KeySize]byte `json:"priv"`
	Pub  [KeySize]byte `json:"pub"`
}

// NewKeyPair draws a clamped private scalar and derives its public point.
func NewKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Priv[:]); err != nil {
		return KeyPair{}, fmt.Errorf("generate x25519 key: %w", err)
	}
	kp.Priv[0] &= 248
	kp.Priv[31] &= 127
	kp.Priv[31] |= 64
	kp.Pub = PublicKey(kp.Priv)
	return kp, nil
}

// SharedSecret is priv * pub. It fails when pub is a low-order point.
func SharedSecret(priv, pub [KeySize]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

func PublicKey(priv [KeySize]byte) [KeySize]byte {
	var pub [KeySize]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return pub
}

// FromSlice copies a wire-encoded public key into a key array.
func FromSlice(b []byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	if len(b) != KeySize {
		return out, fmt.Errorf("bad x25519 key length %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
