// Package signature signs prekeys with the Ed25519 half of an identity.
package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

type KeyPair struct {
	Pub  []byte `json:"pub"`
	Priv []byte `json:"priv"`
}

func NewKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return KeyPair{Pub: pub, Priv: priv}, nil
}

func Sign(priv, message []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv), message)
}

// Verify reports false for malformed keys or signatures instead of panicking.
func Verify(pub, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}
