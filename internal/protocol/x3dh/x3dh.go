// Package x3dh derives the secret two devices share when one of them starts
// a session from the other's published prekey bundle.
package x3dh

import (
	"bytes"
	"fmt"

	"e2e_multidevice/internal/cryptographic/dh"
	"e2e_multidevice/internal/cryptographic/kdf"
)

const SecretSize = 32

var info = []byte("e2e_multidevice/x3dh")

type (
	// Initiator holds the keys of the device that fetched the bundle.
	Initiator struct {
		IdentityPriv  [dh.KeySize]byte
		EphemeralPriv [dh.KeySize]byte

		RemoteIdentity     [dh.KeySize]byte
		RemoteSignedPreKey [dh.KeySize]byte
		// RemoteOneTimePreKey is nil when the bundle carried none.
		RemoteOneTimePreKey *[dh.KeySize]byte
	}

	// Responder holds the keys of the device whose bundle was used.
	Responder struct {
		RemoteIdentity  [dh.KeySize]byte
		RemoteEphemeral [dh.KeySize]byte

		IdentityPriv      [dh.KeySize]byte
		SignedPreKeyPriv  [dh.KeySize]byte
		OneTimePreKeyPriv *[dh.KeySize]byte
	}

	agreement struct {
		priv, pub [dh.KeySize]byte
	}
)

// Initiate computes the shared secret on the initiating side.
func Initiate(k *Initiator) ([]byte, error) {
	steps := []agreement{
		{k.IdentityPriv, k.RemoteSignedPreKey},
		{k.EphemeralPriv, k.RemoteIdentity},
		{k.EphemeralPriv, k.RemoteSignedPreKey},
	}
	if k.RemoteOneTimePreKey != nil {
		steps = append(steps, agreement{k.EphemeralPriv, *k.RemoteOneTimePreKey})
	}
	return derive(steps)
}

// Respond computes the same secret on the responding side.
func Respond(k *Responder) ([]byte, error) {
	steps := []agreement{
		{k.SignedPreKeyPriv, k.RemoteIdentity},
		{k.IdentityPriv, k.RemoteEphemeral},
		{k.SignedPreKeyPriv, k.RemoteEphemeral},
	}
	if k.OneTimePreKeyPriv != nil {
		steps = append(steps, agreement{*k.OneTimePreKeyPriv, k.RemoteEphemeral})
	}
	return derive(steps)
}

// derive runs HKDF over 32 0xFF bytes followed by every DH output in order.
func derive(steps []agreement) ([]byte, error) {
	ikm := bytes.Repeat([]byte{0xff}, dh.KeySize)
	for i, s := range steps {
		out, err := dh.SharedSecret(s.priv, s.pub)
		if err != nil {
			return nil, fmt.Errorf("dh%d: %w", i+1, err)
		}
		ikm = append(ikm, out...)
	}

	secret := make([]byte, SecretSize)
	if _, err := kdf.HKDF(ikm, make([]byte, SecretSize), info, secret); err != nil {
		return nil, err
	}
	return secret, nil
}
