package model

import (
	"bytes"
	"fmt"
)

const (
	agreementKeySize = 32
	IdentityKeySize  = 64
)

type (
	// IdentityKey is the public identity offered to peers: the X25519
	// agreement key followed by the Ed25519 key that signs prekeys.
	IdentityKey []byte

	SignedPreKeyPublic struct {
		KeyID     uint32 `json:"keyId"`
		PublicKey []byte `json:"publicKey"`
		Signature []byte `json:"signature"`
	}

	PreKeyPublic struct {
		KeyID     uint32 `json:"keyId"`
		PublicKey []byte `json:"publicKey"`
	}

	// DeviceKeys is one device entry of a key fetch response.
	DeviceKeys struct {
		DeviceID       uint32              `json:"deviceId"`
		RegistrationID uint32              `json:"registrationId"`
		SignedPreKey   *SignedPreKeyPublic `json:"signedPreKey"`
		PreKey         *PreKeyPublic       `json:"preKey,omitempty"`
	}

	// KeysResponse answers GET /v2/keys/{name}/{device}.
	KeysResponse struct {
		IdentityKey IdentityKey  `json:"identityKey"`
		Devices     []DeviceKeys `json:"devices"`
	}

	// PreKeyBundle is what the session builder needs for one device.
	PreKeyBundle struct {
		Address        Address
		RegistrationID uint32
		IdentityKey    IdentityKey
		SignedPreKey   SignedPreKeyPublic
		PreKey         *PreKeyPublic
	}

	// KeysUpload is the body of PUT /v2/keys.
	KeysUpload struct {
		IdentityKey  IdentityKey        `json:"identityKey"`
		SignedPreKey SignedPreKeyPublic `json:"signedPreKey"`
		PreKeys      []PreKeyPublic     `json:"preKeys"`
	}

	PreKeyCount struct {
		Count int `json:"count"`
	}
)

func NewIdentityKey(agreement [agreementKeySize]byte, signing []byte) IdentityKey {
	k := make(IdentityKey, 0, IdentityKeySize)
	k = append(k, agreement[:]...)
	return append(k, signing...)
}

func (k IdentityKey) Validate() error {
	if len(k) != IdentityKeySize {
		return fmt.Errorf("identity key must be %d bytes, got %d", IdentityKeySize, len(k))
	}
	return nil
}

func (k IdentityKey) Agreement() [agreementKeySize]byte {
	var out [agreementKeySize]byte
	copy(out[:], k)
	return out
}

func (k IdentityKey) Signing() []byte {
	if len(k) < IdentityKeySize {
		return nil
	}
	return k[agreementKeySize:IdentityKeySize]
}

func (k IdentityKey) Equal(o IdentityKey) bool {
	return bytes.Equal(k, o)
}

// Bundles expands a key response into one bundle per device.
func (r *KeysResponse) Bundles(name string) []PreKeyBundle {
	out := make([]PreKeyBundle, 0, len(r.Devices))
	for _, d := range r.Devices {
		if d.SignedPreKey == nil {
			continue
		}
		out = append(out, PreKeyBundle{
			Address:        Address{Name: name, DeviceID: d.DeviceID},
			RegistrationID: d.RegistrationID,
			IdentityKey:    r.IdentityKey,
			SignedPreKey:   *d.SignedPreKey,
			PreKey:         d.PreKey,
		})
	}
	return out
}
