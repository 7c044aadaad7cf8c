// Package account stores relay-side accounts: credentials, devices and the
// public key material devices publish for session setup.
package account

import (
	"context"
	"errors"
	"slices"

	"e2e_multidevice/internal/model"
)

var (
	ErrNotFound = errors.New("account not found")
	ErrExists   = errors.New("account already exists")
)

type (
	Device struct {
		ID             uint32                    `bson:"id"`
		Name           string                    `bson:"name,omitempty"`
		RegistrationID uint32                    `bson:"registrationId"`
		Created        int64                     `bson:"created"`
		LastSeen       int64                     `bson:"lastSeen"`
		PushToken      string                    `bson:"pushToken,omitempty"`
		SignedPreKey   *model.SignedPreKeyPublic `bson:"signedPreKey,omitempty"`
		PreKeys        []model.PreKeyPublic      `bson:"preKeys"`
	}

	Account struct {
		Name         string            `bson:"_id"`
		PasswordHash []byte            `bson:"passwordHash"`
		Salt         []byte            `bson:"salt"`
		IdentityKey  model.IdentityKey `bson:"identityKey,omitempty"`
		Devices      []Device          `bson:"devices"`
		Created      int64             `bson:"created"`
	}
)

// Repo is implemented by the Mongo and in-memory stores.
type Repo interface {
	Create(ctx context.Context, acc *Account) error
	Get(ctx context.Context, name string) (*Account, error)
	AddDevice(ctx context.Context, name string, dev Device) error
	// SetKeys stores the account identity key and replaces the signed
	// prekey and the prekeys of one device.
	SetKeys(ctx context.Context, name string, deviceID uint32, identity model.IdentityKey, spk model.SignedPreKeyPublic, preKeys []model.PreKeyPublic) error
	SetPushToken(ctx context.Context, name string, deviceID uint32, token string) error
	Touch(ctx context.Context, name string, deviceID uint32, at int64) error
	// PopPreKey removes and returns the oldest prekey of a device, nil when
	// none are left.
	PopPreKey(ctx context.Context, name string, deviceID uint32) (*model.PreKeyPublic, error)
}

func (a *Account) Device(id uint32) *Device {
	i := slices.IndexFunc(a.Devices, func(d Device) bool { return d.ID == id })
	if i < 0 {
		return nil
	}
	return &a.Devices[i]
}

// NextDeviceID is one past the highest device id ever listed.
func (a *Account) NextDeviceID() uint32 {
	var highest uint32
	for _, d := range a.Devices {
		highest = max(highest, d.ID)
	}
	return highest + 1
}

func (a *Account) DeviceIDs() []uint32 {
	ids := make([]uint32, 0, len(a.Devices))
	for _, d := range a.Devices {
		ids = append(ids, d.ID)
	}
	slices.Sort(ids)
	return ids
}

func (a *Account) clone() *Account {
	out := *a
	out.PasswordHash = slices.Clone(a.PasswordHash)
	out.Salt = slices.Clone(a.Salt)
	out.IdentityKey = slices.Clone(a.IdentityKey)
	out.Devices = make([]Device, len(a.Devices))
	for i, d := range a.Devices {
		d.PreKeys = slices.Clone(d.PreKeys)
		if d.SignedPreKey != nil {
			spk := *d.SignedPreKey
			d.SignedPreKey = &spk
		}
		out.Devices[i] = d
	}
	return &out
}
