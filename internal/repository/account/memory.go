package account

import (
	"context"
	"slices"
	"sync"

	"e2e_multidevice/internal/model"
)

type MemoryRepo struct {
	mu       sync.Mutex
	accounts map[string]*Account
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{accounts: make(map[string]*Account)}
}

func (r *MemoryRepo) Create(_ context.Context, acc *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[acc.Name]; ok {
		return ErrExists
	}
	r.accounts[acc.Name] = acc.clone()
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, name string) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, ok := r.accounts[name]
	if !ok {
		return nil, ErrNotFound
	}
	return acc.clone(), nil
}

func (r *MemoryRepo) AddDevice(_ context.Context, name string, dev Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, ok := r.accounts[name]
	if !ok || acc.Device(dev.ID) != nil {
		return ErrNotFound
	}
	dev.PreKeys = slices.Clone(dev.PreKeys)
	acc.Devices = append(acc.Devices, dev)
	return nil
}

func (r *MemoryRepo) update(name string, deviceID uint32, fn func(*Account, *Device)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, ok := r.accounts[name]
	if !ok {
		return ErrNotFound
	}
	dev := acc.Device(deviceID)
	if dev == nil {
		return ErrNotFound
	}
	fn(acc, dev)
	return nil
}

func (r *MemoryRepo) SetKeys(_ context.Context, name string, deviceID uint32, identity model.IdentityKey, spk model.SignedPreKeyPublic, preKeys []model.PreKeyPublic) error {
	return r.update(name, deviceID, func(acc *Account, dev *Device) {
		acc.IdentityKey = slices.Clone(identity)
		dev.SignedPreKey = &spk
		dev.PreKeys = slices.Clone(preKeys)
	})
}

func (r *MemoryRepo) SetPushToken(_ context.Context, name string, deviceID uint32, token string) error {
	return r.update(name, deviceID, func(_ *Account, dev *Device) {
		dev.PushToken = token
	})
}

func (r *MemoryRepo) Touch(_ context.Context, name string, deviceID uint32, at int64) error {
	return r.update(name, deviceID, func(_ *Account, dev *Device) {
		dev.LastSeen = at
	})
}

func (r *MemoryRepo) PopPreKey(_ context.Context, name string, deviceID uint32) (*model.PreKeyPublic, error) {
	var out *model.PreKeyPublic
	err := r.update(name, deviceID, func(_ *Account, dev *Device) {
		if len(dev.PreKeys) == 0 {
			return
		}
		pk := dev.PreKeys[0]
		dev.PreKeys = dev.PreKeys[1:]
		out = &pk
	})
	return out, err
}
