// Package keystore holds identity, prekey and session state for the local
// device and makes the trust decisions about remote identities.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"e2e_multidevice/internal/cryptographic/dh"
	"e2e_multidevice/internal/cryptographic/signature"
	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/storage"
	"e2e_multidevice/internal/utils/log"

	"go.uber.org/zap"
)

const (
	collItems         = "items"
	collIdentityKeys  = "identityKeys"
	collSessions      = "sessions"
	collPreKeys       = "preKeys"
	collSignedPreKeys = "signedPreKeys"

	indexAddr = "addr"

	itemIdentityKey    = "identityKey"
	itemRegistrationID = "registrationId"
)

var (
	ErrNoIdentity = errors.New("local identity key not set")
	// ErrIdentityChanged refuses a session write whose remote identity is no
	// longer the trusted one.
	ErrIdentityChanged = errors.New("remote identity changed")
)

type (
	// IdentityKeyPair is the local long-term key material.
	IdentityKeyPair struct {
		Agreement dh.KeyPair        `json:"agreement"`
		Signing   signature.KeyPair `json:"signing"`
	}

	PreKey struct {
		KeyID   uint32     `json:"keyId"`
		KeyPair dh.KeyPair `json:"keyPair"`
		Created int64      `json:"created"`
		// Removed is set when the key was consumed; the record stays until
		// PurgeRemovedPreKeys.
		Removed int64 `json:"removed,omitempty"`
	}

	SignedPreKey struct {
		KeyID     uint32     `json:"keyId"`
		KeyPair   dh.KeyPair `json:"keyPair"`
		Signature []byte     `json:"signature"`
		Created   int64      `json:"created"`
		Removed   int64      `json:"removed,omitempty"`
	}

	// SessionRecord is the stored form of one device session.
	SessionRecord struct {
		Addr     string `json:"addr"`
		DeviceID uint32 `json:"deviceId"`
		Record   []byte `json:"record"`
	}

	trustedIdentity struct {
		Addr      string            `json:"addr"`
		PublicKey model.IdentityKey `json:"publicKey"`
		FirstUse  bool              `json:"firstUse"`
		Updated   int64             `json:"updated"`
	}
)

// PublicKey is the identity key offered to peers.
func (k *IdentityKeyPair) PublicKey() model.IdentityKey {
	return model.NewIdentityKey(k.Agreement.Pub, k.Signing.Pub)
}

func NewIdentityKeyPair() (*IdentityKeyPair, error) {
	agreement, err := dh.NewKeyPair()
	if err != nil {
		return nil, err
	}
	signing, err := signature.NewKeyPair()
	if err != nil {
		return nil, err
	}
	return &IdentityKeyPair{Agreement: agreement, Signing: signing}, nil
}

type KeyStore struct {
	store storage.Store
	now   func() time.Time

	// mu serializes check-then-write sequences on identities and sessions
	mu sync.Mutex

	cacheMu       sync.RWMutex
	identityCache map[string]model.IdentityKey
}

func New(store storage.Store) *KeyStore {
	return &KeyStore{
		store:         store,
		now:           time.Now,
		identityCache: make(map[string]model.IdentityKey),
	}
}

// ---------- local identity ----------

func (k *KeyStore) GetIdentityKeyPair(ctx context.Context) (*IdentityKeyPair, error) {
	var kp IdentityKeyPair
	err := storage.GetJSON(ctx, k.store, collItems, itemIdentityKey, &kp)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoIdentity
	}
	if err != nil {
		return nil, err
	}
	return &kp, nil
}

func (k *KeyStore) PutIdentityKeyPair(ctx context.Context, kp *IdentityKeyPair) error {
	return storage.PutJSON(ctx, k.store, collItems, itemIdentityKey, kp, nil)
}

func (k *KeyStore) GetLocalRegistrationID(ctx context.Context) (uint32, error) {
	var id uint32
	if err := storage.GetJSON(ctx, k.store, collItems, itemRegistrationID, &id); err != nil {
		return 0, err
	}
	return id, nil
}

func (k *KeyStore) PutLocalRegistrationID(ctx context.Context, id uint32) error {
	return storage.PutJSON(ctx, k.store, collItems, itemRegistrationID, id, nil)
}

// ---------- remote identities ----------

// LoadIdentity returns the trusted key of addr, or nil when none is pinned.
func (k *KeyStore) LoadIdentity(ctx context.Context, addr string) (model.IdentityKey, error) {
	k.cacheMu.RLock()
	key, ok := k.identityCache[addr]
	k.cacheMu.RUnlock()
	if ok {
		return key, nil
	}

	var ti trustedIdentity
	err := storage.GetJSON(ctx, k.store, collIdentityKeys, addr, &ti)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	k.cacheMu.Lock()
	k.identityCache[addr] = ti.PublicKey
	k.cacheMu.Unlock()
	return ti.PublicKey, nil
}

// IsTrustedIdentity pins the key on first use; afterwards only a
// byte-identical key is trusted.
func (k *KeyStore) IsTrustedIdentity(ctx context.Context, addr string, key model.IdentityKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	trusted, err := k.LoadIdentity(ctx, addr)
	if err != nil {
		return false, err
	}
	if trusted == nil {
		log.Debug("trusting identity on first use", zap.String("addr", addr))
		return true, k.putIdentity(ctx, addr, key, true)
	}
	return trusted.Equal(key), nil
}

// SaveIdentity records key as the trusted identity of addr. When it replaces
// a different key, every session of addr is removed before the new key is
// stored. It reports whether an existing key was replaced.
func (k *KeyStore) SaveIdentity(ctx context.Context, addr string, key model.IdentityKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	old, err := k.LoadIdentity(ctx, addr)
	if err != nil {
		return false, err
	}
	if old.Equal(key) {
		return false, nil
	}

	if old != nil {
		log.Info("identity key changed, closing sessions", zap.String("addr", addr))
		if err := k.removeAllSessions(ctx, addr); err != nil {
			return false, fmt.Errorf("remove sessions of %s: %w", addr, err)
		}
	}
	if err := k.putIdentity(ctx, addr, key, old == nil); err != nil {
		return false, err
	}
	return old != nil, nil
}

func (k *KeyStore) RemoveIdentity(ctx context.Context, addr string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.invalidate(addr)
	if err := k.removeAllSessions(ctx, addr); err != nil {
		return err
	}
	return k.store.Remove(ctx, collIdentityKeys, addr)
}

func (k *KeyStore) putIdentity(ctx context.Context, addr string, key model.IdentityKey, firstUse bool) error {
	k.invalidate(addr)
	ti := trustedIdentity{Addr: addr, PublicKey: key, FirstUse: firstUse, Updated: k.now().UnixMilli()}
	if err := storage.PutJSON(ctx, k.store, collIdentityKeys, addr, ti, nil); err != nil {
		return err
	}
	k.cacheMu.Lock()
	k.identityCache[addr] = append(model.IdentityKey(nil), key...)
	k.cacheMu.Unlock()
	return nil
}

func (k *KeyStore) invalidate(addr string) {
	k.cacheMu.Lock()
	delete(k.identityCache, addr)
	k.cacheMu.Unlock()
}

// ---------- sessions ----------

func sessionKey(a model.Address) string {
	return a.String()
}

// LoadSession returns nil without error when no session exists.
func (k *KeyStore) LoadSession(ctx context.Context, a model.Address) ([]byte, error) {
	var rec SessionRecord
	err := storage.GetJSON(ctx, k.store, collSessions, sessionKey(a), &rec)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec.Record, nil
}

func (k *KeyStore) StoreSession(ctx context.Context, a model.Address, record []byte) error {
	rec := SessionRecord{Addr: a.Name, DeviceID: a.DeviceID, Record: record}
	return storage.PutJSON(ctx, k.store, collSessions, sessionKey(a), rec, map[string]string{indexAddr: a.Name})
}

// StoreSessionIfTrusted writes the session only while remote is still the
// trusted identity of a.Name, so a session built for a replaced key never
// survives SaveIdentity or RemoveIdentity.
func (k *KeyStore) StoreSessionIfTrusted(ctx context.Context, a model.Address, record []byte, remote model.IdentityKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	trusted, err := k.LoadIdentity(ctx, a.Name)
	if err != nil {
		return err
	}
	if trusted == nil || !trusted.Equal(remote) {
		return fmt.Errorf("store session %s: %w", a, ErrIdentityChanged)
	}
	return k.StoreSession(ctx, a, record)
}

func (k *KeyStore) RemoveSession(ctx context.Context, a model.Address) error {
	return k.store.Remove(ctx, collSessions, sessionKey(a))
}

func (k *KeyStore) RemoveAllSessions(ctx context.Context, addr string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.removeAllSessions(ctx, addr)
}

func (k *KeyStore) removeAllSessions(ctx context.Context, addr string) error {
	recs, err := k.store.RangeByIndex(ctx, collSessions, indexAddr, addr)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if err := k.store.Remove(ctx, collSessions, r.Key); err != nil {
			return err
		}
	}
	return nil
}

// GetDeviceIDs lists the devices of addr that have a session, ascending.
func (k *KeyStore) GetDeviceIDs(ctx context.Context, addr string) ([]uint32, error) {
	recs, err := storage.All[SessionRecord](ctx, k.store, collSessions, indexAddr, addr)
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.DeviceID)
	}
	slices.Sort(ids)
	return ids, nil
}

// ---------- prekeys ----------

func idKey(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

func (k *KeyStore) LoadPreKey(ctx context.Context, id uint32) (*PreKey, error) {
	var pk PreKey
	if err := storage.GetJSON(ctx, k.store, collPreKeys, idKey(id), &pk); err != nil {
		return nil, err
	}
	return &pk, nil
}

func (k *KeyStore) StorePreKey(ctx context.Context, pk *PreKey) error {
	if pk.Created == 0 {
		pk.Created = k.now().UnixMilli()
	}
	return storage.PutJSON(ctx, k.store, collPreKeys, idKey(pk.KeyID), pk, nil)
}

// RemovePreKey marks the key consumed. The record is kept so a replayed
// prekey message arriving shortly after can still be told apart from an
// unknown key id.
func (k *KeyStore) RemovePreKey(ctx context.Context, id uint32) error {
	pk, err := k.LoadPreKey(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if pk.Removed != 0 {
		return nil
	}
	pk.Removed = k.now().UnixMilli()
	return storage.PutJSON(ctx, k.store, collPreKeys, idKey(id), pk, nil)
}

// ListPreKeys returns the keys not yet consumed.
func (k *KeyStore) ListPreKeys(ctx context.Context) ([]PreKey, error) {
	all, err := storage.All[PreKey](ctx, k.store, collPreKeys, "", "")
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(pk PreKey) bool { return pk.Removed != 0 }), nil
}

// PurgeRemovedPreKeys hard-deletes keys consumed before the cutoff.
func (k *KeyStore) PurgeRemovedPreKeys(ctx context.Context, before time.Time) (int, error) {
	all, err := storage.All[PreKey](ctx, k.store, collPreKeys, "", "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, pk := range all {
		if pk.Removed == 0 || pk.Removed >= before.UnixMilli() {
			continue
		}
		if err := k.store.Remove(ctx, collPreKeys, idKey(pk.KeyID)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// MaxPreKeyID returns the highest prekey id ever stored, consumed or not.
func (k *KeyStore) MaxPreKeyID(ctx context.Context) (uint32, error) {
	all, err := storage.All[PreKey](ctx, k.store, collPreKeys, "", "")
	if err != nil {
		return 0, err
	}
	var highest uint32
	for _, pk := range all {
		highest = max(highest, pk.KeyID)
	}
	return highest, nil
}

func (k *KeyStore) LoadSignedPreKey(ctx context.Context, id uint32) (*SignedPreKey, error) {
	var spk SignedPreKey
	if err := storage.GetJSON(ctx, k.store, collSignedPreKeys, idKey(id), &spk); err != nil {
		return nil, err
	}
	return &spk, nil
}

func (k *KeyStore) StoreSignedPreKey(ctx context.Context, spk *SignedPreKey) error {
	if spk.Created == 0 {
		spk.Created = k.now().UnixMilli()
	}
	return storage.PutJSON(ctx, k.store, collSignedPreKeys, idKey(spk.KeyID), spk, nil)
}

func (k *KeyStore) RemoveSignedPreKey(ctx context.Context, id uint32) error {
	spk, err := k.LoadSignedPreKey(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	spk.Removed = k.now().UnixMilli()
	return storage.PutJSON(ctx, k.store, collSignedPreKeys, idKey(id), spk, nil)
}

// GeneratePreKeys creates count prekeys with ids following startID.
func (k *KeyStore) GeneratePreKeys(ctx context.Context, startID uint32, count int) ([]PreKey, error) {
	out := make([]PreKey, 0, count)
	for i := 0; i < count; i++ {
		kp, err := dh.NewKeyPair()
		if err != nil {
			return nil, err
		}
		pk := PreKey{KeyID: startID + uint32(i), KeyPair: kp}
		if err := k.StorePreKey(ctx, &pk); err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, nil
}

// GenerateSignedPreKey creates a signed prekey signed by the identity key.
func (k *KeyStore) GenerateSignedPreKey(ctx context.Context, identity *IdentityKeyPair, id uint32) (*SignedPreKey, error) {
	kp, err := dh.NewKeyPair()
	if err != nil {
		return nil, err
	}
	spk := &SignedPreKey{
		KeyID:     id,
		KeyPair:   kp,
		Signature: signature.Sign(identity.Signing.Priv, kp.Pub[:]),
	}
	if err := k.StoreSignedPreKey(ctx, spk); err != nil {
		return nil, err
	}
	return spk, nil
}
