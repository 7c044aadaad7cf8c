// Package session builds and runs per-device sessions: X3DH key agreement
// from a published prekey bundle, then the double ratchet for every message.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"e2e_multidevice/internal/cryptographic/dh"
	"e2e_multidevice/internal/cryptographic/signature"
	"e2e_multidevice/internal/errs"
	"e2e_multidevice/internal/keystore"
	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/protocol/doubleratchet"
	"e2e_multidevice/internal/protocol/x3dh"
	"e2e_multidevice/internal/storage"
	"e2e_multidevice/internal/utils/log"

	"go.uber.org/zap"
)

var (
	ErrNoSession        = errors.New("no open session")
	ErrInvalidSignature = errors.New("invalid signed prekey signature")
	ErrMissingSignedKey = errors.New("unknown signed prekey id")
	ErrMissingPreKey    = errors.New("unknown prekey id")
)

type (
	pendingPreKey struct {
		PreKeyID       *uint32  `json:"preKeyId,omitempty"`
		SignedPreKeyID uint32   `json:"signedPreKeyId"`
		BaseKey        [32]byte `json:"baseKey"`
	}

	record struct {
		State                *doubleratchet.Ratchet `json:"state"`
		RemoteIdentity       model.IdentityKey      `json:"remoteIdentity"`
		RemoteRegistrationID uint32                 `json:"remoteRegistrationId"`
		// BaseKey is the initiator's ephemeral key; on the responder it
		// identifies repeated prekey messages of the same session.
		BaseKey [32]byte `json:"baseKey"`
		// PendingPreKey is kept by the initiator until the first reply.
		PendingPreKey *pendingPreKey `json:"pendingPreKey,omitempty"`
	}

	WhisperMessage struct {
		Header     doubleratchet.Header `json:"header"`
		Ciphertext []byte               `json:"ciphertext"`
	}

	PreKeyWhisperMessage struct {
		RegistrationID uint32            `json:"registrationId"`
		PreKeyID       *uint32           `json:"preKeyId,omitempty"`
		SignedPreKeyID uint32            `json:"signedPreKeyId"`
		BaseKey        [32]byte          `json:"baseKey"`
		IdentityKey    model.IdentityKey `json:"identityKey"`
		Message        WhisperMessage    `json:"message"`
	}

	Ciphertext struct {
		Type           model.EnvelopeType
		Body           []byte
		RegistrationID uint32
	}
)

// Cipher encrypts and decrypts for any remote device. Operations on the same
// device are serialized; different devices proceed in parallel.
type Cipher struct {
	store *keystore.KeyStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCipher(store *keystore.KeyStore) *Cipher {
	return &Cipher{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (c *Cipher) lock(a model.Address) func() {
	c.mu.Lock()
	l, ok := c.locks[a.String()]
	if !ok {
		l = &sync.Mutex{}
		c.locks[a.String()] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (c *Cipher) load(ctx context.Context, a model.Address) (*record, error) {
	raw, err := c.store.LoadSession(ctx, a)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", a, err)
	}
	return &rec, nil
}

func (c *Cipher) save(ctx context.Context, a model.Address, rec *record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.store.StoreSessionIfTrusted(ctx, a, raw, rec.RemoteIdentity)
}

func (c *Cipher) HasOpenSession(ctx context.Context, a model.Address) (bool, error) {
	rec, err := c.load(ctx, a)
	return rec != nil, err
}

// CloseOpenSession drops the session so the next send performs a new key
// exchange.
func (c *Cipher) CloseOpenSession(ctx context.Context, a model.Address) error {
	unlock := c.lock(a)
	defer unlock()
	return c.store.RemoveSession(ctx, a)
}

func (c *Cipher) RemoteRegistrationID(ctx context.Context, a model.Address) (uint32, error) {
	rec, err := c.load(ctx, a)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, ErrNoSession
	}
	return rec.RemoteRegistrationID, nil
}

// ProcessPreKeyBundle runs X3DH as initiator against a fetched bundle and
// stores the resulting session. An identity key that differs from the
// trusted one yields an OutgoingIdentityKey error.
func (c *Cipher) ProcessPreKeyBundle(ctx context.Context, b model.PreKeyBundle) error {
	if err := b.IdentityKey.Validate(); err != nil {
		return err
	}
	if !signature.Verify(b.IdentityKey.Signing(), b.SignedPreKey.PublicKey, b.SignedPreKey.Signature) {
		return ErrInvalidSignature
	}

	trusted, err := c.store.IsTrustedIdentity(ctx, b.Address.Name, b.IdentityKey)
	if err != nil {
		return err
	}
	if !trusted {
		return errs.OutgoingIdentityKey(b.Address.Name, b.IdentityKey)
	}

	local, err := c.store.GetIdentityKeyPair(ctx)
	if err != nil {
		return err
	}

	spkPub, err := dh.FromSlice(b.SignedPreKey.PublicKey)
	if err != nil {
		return err
	}
	initiator := &x3dh.Initiator{
		IdentityPriv:       local.Agreement.Priv,
		RemoteIdentity:     b.IdentityKey.Agreement(),
		RemoteSignedPreKey: spkPub,
	}

	pending := &pendingPreKey{SignedPreKeyID: b.SignedPreKey.KeyID}
	if b.PreKey != nil {
		otk, err := dh.FromSlice(b.PreKey.PublicKey)
		if err != nil {
			return err
		}
		initiator.RemoteOneTimePreKey = &otk
		id := b.PreKey.KeyID
		pending.PreKeyID = &id
	}

	ek, err := dh.NewKeyPair()
	if err != nil {
		return err
	}
	initiator.EphemeralPriv = ek.Priv
	pending.BaseKey = ek.Pub

	sk, err := x3dh.Initiate(initiator)
	if err != nil {
		return fmt.Errorf("x3dh: %w", err)
	}

	rec := &record{
		State:                doubleratchet.NewInitiator(sk, spkPub),
		RemoteIdentity:       b.IdentityKey,
		RemoteRegistrationID: b.RegistrationID,
		BaseKey:              ek.Pub,
		PendingPreKey:        pending,
	}

	unlock := c.lock(b.Address)
	defer unlock()
	log.Debug("session initiated", zap.Stringer("addr", b.Address))
	return c.save(ctx, b.Address, rec)
}

// Encrypt seals plaintext for one device. Until the peer replies, messages
// carry the prekey header so the peer can build its side of the session.
func (c *Cipher) Encrypt(ctx context.Context, a model.Address, plaintext []byte) (*Ciphertext, error) {
	unlock := c.lock(a)
	defer unlock()

	rec, err := c.load(ctx, a)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNoSession
	}

	trusted, err := c.store.IsTrustedIdentity(ctx, a.Name, rec.RemoteIdentity)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, errs.OutgoingIdentityKey(a.Name, rec.RemoteIdentity)
	}

	local, err := c.store.GetIdentityKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	localReg, err := c.store.GetLocalRegistrationID(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	ad := associatedData(local.PublicKey(), rec.RemoteIdentity)
	hdr, ct, err := rec.State.Send(plaintext, ad)
	if err != nil {
		return nil, err
	}
	msg := WhisperMessage{Header: *hdr, Ciphertext: ct}

	out := &Ciphertext{Type: model.EnvelopeCiphertext, RegistrationID: rec.RemoteRegistrationID}
	if p := rec.PendingPreKey; p != nil {
		out.Type = model.EnvelopePreKeyBundle
		out.Body, err = json.Marshal(&PreKeyWhisperMessage{
			RegistrationID: localReg,
			PreKeyID:       p.PreKeyID,
			SignedPreKeyID: p.SignedPreKeyID,
			BaseKey:        p.BaseKey,
			IdentityKey:    local.PublicKey(),
			Message:        msg,
		})
	} else {
		out.Body, err = json.Marshal(&msg)
	}
	if err != nil {
		return nil, err
	}

	if err := c.save(ctx, a, rec); err != nil {
		return nil, err
	}
	return out, nil
}

// DecryptWhisperMessage opens a CIPHERTEXT envelope body.
func (c *Cipher) DecryptWhisperMessage(ctx context.Context, a model.Address, body []byte) ([]byte, error) {
	var msg WhisperMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, errs.Protocol(0, "bad whisper message: "+err.Error())
	}

	unlock := c.lock(a)
	defer unlock()

	rec, err := c.load(ctx, a)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNoSession
	}
	return c.decrypt(ctx, a, rec, msg)
}

// DecryptPreKeyWhisperMessage opens a PREKEY_BUNDLE envelope body, building
// the responder session when the message starts a new one. An offered
// identity key that differs from the trusted one yields an
// IncomingIdentityKey error carrying that key.
func (c *Cipher) DecryptPreKeyWhisperMessage(ctx context.Context, a model.Address, body []byte) ([]byte, error) {
	var msg PreKeyWhisperMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, errs.Protocol(0, "bad prekey message: "+err.Error())
	}
	if err := msg.IdentityKey.Validate(); err != nil {
		return nil, errs.Protocol(0, err.Error())
	}

	trusted, err := c.store.IsTrustedIdentity(ctx, a.Name, msg.IdentityKey)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, errs.IncomingIdentityKey(a.Name, msg.IdentityKey)
	}

	unlock := c.lock(a)
	defer unlock()

	rec, err := c.load(ctx, a)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.BaseKey == msg.BaseKey && msg.IdentityKey.Equal(rec.RemoteIdentity) {
		return c.decrypt(ctx, a, rec, msg.Message)
	}

	rec, err = c.respond(ctx, &msg)
	if err != nil {
		return nil, err
	}
	plain, err := c.decrypt(ctx, a, rec, msg.Message)
	if err != nil {
		return nil, err
	}

	if msg.PreKeyID != nil {
		if err := c.store.RemovePreKey(ctx, *msg.PreKeyID); err != nil {
			log.Warn("remove consumed prekey failed", zap.Uint32("id", *msg.PreKeyID), zap.Error(err))
		}
	}
	return plain, nil
}

// respond runs X3DH as responder for msg.
func (c *Cipher) respond(ctx context.Context, msg *PreKeyWhisperMessage) (*record, error) {
	local, err := c.store.GetIdentityKeyPair(ctx)
	if err != nil {
		return nil, err
	}

	spk, err := c.store.LoadSignedPreKey(ctx, msg.SignedPreKeyID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrMissingSignedKey, msg.SignedPreKeyID)
	}
	if err != nil {
		return nil, err
	}

	resp := &x3dh.Responder{
		RemoteIdentity:   msg.IdentityKey.Agreement(),
		RemoteEphemeral:  msg.BaseKey,
		IdentityPriv:     local.Agreement.Priv,
		SignedPreKeyPriv: spk.KeyPair.Priv,
	}
	if msg.PreKeyID != nil {
		// consumed keys are still accepted: a redelivered first message may
		// arrive after the key was marked removed
		pk, err := c.store.LoadPreKey(ctx, *msg.PreKeyID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrMissingPreKey, *msg.PreKeyID)
		}
		if err != nil {
			return nil, err
		}
		resp.OneTimePreKeyPriv = &pk.KeyPair.Priv
	}

	sk, err := x3dh.Respond(resp)
	if err != nil {
		return nil, fmt.Errorf("x3dh: %w", err)
	}

	return &record{
		State:                doubleratchet.NewResponder(sk, spk.KeyPair),
		RemoteIdentity:       msg.IdentityKey,
		RemoteRegistrationID: msg.RegistrationID,
		BaseKey:              msg.BaseKey,
	}, nil
}

func (c *Cipher) decrypt(ctx context.Context, a model.Address, rec *record, msg WhisperMessage) ([]byte, error) {
	local, err := c.store.GetIdentityKeyPair(ctx)
	if err != nil {
		return nil, err
	}

	ad := associatedData(rec.RemoteIdentity, local.PublicKey())
	plain, err := rec.State.Receive(msg.Header, msg.Ciphertext, ad)
	if errors.Is(err, doubleratchet.ErrDuplicateMessage) {
		return nil, &errs.Error{Kind: errs.KindDuplicate, Addr: a.String(), Err: err}
	}
	if err != nil {
		return nil, err
	}

	rec.PendingPreKey = nil
	if err := c.save(ctx, a, rec); err != nil {
		return nil, err
	}
	return plain, nil
}

// associatedData binds both identities into every message: sender first.
func associatedData(sender, receiver model.IdentityKey) []byte {
	ad := make([]byte, 0, len(sender)+len(receiver))
	ad = append(ad, sender...)
	return append(ad, receiver...)
}
