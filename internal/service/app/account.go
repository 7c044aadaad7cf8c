package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"e2e_multidevice/internal/cryptographic/encryption"
	"e2e_multidevice/internal/cryptographic/kdf"
	"e2e_multidevice/internal/keystore"
	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/storage"
	"e2e_multidevice/internal/utils/log"

	"go.uber.org/zap"
)

const (
	primaryDeviceID   = 1
	maxRegistrationID = 16380
)

// provisioning carries the identity of an account to a device being linked,
// sealed under a key stretched from the account password.
type provisioning struct {
	Name string `json:"name"`
	Salt []byte `json:"salt"`
	Blob []byte `json:"blob"`
}

// Register creates the account with this device as its primary device.
func (c *App) Register(ctx context.Context, name, password, deviceName string) error {
	identity, err := keystore.NewIdentityKeyPair()
	if err != nil {
		return err
	}
	regID, err := newRegistrationID()
	if err != nil {
		return err
	}

	deviceID, err := c.api.Register(ctx, name, model.RegisterRequest{
		Password:       password,
		RegistrationID: regID,
		Name:           deviceName,
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	return c.setup(ctx, model.Address{Name: name, DeviceID: deviceID}, password, identity, regID)
}

// ExportProvisioning seals this device's identity for Link.
func (c *App) ExportProvisioning(ctx context.Context) (string, error) {
	var acc localAccount
	if err := storage.GetJSON(ctx, c.store, collAccount, "self", &acc); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrNotRegistered
		}
		return "", err
	}
	identity, err := c.keys.GetIdentityKeyPair(ctx)
	if err != nil {
		return "", err
	}
	plain, err := json.Marshal(identity)
	if err != nil {
		return "", err
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	blob, err := encryption.AEADEncrypt(kdf.PasswordHash(acc.Password, salt), plain, []byte(acc.Addr.Name))
	if err != nil {
		return "", err
	}
	code, err := json.Marshal(provisioning{Name: acc.Addr.Name, Salt: salt, Blob: blob})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(code), nil
}

// Link adds this device to the account a provisioning code was exported
// from. The account password opens the code and authorizes the link.
func (c *App) Link(ctx context.Context, code, password, deviceName string) error {
	raw, err := base64.RawURLEncoding.DecodeString(code)
	if err != nil {
		return fmt.Errorf("decode provisioning code: %w", err)
	}
	var p provisioning
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode provisioning code: %w", err)
	}
	plain, err := encryption.AEADDecrypt(kdf.PasswordHash(password, p.Salt), p.Blob, []byte(p.Name))
	if err != nil {
		return fmt.Errorf("open provisioning code: %w", err)
	}
	var identity keystore.IdentityKeyPair
	if err := json.Unmarshal(plain, &identity); err != nil {
		return err
	}

	regID, err := newRegistrationID()
	if err != nil {
		return err
	}
	c.api.SetCredentials(model.Address{Name: p.Name, DeviceID: primaryDeviceID}, password)
	deviceID, err := c.api.LinkDevice(ctx, model.RegisterRequest{RegistrationID: regID, Name: deviceName})
	if err != nil {
		return fmt.Errorf("link device: %w", err)
	}
	return c.setup(ctx, model.Address{Name: p.Name, DeviceID: deviceID}, password, &identity, regID)
}

// setup persists the new device and publishes its keys.
func (c *App) setup(ctx context.Context, addr model.Address, password string, identity *keystore.IdentityKeyPair, regID uint32) error {
	if err := c.keys.PutIdentityKeyPair(ctx, identity); err != nil {
		return err
	}
	if err := c.keys.PutLocalRegistrationID(ctx, regID); err != nil {
		return err
	}
	// Our own devices share the identity key; pin it for our own address.
	if _, err := c.keys.SaveIdentity(ctx, addr.Name, identity.PublicKey()); err != nil {
		return err
	}

	spk, err := c.keys.GenerateSignedPreKey(ctx, identity, 1)
	if err != nil {
		return err
	}
	c.account = localAccount{Addr: addr, Password: password, SignedPreKeyID: spk.KeyID}
	if err := storage.PutJSON(ctx, c.store, collAccount, "self", c.account, nil); err != nil {
		return err
	}
	c.api.SetCredentials(addr, password)

	if err := c.uploadKeys(ctx, identity, spk, 1); err != nil {
		return err
	}
	log.Info("device registered", zap.Stringer("addr", addr), zap.Uint32("registration_id", regID))
	return nil
}

// RefreshPreKeys uploads a new batch once the server holds fewer than
// MinPreKeys of ours.
func (c *App) RefreshPreKeys(ctx context.Context) error {
	count, err := c.api.GetMyKeysCount(ctx)
	if err != nil {
		return err
	}
	if count >= c.cfg.MinPreKeys {
		return nil
	}

	identity, err := c.keys.GetIdentityKeyPair(ctx)
	if err != nil {
		return err
	}
	spk, err := c.keys.LoadSignedPreKey(ctx, c.account.SignedPreKeyID)
	if err != nil {
		return err
	}
	next, err := c.keys.MaxPreKeyID(ctx)
	if err != nil {
		return err
	}
	log.Info("replenishing prekeys", zap.Int("remaining", count), zap.Int("batch", c.cfg.PreKeyBatch))
	return c.uploadKeys(ctx, identity, spk, next+1)
}

func (c *App) uploadKeys(ctx context.Context, identity *keystore.IdentityKeyPair, spk *keystore.SignedPreKey, startID uint32) error {
	preKeys, err := c.keys.GeneratePreKeys(ctx, startID, c.cfg.PreKeyBatch)
	if err != nil {
		return err
	}
	upload := model.KeysUpload{
		IdentityKey: identity.PublicKey(),
		SignedPreKey: model.SignedPreKeyPublic{
			KeyID:     spk.KeyID,
			PublicKey: spk.KeyPair.Pub[:],
			Signature: spk.Signature,
		},
		PreKeys: make([]model.PreKeyPublic, 0, len(preKeys)),
	}
	for _, pk := range preKeys {
		upload.PreKeys = append(upload.PreKeys, model.PreKeyPublic{KeyID: pk.KeyID, PublicKey: pk.KeyPair.Pub[:]})
	}
	return c.api.RegisterKeys(ctx, upload)
}

func newRegistrationID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:])%maxRegistrationID + 1, nil
}
