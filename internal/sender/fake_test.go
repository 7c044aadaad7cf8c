package sender

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"testing"

	"e2e_multidevice/internal/errs"
	"e2e_multidevice/internal/keystore"
	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/protocol/padding"
	"e2e_multidevice/internal/session"
	"e2e_multidevice/internal/storage/memory"
)

// peer is one remote device with its own key store.
type peer struct {
	addr   model.Address
	keys   *keystore.KeyStore
	cipher *session.Cipher
	regID  uint32
	keyID  uint32
	inbox  []model.OutgoingDeviceMessage
}

func newPeer(t *testing.T, addr model.Address, id *keystore.IdentityKeyPair, regID uint32) *peer {
	t.Helper()
	ctx := context.Background()
	ks := keystore.New(memory.New())
	if err := ks.PutIdentityKeyPair(ctx, id); err != nil {
		t.Fatalf("PutIdentityKeyPair: %v", err)
	}
	if err := ks.PutLocalRegistrationID(ctx, regID); err != nil {
		t.Fatalf("PutLocalRegistrationID: %v", err)
	}
	return &peer{addr: addr, keys: ks, cipher: session.NewCipher(ks), regID: regID}
}

// keys publishes a fresh signed prekey and one-time prekey.
func (p *peer) deviceKeys(t *testing.T) model.DeviceKeys {
	t.Helper()
	ctx := context.Background()
	id, err := p.keys.GetIdentityKeyPair(ctx)
	if err != nil {
		t.Fatalf("GetIdentityKeyPair: %v", err)
	}
	p.keyID++
	spk, err := p.keys.GenerateSignedPreKey(ctx, id, p.keyID)
	if err != nil {
		t.Fatalf("GenerateSignedPreKey: %v", err)
	}
	pks, err := p.keys.GeneratePreKeys(ctx, p.keyID*100, 1)
	if err != nil {
		t.Fatalf("GeneratePreKeys: %v", err)
	}
	return model.DeviceKeys{
		DeviceID:       p.addr.DeviceID,
		RegistrationID: p.regID,
		SignedPreKey:   &model.SignedPreKeyPublic{KeyID: spk.KeyID, PublicKey: spk.KeyPair.Pub[:], Signature: spk.Signature},
		PreKey:         &model.PreKeyPublic{KeyID: pks[0].KeyID, PublicKey: pks[0].KeyPair.Pub[:]},
	}
}

// open decrypts and unpads every message the peer received from from.
func (p *peer) open(t *testing.T, from model.Address) []*model.Content {
	t.Helper()
	ctx := context.Background()
	var out []*model.Content
	for _, m := range p.inbox {
		var (
			plain []byte
			err   error
		)
		if m.Type == model.EnvelopePreKeyBundle {
			plain, err = p.cipher.DecryptPreKeyWhisperMessage(ctx, from, m.Content)
		} else {
			plain, err = p.cipher.DecryptWhisperMessage(ctx, from, m.Content)
		}
		if err != nil {
			t.Fatalf("%s: decrypt: %v", p.addr, err)
		}
		unpadded, err := padding.Unpad(plain)
		if err != nil {
			t.Fatalf("%s: unpad: %v", p.addr, err)
		}
		var c model.Content
		if err := json.Unmarshal(unpadded, &c); err != nil {
			t.Fatalf("%s: decode content: %v", p.addr, err)
		}
		out = append(out, &c)
	}
	p.inbox = nil
	return out
}

type account struct {
	identity *keystore.IdentityKeyPair
	devices  map[uint32]*peer
}

// relay mimics the server's device checks for one sending device.
type relay struct {
	t      *testing.T
	sender model.Address

	mu       sync.Mutex
	accounts map[string]*account
	offline  bool
	// stuck, when set, is answered to every submission
	stuck       error
	keyFetches  int
	submissions int
	uploads     [][]byte
}

func newRelay(t *testing.T, sender model.Address) *relay {
	return &relay{t: t, sender: sender, accounts: make(map[string]*account)}
}

func (r *relay) addDevice(name string, deviceID, regID uint32) *peer {
	r.t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[name]
	if !ok {
		id, err := keystore.NewIdentityKeyPair()
		if err != nil {
			r.t.Fatalf("NewIdentityKeyPair: %v", err)
		}
		acc = &account{identity: id, devices: make(map[uint32]*peer)}
		r.accounts[name] = acc
	}
	p := newPeer(r.t, model.Address{Name: name, DeviceID: deviceID}, acc.identity, regID)
	acc.devices[deviceID] = p
	return p
}

func (r *relay) removeDevice(name string, deviceID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.accounts[name].devices, deviceID)
}

func (r *relay) setOffline(offline bool) {
	r.mu.Lock()
	r.offline = offline
	r.mu.Unlock()
}

func (r *relay) GetKeysForAddr(_ context.Context, name string, deviceID *uint32) (*model.KeysResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keyFetches++
	if r.offline {
		return nil, errs.Network("offline", nil)
	}
	acc, ok := r.accounts[name]
	if !ok {
		return nil, errs.FromStatus(http.StatusNotFound, nil)
	}
	resp := &model.KeysResponse{IdentityKey: acc.identity.PublicKey()}
	for _, id := range r.deviceIDs(name) {
		if deviceID != nil && *deviceID != id {
			continue
		}
		resp.Devices = append(resp.Devices, acc.devices[id].deviceKeys(r.t))
	}
	if len(resp.Devices) == 0 {
		return nil, errs.FromStatus(http.StatusNotFound, nil)
	}
	return resp, nil
}

func (r *relay) SendMessages(_ context.Context, name string, list model.OutgoingMessageList) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submissions++
	if r.offline {
		return errs.Network("offline", nil)
	}
	if r.stuck != nil {
		return r.stuck
	}
	acc, ok := r.accounts[name]
	if !ok {
		return errs.FromStatus(http.StatusNotFound, nil)
	}

	expected := r.deviceIDs(name)
	if name == r.sender.Name {
		expected = slices.DeleteFunc(expected, func(id uint32) bool { return id == r.sender.DeviceID })
	}
	var got []uint32
	for _, m := range list.Messages {
		got = append(got, m.DestinationDeviceID)
	}

	var mismatch model.MismatchedDevices
	for _, id := range expected {
		if !slices.Contains(got, id) {
			mismatch.MissingDevices = append(mismatch.MissingDevices, id)
		}
	}
	for _, id := range got {
		if !slices.Contains(expected, id) {
			mismatch.ExtraDevices = append(mismatch.ExtraDevices, id)
		}
	}
	if len(mismatch.MissingDevices)+len(mismatch.ExtraDevices) > 0 {
		body, _ := json.Marshal(mismatch)
		return errs.FromStatus(http.StatusConflict, body)
	}

	var stale model.StaleDevices
	for _, m := range list.Messages {
		if acc.devices[m.DestinationDeviceID].regID != m.DestinationRegistrationID {
			stale.StaleDevices = append(stale.StaleDevices, m.DestinationDeviceID)
		}
	}
	if len(stale.StaleDevices) > 0 {
		body, _ := json.Marshal(stale)
		return errs.FromStatus(http.StatusGone, body)
	}

	for _, m := range list.Messages {
		p := acc.devices[m.DestinationDeviceID]
		p.inbox = append(p.inbox, m)
	}
	return nil
}

func (r *relay) PutAttachment(_ context.Context, blob []byte) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return 0, errs.Network("offline", nil)
	}
	r.uploads = append(r.uploads, blob)
	return uint64(len(r.uploads)), nil
}

func (r *relay) deviceIDs(name string) []uint32 {
	var ids []uint32
	for id := range r.accounts[name].devices {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
