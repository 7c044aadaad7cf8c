package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"e2e_multidevice/internal/api"
	"e2e_multidevice/internal/errs"
	"e2e_multidevice/internal/keystore"
	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/protocol/wire"
	"e2e_multidevice/internal/repository/account"
	"e2e_multidevice/internal/storage/memory"
	"e2e_multidevice/internal/transport/websocketresource"
	"e2e_multidevice/internal/utils/log"

	"go.uber.org/zap"
)

func init() {
	log.SetLogger(zap.NewNop())
}

func newTestServer(t *testing.T, opts Options) (*HttpServer, *httptest.Server) {
	t.Helper()
	q := NewMemoryQueue()
	if opts.AttachmentSecret == nil {
		opts.AttachmentSecret = []byte("test secret")
	}
	s := NewHttpServer(account.NewMemoryRepo(), q, q, opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.closeSockets()
		ts.Close()
	})
	return s, ts
}

type user struct {
	client *api.Client
	keys   *keystore.KeyStore
	id     *keystore.IdentityKeyPair
	addr   model.Address
	regID  uint32
}

func newClient(t *testing.T, ts *httptest.Server) *api.Client {
	t.Helper()
	c, err := api.New(ts.URL)
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}
	return c
}

// register creates name with one device and publishes preKeys prekeys.
func register(t *testing.T, ts *httptest.Server, name string, regID uint32, preKeys int) *user {
	t.Helper()
	ctx := context.Background()
	c := newClient(t, ts)
	deviceID, err := c.Register(ctx, name, model.RegisterRequest{Password: "pw-" + name, RegistrationID: regID})
	if err != nil {
		t.Fatalf("Register %s: %v", name, err)
	}
	addr := model.Address{Name: name, DeviceID: deviceID}
	c.SetCredentials(addr, "pw-"+name)

	id, err := keystore.NewIdentityKeyPair()
	if err != nil {
		t.Fatalf("NewIdentityKeyPair: %v", err)
	}
	u := &user{client: c, keys: keystore.New(memory.New()), id: id, addr: addr, regID: regID}
	if err := c.RegisterKeys(ctx, u.upload(t, preKeys)); err != nil {
		t.Fatalf("RegisterKeys %s: %v", name, err)
	}
	return u
}

func (u *user) upload(t *testing.T, n int) model.KeysUpload {
	t.Helper()
	ctx := context.Background()
	spk, err := u.keys.GenerateSignedPreKey(ctx, u.id, 1)
	if err != nil {
		t.Fatalf("GenerateSignedPreKey: %v", err)
	}
	up := model.KeysUpload{
		IdentityKey:  u.id.PublicKey(),
		SignedPreKey: model.SignedPreKeyPublic{KeyID: spk.KeyID, PublicKey: spk.KeyPair.Pub[:], Signature: spk.Signature},
		PreKeys:      []model.PreKeyPublic{},
	}
	if n > 0 {
		pks, err := u.keys.GeneratePreKeys(ctx, 1, n)
		if err != nil {
			t.Fatalf("GeneratePreKeys: %v", err)
		}
		for _, pk := range pks {
			up.PreKeys = append(up.PreKeys, model.PreKeyPublic{KeyID: pk.KeyID, PublicKey: pk.KeyPair.Pub[:]})
		}
	}
	return up
}

func TestRegisterAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	_, ts := newTestServer(t, Options{})
	alice := register(t, ts, "alice", 11, 0)
	if alice.addr.DeviceID != primaryDeviceID {
		t.Fatalf("primary device id %d", alice.addr.DeviceID)
	}

	_, err := newClient(t, ts).Register(ctx, "alice", model.RegisterRequest{Password: "other"})
	if !errs.IsKind(err, errs.KindAlreadyRegistered) {
		t.Fatalf("expected already registered, got %v", err)
	}

	intruder := newClient(t, ts)
	intruder.SetCredentials(alice.addr, "wrong")
	if _, err := intruder.GetDevices(ctx); !errs.IsKind(err, errs.KindAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}

	devices, err := alice.client.GetDevices(ctx)
	if err != nil {
		t.Fatalf("GetDevices: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != primaryDeviceID {
		t.Fatalf("unexpected devices %+v", devices)
	}
}

func TestLinkDeviceAllocatesNextID(t *testing.T) {
	ctx := context.Background()
	_, ts := newTestServer(t, Options{})
	alice := register(t, ts, "alice", 11, 0)

	for want := uint32(2); want <= 3; want++ {
		id, err := alice.client.LinkDevice(ctx, model.RegisterRequest{RegistrationID: 20 + want, Name: "extra"})
		if err != nil {
			t.Fatalf("LinkDevice: %v", err)
		}
		if id != want {
			t.Fatalf("linked device id %d, want %d", id, want)
		}
	}
	devices, err := alice.client.GetDevices(ctx)
	if err != nil {
		t.Fatalf("GetDevices: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("expected 3 devices, got %+v", devices)
	}
}

func TestPreKeysHandedOutOnce(t *testing.T) {
	ctx := context.Background()
	_, ts := newTestServer(t, Options{})
	alice := register(t, ts, "alice", 11, 0)
	bob := register(t, ts, "bob", 22, 2)

	if n, err := bob.client.GetMyKeysCount(ctx); err != nil || n != 2 {
		t.Fatalf("GetMyKeysCount = %d, %v", n, err)
	}

	var seen []uint32
	for i := range 3 {
		resp, err := alice.client.GetKeysForAddr(ctx, "bob", nil)
		if err != nil {
			t.Fatalf("GetKeysForAddr: %v", err)
		}
		if !bytes.Equal(resp.IdentityKey, bob.id.PublicKey()) {
			t.Fatalf("identity key mismatch")
		}
		if len(resp.Devices) != 1 || resp.Devices[0].RegistrationID != 22 {
			t.Fatalf("unexpected devices %+v", resp.Devices)
		}
		pk := resp.Devices[0].PreKey
		if i < 2 {
			if pk == nil || slices.Contains(seen, pk.KeyID) {
				t.Fatalf("fetch %d: expected a fresh prekey, got %+v", i, pk)
			}
			seen = append(seen, pk.KeyID)
		} else if pk != nil {
			t.Fatalf("prekeys should be exhausted, got %+v", pk)
		}
	}
	if n, err := bob.client.GetMyKeysCount(ctx); err != nil || n != 0 {
		t.Fatalf("GetMyKeysCount after fetches = %d, %v", n, err)
	}

	if _, err := alice.client.GetKeysForAddr(ctx, "carol", nil); !errs.IsKind(err, errs.KindUnregistered) {
		t.Fatalf("expected unregistered, got %v", err)
	}
	missing := uint32(9)
	if _, err := alice.client.GetKeysForAddr(ctx, "bob", &missing); !errs.IsKind(err, errs.KindUnregistered) {
		t.Fatalf("expected unknown device to be unregistered, got %v", err)
	}
}

func TestBadSignedPreKeyRejected(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	alice := register(t, ts, "alice", 11, 0)

	up := alice.upload(t, 1)
	up.SignedPreKey.Signature = bytes.Repeat([]byte{1}, len(up.SignedPreKey.Signature))
	err := alice.client.RegisterKeys(context.Background(), up)
	var e *errs.Error
	if !errors.As(err, &e) || e.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func message(deviceID, regID uint32, body string) model.OutgoingDeviceMessage {
	return model.OutgoingDeviceMessage{
		Type:                      model.EnvelopeCiphertext,
		DestinationDeviceID:       deviceID,
		DestinationRegistrationID: regID,
		Content:                   []byte(body),
	}
}

func TestDeviceDrift(t *testing.T) {
	ctx := context.Background()
	_, ts := newTestServer(t, Options{})
	alice := register(t, ts, "alice", 11, 0)
	bob := register(t, ts, "bob", 22, 0)
	if _, err := bob.client.LinkDevice(ctx, model.RegisterRequest{RegistrationID: 33}); err != nil {
		t.Fatalf("LinkDevice: %v", err)
	}

	drift := func(list ...model.OutgoingDeviceMessage) *errs.Mismatch {
		t.Helper()
		err := alice.client.SendMessages(ctx, "bob", model.OutgoingMessageList{Messages: list, Timestamp: 1})
		var e *errs.Error
		if !errors.As(err, &e) || e.Kind != errs.KindDeviceDrift {
			t.Fatalf("expected device drift, got %v", err)
		}
		return e.Mismatch
	}

	m := drift(message(1, 22, "x"))
	if m.Drift != errs.DriftMismatch || !slices.Equal(m.Missing, []uint32{2}) || len(m.Extra) != 0 {
		t.Fatalf("unexpected mismatch %+v", m)
	}
	m = drift(message(1, 22, "x"), message(2, 33, "x"), message(3, 44, "x"))
	if !slices.Equal(m.Extra, []uint32{3}) || len(m.Missing) != 0 {
		t.Fatalf("unexpected mismatch %+v", m)
	}
	m = drift(message(1, 22, "x"), message(2, 99, "x"))
	if m.Drift != errs.DriftStale || !slices.Equal(m.Stale, []uint32{2}) {
		t.Fatalf("unexpected stale %+v", m)
	}

	if err := alice.client.SendMessages(ctx, "bob", model.OutgoingMessageList{
		Messages:  []model.OutgoingDeviceMessage{message(1, 22, "x"), message(2, 33, "x")},
		Timestamp: 1,
	}); err != nil {
		t.Fatalf("SendMessages: %v", err)
	}

	// Alice has no other devices, so a sync to herself names none.
	if err := alice.client.SendMessages(ctx, "alice", model.OutgoingMessageList{Timestamp: 1}); err != nil {
		t.Fatalf("SendMessages to own account: %v", err)
	}
	if err := alice.client.SendMessages(ctx, "carol", model.OutgoingMessageList{Timestamp: 1}); !errs.IsKind(err, errs.KindUnregistered) {
		t.Fatalf("expected unregistered, got %v", err)
	}
}

func TestAttachments(t *testing.T) {
	ctx := context.Background()
	s, ts := newTestServer(t, Options{MaxAttachment: 64})
	alice := register(t, ts, "alice", 11, 0)

	blob := []byte("encrypted attachment bytes")
	id, err := alice.client.PutAttachment(ctx, blob)
	if err != nil {
		t.Fatalf("PutAttachment: %v", err)
	}
	got, err := alice.client.GetAttachment(ctx, id)
	if err != nil {
		t.Fatalf("GetAttachment: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatalf("attachment %q", got)
	}

	if _, err := alice.client.PutAttachment(ctx, make([]byte, 65)); !errs.IsKind(err, errs.KindRateLimited) {
		t.Fatalf("expected oversized upload to fail with 413, got %v", err)
	}

	status := func(verb, location string) int {
		t.Helper()
		req, err := http.NewRequest(verb, ts.URL+location, nil)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", verb, location, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := status(http.MethodGet, s.location(http.MethodGet, id)); code != http.StatusOK {
		t.Fatalf("signed GET = %d", code)
	}
	if code := status(http.MethodGet, s.location(http.MethodPut, id)); code != http.StatusForbidden {
		t.Fatalf("PUT signature used for GET = %d", code)
	}
	if code := status(http.MethodGet, s.location(http.MethodGet, id+1)); code != http.StatusNotFound {
		t.Fatalf("unknown attachment = %d", code)
	}

	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired := s.location(http.MethodGet, id)
	s.now = time.Now
	if code := status(http.MethodGet, expired); code != http.StatusForbidden {
		t.Fatalf("expired signature = %d", code)
	}
}

type inbox struct {
	requests chan *websocketresource.IncomingRequest
}

func (in *inbox) handle(req *websocketresource.IncomingRequest) {
	_ = req.Respond(http.StatusOK, "OK", nil)
	in.requests <- req
}

func (in *inbox) next(t *testing.T) *websocketresource.IncomingRequest {
	t.Helper()
	select {
	case req := <-in.requests:
		return req
	case <-time.After(5 * time.Second):
		t.Fatalf("no socket request")
		return nil
	}
}

func (in *inbox) envelope(t *testing.T) *model.Envelope {
	t.Helper()
	req := in.next(t)
	if req.Verb != http.MethodPut || req.Path != pathMessage {
		t.Fatalf("unexpected request %s %s", req.Verb, req.Path)
	}
	env, err := wire.UnmarshalEnvelope(req.Body)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	return env
}

func TestOfflineQueueThenLiveDelivery(t *testing.T) {
	ctx := context.Background()
	_, ts := newTestServer(t, Options{})
	alice := register(t, ts, "alice", 11, 0)
	bob := register(t, ts, "bob", 22, 0)

	send := func(at uint64) {
		t.Helper()
		err := alice.client.SendMessages(ctx, "bob", model.OutgoingMessageList{
			Messages:  []model.OutgoingDeviceMessage{message(1, 22, "m")},
			Timestamp: at,
		})
		if err != nil {
			t.Fatalf("SendMessages: %v", err)
		}
	}
	for i := uint64(1); i <= 3; i++ {
		send(i)
	}

	in := &inbox{requests: make(chan *websocketresource.IncomingRequest, 16)}
	sock, err := bob.client.OpenMessageSocket(ctx, websocketresource.Options{HandleRequest: in.handle})
	if err != nil {
		t.Fatalf("OpenMessageSocket: %v", err)
	}
	defer sock.Close(1000, "done")

	for i := uint64(1); i <= 3; i++ {
		env := in.envelope(t)
		if env.Timestamp != i || env.Source != "alice" || env.SourceDevice != 1 || string(env.Content) != "m" {
			t.Fatalf("queued envelope %d: %+v", i, env)
		}
	}
	if req := in.next(t); req.Path != pathQueueEmpty {
		t.Fatalf("expected queue empty signal, got %s", req.Path)
	}

	send(4)
	if env := in.envelope(t); env.Timestamp != 4 {
		t.Fatalf("live envelope %+v", env)
	}

	resp, err := sock.SendRequest(ctx, http.MethodGet, websocketresource.DefaultKeepAlivePath, nil)
	if err != nil || resp.Status != http.StatusOK {
		t.Fatalf("keep-alive: %+v, %v", resp, err)
	}

	bob.client.AttachSocket(sock)
	devices, err := bob.client.GetDevices(ctx)
	if err != nil || len(devices) != 1 {
		t.Fatalf("GetDevices over socket: %+v, %v", devices, err)
	}
}

func TestSocketRejectsBadCredentials(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	alice := register(t, ts, "alice", 11, 0)
	alice.client.SetCredentials(alice.addr, "wrong")
	_, err := alice.client.OpenMessageSocket(context.Background(), websocketresource.Options{})
	if !errs.IsKind(err, errs.KindAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestPushTokenRegistration(t *testing.T) {
	ctx := context.Background()
	s, ts := newTestServer(t, Options{})
	alice := register(t, ts, "alice", 11, 0)

	if err := alice.client.RegisterPushToken(ctx, "token-1"); err != nil {
		t.Fatalf("RegisterPushToken: %v", err)
	}
	acc, err := s.accounts.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(acc.Devices) != 1 || acc.Devices[0].PushToken != "token-1" {
		t.Fatalf("push token not stored: %+v", acc.Devices)
	}

	alice.client.SetCredentials(alice.addr, "wrong")
	if err := alice.client.RegisterPushToken(ctx, "token-2"); !errs.IsKind(err, errs.KindAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}
