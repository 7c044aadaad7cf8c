package app

import (
	"context"
	"errors"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"e2e_multidevice/internal/config"
	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/repository/account"
	"e2e_multidevice/internal/repository/history"
	"e2e_multidevice/internal/service/server"
	"e2e_multidevice/internal/storage/memory"
	"e2e_multidevice/internal/utils/log"

	"go.uber.org/zap"
)

func init() {
	log.SetLogger(zap.NewNop())
}

func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	q := server.NewMemoryQueue()
	s := server.NewHttpServer(account.NewMemoryRepo(), q, q, server.Options{AttachmentSecret: []byte("test")})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

type events struct {
	messages chan model.Message
	synced   chan history.MergeStats
	empty    chan struct{}
}

func (e *events) handlers() Events {
	return Events{
		Message: func(m model.Message) { e.messages <- m },
		Synced:  func(_ string, s history.MergeStats) { e.synced <- s },
		Empty: func() {
			select {
			case e.empty <- struct{}{}:
			default:
			}
		},
	}
}

type device struct {
	*App
	ev *events
}

func newDevice(t *testing.T, ts *httptest.Server) *device {
	t.Helper()
	cfg := config.DefaultClient()
	cfg.Server = ts.URL
	cfg.Store = "memory"
	cfg.PreKeyBatch = 5
	cfg.MinPreKeys = 1
	a, err := NewApp(cfg, memory.New())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return &device{App: a, ev: &events{
		messages: make(chan model.Message, 32),
		synced:   make(chan history.MergeStats, 32),
		empty:    make(chan struct{}, 1),
	}}
}

func (d *device) open(t *testing.T) {
	t.Helper()
	if err := d.Open(context.Background(), d.ev.handlers()); err != nil {
		t.Fatalf("Open: %v", err)
	}
}

// run connects the device and waits until its offline queue is drained.
func (d *device) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Errorf("%s did not stop", d.Self())
		}
	})
	wait(t, d.ev.empty)
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		var zero T
		t.Fatalf("timed out waiting for event")
		return zero
	}
}

func (d *device) send(t *testing.T, to, body string) {
	t.Helper()
	msg, err := d.Send(context.Background(), to, body)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if failures := msg.Errors(); len(failures) > 0 {
		t.Fatalf("Send failures: %+v", failures)
	}
	// history ids are derived from the millisecond timestamp
	time.Sleep(2 * time.Millisecond)
}

func (d *device) messageIDs(t *testing.T) []string {
	t.Helper()
	ids, err := d.History().MessageIDs(context.Background())
	if err != nil {
		t.Fatalf("MessageIDs: %v", err)
	}
	slices.Sort(ids)
	return ids
}

func TestMessagesAcrossPaddingBoundaries(t *testing.T) {
	ctx := context.Background()
	ts := newRelay(t)

	alice := newDevice(t, ts)
	if err := alice.Register(ctx, "alice", "alice-pw", "phone"); err != nil {
		t.Fatalf("Register alice: %v", err)
	}
	alice.open(t)

	bob := newDevice(t, ts)
	if err := bob.Register(ctx, "bob", "bob-pw", "phone"); err != nil {
		t.Fatalf("Register bob: %v", err)
	}
	bob.open(t)
	bob.run(t)

	sizes := []int{0, 1, 159, 160, 161, 320}
	for _, n := range sizes {
		alice.send(t, "bob", strings.Repeat("x", n))
	}
	for _, n := range sizes {
		m := wait(t, bob.ev.messages)
		if len(m.Body) != n || m.Source != "alice" || m.ThreadID != "alice" {
			t.Fatalf("expected a %d byte message from alice, got %d bytes from %s", n, len(m.Body), m.Source)
		}
	}

	if got := bob.messageIDs(t); len(got) != len(sizes) {
		t.Fatalf("bob stored %d messages", len(got))
	}
	if got, want := bob.messageIDs(t), alice.messageIDs(t); !slices.Equal(got, want) {
		t.Fatalf("message ids differ between sender and recipient")
	}
}

func TestReplyAfterSessionSetup(t *testing.T) {
	ctx := context.Background()
	ts := newRelay(t)

	alice := newDevice(t, ts)
	if err := alice.Register(ctx, "alice", "alice-pw", ""); err != nil {
		t.Fatalf("Register alice: %v", err)
	}
	alice.open(t)
	alice.run(t)

	bob := newDevice(t, ts)
	if err := bob.Register(ctx, "bob", "bob-pw", ""); err != nil {
		t.Fatalf("Register bob: %v", err)
	}
	bob.open(t)
	bob.run(t)

	alice.send(t, "bob", "ping")
	if m := wait(t, bob.ev.messages); m.Body != "ping" {
		t.Fatalf("bob got %q", m.Body)
	}
	bob.send(t, "alice", "pong")
	if m := wait(t, alice.ev.messages); m.Body != "pong" || m.Source != "bob" {
		t.Fatalf("alice got %q from %s", m.Body, m.Source)
	}
}

func TestLinkedDeviceTranscriptAndHistorySync(t *testing.T) {
	ctx := context.Background()
	ts := newRelay(t)

	bob := newDevice(t, ts)
	if err := bob.Register(ctx, "bob", "bob-pw", ""); err != nil {
		t.Fatalf("Register bob: %v", err)
	}

	phone := newDevice(t, ts)
	if err := phone.Register(ctx, "alice", "alice-pw", "phone"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	phone.open(t)
	phone.send(t, "bob", "before the laptop")

	code, err := phone.ExportProvisioning(ctx)
	if err != nil {
		t.Fatalf("ExportProvisioning: %v", err)
	}
	laptop := newDevice(t, ts)
	if err := laptop.Link(ctx, code, "wrong", "laptop"); err == nil {
		t.Fatalf("link with the wrong password succeeded")
	}
	if err := laptop.Link(ctx, code, "alice-pw", "laptop"); err != nil {
		t.Fatalf("Link: %v", err)
	}
	laptop.open(t)
	if self := laptop.Self(); self.Name != "alice" || self.DeviceID != 2 {
		t.Fatalf("laptop is %s", self)
	}

	phone.run(t)
	laptop.run(t)

	phone.send(t, "bob", "after the laptop")
	m := wait(t, laptop.ev.messages)
	if m.Body != "after the laptop" || m.ThreadID != "bob" || m.SourceDevice != 1 {
		t.Fatalf("unexpected transcript %+v", m)
	}

	if _, err := laptop.RequestSync(ctx, nil); err != nil {
		t.Fatalf("RequestSync: %v", err)
	}
	deadline := time.After(10 * time.Second)
	for !slices.Equal(laptop.messageIDs(t), phone.messageIDs(t)) {
		select {
		case <-laptop.ev.synced:
		case <-deadline:
			t.Fatalf("laptop history %v never matched phone %v", laptop.messageIDs(t), phone.messageIDs(t))
		}
	}
	if n := len(laptop.messageIDs(t)); n != 2 {
		t.Fatalf("expected 2 messages after sync, got %d", n)
	}

	devices, err := laptop.Devices(ctx)
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %+v", devices)
	}
}

func TestRegisterPushAndOnline(t *testing.T) {
	ctx := context.Background()
	ts := newRelay(t)

	alice := newDevice(t, ts)
	if err := alice.RegisterPush(ctx, "token"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("unregistered device: %v", err)
	}
	// no receiver yet
	alice.Online()

	if err := alice.Register(ctx, "alice", "alice-pw", "phone"); err != nil {
		t.Fatalf("Register alice: %v", err)
	}
	alice.open(t)
	alice.run(t)
	alice.Online()
	if err := alice.RegisterPush(ctx, "token"); err != nil {
		t.Fatalf("RegisterPush: %v", err)
	}
}
