package receiver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"e2e_multidevice/internal/errs"
	"e2e_multidevice/internal/keystore"
	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/session"
	"e2e_multidevice/internal/storage/memory"
	"e2e_multidevice/internal/transport/websocketresource"

	"github.com/gorilla/websocket"
)

// socketAPI dials real sockets to a local endpoint. Each dial and ping
// takes the next scripted result; an exhausted script means success.
type socketAPI struct {
	fakeAPI

	url   string
	conns chan *websocket.Conn
	pings chan struct{}

	mu       sync.Mutex
	dials    []error
	pingErrs []error
	opened   int
	pinged   int
}

func newSocketAPI(t *testing.T) *socketAPI {
	t.Helper()
	api := &socketAPI{
		conns: make(chan *websocket.Conn, 4),
		pings: make(chan struct{}, 16),
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		api.conns <- conn
	}))
	t.Cleanup(srv.Close)
	api.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return api
}

func (a *socketAPI) OpenMessageSocket(ctx context.Context, opts websocketresource.Options) (*websocketresource.Resource, error) {
	a.mu.Lock()
	a.opened++
	var err error
	if len(a.dials) > 0 {
		err, a.dials = a.dials[0], a.dials[1:]
	}
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return nil, errs.Network("dial", err)
	}
	return websocketresource.New(conn, opts), nil
}

func (a *socketAPI) Ping(context.Context) error {
	a.mu.Lock()
	a.pinged++
	var err error
	if len(a.pingErrs) > 0 {
		err, a.pingErrs = a.pingErrs[0], a.pingErrs[1:]
	}
	a.mu.Unlock()

	select {
	case a.pings <- struct{}{}:
	default:
	}
	return err
}

func (a *socketAPI) counts() (opened, pinged int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opened, a.pinged
}

// accept returns the server side of the next connection.
func (a *socketAPI) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-a.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("no connection")
		return nil
	}
}

func closeWith(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	msg := websocket.FormatCloseMessage(code, "")
	if err := c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("write close: %v", err)
	}
	_ = c.Close()
}

func runReceiver(t *testing.T, api *socketAPI, b Backoff) (*Receiver, *recorder, <-chan error) {
	t.Helper()
	ks := keystore.New(memory.New())
	rec := &recorder{}
	r := New(model.Address{Name: "alice", DeviceID: 1}, api, ks, session.NewCipher(ks), rec.handlers(), WithBackoff(b))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		done <- r.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return r, rec, done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("receiver loop did not stop")
		return nil
	}
}

var fastBackoff = Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond}

func TestReconnectAfterAbnormalClose(t *testing.T) {
	api := newSocketAPI(t)
	_, rec, done := runReceiver(t, api, fastBackoff)

	closeWith(t, api.accept(t), websocket.CloseInternalServerErr)
	second := api.accept(t)
	if opened, pinged := api.counts(); opened != 2 || pinged != 1 {
		t.Fatalf("opened=%d pinged=%d, want a ping before reconnecting", opened, pinged)
	}

	closeWith(t, second, websocket.CloseNormalClosure)
	if err := wait(t, done); err != nil {
		t.Fatalf("normal close should end the loop cleanly: %v", err)
	}
	if opened, _ := api.counts(); opened != 2 {
		t.Fatalf("reconnected after a normal close")
	}
	if len(rec.errors) != 0 {
		t.Fatalf("unexpected errors %v", rec.errors)
	}
}

func TestUnreachableServerIsPingedAgain(t *testing.T) {
	api := newSocketAPI(t)
	api.dials = []error{errs.Network("down", nil)}
	api.pingErrs = []error{errs.Network("down", nil), errs.Network("down", nil)}
	_, _, done := runReceiver(t, api, fastBackoff)

	closeWith(t, api.accept(t), websocket.CloseNormalClosure)
	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if opened, pinged := api.counts(); opened != 2 || pinged != 3 {
		t.Fatalf("opened=%d pinged=%d", opened, pinged)
	}
}

func TestAuthFailureStopsLoop(t *testing.T) {
	t.Run("ping", func(t *testing.T) {
		api := newSocketAPI(t)
		api.pingErrs = []error{errs.FromStatus(http.StatusUnauthorized, nil)}
		_, rec, done := runReceiver(t, api, fastBackoff)

		closeWith(t, api.accept(t), websocket.CloseGoingAway)
		if err := wait(t, done); !errs.IsKind(err, errs.KindAuth) {
			t.Fatalf("expected auth error, got %v", err)
		}
		if len(rec.errors) != 1 || !errs.IsKind(rec.errors[0], errs.KindAuth) {
			t.Fatalf("auth failure should be reported once, got %v", rec.errors)
		}
		if opened, _ := api.counts(); opened != 1 {
			t.Fatalf("reconnected with broken credentials")
		}
	})

	t.Run("dial", func(t *testing.T) {
		api := newSocketAPI(t)
		api.dials = []error{errs.FromStatus(http.StatusForbidden, nil)}
		_, rec, done := runReceiver(t, api, fastBackoff)

		if err := wait(t, done); !errs.IsKind(err, errs.KindAuth) {
			t.Fatalf("expected auth error, got %v", err)
		}
		if len(rec.errors) != 1 {
			t.Fatalf("auth failure should be reported once, got %v", rec.errors)
		}
		if _, pinged := api.counts(); pinged != 0 {
			t.Fatalf("pinged after an auth failure")
		}
	})
}

func TestOnlineSignalCutsBackoff(t *testing.T) {
	api := newSocketAPI(t)
	api.dials = []error{errs.Network("down", nil)}
	api.pingErrs = []error{errs.Network("down", nil)}
	r, _, done := runReceiver(t, api, Backoff{Initial: time.Hour, Max: time.Hour})

	select {
	case <-api.pings:
	case <-time.After(5 * time.Second):
		t.Fatalf("no reachability ping")
	}
	r.Online()

	closeWith(t, api.accept(t), websocket.CloseNormalClosure)
	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if opened, pinged := api.counts(); opened != 2 || pinged != 2 {
		t.Fatalf("opened=%d pinged=%d", opened, pinged)
	}
}

func TestFullBacklogAnswersBusy(t *testing.T) {
	api := newSocketAPI(t)
	ks := keystore.New(memory.New())
	rec := &recorder{}
	r := New(model.Address{Name: "alice", DeviceID: 1}, api, ks, session.NewCipher(ks), rec.handlers())
	r.requests = make(chan *websocketresource.IncomingRequest, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := api.OpenMessageSocket(ctx, websocketresource.Options{HandleRequest: r.HandleRequest})
	if err != nil {
		t.Fatalf("OpenMessageSocket: %v", err)
	}
	defer client.Close(websocket.CloseNormalClosure, "done")
	relay := websocketresource.New(api.accept(t), websocketresource.Options{})

	first := make(chan *websocketresource.Response, 1)
	go func() {
		resp, err := relay.SendRequest(ctx, http.MethodPut, PathQueueEmpty, nil)
		if err != nil {
			t.Errorf("first request: %v", err)
		}
		first <- resp
	}()
	for len(r.requests) == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("first request never queued")
		case <-time.After(time.Millisecond):
		}
	}

	resp, err := relay.SendRequest(ctx, http.MethodPut, PathMessage, nil)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503 while the backlog is full", resp.Status)
	}

	go r.work(ctx)
	if resp := <-first; resp == nil || resp.Status != http.StatusOK {
		t.Fatalf("queued request answered %+v", resp)
	}
}
