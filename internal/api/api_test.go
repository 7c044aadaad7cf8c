package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"e2e_multidevice/internal/errs"
	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/transport/websocketresource"

	"github.com/gorilla/websocket"
)

// silentSocket attaches a socket whose peer reads requests and never answers.
func silentSocket(t *testing.T, c *Client) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	sock := websocketresource.New(conn, websocketresource.Options{})
	t.Cleanup(func() { sock.Close(websocket.CloseNormalClosure, "done") })
	c.AttachSocket(sock)
}

func TestSocketRequestDeadlineIsNetworkError(t *testing.T) {
	c, err := New("http://relay.invalid")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.SetCredentials(model.Address{Name: "alice", DeviceID: 1}, "pw")
	silentSocket(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = c.RegisterPushToken(ctx, "token")
	if !errs.IsKind(err, errs.KindNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cause lost: %v", err)
	}
}
