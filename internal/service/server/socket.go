package server

import (
	"bytes"
	"context"
	"net/http"

	"e2e_multidevice/internal/transport/websocketresource"
	"e2e_multidevice/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// handleWebSocket opens the message socket of one device. Credentials come
// in the query since browsers cannot set headers on the upgrade request.
func (s *HttpServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c, err := s.authenticate(r.Context(), q.Get("login"), q.Get("password"))
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("upgrade failed", zap.Error(err))
		return
	}

	key := c.addr.String()
	sock := websocketresource.New(conn, websocketresource.Options{
		HandleRequest: func(req *websocketresource.IncomingRequest) {
			go s.serveSocketRequest(c, req)
		},
		OnError: func(err error) {
			log.Warn("socket protocol error", zap.String("addr", key), zap.Error(err))
		},
	})
	openSockets.Inc()
	log.Info("device connected", zap.String("addr", key))

	go func() {
		<-sock.Done()
		s.detach(key, sock)
		openSockets.Dec()
		code, reason := sock.CloseCode()
		log.Info("device disconnected", zap.String("addr", key), zap.Int("code", code), zap.String("reason", reason))
	}()
	go s.attach(c.addr, sock)
}

// serveSocketRequest answers keep-alives and runs every other request
// through the REST router as the socket's device.
func (s *HttpServer) serveSocketRequest(c *caller, req *websocketresource.IncomingRequest) {
	if req.Verb == http.MethodGet && req.Path == websocketresource.DefaultKeepAlivePath {
		_ = req.Respond(http.StatusOK, "OK", nil)
		return
	}

	ctx := context.Background()
	acc, err := s.accounts.Get(ctx, c.addr.Name)
	if err != nil || acc.Device(c.addr.DeviceID) == nil {
		_ = req.Respond(http.StatusUnauthorized, "Unauthorized", nil)
		return
	}
	ctx = context.WithValue(ctx, callerKey{}, &caller{acc: acc, addr: c.addr})

	httpReq, err := http.NewRequestWithContext(ctx, req.Verb, req.Path, bytes.NewReader(req.Body))
	if err != nil {
		_ = req.Respond(http.StatusBadRequest, "Bad request", nil)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	rec := &socketResponse{header: make(http.Header), status: http.StatusOK}
	s.router.ServeHTTP(rec, httpReq)
	_ = req.Respond(rec.status, http.StatusText(rec.status), rec.body.Bytes())
}

// socketResponse collects a router response for the socket.
type socketResponse struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *socketResponse) Header() http.Header {
	return r.header
}

func (r *socketResponse) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
}

func (r *socketResponse) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.body.Write(b)
}
