// Package server is the relay: it registers accounts and devices, hands out
// prekey bundles, checks device lists on submission and pushes envelopes
// over each device's message socket, queueing them while it is offline.
package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"e2e_multidevice/internal/cryptographic/kdf"
	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/repository/account"
	"e2e_multidevice/internal/transport/websocketresource"
	"e2e_multidevice/internal/utils/log"
	"e2e_multidevice/internal/utils/queue"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type (
	// MessageQueue holds envelopes for devices without an open socket.
	MessageQueue interface {
		Push(ctx context.Context, addr string, envelopes ...[]byte) error
		Drain(ctx context.Context, addr string) ([][]byte, error)
	}

	// BlobStore keeps encrypted attachment blobs. GetBlob returns
	// storage.ErrNotFound for unknown ids.
	BlobStore interface {
		PutBlob(ctx context.Context, id string, data []byte) error
		GetBlob(ctx context.Context, id string) ([]byte, error)
	}

	Options struct {
		// AttachmentSecret signs attachment locations. A random secret is
		// used when empty.
		AttachmentSecret []byte
		AttachmentTTL    time.Duration
		MaxAttachment    int64
	}

	HttpServer struct {
		accounts account.Repo
		queue    MessageQueue
		blobs    BlobStore
		opts     Options

		mu       sync.Mutex
		sockets  map[string]*websocketresource.Resource
		verified map[string][32]byte

		// regMu serializes device id allocation.
		regMu    sync.Mutex
		delivery *queue.Keyed
		router   *mux.Router
		now      func() time.Time
	}

	caller struct {
		acc  *account.Account
		addr model.Address
	}

	callerKey struct{}
)

func NewHttpServer(accounts account.Repo, q MessageQueue, blobs BlobStore, opts Options) *HttpServer {
	if len(opts.AttachmentSecret) == 0 {
		opts.AttachmentSecret = make([]byte, 32)
		_, _ = rand.Read(opts.AttachmentSecret)
	}
	if opts.AttachmentTTL <= 0 {
		opts.AttachmentTTL = time.Hour
	}
	if opts.MaxAttachment <= 0 {
		opts.MaxAttachment = 100 << 20
	}
	s := &HttpServer{
		accounts: accounts,
		queue:    q,
		blobs:    blobs,
		opts:     opts,
		sockets:  make(map[string]*websocketresource.Resource),
		verified: make(map[string][32]byte),
		delivery: queue.NewKeyed(),
		now:      time.Now,
	}
	s.router = s.routes()
	return s
}

func (s *HttpServer) routes() *mux.Router {
	registerMetrics()

	r := mux.NewRouter()
	r.Use(metricsMiddleware)

	r.Handle("/v1/accounts/push", s.authed(s.handlePushToken)).Methods(http.MethodPut)
	r.HandleFunc("/v1/accounts/{name}", s.handleRegister).Methods(http.MethodPut)
	r.Handle("/v1/devices", s.authed(s.handleLinkDevice)).Methods(http.MethodPut)
	r.Handle("/v1/devices", s.authed(s.handleListDevices)).Methods(http.MethodGet)

	r.Handle("/v2/keys", s.authed(s.handlePutKeys)).Methods(http.MethodPut)
	r.Handle("/v2/keys", s.authed(s.handleKeyCount)).Methods(http.MethodGet)
	r.Handle("/v2/keys/{name}/{device}", s.authed(s.handleGetKeys)).Methods(http.MethodGet)

	r.Handle("/v1/messages/{name}", s.authed(s.handleSendMessages)).Methods(http.MethodPut)

	r.Handle("/v1/attachments", s.authed(s.handleAllocateAttachment)).Methods(http.MethodGet)
	r.Handle("/v1/attachments/{id:[0-9]+}", s.authed(s.handleAttachmentLocation)).Methods(http.MethodGet)
	r.HandleFunc("/attachments/{id:[0-9]+}", s.handlePutBlob).Methods(http.MethodPut)
	r.HandleFunc("/attachments/{id:[0-9]+}", s.handleGetBlob).Methods(http.MethodGet)

	r.HandleFunc("/v1/websocket", s.handleWebSocket).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func (s *HttpServer) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx ends.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ErrorLog: zap.NewStdLog(log.Named("http"))}

	go func() {
		<-ctx.Done()
		s.closeSockets()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("relay shutdown failed", zap.Error(err))
		}
	}()

	log.Info("relay listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// authed resolves the caller from a socket request context or from basic
// auth ("name.device" and the account password).
func (s *HttpServer) authed(h func(http.ResponseWriter, *http.Request, *caller)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, ok := r.Context().Value(callerKey{}).(*caller); ok {
			h(w, r, c)
			return
		}
		login, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="relay"`)
			http.Error(w, "missing credentials", http.StatusUnauthorized)
			return
		}
		c, err := s.authenticate(r.Context(), login, password)
		if err != nil {
			log.Debug("authentication failed", zap.String("login", login), zap.Error(err))
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		h(w, r, c)
	})
}

var errBadCredentials = errors.New("bad credentials")

func (s *HttpServer) authenticate(ctx context.Context, login, password string) (*caller, error) {
	addr, err := model.ParseAddress(login)
	if err != nil {
		return nil, err
	}
	acc, err := s.accounts.Get(ctx, addr.Name)
	if err != nil {
		return nil, err
	}
	if acc.Device(addr.DeviceID) == nil {
		return nil, errBadCredentials
	}

	sum := sha256.Sum256([]byte(password))
	s.mu.Lock()
	cached, ok := s.verified[acc.Name]
	s.mu.Unlock()
	if !ok || subtle.ConstantTimeCompare(cached[:], sum[:]) != 1 {
		if subtle.ConstantTimeCompare(kdf.PasswordHash(password, acc.Salt), acc.PasswordHash) != 1 {
			return nil, errBadCredentials
		}
		s.mu.Lock()
		s.verified[acc.Name] = sum
		s.mu.Unlock()
	}

	if err := s.accounts.Touch(ctx, addr.Name, addr.DeviceID, s.now().UnixMilli()); err != nil {
		log.Warn("touch device failed", zap.Stringer("addr", addr), zap.Error(err))
	}
	return &caller{acc: acc, addr: addr}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal response failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(v); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return false
	}
	return true
}
