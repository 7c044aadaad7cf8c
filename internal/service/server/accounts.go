package server

import (
	"crypto/rand"
	"errors"
	"net/http"
	"strings"

	"e2e_multidevice/internal/cryptographic/kdf"
	"e2e_multidevice/internal/cryptographic/signature"
	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/repository/account"
	"e2e_multidevice/internal/utils/log"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const primaryDeviceID = 1

func (s *HttpServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if strings.TrimSpace(name) == "" {
		http.Error(w, "name cannot be empty", http.StatusBadRequest)
		return
	}

	var req model.RegisterRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Password == "" {
		http.Error(w, "password cannot be empty", http.StatusBadRequest)
		return
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	now := s.now().UnixMilli()
	acc := &account.Account{
		Name:         name,
		PasswordHash: kdf.PasswordHash(req.Password, salt),
		Salt:         salt,
		Created:      now,
		Devices: []account.Device{{
			ID:             primaryDeviceID,
			Name:           req.Name,
			RegistrationID: req.RegistrationID,
			Created:        now,
			LastSeen:       now,
			PreKeys:        []model.PreKeyPublic{},
		}},
	}

	err := s.accounts.Create(r.Context(), acc)
	if errors.Is(err, account.ErrExists) {
		http.Error(w, "name already registered", http.StatusExpectationFailed)
		return
	}
	if err != nil {
		log.Error("create account failed", zap.String("name", name), zap.Error(err))
		http.Error(w, "create account failed", http.StatusInternalServerError)
		return
	}

	log.Info("account registered", zap.String("name", name))
	writeJSON(w, http.StatusOK, model.RegisterResponse{DeviceID: primaryDeviceID})
}

func (s *HttpServer) handleLinkDevice(w http.ResponseWriter, r *http.Request, c *caller) {
	var req model.RegisterRequest
	if !readJSON(w, r, &req) {
		return
	}

	s.regMu.Lock()
	defer s.regMu.Unlock()

	acc, err := s.accounts.Get(r.Context(), c.addr.Name)
	if err != nil {
		http.Error(w, "account lookup failed", http.StatusInternalServerError)
		return
	}
	now := s.now().UnixMilli()
	dev := account.Device{
		ID:             acc.NextDeviceID(),
		Name:           req.Name,
		RegistrationID: req.RegistrationID,
		Created:        now,
		LastSeen:       now,
		PreKeys:        []model.PreKeyPublic{},
	}
	if err := s.accounts.AddDevice(r.Context(), acc.Name, dev); err != nil {
		log.Error("link device failed", zap.String("name", acc.Name), zap.Error(err))
		http.Error(w, "link device failed", http.StatusInternalServerError)
		return
	}

	log.Info("device linked", zap.String("name", acc.Name), zap.Uint32("device", dev.ID))
	writeJSON(w, http.StatusOK, model.RegisterResponse{DeviceID: dev.ID})
}

func (s *HttpServer) handleListDevices(w http.ResponseWriter, r *http.Request, c *caller) {
	out := model.DeviceList{Devices: make([]model.Device, 0, len(c.acc.Devices))}
	for _, d := range c.acc.Devices {
		out.Devices = append(out.Devices, model.Device{ID: d.ID, Name: d.Name, Created: d.Created, LastSeen: d.LastSeen})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HttpServer) handlePushToken(w http.ResponseWriter, r *http.Request, c *caller) {
	var req model.PushToken
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.accounts.SetPushToken(r.Context(), c.addr.Name, c.addr.DeviceID, req.Token); err != nil {
		http.Error(w, "store push token failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HttpServer) handlePutKeys(w http.ResponseWriter, r *http.Request, c *caller) {
	var req model.KeysUpload
	if !readJSON(w, r, &req) {
		return
	}
	if err := req.IdentityKey.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !signature.Verify(req.IdentityKey.Signing(), req.SignedPreKey.PublicKey, req.SignedPreKey.Signature) {
		http.Error(w, "invalid signed prekey signature", http.StatusBadRequest)
		return
	}

	err := s.accounts.SetKeys(r.Context(), c.addr.Name, c.addr.DeviceID, req.IdentityKey, req.SignedPreKey, req.PreKeys)
	if err != nil {
		log.Error("store keys failed", zap.Stringer("addr", c.addr), zap.Error(err))
		http.Error(w, "store keys failed", http.StatusInternalServerError)
		return
	}
	log.Debug("keys published", zap.Stringer("addr", c.addr), zap.Int("prekeys", len(req.PreKeys)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *HttpServer) handleKeyCount(w http.ResponseWriter, r *http.Request, c *caller) {
	dev := c.acc.Device(c.addr.DeviceID)
	writeJSON(w, http.StatusOK, model.PreKeyCount{Count: len(dev.PreKeys)})
}

// handleGetKeys hands out one bundle per requested device, consuming one
// prekey of each when available.
func (s *HttpServer) handleGetKeys(w http.ResponseWriter, r *http.Request, c *caller) {
	vars := mux.Vars(r)
	acc, err := s.accounts.Get(r.Context(), vars["name"])
	if errors.Is(err, account.ErrNotFound) {
		http.Error(w, "user does not exist", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "get keys failed", http.StatusInternalServerError)
		return
	}
	if len(acc.IdentityKey) == 0 {
		http.Error(w, "no keys published", http.StatusNotFound)
		return
	}

	var devices []account.Device
	if vars["device"] == "*" {
		devices = acc.Devices
	} else {
		addr, err := model.ParseAddress(acc.Name + "." + vars["device"])
		if err != nil {
			http.Error(w, "bad device id", http.StatusBadRequest)
			return
		}
		dev := acc.Device(addr.DeviceID)
		if dev == nil {
			http.Error(w, "device does not exist", http.StatusNotFound)
			return
		}
		devices = []account.Device{*dev}
	}

	resp := model.KeysResponse{IdentityKey: acc.IdentityKey}
	for _, d := range devices {
		if d.SignedPreKey == nil {
			continue
		}
		pk, err := s.accounts.PopPreKey(r.Context(), acc.Name, d.ID)
		if err != nil {
			log.Error("pop prekey failed", zap.String("name", acc.Name), zap.Uint32("device", d.ID), zap.Error(err))
			http.Error(w, "get keys failed", http.StatusInternalServerError)
			return
		}
		resp.Devices = append(resp.Devices, model.DeviceKeys{
			DeviceID:       d.ID,
			RegistrationID: d.RegistrationID,
			SignedPreKey:   d.SignedPreKey,
			PreKey:         pk,
		})
	}
	if len(resp.Devices) == 0 {
		http.Error(w, "no keys published", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
