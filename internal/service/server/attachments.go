package server

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/storage"
	"e2e_multidevice/internal/utils/log"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *HttpServer) handleAllocateAttachment(w http.ResponseWriter, r *http.Request, c *caller) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	id := binary.BigEndian.Uint64(b[:]) >> 1
	writeJSON(w, http.StatusOK, model.AttachmentLocation{ID: id, Location: s.location(http.MethodPut, id)})
}

func (s *HttpServer) handleAttachmentLocation(w http.ResponseWriter, r *http.Request, c *caller) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "bad attachment id", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, model.AttachmentLocation{ID: id, Location: s.location(http.MethodGet, id)})
}

// location is a relative URL valid for one verb until it expires.
func (s *HttpServer) location(verb string, id uint64) string {
	expires := s.now().Add(s.opts.AttachmentTTL).Unix()
	q := url.Values{
		"expires": {strconv.FormatInt(expires, 10)},
		"sig":     {s.sign(verb, id, expires)},
	}
	return fmt.Sprintf("/attachments/%d?%s", id, q.Encode())
}

func (s *HttpServer) sign(verb string, id uint64, expires int64) string {
	mac := hmac.New(sha256.New, s.opts.AttachmentSecret)
	fmt.Fprintf(mac, "%s\n%d\n%d", verb, id, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *HttpServer) checkSignature(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, false
	}
	q := r.URL.Query()
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil || s.now().Unix() > expires {
		return 0, false
	}
	want := s.sign(r.Method, id, expires)
	return id, hmac.Equal([]byte(want), []byte(q.Get("sig")))
}

func (s *HttpServer) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.checkSignature(r)
	if !ok {
		http.Error(w, "invalid or expired signature", http.StatusForbidden)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxAttachment))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "attachment too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	if err := s.blobs.PutBlob(r.Context(), strconv.FormatUint(id, 10), data); err != nil {
		log.Error("store attachment failed", zap.Uint64("id", id), zap.Error(err))
		http.Error(w, "store failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *HttpServer) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.checkSignature(r)
	if !ok {
		http.Error(w, "invalid or expired signature", http.StatusForbidden)
		return
	}

	data, err := s.blobs.GetBlob(r.Context(), strconv.FormatUint(id, 10))
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "attachment does not exist", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "load failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}
