package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/protocol/wire"
	"e2e_multidevice/internal/repository/account"
	"e2e_multidevice/internal/transport/websocketresource"
	"e2e_multidevice/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pathMessage    = "/api/v1/message"
	pathQueueEmpty = "/api/v1/queue/empty"

	pushTimeout = 10 * time.Second
	busyRetry   = 100 * time.Millisecond
)

var errDeviceBusy = errors.New("device busy")

// handleSendMessages accepts one ciphertext per destination device. The
// batch must name exactly the account's devices, excluding the sender's own
// device, with their current registration ids.
func (s *HttpServer) handleSendMessages(w http.ResponseWriter, r *http.Request, c *caller) {
	name := mux.Vars(r)["name"]

	var list model.OutgoingMessageList
	if !readJSON(w, r, &list) {
		return
	}

	acc, err := s.accounts.Get(r.Context(), name)
	if errors.Is(err, account.ErrNotFound) {
		http.Error(w, "user does not exist", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	expected := acc.DeviceIDs()
	if name == c.addr.Name {
		expected = slices.DeleteFunc(expected, func(id uint32) bool { return id == c.addr.DeviceID })
	}
	provided := make([]uint32, 0, len(list.Messages))
	for _, m := range list.Messages {
		if slices.Contains(provided, m.DestinationDeviceID) {
			http.Error(w, "duplicate destination device", http.StatusBadRequest)
			return
		}
		provided = append(provided, m.DestinationDeviceID)
	}

	mismatch := model.MismatchedDevices{
		MissingDevices: []uint32{},
		ExtraDevices:   []uint32{},
	}
	for _, id := range expected {
		if !slices.Contains(provided, id) {
			mismatch.MissingDevices = append(mismatch.MissingDevices, id)
		}
	}
	for _, id := range provided {
		if !slices.Contains(expected, id) {
			mismatch.ExtraDevices = append(mismatch.ExtraDevices, id)
		}
	}
	if len(mismatch.MissingDevices)+len(mismatch.ExtraDevices) > 0 {
		deviceDrift.WithLabelValues("mismatched").Inc()
		writeJSON(w, http.StatusConflict, mismatch)
		return
	}

	stale := model.StaleDevices{StaleDevices: []uint32{}}
	for _, m := range list.Messages {
		if acc.Device(m.DestinationDeviceID).RegistrationID != m.DestinationRegistrationID {
			stale.StaleDevices = append(stale.StaleDevices, m.DestinationDeviceID)
		}
	}
	if len(stale.StaleDevices) > 0 {
		deviceDrift.WithLabelValues("stale").Inc()
		writeJSON(w, http.StatusGone, stale)
		return
	}

	for _, m := range list.Messages {
		env := wire.MarshalEnvelope(&model.Envelope{
			Type:         m.Type,
			Source:       c.addr.Name,
			SourceDevice: c.addr.DeviceID,
			Timestamp:    list.Timestamp,
			Content:      m.Content,
		})
		dest := model.Address{Name: name, DeviceID: m.DestinationDeviceID}
		if err := s.deliver(r.Context(), dest, env); err != nil {
			log.Error("deliver failed", zap.Stringer("to", dest), zap.Error(err))
			http.Error(w, "deliver failed", http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// deliver pushes env over the destination's socket, or queues it. Work for
// one destination is serialized so queued envelopes keep their order.
func (s *HttpServer) deliver(ctx context.Context, dest model.Address, env []byte) error {
	key := dest.String()
	return s.delivery.Do(ctx, key, func(ctx context.Context) error {
		if sock := s.socket(key); sock != nil {
			err := s.push(ctx, sock, env)
			if err == nil {
				delivered.WithLabelValues("socket").Inc()
				return nil
			}
			log.Debug("push failed, queueing", zap.String("to", key), zap.Error(err))
		}
		delivered.WithLabelValues("queued").Inc()
		return s.queue.Push(ctx, key, env)
	})
}

// push sends one envelope. A 503 means the device is busy and the envelope
// is offered again until pushTimeout, then left to the offline queue. Any
// other non-2xx answer means the device rejected it, which is final.
func (s *HttpServer) push(ctx context.Context, sock *websocketresource.Resource, env []byte) error {
	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	for {
		resp, err := sock.SendRequest(ctx, http.MethodPut, pathMessage, env)
		if err != nil {
			return err
		}
		if resp.Status != http.StatusServiceUnavailable {
			if resp.Status/100 != 2 {
				log.Warn("device rejected envelope", zap.Int("status", resp.Status), zap.String("message", resp.Message))
			}
			return nil
		}

		t := time.NewTimer(busyRetry)
		select {
		case <-ctx.Done():
			t.Stop()
			return errDeviceBusy
		case <-t.C:
		}
	}
}

// attach registers sock for addr and drains the offline queue into it, in
// the same serialized slot as deliveries so nothing overtakes the backlog.
func (s *HttpServer) attach(addr model.Address, sock *websocketresource.Resource) {
	key := addr.String()
	ctx := context.Background()

	err := s.delivery.Do(ctx, key, func(ctx context.Context) error {
		s.mu.Lock()
		old := s.sockets[key]
		s.sockets[key] = sock
		s.mu.Unlock()
		if old != nil {
			old.Close(websocket.CloseNormalClosure, "replaced by a new connection")
		}

		envs, err := s.queue.Drain(ctx, key)
		if err != nil {
			return fmt.Errorf("drain queue: %w", err)
		}
		for i, env := range envs {
			if err := s.push(ctx, sock, env); err != nil {
				if rerr := s.queue.Push(ctx, key, envs[i:]...); rerr != nil {
					log.Error("requeue failed", zap.String("addr", key), zap.Int("lost", len(envs)-i), zap.Error(rerr))
				}
				return err
			}
			delivered.WithLabelValues("drained").Inc()
		}
		return nil
	})
	if err != nil {
		log.Warn("drain offline queue failed", zap.String("addr", key), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	if _, err := sock.SendRequest(ctx, http.MethodPut, pathQueueEmpty, nil); err != nil {
		log.Debug("queue empty signal failed", zap.String("addr", key), zap.Error(err))
	}
}

func (s *HttpServer) socket(key string) *websocketresource.Resource {
	s.mu.Lock()
	defer s.mu.Unlock()

	sock, ok := s.sockets[key]
	if !ok {
		return nil
	}
	select {
	case <-sock.Done():
		delete(s.sockets, key)
		return nil
	default:
		return sock
	}
}

func (s *HttpServer) detach(key string, sock *websocketresource.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sockets[key] == sock {
		delete(s.sockets, key)
	}
}

func (s *HttpServer) closeSockets() {
	s.mu.Lock()
	socks := make([]*websocketresource.Resource, 0, len(s.sockets))
	for _, sock := range s.sockets {
		socks = append(socks, sock)
	}
	s.mu.Unlock()

	for _, sock := range socks {
		sock.Close(websocket.CloseGoingAway, "server shutting down")
	}
}
