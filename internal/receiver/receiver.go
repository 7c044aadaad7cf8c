// Package receiver serves the message socket: it decrypts pushed envelopes,
// routes their content to typed handlers and keeps the socket connected.
package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"e2e_multidevice/internal/cryptographic/encryption"
	"e2e_multidevice/internal/errs"
	"e2e_multidevice/internal/keystore"
	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/protocol/padding"
	"e2e_multidevice/internal/protocol/wire"
	"e2e_multidevice/internal/session"
	"e2e_multidevice/internal/transport/websocketresource"
	"e2e_multidevice/internal/utils/log"

	"go.uber.org/zap"
)

const (
	PathMessage    = "/api/v1/message"
	PathQueueEmpty = "/api/v1/queue/empty"

	requestBacklog = 256
)

type (
	MessageEvent struct {
		Source    model.Address
		Timestamp uint64
		Message   *model.DataMessage
	}

	// SentEvent is a transcript of a message one of our other devices sent.
	SentEvent struct {
		Source     model.Address
		Timestamp  uint64
		Transcript *model.SentTranscript
	}

	ReceiptEvent struct {
		Source    model.Address
		Timestamp uint64
	}

	// Handlers receive events in envelope order. Nil handlers are skipped.
	Handlers struct {
		Message func(MessageEvent)
		Sent    func(SentEvent)
		Receipt func(ReceiptEvent)
		// Control receives sync control messages from our own devices.
		Control func(source model.Address, control *model.SyncControl)
		// Empty fires once the server drained the offline queue.
		Empty func()
		Error func(error)
	}
)

// API is the part of the server client the receiver needs.
type API interface {
	GetAttachment(ctx context.Context, id uint64) ([]byte, error)
	Ping(ctx context.Context) error
	OpenMessageSocket(ctx context.Context, opts websocketresource.Options) (*websocketresource.Resource, error)
	AttachSocket(r *websocketresource.Resource)
}

type Receiver struct {
	self     model.Address
	api      API
	store    *keystore.KeyStore
	cipher   *session.Cipher
	handlers Handlers

	requests chan *websocketresource.IncomingRequest
	online   chan struct{}

	keepAlive websocketresource.KeepAlive
	backoff   Backoff
}

type Option func(*Receiver)

func WithKeepAlive(ka websocketresource.KeepAlive) Option {
	return func(r *Receiver) { r.keepAlive = ka }
}

func WithBackoff(b Backoff) Option {
	return func(r *Receiver) { r.backoff = b }
}

func New(self model.Address, api API, store *keystore.KeyStore, cipher *session.Cipher, h Handlers, opts ...Option) *Receiver {
	r := &Receiver{
		self:     self,
		api:      api,
		store:    store,
		cipher:   cipher,
		handlers: h,
		requests: make(chan *websocketresource.IncomingRequest, requestBacklog),
		online:   make(chan struct{}, 1),
		backoff:  DefaultBackoff,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Online tells a waiting reconnect loop that connectivity came back.
func (r *Receiver) Online() {
	select {
	case r.online <- struct{}{}:
	default:
	}
}

// HandleRequest queues a socket request for the envelope worker. Envelopes
// are processed one at a time in arrival order, off the socket read loop.
// When the backlog is full the request is answered 503 so the read loop
// keeps serving keep-alive responses and the server retries later.
func (r *Receiver) HandleRequest(req *websocketresource.IncomingRequest) {
	select {
	case r.requests <- req:
	default:
		log.Warn("request backlog full", zap.String("path", req.Path), zap.Int("backlog", cap(r.requests)))
		_ = req.Respond(http.StatusServiceUnavailable, "Service Unavailable", nil)
	}
}

func (r *Receiver) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.requests:
			r.serve(ctx, req)
		}
	}
}

func (r *Receiver) serve(ctx context.Context, req *websocketresource.IncomingRequest) {
	switch {
	case req.Verb == http.MethodPut && req.Path == PathMessage:
		env, err := wire.UnmarshalEnvelope(req.Body)
		if err != nil {
			log.Warn("undecodable envelope", zap.Error(err))
			_ = req.Respond(http.StatusBadRequest, "Bad encrypted websocket message", nil)
			r.emitError(errs.Protocol(http.StatusBadRequest, "undecodable envelope"))
			return
		}
		_ = req.Respond(http.StatusOK, "OK", nil)
		_ = r.HandleEnvelope(ctx, env)

	case req.Verb == http.MethodPut && req.Path == PathQueueEmpty:
		_ = req.Respond(http.StatusOK, "OK", nil)
		if r.handlers.Empty != nil {
			r.handlers.Empty()
		}

	default:
		log.Warn("unknown socket request", zap.String("verb", req.Verb), zap.String("path", req.Path))
		_ = req.Respond(http.StatusNotFound, "Not found", nil)
	}
}

// HandleEnvelope processes one envelope and reports a failure through the
// Error handler. Duplicates are dropped silently.
func (r *Receiver) HandleEnvelope(ctx context.Context, env *model.Envelope) error {
	err := r.processEnvelope(ctx, env)
	switch {
	case err == nil:
		return nil
	case errs.IsKind(err, errs.KindDuplicate):
		log.Debug("duplicate envelope dropped",
			zap.String("source", env.Source),
			zap.Uint32("device", env.SourceDevice),
			zap.Uint64("timestamp", env.Timestamp))
		return nil
	}

	var e *errs.Error
	if errors.As(err, &e) && e.Kind == errs.KindIncomingIdentityKey && !e.Replayable() {
		e.WithReplay(func(ctx context.Context) error {
			return r.processEnvelope(ctx, env)
		})
	}
	log.Warn("envelope failed",
		zap.String("source", env.Source),
		zap.Uint32("device", env.SourceDevice),
		zap.Stringer("type", env.Type),
		zap.Error(err))
	r.emitError(err)
	return err
}

func (r *Receiver) processEnvelope(ctx context.Context, env *model.Envelope) error {
	source := model.Address{Name: env.Source, DeviceID: env.SourceDevice}

	switch {
	case env.Type == model.EnvelopeReceipt:
		if r.handlers.Receipt != nil {
			r.handlers.Receipt(ReceiptEvent{Source: source, Timestamp: env.Timestamp})
		}
		return nil

	case len(env.Content) > 0:
		plain, err := r.decrypt(ctx, source, env.Type, env.Content)
		if err != nil {
			return err
		}
		var content model.Content
		if err := json.Unmarshal(plain, &content); err != nil {
			return errs.Protocol(0, "bad content: "+err.Error())
		}
		return r.handleContent(ctx, env, source, &content)

	case len(env.LegacyMessage) > 0:
		plain, err := r.decrypt(ctx, source, env.Type, env.LegacyMessage)
		if err != nil {
			return err
		}
		var dm model.DataMessage
		if err := json.Unmarshal(plain, &dm); err != nil {
			return errs.Protocol(0, "bad data message: "+err.Error())
		}
		return r.handleDataMessage(ctx, env, source, &dm)

	default:
		return errs.Protocol(0, "received message with no content and no legacyMessage")
	}
}

func (r *Receiver) decrypt(ctx context.Context, source model.Address, typ model.EnvelopeType, body []byte) ([]byte, error) {
	var (
		padded []byte
		err    error
	)
	switch typ {
	case model.EnvelopeCiphertext:
		padded, err = r.cipher.DecryptWhisperMessage(ctx, source, body)
	case model.EnvelopePreKeyBundle:
		padded, err = r.cipher.DecryptPreKeyWhisperMessage(ctx, source, body)
	default:
		return nil, errs.Protocol(0, fmt.Sprintf("unknown message type %s", typ))
	}
	if err != nil {
		return nil, err
	}

	plain, err := padding.Unpad(padded)
	if err != nil {
		return nil, errs.Protocol(0, err.Error())
	}
	return plain, nil
}

func (r *Receiver) handleContent(ctx context.Context, env *model.Envelope, source model.Address, c *model.Content) error {
	switch {
	case c.SyncMessage != nil:
		if source.Name != r.self.Name {
			return errs.Protocol(0, "received sync message from another account "+source.Name)
		}
		return r.handleSyncMessage(ctx, env, source, c.SyncMessage)
	case c.DataMessage != nil:
		return r.handleDataMessage(ctx, env, source, c.DataMessage)
	default:
		return errs.Protocol(0, "content without data or sync message")
	}
}

func (r *Receiver) handleSyncMessage(ctx context.Context, env *model.Envelope, source model.Address, sm *model.SyncMessage) error {
	switch {
	case sm.Sent != nil:
		if sm.Sent.Message != nil {
			if err := r.normalize(ctx, sm.Sent.Message); err != nil {
				return err
			}
		}
		if r.handlers.Sent != nil {
			r.handlers.Sent(SentEvent{Source: source, Timestamp: sm.Sent.Timestamp, Transcript: sm.Sent})
		}
	case sm.Control != nil:
		if r.handlers.Control != nil {
			r.handlers.Control(source, sm.Control)
		}
	default:
		log.Debug("empty sync message", zap.Stringer("source", source), zap.Uint64("timestamp", env.Timestamp))
	}
	return nil
}

func (r *Receiver) handleDataMessage(ctx context.Context, env *model.Envelope, source model.Address, dm *model.DataMessage) error {
	if dm.Flags&model.FlagEndSession != 0 {
		if err := r.store.RemoveAllSessions(ctx, source.Name); err != nil {
			return fmt.Errorf("end session %s: %w", source.Name, err)
		}
		log.Info("sessions closed by peer", zap.String("addr", source.Name))
	}
	if err := r.normalize(ctx, dm); err != nil {
		return err
	}
	if r.handlers.Message != nil {
		r.handlers.Message(MessageEvent{Source: source, Timestamp: env.Timestamp, Message: dm})
	}
	return nil
}

// normalize clears content that control flags make meaningless and
// downloads attachments.
func (r *Receiver) normalize(ctx context.Context, dm *model.DataMessage) error {
	switch {
	case dm.Flags&model.FlagEndSession != 0, dm.Flags&model.FlagExpirationTimerUpdate != 0:
		dm.Body = ""
		dm.Attachments = nil
		return nil
	case dm.Flags != 0:
		return errs.Protocol(0, fmt.Sprintf("unknown flags in message %#x", dm.Flags))
	}

	for i := range dm.Attachments {
		ptr := &dm.Attachments[i]
		blob, err := r.api.GetAttachment(ctx, ptr.ID)
		if err != nil {
			return fmt.Errorf("download attachment %d: %w", ptr.ID, err)
		}
		data, err := encryption.DecryptAttachment(ptr.Key, blob, ptr.Digest)
		if err != nil {
			return errs.Protocol(0, fmt.Sprintf("attachment %d: %v", ptr.ID, err))
		}
		ptr.Data = data
	}
	return nil
}

func (r *Receiver) emitError(err error) {
	if r.handlers.Error != nil {
		r.handlers.Error(err)
	}
}
