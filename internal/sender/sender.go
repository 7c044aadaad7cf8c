// Package sender fans a logical message out to every device of every
// recipient, keeping sessions in step with the server's device lists.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"e2e_multidevice/internal/cryptographic/encryption"
	"e2e_multidevice/internal/errs"
	"e2e_multidevice/internal/keystore"
	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/protocol/padding"
	"e2e_multidevice/internal/replay"
	"e2e_multidevice/internal/session"
	"e2e_multidevice/internal/utils/log"
	"e2e_multidevice/internal/utils/queue"

	"go.uber.org/zap"
)

// API is the part of the server client the pipeline needs.
type API interface {
	GetKeysForAddr(ctx context.Context, name string, deviceID *uint32) (*model.KeysResponse, error)
	SendMessages(ctx context.Context, name string, list model.OutgoingMessageList) error
	PutAttachment(ctx context.Context, blob []byte) (uint64, error)
}

type Sender struct {
	self   model.Address
	api    API
	store  *keystore.KeyStore
	cipher *session.Cipher
	queue  *queue.Keyed
	ops    *replay.Registry
}

type (
	// addrJob is one recipient address of an OutgoingMessage.
	addrJob struct {
		msg    *OutgoingMessage
		name   string
		padded []byte
		list   *model.OutgoingMessageList
	}

	rebuildJob struct {
		msg   *OutgoingMessage
		attrs MessageAttrs
	}
)

func New(self model.Address, api API, store *keystore.KeyStore, cipher *session.Cipher) *Sender {
	s := &Sender{
		self:   self,
		api:    api,
		store:  store,
		cipher: cipher,
		queue:  queue.NewKeyed(),
		ops:    replay.NewRegistry(),
	}
	s.ops.Register(replay.OpInitSession, s.replayAddr)
	s.ops.Register(replay.OpEncryptMessage, s.replayAddr)
	s.ops.Register(replay.OpTransmitMessage, s.replayTransmit)
	s.ops.Register(replay.OpRebuildMessage, s.replayRebuild)
	return s
}

func validate(attrs MessageAttrs) error {
	if attrs.Timestamp == 0 {
		return errs.New(errs.KindSendMessage, "timestamp is required")
	}
	if len(attrs.Recipients) == 0 {
		return errs.New(errs.KindSendMessage, "no recipients")
	}
	for _, r := range attrs.Recipients {
		if r == "" {
			return errs.New(errs.KindSendMessage, "empty recipient")
		}
	}
	for i, a := range attrs.Attachments {
		if a.Data == nil {
			return errs.New(errs.KindSendMessage, fmt.Sprintf("attachment %d has no data", i))
		}
	}
	if !model.ValidFlags(attrs.Flags) {
		return errs.New(errs.KindSendMessage, fmt.Sprintf("unknown flags %#x", attrs.Flags))
	}
	return nil
}

// SendMessage validates attrs, uploads attachments and delivers the message
// to every recipient. Per-recipient outcomes, failures included, land on the
// returned message and never surface as the returned error. An error is
// returned only when attrs are invalid or the message cannot be built; a
// build failure still returns the message so a replay can complete it.
func (s *Sender) SendMessage(ctx context.Context, attrs MessageAttrs) (*OutgoingMessage, error) {
	if err := validate(attrs); err != nil {
		return nil, err
	}
	attrs.Recipients = dedupe(attrs.Recipients)

	msg := newOutgoingMessage(attrs)
	if err := s.build(ctx, msg, attrs); err != nil {
		return msg, err
	}
	s.dispatch(ctx, msg)
	return msg, nil
}

// SendSyncControl sends control to every other device of this account.
func (s *Sender) SendSyncControl(ctx context.Context, control *model.SyncControl, timestamp uint64) (*OutgoingMessage, error) {
	plaintext, err := json.Marshal(&model.Content{SyncMessage: &model.SyncMessage{Control: control}})
	if err != nil {
		return nil, err
	}
	msg := newOutgoingMessage(MessageAttrs{Recipients: []string{s.self.Name}, Timestamp: timestamp})
	job := &addrJob{msg: msg, name: s.self.Name, padded: padding.Pad(plaintext)}
	_ = s.sendAddr(ctx, job)
	return msg, nil
}

func (s *Sender) build(ctx context.Context, msg *OutgoingMessage, attrs MessageAttrs) error {
	dm := &model.DataMessage{
		Body:        attrs.Body,
		Flags:       attrs.Flags,
		ExpireTimer: attrs.ExpireTimer,
		Timestamp:   attrs.Timestamp,
	}
	for _, a := range attrs.Attachments {
		ptr, err := s.uploadAttachment(ctx, a)
		if err != nil {
			var e *errs.Error
			if errors.As(err, &e) && e.Kind == errs.KindNetwork {
				return s.ops.Bind(e, replay.OpRebuildMessage, &rebuildJob{msg: msg, attrs: attrs})
			}
			return err
		}
		dm.Attachments = append(dm.Attachments, ptr)
	}
	msg.setContent(&model.Content{DataMessage: dm})
	return nil
}

func (s *Sender) uploadAttachment(ctx context.Context, a Attachment) (model.AttachmentPointer, error) {
	key, blob, digest, err := encryption.EncryptAttachment(a.Data)
	if err != nil {
		return model.AttachmentPointer{}, err
	}
	id, err := s.api.PutAttachment(ctx, blob)
	if err != nil {
		return model.AttachmentPointer{}, fmt.Errorf("upload attachment: %w", err)
	}
	return model.AttachmentPointer{
		ID:          id,
		Key:         key,
		Digest:      digest,
		Size:        uint32(len(a.Data)),
		ContentType: a.ContentType,
	}, nil
}

// dispatch delivers msg to all recipients concurrently and waits for all of
// them to settle.
func (s *Sender) dispatch(ctx context.Context, msg *OutgoingMessage) {
	content := msg.Content()
	plaintext, err := json.Marshal(content)
	if err != nil {
		for _, r := range msg.Recipients {
			msg.settle(r, nil, err)
		}
		return
	}
	padded := padding.Pad(plaintext)

	var wg sync.WaitGroup
	for _, name := range msg.Recipients {
		job := &addrJob{msg: msg, name: name, padded: padded}
		if name == s.self.Name {
			transcript, err := s.syncTranscript(msg, content.DataMessage)
			if err != nil {
				msg.settle(name, nil, err)
				continue
			}
			job.padded = transcript
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.sendAddr(ctx, job)
		}()
	}
	wg.Wait()
}

// syncTranscript is the copy delivered to our own other devices. It carries
// the original timestamp so receipts correlate across devices.
func (s *Sender) syncTranscript(msg *OutgoingMessage, dm *model.DataMessage) ([]byte, error) {
	dest := s.self.Name
	for _, r := range msg.Recipients {
		if r != s.self.Name {
			dest = r
			break
		}
	}
	plaintext, err := json.Marshal(&model.Content{SyncMessage: &model.SyncMessage{
		Sent: &model.SentTranscript{Destination: dest, Timestamp: msg.Timestamp, Message: dm},
	}})
	if err != nil {
		return nil, err
	}
	return padding.Pad(plaintext), nil
}

// sendAddr delivers one address and records the outcome on the message.
func (s *Sender) sendAddr(ctx context.Context, job *addrJob) error {
	var devices []uint32
	err := s.queue.Do(ctx, job.name, func(ctx context.Context) error {
		var err error
		devices, err = s.deliver(ctx, job)
		return err
	})
	if err != nil {
		log.Warn("send to address failed", zap.String("addr", job.name), zap.Error(err))
	} else {
		log.Debug("sent to address", zap.String("addr", job.name), zap.Uint32s("devices", devices))
	}
	job.msg.settle(job.name, devices, err)
	return err
}

// deliver runs the per-address flow: discover devices, build missing
// sessions, encrypt once per device, transmit in one batch and reconcile
// device drift reported by the server once per kind.
func (s *Sender) deliver(ctx context.Context, job *addrJob) ([]uint32, error) {
	devices, err := s.knownDevices(ctx, job.name)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 && job.name != s.self.Name {
		if err := s.fetchKeys(ctx, job, nil); err != nil {
			return nil, err
		}
	}

	retried := make(map[errs.DriftKind]bool)
	for {
		list, err := s.encryptAll(ctx, job)
		if err != nil {
			return nil, err
		}

		err = s.api.SendMessages(ctx, job.name, *list)
		if err == nil {
			return deviceIDs(list), nil
		}

		var e *errs.Error
		if !errors.As(err, &e) {
			return nil, err
		}
		switch {
		case e.Kind == errs.KindNetwork:
			retry := &addrJob{msg: job.msg, name: job.name, padded: job.padded, list: list}
			return nil, s.ops.Bind(e, replay.OpTransmitMessage, retry)
		case e.Kind == errs.KindUnregistered:
			return nil, errs.Unregistered(job.name, err)
		case e.Kind != errs.KindDeviceDrift || e.Mismatch == nil:
			return nil, err
		case retried[e.Mismatch.Drift]:
			e.Addr = job.name
			return nil, e
		}
		retried[e.Mismatch.Drift] = true

		if err := s.reconcile(ctx, job, e.Mismatch); err != nil {
			return nil, err
		}
	}
}

// reconcile applies a 409 or 410 response to the local sessions.
func (s *Sender) reconcile(ctx context.Context, job *addrJob, m *errs.Mismatch) error {
	var drop, fetch []uint32
	switch m.Drift {
	case errs.DriftMismatch:
		drop, fetch = m.Extra, m.Missing
	case errs.DriftStale:
		drop, fetch = m.Stale, m.Stale
	}

	for _, id := range drop {
		if err := s.cipher.CloseOpenSession(ctx, model.Address{Name: job.name, DeviceID: id}); err != nil {
			return err
		}
	}
	for _, id := range fetch {
		if err := s.fetchKeys(ctx, job, &id); err != nil {
			return err
		}
	}
	log.Info("device list reconciled",
		zap.String("addr", job.name),
		zap.Uint32s("removed", drop),
		zap.Uint32s("fetched", fetch))
	return nil
}

// knownDevices lists devices we hold sessions with, never our own device.
func (s *Sender) knownDevices(ctx context.Context, name string) ([]uint32, error) {
	ids, err := s.store.GetDeviceIDs(ctx, name)
	if err != nil {
		return nil, err
	}
	if name == s.self.Name {
		ids = slices.DeleteFunc(ids, func(id uint32) bool { return id == s.self.DeviceID })
	}
	return ids, nil
}

// fetchKeys builds sessions from the server's bundles for one device, or
// for every device of name without a session when deviceID is nil.
func (s *Sender) fetchKeys(ctx context.Context, job *addrJob, deviceID *uint32) error {
	resp, err := s.api.GetKeysForAddr(ctx, job.name, deviceID)
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) {
			switch e.Kind {
			case errs.KindUnregistered:
				return errs.Unregistered(job.name, err)
			case errs.KindNetwork:
				return s.ops.Bind(e, replay.OpInitSession, job)
			}
		}
		return err
	}

	for _, b := range resp.Bundles(job.name) {
		if job.name == s.self.Name && b.Address.DeviceID == s.self.DeviceID {
			continue
		}
		if deviceID == nil {
			open, err := s.cipher.HasOpenSession(ctx, b.Address)
			if err != nil {
				return err
			}
			if open {
				continue
			}
		}
		if err := s.cipher.ProcessPreKeyBundle(ctx, b); err != nil {
			var e *errs.Error
			if errors.As(err, &e) && e.Kind == errs.KindOutgoingIdentityKey {
				return s.ops.Bind(e, replay.OpInitSession, job)
			}
			return fmt.Errorf("process bundle %s: %w", b.Address, err)
		}
	}
	return nil
}

func (s *Sender) encryptAll(ctx context.Context, job *addrJob) (*model.OutgoingMessageList, error) {
	devices, err := s.knownDevices(ctx, job.name)
	if err != nil {
		return nil, err
	}

	list := &model.OutgoingMessageList{Timestamp: job.msg.Timestamp}
	for _, id := range devices {
		addr := model.Address{Name: job.name, DeviceID: id}
		ct, err := s.cipher.Encrypt(ctx, addr, job.padded)
		if err != nil {
			var e *errs.Error
			if errors.As(err, &e) && e.Kind == errs.KindOutgoingIdentityKey {
				return nil, s.ops.Bind(e, replay.OpEncryptMessage, job)
			}
			return nil, fmt.Errorf("encrypt for %s: %w", addr, err)
		}
		list.Messages = append(list.Messages, model.OutgoingDeviceMessage{
			Type:                      ct.Type,
			DestinationDeviceID:       id,
			DestinationRegistrationID: ct.RegistrationID,
			Content:                   ct.Body,
		})
	}
	return list, nil
}

func (s *Sender) replayAddr(ctx context.Context, args any) error {
	job, ok := args.(*addrJob)
	if !ok {
		return fmt.Errorf("replay: unexpected args %T", args)
	}
	return s.sendAddr(ctx, &addrJob{msg: job.msg, name: job.name, padded: job.padded})
}

// replayTransmit resends the ciphertexts of a batch that failed on the
// network. The sessions already advanced for them.
func (s *Sender) replayTransmit(ctx context.Context, args any) error {
	job, ok := args.(*addrJob)
	if !ok || job.list == nil {
		return fmt.Errorf("replay: unexpected args %T", args)
	}
	err := s.queue.Do(ctx, job.name, func(ctx context.Context) error {
		return s.api.SendMessages(ctx, job.name, *job.list)
	})
	if err != nil {
		job.msg.settle(job.name, nil, err)
		return err
	}
	job.msg.settle(job.name, deviceIDs(job.list), nil)
	return nil
}

func (s *Sender) replayRebuild(ctx context.Context, args any) error {
	job, ok := args.(*rebuildJob)
	if !ok {
		return fmt.Errorf("replay: unexpected args %T", args)
	}
	if err := s.build(ctx, job.msg, job.attrs); err != nil {
		return err
	}
	s.dispatch(ctx, job.msg)
	return nil
}

func deviceIDs(list *model.OutgoingMessageList) []uint32 {
	ids := make([]uint32, 0, len(list.Messages))
	for _, m := range list.Messages {
		ids = append(ids, m.DestinationDeviceID)
	}
	return ids
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
