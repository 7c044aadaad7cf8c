// Package app wires the client: key store, session cipher, server API,
// outgoing pipeline, receiver, sync coordinator and local history.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"e2e_multidevice/internal/api"
	"e2e_multidevice/internal/config"
	"e2e_multidevice/internal/devicesync"
	"e2e_multidevice/internal/errs"
	"e2e_multidevice/internal/keystore"
	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/receiver"
	"e2e_multidevice/internal/repository/history"
	"e2e_multidevice/internal/sender"
	"e2e_multidevice/internal/session"
	"e2e_multidevice/internal/storage"
	"e2e_multidevice/internal/transport/websocketresource"
	"e2e_multidevice/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const collAccount = "account"

var ErrNotRegistered = errors.New("this device is not registered; run register or link first")

type (
	// localAccount is what this device needs to log in.
	localAccount struct {
		Addr           model.Address `json:"addr"`
		Password       string        `json:"password"`
		SignedPreKeyID uint32        `json:"signedPreKeyId"`
	}

	// Events are the notifications a front end subscribes to.
	Events struct {
		Message func(model.Message)
		Receipt func(receiver.ReceiptEvent)
		Synced  func(id string, stats history.MergeStats)
		Empty   func()
		Error   func(error)
		// Settled fires when a replayed send settles a recipient after Send
		// already returned.
		Settled func(*sender.OutgoingMessage)
	}

	App struct {
		cfg     config.Client
		store   storage.Store
		keys    *keystore.KeyStore
		cipher  *session.Cipher
		api     *api.Client
		history *history.Repo

		account  localAccount
		events   Events
		sender   *sender.Sender
		receiver *receiver.Receiver
		sync     *devicesync.Coordinator

		mu        sync.Mutex
		connected model.Connection
	}
)

func NewApp(cfg config.Client, store storage.Store) (*App, error) {
	client, err := api.New(cfg.Server)
	if err != nil {
		return nil, err
	}
	keys := keystore.New(store)
	return &App{
		cfg:     cfg,
		store:   store,
		keys:    keys,
		cipher:  session.NewCipher(keys),
		api:     client,
		history: history.New(store),
	}, nil
}

func (c *App) Self() model.Address {
	return c.account.Addr
}

func (c *App) History() *history.Repo {
	return c.history
}

// Open loads the registered device and builds the messaging pipeline.
func (c *App) Open(ctx context.Context, ev Events) error {
	err := storage.GetJSON(ctx, c.store, collAccount, "self", &c.account)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotRegistered
	}
	if err != nil {
		return err
	}
	c.api.SetCredentials(c.account.Addr, c.account.Password)
	c.events = ev

	self := c.account.Addr
	c.sender = sender.New(self, c.api, c.keys, c.cipher)
	c.sync = devicesync.New(self, c.history, c.sender, devicesync.Config{
		StaggerInterval: c.cfg.Sync.StaggerInterval.Duration,
		ChunkSize:       c.cfg.Sync.ChunkSize,
		LocationTimeout: c.cfg.Sync.LocationTimeout.Duration,
		DefaultTTL:      c.cfg.Sync.RequestTTL.Duration,
	},
		devicesync.WithConnection(c.connection),
		devicesync.WithMergeHandler(ev.Synced),
	)

	c.receiver = receiver.New(self, c.api, c.keys, c.cipher, receiver.Handlers{
		Message: func(e receiver.MessageEvent) { c.onMessage(ctx, e, ev) },
		Sent:    func(e receiver.SentEvent) { c.onSent(ctx, e, ev) },
		Receipt: ev.Receipt,
		Control: func(src model.Address, ctl *model.SyncControl) { c.sync.HandleControl(ctx, src, ctl) },
		Empty: func() {
			c.setOnline(true)
			if ev.Empty != nil {
				ev.Empty()
			}
		},
		Error: ev.Error,
	},
		receiver.WithKeepAlive(websocketresource.KeepAlive{
			Interval: c.cfg.KeepAliveInterval.Duration,
			Grace:    c.cfg.KeepAliveGrace.Duration,
		}),
		receiver.WithBackoff(receiver.Backoff{
			Initial: c.cfg.ReconnectInitial.Duration,
			Max:     c.cfg.ReconnectMax.Duration,
		}),
	)
	return nil
}

// Run keeps the message socket connected until ctx ends.
func (c *App) Run(ctx context.Context) error {
	if c.receiver == nil {
		return ErrNotRegistered
	}
	if err := c.RefreshPreKeys(ctx); err != nil {
		log.Warn("prekey refresh failed", zap.Error(err))
	}
	defer c.setOnline(false)
	err := c.receiver.Run(ctx)
	c.sync.Wait()
	return err
}

// Send delivers body to one recipient and records it in the local history.
// Sending to our own name reaches only our other devices.
func (c *App) Send(ctx context.Context, to, body string, attachments ...sender.Attachment) (*sender.OutgoingMessage, error) {
	if c.sender == nil {
		return nil, ErrNotRegistered
	}
	now := time.Now()
	recipients := []string{to}
	if to != c.account.Addr.Name {
		recipients = append(recipients, c.account.Addr.Name)
	}

	msg, err := c.sender.SendMessage(ctx, sender.MessageAttrs{
		Recipients:  recipients,
		Body:        body,
		Attachments: attachments,
		Timestamp:   uint64(now.UnixMilli()),
	})
	if msg != nil && c.events.Settled != nil {
		msg.OnSettle(c.events.Settled)
	}
	if err != nil {
		return msg, err
	}

	var ptrs []model.AttachmentPointer
	if content := msg.Content(); content != nil && content.DataMessage != nil {
		ptrs = content.DataMessage.Attachments
	}
	c.record(ctx, model.Message{
		ThreadID:     to,
		Source:       c.account.Addr.Name,
		SourceDevice: c.account.Addr.DeviceID,
		Sent:         now.UnixMilli(),
		Body:         body,
		Attachments:  ptrs,
	})
	return msg, nil
}

// RequestSync asks the other devices of this account for missing history.
func (c *App) RequestSync(ctx context.Context, devices []uint32) (string, error) {
	if c.sync == nil {
		return "", ErrNotRegistered
	}
	return c.sync.RequestHistory(ctx, devices, c.cfg.Sync.RequestTTL.Duration)
}

func (c *App) RequestDeviceInfo(ctx context.Context, devices []uint32) (string, error) {
	if c.sync == nil {
		return "", ErrNotRegistered
	}
	return c.sync.RequestDeviceInfo(ctx, devices)
}

// Online tells a disconnected Run that connectivity is back, cutting the
// reconnect backoff short.
func (c *App) Online() {
	if c.receiver != nil {
		c.receiver.Online()
	}
}

// RegisterPush stores the push token of this device on the server.
func (c *App) RegisterPush(ctx context.Context, token string) error {
	if c.account.Addr.Name == "" {
		return ErrNotRegistered
	}
	return c.api.RegisterPushToken(ctx, token)
}

func (c *App) Devices(ctx context.Context) ([]model.Device, error) {
	return c.api.GetDevices(ctx)
}

// TrustIdentity accepts a changed identity key of addr and replays the
// operation that was refused because of it.
func (c *App) TrustIdentity(ctx context.Context, err error) error {
	var e *errs.Error
	if !errors.As(err, &e) || (e.Kind != errs.KindIncomingIdentityKey && e.Kind != errs.KindOutgoingIdentityKey) {
		return fmt.Errorf("not an identity error: %w", err)
	}
	changed, err := c.keys.SaveIdentity(ctx, e.Addr, e.Key)
	if err != nil {
		return err
	}
	log.Info("identity key accepted", zap.String("addr", e.Addr), zap.Bool("changed", changed))
	if !e.Replayable() {
		return nil
	}
	return e.Replay(ctx)
}

func (c *App) onMessage(ctx context.Context, e receiver.MessageEvent, ev Events) {
	m := model.Message{
		ThreadID:     e.Source.Name,
		Source:       e.Source.Name,
		SourceDevice: e.Source.DeviceID,
		Sent:         int64(e.Timestamp),
		Body:         e.Message.Body,
		Attachments:  e.Message.Attachments,
	}
	c.record(ctx, m)
	if ev.Message != nil {
		ev.Message(m)
	}
}

func (c *App) onSent(ctx context.Context, e receiver.SentEvent, ev Events) {
	t := e.Transcript
	if t.Message == nil {
		return
	}
	m := model.Message{
		ThreadID:     t.Destination,
		Source:       e.Source.Name,
		SourceDevice: e.Source.DeviceID,
		Sent:         int64(t.Timestamp),
		Body:         t.Message.Body,
		Attachments:  t.Message.Attachments,
	}
	c.record(ctx, m)
	if ev.Message != nil {
		ev.Message(m)
	}
}

// record stores m under an id every device derives identically.
func (c *App) record(ctx context.Context, m model.Message) {
	m.ID = messageID(m.Source, m.SourceDevice, m.Sent)
	if err := c.history.PutMessage(ctx, m); err != nil {
		log.Error("store message failed", zap.String("id", m.ID), zap.Error(err))
		return
	}
	if err := c.history.Touch(ctx, m.ThreadID, m.ThreadID, m.Sent); err != nil {
		log.Error("update thread failed", zap.String("thread", m.ThreadID), zap.Error(err))
	}
}

func messageID(source string, device uint32, sent int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "%s.%d/%d", source, device, sent)).String()
}

func (c *App) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected.Online == online {
		return
	}
	c.connected = model.Connection{Online: online, Transport: "websocket", Since: time.Now().UnixMilli()}
}

func (c *App) connection() model.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
