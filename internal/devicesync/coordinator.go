// Package devicesync keeps the devices of one account eventually consistent.
// A requester broadcasts a manifest of what it knows; every other device
// answers with what the manifest lacks, staggered by its rank and pruned by
// the answers of the devices that went before it.
package devicesync

import (
	"context"
	"runtime"
	"slices"
	"sync"
	"time"

	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/repository/history"
	"e2e_multidevice/internal/sender"
	"e2e_multidevice/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ControlSender interface {
	SendSyncControl(ctx context.Context, control *model.SyncControl, timestamp uint64) (*sender.OutgoingMessage, error)
}

// Locator returns the device position. It may block until ctx ends.
type Locator func(ctx context.Context) (*model.Geo, error)

type Config struct {
	Platform string
	// StaggerInterval is the delay per rank before a responder answers.
	StaggerInterval time.Duration
	// ChunkSize bounds the records carried by one response.
	ChunkSize       int
	LocationTimeout time.Duration
	DefaultTTL      time.Duration
}

var DefaultConfig = Config{
	Platform:        runtime.GOOS,
	StaggerInterval: 2 * time.Second,
	ChunkSize:       50,
	LocationTimeout: 5 * time.Second,
	DefaultTTL:      5 * time.Minute,
}

type Coordinator struct {
	self    model.Address
	history *history.Repo
	out     ControlSender
	cfg     Config

	locate     Locator
	connection func() model.Connection
	onMerge    func(id string, stats history.MergeStats)
	now        func() time.Time

	mu sync.Mutex
	// open maps our request ids to their expiry.
	open map[string]time.Time
	// answered tracks what other responders already sent per request id.
	answered map[string]*answered

	wg sync.WaitGroup
}

// unclaimedTTL bounds how long responses seen before the matching request
// are kept.
const unclaimedTTL = time.Minute

type answered struct {
	messages map[string]bool
	threads  map[string]bool
	contacts map[string]bool
	// expires is zero once a local responder owns the entry.
	expires time.Time
}

func newAnswered() *answered {
	return &answered{
		messages: make(map[string]bool),
		threads:  make(map[string]bool),
		contacts: make(map[string]bool),
	}
}

// expireAnswered drops unclaimed entries past their expiry. c.mu must be held.
func (c *Coordinator) expireAnswered(now time.Time) {
	for id, a := range c.answered {
		if !a.expires.IsZero() && now.After(a.expires) {
			delete(c.answered, id)
		}
	}
}

type Option func(*Coordinator)

func WithLocator(l Locator) Option {
	return func(c *Coordinator) { c.locate = l }
}

func WithConnection(fn func() model.Connection) Option {
	return func(c *Coordinator) { c.connection = fn }
}

// WithMergeHandler is called after each response to one of our requests
// was merged.
func WithMergeHandler(fn func(id string, stats history.MergeStats)) Option {
	return func(c *Coordinator) { c.onMerge = fn }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(self model.Address, repo *history.Repo, out ControlSender, cfg Config, opts ...Option) *Coordinator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig.ChunkSize
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig.DefaultTTL
	}
	if cfg.LocationTimeout <= 0 {
		cfg.LocationTimeout = DefaultConfig.LocationTimeout
	}
	if cfg.Platform == "" {
		cfg.Platform = DefaultConfig.Platform
	}
	c := &Coordinator{
		self:     self,
		history:  repo,
		out:      out,
		cfg:      cfg,
		now:      time.Now,
		open:     make(map[string]time.Time),
		answered: make(map[string]*answered),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Wait blocks until every background responder has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// RequestHistory asks the given devices, or every other device when devices
// is empty, for the content this device lacks. Devices are listed in
// priority order. It returns the request id.
func (c *Coordinator) RequestHistory(ctx context.Context, devices []uint32, ttl time.Duration) (string, error) {
	ids, err := c.history.MessageIDs(ctx)
	if err != nil {
		return "", err
	}
	threads, err := c.history.Threads(ctx)
	if err != nil {
		return "", err
	}
	contacts, err := c.history.Contacts(ctx)
	if err != nil {
		return "", err
	}

	req := c.newRequest(model.SyncContentHistory, devices, ttl)
	req.KnownMessages = ids
	for _, t := range threads {
		req.KnownThreads = append(req.KnownThreads, model.ThreadStamp{ID: t.ID, LastActivity: t.LastActivity})
	}
	for _, ct := range contacts {
		req.KnownContacts = append(req.KnownContacts, model.ContactStamp{ID: ct.ID, Updated: ct.Updated})
	}
	return req.ID, c.send(ctx, req)
}

// RequestDeviceInfo asks other devices to describe themselves.
func (c *Coordinator) RequestDeviceInfo(ctx context.Context, devices []uint32) (string, error) {
	req := c.newRequest(model.SyncDeviceInfo, devices, 0)
	return req.ID, c.send(ctx, req)
}

func (c *Coordinator) newRequest(typ string, devices []uint32, ttl time.Duration) *model.SyncControl {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.now()
	req := &model.SyncControl{
		Control: model.ControlSyncRequest,
		Type:    typ,
		ID:      uuid.NewString(),
		Sent:    now.UnixMilli(),
		Devices: devices,
		TTL:     ttl.Milliseconds(),
	}

	c.mu.Lock()
	c.open[req.ID] = now.Add(ttl)
	c.mu.Unlock()
	return req
}

func (c *Coordinator) send(ctx context.Context, ctl *model.SyncControl) error {
	msg, err := c.out.SendSyncControl(ctx, ctl, uint64(c.now().UnixMilli()))
	if err != nil {
		return err
	}
	for _, f := range msg.Errors() {
		log.Warn("sync control delivery failed", zap.String("id", ctl.ID), zap.Error(f.Err))
	}
	return nil
}

// HandleControl processes a control message from another device of this
// account. Responding runs in the background; see Wait.
func (c *Coordinator) HandleControl(ctx context.Context, source model.Address, ctl *model.SyncControl) {
	if source.Name != c.self.Name || source.DeviceID == c.self.DeviceID {
		return
	}
	switch ctl.Control {
	case model.ControlSyncRequest:
		c.handleRequest(ctx, source, ctl)
	case model.ControlSyncResponse:
		c.handleResponse(ctx, source, ctl)
	default:
		log.Warn("unknown sync control", zap.String("control", ctl.Control), zap.Stringer("source", source))
	}
}

func (c *Coordinator) handleRequest(ctx context.Context, source model.Address, req *model.SyncControl) {
	if age := c.now().UnixMilli() - req.Sent; req.TTL > 0 && age > req.TTL {
		log.Info("dropping expired sync request",
			zap.String("id", req.ID), zap.Int64("age_ms", age), zap.Int64("ttl_ms", req.TTL))
		return
	}

	rank := 0
	if len(req.Devices) > 0 {
		rank = slices.Index(req.Devices, c.self.DeviceID)
		if rank < 0 {
			return
		}
	}

	log.Debug("answering sync request",
		zap.String("id", req.ID), zap.String("type", req.Type), zap.Stringer("from", source), zap.Int("rank", rank))

	switch req.Type {
	case model.SyncContentHistory:
		c.mu.Lock()
		c.expireAnswered(c.now())
		a, ok := c.answered[req.ID]
		if !ok {
			a = newAnswered()
			c.answered[req.ID] = a
		}
		a.expires = time.Time{}
		c.mu.Unlock()

		c.wg.Add(1)
		go c.respondHistory(ctx, req, rank)
	case model.SyncDeviceInfo:
		c.wg.Add(1)
		go c.respondDeviceInfo(ctx, req)
	default:
		log.Warn("unknown sync request type", zap.String("type", req.Type))
	}
}

func (c *Coordinator) handleResponse(ctx context.Context, source model.Address, resp *model.SyncControl) {
	c.mu.Lock()
	now := c.now()
	c.expireAnswered(now)
	expiry, mine := c.open[resp.ID]
	if mine && now.After(expiry) {
		delete(c.open, resp.ID)
		mine = false
	}
	if !mine {
		// the request itself may still be on its way to this device
		a, ok := c.answered[resp.ID]
		if !ok {
			a = newAnswered()
			a.expires = now.Add(unclaimedTTL)
			c.answered[resp.ID] = a
		}
		for _, m := range resp.Messages {
			a.messages[m.ID] = true
		}
		for _, t := range resp.Threads {
			a.threads[t.ID] = true
		}
		for _, ct := range resp.Contacts {
			a.contacts[ct.ID] = true
		}
	}
	c.mu.Unlock()

	if !mine {
		return
	}

	stats, err := c.history.Merge(ctx, resp)
	if err != nil {
		log.Error("merge sync response failed", zap.String("id", resp.ID), zap.Error(err))
		return
	}
	log.Info("merged sync response",
		zap.String("id", resp.ID),
		zap.Stringer("from", source),
		zap.Int("messages", stats.Messages),
		zap.Int("threads", stats.Threads),
		zap.Int("contacts", stats.Contacts),
		zap.Int("devices", stats.Devices))
	if c.onMerge != nil {
		c.onMerge(resp.ID, stats)
	}
}
