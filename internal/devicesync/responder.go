package devicesync

import (
	"context"
	"math/rand/v2"
	"time"

	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/utils/log"

	"go.uber.org/zap"
)

type diff struct {
	contacts []model.Contact
	threads  []model.Thread
	messages []model.Message
}

func (d *diff) empty() bool {
	return len(d.contacts)+len(d.threads)+len(d.messages) == 0
}

func (c *Coordinator) respondHistory(ctx context.Context, req *model.SyncControl, rank int) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.answered, req.ID)
		c.mu.Unlock()
	}()

	if rank > 0 && c.cfg.StaggerInterval > 0 {
		t := time.NewTimer(time.Duration(rank) * c.cfg.StaggerInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	d, err := c.diff(ctx, req)
	if err != nil {
		log.Error("compute sync diff failed", zap.String("id", req.ID), zap.Error(err))
		return
	}
	c.prune(req.ID, d)
	if d.empty() {
		log.Debug("nothing to sync", zap.String("id", req.ID))
		return
	}

	sent := 0
	for {
		c.prune(req.ID, d)
		chunk := c.nextChunk(d)
		if chunk == nil {
			break
		}
		chunk.ID = req.ID
		if err := c.send(ctx, chunk); err != nil {
			log.Warn("send sync response failed", zap.String("id", req.ID), zap.Error(err))
			return
		}
		sent += len(chunk.Messages) + len(chunk.Threads) + len(chunk.Contacts)
	}
	log.Info("answered sync request", zap.String("id", req.ID), zap.Int("records", sent))
}

// diff computes what req's manifest lacks: contacts and threads that are
// unknown or newer here, and every syncable message not listed. Threads and
// their messages come out shuffled.
func (c *Coordinator) diff(ctx context.Context, req *model.SyncControl) (*diff, error) {
	d := &diff{}

	knownContacts := make(map[string]int64, len(req.KnownContacts))
	for _, s := range req.KnownContacts {
		knownContacts[s.ID] = s.Updated
	}
	contacts, err := c.history.Contacts(ctx)
	if err != nil {
		return nil, err
	}
	for _, ct := range contacts {
		if u, ok := knownContacts[ct.ID]; !ok || ct.Updated > u {
			d.contacts = append(d.contacts, ct)
		}
	}

	knownThreads := make(map[string]int64, len(req.KnownThreads))
	for _, s := range req.KnownThreads {
		knownThreads[s.ID] = s.LastActivity
	}
	knownMessages := make(map[string]bool, len(req.KnownMessages))
	for _, id := range req.KnownMessages {
		knownMessages[id] = true
	}

	threads, err := c.history.Threads(ctx)
	if err != nil {
		return nil, err
	}
	rand.Shuffle(len(threads), func(i, j int) { threads[i], threads[j] = threads[j], threads[i] })

	for _, t := range threads {
		if la, ok := knownThreads[t.ID]; !ok || t.LastActivity > la {
			d.threads = append(d.threads, t)
		}
		msgs, err := c.history.Messages(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		var missing []model.Message
		for _, m := range msgs {
			if !m.Local && !knownMessages[m.ID] {
				missing = append(missing, m)
			}
		}
		rand.Shuffle(len(missing), func(i, j int) { missing[i], missing[j] = missing[j], missing[i] })
		d.messages = append(d.messages, missing...)
	}
	return d, nil
}

// prune drops records another responder already sent for id.
func (c *Coordinator) prune(id string, d *diff) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.answered[id]
	if !ok {
		return
	}
	d.contacts = filter(d.contacts, func(ct model.Contact) bool { return !a.contacts[ct.ID] })
	d.threads = filter(d.threads, func(t model.Thread) bool { return !a.threads[t.ID] })
	d.messages = filter(d.messages, func(m model.Message) bool { return !a.messages[m.ID] })
}

// nextChunk takes up to ChunkSize records off d, contacts first, then
// threads, then messages. It returns nil once d is drained.
func (c *Coordinator) nextChunk(d *diff) *model.SyncControl {
	if d.empty() {
		return nil
	}
	room := c.cfg.ChunkSize
	out := &model.SyncControl{
		Control: model.ControlSyncResponse,
		Type:    model.SyncContentHistory,
		Sent:    c.now().UnixMilli(),
	}

	n := min(room, len(d.contacts))
	out.Contacts, d.contacts = d.contacts[:n:n], d.contacts[n:]
	room -= n

	n = min(room, len(d.threads))
	out.Threads, d.threads = d.threads[:n:n], d.threads[n:]
	room -= n

	n = min(room, len(d.messages))
	out.Messages, d.messages = d.messages[:n:n], d.messages[n:]
	return out
}

func (c *Coordinator) respondDeviceInfo(ctx context.Context, req *model.SyncControl) {
	defer c.wg.Done()

	info := &model.DeviceInfo{
		DeviceID: c.self.DeviceID,
		Platform: c.cfg.Platform,
		Updated:  c.now().UnixMilli(),
	}
	if c.connection != nil {
		info.Connection = c.connection()
	}
	if c.locate != nil {
		lctx, cancel := context.WithTimeout(ctx, c.cfg.LocationTimeout)
		geo, err := c.locate(lctx)
		cancel()
		if err != nil {
			log.Debug("location unavailable", zap.Error(err))
		} else {
			info.Location = geo
		}
	}

	resp := &model.SyncControl{
		Control:    model.ControlSyncResponse,
		Type:       model.SyncDeviceInfo,
		ID:         req.ID,
		Sent:       c.now().UnixMilli(),
		DeviceInfo: info,
	}
	if err := c.send(ctx, resp); err != nil {
		log.Warn("send device info failed", zap.String("id", req.ID), zap.Error(err))
	}
}

func filter[T any](in []T, keep func(T) bool) []T {
	out := in[:0]
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}
