// Package history persists the local conversation state that devices of
// one account reconcile: messages, threads, contacts and device info.
package history

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strconv"

	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/storage"
)

const (
	collMessages   = "messages"
	collThreads    = "threads"
	collContacts   = "contacts"
	collDeviceInfo = "deviceInfo"

	indexThread = "threadId"
)

type Repo struct {
	store storage.Store
}

func New(store storage.Store) *Repo {
	return &Repo{store: store}
}

// MergeStats counts the records a merge actually changed.
type MergeStats struct {
	Messages int
	Threads  int
	Contacts int
	Devices  int
}

func (s MergeStats) Total() int {
	return s.Messages + s.Threads + s.Contacts + s.Devices
}

func (r *Repo) PutMessage(ctx context.Context, m model.Message) error {
	return storage.PutJSON(ctx, r.store, collMessages, m.ID, m, map[string]string{indexThread: m.ThreadID})
}

func (r *Repo) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var m model.Message
	if err := storage.GetJSON(ctx, r.store, collMessages, id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Messages returns the messages of a thread ordered by send time.
func (r *Repo) Messages(ctx context.Context, threadID string) ([]model.Message, error) {
	msgs, err := storage.All[model.Message](ctx, r.store, collMessages, indexThread, threadID)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(msgs, func(a, b model.Message) int { return cmp.Compare(a.Sent, b.Sent) })
	return msgs, nil
}

// MessageIDs lists the ids of every syncable message.
func (r *Repo) MessageIDs(ctx context.Context) ([]string, error) {
	msgs, err := storage.All[model.Message](ctx, r.store, collMessages, "", "")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if !m.Local {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (r *Repo) PutThread(ctx context.Context, t model.Thread) error {
	return storage.PutJSON(ctx, r.store, collThreads, t.ID, t, nil)
}

func (r *Repo) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	var t model.Thread
	if err := storage.GetJSON(ctx, r.store, collThreads, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repo) Threads(ctx context.Context) ([]model.Thread, error) {
	return storage.All[model.Thread](ctx, r.store, collThreads, "", "")
}

// Touch creates the thread if needed and moves its last activity forward.
func (r *Repo) Touch(ctx context.Context, id, title string, at int64) error {
	t, err := r.GetThread(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		t = &model.Thread{ID: id, Title: title}
	case err != nil:
		return err
	}
	t.LastActivity = max(t.LastActivity, at)
	return r.PutThread(ctx, *t)
}

func (r *Repo) PutContact(ctx context.Context, c model.Contact) error {
	return storage.PutJSON(ctx, r.store, collContacts, c.ID, c, nil)
}

func (r *Repo) Contacts(ctx context.Context) ([]model.Contact, error) {
	return storage.All[model.Contact](ctx, r.store, collContacts, "", "")
}

func (r *Repo) PutDeviceInfo(ctx context.Context, d model.DeviceInfo) error {
	return storage.PutJSON(ctx, r.store, collDeviceInfo, strconv.FormatUint(uint64(d.DeviceID), 10), d, nil)
}

func (r *Repo) DeviceInfo(ctx context.Context) ([]model.DeviceInfo, error) {
	return storage.All[model.DeviceInfo](ctx, r.store, collDeviceInfo, "", "")
}

// Merge applies records received from another device. Messages are
// immutable and only inserted; threads, contacts and device info replace
// the local copy only when strictly newer.
func (r *Repo) Merge(ctx context.Context, c *model.SyncControl) (MergeStats, error) {
	var stats MergeStats

	for _, m := range c.Messages {
		if m.Local {
			continue
		}
		_, err := r.GetMessage(ctx, m.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return stats, err
		}
		if err := r.PutMessage(ctx, m); err != nil {
			return stats, err
		}
		stats.Messages++
	}

	for _, t := range c.Threads {
		cur, err := r.GetThread(ctx, t.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return stats, err
		}
		if cur != nil && cur.LastActivity >= t.LastActivity {
			continue
		}
		if err := r.PutThread(ctx, t); err != nil {
			return stats, err
		}
		stats.Threads++
	}

	if len(c.Contacts) > 0 {
		local, err := r.Contacts(ctx)
		if err != nil {
			return stats, err
		}
		updated := make(map[string]int64, len(local))
		for _, lc := range local {
			updated[lc.ID] = lc.Updated
		}
		for _, rc := range c.Contacts {
			if u, ok := updated[rc.ID]; ok && u >= rc.Updated {
				continue
			}
			if err := r.PutContact(ctx, rc); err != nil {
				return stats, err
			}
			updated[rc.ID] = rc.Updated
			stats.Contacts++
		}
	}

	if d := c.DeviceInfo; d != nil {
		var cur model.DeviceInfo
		err := storage.GetJSON(ctx, r.store, collDeviceInfo, strconv.FormatUint(uint64(d.DeviceID), 10), &cur)
		switch {
		case errors.Is(err, storage.ErrNotFound), err == nil && d.Updated > cur.Updated:
			if err := r.PutDeviceInfo(ctx, *d); err != nil {
				return stats, err
			}
			stats.Devices++
		case err != nil:
			return stats, err
		}
	}
	return stats, nil
}
