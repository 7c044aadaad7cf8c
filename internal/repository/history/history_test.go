package history

import (
	"context"
	"testing"

	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/storage/memory"
)

func TestMessagesOrderedBySendTime(t *testing.T) {
	ctx := context.Background()
	r := New(memory.New())
	for _, m := range []model.Message{
		{ID: "c", ThreadID: "bob", Sent: 30},
		{ID: "a", ThreadID: "bob", Sent: 10},
		{ID: "b", ThreadID: "bob", Sent: 20},
		{ID: "x", ThreadID: "carol", Sent: 5},
	} {
		if err := r.PutMessage(ctx, m); err != nil {
			t.Fatalf("PutMessage: %v", err)
		}
	}
	msgs, err := r.Messages(ctx, "bob")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 3 || msgs[0].ID != "a" || msgs[1].ID != "b" || msgs[2].ID != "c" {
		t.Fatalf("unexpected order %+v", msgs)
	}
}

func TestMessageIDsSkipLocal(t *testing.T) {
	ctx := context.Background()
	r := New(memory.New())
	_ = r.PutMessage(ctx, model.Message{ID: "shared", ThreadID: "bob"})
	_ = r.PutMessage(ctx, model.Message{ID: "mine", ThreadID: "bob", Local: true})

	ids, err := r.MessageIDs(ctx)
	if err != nil {
		t.Fatalf("MessageIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "shared" {
		t.Fatalf("got %v", ids)
	}
}

func TestTouchOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	r := New(memory.New())
	if err := r.Touch(ctx, "bob", "Bob", 100); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := r.Touch(ctx, "bob", "ignored", 50); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	th, err := r.GetThread(ctx, "bob")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if th.LastActivity != 100 || th.Title != "Bob" {
		t.Fatalf("unexpected thread %+v", th)
	}
}

func TestMergeRules(t *testing.T) {
	ctx := context.Background()
	r := New(memory.New())
	_ = r.PutMessage(ctx, model.Message{ID: "m1", ThreadID: "bob", Body: "local copy"})
	_ = r.PutThread(ctx, model.Thread{ID: "bob", LastActivity: 100})
	_ = r.PutThread(ctx, model.Thread{ID: "carol", LastActivity: 100})
	_ = r.PutContact(ctx, model.Contact{ID: "bob", Name: "Bob", Updated: 10})
	_ = r.PutDeviceInfo(ctx, model.DeviceInfo{DeviceID: 2, Platform: "old", Updated: 10})

	stats, err := r.Merge(ctx, &model.SyncControl{
		Messages: []model.Message{
			{ID: "m1", ThreadID: "bob", Body: "remote copy"},
			{ID: "m2", ThreadID: "bob", Body: "new"},
			{ID: "m3", ThreadID: "bob", Body: "device only", Local: true},
		},
		Threads: []model.Thread{
			{ID: "bob", LastActivity: 100},
			{ID: "carol", LastActivity: 200},
			{ID: "dave", LastActivity: 1},
		},
		Contacts: []model.Contact{
			{ID: "bob", Name: "Robert", Updated: 5},
			{ID: "carol", Name: "Carol", Updated: 1},
		},
		DeviceInfo: &model.DeviceInfo{DeviceID: 2, Platform: "new", Updated: 20},
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	want := MergeStats{Messages: 1, Threads: 2, Contacts: 1, Devices: 1}
	if stats != want {
		t.Fatalf("stats %+v, want %+v", stats, want)
	}
	if stats.Total() != 5 {
		t.Fatalf("Total = %d", stats.Total())
	}

	m1, _ := r.GetMessage(ctx, "m1")
	if m1.Body != "local copy" {
		t.Fatalf("existing message was overwritten")
	}
	if _, err := r.GetMessage(ctx, "m3"); err == nil {
		t.Fatalf("local message from another device was stored")
	}
	carol, _ := r.GetThread(ctx, "carol")
	if carol.LastActivity != 200 {
		t.Fatalf("newer thread not applied")
	}
	contacts, _ := r.Contacts(ctx)
	for _, c := range contacts {
		if c.ID == "bob" && c.Name != "Bob" {
			t.Fatalf("older contact overwrote newer one")
		}
	}
	infos, _ := r.DeviceInfo(ctx)
	if len(infos) != 1 || infos[0].Platform != "new" {
		t.Fatalf("device info not replaced: %+v", infos)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := New(memory.New())
	ctl := &model.SyncControl{
		Messages: []model.Message{{ID: "m1", ThreadID: "bob"}},
		Threads:  []model.Thread{{ID: "bob", LastActivity: 1}},
		Contacts: []model.Contact{{ID: "bob", Updated: 1}},
	}
	if _, err := r.Merge(ctx, ctl); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	stats, err := r.Merge(ctx, ctl)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if stats.Total() != 0 {
		t.Fatalf("second merge changed %+v", stats)
	}
}
