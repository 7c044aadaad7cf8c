package replay

import (
	"context"
	"testing"

	"e2e_multidevice/internal/errs"
)

func TestBindInvokesRegisteredOp(t *testing.T) {
	r := NewRegistry()
	var got []string
	r.Register(OpTransmitMessage, func(_ context.Context, args any) error {
		got = append(got, args.(string))
		return nil
	})

	e := r.Bind(errs.Network("offline", nil), OpTransmitMessage, "bob")
	if err := e.Replay(context.Background()); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if err := e.Replay(context.Background()); err != nil {
		t.Fatalf("second Replay: %v", err)
	}
	if len(got) != 1 || got[0] != "bob" {
		t.Fatalf("expected a single invocation with bob, got %v", got)
	}
}

func TestInvokeUnknownOp(t *testing.T) {
	r := NewRegistry()
	if err := r.Invoke(context.Background(), OpInitSession, nil); err == nil {
		t.Fatalf("expected error for unregistered op")
	}
}

func TestOpString(t *testing.T) {
	if OpRebuildMessage.String() != "rebuild-message" {
		t.Fatalf("unexpected name %q", OpRebuildMessage.String())
	}
	if Op(42).String() != "op(42)" {
		t.Fatalf("unexpected name %q", Op(42).String())
	}
}
