// Package replay maps recoverable failures back to the operation that
// raised them. A Registry is owned by one pipeline instance.
package replay

import (
	"context"
	"fmt"
	"sync"

	"e2e_multidevice/internal/errs"
)

type Op int

const (
	OpEncryptMessage Op = iota + 1
	OpTransmitMessage
	OpRebuildMessage
	OpInitSession
)

func (o Op) String() string {
	switch o {
	case OpEncryptMessage:
		return "encrypt-message"
	case OpTransmitMessage:
		return "transmit-message"
	case OpRebuildMessage:
		return "rebuild-message"
	case OpInitSession:
		return "init-session"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Func re-runs an operation with its original arguments.
type Func func(ctx context.Context, args any) error

type Registry struct {
	mu  sync.RWMutex
	ops map[Op]Func
}

func NewRegistry() *Registry {
	return &Registry{ops: make(map[Op]Func)}
}

func (r *Registry) Register(op Op, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op] = fn
}

// Invoke runs op with args.
func (r *Registry) Invoke(ctx context.Context, op Op, args any) error {
	r.mu.RLock()
	fn, ok := r.ops[op]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("replay: no function registered for %s", op)
	}
	return fn(ctx, args)
}

// Bind makes e replayable: its Replay invokes op with the captured args.
func (r *Registry) Bind(e *errs.Error, op Op, args any) *errs.Error {
	return e.WithReplay(func(ctx context.Context) error {
		return r.Invoke(ctx, op, args)
	})
}
