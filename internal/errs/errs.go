// Package errs is the error taxonomy shared by the transport, the outgoing
// pipeline and the receiver.
package errs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"e2e_multidevice/internal/model"
)

type Kind int

const (
	KindNetwork Kind = iota + 1
	KindProtocol
	KindIncomingIdentityKey
	KindOutgoingIdentityKey
	KindUnregistered
	KindDeviceDrift
	KindDuplicate
	KindAuth
	KindRateLimited
	KindAlreadyRegistered
	KindSendMessage
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindIncomingIdentityKey:
		return "incoming identity key"
	case KindOutgoingIdentityKey:
		return "outgoing identity key"
	case KindUnregistered:
		return "unregistered user"
	case KindDeviceDrift:
		return "device drift"
	case KindDuplicate:
		return "duplicate message"
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate limited"
	case KindAlreadyRegistered:
		return "already registered"
	case KindSendMessage:
		return "send message"
	default:
		return "unknown"
	}
}

type DriftKind int

const (
	// DriftMismatch is a 409: the request named devices the server does not
	// know, or left out devices it does.
	DriftMismatch DriftKind = iota + 1
	// DriftStale is a 410: sessions exist for re-registered devices.
	DriftStale
)

type Mismatch struct {
	Drift   DriftKind
	Missing []uint32
	Extra   []uint32
	Stale   []uint32
}

// ReplayFunc re-executes the operation that produced an error.
type ReplayFunc func(ctx context.Context) error

// Error carries only the fields its Kind needs:
//   - Protocol, Network: Code (HTTP status or socket close code)
//   - identity kinds: Addr, Key (the offered key)
//   - DeviceDrift: Addr, Mismatch
//   - Unregistered: Addr
type Error struct {
	Kind     Kind
	Code     int
	Addr     string
	Key      model.IdentityKey
	Mismatch *Mismatch
	Reason   string
	Err      error

	replay     ReplayFunc
	replayOnce sync.Once
	replayErr  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Addr != "" {
		msg += " " + e.Addr
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" (%d)", e.Code)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Replayable reports whether Replay can re-run the failed operation.
func (e *Error) Replayable() bool {
	return e.replay != nil
}

// Replay re-runs the captured operation once the caller resolved its cause.
// Only the first call executes; later calls return the first outcome.
func (e *Error) Replay(ctx context.Context) error {
	if e.replay == nil {
		return fmt.Errorf("%s: not replayable", e.Kind)
	}
	e.replayOnce.Do(func() {
		e.replayErr = e.replay(ctx)
	})
	return e.replayErr
}

// WithReplay attaches fn as the replay of e and returns e.
func (e *Error) WithReplay(fn ReplayFunc) *Error {
	e.replay = fn
	return e
}

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Network(reason string, err error) *Error {
	return &Error{Kind: KindNetwork, Reason: reason, Err: err}
}

func Protocol(code int, reason string) *Error {
	return &Error{Kind: KindProtocol, Code: code, Reason: reason}
}

func IncomingIdentityKey(addr string, key model.IdentityKey) *Error {
	return &Error{Kind: KindIncomingIdentityKey, Addr: addr, Key: key, Reason: "the identity of the sender has changed"}
}

func OutgoingIdentityKey(addr string, key model.IdentityKey) *Error {
	return &Error{Kind: KindOutgoingIdentityKey, Addr: addr, Key: key, Reason: "the identity of the recipient has changed"}
}

func Unregistered(addr string, err error) *Error {
	return &Error{Kind: KindUnregistered, Code: http.StatusNotFound, Addr: addr, Reason: "user is not registered", Err: err}
}

// Is matches on Kind, so errors.Is(err, &errs.Error{Kind: errs.KindNetwork}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == 0 || t.Code == e.Code)
}

func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// FromStatus maps a non-2xx HTTP status and response body to a typed error.
func FromStatus(code int, body []byte) *Error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Kind: KindAuth, Code: code, Reason: "invalid authentication"}
	case http.StatusNotFound:
		return &Error{Kind: KindUnregistered, Code: code, Reason: "not found"}
	case http.StatusConflict:
		var m model.MismatchedDevices
		if err := json.Unmarshal(body, &m); err != nil {
			return Protocol(code, "bad mismatched devices body")
		}
		return &Error{Kind: KindDeviceDrift, Code: code, Mismatch: &Mismatch{
			Drift:   DriftMismatch,
			Missing: m.MissingDevices,
			Extra:   m.ExtraDevices,
		}}
	case http.StatusGone:
		var s model.StaleDevices
		if err := json.Unmarshal(body, &s); err != nil {
			return Protocol(code, "bad stale devices body")
		}
		return &Error{Kind: KindDeviceDrift, Code: code, Mismatch: &Mismatch{
			Drift: DriftStale,
			Stale: s.StaleDevices,
		}}
	case http.StatusRequestEntityTooLarge:
		return &Error{Kind: KindRateLimited, Code: code, Reason: "rate limit exceeded"}
	case http.StatusExpectationFailed:
		return &Error{Kind: KindAlreadyRegistered, Code: code, Reason: "number already registered"}
	default:
		return Protocol(code, http.StatusText(code))
	}
}
