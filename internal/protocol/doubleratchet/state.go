// Package doubleratchet holds the per-session symmetric and DH ratchets.
package doubleratchet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"e2e_multidevice/internal/cryptographic/dh"
	"e2e_multidevice/internal/cryptographic/encryption"
)

const (
	// MaxSkip bounds both a single gap and the total stored skipped keys.
	MaxSkip = 1000

	retiredKeys = 5
)

var (
	// ErrDuplicateMessage is returned for a message whose key was already
	// consumed, typically a redelivery after a lost acknowledgement.
	ErrDuplicateMessage = errors.New("message counter already used")
	ErrNoReceivingChain = errors.New("no receiving chain")
	errNoRemoteKey      = errors.New("remote ratchet key not set")
)

// Header travels in the clear next to every ciphertext and is bound into
// its associated data.
type Header struct {
	Pub    [32]byte `json:"pub"`
	MsgNum uint32   `json:"msgNum"`
	Prev   uint32   `json:"prev"`
}

func (h Header) bind(ad []byte) []byte {
	out := make([]byte, 0, 40+len(ad))
	out = append(out, h.Pub[:]...)
	out = binary.BigEndian.AppendUint32(out, h.MsgNum)
	out = binary.BigEndian.AppendUint32(out, h.Prev)
	return append(out, ad...)
}

// chain is one direction of the symmetric ratchet.
type chain struct {
	Key []byte `json:"key,omitempty"`
	N   uint32 `json:"n"`
}

func (c *chain) next() ([]byte, error) {
	ck, mk, err := chainStep(c.Key)
	if err != nil {
		return nil, err
	}
	c.Key = ck
	c.N++
	return mk, nil
}

type skippedKey struct {
	Pub [32]byte `json:"pub"`
	N   uint32   `json:"n"`
	Key []byte   `json:"key"`
}

// Ratchet is the serialisable state of one session's double ratchet.
type Ratchet struct {
	Root   []byte     `json:"root"`
	Self   dh.KeyPair `json:"self"`
	Remote [32]byte   `json:"remote"`

	Sending   chain  `json:"sending"`
	Receiving chain  `json:"receiving"`
	PrevSent  uint32 `json:"prevSent"`

	// oldest first
	Retired [][32]byte `json:"retired,omitempty"`

	Skipped []skippedKey `json:"skipped,omitempty"`
}

// NewInitiator starts the side that knows the peer's signed prekey. Its
// first Send performs a DH step against remote.
func NewInitiator(root []byte, remote [32]byte) *Ratchet {
	return &Ratchet{Root: root, Remote: remote}
}

// NewResponder starts the side whose signed prekey was used. It cannot send
// until the initiator's first message arrives.
func NewResponder(root []byte, self dh.KeyPair) *Ratchet {
	return &Ratchet{Root: root, Self: self}
}

func (r *Ratchet) clone() *Ratchet {
	c := *r
	c.Root = bytes.Clone(r.Root)
	c.Sending.Key = bytes.Clone(r.Sending.Key)
	c.Receiving.Key = bytes.Clone(r.Receiving.Key)
	c.Retired = slices.Clone(r.Retired)
	c.Skipped = slices.Clone(r.Skipped)
	return &c
}

// HasReceived reports whether any message from the remote side was decrypted.
func (r *Ratchet) HasReceived() bool {
	return r.Receiving.Key != nil
}

// Send encrypts plaintext under the next sending message key.
func (r *Ratchet) Send(plaintext, ad []byte) (*Header, []byte, error) {
	if r.Sending.Key == nil {
		if err := r.stepSending(); err != nil {
			return nil, nil, err
		}
	}
	h := &Header{Pub: r.Self.Pub, MsgNum: r.Sending.N, Prev: r.PrevSent}
	mk, err := r.Sending.next()
	if err != nil {
		return nil, nil, err
	}
	ct, err := encryption.AEADEncrypt(mk, plaintext, h.bind(ad))
	if err != nil {
		return nil, nil, err
	}
	return h, ct, nil
}

// Receive decrypts one message. On any error the state is left unchanged.
func (r *Ratchet) Receive(h Header, ciphertext, ad []byte) ([]byte, error) {
	next := r.clone()
	plain, err := next.receive(h, ciphertext, ad)
	if err != nil {
		return nil, err
	}
	*r = *next
	return plain, nil
}

func (r *Ratchet) receive(h Header, ciphertext, ad []byte) ([]byte, error) {
	aad := h.bind(ad)

	if mk, ok := r.takeSkipped(h.Pub, h.MsgNum); ok {
		return encryption.AEADDecrypt(mk, ciphertext, aad)
	}
	if slices.Contains(r.Retired, h.Pub) {
		return nil, ErrDuplicateMessage
	}

	switch {
	case h.Pub != r.Remote || r.Receiving.Key == nil:
		if err := r.stepReceiving(h); err != nil {
			return nil, err
		}
	case h.MsgNum < r.Receiving.N:
		return nil, ErrDuplicateMessage
	}

	if err := r.skipTo(h.MsgNum); err != nil {
		return nil, err
	}
	mk, err := r.Receiving.next()
	if err != nil {
		return nil, err
	}
	return encryption.AEADDecrypt(mk, ciphertext, aad)
}

// stepSending replaces our ratchet key and opens a new sending chain.
func (r *Ratchet) stepSending() error {
	if r.Remote == ([32]byte{}) {
		return errNoRemoteKey
	}
	kp, err := dh.NewKeyPair()
	if err != nil {
		return err
	}
	shared, err := dh.SharedSecret(kp.Priv, r.Remote)
	if err != nil {
		return fmt.Errorf("sending ratchet: %w", err)
	}
	root, ck, err := rootStep(r.Root, shared)
	if err != nil {
		return err
	}
	r.Root, r.Self = root, kp
	r.PrevSent = r.Sending.N
	r.Sending = chain{Key: ck}
	return nil
}

// stepReceiving closes the current receiving chain at h.Prev and opens the
// one keyed by h.Pub.
func (r *Ratchet) stepReceiving(h Header) error {
	if r.Receiving.Key != nil {
		if err := r.skipTo(h.Prev); err != nil {
			return err
		}
		r.Retired = append(r.Retired, r.Remote)
		if n := len(r.Retired); n > retiredKeys {
			r.Retired = r.Retired[n-retiredKeys:]
		}
	}
	shared, err := dh.SharedSecret(r.Self.Priv, h.Pub)
	if err != nil {
		return fmt.Errorf("receiving ratchet: %w", err)
	}
	root, ck, err := rootStep(r.Root, shared)
	if err != nil {
		return err
	}
	r.Root, r.Remote = root, h.Pub
	r.Receiving = chain{Key: ck}
	// the next Send ratchets against the new remote key
	r.Sending.Key = nil
	return nil
}

// skipTo stores message keys for the receiving chain up to, not including, n.
func (r *Ratchet) skipTo(n uint32) error {
	if n <= r.Receiving.N {
		return nil
	}
	if r.Receiving.Key == nil {
		return ErrNoReceivingChain
	}
	gap := int(n - r.Receiving.N)
	if gap > MaxSkip || len(r.Skipped)+gap > MaxSkip {
		return fmt.Errorf("too many skipped messages: gap %d, stored %d, limit %d", gap, len(r.Skipped), MaxSkip)
	}
	for r.Receiving.N < n {
		id := r.Receiving.N
		mk, err := r.Receiving.next()
		if err != nil {
			return err
		}
		r.Skipped = append(r.Skipped, skippedKey{Pub: r.Remote, N: id, Key: mk})
	}
	return nil
}

func (r *Ratchet) takeSkipped(pub [32]byte, n uint32) ([]byte, bool) {
	i := slices.IndexFunc(r.Skipped, func(k skippedKey) bool {
		return k.Pub == pub && k.N == n
	})
	if i < 0 {
		return nil, false
	}
	mk := r.Skipped[i].Key
	r.Skipped = slices.Delete(r.Skipped, i, i+1)
	return mk, true
}
