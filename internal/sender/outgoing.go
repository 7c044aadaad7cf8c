package sender

import (
	"slices"
	"sync"

	"e2e_multidevice/internal/model"
)

type (
	// Attachment is caller data to be encrypted and uploaded.
	Attachment struct {
		Data        []byte
		ContentType string
	}

	// MessageAttrs describes one logical send.
	MessageAttrs struct {
		Recipients  []string
		Body        string
		Attachments []Attachment
		Flags       uint32
		ExpireTimer uint32
		Timestamp   uint64
	}

	Sent struct {
		Addr    string
		Devices []uint32
	}

	Failure struct {
		Addr string
		Err  error
	}
)

// OutgoingMessage tracks one logical send across its recipients. It is
// terminal once every recipient has either a Sent or a Failure entry.
type OutgoingMessage struct {
	Timestamp  uint64
	Recipients []string

	mu      sync.Mutex
	content *model.Content
	sent    []Sent
	errors  []Failure
	notify  func(*OutgoingMessage)
}

func newOutgoingMessage(attrs MessageAttrs) *OutgoingMessage {
	return &OutgoingMessage{
		Timestamp:  attrs.Timestamp,
		Recipients: slices.Clone(attrs.Recipients),
	}
}

// OnSettle registers fn to be called after each recipient settles.
func (m *OutgoingMessage) OnSettle(fn func(*OutgoingMessage)) {
	m.mu.Lock()
	m.notify = fn
	m.mu.Unlock()
}

func (m *OutgoingMessage) Content() *model.Content {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.content
}

func (m *OutgoingMessage) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sent)
}

func (m *OutgoingMessage) Errors() []Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.errors)
}

// Done reports whether every recipient has settled.
func (m *OutgoingMessage) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)+len(m.errors) >= len(m.Recipients)
}

func (m *OutgoingMessage) setContent(c *model.Content) {
	m.mu.Lock()
	m.content = c
	m.mu.Unlock()
}

// settle records the outcome for addr, replacing an earlier failure entry so
// a successful replay leaves exactly one entry per recipient.
func (m *OutgoingMessage) settle(addr string, devices []uint32, err error) {
	m.mu.Lock()
	m.errors = slices.DeleteFunc(m.errors, func(f Failure) bool { return f.Addr == addr })
	if err != nil {
		m.errors = append(m.errors, Failure{Addr: addr, Err: err})
	} else {
		m.sent = append(m.sent, Sent{Addr: addr, Devices: devices})
	}
	notify := m.notify
	m.mu.Unlock()

	if notify != nil {
		notify(m)
	}
}
