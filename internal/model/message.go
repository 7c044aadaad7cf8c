package model

type EnvelopeType int32

const (
	EnvelopeUnknown      EnvelopeType = 0
	EnvelopeCiphertext   EnvelopeType = 1
	EnvelopeKeyExchange  EnvelopeType = 2
	EnvelopePreKeyBundle EnvelopeType = 3
	EnvelopeReceipt      EnvelopeType = 5
)

func (t EnvelopeType) String() string {
	switch t {
	case EnvelopeCiphertext:
		return "CIPHERTEXT"
	case EnvelopeKeyExchange:
		return "KEY_EXCHANGE"
	case EnvelopePreKeyBundle:
		return "PREKEY_BUNDLE"
	case EnvelopeReceipt:
		return "RECEIPT"
	default:
		return "UNKNOWN"
	}
}

// Data message flags.
const (
	FlagEndSession            uint32 = 1
	FlagExpirationTimerUpdate uint32 = 2

	knownFlags = FlagEndSession | FlagExpirationTimerUpdate
)

func ValidFlags(f uint32) bool {
	return f&^knownFlags == 0
}

type (
	// Envelope is one inbound unit pushed by the relay.
	Envelope struct {
		Type          EnvelopeType
		Source        string
		SourceDevice  uint32
		Timestamp     uint64
		LegacyMessage []byte
		Content       []byte
	}

	// Content is the plaintext carried inside Envelope.Content.
	Content struct {
		DataMessage *DataMessage `json:"dataMessage,omitempty"`
		SyncMessage *SyncMessage `json:"syncMessage,omitempty"`
	}

	DataMessage struct {
		Body        string              `json:"body,omitempty"`
		Attachments []AttachmentPointer `json:"attachments,omitempty"`
		Flags       uint32              `json:"flags,omitempty"`
		ExpireTimer uint32              `json:"expireTimer,omitempty"`
		Timestamp   uint64              `json:"timestamp"`
	}

	AttachmentPointer struct {
		ID          uint64 `json:"id"`
		Key         []byte `json:"key"`
		Digest      []byte `json:"digest"`
		Size        uint32 `json:"size"`
		ContentType string `json:"contentType,omitempty"`
		// Data is filled by the receiver after download; never serialized.
		Data []byte `json:"-"`
	}

	SyncMessage struct {
		Sent    *SentTranscript `json:"sent,omitempty"`
		Control *SyncControl    `json:"control,omitempty"`
	}

	// SentTranscript is the copy of an outgoing message delivered to the
	// sender's own other devices.
	SentTranscript struct {
		Destination string       `json:"destination"`
		Timestamp   uint64       `json:"timestamp"`
		Message     *DataMessage `json:"message"`
	}

	// OutgoingDeviceMessage is one device ciphertext of a batched submission.
	OutgoingDeviceMessage struct {
		Type                      EnvelopeType `json:"type"`
		DestinationDeviceID       uint32       `json:"destinationDeviceId"`
		DestinationRegistrationID uint32       `json:"destinationRegistrationId"`
		Content                   []byte       `json:"content"`
	}

	// OutgoingMessageList is the body of PUT /v1/messages/{name}.
	OutgoingMessageList struct {
		Messages  []OutgoingDeviceMessage `json:"messages"`
		Timestamp uint64                  `json:"timestamp"`
	}

	// MismatchedDevices is the 409 response body.
	MismatchedDevices struct {
		MissingDevices []uint32 `json:"missingDevices"`
		ExtraDevices   []uint32 `json:"extraDevices"`
	}

	// StaleDevices is the 410 response body.
	StaleDevices struct {
		StaleDevices []uint32 `json:"staleDevices"`
	}
)
