package wire

import (
	"e2e_multidevice/internal/model"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	envType          protowire.Number = 1
	envSource        protowire.Number = 2
	envTimestamp     protowire.Number = 5
	envLegacyMessage protowire.Number = 6
	envSourceDevice  protowire.Number = 7
	envContent       protowire.Number = 8
)

func MarshalEnvelope(e *model.Envelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, envType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Type))
	b = appendString(b, envSource, e.Source)
	b = protowire.AppendTag(b, envTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Timestamp)
	b = appendBytes(b, envLegacyMessage, e.LegacyMessage)
	b = protowire.AppendTag(b, envSourceDevice, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.SourceDevice))
	b = appendBytes(b, envContent, e.Content)
	return b
}

func UnmarshalEnvelope(b []byte) (*model.Envelope, error) {
	e := &model.Envelope{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case envType:
			e.Type = model.EnvelopeType(v)
		case envSource:
			e.Source = string(raw)
		case envTimestamp:
			e.Timestamp = v
		case envLegacyMessage:
			e.LegacyMessage = clone(raw)
		case envSourceDevice:
			e.SourceDevice = uint32(v)
		case envContent:
			e.Content = clone(raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}
