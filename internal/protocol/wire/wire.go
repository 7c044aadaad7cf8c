// Package wire encodes the protobuf frames exchanged over the message
// socket and the envelopes the relay pushes through it.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

type MessageType int32

const (
	TypeUnknown  MessageType = 0
	TypeRequest  MessageType = 1
	TypeResponse MessageType = 2
)

type (
	Request struct {
		Verb string
		Path string
		Body []byte
		ID   uint64
	}

	Response struct {
		ID      uint64
		Status  uint32
		Message string
		Body    []byte
	}

	WebSocketMessage struct {
		Type     MessageType
		Request  *Request
		Response *Response
	}
)

var ErrMalformed = errors.New("malformed frame")

func (m *WebSocketMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	if m.Request != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Request.marshal())
	}
	if m.Response != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Response.marshal())
	}
	return b
}

func UnmarshalWebSocketMessage(b []byte) (*WebSocketMessage, error) {
	m := &WebSocketMessage{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			m.Type = MessageType(v)
		case 2:
			r, err := unmarshalRequest(raw)
			if err != nil {
				return err
			}
			m.Request = r
		case 3:
			r, err := unmarshalResponse(raw)
			if err != nil {
				return err
			}
			m.Response = r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Request) marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.Verb)
	b = appendString(b, 2, r.Path)
	b = appendBytes(b, 3, r.Body)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, r.ID)
	return b
}

func unmarshalRequest(b []byte) (*Request, error) {
	r := &Request{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			r.Verb = string(raw)
		case 2:
			r.Path = string(raw)
		case 3:
			r.Body = clone(raw)
		case 4:
			r.ID = v
		}
		return nil
	})
	return r, err
}

func (r *Response) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, r.ID)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Status))
	b = appendString(b, 3, r.Message)
	b = appendBytes(b, 4, r.Body)
	return b
}

func unmarshalResponse(b []byte) (*Response, error) {
	r := &Response{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			r.ID = v
		case 2:
			r.Status = uint32(v)
		case 3:
			r.Message = string(raw)
		case 4:
			r.Body = clone(raw)
		}
		return nil
	})
	return r, err
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func clone(b []byte) []byte {
	return append([]byte{}, b...)
}

// walk visits every field of a message. Varint fields arrive in v, length
// delimited fields in raw; other wire types are skipped.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		var (
			v   uint64
			raw []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(num, typ, v, raw); err != nil {
			return err
		}
	}
	return nil
}
