// Package wire is the framed protocol shared by push and poll transports.
//
// One frame is a length-delimited sequence of 1-2 protocol messages:
// Envelope, then optional payload wrapper carrying either typed body (Any),
// raw payload bytes or the same payload as base64 text.
package wire

import (
	"encoding"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"google.golang.org/protobuf/types/known/anypb"
)

const TypeURLPrefix = "types.agrirouter.com/"

var (
	ErrBodyAndPayload = fmt.Errorf("body and payload are mutually exclusive")
	ErrNoEnvelope     = fmt.Errorf("frame without envelope")
	ErrTypeMismatch   = fmt.Errorf("body type mismatch")
)

type Mode int32

const (
	ModeDirect Mode = iota
	ModePublish
	ModePublishWithDirect
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "DIRECT"
	case ModePublish:
		return "PUBLISH"
	case ModePublishWithDirect:
		return "PUBLISH_WITH_DIRECT"
	}
	return fmt.Sprintf("Mode(%d)", int32(m))
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "direct":
		return ModeDirect, nil
	case "publish":
		return ModePublish, nil
	case "publish_with_direct", "both":
		return ModePublishWithDirect, nil
	}
	return ModeDirect, errors.NotValidf("mode=%s", s)
}

// ChunkInfo marks one part of oversized payload split across frames.
// Current is 1-based.
type ChunkInfo struct {
	ContextID string
	Current   int64
	Total     int64
	TotalSize int64
}

func (c *ChunkInfo) marshal() []byte {
	b := appendString(nil, 1, c.ContextID)
	b = appendVarint(b, 2, uint64(c.Current))
	b = appendVarint(b, 3, uint64(c.Total))
	b = appendVarint(b, 4, uint64(c.TotalSize))
	return b
}

func (c *ChunkInfo) unmarshal(b []byte) error {
	d := newDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			c.ContextID = d.string()
		case 2:
			c.Current = int64(d.varint())
		case 3:
			c.Total = int64(d.varint())
		case 4:
			c.TotalSize = int64(d.varint())
		default:
			d.skip()
		}
	}
	return d.err
}

// Envelope is request header. ApplicationMessageID is correlation key.
type Envelope struct {
	ApplicationMessageID string
	SeqNo                int64
	TechnicalMessageType string
	TeamSetContextID     string
	Mode                 Mode
	Recipients           []string
	Chunk                *ChunkInfo
	Timestamp            time.Time
}

func (e *Envelope) marshal() ([]byte, error) {
	b := appendString(nil, 1, e.ApplicationMessageID)
	b = appendVarint(b, 2, uint64(e.SeqNo))
	b = appendString(b, 3, e.TechnicalMessageType)
	b = appendString(b, 4, e.TeamSetContextID)
	b = appendVarint(b, 5, uint64(e.Mode))
	b = appendStrings(b, 6, e.Recipients)
	if e.Chunk != nil {
		b = appendMessage(b, 7, e.Chunk.marshal())
	}
	return appendTime(b, 8, e.Timestamp)
}

func (e *Envelope) unmarshal(b []byte) error {
	d := newDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			e.ApplicationMessageID = d.string()
		case 2:
			e.SeqNo = int64(d.varint())
		case 3:
			e.TechnicalMessageType = d.string()
		case 4:
			e.TeamSetContextID = d.string()
		case 5:
			e.Mode = Mode(d.varint())
		case 6:
			e.Recipients = append(e.Recipients, d.string())
		case 7:
			e.Chunk = &ChunkInfo{}
			d.sub(e.Chunk.unmarshal)
		case 8:
			e.Timestamp = d.time()
		default:
			d.skip()
		}
	}
	return d.err
}

// Body is structured request or response body, travels as Any.
type Body interface {
	TypeURL() string
	encoding.BinaryMarshaler
}

type BodyUnmarshaler interface {
	Body
	encoding.BinaryUnmarshaler
}

func PackBody(body Body) (*anypb.Any, error) {
	b, err := body.MarshalBinary()
	if err != nil {
		return nil, errors.Annotatef(err, "marshal %s", body.TypeURL())
	}
	return &anypb.Any{TypeUrl: body.TypeURL(), Value: b}, nil
}

func UnpackBody(a *anypb.Any, body BodyUnmarshaler) error {
	if a == nil {
		return errors.Annotatef(ErrTypeMismatch, "expected=%s actual=nil", body.TypeURL())
	}
	if a.GetTypeUrl() != body.TypeURL() {
		return errors.Annotatef(ErrTypeMismatch, "expected=%s actual=%s", body.TypeURL(), a.GetTypeUrl())
	}
	return errors.Annotatef(body.UnmarshalBinary(a.GetValue()), "unmarshal %s", body.TypeURL())
}

// Message is one frame: envelope and at most one of Details or Payload.
// Base64 selects text-safe payload encoding inside wrapper.
type Message struct {
	Envelope Envelope
	Details  *anypb.Any
	Payload  []byte
	Base64   bool
}

func NewBodyMessage(env Envelope, body Body) (*Message, error) {
	a, err := PackBody(body)
	if err != nil {
		return nil, err
	}
	return &Message{Envelope: env, Details: a}, nil
}

func (m *Message) ID() string { return m.Envelope.ApplicationMessageID }

func (m *Message) String() string {
	kind := "empty"
	switch {
	case m.Details != nil:
		kind = "body=" + m.Details.GetTypeUrl()
	case len(m.Payload) != 0:
		kind = fmt.Sprintf("payload=%d base64=%t", len(m.Payload), m.Base64)
	}
	chunk := ""
	if c := m.Envelope.Chunk; c != nil {
		chunk = fmt.Sprintf(" chunk=%s:%d/%d", c.ContextID, c.Current, c.Total)
	}
	return fmt.Sprintf("id=%s seq=%d type=%s mode=%s%s %s",
		m.Envelope.ApplicationMessageID, m.Envelope.SeqNo, m.Envelope.TechnicalMessageType, m.Envelope.Mode, chunk, kind)
}

// Encode builds frame bytes.
func Encode(m *Message) ([]byte, error) {
	if m.Details != nil && len(m.Payload) != 0 {
		return nil, errors.Annotatef(ErrBodyAndPayload, "id=%s", m.ID())
	}
	envb, err := m.Envelope.marshal()
	if err != nil {
		return nil, errors.Annotate(err, "envelope")
	}
	buf := proto.NewBuffer(make([]byte, 0, len(envb)+len(m.Payload)+32))
	if err = buf.EncodeRawBytes(envb); err != nil {
		return nil, errors.Trace(err)
	}

	var wrapper []byte
	switch {
	case m.Details != nil:
		if wrapper, err = appendAny(nil, 1, m.Details); err != nil {
			return nil, errors.Annotate(err, "details")
		}
	case len(m.Payload) != 0 && m.Base64:
		wrapper = appendString(nil, 3, base64.StdEncoding.EncodeToString(m.Payload))
	case len(m.Payload) != 0:
		wrapper = appendBytes(nil, 2, m.Payload)
	}
	if wrapper != nil {
		if err = buf.EncodeRawBytes(wrapper); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return buf.Bytes(), nil
}

// Decode parses frame bytes. Base64 payload is decoded back to original bytes.
func Decode(b []byte) (*Message, error) {
	buf := proto.NewBuffer(b)
	envb, err := buf.DecodeRawBytes(false)
	if err != nil {
		return nil, errors.Annotate(ErrNoEnvelope, err.Error())
	}
	m := &Message{}
	if err = m.Envelope.unmarshal(envb); err != nil {
		return nil, errors.Annotate(err, "envelope")
	}
	if len(buf.Unread()) == 0 {
		return m, nil
	}
	wrapper, err := buf.DecodeRawBytes(false)
	if err != nil {
		return nil, errors.Annotatef(err, "id=%s payload wrapper", m.ID())
	}
	d := newDecoder(wrapper)
	for d.next() {
		switch d.num {
		case 1:
			m.Details = d.any()
		case 2:
			m.Payload = d.bytes()
		case 3:
			s := d.string()
			if d.err == nil {
				m.Base64 = true
				m.Payload, d.err = base64.StdEncoding.DecodeString(s)
			}
		default:
			d.skip()
		}
	}
	if d.err != nil {
		return nil, errors.Annotatef(d.err, "id=%s payload wrapper", m.ID())
	}
	if m.Details != nil && len(m.Payload) != 0 {
		return nil, errors.Annotatef(ErrBodyAndPayload, "id=%s", m.ID())
	}
	return m, nil
}
