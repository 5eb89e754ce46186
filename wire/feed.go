package wire

import (
	"time"

	"github.com/juju/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/anypb"
)

// Response bodies delivered by broker.

type MessageEntry struct {
	Code string
	Text string
}

func (m *MessageEntry) marshal() []byte {
	b := appendString(nil, 1, m.Code)
	return appendString(b, 2, m.Text)
}

func (m *MessageEntry) unmarshal(b []byte) error {
	d := newDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			m.Code = d.string()
		case 2:
			m.Text = d.string()
		default:
			d.skip()
		}
	}
	return d.err
}

// Messages is details of ACK_WITH_MESSAGES and ACK_WITH_FAILURE.
type Messages struct{ Items []MessageEntry }

func (*Messages) TypeURL() string { return TypeURLPrefix + "agrirouter.commons.Messages" }

func (m *Messages) MarshalBinary() ([]byte, error) {
	var b []byte
	for i := range m.Items {
		b = appendMessage(b, 1, m.Items[i].marshal())
	}
	return b, nil
}

func (m *Messages) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			var e MessageEntry
			d.sub(e.unmarshal)
			m.Items = append(m.Items, e)
		default:
			d.skip()
		}
	}
	return d.err
}

type Page struct {
	Number int32
	Total  int32
}

func (p *Page) marshal() []byte {
	b := appendVarint(nil, 1, uint64(p.Number))
	return appendVarint(b, 2, uint64(p.Total))
}

func (p *Page) unmarshal(b []byte) error {
	d := newDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			p.Number = int32(d.varint())
		case 2:
			p.Total = int32(d.varint())
		default:
			d.skip()
		}
	}
	return d.err
}

type FeedMessageHeader struct {
	TechnicalMessageType string
	TeamSetContextID     string
	Chunk                *ChunkInfo
	PayloadSize          int64
	ReceiptTimestamp     time.Time
	SequenceNumber       int64
	SenderID             string
	SentTimestamp        time.Time
	MessageID            string
}

func (h *FeedMessageHeader) marshal() ([]byte, error) {
	b := appendString(nil, 1, h.TechnicalMessageType)
	b = appendString(b, 2, h.TeamSetContextID)
	if h.Chunk != nil {
		b = appendMessage(b, 3, h.Chunk.marshal())
	}
	b = appendVarint(b, 4, uint64(h.PayloadSize))
	b, err := appendTime(b, 5, h.ReceiptTimestamp)
	if err != nil {
		return nil, err
	}
	b = appendVarint(b, 6, uint64(h.SequenceNumber))
	b = appendString(b, 7, h.SenderID)
	if b, err = appendTime(b, 8, h.SentTimestamp); err != nil {
		return nil, err
	}
	return appendString(b, 9, h.MessageID), nil
}

func (h *FeedMessageHeader) unmarshal(b []byte) error {
	d := newDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			h.TechnicalMessageType = d.string()
		case 2:
			h.TeamSetContextID = d.string()
		case 3:
			h.Chunk = &ChunkInfo{}
			d.sub(h.Chunk.unmarshal)
		case 4:
			h.PayloadSize = int64(d.varint())
		case 5:
			h.ReceiptTimestamp = d.time()
		case 6:
			h.SequenceNumber = int64(d.varint())
		case 7:
			h.SenderID = d.string()
		case 8:
			h.SentTimestamp = d.time()
		case 9:
			h.MessageID = d.string()
		default:
			d.skip()
		}
	}
	return d.err
}

// FeedMessage is one mailbox message. Content.Value holds payload bytes.
type FeedMessage struct {
	Header  FeedMessageHeader
	Content *anypb.Any
}

func (m *FeedMessage) Payload() []byte { return m.Content.GetValue() }

func (m *FeedMessage) marshal() ([]byte, error) {
	hb, err := m.Header.marshal()
	if err != nil {
		return nil, err
	}
	b := appendMessage(nil, 1, hb)
	return appendAny(b, 2, m.Content)
}

func (m *FeedMessage) unmarshal(b []byte) error {
	d := newDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			d.sub(m.Header.unmarshal)
		case 2:
			m.Content = d.any()
		default:
			d.skip()
		}
	}
	return d.err
}

func marshalFeedMessages(b []byte, num protowire.Number, ms []FeedMessage) ([]byte, error) {
	for i := range ms {
		mb, err := ms[i].marshal()
		if err != nil {
			return nil, errors.Annotatef(err, "message[%d]", i)
		}
		b = appendMessage(b, num, mb)
	}
	return b, nil
}

type HeaderQueryResponse struct {
	Headers []FeedMessageHeader
	Page    Page
	Total   int32 // messages in query
}

func (*HeaderQueryResponse) TypeURL() string {
	return TypeURLPrefix + "agrirouter.feed.response.HeaderQueryResponse"
}

func (r *HeaderQueryResponse) MarshalBinary() ([]byte, error) {
	var b []byte
	for i := range r.Headers {
		hb, err := r.Headers[i].marshal()
		if err != nil {
			return nil, errors.Annotatef(err, "header[%d]", i)
		}
		b = appendMessage(b, 1, hb)
	}
	b = appendMessage(b, 2, r.Page.marshal())
	return appendVarint(b, 3, uint64(r.Total)), nil
}

func (r *HeaderQueryResponse) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			var h FeedMessageHeader
			d.sub(h.unmarshal)
			r.Headers = append(r.Headers, h)
		case 2:
			d.sub(r.Page.unmarshal)
		case 3:
			r.Total = int32(d.varint())
		default:
			d.skip()
		}
	}
	return d.err
}

type MessageQueryResponse struct {
	Messages []FeedMessage
	Page     Page
	Total    int32
}

func (*MessageQueryResponse) TypeURL() string {
	return TypeURLPrefix + "agrirouter.feed.response.MessageQueryResponse"
}

func (r *MessageQueryResponse) MarshalBinary() ([]byte, error) {
	b, err := marshalFeedMessages(nil, 1, r.Messages)
	if err != nil {
		return nil, err
	}
	b = appendMessage(b, 2, r.Page.marshal())
	return appendVarint(b, 3, uint64(r.Total)), nil
}

func (r *MessageQueryResponse) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			var m FeedMessage
			d.sub(m.unmarshal)
			r.Messages = append(r.Messages, m)
		case 2:
			d.sub(r.Page.unmarshal)
		case 3:
			r.Total = int32(d.varint())
		default:
			d.skip()
		}
	}
	return d.err
}

// PushNotification is unsolicited delivery of new mailbox messages.
type PushNotification struct {
	Messages []FeedMessage
}

func (*PushNotification) TypeURL() string {
	return TypeURLPrefix + "agrirouter.feed.push.notification.PushNotification"
}

func (n *PushNotification) MarshalBinary() ([]byte, error) {
	return marshalFeedMessages(nil, 1, n.Messages)
}

func (n *PushNotification) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			var m FeedMessage
			d.sub(m.unmarshal)
			n.Messages = append(n.Messages, m)
		default:
			d.skip()
		}
	}
	return d.err
}

type Direction int32

const (
	DirectionSend Direction = iota
	DirectionReceive
	DirectionSendReceive
)

func (d Direction) String() string {
	switch d {
	case DirectionSend:
		return "SEND"
	case DirectionReceive:
		return "RECEIVE"
	case DirectionSendReceive:
		return "SEND_RECEIVE"
	}
	return "UNKNOWN"
}

type MessageTypeEntry struct {
	TechnicalMessageType string
	Direction            Direction
}

func (e *MessageTypeEntry) marshal() []byte {
	b := appendString(nil, 1, e.TechnicalMessageType)
	return appendVarint(b, 2, uint64(e.Direction))
}

func (e *MessageTypeEntry) unmarshal(b []byte) error {
	d := newDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			e.TechnicalMessageType = d.string()
		case 2:
			e.Direction = Direction(d.varint())
		default:
			d.skip()
		}
	}
	return d.err
}

type Endpoint struct {
	ID         string
	Name       string
	Type       string
	Status     string
	ExternalID string
	Messages   []MessageTypeEntry
}

func (e *Endpoint) marshal() []byte {
	b := appendString(nil, 1, e.ID)
	b = appendString(b, 2, e.Name)
	b = appendString(b, 3, e.Type)
	b = appendString(b, 4, e.Status)
	b = appendString(b, 5, e.ExternalID)
	for i := range e.Messages {
		b = appendMessage(b, 6, e.Messages[i].marshal())
	}
	return b
}

func (e *Endpoint) unmarshal(b []byte) error {
	d := newDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			e.ID = d.string()
		case 2:
			e.Name = d.string()
		case 3:
			e.Type = d.string()
		case 4:
			e.Status = d.string()
		case 5:
			e.ExternalID = d.string()
		case 6:
			var m MessageTypeEntry
			d.sub(m.unmarshal)
			e.Messages = append(e.Messages, m)
		default:
			d.skip()
		}
	}
	return d.err
}

type ListEndpointsResponse struct {
	Endpoints []Endpoint
}

func (*ListEndpointsResponse) TypeURL() string {
	return TypeURLPrefix + "agrirouter.response.payload.account.ListEndpointsResponse"
}

func (r *ListEndpointsResponse) MarshalBinary() ([]byte, error) {
	var b []byte
	for i := range r.Endpoints {
		b = appendMessage(b, 1, r.Endpoints[i].marshal())
	}
	return b, nil
}

func (r *ListEndpointsResponse) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			var e Endpoint
			d.sub(e.unmarshal)
			r.Endpoints = append(r.Endpoints, e)
		default:
			d.skip()
		}
	}
	return d.err
}
