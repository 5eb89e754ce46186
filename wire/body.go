package wire

import (
	"time"

	"github.com/juju/errors"
)

// Request bodies sent by client.

const (
	TypeCapabilities            = "dke:capabilities"
	TypeSubscription            = "dke:subscription"
	TypeListEndpoints           = "dke:list_endpoints"
	TypeListEndpointsUnfiltered = "dke:list_endpoints_unfiltered"
	TypeFeedHeaderQuery         = "dke:feed_header_query"
	TypeFeedMessageQuery        = "dke:feed_message_query"
	TypeFeedConfirm             = "dke:feed_confirm"
	TypeFeedDelete              = "dke:feed_delete"

	TypeTaskData          = "iso:11783:-10:taskdata:zip"
	TypeDeviceDescription = "iso:11783:-10:device_description:protobuf"
	TypeTimeLog           = "iso:11783:-10:time_log:protobuf"
	TypeShape             = "shp:shape:zip"
	TypeImageJPEG         = "img:jpeg"
	TypeImagePNG          = "img:png"
	TypeImageBMP          = "img:bmp"
	TypeDocPDF            = "doc:pdf"
	TypeVideoMP4          = "vid:mp4"
	TypeGPSInfo           = "gps:info"
)

// IsChunkable reports message types broker accepts split in parts.
func IsChunkable(technicalMessageType string) bool {
	switch technicalMessageType {
	case TypeTaskData, TypeShape, TypeImageJPEG, TypeImagePNG, TypeImageBMP, TypeDocPDF, TypeVideoMP4:
		return true
	}
	return false
}

type Capability struct {
	TechnicalMessageType string
	Direction            Direction
}

type CapabilitySpecification struct {
	AppCertificationID        string
	AppCertificationVersionID string
	EnablePushNotifications   bool
	Capabilities              []Capability
}

func (*CapabilitySpecification) TypeURL() string {
	return TypeURLPrefix + "agrirouter.request.payload.endpoint.CapabilitySpecification"
}

func (c *CapabilitySpecification) MarshalBinary() ([]byte, error) {
	b := appendString(nil, 1, c.AppCertificationID)
	b = appendString(b, 2, c.AppCertificationVersionID)
	for _, x := range c.Capabilities {
		e := MessageTypeEntry{TechnicalMessageType: x.TechnicalMessageType, Direction: x.Direction}
		b = appendMessage(b, 3, e.marshal())
	}
	return appendBool(b, 4, c.EnablePushNotifications), nil
}

func (c *CapabilitySpecification) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			c.AppCertificationID = d.string()
		case 2:
			c.AppCertificationVersionID = d.string()
		case 3:
			var e MessageTypeEntry
			d.sub(e.unmarshal)
			c.Capabilities = append(c.Capabilities, Capability(e))
		case 4:
			c.EnablePushNotifications = d.bool()
		default:
			d.skip()
		}
	}
	return d.err
}

type SubscriptionItem struct {
	TechnicalMessageType string
	DDIs                 []uint32
	Position             bool
}

func (s *SubscriptionItem) marshal() []byte {
	b := appendString(nil, 1, s.TechnicalMessageType)
	for _, ddi := range s.DDIs {
		b = appendRepeatedVarint(b, 2, uint64(ddi))
	}
	return appendBool(b, 3, s.Position)
}

func (s *SubscriptionItem) unmarshal(b []byte) error {
	d := newDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			s.TechnicalMessageType = d.string()
		case 2:
			s.DDIs = append(s.DDIs, uint32(d.varint()))
		case 3:
			s.Position = d.bool()
		default:
			d.skip()
		}
	}
	return d.err
}

type Subscription struct {
	Items []SubscriptionItem
}

func (*Subscription) TypeURL() string {
	return TypeURLPrefix + "agrirouter.request.payload.endpoint.Subscription"
}

func (s *Subscription) MarshalBinary() ([]byte, error) {
	var b []byte
	for i := range s.Items {
		b = appendMessage(b, 1, s.Items[i].marshal())
	}
	return b, nil
}

func (s *Subscription) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			var it SubscriptionItem
			d.sub(it.unmarshal)
			s.Items = append(s.Items, it)
		default:
			d.skip()
		}
	}
	return d.err
}

type ListEndpointsQuery struct {
	TechnicalMessageType string
	Direction            Direction
}

func (*ListEndpointsQuery) TypeURL() string {
	return TypeURLPrefix + "agrirouter.request.payload.account.ListEndpointsQuery"
}

func (q *ListEndpointsQuery) MarshalBinary() ([]byte, error) {
	e := MessageTypeEntry(*q)
	return e.marshal(), nil
}

func (q *ListEndpointsQuery) UnmarshalBinary(b []byte) error {
	var e MessageTypeEntry
	if err := e.unmarshal(b); err != nil {
		return err
	}
	*q = ListEndpointsQuery(e)
	return nil
}

type ValidityPeriod struct {
	From time.Time
	To   time.Time
}

func (v *ValidityPeriod) marshal() ([]byte, error) {
	b, err := appendTime(nil, 1, v.From)
	if err != nil {
		return nil, err
	}
	return appendTime(b, 2, v.To)
}

func (v *ValidityPeriod) unmarshal(b []byte) error {
	d := newDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			v.From = d.time()
		case 2:
			v.To = d.time()
		default:
			d.skip()
		}
	}
	return d.err
}

// MessageFilter selects mailbox messages by sender, id or validity period.
type MessageFilter struct {
	SenderIDs  []string
	MessageIDs []string
	Validity   *ValidityPeriod
}

func (f *MessageFilter) Empty() bool {
	return len(f.SenderIDs) == 0 && len(f.MessageIDs) == 0 && f.Validity == nil
}

func (f *MessageFilter) marshal() ([]byte, error) {
	b := appendStrings(nil, 1, f.SenderIDs)
	b = appendStrings(b, 2, f.MessageIDs)
	if f.Validity != nil {
		vb, err := f.Validity.marshal()
		if err != nil {
			return nil, errors.Annotate(err, "validity")
		}
		b = appendMessage(b, 3, vb)
	}
	return b, nil
}

func (f *MessageFilter) unmarshal(b []byte) error {
	d := newDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			f.SenderIDs = append(f.SenderIDs, d.string())
		case 2:
			f.MessageIDs = append(f.MessageIDs, d.string())
		case 3:
			f.Validity = &ValidityPeriod{}
			d.sub(f.Validity.unmarshal)
		default:
			d.skip()
		}
	}
	return d.err
}

// MessageQuery is shared by header and message queries.
type MessageQuery struct{ MessageFilter }

func (*MessageQuery) TypeURL() string {
	return TypeURLPrefix + "agrirouter.feed.request.MessageQuery"
}
func (q *MessageQuery) MarshalBinary() ([]byte, error) { return q.marshal() }
func (q *MessageQuery) UnmarshalBinary(b []byte) error { return q.unmarshal(b) }

type MessageDelete struct{ MessageFilter }

func (*MessageDelete) TypeURL() string {
	return TypeURLPrefix + "agrirouter.feed.request.MessageDelete"
}
func (q *MessageDelete) MarshalBinary() ([]byte, error) { return q.marshal() }
func (q *MessageDelete) UnmarshalBinary(b []byte) error { return q.unmarshal(b) }

type MessageConfirm struct {
	MessageIDs []string
}

func (*MessageConfirm) TypeURL() string {
	return TypeURLPrefix + "agrirouter.feed.request.MessageConfirm"
}

func (c *MessageConfirm) MarshalBinary() ([]byte, error) {
	return appendStrings(nil, 1, c.MessageIDs), nil
}

func (c *MessageConfirm) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			c.MessageIDs = append(c.MessageIDs, d.string())
		default:
			d.skip()
		}
	}
	return d.err
}
