package wire

import (
	"fmt"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"google.golang.org/protobuf/types/known/anypb"
)

// ResponseType is server-set discriminator of Response.
type ResponseType int32

const (
	ResponseAck                     ResponseType = 1
	ResponseAckWithMessages         ResponseType = 2
	ResponseAckWithFailure          ResponseType = 3
	ResponseAckForFeedHeaderList    ResponseType = 6
	ResponseAckForFeedMessage       ResponseType = 7
	ResponseAckForFeedFailedMessage ResponseType = 8
	ResponseEndpointsListing        ResponseType = 10
	ResponseCloudRegistrations      ResponseType = 11
	ResponsePushNotification        ResponseType = 12
)

func (t ResponseType) String() string {
	switch t {
	case ResponseAck:
		return "ACK"
	case ResponseAckWithMessages:
		return "ACK_WITH_MESSAGES"
	case ResponseAckWithFailure:
		return "ACK_WITH_FAILURE"
	case ResponseAckForFeedHeaderList:
		return "ACK_FOR_FEED_HEADER_LIST"
	case ResponseAckForFeedMessage:
		return "ACK_FOR_FEED_MESSAGE"
	case ResponseAckForFeedFailedMessage:
		return "ACK_FOR_FEED_FAILED_MESSAGE"
	case ResponseEndpointsListing:
		return "ENDPOINTS_LISTING"
	case ResponseCloudRegistrations:
		return "CLOUD_REGISTRATIONS"
	case ResponsePushNotification:
		return "PUSH_NOTIFICATION"
	}
	return fmt.Sprintf("ResponseType(%d)", int32(t))
}

func (t ResponseType) IsFailure() bool {
	return t == ResponseAckWithMessages || t == ResponseAckWithFailure || t == ResponseAckForFeedFailedMessage
}

// ResponseEnvelope echoes ApplicationMessageID of request.
// MessageID is server assigned.
type ResponseEnvelope struct {
	ResponseCode         int32
	Type                 ResponseType
	ApplicationMessageID string
	MessageID            string
	Timestamp            time.Time
}

func (e *ResponseEnvelope) marshal() ([]byte, error) {
	b := appendVarint(nil, 1, uint64(e.ResponseCode))
	b = appendVarint(b, 2, uint64(e.Type))
	b = appendString(b, 3, e.ApplicationMessageID)
	b = appendString(b, 4, e.MessageID)
	return appendTime(b, 5, e.Timestamp)
}

func (e *ResponseEnvelope) unmarshal(b []byte) error {
	d := newDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			e.ResponseCode = int32(d.varint())
		case 2:
			e.Type = ResponseType(d.varint())
		case 3:
			e.ApplicationMessageID = d.string()
		case 4:
			e.MessageID = d.string()
		case 5:
			e.Timestamp = d.time()
		default:
			d.skip()
		}
	}
	return d.err
}

type Response struct {
	Envelope ResponseEnvelope
	Details  *anypb.Any
}

func NewResponse(env ResponseEnvelope, body Body) (*Response, error) {
	r := &Response{Envelope: env}
	if body != nil {
		a, err := PackBody(body)
		if err != nil {
			return nil, err
		}
		r.Details = a
	}
	return r, nil
}

func (r *Response) String() string {
	details := ""
	if r.Details != nil {
		details = " details=" + r.Details.GetTypeUrl()
	}
	return fmt.Sprintf("id=%s code=%d type=%s message=%s%s",
		r.Envelope.ApplicationMessageID, r.Envelope.ResponseCode, r.Envelope.Type, r.Envelope.MessageID, details)
}

// Messages returns broker message list carried by failure responses.
func (r *Response) Messages() ([]MessageEntry, error) {
	if r.Details == nil {
		return nil, nil
	}
	var ms Messages
	if err := UnpackBody(r.Details, &ms); err != nil {
		return nil, err
	}
	return ms.Items, nil
}

func EncodeResponse(r *Response) ([]byte, error) {
	envb, err := r.Envelope.marshal()
	if err != nil {
		return nil, errors.Annotate(err, "response envelope")
	}
	buf := proto.NewBuffer(nil)
	if err = buf.EncodeRawBytes(envb); err != nil {
		return nil, errors.Trace(err)
	}
	if r.Details != nil {
		wrapper, err := appendAny(nil, 1, r.Details)
		if err != nil {
			return nil, errors.Annotate(err, "response details")
		}
		if err = buf.EncodeRawBytes(wrapper); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return buf.Bytes(), nil
}

func DecodeResponse(b []byte) (*Response, error) {
	buf := proto.NewBuffer(b)
	envb, err := buf.DecodeRawBytes(false)
	if err != nil {
		return nil, errors.Annotate(ErrNoEnvelope, err.Error())
	}
	r := &Response{}
	if err = r.Envelope.unmarshal(envb); err != nil {
		return nil, errors.Annotate(err, "response envelope")
	}
	if len(buf.Unread()) == 0 {
		return r, nil
	}
	wrapper, err := buf.DecodeRawBytes(false)
	if err != nil {
		return nil, errors.Annotatef(err, "id=%s response wrapper", r.Envelope.ApplicationMessageID)
	}
	d := newDecoder(wrapper)
	for d.next() {
		switch d.num {
		case 1:
			r.Details = d.any()
		default:
			d.skip()
		}
	}
	if d.err != nil {
		return nil, errors.Annotatef(d.err, "id=%s response wrapper", r.Envelope.ApplicationMessageID)
	}
	return r, nil
}
