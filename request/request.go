// Package request builds logical broker requests.
//
// Builder is mutable and chainable, Build() freezes it into one-shot Instance:
// a cursor over wire messages (HasNext/Next) and a fold over responses (AddResponse).
// Instance is never reused, send a fresh Build() result every time.
package request

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/arclient/wire"
)

// NoMessagesFound is broker message code for empty feed query result.
const NoMessagesFound = "VAL_000208"

var (
	ErrInstanceReused     = fmt.Errorf("request instance already used")
	ErrUnexpectedResponse = fmt.Errorf("unexpected response type")
	ErrEmptyFilter        = fmt.Errorf("message filter is empty")
	ErrNotChunkable       = fmt.Errorf("payload too large for technical message type")
)

type Instance interface {
	// HasNext reports whether another wire message must be sent.
	HasNext() bool
	// Next returns next wire message. Engine sends it and waits for responses.
	Next() (*wire.Message, error)
	// AddResponse folds response for current wire message.
	// done=true means current message needs no more responses.
	// Error fails whole logical request.
	AddResponse(r *wire.Response) (done bool, err error)
}

// BrokerError is well formed failure response, broker messages intact.
type BrokerError struct {
	ApplicationMessageID string
	Type                 wire.ResponseType
	Code                 int32
	Messages             []wire.MessageEntry
}

func (e *BrokerError) Error() string {
	parts := make([]string, 0, len(e.Messages))
	for _, m := range e.Messages {
		parts = append(parts, m.Code+" "+m.Text)
	}
	return fmt.Sprintf("broker response=%s code=%d id=%s: %s",
		e.Type, e.Code, e.ApplicationMessageID, strings.Join(parts, "; "))
}

// Has reports whether broker included message with code.
func (e *BrokerError) Has(code string) bool {
	for _, m := range e.Messages {
		if m.Code == code {
			return true
		}
	}
	return false
}

// OnlyCode reports whether every message has given code.
func (e *BrokerError) OnlyCode(code string) bool {
	if len(e.Messages) == 0 {
		return false
	}
	for _, m := range e.Messages {
		if m.Code != code {
			return false
		}
	}
	return true
}

func AsBrokerError(err error) (*BrokerError, bool) {
	be, ok := errors.Cause(err).(*BrokerError)
	return be, ok
}

func checkFailure(r *wire.Response) error {
	if !r.Envelope.Type.IsFailure() {
		return nil
	}
	ms, err := r.Messages()
	if err != nil {
		return errors.Annotatef(err, "id=%s failure details", r.Envelope.ApplicationMessageID)
	}
	return &BrokerError{
		ApplicationMessageID: r.Envelope.ApplicationMessageID,
		Type:                 r.Envelope.Type,
		Code:                 r.Envelope.ResponseCode,
		Messages:             ms,
	}
}

func expectType(r *wire.Response, expect wire.ResponseType) error {
	if err := checkFailure(r); err != nil {
		return err
	}
	if r.Envelope.Type != expect {
		return errors.Annotatef(ErrUnexpectedResponse, "id=%s expected=%s actual=%s",
			r.Envelope.ApplicationMessageID, expect, r.Envelope.Type)
	}
	return nil
}

func newEnvelope(technicalMessageType string) wire.Envelope {
	return wire.Envelope{
		ApplicationMessageID: uuid.NewString(),
		TechnicalMessageType: technicalMessageType,
		Mode:                 wire.ModeDirect,
		Timestamp:            time.Now(),
	}
}

func newBodyMessage(technicalMessageType string, body wire.Body) (*wire.Message, error) {
	m, err := wire.NewBodyMessage(newEnvelope(technicalMessageType), body)
	return m, errors.Annotatef(err, "type=%s", technicalMessageType)
}

// single is one wire message answered by one response.
type single struct {
	msg    *wire.Message
	sent   bool
	expect wire.ResponseType
	result *wire.Response
	fold   func(r *wire.Response) error
}

func (s *single) HasNext() bool { return !s.sent }

func (s *single) Next() (*wire.Message, error) {
	if s.sent {
		return nil, ErrInstanceReused
	}
	s.sent = true
	return s.msg, nil
}

func (s *single) AddResponse(r *wire.Response) (bool, error) {
	if err := expectType(r, s.expect); err != nil {
		return true, err
	}
	s.result = r
	if s.fold != nil {
		if err := s.fold(r); err != nil {
			return true, errors.Annotatef(err, "id=%s", r.Envelope.ApplicationMessageID)
		}
	}
	return true, nil
}

// Response is last folded response, nil before completion.
func (s *single) Response() *wire.Response { return s.result }

// MessageID is application message id of the only wire message.
func (s *single) MessageID() string { return s.msg.ID() }

// pager tracks server driven pagination. Latest reported total wins.
type pager struct {
	pages map[int32]struct{}
	total int32
}

func (p *pager) add(page wire.Page) bool {
	if p.pages == nil {
		p.pages = make(map[int32]struct{})
	}
	p.pages[page.Number] = struct{}{}
	p.total = page.Total
	return int32(len(p.pages)) >= p.total
}

func (p *pager) Received() int { return len(p.pages) }
func (p *pager) Total() int    { return int(p.total) }
