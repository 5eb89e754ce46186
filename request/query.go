package request

import (
	"github.com/juju/errors"
	"github.com/temoto/arclient/chunk"
	"github.com/temoto/arclient/wire"
)

type queryState uint8

const (
	queryNew queryState = iota
	queryPaging
	queryConfirmNew
	queryConfirming
	queryDone
)

// Received is one complete mailbox message, chunks already joined.
type Received struct {
	Header     chunk.Header
	MessageIDs []string
	Payload    []byte
}

type MessageQueryBuilder struct {
	filter  wire.MessageFilter
	confirm bool
}

// MessageQuery reads mailbox messages. By default retrieved messages are confirmed
// in final wire message, otherwise broker keeps them in mailbox.
func MessageQuery() *MessageQueryBuilder { return &MessageQueryBuilder{confirm: true} }

func (b *MessageQueryBuilder) Messages(ids ...string) *MessageQueryBuilder {
	b.filter.MessageIDs = append(b.filter.MessageIDs, ids...)
	return b
}

func (b *MessageQueryBuilder) Senders(ids ...string) *MessageQueryBuilder {
	b.filter.SenderIDs = append(b.filter.SenderIDs, ids...)
	return b
}

func (b *MessageQueryBuilder) Validity(v wire.ValidityPeriod) *MessageQueryBuilder {
	b.filter.Validity = &v
	return b
}

func (b *MessageQueryBuilder) Confirm(on bool) *MessageQueryBuilder {
	b.confirm = on
	return b
}

func (b *MessageQueryBuilder) Build() (*MessageQueryInstance, error) {
	if b.filter.Empty() {
		return nil, errors.Annotate(ErrEmptyFilter, "message query")
	}
	m, err := newBodyMessage(wire.TypeFeedMessageQuery, &wire.MessageQuery{MessageFilter: copyFilter(b.filter)})
	if err != nil {
		return nil, err
	}
	return &MessageQueryInstance{
		query:   m,
		confirm: b.confirm,
		reasm:   chunk.NewReassembler(),
	}, nil
}

type MessageQueryInstance struct {
	pager
	query     *wire.Message
	confirm   bool
	state     queryState
	reasm     *chunk.Reassembler
	received  []Received
	confirmed []string
}

func (q *MessageQueryInstance) HasNext() bool {
	return q.state == queryNew || q.state == queryConfirmNew
}

func (q *MessageQueryInstance) Next() (*wire.Message, error) {
	switch q.state {
	case queryNew:
		q.state = queryPaging
		return q.query, nil
	case queryConfirmNew:
		ids := make([]string, 0, len(q.received))
		for _, r := range q.received {
			ids = append(ids, r.MessageIDs...)
		}
		m, err := newBodyMessage(wire.TypeFeedConfirm, &wire.MessageConfirm{MessageIDs: ids})
		if err != nil {
			return nil, err
		}
		q.confirmed = ids
		q.state = queryConfirming
		return m, nil
	}
	return nil, ErrInstanceReused
}

func (q *MessageQueryInstance) AddResponse(r *wire.Response) (bool, error) {
	switch q.state {
	case queryPaging:
		return q.addPage(r)
	case queryConfirming:
		if err := expectType(r, wire.ResponseAck); err != nil {
			return true, errors.Annotate(err, "confirm")
		}
		q.state = queryDone
		return true, nil
	}
	return true, errors.Annotatef(ErrUnexpectedResponse, "id=%s state=%d", r.Envelope.ApplicationMessageID, q.state)
}

func (q *MessageQueryInstance) addPage(r *wire.Response) (bool, error) {
	if err := expectType(r, wire.ResponseAckForFeedMessage); err != nil {
		if be, ok := AsBrokerError(err); ok && be.OnlyCode(NoMessagesFound) {
			q.state = queryDone
			return true, nil
		}
		return true, err
	}
	var body wire.MessageQueryResponse
	if err := wire.UnpackBody(r.Details, &body); err != nil {
		return true, errors.Annotatef(err, "id=%s", r.Envelope.ApplicationMessageID)
	}
	for i := range body.Messages {
		fm := &body.Messages[i]
		a, err := q.reasm.Add(chunk.HeaderFromMessage(fm), fm.Payload())
		if err != nil {
			return true, errors.Annotatef(err, "id=%s message=%s", r.Envelope.ApplicationMessageID, fm.Header.MessageID)
		}
		if a != nil {
			q.received = append(q.received, Received{Header: a.Header, MessageIDs: a.MessageIDs, Payload: a.Content})
		}
	}
	if !q.pager.add(body.Page) {
		return false, nil
	}
	if q.confirm && len(q.received) != 0 {
		q.state = queryConfirmNew
	} else {
		q.state = queryDone
	}
	return true, nil
}

// Messages returns complete messages in arrival order.
func (q *MessageQueryInstance) Messages() []Received { return q.received }

// Confirmed returns feed message ids confirmed by final wire message.
func (q *MessageQueryInstance) Confirmed() []string { return q.confirmed }

// Incomplete returns chunk contexts with missing parts. Those parts are not confirmed.
func (q *MessageQueryInstance) Incomplete() []string { return q.reasm.Open() }

type HeaderQueryBuilder struct{ filter wire.MessageFilter }

func HeaderQuery() *HeaderQueryBuilder { return &HeaderQueryBuilder{} }

func (b *HeaderQueryBuilder) Messages(ids ...string) *HeaderQueryBuilder {
	b.filter.MessageIDs = append(b.filter.MessageIDs, ids...)
	return b
}

func (b *HeaderQueryBuilder) Senders(ids ...string) *HeaderQueryBuilder {
	b.filter.SenderIDs = append(b.filter.SenderIDs, ids...)
	return b
}

func (b *HeaderQueryBuilder) Validity(v wire.ValidityPeriod) *HeaderQueryBuilder {
	b.filter.Validity = &v
	return b
}

func (b *HeaderQueryBuilder) Build() (*HeaderQueryInstance, error) {
	if b.filter.Empty() {
		return nil, errors.Annotate(ErrEmptyFilter, "header query")
	}
	m, err := newBodyMessage(wire.TypeFeedHeaderQuery, &wire.MessageQuery{MessageFilter: copyFilter(b.filter)})
	if err != nil {
		return nil, err
	}
	return &HeaderQueryInstance{query: m}, nil
}

type HeaderQueryInstance struct {
	pager
	query   *wire.Message
	state   queryState
	headers []chunk.Header
}

func (q *HeaderQueryInstance) HasNext() bool { return q.state == queryNew }

func (q *HeaderQueryInstance) Next() (*wire.Message, error) {
	if q.state != queryNew {
		return nil, ErrInstanceReused
	}
	q.state = queryPaging
	return q.query, nil
}

func (q *HeaderQueryInstance) AddResponse(r *wire.Response) (bool, error) {
	if q.state != queryPaging {
		return true, errors.Annotatef(ErrUnexpectedResponse, "id=%s state=%d", r.Envelope.ApplicationMessageID, q.state)
	}
	if err := expectType(r, wire.ResponseAckForFeedHeaderList); err != nil {
		if be, ok := AsBrokerError(err); ok && be.OnlyCode(NoMessagesFound) {
			q.state = queryDone
			return true, nil
		}
		return true, err
	}
	var body wire.HeaderQueryResponse
	if err := wire.UnpackBody(r.Details, &body); err != nil {
		return true, errors.Annotatef(err, "id=%s", r.Envelope.ApplicationMessageID)
	}
	for i := range body.Headers {
		q.headers = append(q.headers, chunk.HeaderFromFeed(&body.Headers[i]))
	}
	if !q.pager.add(body.Page) {
		return false, nil
	}
	q.state = queryDone
	return true, nil
}

func (q *HeaderQueryInstance) Headers() []chunk.Header { return q.headers }
