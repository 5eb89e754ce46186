// Package transport correlates wire messages with broker responses
// over interchangeable push (MQTT) and poll (HTTP) links.
package transport

import (
	"context"
	"fmt"
)

type Kind uint8

const (
	KindInvalid Kind = iota
	KindPush
	KindPoll
)

func (k Kind) String() string {
	switch k {
	case KindPush:
		return "push"
	case KindPoll:
		return "poll"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

var (
	ErrClosed         = fmt.Errorf("connection closed")
	ErrNoAnswer       = fmt.Errorf("no answer received")
	ErrReconnectStorm = fmt.Errorf("reconnect storm")
	ErrDuplicateID    = fmt.Errorf("application message id already pending")
)

// SendError is local I/O failure sending one wire message.
// Broker never saw it, as opposed to request.BrokerError.
type SendError struct {
	MessageID string
	Err       error
}

func (e *SendError) Error() string { return fmt.Sprintf("send id=%s: %v", e.MessageID, e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// Receiver is fed by transport with raw response frames.
type Receiver interface {
	Deliver(frame []byte)
	// Outstanding reports whether any request awaits response.
	Outstanding() bool
	// ClearPending drops all response handles, callers will time out.
	ClearPending()
}

type Transport interface {
	Kind() Kind
	// Start blocks until link is usable. Failure leaves nothing open.
	Start(r Receiver) error
	// Send delivers one frame to broker request channel.
	Send(ctx context.Context, frame []byte) error
	// Wake tells transport that a response is expected soon.
	Wake()
	Close() error
}
