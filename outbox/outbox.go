// Package outbox persists mailbox housekeeping (confirm, delete) until broker accepts it.
// Push notified messages stay in broker mailbox until confirmed, so losing
// confirmation on crash means duplicate delivery later.
package outbox

import (
	"context"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/arclient/helpers"
	"github.com/temoto/arclient/log2"
	"github.com/temoto/arclient/request"
	"github.com/temoto/arclient/transport"
	"github.com/temoto/arclient/wire"
	"github.com/temoto/spq"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultBackoffMin     = time.Second
	DefaultBackoffMax     = 5 * time.Minute
)

// denote value type in persistent queue bytes form
const (
	qConfirm byte = 1
	qDelete  byte = 2
)

// Sender is satisfied by *connection.Connection.
type Sender interface {
	Do(ctx context.Context, inst request.Instance, timeout time.Duration) error
}

type Options struct {
	Log *log2.Log
	// spq.OnlyForTesting keeps queue in memory
	Path           string
	RequestTimeout time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
}

type Outbox struct {
	alive   *alive.Alive
	log     *log2.Log
	q       *spq.Queue
	opt     Options
	backoff helpers.Backoff
}

func Open(opt Options) (*Outbox, error) {
	if opt.Path == "" {
		return nil, errors.NotValidf("outbox Path empty")
	}
	if opt.RequestTimeout <= 0 {
		opt.RequestTimeout = DefaultRequestTimeout
	}
	if opt.BackoffMin <= 0 {
		opt.BackoffMin = DefaultBackoffMin
	}
	if opt.BackoffMax <= 0 {
		opt.BackoffMax = DefaultBackoffMax
	}
	q, err := spq.Open(opt.Path)
	if err != nil {
		return nil, errors.Annotatef(err, "outbox path=%s", opt.Path)
	}
	return &Outbox{
		alive:   alive.NewAlive(),
		log:     opt.Log,
		q:       q,
		opt:     opt,
		backoff: helpers.Backoff{Min: opt.BackoffMin, Max: opt.BackoffMax, K: 2},
	}, nil
}

// Confirm queues confirmation of feed message ids. Returns after disk write.
func (o *Outbox) Confirm(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return o.push(qConfirm, &wire.MessageConfirm{MessageIDs: ids})
}

// Delete queues removal of feed message ids from mailbox.
func (o *Outbox) Delete(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return o.push(qDelete, &wire.MessageDelete{MessageFilter: wire.MessageFilter{MessageIDs: ids}})
}

func (o *Outbox) push(tag byte, body wire.Body) error {
	b, err := body.MarshalBinary()
	if err != nil {
		return errors.Trace(err)
	}
	buf := proto.NewBuffer(make([]byte, 0, len(b)+1))
	if err = buf.EncodeVarint(uint64(tag)); err != nil {
		return err
	}
	if err = buf.EncodeRawBytes(b); err != nil {
		return err
	}
	return errors.Annotate(o.q.Push(buf.Bytes()), "outbox push")
}

// Run sends queued items through s until ctx is done or Close.
// Broker rejection drops item, local failure keeps it at queue head and waits backoff.
func (o *Outbox) Run(ctx context.Context, s Sender) error {
	if !o.alive.Add(1) {
		return spq.ErrClosed
	}
	defer o.alive.Done()
	go func() {
		select {
		case <-ctx.Done():
			o.alive.Stop()
			_ = o.q.Close()
		case <-o.alive.StopChan():
		}
	}()

	for {
		box, err := o.q.Peek()
		switch err {
		case nil:
		case spq.ErrClosed:
			if o.alive.IsRunning() {
				return errors.Errorf("outbox queue closed unexpectedly")
			}
			return nil
		default:
			return errors.Annotate(err, "outbox peek")
		}

		b := box.Bytes()
		inst, err := decode(b)
		if err != nil {
			o.log.Errorf("outbox drop b=%x err=%v", b, err)
			if err = o.q.Delete(box); err != nil && err != spq.ErrClosed {
				return errors.Annotate(err, "outbox delete")
			}
			continue
		}

		err = s.Do(ctx, inst, o.opt.RequestTimeout)
		if err == nil || isPermanent(err) {
			if err != nil {
				o.log.Errorf("outbox drop rejected: %v", err)
			}
			o.backoff.Reset()
			if err = o.q.Delete(box); err != nil && err != spq.ErrClosed {
				return errors.Annotate(err, "outbox delete")
			}
			continue
		}
		if errors.Cause(err) == transport.ErrClosed {
			return errors.Annotate(err, "outbox")
		}
		o.backoff.Failure()
		delay := o.backoff.DelayBefore()
		o.log.Errorf("outbox send failed, retry in %v: %v", delay, err)
		select {
		case <-time.After(delay):
		case <-o.alive.StopChan():
			return nil
		}
	}
}

// Close stops Run and closes queue. Queued items stay on disk.
func (o *Outbox) Close() error {
	o.alive.Stop()
	err := o.q.Close()
	o.alive.Wait()
	return errors.Annotate(err, "outbox close")
}

func decode(b []byte) (request.Instance, error) {
	buf := proto.NewBuffer(b)
	tag, err := buf.DecodeVarint()
	if err != nil {
		return nil, errors.Annotate(err, "tag")
	}
	body, err := buf.DecodeRawBytes(false)
	if err != nil {
		return nil, errors.Annotate(err, "body")
	}
	switch byte(tag) {
	case qConfirm:
		var c wire.MessageConfirm
		if err = c.UnmarshalBinary(body); err != nil {
			return nil, err
		}
		return request.Confirm(c.MessageIDs...)
	case qDelete:
		var d wire.MessageDelete
		if err = d.UnmarshalBinary(body); err != nil {
			return nil, err
		}
		return request.Delete().Messages(d.MessageIDs...).Build()
	}
	return nil, errors.Errorf("unknown kind=%d", tag)
}

// isPermanent reports broker verdict, retry would get the same answer.
func isPermanent(err error) bool {
	_, ok := request.AsBrokerError(err)
	return ok
}
