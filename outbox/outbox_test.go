package outbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/arclient/log2"
	"github.com/temoto/arclient/request"
	"github.com/temoto/arclient/transport"
	"github.com/temoto/arclient/wire"
	"github.com/temoto/spq"
)

type fakeSender struct {
	mu    sync.Mutex
	errs  []error // consumed one per call, then nil
	types []string
	ids   [][]string
	done  chan struct{}
	want  int
}

func (f *fakeSender) Do(ctx context.Context, inst request.Instance, timeout time.Duration) error {
	m, err := inst.Next()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var err2 error
	if len(f.errs) != 0 {
		err2, f.errs = f.errs[0], f.errs[1:]
	}
	f.types = append(f.types, m.Envelope.TechnicalMessageType)
	switch m.Envelope.TechnicalMessageType {
	case wire.TypeFeedConfirm:
		var c wire.MessageConfirm
		if err := wire.UnpackBody(m.Details, &c); err != nil {
			return err
		}
		f.ids = append(f.ids, c.MessageIDs)
	case wire.TypeFeedDelete:
		var d wire.MessageDelete
		if err := wire.UnpackBody(m.Details, &d); err != nil {
			return err
		}
		f.ids = append(f.ids, d.MessageIDs)
	}
	if len(f.types) == f.want {
		close(f.done)
	}
	return err2
}

func newTestOutbox(t testing.TB) *Outbox {
	o, err := Open(Options{
		Log:        log2.NewTest(t, log2.LDebug),
		Path:       spq.OnlyForTesting,
		BackoffMin: 5 * time.Millisecond,
		BackoffMax: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	return o
}

func waitDone(t testing.TB, ch <-chan struct{}) {
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
}

func TestOutboxOrderAndRetry(t *testing.T) {
	t.Parallel()

	o := newTestOutbox(t)
	defer o.Close()
	require.NoError(t, o.Confirm("m1", "m2"))
	require.NoError(t, o.Delete("m3"))
	require.NoError(t, o.Confirm())

	s := &fakeSender{
		errs: []error{&transport.SendError{MessageID: "x", Err: fmt.Errorf("network down")}},
		done: make(chan struct{}),
		want: 3,
	}
	ctx, cancel := context.WithCancel(context.Background())
	errch := make(chan error, 1)
	go func() { errch <- o.Run(ctx, s) }()
	waitDone(t, s.done)
	cancel()
	require.NoError(t, <-errch)

	assert.Equal(t, []string{wire.TypeFeedConfirm, wire.TypeFeedConfirm, wire.TypeFeedDelete}, s.types)
	assert.Equal(t, [][]string{{"m1", "m2"}, {"m1", "m2"}, {"m3"}}, s.ids)
}

func TestOutboxBrokerRejectDrops(t *testing.T) {
	t.Parallel()

	o := newTestOutbox(t)
	defer o.Close()
	require.NoError(t, o.Confirm("gone"))
	require.NoError(t, o.Confirm("m2"))

	s := &fakeSender{
		errs: []error{&request.BrokerError{Type: wire.ResponseAckWithMessages, Code: 400}},
		done: make(chan struct{}),
		want: 2,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Run(ctx, s) }()
	waitDone(t, s.done)
	assert.Equal(t, [][]string{{"gone"}, {"m2"}}, s.ids)
}

func TestOutboxConnectionClosed(t *testing.T) {
	t.Parallel()

	o := newTestOutbox(t)
	require.NoError(t, o.Confirm("m1"))
	s := &fakeSender{errs: []error{transport.ErrClosed}, done: make(chan struct{}), want: 1}
	err := o.Run(context.Background(), s)
	require.Error(t, err)
	require.NoError(t, o.Close())

	assert.Equal(t, [][]string{{"m1"}}, s.ids)
}

func TestOutboxDecodeGarbage(t *testing.T) {
	t.Parallel()

	_, err := decode([]byte{0x09, 0x01})
	assert.Error(t, err)
	_, err = decode(nil)
	assert.Error(t, err)
}
