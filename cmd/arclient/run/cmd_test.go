package run

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/arclient/chunk"
	"github.com/temoto/arclient/log2"
	"github.com/temoto/arclient/outbox"
	"github.com/temoto/arclient/request"
	"github.com/temoto/arclient/wire"
	"github.com/temoto/spq"
)

type captureSender chan []string

func (s captureSender) Do(ctx context.Context, inst request.Instance, timeout time.Duration) error {
	m, err := inst.Next()
	if err != nil {
		return err
	}
	var c wire.MessageConfirm
	if err = wire.UnpackBody(m.Details, &c); err != nil {
		return err
	}
	s <- c.MessageIDs
	return nil
}

func TestNotificationQueuesConfirm(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	ob, err := outbox.Open(outbox.Options{Log: log, Path: spq.OnlyForTesting})
	require.NoError(t, err)
	defer ob.Close()

	onNotification(log, ob, []request.Received{
		{Header: chunk.Header{MessageID: "a1"}, MessageIDs: []string{"a1", "a2"}},
		{Header: chunk.Header{MessageID: "b1"}, MessageIDs: []string{"b1"}},
	})

	s := make(captureSender, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ob.Run(ctx, s) }()
	select {
	case ids := <-s:
		assert.Equal(t, []string{"a1", "a2", "b1"}, ids)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnStatEmpty(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "null", new(connStat).String())
}
