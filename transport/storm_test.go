package transport

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/arclient/log2"
	"github.com/temoto/arclient/wire"
)

func TestStormGuard(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name  string
		step  time.Duration
		storm bool
	}{
		{"dense", 10 * time.Second, true},
		{"sparse", 31 * time.Second, false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			g := NewStormGuard(10, 5*time.Minute)
			for i := 0; i < 10; i++ {
				require.False(t, g.Record(base.Add(time.Duration(i)*c.step)), "event=%d", i+1)
			}
			assert.Equal(t, c.storm, g.Record(base.Add(10*c.step)))
		})
	}
}

func TestStormGuardReset(t *testing.T) {
	t.Parallel()

	g := NewStormGuard(2, time.Minute)
	now := time.Now()
	g.Record(now)
	g.Record(now)
	g.Reset()
	assert.False(t, g.Record(now))
	assert.False(t, g.Record(now))
	assert.True(t, g.Record(now))
}

func TestPushStormCloses(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		step   time.Duration
		closed bool
	}{
		{"storm", time.Second, true},
		{"calm", time.Minute, false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			var calls int32
			stormed := make(chan error, 1)
			p, err := NewPush(PushOptions{
				Log:          log2.NewTest(t, log2.LDebug),
				BrokerURL:    "tcp://127.0.0.1:1883",
				RequestTopic: "measures/ep",
				ResultTopic:  "commands/ep",
				Codec:        wire.CodecJSON,
				StormCount:   10,
				StormWindow:  5 * time.Minute,
				OnStorm: func(err error) {
					atomic.AddInt32(&calls, 1)
					stormed <- err
				},
			})
			require.NoError(t, err)

			base := time.Now()
			for i := 0; i < 11; i++ {
				p.linkLost(base.Add(time.Duration(i)*c.step), fmt.Errorf("EOF"))
			}
			if c.closed {
				assert.Equal(t, ErrReconnectStorm, <-stormed)
				// further drops do not repeat force close
				p.linkLost(base.Add(12*c.step), fmt.Errorf("EOF"))
				time.Sleep(10 * time.Millisecond)
				assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
			} else {
				time.Sleep(10 * time.Millisecond)
				assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
			}
		})
	}
}
