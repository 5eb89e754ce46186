package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/arclient/log2"
	"github.com/temoto/arclient/request"
	"github.com/temoto/arclient/wire"
)

// inbox is minimal broker: every posted message is acknowledged into inbox.
type inbox struct {
	t       testing.TB
	codec   wire.Codec
	mu      sync.Mutex
	queue   [][]byte
	posts   int
	gets    int
	denyGet bool
}

func (ib *inbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	switch r.Method {
	case http.MethodPost:
		ib.posts++
		b, err := io.ReadAll(r.Body)
		require.NoError(ib.t, err)
		_, frames, err := ib.codec.UnmarshalRequest(b)
		require.NoError(ib.t, err)
		for _, f := range frames {
			m, err := wire.Decode(f)
			require.NoError(ib.t, err)
			resp, err := wire.NewResponse(wire.ResponseEnvelope{
				ResponseCode:         201,
				Type:                 wire.ResponseAck,
				ApplicationMessageID: m.ID(),
			}, nil)
			require.NoError(ib.t, err)
			rb, err := wire.EncodeResponse(resp)
			require.NoError(ib.t, err)
			ib.queue = append(ib.queue, rb)
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		ib.gets++
		if ib.denyGet {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		frames := ib.queue
		ib.queue = nil
		b, err := ib.codec.MarshalResults(wire.Addressing{}, frames)
		require.NoError(ib.t, err)
		w.Header().Set("Content-Type", ib.codec.ContentType())
		_, _ = w.Write(b)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newPollEngine(t *testing.T, ib *inbox, maxAge time.Duration) (*Engine, *Poll) {
	srv := httptest.NewServer(ib)
	t.Cleanup(srv.Close)
	stat := new(SessionStat)
	p, err := NewPoll(PollOptions{
		Log:           log2.NewTest(t, log2.LDebug),
		RequestURL:    srv.URL + "/measures",
		ResultURL:     srv.URL + "/commands",
		Codec:         ib.codec,
		PollInterval:  10 * time.Millisecond,
		MaxSessionAge: maxAge,
		Stat:          stat,
	})
	require.NoError(t, err)
	e, err := NewEngine(EngineOptions{Log: log2.NewTest(t, log2.LDebug), Transport: p, Stat: stat})
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Close() })
	return e, p
}

func TestPollRoundTrip(t *testing.T) {
	t.Parallel()

	for _, codec := range []wire.Codec{wire.CodecJSON, wire.CodecBinary} {
		codec := codec
		t.Run(codec.String(), func(t *testing.T) {
			t.Parallel()
			ib := &inbox{t: t, codec: codec}
			e, p := newPollEngine(t, ib, 0)

			for i := 0; i < 3; i++ {
				inst, err := request.Confirm("m1")
				require.NoError(t, err)
				require.NoError(t, e.Do(context.Background(), inst, 5*time.Second))
				assert.NotNil(t, inst.Response())
			}
			require.Eventually(t, func() bool { return !p.Running() }, 5*time.Second, 5*time.Millisecond)

			ib.mu.Lock()
			assert.Equal(t, 3, ib.posts)
			ib.mu.Unlock()
			assert.Equal(t, int64(3), e.Stat().Recv.Request.Count.Value())
			assert.NotZero(t, e.Stat().RawIn.Value())
			assert.NotZero(t, e.Stat().RawOut.Value())
		})
	}
}

func TestPollIdleDoesNotFetch(t *testing.T) {
	t.Parallel()

	ib := &inbox{t: t, codec: wire.CodecJSON}
	_, p := newPollEngine(t, ib, 0)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, p.Running())
	ib.mu.Lock()
	assert.Equal(t, 0, ib.gets)
	ib.mu.Unlock()
}

func TestPollClosedClearsPending(t *testing.T) {
	t.Parallel()

	ib := &inbox{t: t, codec: wire.CodecJSON, denyGet: true}
	e, p := newPollEngine(t, ib, 0)

	inst, err := request.Confirm("m1")
	require.NoError(t, err)
	err = e.Do(context.Background(), inst, 300*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, ErrNoAnswer, errors.Cause(err))
	assert.False(t, p.Running())
	assert.False(t, e.Outstanding())
}

func TestPollSessionAge(t *testing.T) {
	t.Parallel()

	ib := &inbox{t: t, codec: wire.CodecJSON}
	e, p := newPollEngine(t, ib, time.Nanosecond)
	before := p.SessionDeadline()

	inst, err := request.Confirm("m1")
	require.NoError(t, err)
	require.NoError(t, e.Do(context.Background(), inst, 5*time.Second))
	assert.NotZero(t, e.Stat().Reconnect.Value())
	assert.True(t, p.SessionDeadline().After(before))
}

func TestIsHandshakeError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err    error
		expect bool
	}{
		{nil, false},
		{io.EOF, false},
		{errors.Wrap(io.EOF, ErrHandshake), true},
		{&url.Error{Op: "Post", URL: "https://broker.invalid/measures", Err: errors.New("remote error: tls: bad certificate")}, true},
		{errors.Annotate(&net.OpError{Op: "remote error", Err: errors.New("tls: unknown certificate authority")}, "poll"), true},
		{&url.Error{Op: "Post", URL: "https://broker.invalid/measures", Err: io.ErrUnexpectedEOF}, false},
		// free text of broker answer must not look like certificate rejection
		{errors.New("poll send status=502 Bad Gateway body=upstream tls: handshake timeout"), false},
		{&SendError{MessageID: "m1", Err: errors.New("status=500 body=tls: whatever")}, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, IsHandshakeError(c.err), "err=%v", c.err)
	}
}
