package mockbroker

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/arclient/log2"
	"github.com/temoto/arclient/request"
	"github.com/temoto/arclient/wire"
)

// exchange drives request instance against router without transport.
func exchange(t testing.TB, r *Router, endpointID string, inst request.Instance) error {
	for inst.HasNext() {
		m, err := inst.Next()
		require.NoError(t, err)
		frame, err := wire.Encode(m)
		require.NoError(t, err)
		frames := r.Handle(endpointID, frame)
		require.NotEmpty(t, frames, "no response to %s", m)
		for _, f := range frames {
			resp, err := wire.DecodeResponse(f)
			require.NoError(t, err)
			done, err := inst.AddResponse(resp)
			if err != nil {
				return err
			}
			if done {
				break
			}
		}
	}
	return nil
}

type outputRecorder struct {
	sync.Mutex
	frames map[string][][]byte
}

func (o *outputRecorder) output(endpointID string, frame []byte) {
	o.Lock()
	defer o.Unlock()
	if o.frames == nil {
		o.frames = make(map[string][][]byte)
	}
	o.frames[endpointID] = append(o.frames[endpointID], frame)
}

func (o *outputRecorder) get(endpointID string) [][]byte {
	o.Lock()
	defer o.Unlock()
	return o.frames[endpointID]
}

func TestRouterQueryPagedConfirm(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	r := NewRouter(RouterOptions{Log: log, PageSize: 4})
	r.Register("a", "sender")
	r.Register("b", "receiver")

	const total = 10
	for i := 0; i < total; i++ {
		inst, err := request.Publish(wire.TypeGPSInfo, []byte(fmt.Sprintf("fix-%d", i))).To("b").Build()
		require.NoError(t, err)
		require.NoError(t, exchange(t, r, "a", inst))
		assert.Equal(t, 1, inst.Acked())
	}
	require.Len(t, r.Mailbox("b"), total)

	q, err := request.MessageQuery().Senders("a").Build()
	require.NoError(t, err)
	require.NoError(t, exchange(t, r, "b", q))
	msgs := q.Messages()
	require.Len(t, msgs, total)
	assert.Equal(t, []byte("fix-0"), msgs[0].Payload)
	assert.Equal(t, "a", msgs[0].Header.SenderID)
	assert.Len(t, q.Confirmed(), total)
	assert.Empty(t, r.Mailbox("b"))

	q, err = request.MessageQuery().Senders("a").Build()
	require.NoError(t, err)
	require.NoError(t, exchange(t, r, "b", q))
	assert.Empty(t, q.Messages())
}

func TestRouterUnknownRecipient(t *testing.T) {
	t.Parallel()

	r := NewRouter(RouterOptions{Log: log2.NewTest(t, log2.LDebug)})
	r.Register("a", "sender")
	inst, err := request.Publish(wire.TypeGPSInfo, []byte("x")).To("nobody").Build()
	require.NoError(t, err)
	err = exchange(t, r, "a", inst)
	be, ok := request.AsBrokerError(err)
	require.True(t, ok, "err=%v", err)
	assert.True(t, be.Has(CodeUnknownRecipient))
}

func TestRouterPublishSubscribers(t *testing.T) {
	t.Parallel()

	rec := &outputRecorder{}
	r := NewRouter(RouterOptions{Log: log2.NewTest(t, log2.LDebug), Output: rec.output})
	r.Register("a", "sender")

	caps, err := request.Capabilities("app", "ver").PushNotifications(true).Add(wire.TypeTimeLog, wire.DirectionReceive).Build()
	require.NoError(t, err)
	require.NoError(t, exchange(t, r, "b", caps))
	sub, err := request.Subscription().Add(wire.TypeTimeLog).Build()
	require.NoError(t, err)
	require.NoError(t, exchange(t, r, "b", sub))
	// subscribed without push
	sub, err = request.Subscription().Add(wire.TypeTimeLog).Build()
	require.NoError(t, err)
	require.NoError(t, exchange(t, r, "c", sub))

	inst, err := request.Publish(wire.TypeTimeLog, []byte("log")).Mode(wire.ModePublish).Build()
	require.NoError(t, err)
	require.NoError(t, exchange(t, r, "a", inst))

	assert.Len(t, r.Mailbox("b"), 1)
	assert.Len(t, r.Mailbox("c"), 1)
	assert.Empty(t, r.Mailbox("a"))
	assert.Empty(t, rec.get("c"))
	frames := rec.get("b")
	require.Len(t, frames, 1)
	resp, err := wire.DecodeResponse(frames[0])
	require.NoError(t, err)
	assert.Equal(t, wire.ResponsePushNotification, resp.Envelope.Type)
	var n wire.PushNotification
	require.NoError(t, wire.UnpackBody(resp.Details, &n))
	require.Len(t, n.Messages, 1)
	assert.Equal(t, []byte("log"), n.Messages[0].Payload())
}

func TestRouterListEndpoints(t *testing.T) {
	t.Parallel()

	r := NewRouter(RouterOptions{Log: log2.NewTest(t, log2.LDebug)})
	for _, id := range []string{"a", "b", "c"} {
		r.Register(id, "name-"+id)
	}
	caps, err := request.Capabilities("app", "ver").Add(wire.TypeImageJPEG, wire.DirectionReceive).Build()
	require.NoError(t, err)
	require.NoError(t, exchange(t, r, "c", caps))

	cases := []struct {
		name   string
		build  func() *request.ListEndpointsBuilder
		expect []string
	}{
		{"all", func() *request.ListEndpointsBuilder { return request.ListEndpoints() }, []string{"b", "c"}},
		{"jpeg", func() *request.ListEndpointsBuilder {
			return request.ListEndpoints().Filter(wire.TypeImageJPEG, wire.DirectionReceive)
		}, []string{"c"}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			inst, err := c.build().Build()
			require.NoError(t, err)
			require.NoError(t, exchange(t, r, "a", inst))
			ids := []string{}
			for _, e := range inst.Endpoints() {
				ids = append(ids, e.ID)
			}
			assert.Equal(t, c.expect, ids)
		})
	}
}

func TestRouterHold(t *testing.T) {
	t.Parallel()

	r := NewRouter(RouterOptions{
		Log:  log2.NewTest(t, log2.LDebug),
		Hold: func(string, *wire.Message) bool { return true },
	})
	inst, err := request.Confirm("m1")
	require.NoError(t, err)
	m, err := inst.Next()
	require.NoError(t, err)
	frame, err := wire.Encode(m)
	require.NoError(t, err)
	assert.Empty(t, r.Handle("a", frame))
	assert.Equal(t, 0, r.Received())
}

func TestHTTPGateway(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	b := New(Options{Log: log, Codec: wire.CodecJSON})
	srv := httptest.NewServer(b.HTTP)
	defer srv.Close()

	inst, err := request.Confirm("m1")
	require.NoError(t, err)
	m, err := inst.Next()
	require.NoError(t, err)
	frame, err := wire.Encode(m)
	require.NoError(t, err)

	for _, codec := range []wire.Codec{wire.CodecJSON, wire.CodecBinary} {
		body, err := codec.MarshalRequest(wire.Addressing{SensorAlternateID: "ep"}, [][]byte{frame}, time.Now())
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/measures/ep", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", codec.ContentType())
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		req, err = http.NewRequest(http.MethodGet, srv.URL+"/commands/ep", nil)
		require.NoError(t, err)
		req.Header.Set("Accept", codec.ContentType())
		resp, err = http.DefaultClient.Do(req)
		require.NoError(t, err)
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		frames, err := codec.UnmarshalResults(b)
		require.NoError(t, err)
		require.Len(t, frames, 1, "codec=%s", codec)
		r, err := wire.DecodeResponse(frames[0])
		require.NoError(t, err)
		assert.Equal(t, m.ID(), r.Envelope.ApplicationMessageID)
		assert.Equal(t, wire.ResponseAck, r.Envelope.Type)
	}

	b.HTTP.Deny("ep")
	resp, err := http.Get(srv.URL + "/commands/ep")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
