package request

import (
	"bytes"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/arclient/chunk"
	"github.com/temoto/arclient/wire"
	"google.golang.org/protobuf/types/known/anypb"
)

func respond(t testing.TB, m *wire.Message, typ wire.ResponseType, body wire.Body) *wire.Response {
	r, err := wire.NewResponse(wire.ResponseEnvelope{
		ResponseCode:         201,
		Type:                 typ,
		ApplicationMessageID: m.ID(),
		MessageID:            "srv-" + m.ID(),
	}, body)
	require.NoError(t, err)
	return r
}

func feedMessage(id string, info *wire.ChunkInfo, payload []byte) wire.FeedMessage {
	return wire.FeedMessage{
		Header: wire.FeedMessageHeader{
			MessageID:            id,
			SenderID:             "sender-1",
			TechnicalMessageType: wire.TypeImageJPEG,
			Chunk:                info,
			PayloadSize:          int64(len(payload)),
		},
		Content: &anypb.Any{TypeUrl: wire.TypeURLPrefix + wire.TypeImageJPEG, Value: payload},
	}
}

func TestSingleAck(t *testing.T) {
	t.Parallel()

	inst, err := Capabilities("app-1", "ver-1").
		PushNotifications(true).
		Add(wire.TypeTaskData, wire.DirectionSendReceive).
		Add(wire.TypeImageJPEG, wire.DirectionReceive).
		Build()
	require.NoError(t, err)

	require.True(t, inst.HasNext())
	m, err := inst.Next()
	require.NoError(t, err)
	assert.Equal(t, wire.TypeCapabilities, m.Envelope.TechnicalMessageType)
	var spec wire.CapabilitySpecification
	require.NoError(t, wire.UnpackBody(m.Details, &spec))
	assert.True(t, spec.EnablePushNotifications)
	assert.Len(t, spec.Capabilities, 2)

	assert.False(t, inst.HasNext())
	done, err := inst.AddResponse(respond(t, m, wire.ResponseAck, nil))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, m.ID(), inst.Response().Envelope.ApplicationMessageID)

	_, err = inst.Next()
	assert.Equal(t, ErrInstanceReused, err)
}

func TestBuilderFreezes(t *testing.T) {
	t.Parallel()

	b := Subscription().Add(wire.TypeTimeLog, 141)
	inst1, err := b.Build()
	require.NoError(t, err)
	b.Add(wire.TypeDeviceDescription)
	inst2, err := b.Build()
	require.NoError(t, err)

	m1, _ := inst1.Next()
	m2, _ := inst2.Next()
	assert.NotEqual(t, m1.ID(), m2.ID())
	var s1, s2 wire.Subscription
	require.NoError(t, wire.UnpackBody(m1.Details, &s1))
	require.NoError(t, wire.UnpackBody(m2.Details, &s2))
	assert.Len(t, s1.Items, 1)
	assert.Len(t, s2.Items, 2)
}

func TestSingleFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		typ   wire.ResponseType
		body  wire.Body
		check func(t testing.TB, err error)
	}{
		{"ack-with-failure", wire.ResponseAckWithFailure,
			&wire.Messages{Items: []wire.MessageEntry{{Code: "VAL_000006", Text: "recipient unknown"}}},
			func(t testing.TB, err error) {
				be, ok := AsBrokerError(err)
				require.True(t, ok, "err=%v", err)
				assert.Equal(t, wire.ResponseAckWithFailure, be.Type)
				assert.True(t, be.Has("VAL_000006"))
				assert.Contains(t, be.Error(), "recipient unknown")
			}},
		{"ack-with-messages", wire.ResponseAckWithMessages,
			&wire.Messages{Items: []wire.MessageEntry{{Code: "VAL_000300", Text: "partially accepted"}}},
			func(t testing.TB, err error) {
				be, ok := AsBrokerError(err)
				require.True(t, ok)
				assert.Equal(t, []wire.MessageEntry{{Code: "VAL_000300", Text: "partially accepted"}}, be.Messages)
			}},
		{"unexpected-type", wire.ResponseEndpointsListing, nil,
			func(t testing.TB, err error) {
				assert.Equal(t, ErrUnexpectedResponse, errors.Cause(err))
			}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			inst, err := Confirm("feed-1", "feed-2")
			require.NoError(t, err)
			m, err := inst.Next()
			require.NoError(t, err)
			done, err := inst.AddResponse(respond(t, m, c.typ, c.body))
			assert.True(t, done)
			require.Error(t, err)
			c.check(t, err)
		})
	}
}

func TestListEndpoints(t *testing.T) {
	t.Parallel()

	inst, err := ListEndpoints().Unfiltered(true).Filter(wire.TypeTaskData, wire.DirectionReceive).Build()
	require.NoError(t, err)
	m, err := inst.Next()
	require.NoError(t, err)
	assert.Equal(t, wire.TypeListEndpointsUnfiltered, m.Envelope.TechnicalMessageType)

	list := &wire.ListEndpointsResponse{Endpoints: []wire.Endpoint{
		{ID: "ep-1", Name: "tractor", Type: "machine", Status: "active"},
		{ID: "ep-2", Name: "farm software", Type: "application", Status: "active"},
	}}
	done, err := inst.AddResponse(respond(t, m, wire.ResponseEndpointsListing, list))
	require.NoError(t, err)
	assert.True(t, done)
	require.Len(t, inst.Endpoints(), 2)
	assert.Equal(t, "tractor", inst.Endpoints()[0].Name)
}

func TestEmptyFilters(t *testing.T) {
	t.Parallel()

	_, err := MessageQuery().Build()
	assert.Equal(t, ErrEmptyFilter, errors.Cause(err))
	_, err = HeaderQuery().Build()
	assert.Equal(t, ErrEmptyFilter, errors.Cause(err))
	_, err = Delete().Build()
	assert.Equal(t, ErrEmptyFilter, errors.Cause(err))
	_, err = Confirm()
	assert.Equal(t, ErrEmptyFilter, errors.Cause(err))
}

func TestMessageQueryPaged(t *testing.T) {
	t.Parallel()

	inst, err := MessageQuery().Senders("sender-1").Build()
	require.NoError(t, err)
	q, err := inst.Next()
	require.NoError(t, err)
	assert.Equal(t, wire.TypeFeedMessageQuery, q.Envelope.TechnicalMessageType)
	assert.False(t, inst.HasNext())

	big := bytes.Repeat([]byte("0123456789"), 3)
	parts := chunk.Split(big, 12)
	require.Len(t, parts, 3)

	pages := []*wire.MessageQueryResponse{
		{Messages: []wire.FeedMessage{
			feedMessage("plain-1", nil, []byte("hello")),
			feedMessage("chunk-1", parts[0].Info, parts[0].Content),
		}, Page: wire.Page{Number: 1, Total: 3}},
		{Messages: []wire.FeedMessage{
			feedMessage("chunk-3", parts[2].Info, parts[2].Content),
		}, Page: wire.Page{Number: 2, Total: 3}},
		{Messages: []wire.FeedMessage{
			feedMessage("chunk-2", parts[1].Info, parts[1].Content),
		}, Page: wire.Page{Number: 3, Total: 3}},
	}
	for i, p := range pages {
		done, err := inst.AddResponse(respond(t, q, wire.ResponseAckForFeedMessage, p))
		require.NoError(t, err)
		if i < len(pages)-1 {
			assert.False(t, done, "page=%d", i+1)
			// duplicate delivery of same page is not counted twice
			done, err = inst.AddResponse(respond(t, q, wire.ResponseAckForFeedMessage, &wire.MessageQueryResponse{Page: p.Page}))
			require.NoError(t, err)
			assert.False(t, done)
		} else {
			assert.True(t, done)
		}
	}

	msgs := inst.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("hello"), msgs[0].Payload)
	assert.Equal(t, big, msgs[1].Payload)
	assert.Empty(t, inst.Incomplete())

	require.True(t, inst.HasNext())
	c, err := inst.Next()
	require.NoError(t, err)
	assert.Equal(t, wire.TypeFeedConfirm, c.Envelope.TechnicalMessageType)
	var confirm wire.MessageConfirm
	require.NoError(t, wire.UnpackBody(c.Details, &confirm))
	assert.ElementsMatch(t, []string{"plain-1", "chunk-1", "chunk-2", "chunk-3"}, confirm.MessageIDs)

	done, err := inst.AddResponse(respond(t, c, wire.ResponseAck, nil))
	require.NoError(t, err)
	assert.True(t, done)
	assert.False(t, inst.HasNext())
	_, err = inst.Next()
	assert.Equal(t, ErrInstanceReused, err)
}

func TestMessageQueryLatestTotalWins(t *testing.T) {
	t.Parallel()

	inst, err := MessageQuery().Messages("m").Confirm(false).Build()
	require.NoError(t, err)
	q, _ := inst.Next()

	done, err := inst.AddResponse(respond(t, q, wire.ResponseAckForFeedMessage, &wire.MessageQueryResponse{Page: wire.Page{Number: 1, Total: 2}}))
	require.NoError(t, err)
	assert.False(t, done)
	done, err = inst.AddResponse(respond(t, q, wire.ResponseAckForFeedMessage, &wire.MessageQueryResponse{Page: wire.Page{Number: 2, Total: 3}}))
	require.NoError(t, err)
	assert.False(t, done)
	done, err = inst.AddResponse(respond(t, q, wire.ResponseAckForFeedMessage, &wire.MessageQueryResponse{Page: wire.Page{Number: 3, Total: 3}}))
	require.NoError(t, err)
	assert.True(t, done)
	assert.False(t, inst.HasNext(), "confirm disabled")
	assert.Equal(t, 3, inst.Received())
}

func TestMessageQueryEmpty(t *testing.T) {
	t.Parallel()

	inst, err := MessageQuery().Senders("nobody").Build()
	require.NoError(t, err)
	q, _ := inst.Next()
	done, err := inst.AddResponse(respond(t, q, wire.ResponseAckWithMessages,
		&wire.Messages{Items: []wire.MessageEntry{{Code: NoMessagesFound, Text: "no messages found"}}}))
	require.NoError(t, err)
	assert.True(t, done)
	assert.False(t, inst.HasNext())
	assert.Empty(t, inst.Messages())
}

func TestHeaderQuery(t *testing.T) {
	t.Parallel()

	inst, err := HeaderQuery().Validity(wire.ValidityPeriod{}).Build()
	require.NoError(t, err)
	q, err := inst.Next()
	require.NoError(t, err)
	assert.Equal(t, wire.TypeFeedHeaderQuery, q.Envelope.TechnicalMessageType)

	for n := int32(1); n <= 2; n++ {
		body := &wire.HeaderQueryResponse{
			Headers: []wire.FeedMessageHeader{{MessageID: "h" + string(rune('0'+n)), SenderID: "s"}},
			Page:    wire.Page{Number: n, Total: 2},
		}
		done, err := inst.AddResponse(respond(t, q, wire.ResponseAckForFeedHeaderList, body))
		require.NoError(t, err)
		assert.Equal(t, n == 2, done)
	}
	require.Len(t, inst.Headers(), 2)
	assert.Equal(t, "h2", inst.Headers()[1].MessageID)
	assert.False(t, inst.HasNext())
}

func TestPublishChunked(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{0xab}, 25)
	inst, err := Publish(wire.TypeImagePNG, payload).To("ep-2").TeamSet("ts").PartSize(10).Build()
	require.NoError(t, err)
	assert.Equal(t, 3, inst.Parts())

	var joined []byte
	ctxid := ""
	for i := 1; inst.HasNext(); i++ {
		m, err := inst.Next()
		require.NoError(t, err)
		require.NotNil(t, m.Envelope.Chunk)
		if ctxid == "" {
			ctxid = m.Envelope.Chunk.ContextID
		}
		assert.Equal(t, ctxid, m.Envelope.Chunk.ContextID)
		assert.Equal(t, int64(i), m.Envelope.Chunk.Current)
		assert.Equal(t, int64(3), m.Envelope.Chunk.Total)
		assert.Equal(t, int64(25), m.Envelope.Chunk.TotalSize)
		assert.Equal(t, []string{"ep-2"}, m.Envelope.Recipients)
		assert.Equal(t, "ts", m.Envelope.TeamSetContextID)
		assert.True(t, m.Base64)
		joined = append(joined, m.Payload...)
		done, err := inst.AddResponse(respond(t, m, wire.ResponseAck, nil))
		require.NoError(t, err)
		assert.True(t, done)
	}
	assert.Equal(t, payload, joined)
	assert.Equal(t, 3, inst.Acked())
	assert.Len(t, inst.MessageIDs(), 3)
}

func TestPublishValidation(t *testing.T) {
	t.Parallel()

	_, err := Publish(wire.TypeGPSInfo, make([]byte, 30)).PartSize(10).Build()
	assert.Equal(t, ErrNotChunkable, errors.Cause(err))
	_, err = Publish("", []byte{1}).Build()
	assert.True(t, errors.IsNotValid(err))
	_, err = Publish(wire.TypeGPSInfo, nil).Build()
	assert.True(t, errors.IsNotValid(err))

	inst, err := Publish(wire.TypeGPSInfo, []byte{1, 2}).Build()
	require.NoError(t, err)
	m, err := inst.Next()
	require.NoError(t, err)
	assert.Nil(t, m.Envelope.Chunk)
	assert.False(t, m.Base64)
}
