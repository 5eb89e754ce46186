package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	protov2 "google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	ts := time.Date(2023, 5, 17, 10, 30, 0, 125000000, time.UTC)
	env := Envelope{
		ApplicationMessageID: "0c6b5f1e-2f8a-4a4c-9a7e-0d1f0a3e9b11",
		SeqNo:                42,
		TechnicalMessageType: TypeTaskData,
		TeamSetContextID:     "team-1",
		Mode:                 ModePublishWithDirect,
		Recipients:           []string{"ep-a", "ep-b"},
		Chunk:                &ChunkInfo{ContextID: "ctx-1", Current: 2, Total: 3, TotalSize: 2500},
		Timestamp:            ts,
	}
	confirm, err := NewBodyMessage(Envelope{ApplicationMessageID: "m-2", TechnicalMessageType: TypeFeedConfirm},
		&MessageConfirm{MessageIDs: []string{"a", "b"}})
	require.NoError(t, err)

	cases := []struct {
		name  string
		input *Message
		check func(t testing.TB, m *Message)
	}{
		{"envelope-only", &Message{Envelope: env}, func(t testing.TB, m *Message) {
			assert.Nil(t, m.Details)
			assert.Empty(t, m.Payload)
		}},
		{"raw-payload", &Message{Envelope: env, Payload: []byte{0, 1, 2, 0xff}}, func(t testing.TB, m *Message) {
			assert.Equal(t, []byte{0, 1, 2, 0xff}, m.Payload)
			assert.False(t, m.Base64)
		}},
		{"base64-payload", &Message{Envelope: env, Payload: []byte("\x00binary\xfe"), Base64: true}, func(t testing.TB, m *Message) {
			assert.Equal(t, []byte("\x00binary\xfe"), m.Payload)
			assert.True(t, m.Base64)
		}},
		{"body", confirm, func(t testing.TB, m *Message) {
			var c MessageConfirm
			require.NoError(t, UnpackBody(m.Details, &c))
			assert.Equal(t, []string{"a", "b"}, c.MessageIDs)
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			b, err := Encode(c.input)
			require.NoError(t, err)
			m, err := Decode(b)
			require.NoError(t, err)
			expectEnv := c.input.Envelope
			assert.True(t, expectEnv.Timestamp.Equal(m.Envelope.Timestamp))
			expectEnv.Timestamp, m.Envelope.Timestamp = time.Time{}, time.Time{}
			assert.Equal(t, expectEnv, m.Envelope)
			c.check(t, m)
		})
	}
}

func TestFrameErrors(t *testing.T) {
	t.Parallel()

	_, err := Encode(&Message{Envelope: Envelope{ApplicationMessageID: "x"}, Payload: []byte{1}, Details: mustPack(t, &MessageConfirm{})})
	assert.Equal(t, ErrBodyAndPayload, errors.Cause(err))

	_, err = Decode(nil)
	assert.Equal(t, ErrNoEnvelope, errors.Cause(err))

	// declared length 5, only 2 bytes follow
	_, err = Decode([]byte{0x05, 0x0a, 0x01})
	assert.Error(t, err)
}

func TestResponseFailureMessages(t *testing.T) {
	t.Parallel()

	r, err := NewResponse(ResponseEnvelope{
		ResponseCode:         400,
		Type:                 ResponseAckWithFailure,
		ApplicationMessageID: "req-1",
		MessageID:            "srv-9",
	}, &Messages{Items: []MessageEntry{{Code: "VAL_000004", Text: "value missing"}}})
	require.NoError(t, err)
	b, err := EncodeResponse(r)
	require.NoError(t, err)

	got, err := DecodeResponse(b)
	require.NoError(t, err)
	assert.Equal(t, int32(400), got.Envelope.ResponseCode)
	assert.Equal(t, ResponseAckWithFailure, got.Envelope.Type)
	assert.True(t, got.Envelope.Type.IsFailure())
	assert.Equal(t, "req-1", got.Envelope.ApplicationMessageID)
	ms, err := got.Messages()
	require.NoError(t, err)
	assert.Equal(t, []MessageEntry{{Code: "VAL_000004", Text: "value missing"}}, ms)
	assert.Equal(t, "ACK_WITH_FAILURE", got.Envelope.Type.String())
}

func TestFeedBodies(t *testing.T) {
	t.Parallel()

	sent := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	in := &MessageQueryResponse{
		Messages: []FeedMessage{{
			Header: FeedMessageHeader{
				TechnicalMessageType: TypeImageJPEG,
				Chunk:                &ChunkInfo{ContextID: "c", Current: 1, Total: 2, TotalSize: 10},
				PayloadSize:          5,
				SenderID:             "sender",
				SentTimestamp:        sent,
				MessageID:            "feed-1",
			},
			Content: mustPack(t, &MessageConfirm{MessageIDs: []string{"x"}}),
		}},
		Page:  Page{Number: 1, Total: 3},
		Total: 7,
	}
	a := mustPack(t, in)
	var out MessageQueryResponse
	require.NoError(t, UnpackBody(a, &out))
	require.Len(t, out.Messages, 1)
	h := out.Messages[0].Header
	assert.Equal(t, "feed-1", h.MessageID)
	assert.Equal(t, *in.Messages[0].Header.Chunk, *h.Chunk)
	assert.True(t, sent.Equal(h.SentTimestamp))
	assert.True(t, h.ReceiptTimestamp.IsZero())
	assert.True(t, protov2.Equal(in.Messages[0].Content, out.Messages[0].Content))
	assert.Equal(t, Page{Number: 1, Total: 3}, out.Page)
	assert.Equal(t, int32(7), out.Total)

	var wrong HeaderQueryResponse
	assert.Equal(t, ErrTypeMismatch, errors.Cause(UnpackBody(a, &wrong)))
}

func TestSubscriptionKeepsZeroDDI(t *testing.T) {
	t.Parallel()

	in := &Subscription{Items: []SubscriptionItem{{TechnicalMessageType: TypeTimeLog, DDIs: []uint32{0, 141}, Position: true}}}
	var out Subscription
	require.NoError(t, UnpackBody(mustPack(t, in), &out))
	assert.Equal(t, in.Items, out.Items)
}

func TestCodec(t *testing.T) {
	t.Parallel()

	addr := Addressing{SensorAlternateID: "sensor", CapabilityAlternateID: "cap"}
	frames := [][]byte{{1, 2, 3}, []byte("second frame")}
	now := time.Unix(1700000000, 0)

	for _, codec := range []Codec{CodecJSON, CodecBinary} {
		codec := codec
		t.Run(codec.String(), func(t *testing.T) {
			t.Parallel()
			b, err := codec.MarshalRequest(addr, frames, now)
			require.NoError(t, err)
			gotAddr, got, err := codec.UnmarshalRequest(b)
			require.NoError(t, err)
			assert.Equal(t, frames, got)
			if codec == CodecJSON {
				assert.Equal(t, addr, gotAddr)
			}

			b, err = codec.MarshalResults(addr, frames[:1])
			require.NoError(t, err)
			got, err = codec.UnmarshalResults(b)
			require.NoError(t, err)
			assert.Equal(t, frames[:1], got)
		})
	}
}

func TestCodecJSONShape(t *testing.T) {
	t.Parallel()

	b, err := CodecJSON.MarshalRequest(Addressing{SensorAlternateID: "s"}, [][]byte{{0xff}}, time.Unix(1, 0))
	require.NoError(t, err)
	var v map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &v))
	assert.Equal(t, "s", v["sensorAlternateId"])
	m := v["measures"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "/w==", m["message"])
	assert.Equal(t, float64(1000), m["timestamp"])

	frames, err := CodecJSON.UnmarshalResults([]byte(`[{"command":{"message":"AQI="}},{"command":{"message":""}}]`))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{1, 2}}, frames)

	frames, err = CodecJSON.UnmarshalResults([]byte("  "))
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func mustPack(t testing.TB, b Body) *anypb.Any {
	a, err := PackBody(b)
	require.NoError(t, err)
	return a
}
