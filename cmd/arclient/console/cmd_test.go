package console

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/arclient/chunk"
	"github.com/temoto/arclient/request"
	"github.com/temoto/arclient/wire"
)

func TestParseCapability(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input string
		typ   string
		dir   wire.Direction
	}{
		{"img:jpeg:send", wire.TypeImageJPEG, wire.DirectionSend},
		{"img:jpeg:receive", wire.TypeImageJPEG, wire.DirectionReceive},
		{"iso:11783:-10:taskdata:zip:both", wire.TypeTaskData, wire.DirectionSendReceive},
		{"img:png", wire.TypeImagePNG, wire.DirectionSendReceive},
	}
	for _, c := range cases {
		typ, dir, err := parseCapability(c.input)
		require.NoError(t, err, c.input)
		assert.Equal(t, c.typ, typ, c.input)
		assert.Equal(t, c.dir, dir, c.input)
	}
	_, _, err := parseCapability("")
	assert.Error(t, err)
}

func TestFormatReceived(t *testing.T) {
	t.Parallel()

	s := formatReceived(request.Received{
		Header:     chunk.Header{MessageID: "m1", SenderID: "s1", TechnicalMessageType: wire.TypeImageJPEG},
		MessageIDs: []string{"m1", "m2"},
		Payload:    make([]byte, 10),
	})
	assert.Equal(t, "message id=m1 sender=s1 type=img:jpeg parts=2 size=10", s)
}
