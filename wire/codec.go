package wire

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
)

// Codec selects transport body format around frames.
// JSON carries frames base64 inside {"measures":[...]} or {"command":{...}},
// Binary is a sequence of length-delimited frames.
type Codec int

const (
	CodecJSON Codec = iota
	CodecBinary
)

const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return CodecJSON, nil
	case "binary", "protobuf":
		return CodecBinary, nil
	}
	return CodecJSON, errors.NotValidf("codec=%s", s)
}

func (c Codec) String() string {
	if c == CodecBinary {
		return "binary"
	}
	return "json"
}

func (c Codec) ContentType() string {
	if c == CodecBinary {
		return ContentTypeProtobuf
	}
	return ContentTypeJSON
}

// Addressing is endpoint identity stamped on JSON bodies.
type Addressing struct {
	SensorAlternateID     string `json:"sensorAlternateId"`
	CapabilityAlternateID string `json:"capabilityAlternateId"`
}

type jsonMeasure struct {
	Message   []byte `json:"message"` // base64 by encoding/json
	Timestamp int64  `json:"timestamp"`
}

type jsonRequest struct {
	Addressing
	Measures []jsonMeasure `json:"measures"`
}

type jsonCommandBody struct {
	Message []byte `json:"message"`
}

type jsonCommand struct {
	Addressing
	Command jsonCommandBody `json:"command"`
}

func (c Codec) MarshalRequest(addr Addressing, frames [][]byte, now time.Time) ([]byte, error) {
	if c == CodecBinary {
		return marshalDelimited(frames)
	}
	r := jsonRequest{Addressing: addr, Measures: make([]jsonMeasure, len(frames))}
	for i, f := range frames {
		r.Measures[i] = jsonMeasure{Message: f, Timestamp: now.UnixNano() / int64(time.Millisecond)}
	}
	b, err := json.Marshal(r)
	return b, errors.Annotate(err, "json request")
}

func (c Codec) UnmarshalRequest(b []byte) (Addressing, [][]byte, error) {
	if c == CodecBinary {
		frames, err := unmarshalDelimited(b)
		return Addressing{}, frames, err
	}
	var r jsonRequest
	if err := json.Unmarshal(b, &r); err != nil {
		return Addressing{}, nil, errors.Annotate(err, "json request")
	}
	frames := make([][]byte, len(r.Measures))
	for i, m := range r.Measures {
		frames[i] = m.Message
	}
	return r.Addressing, frames, nil
}

// MarshalResults builds inbox/push body. Single JSON frame is a plain object, more become array.
func (c Codec) MarshalResults(addr Addressing, frames [][]byte) ([]byte, error) {
	if c == CodecBinary {
		return marshalDelimited(frames)
	}
	cmds := make([]jsonCommand, len(frames))
	for i, f := range frames {
		cmds[i] = jsonCommand{Addressing: addr, Command: jsonCommandBody{Message: f}}
	}
	var v interface{} = cmds
	if len(cmds) == 1 {
		v = cmds[0]
	}
	b, err := json.Marshal(v)
	return b, errors.Annotate(err, "json results")
}

func (c Codec) UnmarshalResults(b []byte) ([][]byte, error) {
	if c == CodecBinary {
		return unmarshalDelimited(b)
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, nil
	}
	var cmds []jsonCommand
	if b[0] == '[' {
		if err := json.Unmarshal(b, &cmds); err != nil {
			return nil, errors.Annotate(err, "json results")
		}
	} else {
		var one jsonCommand
		if err := json.Unmarshal(b, &one); err != nil {
			return nil, errors.Annotate(err, "json result")
		}
		cmds = append(cmds, one)
	}
	frames := make([][]byte, 0, len(cmds))
	for _, c := range cmds {
		if len(c.Command.Message) != 0 {
			frames = append(frames, c.Command.Message)
		}
	}
	return frames, nil
}

func marshalDelimited(frames [][]byte) ([]byte, error) {
	buf := proto.NewBuffer(nil)
	for _, f := range frames {
		if err := buf.EncodeRawBytes(f); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return buf.Bytes(), nil
}

func unmarshalDelimited(b []byte) ([][]byte, error) {
	buf := proto.NewBuffer(b)
	var frames [][]byte
	for len(buf.Unread()) != 0 {
		f, err := buf.DecodeRawBytes(true)
		if err != nil {
			return nil, errors.Annotatef(err, "frame[%d]", len(frames))
		}
		frames = append(frames, f)
	}
	return frames, nil
}
