package wire

import (
	"time"

	"github.com/juju/errors"
	"google.golang.org/protobuf/encoding/protowire"
	protov2 "google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Field level helpers around protowire. Zero values are omitted like proto3 does.

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendStrings(b []byte, num protowire.Number, ss []string) []byte {
	for _, s := range ss {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

// appendMessage writes embedded message even when empty, presence matters for them.
func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

func appendTime(b []byte, num protowire.Number, t time.Time) ([]byte, error) {
	if t.IsZero() {
		return b, nil
	}
	tb, err := protov2.Marshal(timestamppb.New(t))
	if err != nil {
		return nil, errors.Annotate(err, "timestamp")
	}
	return appendMessage(b, num, tb), nil
}

func appendAny(b []byte, num protowire.Number, a *anypb.Any) ([]byte, error) {
	if a == nil {
		return b, nil
	}
	ab, err := protov2.Marshal(a)
	if err != nil {
		return nil, errors.Annotate(err, "any")
	}
	return appendMessage(b, num, ab), nil
}

type decoder struct {
	b   []byte
	num protowire.Number
	typ protowire.Type
	err error
}

func newDecoder(b []byte) *decoder { return &decoder{b: b} }

func (d *decoder) next() bool {
	if d.err != nil || len(d.b) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(d.b)
	if n < 0 {
		d.err = errors.Annotate(protowire.ParseError(n), "tag")
		return false
	}
	d.b = d.b[n:]
	d.num, d.typ = num, typ
	return true
}

func (d *decoder) wrongType(expect protowire.Type) {
	d.err = errors.NotValidf("field=%d type=%d expected=%d", d.num, d.typ, expect)
}

func (d *decoder) skip() {
	n := protowire.ConsumeFieldValue(d.num, d.typ, d.b)
	if n < 0 {
		d.err = errors.Annotatef(protowire.ParseError(n), "field=%d", d.num)
		return
	}
	d.b = d.b[n:]
}

func (d *decoder) varint() uint64 {
	if d.typ != protowire.VarintType {
		d.wrongType(protowire.VarintType)
		return 0
	}
	v, n := protowire.ConsumeVarint(d.b)
	if n < 0 {
		d.err = errors.Annotatef(protowire.ParseError(n), "field=%d", d.num)
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) bool() bool { return protowire.DecodeBool(d.varint()) }

func (d *decoder) bytes() []byte {
	if d.typ != protowire.BytesType {
		d.wrongType(protowire.BytesType)
		return nil
	}
	v, n := protowire.ConsumeBytes(d.b)
	if n < 0 {
		d.err = errors.Annotatef(protowire.ParseError(n), "field=%d", d.num)
		return nil
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) string() string { return string(d.bytes()) }

func (d *decoder) time() time.Time {
	b := d.bytes()
	if d.err != nil {
		return time.Time{}
	}
	var ts timestamppb.Timestamp
	if err := protov2.Unmarshal(b, &ts); err != nil {
		d.err = errors.Annotatef(err, "field=%d timestamp", d.num)
		return time.Time{}
	}
	return ts.AsTime()
}

func (d *decoder) any() *anypb.Any {
	b := d.bytes()
	if d.err != nil {
		return nil
	}
	a := &anypb.Any{}
	if err := protov2.Unmarshal(b, a); err != nil {
		d.err = errors.Annotatef(err, "field=%d any", d.num)
		return nil
	}
	return a
}

// sub decodes embedded message with f.
func (d *decoder) sub(f func(b []byte) error) {
	b := d.bytes()
	if d.err != nil {
		return
	}
	if err := f(b); err != nil {
		d.err = errors.Annotatef(err, "field=%d", d.num)
	}
}

// appendRepeatedVarint keeps zero elements, unlike appendVarint.
func appendRepeatedVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
