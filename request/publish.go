package request

import (
	"github.com/juju/errors"
	"github.com/temoto/arclient/chunk"
	"github.com/temoto/arclient/wire"
)

type PublishBuilder struct {
	technicalMessageType string
	payload              []byte
	recipients           []string
	mode                 wire.Mode
	teamSetContextID     string
	partSize             int
}

// Publish sends raw payload. Oversized payload of chunkable type is split
// into parts sent strictly in order, each waiting for its ACK.
func Publish(technicalMessageType string, payload []byte) *PublishBuilder {
	return &PublishBuilder{technicalMessageType: technicalMessageType, payload: payload, partSize: chunk.DefaultPartSize}
}

func (b *PublishBuilder) To(recipients ...string) *PublishBuilder {
	b.recipients = append(b.recipients, recipients...)
	return b
}

func (b *PublishBuilder) Mode(m wire.Mode) *PublishBuilder {
	b.mode = m
	return b
}

func (b *PublishBuilder) TeamSet(id string) *PublishBuilder {
	b.teamSetContextID = id
	return b
}

func (b *PublishBuilder) PartSize(n int) *PublishBuilder {
	b.partSize = n
	return b
}

func (b *PublishBuilder) Build() (*PublishInstance, error) {
	if b.technicalMessageType == "" {
		return nil, errors.NotValidf("publish without technical message type")
	}
	if len(b.payload) == 0 {
		return nil, errors.NotValidf("publish type=%s empty payload", b.technicalMessageType)
	}
	parts := chunk.Split(b.payload, b.partSize)
	if len(parts) > 1 && !wire.IsChunkable(b.technicalMessageType) {
		return nil, errors.Annotatef(ErrNotChunkable, "type=%s size=%d", b.technicalMessageType, len(b.payload))
	}
	return &PublishInstance{
		technicalMessageType: b.technicalMessageType,
		recipients:           append([]string(nil), b.recipients...),
		mode:                 b.mode,
		teamSetContextID:     b.teamSetContextID,
		parts:                parts,
	}, nil
}

type PublishInstance struct {
	technicalMessageType string
	recipients           []string
	mode                 wire.Mode
	teamSetContextID     string
	parts                []chunk.Part
	pos                  int
	acked                int
	ids                  []string
}

func (p *PublishInstance) HasNext() bool { return p.pos < len(p.parts) }

func (p *PublishInstance) Next() (*wire.Message, error) {
	if p.pos >= len(p.parts) {
		return nil, ErrInstanceReused
	}
	part := p.parts[p.pos]
	p.pos++
	env := newEnvelope(p.technicalMessageType)
	env.Recipients = p.recipients
	env.Mode = p.mode
	env.TeamSetContextID = p.teamSetContextID
	env.Chunk = part.Info
	p.ids = append(p.ids, env.ApplicationMessageID)
	return &wire.Message{Envelope: env, Payload: part.Content, Base64: part.Info != nil}, nil
}

func (p *PublishInstance) AddResponse(r *wire.Response) (bool, error) {
	if err := expectType(r, wire.ResponseAck); err != nil {
		return true, errors.Annotatef(err, "part=%d/%d", p.pos, len(p.parts))
	}
	p.acked++
	return true, nil
}

// Parts is number of wire messages this publish takes.
func (p *PublishInstance) Parts() int { return len(p.parts) }

// Acked is number of parts confirmed by broker.
func (p *PublishInstance) Acked() int { return p.acked }

// MessageIDs returns application message id of every part sent so far.
func (p *PublishInstance) MessageIDs() []string { return p.ids }
