package request

import (
	"github.com/juju/errors"
	"github.com/temoto/arclient/wire"
)

// Ack is single-part request answered by plain ACK.
type Ack struct{ single }

type CapabilitiesBuilder struct {
	spec wire.CapabilitySpecification
}

func Capabilities(appID, certificationVersionID string) *CapabilitiesBuilder {
	return &CapabilitiesBuilder{spec: wire.CapabilitySpecification{
		AppCertificationID:        appID,
		AppCertificationVersionID: certificationVersionID,
	}}
}

func (b *CapabilitiesBuilder) PushNotifications(on bool) *CapabilitiesBuilder {
	b.spec.EnablePushNotifications = on
	return b
}

func (b *CapabilitiesBuilder) Add(technicalMessageType string, dir wire.Direction) *CapabilitiesBuilder {
	b.spec.Capabilities = append(b.spec.Capabilities, wire.Capability{TechnicalMessageType: technicalMessageType, Direction: dir})
	return b
}

func (b *CapabilitiesBuilder) Build() (*Ack, error) {
	if b.spec.AppCertificationID == "" {
		return nil, errors.NotValidf("capabilities without application id")
	}
	spec := b.spec
	spec.Capabilities = append([]wire.Capability(nil), b.spec.Capabilities...)
	m, err := newBodyMessage(wire.TypeCapabilities, &spec)
	if err != nil {
		return nil, err
	}
	return &Ack{single{msg: m, expect: wire.ResponseAck}}, nil
}

type SubscriptionBuilder struct {
	items []wire.SubscriptionItem
}

func Subscription() *SubscriptionBuilder { return &SubscriptionBuilder{} }

func (b *SubscriptionBuilder) Add(technicalMessageType string, ddis ...uint32) *SubscriptionBuilder {
	b.items = append(b.items, wire.SubscriptionItem{
		TechnicalMessageType: technicalMessageType,
		DDIs:                 append([]uint32(nil), ddis...),
	})
	return b
}

func (b *SubscriptionBuilder) Build() (*Ack, error) {
	body := &wire.Subscription{Items: append([]wire.SubscriptionItem(nil), b.items...)}
	m, err := newBodyMessage(wire.TypeSubscription, body)
	if err != nil {
		return nil, err
	}
	return &Ack{single{msg: m, expect: wire.ResponseAck}}, nil
}

type ListEndpointsBuilder struct {
	query      wire.ListEndpointsQuery
	unfiltered bool
}

func ListEndpoints() *ListEndpointsBuilder {
	return &ListEndpointsBuilder{query: wire.ListEndpointsQuery{Direction: wire.DirectionSendReceive}}
}

// Unfiltered lists all endpoints regardless of routing rules.
func (b *ListEndpointsBuilder) Unfiltered(on bool) *ListEndpointsBuilder {
	b.unfiltered = on
	return b
}

func (b *ListEndpointsBuilder) Filter(technicalMessageType string, dir wire.Direction) *ListEndpointsBuilder {
	b.query.TechnicalMessageType = technicalMessageType
	b.query.Direction = dir
	return b
}

type ListEndpointsInstance struct {
	single
	endpoints []wire.Endpoint
}

func (b *ListEndpointsBuilder) Build() (*ListEndpointsInstance, error) {
	tmt := wire.TypeListEndpoints
	if b.unfiltered {
		tmt = wire.TypeListEndpointsUnfiltered
	}
	query := b.query
	m, err := newBodyMessage(tmt, &query)
	if err != nil {
		return nil, err
	}
	inst := &ListEndpointsInstance{single: single{msg: m, expect: wire.ResponseEndpointsListing}}
	inst.fold = func(r *wire.Response) error {
		var body wire.ListEndpointsResponse
		if err := wire.UnpackBody(r.Details, &body); err != nil {
			return err
		}
		inst.endpoints = body.Endpoints
		return nil
	}
	return inst, nil
}

func (i *ListEndpointsInstance) Endpoints() []wire.Endpoint { return i.endpoints }

// Confirm removes successfully read messages from broker mailbox.
func Confirm(messageIDs ...string) (*Ack, error) {
	if len(messageIDs) == 0 {
		return nil, errors.Annotate(ErrEmptyFilter, "confirm")
	}
	body := &wire.MessageConfirm{MessageIDs: append([]string(nil), messageIDs...)}
	m, err := newBodyMessage(wire.TypeFeedConfirm, body)
	if err != nil {
		return nil, err
	}
	return &Ack{single{msg: m, expect: wire.ResponseAck}}, nil
}

type DeleteBuilder struct{ filter wire.MessageFilter }

func Delete() *DeleteBuilder { return &DeleteBuilder{} }

func (b *DeleteBuilder) Messages(ids ...string) *DeleteBuilder {
	b.filter.MessageIDs = append(b.filter.MessageIDs, ids...)
	return b
}

func (b *DeleteBuilder) Senders(ids ...string) *DeleteBuilder {
	b.filter.SenderIDs = append(b.filter.SenderIDs, ids...)
	return b
}

func (b *DeleteBuilder) Validity(v wire.ValidityPeriod) *DeleteBuilder {
	b.filter.Validity = &v
	return b
}

func (b *DeleteBuilder) Build() (*Ack, error) {
	if b.filter.Empty() {
		return nil, errors.Annotate(ErrEmptyFilter, "delete")
	}
	m, err := newBodyMessage(wire.TypeFeedDelete, &wire.MessageDelete{MessageFilter: copyFilter(b.filter)})
	if err != nil {
		return nil, err
	}
	return &Ack{single{msg: m, expect: wire.ResponseAck}}, nil
}

func copyFilter(f wire.MessageFilter) wire.MessageFilter {
	c := wire.MessageFilter{
		SenderIDs:  append([]string(nil), f.SenderIDs...),
		MessageIDs: append([]string(nil), f.MessageIDs...),
	}
	if f.Validity != nil {
		v := *f.Validity
		c.Validity = &v
	}
	return c
}
