// Package mockbroker is in-process broker for tests and local development.
// It speaks both gateways: MQTT (push) and HTTP inbox (poll).
package mockbroker

import (
	"context"
	"strings"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/arclient/log2"
	"github.com/temoto/arclient/wire"
)

const (
	TopicMeasures = "measures/"
	TopicCommands = "commands/"
)

type Options struct {
	Log *log2.Log
	// MQTT body format
	Codec    wire.Codec
	PageSize int
	Hold     func(endpointID string, m *wire.Message) bool
}

type Broker struct {
	Router *Router
	HTTP   *HTTP
	MQTT   *MQTTServer
	codec  wire.Codec
	log    *log2.Log
}

func New(opt Options) *Broker {
	b := &Broker{codec: opt.Codec, log: opt.Log}
	b.Router = NewRouter(RouterOptions{
		Log:      opt.Log,
		PageSize: opt.PageSize,
		Hold:     opt.Hold,
		Output:   b.output,
	})
	b.HTTP = NewHTTP(b.Router, opt.Log)
	b.MQTT = NewMQTTServer(MQTTOptions{
		Log:       opt.Log,
		OnPublish: b.onPublish,
	})
	return b
}

// ListenMQTT starts MQTT gateway, url like tcp://127.0.0.1:0
func (b *Broker) ListenMQTT(ctx context.Context, url string) (string, error) {
	if err := b.MQTT.Listen(ctx, []*ListenOptions{{URL: url}}); err != nil {
		return "", err
	}
	addrs := b.MQTT.Addrs()
	if len(addrs) == 0 {
		return "", errors.Errorf("mockbroker no listen address")
	}
	return addrs[0], nil
}

func (b *Broker) Close() error { return b.MQTT.Close() }

func (b *Broker) onPublish(ctx context.Context, clientID string, msg *packet.Message) error {
	if !strings.HasPrefix(msg.Topic, TopicMeasures) {
		return errors.Errorf("unexpected topic=%s", msg.Topic)
	}
	endpointID := strings.TrimPrefix(msg.Topic, TopicMeasures)
	_, frames, err := b.codec.UnmarshalRequest(msg.Payload)
	if err != nil {
		return errors.Annotatef(err, "endpoint=%s", endpointID)
	}
	for _, f := range frames {
		for _, resp := range b.Router.Handle(endpointID, f) {
			b.output(endpointID, resp)
		}
	}
	return nil
}

// output routes frame to endpoint over MQTT when subscribed, otherwise to HTTP inbox.
func (b *Broker) output(endpointID string, frame []byte) {
	if b.MQTT.Connected(endpointID) {
		payload, err := b.codec.MarshalResults(wire.Addressing{SensorAlternateID: endpointID}, [][]byte{frame})
		if err == nil {
			err = b.MQTT.Publish(context.Background(), &packet.Message{
				Topic:   TopicCommands + endpointID,
				Payload: payload,
				QOS:     packet.QOSAtLeastOnce,
			})
		}
		if err == nil {
			return
		}
		b.log.Errorf("mockbroker publish endpoint=%s err=%v", endpointID, err)
	}
	b.HTTP.Enqueue(endpointID, frame)
}
