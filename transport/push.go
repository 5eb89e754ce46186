package transport

import (
	"context"
	"crypto/tls"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/arclient/log2"
	"github.com/temoto/arclient/wire"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultKeepalive      = 60 * time.Second
)

type PushOptions struct {
	Log *log2.Log
	// MQTT library internals, nil disables
	LibLog         *log2.Log
	BrokerURL      string
	ClientID       string
	TLS            *tls.Config
	RequestTopic   string
	ResultTopic    string
	Codec          wire.Codec
	Addressing     wire.Addressing
	QoS            byte
	Keepalive      time.Duration
	NetworkTimeout time.Duration
	StormCount     int
	StormWindow    time.Duration
	// OnStorm is called once in own goroutine, expected to close connection.
	OnStorm func(err error)
	Stat    *SessionStat
}

// Push is MQTT transport. Responses arrive via subscription callback.
type Push struct {
	opt     PushOptions
	log     *log2.Log
	m       mqtt.Client
	storm   *StormGuard
	recv    Receiver
	started uint32
	stormed uint32
	once    sync.Once
}

func NewPush(opt PushOptions) (*Push, error) {
	if _, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "push broker=%s", opt.BrokerURL)
	}
	if opt.RequestTopic == "" || opt.ResultTopic == "" {
		return nil, errors.NotValidf("push topics request=%q result=%q", opt.RequestTopic, opt.ResultTopic)
	}
	if opt.NetworkTimeout <= 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.Keepalive <= 0 {
		opt.Keepalive = DefaultKeepalive
	}
	if opt.Stat == nil {
		opt.Stat = new(SessionStat)
	}
	return &Push{
		opt:   opt,
		log:   opt.Log,
		storm: NewStormGuard(opt.StormCount, opt.StormWindow),
	}, nil
}

func (p *Push) Kind() Kind { return KindPush }

func (p *Push) Start(r Receiver) error {
	p.recv = r
	if p.opt.LibLog != nil {
		mqtt.ERROR = p.opt.LibLog
		mqtt.CRITICAL = p.opt.LibLog
		mqtt.WARN = p.opt.LibLog
		if p.opt.LibLog.Enabled(log2.LDebug) {
			mqtt.DEBUG = p.opt.LibLog
		}
	}

	mopt := mqtt.NewClientOptions().
		AddBroker(p.opt.BrokerURL).
		SetClientID(p.opt.ClientID).
		SetCleanSession(true).
		SetTLSConfig(p.opt.TLS).
		SetKeepAlive(p.opt.Keepalive).
		SetPingTimeout(p.opt.NetworkTimeout).
		SetConnectTimeout(p.opt.NetworkTimeout).
		SetWriteTimeout(p.opt.NetworkTimeout).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(p.opt.NetworkTimeout).
		SetDefaultPublishHandler(p.onMessage).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)
	p.m = mqtt.NewClient(mopt)

	tok := p.m.Connect()
	if !tok.WaitTimeout(p.opt.NetworkTimeout) {
		p.m.Disconnect(0)
		return errors.Timeoutf("push connect broker=%s", p.opt.BrokerURL)
	}
	if err := tok.Error(); err != nil {
		return errors.Annotatef(err, "push connect broker=%s", p.opt.BrokerURL)
	}
	if err := p.subscribe(); err != nil {
		p.m.Disconnect(0)
		return err
	}
	atomic.StoreUint32(&p.started, 1)
	p.log.Debugf("push connected broker=%s topic=%s", p.opt.BrokerURL, p.opt.ResultTopic)
	return nil
}

func (p *Push) subscribe() error {
	tok := p.m.Subscribe(p.opt.ResultTopic, p.opt.QoS, p.onMessage)
	if !tok.WaitTimeout(p.opt.NetworkTimeout) {
		return errors.Timeoutf("push subscribe topic=%s", p.opt.ResultTopic)
	}
	return errors.Annotatef(tok.Error(), "push subscribe topic=%s", p.opt.ResultTopic)
}

func (p *Push) Send(ctx context.Context, frame []byte) error {
	if p.m == nil {
		return ErrClosed
	}
	body, err := p.opt.Codec.MarshalRequest(p.opt.Addressing, [][]byte{frame}, time.Now())
	if err != nil {
		return errors.Annotate(err, "push marshal")
	}
	tok := p.m.Publish(p.opt.RequestTopic, p.opt.QoS, false, body)
	select {
	case <-tok.Done():
		return errors.Annotatef(tok.Error(), "push publish topic=%s", p.opt.RequestTopic)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Push) Wake() {}

func (p *Push) Close() error {
	p.once.Do(func() {
		if p.m != nil {
			p.m.Disconnect(uint(p.opt.NetworkTimeout / time.Millisecond / 100))
		}
	})
	return nil
}

func (p *Push) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	frames, err := p.opt.Codec.UnmarshalResults(payload)
	if err != nil {
		p.opt.Stat.Recv.Invalid.Add(1)
		p.log.Errorf("push topic=%s size=%d err=%v", msg.Topic(), len(payload), err)
		return
	}
	for _, f := range frames {
		p.recv.Deliver(f)
	}
}

func (p *Push) onConnect(c mqtt.Client) {
	if atomic.LoadUint32(&p.started) == 0 {
		return
	}
	p.opt.Stat.Reconnect.Add(1)
	p.log.Infof("push reconnected, subscribe topic=%s", p.opt.ResultTopic)
	if err := p.subscribe(); err != nil {
		p.log.Error(err)
	}
}

func (p *Push) onConnectionLost(_ mqtt.Client, err error) {
	p.linkLost(time.Now(), err)
}

func (p *Push) linkLost(now time.Time, err error) {
	p.log.Errorf("push connection lost: %v", err)
	if !p.storm.Record(now) {
		return
	}
	if !atomic.CompareAndSwapUint32(&p.stormed, 0, 1) {
		return
	}
	p.log.Errorf("push %v broker=%s", ErrReconnectStorm, p.opt.BrokerURL)
	if p.opt.OnStorm != nil {
		go p.opt.OnStorm(ErrReconnectStorm)
	} else {
		go p.Close()
	}
}
