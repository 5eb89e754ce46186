package mockbroker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/broker"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/arclient/helpers"
	"github.com/temoto/arclient/log2"
)

const defaultReadLimit = 16 << 20

var (
	ErrSameClient    = fmt.Errorf("clientid overtake")
	ErrClosing       = fmt.Errorf("server is closing")
	ErrNoSubscribers = fmt.Errorf("no subscribers")
	ErrKicked        = fmt.Errorf("kicked by server")
)

type ListenOptions struct {
	URL            string
	TLS            *tls.Config
	AckTimeout     time.Duration
	NetworkTimeout time.Duration
	ReadLimit      int64
}

type MQTTOptions struct {
	Log *log2.Log
	// OnConnect nil accepts everyone
	OnConnect func(clientID, username string) bool
	OnPublish func(ctx context.Context, clientID string, msg *packet.Message) error
}

type subscription struct {
	pattern string
	client  string
	sess    *session
	qos     packet.QOS
}

// MQTTServer is minimal QOS0/1 MQTT 3.1.1 server.
type MQTTServer struct {
	sync.RWMutex

	alive    *alive.Alive
	sessions struct {
		sync.RWMutex
		m map[string]*session
	}
	ctx       context.Context
	listens   map[string]*transport.NetServer
	log       *log2.Log
	nextid    uint32
	onConnect func(clientID, username string) bool
	onPublish func(context.Context, string, *packet.Message) error
	subs      *topic.Tree // *subscription
}

func NewMQTTServer(opt MQTTOptions) *MQTTServer {
	if opt.OnPublish == nil {
		panic("code error mockbroker MQTTOptions.OnPublish is mandatory")
	}
	s := &MQTTServer{
		alive:     alive.NewAlive(),
		log:       opt.Log,
		onConnect: opt.OnConnect,
		onPublish: opt.OnPublish,
		subs:      topic.NewStandardTree(),
	}
	s.sessions.m = make(map[string]*session)
	return s
}

func (s *MQTTServer) Addrs() []string {
	s.RLock()
	defer s.RUnlock()
	addrs := make([]string, 0, len(s.listens))
	for _, l := range s.listens {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

func (s *MQTTServer) Listen(ctx context.Context, lopts []*ListenOptions) error {
	s.Lock()
	defer s.Unlock()

	s.ctx = ctx
	s.listens = make(map[string]*transport.NetServer, len(lopts))
	errs := make([]error, 0)
	for _, opt := range lopts {
		if opt.NetworkTimeout == 0 {
			opt.NetworkTimeout = 30 * time.Second
		}
		if opt.AckTimeout == 0 {
			opt.AckTimeout = 2 * opt.NetworkTimeout
		}
		if opt.ReadLimit == 0 {
			opt.ReadLimit = defaultReadLimit
		}
		ns, err := listen(opt)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "mqtt listen url=%s", opt.URL))
			continue
		}
		if !s.alive.Add(1) {
			_ = ns.Close()
			errs = append(errs, errors.Errorf("Listen after Close"))
			break
		}
		s.log.Debugf("mockbroker mqtt listen url=%s addr=%s", opt.URL, ns.Addr())
		s.listens[opt.URL] = ns
		go s.acceptLoop(ns, opt)
	}
	return helpers.FoldErrors(errs)
}

func listen(opt *ListenOptions) (*transport.NetServer, error) {
	u, err := url.ParseRequestURI(opt.URL)
	if err != nil {
		return nil, errors.Annotate(err, "parse url")
	}
	switch u.Scheme {
	case "tls":
		ns, err := transport.CreateSecureNetServer(u.Host, opt.TLS)
		return ns, errors.Annotate(err, "CreateSecureNetServer")
	case "tcp":
		l, err := net.Listen(u.Scheme, u.Host)
		if err != nil {
			return nil, errors.Annotatef(err, "net.Listen address=%s", u.Host)
		}
		return transport.NewNetServer(l), nil
	}
	return nil, errors.Errorf("unsupported listen url=%s", opt.URL)
}

func (s *MQTTServer) Close() error {
	s.alive.Stop()
	errs := make([]error, 0)
	helpers.WithLock(s, func() {
		for key, ns := range s.listens {
			if err := ns.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(s.listens, key)
		}
	})
	helpers.WithLock(s.sessions.RLocker(), func() {
		for _, sess := range s.sessions.m {
			_ = sess.die(ErrClosing)
		}
	})
	s.alive.Wait()
	return helpers.FoldErrors(errs)
}

func (s *MQTTServer) NextID() packet.ID {
	u32 := atomic.AddUint32(&s.nextid, 1)
	id := packet.ID(u32 % (1 << 16))
	if id == 0 {
		return s.NextID()
	}
	return id
}

// Connected reports whether client has live session.
func (s *MQTTServer) Connected(clientID string) bool {
	s.sessions.RLock()
	defer s.sessions.RUnlock()
	sess, ok := s.sessions.m[clientID]
	return ok && sess.alive.IsRunning()
}

// Kick drops client connection without DISCONNECT, as a network failure would.
func (s *MQTTServer) Kick(clientID string) bool {
	s.sessions.RLock()
	sess, ok := s.sessions.m[clientID]
	s.sessions.RUnlock()
	if !ok || !sess.alive.IsRunning() {
		return false
	}
	_ = sess.die(ErrKicked)
	return true
}

func (s *MQTTServer) Publish(ctx context.Context, msg *packet.Message) error {
	id := s.NextID()
	subs := make([]*subscription, 0, 4)
	uniq := make(map[string]struct{})
	for _, x := range s.subs.Match(msg.Topic) {
		sub := x.(*subscription)
		if _, ok := uniq[sub.client]; !ok {
			uniq[sub.client] = struct{}{}
			subs = append(subs, sub)
		}
	}
	if len(subs) == 0 {
		return errors.Annotatef(ErrNoSubscribers, "topic=%s", msg.Topic)
	}

	errch := make(chan error, len(subs))
	wg := sync.WaitGroup{}
	helpers.WithLock(s.sessions.RLocker(), func() {
		for _, sub := range subs {
			sess, ok := s.sessions.m[sub.client]
			if !ok {
				continue
			}
			wg.Add(1)
			smsg := msg.Copy()
			smsg.QOS = sub.qos
			go func() {
				defer wg.Done()
				if err := sess.Publish(id, smsg); err != nil {
					errch <- err
				}
			}()
		}
	})
	wg.Wait()
	close(errch)
	return helpers.FoldErrChan(errch)
}

func (s *MQTTServer) acceptLoop(ns *transport.NetServer, opt *ListenOptions) {
	defer s.alive.Done()
	for {
		conn, err := ns.Accept()
		if !s.alive.IsRunning() {
			return
		}
		if err != nil {
			s.log.Error(errors.Annotatef(err, "accept listen=%s", opt.URL))
			s.alive.Stop()
			return
		}
		if !s.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go s.processConn(conn, opt)
	}
}

func (s *MQTTServer) onAccept(conn transport.Conn, opt *ListenOptions) (*session, error) {
	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Trace(err)
	}
	pktConnect, ok := pkt.(*packet.Connect)
	if !ok {
		return nil, errors.Trace(broker.ErrUnexpectedPacket)
	}

	connack := packet.NewConnack()
	if pktConnect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		_ = conn.Send(connack, false)
		return nil, errors.Annotate(broker.ErrNotAuthorized, "empty clientid")
	}
	if s.onConnect != nil && !s.onConnect(pktConnect.ClientID, pktConnect.Username) {
		connack.ReturnCode = packet.NotAuthorized
		_ = conn.Send(connack, false)
		return nil, errors.Trace(broker.ErrNotAuthorized)
	}
	s.log.Debugf("mockbroker mqtt CONNECT client=%s keepalive=%d", pktConnect.ClientID, pktConnect.KeepAlive)

	connack.ReturnCode = packet.ConnectionAccepted
	keepalive := time.Duration(pktConnect.KeepAlive) * time.Second
	if keepalive == 0 || keepalive > opt.NetworkTimeout {
		keepalive = opt.NetworkTimeout
	}
	conn.SetReadTimeout(keepalive + keepalive/2)
	if err = conn.Send(connack, false); err != nil {
		return nil, errors.Trace(err)
	}
	return newSession(s.ctx, conn, opt, s.log, pktConnect.ClientID), nil
}

func (s *MQTTServer) processConn(conn transport.Conn, opt *ListenOptions) {
	defer s.alive.Done()

	conn.SetMaxWriteDelay(0)
	conn.SetReadLimit(opt.ReadLimit)
	conn.SetReadTimeout(opt.NetworkTimeout)
	sess, err := s.onAccept(conn, opt)
	if err != nil {
		s.log.Infof("mockbroker mqtt onAccept err=%v", err)
		_ = conn.Close()
		return
	}

	helpers.WithLock(&s.sessions, func() {
		if ex, ok := s.sessions.m[sess.id]; ok {
			s.log.Infof("mockbroker mqtt client overtake id=%s", sess.id)
			_ = ex.die(ErrSameClient)
		}
		s.sessions.m[sess.id] = sess
	})

	wg := sync.WaitGroup{}
	for {
		pkt, err := sess.Receive()
		if !sess.alive.IsRunning() || !s.alive.IsRunning() {
			_ = sess.die(ErrClosing)
			break
		}
		if err != nil {
			break
		}
		wg.Add(1)
		go s.processPacket(sess, pkt, &wg)
	}
	wg.Wait()
	_ = sess.acks.Await(opt.NetworkTimeout)
	sess.acks.Clear()
	sess.alive.WaitTasks()
	_ = sess.die(ErrClosing)

	helpers.WithLock(&s.sessions, func() {
		if ex := s.sessions.m[sess.id]; ex == sess {
			delete(s.sessions.m, sess.id)
		}
		for _, value := range s.subs.All() {
			if sub := value.(*subscription); sub.sess == sess {
				s.subs.Remove(sub.pattern, value)
			}
		}
	})
}

func (s *MQTTServer) processPacket(sess *session, pkt packet.Generic, finally interface{ Done() }) {
	defer finally.Done()
	var err error
	switch pt := pkt.(type) {
	case *packet.Pingreq:
		err = sess.Send(packet.NewPingresp())

	case *packet.Publish:
		if err = s.onPublish(sess.ctx, sess.id, &pt.Message); err != nil {
			s.log.Errorf("mockbroker mqtt onPublish client=%s topic=%s err=%v", sess.id, pt.Message.Topic, err)
			err = nil
		}
		switch pt.Message.QOS {
		case packet.QOSAtMostOnce:
		case packet.QOSAtLeastOnce:
			puback := packet.NewPuback()
			puback.ID = pt.ID
			err = sess.Send(puback)
		default:
			err = fmt.Errorf("qos %d is not supported", pt.Message.QOS)
		}

	case *packet.Puback:
		err = sess.fulfillAck(pt.ID)

	case *packet.Subscribe:
		if len(pt.Subscriptions) == 0 {
			err = fmt.Errorf("subscribe request with empty sub list")
			break
		}
		suback := packet.NewSuback()
		suback.ID = pt.ID
		suback.ReturnCodes = make([]packet.QOS, 0, len(pt.Subscriptions))
		for _, sub := range pt.Subscriptions {
			x := &subscription{pattern: sub.Topic, client: sess.id, sess: sess, qos: sub.QOS}
			if x.qos > packet.QOSAtLeastOnce {
				x.qos = packet.QOSAtLeastOnce
			}
			s.subs.Add(x.pattern, x)
			suback.ReturnCodes = append(suback.ReturnCodes, x.qos)
		}
		err = sess.Send(suback)

	case *packet.Unsubscribe:
		for _, t := range pt.Topics {
			for _, value := range s.subs.Get(t) {
				if sub := value.(*subscription); sub.client == sess.id {
					s.subs.Remove(t, value)
				}
			}
		}
		unsuback := packet.NewUnsuback()
		unsuback.ID = pt.ID
		err = sess.Send(unsuback)

	case *packet.Disconnect:
		_ = sess.die(nil)
		return

	default:
		err = fmt.Errorf("packet is not handled pkt=%s", pkt.String())
	}
	if err != nil {
		_ = sess.die(err)
	}
}
