package mockbroker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/arclient/helpers"
	"github.com/temoto/arclient/log2"
)

// session is server side MQTT client connection state.
type session struct {
	alive  *alive.Alive
	acks   *future.Store
	conn   transport.Conn
	connmu sync.RWMutex
	ctx    context.Context
	err    helpers.AtomicError
	id     string
	opt    *ListenOptions
	log    *log2.Log
}

func newSession(ctx context.Context, conn transport.Conn, opt *ListenOptions, log *log2.Log, clientID string) *session {
	return &session{
		alive: alive.NewAlive(),
		acks:  future.NewStore(),
		conn:  conn,
		ctx:   ctx,
		id:    clientID,
		opt:   opt,
		log:   log,
	}
}

func (s *session) expectAck(id packet.ID) *future.Future {
	f := future.New()
	if !s.alive.Add(1) {
		f.Cancel(ErrClosing)
		return f
	}
	go func() {
		defer s.alive.Done()
		if err := f.Wait(s.opt.AckTimeout); err == future.ErrTimeout {
			f.Cancel(err)
		}
		s.acks.Delete(id)
	}()
	if ex := s.acks.Get(id); ex != nil {
		err := errors.Errorf("expectAck overwriting id=%d", id)
		ex.Cancel(err)
		f.Cancel(err)
		return f
	}
	s.acks.Put(id, f)
	return f
}

func (s *session) Publish(id packet.ID, msg *packet.Message) error {
	if !s.alive.Add(1) {
		return ErrClosing
	}
	defer s.alive.Done()

	pub := packet.NewPublish()
	pub.Message = *msg
	if msg.QOS == packet.QOSAtMostOnce {
		return s.Send(pub)
	}
	pub.ID = id
	f := s.expectAck(id)
	if err := s.Send(pub); err != nil {
		f.Cancel(err)
	}
	err := f.Wait(s.opt.AckTimeout)
	if err == nil {
		return nil
	}
	if err == future.ErrCanceled {
		if err, _ = f.Result().(error); err == nil {
			err = errors.Errorf("ack future canceled with nil")
		}
	}
	return s.die(errors.Annotatef(err, "expect puback id=%d", id))
}

func (s *session) Receive() (packet.Generic, error) {
	conn := s.getConn()
	if conn == nil {
		return nil, ErrClosing
	}
	pkt, err := conn.Receive()
	s.log.Debugf("mockbroker mqtt recv client=%s pkt=%s err=%v", s.id, packetString(pkt), err)
	switch {
	case err == nil:
		return pkt, nil
	case err == io.EOF:
		_ = s.die(err)
		return nil, err
	case !s.alive.IsRunning() && isClosedConn(err):
		return nil, ErrClosing
	}
	_ = s.die(err)
	return nil, err
}

func (s *session) Send(pkt packet.Generic) error {
	conn := s.getConn()
	if conn == nil {
		return ErrClosing
	}
	s.log.Debugf("mockbroker mqtt send client=%s pkt=%s", s.id, packetString(pkt))
	if err := conn.Send(pkt, false); err != nil {
		if !s.alive.IsRunning() && isClosedConn(err) {
			return ErrClosing
		}
		return s.die(errors.Annotatef(err, "client=%s", s.id))
	}
	return nil
}

func (s *session) fulfillAck(id packet.ID) error {
	f := s.acks.Get(id)
	if f == nil {
		return fmt.Errorf("unexpected ack for packet id=%d", id)
	}
	if !f.Complete(nil) {
		return future.ErrCanceled
	}
	return nil
}

// die closes connection, first error wins.
func (s *session) die(e error) error {
	err, found := s.err.StoreOnce(e)
	if found {
		return err
	}
	s.alive.Stop()
	helpers.WithLock(&s.connmu, func() {
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
	})
	return e
}

func (s *session) getConn() transport.Conn {
	s.connmu.RLock()
	c := s.conn
	s.connmu.RUnlock()
	return c
}

func isClosedConn(e error) bool {
	return e != nil && strings.HasSuffix(e.Error(), "use of closed network connection")
}

func packetString(p packet.Generic) string {
	if p == nil {
		return "(nil)"
	}
	if pub, ok := p.(*packet.Publish); ok {
		m := &pub.Message
		return fmt.Sprintf("<Publish ID=%d Topic=%q QOS=%d size=%d>", pub.ID, m.Topic, m.QOS, len(m.Payload))
	}
	return p.String()
}
