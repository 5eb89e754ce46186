// Package connection is authenticated link of one onboarded endpoint to broker.
package connection

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/arclient/chunk"
	"github.com/temoto/arclient/credentials"
	"github.com/temoto/arclient/helpers"
	"github.com/temoto/arclient/log2"
	"github.com/temoto/arclient/request"
	"github.com/temoto/arclient/transport"
	"github.com/temoto/arclient/wire"
)

// DefaultRequestTimeout is suggested deadline for interactive callers.
const DefaultRequestTimeout = 60 * time.Second

// NotificationFunc receives complete messages pushed by broker.
// Messages stay in mailbox until confirmed, e.g. with request.Confirm.
type NotificationFunc func(c *Connection, msgs []request.Received)

type Options struct {
	Log         *log2.Log
	LibLog      *log2.Log
	Credentials *credentials.Document
	RootCAs     *x509.CertPool
	Codec       wire.Codec

	NetworkTimeout time.Duration
	Keepalive      time.Duration
	PollInterval   time.Duration
	MaxSessionAge  time.Duration
	StormCount     int
	StormWindow    time.Duration

	OnNotification NotificationFunc
}

type Connection struct {
	log      *log2.Log
	opt      Options
	doc      *credentials.Document
	cert     *x509.Certificate
	kind     transport.Kind
	engine   *transport.Engine
	stat     transport.SessionStat
	reasm    *chunk.Reassembler // notification worker only
	closeErr helpers.AtomicError
}

// Open checks credentials, builds transport and connects. Failure leaves nothing open.
func Open(opt Options) (*Connection, error) {
	doc := opt.Credentials
	if doc == nil {
		return nil, errors.NotValidf("connection without credentials")
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	kind, err := doc.Gateway()
	if err != nil {
		return nil, err
	}
	tlsconf, err := doc.TLSConfig(opt.RootCAs)
	if err != nil {
		return nil, err
	}
	cert := tlsconf.Certificates[0].Leaf
	if err = checkValidity(cert, time.Now()); err != nil {
		return nil, err
	}

	c := &Connection{
		log:   opt.Log,
		opt:   opt,
		doc:   doc,
		cert:  cert,
		kind:  kind,
		reasm: chunk.NewReassembler(),
	}
	cc := doc.ConnectionCriteria
	var tr transport.Transport
	switch kind {
	case transport.KindPush:
		tr, err = transport.NewPush(transport.PushOptions{
			Log:            opt.Log,
			LibLog:         opt.LibLog,
			BrokerURL:      doc.BrokerURL(),
			ClientID:       doc.EndpointID(),
			TLS:            tlsconf,
			RequestTopic:   cc.Measures,
			ResultTopic:    cc.Commands,
			Codec:          opt.Codec,
			Addressing:     doc.Addressing(),
			Keepalive:      opt.Keepalive,
			NetworkTimeout: opt.NetworkTimeout,
			StormCount:     opt.StormCount,
			StormWindow:    opt.StormWindow,
			OnStorm:        c.forceClose,
			Stat:           &c.stat,
		})
	case transport.KindPoll:
		tr, err = transport.NewPoll(transport.PollOptions{
			Log:            opt.Log,
			RequestURL:     cc.Measures,
			ResultURL:      cc.Commands,
			TLS:            tlsconf,
			Codec:          opt.Codec,
			Addressing:     doc.Addressing(),
			NetworkTimeout: opt.NetworkTimeout,
			PollInterval:   opt.PollInterval,
			MaxSessionAge:  opt.MaxSessionAge,
			Stat:           &c.stat,
		})
	}
	if err != nil {
		return nil, err
	}
	c.engine, err = transport.NewEngine(transport.EngineOptions{
		Log:            opt.Log,
		Transport:      tr,
		OnNotification: c.onNotification,
		Stat:           &c.stat,
	})
	if err != nil {
		return nil, err
	}
	if err = c.engine.Start(); err != nil {
		return nil, c.translate(err)
	}
	c.log.Debugf("connection open endpoint=%s transport=%s not_after=%s",
		doc.EndpointID(), kind, cert.NotAfter.Format(time.RFC3339))
	return c, nil
}

func (c *Connection) Kind() transport.Kind               { return c.kind }
func (c *Connection) Stat() *transport.SessionStat       { return &c.stat }
func (c *Connection) Credentials() *credentials.Document { return c.doc }
func (c *Connection) EndpointID() string                 { return c.doc.EndpointID() }
func (c *Connection) NotBefore() time.Time               { return c.cert.NotBefore }
func (c *Connection) NotAfter() time.Time                { return c.cert.NotAfter }

// Done is closed after connection is closed, including forced close.
func (c *Connection) Done() <-chan struct{} { return c.engine.Alive().WaitChan() }

// Err is the reason of forced close, nil otherwise.
func (c *Connection) Err() error {
	err, _ := c.closeErr.Load()
	return err
}

// CheckValidity reports certificate state now.
func (c *Connection) CheckValidity() error { return checkValidity(c.cert, time.Now()) }

func checkValidity(cert *x509.Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) {
		return errors.Annotatef(credentials.ErrCertificateNotYetValid, "not_before=%s", cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return errors.Annotatef(credentials.ErrCertificateExpired, "not_after=%s", cert.NotAfter.Format(time.RFC3339))
	}
	return nil
}

// Go sends request in background. Wait on result with Connection.Wait.
// timeout=0 waits indefinitely, until ctx is done or connection is closed.
func (c *Connection) Go(ctx context.Context, inst request.Instance, timeout time.Duration) *transport.Call {
	return c.engine.Go(ctx, inst, timeout)
}

func (c *Connection) Wait(ctx context.Context, call *transport.Call) error {
	return c.translate(call.Wait(ctx))
}

// Do sends request and blocks until it completes, fails or times out.
func (c *Connection) Do(ctx context.Context, inst request.Instance, timeout time.Duration) error {
	call := c.Go(ctx, inst, timeout)
	<-call.Done()
	return c.translate(call.Err())
}

func (c *Connection) translate(err error) error {
	if err == nil {
		return nil
	}
	cause := errors.Cause(err)
	if se, ok := cause.(*transport.SendError); ok && transport.IsHandshakeError(se.Err) {
		c.log.Errorf("connection endpoint=%s send id=%s handshake failed, certificate no longer accepted", c.doc.EndpointID(), se.MessageID)
		return errors.Wrap(err, credentials.ErrConnectionExpired)
	}
	if transport.IsHandshakeError(err) {
		return errors.Wrap(err, credentials.ErrConnectionExpired)
	}
	if cause == transport.ErrClosed {
		if reason := c.Err(); reason != nil {
			return errors.Wrap(err, reason)
		}
	}
	return err
}

func (c *Connection) onNotification(r *wire.Response) {
	var n wire.PushNotification
	if err := wire.UnpackBody(r.Details, &n); err != nil {
		c.log.Errorf("connection notification %s err=%v", r, err)
		return
	}
	msgs := make([]request.Received, 0, len(n.Messages))
	for i := range n.Messages {
		fm := &n.Messages[i]
		a, err := c.reasm.Add(chunk.HeaderFromMessage(fm), fm.Payload())
		if err != nil {
			c.log.Errorf("connection notification message=%s err=%v", fm.Header.MessageID, err)
			continue
		}
		if a != nil {
			msgs = append(msgs, request.Received{Header: a.Header, MessageIDs: a.MessageIDs, Payload: a.Content})
		}
	}
	if len(msgs) == 0 {
		return
	}
	if c.opt.OnNotification == nil {
		c.log.Infof("connection notification without handler, messages=%d stay in mailbox", len(msgs))
		return
	}
	c.opt.OnNotification(c, msgs)
}

// forceClose is called on reconnect storm.
func (c *Connection) forceClose(reason error) {
	if _, found := c.closeErr.StoreOnce(reason); found {
		return
	}
	c.log.Errorf("connection endpoint=%s force close: %v", c.doc.EndpointID(), reason)
	if err := c.engine.Close(); err != nil {
		c.log.Error(err)
	}
}

// Close fails requests in flight with transport.ErrClosed.
func (c *Connection) Close() error {
	return c.engine.Close()
}
