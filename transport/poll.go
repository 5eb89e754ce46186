package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/arclient/helpers"
	"github.com/temoto/arclient/helpers/atomic_clock"
	"github.com/temoto/arclient/log2"
	"github.com/temoto/arclient/wire"
)

const (
	DefaultPollInterval  = 300 * time.Millisecond
	DefaultMaxSessionAge = 10 * time.Minute
	DefaultReadLimit     = 16 << 20

	// inner drain loop bound per tick
	maxDrain = 64
)

var ErrHandshake = fmt.Errorf("TLS handshake failed")

type PollOptions struct {
	Log            *log2.Log
	RequestURL     string
	ResultURL      string
	TLS            *tls.Config
	Codec          wire.Codec
	Addressing     wire.Addressing
	NetworkTimeout time.Duration
	PollInterval   time.Duration
	// fresh HTTP client after this age regardless of idle timeouts
	MaxSessionAge time.Duration
	ReadLimit     int64
	Stat          *SessionStat
}

// Poll is HTTP transport. POST response only acknowledges delivery,
// broker answers are fetched from inbox while requests are outstanding.
type Poll struct {
	opt     PollOptions
	log     *log2.Log
	alive   *alive.Alive
	recv    Receiver
	running uint32
	wake    chan struct{}

	mu     sync.Mutex // protects client
	client *http.Client
	born   atomic_clock.Clock
}

func NewPoll(opt PollOptions) (*Poll, error) {
	if opt.RequestURL == "" || opt.ResultURL == "" {
		return nil, errors.NotValidf("poll urls request=%q result=%q", opt.RequestURL, opt.ResultURL)
	}
	if opt.NetworkTimeout <= 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.PollInterval <= 0 {
		opt.PollInterval = DefaultPollInterval
	}
	if opt.MaxSessionAge <= 0 {
		opt.MaxSessionAge = DefaultMaxSessionAge
	}
	if opt.ReadLimit <= 0 {
		opt.ReadLimit = DefaultReadLimit
	}
	if opt.Stat == nil {
		opt.Stat = new(SessionStat)
	}
	return &Poll{
		opt:   opt,
		log:   opt.Log,
		alive: alive.NewAlive(),
		wake:  make(chan struct{}, 1),
	}, nil
}

func (p *Poll) Kind() Kind { return KindPoll }

func (p *Poll) Start(r Receiver) error {
	p.recv = r
	p.httpClient()
	return nil
}

// httpClient replaces client older than MaxSessionAge.
func (p *Poll) httpClient() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && atomic_clock.Since(&p.born) < p.opt.MaxSessionAge {
		return p.client
	}
	if p.client != nil {
		p.client.CloseIdleConnections()
		p.opt.Stat.Reconnect.Add(1)
		p.log.Debugf("poll session age limit, new client")
	}
	p.client = &http.Client{
		Timeout: p.opt.NetworkTimeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     p.opt.TLS,
			TLSHandshakeTimeout: p.opt.NetworkTimeout,
			IdleConnTimeout:     p.opt.MaxSessionAge,
		},
	}
	p.born.SetNow()
	return p.client
}

// SessionDeadline is time when current HTTP client is replaced.
func (p *Poll) SessionDeadline() time.Time {
	return p.born.Time().Add(p.opt.MaxSessionAge)
}

func (p *Poll) Send(ctx context.Context, frame []byte) error {
	if !p.alive.IsRunning() {
		return ErrClosed
	}
	body, err := p.opt.Codec.MarshalRequest(p.opt.Addressing, [][]byte{frame}, time.Now())
	if err != nil {
		return errors.Annotate(err, "poll marshal")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opt.RequestURL,
		helpers.NewStatReader(bytes.NewReader(body), &p.opt.Stat.RawOut))
	if err != nil {
		return errors.Annotate(err, "poll request")
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", p.opt.Codec.ContentType())
	resp, err := p.httpClient().Do(req)
	if err != nil {
		if IsHandshakeError(err) {
			return errors.Wrap(err, ErrHandshake)
		}
		return errors.Annotatef(err, "poll send url=%s", p.opt.RequestURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError("poll send", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Wake starts poll loop unless it is running.
func (p *Poll) Wake() {
	if atomic.CompareAndSwapUint32(&p.running, 0, 1) {
		if !p.alive.Add(1) {
			atomic.StoreUint32(&p.running, 0)
			return
		}
		go p.loop()
		return
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Running reports whether poll loop is active.
func (p *Poll) Running() bool { return atomic.LoadUint32(&p.running) == 1 }

func (p *Poll) loop() {
	defer p.alive.Done()
	stopch := p.alive.StopChan()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopch:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if closed := p.drain(ctx); closed {
			p.recv.ClearPending()
			atomic.StoreUint32(&p.running, 0)
			return
		}
		if !p.recv.Outstanding() {
			atomic.StoreUint32(&p.running, 0)
			// request may have arrived between check and store
			if !p.recv.Outstanding() || !atomic.CompareAndSwapUint32(&p.running, 0, 1) {
				return
			}
		}
		select {
		case <-time.After(p.opt.PollInterval):
		case <-p.wake:
		case <-stopch:
			atomic.StoreUint32(&p.running, 0)
			return
		}
	}
}

// drain fetches inbox until empty. closed=true means link is unusable.
func (p *Poll) drain(ctx context.Context) (closed bool) {
	for i := 0; i < maxDrain; i++ {
		frames, err := p.fetch(ctx)
		if err != nil {
			if !p.alive.IsRunning() {
				return true
			}
			p.log.Errorf("poll fetch: %v", err)
			return isClosedError(err)
		}
		if len(frames) == 0 {
			return false
		}
		for _, f := range frames {
			p.recv.Deliver(f)
		}
	}
	return false
}

func (p *Poll) fetch(ctx context.Context) ([][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opt.NetworkTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opt.ResultURL, nil)
	if err != nil {
		return nil, errors.Annotate(err, "poll request")
	}
	req.Header.Set("Accept", p.opt.Codec.ContentType())
	resp, err := p.httpClient().Do(req)
	if err != nil {
		if IsHandshakeError(err) {
			return nil, errors.Wrap(err, ErrHandshake)
		}
		return nil, errors.Annotatef(err, "poll fetch url=%s", p.opt.ResultURL)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errors.Annotatef(ErrClosed, "poll fetch status=%d", resp.StatusCode)
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode/100 != 2:
		return nil, statusError("poll fetch", resp)
	}
	r := io.LimitReader(helpers.NewStatReader(resp.Body, &p.opt.Stat.RawIn), p.opt.ReadLimit)
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Annotate(err, "poll read")
	}
	frames, err := p.opt.Codec.UnmarshalResults(b)
	if err != nil {
		p.opt.Stat.Recv.Invalid.Add(1)
		return nil, errors.Annotatef(err, "poll fetch size=%d", len(b))
	}
	return frames, nil
}

func (p *Poll) Close() error {
	p.alive.Stop()
	p.alive.Wait()
	p.mu.Lock()
	if p.client != nil {
		p.client.CloseIdleConnections()
	}
	p.mu.Unlock()
	return nil
}

func statusError(stage string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return errors.Errorf("%s status=%s body=%s", stage, resp.Status, strings.TrimSpace(string(b)))
}

func isClosedError(err error) bool {
	return errors.Cause(err) == ErrClosed || errors.Cause(err) == ErrHandshake || stderrors.Is(err, net.ErrClosed)
}

// IsHandshakeError reports TLS failures, which mean credentials are no longer accepted.
func IsHandshakeError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Cause(err) == ErrHandshake {
		return true
	}
	var certErr *tls.CertificateVerificationError
	var alertErr tls.AlertError
	var recordErr tls.RecordHeaderError
	if stderrors.As(err, &certErr) || stderrors.As(err, &alertErr) || stderrors.As(err, &recordErr) {
		return true
	}
	// text match only on network errors, broker response bodies are free text
	for _, e := range []error{err, errors.Cause(err)} {
		var urlErr *url.Error
		var opErr *net.OpError
		if stderrors.As(e, &opErr) {
			return strings.Contains(opErr.Error(), "tls: ")
		}
		if stderrors.As(e, &urlErr) {
			return strings.Contains(urlErr.Err.Error(), "tls: ")
		}
	}
	return false
}
