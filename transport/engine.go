package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/arclient/helpers"
	"github.com/temoto/arclient/log2"
	"github.com/temoto/arclient/request"
	"github.com/temoto/arclient/wire"
)

const DefaultNotifyQueue = 64

type EngineOptions struct {
	Log       *log2.Log
	Transport Transport
	// OnNotification runs on single worker goroutine, never on transport callback.
	OnNotification func(r *wire.Response)
	NotifyQueue    int
	// shared with transport, optional
	Stat *SessionStat
}

// Engine sends request instances part by part and routes responses
// to whoever waits on application message id.
type Engine struct {
	alive    *alive.Alive
	log      *log2.Log
	tr       Transport
	onNotify func(*wire.Response)
	notifyCh chan *wire.Response
	stat     *SessionStat
	seq      int64
	reqSeq   uint64

	mu      sync.Mutex // protects handles and pending
	handles map[string]*handle
	pending map[uint64]*pendingRequest
}

type pendingRequest struct {
	id      uint64
	cancel  context.CancelFunc
	current string
}

// handle buffers responses for one wire message.
type handle struct {
	id     string
	mu     sync.Mutex
	queue  []*wire.Response
	signal chan struct{}
}

func newHandle(id string) *handle {
	return &handle{id: id, signal: make(chan struct{}, 1)}
}

func (h *handle) push(r *wire.Response) {
	h.mu.Lock()
	h.queue = append(h.queue, r)
	h.mu.Unlock()
	select {
	case h.signal <- struct{}{}:
	default:
	}
}

func (h *handle) drain() []*wire.Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.queue
	h.queue = nil
	return q
}

func NewEngine(opt EngineOptions) (*Engine, error) {
	if opt.Transport == nil {
		return nil, errors.NotValidf("code error engine Transport=nil")
	}
	if opt.NotifyQueue <= 0 {
		opt.NotifyQueue = DefaultNotifyQueue
	}
	if opt.Stat == nil {
		opt.Stat = new(SessionStat)
	}
	e := &Engine{
		alive:    alive.NewAlive(),
		log:      opt.Log,
		tr:       opt.Transport,
		onNotify: opt.OnNotification,
		notifyCh: make(chan *wire.Response, opt.NotifyQueue),
		stat:     opt.Stat,
		handles:  make(map[string]*handle),
		pending:  make(map[uint64]*pendingRequest),
	}
	return e, nil
}

// Start opens transport and notification worker.
func (e *Engine) Start() error {
	if err := e.tr.Start(e); err != nil {
		return errors.Annotatef(err, "transport=%s start", e.tr.Kind())
	}
	e.stat.Conn.Add(1)
	if !e.alive.Add(1) {
		_ = e.tr.Close()
		return ErrClosed
	}
	go e.notifyLoop()
	return nil
}

func (e *Engine) Kind() Kind          { return e.tr.Kind() }
func (e *Engine) Stat() *SessionStat  { return e.stat }
func (e *Engine) Alive() *alive.Alive { return e.alive }

// Call is asynchronous result of logical request.
type Call struct {
	Instance request.Instance
	f        *helpers.Future[error]
}

func (c *Call) Done() <-chan struct{} { return c.f.Done() }

// Err is nil before Done or on success.
func (c *Call) Err() error { return c.f.Result() }

// Wait blocks until request completes or ctx is done.
// Cancelled ctx does not abort request, use ctx passed to Go for that.
func (c *Call) Wait(ctx context.Context) error {
	select {
	case <-c.f.Done():
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Go sends inst in background. timeout=0 waits indefinitely.
func (e *Engine) Go(ctx context.Context, inst request.Instance, timeout time.Duration) *Call {
	call := &Call{Instance: inst, f: helpers.NewFuture[error]()}
	if !e.alive.Add(1) {
		call.f.Cancel(ErrClosed)
		return call
	}
	ctx, cancel := context.WithCancel(ctx)
	if timeout > 0 {
		ctx, cancel = withTimeout(ctx, cancel, timeout)
	}
	req := &pendingRequest{id: atomic.AddUint64(&e.reqSeq, 1), cancel: cancel}
	e.mu.Lock()
	e.pending[req.id] = req
	e.mu.Unlock()

	go func() {
		defer e.alive.Done()
		defer cancel()
		err := e.run(ctx, req, inst)
		e.mu.Lock()
		delete(e.pending, req.id)
		e.mu.Unlock()
		call.f.Complete(err)
	}()
	return call
}

// Do is synchronous Go.
func (e *Engine) Do(ctx context.Context, inst request.Instance, timeout time.Duration) error {
	call := e.Go(ctx, inst, timeout)
	<-call.Done()
	return call.Err()
}

func withTimeout(parent context.Context, cancelParent context.CancelFunc, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	return ctx, func() { cancel(); cancelParent() }
}

func (e *Engine) run(ctx context.Context, req *pendingRequest, inst request.Instance) error {
	for inst.HasNext() {
		msg, err := inst.Next()
		if err != nil {
			return errors.Annotate(err, "request next")
		}
		msg.Envelope.SeqNo = atomic.AddInt64(&e.seq, 1)
		h := newHandle(msg.ID())
		if !e.insert(req, h) {
			return errors.Annotatef(ErrDuplicateID, "id=%s", h.id)
		}
		if err = e.send(ctx, msg); err != nil {
			e.remove(req, h)
			return err
		}
		err = e.await(ctx, inst, h)
		e.remove(req, h)
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) send(ctx context.Context, msg *wire.Message) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return &SendError{MessageID: msg.ID(), Err: errors.Annotate(err, "encode")}
	}
	e.log.Debugf("engine send %s size=%d", msg, len(frame))
	if err = e.tr.Send(ctx, frame); err != nil {
		if !e.alive.IsRunning() {
			return ErrClosed
		}
		switch ctx.Err() {
		case context.DeadlineExceeded:
			return errors.Annotatef(ErrNoAnswer, "id=%s while sending", msg.ID())
		case context.Canceled:
			return errors.Annotatef(ctx.Err(), "id=%s", msg.ID())
		}
		return &SendError{MessageID: msg.ID(), Err: err}
	}
	e.stat.Send.Register(CategoryRequest, len(frame))
	e.tr.Wake()
	return nil
}

func (e *Engine) await(ctx context.Context, inst request.Instance, h *handle) error {
	for {
		select {
		case <-h.signal:
			for _, r := range h.drain() {
				done, err := inst.AddResponse(r)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}

		case <-ctx.Done():
			if !e.alive.IsRunning() {
				return ErrClosed
			}
			if ctx.Err() == context.DeadlineExceeded {
				return errors.Annotatef(ErrNoAnswer, "id=%s", h.id)
			}
			return errors.Annotatef(ctx.Err(), "id=%s", h.id)

		case <-e.alive.StopChan():
			return ErrClosed
		}
	}
}

func (e *Engine) insert(req *pendingRequest, h *handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.handles[h.id]; ok {
		return false
	}
	e.handles[h.id] = h
	req.current = h.id
	return true
}

func (e *Engine) remove(req *pendingRequest, h *handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handles[h.id] == h {
		delete(e.handles, h.id)
	}
	req.current = ""
}

// Deliver implements Receiver.
func (e *Engine) Deliver(frame []byte) {
	r, err := wire.DecodeResponse(frame)
	if err != nil {
		e.stat.Recv.Invalid.Add(1)
		e.log.Errorf("engine deliver size=%d err=%v", len(frame), err)
		return
	}
	if r.Envelope.Type == wire.ResponsePushNotification {
		e.stat.Recv.Register(CategoryNotification, len(frame))
		select {
		case e.notifyCh <- r:
		default:
			e.stat.Recv.Dropped.Add(1)
			e.log.Errorf("engine notification queue full, dropped %s", r)
		}
		return
	}

	id := r.Envelope.ApplicationMessageID
	e.mu.Lock()
	h := e.handles[id]
	e.mu.Unlock()
	if h == nil {
		e.stat.Recv.Unknown.Add(1)
		e.log.Debugf("engine unknown id=%s dropped %s", id, r)
		return
	}
	e.stat.Recv.Register(CategoryRequest, len(frame))
	e.log.Debugf("engine recv %s", r)
	h.push(r)
}

// Outstanding implements Receiver.
func (e *Engine) Outstanding() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handles) != 0
}

// ClearPending implements Receiver.
func (e *Engine) ClearPending() {
	e.mu.Lock()
	n := len(e.handles)
	e.handles = make(map[string]*handle)
	e.mu.Unlock()
	if n != 0 {
		e.log.Errorf("engine cleared pending=%d", n)
	}
}

// Waiting reports whether response handle for id is registered.
func (e *Engine) Waiting(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.handles[id]
	return ok
}

// Pending is number of logical requests in flight.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// abortAll cancels every request in flight.
func (e *Engine) abortAll() {
	e.mu.Lock()
	for _, req := range e.pending {
		req.cancel()
	}
	e.mu.Unlock()
}

func (e *Engine) notifyLoop() {
	defer e.alive.Done()
	stopch := e.alive.StopChan()
	for {
		select {
		case r := <-e.notifyCh:
			if e.onNotify == nil {
				e.log.Errorf("engine notification without handler %s", r)
				continue
			}
			e.onNotify(r)
		case <-stopch:
			return
		}
	}
}

// Close fails all requests in flight with ErrClosed and closes transport.
func (e *Engine) Close() error {
	e.alive.Stop()
	e.abortAll()
	err := e.tr.Close()
	e.alive.Wait()
	return errors.Annotate(err, "engine close")
}
