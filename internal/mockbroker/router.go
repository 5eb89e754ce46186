package mockbroker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/arclient/log2"
	"github.com/temoto/arclient/wire"
	"google.golang.org/protobuf/types/known/anypb"
)

const (
	DefaultPageSize = 10

	CodeNoMessages       = "VAL_000208"
	CodeUnknownRecipient = "VAL_000004"
	CodeNotCapable       = "VAL_000005"
)

// OutputFunc receives unsolicited frames for endpoint, e.g. push notifications.
type OutputFunc func(endpointID string, frame []byte)

type RouterOptions struct {
	Log      *log2.Log
	PageSize int
	// Hold returns true to never answer message, simulating lost response.
	Hold   func(endpointID string, m *wire.Message) bool
	Output OutputFunc
}

// Router is in-memory broker: endpoint registry, mailboxes and message routing.
type Router struct {
	sync.Mutex
	log       *log2.Log
	pageSize  int
	hold      func(string, *wire.Message) bool
	output    OutputFunc
	endpoints map[string]*endpoint
	seq       int64
	received  int
}

type endpoint struct {
	id            string
	name          string
	capabilities  map[string]wire.Direction
	subscriptions map[string]struct{}
	push          bool
	mailbox       []wire.FeedMessage
}

func NewRouter(opt RouterOptions) *Router {
	if opt.PageSize <= 0 {
		opt.PageSize = DefaultPageSize
	}
	return &Router{
		log:       opt.Log,
		pageSize:  opt.PageSize,
		hold:      opt.Hold,
		output:    opt.Output,
		endpoints: make(map[string]*endpoint),
	}
}

func (r *Router) SetOutput(f OutputFunc) {
	r.Lock()
	r.output = f
	r.Unlock()
}

// Register makes endpoint known, as onboarding does.
func (r *Router) Register(id, name string) {
	r.Lock()
	defer r.Unlock()
	r.endpoint(id).name = name
}

func (r *Router) endpoint(id string) *endpoint {
	ep, ok := r.endpoints[id]
	if !ok {
		ep = &endpoint{
			id:            id,
			name:          id,
			capabilities:  make(map[string]wire.Direction),
			subscriptions: make(map[string]struct{}),
		}
		r.endpoints[id] = ep
	}
	return ep
}

// Mailbox returns copy of stored messages for endpoint.
func (r *Router) Mailbox(id string) []wire.FeedMessage {
	r.Lock()
	defer r.Unlock()
	if ep, ok := r.endpoints[id]; ok {
		return append([]wire.FeedMessage(nil), ep.mailbox...)
	}
	return nil
}

// Received is number of wire messages handled.
func (r *Router) Received() int {
	r.Lock()
	defer r.Unlock()
	return r.received
}

// Handle processes one request frame from endpoint and returns response frames.
func (r *Router) Handle(endpointID string, frame []byte) [][]byte {
	m, err := wire.Decode(frame)
	if err != nil {
		r.log.Errorf("mockbroker endpoint=%s decode err=%v", endpointID, err)
		return nil
	}
	r.log.Debugf("mockbroker endpoint=%s recv %s", endpointID, m)
	if r.hold != nil && r.hold(endpointID, m) {
		return nil
	}

	r.Lock()
	r.received++
	responses, notify := r.route(endpointID, m)
	output := r.output
	r.Unlock()

	for ep, n := range notify {
		if output == nil {
			break
		}
		resp, err := wire.NewResponse(wire.ResponseEnvelope{
			ResponseCode: 200,
			Type:         wire.ResponsePushNotification,
			MessageID:    uuid.NewString(),
			Timestamp:    time.Now(),
		}, n)
		if err != nil {
			r.log.Error(err)
			continue
		}
		b, err := wire.EncodeResponse(resp)
		if err != nil {
			r.log.Error(err)
			continue
		}
		output(ep, b)
	}

	frames := make([][]byte, 0, len(responses))
	for _, resp := range responses {
		b, err := wire.EncodeResponse(resp)
		if err != nil {
			r.log.Errorf("mockbroker encode %s err=%v", resp, err)
			continue
		}
		frames = append(frames, b)
	}
	return frames
}

// route is called with lock held.
func (r *Router) route(endpointID string, m *wire.Message) ([]*wire.Response, map[string]*wire.PushNotification) {
	self := r.endpoint(endpointID)
	var notify map[string]*wire.PushNotification
	var resp *wire.Response
	var err error
	switch tmt := m.Envelope.TechnicalMessageType; tmt {
	case wire.TypeCapabilities:
		var spec wire.CapabilitySpecification
		if err = wire.UnpackBody(m.Details, &spec); err == nil {
			self.capabilities = make(map[string]wire.Direction, len(spec.Capabilities))
			for _, c := range spec.Capabilities {
				self.capabilities[c.TechnicalMessageType] = c.Direction
			}
			self.push = spec.EnablePushNotifications
			resp, err = r.respond(m, 201, wire.ResponseAck, nil)
		}

	case wire.TypeSubscription:
		var sub wire.Subscription
		if err = wire.UnpackBody(m.Details, &sub); err == nil {
			self.subscriptions = make(map[string]struct{}, len(sub.Items))
			for _, item := range sub.Items {
				self.subscriptions[item.TechnicalMessageType] = struct{}{}
			}
			resp, err = r.respond(m, 201, wire.ResponseAck, nil)
		}

	case wire.TypeListEndpoints, wire.TypeListEndpointsUnfiltered:
		var q wire.ListEndpointsQuery
		if err = wire.UnpackBody(m.Details, &q); err == nil {
			resp, err = r.respond(m, 200, wire.ResponseEndpointsListing, r.listEndpoints(self, q, tmt == wire.TypeListEndpoints))
		}

	case wire.TypeFeedHeaderQuery, wire.TypeFeedMessageQuery:
		var q wire.MessageQuery
		if err = wire.UnpackBody(m.Details, &q); err == nil {
			return r.query(self, m, q.MessageFilter, tmt == wire.TypeFeedHeaderQuery), nil
		}

	case wire.TypeFeedConfirm:
		var c wire.MessageConfirm
		if err = wire.UnpackBody(m.Details, &c); err == nil {
			ids := make(map[string]struct{}, len(c.MessageIDs))
			for _, id := range c.MessageIDs {
				ids[id] = struct{}{}
			}
			self.remove(func(fm *wire.FeedMessage) bool { _, ok := ids[fm.Header.MessageID]; return ok })
			resp, err = r.respond(m, 201, wire.ResponseAck, nil)
		}

	case wire.TypeFeedDelete:
		var q wire.MessageDelete
		if err = wire.UnpackBody(m.Details, &q); err == nil {
			self.remove(func(fm *wire.FeedMessage) bool { return matchFilter(&q.MessageFilter, fm) })
			resp, err = r.respond(m, 201, wire.ResponseAck, nil)
		}

	default:
		resp, notify = r.deliver(self, m)
	}
	if err != nil {
		r.log.Errorf("mockbroker endpoint=%s %s err=%v", endpointID, m, err)
		resp = r.failure(m, 400, wire.ResponseAckWithFailure, "VAL_000001", err.Error())
	}
	if resp == nil {
		return nil, notify
	}
	return []*wire.Response{resp}, notify
}

func (r *Router) respond(m *wire.Message, code int32, typ wire.ResponseType, body wire.Body) (*wire.Response, error) {
	return wire.NewResponse(wire.ResponseEnvelope{
		ResponseCode:         code,
		Type:                 typ,
		ApplicationMessageID: m.ID(),
		MessageID:            uuid.NewString(),
		Timestamp:            time.Now(),
	}, body)
}

func (r *Router) failure(m *wire.Message, code int32, typ wire.ResponseType, msgCode, text string) *wire.Response {
	resp, err := r.respond(m, code, typ, &wire.Messages{Items: []wire.MessageEntry{{Code: msgCode, Text: text}}})
	if err != nil {
		// Messages body always packs
		panic(errors.ErrorStack(err))
	}
	return resp
}

func (r *Router) listEndpoints(self *endpoint, q wire.ListEndpointsQuery, filtered bool) *wire.ListEndpointsResponse {
	ids := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		if id != self.id {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	result := &wire.ListEndpointsResponse{}
	for _, id := range ids {
		ep := r.endpoints[id]
		if filtered && q.TechnicalMessageType != "" {
			if _, ok := ep.capabilities[q.TechnicalMessageType]; !ok {
				continue
			}
		}
		e := wire.Endpoint{ID: ep.id, Name: ep.name, Type: "application", Status: "active"}
		for tmt, dir := range ep.capabilities {
			e.Messages = append(e.Messages, wire.MessageTypeEntry{TechnicalMessageType: tmt, Direction: dir})
		}
		sort.Slice(e.Messages, func(i, j int) bool {
			return e.Messages[i].TechnicalMessageType < e.Messages[j].TechnicalMessageType
		})
		result.Endpoints = append(result.Endpoints, e)
	}
	return result
}

func (r *Router) query(self *endpoint, m *wire.Message, filter wire.MessageFilter, headersOnly bool) []*wire.Response {
	var selected []wire.FeedMessage
	for i := range self.mailbox {
		if matchFilter(&filter, &self.mailbox[i]) {
			selected = append(selected, self.mailbox[i])
		}
	}
	if len(selected) == 0 {
		return []*wire.Response{r.failure(m, 204, wire.ResponseAckWithMessages, CodeNoMessages, "no messages found for query")}
	}
	pages := (len(selected) + r.pageSize - 1) / r.pageSize
	result := make([]*wire.Response, 0, pages)
	for p := 0; p < pages; p++ {
		end := (p + 1) * r.pageSize
		if end > len(selected) {
			end = len(selected)
		}
		chunk := selected[p*r.pageSize : end]
		page := wire.Page{Number: int32(p + 1), Total: int32(pages)}
		var body wire.Body
		var typ wire.ResponseType
		if headersOnly {
			hs := make([]wire.FeedMessageHeader, len(chunk))
			for i := range chunk {
				hs[i] = chunk[i].Header
			}
			body, typ = &wire.HeaderQueryResponse{Headers: hs, Page: page, Total: int32(len(selected))}, wire.ResponseAckForFeedHeaderList
		} else {
			body, typ = &wire.MessageQueryResponse{Messages: chunk, Page: page, Total: int32(len(selected))}, wire.ResponseAckForFeedMessage
		}
		resp, err := r.respond(m, 200, typ, body)
		if err != nil {
			r.log.Errorf("mockbroker query page=%d err=%v", p+1, err)
			continue
		}
		result = append(result, resp)
	}
	return result
}

func (r *Router) deliver(self *endpoint, m *wire.Message) (*wire.Response, map[string]*wire.PushNotification) {
	tmt := m.Envelope.TechnicalMessageType
	if len(m.Payload) == 0 {
		return r.failure(m, 400, wire.ResponseAckWithFailure, "VAL_000001", "empty payload"), nil
	}
	var recipients []string
	if m.Envelope.Mode != wire.ModePublish {
		for _, id := range m.Envelope.Recipients {
			if _, ok := r.endpoints[id]; !ok {
				return r.failure(m, 400, wire.ResponseAckWithFailure, CodeUnknownRecipient,
					fmt.Sprintf("recipient %s unknown", id)), nil
			}
			recipients = append(recipients, id)
		}
	}
	if m.Envelope.Mode != wire.ModeDirect {
		for id, ep := range r.endpoints {
			if _, ok := ep.subscriptions[tmt]; ok && id != self.id {
				recipients = append(recipients, id)
			}
		}
	}

	now := time.Now()
	notify := make(map[string]*wire.PushNotification)
	for _, id := range recipients {
		ep := r.endpoints[id]
		r.seq++
		fm := wire.FeedMessage{
			Header: wire.FeedMessageHeader{
				TechnicalMessageType: tmt,
				TeamSetContextID:     m.Envelope.TeamSetContextID,
				Chunk:                m.Envelope.Chunk,
				PayloadSize:          int64(len(m.Payload)),
				ReceiptTimestamp:     now,
				SequenceNumber:       r.seq,
				SenderID:             self.id,
				SentTimestamp:        m.Envelope.Timestamp,
				MessageID:            uuid.NewString(),
			},
			Content: &anypb.Any{TypeUrl: wire.TypeURLPrefix + tmt, Value: append([]byte(nil), m.Payload...)},
		}
		ep.mailbox = append(ep.mailbox, fm)
		if ep.push {
			n, ok := notify[id]
			if !ok {
				n = &wire.PushNotification{}
				notify[id] = n
			}
			n.Messages = append(n.Messages, fm)
		}
	}
	resp, err := r.respond(m, 201, wire.ResponseAck, nil)
	if err != nil {
		r.log.Error(err)
		return nil, nil
	}
	return resp, notify
}

func (ep *endpoint) remove(match func(*wire.FeedMessage) bool) {
	kept := ep.mailbox[:0]
	for i := range ep.mailbox {
		if !match(&ep.mailbox[i]) {
			kept = append(kept, ep.mailbox[i])
		}
	}
	ep.mailbox = kept
}

func matchFilter(f *wire.MessageFilter, fm *wire.FeedMessage) bool {
	if len(f.MessageIDs) != 0 && !contains(f.MessageIDs, fm.Header.MessageID) {
		return false
	}
	if len(f.SenderIDs) != 0 && !contains(f.SenderIDs, fm.Header.SenderID) {
		return false
	}
	if v := f.Validity; v != nil {
		t := fm.Header.ReceiptTimestamp
		if (!v.From.IsZero() && t.Before(v.From)) || (!v.To.IsZero() && t.After(v.To)) {
			return false
		}
	}
	return true
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
