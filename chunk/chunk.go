// Package chunk reassembles oversized payloads delivered as several feed messages
// and splits outgoing payloads into parts.
package chunk

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/arclient/wire"
)

// DefaultPartSize is raw bytes per part, broker limit is 1MB of base64 text.
const DefaultPartSize = 767997

var (
	ErrIndex        = fmt.Errorf("chunk index out of range")
	ErrTotalChanged = fmt.Errorf("chunk total changed")
	ErrSizeMismatch = fmt.Errorf("reassembled size mismatch")
	ErrIncomplete   = fmt.Errorf("chunk context incomplete")
)

// Header is unified view of feed message metadata,
// filled either from full feed message or header listing.
type Header struct {
	MessageID            string
	SenderID             string
	TechnicalMessageType string
	TeamSetContextID     string
	SequenceNumber       int64
	PayloadSize          int64
	SentAt               time.Time
	ReceivedAt           time.Time

	ContextID string
	Current   int64
	Total     int64
	TotalSize int64
}

func HeaderFromFeed(h *wire.FeedMessageHeader) Header {
	x := Header{
		MessageID:            h.MessageID,
		SenderID:             h.SenderID,
		TechnicalMessageType: h.TechnicalMessageType,
		TeamSetContextID:     h.TeamSetContextID,
		SequenceNumber:       h.SequenceNumber,
		PayloadSize:          h.PayloadSize,
		SentAt:               h.SentTimestamp,
		ReceivedAt:           h.ReceiptTimestamp,
	}
	if c := h.Chunk; c != nil {
		x.ContextID, x.Current, x.Total, x.TotalSize = c.ContextID, c.Current, c.Total, c.TotalSize
	}
	return x
}

func HeaderFromMessage(m *wire.FeedMessage) Header {
	x := HeaderFromFeed(&m.Header)
	if x.PayloadSize == 0 {
		x.PayloadSize = int64(len(m.Payload()))
	}
	return x
}

// Chunked reports whether this header is one part of several.
func (h Header) Chunked() bool { return h.ContextID != "" && h.Total > 1 }

func (h Header) String() string {
	if h.Chunked() {
		return fmt.Sprintf("message=%s type=%s sender=%s chunk=%s:%d/%d",
			h.MessageID, h.TechnicalMessageType, h.SenderID, h.ContextID, h.Current, h.Total)
	}
	return fmt.Sprintf("message=%s type=%s sender=%s size=%d",
		h.MessageID, h.TechnicalMessageType, h.SenderID, h.PayloadSize)
}

// Context collects parts of one chunked payload. Not safe for concurrent use.
type Context struct {
	Header     Header
	MessageIDs []string
	parts      [][]byte
	received   int
}

func NewContext(h Header) (*Context, error) {
	if h.Total <= 0 {
		h.Total = 1
	}
	if h.Total > 1<<16 {
		return nil, errors.Annotatef(ErrIndex, "context=%s total=%d", h.ContextID, h.Total)
	}
	return &Context{Header: h, parts: make([][]byte, h.Total)}, nil
}

// UpdateHeader refreshes metadata from later part. No-op on foreign context id.
func (c *Context) UpdateHeader(h Header) bool {
	if h.ContextID != c.Header.ContextID {
		return false
	}
	if h.TotalSize != 0 {
		c.Header.TotalSize = h.TotalSize
	}
	if h.ReceivedAt.After(c.Header.ReceivedAt) {
		c.Header.ReceivedAt = h.ReceivedAt
	}
	return true
}

// Put stores part at 1-based index. Duplicate index is ignored.
func (c *Context) Put(index int64, content []byte) error {
	if index < 1 || index > int64(len(c.parts)) {
		return errors.Annotatef(ErrIndex, "context=%s index=%d total=%d", c.Header.ContextID, index, len(c.parts))
	}
	if c.parts[index-1] != nil {
		return nil
	}
	if content == nil {
		content = []byte{}
	}
	c.parts[index-1] = content
	c.received++
	return nil
}

func (c *Context) Received() int  { return c.received }
func (c *Context) Complete() bool { return c.received == len(c.parts) }

// Content concatenates all parts in order.
func (c *Context) Content() ([]byte, error) {
	if !c.Complete() {
		return nil, errors.Annotatef(ErrIncomplete, "context=%s received=%d total=%d", c.Header.ContextID, c.received, len(c.parts))
	}
	size := 0
	for _, p := range c.parts {
		size += len(p)
	}
	if c.Header.TotalSize != 0 && int64(size) != c.Header.TotalSize {
		return nil, errors.Annotatef(ErrSizeMismatch, "context=%s size=%d declared=%d", c.Header.ContextID, size, c.Header.TotalSize)
	}
	out := make([]byte, 0, size)
	for _, p := range c.parts {
		out = append(out, p...)
	}
	return out, nil
}

// Assembled is complete logical payload.
type Assembled struct {
	Header     Header
	MessageIDs []string // feed message id of every part
	Content    []byte
}

// Reassembler keeps open chunk contexts keyed by context id.
type Reassembler struct {
	mu       sync.Mutex
	contexts map[string]*Context
}

func NewReassembler() *Reassembler {
	return &Reassembler{contexts: make(map[string]*Context)}
}

// Add accepts one part. Returns non-nil Assembled when payload is complete.
// Non-chunked header completes immediately.
func (r *Reassembler) Add(h Header, content []byte) (*Assembled, error) {
	if !h.Chunked() {
		return &Assembled{Header: h, MessageIDs: []string{h.MessageID}, Content: content}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contexts[h.ContextID]
	if !ok {
		var err error
		if c, err = NewContext(h); err != nil {
			return nil, err
		}
		r.contexts[h.ContextID] = c
	} else if int64(len(c.parts)) != h.Total {
		return nil, errors.Annotatef(ErrTotalChanged, "context=%s was=%d now=%d", h.ContextID, len(c.parts), h.Total)
	}
	c.UpdateHeader(h)
	before := c.received
	if err := c.Put(h.Current, content); err != nil {
		return nil, err
	}
	if c.received != before {
		c.MessageIDs = append(c.MessageIDs, h.MessageID)
	}
	if !c.Complete() {
		return nil, nil
	}
	delete(r.contexts, h.ContextID)
	b, err := c.Content()
	if err != nil {
		return nil, err
	}
	ah := c.Header
	ah.Current, ah.PayloadSize = 0, int64(len(b))
	return &Assembled{Header: ah, MessageIDs: c.MessageIDs, Content: b}, nil
}

// Open returns ids of contexts still waiting for parts.
func (r *Reassembler) Open() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.contexts))
	for id := range r.contexts {
		ids = append(ids, id)
	}
	return ids
}

// Part is outgoing slice of payload with its chunk info.
type Part struct {
	Info    *wire.ChunkInfo // nil when payload fits one part
	Content []byte
}

// Split cuts payload into parts of at most size bytes.
func Split(payload []byte, size int) []Part {
	if size <= 0 {
		size = DefaultPartSize
	}
	if len(payload) <= size {
		return []Part{{Content: payload}}
	}
	total := (len(payload) + size - 1) / size
	ctxid := uuid.NewString()
	parts := make([]Part, 0, total)
	for i := 0; i < total; i++ {
		end := (i + 1) * size
		if end > len(payload) {
			end = len(payload)
		}
		parts = append(parts, Part{
			Info: &wire.ChunkInfo{
				ContextID: ctxid,
				Current:   int64(i + 1),
				Total:     int64(total),
				TotalSize: int64(len(payload)),
			},
			Content: payload[i*size : end],
		})
	}
	return parts
}
