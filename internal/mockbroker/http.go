package mockbroker

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/temoto/arclient/log2"
	"github.com/temoto/arclient/wire"
)

// HTTP serves poll gateway:
// POST .../measures/<endpoint> handles request frames,
// GET .../commands/<endpoint> drains endpoint inbox.
type HTTP struct {
	log    *log2.Log
	router *Router
	mu     sync.Mutex
	inbox  map[string][][]byte
	denied map[string]struct{}
}

func NewHTTP(router *Router, log *log2.Log) *HTTP {
	return &HTTP{
		log:    log,
		router: router,
		inbox:  make(map[string][][]byte),
		denied: make(map[string]struct{}),
	}
}

// Enqueue puts frame into endpoint inbox.
func (h *HTTP) Enqueue(endpointID string, frames ...[]byte) {
	if len(frames) == 0 {
		return
	}
	h.mu.Lock()
	h.inbox[endpointID] = append(h.inbox[endpointID], frames...)
	h.mu.Unlock()
}

// Deny rejects endpoint certificate from now on, as revocation does.
func (h *HTTP) Deny(endpointID string) {
	h.mu.Lock()
	h.denied[endpointID] = struct{}{}
	h.mu.Unlock()
}

func (h *HTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	kind, endpointID := parts[len(parts)-2], parts[len(parts)-1]
	h.mu.Lock()
	_, denied := h.denied[endpointID]
	h.mu.Unlock()
	if denied {
		http.Error(w, "endpoint revoked", http.StatusUnauthorized)
		return
	}
	codec := wire.CodecJSON
	switch {
	case kind == "measures" && r.Method == http.MethodPost:
		if r.Header.Get("Content-Type") == wire.ContentTypeProtobuf {
			codec = wire.CodecBinary
		}
		h.measures(w, r, codec, endpointID)
	case kind == "commands" && r.Method == http.MethodGet:
		if r.Header.Get("Accept") == wire.ContentTypeProtobuf {
			codec = wire.CodecBinary
		}
		h.commands(w, codec, endpointID)
	default:
		http.Error(w, "unsupported", http.StatusMethodNotAllowed)
	}
}

func (h *HTTP) measures(w http.ResponseWriter, r *http.Request, codec wire.Codec, endpointID string) {
	b, err := io.ReadAll(io.LimitReader(r.Body, defaultReadLimit))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_, frames, err := codec.UnmarshalRequest(b)
	if err != nil {
		h.log.Errorf("mockbroker http endpoint=%s err=%v", endpointID, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, f := range frames {
		h.Enqueue(endpointID, h.router.Handle(endpointID, f)...)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTP) commands(w http.ResponseWriter, codec wire.Codec, endpointID string) {
	h.mu.Lock()
	frames := h.inbox[endpointID]
	delete(h.inbox, endpointID)
	h.mu.Unlock()

	b, err := codec.MarshalResults(wire.Addressing{SensorAlternateID: endpointID}, frames)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", codec.ContentType())
	_, _ = w.Write(b)
}
