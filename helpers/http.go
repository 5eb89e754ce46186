package helpers

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"sync"
)

// MockHTTP is http.RoundTripper for tests.
// Fun takes precedence, then Err, then canned Header+Body.
type MockHTTP struct {
	Fun    func(*http.Request) (*http.Response, error)
	Header []byte
	Body   []byte
	Err    error

	mu       sync.Mutex
	requests int
}

func NewMockHTTPStatus(code int, body []byte) *MockHTTP {
	return &MockHTTP{
		Header: []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: %d\r\n\r\n", code, http.StatusText(code), len(body))),
		Body:   body,
	}
}

func (m *MockHTTP) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

func (m *MockHTTP) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	m.requests++
	m.mu.Unlock()
	if m.Fun != nil {
		return m.Fun(req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	header := m.Header
	if header == nil {
		header = []byte("HTTP/1.0 200 OK\r\n\r\n")
	}
	rb := make([]byte, 0, len(header)+len(m.Body))
	rb = append(rb, header...)
	rb = append(rb, m.Body...)
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(rb)), req)
}
