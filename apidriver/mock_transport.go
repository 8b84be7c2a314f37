package apidriver

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
)

// MockTransport is a Transport for tests. Replies are stubbed per URL path
// and served in order; the last reply for a path repeats once the others are
// used up.
//
// Example:
//
//	mock := apidriver.NewMockTransport().
//	    StubPath("/auth/login", http.StatusOK, "refresh-token").
//	    StubPath("/auth/accesstoken", http.StatusOK, "access-token").
//	    StubPath("/v1/device", http.StatusServiceUnavailable, "").
//	    StubPath("/v1/device", http.StatusOK, `{"devices":[]}`)
//
//	driver, _ := apidriver.New(user, pass, apidriver.WithTransport(mock))
type MockTransport struct {
	mu          sync.Mutex
	stubs       map[string][]reply
	defaultResp *reply
	requests    []*Request
	requestHook func(context.Context, *Request)
}

type reply struct {
	response *Response
	err      error
}

// NewMockTransport creates a new MockTransport for testing.
func NewMockTransport() *MockTransport {
	return &MockTransport{stubs: make(map[string][]reply)}
}

// StubResponse answers every unstubbed path with the given response.
func (m *MockTransport) StubResponse(statusCode int, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResp = &reply{response: newMockResponse(statusCode, body)}
	return m
}

// StubError fails every unstubbed path with err.
func (m *MockTransport) StubError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResp = &reply{err: err}
	return m
}

// StubPath queues a response for requests to path.
func (m *MockTransport) StubPath(path string, statusCode int, body string) *MockTransport {
	return m.stub(path, reply{response: newMockResponse(statusCode, body)})
}

// StubPathError queues a transport error for requests to path.
func (m *MockTransport) StubPathError(path string, err error) *MockTransport {
	return m.stub(path, reply{err: err})
}

func (m *MockTransport) stub(path string, r reply) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs[path] = append(m.stubs[path], r)
	return m
}

// OnRequest sets a hook called for each request before it is answered. The
// hook may block, for instance to hold concurrent callers inside a request.
func (m *MockTransport) OnRequest(fn func(context.Context, *Request)) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestHook = fn
	return m
}

// Send implements Transport.
func (m *MockTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, cloneRequest(req))
	hook := m.requestHook
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := requestPath(req)

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.next(path)
	if !ok {
		return nil, errors.New("no stub found for request: " + req.Method + " " + req.URL)
	}
	if r.err != nil {
		return nil, r.err
	}
	return cloneResponse(r.response), nil
}

// next pops the reply for path, keeping the last one. Callers hold mu.
func (m *MockTransport) next(path string) (reply, bool) {
	queue := m.stubs[path]
	switch {
	case len(queue) > 1:
		m.stubs[path] = queue[1:]
		return queue[0], true
	case len(queue) == 1:
		return queue[0], true
	case m.defaultResp != nil:
		return *m.defaultResp, true
	default:
		return reply{}, false
	}
}

// Requests returns all requests made through this transport.
func (m *MockTransport) Requests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Request{}, m.requests...)
}

// RequestCount returns the number of requests made.
func (m *MockTransport) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// PathCount returns the number of requests made to path.
func (m *MockTransport) PathCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, req := range m.requests {
		if requestPath(req) == path {
			n++
		}
	}
	return n
}

// LastRequest returns the most recent request, or nil if none.
func (m *MockTransport) LastRequest() *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// Reset clears all recorded requests and stubs.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.stubs = make(map[string][]reply)
	m.defaultResp = nil
	m.requestHook = nil
}

func requestPath(req *Request) string {
	u, err := url.Parse(req.URL)
	if err != nil {
		return req.URL
	}
	return u.Path
}

func newMockResponse(statusCode int, body string) *Response {
	return &Response{
		StatusCode: statusCode,
		Header:     make(http.Header),
		Body:       []byte(body),
	}
}

func cloneRequest(req *Request) *Request {
	return &Request{
		Method: req.Method,
		URL:    req.URL,
		Header: req.Header.Clone(),
		Body:   append([]byte(nil), req.Body...),
	}
}

func cloneResponse(resp *Response) *Response {
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       append([]byte(nil), resp.Body...),
	}
}
