package apidriver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransport_Send(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Auth", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/slow":
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	tr := newHTTPTransport(srv.Client())

	tests := []struct {
		name       string
		req        *Request
		timeout    time.Duration
		wantStatus int
		wantBody   string
		wantErr    assert.ErrorAssertionFunc
	}{
		{
			name: "given request with body and headers, then forwards both",
			req: &Request{
				Method: http.MethodPost,
				URL:    srv.URL + "/echo",
				Header: http.Header{"Authorization": {"Bearer t"}},
				Body:   []byte("payload"),
			},
			wantStatus: http.StatusOK,
			wantBody:   "payload",
			wantErr:    assert.NoError,
		},
		{
			name:       "given error status, then returns it as a response",
			req:        &Request{Method: http.MethodGet, URL: srv.URL + "/missing"},
			wantStatus: http.StatusNotFound,
			wantErr:    assert.NoError,
		},
		{
			name:    "given expired deadline, then returns an error",
			req:     &Request{Method: http.MethodGet, URL: srv.URL + "/slow"},
			timeout: 20 * time.Millisecond,
			wantErr: assert.Error,
		},
		{
			name:    "given unsupported scheme, then returns an error",
			req:     &Request{Method: http.MethodGet, URL: "ftp://example.com/file"},
			wantErr: assert.Error,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tt.timeout)
				defer cancel()
			}

			resp, err := tr.Send(ctx, tt.req)

			tt.wantErr(t, err)
			if err != nil {
				return
			}
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantBody, string(resp.Body))
			assert.Equal(t, tt.req.Method, resp.Header.Get("X-Method"))
			assert.Equal(t, tt.req.Header.Get("Authorization"), resp.Header.Get("X-Auth"))
		})
	}
}

func TestTransportFunc(t *testing.T) {
	var got *Request
	tr := TransportFunc(func(_ context.Context, req *Request) (*Response, error) {
		got = req
		return &Response{StatusCode: http.StatusAccepted}, nil
	})

	resp, err := tr.Send(context.Background(), &Request{Method: http.MethodGet, URL: "https://x"})

	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "https://x", got.URL)
}

func TestDefaultTransportConfig(t *testing.T) {
	cfg := DefaultTransportConfig()

	assert.Equal(t, 100, cfg.MaxIdleConns)
	assert.Equal(t, 20, cfg.MaxIdleConnsPerHost)
	assert.Equal(t, 100, cfg.MaxConnsPerHost)
	assert.Equal(t, 90*time.Second, cfg.IdleConnTimeout)

	client := cfg.buildHTTPClient()
	tr, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, cfg.MaxIdleConnsPerHost, tr.MaxIdleConnsPerHost)
	assert.Equal(t, cfg.TLSHandshakeTimeout, tr.TLSHandshakeTimeout)
	assert.Zero(t, client.Timeout, "attempts are bounded by the request context")
}

func TestDriver_UsesInjectedTransport(t *testing.T) {
	var calls int
	tr := TransportFunc(func(_ context.Context, req *Request) (*Response, error) {
		calls++
		switch requestPath(req) {
		case pathLogin:
			return &Response{StatusCode: http.StatusOK, Body: []byte(testRefreshToken)}, nil
		case pathAccessToken:
			return &Response{StatusCode: http.StatusOK, Body: []byte(testAccessToken)}, nil
		default:
			return &Response{StatusCode: http.StatusOK, Body: []byte("ok")}, nil
		}
	})
	d, _ := newTestDriver(t, tr)

	resp, err := d.Get(context.Background(), testDevicePath, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.String())
	assert.Equal(t, 3, calls)
}

func TestDriver_TransportMock(t *testing.T) {
	tm := &transportMock{}
	tm.On("Send", mock.Anything, matchPath(pathLogin)).
		Return(&Response{StatusCode: http.StatusOK, Body: []byte(testRefreshToken)}, nil).Once()
	tm.On("Send", mock.Anything, matchPath(pathAccessToken)).
		Return(&Response{StatusCode: http.StatusOK, Body: []byte(testAccessToken)}, nil).Once()
	tm.On("Send", mock.Anything, matchPath(testDevicePath)).
		Return(&Response{StatusCode: http.StatusNoContent}, nil).Once()

	d, _ := newTestDriver(t, tm)

	resp, err := d.Delete(context.Background(), testDevicePath, nil)

	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	tm.AssertExpectations(t)
}
