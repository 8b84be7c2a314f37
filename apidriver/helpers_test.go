package apidriver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testRefreshToken = "refresh-token"
	testAccessToken  = "access-token"
	testDevicePath   = "/v1/device"
)

// transportMock is a testify mock of Transport.
type transportMock struct {
	mock.Mock
}

func (m *transportMock) Send(ctx context.Context, req *Request) (*Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*Response)
	return resp, args.Error(1)
}

// matchPath matches requests to path in transportMock expectations.
func matchPath(path string) any {
	return mock.MatchedBy(func(req *Request) bool {
		return requestPath(req) == path
	})
}

// breakerMock is a testify mock of CircuitBreaker that runs the request
// unless told to fail.
type breakerMock struct {
	mock.Mock
}

func (m *breakerMock) Execute(req func() (*Response, error)) (*Response, error) {
	args := m.Called(req)
	if err := args.Error(1); err != nil {
		resp, _ := args.Get(0).(*Response)
		return resp, err
	}
	return req()
}

// sleepRecorder replaces the backoff sleep and records requested delays.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubAuth makes the authentication endpoint hand out tokens.
func stubAuth(m *MockTransport) *MockTransport {
	return m.
		StubPath(pathLogin, 200, testRefreshToken).
		StubPath(pathAccessToken, 200, testAccessToken)
}

// newTestDriver builds a driver over tr with a recorded sleep and a silent
// logger.
func newTestDriver(t *testing.T, tr Transport, opts ...Option) (*Driver, *sleepRecorder) {
	t.Helper()

	sleeps := &sleepRecorder{}
	base := []Option{
		WithTransport(tr),
		WithLogger(zerolog.Nop()),
		withSleep(sleeps.sleep),
	}

	d, err := New("alice@example.com", "secret", append(base, opts...)...)
	require.NoError(t, err)
	return d, sleeps
}
