package apidriver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManager_GetToken(t *testing.T) {
	tests := []struct {
		name          string
		mockFn        func(*MockTransport)
		wantToken     string
		wantErr       assert.ErrorAssertionFunc
		wantTemporary bool
		wantLogins    int
		wantExchanges int
	}{
		{
			name:          "given working endpoint, then logs in and exchanges",
			mockFn:        func(m *MockTransport) { stubAuth(m) },
			wantToken:     testAccessToken,
			wantErr:       assert.NoError,
			wantLogins:    1,
			wantExchanges: 1,
		},
		{
			name: "given refresh token refused, then logs in once more",
			mockFn: func(m *MockTransport) {
				m.StubPath(pathLogin, http.StatusOK, "rt-1").
					StubPath(pathLogin, http.StatusOK, "rt-2").
					StubPath(pathAccessToken, http.StatusUnauthorized, "").
					StubPath(pathAccessToken, http.StatusOK, testAccessToken)
			},
			wantToken:     testAccessToken,
			wantErr:       assert.NoError,
			wantLogins:    2,
			wantExchanges: 2,
		},
		{
			name: "given refused credentials, then fails permanently",
			mockFn: func(m *MockTransport) {
				m.StubPath(pathLogin, http.StatusUnauthorized, "bad credentials")
			},
			wantErr:       assert.Error,
			wantTemporary: false,
			wantLogins:    1,
		},
		{
			name: "given unavailable endpoint, then fails temporarily",
			mockFn: func(m *MockTransport) {
				m.StubPath(pathLogin, http.StatusServiceUnavailable, "")
			},
			wantErr:       assert.Error,
			wantTemporary: true,
			wantLogins:    1,
		},
		{
			name: "given rate limited endpoint, then fails temporarily",
			mockFn: func(m *MockTransport) {
				m.StubPath(pathLogin, http.StatusTooManyRequests, "")
			},
			wantErr:       assert.Error,
			wantTemporary: true,
			wantLogins:    1,
		},
		{
			name: "given connection refused, then fails temporarily",
			mockFn: func(m *MockTransport) {
				m.StubPathError(pathLogin, &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED})
			},
			wantErr:       assert.Error,
			wantTemporary: true,
			wantLogins:    1,
		},
		{
			name: "given empty token body, then fails permanently",
			mockFn: func(m *MockTransport) {
				m.StubPath(pathLogin, http.StatusOK, "  \n")
			},
			wantErr:       assert.Error,
			wantTemporary: false,
			wantLogins:    1,
		},
		{
			name: "given refresh token refused twice, then gives up after one re-login",
			mockFn: func(m *MockTransport) {
				m.StubPath(pathLogin, http.StatusOK, testRefreshToken).
					StubPath(pathAccessToken, http.StatusUnauthorized, "")
			},
			wantErr:       assert.Error,
			wantTemporary: false,
			wantLogins:    2,
			wantExchanges: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockTransport()
			tt.mockFn(mock)
			d, _ := newTestDriver(t, mock)

			tok, err := d.Tokens().GetToken(context.Background())

			tt.wantErr(t, err)
			assert.Equal(t, tt.wantLogins, mock.PathCount(pathLogin))
			assert.Equal(t, tt.wantExchanges, mock.PathCount(pathAccessToken))

			if err != nil {
				var authErr *AuthenticationError
				require.ErrorAs(t, err, &authErr)
				assert.ErrorIs(t, err, ErrAuthentication)
				assert.Equal(t, tt.wantTemporary, authErr.Temporary)
				return
			}
			assert.Equal(t, tt.wantToken, tok.Value)
		})
	}
}

func TestTokenManager_LoginRequest(t *testing.T) {
	mock := stubAuth(NewMockTransport())
	d, _ := newTestDriver(t, mock, WithAuthURL("https://auth.test/"))

	_, err := d.Tokens().GetToken(context.Background())
	require.NoError(t, err)

	reqs := mock.Requests()
	require.Len(t, reqs, 2)

	login := reqs[0]
	assert.Equal(t, http.MethodPost, login.Method)
	assert.Equal(t, "https://auth.test/auth/login", login.URL)
	assert.Equal(t, "application/json", login.Header.Get("Content-Type"))
	assert.Empty(t, login.Header.Get("Authorization"))

	var body loginRequest
	require.NoError(t, json.Unmarshal(login.Body, &body))
	assert.Equal(t, "alice@example.com", body.Username)
	assert.Equal(t, "secret", body.Password)

	exchange := reqs[1]
	assert.Equal(t, http.MethodGet, exchange.Method)
	assert.Equal(t, "https://auth.test/auth/accesstoken", exchange.URL)
	assert.Equal(t, "Bearer "+testRefreshToken, exchange.Header.Get("Authorization"))
}

func TestTokenManager_GetTokenCached(t *testing.T) {
	clock := newFakeClock()
	mock := stubAuth(NewMockTransport())
	d, _ := newTestDriver(t, mock, withClock(clock.Now))
	tm := d.Tokens()
	ctx := context.Background()

	_, err := tm.GetToken(ctx)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	tok, err := tm.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, testAccessToken, tok.Value)
	assert.Equal(t, 2, mock.RequestCount(), "cached token must not hit the network")

	clock.Advance(2 * time.Minute)
	_, err = tm.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, mock.PathCount(pathLogin))
	assert.Equal(t, 2, mock.PathCount(pathAccessToken), "expired token must be exchanged again")
}

func TestTokenManager_GetTokenHonoursJWTExpiry(t *testing.T) {
	clock := newFakeClock()
	mock := NewMockTransport().
		StubPath(pathLogin, http.StatusOK, testRefreshToken).
		StubPath(pathAccessToken, http.StatusOK, jwtWithExp(clock.Now().Add(10*time.Second)))
	d, _ := newTestDriver(t, mock, withClock(clock.Now))
	tm := d.Tokens()
	ctx := context.Background()

	tok, err := tm.GetToken(ctx)
	require.NoError(t, err)
	assert.True(t, tok.ExpiresAt.Equal(clock.Now().Add(10*time.Second)))

	clock.Advance(11 * time.Second)
	_, err = tm.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, mock.PathCount(pathAccessToken))
}

func TestTokenManager_GetTokenConcurrent(t *testing.T) {
	release := make(chan struct{})
	mock := stubAuth(NewMockTransport()).OnRequest(func(_ context.Context, req *Request) {
		if requestPath(req) == pathLogin {
			<-release
		}
	})
	d, _ := newTestDriver(t, mock)
	tm := d.Tokens()

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := tm.GetToken(context.Background())
			if err == nil && tok.Value != testAccessToken {
				err = errors.New("unexpected token " + tok.Value)
			}
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, mock.PathCount(pathLogin))
	assert.Equal(t, 1, mock.PathCount(pathAccessToken))
	assert.Equal(t, uint64(1), d.Stats().TokenExchanges)
}

func TestTokenManager_ExpiryAndRejectionShareExchange(t *testing.T) {
	tests := []struct {
		name          string
		rejectedFirst bool
	}{
		{name: "given rejection in flight, then expired caller joins it", rejectedFirst: true},
		{name: "given expiry in flight, then rejected caller joins it", rejectedFirst: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			release := make(chan struct{})
			started := make(chan struct{})
			var exchanges atomic.Int32
			mock := stubAuth(NewMockTransport()).OnRequest(func(_ context.Context, req *Request) {
				if requestPath(req) == pathAccessToken && exchanges.Add(1) == 2 {
					close(started)
					<-release
				}
			})
			d, _ := newTestDriver(t, mock, withClock(clock.Now))
			tm := d.Tokens()
			ctx := context.Background()

			_, err := tm.GetToken(ctx)
			require.NoError(t, err)
			clock.Advance(3 * time.Minute)

			rejected := func() error {
				_, err := tm.refreshRejected(ctx, testAccessToken)
				return err
			}
			expired := func() error {
				_, err := tm.GetToken(ctx)
				return err
			}
			first, second := expired, rejected
			if tt.rejectedFirst {
				first, second = rejected, expired
			}

			errs := make(chan error, 2)
			go func() { errs <- first() }()
			<-started
			go func() { errs <- second() }()

			time.Sleep(20 * time.Millisecond)
			close(release)

			assert.NoError(t, <-errs)
			assert.NoError(t, <-errs)
			assert.Equal(t, 1, mock.PathCount(pathLogin))
			assert.Equal(t, 2, mock.PathCount(pathAccessToken), "one exchange for both callers")
		})
	}
}

func TestTokenManager_WaiterCancellation(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	mock := stubAuth(NewMockTransport()).OnRequest(func(_ context.Context, req *Request) {
		if requestPath(req) == pathLogin {
			once.Do(func() { close(started) })
			<-release
		}
	})
	d, _ := newTestDriver(t, mock)
	tm := d.Tokens()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := tm.GetToken(ctx)
		done <- err
	}()

	<-started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// The shared exchange outlives the caller that started it.
	close(release)
	tok, err := tm.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testAccessToken, tok.Value)
	assert.Equal(t, 1, mock.PathCount(pathLogin))
}

func TestTokenManager_RefreshTokenAge(t *testing.T) {
	tests := []struct {
		name          string
		age           time.Duration
		mockFn        func(*MockTransport)
		wantLogins    int
		wantRenewals  int
		wantBearer    string
		wantRefreshed string
	}{
		{
			name:          "given young refresh token, then reuses it",
			age:           24 * time.Hour,
			mockFn:        func(*MockTransport) {},
			wantLogins:    1,
			wantRenewals:  0,
			wantBearer:    testRefreshToken,
			wantRefreshed: testRefreshToken,
		},
		{
			name: "given week old refresh token, then renews it",
			age:  7*24*time.Hour + time.Hour,
			mockFn: func(m *MockTransport) {
				m.StubPath(pathRefreshToken, http.StatusOK, "renewed-refresh-token")
			},
			wantLogins:    1,
			wantRenewals:  1,
			wantBearer:    "renewed-refresh-token",
			wantRefreshed: "renewed-refresh-token",
		},
		{
			name: "given renewal failure, then keeps current token",
			age:  8 * 24 * time.Hour,
			mockFn: func(m *MockTransport) {
				m.StubPath(pathRefreshToken, http.StatusInternalServerError, "")
			},
			wantLogins:    1,
			wantRenewals:  1,
			wantBearer:    testRefreshToken,
			wantRefreshed: testRefreshToken,
		},
		{
			name:          "given refresh token close to expiry, then logs in again",
			age:           13 * 24 * time.Hour,
			mockFn:        func(*MockTransport) {},
			wantLogins:    2,
			wantRenewals:  0,
			wantBearer:    testRefreshToken,
			wantRefreshed: testRefreshToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			mock := stubAuth(NewMockTransport())
			tt.mockFn(mock)
			d, _ := newTestDriver(t, mock, withClock(clock.Now))
			tm := d.Tokens()
			ctx := context.Background()

			_, err := tm.GetToken(ctx)
			require.NoError(t, err)

			clock.Advance(tt.age)
			_, err = tm.GetToken(ctx)
			require.NoError(t, err)

			assert.Equal(t, tt.wantLogins, mock.PathCount(pathLogin))
			assert.Equal(t, tt.wantRenewals, mock.PathCount(pathRefreshToken))

			last := mock.LastRequest()
			require.NotNil(t, last)
			assert.Equal(t, pathAccessToken, requestPath(last))
			assert.Equal(t, "Bearer "+tt.wantBearer, last.Header.Get("Authorization"))
			assert.Equal(t, tt.wantRefreshed, tm.store.refreshToken().value)
		})
	}
}

func TestTokenManager_RefreshRejected(t *testing.T) {
	clock := newFakeClock()
	mock := stubAuth(NewMockTransport())
	d, _ := newTestDriver(t, mock, withClock(clock.Now))
	tm := d.Tokens()
	ctx := context.Background()

	_, err := tm.GetToken(ctx)
	require.NoError(t, err)

	t.Run("given token already replaced, then returns newer token without exchange", func(t *testing.T) {
		tm.store.setAccessToken(AccessToken{Value: "newer", ExpiresAt: clock.Now().Add(time.Minute)})

		tok, err := tm.refreshRejected(ctx, testAccessToken)
		require.NoError(t, err)
		assert.Equal(t, "newer", tok.Value)
		assert.Equal(t, 1, mock.PathCount(pathAccessToken))
	})

	t.Run("given cached token is the rejected one, then exchanges", func(t *testing.T) {
		tok, err := tm.refreshRejected(ctx, "newer")
		require.NoError(t, err)
		assert.Equal(t, testAccessToken, tok.Value)
		assert.Equal(t, 2, mock.PathCount(pathAccessToken))
		assert.Equal(t, uint64(1), d.Stats().TokenRefreshes)
	})
}

func TestTokenManager_ForceRefresh(t *testing.T) {
	mock := stubAuth(NewMockTransport())
	d, _ := newTestDriver(t, mock)
	tm := d.Tokens()
	ctx := context.Background()

	_, err := tm.GetToken(ctx)
	require.NoError(t, err)

	_, err = tm.ForceRefresh(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, mock.PathCount(pathLogin))
	assert.Equal(t, 2, mock.PathCount(pathAccessToken))
	assert.Equal(t, uint64(1), d.Stats().TokenRefreshes)
	assert.Equal(t, uint64(2), d.Stats().TokenExchanges)
}

func TestTokenManager_Logout(t *testing.T) {
	tests := []struct {
		name        string
		loggedIn    bool
		age         time.Duration
		mockFn      func(*MockTransport)
		wantErr     assert.ErrorAssertionFunc
		wantLogouts int
	}{
		{
			name:     "given active session, then revokes refresh token",
			loggedIn: true,
			mockFn: func(m *MockTransport) {
				m.StubPath(pathLogout, http.StatusNoContent, "")
			},
			wantErr:     assert.NoError,
			wantLogouts: 1,
		},
		{
			name:     "given token already invalid, then succeeds",
			loggedIn: true,
			mockFn: func(m *MockTransport) {
				m.StubPath(pathLogout, http.StatusUnauthorized, "")
			},
			wantErr:     assert.NoError,
			wantLogouts: 1,
		},
		{
			name:        "given no session, then skips the call",
			loggedIn:    false,
			mockFn:      func(*MockTransport) {},
			wantErr:     assert.NoError,
			wantLogouts: 0,
		},
		{
			name:        "given expired refresh token, then skips the call",
			loggedIn:    true,
			age:         14 * 24 * time.Hour,
			mockFn:      func(*MockTransport) {},
			wantErr:     assert.NoError,
			wantLogouts: 0,
		},
		{
			name:     "given unavailable endpoint, then retries until it answers",
			loggedIn: true,
			mockFn: func(m *MockTransport) {
				m.StubPath(pathLogout, http.StatusServiceUnavailable, "").
					StubPath(pathLogout, http.StatusOK, "")
			},
			wantErr:     assert.NoError,
			wantLogouts: 2,
		},
		{
			name:     "given endpoint always unavailable, then gives up after the retry budget",
			loggedIn: true,
			mockFn: func(m *MockTransport) {
				m.StubPath(pathLogout, http.StatusBadGateway, "")
			},
			wantErr:     assert.Error,
			wantLogouts: 3,
		},
		{
			name:     "given rejected request, then fails without retrying",
			loggedIn: true,
			mockFn: func(m *MockTransport) {
				m.StubPath(pathLogout, http.StatusBadRequest, "")
			},
			wantErr:     assert.Error,
			wantLogouts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			mock := stubAuth(NewMockTransport())
			tt.mockFn(mock)
			d, _ := newTestDriver(t, mock,
				withClock(clock.Now),
				WithMaximumRetries(2),
				WithInitialRetryDelay(time.Millisecond),
				WithMaximumRetryDelay(time.Millisecond),
			)
			tm := d.Tokens()
			ctx := context.Background()

			if tt.loggedIn {
				_, err := tm.GetToken(ctx)
				require.NoError(t, err)
			}
			clock.Advance(tt.age)

			err := tm.Logout(ctx)

			tt.wantErr(t, err)
			assert.Equal(t, tt.wantLogouts, mock.PathCount(pathLogout))
			assert.Empty(t, tm.store.refreshToken().value, "tokens are forgotten even when logout fails")
			_, ok := tm.store.accessToken(clock.Now())
			assert.False(t, ok)

			if tt.wantLogouts > 0 {
				last := mock.LastRequest()
				assert.Equal(t, http.MethodPost, last.Method)
				assert.Equal(t, "Bearer "+testRefreshToken, last.Header.Get("Authorization"))
			}
			if err != nil {
				assert.ErrorIs(t, err, ErrAuthentication)
			}
		})
	}
}
