package apidriver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"
)

// Authentication steps, used as AuthenticationError.Op and metric attribute.
const (
	opLogin        = "login"
	opAccessToken  = "accesstoken"
	opRefreshToken = "refreshtoken"
	opLogout       = "logout"
)

// Authentication endpoint paths, relative to the auth URL.
const (
	pathLogin        = "/auth/login"
	pathAccessToken  = "/auth/accesstoken"
	pathRefreshToken = "/auth/refreshtoken"
	pathLogout       = "/auth/logout"
)

// flightExchange is the singleflight key shared by every access token
// exchange, whether the token expired or was rejected.
const flightExchange = "exchange"

var errEmptyToken = errors.New("empty token in response body")

// loginRequest is the body of POST /auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenManager obtains, caches and renews the tokens used to authenticate
// API requests. It is safe for concurrent use: concurrent callers that need
// a new access token share a single exchange.
//
// Tokens are obtained in two steps. A login with the credentials yields a
// long-lived refresh token, which is then traded for a short-lived access
// token. The refresh token is renewed after a week and replaced by a new
// login shortly before it expires.
type TokenManager struct {
	creds     Credentials
	cfg       *internalConfig
	transport Transport
	stats     *counters

	store tokenStore
	group singleflight.Group
}

func newTokenManager(creds Credentials, cfg *internalConfig, transport Transport, stats *counters) *TokenManager {
	return &TokenManager{
		creds:     creds,
		cfg:       cfg,
		transport: transport,
		stats:     stats,
	}
}

// GetToken returns the cached access token while it is valid and exchanges
// a new one otherwise.
func (m *TokenManager) GetToken(ctx context.Context) (AccessToken, error) {
	if tok, ok := m.store.accessToken(m.cfg.now()); ok {
		return tok, nil
	}

	return m.flight(ctx, func(ctx context.Context) (AccessToken, error) {
		// A flight that finished while this one was queued may have
		// stored a fresh token already.
		if tok, ok := m.store.accessToken(m.cfg.now()); ok {
			return tok, nil
		}
		return m.exchange(ctx)
	})
}

// ForceRefresh exchanges a new access token regardless of the cache. A caller
// arriving while an exchange is in flight shares its result.
func (m *TokenManager) ForceRefresh(ctx context.Context) (AccessToken, error) {
	return m.flight(ctx, func(ctx context.Context) (AccessToken, error) {
		m.stats.tokenRefreshes.Add(1)
		return m.exchange(ctx)
	})
}

// refreshRejected replaces an access token the API refused. If another
// caller already replaced it, the newer token is returned without a new
// exchange.
func (m *TokenManager) refreshRejected(ctx context.Context, rejected string) (AccessToken, error) {
	return m.flight(ctx, func(ctx context.Context) (AccessToken, error) {
		if tok, ok := m.store.accessToken(m.cfg.now()); ok && tok.Value != rejected {
			return tok, nil
		}
		m.stats.tokenRefreshes.Add(1)
		return m.exchange(ctx)
	})
}

// flight runs fn once among concurrent callers. The shared work is
// detached from the caller's cancellation so one caller giving up does not
// fail the others; each caller still stops waiting when its own ctx ends.
func (m *TokenManager) flight(
	ctx context.Context,
	fn func(context.Context) (AccessToken, error),
) (AccessToken, error) {
	shared := context.WithoutCancel(ctx)
	ch := m.group.DoChan(flightExchange, func() (any, error) {
		return fn(shared)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return AccessToken{}, res.Err
		}
		return res.Val.(AccessToken), nil
	case <-ctx.Done():
		return AccessToken{}, ctx.Err()
	}
}

// exchange obtains a refresh token if needed and trades it for an access
// token. A refresh token refused by the access token endpoint is dropped and
// replaced by one new login.
func (m *TokenManager) exchange(ctx context.Context) (AccessToken, error) {
	refresh, err := m.refreshToken(ctx)
	if err != nil {
		return AccessToken{}, err
	}

	tok, err := m.accessToken(ctx, refresh)
	var authErr *AuthenticationError
	if errors.As(err, &authErr) && authErr.StatusCode == http.StatusUnauthorized {
		m.cfg.Logger.Debug().Msg("eniris: refresh token refused, logging in again")
		m.store.clearRefreshToken(refresh.value)
		if refresh, err = m.login(ctx); err != nil {
			return AccessToken{}, err
		}
		tok, err = m.accessToken(ctx, refresh)
	}
	if err != nil {
		return AccessToken{}, err
	}

	m.store.setAccessToken(tok)
	m.stats.tokenExchanges.Add(1)
	m.cfg.Logger.Debug().Time("expires_at", tok.ExpiresAt).Msg("eniris: access token exchanged")
	return tok, nil
}

// refreshToken returns a usable refresh token, logging in or renewing as its
// age requires. A failed renewal keeps the current token.
func (m *TokenManager) refreshToken(ctx context.Context) (refreshToken, error) {
	rt := m.store.refreshToken()
	now := m.cfg.now()

	switch {
	case rt.value == "" || rt.age(now) >= refreshTokenRelogin:
		return m.login(ctx)
	case rt.age(now) >= refreshTokenRenewAfter:
		renewed, err := m.renew(ctx, rt)
		if err != nil {
			m.cfg.Logger.Warn().Err(err).Msg("eniris: refresh token renewal failed, keeping the current token")
			return rt, nil
		}
		return renewed, nil
	default:
		return rt, nil
	}
}

func (m *TokenManager) login(ctx context.Context) (refreshToken, error) {
	body, err := json.Marshal(loginRequest{Username: m.creds.Username, Password: m.creds.Password})
	if err != nil {
		return refreshToken{}, &AuthenticationError{Op: opLogin, Err: err}
	}

	value, err := m.fetchToken(ctx, opLogin, http.MethodPost, pathLogin, "", body)
	if err != nil {
		return refreshToken{}, err
	}

	rt := refreshToken{value: value, issuedAt: m.cfg.now()}
	m.store.setRefreshToken(rt)
	m.cfg.Logger.Debug().Str("username", m.creds.Username).Msg("eniris: logged in")
	return rt, nil
}

func (m *TokenManager) renew(ctx context.Context, current refreshToken) (refreshToken, error) {
	value, err := m.fetchToken(ctx, opRefreshToken, http.MethodGet, pathRefreshToken, current.value, nil)
	if err != nil {
		return refreshToken{}, err
	}

	rt := refreshToken{value: value, issuedAt: m.cfg.now()}
	m.store.setRefreshToken(rt)
	return rt, nil
}

func (m *TokenManager) accessToken(ctx context.Context, refresh refreshToken) (AccessToken, error) {
	value, err := m.fetchToken(ctx, opAccessToken, http.MethodGet, pathAccessToken, refresh.value, nil)
	if err != nil {
		return AccessToken{}, err
	}

	return AccessToken{
		Value:     value,
		ExpiresAt: tokenExpiry(value, m.cfg.now(), m.cfg.AccessTokenLifetime),
	}, nil
}

// fetchToken calls an endpoint answering 200 with a plain-text token.
func (m *TokenManager) fetchToken(ctx context.Context, op, method, path, bearer string, body []byte) (string, error) {
	resp, err := m.call(ctx, op, method, path, bearer, body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError(op, resp)
	}

	value := strings.TrimSpace(string(resp.Body))
	if value == "" {
		return "", &AuthenticationError{Op: op, StatusCode: resp.StatusCode, Err: errEmptyToken}
	}
	return value, nil
}

// Logout revokes the refresh token and forgets both tokens. It is skipped
// when there is no refresh token or it has expired anyway. Network failures
// and 5xx answers are retried with the driver's retry policy.
func (m *TokenManager) Logout(ctx context.Context) error {
	rt := m.store.refreshToken()
	defer m.store.clear()

	if rt.value == "" || rt.age(m.cfg.now()) >= refreshTokenLifetime {
		return nil
	}

	policy := m.cfg.retryPolicy()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		resp, err := m.call(ctx, opLogout, http.MethodPost, pathLogout, rt.value, nil)
		if err != nil {
			var authErr *AuthenticationError
			if errors.As(err, &authErr) && authErr.Temporary {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}

		// 401 means the token is already invalid, which is what logout wants.
		if resp.IsSuccess() || resp.StatusCode == http.StatusUnauthorized {
			return struct{}{}, nil
		}

		serr := statusError(opLogout, resp)
		if serr.Temporary {
			return struct{}{}, serr
		}
		return struct{}{}, backoff.Permanent(serr)
	},
		backoff.WithBackOff(policy.BackOff()),
		backoff.WithMaxTries(uint(policy.MaximumRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			m.cfg.Logger.Warn().Err(err).Dur("delay", d).Msg("eniris: logout failed, retrying")
		}),
	)
	return err
}

// call performs one request against the authentication host under the
// per-attempt timeout.
func (m *TokenManager) call(
	ctx context.Context,
	op, method, path, bearer string,
	body []byte,
) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req := &Request{
		Method: method,
		URL:    strings.TrimRight(m.cfg.AuthURL, "/") + path,
		Header: make(http.Header),
		Body:   body,
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.transport.Send(actx, req)
	if err != nil {
		m.cfg.Metrics.recordTokenExchange(ctx, op, "error", m.cfg.baseAttributes())
		return nil, &AuthenticationError{
			Op:        op,
			Err:       err,
			Temporary: classifyError(ctx, err) == OutcomeTransient,
		}
	}

	m.cfg.Metrics.recordTokenExchange(ctx, op, strconv.Itoa(resp.StatusCode), m.cfg.baseAttributes())
	m.cfg.Logger.Debug().Str("op", op).Int("status", resp.StatusCode).Msg("eniris: authentication call")
	return resp, nil
}

// statusError reports an unexpected status from the authentication host.
// 429 and 5xx mean the endpoint is unavailable and may recover.
func statusError(op string, resp *Response) *AuthenticationError {
	return &AuthenticationError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		Temporary:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
	}
}
