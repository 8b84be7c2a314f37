package apidriver

import (
	"sync"
	"time"
)

// tokenStore holds the current refresh and access tokens. All reads and
// writes go through the mutex so a reader never sees a half-updated pair.
type tokenStore struct {
	mu      sync.RWMutex
	refresh refreshToken
	access  AccessToken
}

// accessToken returns the cached access token when it is valid at now.
func (s *tokenStore) accessToken(now time.Time) (AccessToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.access.Valid(now) {
		return s.access, true
	}
	return AccessToken{}, false
}

func (s *tokenStore) setAccessToken(t AccessToken) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.access = t
}

func (s *tokenStore) refreshToken() refreshToken {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.refresh
}

// setRefreshToken replaces the refresh token and drops the access token
// minted from the previous one.
func (s *tokenStore) setRefreshToken(t refreshToken) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refresh = t
	s.access = AccessToken{}
}

// clearRefreshToken drops the refresh token only if it still equals value,
// so a concurrent login is not undone.
func (s *tokenStore) clearRefreshToken(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refresh.value == value {
		s.refresh = refreshToken{}
		s.access = AccessToken{}
	}
}

func (s *tokenStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refresh = refreshToken{}
	s.access = AccessToken{}
}
