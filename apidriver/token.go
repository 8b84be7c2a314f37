package apidriver

import (
	"encoding/base64"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Credentials identify the account used to log in. They are never logged.
type Credentials struct {
	Username string
	Password string
}

// String redacts the password.
func (c Credentials) String() string {
	return c.Username + ":***"
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler without the password.
func (c Credentials) MarshalZerologObject(e *zerolog.Event) {
	e.Str("username", c.Username)
}

// AccessToken is a short-lived bearer token for the API.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token is present and not yet expired at now.
// A valid token may still be rejected early by the server.
func (t AccessToken) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// String redacts the token value.
func (t AccessToken) String() string {
	if t.Value == "" {
		return "<none>"
	}
	return "***"
}

// refreshToken is the long-lived token returned by login.
type refreshToken struct {
	value    string
	issuedAt time.Time
}

// age returns how long ago the token was issued.
func (t refreshToken) age(now time.Time) time.Duration {
	return now.Sub(t.issuedAt)
}

// jwtClaims holds the registered claims the driver reads.
type jwtClaims struct {
	Exp int64 `json:"exp"`
}

// tokenExpiry returns the earlier of the token's JWT exp claim and
// now+lifetime. Tokens that are not decodable JWTs expire after lifetime.
func tokenExpiry(token string, now time.Time, lifetime time.Duration) time.Time {
	fallback := now.Add(lifetime)

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fallback
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return fallback
	}

	var claims jwtClaims
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return fallback
	}

	exp := time.Unix(claims.Exp, 0)
	if exp.Before(fallback) {
		return exp
	}
	return fallback
}
