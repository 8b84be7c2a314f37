package apidriver

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Default endpoints and timings.
const (
	// DefaultAuthURL is the Eniris authentication host.
	DefaultAuthURL = "https://authentication.eniris.be"

	// DefaultAPIURL is the Eniris API host.
	DefaultAPIURL = "https://api.eniris.be"

	// DefaultTimeout bounds each individual attempt.
	DefaultTimeout = 60 * time.Second

	// DefaultAccessTokenLifetime is how long an access token is cached when
	// it carries no earlier expiry of its own.
	DefaultAccessTokenLifetime = 2 * time.Minute
)

// Refresh token ages that drive renewal, re-login and logout.
const (
	refreshTokenRenewAfter = 7 * 24 * time.Hour
	refreshTokenRelogin    = 13 * 24 * time.Hour
	refreshTokenLifetime   = 14 * 24 * time.Hour
)

// EnvPrefix is the prefix of the environment variables read by LoadConfig.
const EnvPrefix = "ENIRIS_"

// Config holds the driver configuration. It is fixed once the driver is
// built. Keys are the lowercase field names, so ENIRIS_MAXIMUM_RETRIES and
// a YAML key "maximumretries" both set MaximumRetries.
//
// Example config.yaml:
//
//	username: alice@example.com
//	timeout: 30s
//	maximumretries: 3
//	retrystatuscodes: [429, 502, 503, 504]
type Config struct {
	Username string `koanf:"username" validate:"required"`
	Password string `koanf:"password" validate:"required"`

	// AuthURL is the base URL of the authentication endpoint.
	AuthURL string `koanf:"authurl" validate:"required,url"`

	// APIURL is the base URL relative request paths are joined to.
	APIURL string `koanf:"apiurl" validate:"required,url"`

	// Timeout bounds each attempt, not the whole request.
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`

	MaximumRetries    int           `koanf:"maximumretries" validate:"gte=0"`
	InitialRetryDelay time.Duration `koanf:"initialretrydelay" validate:"gte=0"`
	MaximumRetryDelay time.Duration `koanf:"maximumretrydelay" validate:"gtefield=InitialRetryDelay"`

	// RetryStatusCodes are the error statuses treated as transient.
	// Default: 429 and every 5xx.
	RetryStatusCodes []int `koanf:"retrystatuscodes" validate:"dive,gte=400,lte=599"`

	AccessTokenLifetime time.Duration `koanf:"accesstokenlifetime" validate:"gt=0"`

	// SeparateAuthRetryBudget gives authentication outages their own retry
	// budget instead of sharing the request's.
	SeparateAuthRetryBudget bool `koanf:"separateauthretrybudget"`
}

// DefaultConfig returns the default configuration without credentials.
func DefaultConfig() Config {
	return Config{
		AuthURL:             DefaultAuthURL,
		APIURL:              DefaultAPIURL,
		Timeout:             DefaultTimeout,
		MaximumRetries:      DefaultMaximumRetries,
		InitialRetryDelay:   DefaultInitialRetryDelay,
		MaximumRetryDelay:   DefaultMaximumRetryDelay,
		RetryStatusCodes:    DefaultRetryStatusCodes(),
		AccessTokenLifetime: DefaultAccessTokenLifetime,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("koanf"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the configuration. Failures wrap ErrInvalidArgument.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fieldMessage(fe))
	}
	return fmt.Errorf("%w: config: %s", ErrInvalidArgument, strings.Join(parts, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "url":
		return fe.Field() + " must be an absolute URL"
	case "gt", "gte":
		return fe.Field() + " must be " + fe.Tag() + " " + fe.Param()
	case "gtefield":
		return fe.Field() + " must not be below " + strings.ToLower(fe.Param())
	default:
		return fe.Field() + " failed " + fe.Tag()
	}
}

// LoadConfig reads the configuration from, in increasing priority, the
// defaults, the YAML file at path (skipped when path is empty) and ENIRIS_*
// environment variables. The result is validated.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultConfigMap(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKey,
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps ENIRIS_MAXIMUM_RETRIES to maximumretries. List values are
// comma separated.
func envKey(k, v string) (string, any) {
	k = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(k, EnvPrefix)), "_", "")
	if k == "retrystatuscodes" {
		return k, strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	}
	return k, v
}

func defaultConfigMap() map[string]any {
	d := DefaultConfig()
	return map[string]any{
		"authurl":             d.AuthURL,
		"apiurl":              d.APIURL,
		"timeout":             d.Timeout.String(),
		"maximumretries":      d.MaximumRetries,
		"initialretrydelay":   d.InitialRetryDelay.String(),
		"maximumretrydelay":   d.MaximumRetryDelay.String(),
		"retrystatuscodes":    d.RetryStatusCodes,
		"accesstokenlifetime": d.AccessTokenLifetime.String(),
	}
}
