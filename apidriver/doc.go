// Package apidriver is a client for the Eniris API that handles
// authentication, token renewal and retries on behalf of its callers.
//
// # Quick Start
//
//	driver, err := apidriver.New("alice@example.com", password)
//	if err != nil {
//	    return err
//	}
//	defer driver.Close(context.Background())
//
//	resp, err := driver.Get(ctx, "/v1/device", nil)
//	if err != nil {
//	    return err
//	}
//
//	var devices DeviceList
//	err = resp.JSON(&devices)
//
// Paths are joined to the API URL; absolute URLs are used as given.
// POST and PUT take either a value encoded as JSON or raw bytes:
//
//	resp, err := driver.Post(ctx, "/v1/telemetry", params, nil, lineProtocol)
//
// # Authentication
//
// The driver logs in on the first request and trades the resulting refresh
// token for a short-lived access token, which is cached and shared by all
// goroutines. An expired access token is replaced before use. A token the
// API refuses with 401 or 403 is replaced once per refusal, and concurrent
// callers share a single exchange.
//
// # Retries
//
// Network errors, per-attempt timeouts, 429 and 5xx responses are retried
// with exponential backoff:
//
//	delay(n) = min(InitialRetryDelay * 2^(n-1), MaximumRetryDelay)
//
// Other 4xx responses fail immediately with a *ClientRejectionError. Once
// the budget is spent, a *RetryExhaustedError reports the last failure:
//
//	var exhausted *apidriver.RetryExhaustedError
//	if errors.As(err, &exhausted) {
//	    log.Printf("gave up after %d attempts: %v", exhausted.Attempts, exhausted.Last)
//	}
//
// Authentication outages count against the same budget unless
// WithSeparateAuthRetryBudget is used. Refused credentials are never retried.
//
// # Configuration
//
// Use functional options, or load a Config from a YAML file and ENIRIS_*
// environment variables:
//
//	cfg, err := apidriver.LoadConfig("eniris.yaml")
//	if err != nil {
//	    return err
//	}
//	driver, err := apidriver.NewFromConfig(cfg, apidriver.WithLogger(logger))
//
// # Observability
//
// Every request produces one OpenTelemetry client span named
// "eniris {METHOD}" with an event per retry and token refresh, and trace
// context is propagated to the API. Metrics are recorded with the configured
// MeterProvider, and NewCollector exposes the driver's counters to
// Prometheus. Credentials and tokens are never logged.
package apidriver
