// Package httpclient builds the HTTP clients executors use to reach external
// resources.
//
// Clients created here deliberately do not retry. Retries belong to the
// stage runner, which bills every attempt against the budget ledger and
// honors the retry policy; a transport that retried on its own would make
// calls the ledger never saw.
//
// The client adds:
//   - Request logging with sanitized URLs (sensitive parameters redacted)
//   - User-Agent header injection
//   - W3C trace context propagation from the request context
//   - An optional per-host politeness limit (golang.org/x/time/rate)
//   - TLS 1.2 minimum (TLS 1.3 preferred) and connection pooling
//
// # Usage
//
//	cfg := httpclient.DefaultConfig()
//	cfg.RequestsPerSecond = 2
//	client, err := httpclient.New(cfg)
//	if err != nil {
//	    return err
//	}
//
// ParseRetryAfter turns a 429 or 503 response's Retry-After header into the
// wait hint carried on errors.ExecutionError.
package httpclient
