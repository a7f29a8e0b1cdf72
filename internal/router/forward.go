package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/arcline/a2a-busproxy/internal/envelope"
	"github.com/arcline/a2a-busproxy/internal/proxyerror"
)

// Forwarder delivers request envelopes to co-located agents over plain
// HTTP. The connection pool is shared across all hosted agents. Local
// forwarding is never retried; the wrapped request may not be idempotent.
type Forwarder struct {
	client *http.Client
	logger *slog.Logger
}

// ForwarderOptions tunes the shared connection pool.
type ForwarderOptions struct {
	MaxConnsPerHost int
	IdleConnTimeout time.Duration
	RequestTimeout  time.Duration
}

func NewForwarder(opts ForwarderOptions, logger *slog.Logger) *Forwarder {
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = 32
	}
	if opts.IdleConnTimeout <= 0 {
		opts.IdleConnTimeout = 90 * time.Second
	}
	transport := &http.Transport{
		MaxConnsPerHost:     opts.MaxConnsPerHost,
		MaxIdleConnsPerHost: opts.MaxConnsPerHost,
		IdleConnTimeout:     opts.IdleConnTimeout,
		// Bounds the wait for response headers without cutting long-lived
		// SSE bodies short; overall deadlines come from the request context.
		ResponseHeaderTimeout: opts.RequestTimeout,
	}
	return &Forwarder{
		client: &http.Client{Transport: transport},
		logger: logger,
	}
}

// Forward rewrites the envelope onto host and executes it. The caller
// owns the response body.
func (f *Forwarder) Forward(ctx context.Context, host string, env *envelope.Envelope) (*http.Response, error) {
	method := env.HTTPMethod
	if method == "" {
		method = http.MethodPost
	}
	url := fmt.Sprintf("http://%s%s", host, env.HTTPPath)

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(env.Payload))
	if err != nil {
		return nil, fmt.Errorf("build forward request: %w", err)
	}
	envelope.RestoreHeaders(env.Headers, req.Header)
	if req.Header.Get("Content-Type") == "" && len(env.Payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Correlation-ID", env.CorrelationID)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, mapForwardError(err)
	}
	return resp, nil
}

// mapForwardError folds transport failures onto the proxy error taxonomy:
// timeouts become 504, everything else 502.
func mapForwardError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return proxyerror.AgentTimeout().WithCause(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return proxyerror.AgentTimeout().WithCause(err)
	}
	return proxyerror.AgentUnavailable().WithCause(err)
}
