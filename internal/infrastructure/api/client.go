package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/portal-sync/internal/config"
	"github.com/portal-sync/internal/domain"
	"github.com/portal-sync/internal/pkg/log"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Options configures a Client.
type Options struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	RetryMaxElapsed time.Duration // zero disables retries
	RateLimit       rate.Limit
	RateBurst       int
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	HTTPClient      *http.Client
}

// OptionsFromConfig maps runtime configuration onto client options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL:         cfg.APIBaseURL,
		Token:           cfg.APIToken,
		Timeout:         cfg.APITimeout,
		RetryMaxElapsed: cfg.APIRetryMaxElapsed,
		RateLimit:       rate.Limit(cfg.APIRateLimit),
		RateBurst:       cfg.APIRateBurst,
		BreakerFailures: cfg.BreakerMaxFailures,
		BreakerTimeout:  cfg.BreakerTimeout,
	}
}

// Client is a thin JSON client for the portal REST API. It adds bearer auth,
// a request id per call, client-side throttling, a circuit breaker, and
// exponential-backoff retries for idempotent calls.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	maxElapsed time.Duration
	log        zerolog.Logger
}

// NewClient creates a client for the API rooted at opts.BaseURL.
func NewClient(opts Options) *Client {
	logger := log.Component("api")
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	limit, burst := opts.RateLimit, opts.RateBurst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "portal-api",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// Only server-side and network failures count against the breaker.
			return err == nil || !errors.Is(err, domain.ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		httpClient: hc,
		limiter:    rate.NewLimiter(limit, burst),
		breaker:    breaker,
		maxElapsed: opts.RetryMaxElapsed,
		log:        logger,
	}
}

// request describes one API call.
type request struct {
	method     string
	path       string
	body       any
	form       string // pre-encoded form body; wins over body
	idempotent bool
	result     any
}

// do runs req with throttling, the breaker, and retries when the call is
// idempotent.
func (c *Client) do(ctx context.Context, req request) error {
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.roundTrip(ctx, req)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(fmt.Errorf("%s %s: %v: %w", req.method, req.path, err, domain.ErrUnavailable))
		case !req.idempotent || !errors.Is(err, domain.ErrUnavailable):
			return backoff.Permanent(err)
		default:
			return err
		}
	}

	if c.maxElapsed <= 0 {
		err := op()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = c.maxElapsed
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		c.log.Debug().Err(err).Str(log.FieldMethod, req.method).Str(log.FieldPath, req.path).Dur("wait", wait).Msg("retrying request")
	})
}

func (c *Client) roundTrip(ctx context.Context, req request) error {
	var (
		bodyReader  io.Reader
		contentType string
	)
	switch {
	case req.form != "":
		bodyReader = strings.NewReader(req.form)
		contentType = "application/x-www-form-urlencoded"
	case req.body != nil:
		data, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	requestID := uuid.NewString()
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %v: %w", req.method, req.path, err, domain.ErrUnavailable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	c.log.Debug().
		Str(log.FieldRequestID, requestID).
		Str(log.FieldMethod, req.method).
		Str(log.FieldPath, req.path).
		Int(log.FieldStatus, resp.StatusCode).
		Msg("api call")

	if resp.StatusCode >= 300 {
		return newAPIError(req.method, req.path, resp.StatusCode, respBody)
	}
	if req.result == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, req.result); err != nil {
		return fmt.Errorf("decode %s %s response: %w", req.method, req.path, err)
	}
	return nil
}
