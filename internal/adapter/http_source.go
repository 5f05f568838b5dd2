package adapter

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/stellar-lineage/internal/circuitbreaker"
	apperrors "github.com/stellar-lineage/internal/errors"
	"github.com/stellar-lineage/internal/logging"
	"github.com/stellar-lineage/internal/retry"
)

// maxResponseBytes caps a single upstream response body
const maxResponseBytes = 8 << 20

var (
	// errNotFound marks a 404 before the caller decides what absence means
	errNotFound = stderrors.New("upstream returned 404")
	// errBadRequest marks a 400, which Horizon returns for malformed ids
	errBadRequest = stderrors.New("upstream returned 400")
)

// httpSource performs rate limited, retried, circuit-broken GET requests
// against one upstream
type httpSource struct {
	name     string
	client   *http.Client
	limiter  *rate.Limiter
	breakers *circuitbreaker.Manager
	retry    *retry.RetryConfig
}

func newHTTPSource(name string, timeout time.Duration, rps float64, burst int, attempts int, breakers *circuitbreaker.Manager) *httpSource {
	if burst < 1 {
		burst = 1
	}
	retryCfg := retry.DefaultRetryConfig()
	if attempts > 0 {
		retryCfg.MaxAttempts = attempts
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager()
	}
	return &httpSource{
		name:     name,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		breakers: breakers,
		retry:    retryCfg,
	}
}

// get fetches url and returns the body of a 200 response. 404 returns
// errNotFound; 429, 5xx and timeouts return transient errors.
func (s *httpSource) get(ctx context.Context, breakerName, url string) ([]byte, error) {
	breaker := s.breakers.GetOrCreate(breakerName, nil)

	var body []byte
	err := retry.Do(ctx, s.retry, func(ctx context.Context, attempt int) error {
		return breaker.Execute(ctx, func() error {
			b, err := s.doRequest(ctx, url)
			if err != nil {
				return err
			}
			body = b
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (s *httpSource) doRequest(ctx context.Context, url string) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, apperrors.NewProviderTimeoutError(s.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		var netErr net.Error
		if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
			return nil, apperrors.NewProviderTimeoutError(s.name, err)
		}
		return nil, apperrors.NewProviderError(s.name, err)
	}
	defer resp.Body.Close()

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"source":   s.name,
		"url":      url,
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	}).Debug("Upstream request completed")

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, errNotFound
	case resp.StatusCode == http.StatusBadRequest:
		return nil, errBadRequest
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.NewProviderRateLimitError(s.name)
	case resp.StatusCode >= 500:
		return nil, apperrors.NewProviderError(s.name, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return nil, fmt.Errorf("%s returned status %d", s.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperrors.NewProviderError(s.name, fmt.Errorf("failed to read body: %w", err))
	}
	return body, nil
}
