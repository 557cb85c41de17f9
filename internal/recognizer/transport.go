package recognizer

import (
	"context"
	"math/rand/v2"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/airtrackhq/airtrack/internal/errors"
)

// Retry tuning for external service calls. Client errors never retry; only
// transport failures and server-side errors do.
const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 10 * time.Second
)

// doWithRetry waits for a rate-limit token, then sends the request built by
// build, retrying up to maxRetries times on network errors and 5xx/429
// responses with exponential backoff. A fresh request is built per attempt so
// bodies can be re-read.
func doWithRetry(ctx context.Context, hc *http.Client, limiter *rate.Limiter,
	maxRetries int, build func() (*http.Request, error)) (*http.Response, error) {

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
			delay += time.Duration(rand.Int64N(int64(delay / 4)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := hc.Do(req.WithContext(ctx))
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			lastErr = errors.Newf("service returned status %d", resp.StatusCode).
				Category(errors.CategoryRecognition).
				Context("status_code", resp.StatusCode).
				Build()
			continue
		}

		return resp, nil
	}

	return nil, errors.New(lastErr).
		Category(errors.CategoryRecognition).
		Context("retries", maxRetries).
		Build()
}
