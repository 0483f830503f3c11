package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxElapsed = 2 * time.Minute
)

// NewClient returns an HTTP client with standard timeout configuration.
func NewClient() *http.Client {
	return &http.Client{
		Timeout: DefaultTimeout,
	}
}

// StatusError is a non-200 response.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.Code, e.Body)
}

// Retryable reports whether a later attempt could succeed.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Fetcher performs GETs with exponential backoff.
type Fetcher struct {
	Client          *http.Client
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

func NewFetcher() *Fetcher {
	return &Fetcher{
		Client:         NewClient(),
		MaxElapsedTime: DefaultMaxElapsed,
	}
}

// Response is a fully read 200 response.
type Response struct {
	StatusCode int
	Body       []byte
	Attempts   int
}

// Get fetches url, retrying transport errors, 429 and 5xx responses. Any
// other non-200 status fails immediately with a *StatusError.
func (f *Fetcher) Get(ctx context.Context, url string) (*Response, error) {
	out := &Response{}
	operation := func() error {
		out.Attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}

		resp, err := f.Client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("GET %s: %w", url, err)
		}
		defer resp.Body.Close()

		out.StatusCode = resp.StatusCode
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			serr := &StatusError{URL: url, Code: resp.StatusCode, Body: string(b)}
			if serr.Retryable() {
				return serr
			}
			return backoff.Permanent(serr)
		}

		out.Body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	if f.InitialInterval > 0 {
		bo.InitialInterval = f.InitialInterval
	}
	bo.MaxElapsedTime = f.MaxElapsedTime
	if bo.MaxElapsedTime == 0 {
		bo.MaxElapsedTime = DefaultMaxElapsed
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return out, err
	}
	return out, nil
}
