package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"call-intake/internal/calls"
	"call-intake/pkg/utils"
)

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider http %d: %s", e.Code, e.Body)
}

// Transient reports whether err is worth retrying: network failures,
// rate limits and server errors.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotReady) || errors.Is(err, ErrConfig) || errors.Is(err, ErrSkip) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// apiClient is the HTTP plumbing shared by adapters.
type apiClient struct {
	http  *http.Client
	retry utils.RetryPolicy
}

func newAPIClient(d Deps) apiClient {
	p := d.Retry
	if p.Retryable == nil {
		p.Retryable = Transient
	}
	return apiClient{http: d.HTTP, retry: p}
}

type requestFunc func(ctx context.Context) (*http.Request, error)

// body sends the request with retry and returns the raw response body.
func (c apiClient) body(ctx context.Context, build requestFunc) ([]byte, int, error) {
	var status int
	b, err := utils.RetryValue(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return nil, err
		}
		status = resp.StatusCode
		if resp.StatusCode >= 300 {
			return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 512)}
		}
		return body, nil
	})
	return b, status, err
}

// doJSON sends the request and decodes a JSON response into out.
// A 204 leaves out untouched.
func (c apiClient) doJSON(ctx context.Context, build requestFunc, out any) (int, error) {
	b, status, err := c.body(ctx, build)
	if err != nil {
		return status, err
	}
	if status == http.StatusNoContent || len(b) == 0 || out == nil {
		return status, nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return status, fmt.Errorf("decode provider response: %w", err)
	}
	return status, nil
}

// download opens an audio stream. 404 and 202 mean the provider has not stored it yet.
func (c apiClient) download(ctx context.Context, build requestFunc) (calls.Recording, error) {
	return utils.RetryValue(ctx, c.retry, func(ctx context.Context) (calls.Recording, error) {
		req, err := build(ctx)
		if err != nil {
			return calls.Recording{}, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return calls.Recording{}, err
		}
		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
			resp.Body.Close()
			return calls.Recording{}, ErrNotReady
		case resp.StatusCode >= 300:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return calls.Recording{}, &StatusError{Code: resp.StatusCode, Body: string(b)}
		}
		ct := resp.Header.Get("Content-Type")
		// Some PBXs answer "not ready" with a JSON or HTML error page and a 200.
		if strings.HasPrefix(ct, "application/json") || strings.HasPrefix(ct, "text/html") {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return calls.Recording{}, fmt.Errorf("%w: provider returned %s instead of audio: %s", ErrNotReady, ct, truncate(string(b), 200))
		}
		return calls.Recording{Body: resp.Body, ContentType: ct, URL: req.URL.String()}, nil
	})
}

func (c apiClient) get(ctx context.Context, rawURL string) (calls.Recording, error) {
	if strings.TrimSpace(rawURL) == "" {
		return calls.Recording{}, ErrNotReady
	}
	return c.download(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
