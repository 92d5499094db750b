package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Ack is the server's acknowledgement of a replayed mutation. Body carries
// the authoritative resource state the cache is overwritten with.
type Ack struct {
	ResourceKey string `json:"resourceKey"`
	Revision    string `json:"revision,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// RemoteStore is the authoritative backend. Create and Update replay queued
// mutations; Read backs cache warming and explicit refreshes.
type RemoteStore interface {
	Create(ctx context.Context, resourceKind, resourceKey string, payload []byte) (Ack, error)
	Update(ctx context.Context, resourceKind, resourceKey string, payload []byte) (Ack, error)
	Read(ctx context.Context, resourceKind, resourceKey string) ([]byte, error)
}

// HTTPRemoteStore talks to the backing API over JSON. Transient failures
// (network errors, 5xx, 429) are retried with capped exponential backoff
// inside a single call; everything else surfaces as a typed *RemoteError so
// the reconciler can split transient from terminal.
type HTTPRemoteStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPRemoteStore(baseURL, token string, httpClient *http.Client) *HTTPRemoteStore {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPRemoteStore{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPRemoteStore) Create(ctx context.Context, resourceKind, resourceKey string, payload []byte) (Ack, error) {
	var out Ack
	err := c.doJSON(ctx, http.MethodPost, c.resourcePath(resourceKind, resourceKey), payload, &out)
	if err != nil {
		return Ack{}, err
	}
	if out.ResourceKey == "" {
		out.ResourceKey = resourceKey
	}
	return out, nil
}

func (c *HTTPRemoteStore) Update(ctx context.Context, resourceKind, resourceKey string, payload []byte) (Ack, error) {
	var out Ack
	err := c.doJSON(ctx, http.MethodPut, c.resourcePath(resourceKind, resourceKey), payload, &out)
	if err != nil {
		return Ack{}, err
	}
	if out.ResourceKey == "" {
		out.ResourceKey = resourceKey
	}
	return out, nil
}

func (c *HTTPRemoteStore) Read(ctx context.Context, resourceKind, resourceKey string) ([]byte, error) {
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, c.resourcePath(resourceKind, resourceKey), nil, &out); err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func (c *HTTPRemoteStore) resourcePath(resourceKind, resourceKey string) string {
	return fmt.Sprintf("/v1/resources/%s/%s", url.PathEscape(resourceKind), url.PathEscape(resourceKey))
}

func (c *HTTPRemoteStore) doJSON(ctx context.Context, method, requestPath string, body []byte, out any) error {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code            string `json:"code"`
			Message         string `json:"message"`
			CurrentRevision string `json:"currentRevision"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if resp.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		if resp.StatusCode == http.StatusConflict {
			return &ConflictError{ResourceKey: requestPath, CurrentRevision: errPayload.CurrentRevision}
		}
		return &RemoteError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPRemoteStore) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func correlationID() string {
	return fmt.Sprintf("sync_%d", time.Now().UnixNano())
}
