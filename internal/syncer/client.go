// Package syncer runs the client side of the sync engine: it pulls
// remote changes into the local store, pushes queued local changes,
// and keeps the two converging while the network comes and goes.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/erpsync"
	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/remotestore"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// PullRequest is the wire form of a pull page request. Field names
// match the server contract; this struct is the only place the client
// spells them out.
type PullRequest struct {
	Table      string `json:"table"`
	CompanyID  string `json:"company_id"`
	LocationID string `json:"location_id,omitempty"`
	Since      string `json:"since"`
	UseGT      bool   `json:"use_gt,omitempty"`
	From       int    `json:"from,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Days       int    `json:"days,omitempty"`
}

type ApplyRequest struct {
	CompanyID  string               `json:"company_id"`
	LocationID string               `json:"location_id,omitempty"`
	Items      []erpsync.ChangeItem `json:"items"`
}

type ApplyResponse struct {
	OK      bool                     `json:"ok"`
	Results []remotestore.ItemResult `json:"results"`
	Error   string                   `json:"error,omitempty"`
}

// RemoteClient is what the sync loop needs from the remote endpoint.
// Tests substitute an in-memory fake.
type RemoteClient interface {
	Pull(ctx context.Context, req PullRequest) ([]erpsync.Row, error)
	Apply(ctx context.Context, req ApplyRequest) (ApplyResponse, error)
	Health(ctx context.Context) error
}

// TokenSource supplies the bearer credential for each request, so a
// caller can plug in a refreshing token without the client knowing.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

type HTTPClient struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL string, tokens TokenSource, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) Pull(ctx context.Context, req PullRequest) ([]erpsync.Row, error) {
	var out []erpsync.Row
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sync/pull", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) Apply(ctx context.Context, req ApplyRequest) (ApplyResponse, error) {
	var out ApplyResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/sync/apply", req, &out)
	return out, err
}

func (c *HTTPClient) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("fetch token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-Correlation-Id", "agent_"+uuid.NewString())
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
			Code    string `json:"code"`
			Message string `json:"error"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
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
	if at, err := http.ParseTime(header); err == nil {
		if delay := time.Until(at); delay > 0 {
			return delay
		}
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

// IsRetryable reports whether an error from the remote should put the
// agent into offline mode instead of failing the cycle outright.
// Auth failures count: the token may simply need a refresh, and the
// queued work must survive until it gets one.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusUnauthorized,
			httpErr.StatusCode == http.StatusRequestTimeout,
			httpErr.StatusCode == http.StatusTooManyRequests,
			httpErr.StatusCode >= 500:
			return true
		}
		return false
	}
	// Anything that never produced an HTTP status is a transport
	// failure: DNS, refused connection, timeout.
	return true
}
