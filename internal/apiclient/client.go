// Package apiclient is a typed client for the relaypost HTTP API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/agentworkforce/relaypost/internal/delivery"
	"github.com/agentworkforce/relaypost/internal/identity"
)

var ErrConflict = errors.New("conflict")

type HTTPError struct {
	StatusCode    int
	Code          string
	Message       string
	CorrelationID string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrConflict && e.StatusCode == http.StatusConflict
}

type ClearResult struct {
	Items []struct {
		Name  string `json:"name"`
		Error string `json:"error,omitempty"`
	} `json:"items"`
	Failed int `json:"failed"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) ListIdentities(ctx context.Context) (identity.State, error) {
	var state identity.State
	err := c.doJSON(ctx, http.MethodGet, "/v1/identities", nil, &state)
	return state, err
}

func (c *Client) PutIdentity(ctx context.Context, snapshot identity.Snapshot) (identity.Snapshot, error) {
	var stored identity.Snapshot
	err := c.doJSON(ctx, http.MethodPut, "/v1/identities/"+url.PathEscape(snapshot.ID), snapshot, &stored)
	return stored, err
}

func (c *Client) DeleteIdentity(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/identities/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Activate(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/identities/"+url.PathEscape(id)+"/activate", nil, nil)
}

func (c *Client) BeginResync(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/identities/"+url.PathEscape(id)+"/resync", nil, nil)
}

func (c *Client) BeginIdentityCreation(ctx context.Context) (identity.Snapshot, error) {
	var placeholder identity.Snapshot
	err := c.doJSON(ctx, http.MethodPost, "/v1/identities/pending", nil, &placeholder)
	return placeholder, err
}

func (c *Client) CompleteLogin(ctx context.Context) (identity.Snapshot, error) {
	var snapshot identity.Snapshot
	err := c.doJSON(ctx, http.MethodPost, "/v1/identities/complete", nil, &snapshot)
	return snapshot, err
}

func (c *Client) LiveSnapshot(ctx context.Context) (identity.Snapshot, error) {
	var snapshot identity.Snapshot
	err := c.doJSON(ctx, http.MethodGet, "/v1/live/snapshot", nil, &snapshot)
	return snapshot, err
}

func (c *Client) ClearLive(ctx context.Context) (ClearResult, error) {
	var result ClearResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/live/clear", nil, &result)
	return result, err
}

// Export returns the raw account state blob.
func (c *Client) Export(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/v1/identities/export", nil)
}

func (c *Client) Import(ctx context.Context, blob []byte) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/identities/import", blob)
	return err
}

func (c *Client) Enqueue(ctx context.Context, identityID, threadTarget, bodyHTML string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/v1/jobs", map[string]string{
		"identityId":   identityID,
		"threadTarget": threadTarget,
		"bodyHtml":     bodyHTML,
	}, &out)
	return out.ID, err
}

// ListJobs lists queued jobs, optionally only those in the given status.
func (c *Client) ListJobs(ctx context.Context, status delivery.State) ([]delivery.Job, error) {
	path := "/v1/jobs"
	if status != "" {
		path += "?" + url.Values{"status": []string{string(status)}}.Encode()
	}
	var out struct {
		Jobs []delivery.Job `json:"jobs"`
	}
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out.Jobs, err
}

func (c *Client) RemoveJob(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(id), nil, nil)
}

// Sweep removes completed jobs older than olderThan. Zero uses the server default.
func (c *Client) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	path := "/v1/jobs/sweep"
	if olderThan > 0 {
		path += "?" + url.Values{"olderThan": []string{olderThan.String()}}.Encode()
	}
	var out struct {
		Removed int `json:"removed"`
	}
	err := c.doJSON(ctx, http.MethodPost, path, nil, &out)
	return out.Removed, err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	payload, err := c.do(ctx, method, requestPath, bodyBytes)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func (c *Client) do(ctx context.Context, method, requestPath string, bodyBytes []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var errPayload struct {
			Code          string `json:"code"`
			Message       string `json:"message"`
			CorrelationID string `json:"correlationId"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return nil, &HTTPError{
			StatusCode:    resp.StatusCode,
			Code:          errPayload.Code,
			Message:       errPayload.Message,
			CorrelationID: errPayload.CorrelationID,
		}
	}
}

func correlationID() string {
	return "cli_" + ksuid.New().String()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
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
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
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
