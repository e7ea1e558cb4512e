package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/scrivanohq/scrivano/internal/syncerr"
)

// TokenProvider returns the current session JWT for the remote store.
type TokenProvider func(ctx context.Context) (string, error)

// ClientOptions configures the HTTP remote client.
type ClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	Transform     Transform // optional payload transform (e.g. encryption)
}

// Client talks to the remote store's REST surface. One request per batch;
// upserts are idempotent by primary key on the remote side.
type Client struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
	transform     Transform
}

// NewClient creates a remote store client.
func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		transform:     opts.Transform,
	}
}

type upsertBatchRequest struct {
	Records []Record `json:"records"`
}

type deleteBatchRequest struct {
	IDs []string `json:"ids"`
}

// UpsertBatch sends all records for one table in a single request.
func (c *Client) UpsertBatch(ctx context.Context, table string, records []Record) (*BatchResult, error) {
	if c.transform != nil {
		transformed := make([]Record, len(records))
		for i, rec := range records {
			payload, err := c.transform(table, rec.Payload)
			if err != nil {
				return nil, syncerr.Wrap(syncerr.CategoryValidation, fmt.Errorf("transform payload for %s/%s: %w", table, rec.ID, err))
			}
			transformed[i] = Record{ID: rec.ID, Payload: payload}
		}
		records = transformed
	}
	return c.doBatch(ctx, table, "/sync/v1/"+table+"/batch", upsertBatchRequest{Records: records})
}

// DeleteBatch removes all listed records of one table in a single request.
func (c *Client) DeleteBatch(ctx context.Context, table string, ids []string) (*BatchResult, error) {
	return c.doBatch(ctx, table, "/sync/v1/"+table+"/batch/delete", deleteBatchRequest{IDs: ids})
}

func (c *Client) doBatch(ctx context.Context, table, path string, payload any) (*BatchResult, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode batch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CategoryNetwork, fmt.Errorf("batch request for %s: %w", table, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CategoryNetwork, fmt.Errorf("read batch response for %s: %w", table, err))
	}

	if resp.StatusCode >= 400 {
		return nil, classifyStatus(resp.StatusCode, table, raw)
	}

	var result BatchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode batch response for %s: %w", table, err)
	}
	return &result, nil
}

// token fetches the session JWT and fails fast if it is already expired,
// so an obviously dead session never reaches the wire.
func (c *Client) token(ctx context.Context) (string, error) {
	if c.tokenProvider == nil {
		return "", syncerr.New(syncerr.CategoryAuthentication, "no session token provider configured")
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return "", syncerr.Wrap(syncerr.CategoryAuthentication, fmt.Errorf("fetch session token: %w", err))
	}
	if token == "" {
		return "", syncerr.New(syncerr.CategoryAuthentication, "empty session token")
	}

	// Signature verification belongs to the remote; here we only inspect
	// the expiry claim.
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(time.Now()) {
			return "", syncerr.New(syncerr.CategoryAuthentication, "session token expired")
		}
	}
	return token, nil
}

// classifyStatus maps a remote HTTP failure to the sync error taxonomy.
func classifyStatus(status int, table string, body []byte) error {
	msg := remoteErrorMessage(body)
	base := fmt.Errorf("remote %s batch failed: status %d: %s", table, status, msg)

	switch {
	case status == http.StatusUnauthorized:
		return syncerr.Wrap(syncerr.CategoryAuthentication, base)
	case status == http.StatusForbidden:
		return syncerr.Wrap(syncerr.CategoryPermission, base)
	case status == http.StatusNotFound || status == http.StatusConflict:
		// Referenced parent/record missing on the remote side.
		return syncerr.Wrap(syncerr.CategoryOrphanedRecord, base)
	case status == http.StatusUnprocessableEntity:
		return syncerr.Wrap(syncerr.CategoryValidation, base)
	case status == http.StatusTooManyRequests || status >= 500:
		return syncerr.Wrap(syncerr.CategoryNetwork, base)
	default:
		return syncerr.Wrap(syncerr.CategoryUnknown, base)
	}
}

func remoteErrorMessage(body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		s = "(empty body)"
	}
	return s
}
