// Package transport wraps outbound HTTP calls to the remote authority with
// header injection, bounded retry, and a single-flight token refresh so
// concurrent authorization failures cannot stampede the identity provider.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultUploadTimeout  = 60 * time.Second
	pingTimeout           = 5 * time.Second
	defaultMaxRetries     = 3
	defaultRetryDelay     = time.Second
	clientAppName         = "fieldsync"
	clientPlatform        = "go-agent"
)

var (
	errMissingBaseURL     = errors.New("server base url is required")
	errMissingCredentials = errors.New("credentials store is required")

	// ErrSessionTerminated is returned once the refresh protocol gave up:
	// local credentials are cleared and the caller must re-login.
	ErrSessionTerminated = errors.New("session terminated, re-login required")
)

// ClientConfig configures a transport client.
type ClientConfig struct {
	BaseURL        string
	Credentials    *Credentials
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	UploadTimeout  time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	ClientVersion  string
	OnForcedLogout func()
	Logger         *zap.Logger
}

// Client issues the remote operations the sync orchestrator needs.
type Client struct {
	baseURL        string
	creds          *Credentials
	httpClient     *http.Client
	requestTimeout time.Duration
	uploadTimeout  time.Duration
	maxRetries     int
	retryDelay     time.Duration
	clientVersion  string
	onForcedLogout func()
	logger         *zap.Logger

	refresh singleflight.Group
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errMissingBaseURL
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	uploadTimeout := cfg.UploadTimeout
	if uploadTimeout <= 0 {
		uploadTimeout = defaultUploadTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:        cfg.BaseURL,
		creds:          cfg.Credentials,
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		uploadTimeout:  uploadTimeout,
		maxRetries:     maxRetries,
		retryDelay:     retryDelay,
		clientVersion:  cfg.ClientVersion,
		onForcedLogout: cfg.OnForcedLogout,
		logger:         logger,
	}, nil
}

// Authenticate exchanges credentials for a token pair and stores it.
func (c *Client) Authenticate(ctx context.Context, username, password, deviceID string) (AuthResult, error) {
	body, err := json.Marshal(map[string]string{
		"username":  username,
		"password":  password,
		"device_id": deviceID,
	})
	if err != nil {
		return AuthResult{}, err
	}

	data, err := c.do(ctx, http.MethodPost, "/auth/login/", nil, body, c.requestTimeout)
	if err != nil {
		return AuthResult{}, err
	}

	var result AuthResult
	if err := json.Unmarshal(data, &result); err != nil {
		return AuthResult{}, fmt.Errorf("decode login response: %w", err)
	}
	if err := c.creds.SetPair(result.Token, result.RefreshToken); err != nil {
		return AuthResult{}, err
	}
	return result, nil
}

// PushMutations sends a batch of pending mutations and returns the per-item
// accept/reject results in batch order.
func (c *Client) PushMutations(ctx context.Context, batch []MutationItem) ([]MutationResult, error) {
	body, err := json.Marshal(map[string]interface{}{"mutations": batch})
	if err != nil {
		return nil, err
	}

	data, err := c.do(ctx, http.MethodPost, "/sync/push/", nil, body, c.requestTimeout)
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Results []MutationResult `json:"results"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decode push response: %w", err)
	}
	return decoded.Results, nil
}

// PullSince fetches authoritative data changed after the watermark. A zero
// watermark requests the full data set.
func (c *Client) PullSince(ctx context.Context, watermark time.Time) (PullResult, error) {
	query := url.Values{}
	if !watermark.IsZero() {
		query.Set("since", watermark.UTC().Format(time.RFC3339Nano))
	}

	data, err := c.do(ctx, http.MethodGet, "/sync/pull/", query, nil, c.requestTimeout)
	if err != nil {
		return PullResult{}, err
	}

	var result PullResult
	if err := json.Unmarshal(data, &result); err != nil {
		return PullResult{}, fmt.Errorf("decode pull response: %w", err)
	}
	return result, nil
}

// UploadAttachment ships one binary with its metadata and returns the
// server-side path. Uses the longer upload timeout bound.
func (c *Client) UploadAttachment(ctx context.Context, meta AttachmentMeta, content io.Reader) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fields := map[string]string{
		"media_id":    meta.MediaID,
		"owner_table": meta.OwnerTable,
		"owner_id":    meta.OwnerID,
		"kind":        meta.Kind,
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return "", err
		}
	}
	part, err := writer.CreateFormFile("file", meta.FileName)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	data, err := c.doWithContentType(ctx, http.MethodPost, "/media/", nil, buf.Bytes(), writer.FormDataContentType(), c.uploadTimeout)
	if err != nil {
		return "", err
	}

	var decoded struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return decoded.Path, nil
}

// Ping is a lightweight reachability probe with its own short bound. It never
// retries and never triggers a refresh.
func (c *Client) Ping(ctx context.Context) bool {
	_, status, err := c.send(ctx, http.MethodGet, "/sync/status/", nil, nil, "", pingTimeout)
	return err == nil && status == http.StatusOK
}

// do runs one logical request through the retry and refresh pipeline.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, timeout time.Duration) ([]byte, error) {
	return c.doWithContentType(ctx, method, path, query, body, "application/json", timeout)
}

func (c *Client) doWithContentType(ctx context.Context, method, path string, query url.Values, body []byte, contentType string, timeout time.Duration) ([]byte, error) {
	attempts := 0
	replayedAfterRefresh := false

	for {
		data, status, err := c.send(ctx, method, path, query, body, contentType, timeout)
		if err != nil {
			// No response at all: transient, worth retrying.
			if attempts < c.maxRetries {
				attempts++
				c.logger.Debug("transient transport failure, retrying",
					zap.String("path", path), zap.Int("attempt", attempts), zap.Error(err))
				if waitErr := c.wait(ctx, c.retryDelay*time.Duration(attempts)); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, &APIError{Status: 0, Message: err.Error()}
		}

		if status < http.StatusMultipleChoices {
			return data, nil
		}

		if status == http.StatusUnauthorized && !replayedAfterRefresh {
			if refreshErr := c.refreshSession(ctx); refreshErr != nil {
				return nil, refreshErr
			}
			replayedAfterRefresh = true
			continue
		}

		apiErr := &APIError{Status: status, Message: extractErrorMessage(data)}
		if apiErr.Transient() && attempts < c.maxRetries {
			attempts++
			c.logger.Debug("server error, retrying",
				zap.String("path", path), zap.Int("status", status), zap.Int("attempt", attempts))
			if waitErr := c.wait(ctx, c.retryDelay*time.Duration(attempts)); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return nil, apiErr
	}
}

// refreshSession runs the single-flight authentication refresh. Concurrent
// callers whose requests all hit a 401 share exactly one refresh HTTP call;
// each replays its own request once the shared call succeeds. On refresh
// failure the pair is cleared, the forced-logout hook fires once, and every
// joined caller receives ErrSessionTerminated.
func (c *Client) refreshSession(ctx context.Context) error {
	_, err, _ := c.refresh.Do("refresh", func() (interface{}, error) {
		refreshToken := c.creds.RefreshToken()
		if refreshToken == "" {
			return nil, c.forceLogout(errors.New("no refresh token stored"))
		}

		body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
		if err != nil {
			return nil, err
		}
		data, status, sendErr := c.send(ctx, http.MethodPost, "/auth/refresh/", nil, body, "application/json", c.requestTimeout)
		if sendErr != nil {
			return nil, c.forceLogout(sendErr)
		}
		if status != http.StatusOK {
			return nil, c.forceLogout(&APIError{Status: status, Message: extractErrorMessage(data)})
		}

		var pair struct {
			Token        string `json:"token"`
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.Unmarshal(data, &pair); err != nil {
			return nil, c.forceLogout(fmt.Errorf("decode refresh response: %w", err))
		}
		if err := c.creds.SetPair(pair.Token, pair.RefreshToken); err != nil {
			return nil, err
		}
		c.logger.Info("session token refreshed")
		return nil, nil
	})
	return err
}

// forceLogout clears local credentials and notifies the application. Always
// returns an error wrapping ErrSessionTerminated.
func (c *Client) forceLogout(cause error) error {
	if err := c.creds.Clear(); err != nil {
		c.logger.Error("credential clear failed during forced logout", zap.Error(err))
	}
	c.logger.Warn("token refresh failed, session terminated", zap.Error(cause))
	if c.onForcedLogout != nil {
		c.onForcedLogout()
	}
	return fmt.Errorf("%w: %v", ErrSessionTerminated, cause)
}

// send performs one HTTP round trip with header injection and the per-call
// timeout bound. It reports network-level failures via err and leaves status
// interpretation to the caller.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body []byte, contentType string, timeout time.Duration) ([]byte, int, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, target, reader)
	if err != nil {
		return nil, 0, err
	}

	if contentType != "" && body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Client-App", clientAppName)
	req.Header.Set("X-Platform", clientPlatform)
	if c.clientVersion != "" {
		req.Header.Set("X-Client-Version", c.clientVersion)
	}
	if token := c.creds.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return data, resp.StatusCode, nil
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// extractErrorMessage pulls a human-readable reason out of an error body.
func extractErrorMessage(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return string(data)
	}
	for _, key := range []string{"error", "message", "detail"} {
		if value, ok := decoded[key].(string); ok && value != "" {
			return value
		}
	}
	return string(data)
}
