// Package client talks to a mediagate server: it requests capability
// tokens, performs direct uploads and drives multipart uploads.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/voicesofjudah/mediagate/pkg/auth"
	"github.com/voicesofjudah/mediagate/pkg/core"
)

const (
	DefaultPartSize    = 10 * 1024 * 1024
	DefaultConcurrency = 4
)

// APIError is a non-200 response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%d %s", e.StatusCode, e.Code)
}

type Client struct {
	http    *retryablehttp.Client
	baseURL string

	session     string
	username    string
	password    string
	partSize    int64
	concurrency int
}

type Option func(*Client)

// WithAdminSession sends value as the admin session cookie.
func WithAdminSession(value string) Option {
	return func(c *Client) {
		c.session = value
	}
}

// WithBasicAuth authenticates admin calls with operator credentials.
func WithBasicAuth(username string, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

func WithPartSize(size int64) Option {
	return func(c *Client) {
		c.partSize = size
	}
}

func WithConcurrency(n int) Option {
	return func(c *Client) {
		c.concurrency = n
	}
}

func WithRetries(retryMax int, waitMin time.Duration, waitMax time.Duration) Option {
	return func(c *Client) {
		c.http.RetryMax = retryMax
		c.http.RetryWaitMin = waitMin
		c.http.RetryWaitMax = waitMax
	}
}

func New(baseURL string, opts ...Option) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.Logger = slog.Default()
	httpClient.CheckRetry = retryPolicy
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		http:        httpClient,
		baseURL:     baseURL,
		partSize:    DefaultPartSize,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.partSize <= 0 {
		c.partSize = DefaultPartSize
	}
	if c.concurrency < 1 {
		c.concurrency = 1
	}
	return c
}

type repeatableKey struct{}

// repeatable marks requests that may be sent again after the server
// answered 500, such as part uploads and completions.
func repeatable(ctx context.Context) context.Context {
	return context.WithValue(ctx, repeatableKey{}, true)
}

// retryPolicy retries transport failures and transient statuses. A plain
// 500 is retried only for repeatable requests.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusInternalServerError {
		if ok, _ := ctx.Value(repeatableKey{}).(bool); !ok {
			return false, nil
		}
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func (c *Client) authorize(req *retryablehttp.Request) {
	if c.session != "" {
		req.AddCookie(&http.Cookie{Name: auth.AdminCookieName, Value: url.QueryEscape(c.session)})
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
}

func (c *Client) newJSONRequest(ctx context.Context, method string, path string, v any) (*retryablehttp.Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	return req, nil
}

// do sends req and decodes a 200 response into out.
func (c *Client) do(req *retryablehttp.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			slog.Debug("Close response body", "err", err)
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return unwrapError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func unwrapError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return &APIError{StatusCode: resp.StatusCode}
	}

	var body core.ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
	}
	return &APIError{StatusCode: resp.StatusCode, Code: body.Error, Message: body.Message}
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Presign requests a capability token for req.Key.
func (c *Client) Presign(ctx context.Context, req core.PresignRequest) (core.PresignResponse, error) {
	httpReq, err := c.newJSONRequest(ctx, http.MethodPost, "/api/r2/presigned-upload", req)
	if err != nil {
		return core.PresignResponse{}, err
	}

	var out core.PresignResponse
	if err := c.do(httpReq, &out); err != nil {
		return core.PresignResponse{}, fmt.Errorf("presign %q: %w", req.Key, err)
	}
	return out, nil
}

// DirectUpload sends size bytes of body under the key bound to uploadToken.
func (c *Client) DirectUpload(ctx context.Context, uploadToken string, contentType string, body io.ReadSeeker, size int64) (core.DirectUploadResponse, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/r2/direct-upload", body)
	if err != nil {
		return core.DirectUploadResponse{}, err
	}
	req.Header.Set(core.UploadTokenHeader, uploadToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	// retryablehttp does not set the length of seekable bodies.
	req.Header.Set("Content-Length", strconv.FormatInt(size, 10))
	req.ContentLength = size

	var out core.DirectUploadResponse
	if err := c.do(req, &out); err != nil {
		return core.DirectUploadResponse{}, fmt.Errorf("direct upload: %w", err)
	}
	return out, nil
}

func (c *Client) InitMultipart(ctx context.Context, key string, contentType string) (core.MultipartInitResponse, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/api/r2/multipart/init", core.MultipartInitRequest{
		Key:         key,
		ContentType: contentType,
	})
	if err != nil {
		return core.MultipartInitResponse{}, err
	}

	var out core.MultipartInitResponse
	if err := c.do(req, &out); err != nil {
		return core.MultipartInitResponse{}, fmt.Errorf("init multipart upload %q: %w", key, err)
	}
	return out, nil
}

func (c *Client) UploadPart(ctx context.Context, key string, uploadID string, partNumber int, data []byte) (core.UploadPartResponse, error) {
	q := url.Values{}
	q.Set("key", key)
	q.Set("uploadId", uploadID)
	q.Set("partNumber", strconv.Itoa(partNumber))

	req, err := retryablehttp.NewRequestWithContext(repeatable(ctx), http.MethodPut, c.baseURL+"/api/r2/multipart/part?"+q.Encode(), data)
	if err != nil {
		return core.UploadPartResponse{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.authorize(req)

	var out core.UploadPartResponse
	if err := c.do(req, &out); err != nil {
		return core.UploadPartResponse{}, fmt.Errorf("upload part %d: %w", partNumber, err)
	}
	return out, nil
}

func (c *Client) CompleteMultipart(ctx context.Context, req core.CompleteMultipartRequest) (core.CompleteMultipartResponse, error) {
	httpReq, err := c.newJSONRequest(repeatable(ctx), http.MethodPost, "/api/r2/multipart/complete", req)
	if err != nil {
		return core.CompleteMultipartResponse{}, err
	}

	var out core.CompleteMultipartResponse
	if err := c.do(httpReq, &out); err != nil {
		return core.CompleteMultipartResponse{}, fmt.Errorf("complete multipart upload %q: %w", req.Key, err)
	}
	return out, nil
}

func (c *Client) AbortMultipart(ctx context.Context, key string, uploadID string) error {
	q := url.Values{}
	q.Set("key", key)
	q.Set("uploadId", uploadID)

	req, err := retryablehttp.NewRequestWithContext(repeatable(ctx), http.MethodDelete, c.baseURL+"/api/r2/multipart/abort?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	var out core.AbortMultipartResponse
	if err := c.do(req, &out); err != nil {
		return fmt.Errorf("abort multipart upload %q: %w", key, err)
	}
	return nil
}

// ListUploads returns the open multipart uploads whose key starts with
// prefix.
func (c *Client) ListUploads(ctx context.Context, prefix string) ([]core.OpenUpload, error) {
	path := "/api/r2/multipart/uploads"
	if prefix != "" {
		path += "?prefix=" + url.QueryEscape(prefix)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	var out core.ListUploadsResponse
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	return out.Uploads, nil
}
