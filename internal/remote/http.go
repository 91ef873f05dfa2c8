package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/plagapro/plagapro/backend/internal/logging"
)

const (
	defaultTimeout       = 15 * time.Second
	defaultRetryWaitTime = 500 * time.Millisecond
)

// Options configures an HTTPClient.
type Options struct {
	BaseURL    string
	APIKey     string
	HealthPath string
	Timeout    time.Duration
	RetryCount int
}

// HTTPClient is the resty-backed Client used against the hosted backend.
type HTTPClient struct {
	client     *resty.Client
	healthPath string
}

var _ Client = (*HTTPClient)(nil)

func retryOnTooManyRequests(res *resty.Response, err error) bool {
	return res != nil && res.StatusCode() == http.StatusTooManyRequests
}

// NewHTTPClient creates an HTTPClient. The API key, when set, is sent both as
// the apikey header and as a bearer token.
func NewHTTPClient(opts Options) *HTTPClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(defaultRetryWaitTime).
		SetRetryMaxWaitTime(time.Duration(opts.RetryCount+1) * defaultRetryWaitTime).
		AddRetryCondition(retryOnTooManyRequests).
		SetLogger(logging.Get().Std()).
		SetHeader("Accept", "application/json")

	if opts.APIKey != "" {
		client.SetHeader("apikey", opts.APIKey)
		client.SetAuthToken(opts.APIKey)
	}

	healthPath := opts.HealthPath
	if healthPath == "" {
		healthPath = "/"
	}

	return &HTTPClient{client: client, healthPath: healthPath}
}

// Do executes req. Transport failures and context deadlines are returned as
// *ConnectivityError; HTTP answers are returned as-is for CheckStatus.
// req.Path must be relative: credentials are only ever sent to the base URL.
func (c *HTTPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	if u, err := url.Parse(req.Path); err != nil || u.Scheme != "" || u.Host != "" {
		return nil, fmt.Errorf("remote: request path must be relative to the base url: %q", req.Path)
	}

	r := c.client.R().SetContext(ctx)
	if req.Header != nil {
		r.SetHeaderMultiValues(req.Header)
	}
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}

	res, err := r.Execute(req.Method, req.Path)
	if err != nil {
		return nil, &ConnectivityError{Op: req.Method + " " + req.Path, Err: err}
	}

	return &Response{
		Status: res.StatusCode(),
		Body:   res.Body(),
		Header: res.Header(),
	}, nil
}

// Ping checks that the remote store answers at its health path. Any HTTP
// answer other than a timeout counts as reachable.
func (c *HTTPClient) Ping(ctx context.Context) error {
	resp, err := c.Do(ctx, &Request{Method: http.MethodGet, Path: c.healthPath})
	if err != nil {
		return err
	}
	if err := CheckStatus(resp); err != nil && !IsRejected(err) {
		return err
	}
	return nil
}
