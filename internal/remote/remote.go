// Package remote defines the remote store collaborator: the hosted backend
// the offline core reads from and replays pending changes to.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Request is a single call against the remote store. Path is resolved
// against the client's base URL unless it is already absolute.
type Request struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header
}

// Response is what the remote store answered.
type Response struct {
	Status int
	Body   []byte
	Header http.Header
}

// ContentType returns the response Content-Type header, if any.
func (r *Response) ContentType() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// Client performs requests against the remote store. A non-nil error is
// always a *ConnectivityError; any HTTP answer, including 4xx and 5xx, is
// returned as a Response.
type Client interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// ConnectivityError means the remote store could not be reached: no network,
// DNS failure, refused connection or timeout.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("connectivity failure: %v", e.Err)
	}
	return fmt.Sprintf("connectivity failure: %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// RejectedError means the remote store was reached and refused the request.
type RejectedError struct {
	Status int
	Body   []byte
}

func (e *RejectedError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("server rejected request with status %d", e.Status)
	}
	body := e.Body
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Sprintf("server rejected request with status %d: %s", e.Status, body)
}

// IsConnectivity reports whether err is, or wraps, a *ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// IsRejected reports whether err is, or wraps, a *RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// StatusOf returns the HTTP status carried by a *RejectedError, or 0.
func StatusOf(err error) int {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Status
	}
	return 0
}

// CheckStatus classifies a response: nil for 1xx-3xx, *ConnectivityError for
// gateway and request timeouts, *RejectedError for every other 4xx/5xx.
func CheckStatus(resp *Response) error {
	switch {
	case resp == nil:
		return &ConnectivityError{Err: errors.New("no response")}
	case resp.Status == http.StatusRequestTimeout || resp.Status == http.StatusGatewayTimeout:
		return &ConnectivityError{Err: fmt.Errorf("remote timed out with status %d", resp.Status)}
	case resp.Status >= 400:
		return &RejectedError{Status: resp.Status, Body: resp.Body}
	}
	return nil
}
