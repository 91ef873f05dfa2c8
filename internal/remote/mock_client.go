package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// ErrMockOffline is the cause carried by MockClient connectivity failures.
var ErrMockOffline = errors.New("mock remote is offline")

type mockFailure struct {
	err    error
	status int
	body   []byte
}

// MockClient is an in-memory remote store for tests and local development.
// It serves PostgREST-style table requests under Prefix from in-memory
// tables and records every call.
type MockClient struct {
	Prefix string

	mu       sync.Mutex
	offline  bool
	failures []mockFailure
	fixed    map[string]*Response
	tables   map[string][]map[string]interface{}
	calls    []Request
	nextID   int
}

var _ Client = (*MockClient)(nil)

// NewMockClient creates an online MockClient serving tables under prefix.
func NewMockClient(prefix string) *MockClient {
	return &MockClient{
		Prefix: prefix,
		fixed:  make(map[string]*Response),
		tables: make(map[string][]map[string]interface{}),
	}
}

// SetOffline makes every call fail with a connectivity error while true.
func (m *MockClient) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNext makes the next call fail with a connectivity error wrapping err.
func (m *MockClient) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = ErrMockOffline
	}
	m.failures = append(m.failures, mockFailure{err: err})
}

// RejectNext makes the next call answer with status and body.
func (m *MockClient) RejectNext(status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, mockFailure{status: status, body: []byte(body)})
}

// SetResponse registers a fixed answer for method and path (query included).
func (m *MockClient) SetResponse(method, path string, status int, contentType, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	m.fixed[method+" "+path] = &Response{Status: status, Body: []byte(body), Header: header}
}

// Seed appends rows to a table.
func (m *MockClient) Seed(resource string, rows ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		m.tables[resource] = append(m.tables[resource], copyRow(row))
	}
}

// Table returns a copy of a table's rows.
func (m *MockClient) Table(resource string) []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]map[string]interface{}, 0, len(m.tables[resource]))
	for _, row := range m.tables[resource] {
		rows = append(rows, copyRow(row))
	}
	return rows
}

// Calls returns every request received so far, including failed ones.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

// CallCount returns how many requests were received.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Ping fails while the mock is offline.
func (m *MockClient) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return &ConnectivityError{Op: "ping", Err: ErrMockOffline}
	}
	return nil
}

// Do implements Client.
func (m *MockClient) Do(ctx context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Request{
		Method: req.Method,
		Path:   req.Path,
		Body:   append([]byte(nil), req.Body...),
		Header: req.Header.Clone(),
	})

	if err := ctx.Err(); err != nil {
		return nil, &ConnectivityError{Op: req.Method + " " + req.Path, Err: err}
	}
	if m.offline {
		return nil, &ConnectivityError{Op: req.Method + " " + req.Path, Err: ErrMockOffline}
	}
	if len(m.failures) > 0 {
		f := m.failures[0]
		m.failures = m.failures[1:]
		if f.err != nil {
			return nil, &ConnectivityError{Op: req.Method + " " + req.Path, Err: f.err}
		}
		return jsonResponse(f.status, f.body), nil
	}
	if resp, ok := m.fixed[req.Method+" "+req.Path]; ok {
		return &Response{Status: resp.Status, Body: append([]byte(nil), resp.Body...), Header: resp.Header.Clone()}, nil
	}

	return m.serveTable(req), nil
}

func (m *MockClient) serveTable(req *Request) *Response {
	u, err := url.Parse(req.Path)
	if err != nil {
		return jsonResponse(http.StatusBadRequest, []byte(`{"message":"bad path"}`))
	}
	prefix := m.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if !strings.HasPrefix(u.Path, prefix) {
		return jsonResponse(http.StatusNotFound, []byte(`{"message":"not found"}`))
	}
	resource := strings.Trim(strings.TrimPrefix(u.Path, prefix), "/")
	if resource == "" {
		return jsonResponse(http.StatusOK, []byte(`{}`))
	}
	id, filtered := eqFilter(u.Query().Get("id"))

	switch req.Method {
	case http.MethodGet:
		var rows []map[string]interface{}
		for _, row := range m.tables[resource] {
			if !filtered || idString(row["id"]) == id {
				rows = append(rows, row)
			}
		}
		if rows == nil {
			rows = []map[string]interface{}{}
		}
		body, _ := json.Marshal(rows)
		return jsonResponse(http.StatusOK, body)

	case http.MethodPost:
		row := map[string]interface{}{}
		if err := decodeObject(req.Body, &row); err != nil {
			return jsonResponse(http.StatusBadRequest, []byte(`{"message":"invalid json"}`))
		}
		if _, ok := row["id"]; !ok {
			row["id"] = m.nextFreeID(resource)
		}
		for _, existing := range m.tables[resource] {
			if idString(existing["id"]) == idString(row["id"]) {
				return jsonResponse(http.StatusConflict, []byte(`{"message":"duplicate key"}`))
			}
		}
		m.tables[resource] = append(m.tables[resource], row)
		body, _ := json.Marshal(row)
		return jsonResponse(http.StatusCreated, body)

	case http.MethodPatch, http.MethodPut:
		if !filtered {
			return jsonResponse(http.StatusBadRequest, []byte(`{"message":"missing id filter"}`))
		}
		patch := map[string]interface{}{}
		if err := decodeObject(req.Body, &patch); err != nil {
			return jsonResponse(http.StatusBadRequest, []byte(`{"message":"invalid json"}`))
		}
		for _, row := range m.tables[resource] {
			if idString(row["id"]) == id {
				for k, v := range patch {
					row[k] = v
				}
			}
		}
		return &Response{Status: http.StatusNoContent, Header: http.Header{}}

	case http.MethodDelete:
		if !filtered {
			return jsonResponse(http.StatusBadRequest, []byte(`{"message":"missing id filter"}`))
		}
		kept := m.tables[resource][:0]
		for _, row := range m.tables[resource] {
			if idString(row["id"]) != id {
				kept = append(kept, row)
			}
		}
		m.tables[resource] = kept
		return &Response{Status: http.StatusNoContent, Header: http.Header{}}
	}

	return jsonResponse(http.StatusMethodNotAllowed, []byte(`{"message":"method not allowed"}`))
}

func eqFilter(v string) (string, bool) {
	if !strings.HasPrefix(v, "eq.") {
		return "", false
	}
	return strings.TrimPrefix(v, "eq."), true
}

// nextFreeID assigns the next integer id not already used in resource.
func (m *MockClient) nextFreeID(resource string) json.Number {
	for {
		m.nextID++
		id := strconv.Itoa(m.nextID)
		taken := false
		for _, row := range m.tables[resource] {
			if idString(row["id"]) == id {
				taken = true
				break
			}
		}
		if !taken {
			return json.Number(id)
		}
	}
}

// decodeObject keeps numbers as json.Number so large ids compare exactly.
func decodeObject(body []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

func idString(v interface{}) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case json.Number:
		return id.String()
	default:
		return fmt.Sprintf("%v", id)
	}
}

func copyRow(row map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func jsonResponse(status int, body []byte) *Response {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &Response{Status: status, Body: body, Header: header}
}
