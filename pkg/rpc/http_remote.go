package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"podtable/pkg/table"
)

// ForwardedHeader marks a request already routed by another node. The
// receiver serves it from its local tables instead of routing it again.
const ForwardedHeader = "X-Podtable-Forwarded"

// StatusNotFound is the envelope status of a missing row.
const StatusNotFound = "not_found"

// HTTPRemote talks to the HTTP API of a pod node. Rows coming back are
// typed with the schemas of catalog when it is set.
type HTTPRemote struct {
	baseURL   string
	client    *http.Client
	catalog   *table.Catalog
	forwarded bool
}

// NewHTTPRemote returns a node-to-node client: the receiver serves its
// requests locally.
func NewHTTPRemote(baseURL string, catalog *table.Catalog, client *http.Client) *HTTPRemote {
	r := NewHTTPClient(baseURL, catalog, client)
	r.forwarded = true
	return r
}

// NewHTTPClient returns a client for external callers; the receiving node
// routes each request to the owner of the row.
func NewHTTPClient(baseURL string, catalog *table.Catalog, client *http.Client) *HTTPRemote {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return &HTTPRemote{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		catalog: catalog,
	}
}

// envelope - ответ сервера в общем формате
type envelope struct {
	Status string            `json:"status"`
	Value  json.RawMessage   `json:"value,omitempty"`
	Rows   []json.RawMessage `json:"rows,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func (s *HTTPRemote) rowsURL(name string) string {
	return s.baseURL + "/api/tables/" + url.PathEscape(name) + "/rows"
}

func (s *HTTPRemote) do(req *http.Request) (*http.Response, envelope, error) {
	var env envelope
	if s.forwarded {
		req.Header.Set(ForwardedHeader, "1")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, env, fmt.Errorf("%s do: %w", req.Method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, env, fmt.Errorf("%s read body: %w", req.Method, err)
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &env); err != nil {
			return resp, env, fmt.Errorf("%s failed: %d: %s", req.Method, resp.StatusCode, string(body))
		}
	}
	return resp, env, nil
}

func statusError(method string, code int, env envelope) error {
	return fmt.Errorf("%s failed: %d: %s", method, code, env.Error)
}

func (s *HTTPRemote) Put(ctx context.Context, name string, row table.Row) error {
	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.rowsURL(name), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create PUT request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, env, err := s.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return statusError("PUT", resp.StatusCode, env)
	}
	return nil
}

func (s *HTTPRemote) Get(ctx context.Context, name string, key table.Row) (table.Row, bool, error) {
	u := s.rowsURL(name) + "?" + EncodeKey(key).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create GET request: %w", err)
	}

	resp, env, err := s.do(req)
	if err != nil {
		return nil, false, err
	}
	if resp.StatusCode == http.StatusNotFound && env.Status == StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, statusError("GET", resp.StatusCode, env)
	}

	row, err := s.decodeRow(name, env.Value)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func (s *HTTPRemote) Delete(ctx context.Context, name string, key table.Row) error {
	u := s.rowsURL(name) + "?" + EncodeKey(key).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("create DELETE request: %w", err)
	}

	resp, env, err := s.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return statusError("DELETE", resp.StatusCode, env)
	}
	return nil
}

// ScanLocal returns the rows the remote node owns.
func (s *HTTPRemote) ScanLocal(ctx context.Context, name string) ([]table.Row, error) {
	return s.scan(ctx, name, true)
}

// Scan returns every row of the table, gathered from all pod nodes.
func (s *HTTPRemote) Scan(ctx context.Context, name string) ([]table.Row, error) {
	return s.scan(ctx, name, false)
}

func (s *HTTPRemote) scan(ctx context.Context, name string, local bool) ([]table.Row, error) {
	u := s.baseURL + "/api/tables/" + url.PathEscape(name) + "/scan?local=" + strconv.FormatBool(local)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create SCAN request: %w", err)
	}

	resp, env, err := s.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("SCAN", resp.StatusCode, env)
	}

	rows := make([]table.Row, 0, len(env.Rows))
	for _, raw := range env.Rows {
		row, err := s.decodeRow(name, raw)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *HTTPRemote) decodeRow(name string, raw json.RawMessage) (table.Row, error) {
	values, err := DecodeValues(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if s.catalog == nil {
		return values, nil
	}
	t, err := s.catalog.Lookup(name)
	if err != nil {
		return nil, err
	}
	return t.Schema().Coerce(values)
}

// DecodeValues reads a JSON object keeping numbers as json.Number.
func DecodeValues(r io.Reader) (map[string]any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var values map[string]any
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return values, nil
}

// EncodeKey renders key columns as query parameters, the textual form
// table.Schema.ParseKey reads back.
func EncodeKey(key table.Row) url.Values {
	q := make(url.Values, len(key))
	for name, v := range key {
		switch x := v.(type) {
		case string:
			q.Set(name, x)
		case int64:
			q.Set(name, strconv.FormatInt(x, 10))
		case []byte:
			q.Set(name, base64.StdEncoding.EncodeToString(x))
		default:
			q.Set(name, fmt.Sprint(x))
		}
	}
	return q
}

func (s *HTTPRemote) Close() error { return nil }
