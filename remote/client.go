package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goliatone/go-offline-sync/cache"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/goliatone/go-offline-sync/remote"

// Record is an entity returned by the remote API.
type Record struct {
	ID      string
	Payload json.RawMessage
}

// API is the remote resource API the reconciler replays against.
type API interface {
	Create(ctx context.Context, endpoint string, payload json.RawMessage) (Record, error)
	Update(ctx context.Context, endpoint, id string, payload json.RawMessage) (Record, error)
	Delete(ctx context.Context, endpoint, id string) error
	List(ctx context.Context, endpoint string) ([]Record, error)
}

// Interface assertion to ensure Client implements API
var _ API = (*Client)(nil)

// HeaderFunc supplies headers to attach to every request, such as the session
// headers of the calling layer.
type HeaderFunc func(ctx context.Context) http.Header

// Client talks JSON to conventional resource endpoints:
// POST {endpoint}, PUT {endpoint}/{id}, DELETE {endpoint}/{id}, GET {endpoint}.
type Client struct {
	baseURL    string
	httpClient *http.Client
	idField    string
	recordPath string
	headers    HeaderFunc
	tracer     trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client, usually one whose transport is the proxy.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithIDField sets the gjson path of the id in response records. Default "id".
func WithIDField(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.idField = path
		}
	}
}

// WithRecordPath sets the gjson path of the record (or list) inside a response
// envelope, for example "data". Empty means the whole body.
func WithRecordPath(path string) Option {
	return func(c *Client) {
		c.recordPath = path
	}
}

// WithHeaders sets a provider of headers added to every request.
func WithHeaders(fn HeaderFunc) Option {
	return func(c *Client) {
		c.headers = fn
	}
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		idField:    "id",
		tracer:     otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IDField returns the configured id path.
func (c *Client) IDField() string {
	return c.idField
}

type headersKey struct{}

// ContextWithHeaders attaches per call headers that the client forwards.
func ContextWithHeaders(ctx context.Context, h http.Header) context.Context {
	return context.WithValue(ctx, headersKey{}, h)
}

// Create posts payload and returns the server record with its assigned id.
func (c *Client) Create(ctx context.Context, endpoint string, payload json.RawMessage) (Record, error) {
	body, _, err := c.do(ctx, http.MethodPost, c.resourceURL(endpoint, ""), payload)
	if err != nil {
		return Record{}, err
	}
	rec := c.record(body)
	if rec.ID == "" {
		return Record{}, fmt.Errorf("%w: POST %s", ErrMissingID, endpoint)
	}
	return rec, nil
}

// Update puts payload to the record. An empty response body yields a Record with
// only the id set.
func (c *Client) Update(ctx context.Context, endpoint, id string, payload json.RawMessage) (Record, error) {
	body, _, err := c.do(ctx, http.MethodPut, c.resourceURL(endpoint, id), payload)
	if err != nil {
		return Record{}, err
	}
	rec := c.record(body)
	if rec.ID == "" {
		rec.ID = id
	}
	return rec, nil
}

// Delete removes the record.
func (c *Client) Delete(ctx context.Context, endpoint, id string) error {
	_, _, err := c.do(ctx, http.MethodDelete, c.resourceURL(endpoint, id), nil)
	return err
}

// List fetches every record of the collection. Elements without an id are skipped.
// A list answered from the offline response cache returns ErrCachedResponse: it may
// predate local writes that the server already confirmed.
func (c *Client) List(ctx context.Context, endpoint string) ([]Record, error) {
	body, cached, err := c.do(ctx, http.MethodGet, c.resourceURL(endpoint, ""), nil)
	if err != nil {
		return nil, err
	}
	if cached {
		return nil, fmt.Errorf("%w: GET %s", ErrCachedResponse, endpoint)
	}

	list := gjson.ParseBytes(body)
	if c.recordPath != "" {
		list = list.Get(c.recordPath)
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("remote: GET %s: expected a JSON array", endpoint)
	}

	var records []Record
	list.ForEach(func(_, item gjson.Result) bool {
		id := item.Get(c.idField).String()
		if id != "" {
			records = append(records, Record{ID: id, Payload: json.RawMessage(item.Raw)})
		}
		return true
	})
	return records, nil
}

func (c *Client) record(body []byte) Record {
	if len(bytes.TrimSpace(body)) == 0 {
		return Record{}
	}
	result := gjson.ParseBytes(body)
	if c.recordPath != "" {
		result = result.Get(c.recordPath)
	}
	if !result.IsObject() {
		return Record{}
	}
	return Record{
		ID:      result.Get(c.idField).String(),
		Payload: json.RawMessage(result.Raw),
	}
}

func (c *Client) resourceURL(endpoint, id string) string {
	u := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte) ([]byte, bool, error) {
	ctx, span := c.tracer.Start(ctx, "remote."+strings.ToLower(method),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.full", target),
		),
	)
	defer span.End()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, false, fmt.Errorf("remote: build %s %s: %w", method, target, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.headers != nil {
		copyHeaders(req.Header, c.headers(ctx))
	}
	if h, ok := ctx.Value(headersKey{}).(http.Header); ok {
		copyHeaders(req.Header, h)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "network")
		return nil, false, &NetworkError{Method: method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read body")
		return nil, false, &NetworkError{Method: method, URL: target, Err: err}
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		return nil, false, &StatusError{Method: method, URL: target, StatusCode: resp.StatusCode, Body: body}
	}
	return body, cache.FromCache(resp), nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		dst.Del(k)
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
