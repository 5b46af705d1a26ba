package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 64 << 20

// Options configure the HTTP client.
type Options struct {
	BaseURL string
	// Token is sent as a bearer token on every request.
	Token    string
	Timeout  time.Duration
	RetryMax int
	Logger   *logger.Logger
	// RetryWaitMin and RetryWaitMax bound the backoff between transport
	// retries. Zero keeps the retryablehttp defaults.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Client talks to the invoicing API over HTTP.
//
// Transport-level retries (connection errors, 429, 5xx) are handled by
// retryablehttp within a single call. Mutation pushes are safe to retry
// because the server deduplicates on idempotency keys. Once retries are
// exhausted the failure is classified into the error taxonomy and the sync
// pass ends; there is no retry loop above this layer.
type Client struct {
	base   *url.URL
	token  string
	http   *retryablehttp.Client
	log    *logger.Logger
	tracer trace.Tracer
}

var _ API = (*Client)(nil)

// NewClient creates a Client.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, ierr.NewErrorf("invalid api base url %q", opts.BaseURL).
			WithHint("Set api.base_url to an absolute http(s) URL").
			Mark(ierr.ErrValidation)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	log := logger.OrNop(opts.Logger).Named("remote")

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	rc.HTTPClient.Timeout = opts.Timeout
	rc.Logger = log.Leveled()
	// Hand the last response back instead of a generic "giving up" error so
	// the status code can be classified.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		base:   base,
		token:  opts.Token,
		http:   rc,
		log:    log,
		tracer: otel.Tracer("github.com/tallybook/tally/internal/remote"),
	}, nil
}

func (c *Client) tenantPath(tenant, suffix string) string {
	return "/v1/businesses/" + url.PathEscape(tenant) + "/sync/" + suffix
}

// Snapshot implements API.
func (c *Client) Snapshot(ctx context.Context, tenant string) (*Snapshot, error) {
	ctx, span := c.tracer.Start(ctx, "remote.Snapshot", trace.WithAttributes(attribute.String("tenant", tenant)))
	defer span.End()

	var snap Snapshot
	if err := c.do(ctx, http.MethodGet, c.tenantPath(tenant, "snapshot"), nil, nil, &snap); err != nil {
		return nil, spanErr(span, err)
	}
	total := 0
	for _, recs := range snap.Entities {
		total += len(recs)
	}
	span.SetAttributes(attribute.Int("records", total))
	return &snap, nil
}

// Delta implements API.
func (c *Client) Delta(ctx context.Context, tenant, watermark string, limit int) (*Delta, error) {
	ctx, span := c.tracer.Start(ctx, "remote.Delta", trace.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.Int("limit", limit),
	))
	defer span.End()

	q := url.Values{}
	q.Set("since", watermark)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var d Delta
	if err := c.do(ctx, http.MethodGet, c.tenantPath(tenant, "delta"), q, nil, &d); err != nil {
		return nil, spanErr(span, err)
	}
	span.SetAttributes(attribute.Int("changes", len(d.Changes)), attribute.Bool("has_more", d.HasMore))
	return &d, nil
}

// PushMutations implements API.
func (c *Client) PushMutations(ctx context.Context, tenant string, mutations []Mutation) (*BatchResult, error) {
	batchID := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, "remote.PushMutations", trace.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.String("batch_id", batchID),
		attribute.Int("mutations", len(mutations)),
	))
	defer span.End()

	body, err := json.Marshal(BatchRequest{BatchID: batchID, Mutations: mutations})
	if err != nil {
		return nil, spanErr(span, ierr.WithError(err).Mark(ierr.ErrValidation))
	}
	var res BatchResult
	if err := c.do(ctx, http.MethodPost, c.tenantPath(tenant, "mutations"), nil, body, &res); err != nil {
		return nil, spanErr(span, err)
	}
	if res.BatchID == "" {
		res.BatchID = batchID
	}
	c.log.Debugw("mutations pushed", "batch_id", batchID, "sent", len(mutations), "results", len(res.Results))
	return &res, nil
}

// Ping implements API.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/health", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody any
	if body != nil {
		reqBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return ierr.WithError(err).WithHint("Please check the api base url").Mark(ierr.ErrHTTPClient)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportErr(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportErr(ctx, err)
	}
	if resp.StatusCode >= 300 {
		return statusErr(method, path, resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return ierr.WithError(err).
			WithHintf("Unexpected response from %s %s", method, path).
			Mark(ierr.ErrHTTPClient)
	}
	return nil
}

// StatusError carries a non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(string(e.Body))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, msg)
}

func statusErr(method, path string, code int, body []byte) error {
	se := &StatusError{Method: method, Path: path, StatusCode: code, Body: body}
	b := ierr.WithError(se)
	switch {
	case code == http.StatusGone:
		return b.WithHint("The server no longer recognises the sync cursor; a full sync is required").
			Mark(ierr.ErrWatermarkUnrecognized)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return b.WithHint("Check api.token").Mark(ierr.ErrPermissionDenied)
	case code == http.StatusNotFound:
		return b.Mark(ierr.ErrNotFound)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return b.Mark(ierr.ErrTimeout)
	case code == http.StatusTooManyRequests || code >= 500:
		return b.WithHint("The server is unavailable; sync will retry on the next trigger").
			Mark(ierr.ErrNetworkUnavailable)
	default:
		return b.Mark(ierr.ErrHTTPClient)
	}
}

func transportErr(ctx context.Context, err error) error {
	if ctx.Err() == context.Canceled {
		return ierr.WithError(err).WithMessage("request cancelled").Mark(ierr.ErrNetworkUnavailable)
	}
	if ctx.Err() == context.DeadlineExceeded || isTimeout(err) {
		return ierr.WithError(err).Mark(ierr.ErrTimeout)
	}
	return ierr.WithError(err).
		WithHint("The API is unreachable; changes stay queued until the next sync").
		Mark(ierr.ErrNetworkUnavailable)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return ierr.As(err, &t) && t.Timeout()
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, ierr.Code(err))
	return err
}
