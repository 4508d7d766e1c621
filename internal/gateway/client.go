// Package gateway provides one HTTP client per FHIR record service.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vincent-tsugranes/redhat-healthcare/internal/fhir"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/observability/metrics"
	"github.com/vincent-tsugranes/redhat-healthcare/pkg/circuitbreaker"
)

const (
	opGet    = "get"
	opSearch = "search"

	// maxErrorBody bounds how much of a failed response is read for diagnostics
	maxErrorBody = 64 << 10
)

// ClientConfig holds configuration for a single record service client
type ClientConfig struct {
	Kind fhir.Kind
	// BaseURL is the service's FHIR base, e.g. http://localhost:8080/fhir
	BaseURL    string
	HTTPClient *http.Client
	Breaker    circuitbreaker.Config
}

// Client performs get and search against one record service
type Client struct {
	kind    fhir.Kind
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewClient creates a client for cfg.Kind
func NewClient(cfg ClientConfig, m *metrics.Metrics, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Kind == "" {
		return nil, errors.New("resource kind is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid %s base url %q", cfg.Kind, cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	bcfg := cfg.Breaker
	if bcfg.Name == "" {
		bcfg = circuitbreaker.DefaultConfig("gateway." + string(cfg.Kind))
	}
	bcfg.IsSuccessful = healthyOutcome
	bcfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Gauge())
	}

	breaker, err := circuitbreaker.New(bcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create %s breaker: %w", cfg.Kind, err)
	}
	m.SetBreakerState(breaker.Name(), circuitbreaker.StateClosed.Gauge())

	return &Client{
		kind:    cfg.Kind,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		breaker: breaker,
		metrics: m,
		logger:  logger.With(zap.String("kind", string(cfg.Kind))),
		tracer:  otel.Tracer("gateway"),
	}, nil
}

// Kind returns the resource kind served by this client
func (c *Client) Kind() fhir.Kind { return c.kind }

// Breaker exposes the client's circuit breaker for health reporting
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

// Get reads a single resource by id
func (c *Client) Get(ctx context.Context, id string) (*fhir.Resource, error) {
	if id == "" {
		return nil, &FetchError{Kind: c.kind, Op: opGet, Message: fmt.Sprintf("%s id is required", c.kind)}
	}

	var res fhir.Resource
	target := c.baseURL + "/" + string(c.kind) + "/" + url.PathEscape(id)
	if err := c.fetch(ctx, opGet, target, &res); err != nil {
		return nil, err
	}
	if res.Kind != c.kind {
		return nil, &FetchError{
			Kind:    c.kind,
			Op:      opGet,
			Message: fmt.Sprintf("expected %s resource, got %s", c.kind, res.Kind),
		}
	}
	return &res, nil
}

// Search runs a search; empty params return the service's default page
func (c *Client) Search(ctx context.Context, params map[string]string) (*fhir.Collection, error) {
	target := c.baseURL + "/" + string(c.kind)
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, v)
		}
		target += "?" + q.Encode()
	}

	var coll fhir.Collection
	if err := c.fetch(ctx, opSearch, target, &coll); err != nil {
		return nil, err
	}
	return &coll, nil
}

func (c *Client) fetch(ctx context.Context, op, target string, out any) error {
	ctx, span := c.tracer.Start(ctx, "gateway."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("fhir.kind", string(c.kind)),
			attribute.String("http.url", target),
		))
	defer span.End()

	start := time.Now()
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.roundTrip(ctx, op, target, out)
	})
	elapsed := time.Since(start)

	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			fe = &FetchError{
				Kind:    c.kind,
				Op:      op,
				Message: fmt.Sprintf("%s service unavailable", c.kind),
				Err:     err,
			}
		}
		c.metrics.ObserveGateway(string(c.kind), op, metrics.OutcomeError, elapsed)
		span.RecordError(fe)
		span.SetStatus(codes.Error, fe.Error())
		c.logger.Warn("record service request failed",
			zap.String("op", op),
			zap.String("url", target),
			zap.Int("status", fe.Status),
			zap.Duration("duration", elapsed),
			zap.Error(fe))
		return fe
	}

	c.metrics.ObserveGateway(string(c.kind), op, metrics.OutcomeSuccess, elapsed)
	c.logger.Debug("record service request succeeded",
		zap.String("op", op),
		zap.String("url", target),
		zap.Duration("duration", elapsed))
	return nil
}

func (c *Client) roundTrip(ctx context.Context, op, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return &FetchError{Kind: c.kind, Op: op, Message: "failed to build request", Err: err}
	}
	req.Header.Set("Accept", fhir.MIMEFHIRJSON+", application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return &FetchError{
			Kind:    c.kind,
			Op:      op,
			Message: fmt.Sprintf("%s service request failed: %v", c.kind, err),
			Err:     err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(op, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &FetchError{
			Kind:    c.kind,
			Op:      op,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("failed to decode %s response: %v", c.kind, err),
			Err:     err,
		}
	}
	return nil
}

func (c *Client) statusError(op string, resp *http.Response) error {
	fe := &FetchError{
		Kind:    c.kind,
		Op:      op,
		Status:  resp.StatusCode,
		Message: fmt.Sprintf("%s request failed with status %d", c.kind, resp.StatusCode),
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(body) == 0 {
		return fe
	}

	var outcome fhir.OperationOutcome
	if json.Unmarshal(body, &outcome) == nil && outcome.ResourceType == string(fhir.KindOperationOutcome) {
		if msg := outcome.Message(); msg != "" {
			fe.Message = msg
		}
	}
	return fe
}
