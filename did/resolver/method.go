package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/stablerwa/go-did-sdk/did"
	"github.com/stablerwa/go-did-sdk/did/registry"
)

// Method resolves identifiers of one DID method. Errors wrapped with
// backoff.Permanent, or matching IsPermanent, are not retried.
type Method interface {
	Read(ctx context.Context, id did.Identifier) (*registry.Record, error)
}

// LocalMethod resolves the platform's own method from a Registry.
type LocalMethod struct {
	reg registry.Registry
}

// NewLocalMethod wraps reg.
func NewLocalMethod(reg registry.Registry) *LocalMethod {
	return &LocalMethod{reg: reg}
}

func (l *LocalMethod) Read(ctx context.Context, id did.Identifier) (*registry.Record, error) {
	return l.reg.Get(ctx, id)
}

const (
	didLDJson = "application/did+ld+json"
	didJSON   = "application/did+json"
)

// HTTPMethod resolves identifiers against a universal-resolver style
// endpoint: GET <endpoint>/<did>.
type HTTPMethod struct {
	endpoint  string
	client    *http.Client
	userAgent string
}

// HTTPOption configures an HTTPMethod.
type HTTPOption func(*HTTPMethod)

// WithHTTPClient sets the client. Its transport is used as is.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPMethod) { h.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(h *HTTPMethod) { h.userAgent = ua }
}

// NewHTTPMethod creates an HTTP method handler for endpoint. The default
// client is instrumented with OpenTelemetry.
func NewHTTPMethod(endpoint string, opts ...HTTPOption) (*HTTPMethod, error) {
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid resolver endpoint %q: %w", endpoint, err)
	}
	h := &HTTPMethod{
		endpoint: endpoint,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// resolutionResult is the DID resolution result envelope. Plain documents
// are accepted as well.
type resolutionResult struct {
	Document json.RawMessage `json:"didDocument"`
	Metadata struct {
		Deactivated bool `json:"deactivated"`
	} `json:"didDocumentMetadata"`
}

func (h *HTTPMethod) Read(ctx context.Context, id did.Identifier) (*registry.Record, error) {
	target, err := url.JoinPath(h.endpoint, url.PathEscape(id.String()))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", did.ErrInvalidDIDSyntax, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("HTTP create get request failed: %w", err))
	}
	req.Header.Set("Accept", didLDJson+", "+didJSON+", application/json")
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP Get request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response body failed: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return decodeResolution(body)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", did.ErrDocumentNotFound, id)
	case resp.StatusCode == http.StatusGone:
		// A deactivated document still comes with its resolution result.
		if rec, err := decodeResolution(body); err == nil {
			rec.Deactivated = true
			return rec, nil
		}
		return nil, fmt.Errorf("%w: %s", did.ErrDocumentDeactivated, id)
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s", did.ErrInvalidDIDSyntax, id)
	case resp.StatusCode == http.StatusNotImplemented:
		return nil, fmt.Errorf("%w: %s", did.ErrMethodNotSupported, id.Method)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("unavailable DID resolver [%d] body [%s]", resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		return nil, backoff.Permanent(fmt.Errorf("unsupported response from DID resolver [%d] header [%s] body [%s]",
			resp.StatusCode, resp.Header.Get("Content-Type"), strings.TrimSpace(string(body))))
	}
}

func decodeResolution(body []byte) (*registry.Record, error) {
	var res resolutionResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", did.ErrInvalidDocument, err))
	}

	raw := body
	if len(res.Document) > 0 && string(res.Document) != "null" {
		raw = res.Document
	}

	doc, err := did.ParseDocument(raw)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return &registry.Record{Document: doc, Deactivated: res.Metadata.Deactivated}, nil
}
