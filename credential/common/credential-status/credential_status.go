// Package credentialstatus checks bitstring status list entries.
package credentialstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bluele/gcache"
	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/stablerwa/go-did-sdk/credential/common/util"
)

const (
	PurposeRevocation = "revocation"
	PurposeSuspension = "suspension"

	defaultListTTL  = 5 * time.Minute
	defaultListSize = 256
)

// Client fetches status list credentials and checks entries against them.
// Decoded lists are cached per URL.
type Client struct {
	httpClient *http.Client
	lists      gcache.Cache
	ttl        time.Duration
	logger     log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithListTTL sets how long a fetched list is reused. Zero disables caching.
func WithListTTL(d time.Duration) Option {
	return func(cl *Client) { cl.ttl = d }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// NewClient creates a status list client with a 10s default timeout.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		lists:  gcache.New(defaultListSize).LRU().Build(),
		ttl:    defaultListTTL,
		logger: log.Root().With("module", "credential-status"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsRevoked reports whether the entry's bit is set in its status list. Only
// revocation and suspension purposes are checked. Other purposes report
// false.
func (c *Client) IsRevoked(ctx context.Context, entry Entry) (bool, error) {
	if entry.StatusPurpose != "" && entry.StatusPurpose != PurposeRevocation && entry.StatusPurpose != PurposeSuspension {
		return false, nil
	}

	position, err := strconv.Atoi(entry.StatusListIndex)
	if err != nil || position < 0 {
		return false, fmt.Errorf("invalid statusListIndex %q", entry.StatusListIndex)
	}

	subject, err := c.subject(ctx, entry.StatusListCredential)
	if err != nil {
		return false, err
	}
	if entry.StatusPurpose != "" && subject.StatusPurpose != entry.StatusPurpose {
		return false, fmt.Errorf("status list purpose %q does not match entry purpose %q", subject.StatusPurpose, entry.StatusPurpose)
	}

	return IsRevoked(position, *subject)
}

func (c *Client) subject(ctx context.Context, listURL string) (*StatusListCredentialSubject, error) {
	if c.ttl > 0 {
		if v, err := c.lists.Get(listURL); err == nil {
			return v.(*StatusListCredentialSubject), nil
		}
	}

	cred, err := c.FetchStatusListCredential(ctx, listURL)
	if err != nil {
		return nil, err
	}

	subject := &cred.CredentialSubject
	if c.ttl > 0 {
		_ = c.lists.SetWithExpire(listURL, subject, c.ttl)
	}
	return subject, nil
}

// FetchStatusListCredential fetches and parses the status list credential
// at statusListCredentialURL. Both a bare credential and one wrapped in a
// {"data": ...} envelope are accepted.
func (c *Client) FetchStatusListCredential(ctx context.Context, statusListCredentialURL string) (*StatusListCredential, error) {
	if statusListCredentialURL == "" {
		return nil, fmt.Errorf("statusListCredential URL is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusListCredentialURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status list request: %w", err)
	}
	req.Header.Set("Accept", "application/vc+ld+json, application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call status list credential endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status list credential API returned non-200 status: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read status list credential response body: %w", err)
	}

	var wrapped StatusListCredentialResponse
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status list credential JSON: %w", err)
	}
	if wrapped.Data != nil {
		return wrapped.Data, nil
	}

	var cred StatusListCredential
	if err := json.Unmarshal(body, &cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status list credential JSON: %w", err)
	}
	if cred.CredentialSubject.EncodedList == "" {
		return nil, errors.New("status list credential has no encodedList")
	}
	c.logger.Debug("fetched status list", "url", statusListCredentialURL, "purpose", cred.CredentialSubject.StatusPurpose)
	return &cred, nil
}

// IsRevoked reports whether bit position of the subject's list is set. Bits
// are numbered from the most significant bit of the first byte.
func IsRevoked(position int, subject StatusListCredentialSubject) (bool, error) {
	bits, err := util.DecompressFromBase64URL(subject.EncodedList)
	if err != nil {
		return false, fmt.Errorf("failed to decode status list: %w", err)
	}

	byteIndex := position / 8
	if position < 0 || byteIndex >= len(bits) {
		return false, fmt.Errorf("status index %d out of range for a %d-bit list", position, len(bits)*8)
	}
	bitIndex := 7 - position%8
	return (bits[byteIndex]>>bitIndex)&1 == 1, nil
}
