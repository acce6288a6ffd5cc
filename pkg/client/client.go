// Package client provides the EvidenceKeeper Go SDK for the verification
// gateway.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jmerrifield20/evidencekeeper/internal/digest"
	"github.com/jmerrifield20/evidencekeeper/internal/x402"
)

// ErrNotFound is returned when the gateway has no such resource.
var ErrNotFound = errors.New("not found")

// PaymentRequiredError is returned by Premium when the gateway answers 402.
// Quote holds what to pay; Code is payment_required, payment_invalid or
// payment_replayed.
type PaymentRequiredError struct {
	Code   string
	Detail string
	Quote  Quote
}

func (e *PaymentRequiredError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("%s: pay %s %s to %s with memo %s", e.Code, e.Quote.Price, e.Quote.Currency, e.Quote.Recipient, e.Quote.Memo)
}

// Client is the gateway SDK entry point.
type Client struct {
	base       string
	httpClient *http.Client
	cache      *resultCache
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithCacheTTL caches anchored verifications for ttl.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		if ttl <= 0 {
			return fmt.Errorf("cache TTL must be positive")
		}
		c.cache = newResultCache(ttl)
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a self-signed gateway.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 30 * time.Second,
		}
		return nil
	}
}

// New creates a Client for the gateway at base, e.g. https://verify.example.com.
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("gateway URL: %w", err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// DigestFile hashes a local file. Only the digest is ever sent to the gateway.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	d, err := digest.SumReader(f)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return d.Hex(), nil
}

// Verify runs the free single-chain check for a hex digest.
func (c *Client) Verify(ctx context.Context, digestHex string) (*Verification, error) {
	d, err := digest.Parse(digestHex)
	if err != nil {
		return nil, err
	}
	key := d.Hex()

	if c.cache != nil {
		if v, ok := c.cache.get(key); ok {
			return v, nil
		}
	}

	var v Verification
	if err := c.getJSON(ctx, "/api/v1/verify/"+key, nil, &v, nil); err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.set(key, &v)
	}
	return &v, nil
}

// Premium runs a paid verification at tier. With a nil proof it returns a
// *PaymentRequiredError carrying the quote.
func (c *Client) Premium(ctx context.Context, digestHex, tier string, proof *PaymentProof) (*PremiumResult, error) {
	d, err := digest.Parse(digestHex)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if proof != nil {
		encoded, err := proof.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode payment proof: %w", err)
		}
		header.Set(x402.PaymentHeader, encoded)
	}

	path := "/api/v1/verify/" + d.Hex() + "/premium?tier=" + url.QueryEscape(tier)
	var res PremiumResult
	var respHeader http.Header
	if err := c.getJSON(ctx, path, header, &res, &respHeader); err != nil {
		return nil, err
	}
	res.PaymentResponse = respHeader.Get(x402.PaymentResponseHeader)
	return &res, nil
}

// Tiers returns the gateway's prices and payment settings.
func (c *Client) Tiers(ctx context.Context) (*Tiers, error) {
	var t Tiers
	if err := c.getJSON(ctx, "/api/v1/payment/tiers", nil, &t, nil); err != nil {
		return nil, err
	}
	return &t, nil
}

// AttestationKey returns the key legal attestations are signed with.
func (c *Client) AttestationKey(ctx context.Context) (*AttestationKey, error) {
	var k AttestationKey
	if err := c.getJSON(ctx, "/api/v1/attestation/key", nil, &k, nil); err != nil {
		return nil, err
	}
	return &k, nil
}

// CustodyTrail returns every custody journal entry about a record.
func (c *Client) CustodyTrail(ctx context.Context, recordID string) ([]CustodyEntry, error) {
	var out struct {
		Entries []CustodyEntry `json:"entries"`
	}
	if err := c.getJSON(ctx, "/api/v1/custody/records/"+url.PathEscape(recordID), nil, &out, nil); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// getJSON issues a GET and decodes a 200 body into out. A 402 becomes a
// *PaymentRequiredError and a 404 wraps ErrNotFound.
func (c *Client) getJSON(ctx context.Context, path string, header http.Header, out any, respHeader *http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	status, body, hdr, err := c.doStatusBody(req)
	if err != nil {
		return err
	}
	if respHeader != nil {
		*respHeader = hdr
	}

	switch {
	case status == http.StatusPaymentRequired:
		var pr struct {
			Error   string `json:"error"`
			Detail  string `json:"detail"`
			Payment Quote  `json:"payment"`
		}
		if err := json.Unmarshal(body, &pr); err != nil {
			return fmt.Errorf("decode 402 response: %w", err)
		}
		return &PaymentRequiredError{Code: pr.Error, Detail: pr.Detail, Quote: pr.Payment}
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	case status >= 300:
		return fmt.Errorf("gateway error %d: %s", status, errorMessage(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doStatusBody returns (statusCode, body, header, error) without failing on
// 4xx responses. The caller interprets the status code.
func (c *Client) doStatusBody(req *http.Request) (int, []byte, http.Header, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, resp.Header, nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
