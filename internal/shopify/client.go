// Package shopify talks to the Shopify Admin REST API: it lists the catalog
// for import and writes variant prices as the price of record.
package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/the-price-must-flow/internal/common"
	"github.com/Veraticus/the-price-must-flow/internal/ratelimit"
	"github.com/Veraticus/the-price-must-flow/internal/service"
)

// DefaultAPIVersion is the Admin API version used when none is configured.
const DefaultAPIVersion = "2024-10"

var (
	_ service.PriceWriter   = (*Client)(nil)
	_ service.ProductSource = (*Client)(nil)

	nextLinkPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)
)

// Config holds the store connection settings.
type Config struct {
	// Shop is the store domain, e.g. "example.myshopify.com".
	Shop        string
	AccessToken string
	APIVersion  string
	// BaseURL overrides the https://<Shop> origin.
	BaseURL    string
	Timeout    time.Duration
	PageSize   int
	MaxRetries int
}

// Client is a Shopify Admin REST client.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	apiRoot    string
	token      string
	pageSize   int
	maxRetries int
}

// NewClient creates a client. Every request goes through limiter when it is non-nil.
func NewClient(cfg Config, limiter *ratelimit.Limiter) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("%w: shopify access token", common.ErrMissingConfig)
	}
	origin := strings.TrimRight(cfg.BaseURL, "/")
	if origin == "" {
		if cfg.Shop == "" {
			return nil, fmt.Errorf("%w: shopify shop domain", common.ErrMissingConfig)
		}
		origin = "https://" + strings.TrimPrefix(strings.TrimPrefix(cfg.Shop, "https://"), "http://")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 250 {
		cfg.PageSize = 250
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		logger:     slog.Default().With("component", "shopify"),
		apiRoot:    fmt.Sprintf("%s/admin/api/%s", origin, cfg.APIVersion),
		token:      cfg.AccessToken,
		pageSize:   cfg.PageSize,
		maxRetries: cfg.MaxRetries,
	}, nil
}

// FormatPrice renders a price the way the Admin API expects it.
func FormatPrice(price float64) string {
	return decimal.NewFromFloat(price).StringFixed(2)
}

// ParsePrice parses an Admin API money string. Empty and null values are zero.
func ParsePrice(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q: %w", s, err)
	}
	return d.InexactFloat64(), nil
}

type variantUpdate struct {
	Variant struct {
		ID    int64  `json:"id"`
		Price string `json:"price"`
	} `json:"variant"`
}

// SetPrice implements service.PriceWriter.
func (c *Client) SetPrice(ctx context.Context, variantID string, price float64) error {
	id, err := strconv.ParseInt(variantID, 10, 64)
	if err != nil {
		return fmt.Errorf("shopify variant id %q is not numeric: %w", variantID, err)
	}
	if price <= 0 {
		return fmt.Errorf("refusing to set non-positive price %.2f on variant %s", price, variantID)
	}

	var body variantUpdate
	body.Variant.ID = id
	body.Variant.Price = FormatPrice(price)
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode variant update: %w", err)
	}

	endpoint := fmt.Sprintf("%s/variants/%d.json", c.apiRoot, id)
	_, _, err = c.do(ctx, http.MethodPut, endpoint, payload)
	if err != nil {
		return fmt.Errorf("set price of variant %s: %w", variantID, err)
	}
	c.logger.Debug("variant price updated", "variant_id", variantID, "price", body.Variant.Price)
	return nil
}

// do sends one request through the limiter and returns the body and headers
// of a 2xx response.
func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, http.Header, error) {
	type response struct {
		header http.Header
		body   []byte
	}
	send := func(ctx context.Context) (response, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return response{}, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("X-Shopify-Access-Token", c.token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return response{}, fmt.Errorf("request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return response{}, fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return response{}, &common.StatusError{Provider: "shopify", StatusCode: resp.StatusCode, Body: snippet(body)}
		}
		return response{body: body, header: resp.Header}, nil
	}

	var (
		r   response
		err error
	)
	if c.limiter != nil {
		r, err = ratelimit.Do(ctx, c.limiter, c.maxRetries, send)
	} else {
		r, err = send(ctx)
	}
	return r.body, r.header, err
}

// nextPage extracts the rel="next" URL from a Link header.
func nextPage(h http.Header) string {
	for _, link := range h.Values("Link") {
		if m := nextLinkPattern.FindStringSubmatch(link); m != nil {
			return m[1]
		}
	}
	return ""
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.apiRoot + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func snippet(body []byte) string {
	return common.Truncate(strings.TrimSpace(string(body)), 300)
}
