package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"github.com/Veraticus/the-price-must-flow/internal/common"
	"github.com/Veraticus/the-price-must-flow/internal/model"
)

var priceExpr = regexp.MustCompile(`\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?`)

// HTMLConfig describes a shopping search results page.
type HTMLConfig struct {
	// URLTemplate is the results page URL with %s where the escaped query goes.
	URLTemplate   string
	ItemSelector  string
	TitleSelector string
	PriceSelector string
	LinkSelector  string
	UserAgent     string
	MaxResults    int
}

// HTMLSearcher scrapes a shopping search results page.
type HTMLSearcher struct {
	client *http.Client
	cfg    HTMLConfig
}

// NewHTMLSearcher validates cfg and wires an HTTP client; a nil client gets a 20s timeout.
func NewHTMLSearcher(cfg HTMLConfig, client *http.Client) (*HTMLSearcher, error) {
	if !strings.Contains(cfg.URLTemplate, "%s") {
		return nil, fmt.Errorf("%w: html search url template must contain %%s", common.ErrInvalidConfig)
	}
	if cfg.ItemSelector == "" || cfg.PriceSelector == "" {
		return nil, fmt.Errorf("%w: html search needs item and price selectors", common.ErrInvalidConfig)
	}
	if cfg.TitleSelector == "" {
		cfg.TitleSelector = "a"
	}
	if cfg.LinkSelector == "" {
		cfg.LinkSelector = "a[href]"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "reprice/1.0"
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 8
	}
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &HTMLSearcher{client: client, cfg: cfg}, nil
}

// Search runs each query in order and stops once enough listings are collected.
func (s *HTMLSearcher) Search(ctx context.Context, q Query) (Result, error) {
	queries := queriesFor(q)
	result := Result{Queries: queries}
	seen := map[string]struct{}{}

	for _, query := range queries {
		pageURL := fmt.Sprintf(s.cfg.URLTemplate, url.QueryEscape(query))
		doc, err := s.fetchDocument(ctx, pageURL)
		if err != nil {
			return Result{}, fmt.Errorf("query %q: %w", query, err)
		}

		for _, c := range s.extract(doc, pageURL, q.Descriptor) {
			key := c.URL
			if key == "" {
				key = c.Title
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			result.Competitors = append(result.Competitors, c)
			if len(result.Competitors) >= s.cfg.MaxResults {
				return result, nil
			}
		}
	}
	return result, nil
}

func (s *HTMLSearcher) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request document: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &common.StatusError{Provider: "search", StatusCode: resp.StatusCode, Body: resp.Status}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

func (s *HTMLSearcher) extract(doc *goquery.Document, pageURL string, d Descriptor) []model.Competitor {
	base, _ := url.Parse(pageURL)
	var out []model.Competitor

	doc.Find(s.cfg.ItemSelector).Each(func(_ int, item *goquery.Selection) {
		title := strings.Join(strings.Fields(item.Find(s.cfg.TitleSelector).First().Text()), " ")
		price, ok := ParsePrice(item.Find(s.cfg.PriceSelector).First().Text())
		if title == "" || !ok {
			return
		}

		link, _ := item.Find(s.cfg.LinkSelector).First().Attr("href")
		if base != nil && link != "" {
			if ref, err := url.Parse(link); err == nil {
				link = base.ResolveReference(ref).String()
			}
		}

		source := ""
		if base != nil {
			source = base.Hostname()
		}
		out = append(out, model.Competitor{
			Source: source,
			Title:  title,
			URL:    link,
			Price:  price,
			Match:  Similarity(d.Name(), title),
		})
	})
	return out
}

// ParsePrice extracts the first price from text such as "$1,299.99" or "USD 12.50".
func ParsePrice(text string) (float64, bool) {
	match := priceExpr.FindString(text)
	if match == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(match, ",", ""))
	if err != nil || !d.IsPositive() {
		return 0, false
	}
	return d.Round(2).InexactFloat64(), true
}
