package sources

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"k8s.io/utils/ptr"
)

// Trending lists repositories from the GitHub trending page.
type Trending struct {
	hc       *http.Client
	baseURL  string
	since    string
	language string
	lookup   Lookup
}

type TrendingOptions struct {
	httpClient *http.Client
	baseURL    string
	since      string
	language   string
}

type TrendingOption func(*TrendingOptions)

func WithTrendingHTTPClient(hc *http.Client) TrendingOption {
	return func(o *TrendingOptions) { o.httpClient = hc }
}

func WithTrendingBaseURL(u string) TrendingOption {
	return func(o *TrendingOptions) { o.baseURL = u }
}

// WithSince selects the trending window: daily, weekly or monthly.
func WithSince(since string) TrendingOption {
	return func(o *TrendingOptions) { o.since = since }
}

func WithLanguage(lang string) TrendingOption {
	return func(o *TrendingOptions) { o.language = lang }
}

func NewTrending(lookup Lookup, opts ...TrendingOption) *Trending {
	o := TrendingOptions{baseURL: "https://github.com"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = http.DefaultClient
	}
	return &Trending{
		hc:       o.httpClient,
		baseURL:  strings.TrimSuffix(o.baseURL, "/"),
		since:    o.since,
		language: o.language,
		lookup:   lookup,
	}
}

func (t *Trending) Name() string { return "trending" }

func (t *Trending) Discover(ctx context.Context) ([]Candidate, error) {
	u := t.baseURL + "/trending"
	if t.language != "" {
		u += "/" + url.PathEscape(strings.ToLower(t.language))
	}
	if t.since != "" {
		u += "?since=" + url.QueryEscape(t.since)
	}
	body, err := get(ctx, t.hc, u, "text/html")
	if err != nil {
		return nil, fmt.Errorf("fetch trending page: %w", err)
	}
	candidates, err := ParseTrending(body)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Scraped trending repositories", "count", len(candidates))
	if err := Annotate(ctx, t.lookup, candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}

// ParseTrending extracts repositories from a trending page.
func ParseTrending(page []byte) ([]Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse trending page: %w", err)
	}
	out := []Candidate{}
	seen := make(map[string]bool)
	doc.Find("article.Box-row").Each(func(_ int, row *goquery.Selection) {
		href, ok := row.Find("h2 a[href]").First().Attr("href")
		if !ok {
			return
		}
		c := Candidate{
			Identifier:  href,
			DisplayName: strings.Join(strings.Fields(row.Find("h2 a").First().Text()), " "),
			Source:      "trending",
		}
		if desc := strings.TrimSpace(row.Find("p").First().Text()); desc != "" {
			c.Description = ptr.To(desc)
		}
		if stars, ok := parseCount(row.Find(`a[href$="/stargazers"]`).First().Text()); ok {
			c.Stars = ptr.To(stars)
		}
		out = appendCandidate(out, seen, c)
	})
	return out, nil
}

// parseCount reads counters such as "12,345" or "1.2k".
func parseCount(s string) (int64, bool) {
	s = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), ",", ""))
	if s == "" {
		return 0, false
	}
	mult := 1.0
	if strings.HasSuffix(s, "k") {
		mult, s = 1000, strings.TrimSuffix(s, "k")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(f * mult), true
}
