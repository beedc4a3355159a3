package sources

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
	"k8s.io/utils/ptr"

	"github.com/the-spy-project/spy/internal/github"
)

// Papers discovers repositories linked from the Hugging Face monthly papers listing.
type Papers struct {
	hc      *http.Client
	baseURL string
	limit   int
	l       *rate.Limiter
	now     func() time.Time
	lookup  Lookup
}

type PapersOptions struct {
	httpClient *http.Client
	baseURL    string
	limit      int
	limiter    *rate.Limiter
}

type PapersOption func(*PapersOptions)

func WithPapersHTTPClient(hc *http.Client) PapersOption {
	return func(o *PapersOptions) { o.httpClient = hc }
}

func WithPapersBaseURL(u string) PapersOption {
	return func(o *PapersOptions) { o.baseURL = u }
}

// WithPapersLimit bounds how many paper pages are visited per run.
func WithPapersLimit(n int) PapersOption {
	return func(o *PapersOptions) { o.limit = n }
}

// WithPapersLimiter paces paper detail requests.
func WithPapersLimiter(l *rate.Limiter) PapersOption {
	return func(o *PapersOptions) { o.limiter = l }
}

func NewPapers(lookup Lookup, opts ...PapersOption) *Papers {
	o := PapersOptions{
		baseURL: "https://huggingface.co",
		limit:   30,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = http.DefaultClient
	}
	return &Papers{
		hc:      o.httpClient,
		baseURL: strings.TrimSuffix(o.baseURL, "/"),
		limit:   o.limit,
		l:       o.limiter,
		now:     time.Now,
		lookup:  lookup,
	}
}

func (p *Papers) Name() string { return "papers" }

// PaperListing is an entry of the monthly listing.
type PaperListing struct {
	Path    string
	Title   string
	Authors []string
}

// PaperDetail holds what a paper page says about its code.
type PaperDetail struct {
	Repository string
	Stars      *int64
	ArxivURL   string
	Abstract   string
	Authors    []string
}

func (p *Papers) Discover(ctx context.Context) ([]Candidate, error) {
	month := p.now().UTC().Format("2006-01")
	body, err := get(ctx, p.hc, p.baseURL+"/papers/month/"+month, "text/html")
	if err != nil {
		return nil, fmt.Errorf("fetch papers listing: %w", err)
	}
	listings, err := ParsePaperListing(body)
	if err != nil {
		return nil, err
	}
	if p.limit > 0 && len(listings) > p.limit {
		listings = listings[:p.limit]
	}

	out := []Candidate{}
	seen := make(map[string]bool)
	for _, l := range listings {
		if err := p.l.Wait(ctx); err != nil {
			return nil, err
		}
		paperURL := p.baseURL + l.Path
		page, err := get(ctx, p.hc, paperURL, "text/html")
		if err != nil {
			slog.WarnContext(ctx, "Failed to fetch paper page", "url", paperURL, "error", err)
			continue
		}
		d, err := ParsePaperDetail(page)
		if err != nil {
			slog.WarnContext(ctx, "Failed to parse paper page", "url", paperURL, "error", err)
			continue
		}
		if d.Repository == "" {
			continue
		}
		authors := d.Authors
		if len(authors) == 0 {
			authors = l.Authors
		}
		scrapedAt := p.now().UTC()
		c := Candidate{
			Identifier:     d.Repository,
			DisplayName:    l.Title,
			Stars:          d.Stars,
			Authors:        authors,
			Source:         "papers",
			HuggingFaceURL: ptr.To(paperURL),
			ScrapedAt:      &scrapedAt,
		}
		if d.ArxivURL != "" {
			c.ArxivURL = ptr.To(d.ArxivURL)
		}
		if d.Abstract != "" {
			c.PaperAbstract = ptr.To(d.Abstract)
		}
		if l.Title != "" {
			c.Description = ptr.To(l.Title)
		}
		out = appendCandidate(out, seen, c)
	}
	slog.InfoContext(ctx, "Scraped papers", "month", month, "papers", len(listings), "with_code", len(out))
	if err := Annotate(ctx, p.lookup, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ParsePaperListing extracts paper entries from a monthly listing page.
func ParsePaperListing(page []byte) ([]PaperListing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse papers listing: %w", err)
	}
	var out []PaperListing
	seen := make(map[string]bool)
	doc.Find("article").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Find(`a[href^="/papers/"]`).First().Attr("href")
		if !ok || seen[href] {
			return
		}
		seen[href] = true
		l := PaperListing{
			Path:  href,
			Title: squash(a.Find("h3").First().Text()),
		}
		a.Find("ul li[title]").Each(func(_ int, li *goquery.Selection) {
			if name := strings.TrimSpace(li.AttrOr("title", "")); name != "" {
				l.Authors = append(l.Authors, name)
			}
		})
		out = append(out, l)
	})
	return out, nil
}

// ParsePaperDetail extracts the code repository, arXiv link, abstract and
// authors from a paper page.
func ParsePaperDetail(page []byte) (*PaperDetail, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse paper page: %w", err)
	}
	d := &PaperDetail{}
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href := a.AttrOr("href", "")
		switch {
		case d.ArxivURL == "" && strings.Contains(href, "arxiv.org/abs/"):
			d.ArxivURL = href
		case d.Repository == "" && strings.Contains(href, "github.com/") &&
			strings.Contains(strings.ToLower(a.Text()), "github"):
			if id, err := github.NormalizeIdentifier(href); err == nil {
				d.Repository = id
				if stars, ok := parseCount(a.Find("span").Last().Text()); ok {
					d.Stars = ptr.To(stars)
				}
			}
		}
		return d.ArxivURL == "" || d.Repository == ""
	})

	doc.Find("h2").EachWithBreak(func(_ int, h *goquery.Selection) bool {
		if !strings.Contains(h.Text(), "Abstract") {
			return true
		}
		container := h.Parent()
		abstract := container.Find(".text-gray-600").First()
		if abstract.Length() == 0 {
			abstract = container.Find("p").Last()
		}
		d.Abstract = squash(abstract.Text())
		return false
	})

	doc.Find(".author").Each(func(_ int, s *goquery.Selection) {
		if name := squash(s.Find("a, button").First().Text()); name != "" {
			d.Authors = append(d.Authors, name)
		}
	})
	return d, nil
}

func squash(s string) string { return strings.Join(strings.Fields(s), " ") }
