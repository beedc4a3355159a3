package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/the-spy-project/spy/internal/config"
	"github.com/the-spy-project/spy/internal/github"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Candidate is a repository found by a Source, normalized to owner/repo.
type Candidate struct {
	Identifier     string
	DisplayName    string
	Description    *string
	Stars          *int64
	Authors        []string
	Source         string
	ArxivURL       *string
	HuggingFaceURL *string
	PaperAbstract  *string
	ScrapedAt      *time.Time
	ExistsInStore  bool
}

// Source discovers candidate repositories from one external listing.
// Returned candidates are annotated with ExistsInStore.
type Source interface {
	Name() string
	Discover(ctx context.Context) ([]Candidate, error)
}

// Lookup reports which identifiers are already stored.
type Lookup interface {
	ExistingIdentifiers(ctx context.Context, ids []string) (map[string]bool, error)
}

// Annotate sets ExistsInStore on every candidate with one batched lookup.
func Annotate(ctx context.Context, lookup Lookup, candidates []Candidate) error {
	if len(candidates) == 0 {
		return nil
	}
	existing, err := lookup.ExistingIdentifiers(ctx, identifiers(candidates))
	if err != nil {
		return fmt.Errorf("existence lookup failed: %w", err)
	}
	for i := range candidates {
		candidates[i].ExistsInStore = existing[candidates[i].Identifier]
	}
	return nil
}

// Filter returns the candidates not in the store, keeping the first
// occurrence of identifiers repeated within the batch.
func Filter(ctx context.Context, lookup Lookup, candidates []Candidate) ([]Candidate, error) {
	if len(candidates) == 0 {
		return []Candidate{}, nil
	}
	existing, err := lookup.ExistingIdentifiers(ctx, identifiers(candidates))
	if err != nil {
		return nil, fmt.Errorf("existence lookup failed: %w", err)
	}
	out := make([]Candidate, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if existing[c.Identifier] || seen[c.Identifier] {
			continue
		}
		seen[c.Identifier] = true
		out = append(out, c)
	}
	return out, nil
}

func identifiers(candidates []Candidate) []string {
	ids := make([]string, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if !seen[c.Identifier] {
			seen[c.Identifier] = true
			ids = append(ids, c.Identifier)
		}
	}
	return ids
}

// appendCandidate normalizes the identifier of c and appends it when valid
// and not yet present.
func appendCandidate(out []Candidate, seen map[string]bool, c Candidate) []Candidate {
	id, err := github.NormalizeIdentifier(c.Identifier)
	if err != nil || strings.Contains(id, "://") || seen[id] {
		return out
	}
	seen[id] = true
	c.Identifier = id
	if c.DisplayName == "" {
		c.DisplayName = id
	}
	return append(out, c)
}

func get(ctx context.Context, hc *http.Client, u, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", u, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 16<<20))
}

// NewSourcesForConfig returns every adapter, sharing one instrumented HTTP client.
func NewSourcesForConfig(cfg *config.Config, lookup Lookup) []Source {
	hc := &http.Client{
		Timeout:   cfg.GetHTTPTimeout(),
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return []Source{
		NewTrending(lookup, WithTrendingHTTPClient(hc), WithSince(cfg.GetTrendingSince())),
		NewOSSInsight(lookup, hc, "", cfg.GetOSSInsightPeriod()),
		NewPapers(lookup, WithPapersHTTPClient(hc), WithPapersLimit(cfg.GetPapersLimit())),
	}
}
