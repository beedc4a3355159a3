package github

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/google/go-github/v75/github"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
	"k8s.io/utils/ptr"

	"github.com/the-spy-project/spy/internal/config"
)

// NewGitHubLimiter returns a rate limiter tuned for authenticated or unauthenticated GitHub API usage.
func NewGitHubLimiter(authenticated bool) *rate.Limiter {
	if authenticated {
		slog.Info("Created authenticated GitHub rate limiter", "rate", "5000 requests/hour", "burst", 10)
		return rate.NewLimiter(rate.Limit(5000.0/3600.0), 10)
	}
	slog.Info("Created unauthenticated GitHub rate limiter", "rate", "60 requests/hour", "burst", 1)
	return rate.NewLimiter(rate.Limit(60.0/3600.0), 1)
}

// Metadata holds the repository attributes the pipeline persists.
type Metadata struct {
	Owner         string
	Repo          string
	FullName      string
	Description   *string
	Homepage      *string
	License       *string
	DefaultBranch *string
	Stars         int64
	Forks         int64
	Watchers      int64
	OpenIssues    int64
	NetworkCount  int64
	Topics        []string
	Archived      bool
	Disabled      bool
}

// Result is the outcome of a successful Fetch. Readme and Languages are nil
// when they could not be retrieved.
type Result struct {
	Metadata  *Metadata
	Readme    *string
	Languages []string
}

// Client wraps the GitHub API client with rate limiting.
type Client struct {
	c *github.Client
	l *rate.Limiter
}

// GitHubClientOptions configures the GitHub client.
type GitHubClientOptions struct {
	token      string
	limiter    *rate.Limiter
	baseURL    string
	httpClient *http.Client
}

// GitHubClientOption applies a configuration to GitHubClientOptions.
type GitHubClientOption func(*GitHubClientOptions)

// WithToken sets the personal access token for authenticated requests.
func WithToken(token string) GitHubClientOption {
	return func(o *GitHubClientOptions) { o.token = token }
}

// WithLimiter sets the rate limiter used for API calls.
func WithLimiter(l *rate.Limiter) GitHubClientOption {
	return func(o *GitHubClientOptions) { o.limiter = l }
}

// WithBaseURL points the client at another API endpoint.
func WithBaseURL(u string) GitHubClientOption {
	return func(o *GitHubClientOptions) { o.baseURL = u }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) GitHubClientOption {
	return func(o *GitHubClientOptions) { o.httpClient = hc }
}

// NewClient constructs a GitHub Client with the given options.
func NewClient(opts ...GitHubClientOption) (*Client, error) {
	var o GitHubClientOptions
	for _, opt := range opts {
		opt(&o)
	}
	gh := github.NewClient(o.httpClient)
	if o.token != "" {
		slog.Info("Using authenticated GitHub client")
		gh = gh.WithAuthToken(o.token)
	} else {
		slog.Warn("Using unauthenticated GitHub client (rate limited)")
	}
	if o.baseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(o.baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub base URL: %w", err)
		}
		gh.BaseURL = u
	}
	l := o.limiter
	if l == nil {
		l = rate.NewLimiter(rate.Inf, 1)
	}
	return &Client{c: gh, l: l}, nil
}

// NewClientForConfig builds a Client from the GitHub settings of cfg.
func NewClientForConfig(cfg *config.Config) (*Client, error) {
	token := cfg.GetGitHubToken()
	return NewClient(
		WithToken(token),
		WithLimiter(NewGitHubLimiter(token != "")),
		WithBaseURL(cfg.GetGitHubBaseURL()),
		WithHTTPClient(&http.Client{
			Timeout:   cfg.GetHTTPTimeout(),
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	)
}

// Fetch retrieves metadata, README and languages for identifier. It fails
// with ErrInvalidIdentifier, ErrNotFound or ErrRateLimited where applicable.
// A missing README yields a nil Readme; any other README failure fails the
// fetch. Languages are best-effort.
func (c *Client) Fetch(ctx context.Context, identifier string) (*Result, error) {
	tracer := otel.Tracer("spy/github")
	ctx, span := tracer.Start(ctx, "Client.Fetch")
	span.SetAttributes(attribute.String("identifier", identifier))
	defer span.End()

	owner, repo, err := ParseIdentifier(identifier)
	if err != nil {
		return nil, err
	}
	meta, err := c.GetRepository(ctx, owner, repo)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}
	readme, err := c.GetReadme(ctx, owner, repo)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	langs, err := c.GetLanguages(ctx, owner, repo)
	if err != nil {
		slog.WarnContext(ctx, "Failed to get languages", "owner", owner, "repo", repo, "error", err)
	}
	return &Result{Metadata: meta, Readme: readme, Languages: langs}, nil
}

// GetRepository returns the repository attributes or ErrNotFound.
func (c *Client) GetRepository(ctx context.Context, owner, repo string) (*Metadata, error) {
	if err := c.l.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	r, _, err := c.c.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, classify(err, owner, repo)
	}
	m := &Metadata{
		Owner:         owner,
		Repo:          repo,
		FullName:      r.GetFullName(),
		Description:   nonEmpty(r.GetDescription()),
		Homepage:      nonEmpty(r.GetHomepage()),
		DefaultBranch: nonEmpty(r.GetDefaultBranch()),
		Stars:         int64(r.GetStargazersCount()),
		Forks:         int64(r.GetForksCount()),
		Watchers:      int64(r.GetSubscribersCount()),
		OpenIssues:    int64(r.GetOpenIssuesCount()),
		NetworkCount:  int64(r.GetNetworkCount()),
		Topics:        r.Topics,
		Archived:      r.GetArchived(),
		Disabled:      r.GetDisabled(),
	}
	if lic := r.GetLicense(); lic != nil {
		spdx := lic.GetSPDXID()
		if spdx == "NOASSERTION" {
			spdx = ""
		}
		m.License = nonEmpty(cmp.Or(spdx, lic.GetName()))
	}
	return m, nil
}

// GetReadme returns the decoded README, or nil when the repository has none.
func (c *Client) GetReadme(ctx context.Context, owner, repo string) (*string, error) {
	if err := c.l.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	file, _, err := c.c.Repositories.GetReadme(ctx, owner, repo, nil)
	if err != nil {
		if err = classify(err, owner, repo); errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("failed to decode README of %s/%s: %w", owner, repo, err)
	}
	return ptr.To(content), nil
}

// GetLanguages returns language names ordered by bytes of code, most first.
func (c *Client) GetLanguages(ctx context.Context, owner, repo string) ([]string, error) {
	if err := c.l.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	langs, _, err := c.c.Repositories.ListLanguages(ctx, owner, repo)
	if err != nil {
		return nil, classify(err, owner, repo)
	}
	return SortLanguages(langs), nil
}

// SortLanguages orders a language byte count map by bytes descending, then by name.
func SortLanguages(langs map[string]int) []string {
	out := make([]string, 0, len(langs))
	for name := range langs {
		out = append(out, name)
	}
	slices.SortFunc(out, func(a, b string) int {
		if c := cmp.Compare(langs[b], langs[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return out
}

// Ping checks that the API answers. The rate limit endpoint does not count
// against the quota.
func (c *Client) Ping(ctx context.Context) error {
	limits, _, err := c.c.RateLimit.Get(ctx)
	if err != nil {
		return fmt.Errorf("github ping failed: %w", err)
	}
	if core := limits.GetCore(); core != nil {
		slog.DebugContext(ctx, "GitHub rate limit", "remaining", core.Remaining, "limit", core.Limit)
	}
	return nil
}

// classify maps go-github errors onto the package sentinels.
func classify(err error, owner, repo string) error {
	var rlErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	var respErr *github.ErrorResponse
	switch {
	case errors.As(err, &rlErr), errors.As(err, &abuseErr):
		return fmt.Errorf("%w: %s/%s: %v", ErrRateLimited, owner, repo, err)
	case errors.As(err, &respErr) && respErr.Response != nil:
		switch respErr.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s/%s", ErrNotFound, owner, repo)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s/%s: %v", ErrRateLimited, owner, repo, err)
		}
	}
	return fmt.Errorf("github request for %s/%s failed: %w", owner, repo, err)
}

func nonEmpty(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return ptr.To(s)
}
