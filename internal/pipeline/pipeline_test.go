package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/the-spy-project/spy/internal/agent"
	"github.com/the-spy-project/spy/internal/database"
	"github.com/the-spy-project/spy/internal/events"
	"github.com/the-spy-project/spy/internal/github"
	"github.com/the-spy-project/spy/internal/sources"
)

func newTestPipeline(store *fakeStore, s *sleepRecorder, opts ...Option) *Pipeline {
	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithSleep(s.sleep),
	}
	return New(store, append(base, opts...)...)
}

func fetched(owner, repo string, readme *string) *github.Result {
	return &github.Result{
		Metadata: &github.Metadata{
			Owner:         owner,
			Repo:          repo,
			FullName:      owner + "/" + repo,
			Description:   ptr.To("Widgets for everyone"),
			Homepage:      ptr.To("https://widget.acme.dev"),
			DefaultBranch: ptr.To("trunk"),
			Stars:         1200,
			Forks:         30,
			Watchers:      12,
			OpenIssues:    4,
			NetworkCount:  30,
			Topics:        []string{"cli"},
		},
		Readme:    readme,
		Languages: []string{"Go", "Shell"},
	}
}

func enrichment() agent.Outcome {
	return agent.Outcome{Enrichment: &agent.Enrichment{
		Summary:    "A tidy widget toolkit.",
		Content:    "## What it does\n\nIt builds widgets.",
		Experience: "beginner",
		Usability:  "easy",
		Deployment: "simple",
	}}
}

func TestFullSuccess(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	s := &sleepRecorder{}
	fetcher := newFakeFetcher()
	fetcher.results["acme/widget"] = fetched("acme", "widget", ptr.To("# Widget\n\n![shot](docs/a.png)"))
	enricher := newFakeEnricher()
	enricher.outcomes["acme/widget"] = enrichment()
	imgs := &fakeImages{
		extracted: []database.Image{
			{URL: "https://github.com/acme/widget/raw/trunk/docs/a.png", Width: 800, Height: 600, Kind: database.ImageKindReadmeMarkdown},
			{URL: "https://cdn.acme.dev/b.png", Width: 1024, Height: 768, Kind: database.ImageKindReadmeHTML},
		},
		enabled: true,
		shot:    &database.Image{URL: "https://shots.acme.dev/images/acme-widget.png", Width: 1280, Height: 720, Kind: database.ImageKindScreenshot},
	}
	pub := &recordingPublisher{}
	src := &fakeSource{name: "trending", candidates: []sources.Candidate{
		{Identifier: "acme/widget", Description: ptr.To("Widgets"), Stars: ptr.To[int64](1100)},
	}}
	p := newTestPipeline(store, s,
		WithSources(src),
		WithFetcher(fetcher),
		WithEnricher(enricher),
		WithImages(imgs),
		WithEmbedder(fakeEmbedder{}),
		WithPublisher(pub),
	)

	res := p.Discover(ctx)
	assert.True(t, res.Success)
	assert.Equal(t, StageDiscover, res.Stage)
	assert.Equal(t, 1, res.TotalFound)
	assert.Equal(t, 1, res.Processed)
	r := store.get("acme/widget")
	require.NotNil(t, r)
	assert.False(t, r.Ingested)
	assert.False(t, r.Enriched)
	assert.False(t, r.Publish)

	res = p.Ingest(ctx)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Processed)
	assert.Zero(t, res.Errors)
	r = store.get("acme/widget")
	assert.True(t, r.Ingested)
	assert.Len(t, r.Images, 3)
	assert.Equal(t, database.ImageKindScreenshot, r.Images[2].Kind)
	assert.Equal(t, []string{"https://widget.acme.dev"}, imgs.homepages)
	assert.Equal(t, []string{"https://github.com/acme/widget"}, imgs.repoBases)
	assert.Equal(t, []string{"trunk"}, imgs.branches)
	assert.Equal(t, "https://widget.acme.dev", *r.Homepage)
	assert.Equal(t, int64(1200), *r.Stars)
	assert.Equal(t, "Widgets", *r.Summary, "discovery summary is kept")
	assert.Equal(t, []string{"Go", "Shell"}, r.Languages)

	res = p.Enrich(ctx)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Processed)
	r = store.get("acme/widget")
	assert.True(t, r.Enriched)
	assert.True(t, r.Publish)
	assert.Equal(t, "A tidy widget toolkit.", *r.Summary)
	assert.Equal(t, "easy", *r.Usability)
	assert.Contains(t, store.embeddings, r.ID)

	discovered := pub.ofType(events.RepositoryDiscovered)
	require.Len(t, discovered, 1)
	assert.Equal(t, "trending", discovered[0].Source)
	published := pub.ofType(events.RepositoryPublished)
	require.Len(t, published, 1)
	assert.Equal(t, "acme/widget", published[0].Identifier)
	assert.Len(t, pub.ofType(events.StageCompleted), 3)
	assert.Empty(t, s.waits, "single-record batches never wait")

	// discovering again inserts nothing
	res = p.Discover(ctx)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.TotalFound)
	assert.Zero(t, res.Processed)
}

func TestIngestNotFound(t *testing.T) {
	store := newFakeStore()
	store.seed("ghost/repo", nil)
	store.seed("not a repo", nil)
	fetcher := newFakeFetcher()
	fetcher.errs["ghost/repo"] = []error{fmt.Errorf("%w: ghost/repo", github.ErrNotFound)}
	fetcher.errs["not a repo"] = []error{fmt.Errorf("%w: %q", github.ErrInvalidIdentifier, "not a repo")}
	p := newTestPipeline(store, &sleepRecorder{}, WithFetcher(fetcher), WithImages(&fakeImages{}))

	res := p.Ingest(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.TotalFound)
	assert.Equal(t, 2, res.Processed)
	assert.Zero(t, res.Errors)
	for _, id := range []string{"ghost/repo", "not a repo"} {
		r := store.get(id)
		assert.True(t, r.Ingested, id)
		assert.Nil(t, r.Stars, id)
		assert.Nil(t, r.Readme, id)
		assert.Nil(t, r.Images, id)
	}

	// nothing is retried
	res = p.Ingest(context.Background())
	assert.Zero(t, res.TotalFound)
	assert.Equal(t, 1, fetcher.calls["ghost/repo"])
}

func TestIngestScreenshotFailureIsSkipped(t *testing.T) {
	store := newFakeStore()
	store.seed("acme/widget", nil)
	fetcher := newFakeFetcher()
	fetcher.results["acme/widget"] = fetched("acme", "widget", nil)
	imgs := &fakeImages{enabled: true, shotErr: errors.New("browser crashed")}
	p := newTestPipeline(store, &sleepRecorder{}, WithFetcher(fetcher), WithImages(imgs))

	res := p.Ingest(context.Background())
	assert.Equal(t, 1, res.Processed)
	assert.Zero(t, res.Errors)
	r := store.get("acme/widget")
	assert.True(t, r.Ingested)
	assert.NotNil(t, r.Images)
	assert.Empty(t, r.Images)
	assert.Nil(t, r.Readme)
}

func TestEnrichEmptyReadme(t *testing.T) {
	store := newFakeStore()
	ingested := func(r *database.Repository) {
		r.Ingested = true
		r.Summary = ptr.To("Widgets for everyone")
		r.Stars = ptr.To[int64](10)
		r.Languages = []string{"Go"}
	}
	store.seed("acme/plain", ingested)
	store.seed("acme/pictures", func(r *database.Repository) {
		ingested(r)
		r.Images = []database.Image{{URL: "https://cdn.acme.dev/a.png", Width: 400, Height: 300}}
	})
	enricher := newFakeEnricher()
	enricher.outcomes["acme/plain"] = agent.Outcome{Reason: agent.ReasonNoReadme}
	enricher.outcomes["acme/pictures"] = agent.Outcome{Reason: agent.ReasonNoReadme}
	pub := &recordingPublisher{}
	p := newTestPipeline(store, &sleepRecorder{}, WithEnricher(enricher), WithPublisher(pub))

	res := p.Enrich(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Processed)

	plain := store.get("acme/plain")
	assert.True(t, plain.Enriched)
	assert.False(t, plain.Publish)
	assert.Equal(t, "Widgets for everyone", *plain.Summary)
	assert.Nil(t, plain.Content)
	assert.Nil(t, plain.Experience)
	assert.Nil(t, enricher.readmes["acme/plain"])

	pictures := store.get("acme/pictures")
	assert.True(t, pictures.Enriched)
	assert.True(t, pictures.Publish)
	assert.Len(t, pub.ofType(events.RepositoryPublished), 1)
}

func TestEnrichMalformedLeavesRecordPending(t *testing.T) {
	store := newFakeStore()
	store.seed("acme/widget", func(r *database.Repository) {
		r.Ingested = true
		r.Readme = ptr.To("# Widget")
	})
	enricher := newFakeEnricher()
	enricher.outcomes["acme/widget"] = agent.Outcome{Reason: agent.ReasonMalformed}
	p := newTestPipeline(store, &sleepRecorder{}, WithEnricher(enricher))

	res := p.Enrich(context.Background())
	assert.True(t, res.Success)
	assert.Zero(t, res.Processed)
	assert.Equal(t, 1, res.Errors)
	require.Len(t, res.ErrorDetails, 1)
	assert.Contains(t, res.ErrorDetails[0], "acme/widget")
	assert.False(t, store.get("acme/widget").Enriched)
}

func TestEnrichEmbeddingFailureIsBestEffort(t *testing.T) {
	store := newFakeStore()
	store.seed("acme/widget", func(r *database.Repository) {
		r.Ingested = true
		r.Readme = ptr.To("# Widget")
	})
	enricher := newFakeEnricher()
	enricher.outcomes["acme/widget"] = enrichment()
	p := newTestPipeline(store, &sleepRecorder{},
		WithEnricher(enricher),
		WithEmbedder(fakeEmbedder{err: errors.New("quota exceeded")}),
	)

	res := p.Enrich(context.Background())
	assert.Equal(t, 1, res.Processed)
	assert.Zero(t, res.Errors)
	assert.Empty(t, store.embeddings)
	r := store.get("acme/widget")
	assert.True(t, r.Enriched)
	assert.False(t, r.Publish, "no images, languages or stars")
}

func TestBatchPartialFailure(t *testing.T) {
	store := newFakeStore()
	fetcher := newFakeFetcher()
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("acme/repo-%d", i)
		store.seed(id, nil)
		fetcher.results[id] = fetched("acme", fmt.Sprintf("repo-%d", i), ptr.To("# Repo"))
	}
	fetcher.errs["acme/repo-3"] = []error{errors.New("connection reset")}
	s := &sleepRecorder{}
	p := newTestPipeline(store, s, WithFetcher(fetcher), WithImages(&fakeImages{}))

	res := p.Ingest(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, 5, res.TotalFound)
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, []string{"acme/repo-3: connection reset"}, res.ErrorDetails)
	assert.False(t, store.get("acme/repo-3").Ingested)
	assert.True(t, store.get("acme/repo-4").Ingested)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second}, s.waits)
}

func TestRateLimitRetry(t *testing.T) {
	limited := fmt.Errorf("%w: acme/widget", github.ErrRateLimited)

	t.Run("recovers after cooldown", func(t *testing.T) {
		store := newFakeStore()
		store.seed("acme/widget", nil)
		fetcher := newFakeFetcher()
		fetcher.results["acme/widget"] = fetched("acme", "widget", nil)
		fetcher.errs["acme/widget"] = []error{limited}
		s := &sleepRecorder{}
		p := newTestPipeline(store, s, WithFetcher(fetcher), WithImages(&fakeImages{}), WithRateLimit(time.Minute, 1))

		res := p.Ingest(context.Background())
		assert.Equal(t, 1, res.Processed)
		assert.Equal(t, 2, fetcher.calls["acme/widget"])
		assert.Equal(t, []time.Duration{time.Minute}, s.waits)
	})

	t.Run("gives up after one retry", func(t *testing.T) {
		store := newFakeStore()
		store.seed("acme/widget", nil)
		fetcher := newFakeFetcher()
		fetcher.errs["acme/widget"] = []error{limited, limited, limited}
		p := newTestPipeline(store, &sleepRecorder{}, WithFetcher(fetcher), WithRateLimit(time.Minute, 1))

		res := p.Ingest(context.Background())
		assert.Equal(t, 1, res.Errors)
		assert.Equal(t, 2, fetcher.calls["acme/widget"])
		assert.False(t, store.get("acme/widget").Ingested)
	})

	t.Run("llm rate limit", func(t *testing.T) {
		store := newFakeStore()
		store.seed("acme/widget", func(r *database.Repository) { r.Ingested = true })
		enricher := newFakeEnricher()
		enricher.errs["acme/widget"] = fmt.Errorf("completion: %w", agent.ErrRateLimited)
		s := &sleepRecorder{}
		p := newTestPipeline(store, s, WithEnricher(enricher), WithRateLimit(30*time.Second, 1))

		res := p.Enrich(context.Background())
		assert.Equal(t, 1, res.Errors)
		assert.Equal(t, []time.Duration{30 * time.Second}, s.waits)
	})
}

func TestIsolation(t *testing.T) {
	t.Run("panic is recovered", func(t *testing.T) {
		store := newFakeStore()
		store.seed("acme/boom", nil)
		store.seed("acme/widget", nil)
		fetcher := newFakeFetcher()
		fetcher.panics["acme/boom"] = true
		fetcher.results["acme/widget"] = fetched("acme", "widget", nil)
		p := newTestPipeline(store, &sleepRecorder{}, WithFetcher(fetcher), WithImages(&fakeImages{}))

		res := p.Ingest(context.Background())
		assert.True(t, res.Success)
		assert.Equal(t, 1, res.Processed)
		assert.Equal(t, 1, res.Errors)
		assert.Contains(t, res.ErrorDetails[0], "panic")
	})

	t.Run("error details are capped", func(t *testing.T) {
		store := newFakeStore()
		fetcher := newFakeFetcher()
		for i := range 12 {
			id := fmt.Sprintf("acme/repo-%d", i)
			store.seed(id, nil)
			fetcher.errs[id] = []error{errors.New("timeout")}
		}
		p := newTestPipeline(store, &sleepRecorder{}, WithFetcher(fetcher))

		res := p.Ingest(context.Background())
		assert.True(t, res.Success)
		assert.Equal(t, 12, res.Errors)
		assert.Len(t, res.ErrorDetails, MaxErrorDetails)
	})

	t.Run("store failure fails the batch", func(t *testing.T) {
		store := newFakeStore()
		store.listErr = errors.New("connection refused")
		p := newTestPipeline(store, &sleepRecorder{})

		for _, res := range []*Result{p.Ingest(context.Background()), p.Enrich(context.Background()), p.Refresh(context.Background())} {
			assert.False(t, res.Success, res.Stage)
			assert.Contains(t, res.Error, "connection refused")
			assert.NotNil(t, res.ErrorDetails)
		}
	})

	t.Run("cancellation stops the batch", func(t *testing.T) {
		store := newFakeStore()
		store.seed("acme/widget", nil)
		p := newTestPipeline(store, &sleepRecorder{}, WithFetcher(newFakeFetcher()))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res := p.Ingest(ctx)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, context.Canceled.Error())
		assert.Zero(t, res.Processed)
	})
}

func TestDiscover(t *testing.T) {
	store := newFakeStore()
	store.seed("acme/old", nil)
	cache := &fakeCache{Lookup: store}
	pub := &recordingPublisher{}
	p := newTestPipeline(store, &sleepRecorder{},
		WithSources(
			&fakeSource{name: "broken", err: errors.New("boom")},
			&fakeSource{name: "trending", candidates: []sources.Candidate{
				{Identifier: "acme/widget", Source: "trending"},
				{Identifier: "acme/old", Source: "trending", ExistsInStore: true},
			}},
			&fakeSource{name: "papers", candidates: []sources.Candidate{
				{Identifier: "acme/widget", Source: "papers", ArxivURL: ptr.To("https://arxiv.org/abs/2501.00001")},
				{Identifier: "lab/model", Source: "papers", Authors: []string{"Ada"}},
			}},
		),
		WithIdentifierCache(cache),
		WithPublisher(pub),
	)

	res := p.Discover(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.TotalFound)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, []string{"broken: boom"}, res.ErrorDetails)
	assert.Equal(t, 1, store.lookups)
	assert.Equal(t, []string{"acme/widget", "lab/model"}, cache.remembered)

	widget := store.get("acme/widget")
	assert.Nil(t, widget.ArxivURL, "first source wins")
	assert.Equal(t, []string{"Ada"}, store.get("lab/model").PaperAuthors)

	discovered := pub.ofType(events.RepositoryDiscovered)
	require.Len(t, discovered, 2)
	assert.Equal(t, "trending", discovered[0].Source)
	assert.Equal(t, "papers", discovered[1].Source)
}

func TestDiscoverEverySourceFails(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(store, &sleepRecorder{},
		WithSources(&fakeSource{name: "trending", err: errors.New("503")}),
	)
	res := p.Discover(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Errors)
	assert.NotEmpty(t, res.Error)
}

func TestRefresh(t *testing.T) {
	store := newFakeStore()
	stale := testNow.Add(-48 * time.Hour)
	fresh := testNow.Add(-time.Hour)
	store.seed("acme/stale", func(r *database.Repository) {
		r.Ingested, r.Enriched, r.Publish = true, true, true
		r.Stars = ptr.To[int64](10)
		r.UpdatedAt = &stale
	})
	store.seed("acme/fresh", func(r *database.Repository) {
		r.Ingested, r.Enriched, r.Publish = true, true, true
		r.Stars = ptr.To[int64](10)
		r.UpdatedAt = &fresh
	})
	store.seed("acme/hidden", func(r *database.Repository) {
		r.Ingested, r.Enriched = true, true
		r.UpdatedAt = &stale
	})
	fetcher := newFakeFetcher()
	result := fetched("acme", "stale", nil)
	result.Metadata.Archived = true
	fetcher.results["acme/stale"] = result
	p := newTestPipeline(store, &sleepRecorder{}, WithFetcher(fetcher))

	res := p.Refresh(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.TotalFound)
	assert.Equal(t, 1, res.Processed)

	r := store.get("acme/stale")
	assert.Equal(t, int64(1200), *r.Stars)
	assert.True(t, *r.Archived)
	assert.True(t, r.Ingested)
	assert.True(t, r.Enriched)
	assert.True(t, r.Publish)
	assert.Nil(t, r.Readme)
	assert.Equal(t, int64(10), *store.get("acme/fresh").Stars)
}

func TestStatus(t *testing.T) {
	store := newFakeStore()
	store.seed("a/new", nil)
	store.seed("a/ingested", func(r *database.Repository) { r.Ingested = true })
	store.seed("a/published", func(r *database.Repository) {
		r.Ingested, r.Enriched, r.Publish = true, true, true
	})
	p := newTestPipeline(store, &sleepRecorder{})

	report := p.Status(context.Background())
	require.True(t, report.Success)
	assert.Equal(t, int64(3), report.Statistics.Total)
	assert.Equal(t, 67, report.Percentages.Ingested)
	assert.Equal(t, 33, report.Percentages.Enriched)
	assert.True(t, report.NextActions.ShouldRunIngestion)
	assert.True(t, report.NextActions.ShouldRunEnrichment)
	assert.True(t, report.NextActions.ShouldRunRefresh)
	assert.Equal(t, int64(1), report.NextActions.IngestionsNeeded)

	store.listErr = errors.New("down")
	report = p.Status(context.Background())
	assert.False(t, report.Success)
	assert.Contains(t, report.Error, "down")
}

func TestStatusEmpty(t *testing.T) {
	report := newTestPipeline(newFakeStore(), &sleepRecorder{}).Status(context.Background())
	require.True(t, report.Success)
	assert.Zero(t, report.Percentages.Published)
	assert.False(t, report.NextActions.ShouldRunIngestion)
}

func TestPublish(t *testing.T) {
	img := []database.Image{{URL: "https://cdn.acme.dev/a.png", Width: 400, Height: 300}}
	stars := ptr.To[int64](5)
	tests := []struct {
		name      string
		images    []database.Image
		summary   *string
		content   *string
		languages []string
		stars     *int64
		want      bool
	}{
		{"images alone", img, nil, nil, nil, nil, true},
		{"full metadata", nil, ptr.To("s"), ptr.To("c"), []string{"Go"}, stars, true},
		{"empty language list is known", nil, ptr.To("s"), ptr.To("c"), []string{}, stars, true},
		{"unknown languages", nil, ptr.To("s"), ptr.To("c"), nil, stars, false},
		{"unknown stars", nil, ptr.To("s"), ptr.To("c"), []string{"Go"}, nil, false},
		{"blank content", nil, ptr.To("s"), ptr.To("  "), []string{"Go"}, stars, false},
		{"image without url", []database.Image{{}}, nil, nil, nil, nil, false},
		{"nothing", nil, nil, nil, nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Publish(tt.images, tt.summary, tt.content, tt.languages, tt.stars))
		})
	}
}

func TestRun(t *testing.T) {
	p := newTestPipeline(newFakeStore(), &sleepRecorder{})
	res, err := p.Run(context.Background(), StageRefresh)
	require.NoError(t, err)
	assert.Equal(t, StageRefresh, res.Stage)

	_, err = p.Run(context.Background(), Stage("publish"))
	assert.Error(t, err)
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(fmt.Errorf("x: %w", github.ErrRateLimited)))
	assert.True(t, IsRateLimited(fmt.Errorf("x: %w", agent.ErrRateLimited)))
	assert.False(t, IsRateLimited(github.ErrNotFound))
}
