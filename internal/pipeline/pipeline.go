package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/the-spy-project/spy/internal/agent"
	"github.com/the-spy-project/spy/internal/database"
	"github.com/the-spy-project/spy/internal/events"
	"github.com/the-spy-project/spy/internal/github"
	"github.com/the-spy-project/spy/internal/sources"
)

// Store is the persistence used by the stages. *database.Database implements it.
type Store interface {
	sources.Lookup
	InsertRepositories(ctx context.Context, repos []*database.InsertRepositoryArgs) (int, error)
	ListPendingIngestion(ctx context.Context, limit int) ([]*database.Repository, error)
	ListPendingEnrichment(ctx context.Context, limit int) ([]*database.Repository, error)
	ListStaleRepositories(ctx context.Context, args database.ListStaleRepositoriesArgs) ([]*database.Repository, error)
	MarkIngested(ctx context.Context, id uuid.UUID) error
	UpdateIngested(ctx context.Context, args *database.UpdateIngestedArgs) error
	UpdateEnriched(ctx context.Context, args *database.UpdateEnrichedArgs) error
	UpdateStats(ctx context.Context, args *database.UpdateStatsArgs) error
	UpsertRepositoryEmbedding(ctx context.Context, args *database.UpsertRepositoryEmbeddingArgs) error
	CountStatus(ctx context.Context, staleBefore time.Time) (*database.StatusCounts, error)
}

// Fetcher retrieves repository data from GitHub. *github.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, identifier string) (*github.Result, error)
}

// Enricher produces AI fields from a README. *agent.Engine implements it.
type Enricher interface {
	Enrich(ctx context.Context, readme *string, meta agent.Metadata) (agent.Outcome, error)
}

// ImageExtractor collects README images and homepage screenshots.
// *images.Pipeline implements it.
type ImageExtractor interface {
	Extract(ctx context.Context, readme, repoBase, branch string) []database.Image
	Screenshot(ctx context.Context, identifier, homepage string) (*database.Image, error)
	ScreenshotsEnabled() bool
}

// Embedder turns a summary into a search vector.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// IdentifierCache fronts the store existence lookup and learns new identifiers.
type IdentifierCache interface {
	sources.Lookup
	Remember(ctx context.Context, ids ...string) error
}

// Pipeline runs the discovery, ingestion, enrichment and refresh stages.
type Pipeline struct {
	store     Store
	sources   []sources.Source
	fetcher   Fetcher
	enricher  Enricher
	images    ImageExtractor
	embedder  Embedder
	cache     IdentifierCache
	publisher events.Publisher

	ingestBatchSize  int
	enrichBatchSize  int
	refreshBatchSize int
	ingestDelay      time.Duration
	enrichDelay      time.Duration
	refreshDelay     time.Duration
	refreshAfter     time.Duration
	cooldown         time.Duration
	retries          int
	recordTimeout    time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Options configures a Pipeline.
type Options struct {
	sources   []sources.Source
	fetcher   Fetcher
	enricher  Enricher
	images    ImageExtractor
	embedder  Embedder
	cache     IdentifierCache
	publisher events.Publisher

	ingestBatchSize  int
	enrichBatchSize  int
	refreshBatchSize int
	ingestDelay      time.Duration
	enrichDelay      time.Duration
	refreshDelay     time.Duration
	refreshAfter     time.Duration
	cooldown         time.Duration
	retries          int
	recordTimeout    time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option applies a configuration to Options.
type Option func(*Options)

func WithSources(s ...sources.Source) Option {
	return func(o *Options) { o.sources = append(o.sources, s...) }
}

func WithFetcher(f Fetcher) Option {
	return func(o *Options) { o.fetcher = f }
}

func WithEnricher(e Enricher) Option {
	return func(o *Options) { o.enricher = e }
}

func WithImages(i ImageExtractor) Option {
	return func(o *Options) { o.images = i }
}

// WithEmbedder enables embedding upserts after enrichment.
func WithEmbedder(e Embedder) Option {
	return func(o *Options) { o.embedder = e }
}

// WithIdentifierCache routes discovery existence checks through c.
func WithIdentifierCache(c IdentifierCache) Option {
	return func(o *Options) { o.cache = c }
}

func WithPublisher(p events.Publisher) Option {
	return func(o *Options) { o.publisher = p }
}

// WithBatchSizes sets the per-invocation record limits of ingest, enrich and refresh.
func WithBatchSizes(ingest, enrich, refresh int) Option {
	return func(o *Options) {
		o.ingestBatchSize, o.enrichBatchSize, o.refreshBatchSize = ingest, enrich, refresh
	}
}

// WithDelays sets the pause between records of ingest, enrich and refresh.
func WithDelays(ingest, enrich, refresh time.Duration) Option {
	return func(o *Options) {
		o.ingestDelay, o.enrichDelay, o.refreshDelay = ingest, enrich, refresh
	}
}

// WithRefreshAfter sets the age past which published records are refreshed.
func WithRefreshAfter(d time.Duration) Option {
	return func(o *Options) { o.refreshAfter = d }
}

// WithRateLimit sets the cooldown after a rate-limited record and how many
// times the record is retried.
func WithRateLimit(cooldown time.Duration, retries int) Option {
	return func(o *Options) { o.cooldown, o.retries = cooldown, retries }
}

func WithRecordTimeout(d time.Duration) Option {
	return func(o *Options) { o.recordTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.now = now }
}

// WithSleep replaces the context-aware sleep used for delays and cooldowns.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Options) { o.sleep = fn }
}

// New constructs a Pipeline over store.
func New(store Store, opts ...Option) *Pipeline {
	o := Options{
		publisher:        events.Nop{},
		ingestBatchSize:  50,
		enrichBatchSize:  50,
		refreshBatchSize: 10,
		ingestDelay:      3 * time.Second,
		enrichDelay:      3 * time.Second,
		refreshDelay:     100 * time.Millisecond,
		refreshAfter:     24 * time.Hour,
		cooldown:         time.Minute,
		retries:          1,
		recordTimeout:    5 * time.Minute,
		now:              time.Now,
		sleep:            sleep,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Pipeline{
		store:            store,
		sources:          o.sources,
		fetcher:          o.fetcher,
		enricher:         o.enricher,
		images:           o.images,
		embedder:         o.embedder,
		cache:            o.cache,
		publisher:        o.publisher,
		ingestBatchSize:  o.ingestBatchSize,
		enrichBatchSize:  o.enrichBatchSize,
		refreshBatchSize: o.refreshBatchSize,
		ingestDelay:      o.ingestDelay,
		enrichDelay:      o.enrichDelay,
		refreshDelay:     o.refreshDelay,
		refreshAfter:     o.refreshAfter,
		cooldown:         o.cooldown,
		retries:          o.retries,
		recordTimeout:    o.recordTimeout,
		now:              o.now,
		sleep:            o.sleep,
	}
}

func (p *Pipeline) lookup() sources.Lookup {
	if p.cache != nil {
		return p.cache
	}
	return p.store
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
