package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/the-spy-project/spy/internal/agent"
	"github.com/the-spy-project/spy/internal/config"
	"github.com/the-spy-project/spy/internal/database"
	"github.com/the-spy-project/spy/internal/events"
	"github.com/the-spy-project/spy/internal/github"
	"github.com/the-spy-project/spy/internal/images"
	"github.com/the-spy-project/spy/internal/screenshot"
	"github.com/the-spy-project/spy/internal/sources"
	"github.com/the-spy-project/spy/internal/storage"
)

// ClientSet aggregates the external clients used by the pipeline. Optional
// clients are nil when not configured.
type ClientSet struct {
	DB          *database.Database
	GitHub      *github.Client
	Engine      *agent.Engine
	Embeddings  *agent.Embeddings
	Browserless *screenshot.Browserless
	Storage     *storage.S3
	Redis       *redis.Client
	Publisher   events.Publisher
}

// NewClientSetForConfig connects every client configured in cfg.
func NewClientSetForConfig(ctx context.Context, cfg *config.Config) (*ClientSet, error) {
	db, err := database.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	cs := &ClientSet{
		DB:          db,
		Engine:      agent.NewEngineForConfig(cfg),
		Embeddings:  agent.NewEmbeddingsForConfig(cfg),
		Browserless: screenshot.NewBrowserlessForConfig(cfg, images.ScreenshotWidth, images.ScreenshotHeight),
		Redis:       sources.NewRedisClientForConfig(cfg),
	}
	if cs.GitHub, err = github.NewClientForConfig(cfg); err != nil {
		return nil, errors.Join(err, cs.Close())
	}
	if cfg.GetS3Bucket() != "" {
		if cs.Storage, err = storage.NewS3ForConfig(ctx, cfg); err != nil {
			return nil, errors.Join(err, cs.Close())
		}
	}
	if cs.Publisher, err = events.NewForConfig(cfg); err != nil {
		return nil, errors.Join(err, cs.Close())
	}
	if err := cs.Engine.Check(ctx); err != nil {
		slog.Warn("Enrichment will fail", "error", err)
	}
	return cs, nil
}

// Pipeline wires the clients into a Pipeline tuned by cfg.
func (cs *ClientSet) Pipeline(cfg *config.Config) *Pipeline {
	var lookup sources.Lookup = cs.DB
	opts := []Option{
		WithFetcher(cs.GitHub),
		WithEnricher(cs.Engine),
		WithBatchSizes(cfg.GetIngestBatchSize(), cfg.GetEnrichBatchSize(), cfg.GetRefreshBatchSize()),
		WithDelays(cfg.GetIngestDelay(), cfg.GetEnrichDelay(), cfg.GetRefreshDelay()),
		WithRefreshAfter(cfg.GetRefreshAfter()),
		WithRateLimit(cfg.GetRateLimitCooldown(), cfg.GetRateLimitRetries()),
		WithRecordTimeout(cfg.GetRecordTimeout()),
	}
	if cs.Redis != nil {
		cache := sources.NewCachedLookup(cs.Redis, cs.DB)
		lookup = cache
		opts = append(opts, WithIdentifierCache(cache))
	}
	opts = append(opts, WithSources(sources.NewSourcesForConfig(cfg, lookup)...))

	var capturer images.Capturer
	var store images.Storage
	if cs.Browserless != nil && cs.Storage != nil {
		capturer, store = cs.Browserless, cs.Storage
	}
	opts = append(opts, WithImages(images.NewPipelineForConfig(cfg, capturer, store)))
	if cs.Embeddings != nil {
		opts = append(opts, WithEmbedder(cs.Embeddings))
	}
	if cs.Publisher != nil {
		opts = append(opts, WithPublisher(cs.Publisher))
	}
	return New(cs.DB, opts...)
}

// HealthCheck verifies one dependency. Check is nil when the dependency is
// optional and not configured.
type HealthCheck struct {
	Name     string
	Required bool
	Check    func(ctx context.Context) error
}

// HealthChecks lists the checks of every dependency.
func (cs *ClientSet) HealthChecks() []HealthCheck {
	checks := []HealthCheck{
		{Name: "database", Required: true, Check: cs.DB.Ping},
		{Name: "github", Check: cs.GitHub.Ping},
		{Name: "llm", Check: cs.Engine.Check},
		{Name: "screenshot"},
		{Name: "storage"},
	}
	if cs.Browserless != nil {
		checks[3].Check = cs.Browserless.Check
	}
	if cs.Storage != nil {
		checks[4].Check = cs.Storage.Check
	}
	return checks
}

func (cs *ClientSet) Close() error {
	var errs []error
	if cs.Publisher != nil {
		errs = append(errs, cs.Publisher.Close())
	}
	if cs.Redis != nil {
		errs = append(errs, cs.Redis.Close())
	}
	if cs.DB != nil {
		errs = append(errs, cs.DB.Close())
	}
	return errors.Join(errs...)
}
