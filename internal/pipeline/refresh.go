package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"k8s.io/utils/ptr"

	"github.com/the-spy-project/spy/internal/database"
	"github.com/the-spy-project/spy/internal/github"
)

// Refresh updates the counters of published records that went stale.
// Status flags are never touched.
func (p *Pipeline) Refresh(ctx context.Context) *Result {
	ctx, span := otel.Tracer("spy/pipeline").Start(ctx, "Pipeline.Refresh")
	defer span.End()
	res := p.newResult(StageRefresh)

	repos, err := p.store.ListStaleRepositories(ctx, database.ListStaleRepositoriesArgs{
		Before: p.now().Add(-p.refreshAfter),
		Limit:  p.refreshBatchSize,
	})
	if err != nil {
		return p.complete(ctx, fail(ctx, res, fmt.Errorf("list stale repositories: %w", err)))
	}
	res.TotalFound = len(repos)
	span.SetAttributes(attribute.Int("repos_len", len(repos)))
	each(ctx, p, res, p.refreshDelay, repos, identifier, p.refreshOne)
	return p.complete(ctx, res)
}

func (p *Pipeline) refreshOne(ctx context.Context, r *database.Repository) error {
	fetched, err := p.fetcher.Fetch(ctx, r.Identifier)
	if err != nil {
		if errors.Is(err, github.ErrNotFound) {
			slog.WarnContext(ctx, "Published repository no longer found", "identifier", r.Identifier)
		}
		return err
	}
	meta := fetched.Metadata
	return p.store.UpdateStats(ctx, &database.UpdateStatsArgs{
		ID:           r.ID,
		Stars:        ptr.To(meta.Stars),
		Forks:        ptr.To(meta.Forks),
		Watchers:     ptr.To(meta.Watchers),
		OpenIssues:   ptr.To(meta.OpenIssues),
		NetworkCount: ptr.To(meta.NetworkCount),
		Archived:     ptr.To(meta.Archived),
		Disabled:     ptr.To(meta.Disabled),
	})
}
