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
	"github.com/the-spy-project/spy/internal/encoding"
	"github.com/the-spy-project/spy/internal/github"
)

// Ingest fetches GitHub data for records not yet ingested, oldest first.
func (p *Pipeline) Ingest(ctx context.Context) *Result {
	ctx, span := otel.Tracer("spy/pipeline").Start(ctx, "Pipeline.Ingest")
	defer span.End()
	res := p.newResult(StageIngest)

	repos, err := p.store.ListPendingIngestion(ctx, p.ingestBatchSize)
	if err != nil {
		return p.complete(ctx, fail(ctx, res, fmt.Errorf("list pending ingestion: %w", err)))
	}
	res.TotalFound = len(repos)
	span.SetAttributes(attribute.Int("repos_len", len(repos)))
	each(ctx, p, res, p.ingestDelay, repos, identifier, p.ingestOne)
	return p.complete(ctx, res)
}

func (p *Pipeline) ingestOne(ctx context.Context, r *database.Repository) error {
	fetched, err := p.fetcher.Fetch(ctx, r.Identifier)
	switch {
	case errors.Is(err, github.ErrNotFound), errors.Is(err, github.ErrInvalidIdentifier):
		slog.InfoContext(ctx, "Repository cannot be resolved, marking ingested", "identifier", r.Identifier, "error", err)
		return p.store.MarkIngested(ctx, r.ID)
	case err != nil:
		return err
	}

	meta := fetched.Metadata
	readme := ptr.Deref(fetched.Readme, "")
	imgs := []database.Image{}
	if p.images != nil {
		repoBase := "https://github.com/" + meta.Owner + "/" + meta.Repo
		imgs = p.images.Extract(ctx, readme, repoBase, ptr.Deref(meta.DefaultBranch, ""))
	}

	homepage := encoding.ResolveHomepage(ptr.Deref(meta.Homepage, ""), readme)
	if homepage != "" && p.images != nil && p.images.ScreenshotsEnabled() {
		shot, err := p.images.Screenshot(ctx, r.Identifier, homepage)
		switch {
		case err != nil:
			slog.WarnContext(ctx, "Skipping screenshot", "identifier", r.Identifier, "homepage", homepage, "error", err)
		case shot != nil:
			imgs = append(imgs, *shot)
		}
	}
	var hp *string
	if homepage != "" {
		hp = ptr.To(homepage)
	}

	slog.DebugContext(ctx, "Repository fetched",
		"identifier", r.Identifier,
		"stars", meta.Stars,
		"languages", len(fetched.Languages),
		"images", len(imgs),
		"has_readme", fetched.Readme != nil)
	return p.store.UpdateIngested(ctx, &database.UpdateIngestedArgs{
		ID:            r.ID,
		Summary:       meta.Description,
		Stars:         ptr.To(meta.Stars),
		Forks:         ptr.To(meta.Forks),
		Watchers:      ptr.To(meta.Watchers),
		OpenIssues:    ptr.To(meta.OpenIssues),
		NetworkCount:  ptr.To(meta.NetworkCount),
		License:       meta.License,
		Homepage:      hp,
		DefaultBranch: meta.DefaultBranch,
		Tags:          meta.Topics,
		Languages:     fetched.Languages,
		Readme:        fetched.Readme,
		Images:        imgs,
		Archived:      ptr.To(meta.Archived),
		Disabled:      ptr.To(meta.Disabled),
	})
}

func identifier(r *database.Repository) string { return r.Identifier }
