package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"k8s.io/utils/ptr"

	"github.com/the-spy-project/spy/internal/agent"
	"github.com/the-spy-project/spy/internal/database"
	"github.com/the-spy-project/spy/internal/events"
)

// Enrich generates AI fields for ingested records, oldest first, and decides
// whether each record is published.
func (p *Pipeline) Enrich(ctx context.Context) *Result {
	ctx, span := otel.Tracer("spy/pipeline").Start(ctx, "Pipeline.Enrich")
	defer span.End()
	res := p.newResult(StageEnrich)

	repos, err := p.store.ListPendingEnrichment(ctx, p.enrichBatchSize)
	if err != nil {
		return p.complete(ctx, fail(ctx, res, fmt.Errorf("list pending enrichment: %w", err)))
	}
	res.TotalFound = len(repos)
	span.SetAttributes(attribute.Int("repos_len", len(repos)))
	each(ctx, p, res, p.enrichDelay, repos, identifier, p.enrichOne)
	return p.complete(ctx, res)
}

func (p *Pipeline) enrichOne(ctx context.Context, r *database.Repository) error {
	out, err := p.enricher.Enrich(ctx, r.Readme, agent.Metadata{
		Identifier:  r.Identifier,
		Description: ptr.Deref(r.Summary, ""),
		Languages:   r.Languages,
		Topics:      r.Tags,
		Stars:       r.Stars,
		Homepage:    ptr.Deref(r.Homepage, ""),
	})
	if err != nil {
		return err
	}
	// a malformed answer may succeed next time, so the record stays pending
	if out.Reason == agent.ReasonMalformed {
		return fmt.Errorf("enrichment discarded: %w", agent.ErrMalformed)
	}

	args := &database.UpdateEnrichedArgs{ID: r.ID}
	summary, content := r.Summary, r.Content
	if e := out.Enrichment; e != nil {
		args.Summary = ptr.To(e.Summary)
		args.Content = ptr.To(e.Content)
		args.Experience = ptr.To(e.Experience)
		args.Usability = ptr.To(e.Usability)
		args.Deployment = ptr.To(e.Deployment)
		summary, content = args.Summary, args.Content
	} else {
		slog.InfoContext(ctx, "Nothing to enrich", "identifier", r.Identifier, "reason", out.Reason)
	}
	args.Publish = Publish(r.Images, summary, content, r.Languages, r.Stars)
	if err := p.store.UpdateEnriched(ctx, args); err != nil {
		return err
	}

	if out.Enrichment != nil && p.embedder != nil {
		p.embed(ctx, r, out.Enrichment.Summary)
	}
	if args.Publish && !r.Publish {
		p.emit(ctx, events.Event{
			Type:       events.RepositoryPublished,
			Identifier: r.Identifier,
			Timestamp:  p.now().UTC(),
		})
	}
	return nil
}

func (p *Pipeline) embed(ctx context.Context, r *database.Repository, summary string) {
	vec, err := p.embedder.EmbedText(ctx, summary)
	if err == nil {
		err = p.store.UpsertRepositoryEmbedding(ctx, &database.UpsertRepositoryEmbeddingArgs{
			RepositoryID: r.ID,
			Vec:          vec,
		})
	}
	if err != nil {
		slog.WarnContext(ctx, "Failed to store embedding", "identifier", r.Identifier, "error", err)
	}
}

// Publish decides whether a record is shown: it has an image, or it has an
// AI summary and content together with known languages and star count.
func Publish(images []database.Image, summary, content *string, languages []string, stars *int64) bool {
	for _, img := range images {
		if img.URL != "" {
			return true
		}
	}
	hasContent := nonBlank(summary) && nonBlank(content)
	hasMetadata := nonBlank(summary) && stars != nil && languages != nil
	return hasContent && hasMetadata
}

func nonBlank(s *string) bool { return s != nil && strings.TrimSpace(*s) != "" }
