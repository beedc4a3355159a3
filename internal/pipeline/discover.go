package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/the-spy-project/spy/internal/database"
	"github.com/the-spy-project/spy/internal/events"
	"github.com/the-spy-project/spy/internal/sources"
)

// Discover runs every source concurrently, merges their candidates (first source wins),
// drops identifiers already stored and inserts the rest.
func (p *Pipeline) Discover(ctx context.Context) *Result {
	ctx, span := otel.Tracer("spy/pipeline").Start(ctx, "Pipeline.Discover")
	defer span.End()
	res := p.newResult(StageDiscover)

	found := make([][]sources.Candidate, len(p.sources))
	errs := make([]error, len(p.sources))
	var g errgroup.Group
	for i, src := range p.sources {
		g.Go(func() error {
			errs[i] = p.attempt(ctx, src.Name(), func(ctx context.Context) error {
				var err error
				found[i], err = src.Discover(ctx)
				return err
			})
			return nil
		})
	}
	_ = g.Wait()

	var merged []sources.Candidate
	seen := make(map[string]bool)
	failed := 0
	for i, src := range p.sources {
		if err := errs[i]; err != nil {
			failed++
			slog.WarnContext(ctx, "Source failed", "source", src.Name(), "error", err)
			res.addError(src.Name(), err)
			continue
		}
		slog.InfoContext(ctx, "Source discovered candidates", "source", src.Name(), "count", len(found[i]))
		for _, c := range found[i] {
			if seen[c.Identifier] {
				continue
			}
			seen[c.Identifier] = true
			if c.Source == "" {
				c.Source = src.Name()
			}
			merged = append(merged, c)
		}
	}
	res.TotalFound = len(merged)
	span.SetAttributes(attribute.Int("candidates_len", len(merged)))
	if len(p.sources) > 0 && failed == len(p.sources) {
		return p.complete(ctx, fail(ctx, res, errors.New("every source failed")))
	}

	fresh, err := sources.Filter(ctx, p.lookup(), merged)
	if err != nil {
		return p.complete(ctx, fail(ctx, res, err))
	}
	if len(fresh) == 0 {
		return p.complete(ctx, res)
	}

	args := make([]*database.InsertRepositoryArgs, 0, len(fresh))
	for _, c := range fresh {
		args = append(args, insertArgs(c))
	}
	inserted, err := p.store.InsertRepositories(ctx, args)
	if err != nil {
		return p.complete(ctx, fail(ctx, res, fmt.Errorf("insert repositories: %w", err)))
	}
	res.Processed = inserted

	ids := make([]string, 0, len(fresh))
	for _, c := range fresh {
		ids = append(ids, c.Identifier)
	}
	if p.cache != nil {
		if err := p.cache.Remember(ctx, ids...); err != nil {
			slog.WarnContext(ctx, "Failed to cache identifiers", "error", err)
		}
	}
	for _, c := range fresh {
		p.emit(ctx, events.Event{
			Type:       events.RepositoryDiscovered,
			Identifier: c.Identifier,
			Source:     c.Source,
			Timestamp:  p.now().UTC(),
		})
	}
	return p.complete(ctx, res)
}

func insertArgs(c sources.Candidate) *database.InsertRepositoryArgs {
	return &database.InsertRepositoryArgs{
		Identifier:     c.Identifier,
		Summary:        c.Description,
		Stars:          c.Stars,
		ArxivURL:       c.ArxivURL,
		HuggingFaceURL: c.HuggingFaceURL,
		PaperAuthors:   c.Authors,
		PaperAbstract:  c.PaperAbstract,
		PaperScrapedAt: c.ScrapedAt,
	}
}
