package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/the-spy-project/spy/internal/agent"
	"github.com/the-spy-project/spy/internal/database"
	"github.com/the-spy-project/spy/internal/events"
	"github.com/the-spy-project/spy/internal/github"
	"github.com/the-spy-project/spy/internal/sources"
)

var testNow = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

// fakeStore mirrors the SQL semantics of database.Database in memory.
type fakeStore struct {
	mu         sync.Mutex
	repos      []*database.Repository
	embeddings map[uuid.UUID][]float32
	lookups    int
	listErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{embeddings: map[uuid.UUID][]float32{}}
}

func (s *fakeStore) seed(id string, mutate func(r *database.Repository)) *database.Repository {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &database.Repository{ID: uuid.New(), Identifier: id, CreatedAt: testNow}
	if mutate != nil {
		mutate(r)
	}
	s.repos = append(s.repos, r)
	return r
}

func (s *fakeStore) get(id string) *database.Repository {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.repos {
		if r.Identifier == id {
			cp := *r
			return &cp
		}
	}
	return nil
}

func (s *fakeStore) find(id uuid.UUID) *database.Repository {
	for _, r := range s.repos {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (s *fakeStore) list(limit int, keep func(r *database.Repository) bool) ([]*database.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*database.Repository
	for _, r := range s.repos {
		if len(out) == limit {
			break
		}
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) ExistingIdentifiers(_ context.Context, ids []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	out := map[string]bool{}
	for _, r := range s.repos {
		if slices.Contains(ids, r.Identifier) {
			out[r.Identifier] = true
		}
	}
	return out, nil
}

func (s *fakeStore) InsertRepositories(_ context.Context, args []*database.InsertRepositoryArgs) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range args {
		if slices.ContainsFunc(s.repos, func(r *database.Repository) bool { return r.Identifier == a.Identifier }) {
			continue
		}
		s.repos = append(s.repos, &database.Repository{
			ID:             uuid.New(),
			Identifier:     a.Identifier,
			Summary:        a.Summary,
			Stars:          a.Stars,
			ArxivURL:       a.ArxivURL,
			HuggingFaceURL: a.HuggingFaceURL,
			PaperAuthors:   a.PaperAuthors,
			PaperAbstract:  a.PaperAbstract,
			PaperScrapedAt: a.PaperScrapedAt,
			CreatedAt:      testNow,
		})
		n++
	}
	return n, nil
}

func (s *fakeStore) ListPendingIngestion(_ context.Context, limit int) ([]*database.Repository, error) {
	return s.list(limit, func(r *database.Repository) bool { return !r.Ingested })
}

func (s *fakeStore) ListPendingEnrichment(_ context.Context, limit int) ([]*database.Repository, error) {
	return s.list(limit, func(r *database.Repository) bool { return r.Ingested && !r.Enriched })
}

func (s *fakeStore) ListStaleRepositories(_ context.Context, args database.ListStaleRepositoriesArgs) ([]*database.Repository, error) {
	return s.list(args.Limit, func(r *database.Repository) bool {
		return r.Publish && (r.UpdatedAt == nil || r.UpdatedAt.Before(args.Before))
	})
}

func (s *fakeStore) MarkIngested(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.find(id).Ingested = true
	return nil
}

func (s *fakeStore) UpdateIngested(_ context.Context, a *database.UpdateIngestedArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(a.ID)
	if r.Summary == nil {
		r.Summary = a.Summary
	}
	r.Stars, r.Forks, r.Watchers = a.Stars, a.Forks, a.Watchers
	r.OpenIssues, r.NetworkCount = a.OpenIssues, a.NetworkCount
	r.License, r.Homepage, r.DefaultBranch = a.License, a.Homepage, a.DefaultBranch
	r.Tags, r.Languages, r.Readme = a.Tags, a.Languages, a.Readme
	r.Images = a.Images
	if r.Images == nil {
		r.Images = []database.Image{}
	}
	r.Archived, r.Disabled = a.Archived, a.Disabled
	r.Ingested = true
	return nil
}

func (s *fakeStore) UpdateEnriched(_ context.Context, a *database.UpdateEnrichedArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(a.ID)
	if !r.Ingested {
		return nil
	}
	coalesce := func(dst **string, v *string) {
		if v != nil {
			*dst = v
		}
	}
	coalesce(&r.Summary, a.Summary)
	coalesce(&r.Content, a.Content)
	coalesce(&r.Experience, a.Experience)
	coalesce(&r.Usability, a.Usability)
	coalesce(&r.Deployment, a.Deployment)
	r.Publish = r.Publish || a.Publish
	r.Enriched = true
	return nil
}

func (s *fakeStore) UpdateStats(_ context.Context, a *database.UpdateStatsArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(a.ID)
	r.Stars, r.Forks, r.Watchers = a.Stars, a.Forks, a.Watchers
	r.OpenIssues, r.NetworkCount = a.OpenIssues, a.NetworkCount
	r.Archived, r.Disabled = a.Archived, a.Disabled
	updated := testNow
	r.UpdatedAt = &updated
	return nil
}

func (s *fakeStore) UpsertRepositoryEmbedding(_ context.Context, a *database.UpsertRepositoryEmbeddingArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings[a.RepositoryID] = a.Vec
	return nil
}

func (s *fakeStore) CountStatus(_ context.Context, staleBefore time.Time) (*database.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var c database.StatusCounts
	for _, r := range s.repos {
		c.Total++
		if r.Ingested {
			c.Ingested++
		} else {
			c.NeedIngestion++
		}
		if r.Enriched {
			c.Enriched++
		} else if r.Ingested {
			c.NeedEnrichment++
		}
		if r.Publish {
			c.Published++
			if r.UpdatedAt == nil || r.UpdatedAt.Before(staleBefore) {
				c.NeedStatsUpdate++
			}
		}
	}
	return &c, nil
}

type fakeSource struct {
	name       string
	candidates []sources.Candidate
	err        error
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) Discover(context.Context) ([]sources.Candidate, error) {
	return s.candidates, s.err
}

// fakeFetcher returns queued errors for an identifier first, then its result.
type fakeFetcher struct {
	mu      sync.Mutex
	results map[string]*github.Result
	errs    map[string][]error
	panics  map[string]bool
	calls   map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		results: map[string]*github.Result{},
		errs:    map[string][]error{},
		panics:  map[string]bool{},
		calls:   map[string]int{},
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, id string) (*github.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if f.panics[id] {
		panic("fetcher exploded")
	}
	if q := f.errs[id]; len(q) > 0 {
		f.errs[id] = q[1:]
		return nil, q[0]
	}
	if r, ok := f.results[id]; ok {
		return r, nil
	}
	return nil, errors.New("unexpected fetch of " + id)
}

type fakeEnricher struct {
	outcomes map[string]agent.Outcome
	errs     map[string]error
	readmes  map[string]*string
}

func newFakeEnricher() *fakeEnricher {
	return &fakeEnricher{
		outcomes: map[string]agent.Outcome{},
		errs:     map[string]error{},
		readmes:  map[string]*string{},
	}
}

func (e *fakeEnricher) Enrich(_ context.Context, readme *string, meta agent.Metadata) (agent.Outcome, error) {
	e.readmes[meta.Identifier] = readme
	if err := e.errs[meta.Identifier]; err != nil {
		return agent.Outcome{}, err
	}
	return e.outcomes[meta.Identifier], nil
}

type fakeImages struct {
	extracted []database.Image
	shot      *database.Image
	shotErr   error
	enabled   bool
	homepages []string
	repoBases []string
	branches  []string
}

func (f *fakeImages) Extract(_ context.Context, _, repoBase, branch string) []database.Image {
	f.repoBases = append(f.repoBases, repoBase)
	f.branches = append(f.branches, branch)
	return append([]database.Image{}, f.extracted...)
}

func (f *fakeImages) Screenshot(_ context.Context, _, homepage string) (*database.Image, error) {
	f.homepages = append(f.homepages, homepage)
	return f.shot, f.shotErr
}

func (f *fakeImages) ScreenshotsEnabled() bool { return f.enabled }

type fakeEmbedder struct{ err error }

func (e fakeEmbedder) EmbedText(context.Context, string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeCache struct {
	sources.Lookup
	remembered []string
}

func (c *fakeCache) Remember(_ context.Context, ids ...string) error {
	c.remembered = append(c.remembered, ids...)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) ofType(t events.Type) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}
