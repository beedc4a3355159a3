package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/the-spy-project/spy/internal/config"
	dbpgx "github.com/the-spy-project/spy/internal/database/pgx"
)

// ErrNotConnected is returned when the pool has not been initialized.
var ErrNotConnected = errors.New("database connection not available")

type ImageKind string

const (
	ImageKindReadmeMarkdown ImageKind = "readme-markdown"
	ImageKindReadmeHTML     ImageKind = "readme-html"
	ImageKindScreenshot     ImageKind = "screenshot"
)

type Image struct {
	URL    string    `json:"url"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Kind   ImageKind `json:"type"`
}

// Repository is the single persisted record tracked by the pipeline.
type Repository struct {
	ID             uuid.UUID
	Identifier     string
	Summary        *string
	Content        *string
	Languages      []string
	Experience     *string
	Usability      *string
	Deployment     *string
	Stars          *int64
	Forks          *int64
	Watchers       *int64
	OpenIssues     *int64
	NetworkCount   *int64
	License        *string
	Homepage       *string
	DefaultBranch  *string
	Tags           []string
	Readme         *string
	Images         []Image
	Archived       *bool
	Disabled       *bool
	ArxivURL       *string
	HuggingFaceURL *string
	PaperAuthors   []string
	PaperAbstract  *string
	PaperScrapedAt *time.Time
	Ingested       bool
	Enriched       bool
	Publish        bool
	CreatedAt      time.Time
	UpdatedAt      *time.Time
}

// StatusCounts reports how many records sit in each pipeline state.
type StatusCounts struct {
	Total           int64 `json:"total"`
	Ingested        int64 `json:"ingested"`
	Enriched        int64 `json:"enriched"`
	Published       int64 `json:"published"`
	NeedIngestion   int64 `json:"needIngestion"`
	NeedEnrichment  int64 `json:"needEnrichment"`
	NeedStatsUpdate int64 `json:"needStatsUpdate"`
}

// Conn is the part of *pgxpool.Pool used by Database.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
	Close()
}

// RepositoryStats summarizes the published catalogue.
type RepositoryStats struct {
	TotalRepos     int64 `json:"totalRepos"`
	TotalStars     int64 `json:"totalStars"`
	TotalLanguages int64 `json:"totalLanguages"`
}

type Database struct {
	pg Conn
}

// NewForConfig constructs a Database using the provided config.
func NewForConfig(cfg *config.Config) (*Database, error) {
	pg, err := dbpgx.NewClientForConfig(cfg)
	if err != nil {
		return nil, err
	}
	return NewClient(pg), nil
}

// NewClient constructs a Database using the provided pgx pool.
func NewClient(pg *pgxpool.Pool) *Database {
	if pg == nil {
		return &Database{}
	}
	return &Database{pg: pg}
}

// NewClientForConn constructs a Database over any Conn.
func NewClientForConn(c Conn) *Database { return &Database{pg: c} }

// Ping verifies the provided database connection is available
func (db *Database) Ping(ctx context.Context) error {
	ctx, span := otel.Tracer("spy/database").Start(ctx, "Database.Ping")
	defer span.End()
	if db.pg == nil {
		return ErrNotConnected
	}
	return db.pg.Ping(ctx)
}

func (db *Database) Close() error {
	if db.pg == nil {
		return nil
	}
	db.pg.Close()
	return nil
}

// InsertRepositories inserts discovered repositories, skipping identifiers
// that already exist. It returns the number of rows actually inserted.
func (db *Database) InsertRepositories(
	ctx context.Context,
	repos []*InsertRepositoryArgs,
) (int, error) {
	ctx, span := otel.Tracer("spy/database").Start(ctx, "Database.InsertRepositories")
	span.SetAttributes(attribute.Int("repos_len", len(repos)))
	defer span.End()
	if db.pg == nil {
		return 0, ErrNotConnected
	}
	if len(repos) == 0 {
		return 0, nil
	}
	b := &pgx.Batch{}
	for _, r := range repos {
		b.Queue(
			InsertRepositoryQuery,
			r.Identifier,
			r.Summary,
			r.Stars,
			r.ArxivURL,
			r.HuggingFaceURL,
			joinList(r.PaperAuthors),
			r.PaperAbstract,
			r.PaperScrapedAt,
		)
	}
	br := db.pg.SendBatch(ctx, b)
	defer br.Close()
	inserted := 0
	for range repos {
		tag, err := br.Exec()
		if err != nil {
			return inserted, recordError(span, fmt.Errorf("insert repository failed: %w", err))
		}
		inserted += int(tag.RowsAffected())
	}
	slog.DebugContext(ctx, "insert repositories done", "queued", len(repos), "inserted", inserted)
	return inserted, nil
}

// ExistingIdentifiers returns the subset of ids already stored, in a single round-trip.
func (db *Database) ExistingIdentifiers(ctx context.Context, ids []string) (map[string]bool, error) {
	ctx, span := otel.Tracer("spy/database").Start(ctx, "Database.ExistingIdentifiers")
	span.SetAttributes(attribute.Int("ids_len", len(ids)))
	defer span.End()
	out := make(map[string]bool)
	if len(ids) == 0 {
		return out, nil
	}
	if db.pg == nil {
		return nil, ErrNotConnected
	}
	rows, err := db.pg.Query(ctx, ExistingIdentifiersQuery, ids)
	if err != nil {
		return nil, recordError(span, fmt.Errorf("existing identifiers query failed: %w", err))
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, recordError(span, err)
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

// ListPendingIngestion returns records not ingested yet, oldest first.
func (db *Database) ListPendingIngestion(ctx context.Context, limit int) ([]*Repository, error) {
	return db.listRepositories(ctx, "Database.ListPendingIngestion", PendingIngestionQuery, limit)
}

// ListPendingEnrichment returns ingested records not enriched yet, oldest first.
func (db *Database) ListPendingEnrichment(ctx context.Context, limit int) ([]*Repository, error) {
	return db.listRepositories(ctx, "Database.ListPendingEnrichment", PendingEnrichmentQuery, limit)
}

// ListStaleRepositories returns published records whose stats were last
// refreshed before args.Before, least recently updated first.
func (db *Database) ListStaleRepositories(
	ctx context.Context,
	args ListStaleRepositoriesArgs,
) ([]*Repository, error) {
	return db.listRepositories(
		ctx,
		"Database.ListStaleRepositories",
		StaleRepositoriesQuery,
		args.Before,
		args.Limit,
	)
}

// SearchRepositories ranks published repositories by embedding distance when
// a vector is given, and by a plain text match otherwise.
func (db *Database) SearchRepositories(
	ctx context.Context,
	args SearchRepositoriesArgs,
) ([]*Repository, error) {
	if len(args.Vec) > 0 {
		return db.listRepositories(
			ctx,
			"Database.SearchRepositories",
			SearchRepositoriesByVectorQuery,
			pgvector.NewVector(args.Vec),
			args.Limit,
		)
	}
	return db.listRepositories(
		ctx,
		"Database.SearchRepositories",
		SearchRepositoriesByTextQuery,
		args.Query,
		args.Limit,
	)
}

// ListRepositories pages through published repositories matching the
// filters of args.
func (db *Database) ListRepositories(
	ctx context.Context,
	args ListRepositoriesArgs,
) ([]*Repository, error) {
	return db.listRepositories(
		ctx,
		"Database.ListRepositories",
		ListRepositoriesQuery(args.SortBy, args.SortOrder),
		args.Search,
		args.Language,
		args.Experience,
		args.License,
		args.Limit,
		args.Offset,
	)
}

// RepositoryStats aggregates the published repositories.
func (db *Database) RepositoryStats(ctx context.Context) (*RepositoryStats, error) {
	ctx, span := otel.Tracer("spy/database").Start(ctx, "Database.RepositoryStats")
	defer span.End()
	if db.pg == nil {
		return nil, ErrNotConnected
	}
	var st RepositoryStats
	err := db.pg.QueryRow(ctx, RepositoryStatsQuery).Scan(
		&st.TotalRepos,
		&st.TotalStars,
		&st.TotalLanguages,
	)
	if err != nil {
		return nil, recordError(span, fmt.Errorf("repository stats query failed: %w", err))
	}
	return &st, nil
}

func (db *Database) listRepositories(
	ctx context.Context,
	name string,
	query string,
	args ...any,
) ([]*Repository, error) {
	ctx, span := otel.Tracer("spy/database").Start(ctx, name)
	defer span.End()
	if db.pg == nil {
		return nil, ErrNotConnected
	}
	rows, err := db.pg.Query(ctx, query, args...)
	if err != nil {
		return nil, recordError(span, fmt.Errorf("list repositories query failed: %w", err))
	}
	scanned, err := pgx.CollectRows(rows, pgx.RowToStructByPos[repositoryRow])
	if err != nil {
		return nil, recordError(span, err)
	}
	out := make([]*Repository, 0, len(scanned))
	for i := range scanned {
		r, err := scanned[i].toRepository()
		if err != nil {
			return nil, recordError(span, err)
		}
		out = append(out, r)
	}
	span.SetAttributes(attribute.Int("rows_len", len(out)))
	slog.DebugContext(ctx, "list repositories done", "query", name, "count", len(out))
	return out, nil
}

// MarkIngested flips the ingested flag without touching any other field.
func (db *Database) MarkIngested(ctx context.Context, id uuid.UUID) error {
	return db.exec(ctx, "Database.MarkIngested", MarkIngestedQuery, id)
}

// UpdateIngested stores GitHub-derived fields and marks the record ingested.
func (db *Database) UpdateIngested(ctx context.Context, args *UpdateIngestedArgs) error {
	images := args.Images
	if images == nil {
		images = []Image{}
	}
	raw, err := json.Marshal(images)
	if err != nil {
		return fmt.Errorf("marshal images failed: %w", err)
	}
	return db.exec(
		ctx,
		"Database.UpdateIngested",
		UpdateIngestedQuery,
		args.ID,
		args.Summary,
		args.Stars,
		args.Forks,
		args.Watchers,
		args.OpenIssues,
		args.NetworkCount,
		args.License,
		args.Homepage,
		args.DefaultBranch,
		joinList(args.Tags),
		joinList(args.Languages),
		args.Readme,
		string(raw),
		args.Archived,
		args.Disabled,
	)
}

// UpdateEnriched stores AI fields, marks the record enriched and raises publish if requested.
func (db *Database) UpdateEnriched(ctx context.Context, args *UpdateEnrichedArgs) error {
	return db.exec(
		ctx,
		"Database.UpdateEnriched",
		UpdateEnrichedQuery,
		args.ID,
		args.Summary,
		args.Content,
		args.Experience,
		args.Usability,
		args.Deployment,
		args.Publish,
	)
}

// UpdateStats refreshes the volatile counters and updated_at.
func (db *Database) UpdateStats(ctx context.Context, args *UpdateStatsArgs) error {
	return db.exec(
		ctx,
		"Database.UpdateStats",
		UpdateStatsQuery,
		args.ID,
		args.Stars,
		args.Forks,
		args.Watchers,
		args.OpenIssues,
		args.NetworkCount,
		args.Archived,
		args.Disabled,
	)
}

// UpsertRepositoryEmbedding stores the summary embedding of a repository.
func (db *Database) UpsertRepositoryEmbedding(
	ctx context.Context,
	args *UpsertRepositoryEmbeddingArgs,
) error {
	return db.exec(
		ctx,
		"Database.UpsertRepositoryEmbedding",
		UpsertRepositoryEmbeddingQuery,
		args.RepositoryID,
		pgvector.NewVector(args.Vec),
	)
}

// CountStatus counts records per pipeline state in a single query.
func (db *Database) CountStatus(ctx context.Context, staleBefore time.Time) (*StatusCounts, error) {
	ctx, span := otel.Tracer("spy/database").Start(ctx, "Database.CountStatus")
	defer span.End()
	if db.pg == nil {
		return nil, ErrNotConnected
	}
	var c StatusCounts
	err := db.pg.QueryRow(ctx, StatusCountsQuery, staleBefore).Scan(
		&c.Total,
		&c.Ingested,
		&c.Enriched,
		&c.Published,
		&c.NeedIngestion,
		&c.NeedEnrichment,
		&c.NeedStatsUpdate,
	)
	if err != nil {
		return nil, recordError(span, fmt.Errorf("count status query failed: %w", err))
	}
	return &c, nil
}

func (db *Database) exec(ctx context.Context, name, query string, args ...any) error {
	ctx, span := otel.Tracer("spy/database").Start(ctx, name)
	defer span.End()
	if db.pg == nil {
		return ErrNotConnected
	}
	tag, err := db.pg.Exec(ctx, query, args...)
	if err != nil {
		return recordError(span, fmt.Errorf("%s failed: %w", name, err))
	}
	span.SetAttributes(attribute.Int64("rows_affected", tag.RowsAffected()))
	return nil
}

func recordError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

type repositoryRow struct {
	ID             uuid.UUID
	Identifier     string
	Summary        *string
	Content        *string
	Languages      *string
	Experience     *string
	Usability      *string
	Deployment     *string
	Stars          *int64
	Forks          *int64
	Watchers       *int64
	OpenIssues     *int64
	NetworkCount   *int64
	License        *string
	Homepage       *string
	DefaultBranch  *string
	Tags           *string
	Readme         *string
	Images         []byte
	Archived       *bool
	Disabled       *bool
	ArxivURL       *string
	HuggingFaceURL *string
	PaperAuthors   *string
	PaperAbstract  *string
	PaperScrapedAt *time.Time
	Ingested       bool
	Enriched       bool
	Publish        bool
	CreatedAt      time.Time
	UpdatedAt      *time.Time
}

func (r *repositoryRow) toRepository() (*Repository, error) {
	images := []Image{}
	if len(r.Images) > 0 {
		if err := json.Unmarshal(r.Images, &images); err != nil {
			return nil, fmt.Errorf("decode images of %s: %w", r.Identifier, err)
		}
	}
	return &Repository{
		ID:             r.ID,
		Identifier:     r.Identifier,
		Summary:        r.Summary,
		Content:        r.Content,
		Languages:      splitList(r.Languages),
		Experience:     r.Experience,
		Usability:      r.Usability,
		Deployment:     r.Deployment,
		Stars:          r.Stars,
		Forks:          r.Forks,
		Watchers:       r.Watchers,
		OpenIssues:     r.OpenIssues,
		NetworkCount:   r.NetworkCount,
		License:        r.License,
		Homepage:       r.Homepage,
		DefaultBranch:  r.DefaultBranch,
		Tags:           splitList(r.Tags),
		Readme:         r.Readme,
		Images:         images,
		Archived:       r.Archived,
		Disabled:       r.Disabled,
		ArxivURL:       r.ArxivURL,
		HuggingFaceURL: r.HuggingFaceURL,
		PaperAuthors:   splitList(r.PaperAuthors),
		PaperAbstract:  r.PaperAbstract,
		PaperScrapedAt: r.PaperScrapedAt,
		Ingested:       r.Ingested,
		Enriched:       r.Enriched,
		Publish:        r.Publish,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

// joinList serializes a list as comma-joined text. A nil list stays NULL,
// an empty one becomes the empty string.
func joinList(l []string) *string {
	if l == nil {
		return nil
	}
	s := strings.Join(l, ",")
	return &s
}

func splitList(s *string) []string {
	if s == nil {
		return nil
	}
	out := []string{}
	for _, p := range strings.Split(*s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
