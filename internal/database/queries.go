package database

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

type InsertRepositoryArgs struct {
	Identifier     string
	Summary        *string
	Stars          *int64
	ArxivURL       *string
	HuggingFaceURL *string
	PaperAuthors   []string
	PaperAbstract  *string
	PaperScrapedAt *time.Time
}

type UpdateIngestedArgs struct {
	ID            uuid.UUID
	Summary       *string
	Stars         *int64
	Forks         *int64
	Watchers      *int64
	OpenIssues    *int64
	NetworkCount  *int64
	License       *string
	Homepage      *string
	DefaultBranch *string
	Tags          []string
	Languages     []string
	Readme        *string
	Images        []Image
	Archived      *bool
	Disabled      *bool
}

type UpdateEnrichedArgs struct {
	ID         uuid.UUID
	Summary    *string
	Content    *string
	Experience *string
	Usability  *string
	Deployment *string
	Publish    bool
}

type UpdateStatsArgs struct {
	ID           uuid.UUID
	Stars        *int64
	Forks        *int64
	Watchers     *int64
	OpenIssues   *int64
	NetworkCount *int64
	Archived     *bool
	Disabled     *bool
}

type ListStaleRepositoriesArgs struct {
	Before time.Time
	Limit  int
}

type UpsertRepositoryEmbeddingArgs struct {
	RepositoryID uuid.UUID
	Vec          []float32
}

type SearchRepositoriesArgs struct {
	Query string
	Vec   []float32
	Limit int
}

// ListRepositoriesArgs filters and orders the published listing. Empty
// filters match everything.
type ListRepositoriesArgs struct {
	Search     string
	Language   string
	Experience string
	License    string
	SortBy     string
	SortOrder  string
	Limit      int
	Offset     int
}

// SortColumns are the columns a listing may be ordered by.
var SortColumns = []string{"created_at", "stars", "forks", "updated_at"}

var repositoryColumns = strings.Join([]string{
	"id, identifier, summary, content, languages, experience, usability, deployment,",
	"stars, forks, watchers, open_issues, network_count, license, homepage, default_branch,",
	"tags, readme, images, archived, disabled, arxiv_url, huggingface_url, paper_authors,",
	"paper_abstract, paper_scraped_at, ingested, enriched, publish, created_at, updated_at",
}, " ")

var InsertRepositoryQuery = strings.Join([]string{
	"INSERT INTO repositories",
	"(identifier, summary, stars, arxiv_url, huggingface_url, paper_authors, paper_abstract, paper_scraped_at)",
	"VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
	"ON CONFLICT (identifier) DO NOTHING",
}, " ")

var ExistingIdentifiersQuery = strings.Join([]string{
	"SELECT identifier FROM repositories",
	"WHERE identifier = ANY($1::text[])",
}, " ")

var PendingIngestionQuery = strings.Join([]string{
	"SELECT", repositoryColumns, "FROM repositories",
	"WHERE NOT ingested",
	"ORDER BY created_at ASC, id ASC",
	"LIMIT $1",
}, " ")

var PendingEnrichmentQuery = strings.Join([]string{
	"SELECT", repositoryColumns, "FROM repositories",
	"WHERE ingested AND NOT enriched",
	"ORDER BY created_at ASC, id ASC",
	"LIMIT $1",
}, " ")

var StaleRepositoriesQuery = strings.Join([]string{
	"SELECT", repositoryColumns, "FROM repositories",
	"WHERE publish AND (updated_at IS NULL OR updated_at < $1)",
	"ORDER BY updated_at ASC NULLS FIRST",
	"LIMIT $2",
}, " ")

var MarkIngestedQuery = strings.Join([]string{
	"UPDATE repositories SET ingested = true",
	"WHERE id = $1",
}, " ")

var UpdateIngestedQuery = strings.Join([]string{
	"UPDATE repositories SET",
	"summary = COALESCE(summary, $2), stars = $3, forks = $4, watchers = $5,",
	"open_issues = $6, network_count = $7, license = $8, homepage = $9,",
	"default_branch = $10, tags = $11, languages = $12, readme = $13,",
	"images = $14::jsonb, archived = $15, disabled = $16,",
	"ingested = true, updated_at = NOW()",
	"WHERE id = $1",
}, " ")

// UpdateEnrichedQuery only touches ingested rows and never clears publish.
var UpdateEnrichedQuery = strings.Join([]string{
	"UPDATE repositories SET",
	"summary = COALESCE($2, summary), content = COALESCE($3, content),",
	"experience = COALESCE($4, experience), usability = COALESCE($5, usability),",
	"deployment = COALESCE($6, deployment),",
	"publish = publish OR $7, enriched = true, updated_at = NOW()",
	"WHERE id = $1 AND ingested",
}, " ")

var UpdateStatsQuery = strings.Join([]string{
	"UPDATE repositories SET",
	"stars = COALESCE($2, stars), forks = COALESCE($3, forks),",
	"watchers = COALESCE($4, watchers), open_issues = COALESCE($5, open_issues),",
	"network_count = COALESCE($6, network_count),",
	"archived = COALESCE($7, archived), disabled = COALESCE($8, disabled),",
	"updated_at = NOW()",
	"WHERE id = $1",
}, " ")

var StatusCountsQuery = strings.Join([]string{
	"SELECT",
	"COUNT(*),",
	"COUNT(*) FILTER (WHERE ingested),",
	"COUNT(*) FILTER (WHERE enriched),",
	"COUNT(*) FILTER (WHERE publish),",
	"COUNT(*) FILTER (WHERE NOT ingested),",
	"COUNT(*) FILTER (WHERE ingested AND NOT enriched),",
	"COUNT(*) FILTER (WHERE publish AND (updated_at IS NULL OR updated_at < $1))",
	"FROM repositories",
}, " ")

var UpsertRepositoryEmbeddingQuery = strings.Join([]string{
	"INSERT INTO repository_embeddings (repository_id, embedding)",
	"VALUES ($1, $2)",
	"ON CONFLICT (repository_id)",
	"DO UPDATE SET embedding = EXCLUDED.embedding, updated_at = NOW()",
}, " ")

var SearchRepositoriesByVectorQuery = strings.Join([]string{
	"SELECT", prefixed("r.", repositoryColumns), "FROM repositories r",
	"JOIN repository_embeddings e ON e.repository_id = r.id",
	"WHERE r.publish",
	"ORDER BY e.embedding <=> $1",
	"LIMIT $2",
}, " ")

var SearchRepositoriesByTextQuery = strings.Join([]string{
	"SELECT", repositoryColumns, "FROM repositories",
	"WHERE publish AND ($1::text = '' OR identifier ILIKE '%' || $1::text || '%'",
	"OR summary ILIKE '%' || $1::text || '%' OR tags ILIKE '%' || $1::text || '%')",
	"ORDER BY stars DESC NULLS LAST",
	"LIMIT $2",
}, " ")

var listRepositoriesFilter = strings.Join([]string{
	"WHERE publish",
	"AND ($1::text = '' OR summary ILIKE '%' || $1::text || '%' OR identifier ILIKE '%' || $1::text || '%'",
	"OR languages ILIKE '%' || $1::text || '%' OR tags ILIKE '%' || $1::text || '%')",
	"AND ($2::text = '' OR languages ILIKE '%' || $2::text || '%')",
	"AND ($3::text = '' OR experience ILIKE '%' || $3::text || '%')",
	"AND ($4::text = '' OR license ILIKE '%' || $4::text || '%')",
}, " ")

// ListRepositoriesQuery returns the listing query ordered by sortBy. Unknown
// columns fall back to created_at and any order but "asc" means descending.
func ListRepositoriesQuery(sortBy, sortOrder string) string {
	if !slices.Contains(SortColumns, sortBy) {
		sortBy = "created_at"
	}
	dir := "DESC"
	if strings.EqualFold(sortOrder, "asc") {
		dir = "ASC"
	}
	return strings.Join([]string{
		"SELECT", repositoryColumns, "FROM repositories",
		listRepositoriesFilter,
		"ORDER BY", sortBy, dir, "NULLS LAST, id", dir,
		"LIMIT $5 OFFSET $6",
	}, " ")
}

var RepositoryStatsQuery = strings.Join([]string{
	"SELECT COUNT(*), COALESCE(SUM(stars), 0),",
	"(SELECT COUNT(DISTINCT btrim(lang)) FROM repositories p,",
	"unnest(string_to_array(p.languages, ',')) AS lang",
	"WHERE p.publish AND btrim(lang) <> '')",
	"FROM repositories WHERE publish",
}, " ")

// prefixed qualifies every column of a comma separated list with p.
func prefixed(p, cols string) string {
	parts := strings.Split(cols, ",")
	for i := range parts {
		parts[i] = p + strings.TrimSpace(parts[i])
	}
	return strings.Join(parts, ", ")
}
