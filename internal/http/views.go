package http

import (
	"time"

	"github.com/the-spy-project/spy/internal/database"
)

// RepositoryView is the public JSON shape of a repository.
type RepositoryView struct {
	Identifier     string           `json:"identifier"`
	Summary        *string          `json:"summary"`
	Content        *string          `json:"content"`
	Languages      []string         `json:"languages"`
	Experience     *string          `json:"experience"`
	Usability      *string          `json:"usability"`
	Deployment     *string          `json:"deployment"`
	Stars          *int64           `json:"stars"`
	Forks          *int64           `json:"forks"`
	License        *string          `json:"license"`
	Homepage       *string          `json:"homepage"`
	Tags           []string         `json:"tags"`
	Images         []database.Image `json:"images"`
	Archived       *bool            `json:"archived"`
	ArxivURL       *string          `json:"arxivUrl,omitempty"`
	HuggingFaceURL *string          `json:"huggingfaceUrl,omitempty"`
	PaperAuthors   []string         `json:"paperAuthors,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      *time.Time       `json:"updatedAt"`
}

func NewRepositoryView(r *database.Repository) RepositoryView {
	images := r.Images
	if images == nil {
		images = []database.Image{}
	}
	return RepositoryView{
		Identifier:     r.Identifier,
		Summary:        r.Summary,
		Content:        r.Content,
		Languages:      r.Languages,
		Experience:     r.Experience,
		Usability:      r.Usability,
		Deployment:     r.Deployment,
		Stars:          r.Stars,
		Forks:          r.Forks,
		License:        r.License,
		Homepage:       r.Homepage,
		Tags:           r.Tags,
		Images:         images,
		Archived:       r.Archived,
		ArxivURL:       r.ArxivURL,
		HuggingFaceURL: r.HuggingFaceURL,
		PaperAuthors:   r.PaperAuthors,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}
