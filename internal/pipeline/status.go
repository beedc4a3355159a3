package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/the-spy-project/spy/internal/database"
)

// StatusReport describes how far the records have progressed.
type StatusReport struct {
	Success     bool                   `json:"success"`
	Timestamp   time.Time              `json:"timestamp"`
	Statistics  *database.StatusCounts `json:"statistics,omitempty"`
	Percentages *Percentages           `json:"percentages,omitempty"`
	NextActions *NextActions           `json:"nextActions,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Percentages are rounded shares of the total, 0 when there are no records.
type Percentages struct {
	Ingested  int `json:"ingested"`
	Enriched  int `json:"enriched"`
	Published int `json:"published"`
}

type NextActions struct {
	ShouldRunIngestion  bool  `json:"shouldRunIngestion"`
	ShouldRunEnrichment bool  `json:"shouldRunEnrichment"`
	ShouldRunRefresh    bool  `json:"shouldRunRefresh"`
	IngestionsNeeded    int64 `json:"ingestionsNeeded"`
	EnrichmentsNeeded   int64 `json:"enrichmentsNeeded"`
	RefreshesNeeded     int64 `json:"refreshesNeeded"`
}

// Status counts records per state. A store failure yields a report with
// Success false.
func (p *Pipeline) Status(ctx context.Context) *StatusReport {
	now := p.now().UTC()
	report := &StatusReport{Timestamp: now}
	counts, err := p.store.CountStatus(ctx, now.Add(-p.refreshAfter))
	if err != nil {
		report.Error = fmt.Sprintf("count status: %v", err)
		return report
	}
	report.Success = true
	report.Statistics = counts
	report.Percentages = &Percentages{
		Ingested:  percent(counts.Ingested, counts.Total),
		Enriched:  percent(counts.Enriched, counts.Total),
		Published: percent(counts.Published, counts.Total),
	}
	report.NextActions = &NextActions{
		ShouldRunIngestion:  counts.NeedIngestion > 0,
		ShouldRunEnrichment: counts.NeedEnrichment > 0,
		ShouldRunRefresh:    counts.NeedStatsUpdate > 0,
		IngestionsNeeded:    counts.NeedIngestion,
		EnrichmentsNeeded:   counts.NeedEnrichment,
		RefreshesNeeded:     counts.NeedStatsUpdate,
	}
	return report
}

func percent(n, total int64) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(n) / float64(total) * 100))
}
