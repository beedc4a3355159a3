package sources

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"k8s.io/utils/ptr"
)

const (
	ossInsightMinStars = 50
	ossInsightMaxRows  = 50
)

// OSSInsight lists trending repositories from the OSS Insight API.
type OSSInsight struct {
	hc      *http.Client
	baseURL string
	period  string
	lookup  Lookup
}

type ossInsightResponse struct {
	Data struct {
		Rows []struct {
			RepoName        string `json:"repo_name"`
			Stars           string `json:"stars"`
			Description     string `json:"description"`
			PrimaryLanguage string `json:"primary_language"`
		} `json:"rows"`
	} `json:"data"`
}

func NewOSSInsight(lookup Lookup, hc *http.Client, baseURL, period string) *OSSInsight {
	if hc == nil {
		hc = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = "https://api.ossinsight.io"
	}
	return &OSSInsight{hc: hc, baseURL: strings.TrimSuffix(baseURL, "/"), period: period, lookup: lookup}
}

func (o *OSSInsight) Name() string { return "ossinsight" }

// Discover keeps repositories with more than 50 stars, most starred first,
// at most 50 of them.
func (o *OSSInsight) Discover(ctx context.Context) ([]Candidate, error) {
	u := o.baseURL + "/v1/trends/repos"
	if o.period != "" {
		u += "?period=" + url.QueryEscape(o.period)
	}
	body, err := get(ctx, o.hc, u, "application/json")
	if err != nil {
		return nil, fmt.Errorf("fetch OSS Insight trends: %w", err)
	}
	var resp ossInsightResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode OSS Insight trends: %w", err)
	}

	out := []Candidate{}
	seen := make(map[string]bool)
	for _, row := range resp.Data.Rows {
		stars, err := strconv.ParseInt(strings.TrimSpace(row.Stars), 10, 64)
		if err != nil || stars <= ossInsightMinStars {
			continue
		}
		c := Candidate{Identifier: row.RepoName, Stars: ptr.To(stars), Source: "ossinsight"}
		if d := strings.TrimSpace(row.Description); d != "" {
			c.Description = ptr.To(d)
		}
		out = appendCandidate(out, seen, c)
	}
	slices.SortStableFunc(out, func(a, b Candidate) int { return cmp.Compare(*b.Stars, *a.Stars) })
	if len(out) > ossInsightMaxRows {
		out = out[:ossInsightMaxRows]
	}
	slog.InfoContext(ctx, "Fetched OSS Insight trends", "rows", len(resp.Data.Rows), "kept", len(out))
	if err := Annotate(ctx, o.lookup, out); err != nil {
		return nil, err
	}
	return out, nil
}
