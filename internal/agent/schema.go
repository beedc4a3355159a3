package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrMalformed is returned by ParseEnrichment for responses not matching the schema.
var ErrMalformed = errors.New("malformed enrichment")

// Closed vocabularies of the classification labels.
var (
	ExperienceLevels = []string{"beginner", "intermediate", "advanced"}
	UsabilityLevels  = []string{"easy", "intermediate", "difficult"}
	DeploymentLevels = []string{"easy", "intermediate", "advanced", "expert"}
)

const SchemaName = "repository_enrichment"

// Enrichment is a validated LLM answer.
type Enrichment struct {
	Summary    string `json:"summary"`
	Content    string `json:"content"`
	Experience string `json:"experience"`
	Usability  string `json:"usability"`
	Deployment string `json:"deployment"`
}

// Schema returns the JSON schema requested from the model.
func Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{
				"type":        "string",
				"description": "A brief summary of the project in 2 to 3 sentences.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "A human-written article about the project in Markdown.",
			},
			"experience": map[string]any{
				"type":        "string",
				"enum":        ExperienceLevels,
				"description": "Experience needed to use the project.",
			},
			"usability": map[string]any{
				"type":        "string",
				"enum":        UsabilityLevels,
				"description": "How easy the project is to use.",
			},
			"deployment": map[string]any{
				"type":        "string",
				"enum":        DeploymentLevels,
				"description": "How hard the project is to deploy.",
			},
		},
		"required":             []string{"summary", "content", "experience", "usability", "deployment"},
		"additionalProperties": false,
	}
}

// ParseEnrichment decodes and validates a model response. Code fences around
// the JSON document are tolerated and labels are matched case-insensitively.
func ParseEnrichment(raw string) (*Enrichment, error) {
	var fields map[string]*string
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	get := func(name string) (string, error) {
		v, ok := fields[name]
		if !ok || v == nil || strings.TrimSpace(*v) == "" {
			return "", fmt.Errorf("%w: missing %s", ErrMalformed, name)
		}
		return strings.TrimSpace(*v), nil
	}
	label := func(name string, allowed []string) (string, error) {
		v, err := get(name)
		if err != nil {
			return "", err
		}
		v = strings.ToLower(v)
		if !slices.Contains(allowed, v) {
			return "", fmt.Errorf("%w: %s %q not in %v", ErrMalformed, name, v, allowed)
		}
		return v, nil
	}

	var e Enrichment
	var err error
	if e.Summary, err = get("summary"); err != nil {
		return nil, err
	}
	if e.Content, err = get("content"); err != nil {
		return nil, err
	}
	if e.Experience, err = label("experience", ExperienceLevels); err != nil {
		return nil, err
	}
	if e.Usability, err = label("usability", UsabilityLevels); err != nil {
		return nil, err
	}
	if e.Deployment, err = label("deployment", DeploymentLevels); err != nil {
		return nil, err
	}
	return &e, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// drop the info string, e.g. ```json
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
