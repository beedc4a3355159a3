package agent

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/the-spy-project/spy/internal/config"
	"github.com/the-spy-project/spy/internal/encoding"
)

const (
	MinReadmeLength = 100
	MaxReadmeLength = 100000
)

// ErrRateLimited is returned when the LLM provider answers 429.
var ErrRateLimited = errors.New("llm rate limited")

// ErrNoCredentials is reported by Check when the pool holds no API key.
var ErrNoCredentials = errors.New("no LLM credentials configured")

// Reason explains an Outcome without an Enrichment.
type Reason string

const (
	ReasonNoReadme  Reason = "no-readme"
	ReasonTooShort  Reason = "too-short"
	ReasonMalformed Reason = "malformed"
)

// Outcome is the result of Engine.Enrich: either an Enrichment or a Reason.
type Outcome struct {
	Enrichment *Enrichment
	Reason     Reason
}

func (o Outcome) Empty() bool { return o.Enrichment == nil }

// Metadata is the repository context given to the model next to the README.
type Metadata struct {
	Identifier  string
	Description string
	Languages   []string
	Topics      []string
	Stars       *int64
	Homepage    string
}

// CompletionRequest is a single structured completion call.
type CompletionRequest struct {
	APIKey     string
	System     string
	Prompt     string
	SchemaName string
	Schema     map[string]any
}

// Completer returns the raw JSON text produced for a request.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

const systemPrompt = "You write engaging, accurate articles about open source projects " +
	"and classify how hard they are to use and deploy. Answer with JSON only."

var promptTemplate = template.Must(template.New("prompt").Funcs(template.FuncMap{"join": strings.Join}).Parse(
	`Based on the following GitHub repository information and README content, create a human-written article about this project in English. The article should be engaging, informative, and written in a natural, conversational style.

Repository: {{.Identifier}}
{{- with .Description}}
Description: {{.}}{{end}}
{{- with .Languages}}
Languages: {{join . ", "}}{{end}}
{{- with .Topics}}
Topics: {{join . ", "}}{{end}}
{{- with .Stars}}
Stars: {{.}}{{end}}
{{- with .Homepage}}
Homepage: {{.}}{{end}}

README Content:
{{.Readme}}

Provide:
- summary: a brief summary of 2 to 3 sentences
- content: the full article in Markdown, covering what makes the project interesting, its features, use cases and value
- experience: beginner, intermediate or advanced
- usability: easy, intermediate or difficult
- deployment: easy, intermediate, advanced or expert
`))

// Engine turns READMEs into enrichments through a Completer, rotating
// credentials from a CredentialPool.
type Engine struct {
	completer Completer
	pool      CredentialPool

	mu     sync.Mutex
	cursor Cursor
}

type EngineOptions struct {
	pool CredentialPool
}

type EngineOption func(*EngineOptions)

func WithCredentialPool(p CredentialPool) EngineOption {
	return func(o *EngineOptions) { o.pool = p }
}

func NewEngine(c Completer, opts ...EngineOption) *Engine {
	var o EngineOptions
	for _, opt := range opts {
		opt(&o)
	}
	slog.Debug("enrichment engine configured", "credentials", len(o.pool.Keys), "per_credential", o.pool.PerCredential)
	return &Engine{completer: c, pool: o.pool}
}

// NewEngineForConfig builds an Engine backed by the OpenAI completer and the
// configured credential pool.
func NewEngineForConfig(cfg *config.Config) *Engine {
	return NewEngine(
		NewOpenAICompleterForConfig(cfg),
		WithCredentialPool(CredentialPool{
			Keys:          cfg.GetOpenAIAPIKeys(),
			PerCredential: cfg.GetOpenAIKeyRotation(),
		}),
	)
}

// Check reports whether the engine has a credential to enrich with.
func (e *Engine) Check(context.Context) error {
	if len(e.pool.Keys) == 0 {
		return ErrNoCredentials
	}
	return nil
}

// PrepareReadme cleans and truncates readme for prompting.
func PrepareReadme(readme string) string {
	return encoding.Truncate(encoding.CleanReadme(readme), MaxReadmeLength)
}

// BuildPrompt renders the user prompt for readme, already prepared.
func BuildPrompt(readme string, meta Metadata) (string, error) {
	var stars string
	if meta.Stars != nil {
		stars = strconv.FormatInt(*meta.Stars, 10)
	}
	var b strings.Builder
	err := promptTemplate.Execute(&b, struct {
		Metadata
		Stars  string
		Readme string
	}{meta, stars, readme})
	return b.String(), err
}

// Enrich asks the model for an enrichment of readme. Missing or too short
// READMEs and responses not matching the schema yield an empty Outcome, not
// an error. Provider failures are returned, wrapping ErrRateLimited on 429.
func (e *Engine) Enrich(ctx context.Context, readme *string, meta Metadata) (Outcome, error) {
	tracer := otel.Tracer("spy/agent")
	ctx, span := tracer.Start(ctx, "Engine.Enrich")
	span.SetAttributes(attribute.String("identifier", meta.Identifier))
	defer span.End()

	if readme == nil || strings.TrimSpace(*readme) == "" {
		return Outcome{Reason: ReasonNoReadme}, nil
	}
	text := PrepareReadme(*readme)
	if utf8.RuneCountInString(strings.TrimSpace(text)) < MinReadmeLength {
		slog.InfoContext(ctx, "README too short after cleaning", "identifier", meta.Identifier, "length", len(text))
		return Outcome{Reason: ReasonTooShort}, nil
	}
	prompt, err := BuildPrompt(text, meta)
	if err != nil {
		return Outcome{}, err
	}

	key, count := e.nextCredential()
	raw, err := e.completer.Complete(ctx, CompletionRequest{
		APIKey:     key,
		System:     systemPrompt,
		Prompt:     prompt,
		SchemaName: SchemaName,
		Schema:     Schema(),
	})
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			e.rotateCredential()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}
	slog.DebugContext(ctx, "completion received", "identifier", meta.Identifier, "credential_requests", count, "len", len(raw))

	enrichment, err := ParseEnrichment(raw)
	if err != nil {
		slog.WarnContext(ctx, "Discarding malformed enrichment", "identifier", meta.Identifier, "error", err)
		return Outcome{Reason: ReasonMalformed}, nil
	}
	return Outcome{Enrichment: enrichment}, nil
}

func (e *Engine) nextCredential() (string, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key, count, next := e.pool.Next(e.cursor)
	if next.Index != e.cursor.Index {
		slog.Debug("Rotating credential", "index", next.Index, "of", len(e.pool.Keys))
	}
	e.cursor = next
	return key, count
}

func (e *Engine) rotateCredential() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cursor = e.pool.Rotate(e.cursor)
	slog.Info("Rate limited, rotating credential", "index", e.cursor.Index, "of", len(e.pool.Keys))
}
