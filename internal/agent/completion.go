package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	sdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/the-spy-project/spy/internal/agent/openai"
	"github.com/the-spy-project/spy/internal/config"
)

// OpenAICompleter requests structured chat completions from an
// OpenAI-compatible API.
type OpenAICompleter struct {
	c           *sdk.Client
	model       string
	temperature float64
	maxTokens   int
	l           *rate.Limiter
}

type CompleterOptions struct {
	temperature float64
	maxTokens   int
	limiter     *rate.Limiter
}

type CompleterOption func(*CompleterOptions)

func WithTemperature(t float64) CompleterOption {
	return func(o *CompleterOptions) { o.temperature = t }
}

func WithMaxTokens(n int) CompleterOption {
	return func(o *CompleterOptions) { o.maxTokens = n }
}

func WithLimiter(l *rate.Limiter) CompleterOption {
	return func(o *CompleterOptions) { o.limiter = l }
}

func NewOpenAICompleter(c *sdk.Client, model string, opts ...CompleterOption) *OpenAICompleter {
	o := CompleterOptions{temperature: 0.7, maxTokens: 4000}
	for _, opt := range opts {
		opt(&o)
	}
	slog.Debug("completer configured", "model", model, "temperature", o.temperature, "max_tokens", o.maxTokens)
	return &OpenAICompleter{c: c, model: model, temperature: o.temperature, maxTokens: o.maxTokens, l: o.limiter}
}

// NewOpenAICompleterForConfig builds a completer from the OPENAI_* settings.
func NewOpenAICompleterForConfig(cfg *config.Config) *OpenAICompleter {
	return NewOpenAICompleter(openai.NewClientForConfig(cfg), cfg.GetOpenAIModel(),
		WithTemperature(cfg.GetOpenAITemperature()),
		WithMaxTokens(cfg.GetOpenAIMaxTokens()),
		WithLimiter(openai.NewLimiter(cfg.GetOpenAIRequestsPerMinute())),
	)
}

func (o *OpenAICompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	tracer := otel.Tracer("spy/agent")
	ctx, span := tracer.Start(ctx, "OpenAICompleter.Complete")
	span.SetAttributes(attribute.String("model", o.model), attribute.Int("prompt_len", len(req.Prompt)))
	defer span.End()

	if o.l != nil {
		if err := o.l.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}
	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(o.model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage(req.System),
			sdk.UserMessage(req.Prompt),
		},
		Temperature:         sdk.Float(o.temperature),
		MaxCompletionTokens: sdk.Int(int64(o.maxTokens)),
		ResponseFormat: sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &sdk.ResponseFormatJSONSchemaParam{
				JSONSchema: sdk.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.SchemaName,
					Schema: req.Schema,
					Strict: sdk.Bool(true),
				},
			},
		},
	}
	var reqOpts []option.RequestOption
	if req.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(req.APIKey))
	}
	res, err := o.c.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(res.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	span.SetAttributes(attribute.Int64("total_tokens", res.Usage.TotalTokens))
	return res.Choices[0].Message.Content, nil
}
