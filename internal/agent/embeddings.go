package agent

import (
	"context"
	"errors"
	"log/slog"

	sdk "github.com/openai/openai-go/v3"
	"golang.org/x/time/rate"

	"github.com/the-spy-project/spy/internal/agent/openai"
	"github.com/the-spy-project/spy/internal/config"
)

// Embeddings generates vector embeddings of repository summaries using an OpenAI client.
type Embeddings struct {
	c     *sdk.Client
	model string
	l     *rate.Limiter
}

// NewEmbeddingsForConfig returns nil when EMBEDDING_MODEL is not set.
func NewEmbeddingsForConfig(cfg *config.Config) *Embeddings {
	if cfg.GetEmbeddingModel() == "" {
		return nil
	}
	return NewEmbeddingsWithOpenAI(openai.NewClientForConfig(cfg), cfg.GetEmbeddingModel(),
		openai.NewLimiter(cfg.GetOpenAIRequestsPerMinute()))
}

// NewEmbeddingsWithOpenAI constructs Embeddings by using the provided OpenAI client.
func NewEmbeddingsWithOpenAI(c *sdk.Client, model string, l *rate.Limiter) *Embeddings {
	e := &Embeddings{c: c, model: model, l: l}
	slog.Debug("embeddings configured", "model", e.model, "limiter", e.l != nil)
	return e
}

// EmbedText returns the embedding of text.
func (e *Embeddings) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if e.l != nil {
		if err := e.l.Wait(ctx); err != nil {
			return nil, err
		}
	}
	slog.DebugContext(ctx, "embedding request", "model", e.model, "text_len", len(text))
	res, err := e.c.Embeddings.New(ctx, sdk.EmbeddingNewParams{
		Input: sdk.EmbeddingNewParamsInputUnion{
			OfString: sdk.String(text),
		},
		Model: sdk.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, err
	}
	if len(res.Data) == 0 {
		return nil, errors.New("embedding response is empty")
	}
	v := make([]float32, len(res.Data[0].Embedding))
	for j := range v {
		v[j] = float32(res.Data[0].Embedding[j])
	}
	slog.DebugContext(ctx, "embedding response", "dim", len(v))
	return v, nil
}
