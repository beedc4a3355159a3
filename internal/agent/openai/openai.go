package openai

import (
	"log/slog"
	"net/http"

	sdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/the-spy-project/spy/internal/config"
)

// NewClient builds an OpenAI-compatible client. SDK retries are disabled:
// rate limits are handled by the caller's cooldown.
func NewClient(apiKey, baseURL string, hc *http.Client) *sdk.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if hc != nil {
		opts = append(opts, option.WithHTTPClient(hc))
	}
	c := sdk.NewClient(opts...)
	return &c
}

func NewClientForConfig(cfg *config.Config) *sdk.Client {
	return NewClient(cfg.GetOpenAIAPIKey(), cfg.GetOpenAIBaseURL(), &http.Client{
		Timeout:   cfg.GetRecordTimeout(),
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})
}

// NewLimiter returns a limiter spreading requestsPerMinute evenly over a minute.
func NewLimiter(requestsPerMinute int) *rate.Limiter {
	if requestsPerMinute <= 0 {
		slog.Info("Created OpenAI rate limiter", "rate", "unlimited")
		return rate.NewLimiter(rate.Inf, 1)
	}
	slog.Info("Created OpenAI rate limiter", "rate", requestsPerMinute, "unit", "requests/min", "burst", 1)
	return rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1)
}
