package screenshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/the-spy-project/spy/internal/config"
)

// ErrCapture is returned when the screenshot service fails to produce an image.
var ErrCapture = errors.New("screenshot capture failed")

const maxScreenshotBytes = 32 << 20

// Viewport is the capture window size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type captureOptions struct {
	Type     string `json:"type"`
	FullPage bool   `json:"fullPage"`
}

type gotoOptions struct {
	WaitUntil string `json:"waitUntil"`
	Timeout   int    `json:"timeout"`
}

type captureRequest struct {
	URL         string         `json:"url"`
	Options     captureOptions `json:"options"`
	Viewport    Viewport       `json:"viewport"`
	GotoOptions gotoOptions    `json:"gotoOptions"`
}

// Browserless captures PNG screenshots through a Browserless-compatible
// /screenshot endpoint.
type Browserless struct {
	baseURL  string
	token    string
	viewport Viewport
	hc       *http.Client
}

type BrowserlessOptions struct {
	token      string
	viewport   Viewport
	httpClient *http.Client
}

type BrowserlessOption func(*BrowserlessOptions)

func WithToken(token string) BrowserlessOption {
	return func(o *BrowserlessOptions) { o.token = token }
}

func WithViewport(width, height int) BrowserlessOption {
	return func(o *BrowserlessOptions) { o.viewport = Viewport{Width: width, Height: height} }
}

func WithHTTPClient(hc *http.Client) BrowserlessOption {
	return func(o *BrowserlessOptions) { o.httpClient = hc }
}

func NewBrowserless(baseURL string, opts ...BrowserlessOption) *Browserless {
	o := BrowserlessOptions{viewport: Viewport{Width: 1280, Height: 720}}
	for _, opt := range opts {
		opt(&o)
	}
	hc := o.httpClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Browserless{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		token:    o.token,
		viewport: o.viewport,
		hc:       hc,
	}
}

// NewBrowserlessForConfig returns nil when BROWSERLESS_URL is not set.
func NewBrowserlessForConfig(cfg *config.Config, width, height int) *Browserless {
	if cfg.GetBrowserlessURL() == "" {
		return nil
	}
	return NewBrowserless(cfg.GetBrowserlessURL(),
		WithToken(cfg.GetBrowserlessToken()),
		WithViewport(width, height),
		WithHTTPClient(&http.Client{
			Timeout:   cfg.GetHTTPTimeout(),
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	)
}

// Capture renders pageURL and returns the PNG bytes of the viewport.
func (b *Browserless) Capture(ctx context.Context, pageURL string) ([]byte, error) {
	tracer := otel.Tracer("spy/screenshot")
	ctx, span := tracer.Start(ctx, "Browserless.Capture")
	span.SetAttributes(attribute.String("url", pageURL))
	defer span.End()

	png, err := b.capture(ctx, pageURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("size", len(png)))
	return png, nil
}

func (b *Browserless) capture(ctx context.Context, pageURL string) ([]byte, error) {
	payload, err := json.Marshal(captureRequest{
		URL:         pageURL,
		Options:     captureOptions{Type: "png"},
		Viewport:    b.viewport,
		GotoOptions: gotoOptions{WaitUntil: "networkidle2", Timeout: 30000},
	})
	if err != nil {
		return nil, err
	}

	endpoint := b.baseURL + "/screenshot"
	if b.token != "" {
		endpoint += "?token=" + url.QueryEscape(b.token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/png")

	resp, err := b.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapture, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScreenshotBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrCapture, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrCapture, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrCapture)
	}
	return body, nil
}

// Check verifies that the service answers.
func (b *Browserless) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := b.hc.Do(req)
	if err != nil {
		return fmt.Errorf("screenshot service unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("screenshot service returned %d", resp.StatusCode)
	}
	return nil
}
