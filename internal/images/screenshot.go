package images

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/the-spy-project/spy/internal/database"
)

// Screenshot viewport, shared with the capture service.
const (
	ScreenshotWidth  = 1280
	ScreenshotHeight = 720
)

// ErrScreenshotsDisabled is returned when no capturer or storage is configured.
var ErrScreenshotsDisabled = errors.New("screenshots disabled")

// ScreenshotKey returns the storage key of a screenshot taken at t.
func ScreenshotKey(identifier string, t time.Time) string {
	slug := strings.ReplaceAll(strings.Trim(identifier, "/"), "/", "-")
	return "images/" + slug + "-" + strconv.FormatInt(t.UnixMilli(), 10) + ".png"
}

// Screenshot captures homepage, uploads the PNG and returns it as an image.
// Capture is attempted up to three times, waiting attempt×2s after each
// failed attempt.
func (p *Pipeline) Screenshot(ctx context.Context, identifier, homepage string) (*database.Image, error) {
	if p.capturer == nil || p.storage == nil {
		return nil, ErrScreenshotsDisabled
	}
	ctx, span := otel.Tracer("spy/images").Start(ctx, "Pipeline.Screenshot")
	span.SetAttributes(attribute.String("identifier", identifier), attribute.String("homepage", homepage))
	defer span.End()

	var png []byte
	var errs []error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		b, err := p.capturer.Capture(ctx, homepage)
		if err == nil && len(b) > 0 {
			png = b
			break
		}
		if err == nil {
			err = errors.New("empty screenshot")
		}
		errs = append(errs, fmt.Errorf("attempt %d: %w", attempt, err))
		slog.WarnContext(ctx, "Screenshot attempt failed",
			"identifier", identifier, "url", homepage, "attempt", attempt, "error", err)
		if attempt < p.attempts {
			if err := p.sleep(ctx, time.Duration(attempt)*p.backoffUnit); err != nil {
				return nil, err
			}
		}
	}
	if png == nil {
		return nil, fmt.Errorf("screenshot of %s failed: %w", homepage, errors.Join(errs...))
	}

	key := ScreenshotKey(identifier, p.now())
	publicURL, err := p.storage.Put(ctx, key, png, "image/png")
	if err != nil {
		return nil, fmt.Errorf("upload screenshot %s: %w", key, err)
	}
	slog.InfoContext(ctx, "Screenshot uploaded", "identifier", identifier, "key", key, "bytes", len(png))
	return &database.Image{
		URL:    publicURL,
		Width:  ScreenshotWidth,
		Height: ScreenshotHeight,
		Kind:   database.ImageKindScreenshot,
	}, nil
}
