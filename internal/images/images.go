package images

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/the-spy-project/spy/internal/config"
	"github.com/the-spy-project/spy/internal/database"
	"github.com/the-spy-project/spy/internal/encoding"
)

const (
	MinWidth  = 200
	MinHeight = 150

	userAgent     = "Mozilla/5.0 (compatible; SpyBot/1.0; +https://github.com/the-spy-project/spy)"
	maxImageBytes = 16 << 20
)

// ErrNotImage is returned when a URL does not serve an image.
var ErrNotImage = errors.New("not an image")

var (
	schemeRegex        = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)
	decorativePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\.svg([?#]|$)`),
		regexp.MustCompile(`(?i)badge`),
		regexp.MustCompile(`(?i)shield`),
		regexp.MustCompile(`(?i)star-history`),
		regexp.MustCompile(`(?i)githubusercontent\.com.*\?.*size`),
		regexp.MustCompile(`(?i)avatars\.githubusercontent\.com/.*[?&]s=`),
	}
)

// Capturer takes a screenshot of a web page and returns PNG bytes.
type Capturer interface {
	Capture(ctx context.Context, pageURL string) ([]byte, error)
}

// Storage stores bytes under a key and returns their public URL.
type Storage interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Pipeline extracts, validates and measures README images and captures
// homepage screenshots.
type Pipeline struct {
	hc           *http.Client
	capturer     Capturer
	storage      Storage
	maxImages    int
	maxDownloads int
	concurrency  int
	attempts     int
	backoffUnit  time.Duration
	now          func() time.Time
	sleep        func(context.Context, time.Duration) error
}

type PipelineOptions struct {
	httpClient   *http.Client
	capturer     Capturer
	storage      Storage
	maxImages    int
	maxDownloads int
	concurrency  int
}

type PipelineOption func(*PipelineOptions)

// WithHTTPClient sets the client used to download images.
func WithHTTPClient(hc *http.Client) PipelineOption {
	return func(o *PipelineOptions) { o.httpClient = hc }
}

// WithScreenshots enables the screenshot step. Both collaborators are required.
func WithScreenshots(c Capturer, s Storage) PipelineOption {
	return func(o *PipelineOptions) { o.capturer, o.storage = c, s }
}

// WithMaxImages bounds how many README images are kept per repository.
func WithMaxImages(n int) PipelineOption {
	return func(o *PipelineOptions) { o.maxImages = n }
}

// WithMaxDownloads bounds how many README images are downloaded per repository.
// It defaults to three times the image limit.
func WithMaxDownloads(n int) PipelineOption {
	return func(o *PipelineOptions) { o.maxDownloads = n }
}

// WithConcurrency bounds how many images of one README are measured at once.
func WithConcurrency(n int) PipelineOption {
	return func(o *PipelineOptions) { o.concurrency = n }
}

func NewPipeline(opts ...PipelineOption) *Pipeline {
	o := PipelineOptions{maxImages: 10, concurrency: 4}
	for _, opt := range opts {
		opt(&o)
	}
	hc := o.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	maxImages := max(o.maxImages, 1)
	maxDownloads := o.maxDownloads
	if maxDownloads <= 0 {
		maxDownloads = 3 * maxImages
	}
	p := &Pipeline{
		hc:           hc,
		maxImages:    maxImages,
		maxDownloads: max(maxDownloads, maxImages),
		concurrency:  max(o.concurrency, 1),
		attempts:     3,
		backoffUnit:  2 * time.Second,
		now:          time.Now,
		sleep:        sleep,
	}
	if o.capturer != nil && o.storage != nil {
		p.capturer, p.storage = o.capturer, o.storage
	}
	return p
}

// NewPipelineForConfig builds a Pipeline; screenshots are enabled when both
// collaborators are given.
func NewPipelineForConfig(cfg *config.Config, c Capturer, s Storage) *Pipeline {
	opts := []PipelineOption{
		WithHTTPClient(&http.Client{
			Timeout:   cfg.GetHTTPTimeout(),
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	}
	if c != nil && s != nil {
		opts = append(opts, WithScreenshots(c, s))
	}
	return NewPipeline(opts...)
}

// ScreenshotsEnabled reports whether homepage screenshots are captured.
func (p *Pipeline) ScreenshotsEnabled() bool { return p.capturer != nil }

// Normalize resolves an image reference against repoBase ("https://github.com/owner/repo").
// Relative references point into the raw content of branch ("main" when empty).
// It reports false for references that cannot be fetched.
func Normalize(raw, repoBase, branch string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.HasPrefix(s, "#") {
		return "", false
	}
	if branch == "" {
		branch = "main"
	}
	switch {
	case strings.HasPrefix(s, "//"):
		s = "https:" + s
	case schemeRegex.MatchString(s):
	default:
		rel := s
		for {
			if r, ok := strings.CutPrefix(rel, "./"); ok {
				rel = r
			} else if r, ok := strings.CutPrefix(rel, "../"); ok {
				rel = r
			} else {
				break
			}
		}
		s = strings.TrimSuffix(repoBase, "/") + "/raw/" + branch + "/" + strings.TrimLeft(rel, "/")
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}
	// blob pages render HTML; raw serves the file itself
	if strings.EqualFold(u.Host, "github.com") {
		if parts := strings.SplitN(u.Path, "/", 5); len(parts) == 5 && parts[3] == "blob" {
			parts[3] = "raw"
			u.Path = strings.Join(parts, "/")
		}
	}
	return u.String(), true
}

// IsDecorative reports whether u looks like a badge, icon or avatar.
func IsDecorative(u string) bool {
	for _, re := range decorativePatterns {
		if re.MatchString(u) {
			return true
		}
	}
	return false
}

// IsContentSized reports whether an image is large enough to be content.
func IsContentSized(width, height int) bool {
	return width >= MinWidth && height >= MinHeight
}

// Extract returns up to maxImages content images referenced by readme, in
// order of first appearance. Candidates are measured a window at a time until
// enough images pass the size check. The result is never nil.
func (p *Pipeline) Extract(ctx context.Context, readme, repoBase, branch string) []database.Image {
	ctx, span := otel.Tracer("spy/images").Start(ctx, "Pipeline.Extract")
	defer span.End()

	out := []database.Image{}
	refs, err := encoding.ExtractImageRefs([]byte(readme))
	if err != nil {
		slog.WarnContext(ctx, "Failed to parse README images", "repo", repoBase, "error", err)
		return out
	}
	seen := make(map[string]bool, len(refs))
	var candidates []database.Image
	for _, ref := range refs {
		u, ok := Normalize(ref.URL, repoBase, branch)
		if !ok || IsDecorative(u) || seen[u] {
			continue
		}
		seen[u] = true
		candidates = append(candidates, database.Image{URL: u, Kind: database.ImageKind(ref.Syntax)})
		if len(candidates) == p.maxDownloads {
			break
		}
	}
	span.SetAttributes(attribute.Int("refs_len", len(refs)), attribute.Int("candidates_len", len(candidates)))

	for start := 0; start < len(candidates) && len(out) < p.maxImages; start += p.concurrency {
		window := candidates[start:min(start+p.concurrency, len(candidates))]
		keep := make([]bool, len(window))
		var g errgroup.Group
		for i := range window {
			g.Go(func() error {
				w, h, err := p.Measure(ctx, window[i].URL)
				if err != nil {
					slog.DebugContext(ctx, "Skipping image", "url", window[i].URL, "error", err)
					return nil
				}
				window[i].Width, window[i].Height = w, h
				keep[i] = IsContentSized(w, h)
				return nil
			})
		}
		_ = g.Wait()
		for i := range window {
			if keep[i] && len(out) < p.maxImages {
				out = append(out, window[i])
			}
		}
	}
	slog.DebugContext(ctx, "README images extracted", "repo", repoBase, "refs", len(refs), "kept", len(out))
	return out
}

// Measure downloads u and returns its pixel dimensions.
func (p *Pipeline) Measure(ctx context.Context, u string) (int, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "image/*")
	resp, err := p.hc.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, 0, fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}
	if ct := strings.ToLower(resp.Header.Get("Content-Type")); !strings.HasPrefix(ct, "image/") {
		return 0, 0, fmt.Errorf("%w: content type %q", ErrNotImage, ct)
	}
	cfg, _, err := image.DecodeConfig(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return 0, 0, fmt.Errorf("decode image: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
