package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/the-spy-project/spy/internal/config"
)

// ErrNoBucket is returned when no bucket is configured.
var ErrNoBucket = errors.New("no bucket configured")

// S3 stores objects in an S3-compatible bucket.
type S3 struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

type S3Options struct {
	region     string
	endpoint   string
	accessKey  string
	secretKey  string
	publicURL  string
	pathStyle  bool
	httpClient *http.Client
}

type S3Option func(*S3Options)

func WithRegion(region string) S3Option {
	return func(o *S3Options) { o.region = region }
}

// WithEndpoint points the client at an S3-compatible service.
func WithEndpoint(endpoint string) S3Option {
	return func(o *S3Options) { o.endpoint = endpoint }
}

// WithStaticCredentials replaces the default AWS credential chain.
func WithStaticCredentials(accessKey, secretKey string) S3Option {
	return func(o *S3Options) { o.accessKey, o.secretKey = accessKey, secretKey }
}

// WithPublicURL sets the base URL objects are served from.
func WithPublicURL(u string) S3Option {
	return func(o *S3Options) { o.publicURL = u }
}

func WithPathStyle(enabled bool) S3Option {
	return func(o *S3Options) { o.pathStyle = enabled }
}

func WithHTTPClient(hc *http.Client) S3Option {
	return func(o *S3Options) { o.httpClient = hc }
}

func NewS3(ctx context.Context, bucket string, opts ...S3Option) (*S3, error) {
	if bucket == "" {
		return nil, ErrNoBucket
	}
	o := S3Options{region: "us-east-1"}
	for _, opt := range opts {
		opt(&o)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(o.region)}
	if o.accessKey != "" && o.secretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.accessKey, o.secretKey, ""),
		))
	}
	if o.httpClient != nil {
		loadOpts = append(loadOpts, awsconfig.WithHTTPClient(o.httpClient))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(so *s3.Options) {
		so.UsePathStyle = o.pathStyle
		if o.endpoint != "" {
			so.BaseEndpoint = aws.String(o.endpoint)
		}
	})

	publicURL := strings.TrimSuffix(o.publicURL, "/")
	switch {
	case publicURL != "":
	case o.endpoint != "":
		publicURL = strings.TrimSuffix(o.endpoint, "/") + "/" + bucket
	default:
		publicURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, o.region)
	}
	slog.Info("Created S3 storage", "bucket", bucket, "region", o.region, "public_url", publicURL)
	return &S3{client: client, bucket: bucket, publicURL: publicURL}, nil
}

// NewS3ForConfig builds an S3 store from the S3_* settings of cfg.
func NewS3ForConfig(ctx context.Context, cfg *config.Config) (*S3, error) {
	accessKey, secretKey := cfg.GetS3Credentials()
	return NewS3(ctx, cfg.GetS3Bucket(),
		WithRegion(cfg.GetS3Region()),
		WithEndpoint(cfg.GetS3Endpoint()),
		WithStaticCredentials(accessKey, secretKey),
		WithPublicURL(cfg.GetS3PublicURL()),
		WithPathStyle(cfg.GetS3ForcePathStyle()),
		WithHTTPClient(&http.Client{
			Timeout:   cfg.GetHTTPTimeout(),
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	)
}

// Put uploads body under key and returns the object's public URL.
func (s *S3) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	tracer := otel.Tracer("spy/storage")
	ctx, span := tracer.Start(ctx, "S3.Put")
	span.SetAttributes(attribute.String("key", key), attribute.Int("size", len(body)))
	defer span.End()

	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to upload object %s: %w", key, err)
	}
	return s.URL(key), nil
}

// URL returns the public URL of key.
func (s *S3) URL(key string) string {
	return s.publicURL + "/" + strings.TrimPrefix(key, "/")
}

// Check verifies that the bucket is reachable.
func (s *S3) Check(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("bucket %s unreachable: %w", s.bucket, err)
	}
	return nil
}
