// Package s3archive stores verified webhook payloads in an S3 bucket.
//
// Objects are keyed as {prefix}/{provider}/{yyyy}/{mm}/{dd}/{event id}.json,
// so a day of traffic for one provider can be listed and replayed together.
package s3archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var (
	ErrMissingBucket  = errors.New("s3archive: bucket is required")
	ErrLoadAWSConfig  = errors.New("s3archive: failed to load aws config")
	ErrMissingEventID = errors.New("s3archive: event id is required")
)

// Config configures the archive. The archive is disabled when Bucket is empty.
type Config struct {
	Bucket          string `env:"ARCHIVE_S3_BUCKET"`
	Prefix          string `env:"ARCHIVE_S3_PREFIX" envDefault:"webhooks"`
	Region          string `env:"ARCHIVE_S3_REGION" envDefault:"us-east-1"`
	Endpoint        string `env:"ARCHIVE_S3_ENDPOINT"` // S3-compatible services
	AccessKeyID     string `env:"ARCHIVE_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"ARCHIVE_S3_SECRET_ACCESS_KEY"`
	ForcePathStyle  bool   `env:"ARCHIVE_S3_PATH_STYLE"`
}

// Enabled reports whether a bucket is configured.
func (c Config) Enabled() bool { return c.Bucket != "" }

// Putter is the subset of the S3 client the archive needs.
type Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive implements billing.EventArchive.
type Archive struct {
	client Putter
	bucket string
	prefix string
	now    func() time.Time
}

// Option configures an Archive.
type Option func(*Archive)

// WithClient replaces the S3 client, mostly for tests.
func WithClient(client Putter) Option {
	return func(a *Archive) { a.client = client }
}

// WithClock sets the time source used for the date part of object keys.
func WithClock(now func() time.Time) Option {
	return func(a *Archive) {
		if now != nil {
			a.now = now
		}
	}
}

// New builds an archive. Without WithClient it loads the default AWS
// configuration, using static credentials when both keys are set.
func New(ctx context.Context, cfg Config, opts ...Option) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, ErrMissingBucket
	}

	a := &Archive{
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client != nil {
		return a, nil
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Join(ErrLoadAWSConfig, err)
	}

	a.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return a, nil
}

// Key returns the object key for an event archived at t.
func (a *Archive) Key(provider, eventID string, t time.Time) string {
	t = t.UTC()
	return path.Join(a.prefix, provider, t.Format("2006"), t.Format("01"), t.Format("02"), eventID+".json")
}

func (a *Archive) Archive(ctx context.Context, provider, eventID string, payload []byte) error {
	if eventID == "" {
		return ErrMissingEventID
	}
	key := a.Key(provider, eventID, a.now())
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String("application/json"),
		Metadata: map[string]string{
			"provider": provider,
			"event-id": eventID,
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
