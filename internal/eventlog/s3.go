package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds S3 archive settings.
type S3Config struct {
	Region          string
	Bucket          string
	Prefix          string
	Endpoint        string // custom endpoint for S3-compatible storage
	AccessKeyID     string
	SecretAccessKey string
}

// Validate checks if the configuration is valid.
func (c *S3Config) Validate() error {
	if c.Region == "" {
		return errors.New("eventlog: s3 region is required")
	}
	if c.Bucket == "" {
		return errors.New("eventlog: s3 bucket is required")
	}
	return nil
}

// objectPutter is the subset of *s3.Client used for archiving.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Writer archives execution records as JSON objects.
type S3Writer struct {
	client objectPutter
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Writer creates an S3 archive writer.
func NewS3Writer(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}

	// Use static credentials if provided, IAM otherwise
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	logger.Info("execution archive initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
	)

	return &S3Writer{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

// Write uploads rec to <prefix>/<rule>/<yyyy>/<mm>/<dd>/<execution>.json.
func (w *S3Writer) Write(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("eventlog: encode record: %w", err)
	}

	key := objectKey(w.prefix, rec)
	_, err = w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"rule-id": rec.RuleInstanceID,
			"status":  string(rec.Status),
		},
	})
	if err != nil {
		return fmt.Errorf("eventlog: failed to upload %s: %w", key, err)
	}

	w.logger.Debug("archived execution record", "key", key, "size", len(data))
	return nil
}

func objectKey(prefix string, rec Record) string {
	day := rec.StartedAt.UTC().Format("2006/01/02")
	return path.Join(prefix, rec.RuleInstanceID, day, rec.ExecutionID.String()+".json")
}
