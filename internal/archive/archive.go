// Package archive uploads custody bundles for fully confirmed evidence to
// S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencekeeper/internal/custody"
	"github.com/jmerrifield20/evidencekeeper/internal/evidence"
)

// Bundle is the archived proof of custody for one record.
type Bundle struct {
	Record     *evidence.Record `json:"record"`
	Journal    []*custody.Entry `json:"journal"`
	ArchivedAt time.Time        `json:"archived_at"`
}

// Key returns the object key of a bundle below prefix:
// custody/<digest-hex>/<record-id>.json.
func Key(prefix string, rec *evidence.Record) string {
	return path.Join(prefix, "custody", rec.Digest.Hex(), rec.ID.String()+".json")
}

// Archiver stores bundles.
type Archiver interface {
	Archive(ctx context.Context, b Bundle) (string, error)
}

// ObjectPutter is the part of *s3.Client used here.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config selects the bucket and endpoint.
type Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string // S3-compatible endpoint, e.g. MinIO; empty for AWS
	UsePathStyle bool
}

// S3Archiver writes bundles with PutObject.
type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Archiver wraps an existing client.
func NewS3Archiver(client ObjectPutter, bucket, prefix string, logger *zap.Logger) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// NewFromConfig builds an S3 client from the default AWS credential chain.
func NewFromConfig(ctx context.Context, cfg Config, logger *zap.Logger) (*S3Archiver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3Archiver(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// Archive implements Archiver.
func (a *S3Archiver) Archive(ctx context.Context, b Bundle) (string, error) {
	if b.ArchivedAt.IsZero() {
		b.ArchivedAt = time.Now().UTC()
	}
	body, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}
	sum := sha256.Sum256(body)
	key := Key(a.prefix, b.Record)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(a.bucket),
		Key:               aws.String(key),
		Body:              bytes.NewReader(body),
		ContentType:       aws.String("application/json"),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(base64.StdEncoding.EncodeToString(sum[:])),
		Metadata: map[string]string{
			"record-id": b.Record.ID.String(),
			"digest":    b.Record.Digest.Hex(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}

	a.logger.Info("custody bundle archived",
		zap.String("bucket", a.bucket),
		zap.String("key", key),
		zap.Int("journal_entries", len(b.Journal)),
	)
	return key, nil
}
