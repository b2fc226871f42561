// Package evidence stores uploaded dispute evidence files in an
// S3-compatible bucket and returns the URL recorded on the case.
package evidence

import (
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"gigescrow/apperr"
)

var ErrInvalidFile = apperr.New(apperr.KindValidation, "invalid_evidence_file", "evidence: invalid file")

type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
	// PublicBaseURL prefixes object keys in returned URLs. Empty means
	// "<endpoint>/<bucket>".
	PublicBaseURL string
}

// Putter is the subset of the S3 client used here.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Store struct {
	client  Putter
	bucket  string
	baseURL string
	newID   func() string
}

// New builds an S3 client from static credentials.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("evidence: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("evidence: region is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("evidence: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	base := cfg.PublicBaseURL
	if base == "" {
		if cfg.Endpoint != "" {
			base = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
		} else {
			base = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
		}
	}
	return NewStore(client, cfg.Bucket, base), nil
}

func NewStore(client Putter, bucket, baseURL string) *Store {
	return &Store{
		client:  client,
		bucket:  bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
		newID:   uuid.NewString,
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Key returns the object key for a file attached to disputeID.
func (s *Store) Key(disputeID, filename string) string {
	name := unsafeName.ReplaceAllString(path.Base(filename), "_")
	return fmt.Sprintf("disputes/%s/%s-%s", disputeID, s.newID(), name)
}

// Upload writes body under a fresh key and returns its public URL.
func (s *Store) Upload(ctx context.Context, disputeID, filename, contentType string, body io.Reader) (string, error) {
	if disputeID == "" || strings.TrimSpace(filename) == "" {
		return "", fmt.Errorf("%w: dispute and filename are required", ErrInvalidFile)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := s.Key(disputeID, filename)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("evidence: put object %s: %w", key, err)
	}
	return s.baseURL + "/" + key, nil
}
