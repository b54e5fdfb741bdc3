package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/pinwheel-storage/pinwheel/interfaces"
)

// S3Store implements the object store against an S3-compatible service.
// The canonical copy lives under objects/<id>; a replica pinned in a
// region is a copy under replicas/<region>/<id>, so replica counts are
// explicit keys rather than bucket-level settings.
type S3Store struct {
	client *s3.S3
	bucket string
	prefix string
	log    *slog.Logger
}

// S3Config configures an S3-backed object store.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Store creates an S3 object store.
func NewS3Store(cfg S3Config, log *slog.Logger) (*S3Store, error) {
	awsCfg := aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(&awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Store{
		client: s3.New(sess),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		log:    log,
	}, nil
}

func (s *S3Store) canonicalKey(id interfaces.ObjectID) string {
	return path.Join(s.prefix, "objects", id.String())
}

func (s *S3Store) replicaKey(id interfaces.ObjectID, region interfaces.Region) string {
	return path.Join(s.prefix, "replicas", string(region), id.String())
}

// Put stores the payload under its content address.
func (s *S3Store) Put(ctx context.Context, data []byte) (interfaces.ObjectID, error) {
	id := interfaces.ComputeObjectID(data)
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.canonicalKey(id)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return id, fmt.Errorf("s3 put: %w", err)
	}
	s.log.Debug("Stored object in S3",
		slog.String("object_id", id.Short()),
		slog.Int("size", len(data)))
	return id, nil
}

// Get retrieves the canonical copy, falling back on ErrNotFound semantics
// when the key is missing.
func (s *S3Store) Get(ctx context.Context, id interfaces.ObjectID) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.canonicalKey(id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("s3 get: %w", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read body: %w", err)
	}
	return data, nil
}

// Pin copies the canonical object to the region's replica key.
func (s *S3Store) Pin(ctx context.Context, id interfaces.ObjectID, region interfaces.Region) error {
	_, err := s.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(s.replicaKey(id, region)),
		CopySource: aws.String(path.Join(s.bucket, s.canonicalKey(id))),
	})
	if err != nil {
		if isS3NotFound(err) {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("s3 pin %s in %s: %w", id.Short(), region, err)
	}
	return nil
}

// Unpin deletes the region's replica key. Deleting an absent key is a
// no-op in S3, matching unpin semantics.
func (s *S3Store) Unpin(ctx context.Context, id interfaces.ObjectID, region interfaces.Region) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.replicaKey(id, region)),
	})
	if err != nil {
		return fmt.Errorf("s3 unpin %s in %s: %w", id.Short(), region, err)
	}
	return nil
}

// Stat reports the canonical object's size.
func (s *S3Store) Stat(ctx context.Context, id interfaces.ObjectID) (interfaces.ObjectStat, error) {
	out, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.canonicalKey(id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return interfaces.ObjectStat{}, interfaces.ErrNotFound
		}
		return interfaces.ObjectStat{}, fmt.Errorf("s3 stat: %w", err)
	}
	return interfaces.ObjectStat{Size: aws.Int64Value(out.ContentLength)}, nil
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
