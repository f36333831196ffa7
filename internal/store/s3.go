package store

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// S3API abstracts the S3 operations used by S3Store.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store implements ObjectStore on an S3 bucket. Every request waits on a
// shared rate limiter.
type S3Store struct {
	client      S3API
	bucket      string
	limiter     *rate.Limiter
	concurrency int
	logger      *slog.Logger
}

// S3Option configures an S3Store.
type S3Option func(*S3Store)

// WithRateLimiter shares limiter across all requests made by the store.
func WithRateLimiter(limiter *rate.Limiter) S3Option {
	return func(s *S3Store) { s.limiter = limiter }
}

// WithHeadConcurrency bounds concurrent HeadObject calls made by List.
func WithHeadConcurrency(n int) S3Option {
	return func(s *S3Store) { s.concurrency = n }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) S3Option {
	return func(s *S3Store) { s.logger = logger }
}

// NewS3Store returns a store for bucket.
func NewS3Store(client S3API, bucket string, opts ...S3Option) *S3Store {
	s := &S3Store{
		client:      client,
		bucket:      bucket,
		limiter:     rate.NewLimiter(rate.Inf, 0),
		concurrency: 16,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns all objects whose key starts with prefix. Content type and
// the hedgesite hash are not part of a listing, so each object is headed.
func (s *S3Store) List(ctx context.Context, prefix string) ([]RemoteObject, error) {
	var keys []s3types.Object
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "listing s3://%s/%s", s.bucket, prefix)
		}
		keys = append(keys, page.Contents...)
	}
	s.logger.Debug("listed bucket", "bucket", s.bucket, "prefix", prefix, "objects", len(keys))

	objects := make([]RemoteObject, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.concurrency, 1))
	for i, obj := range keys {
		key := aws.ToString(obj.Key)
		etag := strings.Trim(aws.ToString(obj.ETag), `"`)
		size := aws.ToInt64(obj.Size)
		g.Go(func() error {
			if err := s.limiter.Wait(gctx); err != nil {
				return err
			}
			head, err := s.client.HeadObject(gctx, &s3.HeadObjectInput{
				Bucket: &s.bucket,
				Key:    &key,
			})
			if err != nil {
				return errors.Wrapf(err, "head s3://%s/%s", s.bucket, key)
			}
			hash := head.Metadata[HashMetadataKey]
			if hash == "" {
				hash = etag
			}
			objects[i] = RemoteObject{
				Key:         key,
				ETagOrHash:  hash,
				ContentType: aws.ToString(head.ContentType),
				Size:        size,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return objects, nil
}

// Put uploads one object with its content type, cache policy and hash. The
// hash is also sent as the provider checksum so corrupted uploads are
// rejected server side.
func (s *S3Store) Put(ctx context.Context, in PutInput) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := in.Body.Seek(0, io.SeekStart); err != nil {
		return errors.Wrapf(err, "rewinding body for %s", in.Key)
	}
	params := &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           aws.String(in.Key),
		Body:          in.Body,
		ContentLength: aws.Int64(in.Size),
		ContentType:   aws.String(in.ContentType),
		Metadata:      map[string]string{HashMetadataKey: in.ContentHash},
	}
	if in.CacheControl != "" {
		params.CacheControl = aws.String(in.CacheControl)
	}
	if sum, err := hex.DecodeString(in.ContentHash); err == nil && len(sum) == 32 {
		params.ChecksumAlgorithm = s3types.ChecksumAlgorithmSha256
		params.ChecksumSHA256 = aws.String(base64.StdEncoding.EncodeToString(sum))
	}
	if _, err := s.client.PutObject(ctx, params); err != nil {
		return errors.Wrapf(err, "put s3://%s/%s", s.bucket, in.Key)
	}
	return nil
}

// Delete removes one object. Deleting a missing key succeeds.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(key),
	}); err != nil {
		return errors.Wrapf(err, "delete s3://%s/%s", s.bucket, key)
	}
	return nil
}
