// Package s3 provides an S3/MinIO mirror destination.
package s3

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fruitsalade/jamfsync/internal/logging"
	"github.com/fruitsalade/jamfsync/internal/metrics"
)

// md5MetadataKey is the user-metadata key holding the md5 of the object.
const md5MetadataKey = "md5"

// API is the subset of *s3.Client the backend uses.
type API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// BackendConfig holds S3 destination settings.
type BackendConfig struct {
	Endpoint     string `json:"endpoint"`
	Bucket       string `json:"bucket"`
	Prefix       string `json:"prefix"`
	AccessKey    string `json:"access_key"`
	SecretKey    string `json:"secret_key"`
	Region       string `json:"region"`
	UsePathStyle bool   `json:"use_path_style"`
}

// S3Backend implements storage.Backend on a bucket prefix.
type S3Backend struct {
	client API
	bucket string
	prefix string
	spool  afero.Fs
}

// NewBackend creates a new S3 backend from a BackendConfig and checks that
// the bucket is reachable.
func NewBackend(ctx context.Context, cfg BackendConfig) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	backend := NewWithClient(client, cfg.Bucket, cfg.Prefix, nil)
	if err := backend.checkBucket(ctx); err != nil {
		return nil, err
	}
	return backend, nil
}

// NewWithClient wraps an existing client. spool is where downloads are staged
// before upload and defaults to the OS temp directory.
func NewWithClient(client API, bucket, prefix string, spool afero.Fs) *S3Backend {
	if spool == nil {
		spool = afero.NewOsFs()
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Backend{
		client: client,
		bucket: bucket,
		prefix: prefix,
		spool:  spool,
	}
}

func (b *S3Backend) key(name string) string {
	return b.prefix + name
}

func (b *S3Backend) checkBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	metrics.RecordStorageOperation(b.Type(), "head_bucket", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("bucket %s is not accessible: %w", b.bucket, err)
	}
	return nil
}

// List returns the object names directly under the prefix.
func (b *S3Backend) List(ctx context.Context) ([]string, error) {
	start := time.Now()

	var names []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(b.prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			metrics.RecordStorageOperation(b.Type(), "list", time.Since(start), false)
			return nil, fmt.Errorf("list s3://%s/%s: %w", b.bucket, b.prefix, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), b.prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			names = append(names, name)
		}
	}

	metrics.RecordStorageOperation(b.Type(), "list", time.Since(start), true)
	return names, nil
}

// Hash returns the md5 stored with the object at upload time. Objects
// written by other tools fall back to a single-part ETag, which is the md5
// of the content.
func (b *S3Backend) Hash(ctx context.Context, name string) (string, bool, error) {
	start := time.Now()
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			metrics.RecordStorageOperation(b.Type(), "head_object", time.Since(start), true)
			return "", false, nil
		}
		metrics.RecordStorageOperation(b.Type(), "head_object", time.Since(start), false)
		return "", false, fmt.Errorf("head object %s: %w", name, err)
	}
	metrics.RecordStorageOperation(b.Type(), "head_object", time.Since(start), true)

	if sum := out.Metadata[md5MetadataKey]; sum != "" {
		return strings.ToLower(sum), true, nil
	}
	etag := strings.Trim(aws.ToString(out.ETag), `"`)
	if etag != "" && !strings.Contains(etag, "-") {
		return strings.ToLower(etag), true, nil
	}
	return "", true, nil
}

// Put stages body in a spool file, since PutObject needs a seekable body
// with a known length, then uploads it with the md5 of the uploaded bytes as
// user metadata. Hash reports that value, so content that does not match
// the catalog is seen as changed on the next cycle.
func (b *S3Backend) Put(ctx context.Context, name string, body io.Reader, _ int64, expected string) (int64, error) {
	start := time.Now()

	tmp, err := afero.TempFile(b.spool, "", "jamfsync-*.part")
	if err != nil {
		return 0, fmt.Errorf("create spool file for %s: %w", name, err)
	}
	defer func() {
		tmp.Close()
		b.spool.Remove(tmp.Name())
	}()

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), body)
	if err != nil {
		return n, fmt.Errorf("spool %s: %w", name, err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if expected != "" && sum != expected {
		logging.WithContext(ctx).Debug("uploading content that differs from catalog checksum",
			zap.String("key", b.key(name)),
			zap.String("content_md5", sum),
			zap.String("catalog_md5", expected))
	}

	contentType, err := sniff(tmp)
	if err != nil {
		return n, fmt.Errorf("detect content type of %s: %w", name, err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.key(name)),
		Body:          tmp,
		ContentLength: aws.Int64(n),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{md5MetadataKey: sum},
	}

	if _, err := b.client.PutObject(ctx, input); err != nil {
		metrics.RecordStorageOperation(b.Type(), "put_object", time.Since(start), false)
		return n, fmt.Errorf("put object %s: %w", name, err)
	}

	metrics.RecordStorageOperation(b.Type(), "put_object", time.Since(start), true)
	logging.WithContext(ctx).Debug("S3 put object",
		zap.String("key", b.key(name)),
		zap.Int64("size", n),
		zap.String("content_type", contentType))
	return n, nil
}

// Delete removes an object. S3 deletes are idempotent, so existence is
// checked first to report entries that were already gone.
func (b *S3Backend) Delete(ctx context.Context, name string) error {
	_, exists, err := b.Hash(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("delete %s: %w", name, fs.ErrNotExist)
	}

	start := time.Now()
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name)),
	})
	metrics.RecordStorageOperation(b.Type(), "delete_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", name, err)
	}

	logging.WithContext(ctx).Debug("S3 delete object", zap.String("key", b.key(name)))
	return nil
}

// Type returns "s3".
func (b *S3Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *S3Backend) Close() error { return nil }

// sniff detects the MIME type from the head of f and rewinds it.
func sniff(f afero.File) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	buf := make([]byte, 3072)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return mimetype.Detect(buf[:n]).String(), nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}
