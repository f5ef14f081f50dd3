package report

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store uploads reports as markdown objects. The dir passed to Write is
// either an s3://bucket/prefix destination or a plain prefix under the
// store's default bucket.
type S3Store struct {
	client        *s3.Client
	defaultBucket string
	prefix        string
}

// S3Options configures an S3Store. AccessKey/SecretKey are optional; the
// default credential chain applies when they are empty. Endpoint overrides
// exist for S3-compatible stores.
type S3Options struct {
	Bucket    string
	Region    string
	Prefix    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Store builds the client from the ambient AWS config plus options.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Store{
		client:        s3.NewFromConfig(cfg, clientOpts...),
		defaultBucket: opts.Bucket,
		prefix:        opts.Prefix,
	}, nil
}

// Write uploads content and returns the object's s3:// location.
func (s *S3Store) Write(ctx context.Context, dir, filename, content string) (string, error) {
	bucket, keyPrefix := s.resolve(dir)
	if bucket == "" {
		return "", fmt.Errorf("no s3 bucket configured for report destination %q", dir)
	}
	key := path.Join(keyPrefix, filename)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/markdown; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload report s3://%s/%s: %w", bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", bucket, key), nil
}

// resolve splits an output destination into bucket and key prefix. An
// s3://bucket/prefix dir wins; otherwise dir is a prefix under the default
// bucket, below the store-level prefix.
func (s *S3Store) resolve(dir string) (bucket, keyPrefix string) {
	if IsS3Dir(dir) {
		trimmed := strings.TrimPrefix(dir, "s3://")
		parts := strings.SplitN(trimmed, "/", 2)
		bucket = parts[0]
		if len(parts) == 2 {
			keyPrefix = parts[1]
		}
		return bucket, keyPrefix
	}
	return s.defaultBucket, path.Join(s.prefix, strings.TrimPrefix(dir, "/"))
}
