package cursorstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client is the subset of *s3.Client this store calls, so tests can stub
// it without a real bucket.
type S3Client interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store keeps the cursor blob as a single object in a remote bucket. PUT
// is relied on to be atomic at the object-store level; there is no local
// tmp-then-rename step to perform.
type S3Store struct {
	client S3Client
	bucket string
	key    string
}

// NewS3Store constructs a Store against bucket/key using client.
func NewS3Store(client S3Client, bucket, key string) *S3Store {
	return &S3Store{client: client, bucket: bucket, key: key}
}

// NewS3ClientFromEnv builds an *s3.Client from the region/credentials
// present in the environment, following the same explicit-or-default
// credential chain used elsewhere in the ecosystem for AWS SDK v2 clients.
func NewS3ClientFromEnv(ctx context.Context, region, accessKeyID, secretAccessKey string) (*s3.Client, error) {
	var awsCfg aws.Config
	var err error

	if accessKeyID != "" && secretAccessKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
			),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg), nil
}

// Load GETs the object. A NoSuchKey error is reported as absent, not an
// error.
func (s *S3Store) Load(ctx context.Context) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("s3 get %s/%s: %w", s.bucket, s.key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("s3 read %s/%s: %w", s.bucket, s.key, err)
	}
	return data, true, nil
}

// Save PUTs the object, replacing any prior value in one atomic call.
func (s *S3Store) Save(ctx context.Context, token []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Body:   bytes.NewReader(token),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", s.bucket, s.key, err)
	}
	return nil
}
