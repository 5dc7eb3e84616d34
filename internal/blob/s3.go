package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/venia-ai/docsearch/internal/apperr"
)

// S3Store keeps blobs in an S3 bucket keyed by reference
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store creates an S3-backed blob store using the default AWS credential
// chain.
func NewS3Store(ctx context.Context, bucket string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &S3Store{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Put stores data under its content-addressed reference
func (s *S3Store) Put(ctx context.Context, tenantID uuid.UUID, data []byte) (string, error) {
	if len(data) > MaxBlobSize {
		return "", apperr.Newf(apperr.KindValidation, "blob exceeds %d bytes", MaxBlobSize)
	}

	ref := Ref(tenantID, data)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindTransientUpstream, "failed to store blob", err)
	}
	return ref, nil
}

// Fetch returns the bytes behind a reference
func (s *S3Store) Fetch(ctx context.Context, ref string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, apperr.Newf(apperr.KindNotFound, "blob %s not found", ref)
		}
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "failed to fetch blob", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, MaxBlobSize+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "failed to read blob", err)
	}
	if len(data) > MaxBlobSize {
		return nil, apperr.Newf(apperr.KindValidation, "blob exceeds %d bytes", MaxBlobSize)
	}
	return data, nil
}

// Delete removes a blob
func (s *S3Store) Delete(ctx context.Context, ref string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return apperr.Wrap(apperr.KindTransientUpstream, "failed to delete blob", err)
	}
	return nil
}

// Ensure S3Store implements the interface
var _ Store = (*S3Store)(nil)
