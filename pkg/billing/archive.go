package billing

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver keeps raw webhook payloads for later inspection
type Archiver interface {
	Archive(ctx context.Context, name string, payload []byte) error
}

// S3Archiver writes payloads to an S3 bucket under a date prefix
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver creates an archiver for bucket
func NewS3Archiver(client *s3.Client, bucket, prefix string) *S3Archiver {
	if prefix == "" {
		prefix = "webhooks"
	}
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// Archive stores payload as <prefix>/<yyyy>/<mm>/<dd>/<name>.json
func (a *S3Archiver) Archive(ctx context.Context, name string, payload []byte) error {
	key := path.Join(a.prefix, time.Now().UTC().Format("2006/01/02"), name+".json")
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to archive payload to s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}
