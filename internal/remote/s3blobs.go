package remote

import (
	"bytes"
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pigeon-im/pigeon/internal/chat"
)

const downloadURLExpiry = 15 * time.Minute

// S3Config carries the blob-store connection settings.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// S3Blobs stores binary attachments in an S3-compatible bucket.
type S3Blobs struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

var _ Blobs = (*S3Blobs)(nil)

// NewS3Blobs builds the blob-store adapter. Works against AWS or any
// S3-compatible endpoint (MinIO) via the endpoint override.
func NewS3Blobs(ctx context.Context, cfg S3Config) (*S3Blobs, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	if err != nil {
		return nil, chat.E(chat.KindTransport, "load blob store config").Wrap(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Blobs{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

func (b *S3Blobs) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return chat.E(chat.KindTransport, "upload blob").Wrap(err)
	}
	return nil
}

func (b *S3Blobs) DownloadURL(ctx context.Context, key string) (string, error) {
	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(downloadURLExpiry))
	if err != nil {
		return "", chat.E(chat.KindTransport, "presign blob download").Wrap(err)
	}
	return req.URL, nil
}
