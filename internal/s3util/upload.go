package s3util

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// UploadBytes uploads raw bytes to S3 under the given key with the project
// cost-allocation tag applied at creation time.
func UploadBytes(ctx context.Context, client *s3.Client, bucket, key string, data []byte, contentType string) error {
	log.Debug().
		Str("bucket", bucket).
		Str("key", key).
		Int("size", len(data)).
		Msg("Uploading bytes to S3")

	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
		Tagging:     ProjectTagging(),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

// UploadProxy uploads a generated proxy image under the "proxies/" prefix for
// its session and returns the proxy key.
func UploadProxy(ctx context.Context, client *s3.Client, bucket, sessionID, ref string, data []byte) (string, error) {
	proxyKey := fmt.Sprintf("proxies/%s/%s.jpg", sessionID, ref)

	if err := UploadBytes(ctx, client, bucket, proxyKey, data, "image/jpeg"); err != nil {
		return "", fmt.Errorf("upload proxy %s: %w", ref, err)
	}

	log.Info().
		Str("proxy_key", proxyKey).
		Msg("Proxy uploaded to S3")
	return proxyKey, nil
}

// GeneratePresignedURL creates a pre-signed GET URL for an S3 object.
func GeneratePresignedURL(ctx context.Context, presignClient *s3.PresignClient, bucket, key string, expiry time.Duration) (string, error) {
	result, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket, Key: &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("presign GetObject: %w", err)
	}
	return result.URL, nil
}
