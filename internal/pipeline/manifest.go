package pipeline

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"

	"github.com/fpang/photo-batch-pipeline/internal/s3util"
)

// S3ManifestWriter stages zstd-compressed result manifests in the results
// bucket under manifests/{tenantId}/{jobId}.json.zst.
type S3ManifestWriter struct {
	client  *s3.Client
	bucket  string
	encoder *zstd.Encoder
}

// NewS3ManifestWriter creates a manifest writer for the given bucket.
func NewS3ManifestWriter(client *s3.Client, bucket string) (*S3ManifestWriter, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &S3ManifestWriter{client: client, bucket: bucket, encoder: encoder}, nil
}

// WriteManifest compresses and uploads one manifest, returning its key.
func (w *S3ManifestWriter) WriteManifest(ctx context.Context, tenantID, jobID string, data []byte) (string, error) {
	compressed := w.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	key := fmt.Sprintf("manifests/%s/%s.json.zst", tenantID, jobID)
	if err := s3util.UploadBytes(ctx, w.client, w.bucket, key, compressed, "application/zstd"); err != nil {
		return "", err
	}
	return key, nil
}
