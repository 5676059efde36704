// Package collab holds the adapters for the pipeline's external
// collaborators: proxy generation against S3, the clustering Lambda, the
// heavyweight transform Lambda, and the downstream ledger service.
package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-batch-pipeline/internal/imaging"
	"github.com/fpang/photo-batch-pipeline/internal/s3util"
)

// DefaultProxyTimeout bounds one proxy generation end to end (download,
// decode, resize, upload). A stuck source object must not stall the fan-out.
const DefaultProxyTimeout = 30 * time.Second

// Proxy describes one generated clustering proxy.
type Proxy struct {
	Ref      string                   `json:"ref"`
	ProxyKey string                   `json:"proxyKey"`
	Metadata *imaging.CaptureMetadata `json:"metadata,omitempty"`
}

// S3ProxyGenerator downloads source objects, produces downscaled proxies and
// capture metadata, and stages the proxies back to S3.
type S3ProxyGenerator struct {
	client       *s3.Client
	bucket       string
	maxDimension int
	timeout      time.Duration
}

// NewS3ProxyGenerator creates a proxy generator staging into the given bucket.
func NewS3ProxyGenerator(client *s3.Client, bucket string) *S3ProxyGenerator {
	return &S3ProxyGenerator{
		client:       client,
		bucket:       bucket,
		maxDimension: imaging.DefaultProxyMaxDimension,
		timeout:      DefaultProxyTimeout,
	}
}

// Generate produces one proxy for the source object identified by ref. The
// per-item timeout is enforced here so a single slow object fails alone.
func (g *S3ProxyGenerator) Generate(ctx context.Context, sessionID, ref, sourceBucket, sourceKey string) (*Proxy, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	localPath, cleanup, err := s3util.DownloadToTempFile(ctx, g.client, sourceBucket, sourceKey)
	if err != nil {
		return nil, fmt.Errorf("download source %s: %w", sourceKey, err)
	}
	defer cleanup()

	data, err := imaging.GenerateProxy(localPath, g.maxDimension)
	if err != nil {
		return nil, fmt.Errorf("generate proxy %s: %w", ref, err)
	}

	// Metadata extraction is best-effort: a photo without usable EXIF still
	// gets a proxy.
	meta, err := imaging.ExtractCaptureMetadata(localPath)
	if err != nil {
		log.Warn().Err(err).Str("ref", ref).Msg("Capture metadata extraction failed, proxy continues without it")
		meta = nil
	}

	proxyKey, err := s3util.UploadProxy(ctx, g.client, g.bucket, sessionID, ref, data)
	if err != nil {
		return nil, err
	}

	return &Proxy{Ref: ref, ProxyKey: proxyKey, Metadata: meta}, nil
}
