// Package imaging provides the pure-Go image operations used by the proxy
// generation step: downscaling source photos and extracting capture metadata.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

// DefaultProxyMaxDimension is the maximum dimension (width or height) for
// clustering proxies. Proxies only need enough pixels for similarity
// comparison, not for display.
const DefaultProxyMaxDimension = 512

// proxyJPEGQuality balances proxy size against feature fidelity.
const proxyJPEGQuality = 80

// GenerateProxy decodes a JPEG/PNG source file, downscales it to fit within
// maxDimension while preserving aspect ratio, and returns JPEG bytes.
func GenerateProxy(filePath string, maxDimension int) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(filePath))

	log.Debug().
		Str("path", filePath).
		Str("format", ext).
		Int("max_dimension", maxDimension).
		Msg("Generating proxy image")

	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	var img image.Image
	switch ext {
	case ".jpg", ".jpeg":
		img, err = jpeg.Decode(f)
	case ".png":
		img, err = png.Decode(f)
	default:
		return nil, fmt.Errorf("unsupported format for proxy: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	origWidth := bounds.Dx()
	origHeight := bounds.Dy()

	// Skip resize if already smaller - but still re-encode as JPEG for consistency.
	if origWidth <= maxDimension && origHeight <= maxDimension {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: proxyJPEGQuality}); err != nil {
			return nil, fmt.Errorf("failed to encode proxy: %w", err)
		}
		return buf.Bytes(), nil
	}

	newWidth, newHeight := fitDimensions(origWidth, origHeight, maxDimension)

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: proxyJPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode proxy: %w", err)
	}

	log.Debug().
		Str("path", filePath).
		Int("orig_width", origWidth).
		Int("orig_height", origHeight).
		Int("new_width", newWidth).
		Int("new_height", newHeight).
		Int("output_size", buf.Len()).
		Msg("Proxy generated")

	return buf.Bytes(), nil
}

// fitDimensions calculates new dimensions maintaining aspect ratio.
func fitDimensions(width, height, maxDimension int) (int, int) {
	if width <= maxDimension && height <= maxDimension {
		return width, height
	}

	if width > height {
		newWidth := maxDimension
		newHeight := int(float64(height) * float64(maxDimension) / float64(width))
		return newWidth, newHeight
	}

	newHeight := maxDimension
	newWidth := int(float64(width) * float64(maxDimension) / float64(height))
	return newWidth, newHeight
}
