// Package transform holds the single compression transform applied to every
// source image: decode whatever format arrives, re-encode as JPEG.
package transform

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"imagebatch/internal/models"
)

const DefaultQuality = 50

type Metrics struct {
	OriginalSizeBytes   int64 `json:"originalSizeBytes"`
	CompressedSizeBytes int64 `json:"compressedSizeBytes"`
}

// ReductionPercent is negative when the output grew.
func (m Metrics) ReductionPercent() float64 {
	if m.OriginalSizeBytes == 0 {
		return 0
	}
	return float64(m.OriginalSizeBytes-m.CompressedSizeBytes) / float64(m.OriginalSizeBytes) * 100
}

func (m Metrics) BelowThreshold(minPercent float64) bool {
	return m.ReductionPercent() < minPercent
}

type Result struct {
	Data    []byte
	Metrics Metrics
}

// Compressor is stateless; one value is shared by every request.
type Compressor struct {
	quality int
}

func NewCompressor(quality int) *Compressor {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Compressor{quality: quality}
}

func (c *Compressor) Compress(raw []byte) (Result, error) {
	const op = "transform.Compress"

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return Result{}, models.NewError(models.KindUnsupportedFormat, op, err)
	}

	var out bytes.Buffer
	out.Grow(len(raw) / 2)
	if err := imaging.Encode(&out, img, imaging.JPEG, imaging.JPEGQuality(c.quality)); err != nil {
		return Result{}, models.NewError(models.KindTransformFailure, op, err)
	}
	if out.Len() == 0 {
		return Result{}, models.NewError(models.KindTransformFailure, op, fmt.Errorf("encoder produced no data"))
	}

	return Result{
		Data: out.Bytes(),
		Metrics: Metrics{
			OriginalSizeBytes:   int64(len(raw)),
			CompressedSizeBytes: int64(out.Len()),
		},
	}, nil
}
