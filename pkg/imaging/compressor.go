package imaging

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/StephTapera/amenchat/pkg/constant"
	"github.com/StephTapera/amenchat/pkg/errcode"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
)

// Compressor bounds attachment size and dimensions. Oversized input never
// fails: when the quality floor is hit the smallest achievable result is
// returned instead.
type Compressor struct {
	maxBytes     int
	maxDimension int
	qualityStart int
	qualityFloor int
	qualityStep  int
}

// Options configures a Compressor. Zero fields fall back to defaults.
type Options struct {
	MaxBytes     int
	MaxDimension int
	QualityStart int
	QualityFloor int
	QualityStep  int
}

// New creates a Compressor
func New(opts Options) *Compressor {
	c := &Compressor{
		maxBytes:     opts.MaxBytes,
		maxDimension: opts.MaxDimension,
		qualityStart: opts.QualityStart,
		qualityFloor: opts.QualityFloor,
		qualityStep:  opts.QualityStep,
	}
	if c.maxBytes <= 0 {
		c.maxBytes = constant.CompressMaxBytes
	}
	if c.maxDimension <= 0 {
		c.maxDimension = constant.CompressMaxDimension
	}
	if c.qualityStart <= 0 {
		c.qualityStart = constant.CompressQualityStart
	}
	if c.qualityFloor <= 0 {
		c.qualityFloor = constant.CompressQualityFloor
	}
	if c.qualityStep <= 0 {
		c.qualityStep = constant.CompressQualityStep
	}
	return c
}

// Compress resizes the image so the longer edge fits maxDimension, then
// re-encodes as JPEG stepping quality down until the result fits maxBytes or
// the quality floor is reached.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errcode.ErrInvalidParam.Wrap(err)
	}

	img = c.resize(img)

	var smallest []byte
	for quality := c.qualityStart; quality >= c.qualityFloor; quality -= c.qualityStep {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, errcode.ErrInvalidParam.Wrap(err)
		}
		out := buf.Bytes()
		if smallest == nil || len(out) < len(smallest) {
			smallest = out
		}
		if len(out) <= c.maxBytes {
			return out, nil
		}
	}

	// Quality floor hit. Degrade instead of failing.
	return smallest, nil
}

// CompressBatch compresses attachments concurrently and returns results in
// input order so they zip back onto the message's attachment slots.
func (c *Compressor) CompressBatch(ctx context.Context, images [][]byte) ([][]byte, error) {
	results := make([][]byte, len(images))
	g, _ := errgroup.WithContext(ctx)
	for i, data := range images {
		i, data := i, data
		g.Go(func() error {
			out, err := c.Compress(data)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// resize scales img down so its longer edge is at most maxDimension.
// Images already within bounds are returned untouched.
func (c *Compressor) resize(img image.Image) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	longer := w
	if h > longer {
		longer = h
	}
	if longer <= c.maxDimension {
		return img
	}

	scale := float64(c.maxDimension) / float64(longer)
	dw := int(float64(w) * scale)
	dh := int(float64(h) * scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}
