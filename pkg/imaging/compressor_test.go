package imaging

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"testing"

	"github.com/StephTapera/amenchat/pkg/errcode"
	"github.com/stretchr/testify/require"
)

// flatPNG encodes a uniformly colored image, which compresses extremely well
func flatPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 40, G: 120, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// noisePNG encodes per-pixel noise, which JPEG cannot compress well
func noisePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(rng.Intn(256)),
				G: uint8(rng.Intn(256)),
				B: uint8(rng.Intn(256)),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestCompressResizesToMaxDimension(t *testing.T) {
	c := New(Options{MaxDimension: 512})

	out, err := c.Compress(flatPNG(t, 2000, 1000))
	require.NoError(t, err)

	img, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, "jpeg", format)
	require.Equal(t, 512, img.Bounds().Dx())
	require.Equal(t, 256, img.Bounds().Dy())
}

func TestCompressKeepsSmallImagesUnscaled(t *testing.T) {
	c := New(Options{MaxDimension: 512})

	out, err := c.Compress(flatPNG(t, 100, 60))
	require.NoError(t, err)

	img, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, 100, img.Bounds().Dx())
	require.Equal(t, 60, img.Bounds().Dy())
}

func TestCompressFitsByteBudget(t *testing.T) {
	c := New(Options{MaxBytes: 64 << 10, MaxDimension: 1024})

	out, err := c.Compress(flatPNG(t, 1800, 1800))
	require.NoError(t, err)
	require.LessOrEqual(t, len(out), 64<<10)
}

func TestCompressDegradesInsteadOfFailing(t *testing.T) {
	// Noise at a 1-byte budget can never fit; the floor result must come back
	// rather than an error.
	c := New(Options{MaxBytes: 1, MaxDimension: 256})

	out, err := c.Compress(noisePNG(t, 400, 400))
	require.NoError(t, err)
	require.NotEmpty(t, out)

	_, _, err = image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
}

func TestCompressRejectsGarbage(t *testing.T) {
	c := New(Options{})
	_, err := c.Compress([]byte("definitely not an image"))
	require.True(t, errcode.Is(err, errcode.ErrInvalidParam))
}

func TestCompressBatchPreservesOrder(t *testing.T) {
	c := New(Options{MaxDimension: 4096})
	inputs := [][]byte{
		flatPNG(t, 10, 10),
		flatPNG(t, 20, 20),
		flatPNG(t, 30, 30),
	}

	results, err := c.CompressBatch(context.Background(), inputs)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, want := range []int{10, 20, 30} {
		img, _, err := image.Decode(bytes.NewReader(results[i]))
		require.NoError(t, err)
		require.Equal(t, want, img.Bounds().Dx())
	}
}

func TestCompressBatchSurfacesFirstError(t *testing.T) {
	c := New(Options{})
	_, err := c.CompressBatch(context.Background(), [][]byte{
		flatPNG(t, 10, 10),
		[]byte("broken"),
	})
	require.Error(t, err)
}
