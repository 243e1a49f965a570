package codec_test

import (
	"image"
	"image/color"
	"testing"

	"imaging-backend/internal/codec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 100, A: 255})
		}
	}
	return img
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data, err := codec.EncodePNG(testImage(64, 48))
	require.NoError(t, err)

	img, err := codec.DecodePNG(data)
	require.NoError(t, err)

	bounds := img.Bounds()
	assert.Equal(t, 64, bounds.Dx())
	assert.Equal(t, 48, bounds.Dy())
}

func TestDimensions(t *testing.T) {
	data, err := codec.EncodePNG(testImage(123, 45))
	require.NoError(t, err)

	w, h, err := codec.Dimensions(data)
	require.NoError(t, err)
	assert.Equal(t, 123, w)
	assert.Equal(t, 45, h)
}

func TestValidatePNG(t *testing.T) {
	data, err := codec.EncodePNG(testImage(4, 4))
	require.NoError(t, err)

	assert.NoError(t, codec.ValidatePNG(data))
	assert.Error(t, codec.ValidatePNG([]byte("definitely not a png")))
	assert.Error(t, codec.ValidatePNG(nil))
}
