// Package codec converts between raw pixel buffers and the PNG byte payloads
// exchanged with the inference endpoints.
package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
)

func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodePNG(data []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding png: %w", err)
	}
	return img, nil
}

// Dimensions reads the header only, without decoding pixel data.
func Dimensions(data []byte) (width, height int, err error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("reading png header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// ValidatePNG rejects payloads that are not decodable PNG images.
func ValidatePNG(data []byte) error {
	_, _, err := Dimensions(data)
	return err
}
