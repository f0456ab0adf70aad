package mask

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"
)

// ContentType is the media type of encoded masks
const ContentType = "image/png"

// Encode writes the mask as a lossless PNG
func Encode(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(w, img); err != nil {
		return fmt.Errorf("failed to encode mask: %w", err)
	}
	return nil
}

// EncodePNG returns the PNG encoding of the mask
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
