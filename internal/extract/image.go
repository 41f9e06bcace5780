package extract

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"github.com/dgallion1/dococr/internal/parser"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ConvertImage returns data encoded in one of the accepted MIME types,
// re-encoding it as PNG when its current type is not accepted.
func ConvertImage(data []byte, mimeType string, accepted ...string) (Image, error) {
	mt := parser.BaseType(mimeType)
	for _, a := range accepted {
		if mt == a {
			return Image{Data: data, MimeType: mt}, nil
		}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("decode %s: %w", mimeType, err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Image{}, fmt.Errorf("encode png: %w", err)
	}
	return Image{Data: buf.Bytes(), MimeType: "image/png"}, nil
}
