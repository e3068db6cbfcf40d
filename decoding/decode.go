// Package decoding turns client image payloads into pixel buffers.
package decoding

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrDecode is returned for any payload that does not yield an image.
var ErrDecode = errors.New("could not decode image")

// DefaultMaxPixels bounds the decoded size of one frame to 4096x4096.
const DefaultMaxPixels = 4096 * 4096

// StripDataURI drops everything up to and including the first comma, so
// "data:image/jpeg;base64,<b64>" and "<b64>" decode the same way.
func StripDataURI(payload string) string {
	if i := strings.IndexByte(payload, ','); i >= 0 {
		return payload[i+1:]
	}
	return payload
}

// Decoder turns payloads into images no larger than MaxPixels. The image
// header is checked before any pixel data is allocated.
type Decoder struct {
	MaxPixels int
}

// DecodeFrame decodes with DefaultMaxPixels.
func DecodeFrame(payload string) (image.Image, error) {
	return Decoder{MaxPixels: DefaultMaxPixels}.Decode(payload)
}

// Decode decodes a base64 image payload with an optional data-URI prefix.
// Every failure wraps ErrDecode.
func (d Decoder) Decode(payload string) (image.Image, error) {
	data, err := decodeBase64(strings.TrimSpace(StripDataURI(payload)))
	if err != nil {
		return nil, errors.Wrap(ErrDecode, err.Error())
	}
	if len(data) == 0 {
		return nil, errors.Wrap(ErrDecode, "empty payload")
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(ErrDecode, err.Error())
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errors.Wrap(ErrDecode, "image has no pixels")
	}
	maxPixels := d.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, errors.Wrapf(ErrDecode, "image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(ErrDecode, err.Error())
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.Wrap(ErrDecode, "image has no pixels")
	}
	return img, nil
}

// decodeBase64 accepts padded and unpadded input, as browsers vary.
func decodeBase64(s string) ([]byte, error) {
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
