// Package decode turns the bytes of survey resources into images and
// coverage maps.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/webp"

	"github.com/mohammed-shakir/hipsview/internal/survey"
)

var ErrEmpty = errors.New("decode: empty payload")

// Image decodes one tile or Allsky image in the survey format.
func Image(format survey.ImageFormat, data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	switch format {
	case survey.FormatFITS:
		img, err := FITS(data)
		if err != nil {
			return nil, err
		}
		return img, nil
	case survey.FormatWebP:
		img, err := webp.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode webp: %w", err)
		}
		return img, nil
	default:
		img, kind, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", format, err)
		}
		if kind != "png" && kind != "jpeg" {
			return nil, fmt.Errorf("decode: unexpected %s payload for %s survey", kind, format)
		}
		return img, nil
	}
}
