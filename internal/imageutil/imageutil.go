// Package imageutil shrinks and sanitizes images so they satisfy per-platform
// upload limits.
package imageutil

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register the WebP decoder
)

// Formats reported by DetectFormat.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatGIF  = "gif"
	FormatWebP = "webp"
)

const (
	startQuality    = 95
	qualityStep     = 5
	minQuality      = 50
	fallbackQuality = 85
	stripQuality    = 90
)

// Budget describes what an upload endpoint accepts. Zero values mean "no limit".
type Budget struct {
	MaxBytes      int
	MaxDimension  int
	StripMetadata bool
}

// DecodeError is returned when the input is not a recognizable image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode image: %v", e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError is returned when re-encoding fails.
type EncodeError struct {
	Format string
	Err    error
}

func (e *EncodeError) Error() string { return fmt.Sprintf("encode %s: %v", e.Format, e.Err) }

func (e *EncodeError) Unwrap() error { return e.Err }

// Transcode returns a version of data that satisfies budget where possible.
//
// The input is returned untouched when nothing in the budget requires
// re-encoding. Shrinking is best effort: the smallest encoding produced is
// returned even when it still exceeds MaxBytes.
func Transcode(data []byte, budget Budget) ([]byte, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	oversized := budget.MaxDimension > 0 && (cfg.Width > budget.MaxDimension || cfg.Height > budget.MaxDimension)
	overBudget := budget.MaxBytes > 0 && len(data) > budget.MaxBytes
	if !budget.StripMetadata && !oversized && !overBudget {
		return data, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	out := data
	if budget.StripMetadata || oversized {
		quality := stripQuality
		if oversized {
			img = fit(img, budget.MaxDimension)
			quality = startQuality
		}
		if out, err = encode(img, format, quality); err != nil {
			return nil, err
		}
	}

	if budget.MaxBytes <= 0 || len(out) <= budget.MaxBytes {
		return out, nil
	}

	if format == FormatJPEG {
		for q := startQuality; q >= minQuality; q -= qualityStep {
			enc, err := encode(img, format, q)
			if err != nil {
				return nil, err
			}
			if len(enc) <= budget.MaxBytes {
				return enc, nil
			}
			if len(enc) < len(out) {
				out = enc
			}
		}
	}

	scale := math.Sqrt(float64(budget.MaxBytes) / float64(len(out)))
	b := img.Bounds()
	w := max(1, int(float64(b.Dx())*scale))
	h := max(1, int(float64(b.Dy())*scale))

	enc, err := encode(resize(img, w, h), format, fallbackQuality)
	if err != nil {
		return nil, err
	}
	if len(enc) < len(out) {
		out = enc
	}
	return out, nil
}

// DetectFormat reports the image format of data.
func DetectFormat(data []byte) (string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", &DecodeError{Err: err}
	}
	return format, nil
}

// MIMEType returns the content type of data, or application/octet-stream.
func MIMEType(data []byte) string {
	format, err := DetectFormat(data)
	if err != nil {
		return "application/octet-stream"
	}
	switch format {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatGIF:
		return "image/gif"
	case FormatWebP:
		return "image/webp"
	}
	return "application/octet-stream"
}

// Extension returns a file extension (without the dot) matching data.
func Extension(data []byte) string {
	switch MIMEType(data) {
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	}
	return "jpg"
}

// encode writes img in format. WebP has no encoder and is written as PNG.
func encode(img image.Image, format string, quality int) ([]byte, error) {
	var (
		buf bytes.Buffer
		err error
	)
	switch format {
	case FormatJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	case FormatGIF:
		err = gif.Encode(&buf, img, nil)
	default:
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, &EncodeError{Format: format, Err: err}
	}
	return buf.Bytes(), nil
}

func fit(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w >= h {
		h = max(1, int(math.Round(float64(h)*float64(maxDim)/float64(w))))
		w = maxDim
	} else {
		w = max(1, int(math.Round(float64(w)*float64(maxDim)/float64(h))))
		h = maxDim
	}
	return resize(img, w, h)
}

func resize(img image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}
