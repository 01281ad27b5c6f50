package nonverbal

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
)

// Wire constants for outbound frames.
const (
	FrameWidth  = 320
	FrameHeight = 240
	JPEGQuality = 70

	// DataURLPrefix precedes the base64 JPEG payload of every frame.
	DataURLPrefix = "data:image/jpeg;base64,"
)

// ErrEmptyFrame is returned by [EncodeFrame] for a nil or zero-sized image.
var ErrEmptyFrame = errors.New("nonverbal: empty frame")

// EncodeFrame scales img to FrameWidth x FrameHeight and returns it as a
// JPEG data URL.
func EncodeFrame(img image.Image) (string, error) {
	if img == nil || img.Bounds().Empty() {
		return "", ErrEmptyFrame
	}
	scaled := scale(img, FrameWidth, FrameHeight)

	var buf bytes.Buffer
	buf.WriteString(DataURLPrefix)
	enc := base64.NewEncoder(base64.StdEncoding, &buf)
	if err := jpeg.Encode(enc, scaled, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return "", fmt.Errorf("nonverbal: encode frame: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("nonverbal: encode frame: %w", err)
	}
	return buf.String(), nil
}

// scale stretches img to w x h with nearest-neighbour sampling.
func scale(img image.Image, w, h int) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	xRatio := float64(b.Dx()) / float64(w)
	yRatio := float64(b.Dy()) / float64(h)
	for y := range h {
		sy := b.Min.Y + int(float64(y)*yRatio)
		for x := range w {
			sx := b.Min.X + int(float64(x)*xRatio)
			out.Set(x, y, img.At(sx, sy))
		}
	}
	return out
}
