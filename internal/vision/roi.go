package vision

import (
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// ErrROIOutOfBounds rejects rectangles that do not lie fully inside the image.
var ErrROIOutOfBounds = errors.New("region of interest outside image bounds")

// ROI is a pixel rectangle given by its top-left corner and size.
type ROI struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Within reports whether r is non-empty and fits inside a w x h image.
func (r ROI) Within(w, h int) bool {
	if r.Width <= 0 || r.Height <= 0 {
		return false
	}
	return r.X >= 0 && r.Y >= 0 && r.X+r.Width <= w && r.Y+r.Height <= h
}

// Rect converts r to an image.Rectangle.
func (r ROI) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// ExtractROI copies r out of img. The request is rejected whole rather than clamped.
func ExtractROI(img image.Image, r ROI) (*image.NRGBA, error) {
	b := img.Bounds()
	if !r.Within(b.Dx(), b.Dy()) {
		return nil, fmt.Errorf("%w: %dx%d+%d+%d in %dx%d", ErrROIOutOfBounds, r.Width, r.Height, r.X, r.Y, b.Dx(), b.Dy())
	}
	return imaging.Crop(img, r.Rect().Add(b.Min)), nil
}
