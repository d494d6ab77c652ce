package vision

import (
	"image"

	"gocv.io/x/gocv"
)

// ZoomZone returns the centered crop used by a zoom of the given factor on a
// w x h image. ok is false when the zone collapses to zero pixels, which
// callers must treat as invalid input.
func ZoomZone(w, h, factor int) (zone image.Rectangle, ok bool) {
	if factor <= 0 {
		return image.Rectangle{}, false
	}
	zw, zh := w/factor, h/factor
	if zw == 0 || zh == 0 {
		return image.Rectangle{}, false
	}
	x := (w - zw) / 2
	y := (h - zh) / 2
	return image.Rect(x, y, x+zw, y+zh), true
}

// Zoom magnifies the center of src by factor and resamples the crop back to
// src's size with Lanczos-4 interpolation. The zone must be valid per ZoomZone.
func Zoom(src gocv.Mat, factor int) gocv.Mat {
	w, h := src.Cols(), src.Rows()
	zone, _ := ZoomZone(w, h, factor)

	crop := src.Region(zone)
	defer crop.Close()

	dst := gocv.NewMat()
	gocv.Resize(crop, &dst, image.Pt(w, h), 0, 0, gocv.InterpolationLanczos4)
	return dst
}
