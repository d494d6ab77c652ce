package vision

import (
	"fmt"
	"image"

	"github.com/anthonynsimon/bild/effect"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"
)

// DefaultFocusThreshold is the Laplacian variance below which an image counts as blurry.
const DefaultFocusThreshold = 100.0

// FocusReport records the gate's decision.
type FocusReport struct {
	Variance  float64 `json:"variance"`
	Sharpened bool    `json:"sharpened"`
}

var sharpenKernel = [3][3]float32{
	{0, -1, 0},
	{-1, 5, -1},
	{0, -1, 0},
}

// LaplacianVariance measures focus as the population variance of the
// grayscale Laplacian response.
func LaplacianVariance(src gocv.Mat) (float64, error) {
	if src.Empty() {
		return 0, fmt.Errorf("laplacian variance: empty image")
	}

	gray := gocv.NewMat()
	defer gray.Close()
	if src.Channels() == 1 {
		src.CopyTo(&gray)
	} else {
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	}

	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(gray, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)

	data, err := lap.DataPtrFloat64()
	if err != nil {
		return 0, fmt.Errorf("laplacian variance: %w", err)
	}
	return stat.PopVariance(data, nil), nil
}

// AutoFocus sharpens src with a fixed 3x3 kernel when its Laplacian variance
// is below threshold, otherwise it returns an unchanged copy. It is a single
// pass with no feedback.
func AutoFocus(src gocv.Mat, threshold float64) (gocv.Mat, FocusReport, error) {
	variance, err := LaplacianVariance(src)
	if err != nil {
		return gocv.NewMat(), FocusReport{}, err
	}
	report := FocusReport{Variance: variance}
	if variance >= threshold {
		return src.Clone(), report, nil
	}

	kernel := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV32F)
	defer kernel.Close()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			kernel.SetFloatAt(r, c, sharpenKernel[r][c])
		}
	}

	dst := gocv.NewMat()
	gocv.Filter2D(src, &dst, -1, kernel, image.Pt(-1, -1), 0, gocv.BorderDefault)
	report.Sharpened = true
	return dst, report, nil
}

// UnsharpMask returns 1.5*img - 0.5*blur(img), the blur being Gaussian with
// the given strength as radius. It is not part of the auto-focus gate.
func UnsharpMask(img image.Image, strength float64) image.Image {
	if strength <= 0 {
		strength = 1.5
	}
	return effect.UnsharpMask(img, strength, 0.5)
}
