package vision

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"

	"gocv.io/x/gocv"
)

// ErrStitch is the parent of every stitching failure.
var ErrStitch = errors.New("stitching failed")

var (
	ErrEmptyInput    = fmt.Errorf("%w: empty input image", ErrStitch)
	ErrNoKeypoints   = fmt.Errorf("%w: no keypoints detected", ErrStitch)
	ErrTooFewMatches = fmt.Errorf("%w: fewer than 4 correspondences", ErrStitch)
	ErrHomography    = fmt.Errorf("%w: homography estimation failed", ErrStitch)
)

// minCorrespondences is the smallest point set a projective homography can be fitted to.
const minCorrespondences = 4

// StitchOptions tunes the feature pipeline.
type StitchOptions struct {
	MaxFeatures     int     // ORB keypoint cap per image
	ReprojThreshold float64 // RANSAC inlier distance in pixels
}

// DefaultStitchOptions mirrors OpenCV's ORB defaults and a 5 px RANSAC threshold.
func DefaultStitchOptions() StitchOptions {
	return StitchOptions{MaxFeatures: 500, ReprojThreshold: 5.0}
}

// StitchReport describes what the stitcher found.
type StitchReport struct {
	KeypointsA int        `json:"keypoints_a"`
	KeypointsB int        `json:"keypoints_b"`
	Matches    int        `json:"matches"`
	Homography [9]float64 `json:"homography"`
}

// Stitch warps b into a's frame and pastes a over the left part of a canvas
// twice as wide as a. a always wins where the two overlap; there is no blending.
func Stitch(a, b gocv.Mat, opts StitchOptions) (gocv.Mat, StitchReport, error) {
	var report StitchReport
	if a.Empty() || b.Empty() {
		return gocv.NewMat(), report, ErrEmptyInput
	}
	if opts.MaxFeatures <= 0 || opts.ReprojThreshold <= 0 {
		opts = DefaultStitchOptions()
	}

	orb := gocv.NewORBWithParams(opts.MaxFeatures, 1.2, 8, 31, 0, 2, gocv.ORBScoreTypeHarris, 31, 20)
	defer orb.Close()

	noMask := gocv.NewMat()
	defer noMask.Close()

	kpA, descA := orb.DetectAndCompute(a, noMask)
	defer descA.Close()
	kpB, descB := orb.DetectAndCompute(b, noMask)
	defer descB.Close()

	report.KeypointsA = len(kpA)
	report.KeypointsB = len(kpB)
	if len(kpA) == 0 || len(kpB) == 0 || descA.Empty() || descB.Empty() {
		return gocv.NewMat(), report, ErrNoKeypoints
	}

	matcher := gocv.NewBFMatcherWithParams(gocv.NormHamming, true)
	defer matcher.Close()

	matches := matcher.Match(descA, descB)
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	report.Matches = len(matches)
	if len(matches) < minCorrespondences {
		return gocv.NewMat(), report, fmt.Errorf("%w (got %d)", ErrTooFewMatches, len(matches))
	}

	ptsA := gocv.NewMatWithSize(len(matches), 1, gocv.MatTypeCV64FC2)
	defer ptsA.Close()
	ptsB := gocv.NewMatWithSize(len(matches), 1, gocv.MatTypeCV64FC2)
	defer ptsB.Close()
	for i, m := range matches {
		pa := kpA[m.QueryIdx]
		pb := kpB[m.TrainIdx]
		ptsA.SetDoubleAt(i, 0, pa.X)
		ptsA.SetDoubleAt(i, 1, pa.Y)
		ptsB.SetDoubleAt(i, 0, pb.X)
		ptsB.SetDoubleAt(i, 1, pb.Y)
	}

	inliers := gocv.NewMat()
	defer inliers.Close()
	h := gocv.FindHomography(ptsB, ptsA, gocv.HomographyMethodRANSAC, opts.ReprojThreshold, &inliers, 2000, 0.995)
	defer h.Close()
	if h.Empty() || h.Rows() != 3 || h.Cols() != 3 {
		return gocv.NewMat(), report, ErrHomography
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			v := h.GetDoubleAt(r, c)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return gocv.NewMat(), report, ErrHomography
			}
			report.Homography[r*3+c] = v
		}
	}

	width, height := a.Cols(), a.Rows()
	canvas := gocv.NewMat()
	gocv.WarpPerspective(b, &canvas, h, image.Pt(width*2, height))
	if canvas.Empty() {
		canvas.Close()
		return gocv.NewMat(), report, fmt.Errorf("%w: warp produced an empty canvas", ErrStitch)
	}

	left := canvas.Region(image.Rect(0, 0, width, height))
	a.CopyTo(&left)
	left.Close()

	return canvas, report, nil
}
