package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"

	"microstitch/internal/config"
	"microstitch/internal/fsutil"
	"microstitch/internal/vision"

	"gocv.io/x/gocv"
)

// Env is what every stage needs: where the slots live and how to guard them.
type Env struct {
	Layout      fsutil.Layout
	Slots       *fsutil.Slots
	JPEGQuality int
}

func (e Env) quality() int {
	if e.JPEGQuality <= 0 || e.JPEGQuality > 100 {
		return 95
	}
	return e.JPEGQuality
}

// StitchResult describes a written composite.
type StitchResult struct {
	Output string              `json:"output"`
	Inputs []string            `json:"inputs"`
	Width  int                 `json:"width"`
	Height int                 `json:"height"`
	Report vision.StitchReport `json:"report"`
}

// StitchInputs stitches the first two decodable files in the input directory
// (by filename, whatever their extension) and stores the composite in the
// stitched slot.
func StitchInputs(ctx context.Context, env Env, opts vision.StitchOptions) (StitchResult, error) {
	files, err := fsutil.ListFiles(env.Layout.InputDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return StitchResult{}, processing("Stitching failed", err)
	}

	var (
		used []string
		mats []gocv.Mat
	)
	defer func() {
		for _, m := range mats {
			m.Close()
		}
	}()
	for _, f := range files {
		if len(mats) == config.MaxStitchInputs {
			break
		}
		if err := ctx.Err(); err != nil {
			return StitchResult{}, processing("Stitching failed", err)
		}
		data, err := env.Slots.Read(f)
		if err != nil {
			continue
		}
		m, ok := vision.DecodeMat(data)
		if !ok {
			continue
		}
		mats = append(mats, m)
		used = append(used, f)
	}
	if len(mats) < config.MaxStitchInputs {
		return StitchResult{}, validation("Need at least two images for stitching",
			fmt.Errorf("%w: found %d decodable", ErrNotEnoughImages, len(mats)))
	}

	out, report, err := vision.Stitch(mats[0], mats[1], opts)
	defer out.Close()
	if err != nil {
		return StitchResult{Inputs: used, Report: report}, processing("Stitching failed", err)
	}

	data, err := vision.EncodeMatJPEG(out, env.quality())
	if err != nil {
		return StitchResult{}, processing("Stitching failed", err)
	}
	path := env.Layout.Stitched()
	if err := env.Slots.Write(path, data); err != nil {
		return StitchResult{}, processing("Stitching failed", err)
	}
	return StitchResult{
		Output: path,
		Inputs: used,
		Width:  out.Cols(),
		Height: out.Rows(),
		Report: report,
	}, nil
}

// ExtractROIStage crops roi out of the stored composite into the ROI slot.
func ExtractROIStage(ctx context.Context, env Env, roi vision.ROI) (string, error) {
	data, err := env.Slots.Read(env.Layout.Stitched())
	if err != nil {
		return "", missingOr("Stitched image not found", err)
	}
	if err := ctx.Err(); err != nil {
		return "", processing("ROI extraction failed", err)
	}
	img, err := vision.DecodeImage(data)
	if err != nil {
		return "", processing("ROI extraction failed", err)
	}
	crop, err := vision.ExtractROI(img, roi)
	if err != nil {
		return "", validation("Invalid ROI coordinates", fmt.Errorf("%w: %v", ErrInvalidROI, err))
	}
	out, err := vision.EncodeImageJPEG(crop, env.quality())
	if err != nil {
		return "", processing("ROI extraction failed", err)
	}
	path := env.Layout.ROI()
	if err := env.Slots.Write(path, out); err != nil {
		return "", processing("ROI extraction failed", err)
	}
	return path, nil
}

// ZoomStage writes one zoomed slot per factor from the stored ROI. No slot is
// written unless every factor yields a valid zone.
func ZoomStage(ctx context.Context, env Env, factors []int) (map[int]string, error) {
	data, err := env.Slots.Read(env.Layout.ROI())
	if err != nil {
		return nil, missingOr("ROI image not found", err)
	}
	src, ok := vision.DecodeMat(data)
	if !ok {
		return nil, processing("Zoom failed", errors.New("stored roi is not decodable"))
	}
	defer src.Close()

	for _, f := range factors {
		if _, ok := vision.ZoomZone(src.Cols(), src.Rows(), f); !ok {
			return nil, validation(fmt.Sprintf("ROI too small for %dx zoom", f),
				fmt.Errorf("%w: %dx on %dx%d", ErrInvalidZoom, f, src.Cols(), src.Rows()))
		}
	}

	encoded := make(map[int][]byte, len(factors))
	for _, f := range factors {
		if err := ctx.Err(); err != nil {
			return nil, processing("Zoom failed", err)
		}
		zoomed := vision.Zoom(src, f)
		enc, err := vision.EncodeMatJPEG(zoomed, env.quality())
		zoomed.Close()
		if err != nil {
			return nil, processing("Zoom failed", err)
		}
		encoded[f] = enc
	}

	outputs := make(map[int]string, len(factors))
	for _, f := range factors {
		path := env.Layout.Zoomed(f)
		if err := env.Slots.Write(path, encoded[f]); err != nil {
			return outputs, processing("Zoom failed", err)
		}
		outputs[f] = path
	}
	return outputs, nil
}

// FocusOutput is one auto-focused slot and the gate decision behind it.
type FocusOutput struct {
	Path   string             `json:"path"`
	Report vision.FocusReport `json:"report"`
}

// AutoFocusStage runs the sharpness gate over every stored zoom slot. Every
// input is read, decoded and gated before the first slot is written.
func AutoFocusStage(ctx context.Context, env Env, factors []int, threshold float64) (map[int]FocusOutput, error) {
	inputs := make(map[int][]byte, len(factors))
	for _, f := range factors {
		data, err := env.Slots.Read(env.Layout.Zoomed(f))
		if err != nil {
			return nil, missingOr(fmt.Sprintf("Zoomed image %dx not found", f), err)
		}
		inputs[f] = data
	}

	encoded := make(map[int][]byte, len(factors))
	reports := make(map[int]vision.FocusReport, len(factors))
	for _, f := range factors {
		if err := ctx.Err(); err != nil {
			return nil, processing("Auto-focus failed", err)
		}
		src, ok := vision.DecodeMat(inputs[f])
		if !ok {
			return nil, processing("Auto-focus failed", fmt.Errorf("zoomed image %dx is not decodable", f))
		}
		focused, report, err := vision.AutoFocus(src, threshold)
		src.Close()
		if err != nil {
			return nil, processing("Auto-focus failed", err)
		}
		enc, err := vision.EncodeMatJPEG(focused, env.quality())
		focused.Close()
		if err != nil {
			return nil, processing("Auto-focus failed", err)
		}
		encoded[f] = enc
		reports[f] = report
	}

	outputs := make(map[int]FocusOutput, len(factors))
	for _, f := range factors {
		path := env.Layout.AutoFocused(f)
		if err := env.Slots.Write(path, encoded[f]); err != nil {
			return outputs, processing("Auto-focus failed", err)
		}
		outputs[f] = FocusOutput{Path: path, Report: reports[f]}
	}
	return outputs, nil
}

// SharpenStage applies the unsharp helper to an explicit file. It is never
// part of the HTTP chain.
func SharpenStage(ctx context.Context, in, out string, strength float64, quality int) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return missingOr(fmt.Sprintf("Input image %s not found", in), err)
	}
	if err := ctx.Err(); err != nil {
		return processing("Sharpen failed", err)
	}
	img, err := vision.DecodeImage(data)
	if err != nil {
		return validation("Input is not a decodable image", err)
	}
	enc, err := vision.EncodeImageJPEG(vision.UnsharpMask(img, strength), Env{JPEGQuality: quality}.quality())
	if err != nil {
		return processing("Sharpen failed", err)
	}
	if err := fsutil.WriteFileAtomic(out, enc, 0o644); err != nil {
		return processing("Sharpen failed", err)
	}
	return nil
}

func missingOr(msg string, err error) error {
	if errors.Is(err, fsutil.ErrSlotEmpty) || errors.Is(err, os.ErrNotExist) {
		return missing(msg, fmt.Errorf("%w: %v", ErrArtifactMissing, err))
	}
	return processing(msg, err)
}
