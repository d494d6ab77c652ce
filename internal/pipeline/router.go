package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"microstitch/internal/config"
	"microstitch/internal/fsutil"
	"microstitch/internal/logging"
	"microstitch/internal/tasks"
	"microstitch/internal/vision"
)

// router implements Processor and routes jobs to their concrete stages.
type router struct {
	log       *slog.Logger
	env       tasks.Env
	stitch    vision.StitchOptions
	factors   []int
	threshold float64
	strength  float64

	stitchFn    func(ctx context.Context, env tasks.Env, opts vision.StitchOptions) (tasks.StitchResult, error)
	roiFn       func(ctx context.Context, env tasks.Env, roi vision.ROI) (string, error)
	zoomFn      func(ctx context.Context, env tasks.Env, factors []int) (map[int]string, error)
	autoFocusFn func(ctx context.Context, env tasks.Env, factors []int, threshold float64) (map[int]tasks.FocusOutput, error)
	sharpenFn   func(ctx context.Context, in, out string, strength float64, quality int) error
}

func newRouter(logger *slog.Logger, cfg *config.Config, layout fsutil.Layout, slots *fsutil.Slots) Processor {
	return &router{
		log: logger,
		env: tasks.Env{
			Layout:      layout,
			Slots:       slots,
			JPEGQuality: cfg.Processing.JPEGQuality,
		},
		stitch: vision.StitchOptions{
			MaxFeatures:     cfg.Stitch.MaxFeatures,
			ReprojThreshold: cfg.Stitch.ReprojThreshold,
		},
		factors:     cfg.Zoom.Factors,
		threshold:   cfg.Focus.Threshold,
		strength:    cfg.Focus.UnsharpStrength,
		stitchFn:    tasks.StitchInputs,
		roiFn:       tasks.ExtractROIStage,
		zoomFn:      tasks.ZoomStage,
		autoFocusFn: tasks.AutoFocusStage,
		sharpenFn:   tasks.SharpenStage,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobStitch:
		return r.handleStitch(ctx, job)
	case JobROI:
		return r.handleROI(ctx, job)
	case JobZoom:
		return r.handleZoom(ctx, job)
	case JobAutoFocus:
		return r.handleAutoFocus(ctx, job)
	case JobSharpen:
		return r.handleSharpen(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleStitch(ctx context.Context, job Job) Result {
	res, err := r.stitchFn(ctx, r.env, r.stitch)
	logging.LogProcessingStep(r.log, job.ID, "stitch", status(err), map[string]any{
		"inputs":  res.Inputs,
		"matches": res.Report.Matches,
	})
	if err != nil {
		return Result{Job: job, Error: err, Meta: map[string]any{"report": res.Report}}
	}
	return Result{Job: job, Meta: map[string]any{
		"output": res.Output,
		"inputs": res.Inputs,
		"width":  res.Width,
		"height": res.Height,
		"report": res.Report,
	}}
}

func (r *router) handleROI(ctx context.Context, job Job) Result {
	roi, ok := job.Options["roi"].(vision.ROI)
	if !ok {
		return Result{Job: job, Error: &tasks.StageError{Kind: tasks.KindValidation, Msg: "Invalid ROI coordinates", Err: tasks.ErrInvalidROI}}
	}
	path, err := r.roiFn(ctx, r.env, roi)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{"output": path, "roi": roi}}
}

func (r *router) handleZoom(ctx context.Context, job Job) Result {
	factors := r.factorsFor(job)
	outputs, err := r.zoomFn(ctx, r.env, factors)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{"factors": factors, "outputs": outputs}}
}

func (r *router) handleAutoFocus(ctx context.Context, job Job) Result {
	factors := r.factorsFor(job)
	threshold := r.threshold
	if v, ok := job.Options["threshold"].(float64); ok {
		threshold = v
	}
	outputs, err := r.autoFocusFn(ctx, r.env, factors, threshold)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	for f, o := range outputs {
		logging.LogProcessingStep(r.log, job.ID, fmt.Sprintf("autofocus %dx", f), "ok", map[string]any{
			"variance":  o.Report.Variance,
			"sharpened": o.Report.Sharpened,
		})
	}
	return Result{Job: job, Meta: map[string]any{"factors": factors, "threshold": threshold, "outputs": outputs}}
}

func (r *router) handleSharpen(ctx context.Context, job Job) Result {
	strength := r.strength
	if v, ok := job.Options["strength"].(float64); ok {
		strength = v
	}
	if job.InputPath == "" || job.Output == "" {
		return Result{Job: job, Error: &tasks.StageError{Kind: tasks.KindValidation, Msg: "sharpen needs an input and an output path"}}
	}
	if err := r.sharpenFn(ctx, job.InputPath, job.Output, strength, r.env.JPEGQuality); err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{"output": job.Output, "strength": strength}}
}

// factorsFor returns the job's own factor list, falling back to the configured one.
func (r *router) factorsFor(job Job) []int {
	if f, ok := job.Options["factors"].([]int); ok && len(f) > 0 {
		return f
	}
	if len(r.factors) > 0 {
		return r.factors
	}
	return config.ServedZoomFactors
}

func status(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
