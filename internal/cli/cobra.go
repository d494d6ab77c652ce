package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"text/tabwriter"

	"microstitch/internal/config"
	"microstitch/internal/fsutil"
	"microstitch/internal/pipeline"
	"microstitch/internal/storage"
	"microstitch/internal/tasks"
	"microstitch/internal/vision"

	"github.com/spf13/cobra"
)

// Version is reported by the version command.
var Version = "v0.1.0"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline, layout fsutil.Layout, slots *fsutil.Slots) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store, layout, slots))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "microstitch",
		Short: "Microscope image stitching, ROI, zoom and auto-focus",
		Long: `microstitch stitches pairs of overlapping microscope captures, crops a region
of interest, produces 10x and 20x digital zooms and gates them through a
Laplacian-variance sharpness check. Run "serve" for the HTTP API or use the
stage commands directly against the configured input and output directories.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newStitchCmd(root))
	rootCmd.AddCommand(newROICmd(root))
	rootCmd.AddCommand(newZoomCmd(root))
	rootCmd.AddCommand(newAutoFocusCmd(root))
	rootCmd.AddCommand(newSharpenCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newServeCmd(root *Root) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API serving upload, stitch, ROI, zoom and auto-focus endpoints
plus job monitoring. With --grpc-addr a gRPC health endpoint is started too.

Examples:
  microstitch serve --addr :5000
  microstitch serve --addr :5000 --grpc-addr :5001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server",
				"addr", opts.Addr,
				"grpc_addr", opts.GRPCAddr,
				"input_dir", root.layout.InputDir,
				"output_dir", root.layout.OutputDir,
			)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return root.serveFn(ctx, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", root.cfg.Server.Addr, "server address (host:port)")
	cmd.Flags().StringVar(&opts.GRPCAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC health address, empty to disable")

	return cmd
}

func newStitchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "stitch",
		Short: "Stitch the first two images in the input directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				Type:      pipeline.JobStitch,
				InputPath: root.layout.InputDir,
				Output:    root.layout.Stitched(),
				Options:   map[string]any{"source": "cli"},
			}
			return root.runAndReport(cmd, job)
		},
	}
}

func newROICmd(root *Root) *cobra.Command {
	var roi vision.ROI

	cmd := &cobra.Command{
		Use:   "roi",
		Short: "Crop a region of interest out of the stitched image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				Type:      pipeline.JobROI,
				InputPath: root.layout.Stitched(),
				Output:    root.layout.ROI(),
				Options:   map[string]any{"roi": roi, "source": "cli"},
			}
			return root.runAndReport(cmd, job)
		},
	}

	cmd.Flags().IntVar(&roi.X, "x", 0, "left edge in pixels")
	cmd.Flags().IntVar(&roi.Y, "y", 0, "top edge in pixels")
	cmd.Flags().IntVar(&roi.Width, "width", 0, "width in pixels")
	cmd.Flags().IntVar(&roi.Height, "height", 0, "height in pixels")
	for _, name := range []string{"x", "y", "width", "height"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newZoomCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "zoom",
		Short: "Produce the digital zooms of the stored ROI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				Type:      pipeline.JobZoom,
				InputPath: root.layout.ROI(),
				Output:    root.layout.ZoomDir(),
				Options:   map[string]any{"factors": root.cfg.Zoom.Factors, "source": "cli"},
			}
			return root.runAndReport(cmd, job)
		},
	}
}

func newAutoFocusCmd(root *Root) *cobra.Command {
	var threshold float64

	cmd := &cobra.Command{
		Use:   "autofocus",
		Short: "Run the sharpness gate over the stored zooms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				Type:      pipeline.JobAutoFocus,
				InputPath: root.layout.ZoomDir(),
				Output:    root.layout.AutoFocusDir(),
				Options: map[string]any{
					"factors":   root.cfg.Zoom.Factors,
					"threshold": threshold,
					"source":    "cli",
				},
			}
			return root.runAndReport(cmd, job)
		},
	}

	cmd.Flags().Float64Var(&threshold, "threshold", root.cfg.Focus.Threshold, "Laplacian variance below which an image is sharpened")
	return cmd
}

func newSharpenCmd(root *Root) *cobra.Command {
	var strength float64

	cmd := &cobra.Command{
		Use:   "sharpen <input> <output>",
		Short: "Apply an unsharp mask to a single image",
		Long: `Apply an unsharp mask (1.5 x image - 0.5 x blurred) to one file. This helper
is not part of the auto-focus chain.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				Type:      pipeline.JobSharpen,
				InputPath: args[0],
				Output:    args[1],
				Options:   map[string]any{"strength": strength, "source": "cli"},
			}
			return root.runAndReport(cmd, job)
		},
	}

	cmd.Flags().Float64Var(&strength, "strength", root.cfg.Focus.UnsharpStrength, "Gaussian blur radius of the mask")
	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tCREATED\tERROR")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.JobType, rec.Status, rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.Error)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs to show")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("microstitch " + Version)
		},
	}
}

// runAndReport runs job to completion and prints its outputs.
func (r *Root) runAndReport(cmd *cobra.Command, job pipeline.Job) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := r.enqueueAndWait(ctx, job)
	if err != nil {
		return fmt.Errorf("%s: %s", job.Type, tasks.Message(err))
	}

	out := cmd.OutOrStdout()
	keys := make([]string, 0, len(res.Meta))
	for k := range res.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, _ := json.Marshal(res.Meta[k])
		fmt.Fprintf(out, "%s: %s\n", k, v)
	}
	return nil
}
