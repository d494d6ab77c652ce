package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"microstitch/internal/config"
	"microstitch/internal/fsutil"
	"microstitch/internal/grpcserver"
	"microstitch/internal/pipeline"
	"microstitch/internal/server"
	"microstitch/internal/storage"
)

type pipelineClient interface {
	Submit(job pipeline.Job) (pipeline.Job, error)
	Subscribe() (<-chan pipeline.Result, func())
}

// serveOptions are the listener addresses chosen for one serve run.
type serveOptions struct {
	Addr     string
	GRPCAddr string
}

type serverFunc func(ctx context.Context, r *Root, opts serveOptions) error

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	layout   fsutil.Layout
	slots    *fsutil.Slots
	serveFn  serverFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store, layout fsutil.Layout, slots *fsutil.Slots) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		layout:   layout,
		slots:    slots,
		serveFn:  defaultServe,
	}
}

func defaultServe(ctx context.Context, r *Root, opts serveOptions) error {
	real, ok := r.pipeline.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}

	if err := r.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := *r.cfg
	cfg.Server.Addr = opts.Addr
	srv, err := server.NewServer(&cfg, r.store, real, r.layout, r.slots, r.log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if opts.GRPCAddr != "" {
		health := grpcserver.New(opts.GRPCAddr, r.log)
		g.Go(func() error { return health.Start(gctx) })
	}
	return g.Wait()
}

// enqueueAndWait submits job and blocks until its result arrives.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	job, err := r.enqueue(ctx, job)
	if err != nil {
		return pipeline.Result{Job: job}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{Job: job}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{Job: job}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) (pipeline.Job, error) {
	select {
	case <-ctx.Done():
		return job, ctx.Err()
	default:
	}

	if job.ID == "" {
		job.ID = pipeline.NewJobID(job.Type)
	}
	job, err := r.pipeline.Submit(job)
	if err != nil {
		return job, err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return job, nil
}
