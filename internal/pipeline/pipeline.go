package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"microstitch/internal/config"
	"microstitch/internal/fsutil"
	"microstitch/internal/logging"
	"microstitch/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobStitch    JobType = "stitch"
	JobROI       JobType = "roi"
	JobZoom      JobType = "zoom"
	JobAutoFocus JobType = "autofocus"
	JobSharpen   JobType = "sharpen"
)

var (
	ErrQueueFull = errors.New("job queue is full")
	ErrStopped   = errors.New("pipeline stopped")
)

// Job represents a single processing request.
type Job struct {
	ID        string
	Type      JobType
	InputPath string
	Output    string
	Options   map[string]any
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// NewJobID returns a unique id prefixed with the job type.
func NewJobID(t JobType) string {
	return string(t) + "-" + uuid.NewString()
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Result
	nextSubID int
	waiters   map[string]chan Result
}

// New creates a Pipeline with the given concurrency. Stage jobs read and
// write the slots under layout, serialized through slots.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config, layout fsutil.Layout, slots *fsutil.Slots) *Pipeline {
	if cfg == nil {
		cfg = config.Default()
	}
	return newWithProcessor(ctx, concurrency, logger, store, newRouter(logger, cfg, layout, slots))
}

func newWithProcessor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
		waiters:   make(map[string]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue without blocking. A missing ID is
// filled in; the job as queued is returned.
func (p *Pipeline) Submit(job Job) (Job, error) {
	if job.ID == "" {
		job.ID = NewJobID(job.Type)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return job, ErrStopped
	}

	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		})
	}

	select {
	case p.jobs <- job:
		return job, nil
	default:
		if p.store != nil {
			_ = p.store.RecordJobResult(job.ID, "rejected", nil, ErrQueueFull.Error())
		}
		return job, ErrQueueFull
	}
}

// SubmitAndWait queues job and blocks until its result is available or ctx ends.
func (p *Pipeline) SubmitAndWait(ctx context.Context, job Job) (Result, error) {
	if job.ID == "" {
		job.ID = NewJobID(job.Type)
	}
	ch := make(chan Result, 1)
	p.mu.Lock()
	p.waiters[job.ID] = ch
	p.mu.Unlock()

	forget := func() {
		p.mu.Lock()
		delete(p.waiters, job.ID)
		p.mu.Unlock()
	}

	if _, err := p.Submit(job); err != nil {
		forget()
		return Result{Job: job}, err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return Result{Job: job}, ErrStopped
		}
		return res, nil
	case <-ctx.Done():
		forget()
		return Result{Job: job}, ctx.Err()
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()
		p.wg.Wait()

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		for id, ch := range p.waiters {
			close(ch)
			delete(p.waiters, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			start := time.Now()

			logging.LogJobStart(p.log, string(job.Type), job.ID, job.Options)

			if p.store != nil {
				_ = p.store.RecordJobStart(job.ID)
			}
			res := p.processor.Process(ctx, job)
			res.Job = job
			duration := time.Since(start)

			if res.Error != nil {
				logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
					"worker":  id,
					"input":   job.InputPath,
					"output":  job.Output,
					"options": job.Options,
				})
				if p.store != nil {
					_ = p.store.RecordJobResult(job.ID, "failed", res.Meta, errString(res.Error))
				}
			} else {
				logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
				if p.store != nil {
					_ = p.store.RecordJobResult(job.ID, "completed", res.Meta, "")
				}
			}

			p.deliver(res)
			p.broadcast(res)
		}
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	if p.stopped {
		close(ch)
		return ch, func() {}
	}
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) deliver(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.waiters[res.Job.ID]; ok {
		ch <- res
		delete(p.waiters, res.Job.ID)
	}
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
