package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"dimatch/internal/config"
	"dimatch/internal/export"
	"dimatch/internal/imageio"
	"dimatch/internal/ports"
	"dimatch/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log       *slog.Logger
	newRunner runnerFactory
	exportFn  exportFunc
}

type runner interface {
	Run(ctx context.Context) (RunResult, error)
	Plan(ctx context.Context) (Plan, error)
}

type runnerFactory func(cfg *config.Config, runID string) (runner, error)

type exportFunc func(ctx context.Context, cfg *config.Config, log *slog.Logger) (export.Summary, error)

// NewRouter returns the Processor used by the serve command and the watcher.
func NewRouter(logger *slog.Logger, reg *ports.Registry, loaders *imageio.Registry, runs *storage.Store) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &router{
		log: logger,
		newRunner: func(cfg *config.Config, runID string) (runner, error) {
			return NewOrchestrator(cfg, runID, Deps{Ports: reg, Loaders: loaders, Runs: runs, Log: logger})
		},
		exportFn: ExportStores,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobMatch, "":
		return r.handleMatch(ctx, job)
	case JobPairs:
		return r.handlePairs(ctx, job)
	case JobExport:
		return r.handleExport(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleMatch(ctx context.Context, job Job) Result {
	run, err := r.newRunner(job.Config, job.ID)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	res, err := run.Run(ctx)
	return Result{Job: job, Error: err, Meta: res.Meta()}
}

func (r *router) handlePairs(ctx context.Context, job Job) Result {
	run, err := r.newRunner(job.Config, job.ID)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	plan, err := run.Plan(ctx)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	list := make([][2]string, len(plan.Selection.Pairs))
	for i, p := range plan.Selection.Pairs {
		list[i] = [2]string{plan.Images[p.A].Name, plan.Images[p.B].Name}
	}
	return Result{Job: job, Meta: map[string]any{
		"strategy": string(plan.Selection.Strategy),
		"images":   len(plan.Images),
		"selected": len(plan.Selection.Pairs),
		"pruned":   plan.Selection.Pruned(),
		"pairs":    list,
	}}
}

func (r *router) handleExport(ctx context.Context, job Job) Result {
	sum, err := r.exportFn(ctx, job.Config, r.log.With("run_id", job.ID))
	return Result{Job: job, Error: err, Meta: map[string]any{
		"database": job.Config.ColmapDatabase(),
		"cameras":  sum.Cameras,
		"images":   sum.Images,
		"pairs":    sum.Pairs,
	}}
}
