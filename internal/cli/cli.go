package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"dimatch/internal/config"
	"dimatch/internal/grpcserver"
	"dimatch/internal/pipeline"
	"dimatch/internal/server"
	"dimatch/internal/storage"
	"dimatch/internal/watch"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serveOptions struct {
	Addr     string
	GRPCAddr string
	Watch    string
}

type serverFunc func(ctx context.Context, r *Root, opts serveOptions) error

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	out      io.Writer
	serveFn  serverFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
	}
}

// Run parses args and dispatches to subcommands.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := r.command()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func defaultServe(ctx context.Context, r *Root, opts serveOptions) error {
	real, ok := r.pipeline.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 3)
	running := 0

	httpSrv, err := server.NewServer(opts.Addr, r.store, real, r.cfg, r.log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	running++
	go func() { errCh <- httpSrv.Start(ctx) }()

	if opts.GRPCAddr != "" {
		running++
		rpc := grpcserver.New(r.store, real, r.cfg, r.log)
		go func() { errCh <- rpc.Serve(ctx, opts.GRPCAddr) }()
	}

	if opts.Watch != "" {
		cfg := r.cfg.Clone()
		cfg.General.ImageDir = opts.Watch
		w, err := watch.New(cfg, real, r.log)
		if err != nil {
			return err
		}
		running++
		go func() { errCh <- w.Run(ctx) }()
	}

	var first error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && first == nil {
			first = err
			cancel()
		}
	}
	return first
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "image_dir", job.Config.General.ImageDir)
	return nil
}

// ExitCode maps a command error to the process exit status: 2 for
// configuration errors, 3 for runs that produced nothing, 1 otherwise.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, config.ErrInvalid):
		return 2
	case errors.Is(err, pipeline.ErrEmptyResult):
		return 3
	default:
		return 1
	}
}

func printf(w io.Writer, format string, args ...any) {
	if w == nil {
		w = os.Stdout
	}
	fmt.Fprintf(w, format, args...)
}
