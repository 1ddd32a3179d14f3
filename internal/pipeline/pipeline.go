// Package pipeline runs matching jobs: a bounded queue of jobs in front of
// the Orchestrator, which selects pairs, extracts and matches tiles, merges
// the results and writes the feature and match stores.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"dimatch/internal/config"
	"dimatch/internal/logging"
	"dimatch/internal/metrics"
	"dimatch/internal/storage"
)

// JobType enumerates supported job categories.
type JobType string

const (
	JobMatch  JobType = "match"
	JobPairs  JobType = "pairs"
	JobExport JobType = "export"
)

// ErrQueueFull is returned by Submit when the queue has no room.
var ErrQueueFull = errors.New("job queue is full")

// Job represents a single request.
type Job struct {
	ID     string
	Type   JobType
	Config *config.Config
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job            `json:"-"`
	ID    string         `json:"id"`
	Type  JobType        `json:"type"`
	Error error          `json:"-"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// MarshalJSON adds the error text.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		Err string `json:"error,omitempty"`
	}{plain(r), errString(r.Error)})
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
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
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline running processor on concurrency workers. Matching
// runs use their own worker pool, so concurrency bounds whole jobs.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, processor Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan Job, concurrency*4),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if job.Config == nil {
		return errors.New("job has no configuration")
	}
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Config.General)
		_ = p.store.RecordRunQueued(storage.RunRecord{
			ID:          job.ID,
			ImageDir:    job.Config.General.ImageDir,
			OutputDir:   job.Config.General.OutputDir,
			Fingerprint: job.Config.Fingerprint(),
			OptionsJSON: string(optsJSON),
		})
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		if p.store != nil {
			_ = p.store.RecordRunResult(job.ID, storage.StatusFailed, nil, ErrQueueFull.Error())
		}
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
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
			g := job.Config.General
			logging.LogRunStart(p.log, job.ID, g.ImageDir, g.OutputDir, map[string]any{
				"type":     job.Type,
				"pipeline": g.Pipeline,
				"strategy": g.Strategy,
				"tiling":   g.Tiling,
				"worker":   id,
			})

			if p.store != nil {
				_ = p.store.RecordRunStart(job.ID)
			}
			res := p.processor.Process(ctx, job)
			res.Job, res.ID, res.Type = job, job.ID, job.Type
			duration := time.Since(start)

			status := storage.StatusSucceeded
			if res.Error != nil {
				status = storage.StatusFailed
				if errors.Is(res.Error, context.Canceled) {
					status = storage.StatusCancelled
				}
				logging.LogRunError(p.log, job.ID, duration, res.Error, map[string]any{
					"type":   job.Type,
					"input":  g.ImageDir,
					"output": g.OutputDir,
				})
			} else {
				logging.LogRunComplete(p.log, job.ID, duration, res.Meta)
			}
			metrics.Runs.WithLabelValues(status).Inc()
			if p.store != nil {
				_ = p.store.RecordRunResult(job.ID, status, res.Meta, errString(res.Error))
			}

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

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.ID)
		}
	}
}
