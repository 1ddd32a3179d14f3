// Package watch resubmits a matching run whenever the images of a watched
// directory change.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"dimatch/internal/config"
	"dimatch/internal/fsutil"
	"dimatch/internal/pipeline"
)

// Event is one relevant change in the watched directory.
type Event struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // created, modified, deleted, renamed
	Time      time.Time `json:"time"`
}

// Submitter queues jobs; *pipeline.Pipeline implements it.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Watcher monitors one image directory. Bursts of events within the
// debounce window collapse into a single match job.
type Watcher struct {
	watcher  *fsnotify.Watcher
	base     *config.Config
	submit   Submitter
	debounce time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	pending []Event
	timer   *time.Timer
	ctx     context.Context
}

// New creates a watcher for base.General.ImageDir.
func New(base *config.Config, submit Submitter, log *slog.Logger) (*Watcher, error) {
	if base.General.ImageDir == "" {
		return nil, &config.Error{Field: "general.image_dir", Reason: "nothing to watch"}
	}
	if log == nil {
		log = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	debounce := time.Duration(base.Server.WatchDebounceMS) * time.Millisecond
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		watcher:  fw,
		base:     base.Clone(),
		submit:   submit,
		debounce: debounce,
		log:      log,
	}, nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	dir := w.base.General.ImageDir
	if err := w.watcher.Add(dir); err != nil {
		w.watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()
	w.log.Info("Watching directory", "dir", dir, "debounce", w.debounce)

	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		w.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if e, ok := convert(ev); ok {
				w.add(e)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("Filesystem watcher error", "error", err)
		}
	}
}

func convert(ev fsnotify.Event) (Event, bool) {
	var op string
	switch {
	case ev.Has(fsnotify.Create):
		op = "created"
	case ev.Has(fsnotify.Write):
		op = "modified"
	case ev.Has(fsnotify.Remove):
		op = "deleted"
	case ev.Has(fsnotify.Rename):
		op = "renamed"
	default:
		return Event{}, false
	}
	if !fsutil.IsImageFile(ev.Name) {
		return Event{}, false
	}
	return Event{Path: ev.Name, Operation: op, Time: time.Now()}, true
}

func (w *Watcher) add(e Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, e)
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.flush)
		return
	}
	w.timer.Reset(w.debounce)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	events := w.pending
	w.pending = nil
	ctx := w.ctx
	w.mu.Unlock()
	if len(events) == 0 || (ctx != nil && ctx.Err() != nil) {
		return
	}

	job := pipeline.Job{ID: uuid.NewString(), Type: pipeline.JobMatch, Config: w.base.Clone()}
	if err := w.submit.Submit(job); err != nil {
		w.log.Error("Failed to queue run for changed images", "error", err, "changes", len(events))
		return
	}
	w.log.Info("Queued run for changed images", "run_id", job.ID, "changes", len(events), "first", events[0].Path)
}
