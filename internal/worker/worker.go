// Package worker runs the cache maintenance worker's event loop: a bounded
// event queue plus a single background consumer goroutine, running at
// lowered OS priority, initialized once per process.
package worker

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cachekeeper/worker/internal/cacheconfig"
	"github.com/cachekeeper/worker/internal/maintain"
	"github.com/cachekeeper/worker/pkg/fs"
)

type eventKind int

const (
	eventGet eventKind = iota
	eventUpdate
)

type event struct {
	kind eventKind
	path string
}

// Worker owns the bounded event queue and the background consumer. There is
// exactly one per process, created by [Init].
type Worker struct {
	fsys   fs.FS
	cfg    cacheconfig.Config
	log    *zap.Logger
	events chan event
}

var (
	initialized atomic.Bool
	instance    *Worker
)

// Init performs the one-shot, process-wide initialization of the worker: a
// bounded queue is created, a single background consumer goroutine is
// spawned at lowered OS priority, and the sender is stashed in
// process-global state for [OnCacheGetAsync] / [OnCacheUpdateAsync].
//
// Calling Init a second time in the same process is a programming error and
// panics rather than silently reinitializing.
func Init(fsys fs.FS, cfg cacheconfig.Config, log *zap.Logger) {
	if !initialized.CompareAndSwap(false, true) {
		panic("cache worker: Init called more than once in this process")
	}

	if log == nil {
		log = zap.NewNop()
	}

	w := &Worker{
		fsys:   fsys,
		cfg:    cfg,
		log:    log,
		events: make(chan event, cfg.WorkerEventQueueSize()),
	}

	instance = w

	go w.run()
}

// run is the single background consumer. It lowers its own OS scheduling
// priority, then dispatches events FIFO forever. The receive side is never
// expected to terminate: a closed channel would be a programming error, so
// the range loop exiting (which only happens if events is closed) is not
// handled specially — nothing in this package ever closes it.
func (w *Worker) run() {
	if err := lowerOSThreadPriority(); err != nil {
		w.log.Warn("failed to lower worker thread priority", zap.Error(err))
	}

	for ev := range w.events {
		switch ev.kind {
		case eventGet:
			maintain.OnCacheGet(w.fsys, ev.path, w.cfg, w.log)
		case eventUpdate:
			maintain.OnCacheUpdate(w.fsys, ev.path, w.cfg, w.log)
		}
	}
}

// OnCacheGetAsync enqueues a cache-read event without blocking. If the queue
// is full the event is dropped and logged at info level: losing a usage
// count is an acceptable cost of never blocking a reader.
func OnCacheGetAsync(path string) {
	enqueue(event{kind: eventGet, path: path})
}

// OnCacheUpdateAsync enqueues a cache-write event without blocking, with the
// same drop-on-full semantics as [OnCacheGetAsync].
func OnCacheUpdateAsync(path string) {
	enqueue(event{kind: eventUpdate, path: path})
}

func enqueue(ev event) {
	w := instance
	if w == nil {
		panic("cache worker: event submitted before Init")
	}

	select {
	case w.events <- ev:
	default:
		w.log.Info("worker event queue full, dropping event", zap.Int("kind", int(ev.kind)), zap.String("path", ev.path))
	}
}
