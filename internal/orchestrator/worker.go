package orchestrator

import (
	"context"
	"sync"
)

// saveJob is one enqueued Save call: a batch of units built by one
// "kiln cargo build" invocation, handed off to a long-running Worker
// instead of spawning a fresh upload goroutine per invocation.
type saveJob struct {
	toSave      []ToSaveUnit
	alreadyHeld map[string]bool
	reader      FileReader
}

// Worker runs Save calls one at a time in the background, for kiln's
// daemon mode: a sequence of "kiln cargo build" invocations against the
// same workspace enqueue their save work here instead of each spawning
// its own uploader.
type Worker struct {
	orch     *Orchestrator
	jobs     chan saveJob
	wg       sync.WaitGroup
	progress *atomicProgress

	mu      sync.Mutex
	lastErr error
}

// NewWorker starts the worker's processing goroutine. Stop cancels it.
func NewWorker(ctx context.Context, orch *Orchestrator) *Worker {
	w := &Worker{orch: orch, jobs: make(chan saveJob, 16), progress: NewProgress()}
	go w.run(ctx)
	return w
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-w.jobs:
			if !ok {
				return
			}
			err := w.orch.Save(ctx, job.toSave, job.alreadyHeld, job.reader, w.progress)
			if err != nil {
				w.mu.Lock()
				w.lastErr = err
				w.mu.Unlock()
			}
			w.wg.Done()
		}
	}
}

// Enqueue hands a batch of to-save units to the worker and returns
// immediately; the caller's own process can exit without waiting for the
// upload unless it calls Wait first.
func (w *Worker) Enqueue(toSave []ToSaveUnit, alreadyHeld map[string]bool, reader FileReader) {
	w.wg.Add(1)
	w.jobs <- saveJob{toSave: toSave, alreadyHeld: alreadyHeld, reader: reader}
}

// Wait blocks until every enqueued job has been processed.
func (w *Worker) Wait() error {
	w.wg.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Progress returns a snapshot of cumulative upload progress across every
// job the worker has processed so far.
func (w *Worker) Progress() SaveProgress {
	return w.progress.Snapshot()
}
