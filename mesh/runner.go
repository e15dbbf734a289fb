package mesh

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRunnerClosed is returned by Submit after Close
var ErrRunnerClosed = errors.New("runner closed")

// RunStatus describes how a clustering run ended
type RunStatus string

const (
	StatusPublished  RunStatus = "published"
	StatusSuperseded RunStatus = "superseded"
	StatusTimeout    RunStatus = "timeout"
	StatusFailed     RunStatus = "failed"
)

// RunReport describes one clustering run. Result is only set for published
// runs.
type RunReport struct {
	RunID        string        `json:"runId"`
	Generation   uint64        `json:"generation"`
	Status       RunStatus     `json:"status"`
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
	Options      Options       `json:"options"`
	EntityCount  int           `json:"entityCount"`
	ClusterCount int           `json:"clusterCount"`
	Error        string        `json:"error,omitempty"`
	Result       *Result       `json:"result,omitempty"`
}

// ReportHandler receives finished run reports
type ReportHandler func(report *RunReport)

// Runner executes clustering runs in the background. Each Submit supersedes
// the previous run: the older run is cancelled and, if it still finishes, its
// result is discarded. A new run waits for the previous goroutine to exit so
// at most one run computes at a time.
type Runner struct {
	budget time.Duration

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
	closed     bool
	onPublish  []ReportHandler
	onDiscard  []ReportHandler
}

// NewRunner creates a runner. A positive budget abandons runs that compute
// for longer than it.
func NewRunner(budget time.Duration) *Runner {
	return &Runner{budget: budget}
}

// OnPublish registers a handler called, in registration order, with every
// run whose result becomes current.
func (r *Runner) OnPublish(h ReportHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPublish = append(r.onPublish, h)
}

// OnDiscard registers a handler called for superseded, timed out and failed
// runs.
func (r *Runner) OnDiscard(h ReportHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDiscard = append(r.onDiscard, h)
}

// Generation returns the generation of the most recent submission
func (r *Runner) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// Submit validates opts, snapshots entities and starts a run. It returns the
// run's generation. Validation errors are returned synchronously and do not
// cancel the run in flight.
func (r *Runner) Submit(entities []Entity, opts Options) (uint64, error) {
	if err := ValidateOptions(&opts); err != nil {
		return 0, err
	}
	snapshot := uniqueEntities(entities)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrRunnerClosed
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.generation++
	gen := r.generation
	ctx, cancel := context.WithCancel(context.Background())
	prev := r.done
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go r.run(ctx, cancel, gen, prev, done, snapshot, opts)
	return gen, nil
}

func (r *Runner) run(ctx context.Context, cancel context.CancelFunc, gen uint64, prev, done chan struct{}, entities []Entity, opts Options) {
	defer close(done)
	defer cancel()

	if prev != nil {
		<-prev
	}

	report := &RunReport{
		RunID:       uuid.NewString(),
		Generation:  gen,
		StartedAt:   time.Now(),
		Options:     opts,
		EntityCount: len(entities),
	}

	if ctx.Err() != nil {
		report.Status = StatusSuperseded
		log.Printf("[RUNNER] run %d superseded before start", gen)
		r.finish(report)
		return
	}

	runCtx := ctx
	if r.budget > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(ctx, r.budget)
		defer stop()
	}

	res, err := Generate(runCtx, entities, opts)
	report.Duration = time.Since(report.StartedAt)

	switch {
	case err == nil:
		report.Result = res
		report.ClusterCount = res.Len()
	case errors.Is(err, context.DeadlineExceeded):
		report.Status = StatusTimeout
		report.Error = err.Error()
		log.Printf("[RUNNER] run %d abandoned after %s (budget %s)", gen, report.Duration.Round(time.Millisecond), r.budget)
	case errors.Is(err, context.Canceled):
		report.Status = StatusSuperseded
		log.Printf("[RUNNER] run %d cancelled by a newer request", gen)
	default:
		report.Status = StatusFailed
		report.Error = err.Error()
		log.Printf("[RUNNER] run %d failed: %v", gen, err)
	}

	r.finish(report)
}

// finish hands the report to the publish or discard handlers. Only the
// latest generation may publish.
func (r *Runner) finish(report *RunReport) {
	r.mu.Lock()
	if report.Status == "" {
		if report.Generation == r.generation {
			report.Status = StatusPublished
		} else {
			report.Status = StatusSuperseded
			report.Result = nil
			log.Printf("[RUNNER] run %d finished after generation %d was requested, discarding",
				report.Generation, r.generation)
		}
	}
	var handlers []ReportHandler
	if report.Status == StatusPublished {
		handlers = append(handlers, r.onPublish...)
	} else {
		handlers = append(handlers, r.onDiscard...)
	}
	r.mu.Unlock()

	if report.Status == StatusPublished {
		log.Printf("[RUNNER] run %d (%s): %d entities -> %d clusters in %s",
			report.Generation, report.RunID, report.EntityCount, report.ClusterCount,
			report.Duration.Round(time.Millisecond))
	}

	for _, h := range handlers {
		h(report)
	}
}

// Wait blocks until the most recently submitted run has finished
func (r *Runner) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close cancels the run in flight, waits for it and rejects further
// submissions.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.Wait()
}
