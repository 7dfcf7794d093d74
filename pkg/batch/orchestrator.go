// Package batch turns many independent, fallible, long-running per-image jobs
// into one controllable operation.
//
// The orchestrator owns the batch state machine and a bounded worker pool per
// running batch. Targets are dispatched in submission order and may complete
// out of order. Pause is drain-and-halt: in-flight targets run to completion
// so no mount session or hive handle is left half-released. Cancel marks
// pending targets immediately and signals in-flight workers cooperatively;
// a target that completes anyway keeps its true outcome, never a fabricated
// one. Retry-failed re-enqueues exactly the failed targets.
//
// Batch-level state transitions take effect between dispatch cycles; they
// never preempt an in-flight native call.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/offsvc/wimforge/internal/logger"
	"github.com/offsvc/wimforge/pkg/metrics"
	"github.com/offsvc/wimforge/pkg/progress"
)

// ProgressFunc reports target-local progress (0-100) with a short message.
type ProgressFunc func(percentage int, message string)

// Executor performs the actual servicing work for one target: acquire a
// mount session, run hive cycles and native feature calls, release the
// session. It must honor ctx at its safe checkpoints (between native calls)
// and must release all held resources on every exit path.
type Executor interface {
	Execute(ctx context.Context, spec Spec, target Target, report ProgressFunc) error
}

// TargetRef identifies one image to service.
type TargetRef struct {
	ImagePath  string `json:"image_path" yaml:"image_path"`
	ImageIndex int    `json:"image_index" yaml:"image_index"`
}

// Request describes a batch submission.
type Request struct {
	Name            string
	Priority        int
	MaxParallel     int
	ContinueOnError bool
	Spec            Spec
	Targets         []TargetRef
}

// Orchestrator drives batch operations to completion, pause, or cancellation.
//
// Thread safety: all methods are safe for concurrent use.
type Orchestrator struct {
	store Store
	exec  Executor
	sink  progress.Sink
	bm    metrics.BatchMetrics

	mu   sync.Mutex
	runs map[string]*run
}

// NewOrchestrator creates an orchestrator over the given store and executor.
// sink and bm may be nil (no-op).
func NewOrchestrator(store Store, exec Executor, sink progress.Sink, bm metrics.BatchMetrics) *Orchestrator {
	if sink == nil {
		sink = progress.NopSink{}
	}
	if bm == nil {
		bm = metrics.NewNopBatchMetrics()
	}
	return &Orchestrator{
		store: store,
		exec:  exec,
		sink:  sink,
		bm:    bm,
		runs:  make(map[string]*run),
	}
}

// run is the in-memory execution state of one active batch. While a run
// exists, its op copy is authoritative over the persisted record.
type run struct {
	o  *Orchestrator
	op *Operation

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	paused       bool
	cancelled    bool
	stopDispatch bool

	wg   sync.WaitGroup
	done chan struct{}
}

// Submit validates and persists a new batch in Pending state. It does not
// start execution; use Start (or StartPending at boot).
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Operation, error) {
	if len(req.Targets) == 0 {
		return nil, fmt.Errorf("batch must have at least one target")
	}
	if req.MaxParallel <= 0 {
		req.MaxParallel = 1
	}

	targets := make([]*Target, len(req.Targets))
	for i, ref := range req.Targets {
		if ref.ImagePath == "" {
			return nil, fmt.Errorf("target %d: image path is required", i)
		}
		if ref.ImageIndex < 1 {
			return nil, fmt.Errorf("target %d: image index must be >= 1, got %d", i, ref.ImageIndex)
		}
		targets[i] = &Target{
			ImagePath:  ref.ImagePath,
			ImageIndex: ref.ImageIndex,
			Status:     TargetPending,
		}
	}

	op := &Operation{
		ID:              uuid.NewString(),
		Name:            req.Name,
		Status:          StatusPending,
		Priority:        req.Priority,
		MaxParallel:     req.MaxParallel,
		ContinueOnError: req.ContinueOnError,
		Spec:            req.Spec.clone(),
		Targets:         targets,
		CreatedAt:       time.Now(),
	}

	if err := o.store.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to persist batch: %w", err)
	}

	logger.Info("Submitted batch %s (%q, %d targets, maxParallel=%d)",
		op.ID, op.Name, len(op.Targets), op.MaxParallel)
	return op.Clone(), nil
}

// Start begins executing a Pending batch. Fails with ErrInvalidState from any
// other state.
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, active := o.runs[id]; active {
		return fmt.Errorf("%w: batch %s is already active", ErrInvalidState, id)
	}

	op, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != StatusPending {
		return fmt.Errorf("%w: cannot start batch in state %s", ErrInvalidState, op.Status)
	}

	now := time.Now()
	op.Status = StatusRunning
	op.StartedAt = &now
	o.launchLocked(op)
	return nil
}

// StartPending starts every Pending batch, highest priority first (ties by
// submission time). Used at boot and after bulk submission. Returns the
// number of batches started.
func (o *Orchestrator) StartPending(ctx context.Context) (int, error) {
	ops, err := o.store.List(ctx)
	if err != nil {
		return 0, err
	}

	var pending []*Operation
	for _, op := range ops {
		if op.Status == StatusPending {
			pending = append(pending, op)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	started := 0
	for _, op := range pending {
		if err := o.Start(ctx, op.ID); err != nil {
			logger.Warn("Failed to start pending batch %s: %v", op.ID, err)
			continue
		}
		started++
	}
	return started, nil
}

// launchLocked registers a run for op and spawns its worker pool.
// Caller holds o.mu; op must already be in Running state.
func (o *Orchestrator) launchLocked(op *Operation) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		o:      o,
		op:     op,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.runs[op.ID] = r
	o.bm.SetActiveBatches(len(o.runs))

	o.persist(r)
	logger.Info("Batch %s running", op.ID)

	workers := op.MaxParallel
	if workers > len(op.Targets) {
		workers = len(op.Targets)
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	go r.finalize()
}

// worker pulls Pending targets in submission order until dispatch stops.
func (r *run) worker() {
	defer r.wg.Done()

	for {
		r.mu.Lock()
		if r.cancelled || r.paused || r.stopDispatch {
			r.mu.Unlock()
			return
		}

		var t *Target
		for _, cand := range r.op.Targets {
			if cand.Status == TargetPending {
				t = cand
				break
			}
		}
		if t == nil {
			r.mu.Unlock()
			return
		}

		started := time.Now()
		t.Status = TargetRunning
		t.StartedAt = &started
		t.Progress = 0

		opID := r.op.ID
		spec := r.op.Spec.clone()
		tcopy := *t
		r.mu.Unlock()

		r.o.persist(r)
		r.o.bm.RecordTargetStart()
		r.o.sink.Report(opID, r.progressPct(),
			fmt.Sprintf("servicing %s (index %d)", tcopy.ImagePath, tcopy.ImageIndex))

		err := r.o.exec.Execute(r.ctx, spec, tcopy, func(pct int, msg string) {
			if pct < 0 {
				pct = 0
			} else if pct > 100 {
				pct = 100
			}
			r.mu.Lock()
			if t.Status == TargetRunning {
				t.Progress = pct
			}
			r.mu.Unlock()
			r.o.sink.Report(opID, r.progressPct(), msg)
		})

		completed := time.Now()
		r.mu.Lock()
		t.CompletedAt = &completed
		switch {
		case err == nil:
			t.Status = TargetSucceeded
			t.Progress = 100
		case r.cancelled && errors.Is(err, context.Canceled):
			// The worker honored the cooperative cancellation signal.
			t.Status = TargetCancelled
			t.ErrorMessage = "cancelled"
		default:
			t.Status = TargetFailed
			t.ErrorMessage = err.Error()
			if !r.op.ContinueOnError {
				r.stopDispatch = true
			}
		}
		outcome := t.Status
		r.mu.Unlock()

		r.o.persist(r)
		r.o.bm.RecordTargetCompleted(outcome.String(), completed.Sub(started))
		if err != nil {
			logger.Warn("Batch %s target %s index %d: %s: %v",
				opID, tcopy.ImagePath, tcopy.ImageIndex, outcome, err)
		}
		r.o.sink.Report(opID, r.progressPct(),
			fmt.Sprintf("%s (index %d): %s", tcopy.ImagePath, tcopy.ImageIndex, outcome))
	}
}

// finalize waits for the pool to drain and settles the batch state. The
// batch reads Paused or a terminal status only once no target is Running.
func (r *run) finalize() {
	r.wg.Wait()

	r.mu.Lock()
	op := r.op

	hasPending := false
	for _, t := range op.Targets {
		if t.Status == TargetPending {
			hasPending = true
			break
		}
	}

	switch {
	case r.cancelled:
		// Pending targets were marked at cancel time; cover any the workers
		// grabbed a reference to but never started.
		markPending(op, TargetCancelled)
		settle(op, StatusCancelled)

	case r.paused && hasPending && !r.stopDispatch:
		op.Status = StatusPaused

	default:
		// Dispatch stopped because targets ran out or a failure tripped
		// continueOnError=false. Leftover pending targets were deliberately
		// not run.
		markPending(op, TargetSkipped)

		anyFailed := false
		for _, t := range op.Targets {
			if t.Status == TargetFailed {
				anyFailed = true
				break
			}
		}
		switch {
		case !anyFailed:
			settle(op, StatusCompleted)
		case op.ContinueOnError:
			settle(op, StatusCompletedWithErrors)
		default:
			settle(op, StatusFailed)
		}
	}

	final := op.Status
	opID := op.ID
	summary := summarize(op)
	r.mu.Unlock()

	r.o.persist(r)
	r.cancel()

	r.o.mu.Lock()
	delete(r.o.runs, opID)
	r.o.bm.SetActiveBatches(len(r.o.runs))
	r.o.mu.Unlock()

	logger.Info("Batch %s settled: %s (%s)", opID, final, summary)
	if final.Terminal() {
		r.o.bm.RecordBatchCompleted(final.String())
		r.o.sink.Completed(opID, final == StatusCompleted, fmt.Sprintf("%s: %s", final, summary))
	}
	close(r.done)
}

// markPending moves all still-Pending targets to the given terminal status.
func markPending(op *Operation, status TargetStatus) {
	now := time.Now()
	for _, t := range op.Targets {
		if t.Status == TargetPending {
			t.Status = status
			t.CompletedAt = &now
		}
	}
}

// settle moves op into a terminal status.
func settle(op *Operation, status Status) {
	now := time.Now()
	op.Status = status
	op.CompletedAt = &now
}

// summarize renders per-status target counts ("3 Succeeded, 2 Failed").
func summarize(op *Operation) string {
	counts := make(map[TargetStatus]int)
	for _, t := range op.Targets {
		counts[t.Status]++
	}

	out := ""
	for _, s := range []TargetStatus{TargetSucceeded, TargetFailed, TargetSkipped, TargetCancelled, TargetPending} {
		if counts[s] == 0 {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += fmt.Sprintf("%d %s", counts[s], s)
	}
	if out == "" {
		out = "no targets"
	}
	return out
}

func (r *run) progressPct() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.op.Progress())
}

// snapshot returns a deep copy of the run's operation.
func (r *run) snapshot() *Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.op.Clone()
}

// persist writes the run's current state through the store. Persistence
// failures are logged, not fatal: the in-memory run stays authoritative and
// the next transition retries the write.
func (o *Orchestrator) persist(r *run) {
	snap := r.snapshot()
	if err := o.store.Update(context.Background(), snap); err != nil {
		logger.Error("Failed to persist batch %s: %v", snap.ID, err)
	}
}

// Pause stops the batch from dispatching new targets. In-flight targets run
// to completion; the status reads Paused once none is Running. Fails with
// ErrInvalidState unless the batch is Running.
func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	o.mu.Lock()
	r, active := o.runs[id]
	o.mu.Unlock()
	if !active {
		return fmt.Errorf("%w: batch %s is not running", ErrInvalidState, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled || r.paused {
		return fmt.Errorf("%w: batch %s is already pausing or cancelled", ErrInvalidState, id)
	}
	r.paused = true
	logger.Info("Batch %s pausing (draining in-flight targets)", id)
	return nil
}

// Resume restarts a Paused batch. Fails with ErrInvalidState from any other
// state, including while a pause is still draining.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, active := o.runs[id]; active {
		return fmt.Errorf("%w: batch %s is still active", ErrInvalidState, id)
	}

	op, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != StatusPaused {
		return fmt.Errorf("%w: cannot resume batch in state %s", ErrInvalidState, op.Status)
	}

	op.Status = StatusRunning
	logger.Info("Batch %s resuming", id)
	o.launchLocked(op)
	return nil
}

// Cancel aborts a Running or Paused batch. Pending targets are marked
// Cancelled immediately; running targets get the cooperative signal and the
// batch settles to Cancelled once they finish. A running target that
// completes anyway keeps its true outcome.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	r, active := o.runs[id]
	o.mu.Unlock()

	if active {
		r.mu.Lock()
		if r.cancelled {
			r.mu.Unlock()
			return fmt.Errorf("%w: batch %s is already cancelled", ErrInvalidState, id)
		}
		r.cancelled = true
		markPending(r.op, TargetCancelled)
		r.mu.Unlock()

		o.persist(r)
		r.cancel()
		logger.Info("Batch %s cancelling (signalled in-flight targets)", id)
		return nil
	}

	// Not active: only a Paused batch can still be cancelled.
	op, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != StatusPaused {
		return fmt.Errorf("%w: cannot cancel batch in state %s", ErrInvalidState, op.Status)
	}

	markPending(op, TargetCancelled)
	settle(op, StatusCancelled)
	if err := o.store.Update(ctx, op); err != nil {
		return fmt.Errorf("failed to persist cancelled batch: %w", err)
	}
	o.bm.RecordBatchCompleted(op.Status.String())
	o.sink.Completed(op.ID, false, fmt.Sprintf("Cancelled: %s", summarize(op)))
	logger.Info("Batch %s cancelled while paused", id)
	return nil
}

// RetryFailed re-enqueues exactly the Failed targets of a terminal batch and
// transitions it back to Running. Succeeded, Skipped, and Cancelled targets
// are untouched. Fails with ErrNoFailedTargets when nothing qualifies.
func (o *Orchestrator) RetryFailed(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, active := o.runs[id]; active {
		return fmt.Errorf("%w: batch %s is still active", ErrInvalidState, id)
	}

	op, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !op.Status.Terminal() {
		return fmt.Errorf("%w: retry-failed requires a finished batch, state is %s", ErrInvalidState, op.Status)
	}

	retried := 0
	for _, t := range op.Targets {
		if t.Status != TargetFailed {
			continue
		}
		t.Status = TargetPending
		t.Progress = 0
		t.ErrorMessage = ""
		t.StartedAt = nil
		t.CompletedAt = nil
		retried++
	}
	if retried == 0 {
		return ErrNoFailedTargets
	}

	op.Status = StatusRunning
	op.CompletedAt = nil
	logger.Info("Batch %s retrying %d failed target(s)", id, retried)
	o.launchLocked(op)
	return nil
}

// Get returns a snapshot of the batch, preferring live in-memory state over
// the persisted record.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Operation, error) {
	o.mu.Lock()
	r, active := o.runs[id]
	o.mu.Unlock()

	if active {
		return r.snapshot(), nil
	}
	return o.store.Get(ctx, id)
}

// List returns snapshots of all batches, live state overlaid on persisted
// records.
func (o *Orchestrator) List(ctx context.Context) ([]*Operation, error) {
	ops, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for i, op := range ops {
		if r, active := o.runs[op.ID]; active {
			ops[i] = r.snapshot()
		}
	}
	return ops, nil
}

// Delete removes a batch record. Only terminal batches are deletable.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	o.mu.Lock()
	_, active := o.runs[id]
	o.mu.Unlock()
	if active {
		return fmt.Errorf("%w: batch %s is still active", ErrInvalidState, id)
	}

	op, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !op.Status.Terminal() {
		return fmt.Errorf("%w: cannot delete batch in state %s", ErrInvalidState, op.Status)
	}
	return o.store.Delete(ctx, id)
}

// Wait blocks until the batch's current run drains (terminal or paused), or
// the context expires. Returns immediately if the batch is not active.
func (o *Orchestrator) Wait(ctx context.Context, id string) error {
	o.mu.Lock()
	r, active := o.runs[id]
	o.mu.Unlock()
	if !active {
		return nil
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every active batch and waits for the pools to drain.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	active := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		active = append(active, r)
	}
	o.mu.Unlock()

	for _, r := range active {
		r.mu.Lock()
		if !r.cancelled {
			r.cancelled = true
			markPending(r.op, TargetCancelled)
		}
		r.mu.Unlock()
		r.cancel()
	}

	for _, r := range active {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
