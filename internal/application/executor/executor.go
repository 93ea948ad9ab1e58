// Package executor runs ordered delete and update tasks against a branch in bounded,
// individually committed chunks.
//
// Every chunk selects its rows inside its own transaction, so a chunk always operates on
// the next unprocessed prefix of the persisted state. Delete tasks re-read from the front
// because committed chunks are gone. Update tasks advance an offset that is recomputed from
// zero on every run. Both make a re-run after a partial failure pick up exactly where the
// committed work stopped.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/branchctl/internal/domain/entity"
	"github.com/ahrav/branchctl/pkg/common/logger"
	"github.com/ahrav/branchctl/pkg/common/timeutil"
)

const (
	// DefaultChunkSize is the number of rows handled per transaction.
	DefaultChunkSize = 200
	// DefaultChunkTimeout bounds a single chunk transaction.
	DefaultChunkTimeout = 30 * time.Second
)

// Action is the mutation a task applies to its rows.
type Action int

const (
	ActionDelete Action = iota
	ActionUpdate
)

func (a Action) String() string {
	switch a {
	case ActionDelete:
		return "delete"
	case ActionUpdate:
		return "update"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// AssignFunc builds the patch for one chunk of an update task. ids are in task order and
// start is the position of ids[0] within the task.
type AssignFunc func(ids []int64, start int64) entity.Patch

// Task is one (kind, filter) unit of work.
type Task struct {
	Kind   entity.Kind
	Filter entity.Filter
	Action Action
	Order  entity.Order
	// Assign is required for ActionUpdate.
	Assign AssignFunc
}

// Progress is emitted after every committed chunk.
type Progress struct {
	Kind       entity.Kind
	Action     Action
	Processed  int64
	Total      int64
	Chunk      int
	ChunkStart int64
	Rows       int64
}

// ProgressFunc receives progress records. It runs on the executor goroutine between
// chunks.
type ProgressFunc func(ctx context.Context, p Progress)

// Validator checks for live references before and after rows are removed.
type Validator interface {
	CheckNoDanglingReferences(
		ctx context.Context,
		r entity.Reader,
		kind entity.Kind,
		branchID int64,
		ids []int64,
	) error
}

// Metrics records chunk level outcomes.
type Metrics interface {
	ObserveChunk(ctx context.Context, kind, action string, rows int64, duration time.Duration)
	IncChunkFailure(ctx context.Context, kind, action string)
}

// TaskResult summarizes a finished (or partially finished) task.
type TaskResult struct {
	Kind      entity.Kind
	Processed int64
	Total     int64
	Chunks    int
}

// Result summarizes a run. Tasks holds one entry per task that was started.
type Result struct {
	Tasks []TaskResult
}

// Processed returns the number of rows committed across every task.
func (r Result) Processed() int64 {
	var n int64
	for _, t := range r.Tasks {
		n += t.Processed
	}
	return n
}

var errStalled = errors.New("chunk matched rows but removed none")

// Option configures an Executor.
type Option func(*Executor)

// WithChunkSize sets the rows per chunk. Non-positive values keep the default.
func WithChunkSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithChunkTimeout sets the per-chunk transaction timeout. Non-positive values keep the
// default.
func WithChunkTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.chunkTimeout = d
		}
	}
}

// WithMetrics sets the chunk metrics sink.
func WithMetrics(m Metrics) Option { return func(e *Executor) { e.metrics = m } }

// WithTimeProvider sets the clock used for chunk timings.
func WithTimeProvider(p timeutil.Provider) Option { return func(e *Executor) { e.clock = p } }

// Executor runs tasks chunk by chunk. It is safe to reuse across runs but a single run is
// strictly sequential.
type Executor struct {
	store     entity.Store
	validator Validator

	chunkSize    int
	chunkTimeout time.Duration
	metrics      Metrics
	clock        timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

// New creates an Executor. validator may be nil, in which case deletes are not checked.
func New(
	store entity.Store,
	validator Validator,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) *Executor {
	e := &Executor{
		store:        store,
		validator:    validator,
		chunkSize:    DefaultChunkSize,
		chunkTimeout: DefaultChunkTimeout,
		metrics:      nopMetrics{},
		clock:        timeutil.Default(),
		logger:       log.With("component", "executor"),
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ChunkSize returns the configured rows per chunk.
func (e *Executor) ChunkSize() int { return e.chunkSize }

// Run executes tasks in order. It stops at the first failing chunk and runs no further
// tasks. Cancellation of ctx is honored between chunks: a chunk that has started always
// commits or rolls back on its own timeout.
func (e *Executor) Run(ctx context.Context, branchID int64, tasks []Task, progress ProgressFunc) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "executor.Run", trace.WithAttributes(
		attribute.Int64("branch_id", branchID),
		attribute.Int("tasks", len(tasks)),
		attribute.Int("chunk_size", e.chunkSize),
	))
	defer span.End()

	var res Result
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "run cancelled")
			return res, err
		}

		tr, err := e.runTask(ctx, branchID, task, progress)
		res.Tasks = append(res.Tasks, tr)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "task failed")
			return res, err
		}
	}

	span.SetAttributes(attribute.Int64("processed", res.Processed()))
	span.SetStatus(codes.Ok, "all tasks completed")
	return res, nil
}

func (e *Executor) runTask(ctx context.Context, branchID int64, task Task, progress ProgressFunc) (TaskResult, error) {
	ctx, span := e.tracer.Start(ctx, "executor.Task", trace.WithAttributes(
		attribute.String("kind", task.Kind.String()),
		attribute.String("action", task.Action.String()),
	))
	defer span.End()

	tr := TaskResult{Kind: task.Kind}
	if task.Action == ActionUpdate && task.Assign == nil {
		return tr, fmt.Errorf("update task for %s has no assign func", task.Kind)
	}

	total, err := e.store.Count(ctx, task.Kind, task.Filter)
	if err != nil {
		span.RecordError(err)
		return tr, &entity.ChunkTransactionError{Kind: task.Kind, BranchID: branchID, Err: err}
	}
	tr.Total = total
	span.SetAttributes(attribute.Int64("total", total))

	for chunk := 0; ; chunk++ {
		if chunk > 0 {
			if err := ctx.Err(); err != nil {
				return tr, err
			}
		}

		start := tr.Processed
		fetched, rows, err := e.runChunk(ctx, branchID, task, start)
		if err != nil {
			e.metrics.IncChunkFailure(ctx, task.Kind.String(), task.Action.String())
			span.RecordError(err)
			span.SetStatus(codes.Error, "chunk failed")

			e.logger.Error(ctx, "chunk failed",
				"kind", task.Kind,
				"branch_id", branchID,
				"chunk", chunk,
				"chunk_start", start,
				"committed", tr.Processed,
				"error", err,
			)
			var depErr *entity.DependencyOrderError
			if errors.As(err, &depErr) {
				depErr.ChunkIndex = chunk
				depErr.ChunkStart = start
				return tr, err
			}
			return tr, &entity.ChunkTransactionError{
				Kind:       task.Kind,
				BranchID:   branchID,
				ChunkIndex: chunk,
				ChunkStart: start,
				Committed:  tr.Processed,
				Err:        err,
			}
		}
		if fetched == 0 {
			break
		}

		tr.Processed += int64(fetched)
		tr.Chunks++
		if tr.Processed > tr.Total {
			// Rows appeared after the count; reporting must never go backwards.
			tr.Total = tr.Processed
		}

		if progress != nil {
			progress(ctx, Progress{
				Kind:       task.Kind,
				Action:     task.Action,
				Processed:  tr.Processed,
				Total:      tr.Total,
				Chunk:      chunk,
				ChunkStart: start,
				Rows:       rows,
			})
		}

		if fetched < e.chunkSize {
			break
		}
	}

	span.SetAttributes(attribute.Int64("processed", tr.Processed), attribute.Int("chunks", tr.Chunks))
	return tr, nil
}

// runChunk selects and mutates one chunk inside a single transaction. It returns the
// number of ids selected and the number of rows the mutation reported.
func (e *Executor) runChunk(ctx context.Context, branchID int64, task Task, start int64) (int, int64, error) {
	// The chunk must not be torn down by a caller cancelling mid-transaction; only its own
	// timeout applies.
	chunkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.chunkTimeout)
	defer cancel()

	chunkCtx, span := e.tracer.Start(chunkCtx, "executor.Chunk", trace.WithAttributes(
		attribute.String("kind", task.Kind.String()),
		attribute.Int64("chunk_start", start),
	))
	defer span.End()

	began := e.clock.Now()
	var (
		fetched int
		rows    int64
	)
	err := e.store.WithTransaction(chunkCtx, func(ctx context.Context, tx entity.Tx) error {
		offset := 0
		if task.Action == ActionUpdate {
			offset = int(start)
		}
		ids, err := tx.FindIDs(ctx, task.Kind, task.Filter, task.Order, offset, e.chunkSize)
		if err != nil {
			return fmt.Errorf("selecting chunk: %w", err)
		}
		fetched = len(ids)
		if fetched == 0 {
			return nil
		}

		switch task.Action {
		case ActionDelete:
			rows, err = e.deleteChunk(ctx, tx, branchID, task.Kind, ids)
		case ActionUpdate:
			rows, err = tx.UpdateMany(ctx, task.Kind, task.Assign(ids, start))
			if err != nil {
				err = fmt.Errorf("updating %d rows: %w", len(ids), err)
			}
		default:
			err = fmt.Errorf("unsupported action %s", task.Action)
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chunk rolled back")
		return 0, 0, err
	}

	if fetched > 0 {
		e.metrics.ObserveChunk(ctx, task.Kind.String(), task.Action.String(), rows, e.clock.Since(began))
	}
	span.SetAttributes(attribute.Int("fetched", fetched), attribute.Int64("rows", rows))
	return fetched, rows, nil
}

func (e *Executor) deleteChunk(
	ctx context.Context,
	tx entity.Tx,
	branchID int64,
	kind entity.Kind,
	ids []int64,
) (int64, error) {
	if e.validator != nil {
		if err := e.validator.CheckNoDanglingReferences(ctx, tx, kind, branchID, ids); err != nil {
			return 0, err
		}
	}

	n, err := tx.DeleteMany(ctx, kind, ids)
	if err != nil {
		return 0, fmt.Errorf("deleting %d rows: %w", len(ids), err)
	}
	if n == 0 {
		return 0, errStalled
	}

	if e.validator != nil {
		if err := e.validator.CheckNoDanglingReferences(ctx, tx, kind, branchID, ids); err != nil {
			return 0, err
		}
	}
	return n, nil
}

type nopMetrics struct{}

func (nopMetrics) ObserveChunk(context.Context, string, string, int64, time.Duration) {}
func (nopMetrics) IncChunkFailure(context.Context, string, string)                    {}
