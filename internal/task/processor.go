package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/observability/alerting"
	"ReceiptChain/pkg/logger"
)

// Executor runs one attempt of a commit job.
type Executor interface {
	Execute(ctx context.Context, task *Task) (*CommitResult, error)
}

// Processor consumes job IDs, claims each job and hands it to the executor.
// Retryable failures are re-published until MaxRetries attempts are spent.
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	timeout     time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption customises a Processor.
type ProcessorOption func(*Processor)

func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = logger }
}

// WithWorkerCount sets how many jobs run concurrently.
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAttemptTimeout bounds a single execution.
func WithAttemptTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.timeout = d }
}

func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("task")
	}
	return p
}

// Start consumes until ctx ends.
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "no task consumer configured")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle runs one job. It returns an error only when job state could not be
// recorded, so the queue can redeliver.
func (p *Processor) Handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "processor not initialised")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("skipping task", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("claim task failed", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	execCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	result, execErr := p.executor.Execute(execCtx, task)
	if execErr != nil {
		if stdErrors.Is(execErr, context.DeadlineExceeded) {
			execErr = xerrors.Wrap(xerrors.CodeTimeout, execErr, "commit attempt timed out")
		}
		return p.handleFailure(ctx, task, execErr)
	}

	var record CommitResult
	if result != nil {
		record = *result
	}
	if err := p.store.MarkSucceeded(ctx, task.ID, record); err != nil {
		p.logger.Error("mark task succeeded failed", slog.Any("error", err), slog.String("task_id", task.ID))
		if storeErr := p.store.MarkFailed(ctx, task.ID, CodeTaskProcessing, err.Error(), false); storeErr != nil {
			return storeErr
		}
		return p.republish(ctx, task)
	}
	logger.Audit().Info("commit job succeeded",
		slog.String("task_id", task.ID),
		slog.String("receipt_id", task.ReceiptID),
		slog.String("ledger", record.Ledger),
		slog.String("tx_reference", record.TxReference),
		slog.Int("attempts", task.Attempts),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if err := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); err != nil {
		p.logger.Error("mark task failed failed", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Warn("commit job failed",
		slog.String("task_id", task.ID),
		slog.String("receipt_id", task.ReceiptID),
		slog.String("ledger", task.Ledger),
		slog.Bool("terminal", terminal),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	stage := "retry"
	switch {
	case !retryable:
		stage = "non_retryable"
	case terminal:
		stage = "terminal"
	}
	if terminal || xerrors.ShouldAlert(execErr) {
		p.emitAlert(ctx, task, code, execErr, stage)
	}
	if terminal {
		return nil
	}
	return p.republish(ctx, task)
}

func (p *Processor) republish(ctx context.Context, task *Task) error {
	if p.producer == nil {
		return nil
	}
	if err := p.producer.Publish(ctx, task.ID); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, "republish task "+task.ID)
	}
	p.logger.Debug("task requeued", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:       code,
		Message:    attrs.Message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		ReceiptID:  task.ReceiptID,
		Ledger:     task.Ledger,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   map[string]string{"stage": stage},
		OccurredAt: time.Now().UTC(),
	}
	if cause != nil {
		event.Message = cause.Error()
		event.Metadata["cause"] = cause.Error()
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("alert delivery failed",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
