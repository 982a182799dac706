package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/pkg/logger"
)

// SubmitRequest asks for a stored receipt to be anchored. ID makes the
// submission idempotent: resubmitting the same ID returns the existing job.
type SubmitRequest struct {
	ID             string
	ReceiptID      string
	Ledger         string
	Classification string
	Metadata       map[string]any
}

// Service creates and queries commit jobs.
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit records a pending job and publishes its ID.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if strings.TrimSpace(req.ReceiptID) == "" {
		return nil, xerrors.New(CodeTaskValidation, "receipt id is required")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "task service not initialised")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		existing, err := s.store.Get(ctx, taskID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	task := &Task{
		ID:             taskID,
		ReceiptID:      req.ReceiptID,
		Ledger:         req.Ledger,
		Classification: req.Classification,
		Metadata:       cloneMetadata(req.Metadata),
		Status:         StatusPending,
		MaxRetries:     s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			if existing, getErr := s.store.Get(ctx, taskID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("publish task failed", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "publish task")
		_ = s.store.MarkFailed(ctx, taskID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("commit job queued",
		slog.String("task_id", taskID),
		slog.String("receipt_id", task.ReceiptID),
		slog.String("ledger", task.Ledger),
		slog.String("classification", task.Classification),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "task store not initialised")
	}
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "task store not initialised")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "task store not initialised")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close closes the store and the producer.
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted polls until the job succeeds or fails for good.
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
