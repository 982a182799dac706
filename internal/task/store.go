package task

import (
	"context"

	xerrors "ReceiptChain/internal/errors"
)

// Store persists commit job state.
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim moves a pending job to running and counts the attempt.
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result CommitResult) error
	// MarkFailed records the error. A non-terminal failure puts the job back
	// to pending so it can be claimed again.
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
