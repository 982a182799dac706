package task

import "context"

// Handler processes one job ID taken from a queue.
type Handler func(ctx context.Context, taskID string) error

// Producer enqueues job IDs.
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer runs handler on queued job IDs until ctx ends.
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue is both ends of a job queue.
type Queue interface {
	Producer
	Consumer
}
