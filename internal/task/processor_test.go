package task

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ReceiptChain/internal/anchor"
	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/ledger"
	"ReceiptChain/internal/observability/alerting"
	"ReceiptChain/internal/receipt"
	storage "ReceiptChain/internal/storage/mysql"
)

type countingExecutor struct {
	processed atomic.Int32
	latency   time.Duration
}

func (f *countingExecutor) Execute(ctx context.Context, task *Task) (*CommitResult, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.processed.Add(1)
	return &CommitResult{TxReference: "tx-" + task.ReceiptID, Ledger: "bitcoin", Status: ledger.StatusPending}, nil
}

// flakyCommitter fails the first failures commits with a ledger outage and
// then commits, applying the chain reference like the anchor manager.
type flakyCommitter struct {
	mu       sync.Mutex
	failures int
	calls    int
	err      error
	requests []anchor.CommitRequest
}

func (c *flakyCommitter) Commit(_ context.Context, req anchor.CommitRequest) (ledger.Commitment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.requests = append(c.requests, req)
	if c.err != nil {
		return ledger.Commitment{}, c.err
	}
	commitment := ledger.Commitment{
		TxReference: fmt.Sprintf("tx-%d", c.calls),
		Ledger:      "bitcoin",
		Status:      ledger.StatusPending,
		FeePaid:     big.NewInt(420),
		SubmittedAt: time.Now().UTC(),
	}
	status := receipt.ChainCommitted
	if c.calls <= c.failures {
		commitment = ledger.Commitment{Ledger: "bitcoin", Status: ledger.StatusFailed, FailureReason: "rpc unreachable"}
		status = receipt.ChainFailed
	}
	err := req.Receipt.ApplyChainReference(receipt.ChainReference{
		Ledger: commitment.Ledger, TransactionID: commitment.TxReference, Status: status,
	})
	return commitment, err
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, e alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
	return nil
}

func storedReceipt(t *testing.T, repo *storage.MemoryReceiptRepository, id string) {
	t.Helper()
	require.NoError(t, repo.Save(context.Background(), &receipt.Receipt{
		ReceiptID:     id,
		PackageHash:   "ab12",
		HashAlgorithm: receipt.HashSHA256,
		CreatedAt:     time.Now().UTC(),
		Signature:     "sig",
	}))
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &countingExecutor{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, SubmitRequest{ReceiptID: fmt.Sprintf("r-%d", i)}); err != nil {
			t.Fatalf("submit task: %v", err)
		}
	}

	require.Eventually(t, func() bool {
		stats, err := service.Stats(ctx)
		return err == nil && stats.Succeeded == total
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(total), executor.processed.Load())
}

func TestCommitJobRetriesLedgerFailures(t *testing.T) {
	ctx := context.Background()
	repo, err := storage.NewMemoryReceiptRepository("")
	require.NoError(t, err)
	storedReceipt(t, repo, "r-1")

	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	committer := &flakyCommitter{failures: 1}
	alerts := &recordingDispatcher{}
	processor := NewProcessor(NewCommitExecutor(repo, committer), store, queue, queue, WithAlertDispatcher(alerts))
	service := NewService(store, queue, 3)

	job, err := service.Submit(ctx, SubmitRequest{ID: "job-1", ReceiptID: "r-1", Ledger: "bitcoin", Classification: "classified"})
	require.NoError(t, err)
	again, err := service.Submit(ctx, SubmitRequest{ID: "job-1", ReceiptID: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	require.Equal(t, 1, queue.Len())
	<-queueDrain(queue)

	require.NoError(t, processor.Handle(ctx, "job-1"))
	afterFailure, err := service.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, afterFailure.Status)
	assert.Equal(t, string(xerrors.CodeLedgerUnavailable), afterFailure.ErrorCode)
	assert.Equal(t, 1, queue.Len(), "failed commit is republished")

	r, err := repo.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, receipt.ChainFailed, r.ChainReference.Status)

	<-queueDrain(queue)
	require.NoError(t, processor.Handle(ctx, "job-1"))
	done, err := service.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
	assert.Equal(t, "tx-2", done.Result.TxReference)
	assert.Equal(t, "420", done.Result.FeePaid)
	assert.Equal(t, 2, done.Attempts)

	r, err = repo.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, receipt.ChainCommitted, r.ChainReference.Status)
	assert.Equal(t, "tx-2", r.ChainReference.TransactionID)

	for _, req := range committer.requests {
		assert.Nil(t, req.Package, "jobs never carry the package")
		assert.Equal(t, "classified", req.Classification)
	}
	require.Len(t, alerts.events, 1)
	assert.Equal(t, "retry", alerts.events[0].Metadata["stage"])

	// Redelivery of a finished job is a no-op.
	require.NoError(t, processor.Handle(ctx, "job-1"))
	assert.Equal(t, 2, committer.calls)
}

func TestCommitJobPolicyDenialIsTerminal(t *testing.T) {
	ctx := context.Background()
	repo, err := storage.NewMemoryReceiptRepository("")
	require.NoError(t, err)
	storedReceipt(t, repo, "r-1")

	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	committer := &flakyCommitter{err: xerrors.New(xerrors.CodeLedgerDenied, "ledger ethereum not permitted for tier classified")}
	alerts := &recordingDispatcher{}
	processor := NewProcessor(NewCommitExecutor(repo, committer), store, queue, queue, WithAlertDispatcher(alerts))
	service := NewService(store, queue, 3)

	_, err = service.Submit(ctx, SubmitRequest{ID: "job-1", ReceiptID: "r-1", Ledger: "ethereum", Classification: "secret"})
	require.NoError(t, err)
	<-queueDrain(queue)

	require.NoError(t, processor.Handle(ctx, "job-1"))
	job, err := service.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, string(xerrors.CodeLedgerDenied), job.ErrorCode)
	assert.Equal(t, 0, queue.Len(), "policy denial is not retried")
	require.Len(t, alerts.events, 1)
	assert.Equal(t, "non_retryable", alerts.events[0].Metadata["stage"])

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	final, err := service.WaitUntilCompleted(waitCtx, "job-1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
}

func TestCommitJobExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	repo, err := storage.NewMemoryReceiptRepository("")
	require.NoError(t, err)
	storedReceipt(t, repo, "r-1")

	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	alerts := &recordingDispatcher{}
	processor := NewProcessor(NewCommitExecutor(repo, &flakyCommitter{failures: 10}), store, queue, queue,
		WithAlertDispatcher(alerts))
	service := NewService(store, queue, 2)

	_, err = service.Submit(ctx, SubmitRequest{ID: "job-1", ReceiptID: "r-1"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		<-queueDrain(queue)
		require.NoError(t, processor.Handle(ctx, "job-1"))
		if queue.Len() == 0 {
			break
		}
	}

	job, err := service.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
	last := alerts.events[len(alerts.events)-1]
	assert.Equal(t, "terminal", last.Metadata["stage"])
	assert.Equal(t, "r-1", last.ReceiptID)
}

func TestCommitJobMissingReceipt(t *testing.T) {
	ctx := context.Background()
	repo, err := storage.NewMemoryReceiptRepository("")
	require.NoError(t, err)
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	processor := NewProcessor(NewCommitExecutor(repo, &flakyCommitter{}), store, queue, queue)
	service := NewService(store, queue, 3)

	_, err = service.Submit(ctx, SubmitRequest{ID: "job-1", ReceiptID: "ghost"})
	require.NoError(t, err)
	require.NoError(t, processor.Handle(ctx, "job-1"))

	job, err := service.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, string(xerrors.CodeNotFound), job.ErrorCode)
}

func TestServiceSubmitValidation(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(1), 0)
	_, err := service.Submit(context.Background(), SubmitRequest{})
	assert.Equal(t, CodeTaskValidation, xerrors.CodeOf(err))

	_, err = NewService(nil, nil, 1).Submit(context.Background(), SubmitRequest{ReceiptID: "r"})
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	queue := NewMemoryQueue(1)
	require.NoError(t, queue.Close())
	store := NewMemoryStore()
	service := NewService(store, queue, 3)

	_, err := service.Submit(context.Background(), SubmitRequest{ID: "job-1", ReceiptID: "r"})
	assert.Equal(t, CodeTaskPublish, xerrors.CodeOf(err))
	job, getErr := store.Get(context.Background(), "job-1")
	require.NoError(t, getErr)
	assert.Equal(t, StatusFailed, job.Status)
}

func TestRedisQueueDeliversJobs(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	queue := NewRedisQueueFromClient(client, "test:commits", 50*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, queue.Publish(ctx, id))
	}

	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(ctx, 1, func(_ context.Context, id string) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, id)
			if len(seen) == 3 {
				cancel()
			}
			return nil
		})
	}()

	<-ctx.Done()
	<-done
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	require.NoError(t, queue.Close())
	assert.NoError(t, client.Ping(context.Background()).Err(), "shared client stays open")
}

// queueDrain takes one pending ID off a memory queue.
func queueDrain(q *MemoryQueue) <-chan string {
	return q.ch
}
