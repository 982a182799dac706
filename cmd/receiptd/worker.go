package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ReceiptChain/internal/observability/metrics"
	"ReceiptChain/internal/task"
	"ReceiptChain/pkg/logger"
)

type workerOptions struct {
	submit         []string
	ledger         string
	classification string
	once           bool
}

func newWorkerCmd(a *app) *cobra.Command {
	var opts workerOptions
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the commit worker",
		Long: "Consumes commit jobs, commits the receipts and records their chain references." +
			" Failed commitments are retried up to worker.max_retries; terminal failures raise alerts." +
			" Prometheus metrics are served on worker.metrics_address when set.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runWorker(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.submit, "submit", nil, "Receipt IDs to queue at start-up.")
	cmd.Flags().StringVar(&opts.ledger, "ledger", "", "Ledger for jobs queued with --submit.")
	cmd.Flags().StringVar(&opts.classification, "classification", "", "Classification for jobs queued with --submit.")
	cmd.Flags().BoolVar(&opts.once, "once", false, "Exit once the jobs queued with --submit are finished.")
	return cmd
}

func (a *app) runWorker(ctx context.Context, opts workerOptions) error {
	log := logger.Named("worker")

	receipts, err := a.openReceipts(ctx)
	if err != nil {
		return err
	}
	defer receipts.Close()

	registry, err := a.openRegistry(ctx)
	if err != nil {
		return err
	}
	defer registry.Close()
	m, err := a.manager(registry, "")
	if err != nil {
		return err
	}

	store, err := a.openTaskStore(ctx)
	if err != nil {
		return err
	}
	queue, err := a.openQueue(ctx)
	if err != nil {
		store.Close()
		return err
	}
	svc := task.NewService(store, queue, a.cfg.Worker.MaxRetries)
	defer svc.Close()

	processor := task.NewProcessor(task.NewCommitExecutor(receipts, m), store, queue, queue,
		task.WithProcessorLogger(log),
		task.WithWorkerCount(a.cfg.Worker.Concurrency),
		task.WithAttemptTimeout(a.cfg.CommitTimeout()),
		task.WithAlertDispatcher(a.alerts()),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return processor.Start(gctx)
	})

	if addr := a.cfg.Worker.MetricsAddress; addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("serving metrics", slog.String("address", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	ids, err := a.submitStartupJobs(gctx, svc, opts)
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	if opts.once {
		g.Go(func() error {
			defer cancel()
			for _, id := range ids {
				t, err := svc.WaitUntilCompleted(gctx, id, 200*time.Millisecond)
				if err != nil {
					return err
				}
				log.Info("commit job finished",
					slog.String("task_id", t.ID),
					slog.String("receipt_id", t.ReceiptID),
					slog.String("status", string(t.Status)))
			}
			return nil
		})
	}

	log.Info("commit worker started",
		slog.String("queue", a.cfg.Queue.Driver),
		slog.String("task_store", a.cfg.Storage.Tasks.Driver),
		slog.Int("concurrency", a.cfg.Worker.Concurrency))
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *app) submitStartupJobs(ctx context.Context, svc *task.Service, opts workerOptions) ([]string, error) {
	ids := make([]string, 0, len(opts.submit))
	for _, receiptID := range opts.submit {
		t, err := svc.Submit(ctx, task.SubmitRequest{
			ReceiptID:      receiptID,
			Ledger:         opts.ledger,
			Classification: opts.classification,
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
