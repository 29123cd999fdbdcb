package scheduler

import (
	"context"
	"fmt"

	"agency_portal_backend/internal/bids/service"
	"agency_portal_backend/platform/config"
	"agency_portal_backend/platform/logger"

	"github.com/hibiken/asynq"
)

// Worker executes queued bid runs.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	runner service.Runner
	log    *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, runner service.Runner, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 4
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	w := &Worker{
		server: server,
		runner: runner,
		log:    log,
	}
	w.mux = w.routes()
	return w, nil
}

func (w *Worker) routes() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskGenerateBidDocuments, w.handleBidRun)
	mux.HandleFunc(TaskGenerateBidEnvelope, w.handleBidRun)
	return mux
}

// handleBidRun executes the run. Run failures are recorded on the proposal,
// so only malformed payloads are reported back to the queue.
func (w *Worker) handleBidRun(ctx context.Context, task *asynq.Task) error {
	job, err := ParseBidRunPayload(task)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	outcome := w.runner.Run(ctx, job)
	w.log.Info("bid run finished",
		"runId", job.RunID,
		"kind", job.Kind,
		"proposalId", job.ProposalID,
		"status", outcome.Status,
		"superseded", outcome.Superseded,
		"failedDocuments", len(outcome.FailedDocuments()),
	)
	return nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}
