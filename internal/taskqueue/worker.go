package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"homehub/internal/metrics"
	"homehub/internal/models"
)

// Worker consumes notification jobs.
type Worker struct {
	srv       *asynq.Server
	mux       *asynq.ServeMux
	deliverer Deliverer
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewWorker(redisAddr string, deliverer Deliverer, logger *zap.Logger, m *metrics.Metrics) *Worker {
	w := &Worker{
		srv: asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
			Concurrency: 10,
			Logger:      logger.Sugar(),
		}),
		mux:       asynq.NewServeMux(),
		deliverer: deliverer,
		logger:    logger,
		metrics:   m,
	}
	w.mux.HandleFunc(TypeTaskUpcoming, w.handle)
	w.mux.HandleFunc(TypeTaskFailed, w.handle)
	return w
}

// Start runs the workers in the background.
func (w *Worker) Start() error {
	w.logger.Info("starting notification workers")
	if err := w.srv.Start(w.mux); err != nil {
		return fmt.Errorf("start notification workers: %w", err)
	}
	return nil
}

func (w *Worker) Stop() {
	w.logger.Info("stopping notification workers")
	w.srv.Shutdown()
}

func (w *Worker) handle(ctx context.Context, t *asynq.Task) error {
	var n models.Notification
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		w.metrics.NotificationProcessed(t.Type(), "malformed")
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if err := w.deliverer.Deliver(ctx, n); err != nil {
		w.metrics.NotificationProcessed(string(n.Kind), "failed")
		w.logger.Warn("notification delivery failed",
			zap.String("task_id", n.TaskID),
			zap.String("kind", string(n.Kind)),
			zap.Error(err))
		return err
	}
	w.metrics.NotificationProcessed(string(n.Kind), "delivered")
	return nil
}
