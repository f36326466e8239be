package payments

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// ReconcileJob retries failed settlements on a cron schedule.
type ReconcileJob struct {
	settler  *Settler
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger
}

func NewReconcileJob(settler *Settler, schedule string, logger *slog.Logger) *ReconcileJob {
	return &ReconcileJob{
		settler:  settler,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.With("component", "settlement_reconcile_job"),
	}
}

func (j *ReconcileJob) Start() error {
	_, err := j.cron.AddFunc(j.schedule, j.run)
	if err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("settlement reconcile job started", "schedule", j.schedule)
	return nil
}

func (j *ReconcileJob) run() {
	failed := j.settler.FailedCount()
	if failed == 0 {
		return
	}
	ctx := context.Background()
	ok := j.settler.Reconcile(ctx)
	j.logger.InfoContext(ctx, "settlement reconcile run", "retried", failed, "settled", ok)
}

// Stop waits for a running reconcile pass to finish.
func (j *ReconcileJob) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("settlement reconcile job stopped")
}
