// reconcile.go — сверка зависших заданий.
//
// Два сценария:
//  1. При старте процесса: running задания прошлого запуска закрываются
//     как failed ("interrupted"), submitted задания снова отдаются
//     планировщику.
//  2. Периодически: running задания, чей started_at старше
//     runner_timeout + shutdown_grace, закрываются как failed —
//     их воркер погиб, не зафиксировав результат.
//
// Запускается как горутина с периодическим тикером (AU_RECONCILE_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/datalab/automation-module/internal/domain/model"
)

// Prometheus метрики сверки.
var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "au_reconcile_runs_total",
		Help: "Общее количество запусков сверки.",
	})
	reconcileInterruptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "au_reconcile_interrupted_total",
		Help: "Общее количество заданий, закрытых сверкой как interrupted.",
	})
	reconcileResubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "au_reconcile_resubmitted_total",
		Help: "Общее количество заданий, повторно отданных планировщику.",
	})
)

// interruptedMessage — сообщение об ошибке заданий, прерванных
// остановкой или падением процесса.
const interruptedMessage = "interrupted"

// ReconcileResult — результат одного запуска сверки.
type ReconcileResult struct {
	// Interrupted — количество заданий, закрытых как failed
	Interrupted int
	// Resubmitted — количество заданий, снова отданных планировщику
	Resubmitted int
	// Errors — количество ошибок при обработке заданий
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// Reconciler — сервис сверки зависших заданий.
type Reconciler struct {
	store Store
	jobs  *JobManager
	sched *Scheduler
	// staleAfter — возраст running задания, после которого оно
	// считается зависшим (runner_timeout + shutdown_grace)
	staleAfter time.Duration
	interval   time.Duration
	logger     *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
}

// NewReconciler создаёт сервис сверки.
func NewReconciler(
	store Store,
	jobs *JobManager,
	sched *Scheduler,
	staleAfter, interval time.Duration,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		store:      store,
		jobs:       jobs,
		sched:      sched,
		staleAfter: staleAfter,
		interval:   interval,
		logger:     logger.With(slog.String("component", "reconcile")),
	}
}

// RecoverAtStartup выполняет восстановление после рестарта процесса:
// все running задания прошлого запуска закрываются как failed
// (их воркеры мертвы), submitted задания снова отдаются планировщику.
// Вызывается один раз до старта HTTP-сервера.
func (rc *Reconciler) RecoverAtStartup(ctx context.Context) (*ReconcileResult, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	start := time.Now()
	result := &ReconcileResult{}
	repos := rc.store.Repos()

	// Все running — сироты: процесс только что стартовал
	running, err := repos.Jobs.ListByStatus(ctx, model.StatusRunning)
	if err != nil {
		return nil, err
	}
	for _, job := range running {
		if err := rc.jobs.FinishFail(ctx, job.ID, interruptedMessage); err != nil {
			rc.logger.Error("сверка: ошибка закрытия задания",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		result.Interrupted++
	}

	// Submitted задания прошлого запуска — обратно в очередь
	submitted, err := repos.Jobs.ListByStatus(ctx, model.StatusSubmitted)
	if err != nil {
		return nil, err
	}
	for _, job := range submitted {
		rc.sched.Submit(job.ID)
		result.Resubmitted++
	}

	result.Duration = time.Since(start)
	reconcileInterruptedTotal.Add(float64(result.Interrupted))
	reconcileResubmittedTotal.Add(float64(result.Resubmitted))

	rc.logger.Info("восстановление после старта завершено",
		slog.Int("interrupted", result.Interrupted),
		slog.Int("resubmitted", result.Resubmitted),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

// Start запускает фоновую горутину сверки с периодическим тикером.
func (rc *Reconciler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	rc.cancel = cancel

	go rc.run(runCtx)

	rc.logger.Info("сверка запущена",
		slog.String("interval", rc.interval.String()),
	)
}

// Stop останавливает фоновый процесс сверки.
func (rc *Reconciler) Stop() {
	if rc.cancel != nil {
		rc.cancel()
	}
	rc.logger.Info("сверка остановлена")
}

// run — основной цикл фоновой горутины.
func (rc *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл сверки: running задания старше
// staleAfter закрываются как failed ("interrupted").
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
func (rc *Reconciler) RunOnce(ctx context.Context) *ReconcileResult {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	start := time.Now()
	result := &ReconcileResult{}
	reconcileRunsTotal.Inc()

	cutoff := time.Now().UTC().Add(-rc.staleAfter)

	running, err := rc.store.Repos().Jobs.ListByStatus(ctx, model.StatusRunning)
	if err != nil {
		rc.logger.Error("сверка: ошибка выборки running заданий",
			slog.String("error", err.Error()),
		)
		result.Errors++
		return result
	}

	for _, job := range running {
		if job.StartedAt == nil || job.StartedAt.After(cutoff) {
			continue
		}
		if err := rc.jobs.FinishFail(ctx, job.ID, interruptedMessage); err != nil {
			rc.logger.Error("сверка: ошибка закрытия задания",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		result.Interrupted++
	}

	result.Duration = time.Since(start)
	reconcileInterruptedTotal.Add(float64(result.Interrupted))

	if result.Interrupted > 0 || result.Errors > 0 {
		rc.logger.Info("сверка завершена",
			slog.Int("interrupted", result.Interrupted),
			slog.Int("errors", result.Errors),
			slog.Duration("duration", result.Duration),
		)
	}
	return result
}
