// scheduler.go — планировщик выполнения заданий.
//
// Владеет единственным счётчиком пермитов (semaphore.Weighted размера
// max_concurrent_jobs). Submit ставит воркер-горутину на задание;
// воркер ждёт пермит (FIFO), допускает задание через JobManager,
// выполняет скрипт и фиксирует результат. Освобождение пермита
// привязано к завершению воркера через defer: паника тоже освобождает.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"github.com/bigkaa/datalab/automation-module/internal/runner"
	"github.com/bigkaa/datalab/automation-module/internal/storage/blobstore"
)

// Prometheus метрики планировщика.
var (
	jobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "au_jobs_running",
		Help: "Количество заданий, выполняемых в данный момент.",
	})
	permitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "au_permit_wait_seconds",
		Help:    "Время ожидания пермита воркером в секундах.",
		Buckets: []float64{0.001, 0.01, 0.1, 1, 10, 60, 300},
	})
)

// Scheduler — планировщик выполнения заданий с ограничением
// одновременности.
type Scheduler struct {
	jobs      *JobManager
	store     Store
	blobs     *blobstore.Store
	runner    *runner.Runner
	outputDir string

	// permits — счётчик пермитов; ожидающие обслуживаются FIFO
	permits *semaphore.Weighted
	// onOutputs — обратный вызов движка для новых загрузок
	// (повторный запуск резолвера, конвейеры)
	onOutputs func(ctx context.Context, uploadIDs []string)

	// runCtx отменяется при остановке: прерывает ожидание пермита
	// и работающие скрипты
	runCtx context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	grace   time.Duration
	logger  *slog.Logger
}

// NewScheduler создаёт планировщик.
// maxConcurrent — размер пула пермитов; grace — ожидание работающих
// скриптов при остановке; outputDir — корень временных директорий.
func NewScheduler(
	jobs *JobManager,
	store Store,
	blobs *blobstore.Store,
	run *runner.Runner,
	maxConcurrent int,
	grace time.Duration,
	outputDir string,
	logger *slog.Logger,
) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:      jobs,
		store:     store,
		blobs:     blobs,
		runner:    run,
		outputDir: outputDir,
		permits:   semaphore.NewWeighted(int64(maxConcurrent)),
		runCtx:    ctx,
		cancel:    cancel,
		grace:     grace,
		logger:    logger.With(slog.String("component", "scheduler")),
	}
}

// SetOnOutputs задаёт обратный вызов для зарегистрированных выходов.
// Вызывается один раз при сборке движка, до первого Submit.
func (s *Scheduler) SetOnOutputs(fn func(ctx context.Context, uploadIDs []string)) {
	s.onOutputs = fn
}

// Submit ставит воркер на задание и сразу возвращает управление.
// После Close вызов игнорируется: строка submitted останется в БД
// и будет подхвачена при следующем старте.
func (s *Scheduler) Submit(jobID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("планировщик остановлен, задание отложено",
			slog.String("job_id", jobID),
		)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.worker(jobID)
}

// worker — жизненный цикл одного задания: пермит → допуск →
// выполнение → фиксация результата.
func (s *Scheduler) worker(jobID string) {
	defer s.wg.Done()

	waitStart := time.Now()
	if err := s.permits.Acquire(s.runCtx, 1); err != nil {
		// Остановка во время ожидания пермита: задание остаётся
		// в submitted, подберёт восстановление при старте
		return
	}
	defer s.permits.Release(1)
	permitWaitSeconds.Observe(time.Since(waitStart).Seconds())

	ctx := s.runCtx

	if err := s.jobs.Admit(ctx, jobID); err != nil {
		// Задание отменено или уже завершено — пермит возвращается
		s.logger.Debug("допуск отклонён",
			slog.String("job_id", jobID),
			slog.String("reason", err.Error()),
		)
		return
	}

	jobsRunning.Inc()
	defer jobsRunning.Dec()

	// Временная директория задания живёт до фиксации результата:
	// FinishOK читает из неё выходные файлы
	jobDir := filepath.Join(s.outputDir, jobID)
	defer os.RemoveAll(jobDir)

	outputs, runErr := s.execute(ctx, jobID, jobDir)
	if runErr != nil {
		var scriptErr *runner.Error
		if !errors.As(runErr, &scriptErr) {
			// Не ошибка скрипта, а инфраструктуры (БД, диск):
			// задание остаётся в running, его закроет сверка
			s.logger.Error("ошибка подготовки задания",
				slog.String("job_id", jobID),
				slog.String("error", runErr.Error()),
			)
			return
		}
		if err := s.jobs.FinishFail(ctx, jobID, runErr.Error()); err != nil {
			// Транзакция не прошла: задание остаётся в running,
			// его завершит сверка
			s.logger.Error("ошибка фиксации неуспеха",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	newIDs, err := s.jobs.FinishOK(ctx, jobID, outputs)
	if err != nil {
		s.logger.Error("ошибка фиксации успеха",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}

	// Выходы снова проходят резолвер — конвейеры
	if s.onOutputs != nil && len(newIDs) > 0 {
		s.onOutputs(ctx, newIDs)
	}
}

// execute подготавливает входы, выполняет скрипт и возвращает
// выходные файлы внутри jobDir.
func (s *Scheduler) execute(ctx context.Context, jobID, jobDir string) ([]Output, error) {
	repos := s.store.Repos()

	job, err := repos.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("задание недоступно: %w", err)
	}
	upload, err := repos.Uploads.GetByID(ctx, job.UploadID)
	if err != nil {
		return nil, fmt.Errorf("загрузка недоступна: %w", err)
	}
	scriptSource, err := s.blobs.ReadScript(job.ScriptFilename)
	if err != nil {
		return nil, fmt.Errorf("скрипт недоступен: %w", err)
	}

	if err := os.MkdirAll(jobDir, 0o750); err != nil {
		return nil, fmt.Errorf("ошибка создания выходной директории: %w", err)
	}

	inputPath := s.blobs.UploadPath(upload.Filename)

	paths, err := s.runner.Run(ctx, scriptSource, inputPath, jobDir)
	if err != nil {
		return nil, err
	}

	outputs := make([]Output, 0, len(paths))
	for _, p := range paths {
		outputs = append(outputs, Output{Path: p, Filename: filepath.Base(p)})
	}
	return outputs, nil
}

// Close останавливает планировщик: новые Submit игнорируются,
// работающие скрипты получают grace на завершение, затем контекст
// отменяется (SIGTERM/SIGKILL группам процессов). Незавершённые
// задания остаются в running — их закроет сверка при старте.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("планировщик остановлен, все воркеры завершились")
	case <-time.After(s.grace):
		s.logger.Warn("истёк grace период, прерывание работающих скриптов")
		s.cancel()
		<-done
		s.logger.Info("планировщик остановлен")
	}
	s.cancel()
}
