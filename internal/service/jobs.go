// jobs.go — менеджер жизненного цикла заданий.
//
// Владеет конечным автоматом задания: создание (submitted), допуск
// к выполнению (running), фиксация результата (success/failed) и
// отмена. Все переходы с сопутствующими записями выполняются одной
// транзакцией; упавшая транзакция оставляет задание в running — его
// подберёт сверка (reconcile.go).
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/datalab/automation-module/internal/domain/model"
	"github.com/bigkaa/datalab/automation-module/internal/storage/blobstore"
)

// Prometheus метрики заданий.
var (
	jobsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "au_jobs_created_total",
		Help: "Общее количество созданных заданий.",
	})
	jobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "au_jobs_finished_total",
		Help: "Общее количество завершённых заданий по статусу.",
	}, []string{"status"})
)

// logExtension — тег-расширение журнала ошибок упавшего задания.
const logExtension = "log"

// Output — один выходной файл завершившегося скрипта.
type Output struct {
	// Path — абсолютный путь файла в выходной директории задания
	Path string
	// Filename — имя файла, данное скриптом (оригинальное имя новой загрузки)
	Filename string
}

// JobManager — менеджер конечного автомата заданий.
type JobManager struct {
	store  Store
	blobs  *blobstore.Store
	logger *slog.Logger
}

// NewJobManager создаёт JobManager.
func NewJobManager(store Store, blobs *blobstore.Store, logger *slog.Logger) *JobManager {
	return &JobManager{
		store:  store,
		blobs:  blobs,
		logger: logger.With(slog.String("component", "jobs")),
	}
}

// Create вставляет задание в статусе submitted и сразу возвращает
// управление — ожидания пермита здесь нет. Версия скрипта функции
// фиксируется в задании для аудита происхождения.
func (m *JobManager) Create(ctx context.Context, upload *model.Upload, function *model.Function) (*model.Job, error) {
	job := &model.Job{
		ID:             uuid.NewString(),
		UploadID:       upload.ID,
		FunctionID:     function.ID,
		ScriptFilename: function.ScriptFilename,
		Status:         model.StatusSubmitted,
		CreatedAt:      time.Now().UTC(),
	}

	if err := m.store.Repos().Jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	jobsCreatedTotal.Inc()

	m.logger.Info("задание создано",
		slog.String("job_id", job.ID),
		slog.String("upload_id", upload.ID),
		slog.String("function_id", function.ID),
	)
	return job, nil
}

// Admit выполняет CAS-переход submitted → running.
// ErrConflict, если задание уже отменено или завершено.
func (m *JobManager) Admit(ctx context.Context, jobID string) error {
	return m.store.Repos().Jobs.Transition(ctx, jobID,
		model.StatusSubmitted, model.StatusRunning, nil)
}

// FinishOK фиксирует успешное завершение: каждый выходной файл
// переносится в blobstore и регистрируется как новая загрузка с
// выходными тегами функции плюс тегом-расширением; на каждый выход
// пишется запись происхождения (success=true); задание переходит в
// success. Все записи — одна транзакция.
// Возвращает идентификаторы новых загрузок для повторного запуска
// резолвера (конвейеры).
func (m *JobManager) FinishOK(ctx context.Context, jobID string, outputs []Output) ([]string, error) {
	repos := m.store.Repos()

	job, err := repos.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	function, err := repos.Functions.GetByID(ctx, job.FunctionID)
	if err != nil {
		return nil, err
	}

	// Blob'ы переносятся до транзакции: файловая система не участвует
	// в откате, но осиротевший blob безвреден, а потерянная строка — нет.
	type staged struct {
		upload *model.Upload
		ext    string
	}
	stagedUploads := make([]staged, 0, len(outputs))
	for _, out := range outputs {
		ext := model.FileExt(out.Filename)
		res, err := m.blobs.ImportUpload(out.Path, ext)
		if err != nil {
			return nil, fmt.Errorf("ошибка переноса выходного файла: %w", err)
		}
		stagedUploads = append(stagedUploads, staged{
			upload: &model.Upload{
				ID:               uuid.NewString(),
				Filename:         res.Filename,
				OriginalFilename: out.Filename,
				FileSize:         res.Size,
				CreatedAt:        time.Now().UTC(),
			},
			ext: ext,
		})
	}

	newIDs := make([]string, 0, len(stagedUploads))
	err = m.store.InTx(ctx, func(r *Repos) error {
		for _, st := range stagedUploads {
			if err := r.Uploads.Create(ctx, st.upload); err != nil {
				return err
			}

			// Выходные теги функции
			for _, tagID := range function.OutputTagIDs() {
				if err := r.Tags.AddToUpload(ctx, st.upload.ID, tagID); err != nil {
					return err
				}
			}
			// Тег-расширение (создаётся при отсутствии)
			if st.ext != "" {
				extTag, err := r.Tags.GetOrCreateExtension(ctx, st.ext)
				if err != nil {
					return err
				}
				if err := r.Tags.AddToUpload(ctx, st.upload.ID, extTag.ID); err != nil {
					return err
				}
			}

			if err := r.Lineage.Insert(ctx, &model.LineageEdge{
				ID:             uuid.NewString(),
				OutputUploadID: st.upload.ID,
				SourceUploadID: job.UploadID,
				FunctionID:     job.FunctionID,
				Success:        true,
				CreatedAt:      time.Now().UTC(),
			}); err != nil {
				return err
			}

			newIDs = append(newIDs, st.upload.ID)
		}

		if err := r.Jobs.SetOutputs(ctx, jobID, newIDs); err != nil {
			return err
		}
		return r.Jobs.Transition(ctx, jobID, model.StatusRunning, model.StatusSuccess, nil)
	})
	if err != nil {
		// Транзакция откатилась целиком; blob'ы подчищаем сами
		for _, st := range stagedUploads {
			_ = m.blobs.DeleteUpload(st.upload.Filename)
		}
		return nil, err
	}

	jobsFinishedTotal.WithLabelValues(string(model.StatusSuccess)).Inc()
	m.logger.Info("задание завершено успешно",
		slog.String("job_id", jobID),
		slog.Int("outputs", len(newIDs)),
	)
	return newIDs, nil
}

// FinishFail фиксирует неуспех: создаётся одна .log загрузка с
// захваченным stderr (единственный тег — .log), запись происхождения
// success=false, задание переходит в failed с сообщением об ошибке.
func (m *JobManager) FinishFail(ctx context.Context, jobID string, errorMessage string) error {
	job, err := m.store.Repos().Jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}

	logName := fmt.Sprintf("error_%s.log", jobID)
	res, err := m.blobs.SaveUpload(strings.NewReader(errorMessage), logExtension)
	if err != nil {
		return fmt.Errorf("ошибка записи журнала ошибки: %w", err)
	}

	logUpload := &model.Upload{
		ID:               uuid.NewString(),
		Filename:         res.Filename,
		OriginalFilename: logName,
		FileSize:         res.Size,
		CreatedAt:        time.Now().UTC(),
	}

	err = m.store.InTx(ctx, func(r *Repos) error {
		if err := r.Uploads.Create(ctx, logUpload); err != nil {
			return err
		}

		extTag, err := r.Tags.GetOrCreateExtension(ctx, logExtension)
		if err != nil {
			return err
		}
		if err := r.Tags.AddToUpload(ctx, logUpload.ID, extTag.ID); err != nil {
			return err
		}

		if err := r.Lineage.Insert(ctx, &model.LineageEdge{
			ID:             uuid.NewString(),
			OutputUploadID: logUpload.ID,
			SourceUploadID: job.UploadID,
			FunctionID:     job.FunctionID,
			Success:        false,
			CreatedAt:      time.Now().UTC(),
		}); err != nil {
			return err
		}

		if err := r.Jobs.SetOutputs(ctx, jobID, []string{logUpload.ID}); err != nil {
			return err
		}
		return r.Jobs.Transition(ctx, jobID, model.StatusRunning, model.StatusFailed, &errorMessage)
	})
	if err != nil {
		_ = m.blobs.DeleteUpload(logUpload.Filename)
		return err
	}

	jobsFinishedTotal.WithLabelValues(string(model.StatusFailed)).Inc()
	m.logger.Warn("задание завершено с ошибкой",
		slog.String("job_id", jobID),
		slog.String("error", firstLine(errorMessage)),
	)
	return nil
}

// Cancel отменяет ещё не допущенное задание: CAS submitted → failed
// с сообщением "cancelled". Журнал ошибки не создаётся: скрипт не
// запускался, stderr нет.
func (m *JobManager) Cancel(ctx context.Context, jobID string) error {
	msg := "cancelled"
	err := m.store.Repos().Jobs.Transition(ctx, jobID,
		model.StatusSubmitted, model.StatusFailed, &msg)
	if err != nil {
		return err
	}
	jobsFinishedTotal.WithLabelValues(string(model.StatusFailed)).Inc()
	return nil
}

// firstLine возвращает первую строку сообщения для лога.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
