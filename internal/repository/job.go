// job.go — репозиторий заданий.
// Переходы статусов выполняются единственным UPDATE с CAS по текущему
// статусу: ноль затронутых строк означает ErrConflict. Это единственное
// место, где статус задания меняется.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bigkaa/datalab/automation-module/internal/domain/model"
)

// JobRepository — интерфейс для таблицы jobs.
type JobRepository interface {
	// Create вставляет задание в статусе submitted.
	// ErrConflict, если для пары (upload, function) уже есть
	// задание в статусе submitted или running.
	Create(ctx context.Context, j *model.Job) error
	// GetByID возвращает задание.
	GetByID(ctx context.Context, jobID string) (*model.Job, error)
	// List возвращает задания, новые первыми.
	List(ctx context.Context, limit, offset int) ([]*model.Job, error)
	// Transition выполняет CAS-переход from → to.
	// started/completed проставляются по целевому статусу.
	// ErrConflict, если текущий статус не равен from.
	Transition(ctx context.Context, jobID string, from, to model.JobStatus, errorMessage *string) error
	// SetOutputs записывает идентификаторы выходных загрузок.
	SetOutputs(ctx context.Context, jobID string, outputUploadIDs []string) error
	// HasActive сообщает, есть ли submitted/running задание пары (upload, function).
	HasActive(ctx context.Context, uploadID, functionID string) (bool, error)
	// HasTerminal сообщает, есть ли завершённое задание пары (upload, function).
	HasTerminal(ctx context.Context, uploadID, functionID string) (bool, error)
	// ListByStatus возвращает задания в указанном статусе, старые первыми.
	ListByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error)
	// ListActiveByUpload возвращает незавершённые задания загрузки.
	ListActiveByUpload(ctx context.Context, uploadID string) ([]*model.Job, error)
}

// jobRepo — реализация JobRepository.
type jobRepo struct {
	db DBTX
}

// NewJobRepository создаёт репозиторий заданий.
func NewJobRepository(db DBTX) JobRepository {
	return &jobRepo{db: db}
}

func (r *jobRepo) Create(ctx context.Context, j *model.Job) error {
	// Дедупликация: не более одного активного задания на пару.
	// Частичный уникальный индекс jobs_active_pair_idx даёт ту же
	// гарантию на уровне БД; проверка здесь возвращает осмысленную ошибку.
	active, err := r.HasActive(ctx, j.UploadID, j.FunctionID)
	if err != nil {
		return err
	}
	if active {
		return fmt.Errorf("%w: активное задание для пары (%s, %s) уже существует",
			ErrConflict, j.UploadID, j.FunctionID)
	}

	query := `
		INSERT INTO jobs (id, upload_id, function_id, script_filename, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = r.db.Exec(ctx, query,
		j.ID, j.UploadID, j.FunctionID, j.ScriptFilename, j.Status, j.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: активное задание для пары (%s, %s) уже существует",
				ErrConflict, j.UploadID, j.FunctionID)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: загрузка или функция не существует", ErrNotFound)
		}
		return fmt.Errorf("ошибка создания задания: %w", err)
	}
	return nil
}

const jobColumns = `
	id, upload_id, function_id, script_filename, status,
	error_message, output_upload_ids, created_at, started_at, completed_at`

func (r *jobRepo) GetByID(ctx context.Context, jobID string) (*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	j, err := scanJob(r.db.QueryRow(ctx, query, jobID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения задания: %w", err)
	}
	return j, nil
}

func (r *jobRepo) List(ctx context.Context, limit, offset int) ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка списка заданий: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (r *jobRepo) Transition(ctx context.Context, jobID string, from, to model.JobStatus, errorMessage *string) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: переход %s → %s недопустим", ErrConflict, from, to)
	}

	now := time.Now().UTC()

	var query string
	switch to {
	case model.StatusRunning:
		query = `UPDATE jobs SET status = $1, started_at = $4 WHERE id = $2 AND status = $3`
	case model.StatusSuccess, model.StatusFailed:
		query = `UPDATE jobs SET status = $1, completed_at = $4, error_message = $5
			WHERE id = $2 AND status = $3`
	default:
		return fmt.Errorf("%w: недопустимый целевой статус %s", ErrConflict, to)
	}

	var (
		tag pgconn.CommandTag
		err error
	)
	if to == model.StatusRunning {
		tag, err = r.db.Exec(ctx, query, to, jobID, from, now)
	} else {
		tag, err = r.db.Exec(ctx, query, to, jobID, from, now, errorMessage)
	}
	if err != nil {
		return fmt.Errorf("ошибка перехода статуса задания: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Либо задание не существует, либо статус уже не from
		if _, getErr := r.GetByID(ctx, jobID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: задание %s не в статусе %s", ErrConflict, jobID, from)
	}
	return nil
}

func (r *jobRepo) SetOutputs(ctx context.Context, jobID string, outputUploadIDs []string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE jobs SET output_upload_ids = $1 WHERE id = $2`, outputUploadIDs, jobID)
	if err != nil {
		return fmt.Errorf("ошибка записи выходов задания: %w", err)
	}
	return nil
}

func (r *jobRepo) HasActive(ctx context.Context, uploadID, functionID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM jobs
			WHERE upload_id = $1 AND function_id = $2
			  AND status IN ('submitted', 'running')
		)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, uploadID, functionID).Scan(&exists); err != nil {
		return false, fmt.Errorf("ошибка проверки активных заданий: %w", err)
	}
	return exists, nil
}

func (r *jobRepo) HasTerminal(ctx context.Context, uploadID, functionID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM jobs
			WHERE upload_id = $1 AND function_id = $2
			  AND status IN ('success', 'failed')
		)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, uploadID, functionID).Scan(&exists); err != nil {
		return false, fmt.Errorf("ошибка проверки завершённых заданий: %w", err)
	}
	return exists, nil
}

func (r *jobRepo) ListByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = $1
		ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("ошибка списка заданий по статусу: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (r *jobRepo) ListActiveByUpload(ctx context.Context, uploadID string) ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE upload_id = $1 AND status IN ('submitted', 'running')
		ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, uploadID)
	if err != nil {
		return nil, fmt.Errorf("ошибка списка активных заданий загрузки: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// rowScanner — общий интерфейс pgx.Row и pgx.Rows для scanJob.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob вычитывает одну строку задания.
func scanJob(row rowScanner) (*model.Job, error) {
	j := &model.Job{}
	err := row.Scan(&j.ID, &j.UploadID, &j.FunctionID, &j.ScriptFilename, &j.Status,
		&j.ErrorMessage, &j.OutputUploadIDs, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// scanJobs вычитывает строки результата в срез заданий.
func scanJobs(rows pgx.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения задания: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
