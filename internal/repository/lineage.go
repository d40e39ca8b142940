// lineage.go — репозиторий записей происхождения файлов.
// Записи неизменяемы: только вставка и выборки по выходу/источнику.
package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/datalab/automation-module/internal/domain/model"
)

// LineageRepository — интерфейс для таблицы file_lineage.
type LineageRepository interface {
	// Insert добавляет запись происхождения.
	Insert(ctx context.Context, e *model.LineageEdge) error
	// ListByOutput возвращает записи, где upload — выход ("что породило X").
	ListByOutput(ctx context.Context, outputUploadID string) ([]*model.LineageEdge, error)
	// ListBySource возвращает записи, где upload — источник ("что произведено из X").
	ListBySource(ctx context.Context, sourceUploadID string) ([]*model.LineageEdge, error)
}

// lineageRepo — реализация LineageRepository.
type lineageRepo struct {
	db DBTX
}

// NewLineageRepository создаёт репозиторий происхождения.
func NewLineageRepository(db DBTX) LineageRepository {
	return &lineageRepo{db: db}
}

func (r *lineageRepo) Insert(ctx context.Context, e *model.LineageEdge) error {
	query := `
		INSERT INTO file_lineage (id, output_upload_id, source_upload_id, function_id, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(ctx, query,
		e.ID, e.OutputUploadID, e.SourceUploadID, e.FunctionID, e.Success, e.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: загрузка или функция не существует", ErrNotFound)
		}
		return fmt.Errorf("ошибка записи происхождения: %w", err)
	}
	return nil
}

func (r *lineageRepo) ListByOutput(ctx context.Context, outputUploadID string) ([]*model.LineageEdge, error) {
	return r.list(ctx,
		`SELECT id, output_upload_id, source_upload_id, function_id, success, created_at
		FROM file_lineage
		WHERE output_upload_id = $1
		ORDER BY created_at`, outputUploadID)
}

func (r *lineageRepo) ListBySource(ctx context.Context, sourceUploadID string) ([]*model.LineageEdge, error) {
	return r.list(ctx,
		`SELECT id, output_upload_id, source_upload_id, function_id, success, created_at
		FROM file_lineage
		WHERE source_upload_id = $1
		ORDER BY created_at`, sourceUploadID)
}

func (r *lineageRepo) list(ctx context.Context, query, arg string) ([]*model.LineageEdge, error) {
	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки происхождения: %w", err)
	}
	defer rows.Close()

	var edges []*model.LineageEdge
	for rows.Next() {
		e := &model.LineageEdge{}
		if err := rows.Scan(&e.ID, &e.OutputUploadID, &e.SourceUploadID,
			&e.FunctionID, &e.Success, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка чтения происхождения: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
