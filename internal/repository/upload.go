// upload.go — репозиторий загрузок.
package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/datalab/automation-module/internal/domain/model"
)

// UploadRepository — интерфейс CRUD для таблицы uploads.
type UploadRepository interface {
	// Create регистрирует загрузку (метаданные; файл уже в blobstore).
	Create(ctx context.Context, u *model.Upload) error
	// GetByID возвращает загрузку по UUID (без тегов).
	GetByID(ctx context.Context, uploadID string) (*model.Upload, error)
	// List возвращает загрузки, новые первыми (без тегов).
	List(ctx context.Context, limit, offset int) ([]*model.Upload, error)
	// Delete удаляет загрузку; каскад БД снимает теги, lineage и задания.
	// Возвращает имя файла в blobstore для последующего удаления с диска.
	Delete(ctx context.Context, uploadID string) (filename string, err error)
	// ListDerived возвращает загрузки, порождённые из source (lineage по source).
	ListDerived(ctx context.Context, sourceUploadID string) ([]*model.Upload, error)
	// GetSource возвращает lineage-запись, породившую upload, либо ErrNotFound.
	GetSource(ctx context.Context, outputUploadID string) (*model.LineageEdge, error)
}

// uploadRepo — реализация UploadRepository.
type uploadRepo struct {
	db DBTX
}

// NewUploadRepository создаёт репозиторий загрузок.
func NewUploadRepository(db DBTX) UploadRepository {
	return &uploadRepo{db: db}
}

func (r *uploadRepo) Create(ctx context.Context, u *model.Upload) error {
	query := `
		INSERT INTO uploads (id, filename, original_filename, file_size, mime_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(ctx, query,
		u.ID, u.Filename, u.OriginalFilename, u.FileSize, u.MimeType, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: загрузка с таким ID или именем файла уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка регистрации загрузки: %w", err)
	}
	return nil
}

func (r *uploadRepo) GetByID(ctx context.Context, uploadID string) (*model.Upload, error) {
	query := `
		SELECT id, filename, original_filename, file_size, mime_type, created_at
		FROM uploads
		WHERE id = $1`

	u := &model.Upload{}
	err := r.db.QueryRow(ctx, query, uploadID).Scan(
		&u.ID, &u.Filename, &u.OriginalFilename, &u.FileSize, &u.MimeType, &u.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения загрузки: %w", err)
	}
	return u, nil
}

func (r *uploadRepo) List(ctx context.Context, limit, offset int) ([]*model.Upload, error) {
	query := `
		SELECT id, filename, original_filename, file_size, mime_type, created_at
		FROM uploads
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка списка загрузок: %w", err)
	}
	defer rows.Close()

	return scanUploads(rows)
}

func (r *uploadRepo) Delete(ctx context.Context, uploadID string) (string, error) {
	var filename string
	err := r.db.QueryRow(ctx,
		`DELETE FROM uploads WHERE id = $1 RETURNING filename`, uploadID).Scan(&filename)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("ошибка удаления загрузки: %w", err)
	}
	return filename, nil
}

func (r *uploadRepo) ListDerived(ctx context.Context, sourceUploadID string) ([]*model.Upload, error) {
	query := `
		SELECT u.id, u.filename, u.original_filename, u.file_size, u.mime_type, u.created_at
		FROM uploads u
		INNER JOIN file_lineage fl ON u.id = fl.output_upload_id
		WHERE fl.source_upload_id = $1
		ORDER BY u.created_at`

	rows, err := r.db.Query(ctx, query, sourceUploadID)
	if err != nil {
		return nil, fmt.Errorf("ошибка списка производных загрузок: %w", err)
	}
	defer rows.Close()

	return scanUploads(rows)
}

func (r *uploadRepo) GetSource(ctx context.Context, outputUploadID string) (*model.LineageEdge, error) {
	query := `
		SELECT id, output_upload_id, source_upload_id, function_id, success, created_at
		FROM file_lineage
		WHERE output_upload_id = $1`

	e := &model.LineageEdge{}
	err := r.db.QueryRow(ctx, query, outputUploadID).Scan(
		&e.ID, &e.OutputUploadID, &e.SourceUploadID, &e.FunctionID, &e.Success, &e.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения происхождения: %w", err)
	}
	return e, nil
}

// scanUploads вычитывает строки результата в срез загрузок.
func scanUploads(rows pgx.Rows) ([]*model.Upload, error) {
	var uploads []*model.Upload
	for rows.Next() {
		u := &model.Upload{}
		if err := rows.Scan(&u.ID, &u.Filename, &u.OriginalFilename,
			&u.FileSize, &u.MimeType, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка чтения загрузки: %w", err)
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}
