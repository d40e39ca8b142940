// tag.go — репозиторий тегов.
// Правила предметной области (запрет '+', неизменяемость имён
// тегов-расширений, запрет удаления используемого тега) применяются
// здесь, чтобы ни один вызывающий слой не смог их обойти.
package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/datalab/automation-module/internal/domain/model"
)

// DefaultExtensionTagColor — цвет автоматически создаваемых тегов-расширений.
const DefaultExtensionTagColor = "#6b7280"

// TagRepository — интерфейс CRUD для таблицы tags и связей upload_tags.
type TagRepository interface {
	// Create создаёт тег. Имя валидируется (непустое, без '+').
	Create(ctx context.Context, name, color string) (*model.Tag, error)
	// GetByID возвращает тег по UUID.
	GetByID(ctx context.Context, tagID string) (*model.Tag, error)
	// GetByName возвращает тег по имени.
	GetByName(ctx context.Context, name string) (*model.Tag, error)
	// GetOrCreateExtension возвращает тег-расширение, создавая при отсутствии.
	GetOrCreateExtension(ctx context.Context, ext string) (*model.Tag, error)
	// List возвращает все теги, новые первыми.
	List(ctx context.Context) ([]*model.Tag, error)
	// Update обновляет имя и/или цвет с учётом правил тегов-расширений.
	Update(ctx context.Context, tagID string, name, color *string) (*model.Tag, error)
	// Delete удаляет тег. ErrInUse, если на тег ссылаются загрузки или функции.
	Delete(ctx context.Context, tagID string) error
	// AddToUpload привязывает тег к загрузке (идемпотентно).
	AddToUpload(ctx context.Context, uploadID, tagID string) error
	// RemoveFromUpload отвязывает тег от загрузки.
	RemoveFromUpload(ctx context.Context, uploadID, tagID string) error
	// ListByUpload возвращает теги загрузки.
	ListByUpload(ctx context.Context, uploadID string) ([]*model.Tag, error)
}

// tagRepo — реализация TagRepository.
type tagRepo struct {
	db DBTX
}

// NewTagRepository создаёт репозиторий тегов.
func NewTagRepository(db DBTX) TagRepository {
	return &tagRepo{db: db}
}

// ValidateTagName проверяет имя тега: непустое и без символа '+'
// (зарезервирован синтаксисом поисковых запросов UI).
func ValidateTagName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: имя тега не может быть пустым", ErrInvalid)
	}
	if strings.Contains(name, "+") {
		return fmt.Errorf("%w: имя тега не может содержать символ '+'", ErrInvalid)
	}
	return nil
}

func (r *tagRepo) Create(ctx context.Context, name, color string) (*model.Tag, error) {
	if err := ValidateTagName(name); err != nil {
		return nil, err
	}

	t := &model.Tag{
		ID:        uuid.NewString(),
		Name:      name,
		Color:     color,
		CreatedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO tags (id, name, color, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err := r.db.Exec(ctx, query, t.ID, t.Name, t.Color, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: тег %q уже существует", ErrConflict, name)
		}
		return nil, fmt.Errorf("ошибка создания тега: %w", err)
	}
	return t, nil
}

func (r *tagRepo) GetByID(ctx context.Context, tagID string) (*model.Tag, error) {
	return r.getOne(ctx, `SELECT id, name, color, created_at FROM tags WHERE id = $1`, tagID)
}

func (r *tagRepo) GetByName(ctx context.Context, name string) (*model.Tag, error) {
	return r.getOne(ctx, `SELECT id, name, color, created_at FROM tags WHERE name = $1`, name)
}

func (r *tagRepo) getOne(ctx context.Context, query string, arg any) (*model.Tag, error) {
	t := &model.Tag{}
	err := r.db.QueryRow(ctx, query, arg).Scan(&t.ID, &t.Name, &t.Color, &t.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения тега: %w", err)
	}
	return t, nil
}

// GetOrCreateExtension возвращает тег-расширение ".{ext}", создавая его
// с цветом по умолчанию при отсутствии. Гонку двух конкурентных созданий
// разрешает повторной выборкой после conflict.
func (r *tagRepo) GetOrCreateExtension(ctx context.Context, ext string) (*model.Tag, error) {
	name := "." + strings.ToLower(ext)

	t, err := r.GetByName(ctx, name)
	if err == nil {
		return t, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	t = &model.Tag{
		ID:        uuid.NewString(),
		Name:      name,
		Color:     DefaultExtensionTagColor,
		CreatedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO tags (id, name, color, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO NOTHING`

	ct, err := r.db.Exec(ctx, query, t.ID, t.Name, t.Color, t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания тега-расширения: %w", err)
	}
	if ct.RowsAffected() == 0 {
		// Тег создан конкурентно — перечитываем
		return r.GetByName(ctx, name)
	}
	return t, nil
}

func (r *tagRepo) List(ctx context.Context) ([]*model.Tag, error) {
	query := `SELECT id, name, color, created_at FROM tags ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка списка тегов: %w", err)
	}
	defer rows.Close()

	return scanTags(rows)
}

func (r *tagRepo) Update(ctx context.Context, tagID string, name, color *string) (*model.Tag, error) {
	existing, err := r.GetByID(ctx, tagID)
	if err != nil {
		return nil, err
	}

	if name != nil && *name != existing.Name {
		if existing.IsExtension() {
			return nil, fmt.Errorf("%w: тег-расширение %q нельзя переименовать", ErrForbidden, existing.Name)
		}
		if err := ValidateTagName(*name); err != nil {
			return nil, err
		}
		_, err := r.db.Exec(ctx, `UPDATE tags SET name = $1 WHERE id = $2`, *name, tagID)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: тег %q уже существует", ErrConflict, *name)
			}
			return nil, fmt.Errorf("ошибка переименования тега: %w", err)
		}
		existing.Name = *name
	}

	if color != nil {
		_, err := r.db.Exec(ctx, `UPDATE tags SET color = $1 WHERE id = $2`, *color, tagID)
		if err != nil {
			return nil, fmt.Errorf("ошибка обновления цвета тега: %w", err)
		}
		existing.Color = *color
	}

	return existing, nil
}

func (r *tagRepo) Delete(ctx context.Context, tagID string) error {
	// Проверка использования: загрузки и функции
	var inUse bool
	query := `
		SELECT EXISTS (SELECT 1 FROM upload_tags WHERE tag_id = $1)
		    OR EXISTS (SELECT 1 FROM function_input_tags WHERE tag_id = $1)
		    OR EXISTS (SELECT 1 FROM function_output_tags WHERE tag_id = $1)`
	if err := r.db.QueryRow(ctx, query, tagID).Scan(&inUse); err != nil {
		return fmt.Errorf("ошибка проверки использования тега: %w", err)
	}
	if inUse {
		return fmt.Errorf("%w: тег привязан к загрузкам или функциям", ErrInUse)
	}

	ct, err := r.db.Exec(ctx, `DELETE FROM tags WHERE id = $1`, tagID)
	if err != nil {
		return fmt.Errorf("ошибка удаления тега: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *tagRepo) AddToUpload(ctx context.Context, uploadID, tagID string) error {
	query := `
		INSERT INTO upload_tags (upload_id, tag_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	_, err := r.db.Exec(ctx, query, uploadID, tagID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: загрузка или тег не существует", ErrNotFound)
		}
		return fmt.Errorf("ошибка привязки тега: %w", err)
	}
	return nil
}

func (r *tagRepo) RemoveFromUpload(ctx context.Context, uploadID, tagID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM upload_tags WHERE upload_id = $1 AND tag_id = $2`, uploadID, tagID)
	if err != nil {
		return fmt.Errorf("ошибка отвязки тега: %w", err)
	}
	return nil
}

func (r *tagRepo) ListByUpload(ctx context.Context, uploadID string) ([]*model.Tag, error) {
	query := `
		SELECT t.id, t.name, t.color, t.created_at
		FROM tags t
		INNER JOIN upload_tags ut ON t.id = ut.tag_id
		WHERE ut.upload_id = $1
		ORDER BY t.name`

	rows, err := r.db.Query(ctx, query, uploadID)
	if err != nil {
		return nil, fmt.Errorf("ошибка списка тегов загрузки: %w", err)
	}
	defer rows.Close()

	return scanTags(rows)
}

// scanTags вычитывает строки результата в срез тегов.
func scanTags(rows pgx.Rows) ([]*model.Tag, error) {
	var tags []*model.Tag
	for rows.Next() {
		t := &model.Tag{}
		if err := rows.Scan(&t.ID, &t.Name, &t.Color, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка чтения тега: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}
