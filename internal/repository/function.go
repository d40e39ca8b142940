// function.go — репозиторий функций-автоматизаций.
// Функция хранится в трёх таблицах: functions + function_input_tags +
// function_output_tags. Операции, меняющие наборы тегов, выполняются
// в одной транзакции вызывающим слоем (репозиторий принимает DBTX).
package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/datalab/automation-module/internal/domain/model"
)

// FunctionRepository — интерфейс CRUD для функций.
type FunctionRepository interface {
	// Create регистрирует функцию с наборами входных и выходных тегов.
	Create(ctx context.Context, f *model.Function) error
	// GetByID возвращает функцию с наборами тегов.
	GetByID(ctx context.Context, functionID string) (*model.Function, error)
	// List возвращает все функции с наборами тегов, новые первыми.
	List(ctx context.Context) ([]*model.Function, error)
	// ListEnabled возвращает включённые функции с наборами тегов.
	ListEnabled(ctx context.Context) ([]*model.Function, error)
	// Update обновляет имя, kind, ссылку на скрипт и наборы тегов.
	// Наборы тегов заменяются атомарно (nil — не менять).
	Update(ctx context.Context, functionID string, upd FunctionUpdate) error
	// SetEnabled переключает флаг enabled.
	SetEnabled(ctx context.Context, functionID string, enabled bool) error
	// Delete удаляет функцию; каскад БД снимает наборы тегов, lineage и задания.
	// Возвращает имя текущего файла скрипта.
	Delete(ctx context.Context, functionID string) (scriptFilename string, err error)
}

// FunctionUpdate — частичное обновление функции.
type FunctionUpdate struct {
	Name           *string
	Kind           *model.FunctionKind
	ScriptFilename *string
	InputTagIDs    []string // nil — не менять; пустой срез недопустим
	OutputTagIDs   []string // nil — не менять
}

// functionRepo — реализация FunctionRepository.
type functionRepo struct {
	db DBTX
}

// NewFunctionRepository создаёт репозиторий функций.
func NewFunctionRepository(db DBTX) FunctionRepository {
	return &functionRepo{db: db}
}

// validateFunction проверяет инварианты: непустое имя, непустой
// набор входных тегов.
func validateFunction(name string, inputTagIDs []string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: имя функции не может быть пустым", ErrInvalid)
	}
	if len(inputTagIDs) == 0 {
		return fmt.Errorf("%w: набор входных тегов функции не может быть пустым", ErrInvalid)
	}
	return nil
}

func (r *functionRepo) Create(ctx context.Context, f *model.Function) error {
	if err := validateFunction(f.Name, f.InputTagIDs()); err != nil {
		return err
	}

	query := `
		INSERT INTO functions (id, name, script_filename, enabled, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(ctx, query,
		f.ID, f.Name, f.ScriptFilename, f.Enabled, f.Kind, f.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: функция %q уже существует", ErrConflict, f.Name)
		}
		return fmt.Errorf("ошибка создания функции: %w", err)
	}

	if err := r.insertTagSet(ctx, "function_input_tags", f.ID, f.InputTagIDs()); err != nil {
		return err
	}
	return r.insertTagSet(ctx, "function_output_tags", f.ID, f.OutputTagIDs())
}

func (r *functionRepo) GetByID(ctx context.Context, functionID string) (*model.Function, error) {
	query := `
		SELECT id, name, script_filename, enabled, kind, created_at
		FROM functions
		WHERE id = $1`

	f := &model.Function{}
	err := r.db.QueryRow(ctx, query, functionID).Scan(
		&f.ID, &f.Name, &f.ScriptFilename, &f.Enabled, &f.Kind, &f.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения функции: %w", err)
	}

	if err := r.loadTagSets(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (r *functionRepo) List(ctx context.Context) ([]*model.Function, error) {
	return r.list(ctx, `
		SELECT id, name, script_filename, enabled, kind, created_at
		FROM functions
		ORDER BY created_at DESC`)
}

func (r *functionRepo) ListEnabled(ctx context.Context) ([]*model.Function, error) {
	return r.list(ctx, `
		SELECT id, name, script_filename, enabled, kind, created_at
		FROM functions
		WHERE enabled
		ORDER BY created_at`)
}

func (r *functionRepo) list(ctx context.Context, query string) ([]*model.Function, error) {
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка списка функций: %w", err)
	}
	defer rows.Close()

	var funcs []*model.Function
	for rows.Next() {
		f := &model.Function{}
		if err := rows.Scan(&f.ID, &f.Name, &f.ScriptFilename,
			&f.Enabled, &f.Kind, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка чтения функции: %w", err)
		}
		funcs = append(funcs, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, f := range funcs {
		if err := r.loadTagSets(ctx, f); err != nil {
			return nil, err
		}
	}
	return funcs, nil
}

func (r *functionRepo) Update(ctx context.Context, functionID string, upd FunctionUpdate) error {
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return fmt.Errorf("%w: имя функции не может быть пустым", ErrInvalid)
	}
	if upd.InputTagIDs != nil && len(upd.InputTagIDs) == 0 {
		return fmt.Errorf("%w: набор входных тегов функции не может быть пустым", ErrInvalid)
	}

	if upd.Name != nil {
		_, err := r.db.Exec(ctx,
			`UPDATE functions SET name = $1 WHERE id = $2`, *upd.Name, functionID)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: функция %q уже существует", ErrConflict, *upd.Name)
			}
			return fmt.Errorf("ошибка переименования функции: %w", err)
		}
	}
	if upd.Kind != nil {
		if _, err := r.db.Exec(ctx,
			`UPDATE functions SET kind = $1 WHERE id = $2`, *upd.Kind, functionID); err != nil {
			return fmt.Errorf("ошибка обновления kind: %w", err)
		}
	}
	if upd.ScriptFilename != nil {
		if _, err := r.db.Exec(ctx,
			`UPDATE functions SET script_filename = $1 WHERE id = $2`,
			*upd.ScriptFilename, functionID); err != nil {
			return fmt.Errorf("ошибка обновления скрипта функции: %w", err)
		}
	}
	if upd.InputTagIDs != nil {
		if err := r.replaceTagSet(ctx, "function_input_tags", functionID, upd.InputTagIDs); err != nil {
			return err
		}
	}
	if upd.OutputTagIDs != nil {
		if err := r.replaceTagSet(ctx, "function_output_tags", functionID, upd.OutputTagIDs); err != nil {
			return err
		}
	}
	return nil
}

func (r *functionRepo) SetEnabled(ctx context.Context, functionID string, enabled bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE functions SET enabled = $1 WHERE id = $2`, enabled, functionID)
	if err != nil {
		return fmt.Errorf("ошибка переключения функции: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *functionRepo) Delete(ctx context.Context, functionID string) (string, error) {
	var scriptFilename string
	err := r.db.QueryRow(ctx,
		`DELETE FROM functions WHERE id = $1 RETURNING script_filename`,
		functionID).Scan(&scriptFilename)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("ошибка удаления функции: %w", err)
	}
	return scriptFilename, nil
}

// insertTagSet вставляет набор тегов функции в указанную таблицу связей.
func (r *functionRepo) insertTagSet(ctx context.Context, table, functionID string, tagIDs []string) error {
	for _, tagID := range tagIDs {
		query := fmt.Sprintf(`
			INSERT INTO %s (function_id, tag_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, table)
		if _, err := r.db.Exec(ctx, query, functionID, tagID); err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("%w: тег %s не существует", ErrNotFound, tagID)
			}
			return fmt.Errorf("ошибка записи набора тегов: %w", err)
		}
	}
	return nil
}

// replaceTagSet атомарно заменяет набор тегов (delete + insert;
// атомарность обеспечивает транзакция вызывающего слоя).
func (r *functionRepo) replaceTagSet(ctx context.Context, table, functionID string, tagIDs []string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE function_id = $1`, table)
	if _, err := r.db.Exec(ctx, query, functionID); err != nil {
		return fmt.Errorf("ошибка очистки набора тегов: %w", err)
	}
	return r.insertTagSet(ctx, table, functionID, tagIDs)
}

// loadTagSets загружает input/output теги функции.
func (r *functionRepo) loadTagSets(ctx context.Context, f *model.Function) error {
	var err error
	f.InputTags, err = r.tagSet(ctx, "function_input_tags", f.ID)
	if err != nil {
		return err
	}
	f.OutputTags, err = r.tagSet(ctx, "function_output_tags", f.ID)
	return err
}

func (r *functionRepo) tagSet(ctx context.Context, table, functionID string) ([]*model.Tag, error) {
	query := fmt.Sprintf(`
		SELECT t.id, t.name, t.color, t.created_at
		FROM tags t
		INNER JOIN %s ft ON t.id = ft.tag_id
		WHERE ft.function_id = $1
		ORDER BY t.name`, table)

	rows, err := r.db.Query(ctx, query, functionID)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения набора тегов: %w", err)
	}
	defer rows.Close()

	return scanTags(rows)
}
