// resolver.go — подбор функций для загрузки (trigger resolver).
//
// Функция подходит загрузке U, когда она включена, её входные теги —
// подмножество тегов U, и запуск не зациклит конвейер: функция не
// должна встречаться среди производителей U в цепочке происхождения.
// Дополнительно пара (U, F) не перезапускается, если по ней уже есть
// задание (активное — всегда; завершённое — кроме ручного запуска).
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bigkaa/datalab/automation-module/internal/domain/model"
	"github.com/bigkaa/datalab/automation-module/internal/repository"
)

// Resolver — вычисление множества подходящих функций для загрузки.
type Resolver struct {
	store  Store
	cache  *FunctionCache
	logger *slog.Logger
}

// NewResolver создаёт Resolver.
func NewResolver(store Store, cache *FunctionCache, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		cache:  cache,
		logger: logger.With(slog.String("component", "resolver")),
	}
}

// Eligible возвращает функции, подходящие загрузке uploadID.
// manual — ручной перезапуск: снимает фильтр по завершённым заданиям.
func (r *Resolver) Eligible(ctx context.Context, uploadID string, manual bool) ([]*model.Function, error) {
	repos := r.store.Repos()

	uploadTags, err := repos.Tags.ListByUpload(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения тегов загрузки: %w", err)
	}
	tagSet := tagIDSet(uploadTags)

	functions, err := r.enabledFunctions(ctx)
	if err != nil {
		return nil, err
	}

	// Производители загрузки по цепочке происхождения
	ancestors, err := r.producerFunctions(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	var eligible []*model.Function
	for _, f := range functions {
		if len(f.InputTags) == 0 || !subset(f.InputTags, tagSet) {
			continue
		}
		if ancestors[f.ID] {
			// Функция уже участвовала в производстве этой загрузки
			continue
		}

		active, err := repos.Jobs.HasActive(ctx, uploadID, f.ID)
		if err != nil {
			return nil, err
		}
		if active {
			continue
		}
		if !manual {
			terminal, err := repos.Jobs.HasTerminal(ctx, uploadID, f.ID)
			if err != nil {
				return nil, err
			}
			if terminal {
				continue
			}
		}

		eligible = append(eligible, f)
	}

	if len(eligible) > 0 {
		r.logger.Debug("подобраны функции",
			slog.String("upload_id", uploadID),
			slog.Int("count", len(eligible)),
		)
	}
	return eligible, nil
}

// CheckCycle проверяет, создаст ли candidate цикл в графе зависимостей
// включённых функций. Вызывается при создании, обновлении и включении
// функции; candidate — её предполагаемое новое состояние.
func (r *Resolver) CheckCycle(ctx context.Context, candidate *model.Function) error {
	functions, err := r.store.Repos().Functions.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("ошибка чтения функций для проверки цикла: %w", err)
	}
	if WouldCreateCycle(functions, candidate) {
		return fmt.Errorf("%w: функция %q создаёт цикл в графе зависимостей",
			repository.ErrConflict, candidate.Name)
	}
	return nil
}

// enabledFunctions возвращает включённые функции, используя кэш.
func (r *Resolver) enabledFunctions(ctx context.Context) ([]*model.Function, error) {
	if functions, ok := r.cache.GetEnabled(); ok {
		return functions, nil
	}

	functions, err := r.store.Repos().Functions.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения включённых функций: %w", err)
	}
	r.cache.SetEnabled(functions)
	return functions, nil
}

// producerFunctions собирает идентификаторы функций, породивших
// загрузку напрямую или транзитивно. Обход вверх по file_lineage
// с защитой от повторного посещения.
func (r *Resolver) producerFunctions(ctx context.Context, uploadID string) (map[string]bool, error) {
	repos := r.store.Repos()

	producers := make(map[string]bool)
	visited := make(map[string]bool)
	queue := []string{uploadID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		edges, err := repos.Lineage.ListByOutput(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("ошибка обхода происхождения: %w", err)
		}
		for _, e := range edges {
			producers[e.FunctionID] = true
			queue = append(queue, e.SourceUploadID)
		}
	}
	return producers, nil
}
