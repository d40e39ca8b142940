// engine.go — публичные операции движка автоматизации.
//
// Engine — фасад, который потребляют внешние слои (HTTP, UI):
// загрузки, теги, функции, задания, ручной перезапуск. Каждая мутация,
// способная изменить множество подходящих функций (создание загрузки,
// добавление тега, регистрация выхода), прогоняет загрузку через
// резолвер и ставит новые задания планировщику.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/datalab/automation-module/internal/domain/model"
	"github.com/bigkaa/datalab/automation-module/internal/repository"
	"github.com/bigkaa/datalab/automation-module/internal/storage/blobstore"
)

// Engine — фасад операций Automation Module.
type Engine struct {
	store    Store
	blobs    *blobstore.Store
	resolver *Resolver
	jobs     *JobManager
	sched    *Scheduler
	cache    *FunctionCache
	logger   *slog.Logger
}

// NewEngine собирает движок и подключает обратный вызов планировщика:
// выходы успешных заданий снова проходят резолвер.
func NewEngine(
	store Store,
	blobs *blobstore.Store,
	resolver *Resolver,
	jobs *JobManager,
	sched *Scheduler,
	cache *FunctionCache,
	logger *slog.Logger,
) *Engine {
	e := &Engine{
		store:    store,
		blobs:    blobs,
		resolver: resolver,
		jobs:     jobs,
		sched:    sched,
		cache:    cache,
		logger:   logger.With(slog.String("component", "engine")),
	}
	sched.SetOnOutputs(e.onOutputs)
	return e
}

// --- Загрузки ---

// CreateUpload регистрирует файл: содержимое в blobstore, метаданные,
// тег-расширение и пользовательские теги — одной транзакцией; затем
// загрузка проходит резолвер.
func (e *Engine) CreateUpload(ctx context.Context, content io.Reader, originalFilename string, mimeType *string, tagIDs []string) (*model.Upload, error) {
	ext := model.FileExt(originalFilename)

	res, err := e.blobs.SaveUpload(content, ext)
	if err != nil {
		return nil, fmt.Errorf("ошибка сохранения файла: %w", err)
	}

	upload := &model.Upload{
		ID:               uuid.NewString(),
		Filename:         res.Filename,
		OriginalFilename: originalFilename,
		FileSize:         res.Size,
		MimeType:         mimeType,
		CreatedAt:        time.Now().UTC(),
	}

	err = e.store.InTx(ctx, func(r *Repos) error {
		if err := r.Uploads.Create(ctx, upload); err != nil {
			return err
		}
		if ext != "" {
			extTag, err := r.Tags.GetOrCreateExtension(ctx, ext)
			if err != nil {
				return err
			}
			if err := r.Tags.AddToUpload(ctx, upload.ID, extTag.ID); err != nil {
				return err
			}
		}
		for _, tagID := range tagIDs {
			if err := r.Tags.AddToUpload(ctx, upload.ID, tagID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = e.blobs.DeleteUpload(upload.Filename)
		return nil, err
	}

	e.logger.Info("загрузка зарегистрирована",
		slog.String("upload_id", upload.ID),
		slog.String("filename", originalFilename),
		slog.Int64("size", upload.FileSize),
	)

	if err := e.TriggerUpload(ctx, upload.ID, false); err != nil {
		// Подбор функций не должен ронять регистрацию
		e.logger.Error("ошибка подбора функций",
			slog.String("upload_id", upload.ID),
			slog.String("error", err.Error()),
		)
	}
	return upload, nil
}

// GetUpload возвращает загрузку с тегами.
func (e *Engine) GetUpload(ctx context.Context, uploadID string) (*model.Upload, error) {
	repos := e.store.Repos()

	upload, err := repos.Uploads.GetByID(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	upload.Tags, err = repos.Tags.ListByUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	return upload, nil
}

// ListUploads возвращает загрузки с тегами, новые первыми.
func (e *Engine) ListUploads(ctx context.Context, limit, offset int) ([]*model.Upload, error) {
	repos := e.store.Repos()

	uploads, err := repos.Uploads.List(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	for _, u := range uploads {
		u.Tags, err = repos.Tags.ListByUpload(ctx, u.ID)
		if err != nil {
			return nil, err
		}
	}
	return uploads, nil
}

// OpenUpload открывает содержимое загрузки для чтения.
func (e *Engine) OpenUpload(ctx context.Context, uploadID string) (io.ReadCloser, *model.Upload, error) {
	upload, err := e.store.Repos().Uploads.GetByID(ctx, uploadID)
	if err != nil {
		return nil, nil, err
	}
	f, err := e.blobs.OpenUpload(upload.Filename)
	if err != nil {
		return nil, nil, err
	}
	return f, upload, nil
}

// DeleteUpload удаляет загрузку: submitted задания отменяются, каскад
// БД снимает теги, происхождение и задания, blob удаляется с диска.
// Выполняющиеся (running) задания не прерываются: их скрипт работает
// до конца, а строку задания удаляет каскад.
func (e *Engine) DeleteUpload(ctx context.Context, uploadID string) error {
	repos := e.store.Repos()

	// Отмена submitted заданий: их воркеры получат отказ на допуске
	active, err := repos.Jobs.ListActiveByUpload(ctx, uploadID)
	if err != nil {
		return err
	}
	for _, job := range active {
		if job.Status != model.StatusSubmitted {
			continue
		}
		if err := e.jobs.Cancel(ctx, job.ID); err != nil {
			e.logger.Warn("отмена задания при удалении загрузки не удалась",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	filename, err := repos.Uploads.Delete(ctx, uploadID)
	if err != nil {
		return err
	}
	if err := e.blobs.DeleteUpload(filename); err != nil {
		// Запись удалена; осиротевший blob — не причина для ошибки клиенту
		e.logger.Error("ошибка удаления blob",
			slog.String("filename", filename),
			slog.String("error", err.Error()),
		)
	}

	e.logger.Info("загрузка удалена", slog.String("upload_id", uploadID))
	return nil
}

// ListDerived возвращает загрузки, произведённые из uploadID.
func (e *Engine) ListDerived(ctx context.Context, uploadID string) ([]*model.Upload, error) {
	return e.store.Repos().Uploads.ListDerived(ctx, uploadID)
}

// GetSource возвращает запись происхождения загрузки (что её породило).
func (e *Engine) GetSource(ctx context.Context, uploadID string) (*model.LineageEdge, error) {
	return e.store.Repos().Uploads.GetSource(ctx, uploadID)
}

// AddTagsToUpload привязывает теги и прогоняет загрузку через резолвер.
func (e *Engine) AddTagsToUpload(ctx context.Context, uploadID string, tagIDs []string) error {
	repos := e.store.Repos()

	if _, err := repos.Uploads.GetByID(ctx, uploadID); err != nil {
		return err
	}
	for _, tagID := range tagIDs {
		if err := repos.Tags.AddToUpload(ctx, uploadID, tagID); err != nil {
			return err
		}
	}
	return e.TriggerUpload(ctx, uploadID, false)
}

// RemoveTagFromUpload отвязывает тег. Резолвер не запускается:
// сокращение набора тегов не добавляет подходящих функций.
func (e *Engine) RemoveTagFromUpload(ctx context.Context, uploadID, tagID string) error {
	return e.store.Repos().Tags.RemoveFromUpload(ctx, uploadID, tagID)
}

// --- Теги ---

// CreateTag создаёт пользовательский тег.
func (e *Engine) CreateTag(ctx context.Context, name, color string) (*model.Tag, error) {
	return e.store.Repos().Tags.Create(ctx, name, color)
}

// GetTag возвращает тег.
func (e *Engine) GetTag(ctx context.Context, tagID string) (*model.Tag, error) {
	return e.store.Repos().Tags.GetByID(ctx, tagID)
}

// ListTags возвращает все теги.
func (e *Engine) ListTags(ctx context.Context) ([]*model.Tag, error) {
	return e.store.Repos().Tags.List(ctx)
}

// UpdateTag обновляет имя и/или цвет тега.
func (e *Engine) UpdateTag(ctx context.Context, tagID string, name, color *string) (*model.Tag, error) {
	return e.store.Repos().Tags.Update(ctx, tagID, name, color)
}

// DeleteTag удаляет неиспользуемый тег.
func (e *Engine) DeleteTag(ctx context.Context, tagID string) error {
	return e.store.Repos().Tags.Delete(ctx, tagID)
}

// --- Функции ---

// CreateFunctionParams — параметры регистрации функции.
type CreateFunctionParams struct {
	Name          string
	ScriptContent string
	Kind          model.FunctionKind
	Enabled       bool
	InputTagIDs   []string
	OutputTagIDs  []string
}

// CreateFunction регистрирует функцию: скрипт версионируется в
// blobstore, наборы тегов пишутся одной транзакцией. Включённая
// функция проверяется на цикл в графе зависимостей.
func (e *Engine) CreateFunction(ctx context.Context, p CreateFunctionParams) (*model.Function, error) {
	if len(p.InputTagIDs) == 0 {
		return nil, fmt.Errorf("%w: набор входных тегов функции не может быть пустым",
			repository.ErrInvalid)
	}

	f := &model.Function{
		ID:        uuid.NewString(),
		Name:      p.Name,
		Enabled:   p.Enabled,
		Kind:      p.Kind,
		CreatedAt: time.Now().UTC(),
	}
	if f.Kind == "" {
		f.Kind = model.KindTransform
	}

	// Наборы тегов для проверки цикла — по записям из БД
	repos := e.store.Repos()
	var err error
	f.InputTags, err = e.resolveTags(ctx, repos, p.InputTagIDs)
	if err != nil {
		return nil, err
	}
	f.OutputTags, err = e.resolveTags(ctx, repos, p.OutputTagIDs)
	if err != nil {
		return nil, err
	}

	if p.Enabled {
		if err := e.resolver.CheckCycle(ctx, f); err != nil {
			return nil, err
		}
	}

	res, err := e.blobs.SaveScript(p.ScriptContent, f.ID)
	if err != nil {
		return nil, fmt.Errorf("ошибка сохранения скрипта: %w", err)
	}
	f.ScriptFilename = res.Filename

	err = e.store.InTx(ctx, func(r *Repos) error {
		return r.Functions.Create(ctx, f)
	})
	if err != nil {
		_ = e.blobs.DeleteScriptVersions(f.ID)
		return nil, err
	}

	e.cache.Invalidate()
	e.logger.Info("функция зарегистрирована",
		slog.String("function_id", f.ID),
		slog.String("name", f.Name),
		slog.Bool("enabled", f.Enabled),
	)
	return f, nil
}

// GetFunction возвращает функцию с наборами тегов и содержимым скрипта.
func (e *Engine) GetFunction(ctx context.Context, functionID string) (*model.Function, string, error) {
	f, err := e.store.Repos().Functions.GetByID(ctx, functionID)
	if err != nil {
		return nil, "", err
	}
	script, err := e.blobs.ReadScript(f.ScriptFilename)
	if err != nil {
		return nil, "", err
	}
	return f, script, nil
}

// ListFunctions возвращает все функции с наборами тегов.
func (e *Engine) ListFunctions(ctx context.Context) ([]*model.Function, error) {
	return e.store.Repos().Functions.List(ctx)
}

// UpdateFunctionParams — частичное обновление функции.
type UpdateFunctionParams struct {
	Name          *string
	Kind          *model.FunctionKind
	ScriptContent *string
	InputTagIDs   []string // nil — не менять
	OutputTagIDs  []string // nil — не менять
}

// UpdateFunction обновляет функцию. Новый скрипт записывается новой
// версией (старые версии остаются для аудита происхождения).
// Включённая функция в новом состоянии проверяется на цикл.
func (e *Engine) UpdateFunction(ctx context.Context, functionID string, p UpdateFunctionParams) (*model.Function, error) {
	repos := e.store.Repos()

	current, err := repos.Functions.GetByID(ctx, functionID)
	if err != nil {
		return nil, err
	}

	// Кандидат — функция в предполагаемом новом состоянии
	candidate := *current
	if p.Name != nil {
		candidate.Name = *p.Name
	}
	if p.Kind != nil {
		candidate.Kind = *p.Kind
	}
	if p.InputTagIDs != nil {
		candidate.InputTags, err = e.resolveTags(ctx, repos, p.InputTagIDs)
		if err != nil {
			return nil, err
		}
	}
	if p.OutputTagIDs != nil {
		candidate.OutputTags, err = e.resolveTags(ctx, repos, p.OutputTagIDs)
		if err != nil {
			return nil, err
		}
	}

	if candidate.Enabled {
		if err := e.resolver.CheckCycle(ctx, &candidate); err != nil {
			return nil, err
		}
	}

	upd := repository.FunctionUpdate{
		Name:         p.Name,
		Kind:         p.Kind,
		InputTagIDs:  p.InputTagIDs,
		OutputTagIDs: p.OutputTagIDs,
	}
	if p.ScriptContent != nil {
		res, err := e.blobs.SaveScript(*p.ScriptContent, functionID)
		if err != nil {
			return nil, fmt.Errorf("ошибка сохранения новой версии скрипта: %w", err)
		}
		upd.ScriptFilename = &res.Filename
	}

	err = e.store.InTx(ctx, func(r *Repos) error {
		return r.Functions.Update(ctx, functionID, upd)
	})
	if err != nil {
		return nil, err
	}

	e.cache.Invalidate()
	return repos.Functions.GetByID(ctx, functionID)
}

// SetFunctionEnabled переключает функцию. Включение проверяет цикл
// в графе зависимостей: петля или back-ребро — ErrConflict.
func (e *Engine) SetFunctionEnabled(ctx context.Context, functionID string, enabled bool) error {
	if enabled {
		f, err := e.store.Repos().Functions.GetByID(ctx, functionID)
		if err != nil {
			return err
		}
		f.Enabled = true
		if err := e.resolver.CheckCycle(ctx, f); err != nil {
			return err
		}
	}

	if err := e.store.Repos().Functions.SetEnabled(ctx, functionID, enabled); err != nil {
		return err
	}
	e.cache.Invalidate()
	return nil
}

// DeleteFunction удаляет функцию и все версии её скрипта.
func (e *Engine) DeleteFunction(ctx context.Context, functionID string) error {
	if _, err := e.store.Repos().Functions.Delete(ctx, functionID); err != nil {
		return err
	}
	if err := e.blobs.DeleteScriptVersions(functionID); err != nil {
		e.logger.Error("ошибка удаления версий скрипта",
			slog.String("function_id", functionID),
			slog.String("error", err.Error()),
		)
	}
	e.cache.Invalidate()
	return nil
}

// --- Задания ---

// ListJobs возвращает задания с именами загрузок и функций.
func (e *Engine) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, error) {
	jobs, err := e.store.Repos().Jobs.List(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		e.enrichJob(ctx, j)
	}
	return jobs, nil
}

// GetJob возвращает задание с именами загрузок и функций.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := e.store.Repos().Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	e.enrichJob(ctx, job)
	return job, nil
}

// enrichJob дополняет задание именами для отображения.
// Отсутствующие записи (удалённая функция) не считаются ошибкой.
func (e *Engine) enrichJob(ctx context.Context, job *model.Job) {
	repos := e.store.Repos()

	if u, err := repos.Uploads.GetByID(ctx, job.UploadID); err == nil {
		job.UploadFilename = &u.OriginalFilename
	}
	if f, err := repos.Functions.GetByID(ctx, job.FunctionID); err == nil {
		job.FunctionName = &f.Name
	}
	for _, outputID := range job.OutputUploadIDs {
		if u, err := repos.Uploads.GetByID(ctx, outputID); err == nil {
			job.OutputFilenames = append(job.OutputFilenames, u.OriginalFilename)
		}
	}
}

// --- Запуск ---

// TriggerUpload прогоняет загрузку через резолвер и ставит задания
// планировщику. manual снимает фильтр по завершённым заданиям.
func (e *Engine) TriggerUpload(ctx context.Context, uploadID string, manual bool) error {
	upload, err := e.store.Repos().Uploads.GetByID(ctx, uploadID)
	if err != nil {
		return err
	}

	eligible, err := e.resolver.Eligible(ctx, uploadID, manual)
	if err != nil {
		return err
	}

	for _, f := range eligible {
		job, err := e.jobs.Create(ctx, upload, f)
		if err != nil {
			// ErrConflict: конкурентный резолвер успел первым — норма
			e.logger.Debug("задание не создано",
				slog.String("upload_id", uploadID),
				slog.String("function_id", f.ID),
				slog.String("reason", err.Error()),
			)
			continue
		}
		e.sched.Submit(job.ID)
	}
	return nil
}

// ManualTrigger ставит задание конкретной функции на загрузку,
// игнорируя историю завершённых запусков пары.
func (e *Engine) ManualTrigger(ctx context.Context, uploadID, functionID string) (*model.Job, error) {
	upload, err := e.store.Repos().Uploads.GetByID(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	eligible, err := e.resolver.Eligible(ctx, uploadID, true)
	if err != nil {
		return nil, err
	}
	for _, f := range eligible {
		if f.ID != functionID {
			continue
		}
		job, err := e.jobs.Create(ctx, upload, f)
		if err != nil {
			return nil, err
		}
		e.sched.Submit(job.ID)
		return job, nil
	}

	return nil, fmt.Errorf("%w: функция не подходит загрузке (теги, цикл или активное задание)",
		repository.ErrConflict)
}

// onOutputs — обратный вызов планировщика: выходы успешного задания
// снова проходят резолвер (конвейеры).
func (e *Engine) onOutputs(ctx context.Context, uploadIDs []string) {
	for _, id := range uploadIDs {
		if err := e.TriggerUpload(ctx, id, false); err != nil {
			e.logger.Error("ошибка подбора функций для выхода",
				slog.String("upload_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// resolveTags загружает записи тегов по идентификаторам.
func (e *Engine) resolveTags(ctx context.Context, repos *Repos, tagIDs []string) ([]*model.Tag, error) {
	tags := make([]*model.Tag, 0, len(tagIDs))
	for _, tagID := range tagIDs {
		t, err := repos.Tags.GetByID(ctx, tagID)
		if err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, nil
}
