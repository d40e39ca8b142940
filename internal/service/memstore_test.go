package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/datalab/automation-module/internal/domain/model"
	"github.com/bigkaa/datalab/automation-module/internal/repository"
)

// memStore — in-memory реализация Store для unit-тестов сервисов.
// Повторяет контракты репозиториев: доменные ошибки, CAS переходов,
// каскад удаления загрузки, дедупликацию активных заданий.
// Потокобезопасна: тесты планировщика гоняют конкурентные воркеры.
type memStore struct {
	mu sync.Mutex

	uploads    map[string]*model.Upload
	tags       map[string]*model.Tag
	uploadTags map[string]map[string]bool // upload_id → tag_id set
	functions  map[string]*model.Function
	jobs       map[string]*model.Job
	lineage    []*model.LineageEdge

	repos *Repos
}

func newMemStore() *memStore {
	s := &memStore{
		uploads:    make(map[string]*model.Upload),
		tags:       make(map[string]*model.Tag),
		uploadTags: make(map[string]map[string]bool),
		functions:  make(map[string]*model.Function),
		jobs:       make(map[string]*model.Job),
	}
	s.repos = &Repos{
		Uploads:   &memUploadRepo{s},
		Tags:      &memTagRepo{s},
		Functions: &memFunctionRepo{s},
		Jobs:      &memJobRepo{s},
		Lineage:   &memLineageRepo{s},
	}
	return s
}

func (s *memStore) Repos() *Repos { return s.repos }

// InTx в памяти не транзакционен: fn выполняется над теми же картами.
// Для тестируемых инвариантов (порядок записей, CAS) этого достаточно.
func (s *memStore) InTx(_ context.Context, fn func(r *Repos) error) error {
	return fn(s.repos)
}

// --- uploads ---

type memUploadRepo struct{ s *memStore }

func (r *memUploadRepo) Create(_ context.Context, u *model.Upload) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.uploads[u.ID]; ok {
		return repository.ErrConflict
	}
	r.s.uploads[u.ID] = u
	return nil
}

func (r *memUploadRepo) GetByID(_ context.Context, uploadID string) (*model.Upload, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.uploads[uploadID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

func (r *memUploadRepo) List(_ context.Context, limit, offset int) ([]*model.Upload, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Upload
	for _, u := range r.s.uploads {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (r *memUploadRepo) Delete(_ context.Context, uploadID string) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.uploads[uploadID]
	if !ok {
		return "", repository.ErrNotFound
	}
	delete(r.s.uploads, uploadID)
	delete(r.s.uploadTags, uploadID)
	// Каскад: задания и происхождение
	for id, j := range r.s.jobs {
		if j.UploadID == uploadID {
			delete(r.s.jobs, id)
		}
	}
	var kept []*model.LineageEdge
	for _, e := range r.s.lineage {
		if e.OutputUploadID != uploadID && e.SourceUploadID != uploadID {
			kept = append(kept, e)
		}
	}
	r.s.lineage = kept
	return u.Filename, nil
}

func (r *memUploadRepo) ListDerived(_ context.Context, sourceUploadID string) ([]*model.Upload, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Upload
	for _, e := range r.s.lineage {
		if e.SourceUploadID == sourceUploadID {
			if u, ok := r.s.uploads[e.OutputUploadID]; ok {
				out = append(out, u)
			}
		}
	}
	return out, nil
}

func (r *memUploadRepo) GetSource(_ context.Context, outputUploadID string) (*model.LineageEdge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.lineage {
		if e.OutputUploadID == outputUploadID {
			return e, nil
		}
	}
	return nil, repository.ErrNotFound
}

// --- tags ---

type memTagRepo struct{ s *memStore }

func (r *memTagRepo) Create(_ context.Context, name, color string) (*model.Tag, error) {
	if err := repository.ValidateTagName(name); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.tags {
		if t.Name == name {
			return nil, repository.ErrConflict
		}
	}
	t := &model.Tag{ID: uuid.NewString(), Name: name, Color: color, CreatedAt: time.Now().UTC()}
	r.s.tags[t.ID] = t
	return t, nil
}

func (r *memTagRepo) GetByID(_ context.Context, tagID string) (*model.Tag, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tags[tagID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return t, nil
}

func (r *memTagRepo) GetByName(_ context.Context, name string) (*model.Tag, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.getByNameLocked(name)
}

func (r *memTagRepo) getByNameLocked(name string) (*model.Tag, error) {
	for _, t := range r.s.tags {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memTagRepo) GetOrCreateExtension(_ context.Context, ext string) (*model.Tag, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	name := "." + strings.ToLower(ext)
	if t, err := r.getByNameLocked(name); err == nil {
		return t, nil
	}
	t := &model.Tag{
		ID:        uuid.NewString(),
		Name:      name,
		Color:     repository.DefaultExtensionTagColor,
		CreatedAt: time.Now().UTC(),
	}
	r.s.tags[t.ID] = t
	return t, nil
}

func (r *memTagRepo) List(_ context.Context) ([]*model.Tag, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Tag
	for _, t := range r.s.tags {
		out = append(out, t)
	}
	return out, nil
}

func (r *memTagRepo) Update(_ context.Context, tagID string, name, color *string) (*model.Tag, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tags[tagID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if name != nil && *name != t.Name {
		if t.IsExtension() {
			return nil, fmt.Errorf("%w: тег-расширение нельзя переименовать", repository.ErrForbidden)
		}
		if err := repository.ValidateTagName(*name); err != nil {
			return nil, err
		}
		if _, err := r.getByNameLocked(*name); err == nil {
			return nil, repository.ErrConflict
		}
		t.Name = *name
	}
	if color != nil {
		t.Color = *color
	}
	return t, nil
}

func (r *memTagRepo) Delete(_ context.Context, tagID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tags[tagID]; !ok {
		return repository.ErrNotFound
	}
	for _, set := range r.s.uploadTags {
		if set[tagID] {
			return repository.ErrInUse
		}
	}
	for _, f := range r.s.functions {
		for _, t := range append(f.InputTags, f.OutputTags...) {
			if t.ID == tagID {
				return repository.ErrInUse
			}
		}
	}
	delete(r.s.tags, tagID)
	return nil
}

func (r *memTagRepo) AddToUpload(_ context.Context, uploadID, tagID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.uploads[uploadID]; !ok {
		return repository.ErrNotFound
	}
	if _, ok := r.s.tags[tagID]; !ok {
		return repository.ErrNotFound
	}
	if r.s.uploadTags[uploadID] == nil {
		r.s.uploadTags[uploadID] = make(map[string]bool)
	}
	r.s.uploadTags[uploadID][tagID] = true
	return nil
}

func (r *memTagRepo) RemoveFromUpload(_ context.Context, uploadID, tagID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.uploadTags[uploadID], tagID)
	return nil
}

func (r *memTagRepo) ListByUpload(_ context.Context, uploadID string) ([]*model.Tag, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Tag
	for tagID := range r.s.uploadTags[uploadID] {
		if t, ok := r.s.tags[tagID]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// --- functions ---

type memFunctionRepo struct{ s *memStore }

func (r *memFunctionRepo) Create(_ context.Context, f *model.Function) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.functions {
		if existing.Name == f.Name {
			return repository.ErrConflict
		}
	}
	r.s.functions[f.ID] = f
	return nil
}

func (r *memFunctionRepo) GetByID(_ context.Context, functionID string) (*model.Function, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.functions[functionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return f, nil
}

func (r *memFunctionRepo) List(_ context.Context) ([]*model.Function, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Function
	for _, f := range r.s.functions {
		out = append(out, f)
	}
	return out, nil
}

func (r *memFunctionRepo) ListEnabled(_ context.Context) ([]*model.Function, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Function
	for _, f := range r.s.functions {
		if f.Enabled {
			out = append(out, f)
		}
	}
	return out, nil
}

func (r *memFunctionRepo) Update(_ context.Context, functionID string, upd repository.FunctionUpdate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.functions[functionID]
	if !ok {
		return repository.ErrNotFound
	}
	if upd.Name != nil {
		f.Name = *upd.Name
	}
	if upd.Kind != nil {
		f.Kind = *upd.Kind
	}
	if upd.ScriptFilename != nil {
		f.ScriptFilename = *upd.ScriptFilename
	}
	if upd.InputTagIDs != nil {
		f.InputTags = r.tagsByIDsLocked(upd.InputTagIDs)
	}
	if upd.OutputTagIDs != nil {
		f.OutputTags = r.tagsByIDsLocked(upd.OutputTagIDs)
	}
	return nil
}

func (r *memFunctionRepo) tagsByIDsLocked(ids []string) []*model.Tag {
	var out []*model.Tag
	for _, id := range ids {
		if t, ok := r.s.tags[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (r *memFunctionRepo) SetEnabled(_ context.Context, functionID string, enabled bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.functions[functionID]
	if !ok {
		return repository.ErrNotFound
	}
	f.Enabled = enabled
	return nil
}

func (r *memFunctionRepo) Delete(_ context.Context, functionID string) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.functions[functionID]
	if !ok {
		return "", repository.ErrNotFound
	}
	delete(r.s.functions, functionID)
	return f.ScriptFilename, nil
}

// --- jobs ---

type memJobRepo struct{ s *memStore }

func (r *memJobRepo) Create(_ context.Context, j *model.Job) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.jobs {
		if existing.UploadID == j.UploadID && existing.FunctionID == j.FunctionID &&
			!existing.Status.IsTerminal() {
			return repository.ErrConflict
		}
	}
	r.s.jobs[j.ID] = j
	return nil
}

func (r *memJobRepo) GetByID(_ context.Context, jobID string) (*model.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[jobID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return j, nil
}

func (r *memJobRepo) List(_ context.Context, limit, offset int) ([]*model.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Job
	for _, j := range r.s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (r *memJobRepo) Transition(_ context.Context, jobID string, from, to model.JobStatus, errorMessage *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[jobID]
	if !ok {
		return repository.ErrNotFound
	}
	if !model.CanTransition(from, to) || j.Status != from {
		return repository.ErrConflict
	}
	now := time.Now().UTC()
	j.Status = to
	switch to {
	case model.StatusRunning:
		j.StartedAt = &now
	case model.StatusSuccess, model.StatusFailed:
		j.CompletedAt = &now
		j.ErrorMessage = errorMessage
	}
	return nil
}

func (r *memJobRepo) SetOutputs(_ context.Context, jobID string, outputUploadIDs []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[jobID]
	if !ok {
		return repository.ErrNotFound
	}
	j.OutputUploadIDs = outputUploadIDs
	return nil
}

func (r *memJobRepo) HasActive(_ context.Context, uploadID, functionID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, j := range r.s.jobs {
		if j.UploadID == uploadID && j.FunctionID == functionID && !j.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (r *memJobRepo) HasTerminal(_ context.Context, uploadID, functionID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, j := range r.s.jobs {
		if j.UploadID == uploadID && j.FunctionID == functionID && j.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (r *memJobRepo) ListByStatus(_ context.Context, status model.JobStatus) ([]*model.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Job
	for _, j := range r.s.jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memJobRepo) ListActiveByUpload(_ context.Context, uploadID string) ([]*model.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Job
	for _, j := range r.s.jobs {
		if j.UploadID == uploadID && !j.Status.IsTerminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

// --- lineage ---

type memLineageRepo struct{ s *memStore }

func (r *memLineageRepo) Insert(_ context.Context, e *model.LineageEdge) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.lineage = append(r.s.lineage, e)
	return nil
}

func (r *memLineageRepo) ListByOutput(_ context.Context, outputUploadID string) ([]*model.LineageEdge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.LineageEdge
	for _, e := range r.s.lineage {
		if e.OutputUploadID == outputUploadID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memLineageRepo) ListBySource(_ context.Context, sourceUploadID string) ([]*model.LineageEdge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.LineageEdge
	for _, e := range r.s.lineage {
		if e.SourceUploadID == sourceUploadID {
			out = append(out, e)
		}
	}
	return out, nil
}

// page применяет limit/offset к срезу.
func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
