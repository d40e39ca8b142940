package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/bigkaa/datalab/automation-module/internal/domain/model"
	"github.com/bigkaa/datalab/automation-module/internal/repository"
)

// setupJobPair создаёт загрузку и функцию для тестов JobManager.
func setupJobPair(t *testing.T, env *testEnv) (*model.Upload, *model.Function) {
	t.Helper()
	ctx := context.Background()

	a, err := env.engine.CreateTag(ctx, "in", "#111111")
	if err != nil {
		t.Fatalf("CreateTag ошибка: %v", err)
	}
	out, err := env.engine.CreateTag(ctx, "out", "#222222")
	if err != nil {
		t.Fatalf("CreateTag ошибка: %v", err)
	}

	f, err := env.engine.CreateFunction(ctx, CreateFunctionParams{
		Name:          "fn",
		ScriptContent: "def main(path): ...",
		Enabled:       false, // без автозапуска: задания создаются вручную
		InputTagIDs:   []string{a.ID},
		OutputTagIDs:  []string{out.ID},
	})
	if err != nil {
		t.Fatalf("CreateFunction ошибка: %v", err)
	}

	u := uploadCSV(t, env, "target.csv")
	return u, f
}

// TestJobLifecycle_OK — create → admit → finish_ok с регистрацией выходов.
func TestJobLifecycle_OK(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()
	upload, function := setupJobPair(t, env)

	job, err := env.jobs.Create(ctx, upload, function)
	if err != nil {
		t.Fatalf("Create ошибка: %v", err)
	}
	if job.Status != model.StatusSubmitted {
		t.Errorf("статус = %s, ожидался submitted", job.Status)
	}
	if job.ScriptFilename != function.ScriptFilename {
		t.Error("версия скрипта не зафиксирована в задании")
	}

	if err := env.jobs.Admit(ctx, job.ID); err != nil {
		t.Fatalf("Admit ошибка: %v", err)
	}
	got, _ := env.store.Repos().Jobs.GetByID(ctx, job.ID)
	if got.Status != model.StatusRunning || got.StartedAt == nil {
		t.Errorf("после Admit: статус=%s, started_at=%v", got.Status, got.StartedAt)
	}

	// Два выходных файла
	outDir := t.TempDir()
	for _, name := range []string{"r1.json", "r2.json"} {
		if err := os.WriteFile(filepath.Join(outDir, name), []byte("{}"), 0o644); err != nil {
			t.Fatalf("WriteFile ошибка: %v", err)
		}
	}
	newIDs, err := env.jobs.FinishOK(ctx, job.ID, []Output{
		{Path: filepath.Join(outDir, "r1.json"), Filename: "r1.json"},
		{Path: filepath.Join(outDir, "r2.json"), Filename: "r2.json"},
	})
	if err != nil {
		t.Fatalf("FinishOK ошибка: %v", err)
	}
	if len(newIDs) != 2 {
		t.Fatalf("новых загрузок = %d, ожидалось 2", len(newIDs))
	}

	got, _ = env.store.Repos().Jobs.GetByID(ctx, job.ID)
	if got.Status != model.StatusSuccess || got.CompletedAt == nil {
		t.Errorf("после FinishOK: статус=%s", got.Status)
	}
	if len(got.OutputUploadIDs) != 2 {
		t.Errorf("output_upload_ids = %d, ожидалось 2", len(got.OutputUploadIDs))
	}

	// Каждый выход: выходные теги функции + тег-расширение, lineage success=true
	for _, id := range newIDs {
		tags, _ := env.store.Repos().Tags.ListByUpload(ctx, id)
		names := map[string]bool{}
		for _, tg := range tags {
			names[tg.Name] = true
		}
		if !names["out"] || !names[".json"] {
			t.Errorf("теги выхода %s = %v", id, names)
		}

		edge, err := env.store.Repos().Uploads.GetSource(ctx, id)
		if err != nil || !edge.Success || edge.SourceUploadID != upload.ID {
			t.Errorf("происхождение %s: %+v, err=%v", id, edge, err)
		}
	}
}

// TestJobLifecycle_Fail — finish_fail создаёт .log и пишет ошибку.
func TestJobLifecycle_Fail(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()
	upload, function := setupJobPair(t, env)

	job, _ := env.jobs.Create(ctx, upload, function)
	_ = env.jobs.Admit(ctx, job.ID)

	stderr := "Traceback (most recent call last):\nValueError: boom"
	if err := env.jobs.FinishFail(ctx, job.ID, stderr); err != nil {
		t.Fatalf("FinishFail ошибка: %v", err)
	}

	got, _ := env.store.Repos().Jobs.GetByID(ctx, job.ID)
	if got.Status != model.StatusFailed {
		t.Fatalf("статус = %s, ожидался failed", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != stderr {
		t.Errorf("error_message = %v", got.ErrorMessage)
	}
	if len(got.OutputUploadIDs) != 1 {
		t.Fatalf("выходов = %d, ожидался 1 (.log)", len(got.OutputUploadIDs))
	}

	// Содержимое .log — захваченный stderr
	logUpload, _ := env.store.Repos().Uploads.GetByID(ctx, got.OutputUploadIDs[0])
	f, err := env.blobs.OpenUpload(logUpload.Filename)
	if err != nil {
		t.Fatalf("OpenUpload ошибка: %v", err)
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	if string(data) != stderr {
		t.Errorf(".log содержимое = %q", data)
	}
}

// TestJobDeduplication — вторая попытка создать задание активной пары
// отклоняется; после завершения пара снова доступна.
func TestJobDeduplication(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()
	upload, function := setupJobPair(t, env)

	job, err := env.jobs.Create(ctx, upload, function)
	if err != nil {
		t.Fatalf("Create ошибка: %v", err)
	}

	if _, err := env.jobs.Create(ctx, upload, function); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("дубликат пары: ожидался ErrConflict, получено %v", err)
	}

	_ = env.jobs.Admit(ctx, job.ID)
	if _, err := env.jobs.Create(ctx, upload, function); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("дубликат running пары: ожидался ErrConflict, получено %v", err)
	}

	_ = env.jobs.FinishFail(ctx, job.ID, "boom")
	if _, err := env.jobs.Create(ctx, upload, function); err != nil {
		t.Fatalf("после завершения пара должна быть доступна: %v", err)
	}
}

// TestAdmitConflicts — допуск отменённого или завершённого задания
// отклоняется с ErrConflict.
func TestAdmitConflicts(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()
	upload, function := setupJobPair(t, env)

	job, _ := env.jobs.Create(ctx, upload, function)
	if err := env.jobs.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel ошибка: %v", err)
	}

	if err := env.jobs.Admit(ctx, job.ID); !errors.Is(err, repository.ErrConflict) {
		t.Errorf("допуск отменённого: ожидался ErrConflict, получено %v", err)
	}

	// Повторная отмена тоже конфликт
	if err := env.jobs.Cancel(ctx, job.ID); !errors.Is(err, repository.ErrConflict) {
		t.Errorf("повторная отмена: ожидался ErrConflict, получено %v", err)
	}
}
