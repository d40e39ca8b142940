package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/datalab/automation-module/internal/domain/model"
)

// insertJob вставляет задание в заданном статусе с заданным started_at.
func insertJob(t *testing.T, env *testEnv, upload *model.Upload, function *model.Function,
	status model.JobStatus, startedAgo time.Duration) *model.Job {
	t.Helper()
	ctx := context.Background()

	job := &model.Job{
		ID: uuid.NewString(), UploadID: upload.ID, FunctionID: function.ID,
		ScriptFilename: function.ScriptFilename, Status: model.StatusSubmitted,
		CreatedAt: time.Now().UTC().Add(-startedAgo),
	}
	if err := env.store.Repos().Jobs.Create(ctx, job); err != nil {
		t.Fatalf("Create ошибка: %v", err)
	}
	if status == model.StatusRunning {
		if err := env.store.Repos().Jobs.Transition(ctx, job.ID,
			model.StatusSubmitted, model.StatusRunning, nil); err != nil {
			t.Fatalf("Transition ошибка: %v", err)
		}
		started := time.Now().UTC().Add(-startedAgo)
		job.StartedAt = &started
		// Подмена started_at для имитации давно зависшего задания
		stored, _ := env.store.Repos().Jobs.GetByID(ctx, job.ID)
		stored.StartedAt = &started
	}
	return job
}

// newReconciler создаёт сверку с коротким порогом зависания.
func newReconciler(env *testEnv, staleAfter time.Duration) *Reconciler {
	return NewReconciler(env.store, env.jobs, env.sched, staleAfter, time.Hour, testLogger())
}

// TestRecoverAtStartup_InterruptsRunning — running задания прошлого
// запуска закрываются как failed ("interrupted") с .log загрузкой.
func TestRecoverAtStartup_InterruptsRunning(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()
	upload, function := setupJobPair(t, env)

	job := insertJob(t, env, upload, function, model.StatusRunning, time.Minute)

	rc := newReconciler(env, time.Hour)
	result, err := rc.RecoverAtStartup(ctx)
	if err != nil {
		t.Fatalf("RecoverAtStartup ошибка: %v", err)
	}
	if result.Interrupted != 1 {
		t.Errorf("Interrupted = %d, ожидался 1", result.Interrupted)
	}

	got, _ := env.store.Repos().Jobs.GetByID(ctx, job.ID)
	if got.Status != model.StatusFailed {
		t.Fatalf("статус = %s, ожидался failed", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "interrupted" {
		t.Errorf("error_message = %v, ожидался interrupted", got.ErrorMessage)
	}
}

// TestRecoverAtStartup_ResubmitsSubmitted — submitted задания прошлого
// запуска снова отдаются планировщику и доходят до завершения.
func TestRecoverAtStartup_ResubmitsSubmitted(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	a, _ := env.engine.CreateTag(ctx, "a", "#111111")
	f, err := env.engine.CreateFunction(ctx, CreateFunctionParams{
		Name: "fn", ScriptContent: "# FAKE:OUT=o.json\ndef main(path): ...",
		Enabled: false, InputTagIDs: []string{a.ID},
	})
	if err != nil {
		t.Fatalf("CreateFunction ошибка: %v", err)
	}
	upload := uploadCSV(t, env, "recover.csv")

	job := insertJob(t, env, upload, f, model.StatusSubmitted, 0)

	rc := newReconciler(env, time.Hour)
	result, err := rc.RecoverAtStartup(ctx)
	if err != nil {
		t.Fatalf("RecoverAtStartup ошибка: %v", err)
	}
	if result.Resubmitted != 1 {
		t.Errorf("Resubmitted = %d, ожидался 1", result.Resubmitted)
	}

	waitFor(t, 5*time.Second, func() bool {
		got, _ := env.store.Repos().Jobs.GetByID(ctx, job.ID)
		return got != nil && got.Status == model.StatusSuccess
	}, "восстановленное задание должно завершиться")
}

// TestRunOnce_OnlyStaleInterrupted — периодическая сверка закрывает
// только задания старше порога.
func TestRunOnce_OnlyStaleInterrupted(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	a, _ := env.engine.CreateTag(ctx, "a", "#111111")
	f1, err := env.engine.CreateFunction(ctx, CreateFunctionParams{
		Name: "fn1", ScriptContent: "def main(path): ...",
		Enabled: false, InputTagIDs: []string{a.ID},
	})
	if err != nil {
		t.Fatalf("CreateFunction ошибка: %v", err)
	}
	f2, err := env.engine.CreateFunction(ctx, CreateFunctionParams{
		Name: "fn2", ScriptContent: "def main(path): ...",
		Enabled: false, InputTagIDs: []string{a.ID},
	})
	if err != nil {
		t.Fatalf("CreateFunction ошибка: %v", err)
	}
	upload := uploadCSV(t, env, "stale.csv")

	staleJob := insertJob(t, env, upload, f1, model.StatusRunning, 2*time.Hour)
	freshJob := insertJob(t, env, upload, f2, model.StatusRunning, time.Second)

	rc := newReconciler(env, time.Hour)
	result := rc.RunOnce(ctx)
	if result.Interrupted != 1 {
		t.Errorf("Interrupted = %d, ожидался 1", result.Interrupted)
	}

	gotStale, _ := env.store.Repos().Jobs.GetByID(ctx, staleJob.ID)
	if gotStale.Status != model.StatusFailed {
		t.Errorf("зависшее задание: статус = %s, ожидался failed", gotStale.Status)
	}
	gotFresh, _ := env.store.Repos().Jobs.GetByID(ctx, freshJob.ID)
	if gotFresh.Status != model.StatusRunning {
		t.Errorf("свежее задание: статус = %s, ожидался running", gotFresh.Status)
	}
}

// TestStartStop — фоновая горутина сверки останавливается без паники.
func TestStartStop(t *testing.T) {
	env := newTestEnv(t, 1)

	rc := NewReconciler(env.store, env.jobs, env.sched, time.Hour, 10*time.Millisecond, testLogger())
	rc.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	rc.Stop()
}
