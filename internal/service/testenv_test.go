package service

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bigkaa/datalab/automation-module/internal/runner"
	"github.com/bigkaa/datalab/automation-module/internal/storage/blobstore"
)

// fakeUV — shell-эмуляция uv run --script для тестов: поведение
// управляется маркерами в тексте скрипта.
//
//	FAKE:FAIL        — ненулевой выход с traceback в stderr
//	FAKE:SLEEP=<sec> — задержка перед завершением
//	FAKE:OUT=<name>  — скопировать вход в <name> и объявить его выходом
const fakeUV = `#!/bin/sh
driver="$3"
input="$4"

if grep -q "FAKE:FAIL" "$driver"; then
    echo "Traceback (most recent call last):" >&2
    echo "ValueError: сломанный скрипт" >&2
    exit 1
fi

delay=$(grep -o 'FAKE:SLEEP=[0-9.]*' "$driver" | head -1 | cut -d= -f2)
if [ -n "$delay" ]; then
    sleep "$delay"
fi

for out in $(grep -o 'FAKE:OUT=[^ ]*' "$driver" | cut -d= -f2); do
    cp "$input" "$out"
    echo "OUTPUT: $(pwd)/$out"
done
exit 0
`

// testLogger — slog-логгер тестов: только предупреждения и ошибки.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// testEnv — собранный движок над in-memory store и фейковым uv.
type testEnv struct {
	store  *memStore
	blobs  *blobstore.Store
	engine *Engine
	jobs   *JobManager
	sched  *Scheduler
	cache  *FunctionCache
}

// newTestEnv собирает движок с указанным числом пермитов.
func newTestEnv(t *testing.T, maxConcurrent int) *testEnv {
	t.Helper()

	dir := t.TempDir()
	blobs, err := blobstore.New(filepath.Join(dir, "uploads"), filepath.Join(dir, "scripts"))
	if err != nil {
		t.Fatalf("blobstore.New ошибка: %v", err)
	}

	binPath := filepath.Join(dir, "uv")
	if err := os.WriteFile(binPath, []byte(fakeUV), 0o755); err != nil {
		t.Fatalf("WriteFile ошибка: %v", err)
	}

	logger := testLogger()

	store := newMemStore()
	cache := NewFunctionCache(16, 50*time.Millisecond)
	resolver := NewResolver(store, cache, logger)
	jobs := NewJobManager(store, blobs, logger)
	run := runner.New(binPath, 10*time.Second, 500*time.Millisecond, logger)
	sched := NewScheduler(jobs, store, blobs, run, maxConcurrent,
		2*time.Second, filepath.Join(dir, "output"), logger)
	engine := NewEngine(store, blobs, resolver, jobs, sched, cache, logger)

	t.Cleanup(sched.Close)

	return &testEnv{
		store:  store,
		blobs:  blobs,
		engine: engine,
		jobs:   jobs,
		sched:  sched,
		cache:  cache,
	}
}

// waitFor опрашивает условие до истечения таймаута.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("таймаут ожидания: %s", desc)
}
