// Пакет runner — запуск пользовательских скриптов в изолированном
// subprocess через uv run --script.
//
// Скрипт объявляет рантайм и зависимости PEP-723 метаданными в шапке
// файла и экспортирует функцию main(path), возвращающую ноль или более
// путей. Runner дописывает к скрипту драйверный блок, который вызывает
// main с входным путём и печатает возвращённые пути в stdout по одному
// на строку с префиксом "OUTPUT: ". Решение зависимостей и venv
// делегированы uv.
//
// Runner — чистая функция своих аргументов: не обращается ни к
// репозиторию, ни к blobstore.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики runner'а.
var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "au_runner_runs_total",
		Help: "Общее количество запусков скриптов по результату.",
	}, []string{"result"})

	runDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "au_runner_duration_seconds",
		Help:    "Длительность выполнения скрипта в секундах.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600},
	})
)

// maxStderrBytes — предел захвата stderr, пишется в error_message задания.
const maxStderrBytes = 64 * 1024

// driverFilename — имя обёрнутого скрипта во временной директории задания.
const driverFilename = "__runner__.py"

// outputPrefix — префикс строк stdout с путями выходных файлов.
const outputPrefix = "OUTPUT: "

// driverBlock — блок, дописываемый к пользовательскому скрипту.
// PEP-723 шапка остаётся в начале файла, uv видит её без изменений.
const driverBlock = `

if __name__ == "__main__":
    import sys
    from pathlib import Path

    _input_path = Path(sys.argv[1])
    try:
        _result = main(_input_path)
    except Exception:
        import traceback
        traceback.print_exc()
        sys.exit(1)

    if _result is None:
        _paths = []
    elif isinstance(_result, (list, tuple)):
        _paths = list(_result)
    else:
        _paths = [_result]

    for _p in _paths:
        print("OUTPUT: " + str(Path(_p).resolve()))
`

// ErrorKind — вид ошибки выполнения скрипта.
type ErrorKind string

const (
	// KindNonZeroExit — скрипт завершился с ненулевым кодом
	KindNonZeroExit ErrorKind = "non_zero_exit"
	// KindTimeout — скрипт превысил таймаут и был убит
	KindTimeout ErrorKind = "timeout"
	// KindMissingOutput — заявленный путь отсутствует на диске
	KindMissingOutput ErrorKind = "missing_output"
	// KindDriverParse — stdout драйвера не разбирается
	KindDriverParse ErrorKind = "driver_parse"
)

// Error — ошибка выполнения скрипта. Записывается в error_message
// задания и не распространяется как ошибка движка.
type Error struct {
	// Kind — вид ошибки
	Kind ErrorKind
	// Message — краткое описание
	Message string
	// Stderr — захваченный stderr скрипта (до maxStderrBytes)
	Stderr string
}

func (e *Error) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s\n%s", e.Kind, e.Message, e.Stderr)
}

// Runner — исполнитель пользовательских скриптов.
type Runner struct {
	// uvBin — бинарь запуска (uv)
	uvBin string
	// timeout — предел времени выполнения одного скрипта
	timeout time.Duration
	// killGrace — пауза между SIGTERM и SIGKILL
	killGrace time.Duration
	logger    *slog.Logger
}

// New создаёт Runner.
func New(uvBin string, timeout, killGrace time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		uvBin:     uvBin,
		timeout:   timeout,
		killGrace: killGrace,
		logger:    logger.With(slog.String("component", "runner")),
	}
}

// Run выполняет скрипт над входным файлом.
// scriptSource — содержимое версии скрипта; inputPath — абсолютный путь
// входного файла; outputDir — существующая директория, cwd процесса.
// Возвращает абсолютные пути выходных файлов внутри outputDir.
func (r *Runner) Run(ctx context.Context, scriptSource, inputPath, outputDir string) ([]string, error) {
	start := time.Now()
	outputs, err := r.run(ctx, scriptSource, inputPath, outputDir)
	runDurationSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		var runErr *Error
		if errors.As(err, &runErr) {
			runsTotal.WithLabelValues(string(runErr.Kind)).Inc()
		} else {
			runsTotal.WithLabelValues("internal").Inc()
		}
		return nil, err
	}
	runsTotal.WithLabelValues("success").Inc()
	return outputs, nil
}

func (r *Runner) run(ctx context.Context, scriptSource, inputPath, outputDir string) ([]string, error) {
	// Обёрнутый скрипт: исходник + драйверный блок
	driverPath := filepath.Join(outputDir, driverFilename)
	if err := os.WriteFile(driverPath, []byte(scriptSource+driverBlock), 0o600); err != nil {
		return nil, fmt.Errorf("ошибка записи драйвера: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.Command(r.uvBin, "run", "--script", driverPath, inputPath)
	cmd.Dir = outputDir
	// Отдельная process group: SIGTERM/SIGKILL достаёт и дочерние процессы скрипта
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout bytes.Buffer
	stderr := newBoundedBuffer(maxStderrBytes)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, &Error{
			Kind:    KindNonZeroExit,
			Message: fmt.Sprintf("не удалось запустить %s: %v", r.uvBin, err),
		}
	}

	// Завершение по таймауту: SIGTERM группе, через killGrace — SIGKILL
	done := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			pgid := -cmd.Process.Pid
			_ = syscall.Kill(pgid, syscall.SIGTERM)
			select {
			case <-done:
			case <-time.After(r.killGrace):
				_ = syscall.Kill(pgid, syscall.SIGKILL)
			}
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, &Error{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("скрипт превысил таймаут %s", r.timeout),
			Stderr:  stderr.String(),
		}
	}

	if waitErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, &Error{
			Kind:    KindNonZeroExit,
			Message: fmt.Sprintf("скрипт завершился с кодом %d", exitCode),
			Stderr:  stderr.String(),
		}
	}

	outputs, err := parseOutputs(stdout.String(), outputDir)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("скрипт выполнен",
		slog.String("input", inputPath),
		slog.Int("outputs", len(outputs)),
	)
	return outputs, nil
}

// parseOutputs разбирает stdout драйвера: строки с префиксом "OUTPUT: "
// содержат пути выходных файлов. Прочие строки (print пользовательского
// кода) игнорируются. Каждый путь обязан существовать и лежать внутри
// outputDir.
func parseOutputs(stdout, outputDir string) ([]string, error) {
	var outputs []string

	for _, line := range strings.Split(stdout, "\n") {
		if !strings.HasPrefix(line, outputPrefix) {
			continue
		}
		path := strings.TrimSpace(strings.TrimPrefix(line, outputPrefix))
		if path == "" {
			return nil, &Error{
				Kind:    KindDriverParse,
				Message: "пустой путь в выводе драйвера",
			}
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(outputDir, path)
		}

		// Путь обязан лежать внутри выходной директории
		rel, err := filepath.Rel(outputDir, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
			return nil, &Error{
				Kind:    KindDriverParse,
				Message: fmt.Sprintf("путь %s вне выходной директории", path),
			}
		}

		if _, err := os.Stat(path); err != nil {
			return nil, &Error{
				Kind:    KindMissingOutput,
				Message: fmt.Sprintf("заявленный выходной файл отсутствует: %s", path),
			}
		}

		outputs = append(outputs, path)
	}

	return outputs, nil
}

// boundedBuffer — буфер с верхней границей размера: байты сверх
// предела отбрасываются, хвост помечается маркером усечения.
type boundedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if b.buf.Len() >= b.limit {
		b.truncated = true
		return len(p), nil
	}
	room := b.limit - b.buf.Len()
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n... [вывод усечён]"
	}
	return b.buf.String()
}
