// Пакет blobstore — хранение байтов загрузок и версий скриптов
// на локальной файловой системе.
//
// Две директории:
//   - uploads/{uuid}.{ext} — содержимое загрузок, один blob на загрузку
//   - scripts/{unix_ts}_{function_id}.py — версии скриптов, append-only
//
// Blob после записи не изменяется. Запись: temp файл → fsync →
// атомарный rename.
package blobstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store — управление физическими файлами загрузок и скриптов.
type Store struct {
	// uploadsDir — директория blob'ов загрузок (AU_UPLOADS_DIR)
	uploadsDir string
	// scriptsDir — директория версий скриптов (AU_SCRIPTS_DIR)
	scriptsDir string
}

// SaveResult — результат сохранения blob'а.
type SaveResult struct {
	// Filename — имя файла в директории хранения
	Filename string
	// FullPath — абсолютный путь файла на диске
	FullPath string
	// Size — размер записанных данных в байтах
	Size int64
}

// New создаёт Store. Создаёт директории, если они не существуют.
func New(uploadsDir, scriptsDir string) (*Store, error) {
	for _, dir := range []string{uploadsDir, scriptsDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
		}
	}
	return &Store{uploadsDir: uploadsDir, scriptsDir: scriptsDir}, nil
}

// SaveUpload записывает содержимое загрузки из reader.
// Имя файла: {uuid}.{ext}; ext может быть пустым.
func (s *Store) SaveUpload(reader io.Reader, ext string) (*SaveResult, error) {
	filename := uuid.NewString()
	if ext != "" {
		filename += "." + ext
	}
	return s.write(s.uploadsDir, filename, reader)
}

// ImportUpload переносит готовый файл (выход скрипта) в директорию
// загрузок под новым уникальным именем. Исходный файл не удаляется:
// временная директория задания очищается планировщиком целиком.
func (s *Store) ImportUpload(srcPath, ext string) (*SaveResult, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", srcPath, err)
	}
	defer f.Close()

	return s.SaveUpload(f, ext)
}

// SaveScript записывает новую версию скрипта функции.
// Имя файла: {unix_ts}_{function_id}.py. Старые версии не удаляются:
// на них ссылаются исторические записи заданий.
func (s *Store) SaveScript(source string, functionID string) (*SaveResult, error) {
	filename := fmt.Sprintf("%d_%s.py", time.Now().UTC().UnixNano(), functionID)

	return s.write(s.scriptsDir, filename, strings.NewReader(source))
}

// UploadPath возвращает абсолютный путь blob'а загрузки.
func (s *Store) UploadPath(filename string) string {
	return filepath.Join(s.uploadsDir, filename)
}

// ScriptPath возвращает абсолютный путь файла скрипта.
func (s *Store) ScriptPath(filename string) string {
	return filepath.Join(s.scriptsDir, filename)
}

// OpenUpload открывает blob загрузки для чтения.
// Вызывающий код обязан закрыть файл.
func (s *Store) OpenUpload(filename string) (*os.File, error) {
	f, err := os.Open(s.UploadPath(filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob не найден: %s", filename)
		}
		return nil, fmt.Errorf("ошибка открытия blob %s: %w", filename, err)
	}
	return f, nil
}

// ReadScript возвращает содержимое файла скрипта.
func (s *Store) ReadScript(filename string) (string, error) {
	data, err := os.ReadFile(s.ScriptPath(filename))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("скрипт не найден: %s", filename)
		}
		return "", fmt.Errorf("ошибка чтения скрипта %s: %w", filename, err)
	}
	return string(data), nil
}

// DeleteUpload удаляет blob загрузки. Отсутствие файла не ошибка:
// удаление идемпотентно.
func (s *Store) DeleteUpload(filename string) error {
	if err := os.Remove(s.UploadPath(filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления blob %s: %w", filename, err)
	}
	return nil
}

// DeleteScriptVersions удаляет все версии скриптов функции
// (файлы с суффиксом _{function_id}.py). Вызывается при удалении функции.
func (s *Store) DeleteScriptVersions(functionID string) error {
	entries, err := os.ReadDir(s.scriptsDir)
	if err != nil {
		return fmt.Errorf("ошибка чтения директории скриптов: %w", err)
	}

	suffix := "_" + functionID + ".py"
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), suffix) {
			if err := os.Remove(filepath.Join(s.scriptsDir, entry.Name())); err != nil {
				return fmt.Errorf("ошибка удаления версии скрипта %s: %w", entry.Name(), err)
			}
		}
	}
	return nil
}

// write выполняет запись через temp файл с fsync и атомарным rename.
// При ошибке temp файл удаляется.
func (s *Store) write(dir, filename string, reader io.Reader) (*SaveResult, error) {
	fullPath := filepath.Join(dir, filename)
	tmpPath := fullPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	size, err := io.Copy(f, reader)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	// Атомарный rename
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &SaveResult{
		Filename: filename,
		FullPath: fullPath,
		Size:     size,
	}, nil
}

