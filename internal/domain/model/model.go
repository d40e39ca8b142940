// Пакет model — доменные модели Automation Module.
// Upload, Tag, Function, Job, LineageEdge — записи, хранящиеся в PostgreSQL.
// Файловое содержимое лежит в blobstore, здесь только метаданные.
package model

import (
	"strings"
	"time"
)

// Upload — зарегистрированный файл.
type Upload struct {
	// ID — уникальный идентификатор загрузки (UUID v4)
	ID string `json:"id"`

	// Filename — имя файла в blobstore (уникальное, выбирается движком).
	// Формат: {uuid}.{ext}
	Filename string `json:"filename"`

	// OriginalFilename — оригинальное имя файла при загрузке (не уникальное)
	OriginalFilename string `json:"original_filename"`

	// FileSize — размер файла в байтах
	FileSize int64 `json:"file_size"`

	// MimeType — MIME-тип файла (опционально)
	MimeType *string `json:"mime_type,omitempty"`

	// CreatedAt — дата и время регистрации (UTC)
	CreatedAt time.Time `json:"created_at"`

	// Tags — теги загрузки (заполняется движком при выборке)
	Tags []*Tag `json:"tags,omitempty"`
}

// Ext возвращает расширение оригинального имени файла без точки,
// в нижнем регистре. Пустая строка, если расширения нет.
func (u *Upload) Ext() string {
	return FileExt(u.OriginalFilename)
}

// Tag — именованная цветная метка.
type Tag struct {
	// ID — уникальный идентификатор тега (UUID v4)
	ID string `json:"id"`

	// Name — имя тега (глобально уникальное, без символа '+').
	// Имена с префиксом '.' — расширения файлов, создаются автоматически.
	Name string `json:"name"`

	// Color — цвет отображения (непрозрачная строка, например "#6b7280")
	Color string `json:"color"`

	// CreatedAt — дата и время создания (UTC)
	CreatedAt time.Time `json:"created_at"`
}

// IsExtension сообщает, является ли тег тегом-расширением.
// Теги-расширения нельзя переименовывать, удалять можно только
// когда ни одна загрузка на них не ссылается.
func (t *Tag) IsExtension() bool {
	return IsExtensionTagName(t.Name)
}

// IsExtensionTagName проверяет имя тега на префикс '.'.
func IsExtensionTagName(name string) bool {
	return len(name) > 1 && name[0] == '.'
}

// FunctionKind — семантическая подсказка о назначении функции.
// На выполнение не влияет.
type FunctionKind string

const (
	// KindTransform — функция преобразует данные
	KindTransform FunctionKind = "transform"
	// KindConvert — функция конвертирует формат
	KindConvert FunctionKind = "convert"
)

// Function — пользовательская автоматизация: скрипт плюс предикат
// входных тегов и набор выходных тегов.
type Function struct {
	// ID — уникальный идентификатор функции (UUID v4)
	ID string `json:"id"`

	// Name — имя функции (глобально уникальное)
	Name string `json:"name"`

	// ScriptFilename — имя файла скрипта в blobstore.
	// Формат: {unix_ts}_{function_id}.py. Файл неизменяем:
	// обновление скрипта записывает новую версию и меняет ссылку.
	ScriptFilename string `json:"script_filename"`

	// Enabled — участвует ли функция в подборе триггеров
	Enabled bool `json:"enabled"`

	// Kind — семантическая подсказка (transform, convert)
	Kind FunctionKind `json:"kind"`

	// CreatedAt — дата и время регистрации (UTC)
	CreatedAt time.Time `json:"created_at"`

	// InputTags — предикат: функция подходит загрузке, если
	// все входные теги присутствуют у загрузки. Непустой.
	InputTags []*Tag `json:"input_tags"`

	// OutputTags — теги, навешиваемые на успешные выходные файлы
	OutputTags []*Tag `json:"output_tags"`
}

// InputTagIDs возвращает идентификаторы входных тегов.
func (f *Function) InputTagIDs() []string {
	ids := make([]string, 0, len(f.InputTags))
	for _, t := range f.InputTags {
		ids = append(ids, t.ID)
	}
	return ids
}

// OutputTagIDs возвращает идентификаторы выходных тегов.
func (f *Function) OutputTagIDs() []string {
	ids := make([]string, 0, len(f.OutputTags))
	for _, t := range f.OutputTags {
		ids = append(ids, t.ID)
	}
	return ids
}

// LineageEdge — неизменяемая запись происхождения файла:
// выходная загрузка ← исходная загрузка через функцию.
type LineageEdge struct {
	// ID — уникальный идентификатор записи (UUID v4)
	ID string `json:"id"`

	// OutputUploadID — идентификатор выходной загрузки
	OutputUploadID string `json:"output_upload_id"`

	// SourceUploadID — идентификатор исходной загрузки
	SourceUploadID string `json:"source_upload_id"`

	// FunctionID — идентификатор функции, породившей выход
	FunctionID string `json:"function_id"`

	// Success — true для нормального выхода, false для .log при ошибке
	Success bool `json:"success"`

	// CreatedAt — дата и время создания записи (UTC)
	CreatedAt time.Time `json:"created_at"`
}

// FileExt возвращает расширение имени файла без точки, в нижнем
// регистре. Пустая строка для имён без расширения ("README", ".gitignore").
func FileExt(filename string) string {
	for i := len(filename) - 1; i > 0; i-- {
		if filename[i] == '.' {
			return strings.ToLower(filename[i+1:])
		}
		if filename[i] == '/' {
			return ""
		}
	}
	return ""
}
