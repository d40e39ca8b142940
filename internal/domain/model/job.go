// job.go — модель задания и конечный автомат его статусов.
//
// Жизненный цикл:
//
//	submitted → running → success
//	                    → failed
//	submitted → failed ("cancelled")
//
// Любой другой переход недопустим и отклоняется репозиторием
// через CAS по текущему статусу.
package model

import (
	"time"
)

// JobStatus — статус задания.
type JobStatus string

const (
	// StatusSubmitted — задание создано, ожидает пермита планировщика
	StatusSubmitted JobStatus = "submitted"
	// StatusRunning — задание выполняется в subprocess
	StatusRunning JobStatus = "running"
	// StatusSuccess — скрипт завершился успешно, выходы зарегистрированы
	StatusSuccess JobStatus = "success"
	// StatusFailed — скрипт завершился с ошибкой либо задание отменено
	StatusFailed JobStatus = "failed"
)

// validJobTransitions — матрица допустимых переходов статусов.
var validJobTransitions = map[JobStatus]map[JobStatus]bool{
	StatusSubmitted: {StatusRunning: true, StatusFailed: true},
	StatusRunning:   {StatusSuccess: true, StatusFailed: true},
	StatusSuccess:   {},
	StatusFailed:    {},
}

// CanTransition сообщает, допустим ли переход from → to.
func CanTransition(from, to JobStatus) bool {
	return validJobTransitions[from][to]
}

// IsTerminal сообщает, является ли статус конечным.
func (s JobStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Job — единица запланированной работы: один запуск одной функции
// над одной загрузкой.
type Job struct {
	// ID — уникальный идентификатор задания (UUID v4)
	ID string `json:"id"`

	// UploadID — целевая загрузка
	UploadID string `json:"upload_id"`

	// FunctionID — выполняемая функция
	FunctionID string `json:"function_id"`

	// ScriptFilename — версия скрипта, которой выполнялось задание.
	// Фиксируется при создании: функция может быть обновлена позже,
	// а lineage должен ссылаться на фактически выполненную версию.
	ScriptFilename string `json:"script_filename"`

	// Status — текущий статус задания
	Status JobStatus `json:"status"`

	// ErrorMessage — сообщение об ошибке (только для failed)
	ErrorMessage *string `json:"error_message,omitempty"`

	// OutputUploadIDs — идентификаторы зарегистрированных выходов.
	// Для success — все выходы, для failed из running — единственная .log
	// загрузка; у задания, отменённого из submitted, список пуст.
	OutputUploadIDs []string `json:"output_upload_ids"`

	// CreatedAt — момент создания (submitted)
	CreatedAt time.Time `json:"created_at"`

	// StartedAt — момент перехода в running (null для submitted)
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt — момент перехода в success/failed
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// UploadFilename — оригинальное имя целевой загрузки (заполняется движком)
	UploadFilename *string `json:"upload_filename,omitempty"`

	// FunctionName — имя функции (заполняется движком)
	FunctionName *string `json:"function_name,omitempty"`

	// OutputFilenames — оригинальные имена выходных загрузок (заполняется движком)
	OutputFilenames []string `json:"output_filenames,omitempty"`
}
