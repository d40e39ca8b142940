// store.go — доступ сервисного слоя к данным.
// Repos — набор репозиториев над одним DBTX; Store выдаёт репозитории
// для одиночных операций и выполняет составные записи в транзакции.
package service

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/datalab/automation-module/internal/repository"
)

// Repos — репозитории всех агрегатов над общим DBTX.
type Repos struct {
	Uploads   repository.UploadRepository
	Tags      repository.TagRepository
	Functions repository.FunctionRepository
	Jobs      repository.JobRepository
	Lineage   repository.LineageRepository
}

// NewRepos создаёт набор репозиториев над db (pool или транзакция).
func NewRepos(db repository.DBTX) *Repos {
	return &Repos{
		Uploads:   repository.NewUploadRepository(db),
		Tags:      repository.NewTagRepository(db),
		Functions: repository.NewFunctionRepository(db),
		Jobs:      repository.NewJobRepository(db),
		Lineage:   repository.NewLineageRepository(db),
	}
}

// Store — точка доступа сервисов к данным.
// Repos() — репозитории вне транзакции (каждый вызов — своя команда),
// InTx() — составная запись в одной транзакции.
type Store interface {
	Repos() *Repos
	InTx(ctx context.Context, fn func(r *Repos) error) error
}

// PgStore — реализация Store поверх pgxpool.
type PgStore struct {
	repos *Repos
	tx    *repository.TxRunner
}

// NewPgStore создаёт Store поверх пула подключений.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{
		repos: NewRepos(pool),
		tx:    repository.NewTxRunner(pool),
	}
}

// Repos возвращает репозитории вне транзакции.
func (s *PgStore) Repos() *Repos {
	return s.repos
}

// InTx выполняет fn в одной транзакции; репозитории внутри fn
// работают через pgx.Tx.
func (s *PgStore) InTx(ctx context.Context, fn func(r *Repos) error) error {
	return s.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		return fn(NewRepos(tx))
	})
}
