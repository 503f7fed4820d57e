package repositories

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Database is the query surface shared by *pgxpool.Pool, pgx.Tx and pgxmock.
type Database interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Pool is a Database that can open transactions.
type Pool interface {
	Database
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repos groups the repositories bound to one connection or transaction.
type Repos struct {
	Hierarchies   HierarchyRepository
	Levels        LevelRepository
	Objs          ObjRepository
	NodeData      NodeDataRepository
	RebuildOrders RebuildOrderRepository
}

// Store hands out repositories. InTx runs fn in a single transaction and commits only when fn succeeds.
type Store interface {
	Repos() Repos
	InTx(ctx context.Context, fn func(r Repos) error) error
}

type pgStore struct {
	pool Pool
}

func NewStore(pool Pool) Store {
	return &pgStore{pool: pool}
}

func NewRepos(db Database) Repos {
	return Repos{
		Hierarchies:   NewHierarchyRepo(db),
		Levels:        NewLevelRepo(db),
		Objs:          NewObjRepo(db),
		NodeData:      NewNodeDataRepo(db),
		RebuildOrders: NewRebuildOrderRepo(db),
	}
}

func (s *pgStore) Repos() Repos {
	return NewRepos(s.pool)
}

func (s *pgStore) InTx(ctx context.Context, fn func(r Repos) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := fn(NewRepos(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}
