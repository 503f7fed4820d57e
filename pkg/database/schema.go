package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock pools.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS hierarchy (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'NEW',
		create_empty_nodes BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS level (
		id BIGSERIAL PRIMARY KEY,
		hierarchy_id BIGINT NOT NULL REFERENCES hierarchy(id) ON DELETE CASCADE,
		parent_id BIGINT REFERENCES level(id) ON DELETE SET NULL,
		level INT NOT NULL,
		name TEXT NOT NULL,
		object_type_id BIGINT NOT NULL,
		is_virtual BOOLEAN NOT NULL DEFAULT FALSE,
		param_type_id BIGINT,
		additional_params_id BIGINT,
		latitude_id BIGINT,
		longitude_id BIGINT,
		attr_as_parent BIGINT,
		show_without_children BOOLEAN NOT NULL DEFAULT TRUE,
		key_attrs TEXT[] NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (hierarchy_id, name)
	)`,
	`CREATE INDEX IF NOT EXISTS level_object_type_idx ON level (object_type_id)`,
	`CREATE TABLE IF NOT EXISTS obj (
		id UUID PRIMARY KEY,
		hierarchy_id BIGINT NOT NULL REFERENCES hierarchy(id) ON DELETE CASCADE,
		level_id BIGINT NOT NULL REFERENCES level(id) ON DELETE CASCADE,
		level INT NOT NULL,
		object_type_id BIGINT NOT NULL,
		key TEXT NOT NULL,
		key_is_empty BOOLEAN NOT NULL DEFAULT FALSE,
		object_id BIGINT,
		additional_params TEXT,
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		parent_id UUID REFERENCES obj(id) ON DELETE CASCADE,
		path TEXT NOT NULL DEFAULT '',
		child_count INT NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS obj_parent_idx ON obj (parent_id)`,
	`CREATE INDEX IF NOT EXISTS obj_virtual_idx ON obj (level_id, key, active)`,
	`CREATE INDEX IF NOT EXISTS obj_path_idx ON obj (hierarchy_id, path text_pattern_ops)`,
	`CREATE TABLE IF NOT EXISTS node_data (
		id BIGSERIAL PRIMARY KEY,
		level_id BIGINT NOT NULL REFERENCES level(id) ON DELETE CASCADE,
		node_id UUID NOT NULL REFERENCES obj(id) ON DELETE CASCADE,
		mo_id BIGINT NOT NULL,
		mo_name TEXT NOT NULL DEFAULT '',
		mo_p_id BIGINT,
		mo_tmo_id BIGINT NOT NULL,
		mo_active BOOLEAN NOT NULL DEFAULT TRUE,
		mo_latitude DOUBLE PRECISION,
		mo_longitude DOUBLE PRECISION,
		mo_status TEXT,
		mo_self_parent_id BIGINT,
		unfolded_key JSONB NOT NULL DEFAULT '{}'::jsonb,
		UNIQUE (level_id, mo_id)
	)`,
	`CREATE INDEX IF NOT EXISTS node_data_node_idx ON node_data (node_id)`,
	`CREATE INDEX IF NOT EXISTS node_data_mo_idx ON node_data (mo_id)`,
	`CREATE INDEX IF NOT EXISTS node_data_parent_mo_idx ON node_data (level_id, mo_p_id)`,
	`CREATE INDEX IF NOT EXISTS node_data_self_parent_idx ON node_data (level_id, mo_self_parent_id)`,
	`CREATE TABLE IF NOT EXISTS hierarchy_rebuild_order (
		hierarchy_id BIGINT PRIMARY KEY REFERENCES hierarchy(id) ON DELETE CASCADE,
		on_rebuild BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate applies the schema. Statements are idempotent.
func Migrate(ctx context.Context, db Execer) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
