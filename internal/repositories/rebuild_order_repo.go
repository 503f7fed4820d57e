package repositories

import (
	"context"

	"mohierarchy/internal/models"
)

type RebuildOrderRepository interface {
	List(ctx context.Context) ([]*models.HierarchyRebuildOrder, error)
	// Enqueue records an owed rebuild. An existing order is left untouched.
	Enqueue(ctx context.Context, hierarchyID int64) error
	// Acquire flips an idle order to running. It reports false when there is no idle order.
	Acquire(ctx context.Context, hierarchyID int64) (bool, error)
	Release(ctx context.Context, hierarchyID int64) error
	Delete(ctx context.Context, hierarchyID int64) error
}

type rebuildOrderRepo struct {
	db Database
}

func NewRebuildOrderRepo(db Database) RebuildOrderRepository {
	return &rebuildOrderRepo{db: db}
}

func (r *rebuildOrderRepo) List(ctx context.Context) ([]*models.HierarchyRebuildOrder, error) {
	query := `SELECT hierarchy_id, on_rebuild, created_at FROM hierarchy_rebuild_order ORDER BY created_at, hierarchy_id`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.HierarchyRebuildOrder
	for rows.Next() {
		o := &models.HierarchyRebuildOrder{}
		if err := rows.Scan(&o.HierarchyID, &o.OnRebuild, &o.CreatedAt); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (r *rebuildOrderRepo) Enqueue(ctx context.Context, hierarchyID int64) error {
	query := `
		INSERT INTO hierarchy_rebuild_order (hierarchy_id, on_rebuild, created_at)
		VALUES ($1, FALSE, NOW())
		ON CONFLICT (hierarchy_id) DO NOTHING
	`
	_, err := r.db.Exec(ctx, query, hierarchyID)
	return err
}

func (r *rebuildOrderRepo) Acquire(ctx context.Context, hierarchyID int64) (bool, error) {
	query := `UPDATE hierarchy_rebuild_order SET on_rebuild = TRUE WHERE hierarchy_id = $1 AND NOT on_rebuild`
	tag, err := r.db.Exec(ctx, query, hierarchyID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *rebuildOrderRepo) Release(ctx context.Context, hierarchyID int64) error {
	query := `UPDATE hierarchy_rebuild_order SET on_rebuild = FALSE WHERE hierarchy_id = $1`
	_, err := r.db.Exec(ctx, query, hierarchyID)
	return err
}

func (r *rebuildOrderRepo) Delete(ctx context.Context, hierarchyID int64) error {
	query := `DELETE FROM hierarchy_rebuild_order WHERE hierarchy_id = $1`
	_, err := r.db.Exec(ctx, query, hierarchyID)
	return err
}
