package repositories

import (
	"context"

	"mohierarchy/internal/models"
)

type HierarchyRepository interface {
	Create(ctx context.Context, h *models.Hierarchy) error
	GetByID(ctx context.Context, id int64) (*models.Hierarchy, error)
	GetByName(ctx context.Context, name string) (*models.Hierarchy, error)
	List(ctx context.Context) ([]*models.Hierarchy, error)
	SetStatus(ctx context.Context, id int64, status models.HierarchyStatus) error
	Delete(ctx context.Context, id int64) error
}

type hierarchyRepo struct {
	db Database
}

func NewHierarchyRepo(db Database) HierarchyRepository {
	return &hierarchyRepo{db: db}
}

const hierarchyColumns = `id, name, description, author, status, create_empty_nodes, created_at, updated_at`

func scanHierarchy(row scanner) (*models.Hierarchy, error) {
	h := &models.Hierarchy{}
	if err := row.Scan(&h.ID, &h.Name, &h.Description, &h.Author, &h.Status, &h.CreateEmptyNodes,
		&h.CreatedAt, &h.UpdatedAt); err != nil {
		return nil, err
	}
	return h, nil
}

func (r *hierarchyRepo) Create(ctx context.Context, h *models.Hierarchy) error {
	if h.Status == "" {
		h.Status = models.HierarchyStatusNew
	}
	query := `
		INSERT INTO hierarchy (name, description, author, status, create_empty_nodes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`
	return r.db.QueryRow(ctx, query, h.Name, h.Description, h.Author, h.Status, h.CreateEmptyNodes).
		Scan(&h.ID, &h.CreatedAt, &h.UpdatedAt)
}

func (r *hierarchyRepo) GetByID(ctx context.Context, id int64) (*models.Hierarchy, error) {
	query := `SELECT ` + hierarchyColumns + ` FROM hierarchy WHERE id = $1`
	return scanHierarchy(r.db.QueryRow(ctx, query, id))
}

func (r *hierarchyRepo) GetByName(ctx context.Context, name string) (*models.Hierarchy, error) {
	query := `SELECT ` + hierarchyColumns + ` FROM hierarchy WHERE name = $1`
	return scanHierarchy(r.db.QueryRow(ctx, query, name))
}

func (r *hierarchyRepo) List(ctx context.Context) ([]*models.Hierarchy, error) {
	query := `SELECT ` + hierarchyColumns + ` FROM hierarchy ORDER BY id`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hierarchies []*models.Hierarchy
	for rows.Next() {
		h, err := scanHierarchy(rows)
		if err != nil {
			return nil, err
		}
		hierarchies = append(hierarchies, h)
	}
	return hierarchies, rows.Err()
}

func (r *hierarchyRepo) SetStatus(ctx context.Context, id int64, status models.HierarchyStatus) error {
	query := `UPDATE hierarchy SET status = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.Exec(ctx, query, id, status)
	return err
}

func (r *hierarchyRepo) Delete(ctx context.Context, id int64) error {
	query := `DELETE FROM hierarchy WHERE id = $1`
	_, err := r.db.Exec(ctx, query, id)
	return err
}
