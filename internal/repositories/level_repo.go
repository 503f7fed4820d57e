package repositories

import (
	"context"
	"strconv"

	"mohierarchy/internal/models"
)

type LevelRepository interface {
	Create(ctx context.Context, level *models.Level) error
	Update(ctx context.Context, level *models.Level) error
	GetByID(ctx context.Context, id int64) (*models.Level, error)
	GetByIDs(ctx context.Context, ids []int64) ([]*models.Level, error)
	GetByName(ctx context.Context, hierarchyID int64, name string) (*models.Level, error)
	ListByHierarchy(ctx context.Context, hierarchyID int64) ([]*models.Level, error)
	ListByObjectTypes(ctx context.Context, tmoIDs []int64) ([]*models.Level, error)
	// ListReferencingTPRMs returns levels that use any of the TPRMs as a key or helper attribute.
	ListReferencingTPRMs(ctx context.Context, tprmIDs []int64) ([]*models.Level, error)
	ListChildren(ctx context.Context, levelID int64) ([]*models.Level, error)
	Delete(ctx context.Context, ids []int64) error
}

type levelRepo struct {
	db Database
}

func NewLevelRepo(db Database) LevelRepository {
	return &levelRepo{db: db}
}

const levelColumns = `id, hierarchy_id, parent_id, level, name, object_type_id, is_virtual, param_type_id,
		additional_params_id, latitude_id, longitude_id, attr_as_parent, show_without_children, key_attrs,
		author, created_at`

func scanLevel(row scanner) (*models.Level, error) {
	l := &models.Level{}
	if err := row.Scan(&l.ID, &l.HierarchyID, &l.ParentID, &l.Level, &l.Name, &l.ObjectTypeID, &l.IsVirtual,
		&l.ParamTypeID, &l.AdditionalParamsID, &l.LatitudeID, &l.LongitudeID, &l.AttrAsParent,
		&l.ShowWithoutChildren, &l.KeyAttrs, &l.Author, &l.CreatedAt); err != nil {
		return nil, err
	}
	return l, nil
}

func (r *levelRepo) list(ctx context.Context, query string, args ...any) ([]*models.Level, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var levels []*models.Level
	for rows.Next() {
		l, err := scanLevel(rows)
		if err != nil {
			return nil, err
		}
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

func (r *levelRepo) Create(ctx context.Context, l *models.Level) error {
	query := `
		INSERT INTO level (hierarchy_id, parent_id, level, name, object_type_id, is_virtual, param_type_id,
			additional_params_id, latitude_id, longitude_id, attr_as_parent, show_without_children, key_attrs,
			author, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		RETURNING id, created_at
	`
	return r.db.QueryRow(ctx, query, l.HierarchyID, l.ParentID, l.Level, l.Name, l.ObjectTypeID, l.IsVirtual,
		l.ParamTypeID, l.AdditionalParamsID, l.LatitudeID, l.LongitudeID, l.AttrAsParent, l.ShowWithoutChildren,
		l.KeyAttrs, l.Author).Scan(&l.ID, &l.CreatedAt)
}

func (r *levelRepo) Update(ctx context.Context, l *models.Level) error {
	query := `
		UPDATE level
		SET parent_id = $2, level = $3, name = $4, object_type_id = $5, is_virtual = $6, param_type_id = $7,
			additional_params_id = $8, latitude_id = $9, longitude_id = $10, attr_as_parent = $11,
			show_without_children = $12, key_attrs = $13
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, l.ID, l.ParentID, l.Level, l.Name, l.ObjectTypeID, l.IsVirtual, l.ParamTypeID,
		l.AdditionalParamsID, l.LatitudeID, l.LongitudeID, l.AttrAsParent, l.ShowWithoutChildren, l.KeyAttrs)
	return err
}

func (r *levelRepo) GetByID(ctx context.Context, id int64) (*models.Level, error) {
	query := `SELECT ` + levelColumns + ` FROM level WHERE id = $1`
	return scanLevel(r.db.QueryRow(ctx, query, id))
}

func (r *levelRepo) GetByIDs(ctx context.Context, ids []int64) ([]*models.Level, error) {
	query := `SELECT ` + levelColumns + ` FROM level WHERE id = ANY($1) ORDER BY level, id`
	return r.list(ctx, query, ids)
}

func (r *levelRepo) GetByName(ctx context.Context, hierarchyID int64, name string) (*models.Level, error) {
	query := `SELECT ` + levelColumns + ` FROM level WHERE hierarchy_id = $1 AND name = $2`
	return scanLevel(r.db.QueryRow(ctx, query, hierarchyID, name))
}

func (r *levelRepo) ListByHierarchy(ctx context.Context, hierarchyID int64) ([]*models.Level, error) {
	query := `SELECT ` + levelColumns + ` FROM level WHERE hierarchy_id = $1 ORDER BY level, id`
	return r.list(ctx, query, hierarchyID)
}

func (r *levelRepo) ListByObjectTypes(ctx context.Context, tmoIDs []int64) ([]*models.Level, error) {
	query := `SELECT ` + levelColumns + ` FROM level WHERE object_type_id = ANY($1) ORDER BY hierarchy_id, level, id`
	return r.list(ctx, query, tmoIDs)
}

func (r *levelRepo) ListReferencingTPRMs(ctx context.Context, tprmIDs []int64) ([]*models.Level, error) {
	attrs := make([]string, 0, len(tprmIDs))
	for _, id := range tprmIDs {
		attrs = append(attrs, strconv.FormatInt(id, 10))
	}
	query := `
		SELECT ` + levelColumns + `
		FROM level
		WHERE key_attrs && $1::text[]
			OR param_type_id = ANY($2)
			OR additional_params_id = ANY($2)
			OR latitude_id = ANY($2)
			OR longitude_id = ANY($2)
			OR attr_as_parent = ANY($2)
		ORDER BY hierarchy_id, level, id
	`
	return r.list(ctx, query, attrs, tprmIDs)
}

func (r *levelRepo) ListChildren(ctx context.Context, levelID int64) ([]*models.Level, error) {
	query := `SELECT ` + levelColumns + ` FROM level WHERE parent_id = $1 ORDER BY level, id`
	return r.list(ctx, query, levelID)
}

func (r *levelRepo) Delete(ctx context.Context, ids []int64) error {
	query := `DELETE FROM level WHERE id = ANY($1)`
	_, err := r.db.Exec(ctx, query, ids)
	return err
}
