package repositories

import (
	"context"
	"errors"
	"fmt"

	"mohierarchy/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ObjAttribute names a nullable helper column of obj.
type ObjAttribute string

const (
	ObjAdditionalParams ObjAttribute = "additional_params"
	ObjLatitude         ObjAttribute = "latitude"
	ObjLongitude        ObjAttribute = "longitude"
)

type ObjRepository interface {
	Insert(ctx context.Context, objs []*models.Obj) (int64, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Obj, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Obj, error)
	// FindVirtual returns the coalesced node for (level, parent, key, active), or nil.
	FindVirtual(ctx context.Context, levelID int64, parentID *uuid.UUID, key string, active bool) (*models.Obj, error)
	// ListVirtual returns every virtual node carrying the identity tuple, lowest id first.
	ListVirtual(ctx context.Context, levelID int64, parentID *uuid.UUID, key string, active bool) ([]*models.Obj, error)
	FindByObjectIDs(ctx context.Context, levelID int64, objectIDs []int64) ([]*models.Obj, error)
	ListChildren(ctx context.Context, hierarchyID int64, parentID *uuid.UUID) ([]*models.Obj, error)
	ListSubtree(ctx context.Context, hierarchyID int64, pathPrefix string) ([]*models.Obj, error)
	ListByLevels(ctx context.Context, levelIDs []int64) ([]*models.Obj, error)
	CountActiveChildren(ctx context.Context, parentIDs []uuid.UUID, skipEmptyKeys bool) (map[uuid.UUID]int, error)
	CountByHierarchies(ctx context.Context, hierarchyIDs []int64) (map[int64]int64, error)
	Update(ctx context.Context, obj *models.Obj) error
	// ReplacePathPrefix rewrites the path of every node whose path starts with oldPrefix.
	ReplacePathPrefix(ctx context.Context, hierarchyID int64, oldPrefix, newPrefix string) (int64, error)
	// ReparentChildren moves the direct children of from under to (nil detaches them). Paths are not touched.
	ReparentChildren(ctx context.Context, from uuid.UUID, to *uuid.UUID) error
	RecomputeChildCounts(ctx context.Context, ids []uuid.UUID) error
	RecomputeChildCountsByLevels(ctx context.Context, levelIDs []int64) error
	SetChildCounts(ctx context.Context, counts map[uuid.UUID]int) error
	ClearAttribute(ctx context.Context, levelID int64, attr ObjAttribute) error
	Delete(ctx context.Context, ids []uuid.UUID) error
	DeleteByHierarchy(ctx context.Context, hierarchyID int64) error
}

type objRepo struct {
	db Database
}

func NewObjRepo(db Database) ObjRepository {
	return &objRepo{db: db}
}

const objColumns = `id, hierarchy_id, level_id, level, object_type_id, key, key_is_empty, object_id,
		additional_params, latitude, longitude, parent_id, path, child_count, active`

var objCopyColumns = []string{"id", "hierarchy_id", "level_id", "level", "object_type_id", "key", "key_is_empty",
	"object_id", "additional_params", "latitude", "longitude", "parent_id", "path", "child_count", "active"}

func scanObj(row scanner) (*models.Obj, error) {
	o := &models.Obj{}
	if err := row.Scan(&o.ID, &o.HierarchyID, &o.LevelID, &o.Level, &o.ObjectTypeID, &o.Key, &o.KeyIsEmpty,
		&o.ObjectID, &o.AdditionalParams, &o.Latitude, &o.Longitude, &o.ParentID, &o.Path, &o.ChildCount,
		&o.Active); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *objRepo) list(ctx context.Context, query string, args ...any) ([]*models.Obj, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objs []*models.Obj
	for rows.Next() {
		o, err := scanObj(rows)
		if err != nil {
			return nil, err
		}
		objs = append(objs, o)
	}
	return objs, rows.Err()
}

func (r *objRepo) Insert(ctx context.Context, objs []*models.Obj) (int64, error) {
	if len(objs) == 0 {
		return 0, nil
	}
	return r.db.CopyFrom(ctx, pgx.Identifier{"obj"}, objCopyColumns, pgx.CopyFromSlice(len(objs), func(i int) ([]any, error) {
		o := objs[i]
		return []any{o.ID, o.HierarchyID, o.LevelID, o.Level, o.ObjectTypeID, o.Key, o.KeyIsEmpty, o.ObjectID,
			o.AdditionalParams, o.Latitude, o.Longitude, o.ParentID, o.Path, o.ChildCount, o.Active}, nil
	}))
}

func (r *objRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Obj, error) {
	query := `SELECT ` + objColumns + ` FROM obj WHERE id = $1`
	return scanObj(r.db.QueryRow(ctx, query, id))
}

func (r *objRepo) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Obj, error) {
	query := `SELECT ` + objColumns + ` FROM obj WHERE id = ANY($1) ORDER BY level, key, id`
	return r.list(ctx, query, ids)
}

func (r *objRepo) FindVirtual(ctx context.Context, levelID int64, parentID *uuid.UUID, key string, active bool) (*models.Obj, error) {
	query := `
		SELECT ` + objColumns + `
		FROM obj
		WHERE level_id = $1 AND parent_id IS NOT DISTINCT FROM $2 AND key = $3 AND active = $4 AND object_id IS NULL
		LIMIT 1
	`
	o, err := scanObj(r.db.QueryRow(ctx, query, levelID, parentID, key, active))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

func (r *objRepo) ListVirtual(ctx context.Context, levelID int64, parentID *uuid.UUID, key string, active bool) ([]*models.Obj, error) {
	query := `
		SELECT ` + objColumns + `
		FROM obj
		WHERE level_id = $1 AND parent_id IS NOT DISTINCT FROM $2 AND key = $3 AND active = $4 AND object_id IS NULL
		ORDER BY id
	`
	return r.list(ctx, query, levelID, parentID, key, active)
}

func (r *objRepo) FindByObjectIDs(ctx context.Context, levelID int64, objectIDs []int64) ([]*models.Obj, error) {
	query := `SELECT ` + objColumns + ` FROM obj WHERE level_id = $1 AND object_id = ANY($2)`
	return r.list(ctx, query, levelID, objectIDs)
}

func (r *objRepo) ListChildren(ctx context.Context, hierarchyID int64, parentID *uuid.UUID) ([]*models.Obj, error) {
	query := `
		SELECT ` + objColumns + `
		FROM obj
		WHERE hierarchy_id = $1 AND parent_id IS NOT DISTINCT FROM $2
		ORDER BY key, id
	`
	return r.list(ctx, query, hierarchyID, parentID)
}

func (r *objRepo) ListSubtree(ctx context.Context, hierarchyID int64, pathPrefix string) ([]*models.Obj, error) {
	query := `
		SELECT ` + objColumns + `
		FROM obj
		WHERE hierarchy_id = $1 AND path LIKE $2 || '%'
		ORDER BY level, key, id
	`
	return r.list(ctx, query, hierarchyID, pathPrefix)
}

func (r *objRepo) ListByLevels(ctx context.Context, levelIDs []int64) ([]*models.Obj, error) {
	query := `SELECT ` + objColumns + ` FROM obj WHERE level_id = ANY($1) ORDER BY level, key, id`
	return r.list(ctx, query, levelIDs)
}

func (r *objRepo) CountActiveChildren(ctx context.Context, parentIDs []uuid.UUID, skipEmptyKeys bool) (map[uuid.UUID]int, error) {
	query := `
		SELECT parent_id, count(*)
		FROM obj
		WHERE parent_id = ANY($1) AND active AND (NOT $2 OR NOT key_is_empty)
		GROUP BY parent_id
	`
	rows, err := r.db.Query(ctx, query, parentIDs, skipEmptyKeys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int, len(parentIDs))
	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func (r *objRepo) CountByHierarchies(ctx context.Context, hierarchyIDs []int64) (map[int64]int64, error) {
	query := `SELECT hierarchy_id, count(*) FROM obj WHERE hierarchy_id = ANY($1) GROUP BY hierarchy_id`
	rows, err := r.db.Query(ctx, query, hierarchyIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int64]int64, len(hierarchyIDs))
	for rows.Next() {
		var id, n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func (r *objRepo) Update(ctx context.Context, o *models.Obj) error {
	query := `
		UPDATE obj
		SET key = $2, key_is_empty = $3, active = $4, parent_id = $5, path = $6,
			additional_params = $7, latitude = $8, longitude = $9
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, o.ID, o.Key, o.KeyIsEmpty, o.Active, o.ParentID, o.Path,
		o.AdditionalParams, o.Latitude, o.Longitude)
	return err
}

func (r *objRepo) ReplacePathPrefix(ctx context.Context, hierarchyID int64, oldPrefix, newPrefix string) (int64, error) {
	if oldPrefix == "" {
		return 0, errors.New("replace path prefix: empty prefix would rewrite every node")
	}
	query := `
		UPDATE obj
		SET path = $3 || substr(path, length($2) + 1)
		WHERE hierarchy_id = $1 AND path LIKE $2 || '%'
	`
	tag, err := r.db.Exec(ctx, query, hierarchyID, oldPrefix, newPrefix)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *objRepo) ReparentChildren(ctx context.Context, from uuid.UUID, to *uuid.UUID) error {
	query := `UPDATE obj SET parent_id = $2 WHERE parent_id = $1`
	_, err := r.db.Exec(ctx, query, from, to)
	return err
}

func (r *objRepo) RecomputeChildCounts(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE obj o
		SET child_count = (SELECT count(*) FROM obj c WHERE c.parent_id = o.id AND c.active)
		WHERE o.id = ANY($1)
	`
	_, err := r.db.Exec(ctx, query, ids)
	return err
}

func (r *objRepo) RecomputeChildCountsByLevels(ctx context.Context, levelIDs []int64) error {
	if len(levelIDs) == 0 {
		return nil
	}
	query := `
		UPDATE obj o
		SET child_count = (SELECT count(*) FROM obj c WHERE c.parent_id = o.id AND c.active)
		WHERE o.level_id = ANY($1)
	`
	_, err := r.db.Exec(ctx, query, levelIDs)
	return err
}

func (r *objRepo) SetChildCounts(ctx context.Context, counts map[uuid.UUID]int) error {
	if len(counts) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(counts))
	values := make([]int32, 0, len(counts))
	for id, n := range counts {
		ids = append(ids, id)
		values = append(values, int32(n))
	}
	query := `
		UPDATE obj o
		SET child_count = v.cnt
		FROM unnest($1::uuid[], $2::int[]) AS v(id, cnt)
		WHERE o.id = v.id
	`
	_, err := r.db.Exec(ctx, query, ids, values)
	return err
}

func (r *objRepo) ClearAttribute(ctx context.Context, levelID int64, attr ObjAttribute) error {
	switch attr {
	case ObjAdditionalParams, ObjLatitude, ObjLongitude:
	default:
		return fmt.Errorf("clear attribute: unknown column %q", attr)
	}
	query := `UPDATE obj SET ` + string(attr) + ` = NULL WHERE level_id = $1`
	_, err := r.db.Exec(ctx, query, levelID)
	return err
}

func (r *objRepo) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query := `DELETE FROM obj WHERE id = ANY($1)`
	_, err := r.db.Exec(ctx, query, ids)
	return err
}

func (r *objRepo) DeleteByHierarchy(ctx context.Context, hierarchyID int64) error {
	query := `DELETE FROM obj WHERE hierarchy_id = $1`
	_, err := r.db.Exec(ctx, query, hierarchyID)
	return err
}
