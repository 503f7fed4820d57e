package repositories

import (
	"context"
	"encoding/json"

	"mohierarchy/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type NodeDataRepository interface {
	Insert(ctx context.Context, rows []*models.NodeData) (int64, error)
	ListByMOIDs(ctx context.Context, moIDs []int64) ([]*models.NodeData, error)
	ListByLevelAndMOIDs(ctx context.Context, levelID int64, moIDs []int64) ([]*models.NodeData, error)
	// ListByLevelAndParentMOIDs returns rows on levelID whose MO's inventory parent is one of pIDs.
	ListByLevelAndParentMOIDs(ctx context.Context, levelID int64, pIDs []int64) ([]*models.NodeData, error)
	// ListByLevelAndSelfParentMOIDs returns rows on levelID whose attr_as_parent target is one of pIDs.
	ListByLevelAndSelfParentMOIDs(ctx context.Context, levelID int64, pIDs []int64) ([]*models.NodeData, error)
	ListByNodeIDs(ctx context.Context, nodeIDs []uuid.UUID) ([]*models.NodeData, error)
	ListByLevels(ctx context.Context, levelIDs []int64) ([]*models.NodeData, error)
	CountByNodeIDs(ctx context.Context, nodeIDs []uuid.UUID) (map[uuid.UUID]int, error)
	Update(ctx context.Context, row *models.NodeData) error
	Reassign(ctx context.Context, ids []int64, nodeID uuid.UUID) error
	DeleteByLevelsAndMOIDs(ctx context.Context, levelIDs []int64, moIDs []int64) ([]*models.NodeData, error)
}

type nodeDataRepo struct {
	db Database
}

func NewNodeDataRepo(db Database) NodeDataRepository {
	return &nodeDataRepo{db: db}
}

const nodeDataColumns = `id, level_id, node_id, mo_id, mo_name, mo_p_id, mo_tmo_id, mo_active, mo_latitude,
		mo_longitude, mo_status, mo_self_parent_id, unfolded_key`

var nodeDataCopyColumns = []string{"level_id", "node_id", "mo_id", "mo_name", "mo_p_id", "mo_tmo_id", "mo_active",
	"mo_latitude", "mo_longitude", "mo_status", "mo_self_parent_id", "unfolded_key"}

func scanNodeData(row scanner) (*models.NodeData, error) {
	nd := &models.NodeData{}
	var unfolded []byte
	if err := row.Scan(&nd.ID, &nd.LevelID, &nd.NodeID, &nd.MOID, &nd.MOName, &nd.MOPID, &nd.MOTMOID, &nd.MOActive,
		&nd.MOLatitude, &nd.MOLongitude, &nd.MOStatus, &nd.MOSelfParentID, &unfolded); err != nil {
		return nil, err
	}
	nd.UnfoldedKey = map[string]*string{}
	if len(unfolded) > 0 {
		if err := json.Unmarshal(unfolded, &nd.UnfoldedKey); err != nil {
			return nil, err
		}
	}
	return nd, nil
}

func unfoldedJSON(m map[string]*string) ([]byte, error) {
	if m == nil {
		m = map[string]*string{}
	}
	return json.Marshal(m)
}

func (r *nodeDataRepo) list(ctx context.Context, query string, args ...any) ([]*models.NodeData, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.NodeData
	for rows.Next() {
		nd, err := scanNodeData(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, nd)
	}
	return out, rows.Err()
}

func (r *nodeDataRepo) Insert(ctx context.Context, rows []*models.NodeData) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	return r.db.CopyFrom(ctx, pgx.Identifier{"node_data"}, nodeDataCopyColumns, pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		nd := rows[i]
		unfolded, err := unfoldedJSON(nd.UnfoldedKey)
		if err != nil {
			return nil, err
		}
		return []any{nd.LevelID, nd.NodeID, nd.MOID, nd.MOName, nd.MOPID, nd.MOTMOID, nd.MOActive,
			nd.MOLatitude, nd.MOLongitude, nd.MOStatus, nd.MOSelfParentID, string(unfolded)}, nil
	}))
}

func (r *nodeDataRepo) ListByMOIDs(ctx context.Context, moIDs []int64) ([]*models.NodeData, error) {
	query := `SELECT ` + nodeDataColumns + ` FROM node_data WHERE mo_id = ANY($1) ORDER BY level_id, mo_id`
	return r.list(ctx, query, moIDs)
}

func (r *nodeDataRepo) ListByLevelAndMOIDs(ctx context.Context, levelID int64, moIDs []int64) ([]*models.NodeData, error) {
	query := `SELECT ` + nodeDataColumns + ` FROM node_data WHERE level_id = $1 AND mo_id = ANY($2) ORDER BY mo_id`
	return r.list(ctx, query, levelID, moIDs)
}

func (r *nodeDataRepo) ListByLevelAndParentMOIDs(ctx context.Context, levelID int64, pIDs []int64) ([]*models.NodeData, error) {
	query := `SELECT ` + nodeDataColumns + ` FROM node_data WHERE level_id = $1 AND mo_p_id = ANY($2) ORDER BY mo_id`
	return r.list(ctx, query, levelID, pIDs)
}

func (r *nodeDataRepo) ListByLevelAndSelfParentMOIDs(ctx context.Context, levelID int64, pIDs []int64) ([]*models.NodeData, error) {
	query := `SELECT ` + nodeDataColumns + ` FROM node_data WHERE level_id = $1 AND mo_self_parent_id = ANY($2) ORDER BY mo_id`
	return r.list(ctx, query, levelID, pIDs)
}

func (r *nodeDataRepo) ListByNodeIDs(ctx context.Context, nodeIDs []uuid.UUID) ([]*models.NodeData, error) {
	query := `SELECT ` + nodeDataColumns + ` FROM node_data WHERE node_id = ANY($1) ORDER BY mo_id`
	return r.list(ctx, query, nodeIDs)
}

func (r *nodeDataRepo) ListByLevels(ctx context.Context, levelIDs []int64) ([]*models.NodeData, error) {
	query := `SELECT ` + nodeDataColumns + ` FROM node_data WHERE level_id = ANY($1) ORDER BY level_id, mo_id`
	return r.list(ctx, query, levelIDs)
}

func (r *nodeDataRepo) CountByNodeIDs(ctx context.Context, nodeIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	query := `SELECT node_id, count(*) FROM node_data WHERE node_id = ANY($1) GROUP BY node_id`
	rows, err := r.db.Query(ctx, query, nodeIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int, len(nodeIDs))
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

func (r *nodeDataRepo) Update(ctx context.Context, nd *models.NodeData) error {
	unfolded, err := unfoldedJSON(nd.UnfoldedKey)
	if err != nil {
		return err
	}
	query := `
		UPDATE node_data
		SET node_id = $2, mo_name = $3, mo_p_id = $4, mo_active = $5, mo_latitude = $6, mo_longitude = $7,
			mo_status = $8, mo_self_parent_id = $9, unfolded_key = $10
		WHERE id = $1
	`
	_, err = r.db.Exec(ctx, query, nd.ID, nd.NodeID, nd.MOName, nd.MOPID, nd.MOActive, nd.MOLatitude,
		nd.MOLongitude, nd.MOStatus, nd.MOSelfParentID, string(unfolded))
	return err
}

func (r *nodeDataRepo) Reassign(ctx context.Context, ids []int64, nodeID uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE node_data SET node_id = $2 WHERE id = ANY($1)`
	_, err := r.db.Exec(ctx, query, ids, nodeID)
	return err
}

func (r *nodeDataRepo) DeleteByLevelsAndMOIDs(ctx context.Context, levelIDs []int64, moIDs []int64) ([]*models.NodeData, error) {
	query := `DELETE FROM node_data WHERE level_id = ANY($1) AND mo_id = ANY($2) RETURNING ` + nodeDataColumns
	return r.list(ctx, query, levelIDs, moIDs)
}
