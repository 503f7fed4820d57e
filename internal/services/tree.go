package services

import (
	"context"

	"mohierarchy/internal/models"
	"mohierarchy/internal/repositories"

	"github.com/google/uuid"
)

// parentMOKey returns the MO id under which a node of lvl looks up its parent on parent.
// A virtual parent of the same object type represents the MO itself one rung up; every
// other parent represents the MO's inventory parent.
func parentMOKey(lvl, parent *models.Level, moID int64, pID *int64) (int64, bool) {
	if parent == nil {
		return 0, false
	}
	if linksByMOID(parent, lvl) {
		return moID, true
	}
	if pID == nil {
		return 0, false
	}
	return *pID, true
}

func linksByMOID(parent, child *models.Level) bool {
	return parent.IsVirtual && parent.ObjectTypeID == child.ObjectTypeID
}

// resolveParentNode finds the node on parent that backs the MO key of (moID, pID).
func resolveParentNode(ctx context.Context, r repositories.Repos, lvl, parent *models.Level, moID int64, pID *int64) (*models.Obj, error) {
	key, ok := parentMOKey(lvl, parent, moID, pID)
	if !ok {
		return nil, nil
	}
	rows, err := r.NodeData.ListByLevelAndMOIDs(ctx, parent.ID, []int64{key})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	node, err := r.Objs.GetByID(ctx, rows[0].NodeID)
	if err != nil {
		return nil, lookupError(err, "node", rows[0].NodeID)
	}
	return node, nil
}

// nodeAttributes extracts the helper attributes stored on real and self-parented nodes.
func nodeAttributes(lvl *models.Level, mo *models.MO) (additional *string, lat, lon *float64) {
	if lvl.AdditionalParamsID != nil {
		if v, ok := mo.Param(*lvl.AdditionalParamsID); ok {
			additional = nonEmpty(models.ParamString(v))
		}
	}
	if lvl.LatitudeID != nil {
		if v, ok := mo.Param(*lvl.LatitudeID); ok {
			if f, ok := models.ParamFloat(v); ok {
				lat = &f
			}
		}
	}
	if lvl.LongitudeID != nil {
		if v, ok := mo.Param(*lvl.LongitudeID); ok {
			if f, ok := models.ParamFloat(v); ok {
				lon = &f
			}
		}
	}
	return additional, lat, lon
}

func newNode(lvl *models.Level, parent *models.Obj, key string, keyIsEmpty, active bool, objectID *int64) *models.Obj {
	o := &models.Obj{
		ID:           models.NewObjID(),
		HierarchyID:  lvl.HierarchyID,
		LevelID:      lvl.ID,
		Level:        lvl.Level,
		ObjectTypeID: lvl.ObjectTypeID,
		Key:          key,
		KeyIsEmpty:   keyIsEmpty,
		ObjectID:     objectID,
		Path:         models.ChildPath(parent),
		Active:       active,
	}
	if parent != nil {
		id := parent.ID
		o.ParentID = &id
	}
	return o
}

func parentRef(o *models.Obj) *uuid.UUID {
	if o == nil {
		return nil
	}
	id := o.ID
	return &id
}

func int64Ref(v int64) *int64 {
	return &v
}
