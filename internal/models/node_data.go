package models

import (
	"maps"

	"github.com/google/uuid"
)

// NodeData is the per-MO shadow row backing a node.
type NodeData struct {
	ID             int64              `json:"id" db:"id"`
	LevelID        int64              `json:"level_id" db:"level_id"`
	NodeID         uuid.UUID          `json:"node_id" db:"node_id"`
	MOID           int64              `json:"mo_id" db:"mo_id"`
	MOName         string             `json:"mo_name" db:"mo_name"`
	MOPID          *int64             `json:"mo_p_id" db:"mo_p_id"`
	MOTMOID        int64              `json:"mo_tmo_id" db:"mo_tmo_id"`
	MOActive       bool               `json:"mo_active" db:"mo_active"`
	MOLatitude     *float64           `json:"mo_latitude" db:"mo_latitude"`
	MOLongitude    *float64           `json:"mo_longitude" db:"mo_longitude"`
	MOStatus       *string            `json:"mo_status" db:"mo_status"`
	// MOSelfParentID is the attr_as_parent target on hierarchical levels.
	MOSelfParentID *int64             `json:"mo_self_parent_id" db:"mo_self_parent_id"`
	UnfoldedKey    map[string]*string `json:"unfolded_key" db:"unfolded_key"`

}

// NewNodeData snapshots mo for a node on lvl.
func NewNodeData(lvl *Level, nodeID uuid.UUID, mo *MO, unfolded map[string]*string) *NodeData {
	nd := &NodeData{
		LevelID:     lvl.ID,
		NodeID:      nodeID,
		MOID:        mo.ID,
		MOName:      mo.Name,
		MOPID:       mo.ParentID(),
		MOTMOID:     mo.TMOID,
		MOActive:    mo.Active,
		MOLatitude:  mo.Latitude,
		MOLongitude: mo.Longitude,
		MOStatus:    mo.Status,
		UnfoldedKey: unfolded,
	}
	if p, ok := lvl.SelfParentMOID(mo); ok {
		nd.MOSelfParentID = &p
	}
	return nd
}

func (nd *NodeData) Clone() *NodeData {
	c := *nd
	c.UnfoldedKey = maps.Clone(nd.UnfoldedKey)
	return &c
}

func Int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func StringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func UnfoldedEqual(a, b map[string]*string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !StringPtrEqual(v, w) {
			return false
		}
	}
	return true
}
