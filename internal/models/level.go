package models

import (
	"slices"
	"strconv"
	"time"
)

// Reserved MO field names that may appear in Level.KeyAttrs next to numeric TPRM ids.
const (
	AttrID        = "id"
	AttrName      = "name"
	AttrParentID  = "p_id"
	AttrTMOID     = "tmo_id"
	AttrActive    = "active"
	AttrStatus    = "status"
	AttrLatitude  = "latitude"
	AttrLongitude = "longitude"
)

var reservedAttrs = []string{AttrID, AttrName, AttrParentID, AttrTMOID, AttrActive, AttrStatus, AttrLatitude, AttrLongitude}

// IsReservedAttr reports whether attr names an MO field rather than a TPRM.
func IsReservedAttr(attr string) bool {
	return slices.Contains(reservedAttrs, attr)
}

// TPRMAttr parses a numeric key attribute. ok is false for reserved fields and garbage.
func TPRMAttr(attr string) (int64, bool) {
	id, err := strconv.ParseInt(attr, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type Level struct {
	ID                  int64     `json:"id" db:"id"`
	HierarchyID         int64     `json:"hierarchy_id" db:"hierarchy_id"`
	ParentID            *int64    `json:"parent_id" db:"parent_id"`
	Level               int       `json:"level" db:"level" validate:"gte=0"`
	Name                string    `json:"name" db:"name" validate:"required,max=255"`
	ObjectTypeID        int64     `json:"object_type_id" db:"object_type_id" validate:"required,gt=0"`
	IsVirtual           bool      `json:"is_virtual" db:"is_virtual"`
	ParamTypeID         *int64    `json:"param_type_id" db:"param_type_id"`
	AdditionalParamsID  *int64    `json:"additional_params_id" db:"additional_params_id"`
	LatitudeID          *int64    `json:"latitude_id" db:"latitude_id"`
	LongitudeID         *int64    `json:"longitude_id" db:"longitude_id"`
	AttrAsParent        *int64    `json:"attr_as_parent" db:"attr_as_parent"`
	ShowWithoutChildren bool      `json:"show_without_children" db:"show_without_children"`
	KeyAttrs            []string  `json:"key_attrs" db:"key_attrs" validate:"required,min=1,dive,required"`
	Author              string    `json:"author" db:"author"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}

// Hierarchical reports whether the level nests same-level nodes through attr_as_parent.
func (l *Level) Hierarchical() bool {
	return l.AttrAsParent != nil
}

// SelfParentMOID reads the same-level parent of a member of a hierarchical level.
func (l *Level) SelfParentMOID(mo *MO) (int64, bool) {
	if l.AttrAsParent == nil {
		return 0, false
	}
	raw, ok := mo.Param(*l.AttrAsParent)
	if !ok {
		return 0, false
	}
	return selfParentValue(raw, mo.ID)
}

func selfParentValue(raw any, moID int64) (int64, bool) {
	ids := ParamIDs(raw)
	if len(ids) == 0 || ids[0] == 0 || ids[0] == moID {
		return 0, false
	}
	return ids[0], true
}

// SelfParentFromValue reads the same-level parent carried by an attr_as_parent parameter value.
func SelfParentFromValue(raw any, moID int64) *int64 {
	if p, ok := selfParentValue(raw, moID); ok {
		return &p
	}
	return nil
}

// Coalesces reports whether several MOs may share one node on this level.
func (l *Level) Coalesces() bool {
	return l.IsVirtual && l.AttrAsParent == nil
}

// HelperTPRMs returns the TPRM ids the level reads besides its key attributes.
func (l *Level) HelperTPRMs() []int64 {
	var ids []int64
	for _, p := range []*int64{l.ParamTypeID, l.AdditionalParamsID, l.LatitudeID, l.LongitudeID, l.AttrAsParent} {
		if p != nil {
			ids = append(ids, *p)
		}
	}
	return ids
}

// RequestedTPRMs lists every TPRM the builder must fetch for MOs of this level.
func (l *Level) RequestedTPRMs() []int64 {
	ids := l.HelperTPRMs()
	for _, attr := range l.KeyAttrs {
		if id, ok := TPRMAttr(attr); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// LevelsByDepth orders levels by (level, id).
func LevelsByDepth(levels []*Level) {
	slices.SortFunc(levels, func(a, b *Level) int {
		if a.Level != b.Level {
			return a.Level - b.Level
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
