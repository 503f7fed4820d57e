package models

import "time"

type HierarchyStatus string

const (
	HierarchyStatusNew       HierarchyStatus = "NEW"
	HierarchyStatusInProcess HierarchyStatus = "IN_PROCESS"
	HierarchyStatusComplete  HierarchyStatus = "COMPLETE"
	HierarchyStatusError     HierarchyStatus = "ERROR"
)

type Hierarchy struct {
	ID               int64           `json:"id" db:"id"`
	Name             string          `json:"name" db:"name" validate:"required,max=255"`
	Description      string          `json:"description" db:"description"`
	Author           string          `json:"author" db:"author"`
	Status           HierarchyStatus `json:"status" db:"status"`
	CreateEmptyNodes bool            `json:"create_empty_nodes" db:"create_empty_nodes"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// HierarchyRebuildOrder is a pending or running full rebuild. At most one row per hierarchy.
type HierarchyRebuildOrder struct {
	HierarchyID int64     `json:"hierarchy_id" db:"hierarchy_id"`
	OnRebuild   bool      `json:"on_rebuild" db:"on_rebuild"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// HierarchySet is a set of hierarchy ids.
type HierarchySet map[int64]struct{}

func NewHierarchySet(ids ...int64) HierarchySet {
	s := make(HierarchySet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s HierarchySet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

func (s HierarchySet) Add(id int64) {
	s[id] = struct{}{}
}
