package models

import (
	"strings"

	"github.com/google/uuid"
)

const (
	// NullKey is the key of a node whose key attributes all resolved empty.
	NullKey = "Null"
	// KeySeparator joins non-empty key attribute values.
	KeySeparator = " / "
	// PathSeparator terminates every id segment of a materialized path.
	PathSeparator = "/"
)

// Obj is a node of a hierarchy tree.
type Obj struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	HierarchyID      int64      `json:"hierarchy_id" db:"hierarchy_id"`
	LevelID          int64      `json:"level_id" db:"level_id"`
	Level            int        `json:"level" db:"level"`
	ObjectTypeID     int64      `json:"object_type_id" db:"object_type_id"`
	Key              string     `json:"key" db:"key"`
	KeyIsEmpty       bool       `json:"key_is_empty" db:"key_is_empty"`
	ObjectID         *int64     `json:"object_id" db:"object_id"`
	AdditionalParams *string    `json:"additional_params" db:"additional_params"`
	Latitude         *float64   `json:"latitude" db:"latitude"`
	Longitude        *float64   `json:"longitude" db:"longitude"`
	ParentID         *uuid.UUID `json:"parent_id" db:"parent_id"`
	Path             string     `json:"path" db:"path"`
	ChildCount       int        `json:"child_count" db:"child_count"`
	Active           bool       `json:"active" db:"active"`
}

// NewObjID returns a random id whose first hex digit is non-zero.
func NewObjID() uuid.UUID {
	for {
		id := uuid.New()
		if id[0]>>4 != 0 {
			return id
		}
	}
}

// ChildPath is the path of a node placed directly under parent. Roots have an empty path.
func ChildPath(parent *Obj) string {
	if parent == nil {
		return ""
	}
	return parent.SubtreePrefix()
}

// SubtreePrefix is the path prefix shared by every descendant of o.
func (o *Obj) SubtreePrefix() string {
	return o.Path + o.ID.String() + PathSeparator
}

// Ancestors parses the path into ancestor ids, root first.
func (o *Obj) Ancestors() ([]uuid.UUID, error) {
	return PathIDs(o.Path)
}

// PathIDs parses a materialized path.
func PathIDs(path string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, seg := range strings.Split(path, PathSeparator) {
		if seg == "" {
			continue
		}
		id, err := uuid.Parse(seg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// IsDescendantOf reports whether o lies strictly below other.
func (o *Obj) IsDescendantOf(other *Obj) bool {
	return strings.HasPrefix(o.Path, other.SubtreePrefix())
}

// ComposeKey joins the non-empty values with KeySeparator; when nothing is left it returns NullKey.
func ComposeKey(values []string) (string, bool) {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		return NullKey, true
	}
	return strings.Join(parts, KeySeparator), false
}

// KeyFromUnfolded computes a node key from the resolved attribute values in attrs order.
func KeyFromUnfolded(attrs []string, unfolded map[string]*string) (string, bool) {
	values := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		if v := unfolded[attr]; v != nil {
			values = append(values, *v)
		}
	}
	return ComposeKey(values)
}

func UUIDPtrEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
