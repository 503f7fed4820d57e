package models

import (
	"fmt"
	"strconv"
	"strings"
)

// TPRM value types the hierarchy engine dereferences.
const (
	ValTypeMOLink       = "mo_link"
	ValTypeTwoWayMOLink = "two-way link"
	ValTypePRMLink      = "prm_link"
)

// MO is an inventory managed object as delivered by the inventory service or an event payload.
type MO struct {
	ID        int64          `json:"id"`
	TMOID     int64          `json:"tmo_id"`
	PID       *int64         `json:"p_id"`
	Name      string         `json:"name"`
	Active    bool           `json:"active"`
	Status    *string        `json:"status"`
	Latitude  *float64       `json:"latitude"`
	Longitude *float64       `json:"longitude"`
	Params    map[string]any `json:"params"`

	// Fields lists the keys present in the source record. Nil means every field is present.
	Fields map[string]bool `json:"-"`
}

// Has reports whether the source record carried field. Partial update payloads omit unchanged fields.
func (m *MO) Has(field string) bool {
	return m.Fields == nil || m.Fields[field]
}

// ParentID returns the inventory parent, treating 0 as absent.
func (m *MO) ParentID() *int64 {
	if m.PID == nil || *m.PID == 0 {
		return nil
	}
	p := *m.PID
	return &p
}

// Param returns the raw value of TPRM id and whether the MO carries it.
func (m *MO) Param(tprmID int64) (any, bool) {
	v, ok := m.Params[strconv.FormatInt(tprmID, 10)]
	return v, ok
}

// Attr returns the string form of a key attribute and whether the payload carries it.
func (m *MO) Attr(attr string) (string, bool) {
	if IsReservedAttr(attr) && !m.Has(attr) {
		return "", false
	}
	switch attr {
	case AttrID:
		return strconv.FormatInt(m.ID, 10), true
	case AttrName:
		return m.Name, true
	case AttrParentID:
		if p := m.ParentID(); p != nil {
			return strconv.FormatInt(*p, 10), true
		}
		return "", true
	case AttrTMOID:
		return strconv.FormatInt(m.TMOID, 10), true
	case AttrActive:
		return strconv.FormatBool(m.Active), true
	case AttrStatus:
		if m.Status != nil {
			return *m.Status, true
		}
		return "", true
	case AttrLatitude:
		return formatFloatPtr(m.Latitude), true
	case AttrLongitude:
		return formatFloatPtr(m.Longitude), true
	}
	v, ok := m.Params[attr]
	if !ok {
		return "", false
	}
	return ParamString(v), true
}

func formatFloatPtr(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

// ParamString renders a decoded parameter value. Lists are joined with ", ".
func ParamString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s := ParamString(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprint(v)
}

// ParamFloat parses a coordinate parameter. ok is false for absent or non-numeric values.
func ParamFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// ParamIDs extracts link targets from a parameter value; single ids and lists are both accepted.
func ParamIDs(v any) []int64 {
	switch t := v.(type) {
	case float64:
		return []int64{int64(t)}
	case int64:
		return []int64{t}
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil
		}
		return []int64{id}
	case []any:
		var ids []int64
		for _, e := range t {
			ids = append(ids, ParamIDs(e)...)
		}
		return ids
	}
	return nil
}

type PRM struct {
	ID     int64 `json:"id"`
	MOID   int64 `json:"mo_id"`
	TPRMID int64 `json:"tprm_id"`
	Value  any   `json:"value"`
}

type TMO struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type TPRM struct {
	ID      int64  `json:"id"`
	TMOID   int64  `json:"tmo_id"`
	Name    string `json:"name"`
	ValType string `json:"val_type"`
}

// IsMOLink reports whether values of t are ids of other MOs.
func (t *TPRM) IsMOLink() bool {
	return t.ValType == ValTypeMOLink || t.ValType == ValTypeTwoWayMOLink
}

func (t *TPRM) IsPRMLink() bool {
	return t.ValType == ValTypePRMLink
}
