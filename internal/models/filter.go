package models

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

type FilterOp string

const (
	FilterEq       FilterOp = "eq"
	FilterNe       FilterOp = "ne"
	FilterContains FilterOp = "contains"
	FilterGt       FilterOp = "gt"
	FilterGte      FilterOp = "gte"
	FilterLt       FilterOp = "lt"
	FilterLte      FilterOp = "lte"
	FilterIsEmpty  FilterOp = "is_empty"
)

var filterOps = map[FilterOp]bool{
	FilterEq: true, FilterNe: true, FilterContains: true, FilterGt: true,
	FilterGte: true, FilterLt: true, FilterLte: true, FilterIsEmpty: true,
}

type FilterCondition struct {
	TPRMID int64    `json:"tprm_id"`
	Op     FilterOp `json:"op"`
	Value  string   `json:"value"`
}

// Filter is a conjunction of parameter conditions evaluated by the external filter service.
type Filter struct {
	Conditions []FilterCondition `json:"conditions"`
}

func (f *Filter) Empty() bool {
	return f == nil || len(f.Conditions) == 0
}

// String renders the wire form: tprm_id<N>|<op>=<value> joined by "&".
func (f *Filter) String() string {
	if f.Empty() {
		return ""
	}
	parts := make([]string, 0, len(f.Conditions))
	for _, c := range f.Conditions {
		parts = append(parts, fmt.Sprintf("tprm_id%d|%s=%s", c.TPRMID, c.Op, url.QueryEscape(c.Value)))
	}
	return strings.Join(parts, "&")
}

// ParseFilter parses the wire form produced by Filter.String.
func ParseFilter(s string) (*Filter, error) {
	f := &Filter{}
	if strings.TrimSpace(s) == "" {
		return f, nil
	}
	for _, part := range strings.Split(s, "&") {
		head, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("filter condition %q: missing value", part)
		}
		attr, op, ok := strings.Cut(head, "|")
		if !ok {
			return nil, fmt.Errorf("filter condition %q: missing operator", part)
		}
		if !strings.HasPrefix(attr, "tprm_id") {
			return nil, fmt.Errorf("filter condition %q: expected tprm_id<N>", part)
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(attr, "tprm_id"), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("filter condition %q: bad tprm id", part)
		}
		if !filterOps[FilterOp(op)] {
			return nil, fmt.Errorf("filter condition %q: unknown operator %q", part, op)
		}
		v, err := url.QueryUnescape(value)
		if err != nil {
			return nil, fmt.Errorf("filter condition %q: %w", part, err)
		}
		f.Conditions = append(f.Conditions, FilterCondition{TPRMID: id, Op: FilterOp(op), Value: v})
	}
	return f, nil
}

// TPRMIDs lists the parameters referenced by the filter.
func (f *Filter) TPRMIDs() []int64 {
	if f == nil {
		return nil
	}
	ids := make([]int64, 0, len(f.Conditions))
	for _, c := range f.Conditions {
		ids = append(ids, c.TPRMID)
	}
	return ids
}
