package testhelpers

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"mohierarchy/internal/inventory"
	"mohierarchy/internal/models"
)

// FakeInventory serves MOs, PRMs and TPRMs from memory. It implements inventory.Client and
// inventory.FilterClient.
type FakeInventory struct {
	mu    sync.Mutex
	mos   map[int64]*models.MO
	prms  map[int64]*models.PRM
	tprms map[int64]*models.TPRM

	// Lifecycle lists the TMOs that carry a lifecycle severity.
	Lifecycle map[int64]bool
	// Severity is returned by SeverityFor as the maximum over the requested MOs.
	Severity map[int64]int64
	// StreamErr, when set, fails every StreamMOs call.
	StreamErr error

	StreamCalls     int
	TPRMCalls       int
	FilterCalls     []inventory.FilterQuery
	DescendantCalls [][]inventory.DescendantGroup
}

func NewFakeInventory() *FakeInventory {
	return &FakeInventory{
		mos:       map[int64]*models.MO{},
		prms:      map[int64]*models.PRM{},
		tprms:     map[int64]*models.TPRM{},
		Lifecycle: map[int64]bool{},
		Severity:  map[int64]int64{},
	}
}

func cloneMO(mo *models.MO) *models.MO {
	c := *mo
	c.Params = maps.Clone(mo.Params)
	c.Fields = maps.Clone(mo.Fields)
	return &c
}

// PutMO inserts or replaces mo.
func (f *FakeInventory) PutMO(mos ...*models.MO) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, mo := range mos {
		f.mos[mo.ID] = cloneMO(mo)
	}
}

func (f *FakeInventory) RemoveMO(ids ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.mos, id)
	}
}

func (f *FakeInventory) PutTPRM(tprms ...*models.TPRM) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tprms {
		c := *t
		f.tprms[t.ID] = &c
	}
}

func (f *FakeInventory) RemoveTPRM(ids ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.tprms, id)
	}
}

// PutPRM stores prm and mirrors its value onto the owning MO.
func (f *FakeInventory) PutPRM(prms ...*models.PRM) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range prms {
		c := *p
		f.prms[p.ID] = &c
		if mo, ok := f.mos[p.MOID]; ok {
			if mo.Params == nil {
				mo.Params = map[string]any{}
			}
			mo.Params[strconv.FormatInt(p.TPRMID, 10)] = p.Value
		}
	}
}

func (f *FakeInventory) MO(id int64) *models.MO {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mo, ok := f.mos[id]; ok {
		return cloneMO(mo)
	}
	return nil
}

func (f *FakeInventory) sortedMOs(keep func(mo *models.MO) bool) []*models.MO {
	var out []*models.MO
	for _, mo := range f.mos {
		if keep(mo) {
			out = append(out, cloneMO(mo))
		}
	}
	slices.SortFunc(out, func(a, b *models.MO) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (f *FakeInventory) StreamMOs(ctx context.Context, tmoID int64, tprmIDs []int64, fn func(mo *models.MO) error) error {
	f.mu.Lock()
	f.StreamCalls++
	if f.StreamErr != nil {
		err := f.StreamErr
		f.mu.Unlock()
		return err
	}
	mos := f.sortedMOs(func(mo *models.MO) bool { return mo.TMOID == tmoID })
	f.mu.Unlock()

	requested := make(map[string]bool, len(tprmIDs))
	for _, id := range tprmIDs {
		requested[strconv.FormatInt(id, 10)] = true
	}
	for _, mo := range mos {
		for k := range mo.Params {
			if !requested[k] {
				delete(mo.Params, k)
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(mo); err != nil {
			return err
		}
	}
	return nil
}

func (f *FakeInventory) BatchGetMOs(ctx context.Context, ids []int64) ([]*models.MO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedMOs(func(mo *models.MO) bool { return slices.Contains(ids, mo.ID) }), nil
}

func (f *FakeInventory) BatchGetPRMs(ctx context.Context, ids []int64) ([]*models.PRM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.PRM
	for _, id := range ids {
		if p, ok := f.prms[id]; ok {
			c := *p
			out = append(out, &c)
		}
	}
	return out, nil
}

func (f *FakeInventory) GetTPRMs(ctx context.Context, ids []int64) ([]*models.TPRM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TPRMCalls++
	var out []*models.TPRM
	for _, id := range ids {
		if t, ok := f.tprms[id]; ok {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (f *FakeInventory) GetMOLinkTPRMs(ctx context.Context, tmoID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for id, t := range f.tprms {
		if t.TMOID == tmoID && t.IsMOLink() {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

// DescendantMOIDs follows p_id downwards from each group's seeds.
func (f *FakeInventory) DescendantMOIDs(ctx context.Context, groups []inventory.DescendantGroup) (map[string][]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DescendantCalls = append(f.DescendantCalls, groups)
	out := make(map[string][]int64, len(groups))
	for _, g := range groups {
		seen := map[int64]bool{}
		for _, id := range g.MOIDs {
			seen[id] = true
		}
		frontier := slices.Clone(g.MOIDs)
		var found []int64
		for len(frontier) > 0 {
			kids := f.sortedMOs(func(mo *models.MO) bool {
				p := mo.ParentID()
				return p != nil && slices.Contains(frontier, *p) && !seen[mo.ID]
			})
			frontier = frontier[:0]
			for _, mo := range kids {
				seen[mo.ID] = true
				found = append(found, mo.ID)
				frontier = append(frontier, mo.ID)
			}
		}
		slices.Sort(found)
		out[g.Key] = found
	}
	return out, nil
}

func (f *FakeInventory) LifecycleForTMO(ctx context.Context, tmoIDs []int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for _, id := range tmoIDs {
		if f.Lifecycle[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *FakeInventory) SeverityFor(ctx context.Context, tmoID int64, moIDs []int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best int64
	for _, id := range moIDs {
		best = max(best, f.Severity[id])
	}
	return best, nil
}

// MOIDsByFilter evaluates the predicate over the MOs of q.TMOID, restricted to q.MOIDs when given.
func (f *FakeInventory) MOIDsByFilter(ctx context.Context, q inventory.FilterQuery) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FilterCalls = append(f.FilterCalls, q)
	mos := f.sortedMOs(func(mo *models.MO) bool {
		return mo.TMOID == q.TMOID && (q.MOIDs == nil || slices.Contains(q.MOIDs, mo.ID))
	})
	var out []int64
	for _, mo := range mos {
		if matches(mo, q.Predicate) {
			out = append(out, mo.ID)
		}
	}
	return out, nil
}

func matches(mo *models.MO, filter *models.Filter) bool {
	if filter.Empty() {
		return true
	}
	for _, c := range filter.Conditions {
		raw, _ := mo.Param(c.TPRMID)
		v := models.ParamString(raw)
		if !holds(v, c) {
			return false
		}
	}
	return true
}

func holds(v string, c models.FilterCondition) bool {
	switch c.Op {
	case models.FilterEq:
		return v == c.Value
	case models.FilterNe:
		return v != c.Value
	case models.FilterContains:
		return strings.Contains(v, c.Value)
	case models.FilterIsEmpty:
		return (v == "") == (c.Value != "false")
	}
	a, err1 := strconv.ParseFloat(v, 64)
	b, err2 := strconv.ParseFloat(c.Value, 64)
	if err1 != nil || err2 != nil {
		return false
	}
	switch c.Op {
	case models.FilterGt:
		return a > b
	case models.FilterGte:
		return a >= b
	case models.FilterLt:
		return a < b
	case models.FilterLte:
		return a <= b
	}
	return false
}
