package testhelpers

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"mohierarchy/internal/models"
	"mohierarchy/internal/repositories"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// MemStore is an in-memory repositories.Store. It follows the schema's cascades and unique
// constraints; InTx restores the previous state when fn fails.
type MemStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data *memData
}

type memData struct {
	hierarchies map[int64]*models.Hierarchy
	levels      map[int64]*models.Level
	objs        map[uuid.UUID]*models.Obj
	nodeData    map[int64]*models.NodeData
	orders      map[int64]*models.HierarchyRebuildOrder
	seq         int64
}

func NewMemStore() *MemStore {
	return &MemStore{data: &memData{
		hierarchies: map[int64]*models.Hierarchy{},
		levels:      map[int64]*models.Level{},
		objs:        map[uuid.UUID]*models.Obj{},
		nodeData:    map[int64]*models.NodeData{},
		orders:      map[int64]*models.HierarchyRebuildOrder{},
	}}
}

func (s *MemStore) Repos() repositories.Repos {
	return repositories.Repos{
		Hierarchies:   &memHierarchies{s},
		Levels:        &memLevels{s},
		Objs:          &memObjs{s},
		NodeData:      &memNodeData{s},
		RebuildOrders: &memOrders{s},
	}
}

func (s *MemStore) InTx(ctx context.Context, fn func(r repositories.Repos) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()

	if err := fn(s.Repos()); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return ctx.Err()
}

// Objs returns a copy of every node of the hierarchy ordered by (level, key, id).
func (s *MemStore) Objs(hierarchyID int64) []*models.Obj {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Obj
	for _, o := range s.data.objs {
		if o.HierarchyID == hierarchyID {
			out = append(out, cloneObj(o))
		}
	}
	sortObjs(out)
	return out
}

// NodeData returns a copy of every shadow row on the levels of the hierarchy ordered by (level_id, mo_id).
func (s *MemStore) NodeData(hierarchyID int64) []*models.NodeData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.NodeData
	for _, nd := range s.data.nodeData {
		if l, ok := s.data.levels[nd.LevelID]; ok && l.HierarchyID == hierarchyID {
			out = append(out, nd.Clone())
		}
	}
	sortNodeData(out, true)
	return out
}

func (d *memData) clone() *memData {
	c := &memData{
		hierarchies: make(map[int64]*models.Hierarchy, len(d.hierarchies)),
		levels:      make(map[int64]*models.Level, len(d.levels)),
		objs:        make(map[uuid.UUID]*models.Obj, len(d.objs)),
		nodeData:    make(map[int64]*models.NodeData, len(d.nodeData)),
		orders:      make(map[int64]*models.HierarchyRebuildOrder, len(d.orders)),
		seq:         d.seq,
	}
	for id, h := range d.hierarchies {
		hc := *h
		c.hierarchies[id] = &hc
	}
	for id, l := range d.levels {
		c.levels[id] = cloneLevel(l)
	}
	for id, o := range d.objs {
		c.objs[id] = cloneObj(o)
	}
	for id, nd := range d.nodeData {
		c.nodeData[id] = nd.Clone()
	}
	for id, o := range d.orders {
		oc := *o
		c.orders[id] = &oc
	}
	return c
}

func (d *memData) next() int64 {
	d.seq++
	return d.seq
}

func ptr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneObj(o *models.Obj) *models.Obj {
	c := *o
	c.ObjectID = ptr(o.ObjectID)
	c.AdditionalParams = ptr(o.AdditionalParams)
	c.Latitude = ptr(o.Latitude)
	c.Longitude = ptr(o.Longitude)
	c.ParentID = ptr(o.ParentID)
	return &c
}

func cloneLevel(l *models.Level) *models.Level {
	c := *l
	c.ParentID = ptr(l.ParentID)
	c.ParamTypeID = ptr(l.ParamTypeID)
	c.AdditionalParamsID = ptr(l.AdditionalParamsID)
	c.LatitudeID = ptr(l.LatitudeID)
	c.LongitudeID = ptr(l.LongitudeID)
	c.AttrAsParent = ptr(l.AttrAsParent)
	c.KeyAttrs = slices.Clone(l.KeyAttrs)
	return &c
}

func sortObjs(objs []*models.Obj) {
	slices.SortFunc(objs, func(a, b *models.Obj) int {
		return cmp.Or(cmp.Compare(a.Level, b.Level), cmp.Compare(a.Key, b.Key), cmp.Compare(a.ID.String(), b.ID.String()))
	})
}

func sortNodeData(rows []*models.NodeData, byLevel bool) {
	slices.SortFunc(rows, func(a, b *models.NodeData) int {
		if byLevel {
			if c := cmp.Compare(a.LevelID, b.LevelID); c != 0 {
				return c
			}
		}
		return cmp.Or(cmp.Compare(a.MOID, b.MOID), cmp.Compare(a.ID, b.ID))
	})
}

func sortLevels(levels []*models.Level, byHierarchy bool) {
	slices.SortFunc(levels, func(a, b *models.Level) int {
		if byHierarchy {
			if c := cmp.Compare(a.HierarchyID, b.HierarchyID); c != 0 {
				return c
			}
		}
		return cmp.Or(cmp.Compare(a.Level, b.Level), cmp.Compare(a.ID, b.ID))
	})
}

// deleteObj removes o, its node_data and, through parent_id, its whole subtree.
func (d *memData) deleteObj(id uuid.UUID) {
	if _, ok := d.objs[id]; !ok {
		return
	}
	delete(d.objs, id)
	for ndID, nd := range d.nodeData {
		if nd.NodeID == id {
			delete(d.nodeData, ndID)
		}
	}
	for childID, c := range d.objs {
		if c.ParentID != nil && *c.ParentID == id {
			d.deleteObj(childID)
		}
	}
}

func (d *memData) deleteLevel(id int64) {
	if _, ok := d.levels[id]; !ok {
		return
	}
	delete(d.levels, id)
	for objID, o := range d.objs {
		if o.LevelID == id {
			d.deleteObj(objID)
		}
	}
	for ndID, nd := range d.nodeData {
		if nd.LevelID == id {
			delete(d.nodeData, ndID)
		}
	}
	for _, l := range d.levels {
		if l.ParentID != nil && *l.ParentID == id {
			l.ParentID = nil
		}
	}
}

func (d *memData) activeChildren(id uuid.UUID) int {
	n := 0
	for _, c := range d.objs {
		if c.ParentID != nil && *c.ParentID == id && c.Active {
			n++
		}
	}
	return n
}

type memHierarchies struct{ s *MemStore }

func (r *memHierarchies) Create(ctx context.Context, h *models.Hierarchy) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d := r.s.data
	for _, other := range d.hierarchies {
		if other.Name == h.Name {
			return fmt.Errorf("duplicate key value violates unique constraint \"hierarchy_name_key\"")
		}
	}
	if h.Status == "" {
		h.Status = models.HierarchyStatusNew
	}
	h.ID = d.next()
	h.CreatedAt = time.Now()
	h.UpdatedAt = h.CreatedAt
	c := *h
	d.hierarchies[h.ID] = &c
	return nil
}

func (r *memHierarchies) GetByID(ctx context.Context, id int64) (*models.Hierarchy, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	h, ok := r.s.data.hierarchies[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	c := *h
	return &c, nil
}

func (r *memHierarchies) GetByName(ctx context.Context, name string) (*models.Hierarchy, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, h := range r.s.data.hierarchies {
		if h.Name == name {
			c := *h
			return &c, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r *memHierarchies) List(ctx context.Context) ([]*models.Hierarchy, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*models.Hierarchy
	for _, h := range r.s.data.hierarchies {
		c := *h
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *models.Hierarchy) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *memHierarchies) SetStatus(ctx context.Context, id int64, status models.HierarchyStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if h, ok := r.s.data.hierarchies[id]; ok {
		h.Status = status
		h.UpdatedAt = time.Now()
	}
	return nil
}

func (r *memHierarchies) Delete(ctx context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d := r.s.data
	delete(d.hierarchies, id)
	delete(d.orders, id)
	for levelID, l := range d.levels {
		if l.HierarchyID == id {
			d.deleteLevel(levelID)
		}
	}
	for objID, o := range d.objs {
		if o.HierarchyID == id {
			d.deleteObj(objID)
		}
	}
	return nil
}

type memLevels struct{ s *MemStore }

func (r *memLevels) Create(ctx context.Context, l *models.Level) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d := r.s.data
	if _, ok := d.hierarchies[l.HierarchyID]; !ok {
		return fmt.Errorf("insert level: hierarchy %d does not exist", l.HierarchyID)
	}
	for _, other := range d.levels {
		if other.HierarchyID == l.HierarchyID && other.Name == l.Name {
			return fmt.Errorf("duplicate key value violates unique constraint \"level_hierarchy_id_name_key\"")
		}
	}
	l.ID = d.next()
	l.CreatedAt = time.Now()
	d.levels[l.ID] = cloneLevel(l)
	return nil
}

func (r *memLevels) Update(ctx context.Context, l *models.Level) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.data.levels[l.ID]
	if !ok {
		return nil
	}
	c := cloneLevel(l)
	c.HierarchyID = cur.HierarchyID
	c.CreatedAt = cur.CreatedAt
	r.s.data.levels[l.ID] = c
	return nil
}

func (r *memLevels) GetByID(ctx context.Context, id int64) (*models.Level, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	l, ok := r.s.data.levels[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return cloneLevel(l), nil
}

func (r *memLevels) filter(byHierarchy bool, keep func(l *models.Level) bool) []*models.Level {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*models.Level
	for _, l := range r.s.data.levels {
		if keep(l) {
			out = append(out, cloneLevel(l))
		}
	}
	sortLevels(out, byHierarchy)
	return out
}

func (r *memLevels) GetByIDs(ctx context.Context, ids []int64) ([]*models.Level, error) {
	return r.filter(false, func(l *models.Level) bool { return slices.Contains(ids, l.ID) }), nil
}

func (r *memLevels) GetByName(ctx context.Context, hierarchyID int64, name string) (*models.Level, error) {
	found := r.filter(false, func(l *models.Level) bool { return l.HierarchyID == hierarchyID && l.Name == name })
	if len(found) == 0 {
		return nil, pgx.ErrNoRows
	}
	return found[0], nil
}

func (r *memLevels) ListByHierarchy(ctx context.Context, hierarchyID int64) ([]*models.Level, error) {
	return r.filter(false, func(l *models.Level) bool { return l.HierarchyID == hierarchyID }), nil
}

func (r *memLevels) ListByObjectTypes(ctx context.Context, tmoIDs []int64) ([]*models.Level, error) {
	return r.filter(true, func(l *models.Level) bool { return slices.Contains(tmoIDs, l.ObjectTypeID) }), nil
}

func (r *memLevels) ListReferencingTPRMs(ctx context.Context, tprmIDs []int64) ([]*models.Level, error) {
	return r.filter(true, func(l *models.Level) bool {
		for _, id := range tprmIDs {
			if slices.Contains(l.KeyAttrs, strconv.FormatInt(id, 10)) || slices.Contains(l.HelperTPRMs(), id) {
				return true
			}
		}
		return false
	}), nil
}

func (r *memLevels) ListChildren(ctx context.Context, levelID int64) ([]*models.Level, error) {
	return r.filter(false, func(l *models.Level) bool { return l.ParentID != nil && *l.ParentID == levelID }), nil
}

func (r *memLevels) Delete(ctx context.Context, ids []int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range ids {
		r.s.data.deleteLevel(id)
	}
	return nil
}

type memObjs struct{ s *MemStore }

func (r *memObjs) Insert(ctx context.Context, objs []*models.Obj) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d := r.s.data
	for _, o := range objs {
		if _, ok := d.objs[o.ID]; ok {
			return 0, fmt.Errorf("duplicate key value violates unique constraint \"obj_pkey\": %s", o.ID)
		}
		if _, ok := d.levels[o.LevelID]; !ok {
			return 0, fmt.Errorf("insert obj: level %d does not exist", o.LevelID)
		}
	}
	for _, o := range objs {
		d.objs[o.ID] = cloneObj(o)
	}
	for _, o := range objs {
		if o.ParentID != nil {
			if _, ok := d.objs[*o.ParentID]; !ok {
				for _, added := range objs {
					delete(d.objs, added.ID)
				}
				return 0, fmt.Errorf("insert obj: parent %s does not exist", *o.ParentID)
			}
		}
	}
	return int64(len(objs)), nil
}

func (r *memObjs) GetByID(ctx context.Context, id uuid.UUID) (*models.Obj, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	o, ok := r.s.data.objs[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return cloneObj(o), nil
}

func (r *memObjs) filter(keep func(o *models.Obj) bool) []*models.Obj {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*models.Obj
	for _, o := range r.s.data.objs {
		if keep(o) {
			out = append(out, cloneObj(o))
		}
	}
	sortObjs(out)
	return out
}

func (r *memObjs) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Obj, error) {
	return r.filter(func(o *models.Obj) bool { return slices.Contains(ids, o.ID) }), nil
}

func (r *memObjs) ListVirtual(ctx context.Context, levelID int64, parentID *uuid.UUID, key string, active bool) ([]*models.Obj, error) {
	out := r.filter(func(o *models.Obj) bool {
		return o.LevelID == levelID && models.UUIDPtrEqual(o.ParentID, parentID) && o.Key == key &&
			o.Active == active && o.ObjectID == nil
	})
	slices.SortFunc(out, func(a, b *models.Obj) int { return cmp.Compare(a.ID.String(), b.ID.String()) })
	return out, nil
}

func (r *memObjs) FindVirtual(ctx context.Context, levelID int64, parentID *uuid.UUID, key string, active bool) (*models.Obj, error) {
	found, _ := r.ListVirtual(ctx, levelID, parentID, key, active)
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

func (r *memObjs) FindByObjectIDs(ctx context.Context, levelID int64, objectIDs []int64) ([]*models.Obj, error) {
	return r.filter(func(o *models.Obj) bool {
		return o.LevelID == levelID && o.ObjectID != nil && slices.Contains(objectIDs, *o.ObjectID)
	}), nil
}

func (r *memObjs) ListChildren(ctx context.Context, hierarchyID int64, parentID *uuid.UUID) ([]*models.Obj, error) {
	out := r.filter(func(o *models.Obj) bool {
		return o.HierarchyID == hierarchyID && models.UUIDPtrEqual(o.ParentID, parentID)
	})
	slices.SortFunc(out, func(a, b *models.Obj) int {
		return cmp.Or(cmp.Compare(a.Key, b.Key), cmp.Compare(a.ID.String(), b.ID.String()))
	})
	return out, nil
}

func (r *memObjs) ListSubtree(ctx context.Context, hierarchyID int64, pathPrefix string) ([]*models.Obj, error) {
	return r.filter(func(o *models.Obj) bool {
		return o.HierarchyID == hierarchyID && strings.HasPrefix(o.Path, pathPrefix)
	}), nil
}

func (r *memObjs) ListByLevels(ctx context.Context, levelIDs []int64) ([]*models.Obj, error) {
	return r.filter(func(o *models.Obj) bool { return slices.Contains(levelIDs, o.LevelID) }), nil
}

func (r *memObjs) CountActiveChildren(ctx context.Context, parentIDs []uuid.UUID, skipEmptyKeys bool) (map[uuid.UUID]int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	counts := make(map[uuid.UUID]int, len(parentIDs))
	for _, o := range r.s.data.objs {
		if o.ParentID == nil || !o.Active || (skipEmptyKeys && o.KeyIsEmpty) {
			continue
		}
		if slices.Contains(parentIDs, *o.ParentID) {
			counts[*o.ParentID]++
		}
	}
	return counts, nil
}

func (r *memObjs) CountByHierarchies(ctx context.Context, hierarchyIDs []int64) (map[int64]int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	counts := make(map[int64]int64, len(hierarchyIDs))
	for _, o := range r.s.data.objs {
		if slices.Contains(hierarchyIDs, o.HierarchyID) {
			counts[o.HierarchyID]++
		}
	}
	return counts, nil
}

func (r *memObjs) Update(ctx context.Context, o *models.Obj) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.data.objs[o.ID]
	if !ok {
		return nil
	}
	if o.ParentID != nil {
		if _, ok := r.s.data.objs[*o.ParentID]; !ok {
			return fmt.Errorf("update obj: parent %s does not exist", *o.ParentID)
		}
	}
	cur.Key = o.Key
	cur.KeyIsEmpty = o.KeyIsEmpty
	cur.Active = o.Active
	cur.ParentID = ptr(o.ParentID)
	cur.Path = o.Path
	cur.AdditionalParams = ptr(o.AdditionalParams)
	cur.Latitude = ptr(o.Latitude)
	cur.Longitude = ptr(o.Longitude)
	return nil
}

func (r *memObjs) ReplacePathPrefix(ctx context.Context, hierarchyID int64, oldPrefix, newPrefix string) (int64, error) {
	if oldPrefix == "" {
		return 0, fmt.Errorf("replace path prefix: empty prefix would rewrite every node")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, o := range r.s.data.objs {
		if o.HierarchyID == hierarchyID && strings.HasPrefix(o.Path, oldPrefix) {
			o.Path = newPrefix + o.Path[len(oldPrefix):]
			n++
		}
	}
	return n, nil
}

func (r *memObjs) ReparentChildren(ctx context.Context, from uuid.UUID, to *uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, o := range r.s.data.objs {
		if o.ParentID != nil && *o.ParentID == from {
			o.ParentID = ptr(to)
		}
	}
	return nil
}

func (r *memObjs) RecomputeChildCounts(ctx context.Context, ids []uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d := r.s.data
	for _, id := range ids {
		if o, ok := d.objs[id]; ok {
			o.ChildCount = d.activeChildren(id)
		}
	}
	return nil
}

func (r *memObjs) RecomputeChildCountsByLevels(ctx context.Context, levelIDs []int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d := r.s.data
	for id, o := range d.objs {
		if slices.Contains(levelIDs, o.LevelID) {
			o.ChildCount = d.activeChildren(id)
		}
	}
	return nil
}

func (r *memObjs) SetChildCounts(ctx context.Context, counts map[uuid.UUID]int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, n := range counts {
		if o, ok := r.s.data.objs[id]; ok {
			o.ChildCount = n
		}
	}
	return nil
}

func (r *memObjs) ClearAttribute(ctx context.Context, levelID int64, attr repositories.ObjAttribute) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, o := range r.s.data.objs {
		if o.LevelID != levelID {
			continue
		}
		switch attr {
		case repositories.ObjAdditionalParams:
			o.AdditionalParams = nil
		case repositories.ObjLatitude:
			o.Latitude = nil
		case repositories.ObjLongitude:
			o.Longitude = nil
		default:
			return fmt.Errorf("clear attribute: unknown column %q", attr)
		}
	}
	return nil
}

func (r *memObjs) Delete(ctx context.Context, ids []uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range ids {
		r.s.data.deleteObj(id)
	}
	return nil
}

func (r *memObjs) DeleteByHierarchy(ctx context.Context, hierarchyID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, o := range r.s.data.objs {
		if o.HierarchyID == hierarchyID {
			r.s.data.deleteObj(id)
		}
	}
	return nil
}

type memNodeData struct{ s *MemStore }

func (r *memNodeData) Insert(ctx context.Context, rows []*models.NodeData) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d := r.s.data
	seen := map[[2]int64]bool{}
	for _, nd := range d.nodeData {
		seen[[2]int64{nd.LevelID, nd.MOID}] = true
	}
	for _, nd := range rows {
		k := [2]int64{nd.LevelID, nd.MOID}
		if seen[k] {
			return 0, fmt.Errorf("duplicate key value violates unique constraint \"node_data_level_id_mo_id_key\": level %d mo %d", nd.LevelID, nd.MOID)
		}
		seen[k] = true
		if _, ok := d.objs[nd.NodeID]; !ok {
			return 0, fmt.Errorf("insert node_data: node %s does not exist", nd.NodeID)
		}
	}
	for _, nd := range rows {
		c := nd.Clone()
		c.ID = d.next()
		d.nodeData[c.ID] = c
	}
	return int64(len(rows)), nil
}

func (r *memNodeData) filter(byLevel bool, keep func(nd *models.NodeData) bool) []*models.NodeData {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*models.NodeData
	for _, nd := range r.s.data.nodeData {
		if keep(nd) {
			out = append(out, nd.Clone())
		}
	}
	sortNodeData(out, byLevel)
	return out
}

func (r *memNodeData) ListByMOIDs(ctx context.Context, moIDs []int64) ([]*models.NodeData, error) {
	return r.filter(true, func(nd *models.NodeData) bool { return slices.Contains(moIDs, nd.MOID) }), nil
}

func (r *memNodeData) ListByLevelAndMOIDs(ctx context.Context, levelID int64, moIDs []int64) ([]*models.NodeData, error) {
	return r.filter(false, func(nd *models.NodeData) bool {
		return nd.LevelID == levelID && slices.Contains(moIDs, nd.MOID)
	}), nil
}

func (r *memNodeData) ListByLevelAndParentMOIDs(ctx context.Context, levelID int64, pIDs []int64) ([]*models.NodeData, error) {
	return r.filter(false, func(nd *models.NodeData) bool {
		return nd.LevelID == levelID && nd.MOPID != nil && slices.Contains(pIDs, *nd.MOPID)
	}), nil
}

func (r *memNodeData) ListByLevelAndSelfParentMOIDs(ctx context.Context, levelID int64, pIDs []int64) ([]*models.NodeData, error) {
	return r.filter(false, func(nd *models.NodeData) bool {
		return nd.LevelID == levelID && nd.MOSelfParentID != nil && slices.Contains(pIDs, *nd.MOSelfParentID)
	}), nil
}

func (r *memNodeData) ListByNodeIDs(ctx context.Context, nodeIDs []uuid.UUID) ([]*models.NodeData, error) {
	return r.filter(false, func(nd *models.NodeData) bool { return slices.Contains(nodeIDs, nd.NodeID) }), nil
}

func (r *memNodeData) ListByLevels(ctx context.Context, levelIDs []int64) ([]*models.NodeData, error) {
	return r.filter(true, func(nd *models.NodeData) bool { return slices.Contains(levelIDs, nd.LevelID) }), nil
}

func (r *memNodeData) CountByNodeIDs(ctx context.Context, nodeIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	counts := make(map[uuid.UUID]int, len(nodeIDs))
	for _, nd := range r.s.data.nodeData {
		if slices.Contains(nodeIDs, nd.NodeID) {
			counts[nd.NodeID]++
		}
	}
	return counts, nil
}

func (r *memNodeData) Update(ctx context.Context, row *models.NodeData) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.data.nodeData[row.ID]
	if !ok {
		return nil
	}
	if _, ok := r.s.data.objs[row.NodeID]; !ok {
		return fmt.Errorf("update node_data: node %s does not exist", row.NodeID)
	}
	cur.NodeID = row.NodeID
	cur.MOName = row.MOName
	cur.MOPID = ptr(row.MOPID)
	cur.MOActive = row.MOActive
	cur.MOLatitude = ptr(row.MOLatitude)
	cur.MOLongitude = ptr(row.MOLongitude)
	cur.MOStatus = ptr(row.MOStatus)
	cur.MOSelfParentID = ptr(row.MOSelfParentID)
	cur.UnfoldedKey = maps.Clone(row.UnfoldedKey)
	return nil
}

func (r *memNodeData) Reassign(ctx context.Context, ids []int64, nodeID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	if _, ok := r.s.data.objs[nodeID]; !ok {
		return fmt.Errorf("reassign node_data: node %s does not exist", nodeID)
	}
	for _, id := range ids {
		if nd, ok := r.s.data.nodeData[id]; ok {
			nd.NodeID = nodeID
		}
	}
	return nil
}

func (r *memNodeData) DeleteByLevelsAndMOIDs(ctx context.Context, levelIDs []int64, moIDs []int64) ([]*models.NodeData, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.NodeData
	for id, nd := range r.s.data.nodeData {
		if slices.Contains(levelIDs, nd.LevelID) && slices.Contains(moIDs, nd.MOID) {
			out = append(out, nd)
			delete(r.s.data.nodeData, id)
		}
	}
	sortNodeData(out, true)
	return out, nil
}

type memOrders struct{ s *MemStore }

func (r *memOrders) List(ctx context.Context) ([]*models.HierarchyRebuildOrder, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*models.HierarchyRebuildOrder
	for _, o := range r.s.data.orders {
		c := *o
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *models.HierarchyRebuildOrder) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.HierarchyID, b.HierarchyID))
	})
	return out, nil
}

func (r *memOrders) Enqueue(ctx context.Context, hierarchyID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d := r.s.data
	if _, ok := d.hierarchies[hierarchyID]; !ok {
		return fmt.Errorf("enqueue rebuild: hierarchy %d does not exist", hierarchyID)
	}
	if _, ok := d.orders[hierarchyID]; !ok {
		d.orders[hierarchyID] = &models.HierarchyRebuildOrder{HierarchyID: hierarchyID, CreatedAt: time.Now()}
	}
	return nil
}

func (r *memOrders) Acquire(ctx context.Context, hierarchyID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.data.orders[hierarchyID]
	if !ok || o.OnRebuild {
		return false, nil
	}
	o.OnRebuild = true
	return true, nil
}

func (r *memOrders) Release(ctx context.Context, hierarchyID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if o, ok := r.s.data.orders[hierarchyID]; ok {
		o.OnRebuild = false
	}
	return nil
}

func (r *memOrders) Delete(ctx context.Context, hierarchyID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.data.orders, hierarchyID)
	return nil
}
