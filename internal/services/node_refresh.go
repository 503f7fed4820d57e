package services

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"mohierarchy/internal/models"
	"mohierarchy/internal/repositories"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// treeTx carries the state of one incremental handler inside its transaction. Shadow rows whose
// parent, key or active flag changed are queued per level and re-placed in depth order; parents
// whose children moved are recounted once at the end.
type treeTx struct {
	svc       *changeService
	r         repositories.Repos
	loaded    models.HierarchySet
	levels    map[int64]*models.Level
	childLvls map[int64][]*models.Level
	plans     map[int64]*KeyPlan
	pending   map[int64]map[int64]*models.NodeData
	touched   map[uuid.UUID]struct{}
	emptied   map[uuid.UUID]struct{}
	changed   map[int64]map[uuid.UUID]struct{}
	relevel   models.HierarchySet
}

func newTreeTx(svc *changeService, r repositories.Repos) *treeTx {
	return &treeTx{
		svc:       svc,
		r:         r,
		loaded:    models.NewHierarchySet(),
		levels:    map[int64]*models.Level{},
		childLvls: map[int64][]*models.Level{},
		plans:     map[int64]*KeyPlan{},
		pending:   map[int64]map[int64]*models.NodeData{},
		touched:   map[uuid.UUID]struct{}{},
		emptied:   map[uuid.UUID]struct{}{},
		changed:   map[int64]map[uuid.UUID]struct{}{},
		relevel:   models.NewHierarchySet(),
	}
}

func (t *treeTx) loadHierarchy(ctx context.Context, hierarchyID int64) error {
	if t.loaded.Has(hierarchyID) {
		return nil
	}
	levels, err := t.r.Levels.ListByHierarchy(ctx, hierarchyID)
	if err != nil {
		return err
	}
	models.LevelsByDepth(levels)
	for _, l := range levels {
		t.levels[l.ID] = l
	}
	for _, l := range levels {
		if l.ParentID != nil {
			t.childLvls[*l.ParentID] = append(t.childLvls[*l.ParentID], l)
		}
	}
	t.loaded.Add(hierarchyID)
	return nil
}

// adopt loads the hierarchies of found levels, drops skipped ones and returns the loaded
// instances ordered by depth.
func (t *treeTx) adopt(ctx context.Context, found []*models.Level, skip models.HierarchySet) ([]*models.Level, error) {
	var out []*models.Level
	for _, l := range found {
		if skip.Has(l.HierarchyID) {
			continue
		}
		if err := t.loadHierarchy(ctx, l.HierarchyID); err != nil {
			return nil, err
		}
		if lvl, ok := t.levels[l.ID]; ok {
			out = append(out, lvl)
		}
	}
	models.LevelsByDepth(out)
	return out, nil
}

func (t *treeTx) parentLevel(lvl *models.Level) *models.Level {
	if lvl.ParentID == nil {
		return nil
	}
	return t.levels[*lvl.ParentID]
}

func (t *treeTx) plan(ctx context.Context, lvl *models.Level) (*KeyPlan, error) {
	if p, ok := t.plans[lvl.ID]; ok {
		return p, nil
	}
	p, err := t.svc.keys.Plan(ctx, lvl.ObjectTypeID, lvl.KeyAttrs)
	if err != nil {
		return nil, err
	}
	t.plans[lvl.ID] = p
	return p, nil
}

func (t *treeTx) enqueue(levelID int64, rows ...*models.NodeData) {
	if len(rows) == 0 {
		return
	}
	q, ok := t.pending[levelID]
	if !ok {
		q = map[int64]*models.NodeData{}
		t.pending[levelID] = q
	}
	for _, nd := range rows {
		q[nd.ID] = nd
	}
}

func (t *treeTx) touchParent(node *models.Obj) {
	if node.ParentID != nil {
		t.touched[*node.ParentID] = struct{}{}
	}
}

func (t *treeTx) mark(node *models.Obj) {
	ids, ok := t.changed[node.HierarchyID]
	if !ok {
		ids = map[uuid.UUID]struct{}{}
		t.changed[node.HierarchyID] = ids
	}
	ids[node.ID] = struct{}{}
}

// run drains the queue shallowest level first; refreshing a level may queue deeper ones.
func (t *treeTx) run(ctx context.Context) error {
	for len(t.pending) > 0 {
		var next *models.Level
		for id := range t.pending {
			lvl, ok := t.levels[id]
			if !ok {
				delete(t.pending, id)
				continue
			}
			if next == nil || lvl.Level < next.Level || (lvl.Level == next.Level && lvl.ID < next.ID) {
				next = lvl
			}
		}
		if next == nil {
			return nil
		}
		queued := t.pending[next.ID]
		delete(t.pending, next.ID)

		rows := make([]*models.NodeData, 0, len(queued))
		for _, nd := range queued {
			rows = append(rows, nd)
		}
		slices.SortFunc(rows, func(a, b *models.NodeData) int { return cmp.Compare(a.ID, b.ID) })
		if err := t.refreshLevel(ctx, next, rows); err != nil {
			return err
		}
	}
	return nil
}

func (t *treeTx) refreshLevel(ctx context.Context, lvl *models.Level, rows []*models.NodeData) error {
	parentLvl := t.parentLevel(lvl)
	var order []uuid.UUID
	byNode := map[uuid.UUID][]*models.NodeData{}
	for _, nd := range rows {
		if _, ok := byNode[nd.NodeID]; !ok {
			order = append(order, nd.NodeID)
		}
		byNode[nd.NodeID] = append(byNode[nd.NodeID], nd)
	}

	for _, nodeID := range order {
		node, err := t.r.Objs.GetByID(ctx, nodeID)
		if errors.Is(err, pgx.ErrNoRows) {
			t.svc.counters.OrphanNodeData.Add(int64(len(byNode[nodeID])))
			t.svc.counters.InvariantBreaches.Add(1)
			t.svc.log.Warn("node data references a missing node",
				zap.Int64("level_id", lvl.ID), zap.String("node_id", nodeID.String()))
			continue
		}
		if err != nil {
			return err
		}
		if lvl.Coalesces() {
			err = t.refreshVirtual(ctx, lvl, parentLvl, node, byNode[nodeID])
		} else {
			err = t.refreshSingle(ctx, lvl, parentLvl, node, byNode[nodeID][0])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *treeTx) desiredParent(ctx context.Context, lvl, parentLvl *models.Level, node *models.Obj, nd *models.NodeData) (*models.Obj, error) {
	if lvl.Hierarchical() && node.ParentID != nil {
		cur, err := t.r.Objs.GetByID(ctx, *node.ParentID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		if err == nil && cur.LevelID == lvl.ID {
			return cur, nil
		}
	}
	return resolveParentNode(ctx, t.r, lvl, parentLvl, nd.MOID, nd.MOPID)
}

// refreshSingle re-places a node that represents exactly one MO.
func (t *treeTx) refreshSingle(ctx context.Context, lvl, parentLvl *models.Level, node *models.Obj, nd *models.NodeData) error {
	parent, err := t.desiredParent(ctx, lvl, parentLvl, node, nd)
	if err != nil {
		return err
	}
	key, empty := models.KeyFromUnfolded(lvl.KeyAttrs, nd.UnfoldedKey)
	dirty := false
	if node.Key != key || node.KeyIsEmpty != empty || node.Active != nd.MOActive {
		node.Key, node.KeyIsEmpty, node.Active = key, empty, nd.MOActive
		t.touchParent(node)
		dirty = true
	}
	if !models.UUIDPtrEqual(node.ParentID, parentRef(parent)) {
		return t.move(ctx, node, parent)
	}
	if !dirty {
		return nil
	}
	t.mark(node)
	return t.r.Objs.Update(ctx, node)
}

type virtualMove struct {
	parent *models.Obj
	key    string
	empty  bool
	active bool
	rows   []*models.NodeData
}

func (m *virtualMove) moIDs() []int64 {
	ids := make([]int64, 0, len(m.rows))
	for _, nd := range m.rows {
		ids = append(ids, nd.MOID)
	}
	return ids
}

// refreshVirtual moves a coalesced node whole when every backing row moves the same way, and
// otherwise splits the moving rows off into the node carrying their new identity.
func (t *treeTx) refreshVirtual(ctx context.Context, lvl, parentLvl *models.Level, node *models.Obj, rows []*models.NodeData) error {
	var order []virtualIdentity
	groups := map[virtualIdentity]*virtualMove{}
	for _, nd := range rows {
		parent, err := resolveParentNode(ctx, t.r, lvl, parentLvl, nd.MOID, nd.MOPID)
		if err != nil {
			return err
		}
		key, empty := models.KeyFromUnfolded(lvl.KeyAttrs, nd.UnfoldedKey)
		id := virtualIdentity{key: key, active: nd.MOActive}
		if parent != nil {
			id.parent = parent.ID
		}
		g, ok := groups[id]
		if !ok {
			g = &virtualMove{parent: parent, key: key, empty: empty, active: nd.MOActive}
			groups[id] = g
			order = append(order, id)
		}
		g.rows = append(g.rows, nd)
	}

	current := virtualIdentity{key: node.Key, active: node.Active}
	if node.ParentID != nil {
		current.parent = *node.ParentID
	}
	var moving []*virtualMove
	for _, id := range order {
		if id != current {
			moving = append(moving, groups[id])
		}
	}
	if len(moving) == 0 {
		return t.dedupe(ctx, lvl, node)
	}

	counts, err := t.r.NodeData.CountByNodeIDs(ctx, []uuid.UUID{node.ID})
	if err != nil {
		return err
	}
	if len(moving) == 1 && len(moving[0].rows) == counts[node.ID] {
		m := moving[0]
		target, err := t.findVirtual(ctx, lvl.ID, parentRef(m.parent), m.key, m.active, node.ID)
		if err != nil {
			return err
		}
		if target != nil {
			return t.mergeInto(ctx, node, target)
		}
		if node.Active != m.active {
			t.touchParent(node)
		}
		node.Key, node.KeyIsEmpty, node.Active = m.key, m.empty, m.active
		if !models.UUIDPtrEqual(node.ParentID, parentRef(m.parent)) {
			return t.move(ctx, node, m.parent)
		}
		t.touchParent(node)
		t.mark(node)
		return t.r.Objs.Update(ctx, node)
	}

	for _, m := range moving {
		target, err := t.findVirtual(ctx, lvl.ID, parentRef(m.parent), m.key, m.active, node.ID)
		if err != nil {
			return err
		}
		if target == nil {
			target = newNode(lvl, m.parent, m.key, m.empty, m.active, nil)
			if _, err := t.r.Objs.Insert(ctx, []*models.Obj{target}); err != nil {
				return err
			}
		}
		ids := make([]int64, 0, len(m.rows))
		for _, nd := range m.rows {
			ids = append(ids, nd.ID)
			nd.NodeID = target.ID
		}
		if err := t.r.NodeData.Reassign(ctx, ids, target.ID); err != nil {
			return err
		}
		t.touchParent(target)
		t.mark(target)
		if err := t.cascade(ctx, lvl, m.moIDs()); err != nil {
			return err
		}
	}
	t.touchParent(node)
	t.mark(node)
	t.emptied[node.ID] = struct{}{}
	return nil
}

// dedupe folds node into another virtual node holding the same identity tuple, if any.
func (t *treeTx) dedupe(ctx context.Context, lvl *models.Level, node *models.Obj) error {
	target, err := t.findVirtual(ctx, lvl.ID, node.ParentID, node.Key, node.Active, node.ID)
	if err != nil || target == nil {
		return err
	}
	return t.mergeInto(ctx, node, target)
}

func (t *treeTx) findVirtual(ctx context.Context, levelID int64, parentID *uuid.UUID, key string, active bool, except uuid.UUID) (*models.Obj, error) {
	found, err := t.r.Objs.ListVirtual(ctx, levelID, parentID, key, active)
	if err != nil {
		return nil, err
	}
	for _, o := range found {
		if o.ID != except {
			return o, nil
		}
	}
	return nil, nil
}

// mergeInto hands node's rows and children to target and drops node.
func (t *treeTx) mergeInto(ctx context.Context, node, target *models.Obj) error {
	rows, err := t.r.NodeData.ListByNodeIDs(ctx, []uuid.UUID{node.ID})
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(rows))
	for _, nd := range rows {
		ids = append(ids, nd.ID)
	}
	if err := t.r.NodeData.Reassign(ctx, ids, target.ID); err != nil {
		return err
	}
	kids, err := t.r.Objs.ListChildren(ctx, node.HierarchyID, &node.ID)
	if err != nil {
		return err
	}
	if err := t.r.Objs.ReparentChildren(ctx, node.ID, &target.ID); err != nil {
		return err
	}
	if _, err := t.r.Objs.ReplacePathPrefix(ctx, node.HierarchyID, node.SubtreePrefix(), target.SubtreePrefix()); err != nil {
		return err
	}
	if err := t.r.Objs.Delete(ctx, []uuid.UUID{node.ID}); err != nil {
		return err
	}
	t.touchParent(node)
	t.touchParent(target)
	t.touched[target.ID] = struct{}{}
	t.mark(node)
	t.mark(target)

	// children moved under target may now collide with its own children
	for _, kid := range kids {
		kidLvl, ok := t.levels[kid.LevelID]
		if !ok || !kidLvl.Coalesces() {
			continue
		}
		kidRows, err := t.r.NodeData.ListByNodeIDs(ctx, []uuid.UUID{kid.ID})
		if err != nil {
			return err
		}
		t.enqueue(kid.LevelID, kidRows...)
	}
	return nil
}

// move reparents node and rewrites the paths of its subtree.
func (t *treeTx) move(ctx context.Context, node, parent *models.Obj) error {
	if parent != nil && (parent.ID == node.ID || parent.IsDescendantOf(node)) {
		t.svc.counters.InvariantBreaches.Add(1)
		t.svc.log.Warn("reparent would close a cycle, keeping current parent",
			zap.String("node_id", node.ID.String()), zap.String("parent_id", parent.ID.String()))
		t.mark(node)
		return t.r.Objs.Update(ctx, node)
	}
	oldPrefix := node.SubtreePrefix()
	t.touchParent(node)
	node.ParentID = parentRef(parent)
	node.Path = models.ChildPath(parent)
	if err := t.r.Objs.Update(ctx, node); err != nil {
		return err
	}
	t.touchParent(node)
	t.mark(node)
	if newPrefix := node.SubtreePrefix(); newPrefix != oldPrefix {
		if _, err := t.r.Objs.ReplacePathPrefix(ctx, node.HierarchyID, oldPrefix, newPrefix); err != nil {
			return err
		}
	}
	return nil
}

// cascade queues the child-level rows whose parent lookup goes through moIDs.
func (t *treeTx) cascade(ctx context.Context, lvl *models.Level, moIDs []int64) error {
	for _, child := range t.childLvls[lvl.ID] {
		if _, ok := t.levels[child.ID]; !ok {
			continue
		}
		var rows []*models.NodeData
		var err error
		if linksByMOID(lvl, child) {
			rows, err = t.r.NodeData.ListByLevelAndMOIDs(ctx, child.ID, moIDs)
		} else {
			rows, err = t.r.NodeData.ListByLevelAndParentMOIDs(ctx, child.ID, moIDs)
		}
		if err != nil {
			return err
		}
		t.enqueue(child.ID, rows...)
	}
	return nil
}

// releaseMembers hands the same-level children of removed MOs back to their cross-level parent.
// Their shadow rows keep the parent id, so a later create of that MO takes them back.
func (t *treeTx) releaseMembers(ctx context.Context, lvl *models.Level, moIDs []int64) error {
	if !lvl.Hierarchical() {
		return nil
	}
	members, err := t.r.NodeData.ListByLevelAndSelfParentMOIDs(ctx, lvl.ID, moIDs)
	if err != nil {
		return err
	}
	for _, nd := range members {
		if err := t.reparentHierarchical(ctx, lvl, nd.MOID, nil); err != nil {
			return err
		}
	}
	return nil
}

// removeNode detaches the node's children to the top of the tree before dropping it, so the
// self-referencing cascade cannot take their subtrees along.
func (t *treeTx) removeNode(ctx context.Context, node *models.Obj) error {
	if err := t.r.Objs.ReparentChildren(ctx, node.ID, nil); err != nil {
		return err
	}
	if _, err := t.r.Objs.ReplacePathPrefix(ctx, node.HierarchyID, node.SubtreePrefix(), ""); err != nil {
		return err
	}
	if err := t.r.Objs.Delete(ctx, []uuid.UUID{node.ID}); err != nil {
		return err
	}
	t.touchParent(node)
	t.mark(node)
	return nil
}

// reparentHierarchical moves the node of moID under the node of parentMOID on the same level,
// or back under its cross-level parent when parentMOID is absent or unknown.
func (t *treeTx) reparentHierarchical(ctx context.Context, lvl *models.Level, moID int64, parentMOID *int64) error {
	nodes, err := t.r.Objs.FindByObjectIDs(ctx, lvl.ID, []int64{moID})
	if err != nil || len(nodes) == 0 {
		return err
	}
	node := nodes[0]

	var parent *models.Obj
	if parentMOID != nil && *parentMOID != moID {
		found, err := t.r.Objs.FindByObjectIDs(ctx, lvl.ID, []int64{*parentMOID})
		if err != nil {
			return err
		}
		if len(found) > 0 {
			parent = found[0]
		}
	}
	if parent == nil {
		rows, err := t.r.NodeData.ListByLevelAndMOIDs(ctx, lvl.ID, []int64{moID})
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			parent, err = resolveParentNode(ctx, t.r, lvl, t.parentLevel(lvl), moID, rows[0].MOPID)
			if err != nil {
				return err
			}
		}
	}
	if models.UUIDPtrEqual(node.ParentID, parentRef(parent)) {
		return nil
	}
	return t.move(ctx, node, parent)
}

// finish drops nodes left without backing rows and recounts every touched parent.
func (t *treeTx) finish(ctx context.Context) error {
	if err := t.run(ctx); err != nil {
		return err
	}
	if len(t.emptied) > 0 {
		ids := make([]uuid.UUID, 0, len(t.emptied))
		for id := range t.emptied {
			ids = append(ids, id)
		}
		counts, err := t.r.NodeData.CountByNodeIDs(ctx, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if counts[id] > 0 {
				continue
			}
			node, err := t.r.Objs.GetByID(ctx, id)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			if err := t.removeNode(ctx, node); err != nil {
				return err
			}
		}
	}
	if len(t.touched) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(t.touched))
	for id := range t.touched {
		ids = append(ids, id)
	}
	return t.r.Objs.RecomputeChildCounts(ctx, ids)
}
