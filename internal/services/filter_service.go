package services

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"

	"mohierarchy/internal/inventory"
	"mohierarchy/internal/models"
	"mohierarchy/internal/repositories"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const collectParallelism = 8

// ChildrenQuery asks for the first-depth children of ParentID (roots when nil). With TMOID and
// Filter set only children whose subtree holds a matching MO of that object type are returned.
type ChildrenQuery struct {
	HierarchyID  int64
	ParentID     *uuid.UUID
	TMOID        *int64
	Filter       *models.Filter
	CollectMOIDs bool
	WithSeverity bool
}

type ChildrenResult struct {
	Nodes       []*models.Obj         `json:"nodes"`
	MOIDsByNode map[uuid.UUID][]int64 `json:"mo_ids_by_node,omitempty"`
	Severity    map[uuid.UUID]int64   `json:"severity,omitempty"`
}

type FilterService interface {
	ChildrenWithFilter(ctx context.Context, q ChildrenQuery) (*ChildrenResult, error)
}

type filterService struct {
	store  repositories.Store
	inv    inventory.Client
	search inventory.FilterClient
	log    *zap.Logger
}

func NewFilterService(store repositories.Store, inv inventory.Client, search inventory.FilterClient, log *zap.Logger) FilterService {
	return &filterService{store: store, inv: inv, search: search, log: log.Named("filter")}
}

type moSet map[int64]struct{}

func (m moSet) sorted() []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// filterRun holds the catalog of one query.
type filterRun struct {
	s         *filterService
	r         repositories.Repos
	h         *models.Hierarchy
	levels    map[int64]*models.Level
	hasChilds map[int64]bool
	q         ChildrenQuery
}

func (s *filterService) ChildrenWithFilter(ctx context.Context, q ChildrenQuery) (*ChildrenResult, error) {
	repos := s.store.Repos()
	h, err := repos.Hierarchies.GetByID(ctx, q.HierarchyID)
	if err != nil {
		return nil, lookupError(err, "hierarchy", q.HierarchyID)
	}
	levels, err := repos.Levels.ListByHierarchy(ctx, h.ID)
	if err != nil {
		return nil, err
	}
	run := &filterRun{s: s, r: repos, h: h, levels: map[int64]*models.Level{}, hasChilds: map[int64]bool{}, q: q}
	for _, l := range levels {
		run.levels[l.ID] = l
		if l.ParentID != nil {
			run.hasChilds[*l.ParentID] = true
		}
	}

	var parent *models.Obj
	if q.ParentID != nil {
		parent, err = repos.Objs.GetByID(ctx, *q.ParentID)
		if err != nil {
			return nil, lookupError(err, "node", *q.ParentID)
		}
		if parent.HierarchyID != h.ID {
			return nil, invalid("node %s does not belong to hierarchy %d", parent.ID, h.ID)
		}
	}

	var res *ChildrenResult
	switch {
	case q.Filter.Empty():
		res, err = run.unfiltered(ctx, parent)
	case q.TMOID == nil:
		return nil, invalid("a filter needs a target object type")
	default:
		targets := run.targetLevels(*q.TMOID)
		if len(targets) == 0 {
			return nil, invalid("object type %d has no level in hierarchy %d", *q.TMOID, h.ID)
		}
		if parent == nil || targets[0].Level > parent.Level {
			res, err = run.below(ctx, parent, targets)
		} else {
			res, err = run.above(ctx, parent, targets)
		}
	}
	if err != nil {
		return nil, err
	}

	slices.SortFunc(res.Nodes, func(a, b *models.Obj) int {
		if c := strings.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	if q.WithSeverity {
		if err := run.severity(ctx, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// targetLevels returns the deepest levels carrying tmoID.
func (f *filterRun) targetLevels(tmoID int64) []*models.Level {
	var out []*models.Level
	for _, l := range f.levels {
		if l.ObjectTypeID != tmoID {
			continue
		}
		if len(out) > 0 && l.Level < out[0].Level {
			continue
		}
		if len(out) > 0 && l.Level > out[0].Level {
			out = out[:0]
		}
		out = append(out, l)
	}
	models.LevelsByDepth(out)
	return out
}

func (f *filterRun) unfiltered(ctx context.Context, parent *models.Obj) (*ChildrenResult, error) {
	kids, err := f.r.Objs.ListChildren(ctx, f.h.ID, parentRef(parent))
	if err != nil {
		return nil, err
	}
	if !f.h.CreateEmptyNodes {
		kids = slices.DeleteFunc(kids, func(o *models.Obj) bool { return o.KeyIsEmpty })
		ids := make([]uuid.UUID, 0, len(kids))
		for _, k := range kids {
			ids = append(ids, k.ID)
		}
		if len(ids) > 0 {
			visible, err := f.r.Objs.CountActiveChildren(ctx, ids, true)
			if err != nil {
				return nil, err
			}
			for _, k := range kids {
				k.ChildCount = visible[k.ID]
			}
		}
	}
	kids = slices.DeleteFunc(kids, func(o *models.Obj) bool {
		lvl := f.levels[o.LevelID]
		return lvl != nil && !lvl.ShowWithoutChildren && f.hasChilds[lvl.ID] && o.ChildCount == 0
	})

	res := &ChildrenResult{Nodes: kids}
	if f.q.CollectMOIDs || f.q.WithSeverity {
		res.MOIDsByNode, err = f.collect(ctx, kids)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// collect gathers, per node, every MO backing a node of its subtree plus the inventory
// descendants of those MOs.
func (f *filterRun) collect(ctx context.Context, nodes []*models.Obj) (map[uuid.UUID][]int64, error) {
	members := make(map[uuid.UUID]map[int64]moSet, len(nodes))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(collectParallelism)
	for _, node := range nodes {
		g.Go(func() error {
			sub, err := f.r.Objs.ListSubtree(gctx, f.h.ID, node.SubtreePrefix())
			if err != nil {
				return err
			}
			ids := make([]uuid.UUID, 0, len(sub)+1)
			ids = append(ids, node.ID)
			for _, o := range sub {
				ids = append(ids, o.ID)
			}
			rows, err := f.r.NodeData.ListByNodeIDs(gctx, ids)
			if err != nil {
				return err
			}
			byTMO := map[int64]moSet{}
			for _, nd := range rows {
				addMember(byTMO, nd.MOTMOID, nd.MOID)
			}
			mu.Lock()
			members[node.ID] = byTMO
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return f.expand(ctx, members)
}

func addMember(byTMO map[int64]moSet, tmoID, moID int64) {
	set, ok := byTMO[tmoID]
	if !ok {
		set = moSet{}
		byTMO[tmoID] = set
	}
	set[moID] = struct{}{}
}

// expand merges the recorded members of every node with their inventory descendants, asked for
// in a single call.
func (f *filterRun) expand(ctx context.Context, members map[uuid.UUID]map[int64]moSet) (map[uuid.UUID][]int64, error) {
	type owner struct {
		node uuid.UUID
		set  moSet
	}
	var groups []inventory.DescendantGroup
	var owners []owner
	merged := make(map[uuid.UUID]moSet, len(members))
	for node, byTMO := range members {
		all := moSet{}
		merged[node] = all
		for tmoID, set := range byTMO {
			if len(set) == 0 {
				continue
			}
			for id := range set {
				all[id] = struct{}{}
			}
			groups = append(groups, inventory.DescendantGroup{
				Key:   strconv.Itoa(len(groups)),
				TMOID: tmoID,
				MOIDs: set.sorted(),
			})
			owners = append(owners, owner{node: node, set: all})
		}
	}
	if len(groups) > 0 {
		found, err := f.s.inv.DescendantMOIDs(ctx, groups)
		if err != nil {
			return nil, err
		}
		for i, g := range groups {
			for _, id := range found[g.Key] {
				owners[i].set[id] = struct{}{}
			}
		}
	}
	out := make(map[uuid.UUID][]int64, len(merged))
	for node, set := range merged {
		out[node] = set.sorted()
	}
	return out, nil
}

func (f *filterRun) match(ctx context.Context, lvl *models.Level, rows []*models.NodeData) (moSet, error) {
	if len(rows) == 0 {
		return moSet{}, nil
	}
	q := inventory.FilterQuery{TMOID: lvl.ObjectTypeID, Predicate: f.q.Filter}
	pids := moSet{}
	for _, nd := range rows {
		q.MOIDs = append(q.MOIDs, nd.MOID)
		if nd.MOPID != nil {
			pids[*nd.MOPID] = struct{}{}
		}
	}
	q.PIDs = pids.sorted()
	if lvl.IsVirtual && lvl.ParamTypeID != nil {
		q.TPRMIDs = []int64{*lvl.ParamTypeID}
	}
	ids, err := f.s.search.MOIDsByFilter(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make(moSet, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// below answers queries whose target level lies deeper than the parent: matches on the target
// depth are folded up to the first-depth children of parent.
func (f *filterRun) below(ctx context.Context, parent *models.Obj, targets []*models.Level) (*ChildrenResult, error) {
	targetIDs := make([]int64, 0, len(targets))
	isTarget := map[int64]bool{}
	for _, l := range targets {
		targetIDs = append(targetIDs, l.ID)
		isTarget[l.ID] = true
	}

	var pool []*models.Obj
	var err error
	if parent == nil {
		pool, err = f.r.Objs.ListByLevels(ctx, targetIDs)
	} else {
		pool, err = f.r.Objs.ListSubtree(ctx, f.h.ID, parent.SubtreePrefix())
		pool = slices.DeleteFunc(pool, func(o *models.Obj) bool { return !isTarget[o.LevelID] })
	}
	if err != nil {
		return nil, err
	}
	res := &ChildrenResult{MOIDsByNode: map[uuid.UUID][]int64{}}
	if len(pool) == 0 {
		return res, nil
	}

	poolIDs := make([]uuid.UUID, 0, len(pool))
	for _, o := range pool {
		poolIDs = append(poolIDs, o.ID)
	}
	rows, err := f.r.NodeData.ListByNodeIDs(ctx, poolIDs)
	if err != nil {
		return nil, err
	}
	byNode := map[uuid.UUID][]*models.NodeData{}
	byLevel := map[int64][]*models.NodeData{}
	for _, nd := range rows {
		byNode[nd.NodeID] = append(byNode[nd.NodeID], nd)
		byLevel[nd.LevelID] = append(byLevel[nd.LevelID], nd)
	}
	matched := moSet{}
	for _, lvl := range targets {
		m, err := f.match(ctx, lvl, byLevel[lvl.ID])
		if err != nil {
			return nil, err
		}
		for id := range m {
			matched[id] = struct{}{}
		}
	}

	depth := 0
	if parent != nil {
		ancestors, err := parent.Ancestors()
		if err != nil {
			return nil, err
		}
		depth = len(ancestors) + 1
	}
	var order []uuid.UUID
	hits := map[uuid.UUID]moSet{}
	second := map[uuid.UUID]map[uuid.UUID]struct{}{}
	for _, node := range pool {
		var found []int64
		for _, nd := range byNode[node.ID] {
			if _, ok := matched[nd.MOID]; ok {
				found = append(found, nd.MOID)
			}
		}
		if len(found) == 0 {
			continue
		}
		chain, err := node.Ancestors()
		if err != nil {
			return nil, err
		}
		chain = append(chain, node.ID)
		if len(chain) <= depth {
			continue
		}
		child := chain[depth]
		if _, ok := hits[child]; !ok {
			order = append(order, child)
			hits[child] = moSet{}
			second[child] = map[uuid.UUID]struct{}{}
		}
		for _, id := range found {
			hits[child][id] = struct{}{}
		}
		if len(chain) > depth+1 {
			second[child][chain[depth+1]] = struct{}{}
		}
	}
	if len(order) == 0 {
		return res, nil
	}

	nodes, err := f.r.Objs.GetByIDs(ctx, order)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		n.ChildCount = len(second[n.ID])
		res.MOIDsByNode[n.ID] = hits[n.ID].sorted()
	}
	res.Nodes = nodes
	return res, nil
}

// narrow keeps the rows of a node whose parent lookup lands in allowed.
func (f *filterRun) narrow(node, parent *models.Obj, rows []*models.NodeData, allowed moSet) moSet {
	out := moSet{}
	if len(allowed) == 0 {
		return out
	}
	lvl, pl := f.levels[node.LevelID], f.levels[parent.LevelID]
	for _, nd := range rows {
		if node.LevelID == parent.LevelID {
			out[nd.MOID] = struct{}{}
			continue
		}
		key, ok := parentMOKey(lvl, pl, nd.MOID, nd.MOPID)
		if !ok {
			continue
		}
		if _, hit := allowed[key]; hit {
			out[nd.MOID] = struct{}{}
		}
	}
	return out
}

// above answers queries whose target level is at or above the parent: the predicate is checked
// on the nearest target ancestor and the surviving MO set is pushed down the path to parent.
func (f *filterRun) above(ctx context.Context, parent *models.Obj, targets []*models.Level) (*ChildrenResult, error) {
	res := &ChildrenResult{MOIDsByNode: map[uuid.UUID][]int64{}}
	isTarget := map[int64]bool{}
	for _, l := range targets {
		isTarget[l.ID] = true
	}

	pathIDs, err := parent.Ancestors()
	if err != nil {
		return nil, err
	}
	ancestors, err := f.r.Objs.GetByIDs(ctx, pathIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*models.Obj, len(ancestors))
	for _, a := range ancestors {
		byID[a.ID] = a
	}
	chain := make([]*models.Obj, 0, len(pathIDs)+1)
	for _, id := range pathIDs {
		if a, ok := byID[id]; ok {
			chain = append(chain, a)
		}
	}
	chain = append(chain, parent)

	anchor := -1
	for i := len(chain) - 1; i >= 0; i-- {
		if isTarget[chain[i].LevelID] {
			anchor = i
			break
		}
	}
	if anchor < 0 {
		return res, nil
	}

	chainIDs := make([]uuid.UUID, 0, len(chain))
	for _, o := range chain[anchor:] {
		chainIDs = append(chainIDs, o.ID)
	}
	rows, err := f.r.NodeData.ListByNodeIDs(ctx, chainIDs)
	if err != nil {
		return nil, err
	}
	byNode := map[uuid.UUID][]*models.NodeData{}
	for _, nd := range rows {
		byNode[nd.NodeID] = append(byNode[nd.NodeID], nd)
	}

	top := chain[anchor]
	matched, err := f.match(ctx, f.levels[top.LevelID], byNode[top.ID])
	if err != nil {
		return nil, err
	}
	allowed := moSet{}
	for _, nd := range byNode[top.ID] {
		if _, ok := matched[nd.MOID]; ok {
			allowed[nd.MOID] = struct{}{}
		}
	}
	for i := anchor + 1; i < len(chain) && len(allowed) > 0; i++ {
		allowed = f.narrow(chain[i], chain[i-1], byNode[chain[i].ID], allowed)
	}
	if len(allowed) == 0 {
		return res, nil
	}

	kids, err := f.r.Objs.ListChildren(ctx, f.h.ID, &parent.ID)
	if err != nil {
		return nil, err
	}
	members := map[uuid.UUID]map[int64]moSet{}
	for _, kid := range kids {
		sub, err := f.r.Objs.ListSubtree(ctx, f.h.ID, kid.SubtreePrefix())
		if err != nil {
			return nil, err
		}
		reach, err := f.reach(ctx, parent, kid, sub, allowed)
		if err != nil {
			return nil, err
		}
		if len(reach[kid.ID]) == 0 {
			continue
		}
		count := 0
		byTMO := map[int64]moSet{}
		for _, o := range append([]*models.Obj{kid}, sub...) {
			if o.ParentID != nil && *o.ParentID == kid.ID && len(reach[o.ID]) > 0 {
				count++
			}
			for id := range reach[o.ID] {
				addMember(byTMO, o.ObjectTypeID, id)
			}
		}
		kid.ChildCount = count
		res.Nodes = append(res.Nodes, kid)
		members[kid.ID] = byTMO
	}

	// The seeds already satisfy the filter, so their descendants stay inside the constrained set.
	if f.q.CollectMOIDs || f.q.WithSeverity {
		res.MOIDsByNode, err = f.expand(ctx, members)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
	for kid, byTMO := range members {
		union := moSet{}
		for _, set := range byTMO {
			for id := range set {
				union[id] = struct{}{}
			}
		}
		res.MOIDsByNode[kid] = union.sorted()
	}
	return res, nil
}

// reach pushes allowed from parent through kid and its subtree, shallowest first.
func (f *filterRun) reach(ctx context.Context, parent, kid *models.Obj, sub []*models.Obj, allowed moSet) (map[uuid.UUID]moSet, error) {
	ids := make([]uuid.UUID, 0, len(sub)+1)
	ids = append(ids, kid.ID)
	nodes := map[uuid.UUID]*models.Obj{kid.ID: kid, parent.ID: parent}
	for _, o := range sub {
		ids = append(ids, o.ID)
		nodes[o.ID] = o
	}
	rows, err := f.r.NodeData.ListByNodeIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byNode := map[uuid.UUID][]*models.NodeData{}
	for _, nd := range rows {
		byNode[nd.NodeID] = append(byNode[nd.NodeID], nd)
	}

	ordered := append([]*models.Obj{kid}, sub...)
	slices.SortStableFunc(ordered, func(a, b *models.Obj) int {
		return strings.Count(a.Path, models.PathSeparator) - strings.Count(b.Path, models.PathSeparator)
	})
	reach := map[uuid.UUID]moSet{parent.ID: allowed}
	for _, o := range ordered {
		if o.ParentID == nil {
			continue
		}
		up, ok := reach[*o.ParentID]
		if !ok {
			continue
		}
		reach[o.ID] = f.narrow(o, nodes[*o.ParentID], byNode[o.ID], up)
	}
	delete(reach, parent.ID)
	return reach, nil
}

// severity asks the inventory for the worst alarm under every node whose object type has a lifecycle.
func (f *filterRun) severity(ctx context.Context, res *ChildrenResult) error {
	if len(res.Nodes) == 0 {
		return nil
	}
	var tmoIDs []int64
	for _, n := range res.Nodes {
		if !slices.Contains(tmoIDs, n.ObjectTypeID) {
			tmoIDs = append(tmoIDs, n.ObjectTypeID)
		}
	}
	lifecycle, err := f.s.inv.LifecycleForTMO(ctx, tmoIDs)
	if err != nil {
		return err
	}
	if len(lifecycle) == 0 {
		return nil
	}
	if res.MOIDsByNode == nil {
		if res.MOIDsByNode, err = f.collect(ctx, res.Nodes); err != nil {
			return err
		}
	}

	res.Severity = map[uuid.UUID]int64{}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(collectParallelism)
	for _, n := range res.Nodes {
		if !slices.Contains(lifecycle, n.ObjectTypeID) || len(res.MOIDsByNode[n.ID]) == 0 {
			continue
		}
		g.Go(func() error {
			sev, err := f.s.inv.SeverityFor(gctx, n.ObjectTypeID, res.MOIDsByNode[n.ID])
			if err != nil {
				return err
			}
			mu.Lock()
			res.Severity[n.ID] = sev
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}
