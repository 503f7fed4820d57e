package services

import (
	"context"
	"slices"
	"strconv"
	"time"

	"mohierarchy/internal/models"
	"mohierarchy/internal/notifier"
	"mohierarchy/internal/repositories"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChangeService applies inventory change events to the materialized trees. Every call runs in
// one transaction; hierarchies in skip are left alone because a full rebuild is owed for them.
type ChangeService interface {
	MOsCreated(ctx context.Context, mos []*models.MO, skip models.HierarchySet) error
	MOsUpdated(ctx context.Context, mos []*models.MO, skip models.HierarchySet) error
	MOsDeleted(ctx context.Context, mos []*models.MO, skip models.HierarchySet) error
	PRMsUpserted(ctx context.Context, prms []*models.PRM, skip models.HierarchySet) error
	PRMsDeleted(ctx context.Context, prms []*models.PRM, skip models.HierarchySet) error
	TMOsDeleted(ctx context.Context, tmoIDs []int64) error
	TPRMsDeleted(ctx context.Context, tprmIDs []int64) error
}

type changeService struct {
	store    repositories.Store
	keys     *KeyResolver
	notifier notifier.Notifier
	counters *Counters
	log      *zap.Logger
}

func NewChangeService(store repositories.Store, keys *KeyResolver, n notifier.Notifier, counters *Counters, log *zap.Logger) ChangeService {
	return &changeService{
		store:    store,
		keys:     keys,
		notifier: n,
		counters: counters,
		log:      log.Named("changes"),
	}
}

func (s *changeService) apply(ctx context.Context, op string, fn func(t *treeTx) error) error {
	var t *treeTx
	err := s.store.InTx(ctx, func(r repositories.Repos) error {
		t = newTreeTx(s, r)
		if err := fn(t); err != nil {
			return err
		}
		return t.finish(ctx)
	})
	if err != nil {
		s.log.Error("change handler failed", zap.String("op", op), zap.Error(err))
		return err
	}

	now := time.Now().UTC()
	for hid, nodes := range t.changed {
		ids := make([]uuid.UUID, 0, len(nodes))
		for id := range nodes {
			ids = append(ids, id)
		}
		s.notifier.Notify(ctx, notifier.Event{HierarchyID: hid, Kind: notifier.EventNodesChanged, NodeIDs: ids, Detail: op, At: now})
	}
	for hid := range t.relevel {
		s.notifier.Notify(ctx, notifier.Event{HierarchyID: hid, Kind: notifier.EventLevelsChanged, Detail: op, At: now})
	}
	return nil
}

func groupMOs(mos []*models.MO) (map[int64][]*models.MO, []int64) {
	byTMO := map[int64][]*models.MO{}
	var tmoIDs []int64
	for _, mo := range mos {
		if _, ok := byTMO[mo.TMOID]; !ok {
			tmoIDs = append(tmoIDs, mo.TMOID)
		}
		byTMO[mo.TMOID] = append(byTMO[mo.TMOID], mo)
	}
	return byTMO, tmoIDs
}

func moIDsOf(mos []*models.MO) []int64 {
	ids := make([]int64, 0, len(mos))
	for _, mo := range mos {
		ids = append(ids, mo.ID)
	}
	return ids
}

func (t *treeTx) levelsForTMOs(ctx context.Context, tmoIDs []int64, skip models.HierarchySet) ([]*models.Level, error) {
	found, err := t.r.Levels.ListByObjectTypes(ctx, tmoIDs)
	if err != nil {
		return nil, err
	}
	return t.adopt(ctx, found, skip)
}

func (s *changeService) MOsCreated(ctx context.Context, mos []*models.MO, skip models.HierarchySet) error {
	if len(mos) == 0 {
		return nil
	}
	byTMO, tmoIDs := groupMOs(mos)
	return s.apply(ctx, "mo created", func(t *treeTx) error {
		levels, err := t.levelsForTMOs(ctx, tmoIDs, skip)
		if err != nil {
			return err
		}
		for _, lvl := range levels {
			if err := t.createOnLevel(ctx, lvl, byTMO[lvl.ObjectTypeID]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *treeTx) createOnLevel(ctx context.Context, lvl *models.Level, mos []*models.MO) error {
	existing, err := t.r.NodeData.ListByLevelAndMOIDs(ctx, lvl.ID, moIDsOf(mos))
	if err != nil {
		return err
	}
	seen := make(map[int64]bool, len(existing))
	for _, nd := range existing {
		seen[nd.MOID] = true
	}
	fresh := make([]*models.MO, 0, len(mos))
	for _, mo := range mos {
		if !seen[mo.ID] {
			seen[mo.ID] = true
			fresh = append(fresh, mo)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	plan, err := t.plan(ctx, lvl)
	if err != nil {
		return err
	}
	unfolded, err := t.svc.keys.Unfold(ctx, plan, fresh, true)
	if err != nil {
		return err
	}
	for _, mo := range fresh {
		if err := t.createNode(ctx, lvl, mo, unfolded[mo.ID]); err != nil {
			return err
		}
	}
	return nil
}

func (t *treeTx) createNode(ctx context.Context, lvl *models.Level, mo *models.MO, unfolded map[string]*string) error {
	parent, err := resolveParentNode(ctx, t.r, lvl, t.parentLevel(lvl), mo.ID, mo.ParentID())
	if err != nil {
		return err
	}
	if p, ok := lvl.SelfParentMOID(mo); ok {
		found, err := t.r.Objs.FindByObjectIDs(ctx, lvl.ID, []int64{p})
		if err != nil {
			return err
		}
		if len(found) > 0 {
			parent = found[0]
		}
	}

	key, empty := models.KeyFromUnfolded(lvl.KeyAttrs, unfolded)
	var node *models.Obj
	if lvl.Coalesces() {
		node, err = t.r.Objs.FindVirtual(ctx, lvl.ID, parentRef(parent), key, mo.Active)
		if err != nil {
			return err
		}
	}
	if node == nil {
		var objectID *int64
		if !lvl.Coalesces() {
			objectID = int64Ref(mo.ID)
		}
		node = newNode(lvl, parent, key, empty, mo.Active, objectID)
		if !lvl.Coalesces() {
			node.AdditionalParams, node.Latitude, node.Longitude = nodeAttributes(lvl, mo)
		}
		if _, err := t.r.Objs.Insert(ctx, []*models.Obj{node}); err != nil {
			return err
		}
		t.touchParent(node)
	}
	if _, err := t.r.NodeData.Insert(ctx, []*models.NodeData{models.NewNodeData(lvl, node.ID, mo, unfolded)}); err != nil {
		return err
	}
	t.mark(node)
	// children that lost this MO earlier come back under it
	if err := t.cascade(ctx, lvl, []int64{mo.ID}); err != nil {
		return err
	}
	if !lvl.Hierarchical() {
		return nil
	}
	members, err := t.r.NodeData.ListByLevelAndSelfParentMOIDs(ctx, lvl.ID, []int64{mo.ID})
	if err != nil {
		return err
	}
	parentMOID := mo.ID
	for _, nd := range members {
		if err := t.reparentHierarchical(ctx, lvl, nd.MOID, &parentMOID); err != nil {
			return err
		}
	}
	return nil
}

func (s *changeService) MOsDeleted(ctx context.Context, mos []*models.MO, skip models.HierarchySet) error {
	if len(mos) == 0 {
		return nil
	}
	_, tmoIDs := groupMOs(mos)
	moIDs := moIDsOf(mos)
	return s.apply(ctx, "mo deleted", func(t *treeTx) error {
		levels, err := t.levelsForTMOs(ctx, tmoIDs, skip)
		if err != nil || len(levels) == 0 {
			return err
		}
		levelIDs := make([]int64, 0, len(levels))
		for _, l := range levels {
			levelIDs = append(levelIDs, l.ID)
		}
		removed, err := t.r.NodeData.DeleteByLevelsAndMOIDs(ctx, levelIDs, moIDs)
		if err != nil {
			return err
		}
		for _, nd := range removed {
			t.emptied[nd.NodeID] = struct{}{}
		}
		for _, lvl := range levels {
			if err := t.cascade(ctx, lvl, moIDs); err != nil {
				return err
			}
			if err := t.releaseMembers(ctx, lvl, moIDs); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *changeService) MOsUpdated(ctx context.Context, mos []*models.MO, skip models.HierarchySet) error {
	if len(mos) == 0 {
		return nil
	}
	byTMO, tmoIDs := groupMOs(mos)
	return s.apply(ctx, "mo updated", func(t *treeTx) error {
		levels, err := t.levelsForTMOs(ctx, tmoIDs, skip)
		if err != nil {
			return err
		}
		for _, lvl := range levels {
			if err := t.updateOnLevel(ctx, lvl, byTMO[lvl.ObjectTypeID]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *treeTx) updateOnLevel(ctx context.Context, lvl *models.Level, mos []*models.MO) error {
	rows, err := t.r.NodeData.ListByLevelAndMOIDs(ctx, lvl.ID, moIDsOf(mos))
	if err != nil || len(rows) == 0 {
		return err
	}
	plan, err := t.plan(ctx, lvl)
	if err != nil {
		return err
	}
	unfolded, err := t.svc.keys.Unfold(ctx, plan, mos, false)
	if err != nil {
		return err
	}
	byID := make(map[int64]*models.MO, len(mos))
	for _, mo := range mos {
		byID[mo.ID] = mo
	}

	for _, nd := range rows {
		mo := byID[nd.MOID]
		next := nd.Clone()
		applyMO(next, mo, unfolded[mo.ID])
		if lvl.Hierarchical() {
			if raw, ok := mo.Param(*lvl.AttrAsParent); ok {
				next.MOSelfParentID = models.SelfParentFromValue(raw, mo.ID)
			}
		}
		structural := !models.Int64PtrEqual(nd.MOPID, next.MOPID) ||
			nd.MOActive != next.MOActive ||
			!models.UnfoldedEqual(nd.UnfoldedKey, next.UnfoldedKey)
		if !nodeDataEqual(nd, next) {
			if err := t.r.NodeData.Update(ctx, next); err != nil {
				return err
			}
		}
		if structural {
			t.enqueue(lvl.ID, next)
		}
		if !lvl.Coalesces() {
			if err := t.refreshAttributes(ctx, lvl, next.NodeID, mo); err != nil {
				return err
			}
		}
		if lvl.Hierarchical() && !models.Int64PtrEqual(nd.MOSelfParentID, next.MOSelfParentID) {
			if err := t.reparentHierarchical(ctx, lvl, mo.ID, next.MOSelfParentID); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyMO copies the fields a (possibly partial) MO payload carries onto its shadow row.
func applyMO(nd *models.NodeData, mo *models.MO, unfolded map[string]*string) {
	if mo.Has(models.AttrName) {
		nd.MOName = mo.Name
	}
	if mo.Has(models.AttrParentID) {
		nd.MOPID = mo.ParentID()
	}
	if mo.Has(models.AttrActive) {
		nd.MOActive = mo.Active
	}
	if mo.Has(models.AttrStatus) {
		nd.MOStatus = mo.Status
	}
	if mo.Has(models.AttrLatitude) {
		nd.MOLatitude = mo.Latitude
	}
	if mo.Has(models.AttrLongitude) {
		nd.MOLongitude = mo.Longitude
	}
	if len(unfolded) == 0 {
		return
	}
	if nd.UnfoldedKey == nil {
		nd.UnfoldedKey = map[string]*string{}
	}
	for k, v := range unfolded {
		nd.UnfoldedKey[k] = v
	}
}

func nodeDataEqual(a, b *models.NodeData) bool {
	return a.NodeID == b.NodeID &&
		a.MOName == b.MOName &&
		models.Int64PtrEqual(a.MOPID, b.MOPID) &&
		a.MOTMOID == b.MOTMOID &&
		a.MOActive == b.MOActive &&
		floatPtrEqual(a.MOLatitude, b.MOLatitude) &&
		floatPtrEqual(a.MOLongitude, b.MOLongitude) &&
		models.StringPtrEqual(a.MOStatus, b.MOStatus) &&
		models.Int64PtrEqual(a.MOSelfParentID, b.MOSelfParentID) &&
		models.UnfoldedEqual(a.UnfoldedKey, b.UnfoldedKey)
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// refreshAttributes rewrites the helper attributes the payload carries on the node of one MO.
func (t *treeTx) refreshAttributes(ctx context.Context, lvl *models.Level, nodeID uuid.UUID, mo *models.MO) error {
	carries := func(id *int64) bool {
		if id == nil {
			return false
		}
		_, ok := mo.Param(*id)
		return ok
	}
	if !carries(lvl.AdditionalParamsID) && !carries(lvl.LatitudeID) && !carries(lvl.LongitudeID) {
		return nil
	}
	node, err := t.r.Objs.GetByID(ctx, nodeID)
	if err != nil {
		return lookupError(err, "node", nodeID)
	}
	additional, lat, lon := nodeAttributes(lvl, mo)
	if carries(lvl.AdditionalParamsID) {
		node.AdditionalParams = additional
	}
	if carries(lvl.LatitudeID) {
		node.Latitude = lat
	}
	if carries(lvl.LongitudeID) {
		node.Longitude = lon
	}
	t.mark(node)
	return t.r.Objs.Update(ctx, node)
}

func (s *changeService) PRMsUpserted(ctx context.Context, prms []*models.PRM, skip models.HierarchySet) error {
	return s.prmsChanged(ctx, "prm upserted", prms, skip, false)
}

func (s *changeService) PRMsDeleted(ctx context.Context, prms []*models.PRM, skip models.HierarchySet) error {
	return s.prmsChanged(ctx, "prm deleted", prms, skip, true)
}

func (s *changeService) prmsChanged(ctx context.Context, op string, prms []*models.PRM, skip models.HierarchySet, deleted bool) error {
	if len(prms) == 0 {
		return nil
	}
	byTPRM := map[int64][]*models.PRM{}
	var tprmIDs []int64
	for _, p := range prms {
		if _, ok := byTPRM[p.TPRMID]; !ok {
			tprmIDs = append(tprmIDs, p.TPRMID)
		}
		byTPRM[p.TPRMID] = append(byTPRM[p.TPRMID], p)
	}
	slices.Sort(tprmIDs)

	return s.apply(ctx, op, func(t *treeTx) error {
		found, err := t.r.Levels.ListReferencingTPRMs(ctx, tprmIDs)
		if err != nil {
			return err
		}
		levels, err := t.adopt(ctx, found, skip)
		if err != nil {
			return err
		}
		for _, lvl := range levels {
			for _, tprmID := range tprmIDs {
				if err := t.applyPRMs(ctx, lvl, tprmID, byTPRM[tprmID], deleted); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (t *treeTx) applyPRMs(ctx context.Context, lvl *models.Level, tprmID int64, prms []*models.PRM, deleted bool) error {
	attr := strconv.FormatInt(tprmID, 10)
	latest := make(map[int64]*models.PRM, len(prms))
	moIDs := make([]int64, 0, len(prms))
	for _, p := range prms {
		if _, ok := latest[p.MOID]; !ok {
			moIDs = append(moIDs, p.MOID)
		}
		latest[p.MOID] = p
	}

	if slices.Contains(lvl.KeyAttrs, attr) {
		if err := t.rekeyFromPRMs(ctx, lvl, attr, latest, moIDs, deleted); err != nil {
			return err
		}
	}

	if lvl.AttrAsParent != nil && *lvl.AttrAsParent == tprmID {
		if err := t.repointMembers(ctx, lvl, latest, moIDs, deleted); err != nil {
			return err
		}
	}

	if lvl.Coalesces() || !helperOf(lvl, tprmID) {
		return nil
	}
	nodes, err := t.r.Objs.FindByObjectIDs(ctx, lvl.ID, moIDs)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		mo := &models.MO{ID: *node.ObjectID, TMOID: lvl.ObjectTypeID, Params: map[string]any{}}
		if !deleted {
			mo.Params[attr] = latest[*node.ObjectID].Value
		} else {
			mo.Params[attr] = nil
		}
		if err := t.refreshAttributes(ctx, lvl, node.ID, mo); err != nil {
			return err
		}
	}
	return nil
}

// repointMembers records the new same-level parents of a hierarchical level and moves the nodes.
func (t *treeTx) repointMembers(ctx context.Context, lvl *models.Level, latest map[int64]*models.PRM, moIDs []int64, deleted bool) error {
	rows, err := t.r.NodeData.ListByLevelAndMOIDs(ctx, lvl.ID, moIDs)
	if err != nil {
		return err
	}
	for _, nd := range rows {
		var target *int64
		if !deleted {
			target = models.SelfParentFromValue(latest[nd.MOID].Value, nd.MOID)
		}
		if models.Int64PtrEqual(nd.MOSelfParentID, target) {
			continue
		}
		next := nd.Clone()
		next.MOSelfParentID = target
		if err := t.r.NodeData.Update(ctx, next); err != nil {
			return err
		}
		if err := t.reparentHierarchical(ctx, lvl, nd.MOID, target); err != nil {
			return err
		}
	}
	return nil
}

func helperOf(lvl *models.Level, tprmID int64) bool {
	for _, id := range []*int64{lvl.AdditionalParamsID, lvl.LatitudeID, lvl.LongitudeID} {
		if id != nil && *id == tprmID {
			return true
		}
	}
	return false
}

func (t *treeTx) rekeyFromPRMs(ctx context.Context, lvl *models.Level, attr string, latest map[int64]*models.PRM, moIDs []int64, deleted bool) error {
	rows, err := t.r.NodeData.ListByLevelAndMOIDs(ctx, lvl.ID, moIDs)
	if err != nil || len(rows) == 0 {
		return err
	}
	values := map[int64]*string{}
	if !deleted {
		plan, err := t.svc.keys.Plan(ctx, lvl.ObjectTypeID, []string{attr})
		if err != nil {
			return err
		}
		synthetic := make([]*models.MO, 0, len(moIDs))
		for _, moID := range moIDs {
			synthetic = append(synthetic, &models.MO{
				ID:     moID,
				TMOID:  lvl.ObjectTypeID,
				Params: map[string]any{attr: latest[moID].Value},
				Fields: map[string]bool{},
			})
		}
		unfolded, err := t.svc.keys.Unfold(ctx, plan, synthetic, true)
		if err != nil {
			return err
		}
		for moID, u := range unfolded {
			values[moID] = u[attr]
		}
	}
	for _, nd := range rows {
		next := nd.Clone()
		if next.UnfoldedKey == nil {
			next.UnfoldedKey = map[string]*string{}
		}
		next.UnfoldedKey[attr] = values[nd.MOID]
		if models.UnfoldedEqual(nd.UnfoldedKey, next.UnfoldedKey) {
			continue
		}
		if err := t.r.NodeData.Update(ctx, next); err != nil {
			return err
		}
		t.enqueue(lvl.ID, next)
	}
	return nil
}

func (s *changeService) TMOsDeleted(ctx context.Context, tmoIDs []int64) error {
	if len(tmoIDs) == 0 {
		return nil
	}
	return s.apply(ctx, "tmo deleted", func(t *treeTx) error {
		found, err := t.r.Levels.ListByObjectTypes(ctx, tmoIDs)
		if err != nil || len(found) == 0 {
			return err
		}
		doomed := map[int64]bool{}
		ids := make([]int64, 0, len(found))
		for _, l := range found {
			doomed[l.ID] = true
			ids = append(ids, l.ID)
			t.relevel.Add(l.HierarchyID)
		}
		var outside []int64
		for _, l := range found {
			if l.ParentID != nil && !doomed[*l.ParentID] && !slices.Contains(outside, *l.ParentID) {
				outside = append(outside, *l.ParentID)
			}
		}
		if err := t.r.Levels.Delete(ctx, ids); err != nil {
			return err
		}
		s.log.Info("levels removed with their object types", zap.Int64s("level_ids", ids), zap.Int64s("tmo_ids", tmoIDs))
		return t.r.Objs.RecomputeChildCountsByLevels(ctx, outside)
	})
}

func (s *changeService) TPRMsDeleted(ctx context.Context, tprmIDs []int64) error {
	if len(tprmIDs) == 0 {
		return nil
	}
	gone := make(map[int64]bool, len(tprmIDs))
	for _, id := range tprmIDs {
		gone[id] = true
	}
	hit := func(p *int64) bool { return p != nil && gone[*p] }

	return s.apply(ctx, "tprm deleted", func(t *treeTx) error {
		found, err := t.r.Levels.ListReferencingTPRMs(ctx, tprmIDs)
		if err != nil {
			return err
		}
		levels, err := t.adopt(ctx, found, nil)
		if err != nil {
			return err
		}
		var outside []int64
		for _, lvl := range levels {
			var keep, stripped []string
			for _, attr := range lvl.KeyAttrs {
				if id, ok := models.TPRMAttr(attr); ok && gone[id] {
					stripped = append(stripped, attr)
					continue
				}
				keep = append(keep, attr)
			}
			t.relevel.Add(lvl.HierarchyID)

			if len(keep) == 0 {
				if err := t.r.Levels.Delete(ctx, []int64{lvl.ID}); err != nil {
					return err
				}
				if lvl.ParentID != nil {
					outside = append(outside, *lvl.ParentID)
				}
				delete(t.levels, lvl.ID)
				continue
			}

			lvl.KeyAttrs = keep
			for _, f := range []struct {
				id   **int64
				attr repositories.ObjAttribute
			}{
				{&lvl.AdditionalParamsID, repositories.ObjAdditionalParams},
				{&lvl.LatitudeID, repositories.ObjLatitude},
				{&lvl.LongitudeID, repositories.ObjLongitude},
			} {
				if hit(*f.id) {
					*f.id = nil
					if err := t.r.Objs.ClearAttribute(ctx, lvl.ID, f.attr); err != nil {
						return err
					}
				}
			}
			if hit(lvl.ParamTypeID) {
				lvl.ParamTypeID = nil
			}
			if hit(lvl.AttrAsParent) {
				lvl.AttrAsParent = nil
				if err := t.r.RebuildOrders.Enqueue(ctx, lvl.HierarchyID); err != nil {
					return err
				}
			}
			if err := t.r.Levels.Update(ctx, lvl); err != nil {
				return err
			}
			delete(t.plans, lvl.ID)

			if len(stripped) == 0 {
				continue
			}
			rows, err := t.r.NodeData.ListByLevels(ctx, []int64{lvl.ID})
			if err != nil {
				return err
			}
			for _, nd := range rows {
				next := nd.Clone()
				for _, attr := range stripped {
					delete(next.UnfoldedKey, attr)
				}
				if err := t.r.NodeData.Update(ctx, next); err != nil {
					return err
				}
				t.enqueue(lvl.ID, next)
			}
		}
		return t.r.Objs.RecomputeChildCountsByLevels(ctx, outside)
	})
}
