package services

import (
	"context"
	"slices"
	"time"

	"mohierarchy/internal/inventory"
	"mohierarchy/internal/models"
	"mohierarchy/internal/notifier"
	"mohierarchy/internal/repositories"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultFlushSize = 25000
	unfoldChunkSize  = 1000
)

// BuilderService rebuilds a hierarchy's tree from the inventory in one transaction.
type BuilderService interface {
	Build(ctx context.Context, hierarchyID int64) error
}

type builderService struct {
	store     repositories.Store
	inv       inventory.Client
	keys      *KeyResolver
	notifier  notifier.Notifier
	counters  *Counters
	flushSize int
	log       *zap.Logger
}

func NewBuilderService(store repositories.Store, inv inventory.Client, keys *KeyResolver, n notifier.Notifier, counters *Counters, flushSize int, log *zap.Logger) BuilderService {
	if flushSize <= 0 {
		flushSize = DefaultFlushSize
	}
	return &builderService{
		store:     store,
		inv:       inv,
		keys:      keys,
		notifier:  n,
		counters:  counters,
		flushSize: flushSize,
		log:       log.Named("builder"),
	}
}

func (s *builderService) Build(ctx context.Context, hierarchyID int64) error {
	repo := s.store.Repos().Hierarchies
	if _, err := repo.GetByID(ctx, hierarchyID); err != nil {
		return lookupError(err, "hierarchy", hierarchyID)
	}
	if err := repo.SetStatus(ctx, hierarchyID, models.HierarchyStatusInProcess); err != nil {
		return err
	}
	s.counters.RebuildsStarted.Add(1)
	s.notify(ctx, hierarchyID, notifier.EventRebuildStarted, "")

	start := time.Now()
	var nodes int
	err := s.store.InTx(ctx, func(r repositories.Repos) error {
		run := &buildRun{
			s:       s,
			r:       r,
			hid:     hierarchyID,
			counts:  map[uuid.UUID]int{},
			writer:  &batchWriter{r: r, flushSize: s.flushSize},
			byLevel: map[int64]*models.Level{},
		}
		if err := run.execute(ctx); err != nil {
			return err
		}
		nodes = run.nodes
		return nil
	})
	if err != nil {
		s.counters.RebuildsFailed.Add(1)
		s.log.Error("rebuild failed", zap.Int64("hierarchy_id", hierarchyID), zap.Error(err))
		// the caller's context may be gone; the status still has to land
		if serr := repo.SetStatus(context.WithoutCancel(ctx), hierarchyID, models.HierarchyStatusError); serr != nil {
			s.log.Error("set error status", zap.Int64("hierarchy_id", hierarchyID), zap.Error(serr))
		}
		s.notify(ctx, hierarchyID, notifier.EventRebuildFailed, err.Error())
		return err
	}

	if err := repo.SetStatus(ctx, hierarchyID, models.HierarchyStatusComplete); err != nil {
		return err
	}
	s.log.Info("rebuild complete",
		zap.Int64("hierarchy_id", hierarchyID),
		zap.Int("nodes", nodes),
		zap.Duration("took", time.Since(start)))
	s.notify(ctx, hierarchyID, notifier.EventRebuildCompleted, "")
	return nil
}

func (s *builderService) notify(ctx context.Context, hierarchyID int64, kind notifier.EventKind, detail string) {
	s.notifier.Notify(ctx, notifier.Event{HierarchyID: hierarchyID, Kind: kind, Detail: detail, At: time.Now().UTC()})
}

// stage maps a level to its nodes keyed by backing MO id.
type stage map[int64]map[int64]*models.Obj

type virtualIdentity struct {
	parent uuid.UUID
	key    string
	active bool
}

type buildRun struct {
	s       *builderService
	r       repositories.Repos
	hid     int64
	byLevel map[int64]*models.Level
	prev    stage
	cur     stage
	counts  map[uuid.UUID]int
	writer  *batchWriter
	nodes   int
}

func (b *buildRun) execute(ctx context.Context) error {
	// node_data goes with the nodes
	if err := b.r.Objs.DeleteByHierarchy(ctx, b.hid); err != nil {
		return err
	}
	levels, err := b.r.Levels.ListByHierarchy(ctx, b.hid)
	if err != nil {
		return err
	}
	models.LevelsByDepth(levels)
	for _, l := range levels {
		b.byLevel[l.ID] = l
	}

	b.prev, b.cur = stage{}, stage{}
	depth := -1
	for _, lvl := range levels {
		if lvl.Level != depth {
			b.prev, b.cur = b.cur, stage{}
			depth = lvl.Level
		}
		if err := b.buildLevel(ctx, lvl); err != nil {
			return err
		}
	}
	if err := b.writer.flush(ctx); err != nil {
		return err
	}
	return b.r.Objs.SetChildCounts(ctx, b.counts)
}

func (b *buildRun) parentLevel(lvl *models.Level) *models.Level {
	if lvl.ParentID == nil {
		return nil
	}
	return b.byLevel[*lvl.ParentID]
}

func (b *buildRun) lookupParent(lvl, parent *models.Level, mo *models.MO) *models.Obj {
	key, ok := parentMOKey(lvl, parent, mo.ID, mo.ParentID())
	if !ok {
		return nil
	}
	return b.prev[parent.ID][key]
}

func (b *buildRun) buildLevel(ctx context.Context, lvl *models.Level) error {
	plan, err := b.s.keys.Plan(ctx, lvl.ObjectTypeID, lvl.KeyAttrs)
	if err != nil {
		return err
	}
	b.cur[lvl.ID] = map[int64]*models.Obj{}

	if lvl.Hierarchical() {
		var all []*models.MO
		err := b.s.inv.StreamMOs(ctx, lvl.ObjectTypeID, lvl.RequestedTPRMs(), func(mo *models.MO) error {
			all = append(all, mo)
			return nil
		})
		if err != nil {
			return err
		}
		return b.placeHierarchical(ctx, lvl, plan, all)
	}

	virtuals := map[virtualIdentity]*models.Obj{}
	chunk := make([]*models.MO, 0, unfoldChunkSize)
	place := func() error {
		if len(chunk) == 0 {
			return nil
		}
		unfolded, err := b.s.keys.Unfold(ctx, plan, chunk, true)
		if err != nil {
			return err
		}
		for _, mo := range chunk {
			if err := b.placeFlat(ctx, lvl, mo, unfolded[mo.ID], virtuals); err != nil {
				return err
			}
		}
		chunk = chunk[:0]
		return nil
	}
	err = b.s.inv.StreamMOs(ctx, lvl.ObjectTypeID, lvl.RequestedTPRMs(), func(mo *models.MO) error {
		chunk = append(chunk, mo)
		if len(chunk) >= unfoldChunkSize {
			return place()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return place()
}

func (b *buildRun) placeFlat(ctx context.Context, lvl *models.Level, mo *models.MO, unfolded map[string]*string, virtuals map[virtualIdentity]*models.Obj) error {
	parent := b.lookupParent(lvl, b.parentLevel(lvl), mo)
	key, empty := models.KeyFromUnfolded(lvl.KeyAttrs, unfolded)

	if !lvl.IsVirtual {
		node := b.newNode(lvl, parent, key, empty, mo.Active, int64Ref(mo.ID))
		node.AdditionalParams, node.Latitude, node.Longitude = nodeAttributes(lvl, mo)
		return b.emit(ctx, lvl, node, mo, unfolded)
	}

	id := virtualIdentity{key: key, active: mo.Active}
	if parent != nil {
		id.parent = parent.ID
	}
	node, ok := virtuals[id]
	if !ok {
		node = b.newNode(lvl, parent, key, empty, mo.Active, nil)
		virtuals[id] = node
		return b.emit(ctx, lvl, node, mo, unfolded)
	}
	b.cur[lvl.ID][mo.ID] = node
	return b.writer.addRow(ctx, models.NewNodeData(lvl, node.ID, mo, unfolded))
}

// placeHierarchical lays out a self-parented level breadth first from its roots. Members only
// reachable through a cycle get the smallest unplaced id as a synthetic root.
func (b *buildRun) placeHierarchical(ctx context.Context, lvl *models.Level, plan *KeyPlan, mos []*models.MO) error {
	unfolded, err := b.s.keys.Unfold(ctx, plan, mos, true)
	if err != nil {
		return err
	}
	byID := make(map[int64]*models.MO, len(mos))
	for _, mo := range mos {
		byID[mo.ID] = mo
	}
	children := map[int64][]int64{}
	var roots []int64
	for _, mo := range mos {
		p, ok := lvl.SelfParentMOID(mo)
		if !ok || byID[p] == nil {
			roots = append(roots, mo.ID)
			continue
		}
		children[p] = append(children[p], mo.ID)
	}
	slices.Sort(roots)
	for _, ids := range children {
		slices.Sort(ids)
	}

	placed := make(map[int64]*models.Obj, len(mos))
	parentLvl := b.parentLevel(lvl)
	bfs := func(seed int64) error {
		queue := []int64{seed}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if _, done := placed[id]; done {
				continue
			}
			mo := byID[id]
			parent := b.lookupParent(lvl, parentLvl, mo)
			if p, ok := lvl.SelfParentMOID(mo); ok && placed[p] != nil && id != seed {
				parent = placed[p]
			}
			key, empty := models.KeyFromUnfolded(lvl.KeyAttrs, unfolded[id])
			node := b.newNode(lvl, parent, key, empty, mo.Active, int64Ref(id))
			node.AdditionalParams, node.Latitude, node.Longitude = nodeAttributes(lvl, mo)
			placed[id] = node
			if err := b.emit(ctx, lvl, node, mo, unfolded[id]); err != nil {
				return err
			}
			queue = append(queue, children[id]...)
		}
		return nil
	}

	for _, root := range roots {
		if err := bfs(root); err != nil {
			return err
		}
	}
	if len(placed) == len(mos) {
		return nil
	}

	residual := make([]int64, 0, len(mos)-len(placed))
	for _, mo := range mos {
		if _, ok := placed[mo.ID]; !ok {
			residual = append(residual, mo.ID)
		}
	}
	slices.Sort(residual)
	b.s.log.Warn("self-parent cycle on level",
		zap.Int64("hierarchy_id", b.hid),
		zap.Int64("level_id", lvl.ID),
		zap.Int64s("mo_ids", residual))
	for _, id := range residual {
		if _, ok := placed[id]; ok {
			continue
		}
		b.s.counters.CycleHeads.Add(1)
		b.s.counters.InvariantBreaches.Add(1)
		b.s.log.Warn("cycle head promoted to root", zap.Int64("level_id", lvl.ID), zap.Int64("mo_id", id))
		if err := bfs(id); err != nil {
			return err
		}
	}
	return nil
}

func (b *buildRun) newNode(lvl *models.Level, parent *models.Obj, key string, empty, active bool, objectID *int64) *models.Obj {
	node := newNode(lvl, parent, key, empty, active, objectID)
	if parent != nil && active {
		b.counts[parent.ID]++
	}
	return node
}

func (b *buildRun) emit(ctx context.Context, lvl *models.Level, node *models.Obj, mo *models.MO, unfolded map[string]*string) error {
	b.nodes++
	b.cur[lvl.ID][mo.ID] = node
	if err := b.writer.addObj(ctx, node); err != nil {
		return err
	}
	return b.writer.addRow(ctx, models.NewNodeData(lvl, node.ID, mo, unfolded))
}

// batchWriter buffers nodes and shadow rows. Rows are written after the nodes they reference.
type batchWriter struct {
	r         repositories.Repos
	flushSize int
	objs      []*models.Obj
	rows      []*models.NodeData
}

func (w *batchWriter) addObj(ctx context.Context, o *models.Obj) error {
	w.objs = append(w.objs, o)
	return w.maybeFlush(ctx)
}

func (w *batchWriter) addRow(ctx context.Context, nd *models.NodeData) error {
	w.rows = append(w.rows, nd)
	return w.maybeFlush(ctx)
}

func (w *batchWriter) maybeFlush(ctx context.Context) error {
	if len(w.objs)+len(w.rows) < w.flushSize {
		return nil
	}
	return w.flush(ctx)
}

func (w *batchWriter) flush(ctx context.Context) error {
	if len(w.objs) > 0 {
		if _, err := w.r.Objs.Insert(ctx, w.objs); err != nil {
			return err
		}
		w.objs = nil
	}
	if len(w.rows) > 0 {
		if _, err := w.r.NodeData.Insert(ctx, w.rows); err != nil {
			return err
		}
		w.rows = nil
	}
	return nil
}
