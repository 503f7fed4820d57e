package services

import (
	"context"
	"fmt"
	"testing"

	"mohierarchy/internal/models"
	"mohierarchy/internal/notifier"
	"mohierarchy/testhelpers"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingNotifier keeps every event it is handed.
type recordingNotifier struct {
	events []notifier.Event
}

func (n *recordingNotifier) Notify(_ context.Context, evt notifier.Event) {
	n.events = append(n.events, evt)
}

func (n *recordingNotifier) kinds(hierarchyID int64) []notifier.EventKind {
	var out []notifier.EventKind
	for _, e := range n.events {
		if e.HierarchyID == hierarchyID {
			out = append(out, e.Kind)
		}
	}
	return out
}

type treeFixture struct {
	t        *testing.T
	ctx      context.Context
	store    *testhelpers.MemStore
	inv      *testhelpers.FakeInventory
	events   *recordingNotifier
	counters *Counters
	keys     *KeyResolver
	builder  BuilderService
	changes  ChangeService
	filter   FilterService
}

func newTreeFixture(t *testing.T) *treeFixture {
	store := testhelpers.NewMemStore()
	inv := testhelpers.NewFakeInventory()
	events := &recordingNotifier{}
	counters := NewCounters()
	keys := NewKeyResolver(inv)
	log := zap.NewNop()
	return &treeFixture{
		t:        t,
		ctx:      context.Background(),
		store:    store,
		inv:      inv,
		events:   events,
		counters: counters,
		keys:     keys,
		builder:  NewBuilderService(store, inv, keys, events, counters, 0, log),
		changes:  NewChangeService(store, keys, events, counters, log),
		filter:   NewFilterService(store, inv, inv, log),
	}
}

func (f *treeFixture) hierarchy(name string) *models.Hierarchy {
	return testhelpers.SetupHierarchy(f.t, f.store, name, true)
}

func (f *treeFixture) level(h *models.Hierarchy, parent *models.Level, tmoID int64, virtual bool, keys ...string) *models.Level {
	lvl := &models.Level{
		HierarchyID:         h.ID,
		ObjectTypeID:        tmoID,
		IsVirtual:           virtual,
		KeyAttrs:            keys,
		ShowWithoutChildren: true,
	}
	if parent != nil {
		lvl.ParentID = &parent.ID
		lvl.Level = parent.Level + 1
	}
	return testhelpers.SetupLevel(f.t, f.store, lvl)
}

func (f *treeFixture) build(h *models.Hierarchy) {
	require.NoError(f.t, f.builder.Build(f.ctx, h.ID))
	assertTreeInvariants(f.t, f.store, h.ID)
}

// nodes returns the nodes of lvl in (key, id) order.
func (f *treeFixture) nodes(h *models.Hierarchy, lvl *models.Level) []*models.Obj {
	var out []*models.Obj
	for _, o := range f.store.Objs(h.ID) {
		if o.LevelID == lvl.ID {
			out = append(out, o)
		}
	}
	return out
}

func (f *treeFixture) node(h *models.Hierarchy, lvl *models.Level, key string, active bool) *models.Obj {
	f.t.Helper()
	for _, o := range f.nodes(h, lvl) {
		if o.Key == key && o.Active == active {
			return o
		}
	}
	require.FailNowf(f.t, "node not found", "level %d key %q active %v", lvl.ID, key, active)
	return nil
}

func (f *treeFixture) realNode(h *models.Hierarchy, lvl *models.Level, moID int64) *models.Obj {
	f.t.Helper()
	for _, o := range f.nodes(h, lvl) {
		if o.ObjectID != nil && *o.ObjectID == moID {
			return o
		}
	}
	require.FailNowf(f.t, "node not found", "level %d mo %d", lvl.ID, moID)
	return nil
}

// backing returns the MO ids behind node.
func (f *treeFixture) backing(h *models.Hierarchy, node *models.Obj) []int64 {
	var ids []int64
	for _, nd := range f.store.NodeData(h.ID) {
		if nd.NodeID == node.ID {
			ids = append(ids, nd.MOID)
		}
	}
	return ids
}

func moParams(kv ...any) map[string]any {
	out := map[string]any{}
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}

// partialMO builds an update payload that only carries the given fields.
func partialMO(id, tmoID int64, fields ...string) *models.MO {
	mo := &models.MO{ID: id, TMOID: tmoID, Active: true, Fields: map[string]bool{"id": true, "tmo_id": true}}
	for _, f := range fields {
		mo.Fields[f] = true
	}
	return mo
}

// assertTreeInvariants checks the structural rules every handler must preserve.
func assertTreeInvariants(t *testing.T, store *testhelpers.MemStore, hierarchyID int64) {
	t.Helper()

	objs := store.Objs(hierarchyID)
	levels, err := store.Repos().Levels.ListByHierarchy(context.Background(), hierarchyID)
	require.NoError(t, err)
	byLevel := map[int64]*models.Level{}
	for _, l := range levels {
		byLevel[l.ID] = l
	}
	byID := map[uuid.UUID]*models.Obj{}
	for _, o := range objs {
		byID[o.ID] = o
	}

	active := map[uuid.UUID]int{}
	type identity struct {
		level  int64
		parent uuid.UUID
		key    string
		active bool
	}
	virtuals := map[identity]uuid.UUID{}
	realIDs := map[[2]int64]uuid.UUID{}
	for _, o := range objs {
		lvl, ok := byLevel[o.LevelID]
		if !assert.True(t, ok, "node %s on unknown level %d", o.ID, o.LevelID) {
			continue
		}
		if o.ParentID == nil {
			assert.Empty(t, o.Path, "root %s (%s) carries a path", o.ID, o.Key)
		} else {
			parent, ok := byID[*o.ParentID]
			if assert.True(t, ok, "node %s has a missing parent", o.ID) {
				assert.Equal(t, parent.SubtreePrefix(), o.Path, "path of %s (%s)", o.ID, o.Key)
			}
			if o.Active {
				active[*o.ParentID]++
			}
		}
		if lvl.Coalesces() {
			id := identity{level: o.LevelID, key: o.Key, active: o.Active}
			if o.ParentID != nil {
				id.parent = *o.ParentID
			}
			if other, dup := virtuals[id]; dup {
				assert.Failf(t, "duplicate virtual node", "%s and %s share key %q", other, o.ID, o.Key)
			}
			virtuals[id] = o.ID
		}
		if o.ObjectID != nil {
			k := [2]int64{o.LevelID, *o.ObjectID}
			if other, dup := realIDs[k]; dup {
				assert.Failf(t, "duplicate real node", "%s and %s back mo %d", other, o.ID, *o.ObjectID)
			}
			realIDs[k] = o.ID
		}
	}
	for _, o := range objs {
		assert.Equal(t, active[o.ID], o.ChildCount, "child_count of %s (%s)", o.ID, o.Key)
	}
	for _, nd := range store.NodeData(hierarchyID) {
		node, ok := byID[nd.NodeID]
		if assert.True(t, ok, "node data %d of mo %d references a missing node", nd.ID, nd.MOID) {
			assert.Equal(t, nd.LevelID, node.LevelID, "node data %d level", nd.ID)
		}
	}
}
