package services

import (
	"fmt"
	"slices"
	"strings"
	"testing"

	"mohierarchy/internal/models"
	"mohierarchy/internal/notifier"
	"mohierarchy/testhelpers"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ChangeServiceTestSuite struct {
	suite.Suite
	f *treeFixture
}

func (suite *ChangeServiceTestSuite) SetupTest() {
	suite.f = newTreeFixture(suite.T())
}

func (suite *ChangeServiceTestSuite) TearDownTest() {
	for _, h := range suite.hierarchies() {
		assertTreeInvariants(suite.T(), suite.f.store, h.ID)
	}
}

func TestChangeServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ChangeServiceTestSuite))
}

func (suite *ChangeServiceTestSuite) hierarchies() []*models.Hierarchy {
	hs, err := suite.f.store.Repos().Hierarchies.List(suite.f.ctx)
	suite.Require().NoError(err)
	return hs
}

type chainTree struct {
	h          *models.Hierarchy
	l1, l2, l3 *models.Level
}

// chain builds two virtual rungs over a real level, all on tmo 1.
func (suite *ChangeServiceTestSuite) chain() chainTree {
	f := suite.f
	h := f.hierarchy("chain")
	l1 := f.level(h, nil, 1, true, "1")
	l2 := f.level(h, l1, 1, true, "2")
	l3 := f.level(h, l2, 1, false, "3")
	return chainTree{h: h, l1: l1, l2: l2, l3: l3}
}

func chainMOs() []*models.MO {
	return []*models.MO{
		testhelpers.NewMO(1, 1, nil, "mo-1", moParams(1, "A", 2, "X", 3, "a")),
		testhelpers.NewMO(2, 1, nil, "mo-2", moParams(1, "A", 2, "X", 3, "b")),
		testhelpers.NewMO(3, 1, nil, "mo-3", moParams(1, "A", 2, "Y", 3, "c")),
	}
}

// shape renders the user-visible projection without generated ids.
func shape(objs []*models.Obj) []string {
	byID := map[uuid.UUID]*models.Obj{}
	for _, o := range objs {
		byID[o.ID] = o
	}
	var out []string
	for _, o := range objs {
		var keys []string
		for p := o; p != nil; {
			keys = append([]string{p.Key}, keys...)
			if p.ParentID == nil {
				break
			}
			p = byID[*p.ParentID]
		}
		obj := "-"
		if o.ObjectID != nil {
			obj = fmt.Sprint(*o.ObjectID)
		}
		out = append(out, fmt.Sprintf("%d|%s|%v|%d|%s", o.Level, strings.Join(keys, "/"), o.Active, o.ChildCount, obj))
	}
	slices.Sort(out)
	return out
}

func (suite *ChangeServiceTestSuite) TestCreate_RealChainUnderVirtualRungs() {
	f := suite.f
	tree := suite.chain()

	suite.Require().NoError(f.changes.MOsCreated(f.ctx, chainMOs(), nil))

	roots := f.nodes(tree.h, tree.l1)
	suite.Require().Len(roots, 1)
	root := roots[0]
	suite.Equal("A", root.Key)
	suite.Nil(root.ParentID)
	suite.Equal(2, root.ChildCount)

	x := f.node(tree.h, tree.l2, "X", true)
	y := f.node(tree.h, tree.l2, "Y", true)
	suite.Equal(root.ID, *x.ParentID)
	suite.Equal(root.ID, *y.ParentID)
	suite.Equal(2, x.ChildCount)
	suite.Equal(1, y.ChildCount)
	suite.ElementsMatch([]int64{1, 2}, f.backing(tree.h, x))

	for moID, parent := range map[int64]*models.Obj{1: x, 2: x, 3: y} {
		leaf := f.realNode(tree.h, tree.l3, moID)
		suite.Equal(parent.ID, *leaf.ParentID)
		suite.Equal(parent.SubtreePrefix(), leaf.Path)
		suite.Equal(0, leaf.ChildCount)
	}
	suite.Equal("a", f.realNode(tree.h, tree.l3, 1).Key)
	suite.Equal("c", f.realNode(tree.h, tree.l3, 3).Key)
	suite.Contains(f.events.kinds(tree.h.ID), notifier.EventNodesChanged)
}

func (suite *ChangeServiceTestSuite) TestCreate_MatchesFullBuild() {
	f := suite.f
	tree := suite.chain()
	suite.Require().NoError(f.changes.MOsCreated(f.ctx, chainMOs(), nil))
	incremental := shape(f.store.Objs(tree.h.ID))

	f.inv.PutMO(chainMOs()...)
	f.build(tree.h)
	suite.Equal(incremental, shape(f.store.Objs(tree.h.ID)))
}

func (suite *ChangeServiceTestSuite) TestCreate_IsIdempotent() {
	f := suite.f
	tree := suite.chain()
	suite.Require().NoError(f.changes.MOsCreated(f.ctx, chainMOs(), nil))
	before := shape(f.store.Objs(tree.h.ID))

	suite.Require().NoError(f.changes.MOsCreated(f.ctx, chainMOs(), nil))
	suite.Equal(before, shape(f.store.Objs(tree.h.ID)))
	suite.Len(f.store.NodeData(tree.h.ID), 9)
}

func (suite *ChangeServiceTestSuite) TestUpdate_KeyChangeMovesRowToSiblingVirtualNode() {
	f := suite.f
	tree := suite.chain()
	suite.Require().NoError(f.changes.MOsCreated(f.ctx, chainMOs(), nil))
	oldLeafPath := f.realNode(tree.h, tree.l3, 2).Path

	mo := partialMO(2, 1, models.AttrParentID)
	mo.Params = moParams(2, "Y")
	suite.Require().NoError(f.changes.MOsUpdated(f.ctx, []*models.MO{mo}, nil))

	x := f.node(tree.h, tree.l2, "X", true)
	y := f.node(tree.h, tree.l2, "Y", true)
	suite.Equal(1, x.ChildCount)
	suite.Equal(2, y.ChildCount)
	suite.ElementsMatch([]int64{1}, f.backing(tree.h, x))
	suite.ElementsMatch([]int64{2, 3}, f.backing(tree.h, y))

	leaf := f.realNode(tree.h, tree.l3, 2)
	suite.Equal(y.ID, *leaf.ParentID)
	suite.Equal(y.SubtreePrefix(), leaf.Path)
	suite.NotEqual(oldLeafPath, leaf.Path)
	suite.Len(f.nodes(tree.h, tree.l2), 2)
}

func (suite *ChangeServiceTestSuite) TestUpdate_LastRowLeavingDropsVirtualNode() {
	f := suite.f
	tree := suite.chain()
	suite.Require().NoError(f.changes.MOsCreated(f.ctx, chainMOs(), nil))

	mo := partialMO(3, 1)
	mo.Params = moParams(2, "X")
	suite.Require().NoError(f.changes.MOsUpdated(f.ctx, []*models.MO{mo}, nil))

	l2 := f.nodes(tree.h, tree.l2)
	suite.Require().Len(l2, 1)
	suite.Equal("X", l2[0].Key)
	suite.Equal(3, l2[0].ChildCount)
	suite.Equal(1, f.nodes(tree.h, tree.l1)[0].ChildCount)
}

func (suite *ChangeServiceTestSuite) TestUpdate_WholeNodeMovesWhenEveryRowMoves() {
	f := suite.f
	tree := suite.chain()
	suite.Require().NoError(f.changes.MOsCreated(f.ctx, chainMOs(), nil))
	y := f.node(tree.h, tree.l2, "Y", true)

	mo := partialMO(3, 1)
	mo.Params = moParams(2, "Z")
	suite.Require().NoError(f.changes.MOsUpdated(f.ctx, []*models.MO{mo}, nil))

	z := f.node(tree.h, tree.l2, "Z", true)
	suite.Equal(y.ID, z.ID, "the node is rekeyed in place")
	suite.Equal(z.ID, *f.realNode(tree.h, tree.l3, 3).ParentID)
}

func (suite *ChangeServiceTestSuite) TestUpdate_PartialActiveFlipSplitsVirtualNode() {
	f := suite.f
	h := f.hierarchy("split")
	parentLvl := f.level(h, nil, 2, false, models.AttrName)
	lvl := f.level(h, parentLvl, 3, true, "1")
	one := int64(1)

	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{testhelpers.NewMO(1, 2, nil, "site", nil)}, nil))
	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{
		testhelpers.NewMO(10, 3, &one, "ten", moParams(1, "K")),
		testhelpers.NewMO(11, 3, &one, "eleven", moParams(1, "K")),
	}, nil))
	shared := f.node(h, lvl, "K", true)
	parent := f.realNode(h, parentLvl, 1)
	suite.Equal(1, parent.ChildCount)
	suite.ElementsMatch([]int64{10, 11}, f.backing(h, shared))

	mo := partialMO(11, 3, models.AttrActive)
	mo.Active = false
	suite.Require().NoError(f.changes.MOsUpdated(f.ctx, []*models.MO{mo}, nil))

	active := f.node(h, lvl, "K", true)
	inactive := f.node(h, lvl, "K", false)
	suite.Equal(shared.ID, active.ID)
	suite.NotEqual(active.ID, inactive.ID)
	suite.ElementsMatch([]int64{10}, f.backing(h, active))
	suite.ElementsMatch([]int64{11}, f.backing(h, inactive))
	suite.Equal(parent.ID, *inactive.ParentID)
	suite.Equal(1, f.realNode(h, parentLvl, 1).ChildCount)

	// flipping back folds the rows together again
	mo.Active = true
	suite.Require().NoError(f.changes.MOsUpdated(f.ctx, []*models.MO{mo}, nil))
	suite.Require().Len(f.nodes(h, lvl), 1)
	suite.ElementsMatch([]int64{10, 11}, f.backing(h, f.node(h, lvl, "K", true)))
}

func (suite *ChangeServiceTestSuite) TestUpdate_ScalarFieldsOnlyTouchShadow() {
	f := suite.f
	tree := suite.chain()
	suite.Require().NoError(f.changes.MOsCreated(f.ctx, chainMOs(), nil))
	before := shape(f.store.Objs(tree.h.ID))

	mo := partialMO(1, 1, models.AttrName, models.AttrStatus)
	mo.Name = "renamed"
	status := "planned"
	mo.Status = &status
	suite.Require().NoError(f.changes.MOsUpdated(f.ctx, []*models.MO{mo}, nil))

	suite.Equal(before, shape(f.store.Objs(tree.h.ID)))
	for _, nd := range f.store.NodeData(tree.h.ID) {
		if nd.MOID == 1 {
			suite.Equal("renamed", nd.MOName)
			suite.Equal(&status, nd.MOStatus)
		}
	}
}

func (suite *ChangeServiceTestSuite) TestUpdate_ParentChangeReparentsRealNode() {
	f := suite.f
	h := f.hierarchy("sites")
	sites := f.level(h, nil, 10, false, models.AttrName)
	racks := f.level(h, sites, 20, false, models.AttrName)
	north, south := int64(100), int64(101)

	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{
		testhelpers.NewMO(north, 10, nil, "north", nil),
		testhelpers.NewMO(south, 10, nil, "south", nil),
	}, nil))
	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{
		testhelpers.NewMO(200, 20, &north, "rack", nil),
	}, nil))
	suite.Equal(1, f.realNode(h, sites, north).ChildCount)

	mo := partialMO(200, 20, models.AttrParentID)
	mo.PID = &south
	suite.Require().NoError(f.changes.MOsUpdated(f.ctx, []*models.MO{mo}, nil))

	rack := f.realNode(h, racks, 200)
	southNode := f.realNode(h, sites, south)
	suite.Equal(southNode.ID, *rack.ParentID)
	suite.Equal(southNode.SubtreePrefix(), rack.Path)
	suite.Equal(0, f.realNode(h, sites, north).ChildCount)
	suite.Equal(1, southNode.ChildCount)
}

func (suite *ChangeServiceTestSuite) TestDeleteThenCreate_RestoresProjection() {
	f := suite.f
	tree := suite.chain()
	suite.Require().NoError(f.changes.MOsCreated(f.ctx, chainMOs(), nil))
	before := shape(f.store.Objs(tree.h.ID))

	deleted := chainMOs()[1]
	suite.Require().NoError(f.changes.MOsDeleted(f.ctx, []*models.MO{deleted}, nil))
	suite.Len(f.nodes(tree.h, tree.l3), 2)
	suite.Equal(1, f.node(tree.h, tree.l2, "X", true).ChildCount)
	assertTreeInvariants(suite.T(), f.store, tree.h.ID)

	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{deleted}, nil))
	suite.Equal(before, shape(f.store.Objs(tree.h.ID)))
}

func (suite *ChangeServiceTestSuite) TestDeleteThenCreate_ReattachesChildrenOfRealParent() {
	f := suite.f
	h := f.hierarchy("sites")
	sites := f.level(h, nil, 10, false, models.AttrName)
	racks := f.level(h, sites, 20, false, models.AttrName)
	site := testhelpers.NewMO(100, 10, nil, "north", nil)
	siteID := int64(100)

	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{site}, nil))
	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{testhelpers.NewMO(200, 20, &siteID, "rack", nil)}, nil))
	before := shape(f.store.Objs(h.ID))

	suite.Require().NoError(f.changes.MOsDeleted(f.ctx, []*models.MO{site}, nil))
	suite.Empty(f.nodes(h, sites))
	rack := f.realNode(h, racks, 200)
	suite.Nil(rack.ParentID, "children are detached, not dropped")
	suite.Empty(rack.Path)
	assertTreeInvariants(suite.T(), f.store, h.ID)

	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{site}, nil))
	suite.Equal(before, shape(f.store.Objs(h.ID)))
}

// nested makes a self-parented level on tmo 4 whose members name their parent in param 7.
func (suite *ChangeServiceTestSuite) nested(h *models.Hierarchy, parent *models.Level) *models.Level {
	f := suite.f
	lvl := f.level(h, parent, 4, true, models.AttrName)
	lvl.AttrAsParent = testhelpers.Ptr(int64(7))
	suite.Require().NoError(f.store.Repos().Levels.Update(f.ctx, lvl))
	return lvl
}

func (suite *ChangeServiceTestSuite) TestDeleteThenCreate_RestoresSelfParentedChildren() {
	f := suite.f
	h := f.hierarchy("nested")
	lvl := suite.nested(h, nil)
	top := testhelpers.NewMO(1, 4, nil, "top", nil)
	mid := testhelpers.NewMO(2, 4, nil, "mid", moParams(7, int64(1)))

	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{top, mid}, nil))
	before := shape(f.store.Objs(h.ID))
	suite.Equal([]string{"0|top/mid|true|0|2", "0|top|true|1|1"}, before)

	suite.Require().NoError(f.changes.MOsDeleted(f.ctx, []*models.MO{top}, nil))
	suite.Equal([]string{"0|mid|true|0|2"}, shape(f.store.Objs(h.ID)))
	assertTreeInvariants(suite.T(), f.store, h.ID)

	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{top}, nil))
	suite.Equal(before, shape(f.store.Objs(h.ID)))
	suite.Equal(f.realNode(h, lvl, 1).SubtreePrefix(), f.realNode(h, lvl, 2).Path)

	f.inv.PutMO(top, mid)
	f.build(h)
	suite.Equal(before, shape(f.store.Objs(h.ID)))
}

func (suite *ChangeServiceTestSuite) TestCreate_LaterParentAdoptsSelfParentedChildren() {
	f := suite.f
	h := f.hierarchy("nested")
	suite.nested(h, nil)
	top := testhelpers.NewMO(1, 4, nil, "top", nil)
	mid := testhelpers.NewMO(2, 4, nil, "mid", moParams(7, int64(1)))
	leaf := testhelpers.NewMO(3, 4, nil, "leaf", moParams(7, int64(2)))

	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{leaf}, nil))
	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{mid}, nil))
	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{top}, nil))
	incremental := shape(f.store.Objs(h.ID))
	suite.Equal([]string{"0|top/mid/leaf|true|0|3", "0|top/mid|true|1|2", "0|top|true|1|1"}, incremental)

	f.inv.PutMO(top, mid, leaf)
	f.build(h)
	suite.Equal(incremental, shape(f.store.Objs(h.ID)))
}

func (suite *ChangeServiceTestSuite) TestDelete_SelfParentedChildrenFallBackToCrossLevelParent() {
	f := suite.f
	h := f.hierarchy("sites")
	sites := f.level(h, nil, 10, false, models.AttrName)
	lvl := suite.nested(h, sites)
	siteID := int64(100)
	site := testhelpers.NewMO(100, 10, nil, "north", nil)
	top := testhelpers.NewMO(1, 4, &siteID, "top", nil)
	mid := testhelpers.NewMO(2, 4, &siteID, "mid", moParams(7, int64(1)))

	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{site}, nil))
	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{top, mid}, nil))
	suite.Equal(f.realNode(h, lvl, 1).ID, *f.realNode(h, lvl, 2).ParentID)

	suite.Require().NoError(f.changes.MOsDeleted(f.ctx, []*models.MO{top}, nil))
	north := f.realNode(h, sites, 100)
	moved := f.realNode(h, lvl, 2)
	suite.Equal(north.ID, *moved.ParentID)
	suite.Equal(north.SubtreePrefix(), moved.Path)
	suite.Equal(1, f.realNode(h, sites, 100).ChildCount)
	incremental := shape(f.store.Objs(h.ID))

	f.inv.PutMO(site, mid)
	f.build(h)
	suite.Equal(incremental, shape(f.store.Objs(h.ID)))
}

func (suite *ChangeServiceTestSuite) TestDelete_SkipsDeferredHierarchies() {
	f := suite.f
	tree := suite.chain()
	suite.Require().NoError(f.changes.MOsCreated(f.ctx, chainMOs(), nil))
	before := shape(f.store.Objs(tree.h.ID))

	suite.Require().NoError(f.changes.MOsDeleted(f.ctx, chainMOs(), models.NewHierarchySet(tree.h.ID)))
	suite.Equal(before, shape(f.store.Objs(tree.h.ID)))
}

func (suite *ChangeServiceTestSuite) TestPRMUpsert_RekeysVirtualNode() {
	f := suite.f
	tree := suite.chain()
	suite.Require().NoError(f.changes.MOsCreated(f.ctx, chainMOs(), nil))

	prm := &models.PRM{ID: 900, MOID: 1, TPRMID: 2, Value: "Y"}
	suite.Require().NoError(f.changes.PRMsUpserted(f.ctx, []*models.PRM{prm}, nil))

	suite.ElementsMatch([]int64{2}, f.backing(tree.h, f.node(tree.h, tree.l2, "X", true)))
	suite.ElementsMatch([]int64{1, 3}, f.backing(tree.h, f.node(tree.h, tree.l2, "Y", true)))

	suite.Require().NoError(f.changes.PRMsDeleted(f.ctx, []*models.PRM{prm}, nil))
	empty := f.node(tree.h, tree.l2, models.NullKey, true)
	suite.True(empty.KeyIsEmpty)
	suite.ElementsMatch([]int64{1}, f.backing(tree.h, empty))
}

func (suite *ChangeServiceTestSuite) TestPRMUpsert_ReparentsOnAttrAsParent() {
	f := suite.f
	h := f.hierarchy("nested")
	lvl := f.level(h, nil, 4, true, models.AttrName)
	lvl.AttrAsParent = testhelpers.Ptr(int64(7))
	suite.Require().NoError(f.store.Repos().Levels.Update(f.ctx, lvl))

	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{
		testhelpers.NewMO(3, 4, nil, "leaf", moParams(7, int64(2))),
		testhelpers.NewMO(1, 4, nil, "top", nil),
		testhelpers.NewMO(2, 4, nil, "mid", moParams(7, int64(1))),
	}, nil))
	top, mid, leaf := f.realNode(h, lvl, 1), f.realNode(h, lvl, 2), f.realNode(h, lvl, 3)
	suite.Equal(top.ID, *mid.ParentID)
	suite.Equal(mid.ID, *leaf.ParentID)
	suite.Equal(mid.SubtreePrefix(), leaf.Path)

	suite.Require().NoError(f.changes.PRMsUpserted(f.ctx, []*models.PRM{{ID: 5, MOID: 3, TPRMID: 7, Value: int64(1)}}, nil))
	leaf = f.realNode(h, lvl, 3)
	suite.Equal(top.ID, *leaf.ParentID)
	suite.Equal(top.SubtreePrefix(), leaf.Path)
	suite.Equal(2, f.realNode(h, lvl, 1).ChildCount)
	suite.Equal(0, f.realNode(h, lvl, 2).ChildCount)

	suite.Require().NoError(f.changes.PRMsDeleted(f.ctx, []*models.PRM{{ID: 5, MOID: 3, TPRMID: 7}}, nil))
	leaf = f.realNode(h, lvl, 3)
	suite.Nil(leaf.ParentID)
	suite.Empty(leaf.Path)
}

func (suite *ChangeServiceTestSuite) TestPRMUpsert_RefreshesHelperAttributes() {
	f := suite.f
	h := f.hierarchy("sites")
	lvl := f.level(h, nil, 10, false, models.AttrName)
	lvl.LatitudeID = testhelpers.Ptr(int64(31))
	lvl.AdditionalParamsID = testhelpers.Ptr(int64(32))
	suite.Require().NoError(f.store.Repos().Levels.Update(f.ctx, lvl))
	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{testhelpers.NewMO(100, 10, nil, "north", nil)}, nil))

	suite.Require().NoError(f.changes.PRMsUpserted(f.ctx, []*models.PRM{
		{ID: 1, MOID: 100, TPRMID: 31, Value: "59.93"},
		{ID: 2, MOID: 100, TPRMID: 32, Value: "roof access"},
	}, nil))
	node := f.realNode(h, lvl, 100)
	suite.Require().NotNil(node.Latitude)
	suite.InDelta(59.93, *node.Latitude, 1e-9)
	suite.Equal("roof access", *node.AdditionalParams)

	suite.Require().NoError(f.changes.PRMsDeleted(f.ctx, []*models.PRM{{ID: 1, MOID: 100, TPRMID: 31}}, nil))
	suite.Nil(f.realNode(h, lvl, 100).Latitude)
}

func (suite *ChangeServiceTestSuite) TestTMODelete_DropsLevelsAndRecountsParents() {
	f := suite.f
	h := f.hierarchy("sites")
	sites := f.level(h, nil, 10, false, models.AttrName)
	f.level(h, sites, 20, false, models.AttrName)
	siteID := int64(100)
	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{testhelpers.NewMO(100, 10, nil, "north", nil)}, nil))
	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{testhelpers.NewMO(200, 20, &siteID, "rack", nil)}, nil))
	suite.Equal(1, f.realNode(h, sites, 100).ChildCount)

	suite.Require().NoError(f.changes.TMOsDeleted(f.ctx, []int64{20}))

	levels, err := f.store.Repos().Levels.ListByHierarchy(f.ctx, h.ID)
	suite.Require().NoError(err)
	suite.Len(levels, 1)
	suite.Len(f.store.Objs(h.ID), 1)
	suite.Equal(0, f.realNode(h, sites, 100).ChildCount)
	suite.Contains(f.events.kinds(h.ID), notifier.EventLevelsChanged)
}

func (suite *ChangeServiceTestSuite) TestTPRMDelete_StripsKeyAttributeAndMerges() {
	f := suite.f
	h := f.hierarchy("keys")
	lvl := f.level(h, nil, 1, true, "1", "2")
	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{
		testhelpers.NewMO(1, 1, nil, "one", moParams(1, "A", 2, "X")),
		testhelpers.NewMO(2, 1, nil, "two", moParams(1, "A", 2, "Y")),
	}, nil))
	suite.Len(f.nodes(h, lvl), 2)

	suite.Require().NoError(f.changes.TPRMsDeleted(f.ctx, []int64{2}))

	got, err := f.store.Repos().Levels.GetByID(f.ctx, lvl.ID)
	suite.Require().NoError(err)
	suite.Equal([]string{"1"}, got.KeyAttrs)
	nodes := f.nodes(h, lvl)
	suite.Require().Len(nodes, 1)
	suite.Equal("A", nodes[0].Key)
	suite.ElementsMatch([]int64{1, 2}, f.backing(h, nodes[0]))
}

func (suite *ChangeServiceTestSuite) TestTPRMDelete_LastKeyAttributeDropsLevel() {
	f := suite.f
	h := f.hierarchy("keys")
	lvl := f.level(h, nil, 1, true, "9")
	suite.Require().NoError(f.changes.MOsCreated(f.ctx, []*models.MO{testhelpers.NewMO(1, 1, nil, "one", moParams(9, "A"))}, nil))

	suite.Require().NoError(f.changes.TPRMsDeleted(f.ctx, []int64{9}))

	_, err := f.store.Repos().Levels.GetByID(f.ctx, lvl.ID)
	suite.Error(err)
	suite.Empty(f.store.Objs(h.ID))
	suite.Empty(f.store.NodeData(h.ID))
}

func (suite *ChangeServiceTestSuite) TestTPRMDelete_ClearsAttrAsParentAndOwesRebuild() {
	f := suite.f
	h := f.hierarchy("nested")
	lvl := f.level(h, nil, 4, true, models.AttrName)
	lvl.AttrAsParent = testhelpers.Ptr(int64(7))
	lvl.LongitudeID = testhelpers.Ptr(int64(7))
	suite.Require().NoError(f.store.Repos().Levels.Update(f.ctx, lvl))

	suite.Require().NoError(f.changes.TPRMsDeleted(f.ctx, []int64{7}))

	got, err := f.store.Repos().Levels.GetByID(f.ctx, lvl.ID)
	suite.Require().NoError(err)
	suite.Nil(got.AttrAsParent)
	suite.Nil(got.LongitudeID)
	orders, err := f.store.Repos().RebuildOrders.List(f.ctx)
	suite.Require().NoError(err)
	suite.Require().Len(orders, 1)
	suite.Equal(h.ID, orders[0].HierarchyID)
}

func TestApplyMOKeepsAbsentFields(t *testing.T) {
	pid := int64(4)
	nd := &models.NodeData{MOName: "old", MOPID: &pid, MOActive: true, UnfoldedKey: map[string]*string{"1": testhelpers.Ptr("A")}}
	mo := partialMO(1, 1, models.AttrActive)
	mo.Active = false
	mo.Name = "ignored"

	applyMO(nd, mo, map[string]*string{"2": testhelpers.Ptr("B")})

	assert.Equal(t, "old", nd.MOName)
	assert.Equal(t, &pid, nd.MOPID)
	assert.False(t, nd.MOActive)
	require.Len(t, nd.UnfoldedKey, 2)
	assert.Equal(t, "A", *nd.UnfoldedKey["1"])
	assert.Equal(t, "B", *nd.UnfoldedKey["2"])
}
