package services

import (
	"context"
	"testing"

	"mohierarchy/internal/models"
	"mohierarchy/internal/notifier"
	apperr "mohierarchy/pkg/errors"
	"mohierarchy/testhelpers"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type LevelServiceTestSuite struct {
	suite.Suite
	ctx     context.Context
	store   *testhelpers.MemStore
	inv     *testhelpers.FakeInventory
	events  *recordingNotifier
	service LevelService
	h       *models.Hierarchy
}

func (suite *LevelServiceTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.store = testhelpers.NewMemStore()
	suite.inv = testhelpers.NewFakeInventory()
	suite.inv.PutTPRM(
		&models.TPRM{ID: 11, TMOID: 1, Name: "vendor", ValType: "str"},
		&models.TPRM{ID: 12, TMOID: 1, Name: "lat", ValType: "float"},
		&models.TPRM{ID: 21, TMOID: 2, Name: "room", ValType: "str"},
	)
	suite.events = &recordingNotifier{}
	suite.service = NewLevelService(suite.store, suite.inv, NewKeyResolver(suite.inv), suite.events, zap.NewNop())
	suite.h = testhelpers.SetupHierarchy(suite.T(), suite.store, "catalog", true)
}

func TestLevelServiceTestSuite(t *testing.T) {
	suite.Run(t, new(LevelServiceTestSuite))
}

func (suite *LevelServiceTestSuite) root(name string) *models.Level {
	return &models.Level{HierarchyID: suite.h.ID, Name: name, ObjectTypeID: 1, KeyAttrs: []string{"11"}}
}

func (suite *LevelServiceTestSuite) TestCreate_EnqueuesRebuild() {
	lvl := suite.root("sites")
	lvl.LatitudeID = testhelpers.Ptr(int64(12))

	suite.Require().NoError(suite.service.Create(suite.ctx, lvl))

	suite.NotZero(lvl.ID)
	orders, err := suite.store.Repos().RebuildOrders.List(suite.ctx)
	suite.Require().NoError(err)
	suite.Require().Len(orders, 1)
	suite.Equal(suite.h.ID, orders[0].HierarchyID)
	suite.Equal([]notifier.EventKind{notifier.EventLevelsChanged}, suite.events.kinds(suite.h.ID))
}

func (suite *LevelServiceTestSuite) TestCreate_ChildLevel() {
	parent := suite.root("sites")
	suite.Require().NoError(suite.service.Create(suite.ctx, parent))

	child := &models.Level{HierarchyID: suite.h.ID, ParentID: &parent.ID, Level: 1, Name: "rooms", ObjectTypeID: 2, KeyAttrs: []string{"21", models.AttrName}}
	suite.Require().NoError(suite.service.Create(suite.ctx, child))

	levels, err := suite.service.ListByHierarchy(suite.ctx, suite.h.ID)
	suite.Require().NoError(err)
	suite.Require().Len(levels, 2)
	suite.Equal(parent.ID, levels[0].ID)
	suite.Equal(child.ID, levels[1].ID)
}

func (suite *LevelServiceTestSuite) TestCreate_Rejects() {
	existing := suite.root("sites")
	suite.Require().NoError(suite.service.Create(suite.ctx, existing))
	other := testhelpers.SetupHierarchy(suite.T(), suite.store, "other", true)
	foreign := testhelpers.SetupLevel(suite.T(), suite.store, &models.Level{HierarchyID: other.ID, ObjectTypeID: 1, KeyAttrs: []string{"11"}})

	cases := map[string]struct {
		level *models.Level
		code  apperr.Code
	}{
		"missing name":       {&models.Level{HierarchyID: suite.h.ID, ObjectTypeID: 1, KeyAttrs: []string{"11"}}, apperr.CodeInvalid},
		"no key attributes":  {&models.Level{HierarchyID: suite.h.ID, Name: "x", ObjectTypeID: 1}, apperr.CodeInvalid},
		"unknown hierarchy":  {&models.Level{HierarchyID: 404, Name: "x", ObjectTypeID: 1, KeyAttrs: []string{"11"}}, apperr.CodeNotFound},
		"duplicate name":     {suite.root("sites"), apperr.CodeConflict},
		"unknown parent":     {&models.Level{HierarchyID: suite.h.ID, ParentID: testhelpers.Ptr(int64(999)), Level: 1, Name: "x", ObjectTypeID: 1, KeyAttrs: []string{"11"}}, apperr.CodeNotFound},
		"foreign parent":     {&models.Level{HierarchyID: suite.h.ID, ParentID: &foreign.ID, Level: 1, Name: "x", ObjectTypeID: 1, KeyAttrs: []string{"11"}}, apperr.CodeInvalid},
		"depth gap":          {&models.Level{HierarchyID: suite.h.ID, ParentID: &existing.ID, Level: 3, Name: "x", ObjectTypeID: 2, KeyAttrs: []string{"21"}}, apperr.CodeInvalid},
		"root with depth":    {&models.Level{HierarchyID: suite.h.ID, Level: 2, Name: "x", ObjectTypeID: 1, KeyAttrs: []string{"11"}}, apperr.CodeInvalid},
		"real attr parent":   {&models.Level{HierarchyID: suite.h.ID, Name: "x", ObjectTypeID: 1, KeyAttrs: []string{"11"}, AttrAsParent: testhelpers.Ptr(int64(11))}, apperr.CodeInvalid},
		"garbage attribute":  {&models.Level{HierarchyID: suite.h.ID, Name: "x", ObjectTypeID: 1, KeyAttrs: []string{"colour"}}, apperr.CodeInvalid},
		"unknown tprm":       {&models.Level{HierarchyID: suite.h.ID, Name: "x", ObjectTypeID: 1, KeyAttrs: []string{"77"}}, apperr.CodeInvalid},
		"tprm of other type": {&models.Level{HierarchyID: suite.h.ID, Name: "x", ObjectTypeID: 1, KeyAttrs: []string{"21"}}, apperr.CodeInvalid},
	}
	for name, tc := range cases {
		err := suite.service.Create(suite.ctx, tc.level)
		suite.True(apperr.IsCode(err, tc.code), "%s: %v", name, err)
	}

	levels, err := suite.service.ListByHierarchy(suite.ctx, suite.h.ID)
	suite.Require().NoError(err)
	suite.Len(levels, 1)
}

func (suite *LevelServiceTestSuite) TestUpdate_KeepsNameAndEnqueues() {
	lvl := suite.root("sites")
	suite.Require().NoError(suite.service.Create(suite.ctx, lvl))
	suite.Require().NoError(suite.store.Repos().RebuildOrders.Delete(suite.ctx, suite.h.ID))

	lvl.KeyAttrs = []string{"11", models.AttrName}
	suite.Require().NoError(suite.service.Update(suite.ctx, lvl))

	got, err := suite.service.GetByID(suite.ctx, lvl.ID)
	suite.Require().NoError(err)
	suite.Equal([]string{"11", models.AttrName}, got.KeyAttrs)
	orders, err := suite.store.Repos().RebuildOrders.List(suite.ctx)
	suite.Require().NoError(err)
	suite.Len(orders, 1)
}

func (suite *LevelServiceTestSuite) TestUpdate_CannotMoveBetweenHierarchies() {
	lvl := suite.root("sites")
	suite.Require().NoError(suite.service.Create(suite.ctx, lvl))
	other := testhelpers.SetupHierarchy(suite.T(), suite.store, "other", true)

	moved := *lvl
	moved.HierarchyID = other.ID
	suite.True(apperr.IsCode(suite.service.Update(suite.ctx, &moved), apperr.CodeInvalid))

	missing := *lvl
	missing.ID = 999
	suite.True(apperr.IsCode(suite.service.Update(suite.ctx, &missing), apperr.CodeNotFound))
}

func (suite *LevelServiceTestSuite) TestDelete_RemovesNodesAndRecountsParents() {
	f := newTreeFixture(suite.T())
	levels := NewLevelService(f.store, f.inv, f.keys, f.events, zap.NewNop())
	h := f.hierarchy("sites")
	sites := f.level(h, nil, 10, false, models.AttrName)
	racks := f.level(h, sites, 20, false, models.AttrName)
	site := int64(100)
	f.inv.PutMO(testhelpers.NewMO(site, 10, nil, "north", nil), testhelpers.NewMO(200, 20, &site, "rack", nil))
	f.build(h)

	suite.Require().NoError(levels.Delete(f.ctx, racks.ID))

	suite.Len(f.store.Objs(h.ID), 1)
	suite.Equal(0, f.realNode(h, sites, site).ChildCount)
	assertTreeInvariants(suite.T(), f.store, h.ID)
	suite.True(apperr.IsCode(levels.Delete(f.ctx, racks.ID), apperr.CodeNotFound))
}

func (suite *LevelServiceTestSuite) TestClassifyAttrs() {
	classes, err := suite.service.ClassifyAttrs(suite.ctx, []string{"11", models.AttrName, "99"})
	suite.Require().NoError(err)
	suite.Equal([]string{"11", models.AttrName}, classes.Scalar)
	suite.Equal([]string{"99"}, classes.Missing)
}
