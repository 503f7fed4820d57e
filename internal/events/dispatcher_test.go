package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"mohierarchy/internal/models"
	"mohierarchy/internal/notifier"
	"mohierarchy/internal/services"
	apperr "mohierarchy/pkg/errors"
	"mohierarchy/testhelpers"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type DispatcherTestSuite struct {
	suite.Suite
	ctx        context.Context
	store      *testhelpers.MemStore
	inv        *testhelpers.FakeInventory
	dispatcher *Dispatcher
	h          *models.Hierarchy
	level      *models.Level
}

func (suite *DispatcherTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.store = testhelpers.NewMemStore()
	suite.inv = testhelpers.NewFakeInventory()
	log := zap.NewNop()
	counters := services.NewCounters()
	keys := services.NewKeyResolver(suite.inv)
	builder := services.NewBuilderService(suite.store, suite.inv, keys, notifier.Nop{}, counters, 0, log)
	admission := services.NewAdmissionService(suite.store, builder, notifier.Nop{}, counters, log, services.WithThreshold(3))
	changes := services.NewChangeService(suite.store, keys, notifier.Nop{}, counters, log)
	suite.dispatcher = NewDispatcher(admission, changes, log)

	suite.h = testhelpers.SetupHierarchy(suite.T(), suite.store, "racks", true)
	suite.level = testhelpers.SetupLevel(suite.T(), suite.store, &models.Level{
		HierarchyID:         suite.h.ID,
		ObjectTypeID:        1,
		IsVirtual:           true,
		KeyAttrs:            []string{"1"},
		ShowWithoutChildren: true,
	})
}

func TestDispatcherTestSuite(t *testing.T) {
	suite.Run(t, new(DispatcherTestSuite))
}

func objects(raw ...string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(raw))
	for _, r := range raw {
		out = append(out, json.RawMessage(r))
	}
	return out
}

func mo(id int64, key string) string {
	return fmt.Sprintf(`{"id":%d,"tmo_id":1,"name":"mo-%d","active":true,"params":{"1":%q}}`, id, id, key)
}

func (suite *DispatcherTestSuite) keys() []string {
	var out []string
	for _, o := range suite.store.Objs(suite.h.ID) {
		out = append(out, o.Key)
	}
	return out
}

func (suite *DispatcherTestSuite) TestDispatch_CreatesNodes() {
	res, err := suite.dispatcher.Dispatch(suite.ctx, Record{
		Class:   models.EventClassMO,
		Event:   models.EventCreated,
		Objects: objects(mo(1, "A"), mo(2, "A")),
	})

	suite.Require().NoError(err)
	suite.Equal(&Result{Received: 2, Applied: 2}, res)
	suite.Equal([]string{"A"}, suite.keys())
	suite.Len(suite.store.NodeData(suite.h.ID), 2)
}

func (suite *DispatcherTestSuite) TestDispatch_PartialUpdateRekeys() {
	_, err := suite.dispatcher.Dispatch(suite.ctx, Record{Class: models.EventClassMO, Event: models.EventCreated, Objects: objects(mo(1, "A"), mo(2, "A"))})
	suite.Require().NoError(err)

	_, err = suite.dispatcher.Dispatch(suite.ctx, Record{
		Class:   models.EventClassMO,
		Event:   models.EventUpdated,
		Objects: objects(`{"id":2,"tmo_id":1,"params":{"1":"B"}}`),
	})

	suite.Require().NoError(err)
	suite.ElementsMatch([]string{"A", "B"}, suite.keys())
	for _, nd := range suite.store.NodeData(suite.h.ID) {
		suite.Equal(fmt.Sprintf("mo-%d", nd.MOID), nd.MOName, "absent fields are kept")
	}
}

func (suite *DispatcherTestSuite) TestDispatch_LargeBatchIsDeferred() {
	res, err := suite.dispatcher.Dispatch(suite.ctx, Record{
		Class:   models.EventClassMO,
		Event:   models.EventCreated,
		Objects: objects(mo(1, "A"), mo(2, "B"), mo(3, "C")),
	})

	suite.Require().NoError(err)
	suite.Equal(0, res.Applied)
	suite.Equal([]int64{suite.h.ID}, res.Deferred)
	suite.Empty(suite.store.Objs(suite.h.ID))
	orders, err := suite.store.Repos().RebuildOrders.List(suite.ctx)
	suite.Require().NoError(err)
	suite.Len(orders, 1)
}

func (suite *DispatcherTestSuite) TestDispatch_PRMUpsertRekeys() {
	_, err := suite.dispatcher.Dispatch(suite.ctx, Record{Class: models.EventClassMO, Event: models.EventCreated, Objects: objects(mo(1, "A"))})
	suite.Require().NoError(err)

	res, err := suite.dispatcher.Dispatch(suite.ctx, Record{
		Class:   models.EventClassPRM,
		Event:   models.EventUpdated,
		Objects: objects(`{"id":90,"mo_id":1,"tprm_id":1,"value":"Z"}`),
	})

	suite.Require().NoError(err)
	suite.Equal(1, res.Applied)
	suite.Equal([]string{"Z"}, suite.keys())
}

func (suite *DispatcherTestSuite) TestDispatch_TMODeleteDropsLevels() {
	_, err := suite.dispatcher.Dispatch(suite.ctx, Record{Class: models.EventClassMO, Event: models.EventCreated, Objects: objects(mo(1, "A"))})
	suite.Require().NoError(err)

	_, err = suite.dispatcher.Dispatch(suite.ctx, Record{Class: models.EventClassTMO, Event: models.EventCreated, Objects: objects(`{"id":1}`)})
	suite.Require().NoError(err)
	suite.Len(suite.store.Objs(suite.h.ID), 1)

	_, err = suite.dispatcher.Dispatch(suite.ctx, Record{Class: models.EventClassTMO, Event: models.EventDeleted, Objects: objects(`{"id":1,"name":"rack"}`)})
	suite.Require().NoError(err)
	suite.Empty(suite.store.Objs(suite.h.ID))
	levels, err := suite.store.Repos().Levels.ListByHierarchy(suite.ctx, suite.h.ID)
	suite.Require().NoError(err)
	suite.Empty(levels)
}

func (suite *DispatcherTestSuite) TestDispatch_RejectsMalformedRecords() {
	for name, rec := range map[string]Record{
		"unknown class":  {Class: "LINK", Event: models.EventCreated, Objects: objects(mo(1, "A"))},
		"unknown event":  {Class: models.EventClassMO, Event: "MOVED", Objects: objects(mo(1, "A"))},
		"no objects":     {Class: models.EventClassMO, Event: models.EventCreated},
		"not an object":  {Class: models.EventClassMO, Event: models.EventCreated, Objects: objects(`[1,2]`)},
		"missing tmo_id": {Class: models.EventClassMO, Event: models.EventCreated, Objects: objects(`{"id":1}`)},
		"prm without mo": {Class: models.EventClassPRM, Event: models.EventCreated, Objects: objects(`{"id":1,"tprm_id":2}`)},
	} {
		_, err := suite.dispatcher.Dispatch(suite.ctx, rec)
		suite.True(apperr.IsCode(err, apperr.CodeInvalid), "%s: %v", name, err)
	}
	suite.Empty(suite.store.Objs(suite.h.ID))
}
