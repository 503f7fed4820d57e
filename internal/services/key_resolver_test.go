package services

import (
	"context"
	"testing"

	"mohierarchy/internal/models"
	"mohierarchy/testhelpers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLinkInventory() *testhelpers.FakeInventory {
	inv := testhelpers.NewFakeInventory()
	inv.PutTPRM(
		&models.TPRM{ID: 1, TMOID: 3, Name: "vendor", ValType: "str"},
		&models.TPRM{ID: 2, TMOID: 3, Name: "rack", ValType: models.ValTypeMOLink},
		&models.TPRM{ID: 4, TMOID: 3, Name: "port", ValType: models.ValTypePRMLink},
	)
	inv.PutMO(
		testhelpers.NewMO(50, 9, nil, "rack-a", nil),
		testhelpers.NewMO(51, 9, nil, "rack-b", nil),
	)
	inv.PutPRM(&models.PRM{ID: 700, MOID: 50, TPRMID: 1, Value: "eth0"})
	return inv
}

func TestKeyResolver_Classify(t *testing.T) {
	r := NewKeyResolver(newLinkInventory())

	classes, err := r.Classify(context.Background(), []string{models.AttrName, "1", "2", "4", "77"})

	require.NoError(t, err)
	assert.Equal(t, []string{models.AttrName, "1"}, classes.Scalar)
	assert.Equal(t, []string{"2"}, classes.MOLink)
	assert.Equal(t, []string{"4"}, classes.PRMLink)
	assert.Equal(t, []string{"77"}, classes.Missing)
}

func TestKeyResolver_PlanTakesMOLinksFromObjectType(t *testing.T) {
	ctx := context.Background()
	inv := newLinkInventory()
	r := NewKeyResolver(inv)

	plan, err := r.Plan(ctx, 3, []string{models.AttrName, "2"})
	require.NoError(t, err)
	assert.True(t, plan.moLinks["2"])
	assert.Zero(t, inv.TPRMCalls)

	plan, err = r.Plan(ctx, 3, []string{"2", "4"})
	require.NoError(t, err)
	assert.True(t, plan.moLinks["2"])
	assert.True(t, plan.prmLinks["4"])
	assert.Equal(t, 1, inv.TPRMCalls)
}

func TestKeyResolver_UnfoldDereferencesLinks(t *testing.T) {
	ctx := context.Background()
	r := NewKeyResolver(newLinkInventory())
	attrs := []string{"1", "2", "4"}
	plan, err := r.Plan(ctx, 3, attrs)
	require.NoError(t, err)

	mos := []*models.MO{
		testhelpers.NewMO(10, 3, nil, "ten", map[string]any{"1": "acme", "2": float64(50), "4": []any{float64(700)}}),
		testhelpers.NewMO(11, 3, nil, "eleven", map[string]any{"2": []any{float64(50), float64(51)}}),
		testhelpers.NewMO(12, 3, nil, "twelve", map[string]any{"1": "", "2": float64(999)}),
	}
	unfolded, err := r.Unfold(ctx, plan, mos, true)
	require.NoError(t, err)

	key, empty := models.KeyFromUnfolded(attrs, unfolded[10])
	assert.Equal(t, "acme / rack-a / eth0", key)
	assert.False(t, empty)

	key, _ = models.KeyFromUnfolded(attrs, unfolded[11])
	assert.Equal(t, "rack-a, rack-b", key)
	assert.Nil(t, unfolded[11]["1"])

	key, empty = models.KeyFromUnfolded(attrs, unfolded[12])
	assert.Equal(t, models.NullKey, key)
	assert.True(t, empty)
}

func TestKeyResolver_UnfoldPartialOmitsAbsentAttributes(t *testing.T) {
	ctx := context.Background()
	r := NewKeyResolver(newLinkInventory())
	plan, err := r.Plan(ctx, 3, []string{models.AttrName, "1"})
	require.NoError(t, err)

	mo := &models.MO{ID: 10, TMOID: 3, Params: map[string]any{"1": "acme"}, Fields: map[string]bool{"id": true, "tmo_id": true}}
	unfolded, err := r.Unfold(ctx, plan, []*models.MO{mo}, false)
	require.NoError(t, err)

	_, hasName := unfolded[10][models.AttrName]
	assert.False(t, hasName)
	assert.Equal(t, "acme", *unfolded[10]["1"])
}
