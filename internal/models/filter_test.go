package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterRoundTrip(t *testing.T) {
	f := &Filter{Conditions: []FilterCondition{
		{TPRMID: 10, Op: FilterEq, Value: "X"},
		{TPRMID: 11, Op: FilterContains, Value: "a&b=c"},
	}}

	wire := f.String()
	assert.Equal(t, "tprm_id10|eq=X&tprm_id11|contains=a%26b%3Dc", wire)

	parsed, err := ParseFilter(wire)
	require.NoError(t, err)
	assert.Equal(t, f, parsed)
	assert.Equal(t, []int64{10, 11}, parsed.TPRMIDs())
}

func TestParseFilterEmpty(t *testing.T) {
	f, err := ParseFilter("  ")
	require.NoError(t, err)
	assert.True(t, f.Empty())

	var nilFilter *Filter
	assert.True(t, nilFilter.Empty())
	assert.Equal(t, "", nilFilter.String())
}

func TestParseFilterErrors(t *testing.T) {
	cases := map[string]string{
		"missing value":    "tprm_id10|eq",
		"missing operator": "tprm_id10=X",
		"bad prefix":       "param10|eq=X",
		"bad id":           "tprm_idx|eq=X",
		"unknown operator": "tprm_id10|like=X",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFilter(in)
			assert.Error(t, err)
		})
	}
}
