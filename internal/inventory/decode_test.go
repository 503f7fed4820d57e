package inventory

import (
	"testing"

	apperr "mohierarchy/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMO(t *testing.T) {
	mo, err := DecodeMO(map[string]any{
		"id": float64(7), "tmo_id": float64(3), "p_id": float64(2), "name": "rack",
		"status": "planned", "latitude": 1.5, "params": map[string]any{"10": "A"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), mo.ID)
	assert.Equal(t, int64(2), *mo.PID)
	assert.True(t, mo.Active)
	assert.Equal(t, "planned", *mo.Status)
	assert.Equal(t, "A", mo.Params["10"])
}

func TestDecodeMOContractViolations(t *testing.T) {
	cases := map[string]map[string]any{
		"missing id":     {"tmo_id": float64(3)},
		"missing tmo":    {"id": float64(3)},
		"fractional id":  {"id": 1.5, "tmo_id": float64(3)},
		"string p_id":    {"id": float64(1), "tmo_id": float64(3), "p_id": "two"},
		"params not map": {"id": float64(1), "tmo_id": float64(3), "params": "x"},
	}
	for name, rec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMO(rec)
			assert.True(t, apperr.IsCode(err, apperr.CodeContract), err)
		})
	}
}

func TestDecodePRM(t *testing.T) {
	prm, err := DecodePRM(map[string]any{"id": float64(1), "mo_id": float64(2), "tprm_id": float64(10), "value": "X"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), prm.TPRMID)
	assert.Equal(t, "X", prm.Value)

	_, err = DecodePRM(map[string]any{"id": float64(1), "mo_id": float64(2)})
	assert.Error(t, err)
}
