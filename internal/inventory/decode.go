package inventory

import (
	"fmt"
	"math"

	"mohierarchy/internal/models"
	apperr "mohierarchy/pkg/errors"
)

// DecodeMO converts a generic record (structpb.Struct.AsMap or a JSON object) into an MO.
// id and tmo_id are required; active defaults to true when absent.
func DecodeMO(m map[string]any) (*models.MO, error) {
	id, err := requiredInt(m, "id")
	if err != nil {
		return nil, err
	}
	tmoID, err := requiredInt(m, "tmo_id")
	if err != nil {
		return nil, err
	}
	mo := &models.MO{ID: id, TMOID: tmoID, Active: true, Fields: make(map[string]bool, len(m))}
	for k := range m {
		mo.Fields[k] = true
	}
	if mo.PID, err = optionalInt(m, "p_id"); err != nil {
		return nil, err
	}
	if v, ok := m["name"].(string); ok {
		mo.Name = v
	}
	if v, ok := m["active"].(bool); ok {
		mo.Active = v
	}
	if v, ok := m["status"].(string); ok {
		mo.Status = &v
	}
	if v, ok := m["latitude"].(float64); ok {
		mo.Latitude = &v
	}
	if v, ok := m["longitude"].(float64); ok {
		mo.Longitude = &v
	}
	switch params := m["params"].(type) {
	case map[string]any:
		mo.Params = params
	case nil:
		mo.Params = map[string]any{}
	default:
		return nil, contractError("mo", "params", params)
	}
	return mo, nil
}

func DecodePRM(m map[string]any) (*models.PRM, error) {
	id, err := requiredInt(m, "id")
	if err != nil {
		return nil, err
	}
	moID, err := requiredInt(m, "mo_id")
	if err != nil {
		return nil, err
	}
	tprmID, err := requiredInt(m, "tprm_id")
	if err != nil {
		return nil, err
	}
	return &models.PRM{ID: id, MOID: moID, TPRMID: tprmID, Value: m["value"]}, nil
}

func DecodeTPRM(m map[string]any) (*models.TPRM, error) {
	id, err := requiredInt(m, "id")
	if err != nil {
		return nil, err
	}
	t := &models.TPRM{ID: id}
	if tmo, err := optionalInt(m, "tmo_id"); err != nil {
		return nil, err
	} else if tmo != nil {
		t.TMOID = *tmo
	}
	t.Name, _ = m["name"].(string)
	t.ValType, _ = m["val_type"].(string)
	return t, nil
}

func DecodeTMO(m map[string]any) (*models.TMO, error) {
	id, err := requiredInt(m, "id")
	if err != nil {
		return nil, err
	}
	t := &models.TMO{ID: id}
	t.Name, _ = m["name"].(string)
	return t, nil
}

func requiredInt(m map[string]any, key string) (int64, error) {
	v, err := optionalInt(m, key)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, apperr.Newf(apperr.CodeContract, "missing required field %q", key)
	}
	return *v, nil
}

func optionalInt(m map[string]any, key string) (*int64, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	var n int64
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) {
			return nil, contractError("record", key, raw)
		}
		n = int64(v)
	case int64:
		n = v
	case int:
		n = int64(v)
	default:
		return nil, contractError("record", key, raw)
	}
	return &n, nil
}

func contractError(kind, field string, value any) error {
	return apperr.New(apperr.CodeContract, fmt.Sprintf("%s field %q has unexpected value %v", kind, field, value))
}

func int64sToValues(ids []int64) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, id)
	}
	return out
}

func valuesToInt64s(raw any) []int64 {
	list, _ := raw.([]any)
	out := make([]int64, 0, len(list))
	for _, v := range list {
		if f, ok := v.(float64); ok {
			out = append(out, int64(f))
		}
	}
	return out
}
