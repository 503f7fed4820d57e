package services

import (
	"context"
	"slices"
	"strings"

	"mohierarchy/internal/inventory"
	"mohierarchy/internal/models"
)

// AttrClasses groups key attributes by how their values are resolved.
type AttrClasses struct {
	MOLink  []string
	PRMLink []string
	Scalar  []string
	// Missing holds numeric attributes the inventory does not know.
	Missing []string
}

// KeyPlan is the resolved classification of one level's key attributes.
type KeyPlan struct {
	Attrs    []string
	moLinks  map[string]bool
	prmLinks map[string]bool
}

// KeyResolver computes node keys from MO attributes, dereferencing MO and PRM links.
type KeyResolver struct {
	inv inventory.Client
}

func NewKeyResolver(inv inventory.Client) *KeyResolver {
	return &KeyResolver{inv: inv}
}

func (r *KeyResolver) Classify(ctx context.Context, attrs []string) (*AttrClasses, error) {
	var ids []int64
	for _, attr := range attrs {
		if id, ok := models.TPRMAttr(attr); ok {
			ids = append(ids, id)
		}
	}
	byID := map[int64]*models.TPRM{}
	if len(ids) > 0 {
		tprms, err := r.inv.GetTPRMs(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, t := range tprms {
			byID[t.ID] = t
		}
	}

	classes := &AttrClasses{}
	for _, attr := range attrs {
		id, numeric := models.TPRMAttr(attr)
		switch {
		case !numeric:
			classes.Scalar = append(classes.Scalar, attr)
		case byID[id] == nil:
			classes.Missing = append(classes.Missing, attr)
		case byID[id].IsMOLink():
			classes.MOLink = append(classes.MOLink, attr)
		case byID[id].IsPRMLink():
			classes.PRMLink = append(classes.PRMLink, attr)
		default:
			classes.Scalar = append(classes.Scalar, attr)
		}
	}
	return classes, nil
}

// Plan classifies the key attributes of a level over tmoID. The MO links of the type come from one
// lookup; only the remaining numeric attributes go through Classify.
func (r *KeyResolver) Plan(ctx context.Context, tmoID int64, attrs []string) (*KeyPlan, error) {
	linkIDs, err := r.inv.GetMOLinkTPRMs(ctx, tmoID)
	if err != nil {
		return nil, err
	}
	plan := &KeyPlan{Attrs: attrs, moLinks: map[string]bool{}, prmLinks: map[string]bool{}}
	var rest []string
	for _, a := range attrs {
		if id, ok := models.TPRMAttr(a); ok && slices.Contains(linkIDs, id) {
			plan.moLinks[a] = true
			continue
		}
		rest = append(rest, a)
	}
	classes, err := r.Classify(ctx, rest)
	if err != nil {
		return nil, err
	}
	for _, a := range classes.MOLink {
		plan.moLinks[a] = true
	}
	for _, a := range classes.PRMLink {
		plan.prmLinks[a] = true
	}
	return plan, nil
}

// Unfold resolves the plan's attributes for each MO. Attributes an MO does not carry are omitted,
// or set to nil when complete is true. Empty values are stored as nil.
func (r *KeyResolver) Unfold(ctx context.Context, plan *KeyPlan, mos []*models.MO, complete bool) (map[int64]map[string]*string, error) {
	out := make(map[int64]map[string]*string, len(mos))
	var moLinkIDs, prmLinkIDs []int64

	type link struct {
		moID int64
		attr string
		ids  []int64
		mo   bool
	}
	var links []link

	for _, mo := range mos {
		values := make(map[string]*string, len(plan.Attrs))
		out[mo.ID] = values
		for _, attr := range plan.Attrs {
			if plan.moLinks[attr] || plan.prmLinks[attr] {
				raw, ok := mo.Params[attr]
				if !ok {
					if complete {
						values[attr] = nil
					}
					continue
				}
				ids := models.ParamIDs(raw)
				values[attr] = nil
				if len(ids) == 0 {
					continue
				}
				isMO := plan.moLinks[attr]
				links = append(links, link{moID: mo.ID, attr: attr, ids: ids, mo: isMO})
				if isMO {
					moLinkIDs = append(moLinkIDs, ids...)
				} else {
					prmLinkIDs = append(prmLinkIDs, ids...)
				}
				continue
			}
			v, ok := mo.Attr(attr)
			if !ok {
				if complete {
					values[attr] = nil
				}
				continue
			}
			values[attr] = nonEmpty(v)
		}
	}

	if len(links) == 0 {
		return out, nil
	}

	names := map[int64]string{}
	if len(moLinkIDs) > 0 {
		targets, err := r.inv.BatchGetMOs(ctx, uniqueInt64s(moLinkIDs))
		if err != nil {
			return nil, err
		}
		for _, t := range targets {
			names[t.ID] = t.Name
		}
	}
	prmValues := map[int64]string{}
	if len(prmLinkIDs) > 0 {
		prms, err := r.inv.BatchGetPRMs(ctx, uniqueInt64s(prmLinkIDs))
		if err != nil {
			return nil, err
		}
		for _, p := range prms {
			prmValues[p.ID] = models.ParamString(p.Value)
		}
	}

	for _, l := range links {
		parts := make([]string, 0, len(l.ids))
		for _, id := range l.ids {
			var v string
			if l.mo {
				v = names[id]
			} else {
				v = prmValues[id]
			}
			if v != "" {
				parts = append(parts, v)
			}
		}
		out[l.moID][l.attr] = nonEmpty(strings.Join(parts, ", "))
	}
	return out, nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func uniqueInt64s(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
