package handlers

import (
	"net/http"

	"mohierarchy/internal/models"
	"mohierarchy/internal/services"
	apperr "mohierarchy/pkg/errors"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// ChildrenHandlers serves the filtered first-depth children query.
type ChildrenHandlers struct {
	filter services.FilterService
}

func NewChildrenHandlers(filter services.FilterService) *ChildrenHandlers {
	return &ChildrenHandlers{filter: filter}
}

// ListChildren reads parent_id, tmo_id, filter, with_mo_ids and with_severity from the query string.
// filter uses the "tprm_id<N>|<op>=<value>" form joined with '&', so it must arrive URL-encoded.
func (h *ChildrenHandlers) ListChildren(c echo.Context) error {
	hierarchyID, err := pathID(c, "id")
	if err != nil {
		return err
	}

	var (
		parent       string
		tmoID        int64
		rawFilter    string
		withMOIDs    bool
		withSeverity bool
	)
	if err := echo.QueryParamsBinder(c).
		String("parent_id", &parent).
		Int64("tmo_id", &tmoID).
		String("filter", &rawFilter).
		Bool("with_mo_ids", &withMOIDs).
		Bool("with_severity", &withSeverity).
		BindError(); err != nil {
		return apperr.Wrap(err, apperr.CodeInvalid, "invalid query parameters")
	}

	q := services.ChildrenQuery{
		HierarchyID:  hierarchyID,
		CollectMOIDs: withMOIDs,
		WithSeverity: withSeverity,
	}
	if parent != "" {
		id, err := uuid.Parse(parent)
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInvalid, "invalid parent_id")
		}
		q.ParentID = &id
	}
	if c.QueryParam("tmo_id") != "" {
		q.TMOID = &tmoID
	}
	if q.Filter, err = models.ParseFilter(rawFilter); err != nil {
		return apperr.Wrap(err, apperr.CodeInvalid, "invalid filter")
	}

	res, err := h.filter.ChildrenWithFilter(c.Request().Context(), q)
	if err != nil {
		return err
	}
	if res.Nodes == nil {
		res.Nodes = []*models.Obj{}
	}
	return c.JSON(http.StatusOK, res)
}
