package handlers

import (
	"net/http"

	"mohierarchy/internal/models"
	"mohierarchy/internal/services"
	apperr "mohierarchy/pkg/errors"

	"github.com/labstack/echo/v4"
)

// HierarchyHandlers serves hierarchy administration and the rebuild trigger.
type HierarchyHandlers struct {
	hierarchies services.HierarchyService
	admission   services.AdmissionService
}

func NewHierarchyHandlers(hierarchies services.HierarchyService, admission services.AdmissionService) *HierarchyHandlers {
	return &HierarchyHandlers{hierarchies: hierarchies, admission: admission}
}

type CreateHierarchyRequest struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	Author           string `json:"author"`
	CreateEmptyNodes bool   `json:"create_empty_nodes"`
}

func (h *HierarchyHandlers) CreateHierarchy(c echo.Context) error {
	var req CreateHierarchyRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Wrap(err, apperr.CodeInvalid, "invalid request body")
	}
	hierarchy := &models.Hierarchy{
		Name:             req.Name,
		Description:      req.Description,
		Author:           req.Author,
		CreateEmptyNodes: req.CreateEmptyNodes,
	}
	if err := h.hierarchies.Create(c.Request().Context(), hierarchy); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, hierarchy)
}

func (h *HierarchyHandlers) ListHierarchies(c echo.Context) error {
	hierarchies, err := h.hierarchies.List(c.Request().Context())
	if err != nil {
		return err
	}
	if hierarchies == nil {
		hierarchies = []*models.Hierarchy{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"hierarchies": hierarchies,
		"total":       len(hierarchies),
	})
}

func (h *HierarchyHandlers) GetHierarchy(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	hierarchy, err := h.hierarchies.GetByID(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, hierarchy)
}

func (h *HierarchyHandlers) DeleteHierarchy(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := h.hierarchies.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// RebuildHierarchy records a rebuild order; the drain job picks it up.
func (h *HierarchyHandlers) RebuildHierarchy(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := h.hierarchies.GetByID(ctx, id); err != nil {
		return err
	}
	if err := h.admission.EnqueueRebuild(ctx, id); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"hierarchy_id": id,
		"status":       "rebuild_enqueued",
	})
}
