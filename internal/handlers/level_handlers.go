package handlers

import (
	"net/http"

	"mohierarchy/internal/models"
	"mohierarchy/internal/services"
	apperr "mohierarchy/pkg/errors"

	"github.com/labstack/echo/v4"
)

// LevelHandlers serves the level catalog of one hierarchy.
type LevelHandlers struct {
	levels      services.LevelService
	hierarchies services.HierarchyService
}

func NewLevelHandlers(levels services.LevelService, hierarchies services.HierarchyService) *LevelHandlers {
	return &LevelHandlers{levels: levels, hierarchies: hierarchies}
}

// LevelRequest is the writable part of a level.
type LevelRequest struct {
	ParentID            *int64   `json:"parent_id"`
	Level               int      `json:"level"`
	Name                string   `json:"name"`
	ObjectTypeID        int64    `json:"object_type_id"`
	IsVirtual           bool     `json:"is_virtual"`
	ParamTypeID         *int64   `json:"param_type_id"`
	AdditionalParamsID  *int64   `json:"additional_params_id"`
	LatitudeID          *int64   `json:"latitude_id"`
	LongitudeID         *int64   `json:"longitude_id"`
	AttrAsParent        *int64   `json:"attr_as_parent"`
	ShowWithoutChildren *bool    `json:"show_without_children"`
	KeyAttrs            []string `json:"key_attrs"`
	Author              string   `json:"author"`
}

func (r *LevelRequest) toModel(hierarchyID int64) *models.Level {
	show := true
	if r.ShowWithoutChildren != nil {
		show = *r.ShowWithoutChildren
	}
	return &models.Level{
		HierarchyID:         hierarchyID,
		ParentID:            r.ParentID,
		Level:               r.Level,
		Name:                r.Name,
		ObjectTypeID:        r.ObjectTypeID,
		IsVirtual:           r.IsVirtual,
		ParamTypeID:         r.ParamTypeID,
		AdditionalParamsID:  r.AdditionalParamsID,
		LatitudeID:          r.LatitudeID,
		LongitudeID:         r.LongitudeID,
		AttrAsParent:        r.AttrAsParent,
		ShowWithoutChildren: show,
		KeyAttrs:            r.KeyAttrs,
		Author:              r.Author,
	}
}

func (h *LevelHandlers) CreateLevel(c echo.Context) error {
	hierarchyID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req LevelRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Wrap(err, apperr.CodeInvalid, "invalid request body")
	}
	level := req.toModel(hierarchyID)
	if err := h.levels.Create(c.Request().Context(), level); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, level)
}

func (h *LevelHandlers) ListLevels(c echo.Context) error {
	hierarchyID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := h.hierarchies.GetByID(ctx, hierarchyID); err != nil {
		return err
	}
	levels, err := h.levels.ListByHierarchy(ctx, hierarchyID)
	if err != nil {
		return err
	}
	if levels == nil {
		levels = []*models.Level{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"levels": levels,
		"total":  len(levels),
	})
}

func (h *LevelHandlers) UpdateLevel(c echo.Context) error {
	hierarchyID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	levelID, err := pathID(c, "level_id")
	if err != nil {
		return err
	}
	var req LevelRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Wrap(err, apperr.CodeInvalid, "invalid request body")
	}
	level := req.toModel(hierarchyID)
	level.ID = levelID
	if err := h.levels.Update(c.Request().Context(), level); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, level)
}

func (h *LevelHandlers) DeleteLevel(c echo.Context) error {
	hierarchyID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	levelID, err := pathID(c, "level_id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	level, err := h.levels.GetByID(ctx, levelID)
	if err != nil {
		return err
	}
	if level.HierarchyID != hierarchyID {
		return apperr.Newf(apperr.CodeNotFound, "level %d not found in hierarchy %d", levelID, hierarchyID)
	}
	if err := h.levels.Delete(ctx, levelID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
