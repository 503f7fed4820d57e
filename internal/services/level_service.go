package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mohierarchy/internal/inventory"
	"mohierarchy/internal/models"
	"mohierarchy/internal/notifier"
	"mohierarchy/internal/repositories"
	apperr "mohierarchy/pkg/errors"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// LevelService is the level catalog. Writes are validated against the hierarchy and the inventory
// and leave a rebuild order behind, since existing nodes no longer match the new definition.
type LevelService interface {
	Create(ctx context.Context, level *models.Level) error
	Update(ctx context.Context, level *models.Level) error
	Delete(ctx context.Context, id int64) error
	GetByID(ctx context.Context, id int64) (*models.Level, error)
	ListByHierarchy(ctx context.Context, hierarchyID int64) ([]*models.Level, error)
	ClassifyAttrs(ctx context.Context, attrs []string) (*AttrClasses, error)
}

type levelService struct {
	store    repositories.Store
	inv      inventory.Client
	keys     *KeyResolver
	notifier notifier.Notifier
	validate *validator.Validate
	log      *zap.Logger
}

func NewLevelService(store repositories.Store, inv inventory.Client, keys *KeyResolver, n notifier.Notifier, log *zap.Logger) LevelService {
	return &levelService{
		store:    store,
		inv:      inv,
		keys:     keys,
		notifier: n,
		validate: validator.New(),
		log:      log.Named("levels"),
	}
}

func (s *levelService) Create(ctx context.Context, level *models.Level) error {
	if err := s.check(ctx, s.store.Repos(), level); err != nil {
		return err
	}
	err := s.store.InTx(ctx, func(r repositories.Repos) error {
		if err := r.Levels.Create(ctx, level); err != nil {
			return err
		}
		return r.RebuildOrders.Enqueue(ctx, level.HierarchyID)
	})
	if err != nil {
		return err
	}
	s.log.Info("level created", zap.Int64("hierarchy_id", level.HierarchyID), zap.Int64("level_id", level.ID))
	s.changed(ctx, level.HierarchyID, "level created")
	return nil
}

func (s *levelService) Update(ctx context.Context, level *models.Level) error {
	repos := s.store.Repos()
	current, err := repos.Levels.GetByID(ctx, level.ID)
	if err != nil {
		return lookupError(err, "level", level.ID)
	}
	if current.HierarchyID != level.HierarchyID {
		return invalid("level %d belongs to hierarchy %d", level.ID, current.HierarchyID)
	}
	if err := s.check(ctx, repos, level); err != nil {
		return err
	}
	err = s.store.InTx(ctx, func(r repositories.Repos) error {
		if err := r.Levels.Update(ctx, level); err != nil {
			return err
		}
		return r.RebuildOrders.Enqueue(ctx, level.HierarchyID)
	})
	if err != nil {
		return err
	}
	s.changed(ctx, level.HierarchyID, "level updated")
	return nil
}

// Delete removes the level and its nodes. Child levels become roots.
func (s *levelService) Delete(ctx context.Context, id int64) error {
	var hierarchyID int64
	err := s.store.InTx(ctx, func(r repositories.Repos) error {
		level, err := r.Levels.GetByID(ctx, id)
		if err != nil {
			return lookupError(err, "level", id)
		}
		hierarchyID = level.HierarchyID
		if err := r.Levels.Delete(ctx, []int64{id}); err != nil {
			return err
		}
		if level.ParentID != nil {
			return r.Objs.RecomputeChildCountsByLevels(ctx, []int64{*level.ParentID})
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.changed(ctx, hierarchyID, "level deleted")
	return nil
}

func (s *levelService) GetByID(ctx context.Context, id int64) (*models.Level, error) {
	level, err := s.store.Repos().Levels.GetByID(ctx, id)
	if err != nil {
		return nil, lookupError(err, "level", id)
	}
	return level, nil
}

func (s *levelService) ListByHierarchy(ctx context.Context, hierarchyID int64) ([]*models.Level, error) {
	levels, err := s.store.Repos().Levels.ListByHierarchy(ctx, hierarchyID)
	if err != nil {
		return nil, err
	}
	models.LevelsByDepth(levels)
	return levels, nil
}

func (s *levelService) ClassifyAttrs(ctx context.Context, attrs []string) (*AttrClasses, error) {
	return s.keys.Classify(ctx, attrs)
}

func (s *levelService) check(ctx context.Context, r repositories.Repos, level *models.Level) error {
	if err := s.validate.Struct(level); err != nil {
		return apperr.Wrap(err, apperr.CodeInvalid, "invalid level")
	}
	if _, err := r.Hierarchies.GetByID(ctx, level.HierarchyID); err != nil {
		return lookupError(err, "hierarchy", level.HierarchyID)
	}

	sameName, err := r.Levels.GetByName(ctx, level.HierarchyID, level.Name)
	switch {
	case err == nil && sameName.ID != level.ID:
		return apperr.Newf(apperr.CodeConflict, "level %q already exists in hierarchy %d", level.Name, level.HierarchyID)
	case err != nil && !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	if level.ParentID != nil {
		if level.ID != 0 && *level.ParentID == level.ID {
			return invalid("level %d cannot be its own parent", level.ID)
		}
		parent, err := r.Levels.GetByID(ctx, *level.ParentID)
		if err != nil {
			return lookupError(err, "parent level", *level.ParentID)
		}
		if parent.HierarchyID != level.HierarchyID {
			return invalid("parent level %d belongs to hierarchy %d", parent.ID, parent.HierarchyID)
		}
		if parent.Level != level.Level-1 {
			return invalid("level depth %d does not follow parent depth %d", level.Level, parent.Level)
		}
	} else if level.Level != 0 {
		return invalid("a level without parent must have depth 0")
	}

	if level.AttrAsParent != nil && !level.IsVirtual {
		return invalid("attr_as_parent requires a virtual level")
	}

	probe := level.HelperTPRMs()
	for _, attr := range level.KeyAttrs {
		if id, ok := models.TPRMAttr(attr); ok {
			probe = append(probe, id)
			continue
		}
		if !models.IsReservedAttr(attr) {
			return invalid("unknown key attribute %q", attr)
		}
	}
	if len(probe) == 0 {
		return nil
	}
	tprms, err := s.inv.GetTPRMs(ctx, uniqueInt64s(probe))
	if err != nil {
		return err
	}
	known := make(map[int64]*models.TPRM, len(tprms))
	for _, t := range tprms {
		known[t.ID] = t
	}
	for _, id := range probe {
		t, ok := known[id]
		if !ok {
			return apperr.Newf(apperr.CodeInvalid, "parameter type %d does not exist", id).WithMeta("tprm_id", id)
		}
		if t.TMOID != 0 && t.TMOID != level.ObjectTypeID {
			return invalid("parameter type %d belongs to object type %d", id, t.TMOID)
		}
	}
	return nil
}

func (s *levelService) changed(ctx context.Context, hierarchyID int64, detail string) {
	s.notifier.Notify(ctx, notifier.Event{
		HierarchyID: hierarchyID,
		Kind:        notifier.EventLevelsChanged,
		Detail:      fmt.Sprintf("%s, rebuild owed", detail),
		At:          time.Now().UTC(),
	})
}
