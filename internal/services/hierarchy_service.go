package services

import (
	"context"
	"errors"
	"time"

	"mohierarchy/internal/models"
	"mohierarchy/internal/notifier"
	"mohierarchy/internal/repositories"
	apperr "mohierarchy/pkg/errors"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type HierarchyService interface {
	Create(ctx context.Context, h *models.Hierarchy) error
	GetByID(ctx context.Context, id int64) (*models.Hierarchy, error)
	List(ctx context.Context) ([]*models.Hierarchy, error)
	Delete(ctx context.Context, id int64) error
}

type hierarchyService struct {
	store    repositories.Store
	notifier notifier.Notifier
	validate *validator.Validate
	log      *zap.Logger
}

func NewHierarchyService(store repositories.Store, n notifier.Notifier, log *zap.Logger) HierarchyService {
	return &hierarchyService{
		store:    store,
		notifier: n,
		validate: validator.New(),
		log:      log.Named("hierarchies"),
	}
}

func (s *hierarchyService) Create(ctx context.Context, h *models.Hierarchy) error {
	if err := s.validate.Struct(h); err != nil {
		return apperr.Wrap(err, apperr.CodeInvalid, "invalid hierarchy")
	}
	repo := s.store.Repos().Hierarchies
	existing, err := repo.GetByName(ctx, h.Name)
	switch {
	case err == nil && existing != nil:
		return apperr.Newf(apperr.CodeConflict, "hierarchy %q already exists", h.Name)
	case err != nil && !errors.Is(err, pgx.ErrNoRows):
		return err
	}
	h.Status = models.HierarchyStatusNew
	if err := repo.Create(ctx, h); err != nil {
		return err
	}
	s.log.Info("hierarchy created", zap.Int64("hierarchy_id", h.ID), zap.String("name", h.Name))
	return nil
}

func (s *hierarchyService) GetByID(ctx context.Context, id int64) (*models.Hierarchy, error) {
	h, err := s.store.Repos().Hierarchies.GetByID(ctx, id)
	if err != nil {
		return nil, lookupError(err, "hierarchy", id)
	}
	return h, nil
}

func (s *hierarchyService) List(ctx context.Context) ([]*models.Hierarchy, error) {
	return s.store.Repos().Hierarchies.List(ctx)
}

// Delete drops the hierarchy with its levels, nodes and any owed rebuild.
func (s *hierarchyService) Delete(ctx context.Context, id int64) error {
	err := s.store.InTx(ctx, func(r repositories.Repos) error {
		if _, err := r.Hierarchies.GetByID(ctx, id); err != nil {
			return lookupError(err, "hierarchy", id)
		}
		if err := r.RebuildOrders.Delete(ctx, id); err != nil {
			return err
		}
		return r.Hierarchies.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.notifier.Notify(ctx, notifier.Event{HierarchyID: id, Kind: notifier.EventLevelsChanged, Detail: "hierarchy deleted", At: time.Now().UTC()})
	return nil
}
