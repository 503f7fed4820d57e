package services

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"mohierarchy/internal/models"
	"mohierarchy/internal/notifier"
	"mohierarchy/internal/repositories"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRebuildThreshold = 100
	DefaultProbeInterval    = 30 * time.Second
)

// Change is one element of an inbound batch. Key is the tmo id for MO changes and the tprm id
// for PRM changes.
type Change struct {
	Key     int64
	Payload any
}

type Batch struct {
	Class   models.EventClass
	Event   models.EventType
	Changes []Change
}

// Admission is the verdict on a batch. Ready changes go to the incremental handlers, which must
// leave the Deferred hierarchies untouched.
type Admission struct {
	Ready    []Change
	Deferred models.HierarchySet
}

type AdmissionService interface {
	Admit(ctx context.Context, batch Batch) (*Admission, error)
	EnqueueRebuild(ctx context.Context, hierarchyID int64) error
	RunRebuild(ctx context.Context, hierarchyID int64) error
	RunOwedRebuilds(ctx context.Context) error
}

type admissionService struct {
	store     repositories.Store
	builder   BuilderService
	notifier  notifier.Notifier
	counters  *Counters
	threshold int
	probe     time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	mu        sync.Mutex
	log       *zap.Logger
}

type AdmissionOption func(*admissionService)

func WithThreshold(n int) AdmissionOption {
	return func(s *admissionService) {
		if n > 0 {
			s.threshold = n
		}
	}
}

func WithProbeInterval(d time.Duration) AdmissionOption {
	return func(s *admissionService) {
		if d > 0 {
			s.probe = d
		}
	}
}

// WithSleep replaces the wait between stuck-rebuild probes.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) AdmissionOption {
	return func(s *admissionService) { s.sleep = fn }
}

func NewAdmissionService(store repositories.Store, builder BuilderService, n notifier.Notifier, counters *Counters, log *zap.Logger, opts ...AdmissionOption) AdmissionService {
	s := &admissionService{
		store:     store,
		builder:   builder,
		notifier:  n,
		counters:  counters,
		threshold: DefaultRebuildThreshold,
		probe:     DefaultProbeInterval,
		sleep:     sleepContext,
		log:       log.Named("admission"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// impact is the per-hierarchy share of a batch.
type impact struct {
	count int
	keys  map[int64]struct{}
}

func (s *admissionService) Admit(ctx context.Context, batch Batch) (*Admission, error) {
	if batch.Class != models.EventClassMO && batch.Class != models.EventClassPRM {
		return &Admission{Ready: batch.Changes, Deferred: models.NewHierarchySet()}, nil
	}
	impacts, err := s.impacts(ctx, batch)
	if err != nil {
		return nil, err
	}

	for {
		orders, err := s.store.Repos().RebuildOrders.List(ctx)
		if err != nil {
			return nil, err
		}

		if len(orders) == 0 {
			big := s.bigHierarchies(impacts)
			for _, hid := range sortedHierarchies(big) {
				if err := s.EnqueueRebuild(ctx, hid); err != nil {
					return nil, err
				}
				s.counters.ChangesDeferred.Add(int64(impacts[hid].count))
			}
			return s.split(batch, impacts, big), nil
		}

		var intersecting, running []*models.HierarchyRebuildOrder
		for _, o := range orders {
			if _, hit := impacts[o.HierarchyID]; !hit {
				continue
			}
			intersecting = append(intersecting, o)
			if o.OnRebuild {
				running = append(running, o)
			}
		}

		if len(intersecting) == 0 {
			if err := s.RunOwedRebuilds(ctx); err != nil {
				s.log.Warn("owed rebuilds failed", zap.Error(err))
			}
			return s.split(batch, impacts, models.NewHierarchySet()), nil
		}

		if len(running) == 0 {
			deferred := models.NewHierarchySet()
			for _, o := range intersecting {
				deferred.Add(o.HierarchyID)
				s.counters.ChangesDeferred.Add(int64(impacts[o.HierarchyID].count))
			}
			return s.split(batch, impacts, deferred), nil
		}

		if err := s.probeStuck(ctx, running); err != nil {
			return nil, err
		}
	}
}

// impacts counts the changes of batch per hierarchy.
func (s *admissionService) impacts(ctx context.Context, batch Batch) (map[int64]*impact, error) {
	keys := make([]int64, 0, len(batch.Changes))
	for _, c := range batch.Changes {
		if !slices.Contains(keys, c.Key) {
			keys = append(keys, c.Key)
		}
	}
	repo := s.store.Repos().Levels
	var levels []*models.Level
	var err error
	if batch.Class == models.EventClassMO {
		levels, err = repo.ListByObjectTypes(ctx, keys)
	} else {
		levels, err = repo.ListReferencingTPRMs(ctx, keys)
	}
	if err != nil {
		return nil, err
	}

	keysOf := map[int64]map[int64]struct{}{}
	for _, l := range levels {
		set, ok := keysOf[l.HierarchyID]
		if !ok {
			set = map[int64]struct{}{}
			keysOf[l.HierarchyID] = set
		}
		if batch.Class == models.EventClassMO {
			set[l.ObjectTypeID] = struct{}{}
			continue
		}
		for _, k := range keys {
			if levelReferences(l, k) {
				set[k] = struct{}{}
			}
		}
	}

	out := map[int64]*impact{}
	for hid, set := range keysOf {
		im := &impact{keys: map[int64]struct{}{}}
		for _, c := range batch.Changes {
			if _, ok := set[c.Key]; ok {
				im.count++
				im.keys[c.Key] = struct{}{}
			}
		}
		if im.count > 0 {
			out[hid] = im
		}
	}
	return out, nil
}

func levelReferences(l *models.Level, tprmID int64) bool {
	for _, id := range l.RequestedTPRMs() {
		if id == tprmID {
			return true
		}
	}
	return false
}

// bigHierarchies picks hierarchies at or above the threshold, then pulls in every hierarchy
// sharing a touched key with one of them until nothing changes.
func (s *admissionService) bigHierarchies(impacts map[int64]*impact) models.HierarchySet {
	big := models.NewHierarchySet()
	bigKeys := map[int64]struct{}{}
	for hid, im := range impacts {
		if im.count >= s.threshold {
			big.Add(hid)
			for k := range im.keys {
				bigKeys[k] = struct{}{}
			}
		}
	}
	for grew := len(big) > 0; grew; {
		grew = false
		for hid, im := range impacts {
			if big.Has(hid) {
				continue
			}
			for k := range im.keys {
				if _, ok := bigKeys[k]; ok {
					big.Add(hid)
					grew = true
					break
				}
			}
			if big.Has(hid) {
				for k := range im.keys {
					bigKeys[k] = struct{}{}
				}
			}
		}
	}
	return big
}

// split drops the changes that only concern deferred hierarchies.
func (s *admissionService) split(batch Batch, impacts map[int64]*impact, deferred models.HierarchySet) *Admission {
	adm := &Admission{Deferred: deferred}
	if len(deferred) == 0 {
		adm.Ready = batch.Changes
		return adm
	}
	for _, c := range batch.Changes {
		live := false
		touched := false
		for hid, im := range impacts {
			if _, ok := im.keys[c.Key]; !ok {
				continue
			}
			touched = true
			if !deferred.Has(hid) {
				live = true
				break
			}
		}
		if live || !touched {
			adm.Ready = append(adm.Ready, c)
		}
	}
	s.counters.BatchesDeferred.Add(1)
	s.log.Info("batch partially deferred to rebuild",
		zap.String("class", string(batch.Class)),
		zap.Int("changes", len(batch.Changes)),
		zap.Int("ready", len(adm.Ready)),
		zap.Int64s("deferred", sortedHierarchies(deferred)))
	return adm
}

// probeStuck waits one probe interval and restarts every running rebuild that made no visible
// progress meanwhile.
func (s *admissionService) probeStuck(ctx context.Context, running []*models.HierarchyRebuildOrder) error {
	ids := make([]int64, 0, len(running))
	for _, o := range running {
		ids = append(ids, o.HierarchyID)
	}
	repos := s.store.Repos()
	before, err := repos.Objs.CountByHierarchies(ctx, ids)
	if err != nil {
		return err
	}
	if err := s.sleep(ctx, s.probe); err != nil {
		return err
	}

	var after map[int64]int64
	var orders []*models.HierarchyRebuildOrder
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		after, err = repos.Objs.CountByHierarchies(gctx, ids)
		return err
	})
	g.Go(func() error {
		var err error
		orders, err = repos.RebuildOrders.List(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	stillRunning := models.NewHierarchySet()
	for _, o := range orders {
		if o.OnRebuild {
			stillRunning.Add(o.HierarchyID)
		}
	}
	for _, hid := range ids {
		if !stillRunning.Has(hid) || after[hid] != before[hid] {
			continue
		}
		s.counters.StuckRebuilds.Add(1)
		s.log.Warn("rebuild made no progress, restarting", zap.Int64("hierarchy_id", hid), zap.Int64("nodes", after[hid]))
		if err := repos.RebuildOrders.Release(ctx, hid); err != nil {
			return err
		}
		if err := s.RunRebuild(ctx, hid); err != nil {
			s.log.Error("restarted rebuild failed", zap.Int64("hierarchy_id", hid), zap.Error(err))
		}
	}
	return nil
}

func (s *admissionService) EnqueueRebuild(ctx context.Context, hierarchyID int64) error {
	if err := s.store.Repos().RebuildOrders.Enqueue(ctx, hierarchyID); err != nil {
		return err
	}
	s.notifier.Notify(ctx, notifier.Event{HierarchyID: hierarchyID, Kind: notifier.EventRebuildDeferred, At: time.Now().UTC()})
	return nil
}

// RunRebuild flips the order to running, rebuilds and removes the order whatever the outcome.
// Rebuilds of this process run one at a time.
func (s *admissionService) RunRebuild(ctx context.Context, hierarchyID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders := s.store.Repos().RebuildOrders
	if err := orders.Enqueue(ctx, hierarchyID); err != nil {
		return err
	}
	acquired, err := orders.Acquire(ctx, hierarchyID)
	if err != nil {
		return err
	}
	if !acquired {
		s.log.Info("rebuild already running elsewhere", zap.Int64("hierarchy_id", hierarchyID))
		return nil
	}

	buildErr := s.builder.Build(ctx, hierarchyID)
	if err := orders.Delete(context.WithoutCancel(ctx), hierarchyID); err != nil {
		return errors.Join(buildErr, err)
	}
	return buildErr
}

func (s *admissionService) RunOwedRebuilds(ctx context.Context) error {
	orders, err := s.store.Repos().RebuildOrders.List(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, o := range orders {
		if o.OnRebuild {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.RunRebuild(ctx, o.HierarchyID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sortedHierarchies(set models.HierarchySet) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
