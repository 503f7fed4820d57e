package events

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"mohierarchy/internal/inventory"
	"mohierarchy/internal/models"
	"mohierarchy/internal/services"
	apperr "mohierarchy/pkg/errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Record is one inbound inventory change message. Objects carry MO, PRM, TMO or TPRM rows
// depending on Class.
type Record struct {
	Class   models.EventClass `json:"class" validate:"required,oneof=MO PRM TMO TPRM"`
	Event   models.EventType  `json:"event" validate:"required,oneof=CREATED UPDATED DELETED"`
	Objects []json.RawMessage `json:"objects" validate:"required,min=1"`
}

// Result summarises what happened to a record.
type Result struct {
	Received int     `json:"received"`
	Applied  int     `json:"applied"`
	Deferred []int64 `json:"deferred_hierarchies"`
}

type Dispatcher struct {
	admission services.AdmissionService
	changes   services.ChangeService
	validate  *validator.Validate
	log       *zap.Logger
}

func NewDispatcher(admission services.AdmissionService, changes services.ChangeService, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		admission: admission,
		changes:   changes,
		validate:  validator.New(),
		log:       log.Named("events"),
	}
}

// Dispatch decodes rec, lets admission control pick the hierarchies owed a rebuild and hands the
// remaining changes to the incremental handlers.
func (d *Dispatcher) Dispatch(ctx context.Context, rec Record) (*Result, error) {
	if err := d.validate.Struct(rec); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInvalid, "invalid event record")
	}
	batch, err := decode(rec)
	if err != nil {
		return nil, err
	}

	adm, err := d.admission.Admit(ctx, batch)
	if err != nil {
		return nil, err
	}
	res := &Result{Received: len(batch.Changes), Applied: len(adm.Ready)}
	for hid := range adm.Deferred {
		res.Deferred = append(res.Deferred, hid)
	}
	slices.Sort(res.Deferred)

	if len(adm.Ready) > 0 {
		if err := d.route(ctx, rec.Class, rec.Event, adm); err != nil {
			return nil, err
		}
	}
	d.log.Debug("record dispatched",
		zap.String("class", string(rec.Class)),
		zap.String("event", string(rec.Event)),
		zap.Int("received", res.Received),
		zap.Int("applied", res.Applied),
		zap.Int64s("deferred", res.Deferred))
	return res, nil
}

func decode(rec Record) (services.Batch, error) {
	batch := services.Batch{Class: rec.Class, Event: rec.Event, Changes: make([]services.Change, 0, len(rec.Objects))}
	for i, raw := range rec.Objects {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return batch, apperr.Wrap(err, apperr.CodeInvalid, fmt.Sprintf("object %d is not a JSON object", i))
		}
		var (
			change services.Change
			err    error
		)
		switch rec.Class {
		case models.EventClassMO:
			var mo *models.MO
			if mo, err = inventory.DecodeMO(m); err == nil {
				change = services.Change{Key: mo.TMOID, Payload: mo}
			}
		case models.EventClassPRM:
			var prm *models.PRM
			if prm, err = inventory.DecodePRM(m); err == nil {
				change = services.Change{Key: prm.TPRMID, Payload: prm}
			}
		case models.EventClassTMO:
			var tmo *models.TMO
			if tmo, err = inventory.DecodeTMO(m); err == nil {
				change = services.Change{Key: tmo.ID, Payload: tmo}
			}
		case models.EventClassTPRM:
			var tprm *models.TPRM
			if tprm, err = inventory.DecodeTPRM(m); err == nil {
				change = services.Change{Key: tprm.ID, Payload: tprm}
			}
		}
		if err != nil {
			return batch, apperr.Wrap(err, apperr.CodeInvalid, fmt.Sprintf("object %d", i))
		}
		batch.Changes = append(batch.Changes, change)
	}
	return batch, nil
}

func (d *Dispatcher) route(ctx context.Context, class models.EventClass, event models.EventType, adm *services.Admission) error {
	skip := adm.Deferred
	switch class {
	case models.EventClassMO:
		mos := payloads[*models.MO](adm.Ready)
		switch event {
		case models.EventCreated:
			return d.changes.MOsCreated(ctx, mos, skip)
		case models.EventUpdated:
			return d.changes.MOsUpdated(ctx, mos, skip)
		case models.EventDeleted:
			return d.changes.MOsDeleted(ctx, mos, skip)
		}
	case models.EventClassPRM:
		prms := payloads[*models.PRM](adm.Ready)
		if event == models.EventDeleted {
			return d.changes.PRMsDeleted(ctx, prms, skip)
		}
		return d.changes.PRMsUpserted(ctx, prms, skip)
	case models.EventClassTMO, models.EventClassTPRM:
		// new or renamed types change nothing until a level references them
		if event != models.EventDeleted {
			return nil
		}
		ids := make([]int64, 0, len(adm.Ready))
		for _, c := range adm.Ready {
			ids = append(ids, c.Key)
		}
		if class == models.EventClassTMO {
			return d.changes.TMOsDeleted(ctx, ids)
		}
		return d.changes.TPRMsDeleted(ctx, ids)
	}
	return nil
}

func payloads[T any](changes []services.Change) []T {
	out := make([]T, 0, len(changes))
	for _, c := range changes {
		if p, ok := c.Payload.(T); ok {
			out = append(out, p)
		}
	}
	return out
}
