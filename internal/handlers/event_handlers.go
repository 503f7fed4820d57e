package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"mohierarchy/internal/events"
	"mohierarchy/internal/notifier"
	apperr "mohierarchy/pkg/errors"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// EventHandlers ingests inventory change records and streams hierarchy change notices.
type EventHandlers struct {
	dispatcher *events.Dispatcher
	hub        *notifier.Hub
	heartbeat  time.Duration
	log        *zap.Logger
}

func NewEventHandlers(dispatcher *events.Dispatcher, hub *notifier.Hub, log *zap.Logger) *EventHandlers {
	return &EventHandlers{
		dispatcher: dispatcher,
		hub:        hub,
		heartbeat:  15 * time.Second,
		log:        log.Named("http.events"),
	}
}

func (h *EventHandlers) IngestEvents(c echo.Context) error {
	var rec events.Record
	if err := c.Bind(&rec); err != nil {
		return apperr.Wrap(err, apperr.CodeInvalid, "invalid request body")
	}
	res, err := h.dispatcher.Dispatch(c.Request().Context(), rec)
	if err != nil {
		return err
	}
	if res.Deferred == nil {
		res.Deferred = []int64{}
	}
	return c.JSON(http.StatusOK, res)
}

// StreamEvents holds the connection open and writes one SSE message per hierarchy event.
func (h *EventHandlers) StreamEvents(c echo.Context) error {
	hierarchyID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	sub := h.hub.SubscribeContext(ctx, hierarchyID)
	defer h.hub.Unsubscribe(sub)

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case evt, ok := <-sub.Outbound:
			if !ok {
				return nil
			}
			data, err := json.Marshal(evt)
			if err != nil {
				h.log.Warn("marshal event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
