// Package notify receives marketplace event notifications over REST.
// The marketplace delivers events as form-encoded POSTs with numbered
// Event.N.* parameter groups.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"crowdmirror/internal/domain"
)

const eventTimeLayout = "2006-01-02T15:04:05Z"

// Handler consumes one delivered event. Delivery acknowledgment does not
// wait for it: the marketplace retries slow endpoints, so events are
// handed off and acked immediately.
type Handler interface {
	HandleEvent(ctx context.Context, ev domain.NotificationEvent) error
}

// Config for the notification endpoint.
type Config struct {
	Handler Handler
	Log     *slog.Logger
}

// New returns the HTTP handler for the notification endpoint. The
// marketplace posts to the registered destination path; health is served
// alongside for reachability checks.
func New(cfg Config) http.Handler {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	router := chi.NewRouter()
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintln(w, "ok")
	})
	router.Post("/events", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "unparseable form body", http.StatusBadRequest)
			return
		}
		events, err := parseEvents(r.PostForm)
		if err != nil {
			log.Warn("rejected notification delivery", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, ev := range events {
			if err := cfg.Handler.HandleEvent(r.Context(), ev); err != nil {
				log.Error("event handling failed", "event_type", ev.EventType, "error", err)
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	return router
}

// parseEvents walks the numbered Event.N groups until the first gap. A
// group missing its type or time makes the whole delivery invalid.
func parseEvents(form map[string][]string) ([]domain.NotificationEvent, error) {
	get := func(key string) string {
		if vs, ok := form[key]; ok && len(vs) > 0 {
			return vs[0]
		}
		return ""
	}
	var events []domain.NotificationEvent
	for n := 1; ; n++ {
		prefix := "Event." + strconv.Itoa(n) + "."
		eventType := get(prefix + "EventType")
		eventTime := get(prefix + "EventTime")
		if eventType == "" && eventTime == "" {
			break
		}
		if eventType == "" || eventTime == "" {
			return nil, fmt.Errorf("event %d is missing its type or time", n)
		}
		ts, err := time.Parse(eventTimeLayout, eventTime)
		if err != nil {
			return nil, fmt.Errorf("event %d has unparseable time %q", n, eventTime)
		}
		events = append(events, domain.NotificationEvent{
			EventType:    eventType,
			EventTime:    ts,
			TypeID:       get(prefix + "HITTypeId"),
			WorkUnitID:   get(prefix + "HITId"),
			AssignmentID: get(prefix + "AssignmentId"),
		})
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("delivery carries no events")
	}
	return events, nil
}
