package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/auth"
	redisstore "github.com/PBaumfalk/AI-Lawyer-sub005/internal/redis"
	"github.com/PBaumfalk/AI-Lawyer-sub005/pkg/telemetry"
)

const heartbeatInterval = 15 * time.Second

// Events streams task progress and lock events to the browser over
// server-sent events. Each connection subscribes to the caller's user
// channel plus any case channels they ask for and may access.
type Events struct {
	bus    redisstore.EventBus
	authz  auth.Authorizer
	logger *slog.Logger
}

// NewEvents creates the SSE handler.
func NewEvents(bus redisstore.EventBus, authz auth.Authorizer, logger *slog.Logger) *Events {
	return &Events{bus: bus, authz: authz, logger: logger}
}

// Stream handles GET /api/v1/events?case_id=...&case_id=...
func (h *Events) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := auth.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	caseIDs := r.URL.Query()["case_id"]
	for _, caseID := range caseIDs {
		allowed, err := h.authz.CanAccessCase(ctx, id, caseID)
		if err != nil {
			h.logger.Error("case access check failed", slog.String("case_id", caseID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to open event stream")
			return
		}
		if !allowed {
			writeError(w, http.StatusNotFound, "case not found")
			return
		}
	}

	events, stop := h.bus.SubscribeUser(ctx, id.UserID, caseIDs...)
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	telemetry.APIEventStreams.Inc()
	defer telemetry.APIEventStreams.Dec()
	h.logger.Info("event stream opened",
		slog.String("user_id", id.UserID),
		slog.Int("cases", len(caseIDs)),
	)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			// SSE comment line; keeps proxies from closing an idle stream.
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to marshal event", slog.String("kind", ev.Kind), slog.String("error", err.Error()))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}
