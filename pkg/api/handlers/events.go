package handlers

import (
	"fmt"
	"net/http"
	"time"

	"branchdb/pkg/ingest"
	"branchdb/pkg/logger"
	"branchdb/pkg/utils"

	"github.com/gorilla/mux"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

// RegisterEvents registers the per-conversation live event stream.
func RegisterEvents(r *mux.Router) {
	r.HandleFunc("/conversations/{id}/events", streamEvents).Methods(http.MethodGet)
}

// streamEvents serves Server-Sent Events for one conversation. Events are
// published by the ingest pipeline after each durable apply, so a received
// event always reflects stored state.
func streamEvents(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	if _, _, ok := loadOwnedConversation(w, r, convID); !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.JSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := ingest.Subscribe(convID)
	defer cancel()
	logger.Info("events_subscribed", "conversation", convID, "remote", r.RemoteAddr)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("events_client_gone", "conversation", convID)
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, ev.Payload); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
