package handlers

import (
	"fmt"
	"net/http"
	"time"

	"fieldsync/connectivity"
	"fieldsync/models"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// eventBuffer bounds the per-stream backlog. Subscribers run on the
// publisher's goroutine, so a slow stream drops events instead of blocking it.
const eventBuffer = 64

type SyncHandler struct {
	client    Client
	monitor   Monitor
	log       zerolog.Logger
	keepAlive time.Duration
}

func NewSyncHandler(client Client, monitor Monitor, logger zerolog.Logger) *SyncHandler {
	return &SyncHandler{
		client:    client,
		monitor:   monitor,
		log:       logger.With().Str("component", "handlers").Logger(),
		keepAlive: 25 * time.Second,
	}
}

// Sync runs a manual sweep and returns its summary.
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.client.Sync(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Connectivity returns the derived connectivity status.
func (h *SyncHandler) Connectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.Status())
}

// UpdateConnectivity accepts a platform reachability signal.
func (h *SyncHandler) UpdateConnectivity(w http.ResponseWriter, r *http.Request) {
	var sig connectivity.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	h.monitor.Update(sig)
	writeJSON(w, http.StatusOK, h.monitor.Status())
}

type streamEvent struct {
	name string
	data any
}

// Events streams sync, connectivity and auth events as server-sent events
// until the client disconnects.
func (h *SyncHandler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan streamEvent, eventBuffer)
	offer := func(e streamEvent) {
		select {
		case ch <- e:
		default:
		}
	}

	unsubs := []func(){
		h.client.SubscribeSyncEvents(func(e models.SyncEvent) { offer(streamEvent{string(e.Type), e}) }),
		h.client.SubscribeConnectivity(func(e models.ConnectivityEvent) { offer(streamEvent{string(e.Type), e}) }),
		h.client.SubscribeAuth(func(st models.AuthState) { offer(streamEvent{"auth", st}) }),
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e := <-ch:
			data, err := json.Marshal(e.data)
			if err != nil {
				h.log.Error().Err(err).Str("event", e.name).Msg("failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.name, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
