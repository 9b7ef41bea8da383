package handlers

import (
	"io"
	"net/http"

	"fieldsync/models"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// maxRecordBody bounds a submitted payload.
const maxRecordBody = 4 << 20

type RecordsHandler struct {
	client Client
	log    zerolog.Logger
}

func NewRecordsHandler(client Client, logger zerolog.Logger) *RecordsHandler {
	return &RecordsHandler{
		client: client,
		log:    logger.With().Str("component", "handlers").Logger(),
	}
}

// SubmitResponse is returned once the record is durably saved.
type SubmitResponse struct {
	ID   string      `json:"id"`
	Kind models.Kind `json:"kind"`
}

// PendingResponse reports records awaiting remote confirmation.
type PendingResponse struct {
	Total   int                 `json:"total"`
	ByKind  map[models.Kind]int `json:"by_kind"`
	Syncing bool                `json:"syncing"`
}

// Submit handles POST /api/records/{kind}. The body is the kind-specific payload.
func (h *RecordsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	kind, err := models.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeFailure(w, err)
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRecordBody)).Decode(&payload); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id, err := h.client.SubmitRecord(r.Context(), kind, payload)
	if err != nil {
		h.log.Debug().Err(err).Str("kind", string(kind)).Msg("submit rejected")
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{ID: id, Kind: kind})
}

// Pending handles GET /api/records/pending.
func (h *RecordsHandler) Pending(w http.ResponseWriter, r *http.Request) {
	byKind, err := h.client.PendingByKind(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to count pending records")
		writeFailure(w, err)
		return
	}

	total := 0
	for _, n := range byKind {
		total += n
	}
	writeJSON(w, http.StatusOK, PendingResponse{Total: total, ByKind: byKind, Syncing: h.client.Syncing()})
}
