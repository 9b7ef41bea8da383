package handlers

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"time"

	"fieldsync/middleware"
	"fieldsync/models"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// csvHeader is the column order of a record export.
var csvHeader = []string{
	"Record ID",
	"Kind",
	"Created At",
	"Device ID",
	"Author UID",
	"Author Name",
	"Sync State",
	"Synced At",
	"Payload",
}

type ExportHandler struct {
	client Client
	log    zerolog.Logger
	now    func() time.Time
}

func NewExportHandler(client Client, logger zerolog.Logger) *ExportHandler {
	return &ExportHandler{
		client: client,
		log:    logger.With().Str("component", "handlers").Logger(),
		now:    time.Now,
	}
}

// ExportRecords streams local records as CSV. ?kind= restricts to one kind.
func (h *ExportHandler) ExportRecords(w http.ResponseWriter, r *http.Request) {
	kinds := models.Kinds
	if k := r.URL.Query().Get("kind"); k != "" {
		kind, err := models.ParseKind(k)
		if err != nil {
			writeFailure(w, err)
			return
		}
		kinds = []models.Kind{kind}
	}

	var records []*models.Record
	for _, kind := range kinds {
		recs, err := h.client.Records(r.Context(), kind)
		if err != nil {
			h.log.Error().Err(err).Str("kind", string(kind)).Msg("failed to read records for export")
			writeFailure(w, err)
			return
		}
		records = append(records, recs...)
	}

	timestamp := h.now().Format("2006-01-02_15-04-05")
	filename := fmt.Sprintf("fieldsync_records_%s.csv", timestamp)
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))

	if err := WriteCSV(w, records); err != nil {
		h.log.Error().Err(err).Msg("failed to write CSV export")
		return
	}

	evt := h.log.Info().Int("records", len(records))
	if st, ok := middleware.GetAuthStateFromContext(r.Context()); ok && st.Identity != nil {
		evt = evt.Str("uid", st.Identity.UID)
	}
	evt.Msg("records exported")
}

// WriteCSV writes records with a header row.
func WriteCSV(w io.Writer, records []*models.Record) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, rec := range records {
		payloadJSON := ""
		if rec.Payload != nil {
			if data, err := json.Marshal(rec.Payload); err == nil {
				payloadJSON = string(data)
			}
		}

		var authorUID, authorName, syncedAt string
		if rec.Author != nil {
			authorUID, authorName = rec.Author.UID, rec.Author.Name
		}
		if rec.SyncedAt != nil {
			syncedAt = rec.SyncedAt.UTC().Format(time.RFC3339)
		}

		row := []string{
			rec.ID,
			string(rec.Kind),
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.DeviceID,
			authorUID,
			authorName,
			string(rec.SyncState),
			syncedAt,
			payloadJSON,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write row %s: %w", rec.ID, err)
		}
	}

	writer.Flush()
	return writer.Error()
}
