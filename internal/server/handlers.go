package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/salemetry/salemetry/internal/export"
	"github.com/salemetry/salemetry/internal/intake"
	"github.com/salemetry/salemetry/internal/model"
	"github.com/salemetry/salemetry/internal/storage"
)

// Handlers carries the dependencies shared by all HTTP handlers.
type Handlers struct {
	db     *storage.DB
	intake *intake.Service
	logger *slog.Logger

	exporter interface {
		Run(ctx context.Context, date time.Time) (export.Result, error)
	}

	version   string
	maxBody   int64
	startedAt time.Time
}

// MessageRequest is the ingestion payload. ReceivedAt defaults to now.
type MessageRequest struct {
	MessageID  string    `json:"message_id"`
	Sender     string    `json:"sender"`
	FullName   string    `json:"full_name,omitempty"`
	Username   string    `json:"username,omitempty"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// MessageResponse reports what a message turned into.
type MessageResponse struct {
	Reply      string `json:"reply"`
	Applied    int    `json:"applied"`
	Duplicates int    `json:"duplicates"`
	Rejected   int    `json:"rejected"`
	Failed     int    `json:"failed"`
}

// HandleMessage ingests one status message. Repeating a request with the
// same message_id is safe: every event it produced the first time is
// suppressed as a duplicate.
func (h *Handlers) HandleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.MessageID) == "" || strings.TrimSpace(req.Sender) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "message_id and sender are required")
		return
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}

	reply, err := h.intake.HandleMessage(r.Context(), model.InboundMessage{
		MessageID:  req.MessageID,
		Sender:     req.Sender,
		Text:       req.Text,
		ReceivedAt: req.ReceivedAt,
	}, req.FullName, req.Username)
	if err != nil {
		h.logger.Error("message ingestion failed", "message_id", req.MessageID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "ingestion_failed", "could not process message")
		return
	}

	writeJSON(w, r, http.StatusOK, MessageResponse{
		Reply:      reply.Text,
		Applied:    reply.Applied,
		Duplicates: reply.Duplicates,
		Rejected:   reply.Rejected,
		Failed:     reply.Failed,
	})
}

// HandleManagerStats returns the rendered totals for one manager's day.
// ?date=YYYY-MM-DD, defaulting to today.
func (h *Handlers) HandleManagerStats(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")
	date := time.Now()
	if s := r.URL.Query().Get("date"); s != "" {
		var err error
		date, err = time.Parse("2006-01-02", s)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
			return
		}
	}

	stats, err := h.intake.DailyStats(r.Context(), chatID, date)
	if err != nil {
		h.logger.Error("stats lookup failed", "chat_id", chatID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "stats_failed", "could not read stats")
		return
	}
	if stats == "" {
		writeError(w, r, http.StatusNotFound, "not_found", "no record for this manager and date")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{
		"chat_id": chatID,
		"date":    date.Format("2006-01-02"),
		"stats":   stats,
	})
}

// HandleExportRun re-runs the export pass for one date on demand.
func (h *Handlers) HandleExportRun(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		writeError(w, r, http.StatusServiceUnavailable, "export_disabled", "no export sink configured")
		return
	}
	date, err := time.Parse("2006-01-02", r.PathValue("date"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
		return
	}

	res, err := h.exporter.Run(r.Context(), date)
	if err != nil {
		h.logger.Error("manual export failed", "date", date.Format("2006-01-02"), "error", err)
		writeError(w, r, http.StatusInternalServerError, "export_failed", "export pass failed")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int{
		"exported": res.Exported,
		"failed":   res.Failed,
		"skipped":  res.Skipped,
	})
}

// HandleHealth reports process and database health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, map[string]any{
		"status":   status,
		"version":  h.version,
		"postgres": pgStatus,
		"uptime":   int64(time.Since(h.startedAt).Seconds()),
	})
}

func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.New("request body too large")
		}
		return errors.New("malformed JSON body")
	}
	return nil
}
