package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"conversion-relay/internal/config"
	"conversion-relay/internal/models"
	"conversion-relay/internal/reconcile"
	"conversion-relay/internal/store"
	"conversion-relay/internal/telemetry"
)

// Store is the persistence surface the API mutates. Satisfied by
// *store.Store.
type Store interface {
	Enqueue(ctx context.Context, p store.EnqueueParams) (models.QueueRow, bool, error)
	GetRow(ctx context.Context, id string) (models.QueueRow, error)
	QueueAction(ctx context.Context, p store.QueueActionParams) (int64, error)
	QueueStats(ctx context.Context) (map[string]int64, error)
	RecordLedgerEntry(ctx context.Context, siteID string, value int64, currency string, recordedAt time.Time) (models.LedgerEntry, error)
}

// Server wires HTTP handlers for enqueue and operator actions.
type Server struct {
	cfg     config.Config
	store   Store
	counter reconcile.Counter
}

// New constructs the API server.
func New(cfg config.Config, st Store, counter reconcile.Counter) *Server {
	return &Server{cfg: cfg, store: st, counter: counter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/conversions", s.handleEnqueue)
	r.Get("/conversions/{id}", s.handleGetRow)
	r.Get("/queue/stats", s.handleStats)
	r.Post("/queue/actions", s.handleQueueAction)
	return r
}

type enqueueRequest struct {
	SiteID      string            `json:"site_id"`
	ProviderKey string            `json:"provider_key"`
	EventKey    string            `json:"event_key"`
	Payload     map[string]any    `json:"payload"`
	OccurredAt  *time.Time        `json:"occurred_at"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	ClickIDs    map[string]string `json:"click_ids"`
	// RecordLedger appends a ledger fact for realized revenue alongside the
	// queue row.
	RecordLedger bool `json:"record_ledger"`
}

type enqueueResponse struct {
	Row            models.QueueRow `json:"row"`
	Reused         bool            `json:"reused"`
	LedgerRecorded bool            `json:"ledger_recorded"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.SiteID == "" || req.ProviderKey == "" {
		http.Error(w, "site_id and provider_key are required", http.StatusBadRequest)
		return
	}
	occurredAt := time.Now().UTC()
	if req.OccurredAt != nil {
		occurredAt = *req.OccurredAt
	}

	row, reused, err := s.store.Enqueue(r.Context(), store.EnqueueParams{
		SiteID:      req.SiteID,
		ProviderKey: req.ProviderKey,
		EventKey:    req.EventKey,
		Payload:     req.Payload,
		OccurredAt:  occurredAt,
		Amount:      req.Amount,
		Currency:    req.Currency,
		ClickIDs:    req.ClickIDs,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := enqueueResponse{Row: row, Reused: reused}
	if !reused {
		telemetry.EnqueueCounter.Inc()
		if req.RecordLedger {
			if _, err := s.store.RecordLedgerEntry(r.Context(), row.SiteID, row.Amount, row.Currency, occurredAt); err != nil {
				zap.L().Error("record ledger entry", zap.String("row_id", row.ID), zap.Error(err))
			} else {
				resp.LedgerRecorded = true
				// Best effort; reconciliation corrects any miss.
				if err := s.counter.Incr(r.Context(), row.SiteID, models.PeriodOf(occurredAt)); err != nil {
					zap.L().Warn("fast-path counter increment failed", zap.Error(err))
				}
			}
		}
	}

	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetRow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row, err := s.store.GetRow(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

type queueActionRequest struct {
	SiteID      string   `json:"site_id"`
	Action      string   `json:"action"`
	IDs         []string `json:"ids"`
	Reason      string   `json:"reason"`
	ErrorCode   string   `json:"error_code"`
	ClearErrors bool     `json:"clear_errors"`
}

func (s *Server) handleQueueAction(w http.ResponseWriter, r *http.Request) {
	var req queueActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.SiteID == "" || req.Action == "" || len(req.IDs) == 0 {
		http.Error(w, "site_id, action, and ids are required", http.StatusBadRequest)
		return
	}

	affected, err := s.store.QueueAction(r.Context(), store.QueueActionParams{
		SiteID:      req.SiteID,
		Action:      req.Action,
		IDs:         req.IDs,
		Reason:      req.Reason,
		ErrCode:     req.ErrorCode,
		ClearErrors: req.ClearErrors,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"affected": affected})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.QueueStats(r.Context())
	if err != nil {
		http.Error(w, "failed to read queue stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
