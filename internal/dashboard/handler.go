package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"prwpanel/internal/blob"
	"prwpanel/internal/logging"
	"prwpanel/internal/snapshot"
	"prwpanel/internal/warehouse"
)

// Handler serves the dataset API, the cache-clear control, health and metrics.
type Handler struct {
	Cache   *Cache
	Metrics *Metrics
	Log     logging.Logger
}

// NewHandler constructs a dashboard HTTP handler.
func NewHandler(c *Cache, m *Metrics, log logging.Logger) *Handler {
	return &Handler{Cache: c, Metrics: m, Log: logging.OrNoop(log)}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Cache == nil {
		writeError(w, http.StatusInternalServerError, "dataset cache not configured")
		return
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	route := path
	switch {
	case path == "/healthz":
		rec.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = rec.Write([]byte("ok"))
	case path == "/metrics" && h.Metrics != nil:
		h.Metrics.Handler().ServeHTTP(w, r)
		return
	case path == "/clear-cache":
		h.handleClear(rec, r)
	case path == "/api/v1/meta":
		h.withDataset(rec, r, h.handleMeta)
	case path == "/api/v1/summary":
		h.withDataset(rec, r, h.handleSummary)
	case path == "/api/v1/patients":
		h.withDataset(rec, r, h.handlePatients)
	case path == "/api/v1/encounters":
		h.withDataset(rec, r, h.handleEncounters)
	default:
		route = "other"
		writeError(rec, http.StatusNotFound, "not found")
	}
	h.Metrics.observeRequest(route, rec.status)
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	epoch := h.Cache.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"status": "cache cleared", "epoch": epoch})
}

// withDataset resolves the cached entry for GET requests. Load failures are
// reported as 502 naming the failure class; details stay in the log.
func (h *Handler) withDataset(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request, *Entry)) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	entry, err := h.Cache.Get(r.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		h.Log.Warn("dataset unavailable", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, failureMessage(err))
		return
	}
	next(w, r, entry)
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, snapshot.ErrDecrypt):
		return "snapshot decryption failed"
	case errors.Is(err, snapshot.ErrInvalidImage):
		return "snapshot is not a valid database image"
	case errors.Is(err, blob.ErrNotFound):
		return "snapshot object not found"
	case errors.Is(err, snapshot.ErrFetch):
		return "snapshot fetch failed"
	default:
		return "snapshot load failed"
	}
}

func (h *Handler) handleMeta(w http.ResponseWriter, _ *http.Request, e *Entry) {
	writeJSON(w, http.StatusOK, map[string]any{
		"modified":  formatTime(e.Dataset.Modified),
		"epoch":     e.Epoch,
		"loaded_at": formatTime(e.LoadedAt),
		"encrypted": e.Encrypted,
	})
}

func (h *Handler) handleSummary(w http.ResponseWriter, _ *http.Request, e *Entry) {
	writeJSON(w, http.StatusOK, map[string]any{
		"modified":   formatTime(e.Dataset.Modified),
		"patients":   len(e.Dataset.Patients),
		"encounters": len(e.Dataset.Encounters),
	})
}

func (h *Handler) handlePatients(w http.ResponseWriter, r *http.Request, e *Entry) {
	switch negotiateFormat(r) {
	case formatJSON:
		writeJSON(w, http.StatusOK, map[string]any{"patients": e.Dataset.Patients})
	case formatCSV:
		rows := make([][]any, len(e.Dataset.Patients))
		for i, p := range e.Dataset.Patients {
			rows[i] = patientRecord(p)
		}
		streamCSV(w, warehouse.TablePatients, e.Dataset.Modified, warehouse.PatientColumns, rows)
	default:
		writeError(w, http.StatusNotAcceptable, "format must be json or csv")
	}
}

func (h *Handler) handleEncounters(w http.ResponseWriter, r *http.Request, e *Entry) {
	format := negotiateFormat(r)
	if format == "" {
		writeError(w, http.StatusNotAcceptable, "format must be json or csv")
		return
	}
	out := e.Dataset.Encounters
	if raw := strings.TrimSpace(r.URL.Query().Get("mrn")); raw != "" {
		mrn, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "mrn must be an integer")
			return
		}
		out = []warehouse.Encounter{}
		for _, enc := range e.Dataset.Encounters {
			if enc.MRN == mrn {
				out = append(out, enc)
			}
		}
	}
	if format == formatCSV {
		rows := make([][]any, len(out))
		for i, enc := range out {
			rows[i] = encounterRecord(enc)
		}
		streamCSV(w, warehouse.TableEncounters, e.Dataset.Modified, warehouse.EncounterColumns, rows)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"encounters": out})
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
