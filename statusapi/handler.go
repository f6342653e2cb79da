package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"playcast/broadcaster/stream"
)

// Reader is the read side of the process registry.
type Reader interface {
	Get(ctx context.Context, id stream.Id) (stream.Record, bool, error)
	List(ctx context.Context) ([]stream.Id, error)
}

type Status struct {
	Id            stream.Id    `json:"id"`
	Phase         stream.Phase `json:"phase"`
	Pid           int          `json:"pid,omitempty"`
	Restarts      int          `json:"restarts"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	LastError     string       `json:"last_error,omitempty"`
}

// Handler serves stream status read from the registry.
type Handler struct {
	sugar   *zap.SugaredLogger
	records Reader
	clock   quartz.Clock
}

func NewHandler(sugar *zap.SugaredLogger, records Reader, clock quartz.Clock) *Handler {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Handler{sugar: sugar, records: records, clock: clock}
}

// Router mounts the status routes plus /healthz and, when metrics is not nil,
// /metrics.
func Router(h *Handler, metrics http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	r.Get("/streams", h.ListStreams)
	r.Get("/streams/{streamId}", h.GetStream)
	return r
}

// GetStream handles GET /streams/{streamId}.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	id := stream.Id(chi.URLParam(r, "streamId"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	rec, ok, err := h.records.Get(r.Context(), id)
	if err != nil {
		h.sugar.Errorw("Failed to read stream record", "streamId", id, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "stream not found"})
		return
	}
	writeJSON(w, http.StatusOK, h.status(id, rec))
}

// ListStreams handles GET /streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	ids, err := h.records.List(r.Context())
	if err != nil {
		h.sugar.Errorw("Failed to list stream records", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	statuses := make([]Status, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := h.records.Get(r.Context(), id)
		if err != nil {
			h.sugar.Errorw("Failed to read stream record", "streamId", id, "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		// removed between List and Get
		if !ok {
			continue
		}
		statuses = append(statuses, h.status(id, rec))
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (h *Handler) status(id stream.Id, rec stream.Record) Status {
	s := Status{
		Id:        id,
		Phase:     rec.Phase,
		Pid:       rec.Pid,
		Restarts:  rec.Restarts,
		LastError: rec.LastError,
	}
	if !rec.StartedAt.IsZero() {
		startedAt := rec.StartedAt
		s.StartedAt = &startedAt
		if !rec.Phase.Terminal() {
			s.UptimeSeconds = int64(h.clock.Since(rec.StartedAt) / time.Second)
		}
	}
	return s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
