package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-chi/chi/v5"

	"github.com/pinwheel-storage/pinwheel/engine"
	"github.com/pinwheel-storage/pinwheel/interfaces"
)

// Header constants used in HTTP requests.
const (
	// OwnerHeader identifies the account performing the operation.
	OwnerHeader = "X-Owner"

	// PrivacyHeader carries the privacy class: public, private, confidential.
	PrivacyHeader = "X-Privacy"

	// RetainUntilHeader carries an RFC 3339 retention deadline.
	RetainUntilHeader = "X-Retain-Until"

	// maxBodySize is the maximum allowed upload size (256MB).
	maxBodySize = 256 << 20
)

// Handler processes HTTP requests for the storage engine.
type Handler struct {
	engine *engine.Engine
	log    *slog.Logger
}

// NewHandler creates an HTTP request handler over the engine.
func NewHandler(eng *engine.Engine, log *slog.Logger) *Handler {
	return &Handler{engine: eng, log: log}
}

type storeResponse struct {
	ID           string  `json:"id"`
	Size         int64   `json:"size"`
	Deduplicated bool    `json:"deduplicated"`
	Policy       string  `json:"policy"`
	Replicas     int     `json:"replicas"`
	Health       string  `json:"health"`
	OverageCost  float64 `json:"overage_cost,omitempty"`
}

type quotaRequest struct {
	// Limit accepts raw bytes ("1073741824") or a human size ("10GB").
	Limit string `json:"limit"`
}

// HandleStore stores the request body for the owner in the X-Owner header.
//
// URL format: POST /api/objects
func (h *Handler) HandleStore(w http.ResponseWriter, r *http.Request) {
	owner := interfaces.OwnerID(r.Header.Get(OwnerHeader))
	if owner == "" {
		http.Error(w, "missing X-Owner header", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}
	if len(data) > maxBodySize {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	opts := engine.StoreOptions{
		ContentType: r.Header.Get("Content-Type"),
		Privacy:     interfaces.ParsePrivacyClass(r.Header.Get(PrivacyHeader)),
	}
	if raw := r.Header.Get(RetainUntilHeader); raw != "" {
		deadline, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid X-Retain-Until, want RFC 3339", http.StatusBadRequest)
			return
		}
		opts.RetainUntil = deadline
	}

	res, err := h.engine.StoreFile(r.Context(), owner, data, opts)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, storeResponse{
		ID:           res.ObjectID.String(),
		Size:         res.Size,
		Deduplicated: res.Deduplicated,
		Policy:       res.PolicyID,
		Replicas:     res.Replicas,
		Health:       string(res.Health),
		OverageCost:  res.OverageCost,
	})
}

// HandleRetrieve streams the object's bytes. The X-Owner header is
// optional on reads and only attributes the access.
//
// URL format: GET /api/objects/{id}
func (h *Handler) HandleRetrieve(w http.ResponseWriter, r *http.Request) {
	id, ok := h.objectID(w, r)
	if !ok {
		return
	}
	owner := interfaces.OwnerID(r.Header.Get(OwnerHeader))
	data, err := h.engine.RetrieveFile(r.Context(), owner, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// HandleDelete removes the owner's claim on an object; the bytes are
// garbage collected later.
//
// URL format: DELETE /api/objects/{id}
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.objectID(w, r)
	if !ok {
		return
	}
	owner := interfaces.OwnerID(r.Header.Get(OwnerHeader))
	if err := h.engine.DeleteFile(r.Context(), owner, id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleUsage returns the owner's usage report.
//
// URL format: GET /api/owners/{owner}/usage
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	owner := interfaces.OwnerID(chi.URLParam(r, "owner"))
	if owner == "" {
		http.Error(w, "missing owner", http.StatusBadRequest)
		return
	}
	report := h.engine.GetStorageUsage(owner)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"owner":         report.Owner,
		"used":          report.Used,
		"limit":         report.Limit,
		"available":     report.Available,
		"warning_level": report.WarningLevel,
	})
}

// HandleSetQuota updates the owner's limit.
//
// URL format: PUT /api/owners/{owner}/quota
func (h *Handler) HandleSetQuota(w http.ResponseWriter, r *http.Request) {
	owner := interfaces.OwnerID(chi.URLParam(r, "owner"))
	if owner == "" {
		http.Error(w, "missing owner", http.StatusBadRequest)
		return
	}
	var req quotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	var limit datasize.ByteSize
	if err := limit.UnmarshalText([]byte(req.Limit)); err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}

	q, err := h.engine.UpdateStorageQuota(r.Context(), owner, int64(limit.Bytes()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"owner": q.Owner,
		"limit": q.Limit,
		"used":  q.Used,
	})
}

// HandleGCSweep triggers one garbage collection run.
//
// URL format: POST /api/sweeps/gc
func (h *Handler) HandleGCSweep(w http.ResponseWriter, r *http.Request) {
	report := h.engine.RunGarbageCollection(r.Context())
	h.writeJSON(w, http.StatusOK, map[string]any{
		"evaluated":   report.Evaluated,
		"deleted":     report.Deleted,
		"skipped":     report.Skipped,
		"errors":      report.Errors,
		"remaining":   report.Remaining,
		"bytes_freed": report.BytesFreed,
	})
}

// HandleVerificationSweep triggers one backup verification sweep.
//
// URL format: POST /api/sweeps/backup-verification
func (h *Handler) HandleVerificationSweep(w http.ResponseWriter, r *http.Request) {
	report := h.engine.VerifyBackups(r.Context())
	h.writeJSON(w, http.StatusOK, map[string]any{
		"checked":          report.Checked,
		"healthy":          report.Healthy,
		"degraded":         report.Degraded,
		"failed":           report.Failed,
		"integrity_errors": report.IntegrityErrors,
	})
}

// HandleDrillSweep triggers one disaster-recovery drill.
//
// URL format: POST /api/sweeps/dr-drill
func (h *Handler) HandleDrillSweep(w http.ResponseWriter, r *http.Request) {
	result := h.engine.RunDisasterRecoveryDrill(r.Context())
	h.writeJSON(w, http.StatusOK, map[string]any{
		"verdict":            result.Verdict,
		"synthetic_recovery": result.SyntheticRecovery,
		"replication_check":  result.ReplicationCheck,
		"integrity_check":    result.IntegrityCheck,
	})
}

// HandleStats returns engine-wide statistics.
//
// URL format: GET /api/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.GetStorageStats()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"objects":          stats.Objects,
		"owners":           stats.Owners,
		"total_used_bytes": stats.TotalUsedBytes,
		"dedup_entries":    stats.DedupEntries,
		"gc_queue_depth":   stats.GCQueueDepth,
		"stores":           stats.Stores,
		"dedup_hits":       stats.DedupHits,
		"quota_rejections": stats.QuotaRejections,
		"retrievals":       stats.Retrievals,
		"deletes":          stats.Deletes,
	})
}

func (h *Handler) objectID(w http.ResponseWriter, r *http.Request) (interfaces.ObjectID, bool) {
	id, err := interfaces.NewObjectIDFromHex(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid object id", http.StatusBadRequest)
		return interfaces.ObjectID{}, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, interfaces.ErrQuotaExceeded):
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
	case errors.Is(err, interfaces.ErrDependencyUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
