package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strconv"
	"strings"

	"queueless/internal/models"
	"queueless/internal/queue"
	"queueless/internal/store"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// QueueService is the part of queue.Service the API exposes.
type QueueService interface {
	Join(ctx context.Context, queueID int64, clientName string) (models.QueueEntry, error)
	Serve(ctx context.Context, entryID int64) (queue.ActionResult, error)
	Skip(ctx context.Context, entryID int64) (queue.ActionResult, error)
	ServeNext(ctx context.Context, queueID int64) (queue.ActionResult, error)
	GetQueueIDForEntry(ctx context.Context, entryID int64) (int64, error)

	Position(ctx context.Context, queueID, entryID int64) (queue.Position, error)
	WaitingStatus(ctx context.Context, queueID, entryID int64) (queue.StatusProjection, error)
	Details(ctx context.Context, queueID int64, ownerID string, tab queue.Tab) (queue.QueueDetails, error)
	Public(ctx context.Context, queueID int64) (queue.PublicQueue, error)
	Active(ctx context.Context) ([]models.Queue, error)
	MyQueues(ctx context.Context, ownerID string) ([]models.Queue, error)

	CreateQueue(ctx context.Context, ownerID string, input queue.QueueInput) (models.Queue, error)
	EditQueue(ctx context.Context, ownerID string, queueID int64, input queue.QueueInput) (models.Queue, error)
	DeleteQueue(ctx context.Context, ownerID string, queueID int64) error
	OwnsQueue(ctx context.Context, ownerID string, queueID int64) (bool, error)
	CleanupHistory(ctx context.Context, ownerID string, queueID int64, days int) (int64, error)
	DeleteHistoryEntry(ctx context.Context, ownerID string, entryID int64) (int64, error)
	CreateLocation(ctx context.Context, input queue.LocationInput) (models.ServiceLocation, error)
	ListLocations(ctx context.Context) ([]models.ServiceLocation, error)
}

type Options struct {
	// Live serves the SockJS endpoint mounted under /live/.
	Live http.Handler
	// Health reports whether dependencies are reachable.
	Health func(ctx context.Context) error
	Logger logrus.FieldLogger
}

type Handler struct {
	service QueueService
	auth    *Authenticator
	live    http.Handler
	health  func(ctx context.Context) error
	log     logrus.FieldLogger
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type joinRequest struct {
	ClientName string `json:"client_name"`
}

type cleanupRequest struct {
	Days int `json:"days"`
}

type cleanupResponse struct {
	Removed int64 `json:"removed"`
}

func NewHandler(service QueueService, auth *Authenticator, options Options) *Handler {
	h := &Handler{
		service: service,
		auth:    auth,
		live:    options.Live,
		health:  options.Health,
		log:     options.Logger,
	}
	if h.log == nil {
		h.log = logrus.StandardLogger()
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	router := httprouter.New()
	router.GET("/healthz", h.handleHealth)
	router.Handler(http.MethodGet, "/metrics", expvar.Handler())

	router.GET("/api/active-queues", h.handleActiveQueues)
	router.GET("/api/queues/:id/public", h.handlePublicQueue)
	router.POST("/api/queues/:id/join", h.handleJoin)
	router.GET("/api/queues/:id/entries/:entryId/status", h.handleEntryStatus)
	router.GET("/api/queues/:id/entries/:entryId/position", h.handleEntryPosition)

	router.GET("/api/queues", h.auth.Require(h.handleMyQueues))
	router.POST("/api/queues", h.auth.Require(h.handleCreateQueue))
	router.GET("/api/queues/:id", h.auth.Require(h.handleQueueDetails))
	router.PUT("/api/queues/:id", h.auth.Require(h.handleEditQueue))
	router.DELETE("/api/queues/:id", h.auth.Require(h.handleDeleteQueue))
	router.POST("/api/queues/:id/serve-next", h.auth.Require(h.handleServeNext))
	router.POST("/api/queues/:id/history/cleanup", h.auth.Require(h.handleCleanupHistory))
	router.POST("/api/entries/:entryId/serve", h.auth.Require(h.handleServe))
	router.POST("/api/entries/:entryId/skip", h.auth.Require(h.handleSkip))
	router.DELETE("/api/entries/:entryId", h.auth.Require(h.handleDeleteHistoryEntry))
	router.GET("/api/locations", h.auth.Require(h.handleListLocations))
	router.POST("/api/locations", h.auth.Require(h.handleCreateLocation))

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, requestIDFromContext(r.Context()), http.StatusNotFound, "not_found", "route not found")
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, requestIDFromContext(r.Context()), http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	if h.live == nil {
		return router
	}
	mux := http.NewServeMux()
	mux.Handle("/live/", h.live)
	mux.Handle("/", router)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.log.WithError(err).Warn("health check failed")
			writeError(w, requestIDFromContext(r.Context()), http.StatusServiceUnavailable, "unavailable", "database unreachable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleActiveQueues(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	queues, err := h.service.Active(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queues)
}

func (h *Handler) handlePublicQueue(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	queueID, ok := pathID(w, r, ps, "id")
	if !ok {
		return
	}
	summary, err := h.service.Public(r.Context(), queueID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	queueID, ok := pathID(w, r, ps, "id")
	if !ok {
		return
	}
	var req joinRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	entry, err := h.service.Join(r.Context(), queueID, req.ClientName)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleEntryStatus(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	queueID, ok := pathID(w, r, ps, "id")
	if !ok {
		return
	}
	entryID, ok := pathID(w, r, ps, "entryId")
	if !ok {
		return
	}
	projection, err := h.service.WaitingStatus(r.Context(), queueID, entryID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projection)
}

func (h *Handler) handleEntryPosition(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	queueID, ok := pathID(w, r, ps, "id")
	if !ok {
		return
	}
	entryID, ok := pathID(w, r, ps, "entryId")
	if !ok {
		return
	}
	position, err := h.service.Position(r.Context(), queueID, entryID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, position)
}

func (h *Handler) handleMyQueues(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	queues, err := h.service.MyQueues(r.Context(), ownerFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queues)
}

func (h *Handler) handleCreateQueue(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var input queue.QueueInput
	if !decodeRequest(w, r, &input) {
		return
	}
	created, err := h.service.CreateQueue(r.Context(), ownerFromContext(r.Context()), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleQueueDetails(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	queueID, ok := pathID(w, r, ps, "id")
	if !ok {
		return
	}
	tab := queue.ParseTab(r.URL.Query().Get("tab"))
	details, err := h.service.Details(r.Context(), queueID, ownerFromContext(r.Context()), tab)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (h *Handler) handleEditQueue(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	queueID, ok := pathID(w, r, ps, "id")
	if !ok {
		return
	}
	var input queue.QueueInput
	if !decodeRequest(w, r, &input) {
		return
	}
	edited, err := h.service.EditQueue(r.Context(), ownerFromContext(r.Context()), queueID, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, edited)
}

func (h *Handler) handleDeleteQueue(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	queueID, ok := pathID(w, r, ps, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteQueue(r.Context(), ownerFromContext(r.Context()), queueID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleServeNext(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	queueID, ok := pathID(w, r, ps, "id")
	if !ok {
		return
	}
	if !h.requireQueue(w, r, queueID) {
		return
	}
	result, err := h.service.ServeNext(r.Context(), queueID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleServe(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h.entryAction(w, r, ps, h.service.Serve)
}

func (h *Handler) handleSkip(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h.entryAction(w, r, ps, h.service.Skip)
}

func (h *Handler) entryAction(w http.ResponseWriter, r *http.Request, ps httprouter.Params, action func(context.Context, int64) (queue.ActionResult, error)) {
	entryID, ok := pathID(w, r, ps, "entryId")
	if !ok {
		return
	}
	queueID, err := h.service.GetQueueIDForEntry(r.Context(), entryID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if queueID == 0 {
		writeJSON(w, http.StatusOK, queue.ActionResult{})
		return
	}
	if !h.requireQueue(w, r, queueID) {
		return
	}
	result, err := action(r.Context(), entryID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// requireQueue lets a staff action through when the caller owns the queue or
// the queue no longer exists, in which case the action is a no-op.
func (h *Handler) requireQueue(w http.ResponseWriter, r *http.Request, queueID int64) bool {
	ownerID := ownerFromContext(r.Context())
	owned, err := h.service.OwnsQueue(r.Context(), ownerID, queueID)
	if err != nil {
		h.fail(w, r, err)
		return false
	}
	if owned {
		return true
	}
	if _, err := h.service.Public(r.Context(), queueID); errors.Is(err, store.ErrQueueNotFound) {
		writeJSON(w, http.StatusOK, queue.ActionResult{})
		return false
	}
	h.fail(w, r, store.ErrQueueNotFound)
	return false
}

func (h *Handler) handleCleanupHistory(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	queueID, ok := pathID(w, r, ps, "id")
	if !ok {
		return
	}
	var req cleanupRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	removed, err := h.service.CleanupHistory(r.Context(), ownerFromContext(r.Context()), queueID, req.Days)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cleanupResponse{Removed: removed})
}

func (h *Handler) handleDeleteHistoryEntry(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	entryID, ok := pathID(w, r, ps, "entryId")
	if !ok {
		return
	}
	if _, err := h.service.DeleteHistoryEntry(r.Context(), ownerFromContext(r.Context()), entryID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListLocations(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	locations, err := h.service.ListLocations(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, locations)
}

func (h *Handler) handleCreateLocation(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var input queue.LocationInput
	if !decodeRequest(w, r, &input) {
		return
	}
	location, err := h.service.CreateLocation(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, location)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	requestID := requestIDFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("request_id", requestID).Error("request failed")
	}
	var fields map[string]string
	var verr *queue.ValidationError
	if errors.As(err, &verr) {
		fields = verr.Fields
	}
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: msg,
			Fields:  fields,
		},
	})
}

func pathID(w http.ResponseWriter, r *http.Request, ps httprouter.Params, name string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(ps.ByName(name)), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, requestIDFromContext(r.Context()), http.StatusBadRequest, "invalid_request", name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromContext(r.Context()), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	var verr *queue.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, "validation_failed", "request validation failed"
	case errors.Is(err, store.ErrQueueNotFound):
		return http.StatusNotFound, "queue_not_found", "queue not found"
	case errors.Is(err, store.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found", "entry not found"
	case errors.Is(err, store.ErrLocationNotFound):
		return http.StatusNotFound, "location_not_found", "location not found"
	case errors.Is(err, queue.ErrQueueClosed):
		return http.StatusConflict, "queue_closed", "queue is not accepting new entries"
	case errors.Is(err, store.ErrQueueHasEntries):
		return http.StatusConflict, "queue_has_entries", "queue still has entries"
	case errors.Is(err, store.ErrEntryActive):
		return http.StatusConflict, "entry_active", "entry is still waiting or being served"
	case errors.Is(err, store.ErrConflict):
		return http.StatusServiceUnavailable, "conflict", "queue is busy, retry shortly"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
