package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"tasknotif/internal/delivery"
	"tasknotif/internal/domain"
	"tasknotif/internal/observability"
	"tasknotif/internal/store"
	"tasknotif/internal/util"
)

type Notifications interface {
	Create(ctx context.Context, req domain.NotificationRequest) (domain.Notification, error)
	HandleTaskEvent(ctx context.Context, ev domain.TaskEvent) ([]domain.Notification, error)
	List(ctx context.Context, f store.NotificationFilter) ([]domain.Notification, error)
	Logs(ctx context.Context, notificationID string) ([]domain.NotificationLog, error)
	MarkRead(ctx context.Context, notificationID string, userID int64) (bool, error)
	UnreadCount(ctx context.Context, userID int64) (int, error)
}

type Gateway interface {
	RetryMessage(ctx context.Context, id string) (*domain.Message, error)
	HealthCheck(ctx context.Context) delivery.HealthReport
}

type MessageStore interface {
	GetMessage(ctx context.Context, id string) (domain.Message, bool, error)
}

type Queue interface {
	EnqueueSend(ctx context.Context, req domain.SendRequest) error
}

// Settler follows up on an attempt made outside the worker: notification log
// reconciliation and the next scheduled retry.
type Settler interface {
	Settle(ctx context.Context, m *domain.Message)
}

type API struct {
	Notifications Notifications
	Gateway       Gateway
	Messages      MessageStore
	Queue         Queue
	Settler       Settler
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/notifications", a.handleCreateNotification).Methods(http.MethodPost)
	r.HandleFunc("/v1/notifications/{id}/logs", a.handleNotificationLogs).Methods(http.MethodGet)
	r.HandleFunc("/v1/task-events", a.handleTaskEvent).Methods(http.MethodPost)

	r.HandleFunc("/v1/users/{userID}/notifications", a.handleListNotifications).Methods(http.MethodGet)
	r.HandleFunc("/v1/users/{userID}/notifications/unread-count", a.handleUnreadCount).Methods(http.MethodGet)
	r.HandleFunc("/v1/users/{userID}/notifications/{id}/read", a.handleMarkRead).Methods(http.MethodPost)

	r.HandleFunc("/v1/shihuatong/messages", a.handleSendMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/shihuatong/messages/{id}", a.handleGetMessage).Methods(http.MethodGet)
	r.HandleFunc("/v1/shihuatong/messages/{id}/retry", a.handleRetryMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/shihuatong/health", a.handleGatewayHealth).Methods(http.MethodGet)
}

func (a *API) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	var req domain.NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	n, err := a.Notifications.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

type taskEventResponse struct {
	Notifications []domain.Notification `json:"notifications"`
	Error         string                `json:"error,omitempty"`
}

// handleTaskEvent answers 202 when at least one recipient got a notification;
// per-recipient failures are reported alongside.
func (a *API) handleTaskEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.TaskEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	created, err := a.Notifications.HandleTaskEvent(r.Context(), ev)
	if err != nil && len(created) == 0 {
		writeError(w, r, err)
		return
	}
	resp := taskEventResponse{Notifications: created}
	if resp.Notifications == nil {
		resp.Notifications = []domain.Notification{}
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *API) handleNotificationLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	logs, err := a.Notifications.Logs(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []domain.NotificationLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (a *API) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDVar(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := store.NotificationFilter{
		UserID: userID,
		Status: domain.NotificationStatus(q.Get("status")),
		Type:   domain.NotificationType(q.Get("type")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, ErrInvalidLimit, http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	list, err := a.Notifications.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []domain.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDVar(w, r)
	if !ok {
		return
	}
	n, err := a.Notifications.UnreadCount(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unreadCount": n})
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDVar(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	found, err := a.Notifications.MarkRead(r.Context(), id, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req domain.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Type == "" {
		req.Type = domain.MessageText
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = util.NewJobID()
	}
	if err := a.Queue.EnqueueSend(r.Context(), req); err != nil {
		observability.Enqueues.WithLabelValues("send", "error").Inc()
		slog.Error("enqueue gateway message failed", "hook_token", req.HookToken, "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	observability.Enqueues.WithLabelValues("send", "ok").Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "idempotencyKey": req.IdempotencyKey})
}

func (a *API) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	m, found, err := a.Messages.GetMessage(r.Context(), id)
	if err != nil {
		slog.Error("get message failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleRetryMessage retries inline. 409 means the message is not failed, has
// spent its budget or was claimed by another retry.
func (a *API) handleRetryMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := a.Gateway.RetryMessage(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if m == nil {
		writeJSON(w, http.StatusConflict, errorBody{Error: ErrNotRetryable})
		return
	}
	if a.Settler != nil {
		a.Settler.Settle(r.Context(), m)
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleGatewayHealth(w http.ResponseWriter, r *http.Request) {
	rep := a.Gateway.HealthCheck(r.Context())
	status := http.StatusOK
	if rep.Status != delivery.HealthHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

func userIDVar(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["userID"], 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, ErrInvalidUserID, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
