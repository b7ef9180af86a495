package notifications

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bissquit/workout-notify/internal/domain"
	"github.com/bissquit/workout-notify/internal/pkg/ctxlog"
	"github.com/bissquit/workout-notify/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrChannelNotConfigured, Status: http.StatusInternalServerError},
	{Error: ErrUnknownChannel, Status: http.StatusNotFound, Message: "unknown notification channel"},
	{Error: ErrPermissionDenied, Status: http.StatusForbidden, Message: "notification permission denied"},
	{Error: ErrTokenUnavailable, Status: http.StatusBadRequest, Message: "device token is required"},
	{Error: ErrTransitionInProgress, Status: http.StatusConflict, Message: "subscription change already in progress"},
	{Error: ErrSubscriptionNotFound, Status: http.StatusNotFound, Message: "push subscription not found"},
}

// Handler handles HTTP requests for the notifications module.
type Handler struct {
	dispatcher  *Dispatcher
	registrar   *Registrar
	brokerAppID string
	validator   *validator.Validate
}

// NewHandler creates a new notifications handler.
// brokerAppID is handed to clients so they can initialize the broker SDK.
func NewHandler(dispatcher *Dispatcher, registrar *Registrar, brokerAppID string) *Handler {
	return &Handler{
		dispatcher:  dispatcher,
		registrar:   registrar,
		brokerAppID: brokerAppID,
		validator:   validator.New(),
	}
}

// RegisterPublicRoutes registers routes that do not require auth.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/notifications/broker/config", h.GetBrokerConfig)
}

// RegisterRoutes registers the caller's subscription routes (require auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/me/push-subscriptions", func(r chi.Router) {
		r.Get("/", h.ListSubscriptions)
		r.Post("/", h.Subscribe)
		r.Delete("/{channel}", h.Unsubscribe)
	})
}

// RegisterStaffRoutes registers dispatch routes (require staff role).
func (h *Handler) RegisterStaffRoutes(r chi.Router) {
	r.Post("/notifications/dispatch", h.Dispatch)
	r.Post("/notifications/dispatch/{channel}", h.DispatchChannel)
}

// DispatchResponse is the body of a successful dispatch.
type DispatchResponse struct {
	Success bool `json:"success"`
	*DispatchResult
}

// Dispatch handles POST /notifications/dispatch.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	ctxlog.FromContext(r.Context()).Info("dispatch requested",
		"type", req.Type,
		"workout_id", req.WorkoutID,
		"role", httputil.GetRole(r.Context()),
	)

	result, err := h.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		h.handleDispatchError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, DispatchResponse{Success: true, DispatchResult: result})
}

// DispatchChannel handles POST /notifications/dispatch/{channel}.
func (h *Handler) DispatchChannel(w http.ResponseWriter, r *http.Request) {
	channel := domain.ChannelKind(chi.URLParam(r, "channel"))
	if !channel.IsValid() {
		httputil.Error(w, http.StatusNotFound, "unknown notification channel")
		return
	}

	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	result, err := h.dispatcher.DispatchChannel(r.Context(), channel, req)
	if err != nil {
		h.handleDispatchError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, DispatchResponse{Success: true, DispatchResult: result})
}

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (*Request, bool) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return nil, false
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	return &req, true
}

func (h *Handler) handleDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		httputil.ValidationError(w, validationErr.Err)
		return
	}
	httputil.HandleError(r.Context(), w, err, errorMappings)
}

// GetBrokerConfig handles GET /notifications/broker/config.
func (h *Handler) GetBrokerConfig(w http.ResponseWriter, r *http.Request) {
	if h.brokerAppID == "" {
		err := &ConfigurationError{Channel: domain.ChannelBroker, Reason: "app id is not set"}
		ctxlog.FromContext(r.Context()).Error("broker config requested", "error", err)
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]string{"app_id": h.brokerAppID})
}

// SubscribeRequest represents request body for registering a device.
// For the broker channel Token is the external user ID the client SDK logged
// in with. The stored row only records the registration; broker delivery
// addresses users by ID and never reads it.
type SubscribeRequest struct {
	Channel    string `json:"channel" validate:"required,oneof=broker fcm"`
	Token      string `json:"token" validate:"max=4096"`
	Permission string `json:"permission" validate:"omitempty,oneof=granted denied"`
}

// SubscriptionResponse describes a user's registration on one channel.
type SubscriptionResponse struct {
	*domain.DeviceSubscription
	State SubscriptionState `json:"state"`
}

// ListSubscriptions handles GET /me/push-subscriptions.
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	subs, err := h.registrar.Subscriptions(r.Context(), userID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	resp := make([]SubscriptionResponse, 0, len(subs))
	for i := range subs {
		state, err := h.registrar.State(r.Context(), userID, subs[i].Channel)
		if err != nil {
			httputil.HandleError(r.Context(), w, err, errorMappings)
			return
		}
		resp = append(resp, SubscriptionResponse{DeviceSubscription: &subs[i], State: state})
	}

	httputil.Success(w, http.StatusOK, resp)
}

// Subscribe handles POST /me/push-subscriptions.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	src := PresentedToken{Denied: req.Permission == "denied", Value: req.Token}
	sub, err := h.registrar.Subscribe(r.Context(), userID, domain.ChannelKind(req.Channel), src)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, SubscriptionResponse{DeviceSubscription: sub, State: StateSubscribed})
}

// Unsubscribe handles DELETE /me/push-subscriptions/{channel}.
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())
	channel := domain.ChannelKind(chi.URLParam(r, "channel"))

	if err := h.registrar.Unsubscribe(r.Context(), userID, channel); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
