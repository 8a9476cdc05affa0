package handler

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/pharmaledger/internal/model"
	"github.com/mmeshcher/pharmaledger/internal/money"
	"github.com/mmeshcher/pharmaledger/internal/service"
)

const callbackTokenHeader = "X-Callback-Token"

type sessionResponse struct {
	ID                uuid.UUID   `json:"id"`
	OrderID           uuid.UUID   `json:"order_id"`
	Amount            money.Money `json:"amount"`
	State             string      `json:"state"`
	Sandbox           bool        `json:"sandbox"`
	GatewayReference  string      `json:"gateway_reference,omitempty"`
	ProviderPaymentID string      `json:"provider_payment_id,omitempty"`
	FailureReason     string      `json:"failure_reason,omitempty"`
	SupersededBy      *uuid.UUID  `json:"superseded_by,omitempty"`
	CreatedAt         string      `json:"created_at"`
	UpdatedAt         string      `json:"updated_at"`
}

func newSessionResponse(s *model.PaymentSession) sessionResponse {
	return sessionResponse{
		ID:                s.ID,
		OrderID:           s.OrderID,
		Amount:            s.Amount,
		State:             string(s.State),
		Sandbox:           s.Sandbox,
		GatewayReference:  s.GatewayReference,
		ProviderPaymentID: s.ProviderPaymentID,
		FailureReason:     s.FailureReason,
		SupersededBy:      s.SupersededBy,
		CreatedAt:         s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         s.UpdatedAt.Format(time.RFC3339),
	}
}

// OpenSession начинает оплату заказа через шлюз.
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	h.startSession(w, r, false)
}

// RetrySession начинает повторную попытку оплаты после отказа или ошибки.
func (h *Handler) RetrySession(w http.ResponseWriter, r *http.Request) {
	h.startSession(w, r, true)
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, retry bool) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	orderID, ok := pathUUID(w, r, "orderID")
	if !ok {
		return
	}

	var (
		sess *model.PaymentSession
		err  error
	)
	if retry {
		sess, err = h.service.RetrySession(r.Context(), actor, orderID)
	} else {
		sess, err = h.service.OpenSession(r.Context(), actor, orderID)
	}
	if err != nil {
		h.writeError(w, r, "start payment session", err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionResponse(sess))
}

// GetSession возвращает платёжную сессию.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "sessionID")
	if !ok {
		return
	}

	sess, err := h.service.GetSession(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, "get payment session", err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

// DismissSession фиксирует, что покупатель закрыл окно оплаты.
func (h *Handler) DismissSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "sessionID")
	if !ok {
		return
	}

	sess, err := h.service.DismissSession(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, "dismiss payment session", err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

type staleCallbackResponse struct {
	ID               uuid.UUID `json:"id"`
	SessionID        uuid.UUID `json:"session_id"`
	Outcome          string    `json:"outcome"`
	GatewayReference string    `json:"gateway_reference,omitempty"`
	ReceivedAt       string    `json:"received_at"`
}

// StaleCallbacks возвращает проигнорированные ответы шлюза по заказу.
func (h *Handler) StaleCallbacks(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	orderID, ok := pathUUID(w, r, "orderID")
	if !ok {
		return
	}

	stale, err := h.service.StaleCallbacks(r.Context(), actor, orderID)
	if err != nil {
		h.writeError(w, r, "stale callbacks", err)
		return
	}

	resp := make([]staleCallbackResponse, 0, len(stale))
	for _, sc := range stale {
		resp = append(resp, staleCallbackResponse{
			ID:               sc.ID,
			SessionID:        sc.SessionID,
			Outcome:          string(sc.Outcome),
			GatewayReference: sc.GatewayReference,
			ReceivedAt:       sc.ReceivedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type callbackRequest struct {
	EventID          string    `json:"event_id" validate:"max=255"`
	SessionID        uuid.UUID `json:"session_id" validate:"required"`
	Outcome          string    `json:"outcome" validate:"required,oneof=completed dismissed errored"`
	GatewayReference string    `json:"gateway_reference" validate:"required_if=Outcome completed,max=255"`
	Reason           string    `json:"reason" validate:"max=1000"`
}

type callbackResponse struct {
	Result  string           `json:"result"`
	Session *sessionResponse `json:"session,omitempty"`
}

// PaymentCallback принимает ответ шлюза. Повторные и устаревшие ответы подтверждаются
// кодом 200, чтобы шлюз не доставлял их снова.
// Без настроенного токена маршрут отклоняет все запросы.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	if !h.callbackAuthorized(r) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req callbackRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.service.HandleCallback(r.Context(), service.Callback{
		EventID:          req.EventID,
		SessionID:        req.SessionID,
		Outcome:          model.SessionState(req.Outcome),
		GatewayReference: req.GatewayReference,
		Reason:           req.Reason,
	})
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			h.logger.Warn("callback for unknown payment session",
				zap.String("session_id", req.SessionID.String()),
				zap.String("event_id", req.EventID),
			)
		}
		h.writeError(w, r, "payment callback", err)
		return
	}

	resp := callbackResponse{Result: "applied"}
	switch {
	case res.Duplicate:
		resp.Result = "duplicate"
	case res.Stale:
		resp.Result = "stale"
	}
	if res.Session != nil {
		s := newSessionResponse(res.Session)
		resp.Session = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) callbackAuthorized(r *http.Request) bool {
	if h.callbackToken == "" {
		return false
	}
	got := r.Header.Get(callbackTokenHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.callbackToken)) == 1
}
