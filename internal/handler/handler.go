// Package handler содержит HTTP-обработчики API заказов, кредитов и платежей.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/pharmaledger/internal/gateway"
	"github.com/mmeshcher/pharmaledger/internal/middleware"
	"github.com/mmeshcher/pharmaledger/internal/model"
	"github.com/mmeshcher/pharmaledger/internal/money"
	"github.com/mmeshcher/pharmaledger/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Currency() money.Currency

	Checkout(ctx context.Context, actor model.Actor, in service.CheckoutInput) (*model.Order, error)
	Transition(ctx context.Context, actor model.Actor, orderID uuid.UUID, to model.OrderStatus, note string) (*model.Order, error)
	Cancel(ctx context.Context, actor model.Actor, orderID uuid.UUID, reason string) (*model.Order, error)
	MarkPaid(ctx context.Context, actor model.Actor, orderID uuid.UUID) (*model.Order, error)
	GetOrder(ctx context.Context, actor model.Actor, orderID uuid.UUID) (*model.Order, error)
	GetOrderByNumber(ctx context.Context, actor model.Actor, number string) (*model.Order, error)
	ListOrders(ctx context.Context, actor model.Actor, customerID *uuid.UUID, status model.OrderStatus, limit int) ([]model.Order, error)

	SetCreditLimit(ctx context.Context, actor model.Actor, customerID uuid.UUID, limit money.Money) (*model.CreditAccount, error)
	SetPaymentTerms(ctx context.Context, actor model.Actor, customerID uuid.UUID, days int) (*model.CreditAccount, error)
	Settle(ctx context.Context, actor model.Actor, in service.SettleInput) (*model.Payment, error)
	Statement(ctx context.Context, actor model.Actor, customerID uuid.UUID) (*service.Statement, error)

	SubmitRequest(ctx context.Context, actor model.Actor, productID uuid.UUID, quantity int64, note string) (*model.OrderRequestEntry, error)
	DecideRequest(ctx context.Context, actor model.Actor, requestID uuid.UUID, decision model.Decision, released *int64, note string) (*model.OrderRequestEntry, error)
	AddRequestNote(ctx context.Context, actor model.Actor, requestID uuid.UUID, text string) (*model.OrderRequestEntry, error)
	GetRequest(ctx context.Context, actor model.Actor, requestID uuid.UUID) (*model.OrderRequestEntry, error)
	ListRequests(ctx context.Context, actor model.Actor, status model.OrderRequestStatus) ([]model.OrderRequestEntry, error)

	OpenSession(ctx context.Context, actor model.Actor, orderID uuid.UUID) (*model.PaymentSession, error)
	RetrySession(ctx context.Context, actor model.Actor, orderID uuid.UUID) (*model.PaymentSession, error)
	DismissSession(ctx context.Context, actor model.Actor, sessionID uuid.UUID) (*model.PaymentSession, error)
	GetSession(ctx context.Context, actor model.Actor, sessionID uuid.UUID) (*model.PaymentSession, error)
	StaleCallbacks(ctx context.Context, actor model.Actor, orderID uuid.UUID) ([]model.StaleCallback, error)
	HandleCallback(ctx context.Context, cb service.Callback) (service.CallbackResult, error)
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	validate       *validator.Validate
	callbackToken  string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов. Если callbackToken не пуст,
// ответы шлюза принимаются только с заголовком X-Callback-Token с этим значением.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, callbackToken string) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		validate:       v,
		callbackToken:  callbackToken,
	}
}

type errorResponse struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

// decode читает JSON-тело запроса и проверяет его по тегам validate.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:    model.CodeInvalidInput,
			Message: "malformed request body",
		})
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		resp := errorResponse{Code: model.CodeInvalidInput, Message: "request validation failed"}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				resp.Fields = append(resp.Fields, fe.Namespace())
			}
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return false
	}
	return true
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return actor, ok
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:    model.CodeInvalidInput,
			Message: "invalid " + name,
		})
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor сопоставляет доменную ошибку HTTP-статусу.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrSettlementFailed):
		return http.StatusInternalServerError
	case errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrAlreadyProcessed),
		errors.Is(err, model.ErrSessionActive),
		errors.Is(err, model.ErrStaleCallback),
		errors.Is(err, model.ErrEntitlementConsumed),
		errors.Is(err, model.ErrPaymentRequired):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientCredit):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrInvalidQuantity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidInput),
		errors.Is(err, money.ErrCurrencyMismatch),
		errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, money.ErrOverflow):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrNotConfigured):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// domainErrors перечисляет ошибки, код которых отдаётся клиенту как есть.
var domainErrors = []*model.DomainError{
	model.ErrInvalidTransition,
	model.ErrInsufficientCredit,
	model.ErrInvalidQuantity,
	model.ErrAlreadyProcessed,
	model.ErrStaleCallback,
	model.ErrNotFound,
	model.ErrForbidden,
	model.ErrPaymentRequired,
	model.ErrEntitlementConsumed,
	model.ErrInvalidInput,
	model.ErrSessionActive,
}

// writeError отдаёт ошибку в виде {"code","message"}. Неожиданные ошибки логируются,
// а клиент получает только общий текст.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" error",
			zap.Error(err),
			zap.String("uri", r.RequestURI),
		)
	}

	resp := errorResponse{Message: err.Error()}
	switch {
	case errors.Is(err, model.ErrSettlementFailed):
		resp.Code = model.CodeSettlementFailed
		resp.Message = model.ErrSettlementFailed.Message
	case errors.Is(err, money.ErrCurrencyMismatch):
		resp.Code = "CURRENCY_MISMATCH"
	case errors.Is(err, gateway.ErrNotConfigured):
		resp.Code = "GATEWAY_UNAVAILABLE"
	case status == http.StatusInternalServerError:
		resp.Code = "INTERNAL"
		resp.Message = http.StatusText(http.StatusInternalServerError)
	default:
		resp.Code = model.CodeInvalidInput
		for _, de := range domainErrors {
			if errors.Is(err, de) {
				resp.Code = de.Code
				break
			}
		}
	}

	writeJSON(w, status, resp)
}
