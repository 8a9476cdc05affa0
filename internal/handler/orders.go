package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/pharmaledger/internal/model"
	"github.com/mmeshcher/pharmaledger/internal/money"
	"github.com/mmeshcher/pharmaledger/internal/service"
)

type checkoutItemRequest struct {
	ProductID uuid.UUID  `json:"product_id" validate:"required"`
	Quantity  int64      `json:"quantity" validate:"gt=0"`
	RequestID *uuid.UUID `json:"request_id"`
}

type checkoutRequest struct {
	CustomerID    *uuid.UUID            `json:"customer_id"`
	Items         []checkoutItemRequest `json:"items" validate:"required,min=1,dive"`
	PaymentMethod string                `json:"payment_method" validate:"required,oneof=gateway credit cash_on_delivery"`
	DiscountRate  string                `json:"discount_rate" validate:"omitempty,numeric"`
}

type orderItemResponse struct {
	ProductID     uuid.UUID   `json:"product_id"`
	Quantity      int64       `json:"quantity"`
	UnitPrice     money.Money `json:"unit_price"`
	Discount      money.Money `json:"discount"`
	Total         money.Money `json:"total"`
	EntitlementID *uuid.UUID  `json:"entitlement_id,omitempty"`
}

type statusChangeResponse struct {
	Status  string    `json:"status"`
	At      string    `json:"at"`
	ActorID uuid.UUID `json:"actor_id"`
	Note    string    `json:"note,omitempty"`
}

type orderResponse struct {
	ID            uuid.UUID              `json:"id"`
	Number        string                 `json:"number"`
	CustomerID    uuid.UUID              `json:"customer_id"`
	Status        string                 `json:"status"`
	PaymentMethod string                 `json:"payment_method"`
	PaymentStatus string                 `json:"payment_status"`
	Subtotal      money.Money            `json:"subtotal"`
	Discount      money.Money            `json:"discount"`
	Total         money.Money            `json:"total"`
	Items         []orderItemResponse    `json:"items"`
	History       []statusChangeResponse `json:"history"`
	CreatedAt     string                 `json:"created_at"`
	CreditDueDate *string                `json:"credit_due_date,omitempty"`
}

func newOrderResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		ID:            o.ID,
		Number:        o.Number,
		CustomerID:    o.CustomerID,
		Status:        string(o.Status()),
		PaymentMethod: string(o.PaymentMethod),
		PaymentStatus: string(o.PaymentStatus),
		Subtotal:      o.Subtotal,
		Discount:      o.Discount,
		Total:         o.Total,
		Items:         make([]orderItemResponse, 0, len(o.Items)),
		History:       make([]statusChangeResponse, 0, len(o.History)),
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			ProductID:     it.ProductID,
			Quantity:      it.Quantity,
			UnitPrice:     it.UnitPrice,
			Discount:      it.Discount,
			Total:         it.Total,
			EntitlementID: it.EntitlementID,
		})
	}
	for _, h := range o.History {
		resp.History = append(resp.History, statusChangeResponse{
			Status:  string(h.Status),
			At:      h.At.Format(time.RFC3339),
			ActorID: h.ActorID,
			Note:    h.Note,
		})
	}
	if o.CreditDueDate != nil {
		due := o.CreditDueDate.Format(time.RFC3339)
		resp.CreditDueDate = &due
	}
	return resp
}

// Checkout оформляет заказ текущего покупателя или, для администратора, указанного покупателя.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := service.CheckoutInput{
		PaymentMethod: model.PaymentMethod(req.PaymentMethod),
		Lines:         make([]service.CheckoutLine, 0, len(req.Items)),
	}
	if req.CustomerID != nil {
		in.CustomerID = *req.CustomerID
	}
	if req.DiscountRate != "" {
		rate, err := decimal.NewFromString(req.DiscountRate)
		if err != nil {
			h.writeError(w, r, "checkout", model.ErrInvalidInput)
			return
		}
		in.DiscountRate = rate
	}
	for _, it := range req.Items {
		in.Lines = append(in.Lines, service.CheckoutLine{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			RequestID: it.RequestID,
		})
	}

	order, err := h.service.Checkout(r.Context(), actor, in)
	if err != nil {
		h.writeError(w, r, "checkout", err)
		return
	}

	writeJSON(w, http.StatusCreated, newOrderResponse(order))
}

// ListOrders возвращает заказы с фильтрами status, customer_id и limit.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	var customerID *uuid.UUID
	if raw := q.Get("customer_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, r, "list orders", model.ErrInvalidInput)
			return
		}
		customerID = &id
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, r, "list orders", model.ErrInvalidInput)
			return
		}
		limit = n
	}

	orders, err := h.service.ListOrders(r.Context(), actor, customerID, model.OrderStatus(q.Get("status")), limit)
	if err != nil {
		h.writeError(w, r, "list orders", err)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, newOrderResponse(&orders[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetOrder возвращает заказ по идентификатору.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "orderID")
	if !ok {
		return
	}

	order, err := h.service.GetOrder(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

// GetOrderByNumber возвращает заказ по номеру с контрольной цифрой.
func (h *Handler) GetOrderByNumber(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	order, err := h.service.GetOrderByNumber(r.Context(), actor, chi.URLParam(r, "number"))
	if err != nil {
		h.writeError(w, r, "get order by number", err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

type transitionRequest struct {
	Status string `json:"status" validate:"required"`
	Note   string `json:"note" validate:"max=1000"`
}

// TransitionOrder переводит заказ в новый статус.
func (h *Handler) TransitionOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "orderID")
	if !ok {
		return
	}

	var req transitionRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.service.Transition(r.Context(), actor, id, model.OrderStatus(req.Status), req.Note)
	if err != nil {
		h.writeError(w, r, "transition order", err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

// CancelOrder отменяет заказ. Тело запроса необязательно.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "orderID")
	if !ok {
		return
	}

	var req cancelRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	order, err := h.service.Cancel(r.Context(), actor, id, req.Reason)
	if err != nil {
		h.writeError(w, r, "cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

// MarkOrderPaid отмечает получение оплаты при доставке.
func (h *Handler) MarkOrderPaid(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "orderID")
	if !ok {
		return
	}

	order, err := h.service.MarkPaid(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, "mark order paid", err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}
