package handler

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/pharmaledger/internal/model"
	"github.com/mmeshcher/pharmaledger/internal/money"
	"github.com/mmeshcher/pharmaledger/internal/service"
)

type creditAccountResponse struct {
	CustomerID       uuid.UUID   `json:"customer_id"`
	Limit            money.Money `json:"limit"`
	Used             money.Money `json:"used"`
	Available        money.Money `json:"available"`
	PaymentTermsDays int         `json:"payment_terms_days"`
	UpdatedAt        string      `json:"updated_at"`
}

func newCreditAccountResponse(acc *model.CreditAccount) creditAccountResponse {
	return creditAccountResponse{
		CustomerID:       acc.CustomerID,
		Limit:            acc.Limit,
		Used:             acc.Used,
		Available:        acc.Available(),
		PaymentTermsDays: acc.PaymentTermsDays,
		UpdatedAt:        acc.UpdatedAt.Format(time.RFC3339),
	}
}

type billResponse struct {
	ID          uuid.UUID   `json:"id"`
	OrderID     uuid.UUID   `json:"order_id"`
	AmountDue   money.Money `json:"amount_due"`
	AmountPaid  money.Money `json:"amount_paid"`
	Outstanding money.Money `json:"outstanding"`
	DueDate     string      `json:"due_date"`
	CreatedAt   string      `json:"created_at"`
	ClosedAt    *string     `json:"closed_at,omitempty"`
	Released    bool        `json:"released"`
}

func newBillResponse(b *model.Bill) billResponse {
	resp := billResponse{
		ID:          b.ID,
		OrderID:     b.OrderID,
		AmountDue:   b.AmountDue,
		AmountPaid:  b.AmountPaid,
		Outstanding: b.Outstanding(),
		DueDate:     b.DueDate.Format(time.RFC3339),
		CreatedAt:   b.CreatedAt.Format(time.RFC3339),
		Released:    b.Released,
	}
	if b.ClosedAt != nil {
		closed := b.ClosedAt.Format(time.RFC3339)
		resp.ClosedAt = &closed
	}
	return resp
}

type paymentResponse struct {
	ID            uuid.UUID             `json:"id"`
	CustomerID    uuid.UUID             `json:"customer_id"`
	Amount        money.Money           `json:"amount"`
	Method        string                `json:"method"`
	Reference     string                `json:"transaction_reference,omitempty"`
	Status        string                `json:"status"`
	AppliedTo     []model.AppliedAmount `json:"applied_to"`
	Unallocated   money.Money           `json:"unallocated_amount"`
	FailureReason string                `json:"failure_reason,omitempty"`
	CreatedAt     string                `json:"created_at"`
}

func newPaymentResponse(p *model.Payment) paymentResponse {
	applied := p.AppliedTo
	if applied == nil {
		applied = []model.AppliedAmount{}
	}
	return paymentResponse{
		ID:            p.ID,
		CustomerID:    p.CustomerID,
		Amount:        p.Amount,
		Method:        string(p.Method),
		Reference:     p.TransactionReference,
		Status:        string(p.Status),
		AppliedTo:     applied,
		Unallocated:   p.Unallocated,
		FailureReason: p.FailureReason,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
	}
}

type statementResponse struct {
	Account  creditAccountResponse `json:"account"`
	Bills    []billResponse        `json:"bills"`
	Payments []paymentResponse     `json:"payments"`
}

type creditLimitRequest struct {
	Limit string `json:"limit" validate:"required,numeric"`
}

// SetCreditLimit задаёт кредитный лимит покупателя.
func (h *Handler) SetCreditLimit(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	customerID, ok := pathUUID(w, r, "customerID")
	if !ok {
		return
	}

	var req creditLimitRequest
	if !h.decode(w, r, &req) {
		return
	}
	limit, err := money.Parse(req.Limit, h.service.Currency())
	if err != nil {
		h.writeError(w, r, "set credit limit", err)
		return
	}

	acc, err := h.service.SetCreditLimit(r.Context(), actor, customerID, limit)
	if err != nil {
		h.writeError(w, r, "set credit limit", err)
		return
	}
	writeJSON(w, http.StatusOK, newCreditAccountResponse(acc))
}

type paymentTermsRequest struct {
	Days int `json:"days" validate:"gt=0,lte=365"`
}

// SetPaymentTerms задаёт срок оплаты счетов покупателя в днях.
func (h *Handler) SetPaymentTerms(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	customerID, ok := pathUUID(w, r, "customerID")
	if !ok {
		return
	}

	var req paymentTermsRequest
	if !h.decode(w, r, &req) {
		return
	}

	acc, err := h.service.SetPaymentTerms(r.Context(), actor, customerID, req.Days)
	if err != nil {
		h.writeError(w, r, "set payment terms", err)
		return
	}
	writeJSON(w, http.StatusOK, newCreditAccountResponse(acc))
}

type settleRequest struct {
	Amount    string `json:"amount" validate:"required,numeric"`
	Method    string `json:"method" validate:"required,oneof=cash bank_transfer cheque gateway"`
	Reference string `json:"transaction_reference" validate:"max=255"`
}

// Settle принимает платёж покупателя и распределяет его по открытым счетам.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	customerID, ok := pathUUID(w, r, "customerID")
	if !ok {
		return
	}

	var req settleRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := money.Parse(req.Amount, h.service.Currency())
	if err != nil {
		h.writeError(w, r, "settle", err)
		return
	}

	p, err := h.service.Settle(r.Context(), actor, service.SettleInput{
		CustomerID: customerID,
		Amount:     amount,
		Method:     model.SettlementMethod(req.Method),
		Reference:  req.Reference,
	})
	if err != nil {
		h.writeError(w, r, "settle", err)
		return
	}
	writeJSON(w, http.StatusCreated, newPaymentResponse(p))
}

// Statement возвращает кредитный счёт покупателя с его счетами и платежами.
func (h *Handler) Statement(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	customerID, ok := pathUUID(w, r, "customerID")
	if !ok {
		return
	}
	h.writeStatement(w, r, actor, customerID)
}

// MyStatement возвращает кредитное положение текущего покупателя.
func (h *Handler) MyStatement(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	h.writeStatement(w, r, actor, actor.ID)
}

func (h *Handler) writeStatement(w http.ResponseWriter, r *http.Request, actor model.Actor, customerID uuid.UUID) {
	st, err := h.service.Statement(r.Context(), actor, customerID)
	if err != nil {
		h.writeError(w, r, "statement", err)
		return
	}

	resp := statementResponse{
		Account:  newCreditAccountResponse(st.Account),
		Bills:    make([]billResponse, 0, len(st.Bills)),
		Payments: make([]paymentResponse, 0, len(st.Payments)),
	}
	for i := range st.Bills {
		resp.Bills = append(resp.Bills, newBillResponse(&st.Bills[i]))
	}
	for i := range st.Payments {
		resp.Payments = append(resp.Payments, newPaymentResponse(&st.Payments[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}
