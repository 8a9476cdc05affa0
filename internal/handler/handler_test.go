package handler

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/pharmaledger/internal/gateway"
	"github.com/mmeshcher/pharmaledger/internal/idempotency"
	"github.com/mmeshcher/pharmaledger/internal/inventory"
	"github.com/mmeshcher/pharmaledger/internal/ledger"
	"github.com/mmeshcher/pharmaledger/internal/middleware"
	"github.com/mmeshcher/pharmaledger/internal/model"
	"github.com/mmeshcher/pharmaledger/internal/money"
	"github.com/mmeshcher/pharmaledger/internal/repository"
	"github.com/mmeshcher/pharmaledger/internal/service"
)

type stubService struct {
	order    *model.Order
	orders   []model.Order
	orderErr error

	checkoutIn service.CheckoutInput

	account   *model.CreditAccount
	payment   *model.Payment
	settleIn  service.SettleInput
	settleErr error

	entry    *model.OrderRequestEntry
	entries  []model.OrderRequestEntry
	entryErr error

	session    *model.PaymentSession
	sessionErr error
	callback   service.Callback
	cbResult   service.CallbackResult
	cbErr      error
	cbCalls    int
}

func (s *stubService) Currency() money.Currency { return money.NPR }

func (s *stubService) Checkout(ctx context.Context, actor model.Actor, in service.CheckoutInput) (*model.Order, error) {
	s.checkoutIn = in
	return s.order, s.orderErr
}

func (s *stubService) Transition(ctx context.Context, actor model.Actor, orderID uuid.UUID, to model.OrderStatus, note string) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubService) Cancel(ctx context.Context, actor model.Actor, orderID uuid.UUID, reason string) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubService) MarkPaid(ctx context.Context, actor model.Actor, orderID uuid.UUID) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubService) GetOrder(ctx context.Context, actor model.Actor, orderID uuid.UUID) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubService) GetOrderByNumber(ctx context.Context, actor model.Actor, number string) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubService) ListOrders(ctx context.Context, actor model.Actor, customerID *uuid.UUID, status model.OrderStatus, limit int) ([]model.Order, error) {
	return s.orders, s.orderErr
}

func (s *stubService) SetCreditLimit(ctx context.Context, actor model.Actor, customerID uuid.UUID, limit money.Money) (*model.CreditAccount, error) {
	return s.account, nil
}

func (s *stubService) SetPaymentTerms(ctx context.Context, actor model.Actor, customerID uuid.UUID, days int) (*model.CreditAccount, error) {
	return s.account, nil
}

func (s *stubService) Settle(ctx context.Context, actor model.Actor, in service.SettleInput) (*model.Payment, error) {
	s.settleIn = in
	return s.payment, s.settleErr
}

func (s *stubService) Statement(ctx context.Context, actor model.Actor, customerID uuid.UUID) (*service.Statement, error) {
	return &service.Statement{Account: s.account, Available: s.account.Available()}, nil
}

func (s *stubService) SubmitRequest(ctx context.Context, actor model.Actor, productID uuid.UUID, quantity int64, note string) (*model.OrderRequestEntry, error) {
	return s.entry, s.entryErr
}

func (s *stubService) DecideRequest(ctx context.Context, actor model.Actor, requestID uuid.UUID, decision model.Decision, released *int64, note string) (*model.OrderRequestEntry, error) {
	return s.entry, s.entryErr
}

func (s *stubService) AddRequestNote(ctx context.Context, actor model.Actor, requestID uuid.UUID, text string) (*model.OrderRequestEntry, error) {
	return s.entry, s.entryErr
}

func (s *stubService) GetRequest(ctx context.Context, actor model.Actor, requestID uuid.UUID) (*model.OrderRequestEntry, error) {
	return s.entry, s.entryErr
}

func (s *stubService) ListRequests(ctx context.Context, actor model.Actor, status model.OrderRequestStatus) ([]model.OrderRequestEntry, error) {
	return s.entries, s.entryErr
}

func (s *stubService) OpenSession(ctx context.Context, actor model.Actor, orderID uuid.UUID) (*model.PaymentSession, error) {
	return s.session, s.sessionErr
}

func (s *stubService) RetrySession(ctx context.Context, actor model.Actor, orderID uuid.UUID) (*model.PaymentSession, error) {
	return s.session, s.sessionErr
}

func (s *stubService) DismissSession(ctx context.Context, actor model.Actor, sessionID uuid.UUID) (*model.PaymentSession, error) {
	return s.session, s.sessionErr
}

func (s *stubService) GetSession(ctx context.Context, actor model.Actor, sessionID uuid.UUID) (*model.PaymentSession, error) {
	return s.session, s.sessionErr
}

func (s *stubService) StaleCallbacks(ctx context.Context, actor model.Actor, orderID uuid.UUID) ([]model.StaleCallback, error) {
	return nil, s.sessionErr
}

func (s *stubService) HandleCallback(ctx context.Context, cb service.Callback) (service.CallbackResult, error) {
	s.cbCalls++
	s.callback = cb
	return s.cbResult, s.cbErr
}

const testSecret = "test-secret"

func newTestHandler(t *testing.T, svc Service, callbackToken string) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware(testSecret)

	return NewHandler(svc, logger, auth, callbackToken)
}

func do(t *testing.T, h *Handler, actor *model.Actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != nil {
		token, err := h.authMiddleware.IssueToken(*actor)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func sampleOrder(customer uuid.UUID) *model.Order {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	total := money.New(1_000_000, money.NPR)
	return &model.Order{
		ID:            uuid.New(),
		Number:        "12345678903",
		CustomerID:    customer,
		PaymentMethod: model.PaymentMethodCredit,
		PaymentStatus: model.PaymentStatusCredit,
		Subtotal:      total,
		Discount:      money.Zero(money.NPR),
		Total:         total,
		Items: []model.OrderItem{{
			ProductID: uuid.New(),
			Quantity:  100,
			UnitPrice: money.New(10_000, money.NPR),
			Discount:  money.Zero(money.NPR),
			Total:     total,
		}},
		History: []model.StatusChange{
			{Status: model.OrderStatusPending, At: now, ActorID: customer},
			{Status: model.OrderStatusConfirmed, At: now, ActorID: uuid.Nil},
		},
		CreatedAt: now,
	}
}

var (
	customer = model.Actor{ID: uuid.New(), Role: model.RoleCustomer}
	admin    = model.Actor{ID: uuid.New(), Role: model.RoleAdmin}
)

func TestCheckout_Created(t *testing.T) {
	svc := &stubService{order: sampleOrder(customer.ID)}
	h := newTestHandler(t, svc, "")

	productID := uuid.New()
	rec := do(t, h, &customer, http.MethodPost, "/api/orders", map[string]any{
		"items":          []map[string]any{{"product_id": productID, "quantity": 100}},
		"payment_method": "credit",
		"discount_rate":  "12.5",
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp orderResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "confirmed", resp.Status)
	assert.Equal(t, "credit", resp.PaymentStatus)
	assert.Equal(t, int64(1_000_000), resp.Total.Minor())
	assert.Len(t, resp.History, 2)

	require.Len(t, svc.checkoutIn.Lines, 1)
	assert.Equal(t, productID, svc.checkoutIn.Lines[0].ProductID)
	assert.Equal(t, "12.5", svc.checkoutIn.DiscountRate.String())
	assert.Equal(t, model.PaymentMethodCredit, svc.checkoutIn.PaymentMethod)
}

func TestCheckout_GzipRoundTrip(t *testing.T) {
	svc := &stubService{order: sampleOrder(customer.ID)}
	h := newTestHandler(t, svc, "")

	productID := uuid.New()
	var body bytes.Buffer
	zw := gzip.NewWriter(&body)
	require.NoError(t, json.NewEncoder(zw).Encode(map[string]any{
		"items":          []map[string]any{{"product_id": productID, "quantity": 3}},
		"payment_method": "cash_on_delivery",
	}))
	require.NoError(t, zw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/orders", &body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Accept-Encoding", "gzip")
	token, err := h.authMiddleware.IssueToken(customer)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	defer zr.Close()
	var resp orderResponse
	require.NoError(t, json.NewDecoder(zr).Decode(&resp))
	assert.Equal(t, svc.order.Number, resp.Number)

	require.Len(t, svc.checkoutIn.Lines, 1)
	assert.Equal(t, productID, svc.checkoutIn.Lines[0].ProductID)
	assert.Equal(t, int64(3), svc.checkoutIn.Lines[0].Quantity)
	assert.Equal(t, model.PaymentMethodCashOnDelivery, svc.checkoutIn.PaymentMethod)
}

func TestCheckout_Validation(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{name: "no items", body: map[string]any{"items": []any{}, "payment_method": "credit"}},
		{name: "unknown method", body: map[string]any{
			"items":          []map[string]any{{"product_id": uuid.New(), "quantity": 1}},
			"payment_method": "barter",
		}},
		{name: "zero quantity", body: map[string]any{
			"items":          []map[string]any{{"product_id": uuid.New(), "quantity": 0}},
			"payment_method": "gateway",
		}},
		{name: "bad discount", body: map[string]any{
			"items":          []map[string]any{{"product_id": uuid.New(), "quantity": 1}},
			"payment_method": "gateway",
			"discount_rate":  "ten",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{}, "")
			rec := do(t, h, &customer, http.MethodPost, "/api/orders", tt.body)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, model.CodeInvalidInput, decodeError(t, rec).Code)
		})
	}
}

func TestDomainErrorMapping(t *testing.T) {
	detailed := &ledger.InsufficientCreditError{
		Limit:     money.New(5_000_000, money.NPR),
		Used:      money.New(4_500_000, money.NPR),
		Requested: money.New(1_000_000, money.NPR),
	}

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"insufficient credit", detailed, http.StatusPaymentRequired, model.CodeInsufficientCredit},
		{"invalid transition", fmt.Errorf("%w: shipped to pending", model.ErrInvalidTransition), http.StatusConflict, model.CodeInvalidTransition},
		{"already processed", model.ErrAlreadyProcessed, http.StatusConflict, model.CodeAlreadyProcessed},
		{"payment required", model.ErrPaymentRequired, http.StatusConflict, model.CodePaymentRequired},
		{"invalid quantity", model.ErrInvalidQuantity, http.StatusUnprocessableEntity, model.CodeInvalidQuantity},
		{"not found", model.ErrNotFound, http.StatusNotFound, model.CodeNotFound},
		{"forbidden", model.ErrForbidden, http.StatusForbidden, model.CodeForbidden},
		{"currency", money.ErrCurrencyMismatch, http.StatusBadRequest, "CURRENCY_MISMATCH"},
		{"unexpected", context.DeadlineExceeded, http.StatusInternalServerError, "INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{orderErr: tt.err}, "")
			rec := do(t, h, &customer, http.MethodGet, "/api/orders/"+uuid.NewString(), nil)

			require.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestListOrders_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{orders: []model.Order{}}, "")
	rec := do(t, h, &customer, http.MethodGet, "/api/orders?status=pending", nil)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestOrders_RequireToken(t *testing.T) {
	h := newTestHandler(t, &stubService{}, "")
	rec := do(t, h, nil, http.MethodGet, "/api/orders", nil)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAdminRoutes_RejectCustomers(t *testing.T) {
	h := newTestHandler(t, &stubService{order: sampleOrder(customer.ID)}, "")

	paths := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodPost, "/api/orders/" + uuid.NewString() + "/transition", map[string]string{"status": "processing"}},
		{http.MethodPost, "/api/orders/" + uuid.NewString() + "/mark-paid", nil},
		{http.MethodPut, "/api/credit/" + uuid.NewString() + "/limit", map[string]string{"limit": "50000.00"}},
		{http.MethodPost, "/api/credit/" + uuid.NewString() + "/settlements", map[string]string{"amount": "1", "method": "cash"}},
		{http.MethodPost, "/api/requests/" + uuid.NewString() + "/decision", map[string]string{"decision": "reject"}},
	}
	for _, p := range paths {
		rec := do(t, h, &customer, p.method, p.path, p.body)
		assert.Equal(t, http.StatusForbidden, rec.Code, p.path)
	}
}

func TestSettle_ParsesAmountAndSurfacesUnallocated(t *testing.T) {
	customerID := uuid.New()
	billID := uuid.New()
	svc := &stubService{payment: &model.Payment{
		ID:         uuid.New(),
		CustomerID: customerID,
		Amount:     money.New(4_400_000, money.NPR),
		Method:     model.SettlementMethodBankTransfer,
		Status:     model.PaymentRecordCompleted,
		AppliedTo: []model.AppliedAmount{
			{BillID: billID, AmountApplied: money.New(4_000_000, money.NPR)},
		},
		Unallocated: money.New(400_000, money.NPR),
		CreatedAt:   time.Now(),
	}}
	h := newTestHandler(t, svc, "")

	rec := do(t, h, &admin, http.MethodPost, "/api/credit/"+customerID.String()+"/settlements", map[string]string{
		"amount":                "44000.00",
		"method":                "bank_transfer",
		"transaction_reference": "NEFT-1",
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, customerID, svc.settleIn.CustomerID)
	assert.Equal(t, int64(4_400_000), svc.settleIn.Amount.Minor())
	assert.Equal(t, money.NPR, svc.settleIn.Amount.Currency())

	var resp struct {
		Unallocated money.Money           `json:"unallocated_amount"`
		AppliedTo   []model.AppliedAmount `json:"applied_to"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "4000.00", resp.Unallocated.StringFixed())
	require.Len(t, resp.AppliedTo, 1)
	assert.Equal(t, billID, resp.AppliedTo[0].BillID)
}

func TestSettle_FailureHidesCause(t *testing.T) {
	svc := &stubService{settleErr: fmt.Errorf("%w: %w", model.ErrSettlementFailed, context.Canceled)}
	h := newTestHandler(t, svc, "")

	rec := do(t, h, &admin, http.MethodPost, "/api/credit/"+uuid.NewString()+"/settlements", map[string]string{
		"amount": "100.00",
		"method": "cash",
	})

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, model.CodeSettlementFailed, resp.Code)
	assert.Equal(t, model.ErrSettlementFailed.Message, resp.Message)
}

func TestMyStatement(t *testing.T) {
	svc := &stubService{account: &model.CreditAccount{
		CustomerID:       customer.ID,
		Limit:            money.New(5_000_000, money.NPR),
		Used:             money.New(1_000_000, money.NPR),
		PaymentTermsDays: 30,
	}}
	h := newTestHandler(t, svc, "")

	rec := do(t, h, &customer, http.MethodGet, "/api/credit/statement", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp statementResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "40000.00", resp.Account.Available.StringFixed())
	assert.Empty(t, resp.Bills)
}

func TestDecideRequest_ReturnsEntry(t *testing.T) {
	released := int64(300)
	now := time.Now()
	svc := &stubService{entry: &model.OrderRequestEntry{
		ID:                uuid.New(),
		ProductID:         uuid.New(),
		CustomerID:        customer.ID,
		RequestedQuantity: 500,
		ReleasedQuantity:  &released,
		Status:            model.OrderRequestPartiallyApproved,
		ProcessedAt:       &now,
		CreatedAt:         now,
	}}
	h := newTestHandler(t, svc, "")

	rec := do(t, h, &admin, http.MethodPost, "/api/requests/"+svc.entry.ID.String()+"/decision", map[string]any{
		"decision":          "approve",
		"released_quantity": 300,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp orderRequestResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "partially_approved", resp.Status)
	require.NotNil(t, resp.ReleasedQuantity)
	assert.Equal(t, int64(300), *resp.ReleasedQuantity)
}

func TestPaymentCallback(t *testing.T) {
	sessionID := uuid.New()
	body := map[string]string{
		"event_id":          "evt-1",
		"session_id":        sessionID.String(),
		"outcome":           "completed",
		"gateway_reference": "mp-42",
	}

	t.Run("token required", func(t *testing.T) {
		svc := &stubService{}
		h := newTestHandler(t, svc, "cb-token")

		rec := do(t, h, nil, http.MethodPost, "/api/payments/callback", body)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Zero(t, svc.cbCalls)
	})

	t.Run("stale callback is acknowledged", func(t *testing.T) {
		svc := &stubService{cbResult: service.CallbackResult{
			Stale:   true,
			Session: &model.PaymentSession{ID: sessionID, State: model.SessionErrored, Amount: money.New(1_000_000, money.NPR)},
		}}
		h := newTestHandler(t, svc, "cb-token")

		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		req := httptest.NewRequest(http.MethodPost, "/api/payments/callback", &buf)
		req.Header.Set(callbackTokenHeader, "cb-token")
		rec := httptest.NewRecorder()
		h.SetupRouter().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp callbackResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "stale", resp.Result)
		assert.Equal(t, sessionID, svc.callback.SessionID)
		assert.Equal(t, model.SessionCompleted, svc.callback.Outcome)
		assert.Equal(t, "mp-42", svc.callback.GatewayReference)
	})

	t.Run("completed without reference is rejected", func(t *testing.T) {
		svc := &stubService{}
		h := newTestHandler(t, svc, "cb-token")

		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(map[string]string{
			"session_id": sessionID.String(),
			"outcome":    "completed",
		}))
		req := httptest.NewRequest(http.MethodPost, "/api/payments/callback", &buf)
		req.Header.Set(callbackTokenHeader, "cb-token")
		rec := httptest.NewRecorder()
		h.SetupRouter().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Zero(t, svc.cbCalls)
	})

	t.Run("no token configured rejects every callback", func(t *testing.T) {
		svc := &stubService{}
		h := newTestHandler(t, svc, "")

		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		req := httptest.NewRequest(http.MethodPost, "/api/payments/callback", &buf)
		req.Header.Set(callbackTokenHeader, "")
		rec := httptest.NewRecorder()
		h.SetupRouter().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Zero(t, svc.cbCalls)
	})
}

// Покупатель без токена шлюза не может сам подтвердить оплату своего заказа.
func TestPaymentCallback_ForgedCompletionLeavesOrderUnpaid(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	gw, err := gateway.NewMercadoPago("", true, zap.NewNop())
	require.NoError(t, err)
	svc := service.NewService(store, inventory.Noop{}, gw, idempotency.NewMemoryStore(), zap.NewNop(), service.Options{
		Currency:      money.NPR,
		Sandbox:       true,
		SessionExpiry: 15 * time.Minute,
	})

	product := &model.Product{ID: uuid.New(), Name: "Paracetamol 500mg", UnitPrice: money.New(10_000, money.NPR), MaxOrderQuantity: 50}
	require.NoError(t, store.SaveProduct(ctx, product))

	order, err := svc.Checkout(ctx, customer, service.CheckoutInput{
		Lines:         []service.CheckoutLine{{ProductID: product.ID, Quantity: 2}},
		PaymentMethod: model.PaymentMethodGateway,
	})
	require.NoError(t, err)
	sess, err := svc.OpenSession(ctx, customer, order.ID)
	require.NoError(t, err)

	forged := map[string]string{
		"event_id":          "evt-forged",
		"session_id":        sess.ID.String(),
		"outcome":           "completed",
		"gateway_reference": "forged-ref",
	}

	for _, token := range []string{"", "cb-token"} {
		h := newTestHandler(t, svc, token)
		rec := do(t, h, &customer, http.MethodPost, "/api/payments/callback", forged)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "configured token %q", token)
	}

	got, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.NotEqual(t, model.PaymentStatusPaid, got.PaymentStatus)

	stored, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotEqual(t, model.SessionCompleted, stored.State)
	assert.Empty(t, stored.GatewayReference)
}

func TestOpenSession_ActiveSessionConflict(t *testing.T) {
	h := newTestHandler(t, &stubService{sessionErr: model.ErrSessionActive}, "")
	rec := do(t, h, &customer, http.MethodPost, "/api/orders/"+uuid.NewString()+"/payment-sessions", nil)

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, model.CodeSessionActive, decodeError(t, rec).Code)
}

func TestInvalidPathID(t *testing.T) {
	h := newTestHandler(t, &stubService{}, "")
	rec := do(t, h, &customer, http.MethodGet, "/api/orders/not-a-uuid", nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
