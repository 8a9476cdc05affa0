package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/pharmaledger/internal/gateway"
	"github.com/mmeshcher/pharmaledger/internal/idempotency"
	"github.com/mmeshcher/pharmaledger/internal/model"
	"github.com/mmeshcher/pharmaledger/internal/money"
	"github.com/mmeshcher/pharmaledger/internal/repository"
)

type stubInventory struct {
	mu         sync.Mutex
	reserved   []uuid.UUID
	released   []uuid.UUID
	releaseErr error
}

func (s *stubInventory) Reserve(_ context.Context, orderID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved = append(s.reserved, orderID)
	return nil
}

func (s *stubInventory) Release(_ context.Context, orderID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.releaseErr != nil {
		return s.releaseErr
	}
	s.released = append(s.released, orderID)
	return nil
}

type stubGateway struct {
	mu       sync.Mutex
	status   string
	err      error
	requests []gateway.Request
}

func (g *stubGateway) CreatePayment(_ context.Context, req gateway.Request) (gateway.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return gateway.Response{}, g.err
	}
	status := g.status
	if status == "" {
		status = gateway.StatusPending
	}
	return gateway.Response{ProviderPaymentID: "mp-" + req.SessionID.String()[:8], Status: status}, nil
}

type testEnv struct {
	svc       *Service
	store     *repository.MemoryStore
	inventory *stubInventory
	gateway   *stubGateway
	clock     *time.Time
	admin     model.Actor
	customer  model.Actor
	product   *model.Product
}

func rs(v int64) money.Money {
	return money.New(v*100, money.NPR)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	env := &testEnv{
		store:     repository.NewMemoryStore(),
		inventory: &stubInventory{},
		gateway:   &stubGateway{},
		clock:     &now,
		admin:     model.Actor{ID: uuid.New(), Role: model.RoleAdmin},
		customer:  model.Actor{ID: uuid.New(), Role: model.RoleCustomer},
	}
	env.svc = NewService(env.store, env.inventory, env.gateway, idempotency.NewMemoryStore(), nil, Options{
		Currency:      money.NPR,
		Sandbox:       true,
		SessionExpiry: 15 * time.Minute,
		Now:           func() time.Time { return *env.clock },
	})

	env.product = &model.Product{ID: uuid.New(), Name: "Amoxicillin 500mg", UnitPrice: rs(100), MaxOrderQuantity: 100}
	require.NoError(t, env.store.SaveProduct(context.Background(), env.product))
	return env
}

func (e *testEnv) advance(d time.Duration) {
	*e.clock = e.clock.Add(d)
}

func (e *testEnv) seedAccount(t *testing.T, customerID uuid.UUID, limit, used int64) {
	t.Helper()
	require.NoError(t, e.store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return tx.SaveCreditAccount(ctx, &model.CreditAccount{
			CustomerID:       customerID,
			Limit:            rs(limit),
			Used:             rs(used),
			PaymentTermsDays: 30,
		})
	}))
}

func (e *testEnv) checkout(t *testing.T, qty int64, method model.PaymentMethod) (*model.Order, error) {
	t.Helper()
	return e.svc.Checkout(context.Background(), e.customer, CheckoutInput{
		Lines:         []CheckoutLine{{ProductID: e.product.ID, Quantity: qty}},
		PaymentMethod: method,
	})
}

func TestCheckout_CreditScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, env.customer.ID, 50000, 45000)

	_, err := env.checkout(t, 100, model.PaymentMethodCredit)
	require.ErrorIs(t, err, model.ErrInsufficientCredit)

	acc, err := env.store.GetCreditAccount(ctx, env.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, rs(45000), acc.Used)
	bills, err := env.store.ListBills(ctx, env.customer.ID)
	require.NoError(t, err)
	assert.Empty(t, bills)

	env.seedAccount(t, env.customer.ID, 50000, 30000)

	order, err := env.checkout(t, 100, model.PaymentMethodCredit)
	require.NoError(t, err)
	assert.Equal(t, rs(10000), order.Total)
	assert.Equal(t, model.OrderStatusConfirmed, order.Status())
	assert.Equal(t, model.PaymentStatusCredit, order.PaymentStatus)

	acc, err = env.store.GetCreditAccount(ctx, env.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, rs(40000), acc.Used)
	assert.Equal(t, rs(10000), acc.Available())

	bills, err = env.store.ListBills(ctx, env.customer.ID)
	require.NoError(t, err)
	require.Len(t, bills, 1)
	assert.Equal(t, order.ID, bills[0].OrderID)
	assert.Equal(t, rs(10000), bills[0].AmountDue)
	assert.Equal(t, env.clock.AddDate(0, 0, 30), bills[0].DueDate)

	assert.Equal(t, []uuid.UUID{order.ID}, env.inventory.reserved)
}

func TestCheckout_Validation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.checkout(t, 101, model.PaymentMethodCashOnDelivery)
	assert.ErrorIs(t, err, model.ErrInvalidQuantity)

	_, err = env.checkout(t, 0, model.PaymentMethodCashOnDelivery)
	assert.ErrorIs(t, err, model.ErrInvalidQuantity)

	_, err = env.checkout(t, 1, model.PaymentMethod("barter"))
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = env.checkout(t, 1, model.PaymentMethodCredit)
	assert.ErrorIs(t, err, model.ErrInsufficientCredit, "no credit account")

	_, err = env.svc.Checkout(context.Background(), env.customer, CheckoutInput{
		Lines:         []CheckoutLine{{ProductID: env.product.ID, Quantity: 1}},
		PaymentMethod: model.PaymentMethodCashOnDelivery,
		DiscountRate:  decimal.NewFromInt(10),
	})
	assert.ErrorIs(t, err, model.ErrForbidden, "customers cannot set a discount")
}

func TestCheckout_DiscountIsSpreadOverLines(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	other := &model.Product{ID: uuid.New(), Name: "Paracetamol", UnitPrice: money.New(333, money.NPR), MaxOrderQuantity: 50}
	require.NoError(t, env.store.SaveProduct(ctx, other))

	order, err := env.svc.Checkout(ctx, env.admin, CheckoutInput{
		CustomerID: env.customer.ID,
		Lines: []CheckoutLine{
			{ProductID: env.product.ID, Quantity: 1},
			{ProductID: other.ID, Quantity: 1},
		},
		PaymentMethod: model.PaymentMethodCashOnDelivery,
		DiscountRate:  decimal.RequireFromString("12.5"),
	})
	require.NoError(t, err)

	// 10333 * 12.5% = 1291.625 -> 1292
	assert.Equal(t, int64(10333), order.Subtotal.Minor())
	assert.Equal(t, int64(1292), order.Discount.Minor())
	assert.Equal(t, int64(9041), order.Total.Minor())

	var lines int64
	for _, it := range order.Items {
		lines += it.Total.Minor()
	}
	assert.Equal(t, order.Total.Minor(), lines)
	assert.Equal(t, env.customer.ID, order.CustomerID)
	assert.Equal(t, model.OrderStatusPending, order.Status())
}

func TestConcurrentCreditCheckoutsNeverExceedLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, env.customer.ID, 50000, 0)

	const workers = 20
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.checkout(t, 100, model.PaymentMethodCredit)
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, model.ErrInsufficientCredit)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	acc, err := env.store.GetCreditAccount(ctx, env.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, rs(50000), acc.Used)
	assertLedgerConsistent(t, env, env.customer.ID)
}

func assertLedgerConsistent(t *testing.T, env *testEnv, customerID uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	acc, err := env.store.GetCreditAccount(ctx, customerID)
	require.NoError(t, err)
	bills, err := env.store.ListBills(ctx, customerID)
	require.NoError(t, err)

	var outstanding int64
	for _, b := range bills {
		if b.IsOpen() {
			outstanding += b.Outstanding().Minor()
		}
	}
	assert.Equal(t, acc.Used.Minor(), outstanding, "used must equal outstanding bills")
	assert.GreaterOrEqual(t, acc.Used.Minor(), int64(0))
	assert.LessOrEqual(t, acc.Used.Minor(), acc.Limit.Minor())
}

func TestCancel_ReleasesCreditAndInventory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, env.customer.ID, 50000, 0)

	order, err := env.checkout(t, 30, model.PaymentMethodCredit)
	require.NoError(t, err)

	other := model.Actor{ID: uuid.New(), Role: model.RoleCustomer}
	_, err = env.svc.Cancel(ctx, other, order.ID, "not mine")
	require.ErrorIs(t, err, model.ErrNotFound)

	cancelled, err := env.svc.Cancel(ctx, env.customer, order.ID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, cancelled.Status())

	acc, err := env.store.GetCreditAccount(ctx, env.customer.ID)
	require.NoError(t, err)
	assert.True(t, acc.Used.IsZero())
	assert.Equal(t, []uuid.UUID{order.ID}, env.inventory.released)

	bills, err := env.store.ListBills(ctx, env.customer.ID)
	require.NoError(t, err)
	require.Len(t, bills, 1)
	assert.True(t, bills[0].Released)
	assertLedgerConsistent(t, env, env.customer.ID)

	_, err = env.svc.Cancel(ctx, env.customer, order.ID, "again")
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = env.svc.Cancel(ctx, env.admin, order.ID, "again")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestCancel_InventoryFailureKeepsOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, env.customer.ID, 50000, 0)

	order, err := env.checkout(t, 10, model.PaymentMethodCredit)
	require.NoError(t, err)

	env.inventory.releaseErr = errors.New("inventory unavailable")
	_, err = env.svc.Cancel(ctx, env.admin, order.ID, "")
	require.Error(t, err)

	got, err := env.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusConfirmed, got.Status())
	acc, err := env.store.GetCreditAccount(ctx, env.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, rs(1000), acc.Used)
}

func TestTransition_DeliveryRequiresPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order, err := env.checkout(t, 1, model.PaymentMethodCashOnDelivery)
	require.NoError(t, err)

	for _, to := range []model.OrderStatus{model.OrderStatusConfirmed, model.OrderStatusProcessing, model.OrderStatusShipped} {
		env.advance(time.Minute)
		_, err = env.svc.Transition(ctx, env.admin, order.ID, to, "")
		require.NoError(t, err)
	}

	_, err = env.svc.Transition(ctx, env.admin, order.ID, model.OrderStatusDelivered, "")
	require.ErrorIs(t, err, model.ErrPaymentRequired)

	_, err = env.svc.MarkPaid(ctx, env.customer, order.ID)
	require.ErrorIs(t, err, model.ErrForbidden)
	_, err = env.svc.MarkPaid(ctx, env.admin, order.ID)
	require.NoError(t, err)
	_, err = env.svc.MarkPaid(ctx, env.admin, order.ID)
	require.ErrorIs(t, err, model.ErrAlreadyProcessed)

	delivered, err := env.svc.Transition(ctx, env.admin, order.ID, model.OrderStatusDelivered, "signed by receptionist")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusDelivered, delivered.Status())
	assert.Len(t, delivered.History, 5)

	_, err = env.svc.Transition(ctx, env.customer, order.ID, model.OrderStatusCancelled, "")
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func TestSettle_FIFOAndOverpayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, env.customer.ID, 50000, 0)

	first, err := env.checkout(t, 1, model.PaymentMethodCredit)
	require.NoError(t, err)
	env.advance(24 * time.Hour)
	second, err := env.checkout(t, 50, model.PaymentMethodCredit)
	require.NoError(t, err)
	env.advance(24 * time.Hour)
	_, err = env.checkout(t, 30, model.PaymentMethodCredit)
	require.NoError(t, err)

	_, err = env.svc.Settle(ctx, env.customer, SettleInput{CustomerID: env.customer.ID, Amount: rs(10), Method: model.SettlementMethodCash})
	require.ErrorIs(t, err, model.ErrForbidden)

	p, err := env.svc.Settle(ctx, env.admin, SettleInput{
		CustomerID: env.customer.ID,
		Amount:     rs(2100),
		Method:     model.SettlementMethodBankTransfer,
		Reference:  "TXN-1",
	})
	require.NoError(t, err)
	require.Len(t, p.AppliedTo, 2)
	assert.Equal(t, rs(100), p.AppliedTo[0].AmountApplied)
	assert.Equal(t, rs(2000), p.AppliedTo[1].AmountApplied)
	assert.True(t, p.Unallocated.IsZero())
	assertLedgerConsistent(t, env, env.customer.ID)

	bills, err := env.store.ListBills(ctx, env.customer.ID)
	require.NoError(t, err)
	for _, b := range bills {
		switch b.OrderID {
		case first.ID:
			assert.False(t, b.IsOpen())
		case second.ID:
			assert.Equal(t, rs(3000), b.Outstanding())
		}
	}

	p, err = env.svc.Settle(ctx, env.admin, SettleInput{CustomerID: env.customer.ID, Amount: rs(10000), Method: model.SettlementMethodCheque})
	require.NoError(t, err)
	assert.Equal(t, rs(4000), p.Unallocated)

	acc, err := env.store.GetCreditAccount(ctx, env.customer.ID)
	require.NoError(t, err)
	assert.True(t, acc.Used.IsZero())
	assertLedgerConsistent(t, env, env.customer.ID)

	st, err := env.svc.Statement(ctx, env.customer, env.customer.ID)
	require.NoError(t, err)
	assert.Len(t, st.Payments, 2)
	assert.Equal(t, rs(50000), st.Available)

	_, err = env.svc.Statement(ctx, model.Actor{ID: uuid.New(), Role: model.RoleCustomer}, env.customer.ID)
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func TestSettle_UnknownAccount(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Settle(context.Background(), env.admin, SettleInput{
		CustomerID: uuid.New(),
		Amount:     rs(10),
		Method:     model.SettlementMethodCash,
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSettle_FailureRollsBackAndIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, env.customer.ID, 50000, 0)
	_, err := env.checkout(t, 10, model.PaymentMethodCredit)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = env.svc.Settle(ctx, env.admin, SettleInput{CustomerID: env.customer.ID, Amount: rs(500), Method: model.SettlementMethodCash})
	require.ErrorIs(t, err, model.ErrSettlementFailed)

	payments, err := env.store.ListPayments(context.Background(), env.customer.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, model.PaymentRecordFailed, payments[0].Status)
	assert.Empty(t, payments[0].AppliedTo)

	acc, err := env.store.GetCreditAccount(context.Background(), env.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, rs(1000), acc.Used)
}

func TestSetCreditLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.SetCreditLimit(ctx, env.customer, env.customer.ID, rs(100))
	require.ErrorIs(t, err, model.ErrForbidden)

	acc, err := env.svc.SetCreditLimit(ctx, env.admin, env.customer.ID, rs(1000))
	require.NoError(t, err)
	assert.Equal(t, rs(1000), acc.Limit)
	assert.Equal(t, 30, acc.PaymentTermsDays)

	acc, err = env.svc.SetPaymentTerms(ctx, env.admin, env.customer.ID, 45)
	require.NoError(t, err)
	assert.Equal(t, 45, acc.PaymentTermsDays)

	_, err = env.checkout(t, 8, model.PaymentMethodCredit)
	require.NoError(t, err)

	_, err = env.svc.SetCreditLimit(ctx, env.admin, env.customer.ID, rs(500))
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestOrderRequest_PartialApprovalEntitlement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.SubmitRequest(ctx, env.customer, env.product.ID, 80, "")
	require.ErrorIs(t, err, model.ErrInvalidQuantity)

	entry, err := env.svc.SubmitRequest(ctx, env.customer, env.product.ID, 500, "monsoon stock")
	require.NoError(t, err)
	assert.Equal(t, model.OrderRequestPending, entry.Status)

	released := int64(300)
	_, err = env.svc.DecideRequest(ctx, env.customer, entry.ID, model.DecisionApprove, &released, "")
	require.ErrorIs(t, err, model.ErrForbidden)

	decided, err := env.svc.DecideRequest(ctx, env.admin, entry.ID, model.DecisionApprove, &released, "300 for now")
	require.NoError(t, err)
	assert.Equal(t, model.OrderRequestPartiallyApproved, decided.Status)

	again := int64(500)
	_, err = env.svc.DecideRequest(ctx, env.admin, entry.ID, model.DecisionApprove, &again, "")
	require.ErrorIs(t, err, model.ErrAlreadyProcessed)
	stored, err := env.store.GetOrderRequest(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), *stored.ReleasedQuantity)
	assert.Equal(t, model.OrderRequestPartiallyApproved, stored.Status)

	line := func(qty int64) CheckoutInput {
		id := entry.ID
		return CheckoutInput{
			Lines:         []CheckoutLine{{ProductID: env.product.ID, Quantity: qty, RequestID: &id}},
			PaymentMethod: model.PaymentMethodCashOnDelivery,
		}
	}

	_, err = env.svc.Checkout(ctx, env.customer, line(500))
	require.ErrorIs(t, err, model.ErrInvalidQuantity)

	order, err := env.svc.Checkout(ctx, env.customer, line(300))
	require.NoError(t, err)
	assert.Equal(t, rs(30000), order.Total)

	_, err = env.svc.Checkout(ctx, env.customer, line(300))
	require.ErrorIs(t, err, model.ErrEntitlementConsumed)

	stored, err = env.store.GetOrderRequest(ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ConsumedByOrder)
	assert.Equal(t, order.ID, *stored.ConsumedByOrder)

	noted, err := env.svc.AddRequestNote(ctx, env.admin, entry.ID, "remaining 200 next quarter")
	require.NoError(t, err)
	assert.Len(t, noted.Notes, 1)
	assert.Equal(t, model.OrderRequestPartiallyApproved, noted.Status)
}

func TestOrderRequest_ConcurrentDecisions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entry, err := env.svc.SubmitRequest(ctx, env.customer, env.product.ID, 200, "")
	require.NoError(t, err)

	const admins = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		applied  int
		rejected int
	)
	for i := 0; i < admins; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			released := int64(100 + i)
			_, err := env.svc.DecideRequest(ctx, env.admin, entry.ID, model.DecisionApprove, &released, "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				applied++
				return
			}
			if errors.Is(err, model.ErrAlreadyProcessed) {
				rejected++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, admins-1, rejected)
}

func TestListRequests_ScopedToCustomer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.SubmitRequest(ctx, env.customer, env.product.ID, 150, "")
	require.NoError(t, err)
	other := model.Actor{ID: uuid.New(), Role: model.RoleCustomer}
	_, err = env.svc.SubmitRequest(ctx, other, env.product.ID, 250, "")
	require.NoError(t, err)

	own, err := env.svc.ListRequests(ctx, env.customer, "")
	require.NoError(t, err)
	assert.Len(t, own, 1)

	all, err := env.svc.ListRequests(ctx, env.admin, model.OrderRequestPending)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = env.svc.ListRequests(ctx, env.admin, "maybe")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestPaymentSession_CompleteConfirmsOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order, err := env.checkout(t, 2, model.PaymentMethodGateway)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusUnpaid, order.PaymentStatus)

	sess, err := env.svc.OpenSession(ctx, env.customer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionAwaitingCallback, sess.State)
	assert.True(t, sess.Sandbox)
	require.Len(t, env.gateway.requests, 1)
	assert.Equal(t, rs(200), env.gateway.requests[0].Amount)

	_, err = env.svc.OpenSession(ctx, env.customer, order.ID)
	require.ErrorIs(t, err, model.ErrSessionActive)

	res, err := env.svc.HandleCallback(ctx, Callback{
		EventID:          "evt-1",
		SessionID:        sess.ID,
		Outcome:          model.SessionCompleted,
		GatewayReference: "MP-REF-1",
	})
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.Equal(t, model.SessionCompleted, res.Session.State)

	got, err := env.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusConfirmed, got.Status())
	assert.Equal(t, model.PaymentStatusPaid, got.PaymentStatus)
	assert.Equal(t, []uuid.UUID{order.ID}, env.inventory.reserved)

	dup, err := env.svc.HandleCallback(ctx, Callback{EventID: "evt-1", SessionID: sess.ID, Outcome: model.SessionCompleted})
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Len(t, env.inventory.reserved, 1)
}

func TestPaymentSession_StaleCallbackAfterRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order, err := env.checkout(t, 1, model.PaymentMethodGateway)
	require.NoError(t, err)

	first, err := env.svc.OpenSession(ctx, env.customer, order.ID)
	require.NoError(t, err)

	_, err = env.svc.RetrySession(ctx, env.customer, order.ID)
	require.ErrorIs(t, err, model.ErrSessionActive)

	dismissed, err := env.svc.DismissSession(ctx, env.customer, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionDismissed, dismissed.State)

	got, err := env.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusFailed, got.PaymentStatus)
	assert.Equal(t, model.OrderStatusPending, got.Status())

	_, err = env.svc.OpenSession(ctx, env.customer, order.ID)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	second, err := env.svc.RetrySession(ctx, env.customer, order.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	prior, err := env.store.GetSession(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, prior.SupersededBy)
	assert.Equal(t, second.ID, *prior.SupersededBy)

	res, err := env.svc.HandleCallback(ctx, Callback{
		EventID:          "late-1",
		SessionID:        first.ID,
		Outcome:          model.SessionCompleted,
		GatewayReference: "MP-LATE",
	})
	require.NoError(t, err)
	assert.True(t, res.Stale)

	got, err = env.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, got.Status())
	assert.Equal(t, model.PaymentStatusPending, got.PaymentStatus)
	assert.Empty(t, env.inventory.reserved)

	stale, err := env.svc.StaleCallbacks(ctx, env.admin, order.ID)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, first.ID, stale[0].SessionID)
	assert.Equal(t, model.SessionCompleted, stale[0].Outcome)
	assert.Equal(t, "MP-LATE", stale[0].GatewayReference)

	_, err = env.svc.HandleCallback(ctx, Callback{EventID: "ok-2", SessionID: second.ID, Outcome: model.SessionCompleted, GatewayReference: "MP-2"})
	require.NoError(t, err)
	got, err = env.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusConfirmed, got.Status())
}

func TestPaymentSession_GatewayErrorFailsSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.gateway.err = errors.New("connection refused")

	order, err := env.checkout(t, 1, model.PaymentMethodGateway)
	require.NoError(t, err)

	sess, err := env.svc.OpenSession(ctx, env.customer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionErrored, sess.State)
	assert.Contains(t, sess.FailureReason, "connection refused")

	got, err := env.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusFailed, got.PaymentStatus)

	env.gateway.err = nil
	env.gateway.status = gateway.StatusRejected
	sess, err = env.svc.RetrySession(ctx, env.customer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionErrored, sess.State)
}

func TestPaymentSession_RejectsOtherMethods(t *testing.T) {
	env := newTestEnv(t)
	order, err := env.checkout(t, 1, model.PaymentMethodCashOnDelivery)
	require.NoError(t, err)

	_, err = env.svc.OpenSession(context.Background(), env.customer, order.ID)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestCancelAbandonsActiveSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order, err := env.checkout(t, 1, model.PaymentMethodGateway)
	require.NoError(t, err)
	sess, err := env.svc.OpenSession(ctx, env.customer, order.ID)
	require.NoError(t, err)

	_, err = env.svc.Cancel(ctx, env.customer, order.ID, "")
	require.NoError(t, err)

	res, err := env.svc.HandleCallback(ctx, Callback{SessionID: sess.ID, Outcome: model.SessionCompleted, GatewayReference: "late"})
	require.NoError(t, err)
	assert.True(t, res.Stale)

	got, err := env.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, got.Status())
	assert.Empty(t, env.inventory.released, "stock was never committed")
}

func TestExpireSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order, err := env.checkout(t, 1, model.PaymentMethodGateway)
	require.NoError(t, err)
	sess, err := env.svc.OpenSession(ctx, env.customer, order.ID)
	require.NoError(t, err)

	n, err := env.svc.ExpireSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.advance(16 * time.Minute)
	n, err = env.svc.ExpireSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionErrored, got.State)
	assert.Equal(t, "session expired", got.FailureReason)

	_, err = env.svc.RetrySession(ctx, env.customer, order.ID)
	require.NoError(t, err)
}

func TestHandleCallback_UnknownOutcome(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.HandleCallback(context.Background(), Callback{SessionID: uuid.New(), Outcome: model.SessionInitiated})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestGetOrder_HidesForeignOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order, err := env.checkout(t, 1, model.PaymentMethodCashOnDelivery)
	require.NoError(t, err)

	_, err = env.svc.GetOrder(ctx, model.Actor{ID: uuid.New(), Role: model.RoleCustomer}, order.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	got, err := env.svc.GetOrderByNumber(ctx, env.customer, order.Number)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	_, err = env.svc.GetOrderByNumber(ctx, env.customer, "12345")
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	list, err := env.svc.ListOrders(ctx, env.customer, nil, "", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStartSessionExpiry_StopsWithContext(t *testing.T) {
	svc := NewService(repository.NewMemoryStore(), nil, nil, nil, nil, Options{SessionExpiry: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.StartSessionExpiry(ctx)
}

func TestCheckout_RegeneratesCollidingOrderNumber(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	taken := "260301000000018"
	fresh := "260301000000117"
	numbers := []string{taken, taken, fresh}
	calls := 0
	env.svc.opts.OrderNumber = func(time.Time) string {
		n := numbers[calls]
		calls++
		return n
	}

	first, err := env.checkout(t, 1, model.PaymentMethodCashOnDelivery)
	require.NoError(t, err)
	assert.Equal(t, taken, first.Number)

	second, err := env.checkout(t, 1, model.PaymentMethodCashOnDelivery)
	require.NoError(t, err)
	assert.Equal(t, fresh, second.Number)
	assert.Equal(t, 3, calls)

	list, err := env.store.ListOrders(ctx, repository.OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCheckout_GivesUpAfterRepeatedCollisions(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, env.customer.ID, 50000, 0)

	calls := 0
	env.svc.opts.OrderNumber = func(time.Time) string {
		calls++
		return "260301000000018"
	}

	_, err := env.checkout(t, 1, model.PaymentMethodCredit)
	require.NoError(t, err)

	_, err = env.checkout(t, 1, model.PaymentMethodCredit)
	require.ErrorIs(t, err, repository.ErrDuplicateOrderNumber)
	assert.Equal(t, 1+maxOrderNumberAttempts, calls)

	// Отклонённые попытки не резервируют кредит.
	acc, err := env.store.GetCreditAccount(context.Background(), env.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, rs(100), acc.Used)
}
