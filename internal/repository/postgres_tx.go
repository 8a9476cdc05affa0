package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/pharmaledger/internal/model"
	"github.com/mmeshcher/pharmaledger/internal/money"
)

// pgTx реализует Tx поверх транзакции pgx.
type pgTx struct {
	tx pgx.Tx
}

type scanner interface {
	Scan(dest ...any) error
}

func lockClause(forUpdate bool) string {
	if forUpdate {
		return ` FOR UPDATE`
	}
	return ``
}

func notFound(err error, what string, key any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %v", model.ErrNotFound, what, key)
	}
	return fmt.Errorf("select %s: %w", what, err)
}

func (t *pgTx) GetProduct(ctx context.Context, id uuid.UUID) (*model.Product, error) {
	var (
		p        model.Product
		price    int64
		currency string
	)
	err := t.tx.QueryRow(ctx,
		`SELECT id, name, unit_price, currency, max_order_quantity FROM products WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &price, &currency, &p.MaxOrderQuantity)
	if err != nil {
		return nil, notFound(err, "product", id)
	}
	p.UnitPrice = money.New(price, money.Currency(currency))
	return &p, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, number, customer_id, payment_method, payment_status,
		                     subtotal, discount, total, currency, credit_due_date, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, o.Number, o.CustomerID, string(o.PaymentMethod), string(o.PaymentStatus),
		o.Subtotal.Minor(), o.Discount.Minor(), o.Total.Minor(), string(o.Total.Currency()),
		o.CreditDueDate, o.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "orders_number_key") {
			return fmt.Errorf("%w: %s", ErrDuplicateOrderNumber, o.Number)
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for i, it := range o.Items {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO order_items (order_id, line_no, product_id, quantity, unit_price, discount, total, entitlement_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			o.ID, i, it.ProductID, it.Quantity, it.UnitPrice.Minor(), it.Discount.Minor(), it.Total.Minor(), it.EntitlementID,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	for _, h := range o.History {
		if err := t.AppendStatus(ctx, o.ID, h); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) LockOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	return loadOrder(ctx, t.tx, `o.id = $1`, id, true)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE orders SET payment_status = $2, credit_due_date = $3 WHERE id = $1`,
		o.ID, string(o.PaymentStatus), o.CreditDueDate,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

func (t *pgTx) AppendStatus(ctx context.Context, orderID uuid.UUID, ch model.StatusChange) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO order_status_history (order_id, status, changed_at, actor_id, note) VALUES ($1, $2, $3, $4, $5)`,
		orderID, string(ch.Status), ch.At, ch.ActorID, ch.Note,
	)
	if err != nil {
		return fmt.Errorf("insert status change: %w", err)
	}
	return nil
}

func (t *pgTx) LockCreditAccount(ctx context.Context, customerID uuid.UUID) (*model.CreditAccount, error) {
	return loadCreditAccount(ctx, t.tx, customerID, true)
}

func (t *pgTx) SaveCreditAccount(ctx context.Context, acc *model.CreditAccount) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO credit_accounts (customer_id, credit_limit, used, currency, payment_terms_days, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (customer_id) DO UPDATE
		 SET credit_limit = EXCLUDED.credit_limit, used = EXCLUDED.used, currency = EXCLUDED.currency,
		     payment_terms_days = EXCLUDED.payment_terms_days, updated_at = EXCLUDED.updated_at`,
		acc.CustomerID, acc.Limit.Minor(), acc.Used.Minor(), string(acc.Limit.Currency()),
		acc.PaymentTermsDays, acc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save credit account: %w", err)
	}
	return nil
}

func (t *pgTx) OpenBills(ctx context.Context, customerID uuid.UUID) ([]*model.Bill, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+billColumns+`
		 FROM bills
		 WHERE customer_id = $1 AND closed_at IS NULL AND amount_paid < amount_due
		 ORDER BY due_date, created_at, id
		 FOR UPDATE`,
		customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select open bills: %w", err)
	}
	defer rows.Close()

	var res []*model.Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func (t *pgTx) BillByOrder(ctx context.Context, orderID uuid.UUID) (*model.Bill, error) {
	b, err := scanBill(t.tx.QueryRow(ctx,
		`SELECT `+billColumns+` FROM bills WHERE order_id = $1 FOR UPDATE`,
		orderID,
	))
	if err != nil {
		return nil, notFound(err, "bill for order", orderID)
	}
	return b, nil
}

func (t *pgTx) InsertBill(ctx context.Context, b *model.Bill) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO bills (id, customer_id, order_id, amount_due, amount_paid, currency, due_date, created_at, closed_at, released)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		b.ID, b.CustomerID, b.OrderID, b.AmountDue.Minor(), b.AmountPaid.Minor(), string(b.AmountDue.Currency()),
		b.DueDate, b.CreatedAt, b.ClosedAt, b.Released,
	)
	if err != nil {
		return fmt.Errorf("insert bill: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateBill(ctx context.Context, b *model.Bill) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE bills SET amount_paid = $2, closed_at = $3, released = $4 WHERE id = $1`,
		b.ID, b.AmountPaid.Minor(), b.ClosedAt, b.Released,
	)
	if err != nil {
		return fmt.Errorf("update bill: %w", err)
	}
	return nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *model.Payment) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO payments (id, customer_id, amount, currency, method, transaction_reference,
		                       status, unallocated, failure_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.CustomerID, p.Amount.Minor(), string(p.Amount.Currency()), string(p.Method),
		p.TransactionReference, string(p.Status), p.Unallocated.Minor(), p.FailureReason, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}

	for i, a := range p.AppliedTo {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO payment_allocations (payment_id, line_no, bill_id, amount_applied) VALUES ($1, $2, $3, $4)`,
			p.ID, i, a.BillID, a.AmountApplied.Minor(),
		)
		if err != nil {
			return fmt.Errorf("insert payment allocation: %w", err)
		}
	}
	return nil
}

func (t *pgTx) InsertOrderRequest(ctx context.Context, e *model.OrderRequestEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO order_requests (id, product_id, customer_id, requested_quantity, released_quantity, status,
		                             customer_note, admin_note, decided_by, processed_at, consumed_at,
		                             consumed_by_order, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.ProductID, e.CustomerID, e.RequestedQuantity, e.ReleasedQuantity, string(e.Status),
		e.CustomerNote, e.AdminNote, e.DecidedBy, e.ProcessedAt, e.ConsumedAt, e.ConsumedByOrder, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order request: %w", err)
	}
	return nil
}

func (t *pgTx) LockOrderRequest(ctx context.Context, id uuid.UUID) (*model.OrderRequestEntry, error) {
	return loadOrderRequest(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateOrderRequest(ctx context.Context, e *model.OrderRequestEntry) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE order_requests
		 SET released_quantity = $2, status = $3, admin_note = $4, decided_by = $5,
		     processed_at = $6, consumed_at = $7, consumed_by_order = $8
		 WHERE id = $1`,
		e.ID, e.ReleasedQuantity, string(e.Status), e.AdminNote, e.DecidedBy,
		e.ProcessedAt, e.ConsumedAt, e.ConsumedByOrder,
	)
	if err != nil {
		return fmt.Errorf("update order request: %w", err)
	}
	return nil
}

func (t *pgTx) AppendRequestNote(ctx context.Context, requestID uuid.UUID, note model.AuditNote) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO order_request_notes (request_id, actor_id, text, created_at) VALUES ($1, $2, $3, $4)`,
		requestID, note.ActorID, note.Text, note.At,
	)
	if err != nil {
		return fmt.Errorf("insert order request note: %w", err)
	}
	return nil
}

func (t *pgTx) InsertSession(ctx context.Context, s *model.PaymentSession) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO payment_sessions (id, order_id, amount, currency, state, sandbox, gateway_reference,
		                               provider_payment_id, failure_reason, superseded_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.OrderID, s.Amount.Minor(), string(s.Amount.Currency()), string(s.State), s.Sandbox,
		s.GatewayReference, s.ProviderPaymentID, s.FailureReason, s.SupersededBy, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "uq_payment_sessions_active") {
			return fmt.Errorf("%w: order %s", model.ErrSessionActive, s.OrderID)
		}
		return fmt.Errorf("insert payment session: %w", err)
	}
	return nil
}

func (t *pgTx) LockSession(ctx context.Context, id uuid.UUID) (*model.PaymentSession, error) {
	return loadSession(ctx, t.tx, `id = $1`, id, true)
}

func (t *pgTx) LatestSession(ctx context.Context, orderID uuid.UUID) (*model.PaymentSession, error) {
	return loadSession(ctx, t.tx,
		`order_id = $1 AND superseded_by IS NULL ORDER BY created_at DESC LIMIT 1`, orderID, true)
}

func (t *pgTx) UpdateSession(ctx context.Context, s *model.PaymentSession) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE payment_sessions
		 SET state = $2, gateway_reference = $3, provider_payment_id = $4, failure_reason = $5,
		     superseded_by = $6, updated_at = $7
		 WHERE id = $1`,
		s.ID, string(s.State), s.GatewayReference, s.ProviderPaymentID, s.FailureReason, s.SupersededBy, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update payment session: %w", err)
	}
	return nil
}

func (t *pgTx) RecordStaleCallback(ctx context.Context, cb *model.StaleCallback) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO stale_callbacks (id, session_id, order_id, outcome, gateway_reference, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		cb.ID, cb.SessionID, cb.OrderID, string(cb.Outcome), cb.GatewayReference, cb.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert stale callback: %w", err)
	}
	return nil
}

func loadOrder(ctx context.Context, q querier, cond string, arg any, forUpdate bool) (*model.Order, error) {
	var (
		o                         model.Order
		method, status, currency  string
		subtotal, discount, total int64
	)
	err := q.QueryRow(ctx,
		`SELECT o.id, o.number, o.customer_id, o.payment_method, o.payment_status,
		        o.subtotal, o.discount, o.total, o.currency, o.credit_due_date, o.created_at
		 FROM orders o
		 WHERE `+cond+lockClause(forUpdate),
		arg,
	).Scan(&o.ID, &o.Number, &o.CustomerID, &method, &status,
		&subtotal, &discount, &total, &currency, &o.CreditDueDate, &o.CreatedAt)
	if err != nil {
		return nil, notFound(err, "order", arg)
	}

	cur := money.Currency(currency)
	o.PaymentMethod = model.PaymentMethod(method)
	o.PaymentStatus = model.PaymentStatus(status)
	o.Subtotal = money.New(subtotal, cur)
	o.Discount = money.New(discount, cur)
	o.Total = money.New(total, cur)

	rows, err := q.Query(ctx,
		`SELECT product_id, quantity, unit_price, discount, total, entitlement_id
		 FROM order_items WHERE order_id = $1 ORDER BY line_no`,
		o.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	for rows.Next() {
		var (
			it                    model.OrderItem
			price, disc, lineSum int64
		)
		if err := rows.Scan(&it.ProductID, &it.Quantity, &price, &disc, &lineSum, &it.EntitlementID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		it.UnitPrice = money.New(price, cur)
		it.Discount = money.New(disc, cur)
		it.Total = money.New(lineSum, cur)
		o.Items = append(o.Items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	rows, err = q.Query(ctx,
		`SELECT status, changed_at, actor_id, note FROM order_status_history WHERE order_id = $1 ORDER BY id`,
		o.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order history: %w", err)
	}
	for rows.Next() {
		var (
			ch model.StatusChange
			s  string
		)
		if err := rows.Scan(&s, &ch.At, &ch.ActorID, &ch.Note); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status change: %w", err)
		}
		ch.Status = model.OrderStatus(s)
		o.History = append(o.History, ch)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &o, nil
}

func loadCreditAccount(ctx context.Context, q querier, customerID uuid.UUID, forUpdate bool) (*model.CreditAccount, error) {
	var (
		acc         model.CreditAccount
		limit, used int64
		currency    string
	)
	err := q.QueryRow(ctx,
		`SELECT customer_id, credit_limit, used, currency, payment_terms_days, updated_at
		 FROM credit_accounts WHERE customer_id = $1`+lockClause(forUpdate),
		customerID,
	).Scan(&acc.CustomerID, &limit, &used, &currency, &acc.PaymentTermsDays, &acc.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "credit account", customerID)
	}
	acc.Limit = money.New(limit, money.Currency(currency))
	acc.Used = money.New(used, money.Currency(currency))
	return &acc, nil
}

const billColumns = `id, customer_id, order_id, amount_due, amount_paid, currency, due_date, created_at, closed_at, released`

func scanBill(row scanner) (*model.Bill, error) {
	var (
		b         model.Bill
		due, paid int64
		currency  string
	)
	if err := row.Scan(&b.ID, &b.CustomerID, &b.OrderID, &due, &paid, &currency,
		&b.DueDate, &b.CreatedAt, &b.ClosedAt, &b.Released); err != nil {
		return nil, err
	}
	b.AmountDue = money.New(due, money.Currency(currency))
	b.AmountPaid = money.New(paid, money.Currency(currency))
	return &b, nil
}

func loadOrderRequest(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*model.OrderRequestEntry, error) {
	var (
		e      model.OrderRequestEntry
		status string
	)
	err := q.QueryRow(ctx,
		`SELECT id, product_id, customer_id, requested_quantity, released_quantity, status, customer_note,
		        admin_note, decided_by, processed_at, consumed_at, consumed_by_order, created_at
		 FROM order_requests WHERE id = $1`+lockClause(forUpdate),
		id,
	).Scan(&e.ID, &e.ProductID, &e.CustomerID, &e.RequestedQuantity, &e.ReleasedQuantity, &status,
		&e.CustomerNote, &e.AdminNote, &e.DecidedBy, &e.ProcessedAt, &e.ConsumedAt, &e.ConsumedByOrder, &e.CreatedAt)
	if err != nil {
		return nil, notFound(err, "order request", id)
	}
	e.Status = model.OrderRequestStatus(status)

	rows, err := q.Query(ctx,
		`SELECT actor_id, text, created_at FROM order_request_notes WHERE request_id = $1 ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("select order request notes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var n model.AuditNote
		if err := rows.Scan(&n.ActorID, &n.Text, &n.At); err != nil {
			return nil, fmt.Errorf("scan order request note: %w", err)
		}
		e.Notes = append(e.Notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return &e, nil
}

const sessionColumns = `id, order_id, amount, currency, state, sandbox, gateway_reference, provider_payment_id,
	failure_reason, superseded_by, created_at, updated_at`

func scanSession(row scanner) (*model.PaymentSession, error) {
	var (
		s               model.PaymentSession
		amount          int64
		currency, state string
	)
	if err := row.Scan(&s.ID, &s.OrderID, &amount, &currency, &state, &s.Sandbox, &s.GatewayReference,
		&s.ProviderPaymentID, &s.FailureReason, &s.SupersededBy, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Amount = money.New(amount, money.Currency(currency))
	s.State = model.SessionState(state)
	return &s, nil
}

func loadSession(ctx context.Context, q querier, cond string, arg any, forUpdate bool) (*model.PaymentSession, error) {
	s, err := scanSession(q.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM payment_sessions WHERE `+cond+lockClause(forUpdate),
		arg,
	))
	if err != nil {
		return nil, notFound(err, "payment session", arg)
	}
	return s, nil
}

var (
	_ Tx    = (*pgTx)(nil)
	_ Store = (*PostgresRepository)(nil)
	_ Store = (*MemoryStore)(nil)
)
