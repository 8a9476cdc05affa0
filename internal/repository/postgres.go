package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/pharmaledger/internal/model"
	"github.com/mmeshcher/pharmaledger/internal/money"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// querier объединяет пул и транзакцию pgx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	delays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		delays: []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при конфликте сериализации, взаимной блокировке и обрыве соединения
// до коммита. fn должна целиком повторять транзакцию: всё, что она прочитала, перечитывается заново.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(r.delays) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delays[i]):
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	var ce *commitError
	if errors.As(err, &ce) {
		return false
	}
	return isConnectionError(err)
}

// commitError оборачивает ошибку COMMIT. Если соединение оборвалось на коммите, неизвестно,
// применил ли сервер транзакцию, поэтому повторять её нельзя.
type commitError struct {
	err error
}

func (e *commitError) Error() string {
	return "commit tx: " + e.err.Error()
}

func (e *commitError) Unwrap() error {
	return e.err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation &&
		(constraint == "" || pgErr.ConstraintName == constraint)
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// InTx выполняет fn в транзакции READ COMMITTED. Конкурирующие изменения сериализуются
// блокировками строк (SELECT ... FOR UPDATE), которые берут методы Lock*.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, &pgTx{tx: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return &commitError{err: err}
		}
		return nil
	})
}

// SaveProduct добавляет или обновляет товар каталога.
func (r *PostgresRepository) SaveProduct(ctx context.Context, p *model.Product) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO products (id, name, unit_price, currency, max_order_quantity)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET name = EXCLUDED.name, unit_price = EXCLUDED.unit_price,
		     currency = EXCLUDED.currency, max_order_quantity = EXCLUDED.max_order_quantity`,
		p.ID, p.Name, p.UnitPrice.Minor(), string(p.UnitPrice.Currency()), p.MaxOrderQuantity,
	)
	if err != nil {
		return fmt.Errorf("save product: %w", err)
	}
	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	return loadOrder(ctx, r.pool, `o.id = $1`, id, false)
}

// GetOrderByNumber возвращает заказ по его номеру.
func (r *PostgresRepository) GetOrderByNumber(ctx context.Context, number string) (*model.Order, error) {
	return loadOrder(ctx, r.pool, `o.number = $1`, number, false)
}

// ListOrders возвращает заказы, новые первыми.
func (r *PostgresRepository) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != nil {
		args = append(args, *f.CustomerID)
		where = append(where, fmt.Sprintf("o.customer_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf(
			`(SELECT h.status FROM order_status_history h WHERE h.order_id = o.id ORDER BY h.id DESC LIMIT 1) = $%d`,
			len(args)))
	}

	query := `SELECT o.id FROM orders o`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY o.created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("collect orders: %w", err)
	}

	orders := make([]model.Order, 0, len(ids))
	for _, id := range ids {
		o, err := loadOrder(ctx, r.pool, `o.id = $1`, id, false)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

// GetCreditAccount возвращает кредитный счёт покупателя.
func (r *PostgresRepository) GetCreditAccount(ctx context.Context, customerID uuid.UUID) (*model.CreditAccount, error) {
	return loadCreditAccount(ctx, r.pool, customerID, false)
}

// ListBills возвращает все счета покупателя по сроку оплаты.
func (r *PostgresRepository) ListBills(ctx context.Context, customerID uuid.UUID) ([]model.Bill, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+billColumns+` FROM bills WHERE customer_id = $1 ORDER BY due_date, created_at, id`,
		customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select bills: %w", err)
	}
	defer rows.Close()

	var res []model.Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ListPayments возвращает платежи покупателя вместе с распределением, новые первыми.
func (r *PostgresRepository) ListPayments(ctx context.Context, customerID uuid.UUID) ([]model.Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, customer_id, amount, currency, method, transaction_reference, status,
		        unallocated, failure_reason, created_at
		 FROM payments
		 WHERE customer_id = $1
		 ORDER BY created_at DESC`,
		customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payments: %w", err)
	}
	defer rows.Close()

	var (
		res   []model.Payment
		index = make(map[uuid.UUID]int)
	)
	for rows.Next() {
		var (
			p                   model.Payment
			amount, unallocated int64
			currency            string
			method, status      string
		)
		if err := rows.Scan(&p.ID, &p.CustomerID, &amount, &currency, &method, &p.TransactionReference,
			&status, &unallocated, &p.FailureReason, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		cur := money.Currency(currency)
		p.Amount = money.New(amount, cur)
		p.Unallocated = money.New(unallocated, cur)
		p.Method = model.SettlementMethod(method)
		p.Status = model.PaymentRecordStatus(status)
		index[p.ID] = len(res)
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	if len(res) == 0 {
		return res, nil
	}

	allocRows, err := r.pool.Query(ctx,
		`SELECT a.payment_id, a.bill_id, a.amount_applied
		 FROM payment_allocations a
		 JOIN payments p ON p.id = a.payment_id
		 WHERE p.customer_id = $1
		 ORDER BY a.payment_id, a.line_no`,
		customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select allocations: %w", err)
	}
	defer allocRows.Close()

	for allocRows.Next() {
		var (
			paymentID, billID uuid.UUID
			applied           int64
		)
		if err := allocRows.Scan(&paymentID, &billID, &applied); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		i, ok := index[paymentID]
		if !ok {
			continue
		}
		res[i].AppliedTo = append(res[i].AppliedTo, model.AppliedAmount{
			BillID:        billID,
			AmountApplied: money.New(applied, res[i].Amount.Currency()),
		})
	}
	if err := allocRows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// GetOrderRequest возвращает запрос сверх лимита.
func (r *PostgresRepository) GetOrderRequest(ctx context.Context, id uuid.UUID) (*model.OrderRequestEntry, error) {
	return loadOrderRequest(ctx, r.pool, id, false)
}

// ListOrderRequests возвращает запросы, старые первыми.
func (r *PostgresRepository) ListOrderRequests(ctx context.Context, f RequestFilter) ([]model.OrderRequestEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != nil {
		args = append(args, *f.CustomerID)
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT id FROM order_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select order requests: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("collect order requests: %w", err)
	}

	res := make([]model.OrderRequestEntry, 0, len(ids))
	for _, id := range ids {
		e, err := loadOrderRequest(ctx, r.pool, id, false)
		if err != nil {
			return nil, err
		}
		res = append(res, *e)
	}
	return res, nil
}

// GetSession возвращает платёжную сессию.
func (r *PostgresRepository) GetSession(ctx context.Context, id uuid.UUID) (*model.PaymentSession, error) {
	return loadSession(ctx, r.pool, `id = $1`, id, false)
}

// ExpiredSessions возвращает зависшие активные сессии.
func (r *PostgresRepository) ExpiredSessions(ctx context.Context, before time.Time) ([]model.PaymentSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM payment_sessions
		 WHERE state IN ($1, $2) AND superseded_by IS NULL AND updated_at < $3
		 ORDER BY updated_at`,
		string(model.SessionInitiated), string(model.SessionAwaitingCallback), before,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired sessions: %w", err)
	}
	defer rows.Close()

	var res []model.PaymentSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ListStaleCallbacks возвращает проигнорированные ответы шлюза по заказу.
func (r *PostgresRepository) ListStaleCallbacks(ctx context.Context, orderID uuid.UUID) ([]model.StaleCallback, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, order_id, outcome, gateway_reference, received_at
		 FROM stale_callbacks
		 WHERE order_id = $1
		 ORDER BY received_at`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale callbacks: %w", err)
	}
	defer rows.Close()

	var res []model.StaleCallback
	for rows.Next() {
		var (
			cb      model.StaleCallback
			outcome string
		)
		if err := rows.Scan(&cb.ID, &cb.SessionID, &cb.OrderID, &outcome, &cb.GatewayReference, &cb.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan stale callback: %w", err)
		}
		cb.Outcome = model.SessionState(outcome)
		res = append(res, cb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}
