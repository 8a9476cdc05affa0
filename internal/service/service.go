// Package service реализует бизнес-логику движка заказов, кредитов и расчётов.
//
// Сервис связывает чистые доменные пакеты (lifecycle, ledger, approval, payment) с хранилищем,
// складом и платёжным шлюзом. Каждая изменяющая операция выполняется в одной транзакции хранилища.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/pharmaledger/internal/gateway"
	"github.com/mmeshcher/pharmaledger/internal/money"
	"github.com/mmeshcher/pharmaledger/internal/repository"
	"github.com/mmeshcher/pharmaledger/internal/validation"
)

// Inventory описывает складской сервис, который резервирует и возвращает товар заказа.
// Оба вызова должны быть идемпотентными: при повторе транзакции они могут прийти дважды.
type Inventory interface {
	Reserve(ctx context.Context, orderID uuid.UUID) error
	Release(ctx context.Context, orderID uuid.UUID) error
}

// Gateway описывает платёжного провайдера.
type Gateway interface {
	CreatePayment(ctx context.Context, req gateway.Request) (gateway.Response, error)
}

// IdempotencyStore запоминает уже обработанные события шлюза.
type IdempotencyStore interface {
	// MarkProcessed возвращает true, если событие встретилось впервые.
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// Options задаёт параметры сервиса.
type Options struct {
	Currency        money.Currency
	Sandbox         bool
	NotificationURL string
	SessionExpiry   time.Duration
	CallbackTTL     time.Duration
	Now             func() time.Time
	// OrderNumber генерирует номер нового заказа. По умолчанию validation.GenerateOrderNumber.
	OrderNumber func(now time.Time) string
}

const (
	defaultSessionExpiry = 15 * time.Minute
	defaultCallbackTTL   = 72 * time.Hour
)

// Service содержит бизнес-логику движка.
type Service struct {
	store     repository.Store
	inventory Inventory
	gateway   Gateway
	callbacks IdempotencyStore
	logger    *zap.Logger
	opts      Options
}

// NewService создаёт сервис. Незаданные параметры получают значения по умолчанию.
func NewService(store repository.Store, inv Inventory, gw Gateway, callbacks IdempotencyStore, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Currency == "" {
		opts.Currency = money.DefaultCurrency
	}
	if opts.SessionExpiry <= 0 {
		opts.SessionExpiry = defaultSessionExpiry
	}
	if opts.CallbackTTL <= 0 {
		opts.CallbackTTL = defaultCallbackTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OrderNumber == nil {
		opts.OrderNumber = validation.GenerateOrderNumber
	}

	return &Service{
		store:     store,
		inventory: inv,
		gateway:   gw,
		callbacks: callbacks,
		logger:    logger,
		opts:      opts,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// Currency возвращает валюту, в которой ведутся заказы и кредиты.
func (s *Service) Currency() money.Currency {
	return s.opts.Currency
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}
