package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/pharmaledger/internal/approval"
	"github.com/mmeshcher/pharmaledger/internal/model"
	"github.com/mmeshcher/pharmaledger/internal/repository"
)

// SubmitRequest создаёт запрос покупателя на количество сверх максимального.
func (s *Service) SubmitRequest(ctx context.Context, actor model.Actor, productID uuid.UUID, quantity int64, note string) (*model.OrderRequestEntry, error) {
	if actor.Role != model.RoleCustomer {
		return nil, model.ErrForbidden
	}

	var entry *model.OrderRequestEntry
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		product, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		entry, err = approval.Submit(*product, actor.ID, quantity, note, s.now())
		if err != nil {
			return err
		}
		return tx.InsertOrderRequest(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order request submitted",
		zap.String("request_id", entry.ID.String()),
		zap.String("customer_id", entry.CustomerID.String()),
		zap.Int64("quantity", entry.RequestedQuantity),
	)
	return entry, nil
}

// DecideRequest применяет решение администратора. Запись блокируется, поэтому из двух
// одновременных решений применяется только первое, второе получает ErrAlreadyProcessed.
func (s *Service) DecideRequest(ctx context.Context, actor model.Actor, requestID uuid.UUID, decision model.Decision, released *int64, note string) (*model.OrderRequestEntry, error) {
	if !actor.IsAdmin() {
		return nil, model.ErrForbidden
	}

	var entry *model.OrderRequestEntry
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		entry, err = tx.LockOrderRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if err := approval.Decide(entry, decision, released, note, actor, s.now()); err != nil {
			return err
		}
		return tx.UpdateOrderRequest(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("request_id", entry.ID.String()),
		zap.String("status", string(entry.Status)),
		zap.String("actor_id", actor.ID.String()),
	}
	if entry.ReleasedQuantity != nil {
		fields = append(fields, zap.Int64("released", *entry.ReleasedQuantity))
	}
	s.logger.Info("order request decided", fields...)
	return entry, nil
}

// AddRequestNote добавляет заметку администратора к запросу в любом статусе.
func (s *Service) AddRequestNote(ctx context.Context, actor model.Actor, requestID uuid.UUID, text string) (*model.OrderRequestEntry, error) {
	var entry *model.OrderRequestEntry
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		entry, err = tx.LockOrderRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if err := approval.AppendNote(entry, actor, text, s.now()); err != nil {
			return err
		}
		return tx.AppendRequestNote(ctx, entry.ID, entry.Notes[len(entry.Notes)-1])
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GetRequest возвращает запрос. Чужой запрос для покупателя не существует.
func (s *Service) GetRequest(ctx context.Context, actor model.Actor, requestID uuid.UUID) (*model.OrderRequestEntry, error) {
	entry, err := s.store.GetOrderRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !actor.IsStaff() && !actor.Owns(entry.CustomerID) {
		return nil, model.ErrNotFound
	}
	return entry, nil
}

// ListRequests возвращает запросы. Покупатель видит только свои.
func (s *Service) ListRequests(ctx context.Context, actor model.Actor, status model.OrderRequestStatus) ([]model.OrderRequestEntry, error) {
	switch status {
	case "", model.OrderRequestPending, model.OrderRequestApproved, model.OrderRequestPartiallyApproved, model.OrderRequestRejected:
	default:
		return nil, fmt.Errorf("%w: unknown request status %q", model.ErrInvalidInput, status)
	}

	f := repository.RequestFilter{Status: status}
	if !actor.IsStaff() {
		id := actor.ID
		f.CustomerID = &id
	}
	return s.store.ListOrderRequests(ctx, f)
}
