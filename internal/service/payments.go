package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/pharmaledger/internal/gateway"
	"github.com/mmeshcher/pharmaledger/internal/lifecycle"
	"github.com/mmeshcher/pharmaledger/internal/model"
	"github.com/mmeshcher/pharmaledger/internal/payment"
	"github.com/mmeshcher/pharmaledger/internal/repository"
)

// Callback описывает ответ шлюза по платёжной сессии.
type Callback struct {
	// EventID идентифицирует доставку у провайдера. Повторная доставка того же события игнорируется.
	EventID          string
	SessionID        uuid.UUID
	Outcome          model.SessionState
	GatewayReference string
	Reason           string
}

// CallbackResult описывает, как был обработан ответ шлюза.
type CallbackResult struct {
	Session   *model.PaymentSession
	Duplicate bool
	Stale     bool
}

// OpenSession начинает первую попытку оплаты заказа через шлюз.
func (s *Service) OpenSession(ctx context.Context, actor model.Actor, orderID uuid.UUID) (*model.PaymentSession, error) {
	return s.startSession(ctx, actor, orderID, false)
}

// RetrySession начинает новую попытку после отказа или ошибки предыдущей.
// Предыдущая сессия помечается заменённой, её поздний ответ будет проигнорирован.
func (s *Service) RetrySession(ctx context.Context, actor model.Actor, orderID uuid.UUID) (*model.PaymentSession, error) {
	return s.startSession(ctx, actor, orderID, true)
}

func (s *Service) startSession(ctx context.Context, actor model.Actor, orderID uuid.UUID, retry bool) (*model.PaymentSession, error) {
	if s.gateway == nil {
		return nil, gateway.ErrNotConfigured
	}

	var (
		sess  *model.PaymentSession
		order *model.Order
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		order, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !actor.IsStaff() && !actor.Owns(order.CustomerID) {
			return model.ErrNotFound
		}
		if err := checkPayable(order); err != nil {
			return err
		}

		prior, err := tx.LatestSession(ctx, order.ID)
		if errors.Is(err, model.ErrNotFound) {
			prior = nil
		} else if err != nil {
			return err
		}

		now := s.now()
		sess, err = payment.Open(order.ID, order.Total, s.opts.Sandbox, now)
		if err != nil {
			return err
		}

		switch {
		case prior == nil && retry:
			return fmt.Errorf("%w: order has no payment attempt to retry", model.ErrInvalidTransition)
		case prior != nil && !retry:
			if err := payment.CanRetry(prior); err != nil {
				return err
			}
			return fmt.Errorf("%w: previous attempt ended %s, retry it instead", model.ErrInvalidTransition, prior.State)
		case prior != nil:
			if err := payment.Supersede(prior, sess, now); err != nil {
				return err
			}
		}

		if err := tx.InsertSession(ctx, sess); err != nil {
			return err
		}
		if prior != nil {
			if err := tx.UpdateSession(ctx, prior); err != nil {
				return err
			}
		}

		order.PaymentStatus = model.PaymentStatusPending
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment session opened",
		zap.String("session_id", sess.ID.String()),
		zap.String("order_id", order.ID.String()),
		zap.Bool("retry", retry),
		zap.Bool("sandbox", sess.Sandbox),
	)

	resp, gwErr := s.gateway.CreatePayment(ctx, gateway.Request{
		SessionID:       sess.ID,
		OrderID:         order.ID,
		OrderNumber:     order.Number,
		Amount:          sess.Amount,
		NotificationURL: s.opts.NotificationURL,
	})
	if gwErr != nil {
		s.logger.Warn("gateway rejected payment session",
			zap.String("session_id", sess.ID.String()),
			zap.Error(gwErr),
		)
	}

	return s.recordGatewayResponse(ctx, sess.ID, order.ID, resp, gwErr)
}

// checkPayable проверяет, что заказ ждёт оплаты через шлюз.
func checkPayable(order *model.Order) error {
	if order.PaymentMethod != model.PaymentMethodGateway {
		return fmt.Errorf("%w: order is paid by %s", model.ErrInvalidInput, order.PaymentMethod)
	}
	if order.PaymentStatus == model.PaymentStatusPaid {
		return fmt.Errorf("%w: order is already paid", model.ErrAlreadyProcessed)
	}
	if order.Status() != model.OrderStatusPending {
		return fmt.Errorf("%w: order is %s", model.ErrInvalidTransition, order.Status())
	}
	return nil
}

// recordGatewayResponse переводит сессию в ожидание ответа шлюза или завершает её ошибкой.
// Если сессия успела разрешиться раньше, она не меняется.
func (s *Service) recordGatewayResponse(ctx context.Context, sessionID, orderID uuid.UUID, resp gateway.Response, gwErr error) (*model.PaymentSession, error) {
	var sess *model.PaymentSession
	err := s.store.InTx(context.WithoutCancel(ctx), func(ctx context.Context, tx repository.Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		sess, err = tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.State != model.SessionInitiated || sess.IsSuperseded() {
			return nil
		}

		now := s.now()
		switch {
		case gwErr != nil:
			err = payment.Error(sess, gwErr.Error(), now)
		case resp.Status == gateway.StatusRejected:
			sess.ProviderPaymentID = resp.ProviderPaymentID
			err = payment.Error(sess, "rejected by gateway", now)
		default:
			err = payment.MarkAwaitingCallback(sess, resp.ProviderPaymentID, now)
		}
		if err != nil {
			return err
		}

		if sess.State == model.SessionErrored && order.PaymentStatus != model.PaymentStatusPaid {
			order.PaymentStatus = model.PaymentStatusFailed
			if err := tx.UpdateOrder(ctx, order); err != nil {
				return err
			}
		}
		return tx.UpdateSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// HandleCallback применяет ответ шлюза.
//
// Повторная доставка события с тем же EventID ничего не меняет. Ответ по заменённой или уже
// завершённой сессии сохраняется в журнал устаревших ответов и не влияет на заказ.
func (s *Service) HandleCallback(ctx context.Context, cb Callback) (CallbackResult, error) {
	if err := validateOutcome(cb.Outcome); err != nil {
		return CallbackResult{}, err
	}

	dedupe := cb.EventID != "" && s.callbacks != nil
	if dedupe {
		first, err := s.callbacks.MarkProcessed(ctx, cb.EventID, s.opts.CallbackTTL)
		if err != nil {
			return CallbackResult{}, fmt.Errorf("mark callback processed: %w", err)
		}
		if !first {
			s.logger.Info("duplicate payment callback skipped",
				zap.String("event_id", cb.EventID),
				zap.String("session_id", cb.SessionID.String()),
			)
			return CallbackResult{Duplicate: true}, nil
		}
	}

	res, err := s.resolveSession(ctx, model.SystemActor, cb)
	if err != nil && dedupe {
		if ferr := s.callbacks.Forget(context.WithoutCancel(ctx), cb.EventID); ferr != nil {
			s.logger.Warn("failed to forget callback event",
				zap.String("event_id", cb.EventID),
				zap.Error(ferr),
			)
		}
	}
	return res, err
}

// DismissSession фиксирует, что покупатель закрыл окно оплаты. Если сессия уже разрешилась,
// она возвращается без изменений.
func (s *Service) DismissSession(ctx context.Context, actor model.Actor, sessionID uuid.UUID) (*model.PaymentSession, error) {
	res, err := s.resolveSession(ctx, actor, Callback{SessionID: sessionID, Outcome: model.SessionDismissed})
	if err != nil {
		return nil, err
	}
	return res.Session, nil
}

func validateOutcome(outcome model.SessionState) error {
	switch outcome {
	case model.SessionCompleted, model.SessionDismissed, model.SessionErrored:
		return nil
	}
	return fmt.Errorf("%w: unknown callback outcome %q", model.ErrInvalidInput, outcome)
}

func (s *Service) resolveSession(ctx context.Context, actor model.Actor, cb Callback) (CallbackResult, error) {
	current, err := s.store.GetSession(ctx, cb.SessionID)
	if err != nil {
		return CallbackResult{}, err
	}

	var (
		res   CallbackResult
		ev    lifecycle.Event
		order *model.Order
	)
	err = s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		res, ev = CallbackResult{}, lifecycle.Event{}

		var err error
		order, err = tx.LockOrder(ctx, current.OrderID)
		if err != nil {
			return err
		}
		if !actor.IsStaff() && !actor.Owns(order.CustomerID) {
			return model.ErrNotFound
		}
		sess, err := tx.LockSession(ctx, cb.SessionID)
		if err != nil {
			return err
		}
		res.Session = sess

		now := s.now()
		ref := strings.TrimSpace(cb.GatewayReference)
		switch cb.Outcome {
		case model.SessionCompleted:
			err = payment.Complete(sess, ref, now)
		case model.SessionDismissed:
			err = payment.Dismiss(sess, now)
		default:
			reason := strings.TrimSpace(cb.Reason)
			if reason == "" {
				reason = "gateway error"
			}
			err = payment.Error(sess, reason, now)
		}
		if errors.Is(err, model.ErrStaleCallback) {
			res.Stale = true
			return tx.RecordStaleCallback(ctx, &model.StaleCallback{
				ID:               uuid.New(),
				SessionID:        sess.ID,
				OrderID:          sess.OrderID,
				Outcome:          cb.Outcome,
				GatewayReference: ref,
				ReceivedAt:       now,
			})
		}
		if err != nil {
			return err
		}
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}

		if cb.Outcome == model.SessionCompleted {
			order.PaymentStatus = model.PaymentStatusPaid
			if order.Status() == model.OrderStatusPending {
				ev, err = lifecycle.Transition(order, model.OrderStatusConfirmed, model.SystemActor, "paid via gateway "+ref, now)
				if err != nil {
					return err
				}
				if err := tx.AppendStatus(ctx, order.ID, order.History[len(order.History)-1]); err != nil {
					return err
				}
			}
		} else if order.PaymentStatus != model.PaymentStatusPaid {
			order.PaymentStatus = model.PaymentStatusFailed
		}
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return CallbackResult{}, err
	}

	if res.Stale {
		s.logger.Warn("stale payment callback ignored",
			zap.String("session_id", cb.SessionID.String()),
			zap.String("order_id", current.OrderID.String()),
			zap.String("outcome", string(cb.Outcome)),
			zap.String("session_state", string(res.Session.State)),
			zap.Bool("superseded", res.Session.IsSuperseded()),
		)
		return res, nil
	}

	s.logger.Info("payment session resolved",
		zap.String("session_id", res.Session.ID.String()),
		zap.String("order_id", order.ID.String()),
		zap.String("state", string(res.Session.State)),
	)

	if ev.ReserveInventory {
		s.reserveInventory(ctx, order.ID)
	}
	return res, nil
}

// GetSession возвращает платёжную сессию. Чужая сессия для покупателя не существует.
func (s *Service) GetSession(ctx context.Context, actor model.Actor, sessionID uuid.UUID) (*model.PaymentSession, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if actor.IsStaff() {
		return sess, nil
	}
	if _, err := s.GetOrder(ctx, actor, sess.OrderID); err != nil {
		return nil, err
	}
	return sess, nil
}

// StaleCallbacks возвращает проигнорированные ответы шлюза по заказу.
func (s *Service) StaleCallbacks(ctx context.Context, actor model.Actor, orderID uuid.UUID) ([]model.StaleCallback, error) {
	if !actor.IsAdmin() {
		return nil, model.ErrForbidden
	}
	return s.store.ListStaleCallbacks(ctx, orderID)
}

// ExpireSessions завершает ошибкой сессии, не получившие ответа шлюза дольше SessionExpiry.
// Возвращает число завершённых сессий.
func (s *Service) ExpireSessions(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.opts.SessionExpiry)
	candidates, err := s.store.ExpiredSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, c := range candidates {
		done, err := s.expireSession(ctx, c, cutoff)
		if err != nil {
			if ctx.Err() != nil {
				return expired, ctx.Err()
			}
			s.logger.Warn("failed to expire payment session",
				zap.String("session_id", c.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if done {
			expired++
		}
	}

	if expired > 0 {
		s.logger.Info("payment sessions expired", zap.Int("count", expired))
	}
	return expired, nil
}

func (s *Service) expireSession(ctx context.Context, candidate model.PaymentSession, cutoff time.Time) (bool, error) {
	var done bool
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		done = false

		order, err := tx.LockOrder(ctx, candidate.OrderID)
		if err != nil {
			return err
		}
		sess, err := tx.LockSession(ctx, candidate.ID)
		if err != nil {
			return err
		}
		if !sess.State.IsActive() || sess.IsSuperseded() || !sess.UpdatedAt.Before(cutoff) {
			return nil
		}

		if err := payment.Error(sess, "session expired", s.now()); err != nil {
			return err
		}
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		if order.PaymentStatus != model.PaymentStatusPaid {
			order.PaymentStatus = model.PaymentStatusFailed
			if err := tx.UpdateOrder(ctx, order); err != nil {
				return err
			}
		}
		done = true
		return nil
	})
	return done, err
}

// StartSessionExpiry запускает фоновое завершение просроченных платёжных сессий.
func (s *Service) StartSessionExpiry(ctx context.Context) {
	interval := s.opts.SessionExpiry / 3
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.ExpireSessions(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("session expiry sweep failed", zap.Error(err))
				}
			}
		}
	}()
}
