// Package approval реализует согласование заказов сверх максимального количества товара.
//
// Покупатель подаёт запрос, администратор одобряет его полностью или частично либо отклоняет.
// Одобренное количество становится одноразовым правом заказать ровно столько товара.
package approval

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/pharmaledger/internal/model"
)

// ErrEntitlementMismatch возвращается, если строка заказа не совпадает с одобренным запросом.
// Код совпадает с ErrInvalidQuantity, поэтому вызывающая сторона видит ошибку количества.
var ErrEntitlementMismatch = model.NewDomainError(model.CodeInvalidQuantity, "order line does not match the approved request")

// Submit создаёт запрос на количество больше product.MaxOrderQuantity.
func Submit(product model.Product, customerID uuid.UUID, quantity int64, note string, now time.Time) (*model.OrderRequestEntry, error) {
	if quantity <= product.MaxOrderQuantity {
		return nil, fmt.Errorf("%w: requested %d, standing limit is %d", model.ErrInvalidQuantity, quantity, product.MaxOrderQuantity)
	}

	return &model.OrderRequestEntry{
		ID:                uuid.New(),
		ProductID:         product.ID,
		CustomerID:        customerID,
		RequestedQuantity: quantity,
		Status:            model.OrderRequestPending,
		CustomerNote:      strings.TrimSpace(note),
		CreatedAt:         now,
	}, nil
}

// Decide применяет решение администратора. Запрос меняется только если он ещё pending,
// повторное решение возвращает ErrAlreadyProcessed и не трогает запись.
func Decide(entry *model.OrderRequestEntry, decision model.Decision, released *int64, adminNote string, actor model.Actor, now time.Time) error {
	if !actor.IsAdmin() {
		return model.ErrForbidden
	}
	if entry.Status != model.OrderRequestPending {
		return fmt.Errorf("%w: request %s is %s", model.ErrAlreadyProcessed, entry.ID, entry.Status)
	}

	var status model.OrderRequestStatus
	switch decision {
	case model.DecisionApprove:
		if released == nil {
			return fmt.Errorf("%w: released quantity is required to approve", model.ErrInvalidQuantity)
		}
		if *released <= 0 || *released > entry.RequestedQuantity {
			return fmt.Errorf("%w: released %d must be within 1..%d", model.ErrInvalidQuantity, *released, entry.RequestedQuantity)
		}
		status = model.OrderRequestApproved
		if *released < entry.RequestedQuantity {
			status = model.OrderRequestPartiallyApproved
		}
		qty := *released
		entry.ReleasedQuantity = &qty
	case model.DecisionReject:
		entry.ReleasedQuantity = nil
		status = model.OrderRequestRejected
	default:
		return fmt.Errorf("%w: unknown decision %q", model.ErrInvalidInput, decision)
	}

	decidedBy := actor.ID
	entry.Status = status
	entry.AdminNote = strings.TrimSpace(adminNote)
	entry.DecidedBy = &decidedBy
	entry.ProcessedAt = &now
	return nil
}

// AppendNote добавляет заметку в журнал запроса. Решение при этом не меняется.
func AppendNote(entry *model.OrderRequestEntry, actor model.Actor, text string, now time.Time) error {
	if !actor.IsAdmin() {
		return model.ErrForbidden
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: note is empty", model.ErrInvalidInput)
	}
	entry.Notes = append(entry.Notes, model.AuditNote{ActorID: actor.ID, Text: text, At: now})
	return nil
}

// Consume погашает право по запросу для строки заказа orderID.
// Право используется один раз и только на весь одобренный объём.
func Consume(entry *model.OrderRequestEntry, customerID, productID uuid.UUID, quantity int64, orderID uuid.UUID, now time.Time) error {
	if !entry.IsEntitlement() {
		return fmt.Errorf("%w: request %s is %s", ErrEntitlementMismatch, entry.ID, entry.Status)
	}
	if entry.ConsumedAt != nil {
		return fmt.Errorf("%w: request %s was used by order %s", model.ErrEntitlementConsumed, entry.ID, entry.ConsumedByOrder)
	}
	if entry.CustomerID != customerID || entry.ProductID != productID {
		return fmt.Errorf("%w: request %s belongs to another customer or product", ErrEntitlementMismatch, entry.ID)
	}
	if quantity != *entry.ReleasedQuantity {
		return fmt.Errorf("%w: quantity %d, approved %d", ErrEntitlementMismatch, quantity, *entry.ReleasedQuantity)
	}

	entry.ConsumedAt = &now
	entry.ConsumedByOrder = &orderID
	return nil
}
