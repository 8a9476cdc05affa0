package model

import (
	"time"

	"github.com/google/uuid"
)

// OrderRequestStatus описывает статус запроса на количество сверх лимита.
type OrderRequestStatus string

const (
	OrderRequestPending           OrderRequestStatus = "pending"
	OrderRequestApproved          OrderRequestStatus = "approved"
	OrderRequestPartiallyApproved OrderRequestStatus = "partially_approved"
	OrderRequestRejected          OrderRequestStatus = "rejected"
)

// Decision описывает решение администратора по запросу.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// AuditNote описывает заметку, добавленную к уже обработанному запросу.
type AuditNote struct {
	ActorID uuid.UUID
	Text    string
	At      time.Time
}

// OrderRequestEntry описывает запрос покупателя на количество товара больше maxOrderQuantity.
type OrderRequestEntry struct {
	ID                uuid.UUID
	ProductID         uuid.UUID
	CustomerID        uuid.UUID
	RequestedQuantity int64
	ReleasedQuantity  *int64
	Status            OrderRequestStatus
	CustomerNote      string
	AdminNote         string
	DecidedBy         *uuid.UUID
	ProcessedAt       *time.Time
	ConsumedAt        *time.Time
	ConsumedByOrder   *uuid.UUID
	Notes             []AuditNote
	CreatedAt         time.Time
}

// IsEntitlement сообщает, даёт ли запрос право заказать releasedQuantity.
func (e *OrderRequestEntry) IsEntitlement() bool {
	return e.Status == OrderRequestApproved || e.Status == OrderRequestPartiallyApproved
}
