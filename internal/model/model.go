// Package model содержит доменные сущности движка заказов, кредитов и расчётов.
package model

import (
	"github.com/google/uuid"

	"github.com/mmeshcher/pharmaledger/internal/money"
)

// Role описывает уровень доступа текущего пользователя.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
	// RoleSystem используется для переходов, инициированных самим сервисом (ответ шлюза, истечение сессии).
	RoleSystem Role = "system"
)

// IsValid сообщает, известна ли роль.
func (r Role) IsValid() bool {
	return r == RoleCustomer || r == RoleAdmin
}

// Actor описывает уже аутентифицированного пользователя, от имени которого выполняется операция.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

// SystemActor задаёт исполнителя для внутренних переходов.
var SystemActor = Actor{ID: uuid.Nil, Role: RoleSystem}

// IsAdmin сообщает, является ли пользователь сотрудником.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// IsStaff сообщает, действует ли пользователь от имени магазина.
func (a Actor) IsStaff() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}

// Owns сообщает, принадлежит ли сущность покупателя с customerID этому пользователю.
func (a Actor) Owns(customerID uuid.UUID) bool {
	return a.ID == customerID
}

// Product описывает товар каталога в объёме, нужном для оформления заказа.
type Product struct {
	ID               uuid.UUID
	Name             string
	UnitPrice        money.Money
	MaxOrderQuantity int64
}
