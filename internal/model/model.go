// Package model содержит доменные сущности учёта доставок воды.
package model

import "time"

// Role описывает роль пользователя в системе.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
	RoleDriver Role = "driver"
)

// Valid сообщает, относится ли роль к известным системе.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleOwner, RoleDriver:
		return true
	}
	return false
}

// User представляет пользователя: администратора, владельца или водителя.
type User struct {
	ID           int64
	Name         string
	Email        string
	NationalID   int64
	Username     string
	PasswordHash []byte
	Role         Role
	CardNumber   *string
	OwnerID      *int64
	Active       bool
	Blocked      bool
	BlockReason  *string
	BlockedAt    *time.Time
	CreatedAt    time.Time
}

// CanTransact сообщает, может ли пользователь заводить новые доставки и оплаты.
func (u *User) CanTransact() bool {
	return u.Active && !u.Blocked
}

// TruckType описывает тип цистерны из каталога.
type TruckType struct {
	ID          int64
	Description string
	WaterVolume int64
}

// Price описывает тариф за одну доставку. Value хранится в центах.
type Price struct {
	ID          int64
	Value       int64
	Description string
	Active      bool
	CreatedAt   time.Time
	ModifiedAt  *time.Time
	CreatedBy   int64
	ModifiedBy  *int64
}

// ChargeState описывает состояние расчёта по доставке.
type ChargeState string

const (
	ChargeStateDebt ChargeState = "debt"
	ChargeStatePaid ChargeState = "paid"
)

// Valid сообщает, относится ли состояние к известным системе.
func (s ChargeState) Valid() bool {
	return s == ChargeStateDebt || s == ChargeStatePaid
}

// Charge описывает одну доставку воды. Cost фиксируется при создании и хранится в центах.
type Charge struct {
	ID          int64
	Timestamp   time.Time
	State       ChargeState
	UserID      int64
	TruckTypeID int64
	Cost        int64
	Active      bool
}

// Payment описывает оплату, погашающую набор доставок. Amount хранится в центах.
type Payment struct {
	ID        int64
	UserID    int64
	Timestamp time.Time
	Amount    int64
	ChargeIDs []int64
	Active    bool
}

// Identity содержит сведения о вызывающем пользователе, достаточные для проверки прав.
type Identity struct {
	ID      int64
	Role    Role
	Active  bool
	Blocked bool
}
