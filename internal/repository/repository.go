package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mmeshcher/water-ledger/internal/model"
)

// ErrNotFound возвращается, если запрошенная запись отсутствует.
var ErrNotFound = errors.New("record not found")

// UserFilter задаёт условия выборки пользователей.
type UserFilter struct {
	IncludeInactive bool
	Role            model.Role
	OwnerID         *int64
}

// ChargeFilter задаёт условия выборки доставок. Пустые поля не ограничивают выборку.
type ChargeFilter struct {
	UserIDs []int64
	State   model.ChargeState
	Active  *bool
	From    time.Time
	To      time.Time
}

// PaymentFilter задаёт условия выборки оплат. Пустые поля не ограничивают выборку.
type PaymentFilter struct {
	UserIDs []int64
	Active  *bool
	From    time.Time
	To      time.Time
}

// Claim описывает строку связи оплаты и доставки вместе с признаком активности оплаты.
type Claim struct {
	PaymentID     int64
	ChargeID      int64
	PaymentActive bool
}

// Tx описывает операции над хранилищем в рамках одной транзакции.
// Методы Lock* блокируют возвращаемые строки до конца транзакции.
type Tx interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	LockUser(ctx context.Context, id int64) (*model.User, error)
	UserByCard(ctx context.Context, cardNumber string) (*model.User, error)
	InsertUser(ctx context.Context, u *model.User) (int64, error)
	UpdateUser(ctx context.Context, u *model.User) error
	ListUsers(ctx context.Context, f UserFilter) ([]model.User, error)
	DriverIDs(ctx context.Context, ownerID int64) ([]int64, error)
	SetUsersActive(ctx context.Context, ids []int64, active bool) error

	GetTruckType(ctx context.Context, id int64) (*model.TruckType, error)

	GetPrice(ctx context.Context, id int64) (*model.Price, error)
	ActivePrice(ctx context.Context) (*model.Price, error)
	DeactivateActivePrices(ctx context.Context, exceptID int64) error
	InsertPrice(ctx context.Context, p *model.Price) (int64, error)
	UpdatePrice(ctx context.Context, p *model.Price) error
	ListPrices(ctx context.Context, includeInactive bool) ([]model.Price, error)

	GetCharge(ctx context.Context, id int64) (*model.Charge, error)
	LockCharges(ctx context.Context, ids []int64) ([]model.Charge, error)
	LockOldestDebts(ctx context.Context, userID int64, limit int) ([]model.Charge, error)
	InsertCharge(ctx context.Context, c *model.Charge) (int64, error)
	UpdateCharge(ctx context.Context, c *model.Charge) error
	SetChargesState(ctx context.Context, ids []int64, state model.ChargeState) error
	SetChargesActiveByUsers(ctx context.Context, userIDs []int64, active bool) error
	ListCharges(ctx context.Context, f ChargeFilter) ([]model.Charge, error)

	GetPayment(ctx context.Context, id int64) (*model.Payment, error)
	LockPayment(ctx context.Context, id int64) (*model.Payment, error)
	InsertPayment(ctx context.Context, p *model.Payment) (int64, error)
	UpdatePayment(ctx context.Context, p *model.Payment) error
	SetPaymentsActiveByUsers(ctx context.Context, userIDs []int64, active bool) error
	ListPayments(ctx context.Context, f PaymentFilter) ([]model.Payment, error)
	ListClaims(ctx context.Context) ([]Claim, error)
}
