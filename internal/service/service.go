// Package service реализует правила учёта доставок воды: тарифы, доставки, оплаты и каскадную деактивацию.
package service

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/water-ledger/internal/apperror"
	"github.com/mmeshcher/water-ledger/internal/model"
	"github.com/mmeshcher/water-ledger/internal/repository"
)

// DefaultTruckTypeID задаёт тип цистерны для доставок по карте, если он не указан явно.
const DefaultTruckTypeID int64 = 1

// Store описывает транзакционное хранилище, используемое сервисом.
type Store interface {
	Close() error
	InTx(ctx context.Context, fn func(tx repository.Tx) error) error
}

// Metrics принимает события учёта для мониторинга.
type Metrics interface {
	ChargeCreated(source string)
	PaymentCreated(mode string)
	PaymentVoided()
	UserCascade(active bool, users int)
}

// SwipeGuard отсекает повторные прикладывания одной карты.
// Release снимает отметку, если прикладывание не закончилось доставкой.
type SwipeGuard interface {
	Allow(ctx context.Context, cardNumber string) (bool, error)
	Release(ctx context.Context, cardNumber string) error
}

type noopMetrics struct{}

func (noopMetrics) ChargeCreated(string)  {}
func (noopMetrics) PaymentCreated(string) {}
func (noopMetrics) PaymentVoided()        {}
func (noopMetrics) UserCascade(bool, int) {}

// Service содержит бизнес-логику учёта.
type Service struct {
	store            Store
	metrics          Metrics
	guard            SwipeGuard
	defaultTruckType int64
	hashCost         int
	now              func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithMetrics подключает сбор метрик.
func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithSwipeGuard подключает защиту от повторного прикладывания карты.
func WithSwipeGuard(g SwipeGuard) Option {
	return func(s *Service) {
		s.guard = g
	}
}

// WithDefaultTruckType задаёт тип цистерны для доставок по карте.
func WithDefaultTruckType(id int64) Option {
	return func(s *Service) {
		if id > 0 {
			s.defaultTruckType = id
		}
	}
}

// WithPasswordCost задаёт стоимость bcrypt при хешировании паролей.
func WithPasswordCost(cost int) Option {
	return func(s *Service) {
		s.hashCost = cost
	}
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService создаёт новый сервис поверх указанного хранилища.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:            store,
		metrics:          noopMetrics{},
		defaultTruckType: DefaultTruckTypeID,
		hashCost:         bcrypt.DefaultCost,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// lookupErr превращает отсутствие записи в ошибку вида NotFound.
func lookupErr(err error, entity string, id any) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperror.Wrap(apperror.KindNotFound, err, "%s %v not found", entity, id)
	}
	return err
}

// eligibleUser загружает пользователя с блокировкой строки и проверяет, что он может проводить операции.
func eligibleUser(ctx context.Context, tx repository.Tx, id int64) (*model.User, error) {
	u, err := tx.LockUser(ctx, id)
	if err != nil {
		return nil, lookupErr(err, "user", id)
	}
	if !u.Active {
		return nil, apperror.New(apperror.KindIneligible, "user %d is inactive", id)
	}
	if u.Blocked {
		return nil, apperror.New(apperror.KindIneligible, "user %d is blocked", id)
	}
	return u, nil
}
