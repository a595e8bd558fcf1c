package service

import (
	"context"

	"github.com/mmeshcher/water-ledger/internal/apperror"
	"github.com/mmeshcher/water-ledger/internal/model"
	"github.com/mmeshcher/water-ledger/internal/repository"
)

const (
	paymentModeExplicit    = "explicit"
	paymentModeOldestFirst = "oldest_first"
)

// PaymentUpdate описывает правку оплаты. Nil-поля не меняются.
type PaymentUpdate struct {
	UserID    *int64
	Amount    *int64
	ChargeIDs []int64
}

func checkChargeIDs(ids []int64) error {
	if len(ids) == 0 {
		return apperror.Field(apperror.KindInvalid, "charge_ids", "at least one charge is required")
	}
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return apperror.Field(apperror.KindInvalid, "charge_ids", "invalid charge id %d", id)
		}
		if _, ok := seen[id]; ok {
			return apperror.Field(apperror.KindInvalid, "charge_ids", "charge %d listed twice", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func checkAmount(amount int64) error {
	if amount < 0 {
		return apperror.Field(apperror.KindInvalid, "amount", "amount must not be negative")
	}
	return nil
}

// claimDebts блокирует доставки и проверяет, что каждую можно погасить.
// Проверка идёт после блокировки, поэтому из двух конкурентных оплат одной доставки проходит только первая.
func claimDebts(ctx context.Context, tx repository.Tx, ids []int64) ([]model.Charge, error) {
	charges, err := tx.LockCharges(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]model.Charge, len(charges))
	for _, c := range charges {
		byID[c.ID] = c
	}

	owners := make(map[int64]bool)
	res := make([]model.Charge, 0, len(ids))
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			return nil, apperror.New(apperror.KindNotFound, "charge %d not found", id)
		}
		if !c.Active {
			return nil, apperror.New(apperror.KindInvalidState, "charge %d is inactive", id)
		}
		if c.State != model.ChargeStateDebt {
			return nil, apperror.New(apperror.KindInvalidState, "charge %d is already paid", id)
		}

		eligible, seen := owners[c.UserID]
		if !seen {
			owner, err := tx.GetUser(ctx, c.UserID)
			if err != nil {
				return nil, lookupErr(err, "user", c.UserID)
			}
			eligible = owner.CanTransact()
			owners[c.UserID] = eligible
		}
		if !eligible {
			return nil, apperror.New(apperror.KindIneligible, "owner of charge %d cannot transact", id)
		}

		res = append(res, c)
	}

	return res, nil
}

func (s *Service) insertPayment(ctx context.Context, tx repository.Tx, userID, amount int64, chargeIDs []int64) (*model.Payment, error) {
	p := &model.Payment{
		UserID:    userID,
		Timestamp: s.timestamp(),
		Amount:    amount,
		ChargeIDs: chargeIDs,
		Active:    true,
	}

	id, err := tx.InsertPayment(ctx, p)
	if err != nil {
		return nil, err
	}
	p.ID = id

	if err := tx.SetChargesState(ctx, chargeIDs, model.ChargeStatePaid); err != nil {
		return nil, err
	}

	return p, nil
}

// CreatePaymentExplicit гасит перечисленные доставки. Сумма принимается как есть, без сверки со стоимостью.
func (s *Service) CreatePaymentExplicit(ctx context.Context, userID, amount int64, chargeIDs []int64) (*model.Payment, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if err := checkChargeIDs(chargeIDs); err != nil {
		return nil, err
	}
	ids := append([]int64(nil), chargeIDs...)

	var res *model.Payment
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		if _, err := eligibleUser(ctx, tx, userID); err != nil {
			return err
		}
		if _, err := claimDebts(ctx, tx, ids); err != nil {
			return err
		}
		var err error
		res, err = s.insertPayment(ctx, tx, userID, amount, ids)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.PaymentCreated(paymentModeExplicit)
	return res, nil
}

// CreatePaymentOldestFirst гасит count самых старых долгов пользователя.
// Сумма должна совпадать со стоимостью выбранных доставок до копейки.
func (s *Service) CreatePaymentOldestFirst(ctx context.Context, userID, amount int64, count int) (*model.Payment, error) {
	if count < 1 {
		return nil, apperror.Field(apperror.KindInvalid, "count", "count must be positive")
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}

	var res *model.Payment
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		if _, err := eligibleUser(ctx, tx, userID); err != nil {
			return err
		}

		debts, err := tx.LockOldestDebts(ctx, userID, count)
		if err != nil {
			return err
		}
		if len(debts) < count {
			return apperror.New(apperror.KindInvalidState, "user %d has %d outstanding charges, %d requested", userID, len(debts), count)
		}

		var total int64
		ids := make([]int64, 0, len(debts))
		for _, c := range debts {
			total += c.Cost
			ids = append(ids, c.ID)
		}
		if total != amount {
			return apperror.Field(apperror.KindAmountMismatch, "amount",
				"amount %.2f does not match outstanding %.2f", model.AmountFromCents(amount), model.AmountFromCents(total))
		}

		res, err = s.insertPayment(ctx, tx, userID, amount, ids)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.PaymentCreated(paymentModeOldestFirst)
	return res, nil
}

// UpdatePayment правит плательщика, сумму и состав оплаты.
// Исключённые доставки возвращаются в долг, добавленные гасятся.
func (s *Service) UpdatePayment(ctx context.Context, id int64, upd PaymentUpdate) (*model.Payment, error) {
	if upd.Amount != nil {
		if err := checkAmount(*upd.Amount); err != nil {
			return nil, err
		}
	}
	if upd.ChargeIDs != nil {
		if err := checkChargeIDs(upd.ChargeIDs); err != nil {
			return nil, err
		}
	}

	var res *model.Payment
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		p, err := tx.LockPayment(ctx, id)
		if err != nil {
			return lookupErr(err, "payment", id)
		}

		if upd.UserID != nil {
			if _, err := eligibleUser(ctx, tx, *upd.UserID); err != nil {
				return err
			}
			p.UserID = *upd.UserID
		}
		if upd.Amount != nil {
			p.Amount = *upd.Amount
		}

		if upd.ChargeIDs != nil {
			if !p.Active {
				return apperror.New(apperror.KindInvalidState, "payment %d is void", id)
			}
			if err := s.rebalance(ctx, tx, p.ChargeIDs, upd.ChargeIDs); err != nil {
				return err
			}
			p.ChargeIDs = append([]int64(nil), upd.ChargeIDs...)
		}

		if err := tx.UpdatePayment(ctx, p); err != nil {
			return lookupErr(err, "payment", id)
		}
		res = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// rebalance переводит доставки, покинувшие оплату, в долг, а новые в оплаченные.
func (s *Service) rebalance(ctx context.Context, tx repository.Tx, current, next []int64) error {
	keep := make(map[int64]struct{}, len(next))
	for _, id := range next {
		keep[id] = struct{}{}
	}
	had := make(map[int64]struct{}, len(current))
	var removed []int64
	for _, id := range current {
		had[id] = struct{}{}
		if _, ok := keep[id]; !ok {
			removed = append(removed, id)
		}
	}
	var added []int64
	for _, id := range next {
		if _, ok := had[id]; !ok {
			added = append(added, id)
		}
	}

	if len(removed) > 0 {
		if err := tx.SetChargesState(ctx, removed, model.ChargeStateDebt); err != nil {
			return err
		}
	}
	if len(added) > 0 {
		if _, err := claimDebts(ctx, tx, added); err != nil {
			return err
		}
		if err := tx.SetChargesState(ctx, added, model.ChargeStatePaid); err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) voidPayment(ctx context.Context, id int64) (*model.Payment, bool, error) {
	var (
		res    *model.Payment
		voided bool
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		p, err := tx.LockPayment(ctx, id)
		if err != nil {
			return lookupErr(err, "payment", id)
		}
		res = p
		if !p.Active {
			return nil
		}

		p.Active = false
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		// Доставки возвращаются в долг независимо от их собственного признака active.
		if len(p.ChargeIDs) > 0 {
			if err := tx.SetChargesState(ctx, p.ChargeIDs, model.ChargeStateDebt); err != nil {
				return err
			}
		}
		voided = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return res, voided, nil
}

// VoidPayment аннулирует оплату и возвращает все её доставки в долг. Повторный вызов ничего не меняет.
func (s *Service) VoidPayment(ctx context.Context, id int64) (*model.Payment, error) {
	p, voided, err := s.voidPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if voided {
		s.metrics.PaymentVoided()
	}
	return p, nil
}

// SetPaymentActive включает или аннулирует оплату.
// Повторное включение не гасит доставки заново: они остаются в долге.
func (s *Service) SetPaymentActive(ctx context.Context, id int64, active bool) (*model.Payment, error) {
	if !active {
		return s.VoidPayment(ctx, id)
	}

	var res *model.Payment
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		p, err := tx.LockPayment(ctx, id)
		if err != nil {
			return lookupErr(err, "payment", id)
		}
		res = p
		if p.Active {
			return nil
		}
		p.Active = true
		return tx.UpdatePayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetPayment возвращает оплату вместе с составом погашенных доставок.
func (s *Service) GetPayment(ctx context.Context, id int64) (*model.Payment, error) {
	var res *model.Payment
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		p, err := tx.GetPayment(ctx, id)
		if err != nil {
			return lookupErr(err, "payment", id)
		}
		res = p
		return nil
	})
	return res, err
}

// ListPayments возвращает оплаты по фильтру.
func (s *Service) ListPayments(ctx context.Context, f repository.PaymentFilter) ([]model.Payment, error) {
	var res []model.Payment
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		res, err = tx.ListPayments(ctx, f)
		return err
	})
	return res, err
}

// OwnerPayments возвращает оплаты владельца и всех его водителей.
func (s *Service) OwnerPayments(ctx context.Context, ownerID int64) ([]model.Payment, error) {
	var res []model.Payment
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.GetUser(ctx, ownerID); err != nil {
			return lookupErr(err, "user", ownerID)
		}
		drivers, err := tx.DriverIDs(ctx, ownerID)
		if err != nil {
			return err
		}
		res, err = tx.ListPayments(ctx, repository.PaymentFilter{UserIDs: append([]int64{ownerID}, drivers...)})
		return err
	})
	return res, err
}
