package service

import (
	"context"
	"time"

	"github.com/mmeshcher/water-ledger/internal/apperror"
	"github.com/mmeshcher/water-ledger/internal/model"
	"github.com/mmeshcher/water-ledger/internal/repository"
)

const (
	chargeSourceManual = "manual"
	chargeSourceCard   = "card"
)

// ChargeUpdate описывает административную правку доставки. Nil-поля не меняются.
type ChargeUpdate struct {
	Timestamp   *time.Time
	State       *model.ChargeState
	UserID      *int64
	TruckTypeID *int64
}

func (u ChargeUpdate) empty() bool {
	return u.Timestamp == nil && u.State == nil && u.UserID == nil && u.TruckTypeID == nil
}

func (s *Service) insertCharge(ctx context.Context, tx repository.Tx, user *model.User, truckTypeID int64, at time.Time) (*model.Charge, error) {
	if _, err := tx.GetTruckType(ctx, truckTypeID); err != nil {
		return nil, lookupErr(err, "truck type", truckTypeID)
	}

	price, err := activePrice(ctx, tx)
	if err != nil {
		return nil, err
	}

	if at.IsZero() {
		at = s.timestamp()
	}

	c := &model.Charge{
		Timestamp:   at.UTC(),
		State:       model.ChargeStateDebt,
		UserID:      user.ID,
		TruckTypeID: truckTypeID,
		Cost:        price.Value,
		Active:      true,
	}

	id, err := tx.InsertCharge(ctx, c)
	if err != nil {
		return nil, err
	}
	c.ID = id

	return c, nil
}

// CreateCharge регистрирует доставку пользователю по действующему тарифу.
// Нулевое время означает текущий момент.
func (s *Service) CreateCharge(ctx context.Context, userID, truckTypeID int64, at time.Time) (*model.Charge, error) {
	var res *model.Charge
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		user, err := eligibleUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		res, err = s.insertCharge(ctx, tx, user, truckTypeID, at)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ChargeCreated(chargeSourceManual)
	return res, nil
}

// CreateChargeByCard регистрирует доставку владельцу карты. Нулевой truckTypeID означает тип по умолчанию.
func (s *Service) CreateChargeByCard(ctx context.Context, cardNumber string, truckTypeID int64) (*model.Charge, error) {
	if cardNumber == "" {
		return nil, apperror.Field(apperror.KindInvalid, "card_number", "card number is required")
	}
	if truckTypeID == 0 {
		truckTypeID = s.defaultTruckType
	}

	if s.guard != nil {
		ok, err := s.guard.Allow(ctx, cardNumber)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperror.Field(apperror.KindConflict, "card_number", "card was swiped moments ago")
		}
	}

	var res *model.Charge
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		user, err := tx.UserByCard(ctx, cardNumber)
		if err != nil {
			return lookupErr(err, "active user with card", cardNumber)
		}
		res, err = s.insertCharge(ctx, tx, user, truckTypeID, time.Time{})
		return err
	})
	if err != nil {
		if s.guard != nil {
			// при ошибке снятия отметка истечёт вместе с окном
			_ = s.guard.Release(context.WithoutCancel(ctx), cardNumber)
		}
		return nil, err
	}

	s.metrics.ChargeCreated(chargeSourceCard)
	return res, nil
}

func (s *Service) updateCharge(ctx context.Context, id int64, upd ChargeUpdate, reprice bool) (*model.Charge, error) {
	if upd.State != nil && !upd.State.Valid() {
		return nil, apperror.Field(apperror.KindInvalid, "state", "unknown charge state %q", *upd.State)
	}

	var res *model.Charge
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		c, err := tx.GetCharge(ctx, id)
		if err != nil {
			return lookupErr(err, "charge", id)
		}

		if upd.UserID != nil {
			if _, err := tx.GetUser(ctx, *upd.UserID); err != nil {
				return lookupErr(err, "user", *upd.UserID)
			}
			c.UserID = *upd.UserID
		}
		if upd.TruckTypeID != nil {
			if _, err := tx.GetTruckType(ctx, *upd.TruckTypeID); err != nil {
				return lookupErr(err, "truck type", *upd.TruckTypeID)
			}
			c.TruckTypeID = *upd.TruckTypeID
		}
		if upd.Timestamp != nil {
			c.Timestamp = upd.Timestamp.UTC()
		}
		if upd.State != nil {
			c.State = *upd.State
		}

		if reprice && !upd.empty() {
			price, err := activePrice(ctx, tx)
			if err != nil {
				return err
			}
			c.Cost = price.Value
		}

		if err := tx.UpdateCharge(ctx, c); err != nil {
			return lookupErr(err, "charge", id)
		}
		res = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// UpdateCharge правит поля доставки, не трогая её стоимость.
func (s *Service) UpdateCharge(ctx context.Context, id int64, upd ChargeUpdate) (*model.Charge, error) {
	return s.updateCharge(ctx, id, upd, false)
}

// UpdateChargeRepriced правит поля доставки и пересчитывает стоимость по действующему тарифу.
// Стоимость меняется при любой непустой правке, даже не связанной с ценой.
func (s *Service) UpdateChargeRepriced(ctx context.Context, id int64, upd ChargeUpdate) (*model.Charge, error) {
	return s.updateCharge(ctx, id, upd, true)
}

// SetChargeActive меняет только признак активности доставки, не затрагивая оплаты.
func (s *Service) SetChargeActive(ctx context.Context, id int64, active bool) (*model.Charge, error) {
	var res *model.Charge
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		c, err := tx.GetCharge(ctx, id)
		if err != nil {
			return lookupErr(err, "charge", id)
		}
		c.Active = active
		if err := tx.UpdateCharge(ctx, c); err != nil {
			return lookupErr(err, "charge", id)
		}
		res = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DeleteCharge мягко удаляет доставку.
func (s *Service) DeleteCharge(ctx context.Context, id int64) error {
	_, err := s.SetChargeActive(ctx, id, false)
	return err
}

// GetCharge возвращает доставку по идентификатору.
func (s *Service) GetCharge(ctx context.Context, id int64) (*model.Charge, error) {
	var res *model.Charge
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		c, err := tx.GetCharge(ctx, id)
		if err != nil {
			return lookupErr(err, "charge", id)
		}
		res = c
		return nil
	})
	return res, err
}

// ListCharges возвращает доставки по фильтру.
func (s *Service) ListCharges(ctx context.Context, f repository.ChargeFilter) ([]model.Charge, error) {
	var res []model.Charge
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		res, err = tx.ListCharges(ctx, f)
		return err
	})
	return res, err
}

// OwnerDebts возвращает активные неоплаченные доставки владельца и его активных незаблокированных водителей.
func (s *Service) OwnerDebts(ctx context.Context, ownerID int64) ([]model.Charge, error) {
	var res []model.Charge
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		owner, err := tx.GetUser(ctx, ownerID)
		if err != nil {
			return lookupErr(err, "user", ownerID)
		}

		ids := []int64{}
		if owner.CanTransact() {
			ids = append(ids, owner.ID)
		}

		drivers, err := tx.ListUsers(ctx, repository.UserFilter{OwnerID: &owner.ID, Role: model.RoleDriver})
		if err != nil {
			return err
		}
		for _, d := range drivers {
			if d.CanTransact() {
				ids = append(ids, d.ID)
			}
		}
		if len(ids) == 0 {
			return nil
		}

		active := true
		res, err = tx.ListCharges(ctx, repository.ChargeFilter{
			UserIDs: ids,
			State:   model.ChargeStateDebt,
			Active:  &active,
		})
		return err
	})
	return res, err
}
