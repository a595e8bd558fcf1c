package service

import (
	"context"
	"errors"

	"github.com/mmeshcher/water-ledger/internal/apperror"
	"github.com/mmeshcher/water-ledger/internal/model"
	"github.com/mmeshcher/water-ledger/internal/repository"
)

// PriceUpdate описывает частичное изменение тарифа. Nil-поля не меняются.
type PriceUpdate struct {
	Value       *int64
	Description *string
	Active      *bool
}

func activePrice(ctx context.Context, tx repository.Tx) (*model.Price, error) {
	p, err := tx.ActivePrice(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperror.New(apperror.KindNoActivePrice, "no active price")
		}
		return nil, err
	}
	return p, nil
}

// ActivePrice возвращает действующий тариф.
func (s *Service) ActivePrice(ctx context.Context) (*model.Price, error) {
	var res *model.Price
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		p, err := activePrice(ctx, tx)
		res = p
		return err
	})
	return res, err
}

// GetPrice возвращает тариф по идентификатору.
func (s *Service) GetPrice(ctx context.Context, id int64) (*model.Price, error) {
	var res *model.Price
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		p, err := tx.GetPrice(ctx, id)
		if err != nil {
			return lookupErr(err, "price", id)
		}
		res = p
		return nil
	})
	return res, err
}

// ListPrices возвращает историю тарифов от новых к старым.
func (s *Service) ListPrices(ctx context.Context, includeInactive bool) ([]model.Price, error) {
	var res []model.Price
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		res, err = tx.ListPrices(ctx, includeInactive)
		return err
	})
	return res, err
}

// CreatePrice создаёт новый действующий тариф. Все прочие активные тарифы предварительно деактивируются.
func (s *Service) CreatePrice(ctx context.Context, value int64, description string, creatorID int64) (*model.Price, error) {
	if value < 0 {
		return nil, apperror.Field(apperror.KindInvalid, "value", "price must not be negative")
	}
	p := &model.Price{
		Value:       value,
		Description: description,
		Active:      true,
		CreatedAt:   s.timestamp(),
		CreatedBy:   creatorID,
	}

	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.GetUser(ctx, creatorID); err != nil {
			return lookupErr(err, "user", creatorID)
		}
		if err := tx.DeactivateActivePrices(ctx, 0); err != nil {
			return err
		}
		id, err := tx.InsertPrice(ctx, p)
		if err != nil {
			return err
		}
		p.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

// UpdatePrice частично изменяет тариф. Активация тарифа деактивирует все остальные.
func (s *Service) UpdatePrice(ctx context.Context, id int64, upd PriceUpdate, modifierID int64) (*model.Price, error) {
	if upd.Value != nil && *upd.Value < 0 {
		return nil, apperror.Field(apperror.KindInvalid, "value", "price must not be negative")
	}
	var res *model.Price
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		p, err := tx.GetPrice(ctx, id)
		if err != nil {
			return lookupErr(err, "price", id)
		}
		if _, err := tx.GetUser(ctx, modifierID); err != nil {
			return lookupErr(err, "user", modifierID)
		}

		if upd.Active != nil && *upd.Active && !p.Active {
			if err := tx.DeactivateActivePrices(ctx, p.ID); err != nil {
				return err
			}
		}

		if upd.Value != nil {
			p.Value = *upd.Value
		}
		if upd.Description != nil {
			p.Description = *upd.Description
		}
		if upd.Active != nil {
			p.Active = *upd.Active
		}
		at := s.timestamp()
		p.ModifiedAt = &at
		p.ModifiedBy = &modifierID

		if err := tx.UpdatePrice(ctx, p); err != nil {
			return lookupErr(err, "price", id)
		}
		res = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// DeactivatePrice снимает тариф с действия. После этого действующего тарифа может не остаться.
func (s *Service) DeactivatePrice(ctx context.Context, id int64, modifierID int64) (*model.Price, error) {
	active := false
	return s.UpdatePrice(ctx, id, PriceUpdate{Active: &active}, modifierID)
}
