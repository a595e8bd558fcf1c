package service

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/water-ledger/internal/apperror"
	"github.com/mmeshcher/water-ledger/internal/model"
	"github.com/mmeshcher/water-ledger/internal/repository"
	"github.com/mmeshcher/water-ledger/internal/validation"
)

// NewUser содержит данные для заведения пользователя.
type NewUser struct {
	Name       string
	Email      string
	NationalID int64
	Username   string
	Password   string
	Role       model.Role
	CardNumber *string
	OwnerID    *int64
}

// UserUpdate описывает правку пользователя. Nil-поля не меняются, пустой CardNumber снимает карту.
type UserUpdate struct {
	Name       *string
	Email      *string
	NationalID *int64
	Username   *string
	Password   *string
	Role       *model.Role
	CardNumber *string
	OwnerID    *int64
}

func checkProfile(u *model.User) error {
	if !validation.IsValidName(u.Name) {
		return apperror.Field(apperror.KindInvalid, "name", "name must be 2 to 100 characters")
	}
	if !validation.IsValidEmail(u.Email) {
		return apperror.Field(apperror.KindInvalid, "email", "invalid email")
	}
	if !validation.IsValidNationalID(u.NationalID) {
		return apperror.Field(apperror.KindInvalid, "national_id", "national id must have at least 6 digits")
	}
	if !validation.IsValidUsername(u.Username) {
		return apperror.Field(apperror.KindInvalid, "username", "username must be at least 3 letters, digits or underscores")
	}
	if !u.Role.Valid() {
		return apperror.Field(apperror.KindInvalid, "role", "unknown role %q", u.Role)
	}
	if u.CardNumber != nil && !validation.IsValidCardNumber(*u.CardNumber) {
		return apperror.Field(apperror.KindInvalid, "card_number", "card number must be 8 to 32 letters or digits")
	}
	if u.Role == model.RoleDriver && u.OwnerID == nil {
		return apperror.Field(apperror.KindInvalid, "owner_id", "driver requires an owner")
	}
	if u.Role != model.RoleDriver && u.OwnerID != nil {
		return apperror.Field(apperror.KindInvalid, "owner_id", "only drivers have an owner")
	}
	return nil
}

func checkOwner(ctx context.Context, tx repository.Tx, u *model.User) error {
	if u.OwnerID == nil {
		return nil
	}
	owner, err := tx.GetUser(ctx, *u.OwnerID)
	if err != nil {
		return lookupErr(err, "owner", *u.OwnerID)
	}
	if owner.Role != model.RoleOwner {
		return apperror.Field(apperror.KindInvalid, "owner_id", "user %d is not an owner", owner.ID)
	}
	if !owner.Active {
		return apperror.Field(apperror.KindIneligible, "owner_id", "owner %d is inactive", owner.ID)
	}
	return nil
}

func (s *Service) hashPassword(password string) ([]byte, error) {
	if !validation.IsStrongPassword(password) {
		return nil, apperror.Field(apperror.KindInvalid, "password",
			"password must be at least 8 characters with a letter, a digit and a special character")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

// CreateUser заводит пользователя. Водитель должен ссылаться на активного владельца.
func (s *Service) CreateUser(ctx context.Context, in NewUser) (*model.User, error) {
	u := &model.User{
		Name:       strings.TrimSpace(in.Name),
		Email:      strings.TrimSpace(in.Email),
		NationalID: in.NationalID,
		Username:   in.Username,
		Role:       in.Role,
		CardNumber: in.CardNumber,
		OwnerID:    in.OwnerID,
		Active:     true,
		CreatedAt:  s.timestamp(),
	}
	if err := checkProfile(u); err != nil {
		return nil, err
	}

	hash, err := s.hashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	u.PasswordHash = hash

	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		if err := checkOwner(ctx, tx, u); err != nil {
			return err
		}
		id, err := tx.InsertUser(ctx, u)
		if err != nil {
			return err
		}
		u.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	return u, nil
}

// UpdateUser правит профиль пользователя. Владельца, у которого есть водители, нельзя перевести в другую роль.
func (s *Service) UpdateUser(ctx context.Context, id int64, upd UserUpdate) (*model.User, error) {
	var hash []byte
	if upd.Password != nil {
		var err error
		if hash, err = s.hashPassword(*upd.Password); err != nil {
			return nil, err
		}
	}

	var res *model.User
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		u, err := tx.LockUser(ctx, id)
		if err != nil {
			return lookupErr(err, "user", id)
		}
		wasOwner := u.Role == model.RoleOwner

		if upd.Name != nil {
			u.Name = strings.TrimSpace(*upd.Name)
		}
		if upd.Email != nil {
			u.Email = strings.TrimSpace(*upd.Email)
		}
		if upd.NationalID != nil {
			u.NationalID = *upd.NationalID
		}
		if upd.Username != nil {
			u.Username = *upd.Username
		}
		if upd.Role != nil {
			u.Role = *upd.Role
			if u.Role != model.RoleDriver {
				u.OwnerID = nil
			}
		}
		if upd.CardNumber != nil {
			if *upd.CardNumber == "" {
				u.CardNumber = nil
			} else {
				card := *upd.CardNumber
				u.CardNumber = &card
			}
		}
		if upd.OwnerID != nil {
			owner := *upd.OwnerID
			u.OwnerID = &owner
		}
		if hash != nil {
			u.PasswordHash = hash
		}

		if u.Role == model.RoleAdmin && u.Blocked {
			return apperror.Field(apperror.KindForbidden, "role", "an admin cannot be blocked")
		}
		if err := checkProfile(u); err != nil {
			return err
		}
		if upd.OwnerID != nil || upd.Role != nil {
			if err := checkOwner(ctx, tx, u); err != nil {
				return err
			}
		}

		if wasOwner && u.Role != model.RoleOwner {
			drivers, err := tx.DriverIDs(ctx, u.ID)
			if err != nil {
				return err
			}
			if len(drivers) > 0 {
				return apperror.Field(apperror.KindInvalidState, "role", "owner %d still has %d drivers", u.ID, len(drivers))
			}
		}

		if err := tx.UpdateUser(ctx, u); err != nil {
			return lookupErr(err, "user", id)
		}
		res = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// BlockUser блокирует пользователя с указанием причины. Администратора заблокировать нельзя.
func (s *Service) BlockUser(ctx context.Context, id int64, reason string) (*model.User, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperror.Field(apperror.KindInvalid, "reason", "block reason is required")
	}

	var res *model.User
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		u, err := tx.LockUser(ctx, id)
		if err != nil {
			return lookupErr(err, "user", id)
		}
		if u.Role == model.RoleAdmin {
			return apperror.New(apperror.KindForbidden, "an admin cannot be blocked")
		}
		if u.Blocked {
			return apperror.New(apperror.KindInvalidState, "user %d is already blocked", id)
		}

		at := s.timestamp()
		u.Blocked = true
		u.BlockReason = &reason
		u.BlockedAt = &at

		if err := tx.UpdateUser(ctx, u); err != nil {
			return lookupErr(err, "user", id)
		}
		res = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// UnblockUser снимает блокировку.
func (s *Service) UnblockUser(ctx context.Context, id int64) (*model.User, error) {
	var res *model.User
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		u, err := tx.LockUser(ctx, id)
		if err != nil {
			return lookupErr(err, "user", id)
		}
		if !u.Blocked {
			return apperror.New(apperror.KindInvalidState, "user %d is not blocked", id)
		}

		u.Blocked = false
		u.BlockReason = nil
		u.BlockedAt = nil

		if err := tx.UpdateUser(ctx, u); err != nil {
			return lookupErr(err, "user", id)
		}
		res = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// setUserActive выставляет признак активности пользователю, его доставкам и оплатам,
// а для владельца ещё и всем его водителям с их доставками и оплатами. Состояния доставок не меняются.
func (s *Service) setUserActive(ctx context.Context, id int64, active bool) ([]int64, error) {
	var ids []int64
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		u, err := tx.LockUser(ctx, id)
		if err != nil {
			return lookupErr(err, "user", id)
		}

		ids = []int64{u.ID}
		if u.Role == model.RoleOwner {
			drivers, err := tx.DriverIDs(ctx, u.ID)
			if err != nil {
				return err
			}
			ids = append(ids, drivers...)
		}

		if err := tx.SetUsersActive(ctx, ids, active); err != nil {
			return err
		}
		if err := tx.SetChargesActiveByUsers(ctx, ids, active); err != nil {
			return err
		}
		return tx.SetPaymentsActiveByUsers(ctx, ids, active)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.UserCascade(active, len(ids))
	return ids, nil
}

// DeactivateUser мягко удаляет пользователя каскадом. Возвращает идентификаторы затронутых пользователей.
func (s *Service) DeactivateUser(ctx context.Context, id int64) ([]int64, error) {
	return s.setUserActive(ctx, id, false)
}

// ReactivateUser восстанавливает пользователя тем же каскадом.
func (s *Service) ReactivateUser(ctx context.Context, id int64) ([]int64, error) {
	return s.setUserActive(ctx, id, true)
}

// GetUser возвращает пользователя по идентификатору.
func (s *Service) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var res *model.User
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		u, err := tx.GetUser(ctx, id)
		if err != nil {
			return lookupErr(err, "user", id)
		}
		res = u
		return nil
	})
	return res, err
}

// ListUsers возвращает пользователей, по умолчанию только активных.
func (s *Service) ListUsers(ctx context.Context, includeInactive bool) ([]model.User, error) {
	var res []model.User
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		res, err = tx.ListUsers(ctx, repository.UserFilter{IncludeInactive: includeInactive})
		return err
	})
	return res, err
}

// Drivers возвращает активных водителей владельца.
func (s *Service) Drivers(ctx context.Context, ownerID int64) ([]model.User, error) {
	var res []model.User
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		owner, err := tx.GetUser(ctx, ownerID)
		if err != nil {
			return lookupErr(err, "user", ownerID)
		}
		if owner.Role != model.RoleOwner {
			return apperror.New(apperror.KindInvalid, "user %d is not an owner", ownerID)
		}
		res, err = tx.ListUsers(ctx, repository.UserFilter{OwnerID: &ownerID, Role: model.RoleDriver})
		return err
	})
	return res, err
}

// CurrentUser возвращает сведения о вызывающем пользователе для проверки прав.
func (s *Service) CurrentUser(ctx context.Context, id int64) (*model.Identity, error) {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.Identity{ID: u.ID, Role: u.Role, Active: u.Active, Blocked: u.Blocked}, nil
}
