package service

import (
	"context"

	"github.com/mmeshcher/water-ledger/internal/model"
	"github.com/mmeshcher/water-ledger/internal/repository"
)

// Причины расхождений.
const (
	ReasonUnclaimedPaid = "paid_without_active_payment"
	ReasonMultipleClaim = "claimed_by_several_payments"
	ReasonClaimedDebt   = "debt_claimed_by_active_payment"
)

// Discrepancy описывает доставку, состояние которой не согласуется с активными оплатами.
type Discrepancy struct {
	ChargeID  int64             `json:"charge_id"`
	State     model.ChargeState `json:"state"`
	ClaimedBy []int64           `json:"claimed_by"`
	Reason    string            `json:"reason"`
}

// Reconcile сверяет состояния доставок с составом активных оплат.
// Доставка в состоянии paid должна входить ровно в одну активную оплату, доставка в долге ни в одну.
// Каскадная деактивация пользователя оставляет оплаченные доставки без активной оплаты, они тоже попадают в отчёт.
func (s *Service) Reconcile(ctx context.Context) ([]Discrepancy, error) {
	var res []Discrepancy
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		charges, err := tx.ListCharges(ctx, repository.ChargeFilter{})
		if err != nil {
			return err
		}
		claims, err := tx.ListClaims(ctx)
		if err != nil {
			return err
		}

		claimed := make(map[int64][]int64)
		for _, c := range claims {
			if c.PaymentActive {
				claimed[c.ChargeID] = append(claimed[c.ChargeID], c.PaymentID)
			}
		}

		for _, c := range charges {
			by := claimed[c.ID]
			var reason string
			switch {
			case c.State == model.ChargeStatePaid && len(by) == 0:
				reason = ReasonUnclaimedPaid
			case c.State == model.ChargeStatePaid && len(by) > 1:
				reason = ReasonMultipleClaim
			case c.State == model.ChargeStateDebt && len(by) > 0:
				reason = ReasonClaimedDebt
			default:
				continue
			}
			res = append(res, Discrepancy{ChargeID: c.ID, State: c.State, ClaimedBy: by, Reason: reason})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
