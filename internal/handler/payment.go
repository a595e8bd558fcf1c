package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/mmeshcher/water-ledger/internal/apperror"
	"github.com/mmeshcher/water-ledger/internal/model"
	"github.com/mmeshcher/water-ledger/internal/repository"
	"github.com/mmeshcher/water-ledger/internal/service"
)

const (
	modeExplicit    = "explicit"
	modeOldestFirst = "oldest_first"
)

type paymentResponse struct {
	ID        int64   `json:"id"`
	UserID    int64   `json:"user_id"`
	Timestamp string  `json:"timestamp"`
	Amount    float64 `json:"amount"`
	ChargeIDs []int64 `json:"charge_ids"`
	Active    bool    `json:"active"`
}

func toPaymentResponse(p *model.Payment) paymentResponse {
	ids := p.ChargeIDs
	if ids == nil {
		ids = []int64{}
	}
	return paymentResponse{
		ID:        p.ID,
		UserID:    p.UserID,
		Timestamp: p.Timestamp.Format(time.RFC3339),
		Amount:    model.AmountFromCents(p.Amount),
		ChargeIDs: ids,
		Active:    p.Active,
	}
}

func toPaymentsResponse(payments []model.Payment) []paymentResponse {
	resp := make([]paymentResponse, 0, len(payments))
	for i := range payments {
		resp = append(resp, toPaymentResponse(&payments[i]))
	}
	return resp
}

type createPaymentRequest struct {
	UserID    int64    `json:"user_id"`
	Amount    *float64 `json:"amount"`
	Mode      string   `json:"mode"`
	ChargeIDs []int64  `json:"charge_ids"`
	Count     int      `json:"count"`
}

// CreatePayment принимает оплату. Режим explicit гасит перечисленные доставки,
// oldest_first гасит count самых старых долгов плательщика.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Amount == nil {
		h.writeError(w, r, apperror.Field(apperror.KindInvalid, "amount", "is required"))
		return
	}

	userID, err := actingUser(caller(r), req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	amount, err := cents("amount", *req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var p *model.Payment
	switch req.Mode {
	case modeExplicit, "":
		if err = h.requireOwnCharges(r.Context(), caller(r), req.ChargeIDs); err != nil {
			break
		}
		p, err = h.service.CreatePaymentExplicit(r.Context(), userID, amount, req.ChargeIDs)
	case modeOldestFirst:
		p, err = h.service.CreatePaymentOldestFirst(r.Context(), userID, amount, req.Count)
	default:
		err = apperror.Field(apperror.KindInvalid, "mode", "unknown payment mode %q", req.Mode)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResponse(p))
}

// requireOwnCharges не даёт не-администратору гасить доставки, которых он не видит.
// Такие доставки отвечают так же, как несуществующие.
func (h *Handler) requireOwnCharges(ctx context.Context, identity *model.Identity, ids []int64) error {
	if identity.Role == model.RoleAdmin {
		return nil
	}
	for _, id := range ids {
		c, err := h.service.GetCharge(ctx, id)
		if err != nil {
			return err
		}
		ok, err := h.visible(ctx, identity, c.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return apperror.Field(apperror.KindNotFound, "charge_ids", "charge %d not found", id)
		}
	}
	return nil
}

// GetPayment возвращает оплату.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.service.GetPayment(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.requireVisible(r.Context(), caller(r), p.UserID, "payment"); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

// ListPayments возвращает оплаты, видимые вызывающему, с фильтрами user_id, active, from, to.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	var f repository.PaymentFilter
	identity := caller(r)

	userID, ok, err := queryInt(r, "user_id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if ok {
		if err := h.requireVisible(r.Context(), identity, userID, "user"); err != nil {
			h.writeError(w, r, err)
			return
		}
		f.UserIDs = []int64{userID}
	} else if f.UserIDs, err = h.visibleUsers(r.Context(), identity); err != nil {
		h.writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("active") != "" {
		active, err := queryBool(r, "active")
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		f.Active = &active
	}
	if f.From, err = queryTime(r, "from"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		h.writeError(w, r, err)
		return
	}

	payments, err := h.service.ListPayments(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentsResponse(payments))
}

type updatePaymentRequest struct {
	UserID    *int64   `json:"user_id"`
	Amount    *float64 `json:"amount"`
	ChargeIDs []int64  `json:"charge_ids"`
}

// UpdatePayment правит плательщика, сумму или состав оплаты.
func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req updatePaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	upd := service.PaymentUpdate{UserID: req.UserID, ChargeIDs: req.ChargeIDs}
	if req.Amount != nil {
		amount, err := cents("amount", *req.Amount)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		upd.Amount = &amount
	}

	p, err := h.service.UpdatePayment(r.Context(), id, upd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

// VoidPayment аннулирует оплату и возвращает её доставки в долг.
func (h *Handler) VoidPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.service.VoidPayment(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

// ActivatePayment снова делает оплату активной. Доставки при этом не гасятся повторно.
func (h *Handler) ActivatePayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.service.SetPaymentActive(r.Context(), id, true)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

// OwnerPayments возвращает оплаты владельца и его водителей.
func (h *Handler) OwnerPayments(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.requireVisible(r.Context(), caller(r), id, "user"); err != nil {
		h.writeError(w, r, err)
		return
	}

	payments, err := h.service.OwnerPayments(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentsResponse(payments))
}

// Reconcile возвращает расхождения между состояниями доставок и активными оплатами.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	found, err := h.service.Reconcile(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if found == nil {
		found = []service.Discrepancy{}
	}
	writeJSON(w, http.StatusOK, found)
}
