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

type chargeResponse struct {
	ID          int64   `json:"id"`
	Timestamp   string  `json:"timestamp"`
	State       string  `json:"state"`
	UserID      int64   `json:"user_id"`
	TruckTypeID int64   `json:"truck_type_id"`
	Cost        float64 `json:"cost"`
	Active      bool    `json:"active"`
}

func toChargeResponse(c *model.Charge) chargeResponse {
	return chargeResponse{
		ID:          c.ID,
		Timestamp:   c.Timestamp.Format(time.RFC3339),
		State:       string(c.State),
		UserID:      c.UserID,
		TruckTypeID: c.TruckTypeID,
		Cost:        model.AmountFromCents(c.Cost),
		Active:      c.Active,
	}
}

func toChargesResponse(charges []model.Charge) []chargeResponse {
	resp := make([]chargeResponse, 0, len(charges))
	for i := range charges {
		resp = append(resp, toChargeResponse(&charges[i]))
	}
	return resp
}

// visible сообщает, может ли пользователь видеть записи userID:
// администратор видит всё, владелец себя и своих активных водителей, остальные только себя.
// Правило совпадает с visibleUsers, который строит список через Service.Drivers.
func (h *Handler) visible(ctx context.Context, identity *model.Identity, userID int64) (bool, error) {
	if identity.Role == model.RoleAdmin || identity.ID == userID {
		return true, nil
	}
	if identity.Role != model.RoleOwner {
		return false, nil
	}

	u, err := h.service.GetUser(ctx, userID)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindNotFound {
			return false, nil
		}
		return false, err
	}
	return u.Active && u.Role == model.RoleDriver && u.OwnerID != nil && *u.OwnerID == identity.ID, nil
}

// visibleUsers возвращает пользователей, чьи записи видит вызывающий. Nil означает всех.
func (h *Handler) visibleUsers(ctx context.Context, identity *model.Identity) ([]int64, error) {
	switch identity.Role {
	case model.RoleAdmin:
		return nil, nil
	case model.RoleOwner:
		drivers, err := h.service.Drivers(ctx, identity.ID)
		if err != nil {
			return nil, err
		}
		ids := []int64{identity.ID}
		for _, d := range drivers {
			ids = append(ids, d.ID)
		}
		return ids, nil
	default:
		return []int64{identity.ID}, nil
	}
}

func (h *Handler) requireVisible(ctx context.Context, identity *model.Identity, userID int64, entity string) error {
	ok, err := h.visible(ctx, identity, userID)
	if err != nil {
		return err
	}
	if !ok {
		// чужие записи неотличимы от отсутствующих
		return apperror.New(apperror.KindNotFound, "%s not found", entity)
	}
	return nil
}

type swipeRequest struct {
	CardNumber  string `json:"card_number"`
	TruckTypeID int64  `json:"truck_type_id"`
}

// Swipe регистрирует доставку по прикладыванию карты к считывателю.
func (h *Handler) Swipe(w http.ResponseWriter, r *http.Request) {
	var req swipeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.service.CreateChargeByCard(r.Context(), req.CardNumber, req.TruckTypeID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChargeResponse(c))
}

type createChargeRequest struct {
	UserID      int64      `json:"user_id"`
	TruckTypeID int64      `json:"truck_type_id"`
	Timestamp   *time.Time `json:"timestamp"`
}

// CreateCharge регистрирует доставку вручную.
func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	var req createChargeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.TruckTypeID <= 0 {
		h.writeError(w, r, apperror.Field(apperror.KindInvalid, "truck_type_id", "is required"))
		return
	}

	userID, err := actingUser(caller(r), req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var at time.Time
	if req.Timestamp != nil {
		at = *req.Timestamp
	}

	c, err := h.service.CreateCharge(r.Context(), userID, req.TruckTypeID, at)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChargeResponse(c))
}

// GetCharge возвращает доставку.
func (h *Handler) GetCharge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.service.GetCharge(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.requireVisible(r.Context(), caller(r), c.UserID, "charge"); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChargeResponse(c))
}

func chargeFilterFromQuery(r *http.Request) (repository.ChargeFilter, error) {
	var f repository.ChargeFilter

	if userID, ok, err := queryInt(r, "user_id"); err != nil {
		return f, err
	} else if ok {
		f.UserIDs = []int64{userID}
	}

	if state := model.ChargeState(r.URL.Query().Get("state")); state != "" {
		if !state.Valid() {
			return f, apperror.Field(apperror.KindInvalid, "state", "unknown charge state %q", state)
		}
		f.State = state
	}

	if r.URL.Query().Get("active") != "" {
		active, err := queryBool(r, "active")
		if err != nil {
			return f, err
		}
		f.Active = &active
	}

	var err error
	if f.From, err = queryTime(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		return f, err
	}
	return f, nil
}

// ListCharges возвращает доставки, видимые вызывающему, с фильтрами user_id, state, active, from, to.
func (h *Handler) ListCharges(w http.ResponseWriter, r *http.Request) {
	f, err := chargeFilterFromQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	identity := caller(r)
	if len(f.UserIDs) > 0 {
		if err := h.requireVisible(r.Context(), identity, f.UserIDs[0], "user"); err != nil {
			h.writeError(w, r, err)
			return
		}
	} else if f.UserIDs, err = h.visibleUsers(r.Context(), identity); err != nil {
		h.writeError(w, r, err)
		return
	}

	charges, err := h.service.ListCharges(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChargesResponse(charges))
}

type updateChargeRequest struct {
	Timestamp   *time.Time         `json:"timestamp"`
	State       *model.ChargeState `json:"state"`
	UserID      *int64             `json:"user_id"`
	TruckTypeID *int64             `json:"truck_type_id"`
}

// UpdateCharge правит доставку. По умолчанию стоимость пересчитывается по действующему тарифу,
// keep_cost=true сохраняет зафиксированную стоимость.
func (h *Handler) UpdateCharge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	keepCost, err := queryBool(r, "keep_cost")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req updateChargeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	upd := service.ChargeUpdate{
		Timestamp:   req.Timestamp,
		State:       req.State,
		UserID:      req.UserID,
		TruckTypeID: req.TruckTypeID,
	}

	var c *model.Charge
	if keepCost {
		c, err = h.service.UpdateCharge(r.Context(), id, upd)
	} else {
		c, err = h.service.UpdateChargeRepriced(r.Context(), id, upd)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChargeResponse(c))
}

// DeleteCharge снимает доставку с учёта.
func (h *Handler) DeleteCharge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.service.DeleteCharge(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RestoreCharge возвращает снятую доставку в учёт.
func (h *Handler) RestoreCharge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.service.SetChargeActive(r.Context(), id, true)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChargeResponse(c))
}

// OwnerDebts возвращает неоплаченные доставки владельца и его водителей.
func (h *Handler) OwnerDebts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.requireVisible(r.Context(), caller(r), id, "user"); err != nil {
		h.writeError(w, r, err)
		return
	}

	charges, err := h.service.OwnerDebts(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChargesResponse(charges))
}
