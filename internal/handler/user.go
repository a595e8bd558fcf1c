package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/mmeshcher/water-ledger/internal/model"
	"github.com/mmeshcher/water-ledger/internal/service"
)

type userResponse struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Email       string  `json:"email"`
	NationalID  int64   `json:"national_id"`
	Username    string  `json:"username"`
	Role        string  `json:"role"`
	CardNumber  *string `json:"card_number,omitempty"`
	OwnerID     *int64  `json:"owner_id,omitempty"`
	Active      bool    `json:"active"`
	Blocked     bool    `json:"blocked"`
	BlockReason *string `json:"block_reason,omitempty"`
	BlockedAt   *string `json:"blocked_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Name:        u.Name,
		Email:       u.Email,
		NationalID:  u.NationalID,
		Username:    u.Username,
		Role:        string(u.Role),
		CardNumber:  u.CardNumber,
		OwnerID:     u.OwnerID,
		Active:      u.Active,
		Blocked:     u.Blocked,
		BlockReason: u.BlockReason,
		BlockedAt:   formatTime(u.BlockedAt),
		CreatedAt:   u.CreatedAt.Format(time.RFC3339),
	}
}

func toUsersResponse(users []model.User) []userResponse {
	resp := make([]userResponse, 0, len(users))
	for i := range users {
		resp = append(resp, toUserResponse(&users[i]))
	}
	return resp
}

type identityResponse struct {
	ID      int64  `json:"id"`
	Role    string `json:"role"`
	Active  bool   `json:"active"`
	Blocked bool   `json:"blocked"`
}

// Me возвращает сведения о текущем пользователе.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identity := caller(r)
	writeJSON(w, http.StatusOK, identityResponse{
		ID:      identity.ID,
		Role:    string(identity.Role),
		Active:  identity.Active,
		Blocked: identity.Blocked,
	})
}

type createUserRequest struct {
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	NationalID int64      `json:"national_id"`
	Username   string     `json:"username"`
	Password   string     `json:"password"`
	Role       model.Role `json:"role"`
	CardNumber *string    `json:"card_number"`
	OwnerID    *int64     `json:"owner_id"`
}

// CreateUser заводит пользователя.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	u, err := h.service.CreateUser(r.Context(), service.NewUser{
		Name:       req.Name,
		Email:      req.Email,
		NationalID: req.NationalID,
		Username:   req.Username,
		Password:   req.Password,
		Role:       req.Role,
		CardNumber: req.CardNumber,
		OwnerID:    req.OwnerID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(u))
}

// GetUser возвращает пользователя.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	u, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// ListUsers возвращает пользователей. Параметр all=true включает неактивных.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	all, err := queryBool(r, "all")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	users, err := h.service.ListUsers(r.Context(), all)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUsersResponse(users))
}

type updateUserRequest struct {
	Name       *string     `json:"name"`
	Email      *string     `json:"email"`
	NationalID *int64      `json:"national_id"`
	Username   *string     `json:"username"`
	Password   *string     `json:"password"`
	Role       *model.Role `json:"role"`
	CardNumber *string     `json:"card_number"`
	OwnerID    *int64      `json:"owner_id"`
}

// UpdateUser частично изменяет пользователя. Пустой card_number снимает карту.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	u, err := h.service.UpdateUser(r.Context(), id, service.UserUpdate{
		Name:       req.Name,
		Email:      req.Email,
		NationalID: req.NationalID,
		Username:   req.Username,
		Password:   req.Password,
		Role:       req.Role,
		CardNumber: req.CardNumber,
		OwnerID:    req.OwnerID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

type blockRequest struct {
	Reason string `json:"reason"`
}

// BlockUser блокирует пользователя с указанием причины.
func (h *Handler) BlockUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req blockRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	u, err := h.service.BlockUser(r.Context(), id, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// UnblockUser снимает блокировку.
func (h *Handler) UnblockUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	u, err := h.service.UnblockUser(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

type cascadeResponse struct {
	AffectedUserIDs []int64 `json:"affected_user_ids"`
}

// DeactivateUser деактивирует пользователя, а для владельца и его водителей, вместе с их доставками и оплатами.
func (h *Handler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	h.cascade(w, r, h.service.DeactivateUser)
}

// ReactivateUser возвращает пользователя и его записи в учёт.
func (h *Handler) ReactivateUser(w http.ResponseWriter, r *http.Request) {
	h.cascade(w, r, h.service.ReactivateUser)
}

func (h *Handler) cascade(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id int64) ([]int64, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	affected, err := op(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if affected == nil {
		affected = []int64{}
	}
	writeJSON(w, http.StatusOK, cascadeResponse{AffectedUserIDs: affected})
}

// Drivers возвращает водителей владельца.
func (h *Handler) Drivers(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.requireVisible(r.Context(), caller(r), id, "user"); err != nil {
		h.writeError(w, r, err)
		return
	}

	drivers, err := h.service.Drivers(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUsersResponse(drivers))
}
