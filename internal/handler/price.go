package handler

import (
	"net/http"
	"time"

	"github.com/mmeshcher/water-ledger/internal/apperror"
	"github.com/mmeshcher/water-ledger/internal/model"
	"github.com/mmeshcher/water-ledger/internal/service"
)

type priceResponse struct {
	ID          int64   `json:"id"`
	Value       float64 `json:"value"`
	Description string  `json:"description"`
	Active      bool    `json:"active"`
	CreatedAt   string  `json:"created_at"`
	CreatedBy   int64   `json:"created_by"`
	ModifiedAt  *string `json:"modified_at,omitempty"`
	ModifiedBy  *int64  `json:"modified_by,omitempty"`
}

func toPriceResponse(p *model.Price) priceResponse {
	return priceResponse{
		ID:          p.ID,
		Value:       model.AmountFromCents(p.Value),
		Description: p.Description,
		Active:      p.Active,
		CreatedAt:   p.CreatedAt.Format(time.RFC3339),
		CreatedBy:   p.CreatedBy,
		ModifiedAt:  formatTime(p.ModifiedAt),
		ModifiedBy:  p.ModifiedBy,
	}
}

// GetActivePrice возвращает действующий тариф.
func (h *Handler) GetActivePrice(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.ActivePrice(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPriceResponse(p))
}

// GetPrice возвращает тариф по идентификатору.
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.service.GetPrice(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPriceResponse(p))
}

// ListPrices возвращает тарифы, новые первыми. Параметр all=true включает неактивные.
func (h *Handler) ListPrices(w http.ResponseWriter, r *http.Request) {
	all, err := queryBool(r, "all")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	prices, err := h.service.ListPrices(r.Context(), all)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]priceResponse, 0, len(prices))
	for i := range prices {
		resp = append(resp, toPriceResponse(&prices[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

type createPriceRequest struct {
	Value       *float64 `json:"value"`
	Description string   `json:"description"`
}

// CreatePrice заводит новый тариф и делает его единственным действующим.
func (h *Handler) CreatePrice(w http.ResponseWriter, r *http.Request) {
	var req createPriceRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Value == nil {
		h.writeError(w, r, apperror.Field(apperror.KindInvalid, "value", "is required"))
		return
	}

	value, err := cents("value", *req.Value)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.service.CreatePrice(r.Context(), value, req.Description, caller(r).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPriceResponse(p))
}

type updatePriceRequest struct {
	Value       *float64 `json:"value"`
	Description *string  `json:"description"`
	Active      *bool    `json:"active"`
}

// UpdatePrice частично изменяет тариф.
func (h *Handler) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req updatePriceRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	upd := service.PriceUpdate{Description: req.Description, Active: req.Active}
	if req.Value != nil {
		value, err := cents("value", *req.Value)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		upd.Value = &value
	}

	p, err := h.service.UpdatePrice(r.Context(), id, upd, caller(r).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPriceResponse(p))
}

// DeactivatePrice снимает тариф с действия.
func (h *Handler) DeactivatePrice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.service.DeactivatePrice(r.Context(), id, caller(r).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPriceResponse(p))
}
