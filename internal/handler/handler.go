// Package handler содержит HTTP-обработчики API учёта доставок воды.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/water-ledger/internal/apperror"
	"github.com/mmeshcher/water-ledger/internal/middleware"
	"github.com/mmeshcher/water-ledger/internal/model"
	"github.com/mmeshcher/water-ledger/internal/repository"
	"github.com/mmeshcher/water-ledger/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	ActivePrice(ctx context.Context) (*model.Price, error)
	GetPrice(ctx context.Context, id int64) (*model.Price, error)
	ListPrices(ctx context.Context, includeInactive bool) ([]model.Price, error)
	CreatePrice(ctx context.Context, value int64, description string, creatorID int64) (*model.Price, error)
	UpdatePrice(ctx context.Context, id int64, upd service.PriceUpdate, modifierID int64) (*model.Price, error)
	DeactivatePrice(ctx context.Context, id int64, modifierID int64) (*model.Price, error)

	CreateCharge(ctx context.Context, userID, truckTypeID int64, at time.Time) (*model.Charge, error)
	CreateChargeByCard(ctx context.Context, cardNumber string, truckTypeID int64) (*model.Charge, error)
	UpdateCharge(ctx context.Context, id int64, upd service.ChargeUpdate) (*model.Charge, error)
	UpdateChargeRepriced(ctx context.Context, id int64, upd service.ChargeUpdate) (*model.Charge, error)
	SetChargeActive(ctx context.Context, id int64, active bool) (*model.Charge, error)
	DeleteCharge(ctx context.Context, id int64) error
	GetCharge(ctx context.Context, id int64) (*model.Charge, error)
	ListCharges(ctx context.Context, f repository.ChargeFilter) ([]model.Charge, error)
	OwnerDebts(ctx context.Context, ownerID int64) ([]model.Charge, error)

	CreatePaymentExplicit(ctx context.Context, userID, amount int64, chargeIDs []int64) (*model.Payment, error)
	CreatePaymentOldestFirst(ctx context.Context, userID, amount int64, count int) (*model.Payment, error)
	UpdatePayment(ctx context.Context, id int64, upd service.PaymentUpdate) (*model.Payment, error)
	VoidPayment(ctx context.Context, id int64) (*model.Payment, error)
	SetPaymentActive(ctx context.Context, id int64, active bool) (*model.Payment, error)
	GetPayment(ctx context.Context, id int64) (*model.Payment, error)
	ListPayments(ctx context.Context, f repository.PaymentFilter) ([]model.Payment, error)
	OwnerPayments(ctx context.Context, ownerID int64) ([]model.Payment, error)
	Reconcile(ctx context.Context) ([]service.Discrepancy, error)

	CreateUser(ctx context.Context, in service.NewUser) (*model.User, error)
	UpdateUser(ctx context.Context, id int64, upd service.UserUpdate) (*model.User, error)
	BlockUser(ctx context.Context, id int64, reason string) (*model.User, error)
	UnblockUser(ctx context.Context, id int64) (*model.User, error)
	DeactivateUser(ctx context.Context, id int64) ([]int64, error)
	ReactivateUser(ctx context.Context, id int64) ([]int64, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	ListUsers(ctx context.Context, includeInactive bool) ([]model.User, error)
	Drivers(ctx context.Context, ownerID int64) ([]model.User, error)
}

// Handler реализует HTTP-обработчики API учёта.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        Metrics
	deviceKey      string
	health         func(ctx context.Context) error
}

// Metrics собирает метрики HTTP-запросов и публикует их.
type Metrics interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
}

// Option настраивает Handler.
type Option func(*Handler)

// WithMetrics подключает метрики запросов и маршрут /metrics.
func WithMetrics(m Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithDeviceKey включает проверку ключа считывателя карт.
func WithDeviceKey(key string) Option {
	return func(h *Handler) {
		h.deviceKey = key
	}
}

// WithHealthCheck задаёт проверку готовности для /healthz.
func WithHealthCheck(check func(ctx context.Context) error) Option {
	return func(h *Handler) {
		h.health = check
	}
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, opts ...Option) *Handler {
	h := &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func statusOf(kind apperror.Kind) int {
	switch kind {
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindConflict:
		return http.StatusConflict
	case apperror.KindInvalidState, apperror.KindIneligible, apperror.KindAmountMismatch, apperror.KindNoActivePrice:
		return http.StatusUnprocessableEntity
	case apperror.KindForbidden:
		return http.StatusForbidden
	case apperror.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError переводит ошибку сервиса в HTTP-ответ. Нетипизированные ошибки пишутся в журнал.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperror.As(err)
	if !ok || statusOf(appErr.Kind) == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("uri", r.RequestURI),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Kind:    string(apperror.KindInternal),
			Message: http.StatusText(http.StatusInternalServerError),
		})
		return
	}

	writeJSON(w, statusOf(appErr.Kind), errorResponse{
		Kind:    string(appErr.Kind),
		Field:   appErr.Field,
		Message: appErr.Message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperror.New(apperror.KindInvalid, "request body is empty")
		}
		return apperror.Wrap(apperror.KindInvalid, err, "malformed request body")
	}
	return nil
}

// cents переводит сумму из запроса в центы, отвергая значения вне допустимого диапазона.
func cents(field string, v float64) (int64, error) {
	if !model.AmountInRange(v) {
		return 0, apperror.Field(apperror.KindInvalid, field, "amount is out of range")
	}
	return model.CentsFromAmount(v), nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperror.Field(apperror.KindInvalid, name, "must be a positive integer")
	}
	return id, nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperror.Field(apperror.KindInvalid, name, "must be a boolean")
	}
	return v, nil
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperror.Field(apperror.KindInvalid, name, "must be an RFC 3339 timestamp")
	}
	return t, nil
}

func queryInt(r *http.Request, name string) (int64, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, false, apperror.Field(apperror.KindInvalid, name, "must be a positive integer")
	}
	return v, true, nil
}

// caller возвращает пользователя запроса. Маршруты с авторизацией всегда его содержат.
func caller(r *http.Request) *model.Identity {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		return &model.Identity{}
	}
	return identity
}

// actingUser определяет, от чьего имени выполняется операция.
// Не-администратор может действовать только от своего имени.
func actingUser(identity *model.Identity, requested int64) (int64, error) {
	if requested == 0 {
		return identity.ID, nil
	}
	if identity.Role != model.RoleAdmin && requested != identity.ID {
		return 0, apperror.Field(apperror.KindForbidden, "user_id", "cannot act on behalf of another user")
	}
	return requested, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// Health отвечает на проверку готовности сервиса.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}
