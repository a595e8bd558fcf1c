// Package metrics собирает метрики HTTP и учёта в формате Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics хранит собственный реестр и счётчики сервиса.
type Metrics struct {
	registry     *prometheus.Registry
	httpReqCnt   *prometheus.CounterVec
	httpDur      *prometheus.HistogramVec
	httpInfl     prometheus.Gauge
	charges      *prometheus.CounterVec
	payments     *prometheus.CounterVec
	voids        prometheus.Counter
	cascades     *prometheus.CounterVec
	cascadeUsers *prometheus.CounterVec
}

// New создаёт реестр со стандартными коллекторами процесса и Go и регистрирует метрики сервиса.
func New(namespace string) *Metrics {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: r,
		httpReqCnt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
		}, []string{"method", "route", "status"}),
		httpDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds", Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		httpInfl: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "http_requests_inflight",
		}),
		charges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "charges_created_total", Help: "Registered deliveries by source.",
		}, []string{"source"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "payments_created_total", Help: "Created payments by settlement mode.",
		}, []string{"mode"}),
		voids: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "payments_voided_total", Help: "Payments voided with their charges returned to debt.",
		}),
		cascades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "user_cascades_total", Help: "User activation cascades by direction.",
		}, []string{"direction"}),
		cascadeUsers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "user_cascade_users_total", Help: "Users touched by activation cascades.",
		}, []string{"direction"}),
	}

	r.MustRegister(m.httpReqCnt, m.httpDur, m.httpInfl)
	r.MustRegister(m.charges, m.payments, m.voids, m.cascades, m.cascadeUsers)

	return m
}

// ChargeCreated учитывает новую доставку.
func (m *Metrics) ChargeCreated(source string) {
	m.charges.WithLabelValues(source).Inc()
}

// PaymentCreated учитывает новую оплату.
func (m *Metrics) PaymentCreated(mode string) {
	m.payments.WithLabelValues(mode).Inc()
}

// PaymentVoided учитывает аннулирование оплаты.
func (m *Metrics) PaymentVoided() {
	m.voids.Inc()
}

// UserCascade учитывает каскадное изменение активности users пользователей.
func (m *Metrics) UserCascade(active bool, users int) {
	direction := "deactivate"
	if active {
		direction = "reactivate"
	}
	m.cascades.WithLabelValues(direction).Inc()
	m.cascadeUsers.WithLabelValues(direction).Add(float64(users))
}

// Middleware считает запросы по шаблону маршрута chi, а не по фактическому пути.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInfl.Inc()
		defer m.httpInfl.Dec()

		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)

		m.httpReqCnt.WithLabelValues(r.Method, route, code).Inc()
		m.httpDur.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}

// Handler отдаёт метрики реестра.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
