// Package server provides HTTP server setup for the erp service.
package server

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/middleware"
	"github.com/mesa-systems/mesa-stack/erp/internal/auth"
	"github.com/mesa-systems/mesa-stack/erp/internal/handlers"
	"github.com/mesa-systems/mesa-stack/erp/internal/metrics"
	"github.com/mesa-systems/mesa-stack/erp/internal/ratelimit"
)

// RestaurantPrefix is the root of every restaurant-scoped route.
const RestaurantPrefix = "/api/v1/restaurants/{restaurantID}"

type RouterConfig struct {
	Handler     *handlers.Handler
	Auth        *auth.Middleware
	RateLimiter ratelimit.RateLimiter
	RateWindow  time.Duration
	// Realtime serves GET /ws; nil leaves the route unregistered.
	Realtime    http.Handler
	CORSOrigins []string
	Logger      *logging.Logger
}

// NewRouter constructs a ServeMux with erp API routes registered.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = &ratelimit.NoOpRateLimiter{}
	}
	h := cfg.Handler
	scoped := cfg.Auth.RequireRestaurant

	api := http.NewServeMux()

	// Cash routes
	api.HandleFunc("GET "+RestaurantPrefix+"/cash/sessions/current", scoped(h.CurrentCashSession))
	api.HandleFunc("POST "+RestaurantPrefix+"/cash/sessions", scoped(h.OpenCashSession))
	api.HandleFunc("POST "+RestaurantPrefix+"/cash/sessions/{id}/close", scoped(h.CloseCashSession))
	api.HandleFunc("GET "+RestaurantPrefix+"/cash/sessions/{id}/summary", scoped(h.CashSummary))
	api.HandleFunc("GET "+RestaurantPrefix+"/cash/sessions/{id}/movements", scoped(h.ListCashMovements))
	api.HandleFunc("POST "+RestaurantPrefix+"/cash/movements", scoped(h.AddCashMovement))

	// Reservation routes
	api.HandleFunc("GET "+RestaurantPrefix+"/reservations", scoped(h.ListReservations))
	api.HandleFunc("POST "+RestaurantPrefix+"/reservations", scoped(h.CreateReservation))
	api.HandleFunc("PUT "+RestaurantPrefix+"/reservations/{id}", scoped(h.UpdateReservation))
	api.HandleFunc("DELETE "+RestaurantPrefix+"/reservations/{id}", scoped(h.DeleteReservation))

	// Order routes
	api.HandleFunc("GET "+RestaurantPrefix+"/orders", scoped(h.ListOrders))
	api.HandleFunc("POST "+RestaurantPrefix+"/orders", scoped(h.CreateOrder))
	api.HandleFunc("PATCH "+RestaurantPrefix+"/orders/{id}/status", scoped(h.UpdateOrderStatus))

	limited := ratelimit.Middleware(cfg.RateLimiter, cfg.RateWindow, cfg.Logger)(api)

	mux := http.NewServeMux()

	// Health check endpoints
	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.HandleFunc("GET /readyz", h.ReadyCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	if cfg.Realtime != nil {
		mux.Handle("GET /ws", cfg.Realtime)
	}
	mux.Handle("/api/", cfg.Auth.RequireAuth(limited))

	var handler http.Handler = mux
	handler = accessLog(cfg.Logger, handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig(cfg.CORSOrigins))(handler)
	return middleware.RequestID(handler)
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func accessLog(logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

		log := logger.WithContext(r.Context())
		attrs := []any{logging.Method(r.Method), logging.Path(r.URL.Path), logging.Status(rec.status), logging.Duration(elapsed.Milliseconds())}
		if rec.status >= http.StatusInternalServerError {
			log.Warn("request completed", attrs...)
			return
		}
		log.Debug("request completed", attrs...)
	})
}
