package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"booking-service/internal/breaker"
	"booking-service/internal/models"
	"booking-service/internal/service"
	"booking-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatusSeatConflict is returned when another booking holds the seat
const StatusSeatConflict = 419

// UserIDHeader carries the authenticated user id set by the gateway in front of the service
const UserIDHeader = "X-User-ID"

// Reservations is the seat API
type Reservations interface {
	Select(ctx context.Context, seatID, bookingID, userID int64) (*models.Seat, error)
	Release(ctx context.Context, seatID int64, actor service.Actor) error
	ListSeats(ctx context.Context, eventID int64, status string, page, pageSize int) ([]models.Seat, error)
}

// Bookings is the booking lifecycle API
type Bookings interface {
	Create(ctx context.Context, eventID, userID int64, idempotencyKey string) (*models.Booking, bool, error)
	Get(ctx context.Context, bookingID, userID int64) (*service.BookingDetails, error)
	List(ctx context.Context, userID int64) ([]models.Booking, error)
	InitiatePayment(ctx context.Context, bookingID, userID int64) (*models.PaymentTransaction, error)
	Cancel(ctx context.Context, bookingID, userID int64) (*models.Booking, error)
	HandlePaymentWebhook(ctx context.Context, n service.PaymentNotification) (string, error)
	HandlePaymentCallback(ctx context.Context, transactionID string) (*models.PaymentTransaction, error)
	GetPaymentStatus(ctx context.Context, bookingID, userID int64) (*models.PaymentTransaction, error)
}

// BreakerStatus exposes the payment gateway breaker
type BreakerStatus interface {
	BreakerSnapshot() breaker.Snapshot
}

// Pinger is a dependency checked by /ready
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	reservations Reservations
	bookings     Bookings
	breaker      BreakerStatus
	deps         map[string]Pinger
	logger       *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(reservations Reservations, bookings Bookings, cb BreakerStatus, deps map[string]Pinger) *Handler {
	return &Handler{
		reservations: reservations,
		bookings:     bookings,
		breaker:      cb,
		deps:         deps,
		logger:       util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/payments/webhook", h.paymentWebhook)
		v1.GET("/payments/success", h.paymentCallback(true))
		v1.GET("/payments/fail", h.paymentCallback(false))
		v1.GET("/payments/circuit-breaker", h.circuitBreaker)

		authed := v1.Group("", requireUser())
		authed.GET("/seats", h.listSeats)
		authed.PATCH("/seats/select", h.selectSeat)
		authed.PATCH("/seats/release", h.releaseSeat)

		authed.POST("/bookings", h.createBooking)
		authed.GET("/bookings", h.listBookings)
		authed.GET("/bookings/:id", h.getBooking)
		authed.POST("/bookings/:id/payments", h.initiatePayment)
		authed.GET("/bookings/:id/payment", h.paymentStatus)
		authed.PATCH("/bookings/:id/cancel", h.cancelBooking)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}

	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

type selectSeatRequest struct {
	SeatID    int64 `json:"seat_id" binding:"required"`
	BookingID int64 `json:"booking_id" binding:"required"`
}

type releaseSeatRequest struct {
	SeatID int64 `json:"seat_id" binding:"required"`
}

type createBookingRequest struct {
	EventID        int64  `json:"event_id" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *Handler) listSeats(c *gin.Context) {
	eventID, err := strconv.ParseInt(c.Query("event_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event_id"})
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))

	seats, err := h.reservations.ListSeats(c.Request.Context(), eventID, c.Query("status"), page, pageSize)
	if err != nil {
		h.respondError(c, "Failed to list seats", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"seats":    seats,
		"page":     page,
		"pageSize": pageSize,
	})
}

func (h *Handler) selectSeat(c *gin.Context) {
	var req selectSeatRequest
	if !bindJSON(c, &req) {
		return
	}

	seat, err := h.reservations.Select(c.Request.Context(), req.SeatID, req.BookingID, userID(c))
	if err != nil {
		h.respondError(c, "Failed to select seat", err)
		return
	}

	c.JSON(http.StatusOK, seat)
}

func (h *Handler) releaseSeat(c *gin.Context) {
	var req releaseSeatRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.reservations.Release(c.Request.Context(), req.SeatID, service.UserActor(userID(c))); err != nil {
		h.respondError(c, "Failed to release seat", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"seat_id": req.SeatID, "status": models.SeatStatusFree})
}

// createBooking handles booking creation
func (h *Handler) createBooking(c *gin.Context) {
	var req createBookingRequest
	if !bindJSON(c, &req) {
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	booking, created, err := h.bookings.Create(c.Request.Context(), req.EventID, userID(c), req.IdempotencyKey)
	if err != nil {
		h.respondError(c, "Failed to create booking", err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, booking)
}

func (h *Handler) listBookings(c *gin.Context) {
	bookings, err := h.bookings.List(c.Request.Context(), userID(c))
	if err != nil {
		h.respondError(c, "Failed to list bookings", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookings": bookings})
}

// getBooking handles get booking by ID
func (h *Handler) getBooking(c *gin.Context) {
	bookingID, ok := pathID(c)
	if !ok {
		return
	}

	details, err := h.bookings.Get(c.Request.Context(), bookingID, userID(c))
	if err != nil {
		h.respondError(c, "Booking not found", err)
		return
	}

	c.JSON(http.StatusOK, details)
}

func (h *Handler) initiatePayment(c *gin.Context) {
	bookingID, ok := pathID(c)
	if !ok {
		return
	}

	payment, err := h.bookings.InitiatePayment(c.Request.Context(), bookingID, userID(c))
	if err != nil {
		h.respondError(c, "Failed to initiate payment", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"payment_id":  payment.TransactionID,
		"payment_url": payment.PaymentURL,
		"amount":      payment.Amount,
		"status":      payment.Status,
	})
}

func (h *Handler) paymentStatus(c *gin.Context) {
	bookingID, ok := pathID(c)
	if !ok {
		return
	}

	payment, err := h.bookings.GetPaymentStatus(c.Request.Context(), bookingID, userID(c))
	if err != nil {
		h.respondError(c, "Payment not found", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"booking_id":     bookingID,
		"payment_id":     payment.TransactionID,
		"payment_status": payment.Status,
	})
}

func (h *Handler) cancelBooking(c *gin.Context) {
	bookingID, ok := pathID(c)
	if !ok {
		return
	}

	booking, err := h.bookings.Cancel(c.Request.Context(), bookingID, userID(c))
	if err != nil {
		h.respondError(c, "Failed to cancel booking", err)
		return
	}

	c.JSON(http.StatusOK, booking)
}

func (h *Handler) paymentWebhook(c *gin.Context) {
	var n service.PaymentNotification
	if !bindJSON(c, &n) {
		return
	}

	result, err := h.bookings.HandlePaymentWebhook(c.Request.Context(), n)
	if err != nil {
		h.respondError(c, "Failed to process webhook", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "result": result})
}

// paymentCallback handles the provider's redirect back to the service.
// The payment is settled from the provider's answer, not from the route.
func (h *Handler) paymentCallback(success bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		transactionID := c.Query("paymentId")
		if transactionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing paymentId"})
			return
		}

		payment, err := h.bookings.HandlePaymentCallback(c.Request.Context(), transactionID)
		if err != nil {
			h.respondError(c, "Failed to process payment callback", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success":        success,
			"payment_id":     transactionID,
			"order_id":       c.Query("orderId"),
			"booking_id":     payment.BookingID,
			"payment_status": payment.Status,
		})
	}
}

func (h *Handler) circuitBreaker(c *gin.Context) {
	c.JSON(http.StatusOK, h.breaker.BreakerSnapshot())
}

// respondError maps domain errors to HTTP statuses
func (h *Handler) respondError(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrSeatConflict):
		status = StatusSeatConflict
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidStateTransition):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrGatewayUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(message,
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid booking ID"})
		return 0, false
	}
	return id, true
}

const userIDKey = "user_id"

// requireUser reads the caller's id from UserIDHeader
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.GetHeader(UserIDHeader), 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid " + UserIDHeader})
			return
		}
		c.Set(userIDKey, id)
		c.Next()
	}
}

func userID(c *gin.Context) int64 {
	return c.GetInt64(userIDKey)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
