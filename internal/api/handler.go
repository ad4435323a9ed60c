package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"storefront-orders/internal/models"
	"storefront-orders/internal/service"
	"storefront-orders/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	headerActorID        = "X-Actor-ID"
	headerIdempotencyKey = "Idempotency-Key"
	actorKey             = "actor_id"
)

// Pinger reports whether a backing dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orders *service.OrderService
	engine *service.WorkflowEngine
	bulk   *service.BulkRunner
	db     Pinger
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(orders *service.OrderService, engine *service.WorkflowEngine, bulk *service.BulkRunner, db Pinger) *Handler {
	return &Handler{
		orders: orders,
		engine: engine,
		bulk:   bulk,
		db:     db,
		logger: util.GetLogger(),
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
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/users/:user_id/orders", h.getUserOrders)
	}

	admin := v1.Group("/admin", requireActor())
	{
		admin.GET("/orders", h.listOrders)
		admin.GET("/orders/:id/availability", h.checkAvailability)
		admin.POST("/orders/:id/confirm", h.transition(h.engine.ConfirmOrder))
		admin.POST("/orders/:id/process", h.transition(h.engine.ProcessOrder))
		admin.POST("/orders/:id/ship", h.transition(h.engine.ShipOrder))
		admin.POST("/orders/:id/deliver", h.transition(h.engine.DeliverOrder))
		admin.POST("/orders/:id/cancel", h.cancelOrder)
		admin.POST("/orders/bulk-confirm", h.bulkConfirm)
		admin.POST("/orders/bulk-cancel", h.bulkCancel)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when the database answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("Readiness check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	req.IdempotencyKey = c.GetHeader(headerIdempotencyKey)

	resp, err := h.orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusCreated
	if resp.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// getOrder returns the order with its items and status history
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	history, err := h.orders.GetOrderHistory(ctx, orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order":   order,
		"items":   order.Items,
		"history": history,
	})
}

func (h *Handler) getUserOrders(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}

	orders, err := h.orders.GetUserOrders(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": nonNil(orders)})
}

func (h *Handler) listOrders(c *gin.Context) {
	filter := models.OrderFilter{
		Status: models.OrderStatus(c.Query("status")),
		Search: c.Query("search"),
	}

	orders, err := h.orders.ListOrders(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": nonNil(orders)})
}

func (h *Handler) checkAvailability(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	unavailable, err := h.orders.CheckOrderAvailability(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if unavailable == nil {
		unavailable = []models.UnavailableItem{}
	}
	c.JSON(http.StatusOK, gin.H{
		"available":         len(unavailable) == 0,
		"unavailable_items": unavailable,
	})
}

type transitionFunc func(ctx context.Context, orderID, actorID int64) (*models.Order, error)

// transition adapts a single-step workflow operation to a route
func (h *Handler) transition(fn transitionFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := pathID(c, "id")
		if !ok {
			return
		}

		order, err := fn(c.Request.Context(), orderID, c.GetInt64(actorKey))
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.engine.CancelOrder(c.Request.Context(), orderID, c.GetInt64(actorKey), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type bulkRequest struct {
	OrderIDs []int64 `json:"order_ids"`
	Reason   string  `json:"reason"`
}

func (h *Handler) bulkConfirm(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.bulk.BulkConfirm(c.Request.Context(), req.OrderIDs, c.GetInt64(actorKey))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"confirmed_count": result.Succeeded,
		"errors":          result.Errors,
		"message":         result.Message("confirmed"),
	})
}

func (h *Handler) bulkCancel(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.bulk.BulkCancel(c.Request.Context(), req.OrderIDs, req.Reason, c.GetInt64(actorKey))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cancelled_count": result.Succeeded,
		"errors":          result.Errors,
		"message":         result.Message("cancelled"),
	})
}

// writeError maps service errors onto HTTP responses
func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		stockErr *service.InsufficientStockError
		valErr   *service.ValidationError
	)

	switch {
	case errors.As(err, &valErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "Validation failed",
			"details": valErr.Fields,
		})
	case errors.As(err, &stockErr):
		c.JSON(http.StatusConflict, gin.H{
			"error": service.ErrInsufficientStock.Error(),
			"items": stockErr.Items,
		})
	case errors.Is(err, service.ErrIllegalTransition):
		msg := "illegal status transition"
		if action, ok := service.TransitionAction(err); ok {
			msg = "cannot " + action + " in current status"
		}
		c.JSON(http.StatusConflict, gin.H{"error": msg})
	case errors.Is(err, service.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
	default:
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// requireActor rejects admin requests without a positive X-Actor-ID
func requireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID, err := strconv.ParseInt(c.GetHeader(headerActorID), 10, 64)
		if err != nil || actorID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing or invalid actor",
			})
			return
		}
		c.Set(actorKey, actorID)
		c.Next()
	}
}

func pathID(c *gin.Context, param string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid " + param,
		})
		return 0, false
	}
	return id, true
}

func nonNil(orders []models.Order) []models.Order {
	if orders == nil {
		return []models.Order{}
	}
	return orders
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Inc()
	}
}
