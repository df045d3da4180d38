package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/service"
	"order-fulfillment/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Services exposed over HTTP. Nil services get no routes.
type Services struct {
	Orders    *service.OrderService
	Inventory *service.InventoryService
	Payments  *service.PaymentService
	Dispatch  *service.DispatchCoordinator
	Shipping  *service.ShippingService
}

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	services Services
	checks   map[string]ReadinessCheck
}

// NewHandler creates a new HTTP handler
func NewHandler(services Services) *Handler {
	return &Handler{
		services: services,
		checks:   make(map[string]ReadinessCheck),
	}
}

// AddReadinessCheck registers a dependency probed by /ready
func (h *Handler) AddReadinessCheck(name string, check ReadinessCheck) {
	h.checks[name] = check
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")

	if h.services.Orders != nil {
		orders := api.Group("/orders")
		orders.POST("", h.createOrder)
		orders.GET("/list", h.listOrders)
		orders.GET("/:id", h.getOrder)
		orders.PUT("/:id", h.updateOrder)
		orders.DELETE("/:id", h.deleteOrder)
	}

	if h.services.Inventory != nil {
		inventory := api.Group("/inventory")
		inventory.GET("/products", h.listProducts)
		inventory.POST("/products", h.saveProduct)
		inventory.GET("/products/:id", h.getProduct)
	}

	if h.services.Payments != nil {
		api.GET("/payments", h.listPayments)
		api.GET("/payments/:orderId", h.getPayment)
	}

	if h.services.Dispatch != nil {
		api.GET("/dispatch/list", h.listDispatchStates)
		api.GET("/dispatch/:orderId", h.getDispatchState)
	}

	if h.services.Shipping != nil {
		shipping := api.Group("/shipping")
		shipping.GET("/list", h.listShipments)
		shipping.GET("/:orderId", h.getShipment)
		shipping.PATCH("/:orderId/status", h.updateShipmentStatus)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck probes every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failures := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		util.GetLogger().Warn("Readiness check failed", zap.Any("failures", failures))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "not ready",
			"failures": failures,
			"time":     time.Now().Unix(),
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

	req.IdempotencyKey = c.GetHeader("Idempotency-Key")

	order, err := h.services.Orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		writeError(c, "Failed to create order", err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.services.Orders.ListOrders(c.Request.Context())
	if err != nil {
		writeError(c, "Failed to list orders", err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.services.Orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, "Order not found", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) updateOrder(c *gin.Context) {
	var req service.UpdateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.services.Orders.UpdateOrder(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		writeError(c, "Failed to update order", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) deleteOrder(c *gin.Context) {
	if err := h.services.Orders.DeleteOrder(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, "Failed to delete order", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listProducts(c *gin.Context) {
	products, err := h.services.Inventory.ListProducts(c.Request.Context())
	if err != nil {
		writeError(c, "Failed to list products", err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func (h *Handler) getProduct(c *gin.Context) {
	product, err := h.services.Inventory.GetProduct(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, "Product not found", err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) saveProduct(c *gin.Context) {
	var product models.Product
	if err := c.ShouldBindJSON(&product); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	saved, err := h.services.Inventory.SaveProduct(c.Request.Context(), &product)
	if err != nil {
		writeError(c, "Failed to save product", err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (h *Handler) listPayments(c *gin.Context) {
	txns, err := h.services.Payments.ListTransactions(c.Request.Context())
	if err != nil {
		writeError(c, "Failed to list payments", err)
		return
	}
	c.JSON(http.StatusOK, txns)
}

func (h *Handler) getPayment(c *gin.Context) {
	txn, err := h.services.Payments.GetPayment(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		writeError(c, "Payment not found", err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (h *Handler) listDispatchStates(c *gin.Context) {
	states, err := h.services.Dispatch.ListStates(c.Request.Context(), c.Query("status"))
	if err != nil {
		writeError(c, "Failed to list dispatch states", err)
		return
	}
	c.JSON(http.StatusOK, states)
}

func (h *Handler) getDispatchState(c *gin.Context) {
	state, err := h.services.Dispatch.GetState(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		writeError(c, "Dispatch state not found", err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handler) listShipments(c *gin.Context) {
	shipments, err := h.services.Shipping.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		writeError(c, "Failed to list shipments", err)
		return
	}
	c.JSON(http.StatusOK, shipments)
}

func (h *Handler) getShipment(c *gin.Context) {
	shipment, err := h.services.Shipping.GetByOrderID(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		writeError(c, "Shipment not found", err)
		return
	}
	c.JSON(http.StatusOK, shipment)
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) updateShipmentStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	shipment, err := h.services.Shipping.UpdateStatus(c.Request.Context(), c.Param("orderId"), req.Status)
	if err != nil {
		writeError(c, "Failed to update shipment", err)
		return
	}
	c.JSON(http.StatusOK, shipment)
}

// writeError maps the error kind to a status code
func writeError(c *gin.Context, message string, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		util.GetLogger().Error(message, zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
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
