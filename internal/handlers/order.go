package handlers

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/autoparts-backend/internal/i18n"
	"github.com/javajoker/autoparts-backend/internal/models"
	"github.com/javajoker/autoparts-backend/internal/services"
	"github.com/javajoker/autoparts-backend/internal/utils"
)

const defaultStatisticsPeriod = 30 * 24 * time.Hour

type OrderHandler struct {
	orderService   *services.OrderService
	paymentService *services.PaymentService
}

type UpdateOrderStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

func NewOrderHandler(orderService *services.OrderService, paymentService *services.PaymentService) *OrderHandler {
	return &OrderHandler{
		orderService:   orderService,
		paymentService: paymentService,
	}
}

// POST /orders
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req services.CreateOrderRequest
	if !bindJSON(c, &req) {
		return
	}
	req.IdempotencyKey = strings.TrimSpace(c.GetHeader("Idempotency-Key"))

	order, err := h.orderService.CreateOrder(c.Request.Context(), userID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.CreatedResponse(c, gin.H{
		"message": message(c, i18n.KeyOrderCreated),
		"order":   order,
	})
}

// POST /orders/checkout
func (h *OrderHandler) Checkout(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req services.ShippingInfo
	if !bindJSON(c, &req) {
		return
	}

	order, err := h.orderService.CheckoutCart(c.Request.Context(), userID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.CreatedResponse(c, gin.H{
		"message": message(c, i18n.KeyOrderCreated),
		"order":   order,
	})
}

// GET /orders/mine
func (h *OrderHandler) GetMyOrders(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	orders, err := h.orderService.GetUserOrders(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, orders)
}

// GET /orders/:id
func (h *OrderHandler) GetOrder(c *gin.Context) {
	order, ok := h.accessibleOrder(c)
	if !ok {
		return
	}
	utils.SuccessResponse(c, order)
}

// GET /orders/number/:number
func (h *OrderHandler) GetOrderByNumber(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	order, err := h.orderService.GetOrderByNumber(c.Request.Context(), c.Param("number"))
	if err == nil {
		err = services.CheckOrderAccess(order, userID, isAdmin(c))
	}
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, order)
}

// GET /orders/:id/status
func (h *OrderHandler) GetOrderStatus(c *gin.Context) {
	order, ok := h.accessibleOrder(c)
	if !ok {
		return
	}

	status, err := h.orderService.GetOrderStatus(c.Request.Context(), order.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"status":       status,
	})
}

// POST /orders/:id/cancel
func (h *OrderHandler) CancelOrder(c *gin.Context) {
	order, ok := h.accessibleOrder(c)
	if !ok {
		return
	}

	cancelled, err := h.orderService.CancelOrder(c.Request.Context(), order.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{
		"message": message(c, i18n.KeyOrderCancelled),
		"order":   cancelled,
	})
}

// POST /orders/:id/payment-intent
func (h *OrderHandler) CreatePaymentIntent(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "id", "order")
	if !ok {
		return
	}

	intent, err := h.paymentService.CreatePaymentIntent(c.Request.Context(), userID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, intent)
}

// POST /orders/:id/confirm-payment
func (h *OrderHandler) ConfirmPayment(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "id", "order")
	if !ok {
		return
	}

	order, err := h.paymentService.ConfirmPayment(c.Request.Context(), userID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{
		"message": message(c, i18n.KeyPaymentConfirmed),
		"order":   order,
	})
}

// GET /admin/orders
func (h *OrderHandler) ListOrders(c *gin.Context) {
	query := services.OrderQuery{
		PaginationParams: utils.GetPaginationParams(c, utils.DefaultPageSize),
		Status:           c.Query("status"),
	}

	if v := c.Query("user_id"); v != "" {
		userID, ok := parseUUID(c, v, "user")
		if !ok {
			return
		}
		query.UserID = &userID
	}

	var ok bool
	if query.StartDate, ok = dateQuery(c, "start_date", false); !ok {
		return
	}
	if query.EndDate, ok = dateQuery(c, "end_date", true); !ok {
		return
	}

	list, err := h.orderService.ListOrders(c.Request.Context(), query)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.PagedResponse(c, *list)
}

// PUT /admin/orders/:id/status
func (h *OrderHandler) UpdateOrderStatus(c *gin.Context) {
	id, ok := uintParam(c, "id", "order")
	if !ok {
		return
	}

	var req UpdateOrderStatusRequest
	if !bindJSON(c, &req) {
		return
	}

	status, err := models.ParseOrderStatus(req.Status)
	if err != nil {
		utils.BadRequestResponse(c, err.Error(), nil)
		return
	}

	order, err := h.orderService.UpdateOrderStatus(c.Request.Context(), id, status)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{
		"message": message(c, i18n.KeyOrderStatusUpdated),
		"order":   order,
	})
}

// POST /admin/orders/:id/refund
func (h *OrderHandler) RefundOrder(c *gin.Context) {
	id, ok := uintParam(c, "id", "order")
	if !ok {
		return
	}

	var req services.RefundRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	order, err := h.paymentService.RefundOrder(c.Request.Context(), id, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{
		"message": message(c, i18n.KeyOrderRefunded),
		"order":   order,
	})
}

// GET /admin/orders/statistics?start=&end=
func (h *OrderHandler) GetStatistics(c *gin.Context) {
	start, ok := dateQuery(c, "start", false)
	if !ok {
		return
	}
	end, ok := dateQuery(c, "end", true)
	if !ok {
		return
	}

	now := time.Now()
	if end == nil {
		end = &now
	}
	if start == nil {
		from := end.Add(-defaultStatisticsPeriod)
		start = &from
	}

	stats, err := h.orderService.GetOrderStatistics(c.Request.Context(), *start, *end)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, stats)
}

// accessibleOrder loads the :id order and checks the caller may see it.
func (h *OrderHandler) accessibleOrder(c *gin.Context) (*models.Order, bool) {
	userID, ok := currentUser(c)
	if !ok {
		return nil, false
	}
	id, ok := uintParam(c, "id", "order")
	if !ok {
		return nil, false
	}

	order, err := h.orderService.GetOrder(c.Request.Context(), id)
	if err == nil {
		err = services.CheckOrderAccess(order, userID, isAdmin(c))
	}
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return order, true
}
