// internal/services/order_service.go
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/autoparts-backend/internal/cache"
	"github.com/javajoker/autoparts-backend/internal/events"
	"github.com/javajoker/autoparts-backend/internal/models"
	"github.com/javajoker/autoparts-backend/internal/telemetry"
	"github.com/javajoker/autoparts-backend/internal/utils"
)

const (
	eventProducer          = "autoparts-api"
	orderNumberMaxAttempts = 5
)

type OrderService struct {
	db        *gorm.DB
	cache     *cache.Store
	publisher events.Publisher
	tracer    trace.Tracer
	now       func() time.Time

	// refundPayment returns the captured payment of a paid order that is being
	// cancelled. It runs inside the cancel transaction.
	refundPayment func(ctx context.Context, order *models.Order) error
}

type OrderItemRequest struct {
	ProductID uint `json:"product_id" validate:"required,gt=0"`
	Quantity  int  `json:"quantity" validate:"required,gt=0"`
}

type ShippingInfo struct {
	ShippingAddress string `json:"shipping_address" validate:"required,max=500"`
	RecipientPhone  string `json:"recipient_phone" validate:"required,max=30"`
	RecipientName   string `json:"recipient_name" validate:"required,max=100"`
	Note            string `json:"note" validate:"max=500"`
}

type CreateOrderRequest struct {
	Items []OrderItemRequest `json:"items" validate:"required,min=1,dive"`
	ShippingInfo
	IdempotencyKey string `json:"-"`
}

type OrderQuery struct {
	utils.PaginationParams
	UserID    *uuid.UUID
	Status    string
	StartDate *time.Time
	EndDate   *time.Time
}

type OrderStatistics struct {
	StartDate       time.Time                    `json:"start_date"`
	EndDate         time.Time                    `json:"end_date"`
	TotalOrders     int64                        `json:"total_orders"`
	TotalRevenue    decimal.Decimal              `json:"total_revenue"`
	PendingOrders   int64                        `json:"pending_orders"`
	CompletedOrders int64                        `json:"completed_orders"`
	ByStatus        map[models.OrderStatus]int64 `json:"by_status"`
}

var orderSortFields = map[string]string{
	"date":   "created_at",
	"amount": "total_amount",
}

func NewOrderService(db *gorm.DB, store *cache.Store, publisher events.Publisher) *OrderService {
	return &OrderService{
		db:        db,
		cache:     store,
		publisher: publisher,
		tracer:    otel.Tracer(telemetry.TracerOrders),
		now:       time.Now,
	}
}

// CreateOrder reserves stock for every line and persists the order in one
// transaction. Either every line is decremented or nothing changes.
func (s *OrderService) CreateOrder(ctx context.Context, userID uuid.UUID, req CreateOrderRequest) (*models.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.CreateOrder", trace.WithAttributes(
		attribute.String("user.id", userID.String()),
		attribute.Int("order.lines", len(req.Items)),
	))
	defer span.End()

	if len(req.Items) == 0 {
		return nil, newError(ErrValidation, "an order needs at least one item")
	}

	var keyHash string
	if req.IdempotencyKey != "" {
		keyHash = utils.HashString(req.IdempotencyKey)
		existingID, err := s.cache.ReserveIdempotencyKey(ctx, userID, keyHash)
		switch {
		case errors.Is(err, cache.ErrInFlight):
			return nil, invalidOperation("An order with this idempotency key is already being processed")
		case err != nil:
			// cache unavailable: carry on without idempotency
			telemetry.WithContext(ctx).WithError(err).Warn("Idempotency check failed")
			keyHash = ""
		case existingID > 0:
			span.SetAttributes(attribute.Bool("order.replayed", true))
			return s.GetOrder(ctx, existingID)
		}
	}

	lines := mergeLines(req.Items)
	order, err := s.placeOrder(ctx, userID, func(*gorm.DB) ([]OrderItemRequest, error) {
		return lines, nil
	}, req.ShippingInfo, nil)
	if err != nil {
		if keyHash != "" {
			s.cache.ReleaseIdempotencyKey(ctx, userID, keyHash)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if keyHash != "" {
		if err := s.cache.CompleteIdempotencyKey(ctx, userID, keyHash, order.ID); err != nil {
			telemetry.WithContext(ctx).WithError(err).Warn("Failed to record idempotency key")
		}
	}

	s.afterCreate(ctx, order)
	return order, nil
}

// CheckoutCart turns the user's cart into an order and empties the cart in the
// same transaction. The cart row is locked while its lines are read, and only
// the lines that were ordered are removed.
func (s *OrderService) CheckoutCart(ctx context.Context, userID uuid.UUID, shipping ShippingInfo) (*models.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.CheckoutCart")
	defer span.End()

	var ordered []uint
	loadCart := func(tx *gorm.DB) ([]OrderItemRequest, error) {
		var cart models.ShoppingCart
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&cart).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, invalidOperation("Cart is empty")
		}
		if err != nil {
			return nil, err
		}

		var items []models.CartItem
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("cart_id = ?", cart.ID).Order("id").Find(&items).Error
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, invalidOperation("Cart is empty")
		}

		ordered = ordered[:0]
		lines := make([]OrderItemRequest, 0, len(items))
		for _, item := range items {
			ordered = append(ordered, item.ID)
			lines = append(lines, OrderItemRequest{ProductID: item.ProductID, Quantity: item.Quantity})
		}
		return lines, nil
	}

	order, err := s.placeOrder(ctx, userID, loadCart, shipping, func(tx *gorm.DB) error {
		return tx.Where("id IN ?", ordered).Delete(&models.CartItem{}).Error
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.cache.InvalidateCartCount(ctx, userID)
	s.afterCreate(ctx, order)
	return order, nil
}

// placeOrder runs the order transaction, retrying the whole of it when the
// generated order number collides with an existing one. loadLines runs inside
// the transaction on every attempt.
func (s *OrderService) placeOrder(ctx context.Context, userID uuid.UUID, loadLines func(tx *gorm.DB) ([]OrderItemRequest, error), shipping ShippingInfo, inTx func(tx *gorm.DB) error) (*models.Order, error) {
	for attempt := 1; attempt <= orderNumberMaxAttempts; attempt++ {
		var order *models.Order

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			lines, err := loadLines(tx)
			if err != nil {
				return err
			}

			items, total, err := reserveStock(tx, lines)
			if err != nil {
				return err
			}

			order = &models.Order{
				OrderNumber:     models.NewOrderNumber(s.now()),
				UserID:          userID,
				TotalAmount:     total,
				Status:          models.OrderStatusPending,
				ShippingAddress: shipping.ShippingAddress,
				RecipientPhone:  shipping.RecipientPhone,
				RecipientName:   shipping.RecipientName,
				Note:            shipping.Note,
				OrderItems:      items,
			}
			if err := tx.Create(order).Error; err != nil {
				return err
			}

			if inTx != nil {
				return inTx(tx)
			}
			return nil
		})

		if err == nil {
			return order, nil
		}
		if !isUniqueViolation(err) {
			var svcErr *ServiceError
			if !errors.As(err, &svcErr) {
				telemetry.WithContext(ctx).WithError(err).WithField("user_id", userID).Error("Failed to create order")
				return nil, dbError(err)
			}
			return nil, err
		}

		telemetry.WithContext(ctx).WithField("attempt", attempt).Warn("Order number collision, retrying")
	}

	return nil, errors.New("could not allocate a unique order number")
}

// reserveStock decrements stock line by line with a conditional update, so a
// concurrent order can never push stock below zero. It returns the snapshot
// items and the order total.
func reserveStock(tx *gorm.DB, lines []OrderItemRequest) ([]models.OrderItem, decimal.Decimal, error) {
	items := make([]models.OrderItem, 0, len(lines))
	total := decimal.Zero

	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, total, newError(ErrValidation, "quantity for product %d must be positive", line.ProductID)
		}

		res := tx.Model(&models.Product{}).
			Where("id = ? AND is_active = ? AND stock_quantity >= ?", line.ProductID, true, line.Quantity).
			UpdateColumn("stock_quantity", gorm.Expr("stock_quantity - ?", line.Quantity))
		if res.Error != nil {
			return nil, total, res.Error
		}

		var product models.Product
		if err := tx.First(&product, line.ProductID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, total, notFound("Product %d not found", line.ProductID)
			}
			return nil, total, err
		}

		if res.RowsAffected == 0 {
			if !product.IsActive {
				return nil, total, notFound("Product %d not found", line.ProductID)
			}
			return nil, total, newError(ErrInsufficientStock,
				"Insufficient stock for %s: requested %d, available %d",
				product.Name, line.Quantity, product.StockQuantity)
		}

		item := models.OrderItem{
			ProductID:    product.ID,
			Quantity:     line.Quantity,
			UnitPrice:    product.Price,
			ProductName:  product.Name,
			ProductImage: product.ImageURL,
		}
		items = append(items, item)
		total = total.Add(item.LineTotal())
	}

	return items, total, nil
}

// mergeLines folds repeated products into one line, keeping first-seen order.
func mergeLines(lines []OrderItemRequest) []OrderItemRequest {
	index := make(map[uint]int, len(lines))
	merged := make([]OrderItemRequest, 0, len(lines))
	for _, l := range lines {
		if i, ok := index[l.ProductID]; ok {
			merged[i].Quantity += l.Quantity
			continue
		}
		index[l.ProductID] = len(merged)
		merged = append(merged, l)
	}
	return merged
}

func (s *OrderService) afterCreate(ctx context.Context, order *models.Order) {
	telemetry.WithContext(ctx).WithFields(logrus.Fields{
		"order_number": order.OrderNumber,
		"user_id":      order.UserID,
		"total":        order.TotalAmount.String(),
	}).Info("Order created")

	s.cache.SetOrderStatus(ctx, order.ID, string(order.Status))

	lines := make([]events.OrderLine, 0, len(order.OrderItems))
	for _, item := range order.OrderItems {
		lines = append(lines, events.OrderLine{
			ProductID: item.ProductID,
			Name:      item.ProductName,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.StringFixed(2),
		})
	}
	s.publish(ctx, events.EventOrderCreated, order.OrderNumber, events.OrderCreatedPayload{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID.String(),
		TotalAmount: order.TotalAmount.StringFixed(2),
		Items:       lines,
	})
}

// UpdateOrderStatus moves an order along the lifecycle. Cancelling goes
// through CancelOrder so stock is always restored.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, orderID uint, newStatus models.OrderStatus) (*models.Order, error) {
	if !newStatus.IsValid() {
		return nil, newError(ErrValidation, "unknown order status %q", newStatus)
	}
	if newStatus == models.OrderStatusCancelled {
		return s.CancelOrder(ctx, orderID)
	}

	ctx, span := s.tracer.Start(ctx, "OrderService.UpdateOrderStatus", trace.WithAttributes(
		attribute.Int("order.id", int(orderID)),
		attribute.String("order.status", string(newStatus)),
	))
	defer span.End()

	var order models.Order
	var from models.OrderStatus

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOrder(tx, orderID, &order); err != nil {
			return err
		}

		from = order.Status
		if err := checkTransition(&order, newStatus); err != nil {
			return err
		}

		order.StampStatus(newStatus, s.now())
		return saveStatus(tx, &order)
	})
	if err != nil {
		return nil, s.wrapTxError(ctx, err, orderID)
	}

	s.cache.SetOrderStatus(ctx, order.ID, string(order.Status))
	s.publish(ctx, events.EventOrderStatusChanged, order.OrderNumber, events.OrderStatusChangedPayload{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID.String(),
		From:        string(from),
		To:          string(newStatus),
	})

	return &order, nil
}

// CancelOrder restores stock for every item and marks the order cancelled.
// Only pending and paid orders can be cancelled. A paid order is refunded
// before the transaction commits; a failed refund leaves the order untouched.
func (s *OrderService) CancelOrder(ctx context.Context, orderID uint) (*models.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.CancelOrder", trace.WithAttributes(
		attribute.Int("order.id", int(orderID)),
	))
	defer span.End()

	var order models.Order
	var from models.OrderStatus

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOrder(tx, orderID, &order); err != nil {
			return err
		}

		from = order.Status
		if !from.Cancellable() {
			return invalidOperation("Order %s cannot be cancelled in status %s", order.OrderNumber, from)
		}

		var items []models.OrderItem
		if err := tx.Where("order_id = ?", order.ID).Find(&items).Error; err != nil {
			return err
		}
		for _, item := range items {
			err := tx.Model(&models.Product{}).
				Where("id = ?", item.ProductID).
				UpdateColumn("stock_quantity", gorm.Expr("stock_quantity + ?", item.Quantity)).Error
			if err != nil {
				return err
			}
		}
		order.OrderItems = items

		order.StampStatus(models.OrderStatusCancelled, s.now())
		if err := saveStatus(tx, &order); err != nil {
			return err
		}

		if from == models.OrderStatusPaid && s.refundPayment != nil {
			return s.refundPayment(ctx, &order)
		}
		return nil
	})
	if err != nil {
		return nil, s.wrapTxError(ctx, err, orderID)
	}

	telemetry.WithContext(ctx).WithFields(logrus.Fields{
		"order_number": order.OrderNumber,
		"from":         from,
	}).Info("Order cancelled")

	s.cache.SetOrderStatus(ctx, order.ID, string(order.Status))
	s.publish(ctx, events.EventOrderCancelled, order.OrderNumber, events.OrderStatusChangedPayload{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID.String(),
		From:        string(from),
		To:          string(models.OrderStatusCancelled),
	})

	return &order, nil
}

func checkTransition(order *models.Order, to models.OrderStatus) error {
	if models.CanTransition(order.Status, to) {
		return nil
	}
	if order.Status.IsTerminal() {
		return invalidOperation("Order %s is %s and can no longer change status", order.OrderNumber, order.Status)
	}
	return invalidOperation("Cannot change order status from %s to %s", order.Status, to)
}

func lockOrder(tx *gorm.DB, orderID uint, order *models.Order) error {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(order, orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound("Order %d not found", orderID)
	}
	return err
}

func saveStatus(tx *gorm.DB, order *models.Order) error {
	return tx.Model(order).
		Select("Status", "PaidAt", "ShippedAt", "CompletedAt", "CancelledAt", "RefundedAt", "UpdatedAt").
		Updates(order).Error
}

func (s *OrderService) wrapTxError(ctx context.Context, err error, orderID uint) error {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) || errors.Is(err, ErrPaymentsDisabled) {
		return err
	}
	telemetry.WithContext(ctx).WithError(err).WithField("order_id", orderID).Error("Order transaction failed")
	return dbError(err)
}

func (s *OrderService) GetOrder(ctx context.Context, orderID uint) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Preload("OrderItems").First(&order, orderID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Order %d not found", orderID)
		}
		return nil, dbError(err)
	}
	return &order, nil
}

func (s *OrderService) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Preload("OrderItems").Where("order_number = ?", number).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Order %s not found", number)
		}
		return nil, dbError(err)
	}
	return &order, nil
}

// CheckOrderAccess returns ErrForbidden unless the order belongs to userID or the
// caller is an administrator.
func CheckOrderAccess(order *models.Order, userID uuid.UUID, isAdmin bool) error {
	if isAdmin || order.UserID == userID {
		return nil
	}
	return newError(ErrForbidden, "You do not have access to order %s", order.OrderNumber)
}

func (s *OrderService) GetUserOrders(ctx context.Context, userID uuid.UUID) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.WithContext(ctx).
		Preload("OrderItems").
		Where("user_id = ?", userID).
		Order("created_at DESC").Order("id DESC").
		Find(&orders).Error
	if err != nil {
		return nil, dbError(err)
	}
	return orders, nil
}

// GetOrderStatus answers from the status cache and falls back to the database.
func (s *OrderService) GetOrderStatus(ctx context.Context, orderID uint) (models.OrderStatus, error) {
	if status, ok := s.cache.GetOrderStatus(ctx, orderID); ok {
		return models.OrderStatus(status), nil
	}

	var order models.Order
	err := s.db.WithContext(ctx).Select("id", "status").First(&order, orderID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", notFound("Order %d not found", orderID)
		}
		return "", dbError(err)
	}

	s.cache.SetOrderStatus(ctx, orderID, string(order.Status))
	return order.Status, nil
}

func (s *OrderService) ListOrders(ctx context.Context, q OrderQuery) (*utils.PagedList, error) {
	query := s.db.WithContext(ctx).Model(&models.Order{})

	if q.UserID != nil {
		query = query.Where("user_id = ?", *q.UserID)
	}
	if q.Status != "" {
		status, err := models.ParseOrderStatus(q.Status)
		if err != nil {
			return nil, newError(ErrValidation, "%s", err.Error())
		}
		query = query.Where("status = ?", status)
	}
	if q.StartDate != nil {
		query = query.Where("created_at >= ?", *q.StartDate)
	}
	if q.EndDate != nil {
		query = query.Where("created_at <= ?", *q.EndDate)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, dbError(err)
	}

	var orders []models.Order
	query = utils.ApplySort(query, q.PaginationParams, orderSortFields, "created_at")
	query = utils.ApplyPagination(query, q.PaginationParams)
	if err := query.Preload("OrderItems").Find(&orders).Error; err != nil {
		return nil, dbError(err)
	}

	list := utils.NewPagedList(orders, total, q.PaginationParams)
	return &list, nil
}

type statusAggregate struct {
	Status models.OrderStatus
	Count  int64
	Amount decimal.Decimal
}

// GetOrderStatistics counts orders created in [start, end]. Revenue only
// counts completed orders.
func (s *OrderService) GetOrderStatistics(ctx context.Context, start, end time.Time) (*OrderStatistics, error) {
	if end.Before(start) {
		return nil, newError(ErrValidation, "end date must not be before start date")
	}

	var rows []statusAggregate
	err := s.db.WithContext(ctx).Model(&models.Order{}).
		Select("status, COUNT(*) AS count, COALESCE(SUM(total_amount), 0) AS amount").
		Where("created_at >= ? AND created_at <= ?", start, end).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, dbError(err)
	}

	return buildStatistics(start, end, rows), nil
}

func buildStatistics(start, end time.Time, rows []statusAggregate) *OrderStatistics {
	stats := &OrderStatistics{
		StartDate:    start,
		EndDate:      end,
		TotalRevenue: decimal.Zero,
		ByStatus:     make(map[models.OrderStatus]int64, len(models.AllOrderStatuses)),
	}
	for _, status := range models.AllOrderStatuses {
		stats.ByStatus[status] = 0
	}

	for _, row := range rows {
		stats.TotalOrders += row.Count
		stats.ByStatus[row.Status] = row.Count
		switch row.Status {
		case models.OrderStatusPending:
			stats.PendingOrders = row.Count
		case models.OrderStatusCompleted:
			stats.CompletedOrders = row.Count
			stats.TotalRevenue = row.Amount
		}
	}
	return stats
}

// SetPaymentReference records the payment provider's id for an order.
func (s *OrderService) SetPaymentReference(ctx context.Context, orderID uint, reference string) error {
	res := s.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", orderID).Update("payment_reference", reference)
	if res.Error != nil {
		return dbError(res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("Order %d not found", orderID)
	}
	return nil
}

func (s *OrderService) publish(ctx context.Context, eventType, orderNumber string, payload any) {
	if s.publisher == nil {
		return
	}

	env, err := events.NewEnvelope(ctx, eventProducer, eventType, orderNumber, payload)
	if err == nil {
		err = s.publisher.Publish(ctx, env)
	}
	if err != nil {
		telemetry.WithContext(ctx).WithError(err).WithFields(logrus.Fields{
			"event_type":   eventType,
			"order_number": orderNumber,
		}).Error("Failed to publish order event")
	}
}
