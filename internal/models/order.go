// internal/models/order.go
package models

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "Pending"
	OrderStatusPaid      OrderStatus = "Paid"
	OrderStatusShipped   OrderStatus = "Shipped"
	OrderStatusCompleted OrderStatus = "Completed"
	OrderStatusCancelled OrderStatus = "Cancelled"
	OrderStatusRefunded  OrderStatus = "Refunded"
)

var validNext = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPending: {
		OrderStatusPaid:      true,
		OrderStatusCancelled: true,
	},
	OrderStatusPaid: {
		OrderStatusShipped:   true,
		OrderStatusCancelled: true,
		OrderStatusRefunded:  true,
	},
	OrderStatusShipped: {
		OrderStatusCompleted: true,
		OrderStatusRefunded:  true,
	},
	OrderStatusCompleted: {},
	OrderStatusCancelled: {},
	OrderStatusRefunded:  {},
}

// AllOrderStatuses lists every status in lifecycle order.
var AllOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaid,
	OrderStatusShipped,
	OrderStatusCompleted,
	OrderStatusCancelled,
	OrderStatusRefunded,
}

func (s OrderStatus) IsValid() bool {
	_, ok := validNext[s]
	return ok
}

func (s OrderStatus) IsTerminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	next, ok := validNext[from]
	if !ok {
		return false
	}
	return next[to]
}

// Cancellable statuses are the ones whose stock has not left the warehouse.
func (s OrderStatus) Cancellable() bool {
	return s == OrderStatusPending || s == OrderStatusPaid
}

func ParseOrderStatus(v string) (OrderStatus, error) {
	for _, s := range AllOrderStatuses {
		if string(s) == v {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown order status %q", v)
}

type Order struct {
	Model
	OrderNumber      string          `json:"order_number" gorm:"uniqueIndex;size:50;not null"`
	UserID           uuid.UUID       `json:"user_id" gorm:"type:uuid;not null;index"`
	TotalAmount      decimal.Decimal `json:"total_amount" gorm:"type:decimal(18,2);not null"`
	Status           OrderStatus     `json:"status" gorm:"type:varchar(20);not null;default:'Pending';index"`
	ShippingAddress  string          `json:"shipping_address" gorm:"size:500;not null"`
	RecipientPhone   string          `json:"recipient_phone" gorm:"size:30;not null"`
	RecipientName    string          `json:"recipient_name" gorm:"size:100;not null"`
	Note             string          `json:"note" gorm:"size:500"`
	PaymentReference string          `json:"payment_reference,omitempty" gorm:"size:100;index"`
	PaidAt           *time.Time      `json:"paid_at"`
	ShippedAt        *time.Time      `json:"shipped_at"`
	CompletedAt      *time.Time      `json:"completed_at"`
	CancelledAt      *time.Time      `json:"cancelled_at"`
	RefundedAt       *time.Time      `json:"refunded_at"`

	// Relationships
	OrderItems []OrderItem `json:"items" gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
}

type OrderItem struct {
	ID           uint            `json:"id" gorm:"primaryKey"`
	OrderID      uint            `json:"order_id" gorm:"not null;index"`
	ProductID    uint            `json:"product_id" gorm:"not null;index"`
	Quantity     int             `json:"quantity" gorm:"not null;check:quantity >= 1"`
	UnitPrice    decimal.Decimal `json:"unit_price" gorm:"type:decimal(18,2);not null"`
	ProductName  string          `json:"product_name" gorm:"size:200;not null"`
	ProductImage string          `json:"product_image" gorm:"size:500"`
}

func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// StampStatus sets the status together with the timestamp that belongs to it.
func (o *Order) StampStatus(status OrderStatus, at time.Time) {
	o.Status = status
	switch status {
	case OrderStatusPaid:
		o.PaidAt = &at
	case OrderStatusShipped:
		o.ShippedAt = &at
	case OrderStatusCompleted:
		o.CompletedAt = &at
	case OrderStatusCancelled:
		o.CancelledAt = &at
	case OrderStatusRefunded:
		o.RefundedAt = &at
	}
}

// NewOrderNumber returns "ORD", a yyyyMMddHHmmss timestamp and a four digit
// random suffix.
func NewOrderNumber(now time.Time) string {
	return fmt.Sprintf("ORD%s%d", now.Format("20060102150405"), 1000+rand.Intn(9000))
}
