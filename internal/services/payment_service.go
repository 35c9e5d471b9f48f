// internal/services/payment_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"

	"github.com/javajoker/autoparts-backend/internal/config"
	"github.com/javajoker/autoparts-backend/internal/models"
)

var ErrPaymentsDisabled = errors.New("payments are not configured")

// PaymentGateway is the subset of the Stripe API the order flow needs.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*stripe.PaymentIntent, error)
	GetIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	Refund(ctx context.Context, intentID, reason string) (*stripe.Refund, error)
}

type stripeGateway struct{}

func (stripeGateway) CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	return paymentintent.New(params)
}

func (stripeGateway) GetIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	return paymentintent.Get(id, params)
}

func (stripeGateway) Refund(ctx context.Context, intentID, reason string) (*stripe.Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if reason != "" {
		params.AddMetadata("reason", reason)
	}
	return refund.New(params)
}

type PaymentService struct {
	orders   *OrderService
	gateway  PaymentGateway
	currency string
}

type PaymentIntentResponse struct {
	OrderID      uint   `json:"order_id"`
	ClientSecret string `json:"client_secret"`
	PaymentID    string `json:"payment_id"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
}

type RefundRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// NewPaymentService wires Stripe when a secret key is configured. Without one
// the service still exists but every call fails with ErrPaymentsDisabled.
func NewPaymentService(cfg config.PaymentConfig, orders *OrderService) *PaymentService {
	var gateway PaymentGateway
	if cfg.StripeSecretKey != "" {
		stripe.Key = cfg.StripeSecretKey
		gateway = stripeGateway{}
	}
	return NewPaymentServiceWithGateway(gateway, cfg.Currency, orders)
}

func NewPaymentServiceWithGateway(gateway PaymentGateway, currency string, orders *OrderService) *PaymentService {
	if currency == "" {
		currency = "usd"
	}
	s := &PaymentService{orders: orders, gateway: gateway, currency: strings.ToLower(currency)}
	if orders != nil {
		orders.refundPayment = s.refundCancelled
	}
	return s
}

// AmountInCents converts an order total to the smallest currency unit.
func AmountInCents(total decimal.Decimal) int64 {
	return total.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func (s *PaymentService) CreatePaymentIntent(ctx context.Context, userID uuid.UUID, orderID uint) (*PaymentIntentResponse, error) {
	if s.gateway == nil {
		return nil, ErrPaymentsDisabled
	}

	order, err := s.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPending {
		return nil, invalidOperation("Order %s is %s and cannot be paid", order.OrderNumber, order.Status)
	}

	amount := AmountInCents(order.TotalAmount)
	pi, err := s.gateway.CreateIntent(ctx, amount, s.currency, map[string]string{
		"user_id":      userID.String(),
		"order_id":     fmt.Sprint(order.ID),
		"order_number": order.OrderNumber,
	})
	if err != nil {
		logrus.WithError(err).WithField("order_id", order.ID).Error("Failed to create payment intent")
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	if err := s.orders.SetPaymentReference(ctx, order.ID, pi.ID); err != nil {
		return nil, err
	}

	return &PaymentIntentResponse{
		OrderID:      order.ID,
		ClientSecret: pi.ClientSecret,
		PaymentID:    pi.ID,
		Amount:       amount,
		Currency:     s.currency,
		Status:       string(pi.Status),
	}, nil
}

// ConfirmPayment marks the order Paid once Stripe reports the intent as
// succeeded. Any other intent status leaves the order untouched.
func (s *PaymentService) ConfirmPayment(ctx context.Context, userID uuid.UUID, orderID uint) (*models.Order, error) {
	if s.gateway == nil {
		return nil, ErrPaymentsDisabled
	}

	order, err := s.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentReference == "" {
		return nil, invalidOperation("Order %s has no payment in progress", order.OrderNumber)
	}

	pi, err := s.gateway.GetIntent(ctx, order.PaymentReference)
	if err != nil {
		return nil, fmt.Errorf("failed to get payment intent: %w", err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, invalidOperation("Payment for order %s is %s", order.OrderNumber, pi.Status)
	}

	return s.orders.UpdateOrderStatus(ctx, order.ID, models.OrderStatusPaid)
}

func (s *PaymentService) RefundOrder(ctx context.Context, orderID uint, reason string) (*models.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(order, models.OrderStatusRefunded); err != nil {
		return nil, err
	}

	if order.PaymentReference != "" {
		if s.gateway == nil {
			return nil, ErrPaymentsDisabled
		}
		if _, err := s.gateway.Refund(ctx, order.PaymentReference, reason); err != nil {
			logrus.WithError(err).WithField("order_id", order.ID).Error("Stripe refund failed")
			return nil, fmt.Errorf("failed to process refund: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{"order_id": order.ID, "reason": reason}).Info("Order refunded")
	return s.orders.UpdateOrderStatus(ctx, order.ID, models.OrderStatusRefunded)
}

// refundCancelled gives the money back for a paid order that is being
// cancelled. Orders paid outside Stripe have no reference and need nothing.
func (s *PaymentService) refundCancelled(ctx context.Context, order *models.Order) error {
	if order.PaymentReference == "" {
		return nil
	}
	if s.gateway == nil {
		return ErrPaymentsDisabled
	}

	if _, err := s.gateway.Refund(ctx, order.PaymentReference, "order cancelled"); err != nil {
		logrus.WithError(err).WithField("order_id", order.ID).Error("Stripe refund for cancelled order failed")
		return fmt.Errorf("failed to refund cancelled order: %w", err)
	}

	logrus.WithField("order_id", order.ID).Info("Cancelled order refunded")
	return nil
}

func (s *PaymentService) ownedOrder(ctx context.Context, userID uuid.UUID, orderID uint) (*models.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, newError(ErrForbidden, "Order %d does not belong to the current user", orderID)
	}
	return order, nil
}
