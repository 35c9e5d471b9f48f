package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/javajoker/autoparts-backend/internal/config"
	"github.com/javajoker/autoparts-backend/internal/events"
	"github.com/javajoker/autoparts-backend/internal/models"
)

func TestErrorKinds(t *testing.T) {
	err := newError(ErrInsufficientStock, "only %d left", 2)

	assert.True(t, errors.Is(err, ErrInsufficientStock))
	assert.True(t, errors.Is(err, ErrInvalidOperation), "insufficient stock is an invalid operation")
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "only 2 left", err.Error())

	wrapped := fmt.Errorf("checkout: %w", notFound("Order %d not found", 7))
	var svcErr *ServiceError
	require.True(t, errors.As(wrapped, &svcErr))
	assert.Equal(t, "Order 7 not found", svcErr.Message)

	assert.False(t, errors.Is(dbError(errors.New("boom")), ErrNotFound))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(gorm.ErrDuplicatedKey))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("duplicate")))
}

func TestMergeLines(t *testing.T) {
	merged := mergeLines([]OrderItemRequest{
		{ProductID: 3, Quantity: 1},
		{ProductID: 1, Quantity: 2},
		{ProductID: 3, Quantity: 4},
	})

	assert.Equal(t, []OrderItemRequest{
		{ProductID: 3, Quantity: 5},
		{ProductID: 1, Quantity: 2},
	}, merged)
}

func TestBuildStatistics(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	stats := buildStatistics(start, end, []statusAggregate{
		{Status: models.OrderStatusPending, Count: 3, Amount: decimal.RequireFromString("90.00")},
		{Status: models.OrderStatusCompleted, Count: 2, Amount: decimal.RequireFromString("150.50")},
		{Status: models.OrderStatusCancelled, Count: 1, Amount: decimal.RequireFromString("10.00")},
	})

	assert.Equal(t, int64(6), stats.TotalOrders)
	assert.Equal(t, int64(3), stats.PendingOrders)
	assert.Equal(t, int64(2), stats.CompletedOrders)
	assert.True(t, decimal.RequireFromString("150.50").Equal(stats.TotalRevenue), "only completed orders count as revenue")
	assert.Len(t, stats.ByStatus, len(models.AllOrderStatuses))
	assert.Equal(t, int64(0), stats.ByStatus[models.OrderStatusShipped])

	empty := buildStatistics(start, end, nil)
	assert.Zero(t, empty.TotalOrders)
	assert.True(t, empty.TotalRevenue.IsZero())
}

func TestCheckOrderAccess(t *testing.T) {
	owner := uuid.New()
	order := &models.Order{OrderNumber: "ORD202401011200001234", UserID: owner}

	assert.NoError(t, CheckOrderAccess(order, owner, false))
	assert.NoError(t, CheckOrderAccess(order, uuid.New(), true))

	err := CheckOrderAccess(order, uuid.New(), false)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAmountInCents(t *testing.T) {
	tests := map[string]int64{
		"45.99":  4599,
		"0.01":   1,
		"100":    10000,
		"19.995": 2000,
	}
	for in, want := range tests {
		assert.Equal(t, want, AmountInCents(decimal.RequireFromString(in)), in)
	}
}

func TestDiffRoles(t *testing.T) {
	admin := models.Role{ID: 1, Name: models.RoleAdmin}
	customer := models.Role{ID: 2, Name: models.RoleCustomer}
	vendor := models.Role{ID: 3, Name: models.RoleVendor}

	toAdd, toRemove := diffRoles([]models.Role{admin, customer}, []models.Role{customer, vendor})
	assert.Equal(t, []models.Role{vendor}, toAdd)
	assert.Equal(t, []models.Role{admin}, toRemove)

	toAdd, toRemove = diffRoles([]models.Role{customer}, []models.Role{customer})
	assert.Empty(t, toAdd)
	assert.Empty(t, toRemove)
}

func TestValidatePrices(t *testing.T) {
	price := decimal.RequireFromString("12.50")
	zero := decimal.Zero
	negative := decimal.RequireFromString("-1")

	assert.NoError(t, validatePrices(&price, nil))
	assert.NoError(t, validatePrices(&price, &zero))
	assert.ErrorIs(t, validatePrices(nil, nil), ErrValidation)
	assert.ErrorIs(t, validatePrices(&zero, nil), ErrValidation)
	assert.ErrorIs(t, validatePrices(&price, &negative), ErrValidation)
}

func TestNewCartView(t *testing.T) {
	cart := &models.ShoppingCart{
		Model:  models.Model{ID: 4},
		UserID: uuid.New(),
		CartItems: []models.CartItem{
			{ID: 1, ProductID: 10, Quantity: 2, Product: &models.Product{
				Model: models.Model{ID: 10}, Name: "Oil Filter", SKU: "TOY-COR-OF-001",
				Price: decimal.RequireFromString("45.99"), StockQuantity: 5, IsActive: true,
			}},
			{ID: 2, ProductID: 11, Quantity: 1},
		},
	}

	view := NewCartView(cart)
	require.Len(t, view.Items, 2)
	assert.Equal(t, 3, view.TotalItems)
	assert.True(t, decimal.RequireFromString("91.98").Equal(view.TotalPrice))
	assert.Equal(t, "TOY-COR-OF-001", view.Items[0].SKU)
	assert.True(t, decimal.RequireFromString("91.98").Equal(view.Items[0].LineTotal))
	assert.True(t, view.Items[1].LineTotal.IsZero(), "a line whose product is gone prices at zero")
}

var (
	pngData  = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D}
	jpegData = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0x10, 'J', 'F', 'I', 'F'}
)

func TestSniffImageType(t *testing.T) {
	assert.Equal(t, "image/png", sniffImageType(pngData))
	assert.Equal(t, "image/jpeg", sniffImageType(jpegData))
	assert.Equal(t, "text/plain; charset=utf-8", sniffImageType([]byte("hello")))
}

func localStorage(t *testing.T) (*StorageService, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStorageService(&config.Config{
		Server: config.ServerConfig{UploadDir: dir, PublicURL: "https://parts.example.com"},
	})
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2024, 5, 17, 9, 0, 0, 0, time.UTC) }
	return s, dir
}

func TestUploadImage(t *testing.T) {
	s, dir := localStorage(t)
	ctx := context.Background()

	res, err := s.UploadImage(ctx, bytes.NewReader(jpegData), int64(len(jpegData)), "image/jpeg; charset=binary")
	require.NoError(t, err)
	assert.Regexp(t, `^images/20240517_[0-9a-f]{8}\.jpg$`, res.Key)
	assert.Equal(t, "https://parts.example.com/uploads/"+res.Key, res.URL)
	assert.Equal(t, "image/jpeg", res.MimeType)

	stored, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(res.Key)))
	require.NoError(t, err)
	assert.Equal(t, jpegData, stored)

	require.NoError(t, s.DeleteImage(ctx, res.Key))
	assert.NoFileExists(t, filepath.Join(dir, filepath.FromSlash(res.Key)))
	assert.NoError(t, s.DeleteImage(ctx, res.Key), "deleting a missing image is not an error")
}

func TestUploadImageRejects(t *testing.T) {
	s, _ := localStorage(t)
	ctx := context.Background()
	big := append(append([]byte{}, pngData...), make([]byte, MaxImageSize)...)

	tests := []struct {
		name        string
		data        []byte
		size        int64
		contentType string
	}{
		{"gif", []byte("GIF89a"), 6, "image/gif"},
		{"declared too large", pngData, MaxImageSize + 1, "image/png"},
		{"actually too large", big, 100, "image/png"},
		{"empty", nil, 0, "image/png"},
		{"content mismatch", pngData, int64(len(pngData)), "image/jpeg"},
		{"text posing as png", []byte("hello world"), 11, "image/png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.UploadImage(ctx, bytes.NewReader(tt.data), tt.size, tt.contentType)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestDeleteImageRejectsForeignKeys(t *testing.T) {
	s, _ := localStorage(t)
	for _, key := range []string{"", "  ", "avatars/a.png", "images/../config.yaml", "/etc/passwd"} {
		assert.ErrorIs(t, s.DeleteImage(context.Background(), key), ErrValidation, key)
	}
}

func TestS3URL(t *testing.T) {
	s := &StorageService{aws: config.AWSConfig{Region: "us-east-1", S3Bucket: "parts-img"}}
	assert.Equal(t, "https://parts-img.s3.us-east-1.amazonaws.com/images/a.png", s.getS3URL("images/a.png"))

	s.aws.CloudFrontURL = "https://cdn.example.com/"
	assert.Equal(t, "https://cdn.example.com/images/a.png", s.getS3URL("images/a.png"))
}

type sentMail struct {
	to, subject, body string
}

func stubNotifications() (*NotificationService, *[]sentMail) {
	var sent []sentMail
	s := NewNotificationService(nil, config.EmailConfig{})
	s.send = func(to, subject, body string) error {
		sent = append(sent, sentMail{to, subject, body})
		return nil
	}
	return s, &sent
}

func TestSendOrderConfirmation(t *testing.T) {
	s, sent := stubNotifications()
	user := &models.User{Username: "driver1", FullName: "<b>Pat</b>", Email: "pat@example.com"}

	err := s.SendOrderConfirmation(user, events.OrderCreatedPayload{
		OrderNumber: "ORD202405170900001234",
		TotalAmount: "91.98",
		Items:       []events.OrderLine{{Name: "Oil Filter", Quantity: 2, UnitPrice: "45.99"}},
	})
	require.NoError(t, err)
	require.Len(t, *sent, 1)

	mail := (*sent)[0]
	assert.Equal(t, "pat@example.com", mail.to)
	assert.Equal(t, "Order Confirmation - ORD202405170900001234", mail.subject)
	assert.Contains(t, mail.body, "Oil Filter")
	assert.Contains(t, mail.body, "91.98")
	assert.Contains(t, mail.body, "&lt;b&gt;Pat&lt;/b&gt;")
	assert.NotContains(t, mail.body, "<b>Pat</b>")
}

func TestSendOrderStatusUpdate(t *testing.T) {
	s, sent := stubNotifications()
	user := &models.User{Username: "driver1", Email: "d@example.com"}

	require.NoError(t, s.SendOrderStatusUpdate(user, events.OrderStatusChangedPayload{
		OrderNumber: "ORD1", From: "Paid", To: "Shipped",
	}))
	require.Len(t, *sent, 1)
	assert.Equal(t, "Order ORD1 - Shipped", (*sent)[0].subject)
	assert.Contains(t, (*sent)[0].body, "Hello driver1")
}

func TestHandleOrderEventSkipsUndeliverable(t *testing.T) {
	s, sent := stubNotifications()
	ctx := context.Background()

	unknown, err := events.NewEnvelope(ctx, "test", "InventoryRestocked", "", map[string]int{"qty": 1})
	require.NoError(t, err)
	assert.NoError(t, s.HandleOrderEvent(ctx, unknown))

	malformed := events.Envelope{EventType: events.EventOrderCreated, Payload: json.RawMessage(`"oops"`)}
	assert.NoError(t, s.HandleOrderEvent(ctx, malformed))

	badUser, err := events.NewEnvelope(ctx, "test", events.EventOrderCancelled, "ORD1",
		events.OrderStatusChangedPayload{OrderNumber: "ORD1", UserID: "not-a-uuid", From: "Pending", To: "Cancelled"})
	require.NoError(t, err)
	assert.NoError(t, s.HandleOrderEvent(ctx, badUser))

	assert.Empty(t, *sent)
}

func TestPaymentsDisabled(t *testing.T) {
	s := NewPaymentServiceWithGateway(nil, "", nil)
	assert.Equal(t, "usd", s.currency)

	_, err := s.CreatePaymentIntent(context.Background(), uuid.New(), 1)
	assert.ErrorIs(t, err, ErrPaymentsDisabled)
	_, err = s.ConfirmPayment(context.Background(), uuid.New(), 1)
	assert.ErrorIs(t, err, ErrPaymentsDisabled)

	assert.Equal(t, "eur", NewPaymentServiceWithGateway(nil, "EUR", nil).currency)
}

func TestRefundOnCancel(t *testing.T) {
	ctx := context.Background()
	gateway := &fakeGateway{}
	orders := &OrderService{}
	NewPaymentServiceWithGateway(gateway, "usd", orders)
	require.NotNil(t, orders.refundPayment, "cancelling a paid order goes through the payment service")

	assert.NoError(t, orders.refundPayment(ctx, &models.Order{}))
	assert.Empty(t, gateway.refunded, "nothing to refund without a payment reference")

	assert.NoError(t, orders.refundPayment(ctx, &models.Order{PaymentReference: "pi_123"}))
	assert.Equal(t, []string{"pi_123"}, gateway.refunded)

	gateway.refundErr = errors.New("declined")
	assert.Error(t, orders.refundPayment(ctx, &models.Order{PaymentReference: "pi_456"}))

	disabled := &OrderService{}
	NewPaymentServiceWithGateway(nil, "usd", disabled)
	assert.ErrorIs(t, disabled.refundPayment(ctx, &models.Order{PaymentReference: "pi_789"}), ErrPaymentsDisabled)
}

func TestCheckTransition(t *testing.T) {
	order := &models.Order{OrderNumber: "ORD202405170000001234", Status: models.OrderStatusPaid}
	assert.NoError(t, checkTransition(order, models.OrderStatusShipped))

	err := checkTransition(order, models.OrderStatusCompleted)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.Equal(t, "Cannot change order status from Paid to Completed", err.Error())

	order.Status = models.OrderStatusCancelled
	err = checkTransition(order, models.OrderStatusRefunded)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.Equal(t, "Order ORD202405170000001234 is Cancelled and can no longer change status", err.Error())
}

func TestGenerateKeyIsUnique(t *testing.T) {
	s, _ := localStorage(t)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		key := s.generateKey(".png")
		assert.True(t, strings.HasPrefix(key, "images/20240517_"))
		assert.False(t, seen[key])
		seen[key] = true
	}
}
