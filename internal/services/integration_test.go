package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"github.com/stripe/stripe-go/v74"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/javajoker/autoparts-backend/internal/cache"
	"github.com/javajoker/autoparts-backend/internal/config"
	"github.com/javajoker/autoparts-backend/internal/database"
	"github.com/javajoker/autoparts-backend/internal/events"
	"github.com/javajoker/autoparts-backend/internal/models"
	"github.com/javajoker/autoparts-backend/internal/utils"
)

// recordingPublisher keeps every published envelope in memory.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Envelope
}

func (p *recordingPublisher) Publish(_ context.Context, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, env)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

type fakeGateway struct {
	status    stripe.PaymentIntentStatus
	refunded  []string
	refundErr error
}

func (g *fakeGateway) CreateIntent(_ context.Context, amount int64, currency string, _ map[string]string) (*stripe.PaymentIntent, error) {
	return &stripe.PaymentIntent{
		ID:           "pi_" + uuid.NewString()[:8],
		ClientSecret: "secret",
		Amount:       amount,
		Currency:     stripe.Currency(currency),
		Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
	}, nil
}

func (g *fakeGateway) GetIntent(_ context.Context, id string) (*stripe.PaymentIntent, error) {
	return &stripe.PaymentIntent{ID: id, Status: g.status}, nil
}

func (g *fakeGateway) Refund(_ context.Context, intentID, _ string) (*stripe.Refund, error) {
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	g.refunded = append(g.refunded, intentID)
	return &stripe.Refund{ID: "re_" + intentID}, nil
}

// StoreSuite runs the services against a real PostgreSQL database named by
// TEST_DATABASE_DSN.
type StoreSuite struct {
	suite.Suite
	db        *gorm.DB
	publisher *recordingPublisher
	gateway   *fakeGateway

	products   *ProductService
	categories *CategoryService
	carts      *CartService
	orders     *OrderService
	payments   *PaymentService
	users      *UserService
}

func TestStoreSuite(t *testing.T) {
	if os.Getenv("TEST_DATABASE_DSN") == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupSuite() {
	db, err := gorm.Open(postgres.Open(os.Getenv("TEST_DATABASE_DSN")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	s.Require().NoError(err)
	s.Require().NoError(database.RunMigrations(db))
	s.Require().NoError(database.SeedInitialData(db, config.SeedConfig{
		AdminEmail:    "admin@autoparts.test",
		AdminPassword: "Admin@12345",
	}))
	s.db = db
}

// observedDB opens a second connection to the test database. The first query
// it runs against table calls fn as soon as the rows have been read, which
// lets a test interleave another request at that exact point.
func (s *StoreSuite) observedDB(table string, fn func()) *gorm.DB {
	db, err := gorm.Open(postgres.Open(os.Getenv("TEST_DATABASE_DSN")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	s.Require().NoError(err)

	var once sync.Once
	err = db.Callback().Query().After("gorm:query").Register("test:after_"+table, func(tx *gorm.DB) {
		if tx.Statement.Table == table {
			once.Do(fn)
		}
	})
	s.Require().NoError(err)

	s.T().Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func (s *StoreSuite) TearDownSuite() {
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func (s *StoreSuite) SetupTest() {
	s.publisher = &recordingPublisher{}
	s.gateway = &fakeGateway{status: stripe.PaymentIntentStatusSucceeded}

	s.products = NewProductService(s.db, nil)
	s.categories = NewCategoryService(s.db)
	s.carts = NewCartService(s.db, nil)
	s.orders = NewOrderService(s.db, nil, s.publisher)
	s.payments = NewPaymentServiceWithGateway(s.gateway, "usd", s.orders)
	s.users = NewUserService(s.db)
}

func (s *StoreSuite) newProduct(stock int, price string) *models.Product {
	p, err := s.products.CreateProduct(context.Background(), CreateProductRequest{
		Name:          "Test Part",
		SKU:           "TST-" + strings.ToUpper(uuid.NewString()[:8]),
		Price:         decimal.RequireFromString(price),
		StockQuantity: stock,
		CategoryID:    1,
	})
	s.Require().NoError(err)
	return p
}

func (s *StoreSuite) newUser(roles ...string) *models.User {
	name := "u" + strings.ReplaceAll(uuid.NewString()[:12], "-", "")
	user := &models.User{Username: name, Email: name + "@autoparts.test"}
	s.Require().NoError(user.SetPassword("Passw0rd!"))
	s.Require().NoError(s.db.Create(user).Error)
	if len(roles) > 0 {
		updated, err := s.users.SetUserRoles(context.Background(), user.ID, roles)
		s.Require().NoError(err)
		user = updated
	}
	return user
}

func (s *StoreSuite) stock(id uint) int {
	var p models.Product
	s.Require().NoError(s.db.First(&p, id).Error)
	return p.StockQuantity
}

func (s *StoreSuite) placeOrder(userID uuid.UUID, lines ...OrderItemRequest) (*models.Order, error) {
	return s.orders.CreateOrder(context.Background(), userID, CreateOrderRequest{
		Items: lines,
		ShippingInfo: ShippingInfo{
			ShippingAddress: "1 Main St",
			RecipientPhone:  "555-0100",
			RecipientName:   "Pat",
		},
	})
}

func (s *StoreSuite) TestCreateOrderSnapshotsPrices() {
	user := s.newUser()
	a := s.newProduct(10, "45.99")
	b := s.newProduct(10, "12.50")

	order, err := s.placeOrder(user.ID,
		OrderItemRequest{ProductID: a.ID, Quantity: 1},
		OrderItemRequest{ProductID: b.ID, Quantity: 2},
		OrderItemRequest{ProductID: a.ID, Quantity: 1},
	)
	s.Require().NoError(err)

	s.Equal(models.OrderStatusPending, order.Status)
	s.Len(order.OrderItems, 2, "repeated products are merged")
	s.True(decimal.RequireFromString("116.98").Equal(order.TotalAmount))
	s.Regexp(`^ORD\d{14}\d{4}$`, order.OrderNumber)
	s.Equal(8, s.stock(a.ID))
	s.Equal(8, s.stock(b.ID))
	s.Equal([]string{events.EventOrderCreated}, s.publisher.types())

	// later price changes do not touch the order
	newPrice := decimal.RequireFromString("99.00")
	_, err = s.products.UpdateProduct(context.Background(), a.ID, UpdateProductRequest{Price: &newPrice})
	s.Require().NoError(err)

	stored, err := s.orders.GetOrder(context.Background(), order.ID)
	s.Require().NoError(err)
	s.True(decimal.RequireFromString("116.98").Equal(stored.TotalAmount))
}

func (s *StoreSuite) TestCreateOrderIsAllOrNothing() {
	user := s.newUser()
	plenty := s.newProduct(10, "5.00")
	scarce := s.newProduct(1, "5.00")

	_, err := s.placeOrder(user.ID,
		OrderItemRequest{ProductID: plenty.ID, Quantity: 3},
		OrderItemRequest{ProductID: scarce.ID, Quantity: 2},
	)
	s.ErrorIs(err, ErrInsufficientStock)
	s.Equal(10, s.stock(plenty.ID))
	s.Equal(1, s.stock(scarce.ID))

	_, err = s.placeOrder(user.ID, OrderItemRequest{ProductID: 999999, Quantity: 1})
	s.ErrorIs(err, ErrNotFound)
	s.Empty(s.publisher.types())
}

func (s *StoreSuite) TestConcurrentOrdersNeverOversell() {
	const stock, buyers = 5, 12
	product := s.newProduct(stock, "9.99")
	user := s.newUser()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.placeOrder(user.ID, OrderItemRequest{ProductID: product.ID, Quantity: 1})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case strings.Contains(err.Error(), "Insufficient stock"):
				rejected++
			default:
				s.Failf("unexpected error", "%v", err)
			}
		}()
	}
	wg.Wait()

	s.Equal(stock, succeeded)
	s.Equal(buyers-stock, rejected)
	s.Equal(0, s.stock(product.ID))
}

func (s *StoreSuite) TestCancelRestoresStock() {
	user := s.newUser()
	product := s.newProduct(4, "20.00")

	order, err := s.placeOrder(user.ID, OrderItemRequest{ProductID: product.ID, Quantity: 3})
	s.Require().NoError(err)
	s.Equal(1, s.stock(product.ID))

	cancelled, err := s.orders.CancelOrder(context.Background(), order.ID)
	s.Require().NoError(err)
	s.Equal(models.OrderStatusCancelled, cancelled.Status)
	s.NotNil(cancelled.CancelledAt)
	s.Equal(4, s.stock(product.ID))

	_, err = s.orders.CancelOrder(context.Background(), order.ID)
	s.ErrorIs(err, ErrInvalidOperation, "a cancelled order cannot be cancelled again")
	s.Equal(4, s.stock(product.ID))

	s.Equal([]string{events.EventOrderCreated, events.EventOrderCancelled}, s.publisher.types())
}

func (s *StoreSuite) TestStatusLifecycle() {
	ctx := context.Background()
	user := s.newUser()
	product := s.newProduct(5, "10.00")
	order, err := s.placeOrder(user.ID, OrderItemRequest{ProductID: product.ID, Quantity: 1})
	s.Require().NoError(err)

	_, err = s.orders.UpdateOrderStatus(ctx, order.ID, models.OrderStatusShipped)
	s.ErrorIs(err, ErrInvalidOperation, "pending orders must be paid before shipping")

	_, err = s.orders.UpdateOrderStatus(ctx, order.ID, models.OrderStatus("Lost"))
	s.ErrorIs(err, ErrValidation)

	for _, next := range []models.OrderStatus{models.OrderStatusPaid, models.OrderStatusShipped, models.OrderStatusCompleted} {
		updated, err := s.orders.UpdateOrderStatus(ctx, order.ID, next)
		s.Require().NoError(err)
		s.Equal(next, updated.Status)
	}

	status, err := s.orders.GetOrderStatus(ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(models.OrderStatusCompleted, status)

	_, err = s.orders.UpdateOrderStatus(ctx, order.ID, models.OrderStatusCancelled)
	s.ErrorIs(err, ErrInvalidOperation)
	s.Equal(4, s.stock(product.ID), "completed orders keep their stock")

	_, err = s.orders.UpdateOrderStatus(ctx, 999999, models.OrderStatusPaid)
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestStatistics() {
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)

	before, err := s.orders.GetOrderStatistics(ctx, start, end)
	s.Require().NoError(err)

	user := s.newUser()
	product := s.newProduct(5, "30.00")
	completed, err := s.placeOrder(user.ID, OrderItemRequest{ProductID: product.ID, Quantity: 2})
	s.Require().NoError(err)
	for _, next := range []models.OrderStatus{models.OrderStatusPaid, models.OrderStatusShipped, models.OrderStatusCompleted} {
		_, err = s.orders.UpdateOrderStatus(ctx, completed.ID, next)
		s.Require().NoError(err)
	}
	_, err = s.placeOrder(user.ID, OrderItemRequest{ProductID: product.ID, Quantity: 1})
	s.Require().NoError(err)

	after, err := s.orders.GetOrderStatistics(ctx, start, end)
	s.Require().NoError(err)

	s.Equal(before.TotalOrders+2, after.TotalOrders)
	s.Equal(before.CompletedOrders+1, after.CompletedOrders)
	s.Equal(before.PendingOrders+1, after.PendingOrders)
	s.True(before.TotalRevenue.Add(decimal.RequireFromString("60.00")).Equal(after.TotalRevenue))

	_, err = s.orders.GetOrderStatistics(ctx, end, start)
	s.ErrorIs(err, ErrValidation)
}

func (s *StoreSuite) TestCheckoutCart() {
	ctx := context.Background()
	user := s.newUser()
	product := s.newProduct(3, "15.00")

	_, err := s.orders.CheckoutCart(ctx, user.ID, ShippingInfo{ShippingAddress: "x", RecipientPhone: "1", RecipientName: "n"})
	s.ErrorIs(err, ErrInvalidOperation, "an empty cart cannot be checked out")

	_, err = s.carts.AddToCart(ctx, user.ID, AddToCartRequest{ProductID: product.ID, Quantity: 2})
	s.Require().NoError(err)
	view, err := s.carts.AddToCart(ctx, user.ID, AddToCartRequest{ProductID: product.ID, Quantity: 1})
	s.Require().NoError(err)
	s.Len(view.Items, 1)
	s.Equal(3, view.TotalItems)

	_, err = s.carts.AddToCart(ctx, user.ID, AddToCartRequest{ProductID: product.ID, Quantity: 1})
	s.ErrorIs(err, ErrInsufficientStock)

	order, err := s.orders.CheckoutCart(ctx, user.ID, ShippingInfo{ShippingAddress: "1 Main St", RecipientPhone: "555", RecipientName: "Pat"})
	s.Require().NoError(err)
	s.True(decimal.RequireFromString("45.00").Equal(order.TotalAmount))
	s.Equal(0, s.stock(product.ID))

	count, err := s.carts.GetCartItemCount(ctx, user.ID)
	s.Require().NoError(err)
	s.Zero(count)
}

func (s *StoreSuite) TestDuplicateSKU() {
	product := s.newProduct(1, "1.00")
	_, err := s.products.CreateProduct(context.Background(), CreateProductRequest{
		Name: "Copy", SKU: product.SKU, Price: decimal.RequireFromString("2.00"), CategoryID: 1,
	})
	s.ErrorIs(err, ErrInvalidOperation)

	_, err = s.products.CreateProduct(context.Background(), CreateProductRequest{
		Name: "Orphan", SKU: "TST-ORPHAN-" + strings.ToUpper(uuid.NewString()[:4]), Price: decimal.RequireFromString("2.00"), CategoryID: 999999,
	})
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestCategoryDeleteRules() {
	ctx := context.Background()
	suffix := uuid.NewString()[:8]

	parent, err := s.categories.CreateCategory(ctx, CategoryRequest{Name: "Parent " + suffix})
	s.Require().NoError(err)
	child, err := s.categories.CreateCategory(ctx, CategoryRequest{Name: "Child " + suffix, ParentID: &parent.ID})
	s.Require().NoError(err)

	_, err = s.categories.CreateCategory(ctx, CategoryRequest{Name: "Parent " + suffix})
	s.ErrorIs(err, ErrInvalidOperation, "names are unique")

	_, err = s.categories.UpdateCategory(ctx, parent.ID, CategoryRequest{Name: parent.Name, ParentID: &child.ID})
	s.ErrorIs(err, ErrInvalidOperation, "a category cannot move under its own child")

	s.ErrorIs(s.categories.DeleteCategory(ctx, parent.ID), ErrInvalidOperation)

	_, err = s.products.CreateProduct(ctx, CreateProductRequest{
		Name: "Leaf part", SKU: "TST-LEAF-" + strings.ToUpper(suffix), Price: decimal.RequireFromString("1.00"), CategoryID: child.ID,
	})
	s.Require().NoError(err)
	s.ErrorIs(s.categories.DeleteCategory(ctx, child.ID), ErrInvalidOperation)

	s.ErrorIs(s.categories.DeleteCategory(ctx, 999999), ErrNotFound)
}

func (s *StoreSuite) TestLastAdminIsKept() {
	ctx := context.Background()
	tx := s.db.Begin()
	defer tx.Rollback()

	// demote everyone inside the transaction so the new user is the only Admin
	s.Require().NoError(tx.Exec(
		"DELETE FROM user_roles WHERE role_id IN (SELECT id FROM roles WHERE name = ?)", models.RoleAdmin).Error)

	users := NewUserService(tx)
	name := "solo" + uuid.NewString()[:8]
	admin := &models.User{Username: name, Email: name + "@autoparts.test", PasswordHash: "x"}
	s.Require().NoError(tx.Create(admin).Error)
	_, err := users.SetUserRoles(ctx, admin.ID, []string{models.RoleAdmin})
	s.Require().NoError(err)

	_, err = users.SetUserRoles(ctx, admin.ID, []string{models.RoleCustomer})
	s.ErrorIs(err, ErrInvalidOperation)
	s.ErrorIs(users.DeleteUser(ctx, admin.ID), ErrInvalidOperation)

	second := s.newUserIn(tx)
	_, err = users.SetUserRoles(ctx, second.ID, []string{models.RoleAdmin, models.RoleVendor})
	s.Require().NoError(err)
	s.NoError(users.DeleteUser(ctx, admin.ID), "another Admin remains")
}

func (s *StoreSuite) newUserIn(tx *gorm.DB) *models.User {
	name := "u" + uuid.NewString()[:8]
	user := &models.User{Username: name, Email: name + "@autoparts.test", PasswordHash: "x"}
	s.Require().NoError(tx.Create(user).Error)
	return user
}

func (s *StoreSuite) TestUnknownRole() {
	user := s.newUser()
	_, err := s.users.SetUserRoles(context.Background(), user.ID, []string{"Pilot"})
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestPaymentFlow() {
	ctx := context.Background()
	user := s.newUser()
	product := s.newProduct(5, "45.99")
	order, err := s.placeOrder(user.ID, OrderItemRequest{ProductID: product.ID, Quantity: 1})
	s.Require().NoError(err)

	_, err = s.payments.ConfirmPayment(ctx, user.ID, order.ID)
	s.ErrorIs(err, ErrInvalidOperation, "no intent has been created yet")

	intent, err := s.payments.CreatePaymentIntent(ctx, user.ID, order.ID)
	s.Require().NoError(err)
	s.Equal(int64(4599), intent.Amount)
	s.Equal("usd", intent.Currency)

	_, err = s.payments.CreatePaymentIntent(ctx, uuid.New(), order.ID)
	s.ErrorIs(err, ErrForbidden)

	s.gateway.status = stripe.PaymentIntentStatusProcessing
	_, err = s.payments.ConfirmPayment(ctx, user.ID, order.ID)
	s.ErrorIs(err, ErrInvalidOperation)

	s.gateway.status = stripe.PaymentIntentStatusSucceeded
	paid, err := s.payments.ConfirmPayment(ctx, user.ID, order.ID)
	s.Require().NoError(err)
	s.Equal(models.OrderStatusPaid, paid.Status)
	s.NotNil(paid.PaidAt)

	refunded, err := s.payments.RefundOrder(ctx, order.ID, "damaged in transit")
	s.Require().NoError(err)
	s.Equal(models.OrderStatusRefunded, refunded.Status)
	s.Equal([]string{intent.PaymentID}, s.gateway.refunded)

	_, err = s.payments.RefundOrder(ctx, order.ID, "")
	s.ErrorIs(err, ErrInvalidOperation, fmt.Sprintf("order %d is already refunded", order.ID))
}

func (s *StoreSuite) TestUpdateProductKeepsConcurrentSales() {
	ctx := context.Background()
	user := s.newUser()
	product := s.newProduct(5, "12.00")

	var sellErr error
	observed := s.observedDB("products", func() {
		_, sellErr = s.placeOrder(user.ID, OrderItemRequest{ProductID: product.ID, Quantity: 3})
	})

	name := "Renamed part"
	updated, err := NewProductService(observed, nil).UpdateProduct(ctx, product.ID, UpdateProductRequest{Name: &name})
	s.Require().NoError(err)
	s.Require().NoError(sellErr)

	s.Equal(name, updated.Name)
	s.Equal(2, updated.StockQuantity)
	s.Equal(2, s.stock(product.ID), "units sold during the update stay sold")
}

func (s *StoreSuite) TestUpdateProductFields() {
	ctx := context.Background()
	original := decimal.RequireFromString("25.00")
	product, err := s.products.CreateProduct(ctx, CreateProductRequest{
		Name:          "Wiper blade",
		SKU:           "TST-WIP-" + strings.ToUpper(uuid.NewString()[:6]),
		Price:         decimal.RequireFromString("19.99"),
		OriginalPrice: &original,
		StockQuantity: 7,
		CategoryID:    1,
	})
	s.Require().NoError(err)

	stock := 9
	updated, err := s.products.UpdateProduct(ctx, product.ID, UpdateProductRequest{StockQuantity: &stock, ClearOriginalPrice: true})
	s.Require().NoError(err)
	s.Equal(9, updated.StockQuantity)
	s.False(updated.OriginalPrice.Valid)
	s.Equal("Wiper blade", updated.Name)

	zero := decimal.Zero
	_, err = s.products.UpdateProduct(ctx, product.ID, UpdateProductRequest{Price: &zero})
	s.ErrorIs(err, ErrValidation)

	missing := uint(999999)
	_, err = s.products.UpdateProduct(ctx, product.ID, UpdateProductRequest{CategoryID: &missing})
	s.ErrorIs(err, ErrNotFound)

	_, err = s.products.UpdateProduct(ctx, 999999, UpdateProductRequest{Name: &product.Name})
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestStockUpdateRefreshesHotProducts() {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		s.T().Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 14})
	defer rdb.Close()
	store := cache.NewStore(rdb)
	s.Require().NoError(store.InvalidateHotProducts(ctx))

	products := NewProductService(s.db, store)
	product := s.newProduct(5, "3.00")

	hot, err := products.GetHotProducts(ctx, 1)
	s.Require().NoError(err)
	s.Require().Len(hot, 1)
	s.Equal(product.ID, hot[0].ID)
	s.Equal(5, hot[0].StockQuantity)

	s.Require().NoError(products.UpdateProductStock(ctx, product.ID, 1))

	hot, err = products.GetHotProducts(ctx, 1)
	s.Require().NoError(err)
	s.Equal(1, hot[0].StockQuantity)
}

func (s *StoreSuite) paidOrder(user *models.User, product *models.Product, qty int) *models.Order {
	ctx := context.Background()
	order, err := s.placeOrder(user.ID, OrderItemRequest{ProductID: product.ID, Quantity: qty})
	s.Require().NoError(err)
	_, err = s.payments.CreatePaymentIntent(ctx, user.ID, order.ID)
	s.Require().NoError(err)
	paid, err := s.payments.ConfirmPayment(ctx, user.ID, order.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.OrderStatusPaid, paid.Status)
	return paid
}

func (s *StoreSuite) TestCancelPaidOrderRefundsPayment() {
	ctx := context.Background()
	user := s.newUser()
	product := s.newProduct(5, "40.00")
	order := s.paidOrder(user, product, 2)
	s.Equal(3, s.stock(product.ID))

	cancelled, err := s.orders.CancelOrder(ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(models.OrderStatusCancelled, cancelled.Status)
	s.Equal([]string{order.PaymentReference}, s.gateway.refunded)
	s.Equal(5, s.stock(product.ID))

	_, err = s.payments.RefundOrder(ctx, order.ID, "")
	s.ErrorIs(err, ErrInvalidOperation)
	s.Contains(err.Error(), "can no longer change status")
	s.Len(s.gateway.refunded, 1, "the payment is returned once")

	// cancelling a pending order has nothing to refund
	pending, err := s.placeOrder(user.ID, OrderItemRequest{ProductID: product.ID, Quantity: 1})
	s.Require().NoError(err)
	_, err = s.orders.UpdateOrderStatus(ctx, pending.ID, models.OrderStatusCancelled)
	s.Require().NoError(err)
	s.Len(s.gateway.refunded, 1)
}

func (s *StoreSuite) TestFailedRefundKeepsOrderPaid() {
	ctx := context.Background()
	user := s.newUser()
	product := s.newProduct(5, "40.00")
	order := s.paidOrder(user, product, 2)

	s.gateway.refundErr = errors.New("card network unavailable")
	_, err := s.orders.CancelOrder(ctx, order.ID)
	s.Require().Error(err)

	stored, err := s.orders.GetOrder(ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(models.OrderStatusPaid, stored.Status)
	s.Nil(stored.CancelledAt)
	s.Equal(3, s.stock(product.ID), "stock stays reserved while the order is paid")

	s.gateway.refundErr = nil
	_, err = s.orders.CancelOrder(ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(5, s.stock(product.ID))
}

func (s *StoreSuite) TestCheckoutKeepsLinesAddedDuringCheckout() {
	ctx := context.Background()
	user := s.newUser()
	first := s.newProduct(10, "10.00")
	second := s.newProduct(10, "4.00")

	_, err := s.carts.AddToCart(ctx, user.ID, AddToCartRequest{ProductID: first.ID, Quantity: 2})
	s.Require().NoError(err)

	added := make(chan error, 1)
	observed := s.observedDB("cart_items", func() {
		go func() {
			if _, err := s.carts.AddToCart(ctx, user.ID, AddToCartRequest{ProductID: first.ID, Quantity: 1}); err != nil {
				added <- err
				return
			}
			_, err := s.carts.AddToCart(ctx, user.ID, AddToCartRequest{ProductID: second.ID, Quantity: 1})
			added <- err
		}()
	})

	order, err := NewOrderService(observed, nil, s.publisher).CheckoutCart(ctx, user.ID,
		ShippingInfo{ShippingAddress: "1 Main St", RecipientPhone: "555", RecipientName: "Pat"})
	s.Require().NoError(err)

	select {
	case err := <-added:
		s.Require().NoError(err)
	case <-time.After(10 * time.Second):
		s.FailNow("adding to the cart never finished")
	}

	s.Require().Len(order.OrderItems, 1)
	s.Equal(2, order.OrderItems[0].Quantity)
	s.True(decimal.RequireFromString("20.00").Equal(order.TotalAmount))

	cart, err := s.carts.GetCart(ctx, user.ID)
	s.Require().NoError(err)
	s.Equal(2, cart.TotalItems, "lines added while checking out stay in the cart")
	s.Len(cart.Items, 2)
}

func (s *StoreSuite) TestCartItemOperations() {
	ctx := context.Background()
	user := s.newUser()
	brakes := s.newProduct(4, "30.00")
	filter := s.newProduct(10, "8.50")

	_, err := s.carts.UpdateCartItem(ctx, user.ID, 1, UpdateCartItemRequest{Quantity: 1})
	s.ErrorIs(err, ErrNotFound, "no cart yet")
	_, err = s.carts.RemoveFromCart(ctx, user.ID, 1)
	s.ErrorIs(err, ErrNotFound)
	s.ErrorIs(s.carts.ClearCart(ctx, user.ID), ErrNotFound)

	view, err := s.carts.AddToCart(ctx, user.ID, AddToCartRequest{ProductID: brakes.ID, Quantity: 1})
	s.Require().NoError(err)
	s.Require().Len(view.Items, 1)
	brakeLine := view.Items[0].ID

	_, err = s.carts.UpdateCartItem(ctx, user.ID, brakeLine, UpdateCartItemRequest{Quantity: 5})
	s.ErrorIs(err, ErrInsufficientStock)

	view, err = s.carts.UpdateCartItem(ctx, user.ID, brakeLine, UpdateCartItemRequest{Quantity: 3})
	s.Require().NoError(err)
	s.Equal(3, view.TotalItems)
	s.True(decimal.RequireFromString("90.00").Equal(view.TotalPrice))

	_, err = s.carts.UpdateCartItem(ctx, user.ID, 999999, UpdateCartItemRequest{Quantity: 1})
	s.ErrorIs(err, ErrNotFound)

	_, err = s.carts.AddToCart(ctx, user.ID, AddToCartRequest{ProductID: filter.ID, Quantity: 2})
	s.Require().NoError(err)

	view, err = s.carts.RemoveFromCart(ctx, user.ID, brakeLine)
	s.Require().NoError(err)
	s.Require().Len(view.Items, 1)
	s.Equal(filter.ID, view.Items[0].ProductID)

	_, err = s.carts.RemoveFromCart(ctx, user.ID, brakeLine)
	s.ErrorIs(err, ErrNotFound, "a line can only be removed once")

	s.Require().NoError(s.carts.ClearCart(ctx, user.ID))
	count, err := s.carts.GetCartItemCount(ctx, user.ID)
	s.Require().NoError(err)
	s.Zero(count)

	cart, err := s.carts.GetCart(ctx, user.ID)
	s.Require().NoError(err)
	s.Empty(cart.Items)
	s.Equal(10, s.stock(filter.ID), "carts never reserve stock")
}

func (s *StoreSuite) TestListProductsFiltersAndPages() {
	ctx := context.Background()
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString()[:8], "-", ""))
	category, err := s.categories.CreateCategory(ctx, CategoryRequest{Name: "Listing " + suffix})
	s.Require().NoError(err)

	brand := "Brand-" + suffix
	model := "Model-" + suffix
	for i := 1; i <= 25; i++ {
		req := CreateProductRequest{
			Name:          fmt.Sprintf("Part %s %02d", suffix, i),
			SKU:           fmt.Sprintf("LST-%s-%02d", suffix, i),
			Price:         decimal.NewFromInt(int64(i)),
			StockQuantity: i % 5,
			CategoryID:    category.ID,
			Brand:         brand,
		}
		if i <= 5 {
			req.VehicleModel = model
		}
		_, err := s.products.CreateProduct(ctx, req)
		s.Require().NoError(err)
	}

	list := func(q ProductQuery) ([]models.Product, int64) {
		if q.PageSize == 0 {
			q.PaginationParams = utils.PaginationParams{Page: 1, PageSize: 100}
		}
		res, err := s.products.ListProducts(ctx, q)
		s.Require().NoError(err)
		return res.Items.([]models.Product), res.TotalCount
	}

	page, err := s.products.ListProducts(ctx, ProductQuery{
		PaginationParams: utils.PaginationParams{Page: 2, PageSize: 10, SortBy: "name"},
		Brand:            brand,
	})
	s.Require().NoError(err)
	s.EqualValues(25, page.TotalCount)
	s.Equal(3, page.TotalPages)
	s.True(page.HasPrevious)
	s.True(page.HasNext)
	items := page.Items.([]models.Product)
	s.Require().Len(items, 10)
	s.Equal(fmt.Sprintf("Part %s 11", suffix), items[0].Name)
	s.Equal(fmt.Sprintf("Part %s 20", suffix), items[9].Name)

	_, total := list(ProductQuery{Brand: brand, InStockOnly: true})
	s.EqualValues(20, total)

	minPrice, maxPrice := decimal.NewFromInt(10), decimal.NewFromInt(12)
	_, total = list(ProductQuery{Brand: brand, MinPrice: &minPrice, MaxPrice: &maxPrice})
	s.EqualValues(3, total)

	_, total = list(ProductQuery{VehicleModel: model})
	s.EqualValues(5, total)

	_, total = list(ProductQuery{CategoryID: &category.ID})
	s.EqualValues(25, total)

	_, total = list(ProductQuery{SearchTerm: strings.ToLower("lst-" + suffix)})
	s.EqualValues(25, total, "search is case-insensitive over SKU")

	_, total = list(ProductQuery{SearchTerm: suffix + "_"})
	s.EqualValues(0, total, "an underscore in the search term is not a wildcard")

	byPrice, _ := list(ProductQuery{
		PaginationParams: utils.PaginationParams{Page: 1, PageSize: 3, SortBy: "price", SortDesc: true},
		Brand:            brand,
	})
	s.Require().Len(byPrice, 3)
	s.True(decimal.NewFromInt(25).Equal(byPrice[0].Price))
	s.True(decimal.NewFromInt(23).Equal(byPrice[2].Price))

	s.Require().NoError(s.products.DeleteProduct(ctx, items[0].ID))
	_, total = list(ProductQuery{Brand: brand})
	s.EqualValues(24, total, "retired products are not listed")
}

func (s *StoreSuite) TestListUsersFilters() {
	ctx := context.Background()
	suffix := strings.ReplaceAll(uuid.NewString()[:8], "-", "")

	mk := func(name, phone, company string, roles ...string) *models.User {
		user := &models.User{
			Username:    "l" + name + suffix,
			Email:       name + suffix + "@autoparts.test",
			FullName:    strings.ToUpper(name[:1]) + name[1:] + " " + suffix,
			PhoneNumber: phone,
			CompanyName: company,
		}
		s.Require().NoError(user.SetPassword("Passw0rd!"))
		s.Require().NoError(s.db.Create(user).Error)
		if len(roles) > 0 {
			_, err := s.users.SetUserRoles(ctx, user.ID, roles)
			s.Require().NoError(err)
		}
		return user
	}
	alice := mk("alice", "555-"+suffix[:4], "Garage "+suffix, models.RoleVendor)
	mk("bob", "777-0000", "", models.RoleCustomer)
	mk("carol", "777-0001", "", models.RoleVendor, models.RoleCustomer)

	list := func(q UserQuery) []models.User {
		q.PaginationParams = utils.PaginationParams{Page: 1, PageSize: 100, SortBy: "email"}
		res, err := s.users.ListUsers(ctx, q)
		s.Require().NoError(err)
		return res.Items.([]models.User)
	}
	emails := func(users []models.User) []string {
		out := make([]string, 0, len(users))
		for _, u := range users {
			out = append(out, u.Email)
		}
		return out
	}

	s.Len(list(UserQuery{Keyword: suffix}), 3)
	s.Equal([]string{alice.Email}, emails(list(UserQuery{Keyword: "garage " + suffix})))
	s.Equal([]string{alice.Email}, emails(list(UserQuery{Keyword: suffix, Phone: "555-" + suffix[:4]})))
	s.Equal(
		[]string{"alice" + suffix + "@autoparts.test", "carol" + suffix + "@autoparts.test"},
		emails(list(UserQuery{Keyword: suffix, Role: "vendor"})),
	)

	future := time.Now().Add(time.Hour)
	s.Empty(list(UserQuery{Keyword: suffix, StartDate: &future}))
	s.Empty(list(UserQuery{Keyword: suffix + "%"}), "a percent sign in the keyword is not a wildcard")
}
