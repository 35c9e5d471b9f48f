package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/autoparts-backend/internal/cache"
	"github.com/javajoker/autoparts-backend/internal/models"
)

// CartService manages one cart per user. Carts never reserve stock; quantities
// are checked against current stock on every change and again at checkout.
type CartService struct {
	db    *gorm.DB
	cache *cache.Store
}

type AddToCartRequest struct {
	ProductID uint `json:"product_id" validate:"required,gt=0"`
	Quantity  int  `json:"quantity" validate:"required,gt=0"`
}

type UpdateCartItemRequest struct {
	Quantity int `json:"quantity" validate:"required,gt=0"`
}

type CartItemView struct {
	ID            uint            `json:"id"`
	ProductID     uint            `json:"product_id"`
	ProductName   string          `json:"product_name"`
	ProductImage  string          `json:"product_image"`
	SKU           string          `json:"sku"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Quantity      int             `json:"quantity"`
	StockQuantity int             `json:"stock_quantity"`
	IsActive      bool            `json:"is_active"`
	LineTotal     decimal.Decimal `json:"line_total"`
}

type CartView struct {
	ID         uint            `json:"id"`
	UserID     uuid.UUID       `json:"user_id"`
	Items      []CartItemView  `json:"items"`
	TotalItems int             `json:"total_items"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

func NewCartService(db *gorm.DB, store *cache.Store) *CartService {
	return &CartService{db: db, cache: store}
}

func NewCartView(cart *models.ShoppingCart) *CartView {
	view := &CartView{
		ID:         cart.ID,
		UserID:     cart.UserID,
		Items:      make([]CartItemView, 0, len(cart.CartItems)),
		TotalItems: cart.TotalItems(),
		TotalPrice: cart.TotalPrice(),
	}

	for _, item := range cart.CartItems {
		line := CartItemView{
			ID:        item.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: decimal.Zero,
			LineTotal: decimal.Zero,
		}
		if p := item.Product; p != nil {
			line.ProductName = p.Name
			line.ProductImage = p.ImageURL
			line.SKU = p.SKU
			line.UnitPrice = p.Price
			line.StockQuantity = p.StockQuantity
			line.IsActive = p.IsActive
			line.LineTotal = p.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		}
		view.Items = append(view.Items, line)
	}
	return view
}

// GetCart returns the user's cart, creating an empty one on first access.
func (s *CartService) GetCart(ctx context.Context, userID uuid.UUID) (*CartView, error) {
	cart, err := s.getOrCreateCart(ctx, s.db.WithContext(ctx), userID)
	if err != nil {
		return nil, err
	}
	return NewCartView(cart), nil
}

func (s *CartService) getOrCreateCart(ctx context.Context, db *gorm.DB, userID uuid.UUID) (*models.ShoppingCart, error) {
	cart, err := s.findCart(db, userID)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	cart = &models.ShoppingCart{UserID: userID}
	if err := db.Create(cart).Error; err != nil {
		// a concurrent request created it first
		if isUniqueViolation(err) {
			return s.findCart(db, userID)
		}
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to create cart")
		return nil, dbError(err)
	}
	cart.CartItems = []models.CartItem{}
	return cart, nil
}

func (s *CartService) findCart(db *gorm.DB, userID uuid.UUID) (*models.ShoppingCart, error) {
	var cart models.ShoppingCart
	err := db.
		Preload("CartItems", func(db *gorm.DB) *gorm.DB { return db.Order("added_at").Order("id") }).
		Preload("CartItems.Product").
		Where("user_id = ?", userID).
		First(&cart).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Cart not found")
		}
		return nil, dbError(err)
	}
	return &cart, nil
}

// AddToCart merges qty into the product's line. The merged quantity may not
// exceed current stock.
func (s *CartService) AddToCart(ctx context.Context, userID uuid.UUID, req AddToCartRequest) (*CartView, error) {
	if req.Quantity <= 0 {
		return nil, newError(ErrValidation, "quantity must be positive")
	}

	db := s.db.WithContext(ctx)

	var product models.Product
	if err := db.Where("is_active = ?", true).First(&product, req.ProductID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Product %d not found", req.ProductID)
		}
		return nil, dbError(err)
	}

	cart, err := s.getOrCreateCart(ctx, db, userID)
	if err != nil {
		return nil, err
	}

	existing := cart.FindProduct(product.ID)
	wanted := req.Quantity
	if existing != nil {
		wanted += existing.Quantity
	}
	if !product.InStock(wanted) {
		return nil, newError(ErrInsufficientStock,
			"Insufficient stock for %s: requested %d, available %d", product.Name, wanted, product.StockQuantity)
	}

	if existing != nil {
		res := db.Model(&models.CartItem{}).Where("id = ?", existing.ID).Update("quantity", wanted)
		err = res.Error
		if err == nil && res.RowsAffected == 0 {
			// the line was checked out meanwhile; start a fresh one
			existing = nil
			wanted = req.Quantity
		}
	}
	if err == nil && existing == nil {
		err = db.Create(&models.CartItem{CartID: cart.ID, ProductID: product.ID, Quantity: wanted}).Error
	}
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"user_id": userID, "product_id": product.ID}).Error("Failed to add to cart")
		return nil, dbError(err)
	}

	return s.refreshed(ctx, userID)
}

func (s *CartService) UpdateCartItem(ctx context.Context, userID uuid.UUID, itemID uint, req UpdateCartItemRequest) (*CartView, error) {
	if req.Quantity <= 0 {
		return nil, newError(ErrValidation, "quantity must be positive")
	}

	db := s.db.WithContext(ctx)
	cart, err := s.findCart(db, userID)
	if err != nil {
		return nil, err
	}

	item := cart.FindItem(itemID)
	if item == nil {
		return nil, notFound("Cart item %d not found", itemID)
	}
	if item.Product == nil || !item.Product.InStock(req.Quantity) {
		available := 0
		name := "product"
		if item.Product != nil {
			available = item.Product.StockQuantity
			name = item.Product.Name
		}
		return nil, newError(ErrInsufficientStock,
			"Insufficient stock for %s: requested %d, available %d", name, req.Quantity, available)
	}

	res := db.Model(&models.CartItem{}).Where("id = ?", item.ID).Update("quantity", req.Quantity)
	if res.Error != nil {
		return nil, dbError(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, notFound("Cart item %d not found", itemID)
	}

	return s.refreshed(ctx, userID)
}

func (s *CartService) RemoveFromCart(ctx context.Context, userID uuid.UUID, itemID uint) (*CartView, error) {
	db := s.db.WithContext(ctx)
	cart, err := s.findCart(db, userID)
	if err != nil {
		return nil, err
	}

	if cart.FindItem(itemID) == nil {
		return nil, notFound("Cart item %d not found", itemID)
	}
	if err := db.Delete(&models.CartItem{}, itemID).Error; err != nil {
		return nil, dbError(err)
	}

	return s.refreshed(ctx, userID)
}

func (s *CartService) ClearCart(ctx context.Context, userID uuid.UUID) error {
	db := s.db.WithContext(ctx)
	cart, err := s.findCart(db, userID)
	if err != nil {
		return err
	}

	if err := db.Where("cart_id = ?", cart.ID).Delete(&models.CartItem{}).Error; err != nil {
		return dbError(err)
	}

	s.cache.InvalidateCartCount(ctx, userID)
	return nil
}

// GetCartItemCount sums quantities across the cart; a user without a cart has 0.
func (s *CartService) GetCartItemCount(ctx context.Context, userID uuid.UUID) (int, error) {
	if n, ok := s.cache.GetCartCount(ctx, userID); ok {
		return n, nil
	}

	var total int64
	err := s.db.WithContext(ctx).Model(&models.CartItem{}).
		Joins("JOIN shopping_carts ON shopping_carts.id = cart_items.cart_id").
		Where("shopping_carts.user_id = ?", userID).
		Select("COALESCE(SUM(cart_items.quantity), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, dbError(err)
	}

	s.cache.SetCartCount(ctx, userID, int(total))
	return int(total), nil
}

func (s *CartService) refreshed(ctx context.Context, userID uuid.UUID) (*CartView, error) {
	s.cache.InvalidateCartCount(ctx, userID)

	cart, err := s.findCart(s.db.WithContext(ctx), userID)
	if err != nil {
		return nil, err
	}
	return NewCartView(cart), nil
}
