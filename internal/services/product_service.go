// internal/services/product_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/autoparts-backend/internal/cache"
	"github.com/javajoker/autoparts-backend/internal/models"
	"github.com/javajoker/autoparts-backend/internal/utils"
)

const maxHotProducts = 50

type ProductService struct {
	db    *gorm.DB
	cache *cache.Store
}

type CreateProductRequest struct {
	Name          string           `json:"name" validate:"required,max=200"`
	Description   string           `json:"description" validate:"max=4000"`
	SKU           string           `json:"sku" validate:"required,sku"`
	Price         decimal.Decimal  `json:"price"`
	OriginalPrice *decimal.Decimal `json:"original_price"`
	StockQuantity int              `json:"stock_quantity" validate:"gte=0"`
	CategoryID    uint             `json:"category_id" validate:"required,gt=0"`
	Brand         string           `json:"brand" validate:"max=100"`
	VehicleModel  string           `json:"vehicle_model" validate:"max=100"`
	YearRange     string           `json:"year_range" validate:"max=50"`
	ImageURL      string           `json:"image_url" validate:"omitempty,max=500"`
	Images        []string         `json:"images" validate:"max=10,dive,max=500"`
}

type UpdateProductRequest struct {
	Name          *string          `json:"name" validate:"omitempty,max=200"`
	Description   *string          `json:"description" validate:"omitempty,max=4000"`
	Price         *decimal.Decimal `json:"price"`
	OriginalPrice *decimal.Decimal `json:"original_price"`
	StockQuantity *int             `json:"stock_quantity" validate:"omitempty,gte=0"`
	CategoryID    *uint            `json:"category_id" validate:"omitempty,gt=0"`
	Brand         *string          `json:"brand" validate:"omitempty,max=100"`
	VehicleModel  *string          `json:"vehicle_model" validate:"omitempty,max=100"`
	YearRange     *string          `json:"year_range" validate:"omitempty,max=50"`
	ImageURL      *string          `json:"image_url" validate:"omitempty,max=500"`
	Images        []string         `json:"images" validate:"omitempty,max=10,dive,max=500"`
	IsActive      *bool            `json:"is_active"`

	// ClearOriginalPrice drops the list price; it wins over OriginalPrice.
	ClearOriginalPrice bool `json:"clear_original_price"`
}

type ProductQuery struct {
	utils.PaginationParams
	SearchTerm   string
	CategoryID   *uint
	Brand        string
	VehicleModel string
	MinPrice     *decimal.Decimal
	MaxPrice     *decimal.Decimal
	InStockOnly  bool
}

var productSortFields = map[string]string{
	"price":   "price",
	"name":    "name",
	"created": "created_at",
}

func NewProductService(db *gorm.DB, store *cache.Store) *ProductService {
	return &ProductService{db: db, cache: store}
}

func (s *ProductService) CreateProduct(ctx context.Context, req CreateProductRequest) (*models.Product, error) {
	if err := validatePrices(&req.Price, req.OriginalPrice); err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx)

	var count int64
	if err := db.Model(&models.Product{}).Where("sku = ?", req.SKU).Count(&count).Error; err != nil {
		return nil, dbError(err)
	}
	if count > 0 {
		return nil, invalidOperation("SKU '%s' already exists", req.SKU)
	}

	if err := s.ensureCategory(ctx, req.CategoryID); err != nil {
		return nil, err
	}

	product := &models.Product{
		Name:          req.Name,
		Description:   req.Description,
		SKU:           req.SKU,
		Price:         req.Price,
		StockQuantity: req.StockQuantity,
		CategoryID:    req.CategoryID,
		Brand:         req.Brand,
		VehicleModel:  req.VehicleModel,
		YearRange:     req.YearRange,
		ImageURL:      req.ImageURL,
		Images:        pq.StringArray(req.Images),
		IsActive:      true,
	}
	if req.OriginalPrice != nil {
		product.OriginalPrice = decimal.NewNullDecimal(*req.OriginalPrice)
	}

	if err := db.Create(product).Error; err != nil {
		// lost a race with a concurrent insert of the same SKU
		if isUniqueViolation(err) {
			return nil, invalidOperation("SKU '%s' already exists", req.SKU)
		}
		logrus.WithError(err).WithField("sku", req.SKU).Error("Failed to create product")
		return nil, dbError(err)
	}

	s.cache.InvalidateHotProducts(ctx)
	logrus.WithFields(logrus.Fields{"product_id": product.ID, "sku": product.SKU}).Info("Product created")
	return product, nil
}

// UpdateProduct writes only the columns the request names. Stock is never
// rewritten from a stale read, so concurrent orders keep their decrements.
func (s *ProductService) UpdateProduct(ctx context.Context, id uint, req UpdateProductRequest) (*models.Product, error) {
	product, err := s.findProduct(ctx, id, false)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}

	price := product.Price
	if req.Price != nil {
		price = *req.Price
		updates["price"] = price
	}
	var original *decimal.Decimal
	if product.OriginalPrice.Valid {
		original = &product.OriginalPrice.Decimal
	}
	switch {
	case req.ClearOriginalPrice:
		original = nil
		updates["original_price"] = decimal.NullDecimal{}
	case req.OriginalPrice != nil:
		original = req.OriginalPrice
		updates["original_price"] = decimal.NewNullDecimal(*req.OriginalPrice)
	}
	if err := validatePrices(&price, original); err != nil {
		return nil, err
	}

	if req.StockQuantity != nil {
		updates["stock_quantity"] = *req.StockQuantity
	}
	if req.CategoryID != nil && *req.CategoryID != product.CategoryID {
		if err := s.ensureCategory(ctx, *req.CategoryID); err != nil {
			return nil, err
		}
		updates["category_id"] = *req.CategoryID
	}
	if req.Brand != nil {
		updates["brand"] = *req.Brand
	}
	if req.VehicleModel != nil {
		updates["vehicle_model"] = *req.VehicleModel
	}
	if req.YearRange != nil {
		updates["year_range"] = *req.YearRange
	}
	if req.ImageURL != nil {
		updates["image_url"] = *req.ImageURL
	}
	if req.Images != nil {
		updates["images"] = pq.StringArray(req.Images)
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}

	if len(updates) == 0 {
		return product, nil
	}

	res := s.db.WithContext(ctx).Model(&models.Product{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		logrus.WithError(res.Error).WithField("product_id", id).Error("Failed to update product")
		return nil, dbError(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, notFound("Product %d not found", id)
	}

	s.cache.InvalidateHotProducts(ctx)
	return s.findProduct(ctx, id, false)
}

// DeleteProduct retires a product. Order history keeps referring to it.
func (s *ProductService) DeleteProduct(ctx context.Context, id uint) error {
	return s.setActive(ctx, id, false)
}

func (s *ProductService) ToggleSaleStatus(ctx context.Context, id uint, onSale bool) error {
	return s.setActive(ctx, id, onSale)
}

func (s *ProductService) setActive(ctx context.Context, id uint, active bool) error {
	res := s.db.WithContext(ctx).Model(&models.Product{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return dbError(res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("Product %d not found", id)
	}

	s.cache.InvalidateHotProducts(ctx)
	return nil
}

func (s *ProductService) UpdateProductStock(ctx context.Context, id uint, quantity int) error {
	if quantity < 0 {
		return newError(ErrValidation, "stock quantity cannot be negative")
	}

	res := s.db.WithContext(ctx).Model(&models.Product{}).Where("id = ?", id).Update("stock_quantity", quantity)
	if res.Error != nil {
		return dbError(res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("Product %d not found", id)
	}

	s.cache.InvalidateHotProducts(ctx)
	logrus.WithFields(logrus.Fields{"product_id": id, "stock": quantity}).Info("Product stock updated")
	return nil
}

// GetProduct returns an active product with its category.
func (s *ProductService) GetProduct(ctx context.Context, id uint) (*models.Product, error) {
	return s.findProduct(ctx, id, true)
}

// GetManagedProduct returns a product whether or not it is on sale.
func (s *ProductService) GetManagedProduct(ctx context.Context, id uint) (*models.Product, error) {
	return s.findProduct(ctx, id, false)
}

func (s *ProductService) findProduct(ctx context.Context, id uint, activeOnly bool) (*models.Product, error) {
	query := s.db.WithContext(ctx).Preload("Category")
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}

	var product models.Product
	if err := query.First(&product, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Product %d not found", id)
		}
		return nil, dbError(err)
	}
	return &product, nil
}

func (s *ProductService) ListProducts(ctx context.Context, q ProductQuery) (*utils.PagedList, error) {
	query := s.db.WithContext(ctx).Model(&models.Product{}).Where("is_active = ?", true)

	if term := strings.TrimSpace(q.SearchTerm); term != "" {
		pattern := utils.ContainsPattern(term)
		query = query.Where("name ILIKE ? OR description ILIKE ? OR sku ILIKE ?", pattern, pattern, pattern)
	}
	if q.CategoryID != nil {
		query = query.Where("category_id = ?", *q.CategoryID)
	}
	if q.Brand != "" {
		query = query.Where("brand = ?", q.Brand)
	}
	if q.VehicleModel != "" {
		query = query.Where("vehicle_model = ?", q.VehicleModel)
	}
	if q.MinPrice != nil {
		query = query.Where("price >= ?", *q.MinPrice)
	}
	if q.MaxPrice != nil {
		query = query.Where("price <= ?", *q.MaxPrice)
	}
	if q.InStockOnly {
		query = query.Where("stock_quantity > 0")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, dbError(err)
	}

	var products []models.Product
	query = utils.ApplySort(query, q.PaginationParams, productSortFields, "created_at")
	query = utils.ApplyPagination(query, q.PaginationParams)
	if err := query.Preload("Category").Find(&products).Error; err != nil {
		return nil, dbError(err)
	}

	list := utils.NewPagedList(products, total, q.PaginationParams)
	return &list, nil
}

// GetHotProducts returns the newest n active products.
func (s *ProductService) GetHotProducts(ctx context.Context, n int) ([]models.Product, error) {
	if n < 1 {
		n = 1
	}
	if n > maxHotProducts {
		n = maxHotProducts
	}

	key := fmt.Sprintf(cache.KeyHotProducts, n)
	var products []models.Product
	if s.cache.GetJSON(ctx, key, &products) {
		return products, nil
	}

	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("created_at DESC").Order("id DESC").
		Limit(n).
		Find(&products).Error
	if err != nil {
		return nil, dbError(err)
	}

	if err := s.cache.SetJSON(ctx, key, products, cache.TTLHotProducts); err != nil {
		logrus.WithError(err).Warn("Failed to cache hot products")
	}
	return products, nil
}

func (s *ProductService) GetBrands(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "brand")
}

func (s *ProductService) GetVehicleModels(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "vehicle_model")
}

// column is always one of the two constants above, never user input.
func (s *ProductService) distinct(ctx context.Context, column string) ([]string, error) {
	values := []string{}
	err := s.db.WithContext(ctx).Model(&models.Product{}).
		Where("is_active = ? AND "+column+" <> ''", true).
		Distinct(column).
		Order(column).
		Pluck(column, &values).Error
	if err != nil {
		return nil, dbError(err)
	}
	return values, nil
}

func (s *ProductService) ensureCategory(ctx context.Context, categoryID uint) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Category{}).Where("id = ?", categoryID).Count(&count).Error; err != nil {
		return dbError(err)
	}
	if count == 0 {
		return notFound("Category %d not found", categoryID)
	}
	return nil
}

func validatePrices(price, original *decimal.Decimal) error {
	if price == nil || !price.IsPositive() {
		return newError(ErrValidation, "price must be greater than 0")
	}
	if original != nil && original.IsNegative() {
		return newError(ErrValidation, "original price cannot be negative")
	}
	return nil
}
