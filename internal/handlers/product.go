// internal/handlers/product.go
package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/javajoker/autoparts-backend/internal/i18n"
	"github.com/javajoker/autoparts-backend/internal/models"
	"github.com/javajoker/autoparts-backend/internal/services"
	"github.com/javajoker/autoparts-backend/internal/utils"
)

type ProductHandler struct {
	productService *services.ProductService
}

type UpdateStockRequest struct {
	StockQuantity *int `json:"stock_quantity" validate:"required,gte=0"`
}

type SaleStatusRequest struct {
	OnSale *bool `json:"on_sale" validate:"required"`
}

func NewProductHandler(productService *services.ProductService) *ProductHandler {
	return &ProductHandler{productService: productService}
}

// GET /product
func (h *ProductHandler) GetProducts(c *gin.Context) {
	query := services.ProductQuery{
		PaginationParams: utils.GetPaginationParams(c, utils.DefaultPageSize),
		SearchTerm:       c.Query("search"),
		Brand:            c.Query("brand"),
		VehicleModel:     c.Query("vehicle_model"),
	}

	if v := c.Query("category_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			utils.BadRequestResponse(c, i18n.T(utils.GetLangFromContext(c), i18n.KeyInvalidID, "category"), nil)
			return
		}
		categoryID := uint(id)
		query.CategoryID = &categoryID
	}
	if v := c.Query("min_price"); v != "" {
		if price, err := decimal.NewFromString(v); err == nil {
			query.MinPrice = &price
		}
	}
	if v := c.Query("max_price"); v != "" {
		if price, err := decimal.NewFromString(v); err == nil {
			query.MaxPrice = &price
		}
	}
	if v := c.Query("in_stock"); v != "" {
		query.InStockOnly, _ = strconv.ParseBool(v)
	}

	list, err := h.productService.ListProducts(c.Request.Context(), query)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.PagedResponse(c, *list)
}

// GET /product/:id
// Admins and vendors also see products taken off sale.
func (h *ProductHandler) GetProduct(c *gin.Context) {
	id, ok := uintParam(c, "id", "product")
	if !ok {
		return
	}

	get := h.productService.GetProduct
	if utils.HasAnyRole(c, models.RoleAdmin, models.RoleVendor) {
		get = h.productService.GetManagedProduct
	}

	product, err := get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, product)
}

// GET /product/hot/:n
func (h *ProductHandler) GetHotProducts(c *gin.Context) {
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil {
		utils.BadRequestResponse(c, i18n.T(utils.GetLangFromContext(c), i18n.KeyValidationInvalid, "count"), nil)
		return
	}

	products, err := h.productService.GetHotProducts(c.Request.Context(), n)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, products)
}

// GET /product/brands
func (h *ProductHandler) GetBrands(c *gin.Context) {
	brands, err := h.productService.GetBrands(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, brands)
}

// GET /product/vehicle-models
func (h *ProductHandler) GetVehicleModels(c *gin.Context) {
	vehicleModels, err := h.productService.GetVehicleModels(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, vehicleModels)
}

// POST /product
func (h *ProductHandler) CreateProduct(c *gin.Context) {
	var req services.CreateProductRequest
	if !bindJSON(c, &req) {
		return
	}

	product, err := h.productService.CreateProduct(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.CreatedResponse(c, gin.H{
		"message": message(c, i18n.KeyProductCreated),
		"product": product,
	})
}

// PUT /product/:id
func (h *ProductHandler) UpdateProduct(c *gin.Context) {
	id, ok := uintParam(c, "id", "product")
	if !ok {
		return
	}

	var req services.UpdateProductRequest
	if !bindJSON(c, &req) {
		return
	}

	product, err := h.productService.UpdateProduct(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": message(c, i18n.KeyProductUpdated),
		"product": product,
	})
}

// DELETE /product/:id
func (h *ProductHandler) DeleteProduct(c *gin.Context) {
	id, ok := uintParam(c, "id", "product")
	if !ok {
		return
	}

	if err := h.productService.DeleteProduct(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"message": message(c, i18n.KeyProductDeleted)})
}

// PUT /product/:id/stock
func (h *ProductHandler) UpdateStock(c *gin.Context) {
	id, ok := uintParam(c, "id", "product")
	if !ok {
		return
	}

	var req UpdateStockRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.productService.UpdateProductStock(c.Request.Context(), id, *req.StockQuantity); err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"message": message(c, i18n.KeyProductStockUpdated)})
}

// PUT /product/:id/sale
func (h *ProductHandler) ToggleSale(c *gin.Context) {
	id, ok := uintParam(c, "id", "product")
	if !ok {
		return
	}

	var req SaleStatusRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.productService.ToggleSaleStatus(c.Request.Context(), id, *req.OnSale); err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"message": message(c, i18n.KeyProductUpdated)})
}
