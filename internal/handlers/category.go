package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/autoparts-backend/internal/i18n"
	"github.com/javajoker/autoparts-backend/internal/services"
	"github.com/javajoker/autoparts-backend/internal/utils"
)

type CategoryHandler struct {
	categoryService *services.CategoryService
}

func NewCategoryHandler(categoryService *services.CategoryService) *CategoryHandler {
	return &CategoryHandler{categoryService: categoryService}
}

// GET /category
func (h *CategoryHandler) GetCategories(c *gin.Context) {
	categories, err := h.categoryService.GetCategories(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, categories)
}

// GET /category/:id
func (h *CategoryHandler) GetCategory(c *gin.Context) {
	id, ok := uintParam(c, "id", "category")
	if !ok {
		return
	}

	category, err := h.categoryService.GetCategory(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, category)
}

// GET /category/:id/children
func (h *CategoryHandler) GetSubCategories(c *gin.Context) {
	id, ok := uintParam(c, "id", "category")
	if !ok {
		return
	}

	categories, err := h.categoryService.GetSubCategories(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, categories)
}

// POST /category
func (h *CategoryHandler) CreateCategory(c *gin.Context) {
	var req services.CategoryRequest
	if !bindJSON(c, &req) {
		return
	}

	category, err := h.categoryService.CreateCategory(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.CreatedResponse(c, gin.H{
		"message":  message(c, i18n.KeyCategoryCreated),
		"category": category,
	})
}

// PUT /category/:id
func (h *CategoryHandler) UpdateCategory(c *gin.Context) {
	id, ok := uintParam(c, "id", "category")
	if !ok {
		return
	}

	var req services.CategoryRequest
	if !bindJSON(c, &req) {
		return
	}

	category, err := h.categoryService.UpdateCategory(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{
		"message":  message(c, i18n.KeyCategoryUpdated),
		"category": category,
	})
}

// DELETE /category/:id
func (h *CategoryHandler) DeleteCategory(c *gin.Context) {
	id, ok := uintParam(c, "id", "category")
	if !ok {
		return
	}

	if err := h.categoryService.DeleteCategory(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"message": message(c, i18n.KeyCategoryDeleted)})
}
