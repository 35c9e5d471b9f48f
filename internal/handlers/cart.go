package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/autoparts-backend/internal/i18n"
	"github.com/javajoker/autoparts-backend/internal/services"
	"github.com/javajoker/autoparts-backend/internal/utils"
)

type CartHandler struct {
	cartService *services.CartService
}

func NewCartHandler(cartService *services.CartService) *CartHandler {
	return &CartHandler{cartService: cartService}
}

// GET /cart
func (h *CartHandler) GetCart(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	cart, err := h.cartService.GetCart(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, cart)
}

// GET /cart/count
func (h *CartHandler) GetCount(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	count, err := h.cartService.GetCartItemCount(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"count": count})
}

// POST /cart/items
func (h *CartHandler) AddItem(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req services.AddToCartRequest
	if !bindJSON(c, &req) {
		return
	}

	cart, err := h.cartService.AddToCart(c.Request.Context(), userID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{
		"message": message(c, i18n.KeyCartItemAdded),
		"cart":    cart,
	})
}

// PUT /cart/items/:itemId
func (h *CartHandler) UpdateItem(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	itemID, ok := uintParam(c, "itemId", "cart item")
	if !ok {
		return
	}

	var req services.UpdateCartItemRequest
	if !bindJSON(c, &req) {
		return
	}

	cart, err := h.cartService.UpdateCartItem(c.Request.Context(), userID, itemID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{
		"message": message(c, i18n.KeyCartItemUpdated),
		"cart":    cart,
	})
}

// DELETE /cart/items/:itemId
func (h *CartHandler) RemoveItem(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	itemID, ok := uintParam(c, "itemId", "cart item")
	if !ok {
		return
	}

	cart, err := h.cartService.RemoveFromCart(c.Request.Context(), userID, itemID)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{
		"message": message(c, i18n.KeyCartItemRemoved),
		"cart":    cart,
	})
}

// DELETE /cart
func (h *CartHandler) Clear(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	if err := h.cartService.ClearCart(c.Request.Context(), userID); err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"message": message(c, i18n.KeyCartCleared)})
}
