package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ShoppingCart struct {
	Model
	UserID uuid.UUID `json:"user_id" gorm:"type:uuid;uniqueIndex;not null"`

	// Relationships
	CartItems []CartItem `json:"items" gorm:"foreignKey:CartID;constraint:OnDelete:CASCADE"`
}

type CartItem struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CartID    uint      `json:"cart_id" gorm:"not null;uniqueIndex:idx_cart_product"`
	ProductID uint      `json:"product_id" gorm:"not null;uniqueIndex:idx_cart_product"`
	Quantity  int       `json:"quantity" gorm:"not null;check:quantity >= 1"`
	AddedAt   time.Time `json:"added_at" gorm:"autoCreateTime"`

	// Relationships
	Product *Product `json:"product,omitempty" gorm:"foreignKey:ProductID"`
}

// TotalItems is the sum of line quantities.
func (c *ShoppingCart) TotalItems() int {
	total := 0
	for _, item := range c.CartItems {
		total += item.Quantity
	}
	return total
}

// TotalPrice prices every line at the product's current price.
func (c *ShoppingCart) TotalPrice() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.CartItems {
		if item.Product == nil {
			continue
		}
		total = total.Add(item.Product.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

func (c *ShoppingCart) FindItem(itemID uint) *CartItem {
	for i := range c.CartItems {
		if c.CartItems[i].ID == itemID {
			return &c.CartItems[i]
		}
	}
	return nil
}

func (c *ShoppingCart) FindProduct(productID uint) *CartItem {
	for i := range c.CartItems {
		if c.CartItems[i].ProductID == productID {
			return &c.CartItems[i]
		}
	}
	return nil
}
