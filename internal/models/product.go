// internal/models/product.go
package models

import (
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type Product struct {
	Model
	Name          string              `json:"name" gorm:"size:200;not null;index"`
	Description   string              `json:"description" gorm:"type:text"`
	SKU           string              `json:"sku" gorm:"uniqueIndex;size:50;not null"`
	Price         decimal.Decimal     `json:"price" gorm:"type:decimal(18,2);not null"`
	OriginalPrice decimal.NullDecimal `json:"original_price" gorm:"type:decimal(18,2)"`
	StockQuantity int                 `json:"stock_quantity" gorm:"not null;default:0;check:stock_quantity >= 0"`
	CategoryID    uint                `json:"category_id" gorm:"not null;index"`
	Brand         string              `json:"brand" gorm:"size:100;index"`
	VehicleModel  string              `json:"vehicle_model" gorm:"size:100;index"`
	YearRange     string              `json:"year_range" gorm:"size:50"`
	ImageURL      string              `json:"image_url" gorm:"size:500"`
	Images        pq.StringArray      `json:"images" gorm:"type:text[]"`
	IsActive      bool                `json:"is_active" gorm:"not null;default:true;index"`

	// Relationships
	Category *Category `json:"category,omitempty" gorm:"foreignKey:CategoryID"`
}

// InStock reports whether at least qty units are available.
func (p *Product) InStock(qty int) bool {
	return p.StockQuantity >= qty
}

type Category struct {
	Model
	Name        string `json:"name" gorm:"uniqueIndex;size:100;not null"`
	Description string `json:"description" gorm:"type:text"`
	ImageURL    string `json:"image_url" gorm:"size:500"`
	ParentID    *uint  `json:"parent_id" gorm:"index"`
	SortOrder   int    `json:"sort_order" gorm:"not null;default:0"`
	IsActive    bool   `json:"is_active" gorm:"not null;default:true"`

	// Relationships
	SubCategories []Category `json:"sub_categories,omitempty" gorm:"foreignKey:ParentID"`
	Products      []Product  `json:"-" gorm:"foreignKey:CategoryID"`

	ProductCount int64 `json:"product_count" gorm:"-"`
}
