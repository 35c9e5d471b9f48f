package database

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/javajoker/autoparts-backend/internal/config"
	"github.com/javajoker/autoparts-backend/internal/models"
)

//go:embed seed.yaml
var seedYAML []byte

type SeedData struct {
	SeededAt   time.Time      `yaml:"seeded_at"`
	Roles      []string       `yaml:"roles"`
	Categories []SeedCategory `yaml:"categories"`
	Products   []SeedProduct  `yaml:"products"`
}

type SeedCategory struct {
	ID          uint   `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	SortOrder   int    `yaml:"sort_order"`
}

type SeedProduct struct {
	ID            uint   `yaml:"id"`
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	SKU           string `yaml:"sku"`
	Price         string `yaml:"price"`
	OriginalPrice string `yaml:"original_price"`
	StockQuantity int    `yaml:"stock_quantity"`
	CategoryID    uint   `yaml:"category_id"`
	Brand         string `yaml:"brand"`
	VehicleModel  string `yaml:"vehicle_model"`
	YearRange     string `yaml:"year_range"`
}

// LoadSeedData parses the seed catalog compiled into the binary.
func LoadSeedData() (*SeedData, error) {
	var data SeedData
	if err := yaml.Unmarshal(seedYAML, &data); err != nil {
		return nil, fmt.Errorf("failed to parse seed data: %w", err)
	}
	return &data, nil
}

func (p SeedProduct) ToModel(at time.Time) (models.Product, error) {
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return models.Product{}, fmt.Errorf("product %s: invalid price: %w", p.SKU, err)
	}

	product := models.Product{
		Model:         models.Model{ID: p.ID, CreatedAt: at, UpdatedAt: at},
		Name:          p.Name,
		Description:   p.Description,
		SKU:           p.SKU,
		Price:         price,
		StockQuantity: p.StockQuantity,
		CategoryID:    p.CategoryID,
		Brand:         p.Brand,
		VehicleModel:  p.VehicleModel,
		YearRange:     p.YearRange,
		IsActive:      true,
	}

	if p.OriginalPrice != "" {
		original, err := decimal.NewFromString(p.OriginalPrice)
		if err != nil {
			return models.Product{}, fmt.Errorf("product %s: invalid original price: %w", p.SKU, err)
		}
		product.OriginalPrice = decimal.NewNullDecimal(original)
	}

	return product, nil
}

// Seed initial data
func SeedInitialData(db *gorm.DB, cfg config.SeedConfig) error {
	logrus.Info("Seeding initial data...")

	data, err := LoadSeedData()
	if err != nil {
		return err
	}

	err = WithTransaction(db, func(tx *gorm.DB) error {
		for _, name := range data.Roles {
			role := models.NewRole(name)
			if err := tx.Where("name = ?", name).FirstOrCreate(&role).Error; err != nil {
				return fmt.Errorf("failed to seed role %s: %w", name, err)
			}
		}

		if err := seedCatalog(tx, data); err != nil {
			return err
		}

		return seedAdmin(tx, cfg)
	})
	if err != nil {
		return err
	}

	logrus.Info("Initial data seeding completed")
	return nil
}

func seedCatalog(tx *gorm.DB, data *SeedData) error {
	var categoryCount int64
	if err := tx.Model(&models.Category{}).Count(&categoryCount).Error; err != nil {
		return err
	}

	if categoryCount == 0 {
		for _, c := range data.Categories {
			category := models.Category{
				Model:       models.Model{ID: c.ID, CreatedAt: data.SeededAt, UpdatedAt: data.SeededAt},
				Name:        c.Name,
				Description: c.Description,
				SortOrder:   c.SortOrder,
				IsActive:    true,
			}
			if err := tx.Create(&category).Error; err != nil {
				return fmt.Errorf("failed to seed category %s: %w", c.Name, err)
			}
		}
		if err := resetSequence(tx, "categories"); err != nil {
			return err
		}
	}

	var productCount int64
	if err := tx.Model(&models.Product{}).Count(&productCount).Error; err != nil {
		return err
	}

	if productCount == 0 {
		for _, p := range data.Products {
			product, err := p.ToModel(data.SeededAt)
			if err != nil {
				return err
			}
			if err := tx.Create(&product).Error; err != nil {
				return fmt.Errorf("failed to seed product %s: %w", p.SKU, err)
			}
		}
		if err := resetSequence(tx, "products"); err != nil {
			return err
		}
	}

	return nil
}

// Rows seeded with explicit ids leave the serial sequence behind; move it past
// the highest id so later inserts do not collide.
func resetSequence(tx *gorm.DB, table string) error {
	stmt := fmt.Sprintf(
		"SELECT setval(pg_get_serial_sequence('%s', 'id'), COALESCE((SELECT MAX(id) FROM %s), 1))",
		table, table,
	)
	if err := tx.Exec(stmt).Error; err != nil {
		return fmt.Errorf("failed to reset %s sequence: %w", table, err)
	}
	return nil
}

func seedAdmin(tx *gorm.DB, cfg config.SeedConfig) error {
	var adminCount int64
	err := tx.Table("user_roles").
		Joins("JOIN roles ON roles.id = user_roles.role_id").
		Where("roles.name = ?", models.RoleAdmin).
		Count(&adminCount).Error
	if err != nil {
		return fmt.Errorf("failed to count admins: %w", err)
	}
	if adminCount > 0 {
		return nil
	}

	var adminRole models.Role
	if err := tx.Where("name = ?", models.RoleAdmin).First(&adminRole).Error; err != nil {
		return fmt.Errorf("failed to load admin role: %w", err)
	}

	admin := &models.User{
		Username: strings.Split(cfg.AdminEmail, "@")[0],
		Email:    cfg.AdminEmail,
		FullName: "System Administrator",
		Roles:    []models.Role{adminRole},
	}
	if err := admin.SetPassword(cfg.AdminPassword); err != nil {
		return fmt.Errorf("failed to set admin password: %w", err)
	}

	if err := tx.Create(admin).Error; err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	logrus.WithField("email", admin.Email).Info("Default admin user created")
	return nil
}
