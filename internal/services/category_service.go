package services

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/autoparts-backend/internal/models"
)

type CategoryService struct {
	db *gorm.DB
}

type CategoryRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=2000"`
	ImageURL    string `json:"image_url" validate:"omitempty,max=500"`
	ParentID    *uint  `json:"parent_id" validate:"omitempty,gt=0"`
	SortOrder   int    `json:"sort_order"`
	IsActive    *bool  `json:"is_active"`
}

func NewCategoryService(db *gorm.DB) *CategoryService {
	return &CategoryService{db: db}
}

// activeChildren preloads only active subcategories in display order.
func activeChildren(db *gorm.DB) *gorm.DB {
	return db.Where("is_active = ?", true).Order("sort_order").Order("name")
}

// GetCategories returns active categories with their active subcategories and
// active product counts.
func (s *CategoryService) GetCategories(ctx context.Context) ([]models.Category, error) {
	var categories []models.Category
	err := s.db.WithContext(ctx).
		Preload("SubCategories", activeChildren).
		Where("is_active = ?", true).
		Order("sort_order").Order("name").
		Find(&categories).Error
	if err != nil {
		return nil, dbError(err)
	}

	if err := s.fillProductCounts(ctx, categories); err != nil {
		return nil, err
	}
	return categories, nil
}

func (s *CategoryService) GetCategory(ctx context.Context, id uint) (*models.Category, error) {
	var category models.Category
	err := s.db.WithContext(ctx).
		Preload("SubCategories", activeChildren).
		Where("is_active = ?", true).
		First(&category, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Category %d not found", id)
		}
		return nil, dbError(err)
	}

	list := []models.Category{category}
	if err := s.fillProductCounts(ctx, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

func (s *CategoryService) GetSubCategories(ctx context.Context, parentID uint) ([]models.Category, error) {
	var categories []models.Category
	err := s.db.WithContext(ctx).
		Where("parent_id = ? AND is_active = ?", parentID, true).
		Order("sort_order").Order("name").
		Find(&categories).Error
	if err != nil {
		return nil, dbError(err)
	}

	if err := s.fillProductCounts(ctx, categories); err != nil {
		return nil, err
	}
	return categories, nil
}

type categoryCount struct {
	CategoryID uint
	Count      int64
}

func (s *CategoryService) fillProductCounts(ctx context.Context, categories []models.Category) error {
	if len(categories) == 0 {
		return nil
	}

	ids := make([]uint, 0, len(categories))
	for _, c := range categories {
		ids = append(ids, c.ID)
	}

	var rows []categoryCount
	err := s.db.WithContext(ctx).Model(&models.Product{}).
		Select("category_id, COUNT(*) AS count").
		Where("category_id IN ? AND is_active = ?", ids, true).
		Group("category_id").
		Scan(&rows).Error
	if err != nil {
		return dbError(err)
	}

	counts := make(map[uint]int64, len(rows))
	for _, r := range rows {
		counts[r.CategoryID] = r.Count
	}
	for i := range categories {
		categories[i].ProductCount = counts[categories[i].ID]
	}
	return nil
}

func (s *CategoryService) CreateCategory(ctx context.Context, req CategoryRequest) (*models.Category, error) {
	db := s.db.WithContext(ctx)

	if err := s.ensureUniqueName(db, req.Name, 0); err != nil {
		return nil, err
	}
	if req.ParentID != nil {
		if err := s.ensureExists(db, *req.ParentID); err != nil {
			return nil, err
		}
	}

	category := &models.Category{
		Name:        req.Name,
		Description: req.Description,
		ImageURL:    req.ImageURL,
		ParentID:    req.ParentID,
		SortOrder:   req.SortOrder,
		IsActive:    true,
	}

	if err := db.Create(category).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, invalidOperation("Category '%s' already exists", req.Name)
		}
		return nil, dbError(err)
	}

	// gorm skips a false bool on insert in favour of the column default
	if req.IsActive != nil && !*req.IsActive {
		if err := db.Model(category).Update("is_active", false).Error; err != nil {
			return nil, dbError(err)
		}
	}

	logrus.WithFields(logrus.Fields{"category_id": category.ID, "name": category.Name}).Info("Category created")
	return category, nil
}

func (s *CategoryService) UpdateCategory(ctx context.Context, id uint, req CategoryRequest) (*models.Category, error) {
	db := s.db.WithContext(ctx)

	var category models.Category
	if err := db.First(&category, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Category %d not found", id)
		}
		return nil, dbError(err)
	}

	if req.Name != category.Name {
		if err := s.ensureUniqueName(db, req.Name, id); err != nil {
			return nil, err
		}
	}

	if req.ParentID != nil {
		if *req.ParentID == id {
			return nil, invalidOperation("A category cannot be its own parent")
		}
		if err := s.ensureExists(db, *req.ParentID); err != nil {
			return nil, err
		}
		cyclic, err := s.isDescendant(db, *req.ParentID, id)
		if err != nil {
			return nil, err
		}
		if cyclic {
			return nil, invalidOperation("A category cannot be moved under one of its subcategories")
		}
	}

	category.Name = req.Name
	category.Description = req.Description
	category.ImageURL = req.ImageURL
	category.ParentID = req.ParentID
	category.SortOrder = req.SortOrder
	if req.IsActive != nil {
		category.IsActive = *req.IsActive
	}

	err := db.Model(&category).
		Select("Name", "Description", "ImageURL", "ParentID", "SortOrder", "IsActive", "UpdatedAt").
		Updates(&category).Error
	if err != nil {
		if isUniqueViolation(err) {
			return nil, invalidOperation("Category '%s' already exists", req.Name)
		}
		return nil, dbError(err)
	}
	return &category, nil
}

// DeleteCategory removes an empty category. Categories that still have
// subcategories or products are kept.
func (s *CategoryService) DeleteCategory(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureExists(tx, id); err != nil {
			return err
		}

		var children int64
		if err := tx.Model(&models.Category{}).Where("parent_id = ?", id).Count(&children).Error; err != nil {
			return dbError(err)
		}
		if children > 0 {
			return invalidOperation("Cannot delete a category that has subcategories")
		}

		var products int64
		if err := tx.Model(&models.Product{}).Where("category_id = ?", id).Count(&products).Error; err != nil {
			return dbError(err)
		}
		if products > 0 {
			return invalidOperation("Cannot delete a category that contains products")
		}

		if err := tx.Delete(&models.Category{}, id).Error; err != nil {
			return dbError(err)
		}

		logrus.WithField("category_id", id).Info("Category deleted")
		return nil
	})
}

func (s *CategoryService) ensureUniqueName(db *gorm.DB, name string, exceptID uint) error {
	var count int64
	if err := db.Model(&models.Category{}).Where("name = ? AND id <> ?", name, exceptID).Count(&count).Error; err != nil {
		return dbError(err)
	}
	if count > 0 {
		return invalidOperation("Category '%s' already exists", name)
	}
	return nil
}

func (s *CategoryService) ensureExists(db *gorm.DB, id uint) error {
	var count int64
	if err := db.Model(&models.Category{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return dbError(err)
	}
	if count == 0 {
		return notFound("Category %d not found", id)
	}
	return nil
}

// isDescendant walks up from candidate and reports whether ancestor is on the
// path to the root.
func (s *CategoryService) isDescendant(db *gorm.DB, candidate, ancestor uint) (bool, error) {
	seen := map[uint]bool{}
	current := &candidate
	for current != nil && !seen[*current] {
		if *current == ancestor {
			return true, nil
		}
		seen[*current] = true

		var c models.Category
		if err := db.Select("id", "parent_id").First(&c, *current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return false, nil
			}
			return false, dbError(err)
		}
		current = c.ParentID
	}
	return false, nil
}
