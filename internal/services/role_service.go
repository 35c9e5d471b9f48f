package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/autoparts-backend/internal/models"
)

type RoleService struct {
	db *gorm.DB
}

type CreateRoleRequest struct {
	Name string `json:"name" validate:"required,min=2,max=50"`
}

// RoleOption is the shape used by role pickers.
type RoleOption struct {
	Value uint   `json:"value"`
	Label string `json:"label"`
}

func NewRoleService(db *gorm.DB) *RoleService {
	return &RoleService{db: db}
}

func (s *RoleService) ListRoles(ctx context.Context) ([]models.Role, error) {
	var roles []models.Role
	if err := s.db.WithContext(ctx).Order("name").Find(&roles).Error; err != nil {
		return nil, dbError(err)
	}
	return roles, nil
}

func (s *RoleService) SelectRoles(ctx context.Context) ([]RoleOption, error) {
	roles, err := s.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	options := make([]RoleOption, 0, len(roles))
	for _, r := range roles {
		options = append(options, RoleOption{Value: r.ID, Label: r.Name})
	}
	return options, nil
}

func (s *RoleService) CreateRole(ctx context.Context, req CreateRoleRequest) (*models.Role, error) {
	name := strings.TrimSpace(req.Name)
	if len(name) < 2 || len(name) > 50 {
		return nil, newError(ErrValidation, "role name must be between 2 and 50 characters")
	}

	db := s.db.WithContext(ctx)
	role := models.NewRole(name)

	var count int64
	if err := db.Model(&models.Role{}).Where("normalized_name = ?", role.NormalizedName).Count(&count).Error; err != nil {
		return nil, dbError(err)
	}
	if count > 0 {
		return nil, invalidOperation("Role '%s' already exists", name)
	}

	if err := db.Create(&role).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, invalidOperation("Role '%s' already exists", name)
		}
		return nil, dbError(err)
	}

	logrus.WithField("role", role.Name).Info("Role created")
	return &role, nil
}

// DeleteRole removes a custom role and its user assignments.
func (s *RoleService) DeleteRole(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var role models.Role
		if err := tx.First(&role, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("Role %d not found", id)
			}
			return dbError(err)
		}

		if models.IsBuiltInRole(role.Name) {
			return invalidOperation("Built-in role '%s' cannot be deleted", role.Name)
		}

		if err := tx.Exec("DELETE FROM user_roles WHERE role_id = ?", id).Error; err != nil {
			return dbError(err)
		}
		if err := tx.Delete(&role).Error; err != nil {
			return dbError(err)
		}

		logrus.WithField("role", role.Name).Info("Role deleted")
		return nil
	})
}

func (s *RoleService) GetUserRoles(ctx context.Context, userID uuid.UUID) ([]string, error) {
	user, err := findUser(s.db.WithContext(ctx), userID)
	if err != nil {
		return nil, err
	}
	return user.RoleNames(), nil
}
