// internal/services/user_service.go
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/autoparts-backend/internal/models"
	"github.com/javajoker/autoparts-backend/internal/utils"
)

type UserService struct {
	db *gorm.DB
}

type UpdateUserRequest struct {
	Username    *string `json:"username" validate:"omitempty,min=3,max=50,username"`
	FullName    *string `json:"full_name" validate:"omitempty,max=100"`
	PhoneNumber *string `json:"phone_number" validate:"omitempty,max=30"`
	CompanyName *string `json:"company_name" validate:"omitempty,max=200"`
	Photo       *string `json:"photo" validate:"omitempty,max=500"`
}

type SetUserRolesRequest struct {
	Roles []string `json:"roles" validate:"required,dive,min=2,max=50"`
}

type UserQuery struct {
	utils.PaginationParams
	Keyword   string
	Phone     string
	Role      string
	StartDate *time.Time
	EndDate   *time.Time
}

var userSortFields = map[string]string{
	"email":   "users.email",
	"name":    "users.full_name",
	"created": "users.created_at",
}

func NewUserService(db *gorm.DB) *UserService {
	return &UserService{db: db}
}

func (s *UserService) ListUsers(ctx context.Context, q UserQuery) (*utils.PagedList, error) {
	query := s.db.WithContext(ctx).Model(&models.User{})

	if kw := strings.TrimSpace(q.Keyword); kw != "" {
		pattern := utils.ContainsPattern(kw)
		query = query.Where(
			"users.email ILIKE ? OR users.username ILIKE ? OR users.full_name ILIKE ? OR users.company_name ILIKE ?",
			pattern, pattern, pattern, pattern)
	}
	if q.Phone != "" {
		query = query.Where("users.phone_number LIKE ?", utils.ContainsPattern(q.Phone))
	}
	if q.StartDate != nil {
		query = query.Where("users.created_at >= ?", *q.StartDate)
	}
	if q.EndDate != nil {
		query = query.Where("users.created_at <= ?", *q.EndDate)
	}
	if q.Role != "" {
		query = query.Where(
			"EXISTS (SELECT 1 FROM user_roles ur JOIN roles r ON r.id = ur.role_id WHERE ur.user_id = users.id AND r.normalized_name = ?)",
			strings.ToUpper(q.Role))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, dbError(err)
	}

	var users []models.User
	query = utils.ApplySort(query, q.PaginationParams, userSortFields, "users.created_at")
	query = utils.ApplyPagination(query, q.PaginationParams)
	if err := query.Preload("Roles").Find(&users).Error; err != nil {
		return nil, dbError(err)
	}

	list := utils.NewPagedList(users, total, q.PaginationParams)
	return &list, nil
}

func (s *UserService) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return findUser(s.db.WithContext(ctx), id)
}

func findUser(db *gorm.DB, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := db.Preload("Roles").First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("User %s not found", id)
		}
		return nil, dbError(err)
	}
	return &user, nil
}

func (s *UserService) UpdateUser(ctx context.Context, id uuid.UUID, req UpdateUserRequest) (*models.User, error) {
	db := s.db.WithContext(ctx)
	user, err := findUser(db, id)
	if err != nil {
		return nil, err
	}

	if req.Username != nil && *req.Username != user.Username {
		var count int64
		if err := db.Model(&models.User{}).Where("username = ? AND id <> ?", *req.Username, id).Count(&count).Error; err != nil {
			return nil, dbError(err)
		}
		if count > 0 {
			return nil, invalidOperation("Username '%s' is already taken", *req.Username)
		}
		user.Username = *req.Username
	}
	if req.FullName != nil {
		user.FullName = *req.FullName
	}
	if req.PhoneNumber != nil {
		user.PhoneNumber = *req.PhoneNumber
	}
	if req.CompanyName != nil {
		user.CompanyName = *req.CompanyName
	}
	if req.Photo != nil {
		user.Photo = *req.Photo
	}

	err = db.Model(user).
		Select("Username", "FullName", "PhoneNumber", "CompanyName", "Photo", "UpdatedAt").
		Updates(user).Error
	if err != nil {
		if isUniqueViolation(err) {
			return nil, invalidOperation("Username '%s' is already taken", user.Username)
		}
		return nil, dbError(err)
	}
	return user, nil
}

// DeleteUser soft deletes the account. The last remaining Admin is kept.
func (s *UserService) DeleteUser(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := findUser(tx, id)
		if err != nil {
			return err
		}

		if user.HasRole(models.RoleAdmin) {
			if err := ensureOtherAdmin(tx, id, "The last Admin cannot be deleted."); err != nil {
				return err
			}
		}

		if err := tx.Model(user).Association("Roles").Clear(); err != nil {
			return dbError(err)
		}
		if err := tx.Delete(user).Error; err != nil {
			return dbError(err)
		}

		logrus.WithField("user_id", id).Info("User deleted")
		return nil
	})
}

// SetUserRoles replaces the user's role set with roles.
func (s *UserService) SetUserRoles(ctx context.Context, id uuid.UUID, roles []string) (*models.User, error) {
	var result *models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := findUser(tx, id)
		if err != nil {
			return err
		}

		wanted, err := resolveRoles(tx, roles)
		if err != nil {
			return err
		}

		toAdd, toRemove := diffRoles(user.Roles, wanted)
		for _, r := range toRemove {
			if strings.EqualFold(r.Name, models.RoleAdmin) {
				if err := ensureOtherAdmin(tx, id, "The last Admin cannot be removed from the Admin role."); err != nil {
					return err
				}
			}
		}

		if len(toRemove) > 0 {
			if err := tx.Model(user).Association("Roles").Delete(toRemove); err != nil {
				return dbError(err)
			}
		}
		if len(toAdd) > 0 {
			if err := tx.Model(user).Association("Roles").Append(toAdd); err != nil {
				return dbError(err)
			}
		}

		result, err = findUser(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"user_id": id, "roles": result.RoleNames()}).Info("User roles updated")
	return result, nil
}

func resolveRoles(tx *gorm.DB, names []string) ([]models.Role, error) {
	normalized := make([]string, 0, len(names))
	seen := map[string]bool{}
	for _, n := range names {
		key := strings.ToUpper(strings.TrimSpace(n))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		normalized = append(normalized, key)
	}
	if len(normalized) == 0 {
		return []models.Role{}, nil
	}

	var roles []models.Role
	if err := tx.Where("normalized_name IN ?", normalized).Find(&roles).Error; err != nil {
		return nil, dbError(err)
	}
	if len(roles) != len(normalized) {
		found := map[string]bool{}
		for _, r := range roles {
			found[r.NormalizedName] = true
		}
		for _, n := range normalized {
			if !found[n] {
				return nil, notFound("Role '%s' not found", n)
			}
		}
	}
	return roles, nil
}

func diffRoles(current, wanted []models.Role) (toAdd, toRemove []models.Role) {
	have := make(map[uint]bool, len(current))
	for _, r := range current {
		have[r.ID] = true
	}
	want := make(map[uint]bool, len(wanted))
	for _, r := range wanted {
		want[r.ID] = true
		if !have[r.ID] {
			toAdd = append(toAdd, r)
		}
	}
	for _, r := range current {
		if !want[r.ID] {
			toRemove = append(toRemove, r)
		}
	}
	return toAdd, toRemove
}

// ensureOtherAdmin locks the Admin role row so that concurrent demotions
// serialize, then checks that some Admin other than userID remains.
func ensureOtherAdmin(tx *gorm.DB, userID uuid.UUID, message string) error {
	var admin models.Role
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("normalized_name = ?", strings.ToUpper(models.RoleAdmin)).
		First(&admin).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return dbError(err)
	}

	var others int64
	err = tx.Table("user_roles").
		Joins("JOIN users ON users.id = user_roles.user_id AND users.deleted_at IS NULL").
		Where("user_roles.role_id = ? AND user_roles.user_id <> ?", admin.ID, userID).
		Count(&others).Error
	if err != nil {
		return dbError(err)
	}
	if others == 0 {
		return invalidOperation("%s", message)
	}
	return nil
}
