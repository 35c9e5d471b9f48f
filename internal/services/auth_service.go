// internal/services/auth_service.go
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/autoparts-backend/internal/config"
	"github.com/javajoker/autoparts-backend/internal/models"
	"github.com/javajoker/autoparts-backend/internal/utils"
)

type AuthService struct {
	db  *gorm.DB
	cfg *config.Config
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RegisterRequest struct {
	Username    string `json:"username" validate:"required,min=3,max=50,username"`
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,strong_password"`
	FullName    string `json:"full_name" validate:"max=100"`
	PhoneNumber string `json:"phone_number" validate:"max=30"`
	CompanyName string `json:"company_name" validate:"max=200"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type AuthResponse struct {
	User         *models.User `json:"user"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int          `json:"expires_in"` // in seconds
}

func NewAuthService(db *gorm.DB, cfg *config.Config) *AuthService {
	return &AuthService{
		db:  db,
		cfg: cfg,
	}
}

func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*AuthResponse, error) {
	db := s.db.WithContext(ctx)
	email := strings.ToLower(strings.TrimSpace(req.Email))

	// Check if user already exists
	var existing models.User
	if err := db.Where("email = ? OR username = ?", email, req.Username).First(&existing).Error; err == nil {
		if existing.Email == email {
			return nil, invalidOperation("User with this email already exists")
		}
		return nil, invalidOperation("Username already taken")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, dbError(err)
	}

	user := &models.User{
		Username:    req.Username,
		Email:       email,
		FullName:    req.FullName,
		PhoneNumber: req.PhoneNumber,
		CompanyName: req.CompanyName,
	}
	if err := user.SetPassword(req.Password); err != nil {
		return nil, err
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		var customer models.Role
		if err := tx.Where("normalized_name = ?", strings.ToUpper(models.RoleCustomer)).First(&customer).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.New("customer role is not seeded")
			}
			return dbError(err)
		}
		user.Roles = []models.Role{customer}

		if err := tx.Create(user).Error; err != nil {
			if isUniqueViolation(err) {
				return invalidOperation("User with this email already exists")
			}
			return dbError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"user_id": user.ID, "email": user.Email}).Info("User registered")
	return s.issueTokens(user)
}

func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error) {
	db := s.db.WithContext(ctx)

	var user models.User
	err := db.Preload("Roles").Where("email = ?", strings.ToLower(strings.TrimSpace(req.Email))).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(ErrUnauthorized, "Invalid email or password")
		}
		return nil, dbError(err)
	}

	if err := user.CheckPassword(req.Password); err != nil {
		return nil, newError(ErrUnauthorized, "Invalid email or password")
	}

	// Update last login time
	now := time.Now()
	user.LastLoginAt = &now
	if err := db.Model(&user).UpdateColumn("last_login_at", now).Error; err != nil {
		logrus.WithError(err).WithField("user_id", user.ID).Warn("Failed to stamp last login")
	}

	return s.issueTokens(&user)
}

func (s *AuthService) RefreshToken(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	userIDStr, err := utils.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, newError(ErrUnauthorized, "Invalid refresh token")
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return nil, newError(ErrUnauthorized, "Invalid refresh token")
	}

	user, err := findUser(s.db.WithContext(ctx), userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newError(ErrUnauthorized, "Account no longer exists")
		}
		return nil, err
	}

	return s.issueTokens(user)
}

func (s *AuthService) GetUserByID(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	return findUser(s.db.WithContext(ctx), userID)
}

func (s *AuthService) issueTokens(user *models.User) (*AuthResponse, error) {
	accessToken, err := utils.GenerateJWT(user.ID, user.Email, user.RoleNames(), s.cfg.JWT.AccessTokenTTL)
	if err != nil {
		return nil, err
	}

	refreshToken, err := utils.GenerateRefreshToken(user.ID, s.cfg.JWT.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}

	return &AuthResponse{
		User:         user,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    s.cfg.JWT.AccessTokenTTL * 3600, // Convert hours to seconds
	}, nil
}
