// internal/models/user.go
package models

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type User struct {
	BaseModel
	Username     string     `json:"username" gorm:"uniqueIndex;size:50;not null"`
	Email        string     `json:"email" gorm:"uniqueIndex;size:255;not null"`
	PasswordHash string     `json:"-" gorm:"size:255;not null"`
	FullName     string     `json:"full_name" gorm:"size:100"`
	PhoneNumber  string     `json:"phone_number" gorm:"size:30;index"`
	CompanyName  string     `json:"company_name" gorm:"size:200"`
	Photo        string     `json:"photo" gorm:"size:500"`
	LastLoginAt  *time.Time `json:"last_login_at"`

	// Relationships
	Roles []Role `json:"roles,omitempty" gorm:"many2many:user_roles"`
}

type Role struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	Name           string    `json:"name" gorm:"uniqueIndex;size:50;not null"`
	NormalizedName string    `json:"normalized_name" gorm:"uniqueIndex;size:50;not null"`
	CreatedAt      time.Time `json:"created_at"`
}

func NewRole(name string) Role {
	return Role{Name: name, NormalizedName: strings.ToUpper(name)}
}

func (u *User) SetPassword(password string) error {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hashedPassword)
	return nil
}

func (u *User) CheckPassword(password string) error {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password))
}

func (u *User) RoleNames() []string {
	names := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		names = append(names, r.Name)
	}
	return names
}

func (u *User) HasRole(name string) bool {
	for _, r := range u.Roles {
		if strings.EqualFold(r.Name, name) {
			return true
		}
	}
	return false
}
