// internal/models/common.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base model for account data, soft deleted through DeletedAt
type BaseModel struct {
	ID        uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// Model is the base for catalog and order rows. These keep numeric keys and
// are retired with an active flag instead of DeletedAt.
type Model struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JSONB type for PostgreSQL
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Built-in role names
const (
	RoleAdmin    = "Admin"
	RoleCustomer = "Customer"
	RoleVendor   = "Vendor"
)

// BuiltInRoles cannot be deleted through the role API.
var BuiltInRoles = []string{RoleAdmin, RoleCustomer, RoleVendor}

func IsBuiltInRole(name string) bool {
	for _, r := range BuiltInRoles {
		if r == name {
			return true
		}
	}
	return false
}
