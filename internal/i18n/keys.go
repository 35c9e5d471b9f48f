// internal/i18n/keys.go
package i18n

// Translation keys constants
const (
	// Common
	KeySuccess       = "success"
	KeyNotFound      = "common.not_found"
	KeyInternalError = "common.internal_error"
	KeyRateLimited   = "common.rate_limited"
	KeyAccessDenied  = "common.access_denied"

	// Validation
	KeyValidationInvalid = "validation.invalid"
	KeyInvalidID         = "validation.invalid_id"

	// Authentication
	KeyAuthRequired           = "auth.required"
	KeyAuthInvalidToken       = "auth.invalid_token"
	KeyAuthInvalidCredentials = "auth.invalid_credentials"
	KeyAuthUserExists         = "auth.user_exists"
	KeyAuthLoginSuccess       = "auth.login_success"
	KeyAuthRegisterSuccess    = "auth.register_success"

	// Users and roles
	KeyUserUpdated      = "user.updated"
	KeyUserDeleted      = "user.deleted"
	KeyUserRolesUpdated = "user.roles_updated"
	KeyRoleCreated      = "role.created"
	KeyRoleDeleted      = "role.deleted"

	// Catalog
	KeyProductCreated      = "product.created"
	KeyProductUpdated      = "product.updated"
	KeyProductDeleted      = "product.deleted"
	KeyProductStockUpdated = "product.stock_updated"
	KeyCategoryCreated     = "category.created"
	KeyCategoryUpdated     = "category.updated"
	KeyCategoryDeleted     = "category.deleted"

	// Cart
	KeyCartItemAdded   = "cart.item_added"
	KeyCartItemUpdated = "cart.item_updated"
	KeyCartItemRemoved = "cart.item_removed"
	KeyCartCleared     = "cart.cleared"

	// Orders
	KeyOrderCreated       = "order.created"
	KeyOrderCancelled     = "order.cancelled"
	KeyOrderStatusUpdated = "order.status_updated"
	KeyOrderRefunded      = "order.refunded"

	// Payments
	KeyPaymentConfirmed = "payment.confirmed"
	KeyPaymentPending   = "payment.pending"

	// Uploads
	KeyImageUploaded = "image.uploaded"
	KeyImageRequired = "image.required"
	KeyImageDeleted  = "image.deleted"
)
