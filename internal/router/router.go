// internal/router/router.go
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/javajoker/autoparts-backend/internal/cache"
	"github.com/javajoker/autoparts-backend/internal/config"
	"github.com/javajoker/autoparts-backend/internal/events"
	"github.com/javajoker/autoparts-backend/internal/handlers"
	"github.com/javajoker/autoparts-backend/internal/middleware"
	"github.com/javajoker/autoparts-backend/internal/models"
	"github.com/javajoker/autoparts-backend/internal/services"
	"github.com/javajoker/autoparts-backend/internal/utils"
)

const Version = "1.0.0"

// Services groups everything the HTTP layer calls into.
type Services struct {
	Auth     *services.AuthService
	User     *services.UserService
	Role     *services.RoleService
	Product  *services.ProductService
	Category *services.CategoryService
	Cart     *services.CartService
	Order    *services.OrderService
	Payment  *services.PaymentService
	Storage  *services.StorageService
}

func NewServices(db *gorm.DB, cfg *config.Config, store *cache.Store, publisher events.Publisher) (*Services, error) {
	storageService, err := services.NewStorageService(cfg)
	if err != nil {
		return nil, err
	}

	orderService := services.NewOrderService(db, store, publisher)
	return &Services{
		Auth:     services.NewAuthService(db, cfg),
		User:     services.NewUserService(db),
		Role:     services.NewRoleService(db),
		Product:  services.NewProductService(db, store),
		Category: services.NewCategoryService(db),
		Cart:     services.NewCartService(db, store),
		Order:    orderService,
		Payment:  services.NewPaymentService(cfg.Payment, orderService),
		Storage:  storageService,
	}, nil
}

// Initialize builds the engine. db may be nil, in which case requests are
// not audited.
func Initialize(db *gorm.DB, cfg *config.Config, svc *Services, limits *middleware.Policies) *gin.Engine {
	authHandler := handlers.NewAuthHandler(svc.Auth)
	userHandler := handlers.NewUserHandler(svc.User)
	roleHandler := handlers.NewRoleHandler(svc.Role)
	productHandler := handlers.NewProductHandler(svc.Product)
	categoryHandler := handlers.NewCategoryHandler(svc.Category)
	cartHandler := handlers.NewCartHandler(svc.Cart)
	orderHandler := handlers.NewOrderHandler(svc.Order, svc.Payment)
	imageHandler := handlers.NewImageHandler(svc.Storage)

	// Set JWT signing parameters
	utils.ConfigureJWT(cfg.JWT.SecretKey, cfg.JWT.Issuer, cfg.JWT.Audience)

	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(middleware.Tracing())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(middleware.I18nMiddleware())
	if db != nil {
		r.Use(middleware.AuditLogMiddleware(db))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"version": Version,
		})
	})

	// Local image storage
	if cfg.AWS.AccessKeyID == "" {
		r.Static("/uploads", cfg.Server.UploadDir)
	}

	authRequired := middleware.AuthRequired()
	adminOnly := middleware.AdminRequired()
	catalogWriters := middleware.RoleRequired(models.RoleAdmin, models.RoleVendor)

	v1 := r.Group("/v1")
	{
		auth := v1.Group("/auth")
		auth.Use(limits.Sliding.Middleware())
		{
			auth.POST("/register", authHandler.Register)
			auth.POST("/login", authHandler.Login)
			auth.POST("/refresh", authHandler.RefreshToken)
			auth.GET("/me", authRequired, authHandler.GetProfile)
		}

		categories := v1.Group("/category")
		{
			categories.GET("", categoryHandler.GetCategories)
			categories.GET("/:id", categoryHandler.GetCategory)
			categories.GET("/:id/children", categoryHandler.GetSubCategories)

			admin := categories.Group("", authRequired, adminOnly)
			{
				admin.POST("", categoryHandler.CreateCategory)
				admin.PUT("/:id", categoryHandler.UpdateCategory)
				admin.DELETE("/:id", categoryHandler.DeleteCategory)
			}
		}

		products := v1.Group("/product")
		{
			products.GET("", productHandler.GetProducts)
			products.GET("/hot/:n", productHandler.GetHotProducts)
			products.GET("/brands", productHandler.GetBrands)
			products.GET("/vehicle-models", productHandler.GetVehicleModels)
			products.GET("/:id", middleware.OptionalAuth(), productHandler.GetProduct)

			writers := products.Group("", authRequired, catalogWriters)
			{
				writers.POST("", productHandler.CreateProduct)
				writers.PUT("/:id", productHandler.UpdateProduct)
				writers.DELETE("/:id", productHandler.DeleteProduct)
				writers.PUT("/:id/stock", productHandler.UpdateStock)
				writers.PUT("/:id/sale", productHandler.ToggleSale)
			}
		}

		cart := v1.Group("/cart", authRequired)
		{
			cart.GET("", cartHandler.GetCart)
			cart.GET("/count", cartHandler.GetCount)
			cart.POST("/items", cartHandler.AddItem)
			cart.PUT("/items/:itemId", cartHandler.UpdateItem)
			cart.DELETE("/items/:itemId", cartHandler.RemoveItem)
			cart.DELETE("", cartHandler.Clear)
		}

		orders := v1.Group("/orders", authRequired)
		{
			orders.POST("", limits.Token.Middleware(), orderHandler.CreateOrder)
			orders.POST("/checkout", limits.Concurrency.Middleware(), orderHandler.Checkout)
			orders.GET("/mine", orderHandler.GetMyOrders)
			orders.GET("/number/:number", orderHandler.GetOrderByNumber)
			orders.GET("/:id", orderHandler.GetOrder)
			orders.GET("/:id/status", orderHandler.GetOrderStatus)
			orders.POST("/:id/cancel", orderHandler.CancelOrder)
			orders.POST("/:id/payment-intent", orderHandler.CreatePaymentIntent)
			orders.POST("/:id/confirm-payment", orderHandler.ConfirmPayment)
		}

		adminOrders := v1.Group("/admin/orders", authRequired, adminOnly)
		{
			adminOrders.GET("", orderHandler.ListOrders)
			adminOrders.GET("/statistics", orderHandler.GetStatistics)
			adminOrders.PUT("/:id/status", orderHandler.UpdateOrderStatus)
			adminOrders.POST("/:id/refund", orderHandler.RefundOrder)
		}

		api := v1.Group("/api", limits.Fixed.Middleware(), authRequired)
		{
			users := api.Group("/user")
			{
				users.GET("", adminOnly, userHandler.ListUsers)
				// :id also accepts @me for the caller's own account
				users.GET("/:id", userHandler.GetUser)
				users.PUT("/:id", userHandler.UpdateUser)
				users.DELETE("/:id", userHandler.DeleteUser)
				users.GET("/:id/roles", roleHandler.GetUserRoles)
				users.PUT("/:id/roles", adminOnly, userHandler.SetRoles)
			}

			roles := api.Group("/role")
			{
				roles.GET("", adminOnly, roleHandler.ListRoles)
				roles.GET("/select", roleHandler.SelectRoles)
				roles.POST("", adminOnly, roleHandler.CreateRole)
				roles.DELETE("/:id", adminOnly, roleHandler.DeleteRole)
			}

			api.POST("/image", limits.Upload.Middleware(), imageHandler.Upload)
			api.DELETE("/image", adminOnly, imageHandler.Delete)
		}
	}

	return r
}
