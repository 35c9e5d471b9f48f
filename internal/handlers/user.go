// internal/handlers/user.go
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/autoparts-backend/internal/i18n"
	"github.com/javajoker/autoparts-backend/internal/services"
	"github.com/javajoker/autoparts-backend/internal/utils"
)

// selfAlias addresses the authenticated user in /user/:id routes.
const selfAlias = "@me"

type UserHandler struct {
	userService *services.UserService
}

func NewUserHandler(userService *services.UserService) *UserHandler {
	return &UserHandler{
		userService: userService,
	}
}

// GET /api/user
func (h *UserHandler) ListUsers(c *gin.Context) {
	query := services.UserQuery{
		PaginationParams: utils.GetPaginationParams(c, utils.DefaultPageSize),
		Keyword:          c.Query("keyword"),
		Phone:            c.Query("phone"),
		Role:             c.Query("role"),
	}

	var ok bool
	if query.StartDate, ok = dateQuery(c, "start_date", false); !ok {
		return
	}
	if query.EndDate, ok = dateQuery(c, "end_date", true); !ok {
		return
	}

	list, err := h.userService.ListUsers(c.Request.Context(), query)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.PagedResponse(c, *list)
}

// GET /api/user/:id
func (h *UserHandler) GetUser(c *gin.Context) {
	userID, ok := targetUser(c)
	if !ok {
		return
	}

	user, err := h.userService.GetUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, user)
}

// PUT /api/user/:id
func (h *UserHandler) UpdateUser(c *gin.Context) {
	userID, ok := targetUser(c)
	if !ok {
		return
	}

	var req services.UpdateUserRequest
	if !bindJSON(c, &req) {
		return
	}

	user, err := h.userService.UpdateUser(c.Request.Context(), userID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{
		"message": message(c, i18n.KeyUserUpdated),
		"user":    user,
	})
}

// DELETE /api/user/:id
func (h *UserHandler) DeleteUser(c *gin.Context) {
	userID, ok := targetUser(c)
	if !ok {
		return
	}

	if err := h.userService.DeleteUser(c.Request.Context(), userID); err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"message": message(c, i18n.KeyUserDeleted)})
}

// PUT /api/user/:id/roles
func (h *UserHandler) SetRoles(c *gin.Context) {
	userID, ok := targetUser(c)
	if !ok {
		return
	}

	var req services.SetUserRolesRequest
	if !bindJSON(c, &req) {
		return
	}

	user, err := h.userService.SetUserRoles(c.Request.Context(), userID, req.Roles)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{
		"message": message(c, i18n.KeyUserRolesUpdated),
		"user":    user,
	})
}

// targetUser resolves :id, accepting @me, and allows only the user
// themselves or an Admin.
func targetUser(c *gin.Context) (uuid.UUID, bool) {
	callerID, ok := currentUser(c)
	if !ok {
		return uuid.Nil, false
	}

	if c.Param("id") == selfAlias {
		return callerID, true
	}

	userID, ok := uuidParam(c, "id", "user")
	if !ok {
		return uuid.Nil, false
	}
	if userID != callerID && !isAdmin(c) {
		utils.ForbiddenResponse(c, "")
		return uuid.Nil, false
	}
	return userID, true
}
