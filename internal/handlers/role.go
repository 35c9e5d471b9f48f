package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/autoparts-backend/internal/i18n"
	"github.com/javajoker/autoparts-backend/internal/services"
	"github.com/javajoker/autoparts-backend/internal/utils"
)

type RoleHandler struct {
	roleService *services.RoleService
}

func NewRoleHandler(roleService *services.RoleService) *RoleHandler {
	return &RoleHandler{roleService: roleService}
}

// GET /api/role
func (h *RoleHandler) ListRoles(c *gin.Context) {
	roles, err := h.roleService.ListRoles(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, roles)
}

// GET /api/role/select
func (h *RoleHandler) SelectRoles(c *gin.Context) {
	options, err := h.roleService.SelectRoles(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, options)
}

// POST /api/role
func (h *RoleHandler) CreateRole(c *gin.Context) {
	var req services.CreateRoleRequest
	if !bindJSON(c, &req) {
		return
	}

	role, err := h.roleService.CreateRole(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.CreatedResponse(c, gin.H{
		"message": message(c, i18n.KeyRoleCreated),
		"role":    role,
	})
}

// DELETE /api/role/:id
func (h *RoleHandler) DeleteRole(c *gin.Context) {
	id, ok := uintParam(c, "id", "role")
	if !ok {
		return
	}

	if err := h.roleService.DeleteRole(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"message": message(c, i18n.KeyRoleDeleted)})
}

// GET /api/user/:id/roles
func (h *RoleHandler) GetUserRoles(c *gin.Context) {
	userID, ok := targetUser(c)
	if !ok {
		return
	}

	roles, err := h.roleService.GetUserRoles(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"roles": roles})
}
