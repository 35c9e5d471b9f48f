package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/autoparts-backend/internal/i18n"
	"github.com/javajoker/autoparts-backend/internal/models"
	"github.com/javajoker/autoparts-backend/internal/services"
	"github.com/javajoker/autoparts-backend/internal/utils"
)

// respondError maps a service error onto the response envelope. Unknown
// errors are logged and hidden behind a generic 500.
func respondError(c *gin.Context, err error) {
	var svcErr *services.ServiceError
	message := err.Error()
	if errors.As(err, &svcErr) {
		message = svcErr.Message
	}

	switch {
	case errors.Is(err, services.ErrNotFound):
		utils.NotFoundResponse(c, message)
	case errors.Is(err, services.ErrInvalidOperation):
		utils.InvalidOperationResponse(c, message)
	case errors.Is(err, services.ErrValidation):
		utils.BadRequestResponse(c, message, nil)
	case errors.Is(err, services.ErrForbidden):
		utils.ForbiddenResponse(c, message)
	case errors.Is(err, services.ErrUnauthorized):
		utils.UnauthorizedResponse(c, message)
	case errors.Is(err, services.ErrPaymentsDisabled):
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", message, nil)
	default:
		logrus.WithError(err).WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		}).Error("Request failed")
		utils.InternalErrorResponse(c, "")
	}
}

// bindJSON decodes and validates the body, writing the 400 itself on failure.
func bindJSON(c *gin.Context, req interface{}) bool {
	lang := utils.GetLangFromContext(c)
	if err := c.ShouldBindJSON(req); err != nil {
		utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyValidationInvalid, "input"), err.Error())
		return false
	}
	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return false
	}
	return true
}

func uintParam(c *gin.Context, name, resource string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		utils.BadRequestResponse(c, i18n.T(utils.GetLangFromContext(c), i18n.KeyInvalidID, resource), nil)
		return 0, false
	}
	return uint(id), true
}

func uuidParam(c *gin.Context, name, resource string) (uuid.UUID, bool) {
	return parseUUID(c, c.Param(name), resource)
}

func parseUUID(c *gin.Context, value, resource string) (uuid.UUID, bool) {
	id, err := uuid.Parse(value)
	if err != nil {
		utils.BadRequestResponse(c, i18n.T(utils.GetLangFromContext(c), i18n.KeyInvalidID, resource), nil)
		return uuid.Nil, false
	}
	return id, true
}

// currentUser returns the authenticated user id or writes a 401.
func currentUser(c *gin.Context) (uuid.UUID, bool) {
	id, ok := utils.GetUserIDFromContext(c)
	if !ok {
		utils.UnauthorizedResponse(c, "")
	}
	return id, ok
}

func isAdmin(c *gin.Context) bool {
	return utils.HasAnyRole(c, models.RoleAdmin)
}

// dateQuery parses an RFC 3339 timestamp or a plain yyyy-mm-dd date. A date
// used as an upper bound covers the whole day.
func dateQuery(c *gin.Context, name string, endOfDay bool) (*time.Time, bool) {
	v := c.Query(name)
	if v == "" {
		return nil, true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, true
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		utils.BadRequestResponse(c, i18n.T(utils.GetLangFromContext(c), i18n.KeyValidationInvalid, name), nil)
		return nil, false
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, true
}

func message(c *gin.Context, key string) string {
	return i18n.T(utils.GetLangFromContext(c), key)
}
