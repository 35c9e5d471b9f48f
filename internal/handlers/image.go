package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/autoparts-backend/internal/i18n"
	"github.com/javajoker/autoparts-backend/internal/services"
	"github.com/javajoker/autoparts-backend/internal/utils"
)

type ImageHandler struct {
	storageService *services.StorageService
}

func NewImageHandler(storageService *services.StorageService) *ImageHandler {
	return &ImageHandler{storageService: storageService}
}

// POST /api/image
func (h *ImageHandler) Upload(c *gin.Context) {
	header, err := c.FormFile("image")
	if err != nil {
		utils.BadRequestResponse(c, message(c, i18n.KeyImageRequired), nil)
		return
	}

	file, err := header.Open()
	if err != nil {
		utils.BadRequestResponse(c, message(c, i18n.KeyImageRequired), nil)
		return
	}
	defer file.Close()

	result, err := h.storageService.UploadImage(c.Request.Context(), file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		respondError(c, err)
		return
	}
	utils.CreatedResponse(c, gin.H{
		"message": message(c, i18n.KeyImageUploaded),
		"image":   result,
	})
}

// DELETE /api/image?key=images/...
func (h *ImageHandler) Delete(c *gin.Context) {
	if err := h.storageService.DeleteImage(c.Request.Context(), c.Query("key")); err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"message": message(c, i18n.KeyImageDeleted)})
}
