// internal/middleware/i18n.go
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// I18nMiddleware picks the response language from Accept-Language. Any
// Chinese variant maps to zh_CN; everything else falls back to English.
func I18nMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("lang", resolveLanguage(c.GetHeader("Accept-Language")))
		c.Next()
	}
}

func resolveLanguage(header string) string {
	if header == "" {
		return "en"
	}

	// Handle cases like "zh-CN,zh;q=0.9,en;q=0.8"
	first := strings.TrimSpace(strings.Split(strings.Split(header, ",")[0], ";")[0])
	first = strings.ToLower(strings.ReplaceAll(first, "_", "-"))

	switch {
	case first == "zh" || strings.HasPrefix(first, "zh-"):
		return "zh_CN"
	default:
		return "en"
	}
}
