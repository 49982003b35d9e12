// Package handlers exposes the HTTP API: alert rule CRUD, instance
// lifecycle, templates, notification preferences, delivery logs and
// dashboard rollups. Authentication lives upstream; the gateway passes
// the caller's identity in the X-User-ID header.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// currentUser reads the authenticated user id from X-User-ID. When the
// header is missing or malformed the request is rejected with 401 and
// the second return is false.
func currentUser(c *gin.Context) (uint, bool) {
	raw := c.GetHeader("X-User-ID")
	if raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing X-User-ID header"})
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid X-User-ID header"})
		return 0, false
	}
	return uint(id), true
}

func parseIntDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// pagination reads page/page_size query params with sane bounds.
func pagination(c *gin.Context) (offset, limit int) {
	page := parseIntDefault(c.Query("page"), 1)
	size := parseIntDefault(c.Query("page_size"), 20)
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return (page - 1) * size, size
}
