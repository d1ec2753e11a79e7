// Package handlers implements the read API endpoints.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bardlex/blockgrave/pkg/errors"
)

// respondError writes err with the status its kind maps to.
func respondError(c *gin.Context, err error) {
	kind := errors.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errors.KindMalformedIdentifier, errors.KindChecksumMismatch, errors.KindInvalidAmount:
		status = http.StatusBadRequest
	case errors.KindUnknownLink, errors.KindUnknownJob, errors.KindUnknownTier:
		status = http.StatusNotFound
	}
	body := gin.H{"error": err.Error()}
	if kind != errors.KindUnknown {
		body["kind"] = string(kind)
	}
	if status == http.StatusInternalServerError {
		body["error"] = "Internal server error"
	}
	c.JSON(status, body)
}

// queryInt reads a non-negative integer query parameter, falling back to def
// and capping at ceiling.
func queryInt(c *gin.Context, name string, def, ceiling int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return min(n, ceiling), true
}
