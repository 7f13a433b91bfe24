package api

import (
	"errors"
	"net/http"

	"prices-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError maps domain errors to HTTP statuses. Anything unknown is
// logged and reported as 500.
func respondError(c *gin.Context, err error) {
	var (
		validationErr *service.ValidationError
		notFoundErr   *service.NotFoundError
		conflictErr   *service.ConflictError
		forbiddenErr  *service.ForbiddenError
		externalErr   *service.ExternalError
		fileErr       *service.ProofFileError
	)

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "Validation failed",
			"fields": validationErr.Fields,
		})
	case errors.As(err, &notFoundErr):
		c.JSON(http.StatusNotFound, gin.H{"error": notFoundErr.Error()})
	case errors.As(err, &fileErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": fileErr.Error()})
	case errors.As(err, &conflictErr):
		c.JSON(http.StatusConflict, gin.H{"error": conflictErr.Error()})
	case errors.As(err, &forbiddenErr):
		c.JSON(http.StatusForbidden, gin.H{"error": forbiddenErr.Error()})
	case errors.Is(err, ErrInvalidToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.As(err, &externalErr):
		zap.L().Error("Collaborator failed",
			zap.String("collaborator", externalErr.Collaborator),
			zap.String("path", c.FullPath()),
			zap.Error(externalErr.Err))
		c.JSON(http.StatusBadGateway, gin.H{"error": externalErr.Error()})
	default:
		zap.L().Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Internal server error",
			"details": err.Error(),
		})
	}
}
