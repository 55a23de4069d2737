package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Error renders the first error attached to the context as a Res envelope.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if errors.Is(c.Request.Context().Err(), context.DeadlineExceeded) && !c.Writer.Written() {
			c.AbortWithStatusJSON(http.StatusGatewayTimeout, Res{
				Success: false,
				Error:   ErrTimeout.Error(),
			})
			return
		}

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors[0]

		// - Validation error from query binding
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			validationErrors := make([]ErrorType, 0, len(ve))
			for _, fe := range ve {
				validationErrors = append(validationErrors, ErrorType{
					Field:   fe.Field(),
					Message: fe.Error(),
				})
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, Res{
				Success: false,
				Error:   validationErrors,
			})
			return
		}

		var ce CustomError
		if errors.As(err, &ce) {
			c.AbortWithStatusJSON(ce.StatusCode, Res{
				Success: false,
				Error:   ce.Error(),
			})
			return
		}

		// - Unknown error, likely internal server error
		c.AbortWithStatusJSON(http.StatusInternalServerError, Res{
			Success: false,
			Error:   err.Error(),
		})
	}
}

// Timeout bounds the request context. Handlers run inline and are expected
// to honour the context; if the deadline passes before anything is written
// the request is answered with 504.
func Timeout(duration time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), duration)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		if ctx.Err() != nil && !c.Writer.Written() {
			c.AbortWithStatusJSON(http.StatusGatewayTimeout, Res{
				Success: false,
				Error:   ErrTimeout.Error(),
			})
		}
	}
}

// RequestLogger logs each request once it has been served.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
