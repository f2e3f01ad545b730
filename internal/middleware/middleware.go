package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/franzego/notifygateway/internal/models"
)

const (
	CorrelationHeader = "X-Correlation-ID"
	correlationKey    = "correlationID"
)

func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(CorrelationHeader)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set(correlationKey, correlationID)
		c.Header(CorrelationHeader, correlationID)
		c.Next()
	}
}

// GetCorrelationID returns the id set by CorrelationID, or "" when the
// middleware did not run.
func GetCorrelationID(c *gin.Context) string {
	v, _ := c.Get(correlationKey)
	id, _ := v.(string)
	return id
}

// RequestLogger writes one line per request once the handler chain returns.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		switch {
		case status >= http.StatusInternalServerError:
			event = log.Error()
		case status >= http.StatusBadRequest:
			event = log.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("correlation_id", GetCorrelationID(c)).
			Msg("request handled")
	}
}

func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Str("method", c.Request.Method).
					Str("path", c.Request.URL.Path).
					Str("correlation_id", GetCorrelationID(c)).
					Msg("recovered from panic")
				c.AbortWithStatusJSON(http.StatusInternalServerError, models.ApiResponse{
					Success: false,
					Message: "Internal server error",
					Error:   "internal server error",
				})
			}
		}()
		c.Next()
	}
}

// AuthenticationMiddleware checks an HS256 bearer token signed with secret.
func AuthenticationMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ApiResponse{
				Success: false,
				Message: "Unauthorized",
				Error:   "Authorization header required",
			})
			return
		}
		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ApiResponse{
				Success: false,
				Message: "Unauthorized",
				Error:   "Invalid Authorization Header",
			})
			return
		}
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ApiResponse{
				Success: false,
				Message: "Unauthorized",
				Error:   "Invalid Token",
			})
			return
		}
		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, err := claims.GetSubject(); err == nil && sub != "" {
				c.Set("subject", sub)
			}
		}
		c.Next()
	}
}
