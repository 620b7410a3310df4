package server

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	requestIDHeader     = "X-Request-ID"
	requestIDContextKey = "sharenotes_request_id"
	maxRequestIDLength  = 128
)

// RequestIDProvider issues request correlation identifiers.
type RequestIDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a RequestIDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() RequestIDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// requestIDMiddleware reuses a caller-supplied X-Request-ID or mints one, and echoes it back.
func requestIDMiddleware(provider RequestIDProvider, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" || len(requestID) > maxRequestIDLength {
			generated, err := provider.NewID()
			if err != nil {
				logger.Warn("request id generation failed", zap.Error(err))
			}
			requestID = generated
		}
		if requestID != "" {
			c.Set(requestIDContextKey, requestID)
			c.Header(requestIDHeader, requestID)
		}
		c.Next()
	}
}
