package server

import (
	contextpkg "context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/sharenotes/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodPost, "/notes", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	handler := &httpHandler{
		tokens: stubTokenManager{
			validateErr: fmt.Errorf("%w: %w", auth.ErrExpiredToken, jwt.ErrTokenExpired),
		},
		logger: logger,
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	if !ctx.IsAborted() {
		t.Fatalf("expected request chain to be aborted")
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), jwt.ErrTokenExpired) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodPost, "/notes", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	handler := &httpHandler{
		tokens: stubTokenManager{
			validateErr: fmt.Errorf("%w: signature mismatch", auth.ErrInvalidToken),
		},
		logger: logger,
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
}

func TestAuthorizeRequestRejectsMalformedHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	testCases := []struct {
		name   string
		header string
	}{
		{name: "missing", header: ""},
		{name: "basic-scheme", header: "Basic YWxpY2U6cHcx"},
		{name: "lowercase-scheme", header: "bearer token"},
		{name: "empty-token", header: "Bearer   "},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			ctx, _ := gin.CreateTestContext(recorder)
			request := httptest.NewRequest(http.MethodPost, "/notes", http.NoBody)
			if testCase.header != "" {
				request.Header.Set("Authorization", testCase.header)
			}
			ctx.Request = request

			validated := false
			handler := &httpHandler{
				tokens: stubTokenManager{
					onValidate: func() { validated = true },
				},
				logger: zap.NewNop(),
			}

			handler.authorizeRequest(ctx)

			if recorder.Code != http.StatusUnauthorized {
				t.Fatalf("unexpected status code: got %d", recorder.Code)
			}
			if validated {
				t.Fatalf("expected token validation to be skipped for malformed header")
			}
		})
	}
}

func TestAuthorizeRequestStoresIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodPost, "/notes", http.NoBody)
	request.Header.Set("Authorization", "Bearer good-token")
	ctx.Request = request

	handler := &httpHandler{
		tokens: stubTokenManager{
			identity: auth.Identity{UserID: 9, Username: "alice"},
		},
		logger: zap.NewNop(),
	}

	handler.authorizeRequest(ctx)

	if ctx.IsAborted() {
		t.Fatalf("expected request to proceed, got status %d", recorder.Code)
	}
	identity, ok := identityFromContext(ctx)
	if !ok || identity.UserID != 9 || identity.Username != "alice" {
		t.Fatalf("unexpected identity %#v", identity)
	}
}

type stubTokenManager struct {
	identity    auth.Identity
	validateErr error
	onValidate  func()
}

func (s stubTokenManager) IssueToken(contextpkg.Context, auth.Identity) (string, int64, error) {
	return "", 0, errors.New("not implemented")
}

func (s stubTokenManager) ValidateToken(string) (auth.Identity, error) {
	if s.onValidate != nil {
		s.onValidate()
	}
	if s.validateErr != nil {
		return auth.Identity{}, s.validateErr
	}
	return s.identity, nil
}
