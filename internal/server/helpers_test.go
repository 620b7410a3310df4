package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sharenotes/internal/auth"
	"github.com/MarcoPoloResearchLab/sharenotes/internal/database"
	"github.com/MarcoPoloResearchLab/sharenotes/internal/notes"
	"github.com/MarcoPoloResearchLab/sharenotes/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type testEnvironment struct {
	handler      http.Handler
	tokens       *auth.TokenIssuer
	usersService *users.Service
	notesService *notes.Service
	realtime     *RealtimeDispatcher
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	usersService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Hasher:   users.NewBcryptHasher(bcrypt.MinCost),
	})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	notesService, err := notes.NewService(notes.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build notes service: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "sharenotes-auth",
		Audience:      "sharenotes-api",
		TokenTTL:      auth.DefaultTokenTTL,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	dispatcher := NewRealtimeDispatcher(RealtimeConfig{BufferSize: 8})
	notesService.Subscribe(dispatcher.HandleNotesChanged)

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:      tokens,
		UsersService:      usersService,
		NotesService:      notesService,
		Realtime:          dispatcher,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &testEnvironment{
		handler:      handler,
		tokens:       tokens,
		usersService: usersService,
		notesService: notesService,
		realtime:     dispatcher,
	}
}

func (env *testEnvironment) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch typed := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(typed))
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

func (env *testEnvironment) registerAndLogin(t *testing.T, username, password string) string {
	t.Helper()
	if _, err := env.usersService.Register(context.Background(), username, password); err != nil {
		t.Fatalf("failed to register %s: %v", username, err)
	}
	user, err := env.usersService.Authenticate(context.Background(), username, password)
	if err != nil {
		t.Fatalf("failed to authenticate %s: %v", username, err)
	}
	token, _, err := env.tokens.IssueToken(context.Background(), auth.Identity{UserID: user.ID, Username: user.Username})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}
