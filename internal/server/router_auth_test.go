package server

import (
	contextpkg "context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/pollcast/internal/auth"
	"github.com/MarcoPoloResearchLab/pollcast/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/polls/feed", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: auth.ErrExpiredSessionToken},
		profiles: &stubProfileStore{},
		logger:   logger,
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
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredSessionToken) {
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
	request := httptest.NewRequest(http.MethodGet, "/polls/feed", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: errors.New("signature mismatch")},
		profiles: &stubProfileStore{},
		logger:   logger,
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

func TestAuthorizeRequestPromotesAccessTokenQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/feed/stream?access_token=abc", http.NoBody)

	validator := &recordingSessionValidator{claims: auth.SessionClaims{UserID: "user-1"}}
	profiles := &stubProfileStore{}
	handler := &httpHandler{sessions: validator, profiles: profiles, logger: zap.NewNop()}

	handler.authorizeRequest(ctx)

	if validator.header != "Bearer abc" {
		t.Fatalf("expected the query token to become a bearer header, got %q", validator.header)
	}
	if currentProfile(ctx).UserID != "user-1" {
		t.Fatalf("expected the resolved profile in the context")
	}
}

type stubSessionValidator struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

type recordingSessionValidator struct {
	claims auth.SessionClaims
	header string
}

func (r *recordingSessionValidator) ValidateRequest(request *http.Request) (auth.SessionClaims, error) {
	r.header = request.Header.Get("Authorization")
	return r.claims, nil
}

type stubProfileStore struct {
	saved []users.Profile
	err   error
}

func (s *stubProfileStore) EnsureProfile(_ contextpkg.Context, claims auth.SessionClaims) (users.Profile, error) {
	if s.err != nil {
		return users.Profile{}, s.err
	}
	return users.Profile{UserID: claims.UserID, Categories: []string{}, IsAdmin: claims.IsAdmin()}, nil
}

func (s *stubProfileStore) SaveProfile(_ contextpkg.Context, profile users.Profile) (users.Profile, error) {
	if s.err != nil {
		return users.Profile{}, s.err
	}
	s.saved = append(s.saved, profile)
	return profile, nil
}
