package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/pollcast/internal/auth"
	"github.com/MarcoPoloResearchLab/pollcast/internal/categories"
	"github.com/MarcoPoloResearchLab/pollcast/internal/distribution"
	"github.com/MarcoPoloResearchLab/pollcast/internal/engine"
	"github.com/MarcoPoloResearchLab/pollcast/internal/lifecycle"
	"github.com/MarcoPoloResearchLab/pollcast/internal/polls"
	"github.com/gin-gonic/gin"
)

type stubEngine struct {
	feedCalls       int
	lastCursor      [2]int
	lastUserID      string
	lastActionType  string
	lastInteraction engine.InteractionPayload
	lastDraft       polls.DraftInput
	err             error
}

func (s *stubEngine) CreatePoll(_ context.Context, creatorID string, input polls.DraftInput) (engine.Created, error) {
	s.lastUserID = creatorID
	s.lastDraft = input
	if s.err != nil {
		return engine.Created{}, s.err
	}
	return engine.Created{Poll: polls.Poll{ID: "poll-new", Question: input.Question}, Queue: []polls.Poll{}}, nil
}

func (s *stubEngine) SelectQueueForNewPoll(context.Context, string, string) ([]polls.Poll, error) {
	return []polls.Poll{}, s.err
}

func (s *stubEngine) SelectFeedPage(_ context.Context, userID string, categoryIndex, page int) (distribution.FeedPage, error) {
	s.feedCalls++
	s.lastUserID = userID
	s.lastCursor = [2]int{categoryIndex, page}
	if s.err != nil {
		return distribution.FeedPage{}, s.err
	}
	return distribution.FeedPage{Docs: []polls.Poll{}, CategoryIndex: categoryIndex, Page: page}, nil
}

func (s *stubEngine) ApplyInteraction(_ context.Context, pollID, actionType string, payload engine.InteractionPayload, userID string) (lifecycle.Outcome, error) {
	s.lastActionType = actionType
	s.lastInteraction = payload
	s.lastUserID = userID
	if s.err != nil {
		return lifecycle.Outcome{}, s.err
	}
	return lifecycle.Outcome{Poll: polls.Poll{ID: pollID}, Store: polls.StoreActive, ResetCategoryIndex: true}, nil
}

func (s *stubEngine) GetPoll(_ context.Context, pollID string) (polls.Poll, error) {
	if s.err != nil {
		return polls.Poll{}, s.err
	}
	return polls.Poll{ID: pollID}, nil
}

func (s *stubEngine) SearchPolls(context.Context, string) ([]polls.Poll, error) {
	return []polls.Poll{}, s.err
}

func (s *stubEngine) UpdatePoll(_ context.Context, pollID string, _ engine.PollChanges) (polls.Poll, error) {
	return polls.Poll{ID: pollID}, s.err
}

func (s *stubEngine) DeletePoll(context.Context, string) error {
	return s.err
}

func (s *stubEngine) ListCategories(context.Context) ([]categories.Category, error) {
	return []categories.Category{{ID: "sports", Name: "Sports"}}, s.err
}

func newTestRouter(t *testing.T, stub *stubEngine) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		Engine:   stub,
		Sessions: stubSessionValidator{claims: auth.SessionClaims{UserID: "user-1"}},
		Profiles: &stubProfileStore{},
		Realtime: NewRealtimeDispatcher(nil),
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return handler
}

func serve(handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, target, http.NoBody)
	} else {
		request = httptest.NewRequest(method, target, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingEngine) {
		t.Fatalf("expected missing engine error, got %v", err)
	}
}

func TestFeedRequiresCursorParameters(t *testing.T) {
	stub := &stubEngine{}
	router := newTestRouter(t, stub)

	recorder := serve(router, http.MethodGet, "/polls/feed?categoryIndex=0", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	var payload struct {
		Error  string             `json:"error"`
		Fields []polls.FieldError `json:"fields"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Error != "invalid_request" || len(payload.Fields) != 1 || payload.Fields[0].Field != "page" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if stub.feedCalls != 0 {
		t.Fatalf("expected the engine not to be called")
	}

	recorder = serve(router, http.MethodGet, "/polls/feed?categoryIndex=1&page=2", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if stub.lastCursor != [2]int{1, 2} || stub.lastUserID != "user-1" {
		t.Fatalf("unexpected engine call cursor=%v user=%s", stub.lastCursor, stub.lastUserID)
	}
}

func TestInteractionPassesActionAndPayload(t *testing.T) {
	stub := &stubEngine{}
	router := newTestRouter(t, stub)

	recorder := serve(router, http.MethodPost, "/polls/poll-1/interactions?actionType=voted",
		`{"responses":[{"answer":"yes","origin":"dsa","gender":"other"}]}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if stub.lastActionType != "voted" || len(stub.lastInteraction.Responses) != 1 || stub.lastInteraction.Responses[0].Answer != "yes" {
		t.Fatalf("unexpected engine call %q %#v", stub.lastActionType, stub.lastInteraction)
	}
	if !strings.Contains(recorder.Body.String(), `"resetCategoryIndex":true`) {
		t.Fatalf("expected the reset signal in the response, got %s", recorder.Body.String())
	}

	recorder = serve(router, http.MethodPost, "/polls/poll-1/interactions?actionType=clicked", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected an empty body to be accepted, got %d", recorder.Code)
	}
}

func TestCreatePollRequiresBody(t *testing.T) {
	stub := &stubEngine{}
	router := newTestRouter(t, stub)

	if recorder := serve(router, http.MethodPost, "/polls", ""); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	recorder := serve(router, http.MethodPost, "/polls", `{"question":"Tea?","answers":["yes","no"],"category":"food"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", recorder.Code)
	}
	if stub.lastDraft.Question != "Tea?" || stub.lastDraft.CategoryID != "food" {
		t.Fatalf("unexpected draft %#v", stub.lastDraft)
	}
}

func TestErrorMapping(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "validation", err: polls.Invalid("actionType", "required"), status: http.StatusBadRequest, code: "invalid_request"},
		{name: "not found", err: polls.ErrPollNotFound, status: http.StatusNotFound, code: "poll_not_found"},
		{name: "flagged", err: polls.NewServiceError("engine.create_poll", "content_flagged", engine.ErrContentFlagged), status: http.StatusBadRequest, code: "content_flagged"},
		{name: "internal", err: polls.NewServiceError("polls.find", "query_failed", errors.New("disk")), status: http.StatusInternalServerError, code: "internal_error"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			router := newTestRouter(t, &stubEngine{err: testCase.err})
			recorder := serve(router, http.MethodGet, "/polls/poll-1", "")
			if recorder.Code != testCase.status {
				t.Fatalf("expected %d, got %d", testCase.status, recorder.Code)
			}
			var payload map[string]any
			if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if payload["error"] != testCase.code {
				t.Fatalf("expected error %q, got %v", testCase.code, payload["error"])
			}
		})
	}
}

func TestInternalErrorCarriesServiceCode(t *testing.T) {
	router := newTestRouter(t, &stubEngine{err: polls.NewServiceError("polls.find", "query_failed", errors.New("disk"))})
	recorder := serve(router, http.MethodGet, "/polls/search?q=tea", "")
	if !strings.Contains(recorder.Body.String(), `"code":"polls.find.query_failed"`) {
		t.Fatalf("expected the service code in the body, got %s", recorder.Body.String())
	}
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		Engine:   &stubEngine{},
		Sessions: stubSessionValidator{err: auth.ErrMissingSessionToken},
		Profiles: &stubProfileStore{},
		Realtime: NewRealtimeDispatcher(nil),
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	if recorder := serve(handler, http.MethodGet, "/healthz", ""); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if recorder := serve(handler, http.MethodGet, "/categories", ""); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestSavePreferencesUsesSessionUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	profiles := &stubProfileStore{}
	handler, err := NewHTTPHandler(Dependencies{
		Engine:   &stubEngine{},
		Sessions: stubSessionValidator{claims: auth.SessionClaims{UserID: "user-9"}},
		Profiles: profiles,
		Realtime: NewRealtimeDispatcher(nil),
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	recorder := serve(handler, http.MethodPut, "/users/me/preferences", `{"categories":["sports"],"language":"english","country":"Japan"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if len(profiles.saved) != 1 || profiles.saved[0].UserID != "user-9" || profiles.saved[0].Country != "Japan" {
		t.Fatalf("unexpected saved profile %#v", profiles.saved)
	}
}
