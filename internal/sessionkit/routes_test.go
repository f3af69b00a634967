package sessionkit

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
)

func newTestRouter(t *testing.T, fixture *serviceFixture) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	MountSessionRoutes(router, fixture.service, fixture.signer.Validator(), zaptest.NewLogger(t))
	return router
}

func performJSON(t *testing.T, router http.Handler, method string, path string, payload any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &body)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for _, cookie := range cookies {
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func findCookie(recorder *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func decodeError(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body %q: %v", recorder.Body.String(), err)
	}
	return payload["error"]
}

func TestRoutesWebLifecycle(t *testing.T) {
	fixture := newServiceFixture(t, 5)
	router := newTestRouter(t, fixture)

	login := performJSON(t, router, http.MethodPost, "/auth/login", LoginRequest{Email: testEmail, Password: testPassword, DeviceType: "web"})
	if login.Code != http.StatusNoContent || login.Body.Len() != 0 {
		t.Fatalf("expected 204 with empty body, got %d %q", login.Code, login.Body.String())
	}
	refreshCookie := findCookie(login, DefaultRefreshCookieName)
	if refreshCookie == nil || !refreshCookie.HttpOnly || !refreshCookie.Secure || refreshCookie.Path != "/auth" {
		t.Fatalf("expected scoped http-only secure cookie, got %#v", refreshCookie)
	}
	if refreshCookie.SameSite != http.SameSiteStrictMode {
		t.Fatalf("expected strict same-site cookie, got %v", refreshCookie.SameSite)
	}

	refresh := performJSON(t, router, http.MethodPost, "/auth/refresh", RefreshRequest{DeviceType: "web"}, refreshCookie)
	if refresh.Code != http.StatusNoContent {
		t.Fatalf("expected refresh 204, got %d %s", refresh.Code, refresh.Body.String())
	}
	rotatedCookie := findCookie(refresh, DefaultRefreshCookieName)
	if rotatedCookie == nil || rotatedCookie.Value == refreshCookie.Value {
		t.Fatalf("expected rotated cookie, got %#v", rotatedCookie)
	}

	replay := performJSON(t, router, http.MethodPost, "/auth/refresh", RefreshRequest{DeviceType: "web"}, refreshCookie)
	if replay.Code != http.StatusUnauthorized || decodeError(t, replay) != "invalid_token" {
		t.Fatalf("expected replay to be rejected, got %d %s", replay.Code, replay.Body.String())
	}

	logout := performJSON(t, router, http.MethodPost, "/auth/logout", nil, rotatedCookie)
	if logout.Code != http.StatusNoContent {
		t.Fatalf("expected logout 204, got %d %s", logout.Code, logout.Body.String())
	}
	cleared := findCookie(logout, DefaultRefreshCookieName)
	if cleared == nil || cleared.Value != "" || cleared.MaxAge >= 0 {
		t.Fatalf("expected cleared cookie, got %#v", cleared)
	}
	if fixture.isLive(rotatedCookie.Value) {
		t.Fatalf("expected logout to revoke the session")
	}
}

func TestRoutesMobileLoginReturnsTokens(t *testing.T) {
	fixture := newServiceFixture(t, 5)
	router := newTestRouter(t, fixture)

	login := performJSON(t, router, http.MethodPost, "/auth/login", LoginRequest{Email: testEmail, Password: testPassword, DeviceType: "mobile"})
	if login.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", login.Code, login.Body.String())
	}
	var tokens TokenResponse
	if err := json.Unmarshal(login.Body.Bytes(), &tokens); err != nil || tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("expected both tokens in body, got %s (%v)", login.Body.String(), err)
	}
	if findCookie(login, DefaultRefreshCookieName) != nil {
		t.Fatalf("expected no cookie for mobile clients")
	}

	logoutAll := performJSON(t, router, http.MethodPost, "/auth/logout", LogoutRequest{RefreshToken: tokens.RefreshToken, AllDevices: true})
	if logoutAll.Code != http.StatusNoContent {
		t.Fatalf("expected logout 204, got %d", logoutAll.Code)
	}
	if sessions := fixture.liveSessions(t); len(sessions) != 0 {
		t.Fatalf("expected all sessions revoked, got %d", len(sessions))
	}
}

func TestRoutesErrorMapping(t *testing.T) {
	fixture := newServiceFixture(t, 5)
	router := newTestRouter(t, fixture)

	testCases := []struct {
		name       string
		path       string
		payload    any
		prepare    func()
		wantStatus int
		wantCode   string
	}{
		{name: "unknown email", path: "/auth/login", payload: LoginRequest{Email: "nobody@example.com", Password: "x", DeviceType: "mobile"}, wantStatus: http.StatusUnauthorized, wantCode: "authentication_failed"},
		{name: "wrong password", path: "/auth/login", payload: LoginRequest{Email: testEmail, Password: "x", DeviceType: "mobile"}, wantStatus: http.StatusUnauthorized, wantCode: "authentication_failed"},
		{name: "bad device", path: "/auth/login", payload: LoginRequest{Email: testEmail, Password: testPassword, DeviceType: "fridge"}, wantStatus: http.StatusBadRequest, wantCode: string(KindInvalidRequest)},
		{name: "malformed json", path: "/auth/login", payload: "not an object", wantStatus: http.StatusBadRequest, wantCode: "invalid_json"},
		{name: "missing refresh token", path: "/auth/refresh", payload: RefreshRequest{DeviceType: "mobile"}, wantStatus: http.StatusUnauthorized, wantCode: "invalid_token"},
		{name: "duplicate registration", path: "/auth/register", payload: RegisterRequest{Email: testEmail, Password: "pw"}, wantStatus: http.StatusConflict, wantCode: string(KindConflict)},
		{name: "invalid registration", path: "/auth/register", payload: RegisterRequest{Email: "nope", Password: "pw"}, wantStatus: http.StatusBadRequest, wantCode: string(KindInvalidRequest)},
		{
			name:       "store unavailable",
			path:       "/auth/login",
			payload:    LoginRequest{Email: testEmail, Password: testPassword, DeviceType: "mobile"},
			prepare:    func() { fixture.faulty.storeErr = ErrStoreUnavailable },
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   string(KindTransient),
		},
	}
	for _, testCase := range testCases {
		if testCase.prepare != nil {
			testCase.prepare()
		}
		recorder := performJSON(t, router, http.MethodPost, testCase.path, testCase.payload)
		if recorder.Code != testCase.wantStatus {
			t.Fatalf("%s: expected %d, got %d %s", testCase.name, testCase.wantStatus, recorder.Code, recorder.Body.String())
		}
		if code := decodeError(t, recorder); code != testCase.wantCode {
			t.Fatalf("%s: expected code %q, got %q", testCase.name, testCase.wantCode, code)
		}
	}
}

func TestRoutesRegister(t *testing.T) {
	fixture := newServiceFixture(t, 5)
	router := newTestRouter(t, fixture)
	recorder := performJSON(t, router, http.MethodPost, "/auth/register", RegisterRequest{Email: "fresh@example.com", Password: "pw"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", recorder.Code, recorder.Body.String())
	}
	var payload map[string]string
	_ = json.Unmarshal(recorder.Body.Bytes(), &payload)
	if _, err := uuid.Parse(payload["user_id"]); err != nil {
		t.Fatalf("expected user id in body, got %s", recorder.Body.String())
	}
}

func TestRoutesDeleteAccount(t *testing.T) {
	fixture := newServiceFixture(t, 5)
	router := newTestRouter(t, fixture)
	tokens := fixture.loginMobile(t)
	otherUser := User{ID: uuid.New(), Email: "other@example.com", Enabled: true}
	if err := fixture.directory.Save(t.Context(), otherUser); err != nil {
		t.Fatalf("seed: %v", err)
	}

	deletePath := func(userID uuid.UUID) string { return "/auth/account/" + userID.String() }
	bearer := func(path string) *httptest.ResponseRecorder {
		request := httptest.NewRequest(http.MethodDelete, path, nil)
		request.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, request)
		return recorder
	}

	if recorder := performJSON(t, router, http.MethodDelete, "/auth/account/not-a-uuid", nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", recorder.Code)
	}
	if recorder := performJSON(t, router, http.MethodDelete, deletePath(fixture.user.ID), nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", recorder.Code)
	}
	if recorder := bearer(deletePath(otherUser.ID)); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another user's account, got %d", recorder.Code)
	}
	if recorder := bearer(deletePath(fixture.user.ID)); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d %s", recorder.Code, recorder.Body.String())
	}
	if recorder := bearer(deletePath(fixture.user.ID)); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after deletion, got %d", recorder.Code)
	}
	if topics := fixture.publisher.topics(); len(topics) != 1 || topics[0] != TopicAccountDeleted {
		t.Fatalf("expected a single account.deleted event, got %v", topics)
	}
}

func TestRoutesDeleteAccountWithRefreshCookie(t *testing.T) {
	fixture := newServiceFixture(t, 5)
	router := newTestRouter(t, fixture)
	tokens := fixture.loginMobile(t)
	cookie := &http.Cookie{Name: DefaultRefreshCookieName, Value: tokens.RefreshToken}

	recorder := performJSON(t, router, http.MethodDelete, "/auth/account/"+fixture.user.ID.String(), nil, cookie)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected cookie-authenticated deletion, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestStatusForError(t *testing.T) {
	testCases := map[error]int{
		ErrInvalidDeviceType:  http.StatusBadRequest,
		ErrUserNotFound:       http.StatusUnauthorized,
		ErrInvalidCredentials: http.StatusUnauthorized,
		ErrAuthentication:     http.StatusUnauthorized,
		ErrUserExists:         http.StatusConflict,
		ErrStoreUnavailable:   http.StatusServiceUnavailable,
		ErrTooManyTokens:      http.StatusInternalServerError,
	}
	for err, want := range testCases {
		if got := StatusForError(err); got != want {
			t.Fatalf("StatusForError(%v) = %d, want %d", err, got, want)
		}
	}
}
