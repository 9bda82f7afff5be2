package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/zapdesk/internal/auth"
)

func TestShouldSkipJWT(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/webhooks/zapi", want: true},
		{path: "/media/image/abc.jpg", want: true},
		{path: "/ping", want: true},
		{path: "/health/checks", want: true},
		{path: "/metrics", want: true},
		{path: "/conversations", want: false},
		{path: "/events", want: false},
		{path: "/webhooks", want: false},
	}

	for _, tc := range cases {
		got := shouldSkipJWT(tc.path)
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}

type routeHandler struct{}

func (routeHandler) Register(e *echo.Echo) {
	e.GET("/conversations", func(c echo.Context) error {
		agent, err := auth.AgentFromContext(c)
		if err != nil {
			return err
		}
		return c.String(http.StatusOK, agent.ID)
	})
	e.POST("/webhooks/zapi", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
}

func TestServerAuth(t *testing.T) {
	t.Parallel()

	const secret = "server-secret"
	srv := NewServer(nil, "", secret, routeHandler{}, nil)
	e := srv.Echo()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token, _, err := auth.GenerateToken(auth.Agent{ID: "agent-1"}, secret, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "agent-1" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/zapi", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected webhook to bypass auth, got %d", rec.Code)
	}
}

func TestValidator(t *testing.T) {
	t.Parallel()

	type payload struct {
		Text string `json:"text" validate:"required,max=5"`
	}
	v := NewValidator()
	if err := v.Validate(payload{Text: "oi"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := v.Validate(payload{})
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest || httpErr.Message != "text is required" {
		t.Fatalf("unexpected error: %#v", err)
	}
}
