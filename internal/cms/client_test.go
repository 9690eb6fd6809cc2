package cms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/insightdelivered/membership-reconciler/internal/models"
)

func TestUpdateRole_Success(t *testing.T) {
	var got roleUpdate
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method: got %s, want PUT", r.Method)
		}
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	c := New(srv.URL, "t", nil)
	result, err := c.UpdateRole(context.Background(), "john@example.org", "member")
	if err != nil {
		t.Fatalf("update role: %v", err)
	}
	if result != RoleUpdated {
		t.Errorf("result: got %q, want %q", result, RoleUpdated)
	}
	if gotPath != "/v1/users/john@example.org/role" {
		t.Errorf("path: got %q", gotPath)
	}
	if got.Email != "john@example.org" || got.Role != "member" {
		t.Errorf("payload: %+v", got)
	}
}

func TestUpdateRole_EmptyEmailSkips(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(srv.URL, "t", nil)
	result, err := c.UpdateRole(context.Background(), "", "member")
	if err != nil {
		t.Fatalf("update role: %v", err)
	}
	if result != RoleSkipped {
		t.Errorf("result: got %q, want %q", result, RoleSkipped)
	}
	if called {
		t.Error("no request may be sent for an empty email")
	}
}

func TestUpdateRole_UserNotFoundIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(srv.URL, "t", nil)
	result, err := c.UpdateRole(context.Background(), "ghost@example.org", "member")
	if err != nil {
		t.Fatalf("unknown user must not be an error, got %v", err)
	}
	if result != RoleUserNotFound {
		t.Errorf("result: got %q, want %q", result, RoleUserNotFound)
	}
}

func TestUpdateRole_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "t", nil)
	_, err := c.UpdateRole(context.Background(), "john@example.org", "member")
	var ext *models.ExternalServiceError
	if !errors.As(err, &ext) {
		t.Fatalf("expected ExternalServiceError, got %v", err)
	}
	if ext.Service != "cms" || !ext.Retryable {
		t.Errorf("got service=%q retryable=%v", ext.Service, ext.Retryable)
	}
}
