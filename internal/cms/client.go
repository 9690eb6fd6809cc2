// Package cms is the client for the external content-management system
// whose member role mirrors renewal state. Updates here are strictly
// best-effort: the reconciliation stands even when they fail.
package cms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/insightdelivered/membership-reconciler/internal/models"
)

// RoleResult is the CMS's answer to a role update.
type RoleResult string

const (
	RoleUpdated      RoleResult = "success"
	RoleUserNotFound RoleResult = "user_not_found"
	RoleSkipped      RoleResult = "skipped"
)

// Client talks to the CMS API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger
}

func New(baseURL, token string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

type roleUpdate struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// UpdateRole sets the CMS role for the user keyed by email. A missing
// email skips the call; an unknown user is reported, not failed.
func (c *Client) UpdateRole(ctx context.Context, email, role string) (RoleResult, error) {
	if email == "" {
		c.log.Info("skipping CMS role update, contact has no email")
		return RoleSkipped, nil
	}

	encoded, err := json.Marshal(roleUpdate{Email: email, Role: role})
	if err != nil {
		return RoleSkipped, fmt.Errorf("encoding role update: %w", err)
	}

	path := "/v1/users/" + url.PathEscape(email) + "/role"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return RoleSkipped, fmt.Errorf("building role update: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return RoleSkipped, &models.ExternalServiceError{Service: "cms", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return RoleUserNotFound, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return RoleUpdated, nil
	default:
		return RoleSkipped, &models.ExternalServiceError{
			Service:   "cms",
			Status:    resp.StatusCode,
			Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:       fmt.Errorf("PUT %s", path),
		}
	}
}
