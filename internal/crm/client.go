// Package crm is the client for the external CRM that owns member
// contacts and their renewal state.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/insightdelivered/membership-reconciler/internal/models"
)

const defaultPageSize = 100

// Custom field ids used by the membership integration.
const (
	FieldRenewalDate      = "renewal_date"
	FieldMembershipStatus = "membership_status"
)

// Client talks to the CRM API with bearer-token auth.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger
}

// New builds a client. A zero timeout on callers is fine; requests are
// bounded by the contexts passed per call.
func New(baseURL, token string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

type contactPage struct {
	Contacts []*models.Contact `json:"contacts"`
	Page     int               `json:"page"`
	HasMore  bool              `json:"hasMore"`
}

// ListContacts fetches one page of contacts.
func (c *Client) ListContacts(ctx context.Context, page, pageSize int) ([]*models.Contact, bool, error) {
	var out contactPage
	path := fmt.Sprintf("/v1/contacts?page=%d&page_size=%d", page, pageSize)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, false, err
	}
	return out.Contacts, out.HasMore, nil
}

// ListAllContacts walks every page.
func (c *Client) ListAllContacts(ctx context.Context) ([]*models.Contact, error) {
	var all []*models.Contact
	for page := 1; ; page++ {
		contacts, more, err := c.ListContacts(ctx, page, defaultPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, contacts...)
		if !more {
			return all, nil
		}
	}
}

// GetContact fetches one contact by id. A 404 becomes a NotFoundError
// rather than an ExternalServiceError since it is not retryable and
// callers branch on it.
func (c *Client) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	var out models.Contact
	err := c.do(ctx, http.MethodGet, "/v1/contacts/"+id, nil, &out)
	var ext *models.ExternalServiceError
	if errors.As(err, &ext) && ext.Status == http.StatusNotFound {
		return nil, &models.NotFoundError{Kind: "contact", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type membershipPatch struct {
	CustomFields []models.CustomField `json:"custom_fields"`
	Tags         []string             `json:"tags,omitempty"`
}

// UpdateMembership patches the contact's renewal custom fields and tags.
func (c *Client) UpdateMembership(ctx context.Context, id string, update models.MembershipUpdate) error {
	patch := membershipPatch{
		CustomFields: []models.CustomField{
			{ID: FieldRenewalDate, Value: update.RenewalDate.Format("2006-01-02")},
			{ID: FieldMembershipStatus, Value: update.Status},
		},
		Tags: update.Tags,
	}
	return c.do(ctx, http.MethodPatch, "/v1/contacts/"+id, patch, nil)
}

type notePayload struct {
	Body string `json:"body"`
}

// AddNote appends an audit note to the contact's record.
func (c *Client) AddNote(ctx context.Context, id, note string) error {
	return c.do(ctx, http.MethodPost, "/v1/contacts/"+id+"/notes", notePayload{Body: note}, nil)
}

// do sends one authenticated JSON request. Non-2xx responses become
// typed ExternalServiceErrors: 429 and 5xx are retryable, other client
// errors are terminal.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s body: %w", method, path, err)
		}
		reqBody = bytes.NewReader(encoded)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Network failures and context timeouts are retryable.
		return &models.ExternalServiceError{Service: "crm", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return &models.ExternalServiceError{
			Service:   "crm",
			Status:    resp.StatusCode,
			Retryable: retryable,
			Err:       fmt.Errorf("%s %s", method, path),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s %s response: %w", method, path, err)
		}
	}
	return nil
}
