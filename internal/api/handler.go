// Package api exposes the reconciliation engine over HTTP. Handlers
// are thin glue: parse the request, call the engine, shape the JSON.
package api

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/insightdelivered/membership-reconciler/internal/directory"
	"github.com/insightdelivered/membership-reconciler/internal/matcher"
	"github.com/insightdelivered/membership-reconciler/internal/models"
	"github.com/insightdelivered/membership-reconciler/internal/parser"
	"github.com/insightdelivered/membership-reconciler/internal/recon"
	"github.com/insightdelivered/membership-reconciler/internal/store"
	"github.com/insightdelivered/membership-reconciler/internal/writer"
)

const version = "1.0.0"

// Handler holds the HTTP handlers and their collaborators.
type Handler struct {
	Store           *store.Store
	Cache           *directory.Cache
	Engine          *matcher.Engine
	Orchestrator    *recon.Orchestrator
	ExclusionWindow time.Duration
	Log             *slog.Logger
}

// RegisterRoutes sets up the HTTP routes.
func (h *Handler) RegisterRoutes(app *fiber.App) {
	app.Get("/api/health", h.HandleHealth)
	app.Post("/api/payments/upload", h.HandleUpload)
	app.Post("/api/matches/suggest", h.HandleSuggest)
	app.Post("/api/reconciliations/confirm", h.HandleConfirm)
	app.Get("/api/reconciliations/export", h.HandleExport)
	app.Post("/api/directory/refresh", h.HandleDirectoryRefresh)
}

func (h *Handler) HandleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"engine":  "fiber",
		"version": version,
	})
}

// UploadRequest carries one raw CSV export.
type UploadRequest struct {
	Dialect models.Dialect `json:"dialect"`
	CSV     string         `json:"csv"`
}

func (h *Handler) HandleUpload(c *fiber.Ctx) error {
	var req UploadRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if req.CSV == "" {
		return badRequest(c, "csv text is required")
	}

	p, err := parser.New(req.Dialect, h.Store)
	if err != nil {
		return badRequest(c, err.Error())
	}

	result := p.Parse(c.Context(), req.CSV)
	if result.Payments == nil {
		result.Payments = []models.ParsedPayment{}
	}
	if !result.Success {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(result)
	}
	return c.JSON(result)
}

// SuggestRequest asks for ranked candidates for one parsed payment.
type SuggestRequest struct {
	Payment models.ParsedPayment `json:"payment"`
}

func (h *Handler) HandleSuggest(c *fiber.Ctx) error {
	var req SuggestRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if req.Payment.Fingerprint == "" {
		return badRequest(c, "payment fingerprint is required")
	}

	candidates, err := h.suggestCandidates(c.Context(), req.Payment)
	if err != nil {
		h.Log.Error("directory unavailable", "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"success": false,
			"error":   "contact directory unavailable",
		})
	}

	excluded, err := h.Store.RecentContactIDs(c.Context(), time.Now().Add(-h.ExclusionWindow))
	if err != nil {
		// Degrade to no exclusion rather than failing the request.
		h.Log.Warn("recent-contact exclusion unavailable", "error", err)
		excluded = nil
	}

	return c.JSON(h.Engine.FindMatches(req.Payment, candidates, excluded))
}

// suggestCandidates narrows the directory through the surname index
// when the payment carries name evidence, so full scoring runs over a
// handful of contacts rather than the whole directory. Contacts whose
// email matches the payment exactly are kept even when the surname
// evidence points elsewhere.
func (h *Handler) suggestCandidates(ctx context.Context, payment models.ParsedPayment) ([]*models.Contact, error) {
	surname := matcher.PaymentSurname(payment)
	if surname == "" {
		return h.Cache.Get(ctx)
	}

	candidates, err := h.Cache.BySurname(ctx, surname)
	if err != nil {
		return nil, err
	}
	email := strings.TrimSpace(payment.CustomerEmail)
	if email == "" {
		return candidates, nil
	}

	all, err := h.Cache.Get(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(candidates))
	for _, contact := range candidates {
		seen[contact.ID] = true
	}
	for _, contact := range all {
		if !seen[contact.ID] && strings.EqualFold(contact.Email, email) {
			candidates = append(candidates, contact)
		}
	}
	return candidates, nil
}

func (h *Handler) HandleConfirm(c *fiber.Ctx) error {
	var req recon.ConfirmRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}

	result := h.Orchestrator.Confirm(c.Context(), req)
	status := fiber.StatusOK
	if !result.Success {
		status = fiber.StatusConflict
		if result.FailedStep == models.StepValidating {
			status = fiber.StatusBadRequest
		}
	}
	return c.Status(status).JSON(result)
}

func (h *Handler) HandleExport(c *fiber.Ctx) error {
	records, err := h.Store.ListReconciliations(c.Context())
	if err != nil {
		h.Log.Error("export failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "export failed",
		})
	}

	c.Set(fiber.HeaderContentType, "text/csv")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="reconciliations.csv"`)
	w := &writer.CSVWriter{IncludeHeader: true}
	return w.Write(c.Response().BodyWriter(), records)
}

func (h *Handler) HandleDirectoryRefresh(c *fiber.Ctx) error {
	h.Cache.Invalidate()
	if err := h.Cache.Refresh(c.Context()); err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}
	return c.JSON(fiber.Map{"success": true})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"error":   msg,
	})
}
