// Package recon runs the confirm-match workflow: validate, persist the
// audit record transactionally, push renewal state to the CRM with
// retry, and best-effort sync the CMS role — rolling back the persisted
// record when the CRM update is critically lost.
package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/insightdelivered/membership-reconciler/internal/cms"
	"github.com/insightdelivered/membership-reconciler/internal/matcher"
	"github.com/insightdelivered/membership-reconciler/internal/models"
	"github.com/insightdelivered/membership-reconciler/internal/retry"
)

// Store is the durable side of the saga.
type Store interface {
	CreateReconciliation(ctx context.Context, rec *models.ReconciliationRecord, accountHash string) error
	DeleteReconciliation(ctx context.Context, id string) error
}

// CRM is the external membership system of record.
type CRM interface {
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	UpdateMembership(ctx context.Context, id string, update models.MembershipUpdate) error
	AddNote(ctx context.Context, id, note string) error
}

// CMS is the external content-management system.
type CMS interface {
	UpdateRole(ctx context.Context, email, role string) (cms.RoleResult, error)
}

// ConfirmRequest is an operator-confirmed suggestion.
type ConfirmRequest struct {
	Payment    models.ParsedPayment  `json:"payment"`
	ContactID  string                `json:"contactId"`
	OperatorID string                `json:"operatorId"`
	Confidence float64               `json:"confidence"`
	Reasoning  models.MatchReasoning `json:"reasoning"`
}

// Config tunes the orchestrator's external-call behavior.
type Config struct {
	Retry           retry.Policy
	ExternalTimeout time.Duration // per-attempt bound on CRM/CMS calls
	MemberRole      string        // CMS role granted on renewal
	RenewedStatus   string        // CRM membership status written on renewal
}

// DefaultConfig returns the documented saga settings.
func DefaultConfig() Config {
	return Config{
		Retry:           retry.DefaultPolicy(),
		ExternalTimeout: 20 * time.Second,
		MemberRole:      "member",
		RenewedStatus:   "active",
	}
}

// Orchestrator coordinates the saga.
type Orchestrator struct {
	store Store
	crm   CRM
	cms   CMS
	cfg   Config
	log   *slog.Logger
}

// New wires the orchestrator's collaborators.
func New(store Store, crmClient CRM, cmsClient CMS, cfg Config, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.ExternalTimeout <= 0 {
		cfg.ExternalTimeout = DefaultConfig().ExternalTimeout
	}
	return &Orchestrator{store: store, crm: crmClient, cms: cmsClient, cfg: cfg, log: log}
}

// Confirm runs the saga for one operator-confirmed match. It always
// returns a structured result — step outcomes, warnings, rollback
// state, and machine-readable errors — never a bare error.
func (o *Orchestrator) Confirm(ctx context.Context, req ConfirmRequest) *models.ConfirmResult {
	result := &models.ConfirmResult{CompletedSteps: []models.SagaStep{}}

	// Step 1: validate. Terminal and local; nothing persisted yet.
	if problems := validate(req); len(problems) > 0 {
		result.FailedStep = models.StepValidating
		result.Errors = (&models.ValidationError{Problems: problems}).Problems
		return result
	}
	result.CompletedSteps = append(result.CompletedSteps, models.StepValidating)

	// Step 2: persist inside one transaction. The fingerprint re-check
	// plus the UNIQUE constraint is the idempotency gate under
	// concurrent confirmation.
	reasoning, err := json.Marshal(req.Reasoning)
	if err != nil {
		reasoning = []byte("{}")
	}
	record := &models.ReconciliationRecord{
		ID:          uuid.NewString(),
		Fingerprint: req.Payment.Fingerprint,
		PaymentDate: req.Payment.Date,
		Amount:      req.Payment.Amount,
		Source:      req.Payment.Source,
		Reference:   req.Payment.Reference,
		ContactID:   req.ContactID,
		OperatorID:  req.OperatorID,
		Confidence:  req.Confidence,
		Reasoning:   string(reasoning),
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.store.CreateReconciliation(ctx, record, req.Payment.AccountHash); err != nil {
		result.FailedStep = models.StepPersisting
		result.Errors = append(result.Errors, err.Error())
		o.log.Error("persist step failed", "fingerprint", req.Payment.Fingerprint, "error", err)
		return result
	}
	result.RecordID = record.ID
	result.CompletedSteps = append(result.CompletedSteps, models.StepPersisting)

	// Step 3: CRM renewal update under retry. Failure after retry
	// exhaustion is critical and triggers the compensating delete.
	contact, newRenewal, err := o.updateCRM(ctx, req)
	if err != nil {
		result.FailedStep = models.StepCRMUpdate
		result.Errors = append(result.Errors, err.Error())
		o.rollback(ctx, record, err, result)
		return result
	}
	result.NewRenewalDate = newRenewal
	result.CompletedSteps = append(result.CompletedSteps, models.StepCRMUpdate)

	// Step 4: CMS role sync, best-effort. The reconciliation is already
	// committed; failure here is reported, never rolled back.
	o.updateCMS(ctx, contact, result)

	result.Success = true
	result.CompletedSteps = append(result.CompletedSteps, models.StepCompleted)
	return result
}

func validate(req ConfirmRequest) []string {
	var problems []string
	if req.Payment.Fingerprint == "" {
		problems = append(problems, "payment fingerprint is required")
	}
	if !req.Payment.Amount.IsPositive() {
		problems = append(problems, "payment amount must be positive")
	}
	if req.Payment.Date.IsZero() {
		problems = append(problems, "payment date is required")
	}
	if req.Payment.Source == "" {
		problems = append(problems, "payment source is required")
	}
	if req.ContactID == "" {
		problems = append(problems, "contact id is required")
	}
	if req.OperatorID == "" {
		problems = append(problems, "operator id is required")
	}
	return problems
}

// updateCRM fetches the remote contact, computes the monotonic renewal
// date, and pushes the update plus an audit note, all under one retry
// budget. The fetch runs inside the retry so each attempt sees fresh
// remote state.
func (o *Orchestrator) updateCRM(ctx context.Context, req ConfirmRequest) (*models.Contact, time.Time, error) {
	var contact *models.Contact
	var newRenewal time.Time

	err := retry.Do(ctx, o.log, "crm renewal update", o.cfg.Retry, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.ExternalTimeout)
		defer cancel()

		remote, err := o.crm.GetContact(attemptCtx, req.ContactID)
		if err != nil {
			return err
		}
		contact = remote

		// The renewal date never regresses, even when an older or
		// backdated payment is reconciled after a newer one.
		candidate := req.Payment.Date.AddDate(1, 0, 0)
		newRenewal = candidate
		if remote.RenewalDate.After(candidate) {
			newRenewal = remote.RenewalDate
		}

		// Advisory only: a fee outside the member's band is worth a
		// look but does not block the renewal.
		if !matcher.AmountWithinBand(req.Payment.Amount, remote.MembershipType) {
			o.log.Warn("paid amount outside membership fee band",
				"contact", remote.ID,
				"membership_type", remote.MembershipType,
				"amount", req.Payment.Amount)
		}

		update := models.MembershipUpdate{
			RenewalDate: newRenewal,
			Status:      o.cfg.RenewedStatus,
			Tags:        []string{"renewed"},
		}
		if err := o.crm.UpdateMembership(attemptCtx, req.ContactID, update); err != nil {
			return err
		}

		note := fmt.Sprintf("Payment of %s reconciled by operator %s (ref %s); renewal date set to %s.",
			req.Payment.Amount.StringFixed(2), req.OperatorID, req.Payment.Reference,
			newRenewal.Format("2006-01-02"))
		return o.crm.AddNote(attemptCtx, req.ContactID, note)
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return contact, newRenewal, nil
}

// rollback deletes the just-created record after a critical failure. A
// failed delete is escalated as a CompensationFailure — loudly, since
// it leaves the audit trail claiming a renewal the CRM never saw.
func (o *Orchestrator) rollback(ctx context.Context, record *models.ReconciliationRecord, cause error, result *models.ConfirmResult) {
	o.log.Warn("rolling back reconciliation", "record", record.ID, "cause", cause)

	if err := o.store.DeleteReconciliation(ctx, record.ID); err != nil {
		// Tolerate the record already being gone; anything else is a
		// compensation failure.
		var nf *models.NotFoundError
		if !errors.As(err, &nf) {
			comp := &models.CompensationFailure{RecordID: record.ID, Cause: cause, Err: err}
			result.Errors = append(result.Errors, comp.Error())
			o.log.Error("compensating delete failed, record requires manual cleanup",
				"record", record.ID, "error", err, "cause", cause)
			return
		}
	}
	result.RollbackPerformed = true
	result.CompletedSteps = append(result.CompletedSteps, models.StepRollingBack)
}

// updateCMS performs the best-effort role sync and records any problem
// as a warning on the otherwise-successful result.
func (o *Orchestrator) updateCMS(ctx context.Context, contact *models.Contact, result *models.ConfirmResult) {
	attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.ExternalTimeout)
	defer cancel()

	email := ""
	if contact != nil {
		email = contact.Email
	}
	status, err := o.cms.UpdateRole(attemptCtx, email, o.cfg.MemberRole)
	switch {
	case err != nil:
		result.Warnings = append(result.Warnings, fmt.Sprintf("CMS role update failed: %v", err))
		o.log.Warn("CMS role update failed", "email", email, "error", err)
	case status == cms.RoleUserNotFound:
		result.Warnings = append(result.Warnings, fmt.Sprintf("CMS has no user for %s", email))
	case status == cms.RoleSkipped:
		result.Warnings = append(result.Warnings, "CMS role update skipped")
	default:
		result.CompletedSteps = append(result.CompletedSteps, models.StepCMSUpdate)
		return
	}
	// Failure or skip still counts the step as visited; the saga does
	// not roll back for CMS problems.
	result.CompletedSteps = append(result.CompletedSteps, models.StepCMSUpdate)
}
