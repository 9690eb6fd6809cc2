package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReconciliationRecord is the durable audit entry proving a payment was
// reconciled to a contact. Exactly one record exists per fingerprint;
// it is immutable after creation except for compensating rollback.
type ReconciliationRecord struct {
	ID          string          `json:"id"`
	Fingerprint string          `json:"fingerprint"`
	PaymentDate time.Time       `json:"paymentDate"`
	Amount      decimal.Decimal `json:"amount"`
	Source      PaymentSource   `json:"source"`
	Reference   string          `json:"reference,omitempty"`
	ContactID   string          `json:"contactId"`
	OperatorID  string          `json:"operatorId"`
	Confidence  float64         `json:"confidence"`
	Reasoning   string          `json:"reasoning,omitempty"` // JSON snapshot of MatchReasoning
	CreatedAt   time.Time       `json:"createdAt"`
}

// SagaStep names one stage of the confirm-match workflow.
type SagaStep string

const (
	StepValidating  SagaStep = "validating"
	StepPersisting  SagaStep = "persisting"
	StepCRMUpdate   SagaStep = "crm_update"
	StepCMSUpdate   SagaStep = "cms_update"
	StepCompleted   SagaStep = "completed"
	StepRollingBack SagaStep = "rolling_back"
)

// MembershipUpdate is the renewal state pushed to the CRM after a
// confirmed reconciliation.
type MembershipUpdate struct {
	RenewalDate time.Time `json:"renewalDate"`
	Status      string    `json:"status"`
	Tags        []string  `json:"tags,omitempty"`
}

// ConfirmResult reports exactly what a confirm attempt did: which steps
// completed, whether compensation ran, and every problem encountered.
// Callers never see a bare error from the orchestrator.
type ConfirmResult struct {
	Success           bool       `json:"success"`
	RecordID          string     `json:"recordId,omitempty"`
	CompletedSteps    []SagaStep `json:"completedSteps"`
	FailedStep        SagaStep   `json:"failedStep,omitempty"`
	RollbackPerformed bool       `json:"rollbackPerformed"`
	NewRenewalDate    time.Time  `json:"newRenewalDate,omitzero"`
	Warnings          []string   `json:"warnings,omitempty"`
	Errors            []string   `json:"errors,omitempty"`
}
