package recon

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/insightdelivered/membership-reconciler/internal/cms"
	"github.com/insightdelivered/membership-reconciler/internal/models"
	"github.com/insightdelivered/membership-reconciler/internal/retry"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*models.ReconciliationRecord // by fingerprint
	byID    map[string]string                       // id → fingerprint
	delErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[string]*models.ReconciliationRecord),
		byID:    make(map[string]string),
	}
}

func (f *fakeStore) CreateReconciliation(ctx context.Context, rec *models.ReconciliationRecord, accountHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.records[rec.Fingerprint]; exists {
		return &models.DuplicateError{Fingerprint: rec.Fingerprint}
	}
	f.records[rec.Fingerprint] = rec
	f.byID[rec.ID] = rec.Fingerprint
	return nil
}

func (f *fakeStore) DeleteReconciliation(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return f.delErr
	}
	fp, ok := f.byID[id]
	if !ok {
		return &models.NotFoundError{Kind: "reconciliation", ID: id}
	}
	delete(f.records, fp)
	delete(f.byID, id)
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeCRM struct {
	mu        sync.Mutex
	contact   *models.Contact
	getErr    error
	getCalls  int
	updateErr error
	failsLeft int // updateErr returned this many times, then success
	updates   []models.MembershipUpdate
	notes     []string
}

func (f *fakeCRM) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.contact, nil
}

func (f *fakeCRM) UpdateMembership(ctx context.Context, id string, update models.MembershipUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil && (f.failsLeft < 0 || f.failsLeft > 0) {
		if f.failsLeft > 0 {
			f.failsLeft--
		}
		return f.updateErr
	}
	f.updates = append(f.updates, update)
	return nil
}

func (f *fakeCRM) AddNote(ctx context.Context, id, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, note)
	return nil
}

type fakeCMS struct {
	result cms.RoleResult
	err    error
	calls  int
}

func (f *fakeCMS) UpdateRole(ctx context.Context, email, role string) (cms.RoleResult, error) {
	f.calls++
	if f.err != nil {
		return cms.RoleSkipped, f.err
	}
	return f.result, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	return cfg
}

func testRequest() ConfirmRequest {
	return ConfirmRequest{
		Payment: models.ParsedPayment{
			Fingerprint: "fp-1",
			Date:        time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
			Amount:      decimal.NewFromInt(70),
			Source:      models.SourceBankStatement,
			Reference:   "MEMBERSHIP - JOHN SMITH",
		},
		ContactID:  "c1",
		OperatorID: "op1",
		Confidence: 0.92,
	}
}

func memberContact(renewal time.Time) *models.Contact {
	return &models.Contact{
		ID: "c1", FirstName: "John", LastName: "Smith",
		Email: "john@example.org", MembershipType: "full",
		RenewalDate: renewal,
	}
}

func TestConfirm_HappyPath(t *testing.T) {
	store := newFakeStore()
	crm := &fakeCRM{contact: memberContact(time.Time{})}
	cmsClient := &fakeCMS{result: cms.RoleUpdated}
	o := New(store, crm, cmsClient, testConfig(), nil)

	result := o.Confirm(context.Background(), testRequest())
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if store.count() != 1 {
		t.Errorf("records: got %d, want 1", store.count())
	}
	if len(crm.updates) != 1 {
		t.Fatalf("CRM updates: got %d, want 1", len(crm.updates))
	}

	// Renewal is payment date + 1 year when nothing later exists.
	want := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	if !crm.updates[0].RenewalDate.Equal(want) {
		t.Errorf("renewal: got %v, want %v", crm.updates[0].RenewalDate, want)
	}
	if len(crm.notes) != 1 {
		t.Errorf("audit notes: got %d, want 1", len(crm.notes))
	}
	if cmsClient.calls != 1 {
		t.Errorf("CMS calls: got %d, want 1", cmsClient.calls)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}
}

func TestConfirm_RenewalNeverRegresses(t *testing.T) {
	// The contact already renewed to 2026; a backdated 2024 payment
	// must not pull the date back.
	existing := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	crm := &fakeCRM{contact: memberContact(existing)}
	o := New(store, crm, &fakeCMS{result: cms.RoleUpdated}, testConfig(), nil)

	result := o.Confirm(context.Background(), testRequest())
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if !crm.updates[0].RenewalDate.Equal(existing) {
		t.Errorf("renewal regressed: got %v, want %v", crm.updates[0].RenewalDate, existing)
	}
	if !result.NewRenewalDate.Equal(existing) {
		t.Errorf("result renewal: got %v, want %v", result.NewRenewalDate, existing)
	}
}

func TestConfirm_ValidationCollectsAllProblems(t *testing.T) {
	o := New(newFakeStore(), &fakeCRM{}, &fakeCMS{}, testConfig(), nil)

	result := o.Confirm(context.Background(), ConfirmRequest{})
	if result.Success {
		t.Fatal("expected validation failure")
	}
	if result.FailedStep != models.StepValidating {
		t.Errorf("failed step: got %q, want %q", result.FailedStep, models.StepValidating)
	}
	// Fingerprint, amount, date, source, contact, operator all missing.
	if len(result.Errors) != 6 {
		t.Errorf("problems: got %d (%v), want 6", len(result.Errors), result.Errors)
	}
	if result.RecordID != "" {
		t.Error("nothing may be persisted before validation passes")
	}
}

func TestConfirm_DuplicateFingerprint(t *testing.T) {
	store := newFakeStore()
	crm := &fakeCRM{contact: memberContact(time.Time{})}
	o := New(store, crm, &fakeCMS{result: cms.RoleUpdated}, testConfig(), nil)

	first := o.Confirm(context.Background(), testRequest())
	if !first.Success {
		t.Fatalf("first confirm: %+v", first)
	}

	second := o.Confirm(context.Background(), testRequest())
	if second.Success {
		t.Fatal("second confirm of the same fingerprint must fail")
	}
	if second.FailedStep != models.StepPersisting {
		t.Errorf("failed step: got %q, want %q", second.FailedStep, models.StepPersisting)
	}
	if store.count() != 1 {
		t.Errorf("records: got %d, want exactly 1", store.count())
	}
}

func TestConfirm_ConcurrentSameFingerprint(t *testing.T) {
	store := newFakeStore()
	crm := &fakeCRM{contact: memberContact(time.Time{})}
	o := New(store, crm, &fakeCMS{result: cms.RoleUpdated}, testConfig(), nil)

	var wg sync.WaitGroup
	results := make([]*models.ConfirmResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.Confirm(context.Background(), testRequest())
		}(i)
	}
	wg.Wait()

	var successes int
	for _, r := range results {
		if r.Success {
			successes++
		}
	}
	if successes != 1 {
		t.Errorf("successes: got %d, want exactly 1", successes)
	}
	if store.count() != 1 {
		t.Errorf("records: got %d, want exactly 1", store.count())
	}
}

func TestConfirm_CRMFailureRollsBack(t *testing.T) {
	store := newFakeStore()
	crm := &fakeCRM{
		contact:   memberContact(time.Time{}),
		updateErr: &models.ExternalServiceError{Service: "crm", Status: 500, Retryable: true},
		failsLeft: -1, // never recovers
	}
	o := New(store, crm, &fakeCMS{result: cms.RoleUpdated}, testConfig(), nil)

	result := o.Confirm(context.Background(), testRequest())
	if result.Success {
		t.Fatal("expected failure after retry exhaustion")
	}
	if result.FailedStep != models.StepCRMUpdate {
		t.Errorf("failed step: got %q, want %q", result.FailedStep, models.StepCRMUpdate)
	}
	if !result.RollbackPerformed {
		t.Error("expected rollbackPerformed=true")
	}
	if store.count() != 0 {
		t.Errorf("record must be deleted by compensation, %d left", store.count())
	}

	rolledBack := false
	for _, step := range result.CompletedSteps {
		if step == models.StepRollingBack {
			rolledBack = true
		}
	}
	if !rolledBack {
		t.Errorf("completed steps must record the rollback: %v", result.CompletedSteps)
	}
}

func TestConfirm_DeletedContactFailsWithoutRetrying(t *testing.T) {
	store := newFakeStore()
	crm := &fakeCRM{getErr: &models.NotFoundError{Kind: "contact", ID: "c1"}}
	o := New(store, crm, &fakeCMS{result: cms.RoleUpdated}, testConfig(), nil)

	result := o.Confirm(context.Background(), testRequest())
	if result.Success {
		t.Fatal("expected failure for a contact deleted from the CRM")
	}
	if crm.getCalls != 1 {
		t.Errorf("a missing contact must not be retried: got %d fetches", crm.getCalls)
	}
	if !result.RollbackPerformed {
		t.Error("expected rollbackPerformed=true")
	}
	if store.count() != 0 {
		t.Errorf("record must be deleted by compensation, %d left", store.count())
	}
}

func TestConfirm_CRMRecoversWithinRetryBudget(t *testing.T) {
	store := newFakeStore()
	crm := &fakeCRM{
		contact:   memberContact(time.Time{}),
		updateErr: &models.ExternalServiceError{Service: "crm", Status: 503, Retryable: true},
		failsLeft: 2,
	}
	o := New(store, crm, &fakeCMS{result: cms.RoleUpdated}, testConfig(), nil)

	result := o.Confirm(context.Background(), testRequest())
	if !result.Success {
		t.Fatalf("expected success after transient failures, got %+v", result)
	}
	if store.count() != 1 {
		t.Errorf("records: got %d, want 1", store.count())
	}
}

func TestConfirm_CompensationFailureEscalated(t *testing.T) {
	store := newFakeStore()
	store.delErr = errors.New("disk full")
	crm := &fakeCRM{
		contact:   memberContact(time.Time{}),
		updateErr: &models.ExternalServiceError{Service: "crm", Status: 500, Retryable: true},
		failsLeft: -1,
	}
	o := New(store, crm, &fakeCMS{result: cms.RoleUpdated}, testConfig(), nil)

	result := o.Confirm(context.Background(), testRequest())
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.RollbackPerformed {
		t.Error("rollback did not complete; rollbackPerformed must be false")
	}
	for _, step := range result.CompletedSteps {
		if step == models.StepRollingBack {
			t.Error("a failed compensation must not record the rollback step")
		}
	}

	found := false
	for _, msg := range result.Errors {
		if strings.Contains(msg, "rollback") {
			found = true
		}
	}
	if !found {
		t.Errorf("compensation failure must be surfaced in errors: %v", result.Errors)
	}
}

func TestConfirm_CMSFailureIsWarningOnly(t *testing.T) {
	store := newFakeStore()
	crm := &fakeCRM{contact: memberContact(time.Time{})}
	cmsClient := &fakeCMS{err: &models.ExternalServiceError{Service: "cms", Status: 500, Retryable: true}}
	o := New(store, crm, cmsClient, testConfig(), nil)

	result := o.Confirm(context.Background(), testRequest())
	if !result.Success {
		t.Fatalf("CMS failure must not fail the saga: %+v", result)
	}
	if result.RollbackPerformed {
		t.Error("CMS failure must not trigger rollback")
	}
	if len(result.Warnings) == 0 {
		t.Error("CMS failure must be reported as a warning")
	}
	if store.count() != 1 {
		t.Errorf("records: got %d, want 1", store.count())
	}
}

func TestConfirm_CMSUserNotFoundIsWarning(t *testing.T) {
	store := newFakeStore()
	crm := &fakeCRM{contact: memberContact(time.Time{})}
	cmsClient := &fakeCMS{result: cms.RoleUserNotFound}
	o := New(store, crm, cmsClient, testConfig(), nil)

	result := o.Confirm(context.Background(), testRequest())
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(result.Warnings) != 1 {
		t.Errorf("warnings: got %v, want one", result.Warnings)
	}
}
