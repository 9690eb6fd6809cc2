package parser

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestCardReportParser_HeaderAliases(t *testing.T) {
	p := &CardReportParser{}

	csv := "Txn ID,Gross,Created,Details,Cardholder Name,Email Address,Billing Postcode\n" +
		"tx_001,65.00,15/03/2024,Annual membership,John Smith,john@example.org,SW1A 1AA\n"

	result := p.Parse(context.Background(), csv)
	if !result.Success {
		t.Fatalf("expected success, got errors: %v", result.Errors)
	}
	if result.Processed != 1 {
		t.Fatalf("processed: got %d, want 1", result.Processed)
	}

	payment := result.Payments[0]
	if payment.Fingerprint != "tx_001" {
		t.Errorf("fingerprint should be the source id: got %q", payment.Fingerprint)
	}
	if payment.CustomerName != "John Smith" {
		t.Errorf("customer name: got %q", payment.CustomerName)
	}
	if payment.CustomerEmail != "john@example.org" {
		t.Errorf("customer email: got %q", payment.CustomerEmail)
	}
	if payment.BillingPostcode != "SW1A 1AA" {
		t.Errorf("billing postcode: got %q", payment.BillingPostcode)
	}
}

func TestCardReportParser_AmountsAreMajorUnits(t *testing.T) {
	p := &CardReportParser{}

	// 65.00 means sixty-five pounds, not 65 pence.
	csv := "Transaction ID,Amount,Date\ntx_002,65.00,15/03/2024\n"
	result := p.Parse(context.Background(), csv)
	if result.Processed != 1 {
		t.Fatalf("processed: got %d, want 1 (errors: %v)", result.Processed, result.Errors)
	}
	if got := result.Payments[0].Amount.StringFixed(2); got != "65.00" {
		t.Errorf("amount: got %s, want 65.00 (must not be divided by 100)", got)
	}
}

func TestCardReportParser_MissingRequiredFields(t *testing.T) {
	p := &CardReportParser{}

	// No resolvable amount or timestamp column.
	result := p.Parse(context.Background(), "Txn ID,Notes\ntx_003,hello\n")
	if result.Success {
		t.Fatal("expected structural failure")
	}
	msg := result.Errors[0].Message
	for _, want := range []string{"amount", "timestamp"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q should name unresolved field %q", msg, want)
		}
	}
	if strings.Contains(msg, "id") && !strings.Contains(msg, "amount") {
		t.Errorf("id resolved via Txn ID alias, should not be reported: %q", msg)
	}
}

func TestCardReportParser_NonPositiveSkipped(t *testing.T) {
	p := &CardReportParser{}

	csv := "Transaction ID,Amount,Date\n" +
		"tx_refund,-10.00,15/03/2024\n" +
		"tx_ok,40.00,16/03/2024\n"
	result := p.Parse(context.Background(), csv)
	if result.Processed != 1 {
		t.Errorf("processed: got %d, want 1", result.Processed)
	}
	if result.Skipped != 1 {
		t.Errorf("skipped: got %d, want 1", result.Skipped)
	}
}

func TestCardReportParser_DedupeBySourceID(t *testing.T) {
	csv := "Transaction ID,Amount,Date\ntx_dup,40.00,16/03/2024\n"

	checker := &fakeChecker{known: map[string]bool{"tx_dup": true}}
	result := (&CardReportParser{known: checker}).Parse(context.Background(), csv)
	if result.Processed != 0 {
		t.Errorf("processed: got %d, want 0", result.Processed)
	}
	if result.Skipped != 1 {
		t.Errorf("skipped: got %d, want 1", result.Skipped)
	}
}

func TestCardReportParser_DedupeCheckFailureFailsBatch(t *testing.T) {
	csv := "Transaction ID,Amount,Transaction Date\n" +
		"TXN-001,65.00,15/03/2024"

	checker := &fakeChecker{err: errors.New("database locked")}
	result := (&CardReportParser{known: checker}).Parse(context.Background(), csv)

	if result.Success {
		t.Error("batch must fail when the dedupe check is unavailable")
	}
	if len(result.Payments) != 0 || result.Processed != 0 {
		t.Errorf("no payments may be emitted: got %d payments, %d processed",
			len(result.Payments), result.Processed)
	}
	if len(result.Errors) == 0 || !strings.Contains(result.Errors[len(result.Errors)-1].Message, "dedupe") {
		t.Errorf("failure must name the dedupe check: %v", result.Errors)
	}
}
