package parser

import (
	"context"
	"fmt"
	"strings"

	"github.com/insightdelivered/membership-reconciler/internal/models"
)

// BankStatementParser handles the bank statement CSV export.
//
// Expected columns (fixed names, any order):
//
//	Date, Description, Sort Code, Account Number, Debit, Credit
//
// Only positive Credit rows are real incoming payments; everything else
// is skipped. Sort code and account number are digested immediately and
// the raw values never appear in any output structure.
type BankStatementParser struct {
	known FingerprintChecker
}

func (p *BankStatementParser) DialectName() string {
	return "Bank statement"
}

var bankRequiredColumns = []string{"date", "description", "sort code", "account number", "debit", "credit"}

func (p *BankStatementParser) Parse(ctx context.Context, raw string) *models.ParseResult {
	result := &models.ParseResult{}

	records, err := readRecords(raw)
	if err != nil {
		result.Errors = append(result.Errors, models.RowError{Line: 0, Message: err.Error()})
		return result
	}
	if len(records) == 0 {
		result.Errors = append(result.Errors, models.RowError{Line: 0, Message: "empty input"})
		return result
	}

	header := records[0]
	idx := headerIndex(header)
	var missing []string
	for _, col := range bankRequiredColumns {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		result.Errors = append(result.Errors, models.RowError{
			Line:    1,
			Message: fmt.Sprintf("missing required columns: %s", strings.Join(missing, ", ")),
		})
		return result
	}

	rows := records[1:]

	// Classify the date format once for the whole file before any row
	// is parsed.
	var dates []string
	for _, row := range rows {
		if len(row) == len(header) {
			dates = append(dates, field(row, idx["date"]))
		}
	}
	format, confidence := detectDateFormat(dates)
	result.DateFormat = string(format)
	result.DateConfidence = confidence
	result.Success = true

	type pending struct {
		line    int
		payment models.ParsedPayment
	}
	var parsed []pending

	for i, row := range rows {
		line := i + 2 // 1-based, after the header

		if len(row) != len(header) {
			result.Errors = append(result.Errors, models.RowError{
				Line:    line,
				Message: fmt.Sprintf("expected %d columns, got %d", len(header), len(row)),
			})
			result.Skipped++
			continue
		}

		credit, err := parseAmount(field(row, idx["credit"]))
		if err != nil {
			result.Errors = append(result.Errors, models.RowError{
				Line:    line,
				Message: fmt.Sprintf("bad credit amount: %v", err),
			})
			result.Skipped++
			continue
		}
		if !credit.IsPositive() {
			// Debits and zero rows are not incoming payments.
			result.Skipped++
			continue
		}

		dateStr := field(row, idx["date"])
		date, err := parseDate(dateStr, format)
		if err != nil {
			result.Errors = append(result.Errors, models.RowError{Line: line, Message: err.Error()})
			result.Skipped++
			continue
		}

		description := field(row, idx["description"])
		payment := models.ParsedPayment{
			Fingerprint: fingerprintOf(dateStr, credit.String(), description),
			Date:        date,
			Amount:      credit,
			Source:      models.SourceBankStatement,
			Reference:   description,
			Description: description,
			AccountHash: hashAccount(field(row, idx["sort code"]), field(row, idx["account number"])),
		}
		parsed = append(parsed, pending{line: line, payment: payment})
	}

	// Dedupe against previous uploads in one store round trip.
	seen := make(map[string]bool, len(parsed))
	if p.known != nil && len(parsed) > 0 {
		fingerprints := make([]string, 0, len(parsed))
		for _, pp := range parsed {
			fingerprints = append(fingerprints, pp.payment.Fingerprint)
		}
		known, err := p.known.FilterKnownFingerprints(ctx, fingerprints)
		if err != nil {
			// Without the dedupe check a re-uploaded file would ingest
			// every payment twice. Fail the batch; the caller retries.
			result.Success = false
			result.Errors = append(result.Errors, models.RowError{
				Line:    0,
				Message: fmt.Sprintf("fingerprint dedupe check failed: %v", err),
			})
			return result
		}
		seen = known
	}

	for _, pp := range parsed {
		if seen[pp.payment.Fingerprint] {
			result.Skipped++
			continue
		}
		result.Payments = append(result.Payments, pp.payment)
		result.Processed++
	}

	return result
}
