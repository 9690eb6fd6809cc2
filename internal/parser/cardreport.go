package parser

import (
	"context"
	"fmt"
	"strings"

	"github.com/insightdelivered/membership-reconciler/internal/models"
)

// CardReportParser handles the card processor's settlement report.
//
// The processor renames its columns between export versions, so each
// logical field is resolved by trying an ordered list of known header
// spellings. Only id, amount, and timestamp are required; parsing fails
// structurally when any of those cannot be resolved.
//
// Amounts in this report are already in major currency units. Do not
// divide by 100 — earlier processor formats used minor units, this one
// does not.
type CardReportParser struct {
	known FingerprintChecker
}

func (p *CardReportParser) DialectName() string {
	return "Card processor report"
}

// Ordered candidate spellings per logical field, most specific first.
var cardFieldAliases = map[string][]string{
	"id":          {"transaction id", "txn id", "payment id", "id", "reference"},
	"amount":      {"amount", "gross", "payment amount", "value"},
	"timestamp":   {"transaction date", "created", "timestamp", "date", "time"},
	"description": {"description", "details", "narrative", "memo"},
	"name":        {"customer name", "cardholder name", "billing name", "name"},
	"email":       {"customer email", "email address", "email"},
	"address":     {"billing address", "address line 1", "address"},
	"postcode":    {"billing postcode", "postal code", "postcode", "zip"},
}

var cardRequiredFields = []string{"id", "amount", "timestamp"}

func resolveCardFields(header []string) (map[string]int, []string) {
	idx := headerIndex(header)
	resolved := make(map[string]int, len(cardFieldAliases))
	for logical, aliases := range cardFieldAliases {
		resolved[logical] = -1
		for _, alias := range aliases {
			if col, ok := idx[alias]; ok {
				resolved[logical] = col
				break
			}
		}
	}

	var missing []string
	for _, req := range cardRequiredFields {
		if resolved[req] < 0 {
			missing = append(missing, req)
		}
	}
	return resolved, missing
}

func (p *CardReportParser) Parse(ctx context.Context, raw string) *models.ParseResult {
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
	fields, missing := resolveCardFields(header)
	if len(missing) > 0 {
		result.Errors = append(result.Errors, models.RowError{
			Line:    1,
			Message: fmt.Sprintf("cannot resolve required fields: %s", strings.Join(missing, ", ")),
		})
		return result
	}

	rows := records[1:]

	var dates []string
	for _, row := range rows {
		if len(row) == len(header) {
			dates = append(dates, field(row, fields["timestamp"]))
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
		line := i + 2

		if len(row) != len(header) {
			result.Errors = append(result.Errors, models.RowError{
				Line:    line,
				Message: fmt.Sprintf("expected %d columns, got %d", len(header), len(row)),
			})
			result.Skipped++
			continue
		}

		id := field(row, fields["id"])
		if id == "" {
			result.Errors = append(result.Errors, models.RowError{Line: line, Message: "empty transaction id"})
			result.Skipped++
			continue
		}

		amount, err := parseAmount(field(row, fields["amount"]))
		if err != nil {
			result.Errors = append(result.Errors, models.RowError{
				Line:    line,
				Message: fmt.Sprintf("bad amount: %v", err),
			})
			result.Skipped++
			continue
		}
		if !amount.IsPositive() {
			result.Skipped++
			continue
		}

		date, err := parseDate(field(row, fields["timestamp"]), format)
		if err != nil {
			result.Errors = append(result.Errors, models.RowError{Line: line, Message: err.Error()})
			result.Skipped++
			continue
		}

		payment := models.ParsedPayment{
			// The processor's transaction id is already globally unique.
			Fingerprint:     id,
			Date:            date,
			Amount:          amount,
			Source:          models.SourceCardProcessorReport,
			Reference:       id,
			Description:     field(row, fields["description"]),
			CustomerName:    field(row, fields["name"]),
			CustomerEmail:   field(row, fields["email"]),
			BillingAddress:  field(row, fields["address"]),
			BillingPostcode: field(row, fields["postcode"]),
		}
		parsed = append(parsed, pending{line: line, payment: payment})
	}

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
