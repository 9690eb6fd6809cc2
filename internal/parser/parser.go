package parser

import (
	"context"
	"fmt"

	"github.com/insightdelivered/membership-reconciler/internal/models"
)

// FingerprintChecker answers which of a batch of fingerprints have
// already been reconciled. Satisfied by the store; rows with known
// fingerprints are skipped so re-uploading a file is harmless.
type FingerprintChecker interface {
	FilterKnownFingerprints(ctx context.Context, fingerprints []string) (map[string]bool, error)
}

// Parser converts raw CSV text in one dialect into normalized payments.
//
// Parse never fails for row-level problems; those are accumulated on
// the result. Only a structural failure (empty input, missing required
// headers) yields Success=false with zero processed rows.
type Parser interface {
	Parse(ctx context.Context, raw string) *models.ParseResult
	DialectName() string
}

// New returns the parser for the given dialect.
func New(dialect models.Dialect, known FingerprintChecker) (Parser, error) {
	switch dialect {
	case models.DialectBank:
		return &BankStatementParser{known: known}, nil
	case models.DialectCardReport:
		return &CardReportParser{known: known}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %q", dialect)
	}
}
