package parser

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// parseAmount converts a string like "1,234.56" or "£1,234.56" to an
// exact decimal. Currency symbols, grouping commas, and whitespace
// (including Unicode variants) are stripped first.
func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "£", "")
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, "€", "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, " ", "") // non-breaking space

	if s == "" || s == "-" {
		return decimal.Zero, nil
	}

	return decimal.NewFromString(s)
}

// hashAccount produces the one-way digest of a payer's sort code and
// account number. The raw identifiers must not outlive the call site
// that passes them here.
func hashAccount(sortCode, accountNumber string) string {
	sortCode = strings.TrimSpace(sortCode)
	accountNumber = strings.TrimSpace(accountNumber)
	if sortCode == "" && accountNumber == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(sortCode + "|" + accountNumber))
	return hex.EncodeToString(sum[:])
}

// fingerprintOf derives a content-based fingerprint so re-uploading an
// unchanged file produces identical fingerprints.
func fingerprintOf(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// readRecords tokenizes CSV text quote-aware, keeping rows with the
// wrong field count so the caller can report them per row.
func readRecords(raw string) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(raw))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading CSV: %w", err)
	}
	return records, nil
}

// headerIndex maps normalized header names to their column positions.
func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[normalizeHeader(h)] = i
	}
	return idx
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.TrimSpace(h)), " "))
}

func field(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
