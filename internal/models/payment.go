package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentSource identifies which kind of export a payment came from.
type PaymentSource string

const (
	SourceBankStatement       PaymentSource = "bank_statement"
	SourceCardProcessorReport PaymentSource = "card_processor_report"
)

// Dialect selects one of the supported CSV input formats.
type Dialect string

const (
	DialectBank       Dialect = "bank"
	DialectCardReport Dialect = "cardreport"
)

// DateConfidence records how sure the parser is about the date format
// it chose for a file.
type DateConfidence string

const (
	DateConfidenceHigh DateConfidence = "high"
	DateConfidenceLow  DateConfidence = "low"
)

// ParsedPayment is a single normalized payment row. It is produced per
// CSV row and discarded after matching; it is never persisted directly.
//
// AccountHash is a one-way digest of the payer's sort code and account
// number. The raw identifiers are hashed at parse time and never stored
// on this struct or anywhere downstream.
type ParsedPayment struct {
	Fingerprint     string          `json:"fingerprint"`
	Date            time.Time       `json:"date"`
	Amount          decimal.Decimal `json:"amount"`
	Source          PaymentSource   `json:"source"`
	Reference       string          `json:"reference"`
	Description     string          `json:"description,omitempty"`
	AccountHash     string          `json:"accountHash,omitempty"`
	CustomerName    string          `json:"customerName,omitempty"`
	CustomerEmail   string          `json:"customerEmail,omitempty"`
	BillingAddress  string          `json:"billingAddress,omitempty"`
	BillingPostcode string          `json:"billingPostcode,omitempty"`
}

// RowError describes a problem with one CSV row. Row errors never abort
// the batch; they are collected alongside the successfully parsed rows.
type RowError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// ParseResult is the outcome of parsing one uploaded file.
// Success is false only for structural failures (empty input, missing
// required headers); row-level problems land in Errors instead.
type ParseResult struct {
	Success        bool            `json:"success"`
	Processed      int             `json:"processed"`
	Skipped        int             `json:"skipped"`
	Errors         []RowError      `json:"errors,omitempty"`
	Payments       []ParsedPayment `json:"payments"`
	DateFormat     string          `json:"dateFormat,omitempty"`
	DateConfidence DateConfidence  `json:"dateConfidence,omitempty"`
}
