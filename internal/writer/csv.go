package writer

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/insightdelivered/membership-reconciler/internal/models"
)

// CSVWriter writes reconciliation records in CSV format for reporting.
type CSVWriter struct {
	IncludeHeader bool
}

// WriteToFile writes records to a CSV file at the given path.
func (w *CSVWriter) WriteToFile(path string, records []models.ReconciliationRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file %q: %w", path, err)
	}
	defer f.Close()

	return w.Write(f, records)
}

// Write writes records in CSV format to the given writer.
func (w *CSVWriter) Write(out io.Writer, records []models.ReconciliationRecord) error {
	writer := csv.NewWriter(out)
	defer writer.Flush()

	if w.IncludeHeader {
		header := []string{"Date", "Amount", "Source", "Reference", "Contact", "Operator", "Confidence", "Reconciled At", "Fingerprint"}
		if err := writer.Write(header); err != nil {
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
	}

	for _, rec := range records {
		row := []string{
			rec.PaymentDate.Format("2006-01-02"),
			rec.Amount.StringFixed(2),
			string(rec.Source),
			rec.Reference,
			rec.ContactID,
			rec.OperatorID,
			strconv.FormatFloat(rec.Confidence, 'f', 2, 64),
			rec.CreatedAt.Format("2006-01-02 15:04:05"),
			rec.Fingerprint,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	return writer.Error()
}
