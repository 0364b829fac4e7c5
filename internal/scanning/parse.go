package scanning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zombor/resibo/internal/invoice"
)

// parseInvoiceJSON parses a model response into the canonical record and
// attaches a validation verdict
func parseInvoiceJSON(text string) (*invoice.Record, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	fields := map[string]any{}
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	// The model's own validation, if it sent one, is not trusted
	delete(fields, "validation")
	delete(fields, "validation_result")

	rec := invoice.NormalizeMap(fields, invoice.RawRecord{})
	rec.VendorName = strings.TrimSpace(rec.VendorName)
	rec.TIN = strings.TrimSpace(rec.TIN)
	rec.Validation = Validate(rec)
	return &rec, nil
}
