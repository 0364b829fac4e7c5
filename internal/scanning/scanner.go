package scanning

import (
	"context"

	"github.com/zombor/resibo/internal/invoice"
)

// Extractor reads an invoice image or PDF into the canonical record
type Extractor interface {
	// ExtractInvoice analyzes an invoice image/PDF and extracts its fields
	ExtractInvoice(ctx context.Context, imageData []byte, contentType string) (*invoice.Record, error)
	// Close closes the extractor and releases resources
	Close() error
}
