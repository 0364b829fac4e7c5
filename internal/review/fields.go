package review

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zombor/resibo/internal/invoice"
)

type fieldKind int

const (
	kindText fieldKind = iota
	kindMoney
	kindDate
	kindCategory
	kindVATStatus
)

// field describes one editable record field
type field struct {
	kind  fieldKind
	text  func(r *invoice.Record) *string
	money func(r *invoice.Record) *float64
}

var editableFields = map[string]field{
	"vendor_name":    {kind: kindText, text: func(r *invoice.Record) *string { return &r.VendorName }},
	"tin":            {kind: kindText, text: func(r *invoice.Record) *string { return &r.TIN }},
	"address":        {kind: kindText, text: func(r *invoice.Record) *string { return &r.Address }},
	"city":           {kind: kindText, text: func(r *invoice.Record) *string { return &r.City }},
	"invoice_number": {kind: kindText, text: func(r *invoice.Record) *string { return &r.InvoiceNumber }},
	"date":           {kind: kindDate, text: func(r *invoice.Record) *string { return &r.Date }},

	"vatable_sales":    {kind: kindMoney, money: func(r *invoice.Record) *float64 { return &r.VatableSales }},
	"vat_amount":       {kind: kindMoney, money: func(r *invoice.Record) *float64 { return &r.VATAmount }},
	"vat_exempt_sales": {kind: kindMoney, money: func(r *invoice.Record) *float64 { return &r.VATExemptSales }},
	"zero_rated_sales": {kind: kindMoney, money: func(r *invoice.Record) *float64 { return &r.ZeroRatedSales }},
	"service_charge":   {kind: kindMoney, money: func(r *invoice.Record) *float64 { return &r.ServiceCharge }},
	"total_amount":     {kind: kindMoney, money: func(r *invoice.Record) *float64 { return &r.TotalAmount }},

	"expense_category": {kind: kindCategory},
	"vat_status":       {kind: kindVATStatus},
}

// readOnlyFields are carried through to the executor but never edited
var readOnlyFields = map[string]bool{
	"vendor_source":  true,
	"vendor_id":      true,
	"invoice_count":  true,
	"transaction_id": true,
	"drive_url":      true,
	"validation":     true,
}

// MoneyFields lists the currency fields in display order
var MoneyFields = []string{
	"vatable_sales",
	"vat_amount",
	"vat_exempt_sales",
	"zero_rated_sales",
	"service_charge",
	"total_amount",
}

// EditableFields returns the names accepted by EditField, sorted
func EditableFields() []string {
	names := make([]string, 0, len(editableFields))
	for name := range editableFields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupField(name string) (field, error) {
	if f, ok := editableFields[name]; ok {
		return f, nil
	}
	if readOnlyFields[name] {
		return field{}, fmt.Errorf("%w: %s", ErrReadOnlyField, name)
	}
	return field{}, fmt.Errorf("%w: %s", ErrUnknownField, name)
}

// set applies a non-money value to the record
func (f field) set(r *invoice.Record, name, value string) error {
	switch f.kind {
	case kindText:
		*f.text(r) = strings.TrimSpace(value)
	case kindDate:
		*f.text(r) = invoice.CanonicalDate(value)
	case kindCategory:
		c, ok := invoice.ParseExpenseCategory(value)
		if !ok {
			return fmt.Errorf("%w: %s must be one of %v", ErrInvalidValue, name, invoice.ExpenseCategories)
		}
		r.ExpenseCategory = c
	case kindVATStatus:
		v, ok := invoice.ParseVATStatus(value)
		if !ok {
			return fmt.Errorf("%w: %s must be one of %v", ErrInvalidValue, name, invoice.VATStatuses)
		}
		r.VATStatus = v
	}
	return nil
}
