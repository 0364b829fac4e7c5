package invoice

import (
	"encoding/json"
	"time"
)

// ExpenseCategory classifies an invoice for the downstream ledger
type ExpenseCategory string

const (
	CategoryProfessional ExpenseCategory = "PROFESSIONAL"
	CategoryTransport    ExpenseCategory = "TRANSPORT"
	CategorySupplies     ExpenseCategory = "SUPPLIES"
	CategoryUtilities    ExpenseCategory = "UTILITIES"
	CategoryFood         ExpenseCategory = "FOOD"
	CategoryMedicine     ExpenseCategory = "MEDICINE"
	CategoryOthers       ExpenseCategory = "OTHERS"
)

// ExpenseCategories lists every category in display order
var ExpenseCategories = []ExpenseCategory{
	CategoryProfessional,
	CategoryTransport,
	CategorySupplies,
	CategoryUtilities,
	CategoryFood,
	CategoryMedicine,
	CategoryOthers,
}

// VATStatus is the vendor's VAT registration status
type VATStatus string

const (
	VATRegistered VATStatus = "VAT_REGISTERED"
	VATExempt     VATStatus = "VAT_EXEMPT"
	NonVAT        VATStatus = "NON_VAT"
)

// VATStatuses lists every VAT status in display order
var VATStatuses = []VATStatus{VATRegistered, VATExempt, NonVAT}

// Verdict is the overall result of the extractor's self-check
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictWarn Verdict = "WARN"
	VerdictFail Verdict = "FAIL"
)

// ParseExpenseCategory returns the category named by s and whether it is known
func ParseExpenseCategory(s string) (ExpenseCategory, bool) {
	for _, c := range ExpenseCategories {
		if string(c) == s {
			return c, true
		}
	}
	return CategoryOthers, false
}

// ParseVATStatus returns the status named by s and whether it is known
func ParseVATStatus(s string) (VATStatus, bool) {
	for _, v := range VATStatuses {
		if string(v) == s {
			return v, true
		}
	}
	return VATRegistered, false
}

// Validation is the nested verdict produced alongside the extracted data
type Validation struct {
	Overall Verdict  `json:"overall"`
	Issues  []string `json:"issues"`
}

// RawRecord is a pending invoice as it is read from storage
type RawRecord struct {
	ID                   string          `json:"id"`
	UserID               string          `json:"user_id"`
	CreatedAt            time.Time       `json:"created_at"`
	ExtractedData        json.RawMessage `json:"extracted_data,omitempty"` // JSON text or an object
	AwaitingConfirmation bool            `json:"awaiting_confirmation"`
	TransactionID        string          `json:"transaction_id,omitempty"`
	GDriveFileID         string          `json:"gdrive_file_id,omitempty"`
	DriveURL             string          `json:"drive_url,omitempty"`
	Filename             string          `json:"filename,omitempty"`     // locally stored media, if any
	ContentType          string          `json:"content_type,omitempty"` // of Filename
}

// Record is the canonical, editable form of an invoice
type Record struct {
	VendorName string `json:"vendor_name"`
	TIN        string `json:"tin"`
	Address    string `json:"address"`
	City       string `json:"city"`

	InvoiceNumber string `json:"invoice_number"`
	Date          string `json:"date"` // MM/DD/YYYY

	VatableSales   float64 `json:"vatable_sales"`
	VATAmount      float64 `json:"vat_amount"`
	VATExemptSales float64 `json:"vat_exempt_sales"`
	ZeroRatedSales float64 `json:"zero_rated_sales"`
	ServiceCharge  float64 `json:"service_charge"`
	TotalAmount    float64 `json:"total_amount"`

	ExpenseCategory ExpenseCategory `json:"expense_category"`
	VATStatus       VATStatus       `json:"vat_status"`

	VendorSource  string `json:"vendor_source"`
	VendorID      string `json:"vendor_id"`
	InvoiceCount  int    `json:"invoice_count"`
	TransactionID string `json:"transaction_id"`

	DriveURL   string      `json:"drive_url"`
	Validation *Validation `json:"validation"`
}

// Status is the validation verdict to display. A missing verdict shows as WARN.
func (r Record) Status() Verdict {
	if r.Validation == nil || r.Validation.Overall == "" {
		return VerdictWarn
	}
	return r.Validation.Overall
}

// Clone returns a deep copy of the record
func (r Record) Clone() Record {
	out := r
	if r.Validation != nil {
		v := *r.Validation
		v.Issues = append([]string(nil), r.Validation.Issues...)
		out.Validation = &v
	}
	return out
}

// AsMap returns the record in the same shape as an extracted-data mapping
func (r Record) AsMap() map[string]any {
	data, err := json.Marshal(r)
	if err != nil {
		return map[string]any{}
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	return m
}
