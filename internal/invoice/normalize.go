package invoice

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// fieldAliases lists, per canonical field, the keys tried in priority order.
// Older extractor versions wrote the later names.
var fieldAliases = map[string][]string{
	"vendor_name":      {"vendor_name", "vendor"},
	"tin":              {"tin", "vendor_tin"},
	"address":          {"address", "vendor_address"},
	"city":             {"city", "vendor_city"},
	"invoice_number":   {"invoice_number", "invoice_no"},
	"date":             {"date", "invoice_date"},
	"vatable_sales":    {"vatable_sales", "vatable_amount"},
	"vat_amount":       {"vat_amount", "vat"},
	"vat_exempt_sales": {"vat_exempt_sales", "vat_exempt"},
	"zero_rated_sales": {"zero_rated_sales", "zero_rated"},
	"service_charge":   {"service_charge", "service_fee"},
	"total_amount":     {"total_amount", "total"},
	"expense_category": {"expense_category", "category"},
	"vat_status":       {"vat_status"},
	"vendor_source":    {"vendor_source"},
	"vendor_id":        {"vendor_id"},
	"invoice_count":    {"invoice_count"},
	"drive_url":        {"drive_url", "gdrive_url"},
	"validation":       {"validation", "validation_result"},
}

var fileIDKeys = []string{"gdrive_file_id", "drive_file_id"}

// Normalize maps a stored record onto the canonical edit form.
// It never fails: unreadable extracted data is treated as an empty mapping.
func Normalize(raw RawRecord) Record {
	return NormalizeMap(BaseMapping(raw.ExtractedData), raw)
}

// NormalizeMap builds the canonical record from an already decoded mapping.
// Feeding it Record.AsMap() with the same raw record returns the record unchanged.
func NormalizeMap(base map[string]any, raw RawRecord) Record {
	if base == nil {
		base = map[string]any{}
	}
	rec := Record{
		VendorName:    lookupString(base, "vendor_name"),
		TIN:           lookupString(base, "tin"),
		Address:       lookupString(base, "address"),
		City:          lookupString(base, "city"),
		InvoiceNumber: lookupString(base, "invoice_number"),
		Date:          CanonicalDate(lookupString(base, "date")),

		VatableSales:   lookupMoney(base, "vatable_sales"),
		VATAmount:      lookupMoney(base, "vat_amount"),
		VATExemptSales: lookupMoney(base, "vat_exempt_sales"),
		ZeroRatedSales: lookupMoney(base, "zero_rated_sales"),
		ServiceCharge:  lookupMoney(base, "service_charge"),
		TotalAmount:    lookupMoney(base, "total_amount"),

		VendorSource: lookupString(base, "vendor_source"),
		VendorID:     lookupString(base, "vendor_id"),
		InvoiceCount: lookupInt(base, "invoice_count"),

		TransactionID: raw.TransactionID,
		Validation:    lookupValidation(base),
	}

	rec.ExpenseCategory, _ = ParseExpenseCategory(enumKey(lookupString(base, "expense_category")))
	rec.VATStatus, _ = ParseVATStatus(enumKey(lookupString(base, "vat_status")))

	rec.DriveURL = lookupString(base, "drive_url")
	if rec.DriveURL == "" {
		rec.DriveURL = raw.DriveURL
	}
	return rec
}

// BaseMapping decodes extracted data that is either JSON text or an object
func BaseMapping(data json.RawMessage) map[string]any {
	return decodeBase(data, 2)
}

func decodeBase(data []byte, depth int) map[string]any {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || depth == 0 {
		return map[string]any{}
	}
	switch data[0] {
	case '"':
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return map[string]any{}
		}
		return decodeBase([]byte(text), depth-1)
	case '{':
		m := map[string]any{}
		if err := json.Unmarshal(data, &m); err != nil {
			return map[string]any{}
		}
		return m
	default:
		return map[string]any{}
	}
}

// BestFileID returns the stored media id for the discard call: the record's
// own id first, then one found in the extracted data.
func BestFileID(raw RawRecord) string {
	if raw.GDriveFileID != "" {
		return raw.GDriveFileID
	}
	base := BaseMapping(raw.ExtractedData)
	for _, key := range fileIDKeys {
		if s := asString(base[key]); s != "" {
			return s
		}
	}
	return ""
}

// lookup returns the first candidate value that is present and not empty
func lookup(base map[string]any, field string) any {
	for _, key := range fieldAliases[field] {
		v, ok := base[key]
		if !ok || v == nil {
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			continue
		}
		return v
	}
	return nil
}

func lookupString(base map[string]any, field string) string {
	return asString(lookup(base, field))
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func lookupMoney(base map[string]any, field string) float64 {
	var v float64
	switch t := lookup(base, field).(type) {
	case float64:
		v = t
	case string:
		v = ParseCurrency(t)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

func lookupInt(base map[string]any, field string) int {
	switch t := lookup(base, field).(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0
		}
		return int(t)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

func lookupValidation(base map[string]any) *Validation {
	var m map[string]any
	switch t := lookup(base, "validation").(type) {
	case map[string]any:
		m = t
	case string:
		decoded := decodeBase([]byte(t), 1)
		if len(decoded) == 0 {
			return nil
		}
		m = decoded
	default:
		return nil
	}

	v := &Validation{Overall: parseVerdict(asString(m["overall"])), Issues: []string{}}
	switch issues := m["issues"].(type) {
	case []any:
		for _, issue := range issues {
			if s := asString(issue); s != "" {
				v.Issues = append(v.Issues, s)
			}
		}
	case string:
		if s := strings.TrimSpace(issues); s != "" {
			v.Issues = append(v.Issues, s)
		}
	}
	return v
}

func parseVerdict(s string) Verdict {
	switch Verdict(strings.ToUpper(s)) {
	case VerdictPass:
		return VerdictPass
	case VerdictFail:
		return VerdictFail
	default:
		return VerdictWarn
	}
}

func enumKey(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	return s
}
