package scanning

import (
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/zombor/resibo/internal/invoice"
)

var (
	vatRate   = decimal.RequireFromString("0.12")
	tolerance = decimal.NewFromInt(1)
	tinFormat = regexp.MustCompile(`^\d{3}-?\d{3}-?\d{3}(-?\d{3,5})?$`)
)

// Validate checks an extracted record for missing fields and arithmetic that
// does not add up. A record missing both its vendor and its total fails;
// anything else with issues is a warning.
func Validate(rec invoice.Record) *invoice.Validation {
	issues := []string{}

	if rec.VendorName == "" {
		issues = append(issues, "vendor name not found")
	}
	if rec.TIN != "" && !tinFormat.MatchString(rec.TIN) {
		issues = append(issues, "TIN format not recognized")
	}
	if rec.Date == "" {
		issues = append(issues, "invoice date not found")
	}

	total := decimal.NewFromFloat(rec.TotalAmount)
	if total.IsZero() {
		issues = append(issues, "total amount not found")
	}

	vatable := decimal.NewFromFloat(rec.VatableSales)
	vat := decimal.NewFromFloat(rec.VATAmount)
	if rec.VATStatus == invoice.VATRegistered && vatable.IsPositive() {
		expected := vatable.Mul(vatRate).Round(2)
		if expected.Sub(vat).Abs().GreaterThan(tolerance) {
			issues = append(issues, "VAT amount is not 12% of vatable sales (expected "+invoice.FormatCurrency(expected.InexactFloat64())+")")
		}
	}

	sum := decimal.Sum(vatable, vat,
		decimal.NewFromFloat(rec.VATExemptSales),
		decimal.NewFromFloat(rec.ZeroRatedSales),
		decimal.NewFromFloat(rec.ServiceCharge),
	)
	if sum.IsPositive() && total.IsPositive() && sum.Sub(total).Abs().GreaterThan(tolerance) {
		issues = append(issues, "breakdown totals "+invoice.FormatCurrency(sum.InexactFloat64())+" but total amount is "+invoice.FormatCurrency(rec.TotalAmount))
	}

	overall := invoice.VerdictPass
	switch {
	case rec.VendorName == "" && total.IsZero():
		overall = invoice.VerdictFail
	case len(issues) > 0:
		overall = invoice.VerdictWarn
	}
	return &invoice.Validation{Overall: overall, Issues: issues}
}
