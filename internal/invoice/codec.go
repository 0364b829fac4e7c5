package invoice

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// CurrencySymbol prefixes every formatted amount
const CurrencySymbol = "₱"

// currency glyphs, thousands separators and spacing; letters are left in so typos fail to parse
var moneyNoise = regexp.MustCompile(`[₱$,\s]`)

// RoundMoney rounds v half away from zero to two decimal places.
// NaN and infinities become 0.
func RoundMoney(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// FormatCurrency renders v as a peso amount with thousands separators, e.g. ₱1,234.50
func FormatCurrency(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	d := decimal.NewFromFloat(v).Round(2)
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Neg()
	}
	fixed := d.StringFixed(2)
	whole, frac, _ := strings.Cut(fixed, ".")
	return sign + CurrencySymbol + groupThousands(whole) + "." + frac
}

func groupThousands(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

// ParseCurrency strips currency glyphs and separators and parses the rest.
// Anything that does not parse yields 0; it never fails.
func ParseCurrency(text string) float64 {
	v, err := ParseCurrencyStrict(text)
	if err != nil {
		return 0
	}
	return v
}

// ParseCurrencyStrict is ParseCurrency but reports text that is not a number.
// Empty input is a cleared field and parses as 0.
func ParseCurrencyStrict(text string) (float64, error) {
	cleaned := moneyNoise.ReplaceAllString(text, "")
	if cleaned == "" {
		if strings.TrimSpace(text) == "" {
			return 0, nil
		}
		return 0, fmt.Errorf("not an amount: %q", text)
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0, fmt.Errorf("not an amount: %q", text)
	}
	f, _ := d.Float64()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("amount out of range: %q", text)
	}
	return f, nil
}

// PlainAmount renders v without symbol or separators, for the edit buffer
func PlainAmount(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	return decimal.NewFromFloat(v).Round(2).StringFixed(2)
}

var (
	displayDate = regexp.MustCompile(`^(\d{1,2})[/-](\d{1,2})[/-](\d{4})$`)
	editDate    = regexp.MustCompile(`^(\d{4})[/-](\d{1,2})[/-](\d{1,2})$`)
)

// DateToEditFormat converts MM/DD/YYYY to YYYY-MM-DD. Other input passes through.
func DateToEditFormat(display string) string {
	if m := displayDate.FindStringSubmatch(display); m != nil {
		return fmt.Sprintf("%s-%s-%s", m[3], pad2(m[1]), pad2(m[2]))
	}
	if m := editDate.FindStringSubmatch(display); m != nil {
		return fmt.Sprintf("%s-%s-%s", m[1], pad2(m[2]), pad2(m[3]))
	}
	return display
}

// DateFromEditFormat converts YYYY-MM-DD to MM/DD/YYYY. Other input passes through.
func DateFromEditFormat(iso string) string {
	if m := editDate.FindStringSubmatch(iso); m != nil {
		return fmt.Sprintf("%s/%s/%s", pad2(m[2]), pad2(m[3]), m[1])
	}
	return iso
}

// CanonicalDate returns the display form of a date given in either form
func CanonicalDate(s string) string {
	s = strings.TrimSpace(s)
	if m := displayDate.FindStringSubmatch(s); m != nil {
		return fmt.Sprintf("%s/%s/%s", pad2(m[1]), pad2(m[2]), m[3])
	}
	return DateFromEditFormat(s)
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}
