package review

import "github.com/zombor/resibo/internal/invoice"

// InputMode says whether a currency input shows the formatted amount or a raw buffer
type InputMode int

const (
	ModeDisplay InputMode = iota
	ModeEditing
)

func (m InputMode) String() string {
	if m == ModeEditing {
		return "editing"
	}
	return "display"
}

// MarshalText renders the mode for JSON
func (m InputMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// CurrencyInput is the value shown by a money field: either the formatted
// amount, or the raw text the user is typing while the field has focus.
type CurrencyInput struct {
	Mode InputMode `json:"mode"`
	Text string    `json:"text"`
}

// Display returns the formatted, unfocused input for v
func Display(v float64) CurrencyInput {
	return CurrencyInput{Mode: ModeDisplay, Text: invoice.FormatCurrency(v)}
}

// Editing returns a focused input holding text
func Editing(text string) CurrencyInput {
	return CurrencyInput{Mode: ModeEditing, Text: text}
}

// Focus switches to editing, seeding the buffer with the plain amount
func (c CurrencyInput) Focus(v float64) CurrencyInput {
	if c.Mode == ModeEditing {
		return c
	}
	return Editing(invoice.PlainAmount(v))
}

// Type replaces the buffer. It has no effect while displaying.
func (c CurrencyInput) Type(text string) CurrencyInput {
	if c.Mode != ModeEditing {
		return c
	}
	return Editing(text)
}

// Blur parses the buffer and switches back to display. The returned error
// reports a buffer that was not an amount; the value is then 0.
func (c CurrencyInput) Blur() (float64, CurrencyInput, error) {
	v, err := invoice.ParseCurrencyStrict(c.Text)
	if err != nil {
		v = 0
	}
	if v < 0 {
		v = 0
	}
	return v, Display(v), err
}
