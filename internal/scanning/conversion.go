package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// invoiceScanPrompt is the shared prompt used by all LLM providers for reading invoices
const invoiceScanPrompt = `You are reading a Philippine sales invoice or official receipt. Carefully read all text in the image and extract the following fields:

- vendor_name: the registered business name of the seller, usually at the top
- tin: the seller's Taxpayer Identification Number, e.g. "123-456-789-000"
- address, city: the seller's business address and city
- invoice_number: the invoice or OR number
- date: the invoice date in MM/DD/YYYY format
- vatable_sales, vat_amount, vat_exempt_sales, zero_rated_sales, service_charge, total_amount: numeric peso amounts (e.g. 1500.50 for ₱1,500.50), 0 when not printed
- vat_status: one of VAT_REGISTERED, VAT_EXEMPT, NON_VAT
- expense_category: one of PROFESSIONAL, TRANSPORT, SUPPLIES, UTILITIES, FOOD, MEDICINE, OTHERS

Return ONLY valid JSON in this exact format:
{
  "vendor_name": "",
  "tin": "",
  "address": "",
  "city": "",
  "invoice_number": "",
  "date": "MM/DD/YYYY",
  "vatable_sales": 0.00,
  "vat_amount": 0.00,
  "vat_exempt_sales": 0.00,
  "zero_rated_sales": 0.00,
  "service_charge": 0.00,
  "total_amount": 0.00,
  "vat_status": "VAT_REGISTERED",
  "expense_category": "OTHERS"
}

Important:
- Amounts must be numbers, not strings
- If you cannot find a text field, use an empty string
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// pdfToImage renders the first page of a PDF
func pdfToImage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// decodeImage decodes JPEG, PNG, GIF and HEIC/HEIF data
func decodeImage(imageData []byte, mimeType string) (image.Image, error) {
	// Go's standard image package doesn't support HEIC
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err := heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// isHEICFormat checks for an ftyp box with a HEIC-family brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

func normalizeMimeType(contentType string) string {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return mimeType
}

// ToPNG renders invoice media as PNG. PNG input is returned unchanged; PDFs
// are rendered from their first page.
func ToPNG(data []byte, contentType string) ([]byte, error) {
	mimeType := normalizeMimeType(contentType)
	if mimeType == "image/png" && !isHEICFormat(data) {
		return data, nil
	}

	var (
		img image.Image
		err error
	)
	if mimeType == "application/pdf" {
		img, err = pdfToImage(data)
		if err != nil {
			return nil, fmt.Errorf("converting PDF to image: %w", err)
		}
	} else {
		img, err = decodeImage(data, mimeType)
		if err != nil {
			return nil, fmt.Errorf("converting image to PNG: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}
