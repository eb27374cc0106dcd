package ocr

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Canonical field names produced by the extractors and accepted by the
// validation flow.
const (
	FieldInvoiceNumber = "invoice_number"
	FieldIssueDate     = "issue_date"
	FieldSaleDate      = "sale_date"
	FieldSellerNIP     = "seller_nip"
	FieldBuyerNIP      = "buyer_nip"
	FieldVATRate       = "vat_rate"
	FieldNetTotal      = "net_total"
	FieldGrossTotal    = "gross_total"
	FieldLineItems     = "line_items"
)

// Rules holds the business checks applied to extracted and corrected fields.
// Tunable via an optional YAML file (see LoadRules); defaults match Polish
// VAT invoices.
type Rules struct {
	VATRates        []string `yaml:"vat_rates"`
	Required        []string `yaml:"required_fields"`
	ReviewThreshold int      `yaml:"review_threshold"`
	DatePastYears   int      `yaml:"date_past_years"`
	DateFutureDays  int      `yaml:"date_future_days"`
	MaxAmountGrosze int64    `yaml:"max_amount_grosze"`
	Boost           int      `yaml:"confidence_boost"`
	Penalty         int      `yaml:"confidence_penalty"`
}

// DefaultRules returns the stock rule set.
func DefaultRules() *Rules {
	return &Rules{
		VATRates:        []string{"23", "8", "5", "0", "zw", "np"},
		Required:        []string{FieldInvoiceNumber, FieldIssueDate, FieldSellerNIP, FieldVATRate, FieldGrossTotal},
		ReviewThreshold: 70,
		DatePastYears:   2,
		DateFutureDays:  31,
		MaxAmountGrosze: 100_000_000_00, // 100M PLN is past any plausible invoice
		Boost:           15,
		Penalty:         25,
	}
}

// LoadRules reads a YAML rules file, filling gaps from DefaultRules.
func LoadRules(path string) (*Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	r := DefaultRules()
	if err := yaml.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	if r.ReviewThreshold < 0 || r.ReviewThreshold > 100 {
		return nil, fmt.Errorf("review_threshold %d out of range 0..100", r.ReviewThreshold)
	}
	return r, nil
}

// IsRequired reports whether name is a required field for invoice creation.
func (r *Rules) IsRequired(name string) bool {
	for _, f := range r.Required {
		if f == name {
			return true
		}
	}
	return false
}

// KnownField reports whether name is one of the canonical field names.
func KnownField(name string) bool {
	switch name {
	case FieldInvoiceNumber, FieldIssueDate, FieldSaleDate, FieldSellerNIP,
		FieldBuyerNIP, FieldVATRate, FieldNetTotal, FieldGrossTotal, FieldLineItems:
		return true
	}
	return false
}

var invoiceNumberRE = regexp.MustCompile(`\d`)

// Check validates a field value against its business rule. A nil return
// means the value is structurally plausible; the same checks drive both the
// confidence scorer and manual-correction validation.
func (r *Rules) Check(name, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("empty value")
	}
	switch name {
	case FieldInvoiceNumber:
		if len(value) > 64 {
			return fmt.Errorf("invoice number too long")
		}
		if !invoiceNumberRE.MatchString(value) {
			return fmt.Errorf("invoice number must contain a digit")
		}
		return nil
	case FieldIssueDate, FieldSaleDate:
		t, err := ParseDate(value)
		if err != nil {
			return err
		}
		return r.checkDateRange(t)
	case FieldSellerNIP, FieldBuyerNIP:
		if !ValidNIP(value) {
			return fmt.Errorf("invalid NIP checksum")
		}
		return nil
	case FieldVATRate:
		for _, v := range r.VATRates {
			if value == v {
				return nil
			}
		}
		return fmt.Errorf("VAT rate %q not one of %s", value, strings.Join(r.VATRates, ", "))
	case FieldNetTotal, FieldGrossTotal:
		amt, err := ParseAmount(value)
		if err != nil {
			return err
		}
		if amt <= 0 {
			return fmt.Errorf("amount must be positive")
		}
		if amt > r.MaxAmountGrosze {
			return fmt.Errorf("amount implausibly large")
		}
		return nil
	case FieldLineItems:
		var items []LineItem
		if err := json.Unmarshal([]byte(value), &items); err != nil {
			return fmt.Errorf("line items must be a JSON array: %v", err)
		}
		for i, it := range items {
			if strings.TrimSpace(it.Name) == "" {
				return fmt.Errorf("line item %d: empty name", i+1)
			}
			if it.Qty <= 0 {
				return fmt.Errorf("line item %d: non-positive quantity", i+1)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown field %q", name)
}

func (r *Rules) checkDateRange(t time.Time) error {
	now := time.Now()
	min := now.AddDate(-r.DatePastYears, 0, 0)
	max := now.AddDate(0, 0, r.DateFutureDays)
	if t.Before(min) || t.After(max) {
		return fmt.Errorf("date %s outside plausible range", t.Format("2006-01-02"))
	}
	return nil
}

// nipWeights are the mod-11 checksum weights for the first nine NIP digits.
var nipWeights = [9]int{6, 5, 7, 2, 3, 4, 5, 6, 7}

// ValidNIP verifies the checksum of a Polish tax identifier. Separators
// (spaces, dashes) are ignored.
func ValidNIP(s string) bool {
	d := onlyDigits(s)
	if len(d) != 10 {
		return false
	}
	sum := 0
	for i := 0; i < 9; i++ {
		sum += int(d[i]-'0') * nipWeights[i]
	}
	c := sum % 11
	if c == 10 {
		return false
	}
	return c == int(d[9]-'0')
}

// dateLayouts in order of how often they appear on Polish invoices.
var dateLayouts = []string{"02.01.2006", "2006-01-02", "02-01-2006", "02/01/2006", "2.1.2006"}

// ParseDate parses the date formats the extractors emit and corrections may
// carry.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

var amountRE = regexp.MustCompile(`^\d{1,3}(?:[ .]?\d{3})*(?:,\d{2})?$|^\d+(?:\.\d{2})?$`)

// ParseAmount converts an amount string to grosze. Accepts Polish formatting
// ("1 234,56", "1.234,56") and plain decimals ("1234.56"); a value without a
// decimal part is whole złoty.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(s), "zł"), "PLN"))
	s = strings.TrimSpace(s)
	if !amountRE.MatchString(s) {
		return 0, fmt.Errorf("unrecognized amount %q", s)
	}
	zl, gr := s, "00"
	if i := strings.LastIndex(s, ","); i != -1 && len(s)-i == 3 {
		zl, gr = s[:i], s[i+1:]
	} else if i := strings.LastIndex(s, "."); i != -1 && len(s)-i == 3 &&
		!strings.Contains(s, ",") && strings.Count(s, ".") == 1 {
		// a single trailing ".NN" is a decimal point, not a thousands separator
		zl, gr = s[:i], s[i+1:]
	}
	return combineAmount(onlyDigits(zl), onlyDigits(gr))
}

func combineAmount(zl, gr string) (int64, error) {
	if zl == "" {
		return 0, fmt.Errorf("no integer part")
	}
	if len(zl) > 12 {
		return 0, fmt.Errorf("amount too long")
	}
	var n int64
	for _, c := range zl {
		n = n*10 + int64(c-'0')
	}
	n *= 100
	if len(gr) >= 1 {
		n += int64(gr[0]-'0') * 10
	}
	if len(gr) >= 2 {
		n += int64(gr[1] - '0')
	}
	return n, nil
}

// FormatAmount renders grosze back to the canonical "1234,56" form.
func FormatAmount(grosze int64) string {
	if grosze < 0 {
		grosze = -grosze
	}
	return fmt.Sprintf("%d,%02d", grosze/100, grosze%100)
}

// LineItem is one row of the invoice item table, as stored in the
// line_items field (JSON array).
type LineItem struct {
	Name        string `json:"name"`
	Qty         int64  `json:"qty"`
	UnitGrosze  int64  `json:"unit_grosze"`
	TotalGrosze int64  `json:"total_grosze"`
}
