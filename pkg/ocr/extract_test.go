package ocr

import (
	"encoding/json"
	"image"
	"strings"
	"testing"
)

// tokensOnRow fabricates word tokens laid out left to right on one visual row.
func tokensOnRow(row, conf int, words ...string) []Token {
	out := make([]Token, 0, len(words))
	x := 0
	for _, w := range words {
		width := 12 * len(w)
		out = append(out, Token{
			Text: w,
			Conf: conf,
			Box:  image.Rect(x, row*30, x+width, row*30+22),
		})
		x += width + 10
	}
	return out
}

func fieldsByName(fields []ExtractedField) map[string]ExtractedField {
	m := make(map[string]ExtractedField, len(fields))
	for _, f := range fields {
		m[f.Name] = f
	}
	return m
}

func TestExtractInvoiceFields(t *testing.T) {
	var toks []Token
	rows := [][]string{
		{"Faktura", "VAT", "nr", "123/2024"},
		{"Data", "wystawienia:", "15.03.2024"},
		{"Data", "sprzedaży:", "14.03.2024"},
		{"Sprzedawca", "NIP:", "526-025-02-74"},
		{"Nabywca", "NIP:", "123-456-32-18"},
		{"Stawka", "VAT", "23%"},
		{"Razem", "netto", "100,00", "zł"},
		{"Do", "zapłaty:", "123,00", "zł"},
	}
	for i, row := range rows {
		toks = append(toks, tokensOnRow(i, 80, row...)...)
	}
	var words []string
	for _, tk := range toks {
		words = append(words, tk.Text)
	}
	rec := &Recognition{Engine: "test", Text: strings.Join(words, " "), Tokens: toks}

	got := fieldsByName(Extract(rec, DefaultRules()))

	want := map[string]string{
		FieldInvoiceNumber: "123/2024",
		FieldIssueDate:     "15.03.2024",
		FieldSaleDate:      "14.03.2024",
		FieldSellerNIP:     "5260250274",
		FieldBuyerNIP:      "1234563218",
		FieldVATRate:       "23",
		FieldNetTotal:      "100,00",
		FieldGrossTotal:    "123,00",
	}
	for name, val := range want {
		f, ok := got[name]
		if !ok || !f.Found {
			t.Errorf("%s not found", name)
			continue
		}
		if f.Value != val {
			t.Errorf("%s = %q, want %q", name, f.Value, val)
		}
		if f.Conf <= 0 {
			t.Errorf("%s confidence %d, want > 0", name, f.Conf)
		}
	}
}

func TestExtractWithoutTokensUsesDefaultConfidence(t *testing.T) {
	rec := &Recognition{
		Engine: "test",
		Text:   "Faktura nr 7/2024\nNIP: 526-025-02-74\nDo zapłaty: 50,00 zł",
	}
	got := fieldsByName(Extract(rec, DefaultRules()))

	inv := got[FieldInvoiceNumber]
	if !inv.Found || inv.Value != "7/2024" {
		t.Fatalf("invoice number = %+v", inv)
	}
	if inv.Conf != defaultConf {
		t.Errorf("confidence = %d, want %d without token data", inv.Conf, defaultConf)
	}
	if nip := got[FieldSellerNIP]; !nip.Found || nip.Value != "5260250274" {
		t.Errorf("seller NIP = %+v", nip)
	}
	if gross := got[FieldGrossTotal]; !gross.Found || gross.Value != "50,00" {
		t.Errorf("gross total = %+v", gross)
	}
}

func TestExtractMissingFieldsStayUnfound(t *testing.T) {
	rec := &Recognition{Engine: "test", Text: "nothing invoice-like here"}
	got := fieldsByName(Extract(rec, DefaultRules()))
	for _, name := range []string{FieldInvoiceNumber, FieldSellerNIP, FieldGrossTotal, FieldVATRate} {
		if f := got[name]; f.Found {
			t.Errorf("%s unexpectedly found: %+v", name, f)
		}
	}
}

func TestExtractBareNIPFallbackNeedsChecksum(t *testing.T) {
	// no "NIP" label: only digit groups passing the checksum are picked up
	rec := &Recognition{Engine: "test", Text: "konto 1234567890 identyfikator 5260250274"}
	got := fieldsByName(Extract(rec, DefaultRules()))
	nip := got[FieldSellerNIP]
	if !nip.Found || nip.Value != "5260250274" {
		t.Fatalf("seller NIP = %+v, want the checksummed group", nip)
	}
}

func TestExtractLineItems(t *testing.T) {
	var toks []Token
	rows := [][]string{
		{"Nazwa", "ilość", "cena", "wartość"},
		{"Usługa", "transportowa", "2", "x", "50,00", "100,00"},
		{"Opłata", "dodatkowa", "1", "x", "23,00", "23,00"},
	}
	for i, row := range rows {
		toks = append(toks, tokensOnRow(i, 85, row...)...)
	}
	rec := &Recognition{Engine: "test", Tokens: toks}

	got := fieldsByName(Extract(rec, DefaultRules()))
	f := got[FieldLineItems]
	if !f.Found {
		t.Fatal("line items not found")
	}
	var items []LineItem
	if err := json.Unmarshal([]byte(f.Value), &items); err != nil {
		t.Fatalf("line items not JSON: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2: %s", len(items), f.Value)
	}
	if items[0].Qty != 2 || items[0].UnitGrosze != 5000 || items[0].TotalGrosze != 10000 {
		t.Errorf("first item = %+v", items[0])
	}
	if !strings.Contains(items[1].Name, "Opłata") {
		t.Errorf("second item name = %q", items[1].Name)
	}
}

func TestFixDigitConfusions(t *testing.T) {
	if got := fixDigitConfusions("5I6-O25-02-74"); onlyDigits(got) != "5160250274" {
		t.Errorf("fixDigitConfusions = %q", got)
	}
}
