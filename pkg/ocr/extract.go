package ocr

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ExtractedField is the output of one extractor: a typed value plus the
// engine's token-level confidence for the matched span. Found=false means
// the extractor could not locate the field; the task still completes and the
// field is recorded with confidence 0 for review.
type ExtractedField struct {
	Name  string
	Value string
	Conf  int
	Found bool
}

// defaultConf is used when a recognition carries no per-token confidences
// (engines without word boxes).
const defaultConf = 55

// Extract applies every named extractor to the recognition and returns one
// entry per canonical field, found or not.
func Extract(rec *Recognition, rules *Rules) []ExtractedField {
	d := newDoc(rec)
	out := []ExtractedField{
		extractInvoiceNumber(d),
	}
	out = append(out, extractDates(d)...)
	out = append(out, extractNIPs(d)...)
	out = append(out, extractVATRate(d, rules))
	out = append(out, extractAmounts(d)...)
	out = append(out, extractLineItems(d))
	return out
}

// doc is a recognition prepared for span matching: token texts joined with
// single spaces plus the byte offset of every token, so a regex match range
// can be mapped back to the tokens (and their confidences) that produced it.
type doc struct {
	rec    *Recognition
	joined string
	starts []int // starts[i] = offset of token i in joined
}

func newDoc(rec *Recognition) *doc {
	d := &doc{rec: rec}
	if len(rec.Tokens) == 0 {
		d.joined = normalizeText(rec.Text)
		return d
	}
	var b strings.Builder
	for i, t := range rec.Tokens {
		if i > 0 {
			b.WriteByte(' ')
		}
		d.starts = append(d.starts, b.Len())
		b.WriteString(t.Text)
	}
	d.joined = b.String()
	return d
}

// spanConf returns the mean confidence of the tokens overlapping
// joined[start:end].
func (d *doc) spanConf(start, end int) int {
	if len(d.starts) == 0 {
		return defaultConf
	}
	sum, n := 0, 0
	for i, s := range d.starts {
		e := s + len(d.rec.Tokens[i].Text)
		if s < end && e > start {
			sum += d.rec.Tokens[i].Conf
			n++
		}
	}
	if n == 0 {
		return defaultConf
	}
	return sum / n
}

// line is one visual row of the document, reconstructed from token boxes.
type line struct {
	text string
	conf int
}

// lines groups tokens into rows by vertical box overlap; without boxes it
// falls back to the engine's raw line breaks.
func (d *doc) lines() []line {
	if len(d.rec.Tokens) == 0 {
		var out []line
		for _, ln := range strings.Split(d.rec.Text, "\n") {
			ln = normalizeText(ln)
			if ln != "" {
				out = append(out, line{text: ln, conf: defaultConf})
			}
		}
		return out
	}
	idx := make([]int, len(d.rec.Tokens))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return d.rec.Tokens[idx[a]].Box.Min.Y < d.rec.Tokens[idx[b]].Box.Min.Y
	})
	var groups [][]int
	for _, i := range idx {
		t := d.rec.Tokens[i]
		placed := false
		if len(groups) > 0 {
			last := groups[len(groups)-1]
			ref := d.rec.Tokens[last[0]].Box
			mid := (t.Box.Min.Y + t.Box.Max.Y) / 2
			if mid >= ref.Min.Y && mid <= ref.Max.Y {
				groups[len(groups)-1] = append(last, i)
				placed = true
			}
		}
		if !placed {
			groups = append(groups, []int{i})
		}
	}
	out := make([]line, 0, len(groups))
	for _, g := range groups {
		sort.SliceStable(g, func(a, b int) bool {
			return d.rec.Tokens[g[a]].Box.Min.X < d.rec.Tokens[g[b]].Box.Min.X
		})
		var parts []string
		sum := 0
		for _, i := range g {
			parts = append(parts, d.rec.Tokens[i].Text)
			sum += d.rec.Tokens[i].Conf
		}
		out = append(out, line{text: strings.Join(parts, " "), conf: sum / len(g)})
	}
	return out
}

var invoiceNoRE = regexp.MustCompile(`(?i)(?:faktura(?:\s+vat)?|f-?ra|fv)\s*(?:nr\.?|:|#)?\s*([0-9][0-9A-Za-z/\-.]*)`)

func extractInvoiceNumber(d *doc) ExtractedField {
	m := invoiceNoRE.FindStringSubmatchIndex(d.joined)
	if m == nil {
		return ExtractedField{Name: FieldInvoiceNumber}
	}
	val := strings.TrimRight(d.joined[m[2]:m[3]], ".,")
	return ExtractedField{
		Name:  FieldInvoiceNumber,
		Value: val,
		Conf:  d.spanConf(m[2], m[3]),
		Found: true,
	}
}

var dateRE = regexp.MustCompile(`\b(\d{1,2}[./-]\d{1,2}[./-]\d{4}|\d{4}-\d{2}-\d{2})\b`)

func extractDates(d *doc) []ExtractedField {
	issue := ExtractedField{Name: FieldIssueDate}
	sale := ExtractedField{Name: FieldSaleDate}
	low := strings.ToLower(d.joined)
	for _, m := range dateRE.FindAllStringSubmatchIndex(d.joined, -1) {
		val := d.joined[m[2]:m[3]]
		if _, err := ParseDate(val); err != nil {
			continue
		}
		f := ExtractedField{Value: val, Conf: d.spanConf(m[2], m[3]), Found: true}
		ctxStart := m[2] - 40
		if ctxStart < 0 {
			ctxStart = 0
		}
		ctx := low[ctxStart:m[2]]
		switch {
		case strings.Contains(ctx, "wystaw") && !issue.Found:
			f.Name = FieldIssueDate
			issue = f
		case strings.Contains(ctx, "sprzeda") && !sale.Found:
			f.Name = FieldSaleDate
			sale = f
		case !issue.Found:
			f.Name = FieldIssueDate
			issue = f
		case !sale.Found:
			f.Name = FieldSaleDate
			sale = f
		}
	}
	return []ExtractedField{issue, sale}
}

var nipRE = regexp.MustCompile(`(?i)nip\s*:?\s*((?:\d[ -]?){9}\d)`)
var bareNIPRE = regexp.MustCompile(`\b\d{10}\b|\b\d{3}-\d{3}-\d{2}-\d{2}\b|\b\d{3}-\d{2}-\d{2}-\d{3}\b`)

func extractNIPs(d *doc) []ExtractedField {
	seller := ExtractedField{Name: FieldSellerNIP}
	buyer := ExtractedField{Name: FieldBuyerNIP}
	take := func(start, end int, raw string) {
		f := ExtractedField{
			Value: onlyDigits(fixDigitConfusions(raw)),
			Conf:  d.spanConf(start, end),
			Found: true,
		}
		if !seller.Found {
			f.Name = FieldSellerNIP
			seller = f
		} else if !buyer.Found && f.Value != seller.Value {
			f.Name = FieldBuyerNIP
			buyer = f
		}
	}
	for _, m := range nipRE.FindAllStringSubmatchIndex(d.joined, -1) {
		take(m[2], m[3], d.joined[m[2]:m[3]])
	}
	if !seller.Found {
		// no NIP label recognized; fall back to bare digit groups that pass
		// the checksum
		for _, m := range bareNIPRE.FindAllStringIndex(d.joined, -1) {
			raw := d.joined[m[0]:m[1]]
			if ValidNIP(raw) {
				take(m[0], m[1], raw)
			}
		}
	}
	return []ExtractedField{seller, buyer}
}

var vatRE = regexp.MustCompile(`(?i)(?:vat|stawka)\D{0,12}?(\d{1,2})\s*%`)
var vatPctRE = regexp.MustCompile(`(\d{1,2})\s*%`)
var vatExemptRE = regexp.MustCompile(`(?i)\b(zw|np)\b[. ]`)

func extractVATRate(d *doc, rules *Rules) ExtractedField {
	if m := vatRE.FindStringSubmatchIndex(d.joined); m != nil {
		return ExtractedField{
			Name:  FieldVATRate,
			Value: d.joined[m[2]:m[3]],
			Conf:  d.spanConf(m[2], m[3]),
			Found: true,
		}
	}
	// any percentage that is a permitted rate
	for _, m := range vatPctRE.FindAllStringSubmatchIndex(d.joined, -1) {
		val := d.joined[m[2]:m[3]]
		if rules.Check(FieldVATRate, val) == nil {
			return ExtractedField{Name: FieldVATRate, Value: val, Conf: d.spanConf(m[2], m[3]), Found: true}
		}
	}
	if m := vatExemptRE.FindStringSubmatchIndex(d.joined + " "); m != nil {
		return ExtractedField{
			Name:  FieldVATRate,
			Value: strings.ToLower(d.joined[m[2]:m[3]]),
			Conf:  d.spanConf(m[2], m[3]),
			Found: true,
		}
	}
	return ExtractedField{Name: FieldVATRate}
}

var amountValRE = regexp.MustCompile(`((?:\d{1,3}(?:[ .]\d{3})+|\d+)(?:[,.]\d{2})?)(?:\s*(?:zł|PLN))?`)

// gross-total keywords in priority order; "do zapłaty" beats a bare "razem".
var grossKeywords = []string{"do zapłaty", "do zaplaty", "brutto", "razem", "suma"}

func extractAmounts(d *doc) []ExtractedField {
	low := strings.ToLower(d.joined)
	find := func(keywords []string) ExtractedField {
		for _, kw := range keywords {
			pos := 0
			for {
				i := strings.Index(low[pos:], kw)
				if i == -1 {
					break
				}
				at := pos + i + len(kw)
				window := at + 40
				if window > len(d.joined) {
					window = len(d.joined)
				}
				if m := amountValRE.FindStringSubmatchIndex(d.joined[at:window]); m != nil {
					raw := d.joined[at+m[2] : at+m[3]]
					if amt, err := ParseAmount(raw); err == nil && amt > 0 {
						return ExtractedField{
							Value: FormatAmount(amt),
							Conf:  d.spanConf(at+m[2], at+m[3]),
							Found: true,
						}
					}
				}
				pos = at
			}
		}
		return ExtractedField{}
	}
	gross := find(grossKeywords)
	gross.Name = FieldGrossTotal
	net := find([]string{"netto"})
	net.Name = FieldNetTotal
	return []ExtractedField{net, gross}
}

var lineItemRE = regexp.MustCompile(`^(.{3,60}?)\s+(\d{1,4})\s*(?:x|szt\.?|\*)\s*((?:\d{1,3}(?:[ .]\d{3})*|\d+)(?:[,.]\d{2})?)\s+((?:\d{1,3}(?:[ .]\d{3})*|\d+)(?:[,.]\d{2})?)`)

// extractLineItems segments the item table: rows shaped like
// "name  qty x unit  total". The value is a JSON array of LineItem.
func extractLineItems(d *doc) ExtractedField {
	var items []LineItem
	sum, n := 0, 0
	for _, ln := range d.lines() {
		m := lineItemRE.FindStringSubmatch(ln.text)
		if m == nil {
			continue
		}
		qty, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil || qty <= 0 {
			continue
		}
		unit, err1 := ParseAmount(m[3])
		total, err2 := ParseAmount(m[4])
		if err1 != nil || err2 != nil {
			continue
		}
		items = append(items, LineItem{
			Name:        strings.TrimSpace(m[1]),
			Qty:         qty,
			UnitGrosze:  unit,
			TotalGrosze: total,
		})
		sum += ln.conf
		n++
	}
	if len(items) == 0 {
		return ExtractedField{Name: FieldLineItems}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return ExtractedField{Name: FieldLineItems}
	}
	return ExtractedField{Name: FieldLineItems, Value: string(raw), Conf: sum / n, Found: true}
}
