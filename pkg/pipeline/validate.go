package pipeline

import (
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"be04/models"
	"be04/pkg/ocr"
)

// Validator applies manual corrections to an OCR result. Corrections are
// all-or-nothing: if any value fails its business rule the whole request is
// rejected with field-level errors and nothing is written.
type Validator struct {
	Store    Store
	Invoices InvoiceStore
	Rules    *ocr.Rules
}

// Outcome reports what a successful validation changed.
type Outcome struct {
	UpdatedFields       []string       `json:"updated_fields"`
	NewConfidences      map[string]int `json:"new_confidences"`
	AggregateConfidence int            `json:"aggregate_confidence"`
	NeedsReview         bool           `json:"needs_review"`
	InvoiceCreated      bool           `json:"invoice_created"`
	InvoiceRef          string         `json:"invoice_ref,omitempty"`
}

// Apply validates and applies the corrections, recomputes the aggregate and,
// once every required field clears the review threshold, creates the
// downstream invoice. This is the only path that auto-creates an invoice
// from OCR; it never retries.
func (v *Validator) Apply(resultPID string, corrections map[string]string, callerID uint, admin bool) (*Outcome, error) {
	result, err := v.Store.ResultByPublicID(resultPID)
	if errors.Is(err, ErrNotFound) {
		return nil, errf(KindNotFound, "result not found")
	}
	if err != nil {
		return nil, err
	}
	if result.OwnerID != callerID && !admin {
		return nil, errf(KindForbidden, "not your result")
	}
	if len(corrections) == 0 {
		return nil, errf(KindValidation, "no corrections supplied")
	}

	fieldErrs := map[string]string{}
	for name, value := range corrections {
		if !ocr.KnownField(name) {
			fieldErrs[name] = "unknown field"
			continue
		}
		if err := v.Rules.Check(name, value); err != nil {
			fieldErrs[name] = err.Error()
		}
	}
	if len(fieldErrs) > 0 {
		return nil, &Error{Kind: KindValidation, Message: "corrections rejected", Fields: fieldErrs}
	}

	if result.Fields == nil {
		result.Fields = models.FieldMap{}
	}
	outcome := &Outcome{NewConfidences: map[string]int{}}
	var rows []models.Validation
	for name, value := range corrections {
		old := result.Fields[name]
		result.Fields[name] = models.Field{
			Value:      value,
			Confidence: 100,
			Source:     models.SourceCorrected,
		}
		rows = append(rows, models.Validation{
			ResultID:    result.ID,
			FieldName:   name,
			CorrectorID: callerID,
			OldValue:    old.Value,
			NewValue:    value,
		})
		outcome.UpdatedFields = append(outcome.UpdatedFields, name)
		outcome.NewConfidences[name] = 100
	}

	result.AggregateConfidence = aggregateFromMap(result.Fields, v.Rules)
	result.NeedsReview = v.Rules.NeedsReview(result.AggregateConfidence)
	outcome.AggregateConfidence = result.AggregateConfidence
	outcome.NeedsReview = result.NeedsReview

	if err := v.Store.ApplyValidation(result, rows); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, errf(KindConflict, "result was modified concurrently, reload and retry")
		}
		if errors.Is(err, ErrNotFound) {
			return nil, errf(KindNotFound, "result not found")
		}
		return nil, err
	}

	if result.InvoiceID == nil && !result.NeedsReview {
		inv := invoiceFromFields(result)
		// the unique result_id index is the claim: under concurrent
		// validations only one Create lands, the rest see ErrConflict
		switch err := v.Invoices.Create(inv); {
		case errors.Is(err, ErrConflict):
			log.Printf("validate: invoice for result %s already booked", result.PublicID)
		case err != nil:
			// corrections are committed; the invoice trigger does not retry
			log.Printf("validate: invoice creation for result %s failed: %v", result.PublicID, err)
		default:
			if err := v.Store.SetResultInvoice(result.ID, inv.ID); err != nil {
				log.Printf("validate: record invoice ref on result %s: %v", result.PublicID, err)
			}
			outcome.InvoiceCreated = true
			outcome.InvoiceRef = inv.PublicID
		}
	}
	return outcome, nil
}

// aggregateFromMap is the scorer's minimum-over-required rule applied to a
// stored field map; a required field missing from the map counts as 0.
func aggregateFromMap(fields models.FieldMap, rules *ocr.Rules) int {
	agg := 100
	for _, req := range rules.Required {
		conf := 0
		if f, ok := fields[req]; ok {
			conf = f.Confidence
		}
		if conf < agg {
			agg = conf
		}
	}
	return agg
}

// invoiceFromFields builds the downstream record, best-effort parsing values
// that reached the threshold without a strict check pass.
func invoiceFromFields(result *models.Result) *models.Invoice {
	inv := &models.Invoice{
		PublicID: uuid.NewString(),
		OwnerID:  result.OwnerID,
		ResultID: result.ID,
	}
	get := func(name string) string { return result.Fields[name].Value }
	inv.Number = get(ocr.FieldInvoiceNumber)
	if t, err := ocr.ParseDate(get(ocr.FieldIssueDate)); err == nil {
		inv.IssueDate = t
	} else {
		inv.IssueDate = time.Now()
	}
	inv.SellerNIP = get(ocr.FieldSellerNIP)
	inv.BuyerNIP = get(ocr.FieldBuyerNIP)
	if amt, err := ocr.ParseAmount(get(ocr.FieldGrossTotal)); err == nil {
		inv.GrossTotal = amt
	}
	if amt, err := ocr.ParseAmount(get(ocr.FieldNetTotal)); err == nil {
		inv.NetTotal = amt
	}
	inv.VATRate = get(ocr.FieldVATRate)
	return inv
}

// ResultView is the caller-facing shape of a stored result.
type ResultView struct {
	ResultID            string          `json:"result_id"`
	Fields              models.FieldMap `json:"fields"`
	AggregateConfidence int             `json:"aggregate_confidence"`
	NeedsReview         bool            `json:"needs_review"`
	InvoiceRef          string          `json:"invoice_ref,omitempty"`
	Engine              string          `json:"engine,omitempty"`
	DurationMs          int64           `json:"duration_ms,omitempty"`
}

// GetResult returns the extracted field set with the same ownership rules as
// the status service.
func (v *Validator) GetResult(resultPID string, callerID uint, admin bool) (*ResultView, error) {
	result, err := v.Store.ResultByPublicID(resultPID)
	if errors.Is(err, ErrNotFound) {
		return nil, errf(KindNotFound, "result not found")
	}
	if err != nil {
		return nil, err
	}
	if result.OwnerID != callerID && !admin {
		return nil, errf(KindForbidden, "not your result")
	}
	view := &ResultView{
		ResultID:            result.PublicID,
		Fields:              result.Fields,
		AggregateConfidence: result.AggregateConfidence,
		NeedsReview:         result.NeedsReview,
		Engine:              result.Engine,
		DurationMs:          result.DurationMs,
	}
	if result.InvoiceID != nil {
		if inv, err := v.Invoices.Get(*result.InvoiceID); err == nil {
			view.InvoiceRef = inv.PublicID
		}
	}
	return view, nil
}
