package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"be04/models"
	"be04/pkg/ocr"
)

func seedResult(t *testing.T, store *MemStore) *models.Result {
	t.Helper()
	date := time.Now().AddDate(0, -1, 0).Format("02.01.2006")
	result := &models.Result{
		PublicID: uuid.NewString(),
		TaskID:   1,
		OwnerID:  1,
		Fields: models.FieldMap{
			ocr.FieldInvoiceNumber: {Value: "123/2024", Confidence: 85, Source: models.SourceEngine},
			ocr.FieldIssueDate:     {Value: date, Confidence: 80, Source: models.SourceEngine},
			ocr.FieldSellerNIP:     {Value: "5260250279", Confidence: 40, Source: models.SourceEngine}, // misread, bad checksum
			ocr.FieldVATRate:       {Value: "23", Confidence: 75, Source: models.SourceEngine},
			ocr.FieldGrossTotal:    {Value: "123,00", Confidence: 78, Source: models.SourceEngine},
		},
		AggregateConfidence: 40,
		NeedsReview:         true,
	}
	if err := store.CreateResult(result); err != nil {
		t.Fatal(err)
	}
	return result
}

func newValidator(store *MemStore) (*Validator, *MemInvoiceStore) {
	invoices := NewMemInvoiceStore()
	return &Validator{Store: store, Invoices: invoices, Rules: ocr.DefaultRules()}, invoices
}

func TestApplyCorrectionCreatesInvoice(t *testing.T) {
	store := NewMemStore()
	result := seedResult(t, store)
	v, invoices := newValidator(store)

	outcome, err := v.Apply(result.PublicID, map[string]string{
		ocr.FieldSellerNIP: "5260250274",
	}, 1, false)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(outcome.UpdatedFields) != 1 || outcome.UpdatedFields[0] != ocr.FieldSellerNIP {
		t.Errorf("updated = %v", outcome.UpdatedFields)
	}
	if outcome.NewConfidences[ocr.FieldSellerNIP] != 100 {
		t.Errorf("corrected confidence = %d", outcome.NewConfidences[ocr.FieldSellerNIP])
	}
	// aggregate is now the lowest remaining engine field (vat_rate at 75)
	if outcome.AggregateConfidence != 75 {
		t.Errorf("aggregate = %d, want 75", outcome.AggregateConfidence)
	}
	if outcome.NeedsReview {
		t.Error("still flagged for review")
	}
	if !outcome.InvoiceCreated || outcome.InvoiceRef == "" {
		t.Fatalf("invoice not created: %+v", outcome)
	}

	stored, _ := store.ResultByID(result.ID)
	corrected := stored.Fields[ocr.FieldSellerNIP]
	if corrected.Value != "5260250274" || corrected.Confidence != 100 || corrected.Source != models.SourceCorrected {
		t.Errorf("stored field = %+v", corrected)
	}
	if stored.InvoiceID == nil {
		t.Fatal("invoice ref not recorded on result")
	}

	inv, err := invoices.Get(*stored.InvoiceID)
	if err != nil {
		t.Fatalf("invoice: %v", err)
	}
	if inv.SellerNIP != "5260250274" || inv.Number != "123/2024" {
		t.Errorf("invoice = %+v", inv)
	}
	if inv.GrossTotal != 12300 {
		t.Errorf("gross total = %d grosze, want 12300", inv.GrossTotal)
	}

	rows := store.Validations()
	if len(rows) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(rows))
	}
	if rows[0].FieldName != ocr.FieldSellerNIP || rows[0].OldValue != "5260250279" || rows[0].NewValue != "5260250274" {
		t.Errorf("audit row = %+v", rows[0])
	}
	if rows[0].CorrectorID != 1 {
		t.Errorf("corrector = %d", rows[0].CorrectorID)
	}
}

// slowApplyStore widens the window between the validator's read and its
// write, like a real database round trip would.
type slowApplyStore struct {
	*MemStore
	delay time.Duration
}

func (s *slowApplyStore) ApplyValidation(r *models.Result, rows []models.Validation) error {
	time.Sleep(s.delay)
	return s.MemStore.ApplyValidation(r, rows)
}

func TestApplyConcurrentValidationsCreateOneInvoice(t *testing.T) {
	mem := NewMemStore()
	result := seedResult(t, mem)
	store := &slowApplyStore{MemStore: mem, delay: 2 * time.Millisecond}
	invoices := NewMemInvoiceStore()
	v := &Validator{Store: store, Invoices: invoices, Rules: ocr.DefaultRules()}

	const callers = 8
	var wg sync.WaitGroup
	outcomes := make([]*Outcome, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = v.Apply(result.PublicID, map[string]string{
				ocr.FieldSellerNIP: "5260250274",
			}, 1, false)
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			if pe, ok := AsError(errs[i]); !ok || pe.Kind != KindConflict {
				t.Errorf("caller %d: err = %v, want Conflict", i, errs[i])
			}
			continue
		}
		if outcomes[i].InvoiceCreated {
			created++
		}
	}
	if created != 1 {
		t.Errorf("invoice created by %d callers, want exactly 1", created)
	}

	invoices.mu.Lock()
	n := len(invoices.invoices)
	invoices.mu.Unlock()
	if n != 1 {
		t.Errorf("invoices = %d, want exactly 1", n)
	}

	stored, _ := mem.ResultByID(result.ID)
	if stored.InvoiceID == nil {
		t.Error("invoice ref not recorded")
	}
}

func TestApplyRejectsWholeBatchOnOneBadValue(t *testing.T) {
	store := NewMemStore()
	result := seedResult(t, store)
	v, _ := newValidator(store)

	// one good correction, one illegal VAT rate: nothing may be written
	_, err := v.Apply(result.PublicID, map[string]string{
		ocr.FieldSellerNIP: "5260250274",
		ocr.FieldVATRate:   "17",
	}, 1, false)
	pe, ok := AsError(err)
	if !ok || pe.Kind != KindValidation {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if _, bad := pe.Fields[ocr.FieldVATRate]; !bad {
		t.Errorf("fields = %v, want vat_rate entry", pe.Fields)
	}
	if _, alsoBad := pe.Fields[ocr.FieldSellerNIP]; alsoBad {
		t.Errorf("valid correction flagged: %v", pe.Fields)
	}

	stored, _ := store.ResultByID(result.ID)
	if stored.Fields[ocr.FieldSellerNIP].Value != "5260250279" {
		t.Error("rejected batch still mutated the result")
	}
	if stored.AggregateConfidence != 40 || !stored.NeedsReview {
		t.Errorf("result = agg %d review %v", stored.AggregateConfidence, stored.NeedsReview)
	}
	if rows := store.Validations(); len(rows) != 0 {
		t.Errorf("audit rows = %d after rejected batch", len(rows))
	}
}

func TestApplyRejectsUnknownField(t *testing.T) {
	store := NewMemStore()
	result := seedResult(t, store)
	v, _ := newValidator(store)

	_, err := v.Apply(result.PublicID, map[string]string{"total_price": "1,00"}, 1, false)
	pe, ok := AsError(err)
	if !ok || pe.Kind != KindValidation {
		t.Fatalf("err = %v", err)
	}
	if pe.Fields["total_price"] != "unknown field" {
		t.Errorf("fields = %v", pe.Fields)
	}
}

func TestApplyRequiresCorrections(t *testing.T) {
	store := NewMemStore()
	result := seedResult(t, store)
	v, _ := newValidator(store)

	_, err := v.Apply(result.PublicID, nil, 1, false)
	if pe, ok := AsError(err); !ok || pe.Kind != KindValidation {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestApplyOwnership(t *testing.T) {
	store := NewMemStore()
	result := seedResult(t, store)
	v, _ := newValidator(store)
	corr := map[string]string{ocr.FieldSellerNIP: "5260250274"}

	if _, err := v.Apply(result.PublicID, corr, 99, false); err == nil {
		t.Fatal("foreign caller accepted")
	} else if pe, ok := AsError(err); !ok || pe.Kind != KindForbidden {
		t.Fatalf("err = %v, want Forbidden", err)
	}

	if _, err := v.Apply("no-such-result", corr, 1, false); err == nil {
		t.Fatal("unknown result accepted")
	} else if pe, ok := AsError(err); !ok || pe.Kind != KindNotFound {
		t.Fatalf("err = %v, want NotFound", err)
	}

	// admin may correct any result
	if _, err := v.Apply(result.PublicID, corr, 99, true); err != nil {
		t.Fatalf("admin apply: %v", err)
	}
}

func TestApplyBelowThresholdCreatesNoInvoice(t *testing.T) {
	store := NewMemStore()
	date := time.Now().AddDate(0, -1, 0).Format("02.01.2006")
	result := &models.Result{
		PublicID: uuid.NewString(),
		TaskID:   1,
		OwnerID:  1,
		Fields: models.FieldMap{
			ocr.FieldInvoiceNumber: {Value: "9/2024", Confidence: 50, Source: models.SourceEngine},
			ocr.FieldIssueDate:     {Value: date, Confidence: 80, Source: models.SourceEngine},
			ocr.FieldSellerNIP:     {Value: "x", Confidence: 20, Source: models.SourceEngine},
			ocr.FieldVATRate:       {Value: "23", Confidence: 75, Source: models.SourceEngine},
			ocr.FieldGrossTotal:    {Value: "50,00", Confidence: 78, Source: models.SourceEngine},
		},
		AggregateConfidence: 20,
		NeedsReview:         true,
	}
	if err := store.CreateResult(result); err != nil {
		t.Fatal(err)
	}
	v, _ := newValidator(store)

	// fixing only the NIP leaves invoice_number at 50, still under threshold
	outcome, err := v.Apply(result.PublicID, map[string]string{ocr.FieldSellerNIP: "5260250274"}, 1, false)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !outcome.NeedsReview {
		t.Error("expected review flag to remain")
	}
	if outcome.InvoiceCreated {
		t.Error("invoice created below threshold")
	}
	stored, _ := store.ResultByID(result.ID)
	if stored.InvoiceID != nil {
		t.Error("invoice ref recorded below threshold")
	}
}

func TestGetResult(t *testing.T) {
	store := NewMemStore()
	result := seedResult(t, store)
	v, _ := newValidator(store)

	view, err := v.GetResult(result.PublicID, 1, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.ResultID != result.PublicID || view.AggregateConfidence != 40 || !view.NeedsReview {
		t.Errorf("view = %+v", view)
	}
	if view.Fields[ocr.FieldInvoiceNumber].Value != "123/2024" {
		t.Errorf("fields = %v", view.Fields)
	}

	if _, err := v.GetResult(result.PublicID, 2, false); err == nil {
		t.Fatal("foreign read accepted")
	}
	if _, err := v.GetResult(result.PublicID, 2, true); err != nil {
		t.Fatalf("admin read: %v", err)
	}
	if _, err := v.GetResult("missing", 1, false); err == nil {
		t.Fatal("unknown result accepted")
	}
}
