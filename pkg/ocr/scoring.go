package ocr

// confidentEngine is the engine confidence above which a failed business
// check counts as a conflicting signal and draws the penalty.
const confidentEngine = 60

// ScoredField is an extracted field after business-rule adjustment.
type ScoredField struct {
	Name       string
	Value      string
	Confidence int  // 0..100
	Found      bool // false -> recorded with confidence 0, needs review
}

// Score adjusts each extracted field's engine confidence with its business
// check: a passing check boosts, a failing check on a confident engine
// reading penalizes (conflicting signal). Missing fields score 0.
func Score(fields []ExtractedField, rules *Rules) []ScoredField {
	out := make([]ScoredField, 0, len(fields))
	for _, f := range fields {
		s := ScoredField{Name: f.Name, Value: f.Value, Found: f.Found}
		if !f.Found {
			out = append(out, s)
			continue
		}
		conf := clampConf(f.Conf)
		if rules.Check(f.Name, f.Value) == nil {
			conf = clampConf(conf + rules.Boost)
		} else if conf >= confidentEngine {
			conf = clampConf(conf - rules.Penalty)
		}
		s.Confidence = conf
		out = append(out, s)
	}
	return out
}

// Aggregate is the confidence of the lowest-scoring required field, so a
// single bad critical field always surfaces as "needs review". A required
// field absent from the slice counts as 0.
func Aggregate(fields []ScoredField, rules *Rules) int {
	agg := 100
	for _, req := range rules.Required {
		conf := 0
		for _, f := range fields {
			if f.Name == req {
				conf = f.Confidence
				break
			}
		}
		if conf < agg {
			agg = conf
		}
	}
	return agg
}

// NeedsReview reports whether the aggregate falls below the review
// threshold.
func (r *Rules) NeedsReview(aggregate int) bool {
	return aggregate < r.ReviewThreshold
}

func clampConf(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
