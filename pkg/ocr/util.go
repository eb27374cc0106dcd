package ocr

import "strings"

// snippet returns a shortened version of text for logging.
func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// normalizeText collapses whitespace and replaces newlines/tabs.
func normalizeText(t string) string {
	t = strings.ReplaceAll(t, "\n", " ")
	t = strings.ReplaceAll(t, "\t", " ")
	return strings.Join(strings.Fields(t), " ")
}

// onlyDigits extracts decimal digits from a string.
func onlyDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

// fixDigitConfusions maps common OCR letter/digit confusions to digits.
// Applied only to candidates already believed to be numeric.
func fixDigitConfusions(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case 'o', 'O', 'D':
			return '0'
		case 'l', 'I', '|':
			return '1'
		case 'S':
			return '5'
		case 'B':
			return '8'
		default:
			return r
		}
	}, s)
}
