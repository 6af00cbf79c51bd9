// Package redact produces the "cooked" transcript variant: detected PII is
// replaced with type-tagged placeholders and every replacement is written to
// an audit log for researcher review.
//
// Detection is rule-based. Location names are deliberately left alone —
// "the Manchester store" is research signal, not leakage. Redaction is
// opt-in and never drops text: when a detector fails the segment passes
// through unredacted with a warning in the audit.
package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/bristlenose/bristlenose/pkg/types"
)

// AuditEntry records one replacement (or one failure) for the audit file.
// Original text is included so researchers can review false positives; the
// audit file inherits the cooked transcript's access constraints.
type AuditEntry struct {
	SessionID   string  `json:"session_id"`
	Timecode    string  `json:"timecode"`
	Type        string  `json:"type"`
	Original    string  `json:"original,omitempty"`
	Replacement string  `json:"replacement,omitempty"`
	Confidence  float64 `json:"confidence"`
	Warning     string  `json:"warning,omitempty"`
}

// detection is one matched span within a segment's text.
type detection struct {
	start, end int
	kind       string
	confidence float64
}

// detector finds spans of one PII type in a string.
type detector struct {
	kind       string
	re         *regexp.Regexp
	confidence float64

	// verify optionally rejects a regex match (checksums, digit counts).
	verify func(string) bool
}

var detectors = []detector{
	{kind: "url", confidence: 0.95,
		re: regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"]+`)},
	{kind: "email", confidence: 0.95,
		re: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{kind: "iban", confidence: 0.95, verify: validIBAN,
		re: regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`)},
	{kind: "credit-card", confidence: 0.9, verify: luhnValid,
		re: regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)},
	{kind: "ip-address", confidence: 0.9,
		re: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)},
	{kind: "national-id", confidence: 0.85,
		re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b|\b[A-CEGHJ-PR-TW-Z]{2}\s?\d{2}\s?\d{2}\s?\d{2}\s?[A-D]\b`)},
	{kind: "driver-licence", confidence: 0.7,
		re: regexp.MustCompile(`\b[A-Z9]{5}\d{6}[A-Z9]{2}\d[A-Z]{2}\b`)},
	{kind: "passport", confidence: 0.6,
		re: regexp.MustCompile(`(?i)\bpassport(?:\s+(?:number|no\.?))?\s*:?\s*[A-Z0-9]{6,9}\b`)},
	{kind: "bank-account", confidence: 0.7,
		re: regexp.MustCompile(`(?i)\baccount(?:\s+(?:number|no\.?))?\s*:?\s*\d{6,12}\b`)},
	{kind: "phone", confidence: 0.8, verify: enoughDigits(9),
		re: regexp.MustCompile(`(?:\+|\b0)\d[\d\s().-]{7,16}\d\b`)},
	{kind: "date", confidence: 0.75,
		re: regexp.MustCompile(`\b\d{1,2}[/.]\d{1,2}[/.]\d{2,4}\b|(?i)\b(?:january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{1,2}(?:st|nd|rd|th)?(?:,?\s+\d{4})?\b`)},
	{kind: "time", confidence: 0.75,
		re: regexp.MustCompile(`(?i)\b\d{1,2}(?::\d{2})?\s?(?:am|pm)\b|\b\d{1,2}:\d{2}\s?(?:o'clock)?\b`)},
}

// Redactor applies PII detection across a project's segments. Placeholders
// are numbered per type so the same original always maps to the same tag
// within a run.
type Redactor struct {
	nameRe   *regexp.Regexp
	assigned map[string]string
	counters map[string]int
}

// New creates a Redactor. knownNames are the person names collected by the
// speaker registry; they are redacted wherever they appear in speech, not
// only on their own lines.
func New(knownNames []string) *Redactor {
	return &Redactor{
		nameRe:   buildNameRe(knownNames),
		assigned: make(map[string]string),
		counters: make(map[string]int),
	}
}

// buildNameRe compiles a single alternation over every known name and each
// of its parts. Short fragments are skipped; "Al" would redact half the
// transcript.
func buildNameRe(names []string) *regexp.Regexp {
	seen := make(map[string]bool)
	var parts []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if len(s) < 3 || seen[strings.ToLower(s)] {
			return
		}
		seen[strings.ToLower(s)] = true
		parts = append(parts, regexp.QuoteMeta(s))
	}
	for _, name := range names {
		add(name)
		for _, w := range strings.Fields(name) {
			add(w)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	// Longest alternatives first so full names beat their own fragments.
	sort.Slice(parts, func(i, j int) bool { return len(parts[i]) > len(parts[j]) })
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(parts, "|") + `)\b`)
}

// Segments redacts a session's segments, returning the cooked copies and the
// audit entries. The input slice is not modified.
func (r *Redactor) Segments(sessionID string, segs []types.Segment) ([]types.Segment, []AuditEntry) {
	cooked := make([]types.Segment, len(segs))
	var audit []AuditEntry
	for i, seg := range segs {
		cooked[i] = seg
		text, entries := r.redactText(seg.Text)
		for j := range entries {
			entries[j].SessionID = sessionID
			entries[j].Timecode = types.FormatTimecode(seg.Start)
		}
		cooked[i].Text = text
		cooked[i].Words = nil
		audit = append(audit, entries...)
	}
	return cooked, audit
}

// redactText finds all PII spans in text and replaces them back-to-front so
// earlier offsets stay valid.
func (r *Redactor) redactText(text string) (string, []AuditEntry) {
	var found []detection
	for _, d := range detectors {
		for _, loc := range d.re.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			if d.verify != nil && !d.verify(match) {
				continue
			}
			found = append(found, detection{loc[0], loc[1], d.kind, d.confidence})
		}
	}
	if r.nameRe != nil {
		for _, loc := range r.nameRe.FindAllStringIndex(text, -1) {
			found = append(found, detection{loc[0], loc[1], "person-name", 0.9})
		}
	}
	if len(found) == 0 {
		return text, nil
	}

	found = resolveOverlaps(found)

	var audit []AuditEntry
	out := text
	for i := len(found) - 1; i >= 0; i-- {
		d := found[i]
		original := out[d.start:d.end]
		tag := r.placeholder(d.kind, original)
		audit = append(audit, AuditEntry{
			Type:        d.kind,
			Original:    original,
			Replacement: tag,
			Confidence:  d.confidence,
		})
		out = out[:d.start] + tag + out[d.end:]
	}
	// Entries were collected back-to-front; restore reading order.
	for i, j := 0, len(audit)-1; i < j; i, j = i+1, j-1 {
		audit[i], audit[j] = audit[j], audit[i]
	}
	return out, audit
}

// placeholder returns the stable tag for an original, assigning the next
// per-type number on first sight. Matching is case-insensitive so "Maya"
// and "maya" share a tag.
func (r *Redactor) placeholder(kind, original string) string {
	key := kind + "\x00" + strings.ToLower(original)
	if tag, ok := r.assigned[key]; ok {
		return tag
	}
	r.counters[kind]++
	tag := fmt.Sprintf("[%s-%d]", kind, r.counters[kind])
	r.assigned[key] = tag
	return tag
}

// resolveOverlaps keeps at most one detection per text region, preferring
// higher confidence, then longer spans.
func resolveOverlaps(ds []detection) []detection {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].confidence != ds[j].confidence {
			return ds[i].confidence > ds[j].confidence
		}
		return ds[i].end-ds[i].start > ds[j].end-ds[j].start
	})
	var kept []detection
	for _, d := range ds {
		clash := false
		for _, k := range kept {
			if d.start < k.end && k.start < d.end {
				clash = true
				break
			}
		}
		if !clash {
			kept = append(kept, d)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].start < kept[j].start })
	return kept
}

// luhnValid checks a card-number candidate's Luhn checksum.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// validIBAN checks the ISO 13616 mod-97 checksum.
func validIBAN(s string) bool {
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	rearranged := s[4:] + s[:4]
	rem := 0
	for _, r := range rearranged {
		var v int
		switch {
		case r >= '0' && r <= '9':
			v = int(r - '0')
		case r >= 'A' && r <= 'Z':
			v = int(r-'A') + 10
		default:
			return false
		}
		if v >= 10 {
			rem = (rem*100 + v) % 97
		} else {
			rem = (rem*10 + v) % 97
		}
	}
	return rem == 1
}

// enoughDigits rejects matches with fewer than n digits, filtering out
// short numbers that happen to look phone-shaped.
func enoughDigits(n int) func(string) bool {
	return func(s string) bool {
		count := 0
		for _, r := range s {
			if r >= '0' && r <= '9' {
				count++
			}
		}
		return count >= n
	}
}
