package redact

import (
	"regexp"
	"sort"
	"strings"
)

// Span marks a detected entity as byte offsets into the input string.
type Span struct {
	Start  int
	End    int
	Entity string
}

// Detector is the detection collaborator. Production deployments plug
// in an NLP analyzer behind this interface; RegexDetector is the
// built-in implementation.
type Detector interface {
	Detect(text string) []Span
}

type pattern struct {
	entity string
	re     *regexp.Regexp
}

// RegexDetector flags the common PII shapes. Person detection is
// heuristic (a run of capitalized words, minus sentence openers); the
// analyzer that replaces this in production does better, the engine
// does not care.
type RegexDetector struct {
	patterns []pattern
}

func NewRegexDetector() *RegexDetector {
	return &RegexDetector{patterns: []pattern{
		{"EMAIL_ADDRESS", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
		{"US_SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{"CREDIT_CARD", regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)},
		{"PHONE_NUMBER", regexp.MustCompile(`\b(?:\+?1[ .\-]?)?(?:\(\d{3}\)[ .\-]?|\d{3}[ .\-])?\d{3}[ .\-]?\d{4}\b`)},
		{"IP_ADDRESS", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	}}
}

// personRun matches two or more adjacent capitalized words. The match
// is trimmed against personOpeners before it becomes a span, because
// the leftmost word is often a sentence opener ("Call John Doe"), and
// regexp matching is non-overlapping so the opener would otherwise
// steal the first name.
var personRun = regexp.MustCompile(`\b[A-Z][a-z]+(?: [A-Z][a-z]+)+\b`)

// personOpeners are capitalized words that precede a name without
// being part of it.
var personOpeners = map[string]bool{
	"Ask": true, "Call": true, "Contact": true, "Dear": true,
	"Email": true, "Hello": true, "Hi": true, "Meet": true,
	"Message": true, "Phone": true, "Ping": true, "Please": true,
	"See": true, "Tell": true, "Text": true, "Thanks": true,
	"The": true,
}

func detectPersons(text string) []Span {
	var spans []Span
	for _, loc := range personRun.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		run := text[start:end]
		for {
			space := strings.IndexByte(run, ' ')
			if space < 0 || !personOpeners[run[:space]] {
				break
			}
			start += space + 1
			run = run[space+1:]
		}
		// A lone capitalized word left after trimming is not a name.
		if !strings.Contains(run, " ") {
			continue
		}
		spans = append(spans, Span{Start: start, End: end, Entity: "PERSON"})
	}
	return spans
}

func (d *RegexDetector) Detect(text string) []Span {
	if text == "" {
		return nil
	}
	var spans []Span
	for _, p := range d.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			spans = append(spans, Span{Start: loc[0], End: loc[1], Entity: p.entity})
		}
	}
	spans = append(spans, detectPersons(text)...)
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})
	return spans
}

// Entities lists the entity catalogue, for the compliance attestation.
func (d *RegexDetector) Entities() []string {
	out := make([]string, 0, len(d.patterns)+1)
	for _, p := range d.patterns {
		out = append(out, p.entity)
	}
	out = append(out, "PERSON")
	sort.Strings(out)
	return out
}
