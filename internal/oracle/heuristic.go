package oracle

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"bunkcore/pkg/domain"
)

var (
	listSplit     = regexp.MustCompile(`[,;\n&]+|\s+and\s+`)
	sentenceSplit = regexp.MustCompile(`[.;!\n]+`)
	parenthetical = regexp.MustCompile(`\([^)]*\)`)
)

var negativeMarkers = []string{
	"do not place with", "don't place with", "do not bunk with", "don't bunk with",
	"should not be with", "not in the same bunk as", "keep away from", "keep apart from",
	"separate from", "not with", "away from", "never with",
}

var positiveMarkers = []string{
	"bunk with", "place with", "together with", "pair with", "keep with", "with",
}

var temporalMarkers = []string{"last year", "last summer", "this summer", "next session", "first session", "second session"}

// Heuristic is a deterministic, offline Oracle. It splits list fields on
// separators and reads staff notes sentence by sentence.
type Heuristic struct {
	keywords []string
}

// NewHeuristic constructs a heuristic oracle that reports the given priority keywords.
func NewHeuristic(keywords []string) *Heuristic {
	lower := make([]string, 0, len(keywords))
	for _, k := range keywords {
		lower = append(lower, strings.ToLower(k))
	}
	return &Heuristic{keywords: lower}
}

// Parse implements Oracle.
func (h *Heuristic) Parse(ctx context.Context, req Request) ([]Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch req.FieldType {
	case domain.FieldShareBunkWith:
		return h.parseList(req.Text, domain.RequestBunkWith), nil
	case domain.FieldDoNotShareBunkWith:
		return h.parseList(req.Text, domain.RequestNotBunkWith), nil
	case domain.FieldPriorYearBunkmates:
		return h.parseList(req.Text, domain.RequestPriorYearContinuity), nil
	case domain.FieldSocializeWith:
		return h.parseAge(req.Text), nil
	default:
		return h.parseNotes(req.Text), nil
	}
}

func (h *Heuristic) parseList(text string, def domain.RequestType) []Intent {
	var out []Intent
	for _, raw := range listSplit.Split(text, -1) {
		item := strings.TrimSpace(raw)
		if item == "" {
			continue
		}
		lower := strings.ToLower(item)
		in := Intent{
			RequestType:    def,
			Keywords:       h.findKeywords(lower),
			ListPosition:   len(out) + 1,
			TemporalInfo:   findTemporal(lower),
			ConfidenceHint: confidence(0.9),
		}
		if dir, ok := ageDirection(lower); ok && def != domain.RequestPriorYearContinuity {
			in.RequestType = domain.RequestAgePreference
			in.AgeDirection = dir
			in.Reasoning = "age preference phrase in list"
			out = append(out, in)
			continue
		}
		if def == domain.RequestBunkWith && hasAny(lower, negativeMarkers) {
			in.RequestType = domain.RequestNotBunkWith
			in.Reasoning = "negative phrase in positive list"
		}
		if def == domain.RequestPriorYearContinuity {
			if id, err := strconv.ParseInt(item, 10, 64); err == nil && id > 0 {
				in.TargetID = domain.PersonID(id)
				in.ConfidenceHint = confidence(1)
				out = append(out, in)
				continue
			}
		}
		name := h.cleanName(item)
		in.TargetName = name
		if name == "" || len(strings.Fields(name)) > 4 {
			in.NeedsClarification = true
			in.ConfidenceHint = confidence(0.4)
			in.Reasoning = "could not isolate a single name"
		}
		out = append(out, in)
	}
	return out
}

func (h *Heuristic) parseAge(text string) []Intent {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return nil
	}
	in := Intent{
		RequestType:    domain.RequestAgePreference,
		ListPosition:   1,
		Keywords:       h.findKeywords(lower),
		ConfidenceHint: confidence(0.85),
	}
	dir, ok := ageDirection(lower)
	if !ok {
		in.NeedsClarification = true
		in.ConfidenceHint = confidence(0.3)
		in.Reasoning = "no age direction found"
	}
	in.AgeDirection = dir
	return []Intent{in}
}

func (h *Heuristic) parseNotes(text string) []Intent {
	var out []Intent
	for _, raw := range sentenceSplit.Split(text, -1) {
		sentence := strings.TrimSpace(raw)
		if sentence == "" {
			continue
		}
		lower := strings.ToLower(sentence)
		in := Intent{
			Keywords:       h.findKeywords(lower),
			ListPosition:   len(out) + 1,
			TemporalInfo:   findTemporal(lower),
			ConfidenceHint: confidence(0.8),
			Reasoning:      sentence,
		}
		var marker string
		switch {
		case firstMarker(lower, negativeMarkers) != "":
			marker = firstMarker(lower, negativeMarkers)
			in.RequestType = domain.RequestNotBunkWith
		case firstMarker(lower, positiveMarkers) != "":
			marker = firstMarker(lower, positiveMarkers)
			in.RequestType = domain.RequestBunkWith
		default:
			if dir, ok := ageDirection(lower); ok {
				in.RequestType = domain.RequestAgePreference
				in.AgeDirection = dir
				out = append(out, in)
			}
			continue
		}
		idx := strings.Index(lower, marker) + len(marker)
		in.TargetName = capitalizedRun(sentence[idx:])
		if in.TargetName == "" {
			in.NeedsClarification = true
			in.ConfidenceHint = confidence(0.3)
		}
		out = append(out, in)
	}
	return out
}

func (h *Heuristic) findKeywords(lower string) []string {
	var found []string
	for _, k := range h.keywords {
		if strings.Contains(lower, k) {
			found = append(found, k)
		}
	}
	return found
}

// cleanName strips keyword phrases, parentheticals and punctuation from a list item.
func (h *Heuristic) cleanName(item string) string {
	s := parenthetical.ReplaceAllString(item, " ")
	for _, k := range h.keywords {
		s = removeFold(s, k)
	}
	for _, m := range negativeMarkers {
		s = removeFold(s, m)
	}
	for _, t := range temporalMarkers {
		s = removeFold(s, t)
	}
	s = strings.TrimFunc(s, func(r rune) bool { return !unicode.IsLetter(r) })
	return strings.Join(strings.Fields(s), " ")
}

func removeFold(s, phrase string) string {
	for {
		i := strings.Index(strings.ToLower(s), phrase)
		if i < 0 {
			return s
		}
		s = s[:i] + " " + s[i+len(phrase):]
	}
}

func hasAny(lower string, phrases []string) bool {
	return firstMarker(lower, phrases) != ""
}

func firstMarker(lower string, phrases []string) string {
	for _, p := range phrases {
		if p == "with" {
			if containsWord(lower, p) {
				return p
			}
			continue
		}
		if strings.Contains(lower, p) {
			return p
		}
	}
	return ""
}

func containsWord(lower, word string) bool {
	for _, f := range strings.FieldsFunc(lower, func(r rune) bool { return !unicode.IsLetter(r) }) {
		if f == word {
			return true
		}
	}
	return false
}

func ageDirection(lower string) (domain.AgeDirection, bool) {
	switch {
	case strings.Contains(lower, "older"):
		return domain.AgeOlder, true
	case strings.Contains(lower, "younger"):
		return domain.AgeYounger, true
	}
	return "", false
}

func findTemporal(lower string) string {
	for _, t := range temporalMarkers {
		if strings.Contains(lower, t) {
			return t
		}
	}
	return ""
}

// capitalizedRun returns the first run of up to three capitalized words
// within the first six words of s.
func capitalizedRun(s string) string {
	words := strings.Fields(s)
	var run []string
	for i, w := range words {
		w = strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) && r != '\'' && r != '-' })
		if w == "" {
			continue
		}
		if unicode.IsUpper([]rune(w)[0]) {
			run = append(run, w)
			if len(run) == 3 {
				break
			}
			continue
		}
		if len(run) > 0 || i >= 6 {
			break
		}
	}
	return strings.Join(run, " ")
}
